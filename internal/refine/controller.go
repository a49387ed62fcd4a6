// Package refine orchestrates the operator-facing refinement workflow: it
// wires the partition, quality scorer, similarity matrix, recommendation
// queue, and edit history together behind one action API.
//
// The controller is a small state machine. Idle → Reviewing(item) on
// NextRecommendation; a decision (merge, split, move, discard, keep, skip)
// transitions back to Idle. A failed decision leaves the state, the current
// item, and the partition untouched.
package refine

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/spikekit/spikekit/internal/history"
	"github.com/spikekit/spikekit/internal/quality"
	"github.com/spikekit/spikekit/internal/queue"
	"github.com/spikekit/spikekit/internal/similarity"
	"github.com/spikekit/spikekit/internal/store"
)

// ErrInvalidPartition is returned when a split's parts do not exactly cover
// the cluster's current members.
var ErrInvalidPartition = errors.New("invalid split partition")

// State is the controller's review state.
type State string

const (
	StateIdle      State = "idle"
	StateReviewing State = "reviewing"
)

// Change is the notification emitted to the view layer after every
// committed action.
type Change struct {
	ClusterIDs []int64
	SpikeIDs   []int64
}

// Listener receives change notifications.
type Listener func(Change)

// Config bundles the tuning of all refinement components.
type Config struct {
	Quality    quality.Config    `yaml:"quality"`
	Similarity similarity.Config `yaml:"similarity"`
	Queue      queue.Config      `yaml:"queue"`
}

// DefaultConfig returns defaults for every component.
func DefaultConfig() Config {
	return Config{
		Quality:    quality.DefaultConfig(),
		Similarity: similarity.DefaultConfig(),
		Queue:      queue.DefaultConfig(),
	}
}

// Controller is the operator-facing refinement engine.
type Controller struct {
	part   *store.Partition
	scorer *quality.Scorer
	matrix *similarity.Matrix
	queue  *queue.Queue
	log    *history.Log
	worker *quality.Worker
	lg     *slog.Logger

	state     State
	current   *queue.Item
	listeners []Listener

	// lazily allocated catch-all cluster receiving discarded spikes
	noiseCluster int64
}

// New builds a controller and its component stack over a loaded partition.
// Observer registration order matters: the scorer and matrix must invalidate
// before the queue reacts to a change.
func New(part *store.Partition, cfg Config, lg *slog.Logger) *Controller {
	if lg == nil {
		lg = slog.Default()
	}
	scorer := quality.NewScorer(part, cfg.Quality)
	matrix := similarity.NewMatrix(part, cfg.Similarity)
	q := queue.New(part, scorer, matrix, cfg.Queue)
	return &Controller{
		part:   part,
		scorer: scorer,
		matrix: matrix,
		queue:  q,
		log:    history.NewLog(part),
		worker: quality.NewWorker(part, scorer, lg),
		lg:     lg,
		state:  StateIdle,
	}
}

// Start seeds the recommendation queue from the loaded partition.
// Call once per session, after LoadSpikes.
func (c *Controller) Start() error {
	if err := c.queue.Rebuild(); err != nil {
		return fmt.Errorf("starting refinement session: %w", err)
	}
	return nil
}

// AdoptHistory replaces the controller's empty history with one restored
// from a saved session. Call before Start, before any operation runs.
func (c *Controller) AdoptHistory(l *history.Log) {
	c.log = l
}

// Partition exposes the underlying store for read-only consumers.
func (c *Controller) Partition() *store.Partition { return c.part }

// Scorer exposes the quality scorer.
func (c *Controller) Scorer() *quality.Scorer { return c.scorer }

// Matrix exposes the similarity matrix.
func (c *Controller) Matrix() *similarity.Matrix { return c.matrix }

// Queue exposes the recommendation queue.
func (c *Controller) Queue() *queue.Queue { return c.queue }

// History exposes the edit history.
func (c *Controller) History() *history.Log { return c.log }

// Worker exposes the background rescoring worker.
func (c *Controller) Worker() *quality.Worker { return c.worker }

// State returns the current review state.
func (c *Controller) State() State { return c.state }

// CurrentItem returns the item under review, or nil when idle.
func (c *Controller) CurrentItem() *queue.Item { return c.current }

// Subscribe registers a change listener.
func (c *Controller) Subscribe(fn Listener) {
	c.listeners = append(c.listeners, fn)
}

// NextRecommendation pulls the next review item from the queue. Returns nil
// when the pass is exhausted, leaving the controller idle.
func (c *Controller) NextRecommendation() (*queue.Item, error) {
	item, err := c.queue.Next()
	if err != nil {
		return nil, err
	}
	if item == nil {
		c.state = StateIdle
		c.current = nil
		return nil, nil
	}
	c.state = StateReviewing
	c.current = item
	return item, nil
}

// PreviousRecommendation steps back to the previously served item.
func (c *Controller) PreviousRecommendation() *queue.Item {
	item := c.queue.Previous()
	if item != nil {
		c.state = StateReviewing
		c.current = item
	}
	return item
}

// Skip demotes the item under review to the end of the current pass.
func (c *Controller) Skip() error {
	if c.current == nil {
		return fmt.Errorf("skipping: no item under review")
	}
	if err := c.queue.Skip(*c.current); err != nil {
		return err
	}
	c.state = StateIdle
	c.current = nil
	return nil
}

// Merge combines the given active clusters into the lowest id among them.
// The survivors absorb every spike; the other clusters are marked merged-away
// and deactivated. Returns the surviving cluster id.
func (c *Controller) Merge(ids []int64) (int64, error) {
	distinct := dedupe(ids)
	if len(distinct) < 2 {
		return 0, fmt.Errorf("merging %d clusters: need at least two distinct ids", len(distinct))
	}
	for _, id := range distinct {
		if !c.part.IsActive(id) {
			return 0, fmt.Errorf("merging cluster %d: %w", id, store.ErrUnknownCluster)
		}
	}

	survivor := distinct[0]
	losers := distinct[1:]

	var moved []int64
	for _, id := range losers {
		members, err := c.part.SpikesOf(id)
		if err != nil {
			return 0, err
		}
		moved = append(moved, members...)
	}

	a, err := c.begin(history.KindMerge, moved, distinct)
	if err != nil {
		return 0, err
	}

	if err := c.part.Assign(moved, survivor); err != nil {
		return 0, err
	}
	for _, id := range losers {
		if err := c.part.SetStatus(id, store.StatusMergedAway); err != nil {
			return 0, err
		}
		if err := c.part.Deactivate(id); err != nil {
			return 0, err
		}
	}

	c.commit(a)
	return survivor, nil
}

// Split divides a cluster into the supplied parts. Every part receives a
// fresh cluster id and the original is deactivated. The parts must exactly
// cover the cluster's current members with no overlap and no empty part.
func (c *Controller) Split(id int64, parts [][]int64) ([]int64, error) {
	if !c.part.IsActive(id) {
		return nil, fmt.Errorf("splitting cluster %d: %w", id, store.ErrUnknownCluster)
	}
	members, err := c.part.SpikesOf(id)
	if err != nil {
		return nil, err
	}
	if err := validateParts(id, members, parts); err != nil {
		return nil, err
	}

	a, err := c.begin(history.KindSplit, members, []int64{id})
	if err != nil {
		return nil, err
	}

	newIDs := make([]int64, 0, len(parts))
	for _, part := range parts {
		target := c.part.CreateCluster()
		newIDs = append(newIDs, target)
		// New clusters did not exist before the split; on undo they return
		// to the inactive, empty state.
		a.ClustersBefore[target] = history.ClusterState{
			Status: store.StatusUnreviewed,
			Group:  store.GroupUnsorted,
			Active: false,
		}
		if err := c.part.Assign(part, target); err != nil {
			return nil, err
		}
	}
	if err := c.part.SetStatus(id, store.StatusMergedAway); err != nil {
		return nil, err
	}
	if err := c.part.Deactivate(id); err != nil {
		return nil, err
	}

	c.commit(a)
	return newIDs, nil
}

// MoveSpikes reassigns a set of spikes to an existing active cluster.
func (c *Controller) MoveSpikes(spikeIDs []int64, target int64) error {
	if !c.part.IsActive(target) {
		return fmt.Errorf("moving spikes to cluster %d: %w", target, store.ErrUnknownCluster)
	}
	sources := make(map[int64]struct{})
	for _, id := range spikeIDs {
		cluster, err := c.part.AssignmentOf(id)
		if err != nil {
			return err
		}
		sources[cluster] = struct{}{}
	}
	touched := []int64{target}
	for id := range sources {
		touched = append(touched, id)
	}

	a, err := c.begin(history.KindMove, spikeIDs, touched)
	if err != nil {
		return err
	}
	if err := c.part.Assign(spikeIDs, target); err != nil {
		return err
	}
	// Sources drained to zero leave the active set.
	for id := range sources {
		if id != target && c.part.SpikeCount(id) == 0 {
			if err := c.part.Deactivate(id); err != nil {
				return err
			}
		}
	}
	c.commit(a)
	return nil
}

// Discard rejects a cluster as noise: its spikes move to the session's
// catch-all noise cluster, the cluster is marked discarded and deactivated.
func (c *Controller) Discard(id int64) error {
	if !c.part.IsActive(id) {
		return fmt.Errorf("discarding cluster %d: %w", id, store.ErrUnknownCluster)
	}
	members, err := c.part.SpikesOf(id)
	if err != nil {
		return err
	}
	noise := c.ensureNoiseCluster()
	if noise == id {
		return fmt.Errorf("discarding cluster %d: cannot discard the noise cluster", id)
	}

	a, err := c.begin(history.KindDiscard, members, []int64{id, noise})
	if err != nil {
		return err
	}
	if err := c.part.Assign(members, noise); err != nil {
		return err
	}
	if err := c.part.SetStatus(id, store.StatusDiscarded); err != nil {
		return err
	}
	if err := c.part.Deactivate(id); err != nil {
		return err
	}
	c.commit(a)
	return nil
}

// Keep marks a cluster as reviewed and resolves the current item. Not
// recorded in history: it does not mutate the partition.
func (c *Controller) Keep(id int64) error {
	if !c.part.IsActive(id) {
		return fmt.Errorf("keeping cluster %d: %w", id, store.ErrUnknownCluster)
	}
	if err := c.part.SetStatus(id, store.StatusReviewed); err != nil {
		return err
	}
	c.resolveReview()
	c.emit(Change{ClusterIDs: []int64{id}})
	return nil
}

// SetGroup applies an operator group label (noise, mua, good) to a cluster.
func (c *Controller) SetGroup(id int64, group store.Group) error {
	if !c.part.IsActive(id) {
		return fmt.Errorf("labeling cluster %d: %w", id, store.ErrUnknownCluster)
	}
	if err := c.part.SetGroup(id, group); err != nil {
		return err
	}
	c.emit(Change{ClusterIDs: []int64{id}})
	return nil
}

// Undo reverses the most recent action. Blocks until any in-flight
// background rescore for a touched cluster resolves or is discarded.
func (c *Controller) Undo() error {
	if a := c.log.Peek(); a != nil {
		c.drainRescores(a.TouchedClusters())
	}
	a, err := c.log.Undo()
	if err != nil {
		return err
	}
	c.resolveReview()
	c.emit(Change{ClusterIDs: a.TouchedClusters(), SpikeIDs: a.SpikeIDs})
	return nil
}

// Redo re-applies the most recently undone action. Like Undo, it blocks
// until in-flight background rescores for the touched clusters resolve.
func (c *Controller) Redo() error {
	if a := c.log.PeekRedo(); a != nil {
		c.drainRescores(a.TouchedClusters())
	}
	a, err := c.log.Redo()
	if err != nil {
		return err
	}
	c.resolveReview()
	c.emit(Change{ClusterIDs: a.TouchedClusters(), SpikeIDs: a.SpikeIDs})
	return nil
}

// Renumber compacts active cluster ids to 1..n, typically right before a
// final save. It is a non-undoable barrier: the edit history is cleared and
// the queue reseeded, as at session start.
func (c *Controller) Renumber() (map[int64]int64, error) {
	c.drainRescores(c.part.ActiveClusters())
	mapping := c.part.Renumber()
	c.log.Clear()
	c.noiseCluster = mapping[c.noiseCluster]
	if err := c.queue.Rebuild(); err != nil {
		return nil, fmt.Errorf("renumbering clusters: %w", err)
	}
	c.resolveReview()

	changed := make([]int64, 0, len(mapping))
	for _, next := range mapping {
		changed = append(changed, next)
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i] < changed[j] })
	c.emit(Change{ClusterIDs: changed, SpikeIDs: c.part.SpikeIDs()})
	return mapping, nil
}

// Rescore computes a fresh quality record off-thread and commits it through
// the revision-checked handoff.
func (c *Controller) Rescore(id int64) (*quality.Record, error) {
	return c.worker.Rescore(id)
}

// begin snapshots the before-state of an action under construction.
func (c *Controller) begin(kind history.Kind, spikeIDs []int64, clusterIDs []int64) (*history.Action, error) {
	a := &history.Action{
		Kind:           kind,
		SpikeIDs:       append([]int64(nil), spikeIDs...),
		AssignBefore:   make(map[int64]int64, len(spikeIDs)),
		AssignAfter:    make(map[int64]int64, len(spikeIDs)),
		ClustersBefore: make(map[int64]history.ClusterState),
		ClustersAfter:  make(map[int64]history.ClusterState),
	}
	sort.Slice(a.SpikeIDs, func(i, j int) bool { return a.SpikeIDs[i] < a.SpikeIDs[j] })
	for _, id := range a.SpikeIDs {
		cluster, err := c.part.AssignmentOf(id)
		if err != nil {
			return nil, err
		}
		a.AssignBefore[id] = cluster
	}
	for _, id := range dedupe(clusterIDs) {
		cl, err := c.part.Cluster(id)
		if err != nil {
			return nil, err
		}
		a.ClustersBefore[id] = history.ClusterState{Status: cl.Status, Group: cl.Group, Active: cl.Active}
	}
	return a, nil
}

// commit captures the after-state, records the action, resolves the review
// item, and notifies listeners.
func (c *Controller) commit(a *history.Action) {
	for _, id := range a.SpikeIDs {
		cluster, err := c.part.AssignmentOf(id)
		if err != nil {
			continue
		}
		a.AssignAfter[id] = cluster
	}
	for id := range a.ClustersBefore {
		cl, err := c.part.Cluster(id)
		if err != nil {
			continue
		}
		a.ClustersAfter[id] = history.ClusterState{Status: cl.Status, Group: cl.Group, Active: cl.Active}
	}
	c.log.Record(a)
	c.resolveReview()
	c.emit(Change{ClusterIDs: a.TouchedClusters(), SpikeIDs: a.SpikeIDs})
}

func (c *Controller) resolveReview() {
	c.state = StateIdle
	c.current = nil
}

func (c *Controller) emit(ch Change) {
	for _, fn := range c.listeners {
		fn(ch)
	}
}

func (c *Controller) drainRescores(ids []int64) {
	for _, id := range ids {
		if !c.worker.Pending(id) {
			continue
		}
		if err := c.worker.Resolve(id); err != nil {
			c.lg.Debug("pending rescore discarded before undo/redo", "cluster", id, "err", err)
		}
	}
}

func (c *Controller) ensureNoiseCluster() int64 {
	if c.noiseCluster != 0 && c.part.IsActive(c.noiseCluster) {
		return c.noiseCluster
	}
	// Reuse an existing noise-labeled cluster when the operator made one.
	for _, id := range c.part.ActiveClusters() {
		cl, err := c.part.Cluster(id)
		if err == nil && cl.Group == store.GroupNoise {
			c.noiseCluster = id
			return id
		}
	}
	id := c.part.CreateCluster()
	_ = c.part.SetGroup(id, store.GroupNoise)
	c.noiseCluster = id
	return id
}

func validateParts(id int64, members []int64, parts [][]int64) error {
	if len(parts) < 2 {
		return fmt.Errorf("splitting cluster %d into %d parts: %w", id, len(parts), ErrInvalidPartition)
	}
	seen := make(map[int64]struct{}, len(members))
	total := 0
	for i, part := range parts {
		if len(part) == 0 {
			return fmt.Errorf("splitting cluster %d: part %d is empty: %w", id, i, ErrInvalidPartition)
		}
		for _, spikeID := range part {
			if _, ok := seen[spikeID]; ok {
				return fmt.Errorf("splitting cluster %d: spike %d appears twice: %w", id, spikeID, ErrInvalidPartition)
			}
			seen[spikeID] = struct{}{}
			total++
		}
	}
	if total != len(members) {
		return fmt.Errorf("splitting cluster %d: parts cover %d spikes, cluster has %d: %w",
			id, total, len(members), ErrInvalidPartition)
	}
	for _, spikeID := range members {
		if _, ok := seen[spikeID]; !ok {
			return fmt.Errorf("splitting cluster %d: member spike %d missing from parts: %w",
				id, spikeID, ErrInvalidPartition)
		}
	}
	return nil
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
