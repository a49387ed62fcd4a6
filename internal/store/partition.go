// Package store owns the spike→cluster partition for a refinement session.
//
// The store is the single source of truth for cluster membership:
// - Per-spike metadata (timestamp, feature vector) loaded once at session start
// - The mutable spike→cluster assignment
// - Cluster lifecycle (monotonic id allocation, status tags, deactivation)
//
// Every mutation notifies registered observers with exactly the cluster ids
// whose membership changed, so derived caches (quality records, similarity
// entries) can recompute incrementally instead of rescanning the partition.
package store

import (
	"errors"
	"fmt"
	"sort"
)

// Sentinel errors for partition mutations.
var (
	ErrInvalidSpikeID  = errors.New("invalid spike id")
	ErrUnknownCluster  = errors.New("unknown cluster id")
	ErrClusterNotEmpty = errors.New("cluster still has members")
	ErrDuplicateSpike  = errors.New("duplicate spike id")
)

// Status tags a cluster's review state.
type Status string

const (
	StatusUnreviewed Status = "unreviewed"
	StatusReviewed   Status = "reviewed"
	StatusMergedAway Status = "merged-away"
	StatusDiscarded  Status = "discarded"
)

// Group labels a cluster with the operator's coarse classification,
// following the spike-sorting convention of noise/MUA/good buckets.
type Group string

const (
	GroupUnsorted Group = "unsorted"
	GroupNoise    Group = "noise"
	GroupMUA      Group = "mua"
	GroupGood     Group = "good"
)

// Spike is a read-only snapshot of one detected event.
type Spike struct {
	ID        int64
	Time      float64 // seconds from recording start
	Features  []float32
	ClusterID int64
}

// SpikeSpec is the bulk-load record handed over by the feature pipeline.
type SpikeSpec struct {
	ID        int64
	Time      float64
	Features  []float32
	ClusterID int64
}

// Cluster holds the bookkeeping for one cluster. Membership is derived from
// the partition, never stored here.
type Cluster struct {
	ID     int64
	Status Status
	Group  Group
	Active bool
}

// Observer receives the exact set of clusters whose membership changed.
// Notification happens synchronously inside the mutation, before it returns.
type Observer interface {
	ClustersChanged(ids []int64)
}

type spikeRec struct {
	time     float64
	features []float32
	cluster  int64
}

// Partition is the authoritative in-memory spike→cluster assignment.
type Partition struct {
	spikes    map[int64]*spikeRec
	members   map[int64]map[int64]struct{}
	clusters  map[int64]*Cluster
	nextID    int64
	revision  uint64
	observers []Observer

	// session-start assignment, kept for persistence and history replay
	base map[int64]int64
}

// NewPartition returns an empty partition. Call LoadSpikes before use.
func NewPartition() *Partition {
	return &Partition{
		spikes:   make(map[int64]*spikeRec),
		members:  make(map[int64]map[int64]struct{}),
		clusters: make(map[int64]*Cluster),
		nextID:   1,
		base:     make(map[int64]int64),
	}
}

// RegisterObserver subscribes an observer to membership-change notifications.
func (p *Partition) RegisterObserver(o Observer) {
	p.observers = append(p.observers, o)
}

// Revision returns the mutation counter. It increments on every mutation and
// is used to reject background computations that raced a partition edit.
func (p *Partition) Revision() uint64 {
	return p.revision
}

// LoadSpikes bulk-loads the session's spikes and their initial assignment.
// Clusters referenced by the specs are created as unreviewed. Fails without
// side effects on duplicate spike ids or non-positive cluster ids.
func (p *Partition) LoadSpikes(specs []SpikeSpec) error {
	seen := make(map[int64]struct{}, len(specs))
	for _, s := range specs {
		if _, ok := p.spikes[s.ID]; ok {
			return fmt.Errorf("loading spike %d: %w", s.ID, ErrDuplicateSpike)
		}
		if _, ok := seen[s.ID]; ok {
			return fmt.Errorf("loading spike %d: %w", s.ID, ErrDuplicateSpike)
		}
		if s.ClusterID <= 0 {
			return fmt.Errorf("loading spike %d into cluster %d: %w", s.ID, s.ClusterID, ErrUnknownCluster)
		}
		seen[s.ID] = struct{}{}
	}

	changed := make(map[int64]struct{})
	for _, s := range specs {
		features := make([]float32, len(s.Features))
		copy(features, s.Features)
		p.spikes[s.ID] = &spikeRec{time: s.Time, features: features, cluster: s.ClusterID}
		p.base[s.ID] = s.ClusterID

		if _, ok := p.clusters[s.ClusterID]; !ok {
			p.clusters[s.ClusterID] = &Cluster{
				ID:     s.ClusterID,
				Status: StatusUnreviewed,
				Group:  GroupUnsorted,
				Active: true,
			}
			if s.ClusterID >= p.nextID {
				p.nextID = s.ClusterID + 1
			}
		}
		if p.members[s.ClusterID] == nil {
			p.members[s.ClusterID] = make(map[int64]struct{})
		}
		p.members[s.ClusterID][s.ID] = struct{}{}
		changed[s.ClusterID] = struct{}{}
	}

	p.revision++
	p.notify(changed)
	return nil
}

// Assign atomically reassigns a set of spikes to the target cluster.
// Either all spikes move or none do. Assigning into an inactive cluster
// reactivates it, which is how history replays a reversed merge.
func (p *Partition) Assign(spikeIDs []int64, target int64) error {
	cluster, ok := p.clusters[target]
	if !ok {
		return fmt.Errorf("assigning to cluster %d: %w", target, ErrUnknownCluster)
	}
	for _, id := range spikeIDs {
		if _, ok := p.spikes[id]; !ok {
			return fmt.Errorf("assigning spike %d: %w", id, ErrInvalidSpikeID)
		}
	}

	changed := map[int64]struct{}{target: {}}
	moved := false
	for _, id := range spikeIDs {
		rec := p.spikes[id]
		if rec.cluster == target {
			continue
		}
		delete(p.members[rec.cluster], id)
		changed[rec.cluster] = struct{}{}
		if p.members[target] == nil {
			p.members[target] = make(map[int64]struct{})
		}
		p.members[target][id] = struct{}{}
		rec.cluster = target
		moved = true
	}
	if !moved {
		return nil
	}

	if !cluster.Active {
		cluster.Active = true
		cluster.Status = StatusUnreviewed
	}

	p.revision++
	p.notify(changed)
	return nil
}

// CreateCluster allocates a fresh cluster id. Ids are monotonic and never
// reused, so actions in the history always refer to a known cluster.
func (p *Partition) CreateCluster() int64 {
	id := p.nextID
	p.nextID++
	p.clusters[id] = &Cluster{ID: id, Status: StatusUnreviewed, Group: GroupUnsorted, Active: true}
	p.revision++
	return id
}

// Deactivate removes an empty cluster from the active set. The cluster record
// stays behind so history referencing it can always be replayed.
func (p *Partition) Deactivate(id int64) error {
	cluster, ok := p.clusters[id]
	if !ok {
		return fmt.Errorf("deactivating cluster %d: %w", id, ErrUnknownCluster)
	}
	if len(p.members[id]) > 0 {
		return fmt.Errorf("deactivating cluster %d with %d members: %w", id, len(p.members[id]), ErrClusterNotEmpty)
	}
	if !cluster.Active {
		return nil
	}
	cluster.Active = false
	p.revision++
	p.notify(map[int64]struct{}{id: {}})
	return nil
}

// Activate returns an inactive cluster to the active set without touching
// its status or group. History replay uses it to restore clusters that were
// active but empty, which assignment replay alone never revisits.
func (p *Partition) Activate(id int64) error {
	cluster, ok := p.clusters[id]
	if !ok {
		return fmt.Errorf("activating cluster %d: %w", id, ErrUnknownCluster)
	}
	if cluster.Active {
		return nil
	}
	cluster.Active = true
	p.revision++
	p.notify(map[int64]struct{}{id: {}})
	return nil
}

// SpikesOf returns the sorted member spike ids of a cluster.
func (p *Partition) SpikesOf(id int64) ([]int64, error) {
	if _, ok := p.clusters[id]; !ok {
		return nil, fmt.Errorf("listing spikes of cluster %d: %w", id, ErrUnknownCluster)
	}
	out := make([]int64, 0, len(p.members[id]))
	for spikeID := range p.members[id] {
		out = append(out, spikeID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// SpikeCount returns the member count without materializing the id slice.
func (p *Partition) SpikeCount(id int64) int {
	return len(p.members[id])
}

// Spike returns a snapshot of one spike.
func (p *Partition) Spike(id int64) (Spike, error) {
	rec, ok := p.spikes[id]
	if !ok {
		return Spike{}, fmt.Errorf("looking up spike %d: %w", id, ErrInvalidSpikeID)
	}
	return Spike{ID: id, Time: rec.time, Features: rec.features, ClusterID: rec.cluster}, nil
}

// AssignmentOf returns the owning cluster of a spike.
func (p *Partition) AssignmentOf(spikeID int64) (int64, error) {
	rec, ok := p.spikes[spikeID]
	if !ok {
		return 0, fmt.Errorf("looking up spike %d: %w", spikeID, ErrInvalidSpikeID)
	}
	return rec.cluster, nil
}

// Assignment returns a snapshot of the full spike→cluster mapping.
func (p *Partition) Assignment() map[int64]int64 {
	out := make(map[int64]int64, len(p.spikes))
	for id, rec := range p.spikes {
		out[id] = rec.cluster
	}
	return out
}

// BaseAssignment returns the session-start spike→cluster mapping.
func (p *Partition) BaseAssignment() map[int64]int64 {
	out := make(map[int64]int64, len(p.base))
	for id, cluster := range p.base {
		out[id] = cluster
	}
	return out
}

// Cluster returns a copy of the cluster record.
func (p *Partition) Cluster(id int64) (Cluster, error) {
	c, ok := p.clusters[id]
	if !ok {
		return Cluster{}, fmt.Errorf("looking up cluster %d: %w", id, ErrUnknownCluster)
	}
	return *c, nil
}

// IsActive reports whether the cluster id is in the active set.
func (p *Partition) IsActive(id int64) bool {
	c, ok := p.clusters[id]
	return ok && c.Active
}

// ActiveClusters returns sorted ids of all active clusters.
func (p *Partition) ActiveClusters() []int64 {
	out := make([]int64, 0, len(p.clusters))
	for id, c := range p.clusters {
		if c.Active {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AllClusters returns sorted ids of every cluster ever allocated,
// active or not.
func (p *Partition) AllClusters() []int64 {
	out := make([]int64, 0, len(p.clusters))
	for id := range p.clusters {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SpikeIDs returns sorted ids of every loaded spike.
func (p *Partition) SpikeIDs() []int64 {
	out := make([]int64, 0, len(p.spikes))
	for id := range p.spikes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SpikeTotal returns the number of loaded spikes.
func (p *Partition) SpikeTotal() int {
	return len(p.spikes)
}

// SetStatus updates a cluster's review status.
func (p *Partition) SetStatus(id int64, status Status) error {
	c, ok := p.clusters[id]
	if !ok {
		return fmt.Errorf("setting status of cluster %d: %w", id, ErrUnknownCluster)
	}
	c.Status = status
	return nil
}

// SetGroup updates a cluster's group label.
func (p *Partition) SetGroup(id int64, group Group) error {
	c, ok := p.clusters[id]
	if !ok {
		return fmt.Errorf("setting group of cluster %d: %w", id, ErrUnknownCluster)
	}
	c.Group = group
	return nil
}

// RestoreCluster reinstates a cluster record during session restore,
// keeping id allocation monotonic past it. Overwrites any existing record.
func (p *Partition) RestoreCluster(c Cluster) {
	rec := c
	p.clusters[c.ID] = &rec
	if c.ID >= p.nextID {
		p.nextID = c.ID + 1
	}
}

func (p *Partition) notify(changed map[int64]struct{}) {
	if len(changed) == 0 || len(p.observers) == 0 {
		return
	}
	ids := make([]int64, 0, len(changed))
	for id := range changed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, o := range p.observers {
		o.ClustersChanged(ids)
	}
}
