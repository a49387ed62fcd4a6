// Package queue orders clusters and cluster pairs for operator review.
//
// Two item kinds interleave: single clusters ranked worst-quality-first
// (probably contaminated) and cluster pairs ranked highest-similarity-first
// (probably duplicates). Skipping demotes an item to the end of the current
// pass; an item can be skipped at most once per pass before forced review.
//
// The queue is maintained incrementally from the store's change
// notifications. Rebuild happens only at session start.
package queue

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/spikekit/spikekit/internal/quality"
	"github.com/spikekit/spikekit/internal/similarity"
	"github.com/spikekit/spikekit/internal/store"
)

// ErrAlreadySkipped is returned when an item is skipped a second time in the
// same pass: re-surfaced items are up for forced review.
var ErrAlreadySkipped = errors.New("item already skipped this pass")

// Kind discriminates queue items.
type Kind string

const (
	KindCluster Kind = "cluster"
	KindPair    Kind = "pair"
)

// Item is one review recommendation: a single cluster or a merge-candidate
// pair (A < B).
type Item struct {
	Kind    Kind  `json:"kind"`
	Cluster int64 `json:"cluster,omitempty"`
	A       int64 `json:"a,omitempty"`
	B       int64 `json:"b,omitempty"`
}

func (it Item) key() itemKey {
	return itemKey{kind: it.Kind, cluster: it.Cluster, a: it.A, b: it.B}
}

// String renders the item for operator display.
func (it Item) String() string {
	if it.Kind == KindPair {
		return fmt.Sprintf("pair (%d, %d)", it.A, it.B)
	}
	return fmt.Sprintf("cluster %d", it.Cluster)
}

type itemKey struct {
	kind    Kind
	cluster int64
	a, b    int64
}

// Config holds the ranking and interleave tuning.
type Config struct {
	// PairInterleave serves one merge-candidate pair after this many single
	// clusters. Zero disables pairs entirely.
	PairInterleave int `yaml:"pair_interleave"`

	// MaxPairs bounds the candidate pairs considered per session.
	MaxPairs int `yaml:"max_pairs"`

	// MinPairScore filters out pairs too dissimilar to be merge candidates.
	MinPairScore float64 `yaml:"min_pair_score"`

	// IsolationWeight and RefractoryWeight combine the quality metrics into
	// the single-cluster ranking key. Both default to 1.
	IsolationWeight  float64 `yaml:"isolation_weight"`
	RefractoryWeight float64 `yaml:"refractory_weight"`
}

// DefaultConfig returns the default ranking policy.
func DefaultConfig() Config {
	return Config{
		PairInterleave:   2,
		MaxPairs:         50,
		MinPairScore:     0.05,
		IsolationWeight:  1.0,
		RefractoryWeight: 1.0,
	}
}

// Queue is the incremental recommendation queue.
type Queue struct {
	part   *store.Partition
	scorer *quality.Scorer
	matrix *similarity.Matrix
	cfg    Config

	pendingClusters map[int64]struct{}
	pendingPairs    map[itemKey]struct{}
	skipped         map[itemKey]struct{}
	demoted         []Item

	history   []Item
	cursor    int
	sincePair int
}

// New creates an empty queue and subscribes it to the partition. Register it
// after the scorer and matrix so their caches are already invalidated when
// the queue reacts to a change.
func New(part *store.Partition, scorer *quality.Scorer, matrix *similarity.Matrix, cfg Config) *Queue {
	if cfg.MaxPairs <= 0 {
		cfg.MaxPairs = DefaultConfig().MaxPairs
	}
	if cfg.IsolationWeight == 0 && cfg.RefractoryWeight == 0 {
		cfg.IsolationWeight = 1.0
		cfg.RefractoryWeight = 1.0
	}
	q := &Queue{
		part:            part,
		scorer:          scorer,
		matrix:          matrix,
		cfg:             cfg,
		pendingClusters: make(map[int64]struct{}),
		pendingPairs:    make(map[itemKey]struct{}),
		skipped:         make(map[itemKey]struct{}),
	}
	part.RegisterObserver(q)
	return q
}

// Rebuild seeds the queue from the full partition. Session start only;
// afterwards the queue maintains itself from change notifications.
func (q *Queue) Rebuild() error {
	q.pendingClusters = make(map[int64]struct{})
	q.pendingPairs = make(map[itemKey]struct{})
	q.skipped = make(map[itemKey]struct{})
	q.demoted = nil
	q.history = nil
	q.cursor = 0
	q.sincePair = 0

	for _, id := range q.part.ActiveClusters() {
		q.pendingClusters[id] = struct{}{}
	}
	if q.cfg.PairInterleave > 0 {
		pairs, err := q.matrix.TopPairs(q.cfg.MaxPairs)
		if err != nil {
			return fmt.Errorf("rebuilding queue: %w", err)
		}
		for _, pair := range pairs {
			if pair.Score < q.cfg.MinPairScore {
				continue
			}
			q.pendingPairs[Item{Kind: KindPair, A: pair.A, B: pair.B}.key()] = struct{}{}
		}
	}
	return nil
}

// ClustersChanged re-queues changed clusters and refreshes the candidate
// pairs touching them. Cost is linear in the number of active clusters.
func (q *Queue) ClustersChanged(ids []int64) {
	changed := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		changed[id] = struct{}{}
	}

	// Drop pairs touching a changed cluster; re-add below for active ones.
	for key := range q.pendingPairs {
		if _, ok := changed[key.a]; ok {
			delete(q.pendingPairs, key)
			continue
		}
		if _, ok := changed[key.b]; ok {
			delete(q.pendingPairs, key)
		}
	}

	for _, id := range ids {
		item := Item{Kind: KindCluster, Cluster: id}
		if !q.part.IsActive(id) {
			delete(q.pendingClusters, id)
			delete(q.skipped, item.key())
			continue
		}

		// Changed membership voids any earlier review or skip of the cluster.
		q.pendingClusters[id] = struct{}{}
		delete(q.skipped, item.key())

		if q.cfg.PairInterleave <= 0 {
			continue
		}
		for _, other := range q.part.ActiveClusters() {
			if other == id {
				continue
			}
			entry, err := q.matrix.Similarity(id, other)
			if err != nil {
				continue
			}
			if entry.Score < q.cfg.MinPairScore {
				continue
			}
			key := Item{Kind: KindPair, A: entry.A, B: entry.B}.key()
			delete(q.skipped, key)
			q.pendingPairs[key] = struct{}{}
		}
	}
}

// Next returns the next recommendation, or nil when the pass is exhausted.
// Stepping forward after Previous replays the already-served history before
// picking fresh items; history entries retired by later edits are passed over.
func (q *Queue) Next() (*Item, error) {
	for q.cursor < len(q.history) {
		item := q.history[q.cursor]
		q.cursor++
		if q.stillEligible(item) {
			return &item, nil
		}
	}

	item, err := q.pick()
	if err != nil {
		return nil, err
	}
	if item == nil {
		item = q.popDemoted()
	}
	if item == nil {
		return nil, nil
	}

	delete(q.pendingClusters, item.Cluster)
	delete(q.pendingPairs, item.key())
	q.history = append(q.history, *item)
	q.cursor = len(q.history)
	if item.Kind == KindPair {
		q.sincePair = 0
	} else {
		q.sincePair++
	}
	return item, nil
}

// Previous steps back to the recommendation served before the current one.
// Returns nil at the beginning of the history.
func (q *Queue) Previous() *Item {
	if q.cursor <= 1 {
		return nil
	}
	q.cursor--
	item := q.history[q.cursor-1]
	return &item
}

// Skip demotes an item to the end of the current pass. A second skip of the
// same item within the pass fails: the item is up for forced review.
func (q *Queue) Skip(item Item) error {
	if _, ok := q.skipped[item.key()]; ok {
		return fmt.Errorf("skipping %s: %w", item.String(), ErrAlreadySkipped)
	}
	q.skipped[item.key()] = struct{}{}
	q.demoted = append(q.demoted, item)
	return nil
}

// Remaining reports how many items are still pending in this pass, demoted
// items included.
func (q *Queue) Remaining() int {
	return len(q.pendingClusters) + len(q.pendingPairs) + len(q.demoted)
}

func (q *Queue) pick() (*Item, error) {
	cluster, err := q.bestCluster()
	if err != nil {
		return nil, err
	}
	pair := q.bestPair()

	wantPair := q.cfg.PairInterleave > 0 && q.sincePair >= q.cfg.PairInterleave
	if pair != nil && (wantPair || cluster == nil) {
		return pair, nil
	}
	return cluster, nil
}

// bestCluster picks the pending unreviewed cluster with the worst composite
// quality. Insufficient-data records rank last so tiny clusters do not drive
// recommendations.
func (q *Queue) bestCluster() (*Item, error) {
	bestID := int64(0)
	bestScore := math.Inf(1)
	found := false
	ids := make([]int64, 0, len(q.pendingClusters))
	for id := range q.pendingClusters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if !q.eligibleCluster(id) {
			delete(q.pendingClusters, id)
			continue
		}
		rec, err := q.scorer.Score(id)
		if err != nil {
			return nil, fmt.Errorf("ranking cluster %d: %w", id, err)
		}
		score := q.composite(rec)
		if !found || score < bestScore {
			bestID, bestScore, found = id, score, true
		}
	}
	if !found {
		return nil, nil
	}
	return &Item{Kind: KindCluster, Cluster: bestID}, nil
}

func (q *Queue) bestPair() *Item {
	var best *Item
	bestScore := -1.0
	keys := make([]itemKey, 0, len(q.pendingPairs))
	for key := range q.pendingPairs {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].a != keys[j].a {
			return keys[i].a < keys[j].a
		}
		return keys[i].b < keys[j].b
	})

	for _, key := range keys {
		if !q.part.IsActive(key.a) || !q.part.IsActive(key.b) {
			delete(q.pendingPairs, key)
			continue
		}
		entry, err := q.matrix.Similarity(key.a, key.b)
		if err != nil {
			delete(q.pendingPairs, key)
			continue
		}
		if entry.Score > bestScore {
			bestScore = entry.Score
			best = &Item{Kind: KindPair, A: key.a, B: key.b}
		}
	}
	return best
}

func (q *Queue) popDemoted() *Item {
	for len(q.demoted) > 0 {
		item := q.demoted[0]
		q.demoted = q.demoted[1:]
		if item.Kind == KindCluster && !q.eligibleCluster(item.Cluster) {
			continue
		}
		if item.Kind == KindPair && (!q.part.IsActive(item.A) || !q.part.IsActive(item.B)) {
			continue
		}
		return &item
	}
	return nil
}

// stillEligible reports whether a replayed history item is still worth
// serving: membership edits since it was served may have retired it.
func (q *Queue) stillEligible(item Item) bool {
	if item.Kind == KindPair {
		return q.part.IsActive(item.A) && q.part.IsActive(item.B)
	}
	return q.eligibleCluster(item.Cluster)
}

func (q *Queue) eligibleCluster(id int64) bool {
	if !q.part.IsActive(id) {
		return false
	}
	c, err := q.part.Cluster(id)
	if err != nil {
		return false
	}
	return c.Status == store.StatusUnreviewed
}

// composite folds a quality record into the ascending ranking key:
// low isolation and high refractory rate both push a cluster forward.
func (q *Queue) composite(rec *quality.Record) float64 {
	if rec.Insufficient {
		return math.MaxFloat64
	}
	total := q.cfg.IsolationWeight + q.cfg.RefractoryWeight
	if total == 0 {
		return 0
	}
	return (q.cfg.IsolationWeight*rec.Isolation + q.cfg.RefractoryWeight*(1-rec.RefractoryRate)) / total
}
