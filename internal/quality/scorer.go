// Package quality computes per-cluster quality metrics for review ranking.
//
// Two core metrics:
// - Refractory rate: fraction of consecutive inter-spike intervals shorter
//   than the biologically plausible refractory period. High values indicate
//   contamination from other units.
// - Isolation: how far the cluster's spikes sit from the nearest other
//   cluster in feature space, squashed to [0, 1].
//
// Records are computed lazily and cached; the store's change notifications
// invalidate exactly the clusters whose membership moved.
package quality

import (
	"fmt"
	"math"
	"time"

	"github.com/spikekit/spikekit/internal/store"
)

// Config holds the tunable thresholds for quality scoring.
type Config struct {
	// RefractoryPeriod is the minimum plausible inter-spike interval, in
	// seconds. Intervals below it count as violations.
	RefractoryPeriod float64 `yaml:"refractory_period_s"`

	// MinSpikes is the smallest cluster that gets a numeric score. Smaller
	// clusters receive an insufficient-data record instead.
	MinSpikes int `yaml:"min_spikes"`

	// IsolationScale is the feature-space distance at which isolation
	// saturates. Larger values make the isolation score more forgiving.
	IsolationScale float64 `yaml:"isolation_scale"`
}

// DefaultConfig returns scoring defaults suitable for tetrode recordings.
func DefaultConfig() Config {
	return Config{
		RefractoryPeriod: 0.002,
		MinSpikes:        10,
		IsolationScale:   1.0,
	}
}

// Record is the fixed quality schema for one cluster.
type Record struct {
	ClusterID      int64     `json:"cluster_id"`
	SpikeCount     int       `json:"spike_count"`
	RefractoryRate float64   `json:"refractory_rate"`
	Isolation      float64   `json:"isolation"`
	NearestCluster int64     `json:"nearest_cluster,omitempty"`
	Insufficient   bool      `json:"insufficient,omitempty"`
	ComputedAt     time.Time `json:"computed_at"`
}

// Scorer computes and caches quality records against a partition.
type Scorer struct {
	part  *store.Partition
	cfg   Config
	cache map[int64]*Record
}

// NewScorer creates a scorer and subscribes it to the partition's
// change notifications.
func NewScorer(part *store.Partition, cfg Config) *Scorer {
	if cfg.RefractoryPeriod <= 0 {
		cfg.RefractoryPeriod = DefaultConfig().RefractoryPeriod
	}
	if cfg.MinSpikes <= 0 {
		cfg.MinSpikes = DefaultConfig().MinSpikes
	}
	if cfg.IsolationScale <= 0 {
		cfg.IsolationScale = DefaultConfig().IsolationScale
	}
	s := &Scorer{part: part, cfg: cfg, cache: make(map[int64]*Record)}
	part.RegisterObserver(s)
	return s
}

// ClustersChanged invalidates cached records for the changed clusters.
// Called synchronously from inside store mutations.
func (s *Scorer) ClustersChanged(ids []int64) {
	for _, id := range ids {
		delete(s.cache, id)
	}
}

// Score returns the quality record for a cluster, computing it only when the
// cache holds no valid entry.
func (s *Scorer) Score(id int64) (*Record, error) {
	if rec, ok := s.cache[id]; ok {
		return rec, nil
	}
	snap, err := s.Snapshot(id)
	if err != nil {
		return nil, err
	}
	rec := snap.Compute(time.Now().UTC())
	s.cache[id] = rec
	return rec, nil
}

// Cached returns the cache entry without computing, or nil when invalid.
// Used by tests and the background worker to observe cache state.
func (s *Scorer) Cached(id int64) *Record {
	return s.cache[id]
}

// Commit installs an externally computed record. The background worker uses
// this as its single-writer handoff after validating the store revision.
func (s *Scorer) Commit(rec *Record) {
	s.cache[rec.ClusterID] = rec
}

// Snapshot captures everything a record computation needs, so that the
// computation itself is pure and can run off-thread.
type Snapshot struct {
	ClusterID int64
	Times     []float64 // sorted
	Distances []float64 // per-member distance to nearest other centroid
	Nearest   int64
	Config    Config
}

// Snapshot reads the partition state needed to score one cluster. Must be
// called from the mutating thread; the result is safe to hand to a goroutine.
func (s *Scorer) Snapshot(id int64) (*Snapshot, error) {
	if !s.part.IsActive(id) {
		if _, err := s.part.Cluster(id); err != nil {
			return nil, err
		}
	}

	times, err := s.part.MemberTimes(id)
	if err != nil {
		return nil, fmt.Errorf("snapshotting cluster %d: %w", id, err)
	}

	snap := &Snapshot{ClusterID: id, Times: times, Config: s.cfg}
	if len(times) < s.cfg.MinSpikes {
		return snap, nil
	}

	centroid, err := s.part.Centroid(id)
	if err != nil {
		return nil, fmt.Errorf("snapshotting cluster %d: %w", id, err)
	}

	nearest, nearestCentroid := int64(0), []float32(nil)
	nearestDist := math.Inf(1)
	for _, other := range s.part.ActiveClusters() {
		if other == id {
			continue
		}
		oc, err := s.part.Centroid(other)
		if err != nil {
			return nil, fmt.Errorf("snapshotting cluster %d: %w", id, err)
		}
		if oc == nil {
			continue
		}
		d := euclidean(centroid, oc)
		if d < nearestDist {
			nearest, nearestCentroid, nearestDist = other, oc, d
		}
	}
	snap.Nearest = nearest

	if nearestCentroid != nil {
		members, err := s.part.SpikesOf(id)
		if err != nil {
			return nil, fmt.Errorf("snapshotting cluster %d: %w", id, err)
		}
		snap.Distances = make([]float64, 0, len(members))
		for _, spikeID := range members {
			spike, err := s.part.Spike(spikeID)
			if err != nil {
				return nil, fmt.Errorf("snapshotting cluster %d: %w", id, err)
			}
			snap.Distances = append(snap.Distances, euclidean(spike.Features, nearestCentroid))
		}
	}

	return snap, nil
}

// Compute derives the quality record from a snapshot. Pure.
func (snap *Snapshot) Compute(now time.Time) *Record {
	rec := &Record{
		ClusterID:  snap.ClusterID,
		SpikeCount: len(snap.Times),
		ComputedAt: now,
	}
	if rec.SpikeCount < snap.Config.MinSpikes {
		rec.Insufficient = true
		return rec
	}

	violations := 0
	for i := 1; i < len(snap.Times); i++ {
		if snap.Times[i]-snap.Times[i-1] < snap.Config.RefractoryPeriod {
			violations++
		}
	}
	rec.RefractoryRate = float64(violations) / float64(len(snap.Times)-1)

	if len(snap.Distances) == 0 {
		// No other active cluster: trivially isolated.
		rec.Isolation = 1.0
		return rec
	}
	sum := 0.0
	for _, d := range snap.Distances {
		sum += d
	}
	avg := sum / float64(len(snap.Distances))
	rec.Isolation = 1.0 - math.Exp(-avg/snap.Config.IsolationScale)
	rec.NearestCluster = snap.Nearest
	return rec
}

func euclidean(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
