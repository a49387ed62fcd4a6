// Package similarity maintains the pairwise cluster-similarity cache used to
// surface merge candidates.
//
// Entries are keyed on canonical (a, b) pairs with a < b, so an undirected
// pair has exactly one cache slot. When a cluster's membership changes only
// its row is recomputed, keeping the cost of an interactive edit linear in
// the number of active clusters.
package similarity

import (
	"fmt"
	"math"
	"sort"

	"github.com/spikekit/spikekit/internal/store"
)

// Config holds the similarity kernel tuning.
type Config struct {
	// Bandwidth is the feature-space distance scale of the Gaussian kernel.
	Bandwidth float64 `yaml:"bandwidth"`
}

// DefaultConfig returns the default kernel bandwidth.
func DefaultConfig() Config {
	return Config{Bandwidth: 2.0}
}

// Entry is one undirected pair score with A < B enforced.
type Entry struct {
	A     int64   `json:"a"`
	B     int64   `json:"b"`
	Score float64 `json:"score"`
}

type pairKey struct {
	a, b int64
}

func canonical(a, b int64) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{a: a, b: b}
}

// Matrix is the incremental similarity cache.
type Matrix struct {
	part      *store.Partition
	cfg       Config
	entries   map[pairKey]float64
	centroids map[int64][]float32
}

// NewMatrix creates a matrix and subscribes it to the partition's
// change notifications.
func NewMatrix(part *store.Partition, cfg Config) *Matrix {
	if cfg.Bandwidth <= 0 {
		cfg.Bandwidth = DefaultConfig().Bandwidth
	}
	m := &Matrix{
		part:      part,
		cfg:       cfg,
		entries:   make(map[pairKey]float64),
		centroids: make(map[int64][]float32),
	}
	part.RegisterObserver(m)
	return m
}

// ClustersChanged drops the centroid and every pair entry touching the
// changed clusters. Recomputation happens lazily on the next read.
func (m *Matrix) ClustersChanged(ids []int64) {
	changed := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		changed[id] = struct{}{}
		delete(m.centroids, id)
	}
	for key := range m.entries {
		if _, ok := changed[key.a]; ok {
			delete(m.entries, key)
			continue
		}
		if _, ok := changed[key.b]; ok {
			delete(m.entries, key)
		}
	}
}

// Similarity returns the canonicalized entry for a pair of active clusters.
func (m *Matrix) Similarity(a, b int64) (Entry, error) {
	if a == b {
		return Entry{}, fmt.Errorf("similarity of cluster %d with itself: %w", a, store.ErrUnknownCluster)
	}
	key := canonical(a, b)
	if !m.part.IsActive(key.a) {
		return Entry{}, fmt.Errorf("similarity endpoint %d: %w", key.a, store.ErrUnknownCluster)
	}
	if !m.part.IsActive(key.b) {
		return Entry{}, fmt.Errorf("similarity endpoint %d: %w", key.b, store.ErrUnknownCluster)
	}
	score, err := m.score(key)
	if err != nil {
		return Entry{}, err
	}
	return Entry{A: key.a, B: key.b, Score: score}, nil
}

// TopPairs returns the k highest-similarity pairs among active clusters.
// Ties break by lower combined id, then lexicographic (a, b). Inactive
// clusters never appear.
func (m *Matrix) TopPairs(k int) ([]Entry, error) {
	active := m.part.ActiveClusters()
	out := make([]Entry, 0, k)
	for i := 0; i < len(active)-1; i++ {
		for j := i + 1; j < len(active); j++ {
			key := pairKey{a: active[i], b: active[j]}
			score, err := m.score(key)
			if err != nil {
				return nil, err
			}
			out = append(out, Entry{A: key.a, B: key.b, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		si, sj := out[i].A+out[i].B, out[j].A+out[j].B
		if si != sj {
			return si < sj
		}
		if out[i].A != out[j].A {
			return out[i].A < out[j].A
		}
		return out[i].B < out[j].B
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// CachedEntryCount reports how many pair scores are currently cached.
func (m *Matrix) CachedEntryCount() int {
	return len(m.entries)
}

// HasCached reports whether the pair's score is in the cache, without
// computing it.
func (m *Matrix) HasCached(a, b int64) bool {
	_, ok := m.entries[canonical(a, b)]
	return ok
}

func (m *Matrix) score(key pairKey) (float64, error) {
	if score, ok := m.entries[key]; ok {
		return score, nil
	}
	ca, err := m.centroid(key.a)
	if err != nil {
		return 0, err
	}
	cb, err := m.centroid(key.b)
	if err != nil {
		return 0, err
	}
	score := 0.0
	if ca != nil && cb != nil {
		d := euclidean(ca, cb)
		score = math.Exp(-(d * d) / (2 * m.cfg.Bandwidth * m.cfg.Bandwidth))
	}
	m.entries[key] = score
	return score, nil
}

func (m *Matrix) centroid(id int64) ([]float32, error) {
	if c, ok := m.centroids[id]; ok {
		return c, nil
	}
	c, err := m.part.Centroid(id)
	if err != nil {
		return nil, fmt.Errorf("computing similarity centroid: %w", err)
	}
	m.centroids[id] = c
	return c, nil
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
