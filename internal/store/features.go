package store

import (
	"fmt"
	"sort"
)

// Centroid computes the mean feature vector of a cluster's current members.
// Returns nil for an empty cluster. The result is freshly allocated; callers
// own the caching.
func (p *Partition) Centroid(id int64) ([]float32, error) {
	if _, ok := p.clusters[id]; !ok {
		return nil, fmt.Errorf("computing centroid of cluster %d: %w", id, ErrUnknownCluster)
	}
	members := p.members[id]
	if len(members) == 0 {
		return nil, nil
	}

	var sum []float64
	for spikeID := range members {
		features := p.spikes[spikeID].features
		if sum == nil {
			sum = make([]float64, len(features))
		}
		for i, v := range features {
			sum[i] += float64(v)
		}
	}

	n := float64(len(members))
	out := make([]float32, len(sum))
	for i, v := range sum {
		out[i] = float32(v / n)
	}
	return out, nil
}

// MemberTimes returns the sorted spike timestamps of a cluster, the input
// needed for inter-spike-interval statistics.
func (p *Partition) MemberTimes(id int64) ([]float64, error) {
	if _, ok := p.clusters[id]; !ok {
		return nil, fmt.Errorf("listing member times of cluster %d: %w", id, ErrUnknownCluster)
	}
	out := make([]float64, 0, len(p.members[id]))
	for spikeID := range p.members[id] {
		out = append(out, p.spikes[spikeID].time)
	}
	sort.Float64s(out)
	return out, nil
}
