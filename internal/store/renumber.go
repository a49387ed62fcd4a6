package store

// Renumber compacts active cluster ids to 1..n (ascending by old id) and
// drops inactive cluster records. It is a session barrier: the current
// assignment becomes the new base, so callers clear the edit history
// alongside. Returns the old→new id mapping.
func (p *Partition) Renumber() map[int64]int64 {
	active := p.ActiveClusters()
	mapping := make(map[int64]int64, len(active))
	for i, old := range active {
		mapping[old] = int64(i + 1)
	}

	clusters := make(map[int64]*Cluster, len(active))
	members := make(map[int64]map[int64]struct{}, len(active))
	for old, next := range mapping {
		c := p.clusters[old]
		c.ID = next
		clusters[next] = c
		members[next] = p.members[old]
	}
	p.clusters = clusters
	p.members = members

	for _, rec := range p.spikes {
		rec.cluster = mapping[rec.cluster]
	}

	p.base = make(map[int64]int64, len(p.spikes))
	for id, rec := range p.spikes {
		p.base[id] = rec.cluster
	}
	p.nextID = int64(len(active)) + 1

	p.revision++
	changed := make(map[int64]struct{}, len(active))
	for _, next := range mapping {
		changed[next] = struct{}{}
	}
	p.notify(changed)
	return mapping
}
