// Package history records every partition-mutating action as a reversible
// command. The log is linear: undo steps backward, redo steps forward, and a
// new action after an undo truncates the redo tail.
//
// Undo and redo replay through the store's normal mutation path, so cache
// invalidation fires exactly as it does for forward actions.
package history

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spikekit/spikekit/internal/store"
)

// Sentinel errors at the edges of the log.
var (
	ErrNothingToUndo = errors.New("nothing to undo")
	ErrNothingToRedo = errors.New("nothing to redo")
)

// Kind discriminates recorded actions.
type Kind string

const (
	KindMerge   Kind = "merge"
	KindSplit   Kind = "split"
	KindMove    Kind = "move-spikes"
	KindDiscard Kind = "discard"
)

// ClusterState captures the reversible bookkeeping of one cluster.
type ClusterState struct {
	Status store.Status `json:"status"`
	Group  store.Group  `json:"group"`
	Active bool         `json:"active"`
}

// Action is one recorded command: the spike assignments and cluster states on
// both sides of the mutation. Replaying After re-applies it; replaying Before
// reverses it.
type Action struct {
	Seq      int     `json:"seq"`
	Kind     Kind    `json:"kind"`
	SpikeIDs []int64 `json:"spike_ids"`

	AssignBefore map[int64]int64 `json:"assign_before"`
	AssignAfter  map[int64]int64 `json:"assign_after"`

	ClustersBefore map[int64]ClusterState `json:"clusters_before"`
	ClustersAfter  map[int64]ClusterState `json:"clusters_after"`
}

// TouchedClusters returns the sorted cluster ids the action involves on
// either side.
func (a *Action) TouchedClusters() []int64 {
	seen := make(map[int64]struct{})
	for _, m := range []map[int64]int64{a.AssignBefore, a.AssignAfter} {
		for _, cluster := range m {
			seen[cluster] = struct{}{}
		}
	}
	for _, m := range []map[int64]ClusterState{a.ClustersBefore, a.ClustersAfter} {
		for id := range m {
			seen[id] = struct{}{}
		}
	}
	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Log is the linear undo/redo history.
type Log struct {
	part    *store.Partition
	actions []*Action
	pos     int // actions[:pos] are applied
}

// NewLog creates an empty history bound to a partition.
func NewLog(part *store.Partition) *Log {
	return &Log{part: part}
}

// Record appends a freshly performed action and clears any redo tail.
func (l *Log) Record(a *Action) {
	l.actions = l.actions[:l.pos]
	a.Seq = len(l.actions) + 1
	l.actions = append(l.actions, a)
	l.pos = len(l.actions)
}

// Undo reverses the most recent applied action by replaying its before-state
// through the store mutation path.
func (l *Log) Undo() (*Action, error) {
	if l.pos == 0 {
		return nil, ErrNothingToUndo
	}
	a := l.actions[l.pos-1]
	if err := l.replay(a.AssignBefore, a.ClustersBefore); err != nil {
		return nil, fmt.Errorf("undoing %s action %d: %w", a.Kind, a.Seq, err)
	}
	l.pos--
	return a, nil
}

// Redo re-applies the next undone action.
func (l *Log) Redo() (*Action, error) {
	if l.pos == len(l.actions) {
		return nil, ErrNothingToRedo
	}
	a := l.actions[l.pos]
	if err := l.replay(a.AssignAfter, a.ClustersAfter); err != nil {
		return nil, fmt.Errorf("redoing %s action %d: %w", a.Kind, a.Seq, err)
	}
	l.pos++
	return a, nil
}

// CanUndo reports whether an applied action remains.
func (l *Log) CanUndo() bool { return l.pos > 0 }

// CanRedo reports whether an undone action remains.
func (l *Log) CanRedo() bool { return l.pos < len(l.actions) }

// Len returns the total number of recorded actions, undone tail included.
func (l *Log) Len() int { return len(l.actions) }

// Position returns how many recorded actions are currently applied.
func (l *Log) Position() int { return l.pos }

// Actions returns the recorded log for persistence. Callers must not mutate
// the returned actions.
func (l *Log) Actions() []*Action { return l.actions }

// Peek returns the most recent applied action without reversing it, or nil.
func (l *Log) Peek() *Action {
	if l.pos == 0 {
		return nil
	}
	return l.actions[l.pos-1]
}

// PeekRedo returns the action the next Redo would re-apply without applying
// it, or nil.
func (l *Log) PeekRedo() *Action {
	if l.pos >= len(l.actions) {
		return nil
	}
	return l.actions[l.pos]
}

// Clear drops the whole log. Used for non-undoable barriers such as
// renumbering at save time.
func (l *Log) Clear() {
	l.actions = nil
	l.pos = 0
}

// Restore installs a persisted log and applied position, replacing any
// current content. The partition must already reflect actions[:pos].
func (l *Log) Restore(actions []*Action, pos int) error {
	if pos < 0 || pos > len(actions) {
		return fmt.Errorf("restoring history: position %d out of range [0, %d]", pos, len(actions))
	}
	l.actions = actions
	l.pos = pos
	return nil
}

// replay pushes one side of an action through the store: assignments first,
// then cluster activation/status/group, deactivations last so clusters are
// empty by the time they leave the active set. Activation is explicit because
// a cluster that was active and empty receives no assignments.
func (l *Log) replay(assign map[int64]int64, clusters map[int64]ClusterState) error {
	byTarget := make(map[int64][]int64)
	for spikeID, cluster := range assign {
		byTarget[cluster] = append(byTarget[cluster], spikeID)
	}
	targets := make([]int64, 0, len(byTarget))
	for target := range byTarget {
		targets = append(targets, target)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
	for _, target := range targets {
		spikes := byTarget[target]
		sort.Slice(spikes, func(i, j int) bool { return spikes[i] < spikes[j] })
		if err := l.part.Assign(spikes, target); err != nil {
			return err
		}
	}

	ids := make([]int64, 0, len(clusters))
	for id := range clusters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		state := clusters[id]
		if state.Active {
			if err := l.part.Activate(id); err != nil {
				return err
			}
		}
		if err := l.part.SetStatus(id, state.Status); err != nil {
			return err
		}
		if err := l.part.SetGroup(id, state.Group); err != nil {
			return err
		}
	}
	for _, id := range ids {
		if !clusters[id].Active {
			if err := l.part.Deactivate(id); err != nil {
				return err
			}
		}
	}
	return nil
}
