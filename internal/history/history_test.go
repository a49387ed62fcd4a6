package history

import (
	"errors"
	"reflect"
	"testing"

	"github.com/spikekit/spikekit/internal/store"
)

func newTestLog(t *testing.T) (*store.Partition, *Log) {
	t.Helper()
	p := store.NewPartition()
	specs := []store.SpikeSpec{
		{ID: 1, Time: 0.01, ClusterID: 1},
		{ID: 2, Time: 0.02, ClusterID: 1},
		{ID: 3, Time: 0.03, ClusterID: 2},
	}
	if err := p.LoadSpikes(specs); err != nil {
		t.Fatalf("LoadSpikes: %v", err)
	}
	return p, NewLog(p)
}

// moveAction captures a move of the given spikes to target, performs it, and
// returns the recorded action — the controller's capture protocol in
// miniature.
func moveAction(t *testing.T, p *store.Partition, spikes []int64, target int64) *Action {
	t.Helper()
	a := &Action{
		Kind:           KindMove,
		SpikeIDs:       spikes,
		AssignBefore:   make(map[int64]int64),
		AssignAfter:    make(map[int64]int64),
		ClustersBefore: make(map[int64]ClusterState),
		ClustersAfter:  make(map[int64]ClusterState),
	}
	for _, id := range spikes {
		cluster, err := p.AssignmentOf(id)
		if err != nil {
			t.Fatalf("AssignmentOf: %v", err)
		}
		a.AssignBefore[id] = cluster
		a.AssignAfter[id] = target
	}
	for _, cluster := range a.TouchedClusters() {
		c, err := p.Cluster(cluster)
		if err != nil {
			t.Fatalf("Cluster: %v", err)
		}
		a.ClustersBefore[cluster] = ClusterState{Status: c.Status, Group: c.Group, Active: c.Active}
	}
	if err := p.Assign(spikes, target); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	for _, cluster := range a.TouchedClusters() {
		c, err := p.Cluster(cluster)
		if err != nil {
			t.Fatalf("Cluster: %v", err)
		}
		a.ClustersAfter[cluster] = ClusterState{Status: c.Status, Group: c.Group, Active: c.Active}
	}
	return a
}

func TestUndoRestoresAssignment(t *testing.T) {
	p, l := newTestLog(t)
	base := p.Assignment()

	l.Record(moveAction(t, p, []int64{1, 2}, 2))
	if reflect.DeepEqual(p.Assignment(), base) {
		t.Fatal("move did not change the assignment")
	}

	if _, err := l.Undo(); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if !reflect.DeepEqual(p.Assignment(), base) {
		t.Fatalf("assignment after undo = %v, want %v", p.Assignment(), base)
	}
}

func TestRedoReappliesAction(t *testing.T) {
	p, l := newTestLog(t)

	l.Record(moveAction(t, p, []int64{1}, 2))
	after := p.Assignment()

	if _, err := l.Undo(); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if _, err := l.Redo(); err != nil {
		t.Fatalf("Redo: %v", err)
	}
	if !reflect.DeepEqual(p.Assignment(), after) {
		t.Fatalf("assignment after redo = %v, want %v", p.Assignment(), after)
	}
}

func TestUndoReactivatesEmptyCluster(t *testing.T) {
	p, l := newTestLog(t)

	// An active-and-empty cluster merged as a loser contributes no spikes,
	// so undo cannot restore it through assignment replay alone.
	empty := p.CreateCluster()
	a := &Action{
		Kind: KindMerge,
		AssignBefore: map[int64]int64{},
		AssignAfter:  map[int64]int64{},
		ClustersBefore: map[int64]ClusterState{
			1:     {Status: store.StatusUnreviewed, Group: store.GroupUnsorted, Active: true},
			empty: {Status: store.StatusUnreviewed, Group: store.GroupUnsorted, Active: true},
		},
		ClustersAfter: map[int64]ClusterState{
			1:     {Status: store.StatusUnreviewed, Group: store.GroupUnsorted, Active: true},
			empty: {Status: store.StatusMergedAway, Group: store.GroupUnsorted, Active: false},
		},
	}
	if err := p.SetStatus(empty, store.StatusMergedAway); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if err := p.Deactivate(empty); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	l.Record(a)

	if _, err := l.Undo(); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if !p.IsActive(empty) {
		t.Fatalf("cluster %d was active before the merge but inactive after undo", empty)
	}
	c, err := p.Cluster(empty)
	if err != nil {
		t.Fatalf("Cluster: %v", err)
	}
	if c.Status != store.StatusUnreviewed {
		t.Fatalf("status after undo = %s, want unreviewed", c.Status)
	}

	if _, err := l.Redo(); err != nil {
		t.Fatalf("Redo: %v", err)
	}
	if p.IsActive(empty) {
		t.Fatal("cluster should be merged away again after redo")
	}
}

func TestUndoRedoAtLogEdges(t *testing.T) {
	p, l := newTestLog(t)

	if _, err := l.Undo(); !errors.Is(err, ErrNothingToUndo) {
		t.Fatalf("expected ErrNothingToUndo, got %v", err)
	}
	if _, err := l.Redo(); !errors.Is(err, ErrNothingToRedo) {
		t.Fatalf("expected ErrNothingToRedo, got %v", err)
	}

	l.Record(moveAction(t, p, []int64{1}, 2))
	if _, err := l.Redo(); !errors.Is(err, ErrNothingToRedo) {
		t.Fatalf("expected ErrNothingToRedo at head, got %v", err)
	}
}

func TestRecordTruncatesRedoTail(t *testing.T) {
	p, l := newTestLog(t)

	l.Record(moveAction(t, p, []int64{1}, 2))
	l.Record(moveAction(t, p, []int64{2}, 2))
	if _, err := l.Undo(); err != nil {
		t.Fatalf("Undo: %v", err)
	}

	l.Record(moveAction(t, p, []int64{3}, 1))

	if l.CanRedo() {
		t.Fatal("redo tail survived a new action")
	}
	if l.Len() != 2 {
		t.Fatalf("log length = %d, want 2 after truncation", l.Len())
	}
	if l.Peek().Seq != 2 {
		t.Fatalf("head action seq = %d, want 2", l.Peek().Seq)
	}
}

func TestUndoChainRestoresSessionStart(t *testing.T) {
	p, l := newTestLog(t)
	base := p.Assignment()

	l.Record(moveAction(t, p, []int64{1}, 2))
	l.Record(moveAction(t, p, []int64{3}, 1))
	l.Record(moveAction(t, p, []int64{2}, 2))

	for l.CanUndo() {
		if _, err := l.Undo(); err != nil {
			t.Fatalf("Undo: %v", err)
		}
	}
	if !reflect.DeepEqual(p.Assignment(), base) {
		t.Fatalf("assignment after full undo = %v, want %v", p.Assignment(), base)
	}
}

func TestRestoreValidatesPosition(t *testing.T) {
	_, l := newTestLog(t)
	if err := l.Restore(nil, 1); err == nil {
		t.Fatal("expected error for out-of-range position")
	}
	if err := l.Restore(nil, 0); err != nil {
		t.Fatalf("Restore: %v", err)
	}
}

func TestTouchedClusters(t *testing.T) {
	p, l := newTestLog(t)
	a := moveAction(t, p, []int64{1, 2}, 2)
	l.Record(a)

	if !reflect.DeepEqual(a.TouchedClusters(), []int64{1, 2}) {
		t.Fatalf("TouchedClusters = %v, want [1 2]", a.TouchedClusters())
	}
}
