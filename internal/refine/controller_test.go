package refine

import (
	"errors"
	"reflect"
	"testing"

	"github.com/spikekit/spikekit/internal/history"
	"github.com/spikekit/spikekit/internal/store"
)

// The scenario partition from the contract: cluster 1 holds spikes 1-10,
// cluster 2 holds spikes 11-15.
func newTestController(t *testing.T) (*store.Partition, *Controller) {
	t.Helper()
	p := store.NewPartition()
	specs := make([]store.SpikeSpec, 0, 15)
	for i := 1; i <= 10; i++ {
		specs = append(specs, store.SpikeSpec{
			ID: int64(i), Time: float64(i) * 0.010, Features: []float32{1, 1}, ClusterID: 1,
		})
	}
	for i := 11; i <= 15; i++ {
		specs = append(specs, store.SpikeSpec{
			ID: int64(i), Time: float64(i) * 0.010, Features: []float32{5, 5}, ClusterID: 2,
		})
	}
	if err := p.LoadSpikes(specs); err != nil {
		t.Fatalf("LoadSpikes: %v", err)
	}

	c := New(p, DefaultConfig(), nil)
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return p, c
}

func spikesOf(t *testing.T, p *store.Partition, id int64) []int64 {
	t.Helper()
	members, err := p.SpikesOf(id)
	if err != nil {
		t.Fatalf("SpikesOf(%d): %v", id, err)
	}
	return members
}

func TestMergeScenario(t *testing.T) {
	p, c := newTestController(t)
	base := p.Assignment()

	survivor, err := c.Merge([]int64{1, 2})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if survivor != 1 {
		t.Fatalf("survivor = %d, want lowest id 1", survivor)
	}
	if got := spikesOf(t, p, 1); len(got) != 15 {
		t.Fatalf("merged cluster holds %d spikes, want 15", len(got))
	}

	c2, err := p.Cluster(2)
	if err != nil {
		t.Fatalf("Cluster(2): %v", err)
	}
	if c2.Status != store.StatusMergedAway || c2.Active {
		t.Fatalf("cluster 2 after merge = %+v, want inactive merged-away", c2)
	}

	if err := c.Undo(); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if !reflect.DeepEqual(p.Assignment(), base) {
		t.Fatal("undo did not restore the original two clusters")
	}
	if !p.IsActive(2) {
		t.Fatal("cluster 2 not restored to the active set by undo")
	}
	c2, _ = p.Cluster(2)
	if c2.Status != store.StatusUnreviewed {
		t.Fatalf("cluster 2 status after undo = %s, want unreviewed", c2.Status)
	}
}

func TestMergeValidation(t *testing.T) {
	_, c := newTestController(t)

	if _, err := c.Merge([]int64{1}); err == nil {
		t.Fatal("expected error merging a single cluster")
	}
	if _, err := c.Merge([]int64{1, 1}); err == nil {
		t.Fatal("expected error merging duplicate ids")
	}
	if _, err := c.Merge([]int64{1, 99}); !errors.Is(err, store.ErrUnknownCluster) {
		t.Fatalf("expected ErrUnknownCluster, got %v", err)
	}
}

func TestMergeAssociativity(t *testing.T) {
	// {A,B} then {result,C} must equal {A,B,C} in one step.
	buildThree := func(t *testing.T) (*store.Partition, *Controller) {
		p := store.NewPartition()
		var specs []store.SpikeSpec
		for i := 1; i <= 12; i++ {
			specs = append(specs, store.SpikeSpec{
				ID: int64(i), Time: float64(i) * 0.01,
				Features:  []float32{float32(i % 3), 0},
				ClusterID: int64(i%3) + 1,
			})
		}
		if err := p.LoadSpikes(specs); err != nil {
			t.Fatalf("LoadSpikes: %v", err)
		}
		c := New(p, DefaultConfig(), nil)
		if err := c.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}
		return p, c
	}

	pStep, cStep := buildThree(t)
	mid, err := cStep.Merge([]int64{1, 2})
	if err != nil {
		t.Fatalf("Merge(1,2): %v", err)
	}
	final, err := cStep.Merge([]int64{mid, 3})
	if err != nil {
		t.Fatalf("Merge(%d,3): %v", mid, err)
	}

	pAll, cAll := buildThree(t)
	direct, err := cAll.Merge([]int64{1, 2, 3})
	if err != nil {
		t.Fatalf("Merge(1,2,3): %v", err)
	}

	if final != direct {
		t.Fatalf("survivors differ: stepwise %d vs direct %d", final, direct)
	}
	if !reflect.DeepEqual(spikesOf(t, pStep, final), spikesOf(t, pAll, direct)) {
		t.Fatal("stepwise and direct merges yield different spike sets")
	}
}

func TestSplitScenario(t *testing.T) {
	p, c := newTestController(t)

	newIDs, err := c.Split(1, [][]int64{{1, 2, 3, 4, 5}, {6, 7, 8, 9, 10}})
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(newIDs) != 2 {
		t.Fatalf("split produced %d clusters, want 2", len(newIDs))
	}
	if p.IsActive(1) {
		t.Fatal("original cluster still active after split")
	}
	if !reflect.DeepEqual(spikesOf(t, p, newIDs[0]), []int64{1, 2, 3, 4, 5}) {
		t.Fatalf("first part members = %v", spikesOf(t, p, newIDs[0]))
	}
	if !reflect.DeepEqual(spikesOf(t, p, newIDs[1]), []int64{6, 7, 8, 9, 10}) {
		t.Fatalf("second part members = %v", spikesOf(t, p, newIDs[1]))
	}
}

func TestSplitInvalidPartition(t *testing.T) {
	p, c := newTestController(t)
	before := p.Assignment()

	cases := [][][]int64{
		{{1, 2, 3, 4, 5}, {6, 7, 8, 9}},     // missing spike 10
		{{1, 2, 3, 4, 5}, {5, 6, 7, 8, 9}},  // overlap
		{{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}},   // single part
		{{1, 2, 3, 4, 5}, {}, {6, 7, 8, 9}}, // empty part
	}
	for _, parts := range cases {
		if _, err := c.Split(1, parts); !errors.Is(err, ErrInvalidPartition) {
			t.Fatalf("parts %v: expected ErrInvalidPartition, got %v", parts, err)
		}
	}

	if !reflect.DeepEqual(p.Assignment(), before) {
		t.Fatal("failed split left a partial mutation behind")
	}
	if !p.IsActive(1) {
		t.Fatal("failed split deactivated the cluster")
	}
}

func TestSplitThenMergeRoundTrip(t *testing.T) {
	p, c := newTestController(t)
	original := spikesOf(t, p, 1)

	newIDs, err := c.Split(1, [][]int64{{1, 2, 3}, {4, 5, 6}, {7, 8, 9, 10}})
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	survivor, err := c.Merge(newIDs)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !reflect.DeepEqual(spikesOf(t, p, survivor), original) {
		t.Fatalf("round trip members = %v, want %v", spikesOf(t, p, survivor), original)
	}
}

func TestUndoChainRestoresSessionStart(t *testing.T) {
	p, c := newTestController(t)
	base := p.Assignment()

	if _, err := c.Merge([]int64{1, 2}); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if _, err := c.Split(1, [][]int64{{1, 2, 3, 4, 5, 6, 7}, {8, 9, 10, 11, 12, 13, 14, 15}}); err != nil {
		t.Fatalf("Split: %v", err)
	}
	if err := c.MoveSpikes([]int64{1, 2}, 4); err != nil {
		t.Fatalf("MoveSpikes: %v", err)
	}

	for c.History().CanUndo() {
		if err := c.Undo(); err != nil {
			t.Fatalf("Undo: %v", err)
		}
	}
	if !reflect.DeepEqual(p.Assignment(), base) {
		t.Fatalf("assignment after full undo = %v, want %v", p.Assignment(), base)
	}
	if err := c.Undo(); !errors.Is(err, history.ErrNothingToUndo) {
		t.Fatalf("expected ErrNothingToUndo, got %v", err)
	}
}

func TestDiscardMovesSpikesToNoise(t *testing.T) {
	p, c := newTestController(t)

	if err := c.Discard(2); err != nil {
		t.Fatalf("Discard: %v", err)
	}

	c2, err := p.Cluster(2)
	if err != nil {
		t.Fatalf("Cluster(2): %v", err)
	}
	if c2.Status != store.StatusDiscarded || c2.Active {
		t.Fatalf("cluster 2 after discard = %+v", c2)
	}

	// The discarded spikes landed in a noise-labeled catch-all.
	noise, err := p.AssignmentOf(11)
	if err != nil {
		t.Fatalf("AssignmentOf: %v", err)
	}
	nc, err := p.Cluster(noise)
	if err != nil {
		t.Fatalf("Cluster(noise): %v", err)
	}
	if nc.Group != store.GroupNoise {
		t.Fatalf("catch-all group = %s, want noise", nc.Group)
	}

	if err := c.Undo(); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if !reflect.DeepEqual(spikesOf(t, p, 2), []int64{11, 12, 13, 14, 15}) {
		t.Fatal("undo did not restore the discarded cluster")
	}
}

func TestUndoRestoresEmptyMergedCluster(t *testing.T) {
	p, c := newTestController(t)

	// Undo of a discard drains the catch-all but leaves it active, so the
	// follow-up merge absorbs an active cluster with zero spikes.
	if err := c.Discard(2); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	noise, err := p.AssignmentOf(11)
	if err != nil {
		t.Fatalf("AssignmentOf: %v", err)
	}
	if err := c.Undo(); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if !p.IsActive(noise) || p.SpikeCount(noise) != 0 {
		t.Fatalf("catch-all after undo: active=%v spikes=%d, want active and empty",
			p.IsActive(noise), p.SpikeCount(noise))
	}

	if _, err := c.Merge([]int64{1, noise}); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if p.IsActive(noise) {
		t.Fatal("catch-all should be merged away")
	}

	if err := c.Undo(); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if !p.IsActive(noise) {
		t.Fatal("cluster 3 was active before the merge but inactive after undo")
	}
}

func TestReviewStateMachine(t *testing.T) {
	_, c := newTestController(t)

	if c.State() != StateIdle {
		t.Fatalf("initial state = %s, want idle", c.State())
	}
	item, err := c.NextRecommendation()
	if err != nil {
		t.Fatalf("NextRecommendation: %v", err)
	}
	if item == nil {
		t.Fatal("expected a recommendation")
	}
	if c.State() != StateReviewing {
		t.Fatalf("state = %s, want reviewing", c.State())
	}

	// A failing decision keeps the review open.
	if _, err := c.Merge([]int64{1, 99}); err == nil {
		t.Fatal("expected merge failure")
	}
	if c.State() != StateReviewing || c.CurrentItem() == nil {
		t.Fatal("failed decision dropped the review state")
	}

	// A successful decision resolves it.
	if _, err := c.Merge([]int64{1, 2}); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if c.State() != StateIdle || c.CurrentItem() != nil {
		t.Fatal("successful decision did not resolve the review")
	}
}

func TestChangeNotifications(t *testing.T) {
	_, c := newTestController(t)

	var changes []Change
	c.Subscribe(func(ch Change) { changes = append(changes, ch) })

	if _, err := c.Merge([]int64{1, 2}); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("got %d notifications, want 1", len(changes))
	}
	if !reflect.DeepEqual(changes[0].ClusterIDs, []int64{1, 2}) {
		t.Fatalf("changed clusters = %v, want [1 2]", changes[0].ClusterIDs)
	}
	if len(changes[0].SpikeIDs) != 5 {
		t.Fatalf("changed spikes = %v, want the 5 moved spikes", changes[0].SpikeIDs)
	}
}

func TestUnaffectedCachesUntouched(t *testing.T) {
	// Three clusters; merging 2 and 3 must leave cluster 1's quality record
	// identical, pointer and all.
	p := store.NewPartition()
	var specs []store.SpikeSpec
	for i := 1; i <= 30; i++ {
		specs = append(specs, store.SpikeSpec{
			ID: int64(i), Time: float64(i) * 0.01,
			Features:  []float32{float32(i % 3 * 5), 0},
			ClusterID: int64(i%3) + 1,
		})
	}
	if err := p.LoadSpikes(specs); err != nil {
		t.Fatalf("LoadSpikes: %v", err)
	}
	c := New(p, DefaultConfig(), nil)
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	rec1, err := c.Scorer().Score(1)
	if err != nil {
		t.Fatalf("Score(1): %v", err)
	}
	if _, err := c.Merge([]int64{2, 3}); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if c.Scorer().Cached(1) != rec1 {
		t.Fatal("cluster 1 quality record invalidated by an unrelated merge")
	}
	if c.Scorer().Cached(2) != nil {
		t.Fatal("cluster 2 quality record survived the merge")
	}
}

func TestUndoBlocksOnPendingRescore(t *testing.T) {
	_, c := newTestController(t)

	if _, err := c.Merge([]int64{1, 2}); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if err := c.Worker().Schedule(1); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	// Undo drains the pending computation first; since undo mutates cluster 1
	// afterwards, the background result for the pre-undo state still commits
	// against its own revision and is valid at resolve time.
	if err := c.Undo(); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if c.Worker().Pending(1) {
		t.Fatal("rescore still pending after undo")
	}
}

func TestRedoBlocksOnPendingRescore(t *testing.T) {
	_, c := newTestController(t)

	if _, err := c.Merge([]int64{1, 2}); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if err := c.Undo(); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if err := c.Worker().Schedule(1); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	// Redo drains like undo does: the pending computation for a touched
	// cluster resolves before the merge is re-applied.
	if err := c.Redo(); err != nil {
		t.Fatalf("Redo: %v", err)
	}
	if c.Worker().Pending(1) {
		t.Fatal("rescore still pending after redo")
	}
	if c.Partition().IsActive(2) {
		t.Fatal("cluster 2 should be merged away again after redo")
	}
}

func TestRenumberCompactsIDs(t *testing.T) {
	p, c := newTestController(t)

	newIDs, err := c.Split(1, [][]int64{{1, 2, 3, 4, 5}, {6, 7, 8, 9, 10}})
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if newIDs[0] != 3 || newIDs[1] != 4 {
		t.Fatalf("split ids = %v, want [3 4]", newIDs)
	}

	mapping, err := c.Renumber()
	if err != nil {
		t.Fatalf("Renumber: %v", err)
	}
	// Active clusters 2, 3, 4 compact to 1, 2, 3.
	want := map[int64]int64{2: 1, 3: 2, 4: 3}
	if !reflect.DeepEqual(mapping, want) {
		t.Fatalf("mapping = %v, want %v", mapping, want)
	}
	if !reflect.DeepEqual(p.ActiveClusters(), []int64{1, 2, 3}) {
		t.Fatalf("active clusters = %v, want [1 2 3]", p.ActiveClusters())
	}
	if c.History().CanUndo() {
		t.Fatal("renumber must clear the edit history")
	}
}
