package quality

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spikekit/spikekit/internal/store"
)

// ErrStaleComputation is returned when a background score was computed
// against a partition revision that has since been superseded.
var ErrStaleComputation = errors.New("stale computation")

// Worker offloads record computation for large clusters to a goroutine while
// keeping all partition access on the mutating thread. The protocol:
//
//	Schedule(id)  snapshots the cluster synchronously and starts computing
//	Resolve(id)   blocks until the computation finishes, then commits the
//	              record iff the partition has not mutated since the snapshot
//
// A stale result is discarded, never committed. Callers that need the score
// reschedule; callers that only need the cluster released (undo/redo) do not.
type Worker struct {
	part   *store.Partition
	scorer *Scorer
	log    *slog.Logger
	jobs   map[int64]*job
}

type job struct {
	revision uint64
	done     chan struct{}
	rec      *Record
}

// NewWorker creates a background rescoring worker bound to a scorer.
func NewWorker(part *store.Partition, scorer *Scorer, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{part: part, scorer: scorer, log: log, jobs: make(map[int64]*job)}
}

// Pending reports whether a computation is in flight for the cluster.
func (w *Worker) Pending(id int64) bool {
	_, ok := w.jobs[id]
	return ok
}

// Schedule snapshots the cluster and starts an off-thread computation.
// A second schedule for the same cluster is a no-op while one is in flight.
func (w *Worker) Schedule(id int64) error {
	if _, ok := w.jobs[id]; ok {
		return nil
	}
	snap, err := w.scorer.Snapshot(id)
	if err != nil {
		return fmt.Errorf("scheduling rescore of cluster %d: %w", id, err)
	}

	j := &job{revision: w.part.Revision(), done: make(chan struct{})}
	w.jobs[id] = j
	go func() {
		j.rec = snap.Compute(time.Now().UTC())
		close(j.done)
	}()
	return nil
}

// Resolve blocks until the in-flight computation for the cluster finishes,
// then commits the record through the single-writer handoff. Returns
// ErrStaleComputation (and discards the result) when the partition mutated
// after the snapshot was taken. No-op when nothing is pending.
//
// Resolve never reschedules. Callers that still need the score re-Schedule
// on ErrStaleComputation (Rescore does); callers that only need the cluster
// released, such as an undo/redo drain, stop here.
func (w *Worker) Resolve(id int64) error {
	j, ok := w.jobs[id]
	if !ok {
		return nil
	}
	<-j.done
	delete(w.jobs, id)

	if j.revision != w.part.Revision() {
		w.log.Debug("discarding stale background score",
			"cluster", id, "computed_at_revision", j.revision, "current_revision", w.part.Revision())
		return fmt.Errorf("resolving rescore of cluster %d: %w", id, ErrStaleComputation)
	}
	w.scorer.Commit(j.rec)
	return nil
}

// Rescore computes and commits a fresh record off-thread, retrying when a
// concurrent resolve window went stale. Called from the mutating thread, so
// in practice the first attempt lands.
func (w *Worker) Rescore(id int64) (*Record, error) {
	for attempt := 0; attempt < 3; attempt++ {
		if err := w.Schedule(id); err != nil {
			return nil, err
		}
		err := w.Resolve(id)
		if err == nil {
			return w.scorer.Cached(id), nil
		}
		if !errors.Is(err, ErrStaleComputation) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("rescoring cluster %d: %w", id, ErrStaleComputation)
}
