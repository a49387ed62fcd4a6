// Package session persists a refinement session to a single SQLite file:
// the loaded spikes with their session-start assignment, every cluster
// record, and the full edit history.
//
// Load replays the history forward from the base assignment through the
// normal store mutation path, so undo remains available after a reload and
// derived caches rebuild consistently.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/spikekit/spikekit/internal/history"
	"github.com/spikekit/spikekit/internal/store"
)

// ErrCorruptSession is returned when a session file fails referential
// validation on load. Restoration aborts; the operator re-imports from the
// automatic clustering instead.
var ErrCorruptSession = errors.New("corrupt session file")

// Store wraps the session database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) a session database. Pass ":memory:" in tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating session directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening session database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging session database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running session migrations: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Info describes a saved session.
type Info struct {
	SessionID  string    `json:"session_id"`
	SavedAt    time.Time `json:"saved_at"`
	SpikeCount int       `json:"spike_count"`
	Actions    int       `json:"actions"`
}

// Save serializes the partition and history, replacing any previous content.
func (s *Store) Save(ctx context.Context, part *store.Partition, log *history.Log, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin session save: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"actions", "spikes", "clusters"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	base := part.BaseAssignment()
	spikeStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO spikes (id, t, features, base_cluster) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare spike insert: %w", err)
	}
	defer spikeStmt.Close()
	for _, id := range part.SpikeIDs() {
		spike, err := part.Spike(id)
		if err != nil {
			return fmt.Errorf("reading spike %d: %w", id, err)
		}
		features, err := json.Marshal(spike.Features)
		if err != nil {
			return fmt.Errorf("encoding features of spike %d: %w", id, err)
		}
		if _, err := spikeStmt.ExecContext(ctx, id, spike.Time, string(features), base[id]); err != nil {
			return fmt.Errorf("saving spike %d: %w", id, err)
		}
	}

	for _, id := range part.AllClusters() {
		c, err := part.Cluster(id)
		if err != nil {
			return fmt.Errorf("reading cluster %d: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO clusters (id, status, grp, active) VALUES (?, ?, ?, ?)`,
			c.ID, string(c.Status), string(c.Group), boolToInt(c.Active),
		); err != nil {
			return fmt.Errorf("saving cluster %d: %w", id, err)
		}
	}

	for _, a := range log.Actions() {
		payload, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encoding action %d: %w", a.Seq, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO actions (seq, kind, payload) VALUES (?, ?, ?)`,
			a.Seq, string(a.Kind), string(payload),
		); err != nil {
			return fmt.Errorf("saving action %d: %w", a.Seq, err)
		}
	}

	meta := map[string]string{
		"session_id":       sessionID,
		"saved_at":         time.Now().UTC().Format(time.RFC3339),
		"history_position": fmt.Sprintf("%d", log.Position()),
	}
	for key, value := range meta {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO meta (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, value,
		); err != nil {
			return fmt.Errorf("saving meta %q: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session save: %w", err)
	}
	return nil
}

// Load restores the partition and history from the database. The history is
// replayed forward from the base assignment to the saved position, so the
// operator can undo through the reloaded session.
func (s *Store) Load(ctx context.Context) (*store.Partition, *history.Log, string, error) {
	specs, err := s.loadSpikes(ctx)
	if err != nil {
		return nil, nil, "", err
	}
	if len(specs) == 0 {
		return nil, nil, "", errors.New("no session saved")
	}
	clusters, err := s.loadClusters(ctx)
	if err != nil {
		return nil, nil, "", err
	}
	actions, err := s.loadActions(ctx)
	if err != nil {
		return nil, nil, "", err
	}

	known := make(map[int64]struct{}, len(clusters))
	for _, c := range clusters {
		known[c.ID] = struct{}{}
	}
	for _, spec := range specs {
		if _, ok := known[spec.ClusterID]; !ok {
			return nil, nil, "", fmt.Errorf(
				"spike %d references unknown cluster %d: %w", spec.ID, spec.ClusterID, ErrCorruptSession)
		}
	}

	part := store.NewPartition()
	if err := part.LoadSpikes(specs); err != nil {
		return nil, nil, "", fmt.Errorf("restoring spikes: %w (%w)", err, ErrCorruptSession)
	}
	// Reinstate clusters the base assignment alone does not create:
	// empty catch-alls, deactivated originals, split products.
	for _, c := range clusters {
		if _, err := part.Cluster(c.ID); err != nil {
			part.RestoreCluster(c)
		}
	}

	log := history.NewLog(part)
	if err := log.Restore(actions, 0); err != nil {
		return nil, nil, "", err
	}
	position, err := s.metaInt(ctx, "history_position")
	if err != nil {
		return nil, nil, "", err
	}
	if position < 0 || position > len(actions) {
		return nil, nil, "", fmt.Errorf("history position %d out of range: %w", position, ErrCorruptSession)
	}
	for i := 0; i < position; i++ {
		if _, err := log.Redo(); err != nil {
			return nil, nil, "", fmt.Errorf("replaying action %d: %w (%w)", i+1, err, ErrCorruptSession)
		}
	}

	// Statuses, group labels, and deactivations applied outside the action
	// log live only in the cluster rows; reconcile them last.
	for _, c := range clusters {
		if err := part.SetStatus(c.ID, c.Status); err != nil {
			return nil, nil, "", fmt.Errorf("restoring cluster %d: %w (%w)", c.ID, err, ErrCorruptSession)
		}
		if err := part.SetGroup(c.ID, c.Group); err != nil {
			return nil, nil, "", fmt.Errorf("restoring cluster %d: %w (%w)", c.ID, err, ErrCorruptSession)
		}
		if !c.Active && part.IsActive(c.ID) {
			if err := part.Deactivate(c.ID); err != nil {
				return nil, nil, "", fmt.Errorf("restoring cluster %d: %w (%w)", c.ID, err, ErrCorruptSession)
			}
		}
	}

	sessionID, err := s.metaValue(ctx, "session_id")
	if err != nil {
		return nil, nil, "", err
	}
	return part, log, sessionID, nil
}

// Describe returns summary information about the saved session.
func (s *Store) Describe(ctx context.Context) (*Info, error) {
	info := &Info{}
	var err error
	if info.SessionID, err = s.metaValue(ctx, "session_id"); err != nil {
		return nil, err
	}
	savedAt, err := s.metaValue(ctx, "saved_at")
	if err != nil {
		return nil, err
	}
	if savedAt != "" {
		if info.SavedAt, err = time.Parse(time.RFC3339, savedAt); err != nil {
			return nil, fmt.Errorf("parsing saved_at: %w", err)
		}
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM spikes`).Scan(&info.SpikeCount); err != nil {
		return nil, fmt.Errorf("counting spikes: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM actions`).Scan(&info.Actions); err != nil {
		return nil, fmt.Errorf("counting actions: %w", err)
	}
	return info, nil
}

func (s *Store) loadSpikes(ctx context.Context) ([]store.SpikeSpec, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, t, features, base_cluster FROM spikes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying spikes: %w", err)
	}
	defer rows.Close()

	specs := make([]store.SpikeSpec, 0, 1024)
	for rows.Next() {
		var spec store.SpikeSpec
		var featuresRaw string
		if err := rows.Scan(&spec.ID, &spec.Time, &featuresRaw, &spec.ClusterID); err != nil {
			return nil, fmt.Errorf("scanning spike row: %w", err)
		}
		if err := json.Unmarshal([]byte(featuresRaw), &spec.Features); err != nil {
			return nil, fmt.Errorf("decoding features of spike %d: %w (%w)", spec.ID, err, ErrCorruptSession)
		}
		specs = append(specs, spec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating spikes: %w", err)
	}
	return specs, nil
}

func (s *Store) loadClusters(ctx context.Context) ([]store.Cluster, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, status, grp, active FROM clusters ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying clusters: %w", err)
	}
	defer rows.Close()

	clusters := make([]store.Cluster, 0, 64)
	for rows.Next() {
		var c store.Cluster
		var status, group string
		var active int
		if err := rows.Scan(&c.ID, &status, &group, &active); err != nil {
			return nil, fmt.Errorf("scanning cluster row: %w", err)
		}
		c.Status = store.Status(status)
		c.Group = store.Group(group)
		c.Active = active != 0
		clusters = append(clusters, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating clusters: %w", err)
	}
	return clusters, nil
}

func (s *Store) loadActions(ctx context.Context) ([]*history.Action, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM actions ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("querying actions: %w", err)
	}
	defer rows.Close()

	actions := make([]*history.Action, 0, 64)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning action row: %w", err)
		}
		a := &history.Action{}
		if err := json.Unmarshal([]byte(payload), a); err != nil {
			return nil, fmt.Errorf("decoding action: %w (%w)", err, ErrCorruptSession)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating actions: %w", err)
	}
	return actions, nil
}

func (s *Store) metaValue(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading meta %q: %w", key, err)
	}
	return value, nil
}

func (s *Store) metaInt(ctx context.Context, key string) (int, error) {
	raw, err := s.metaValue(ctx, key)
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return 0, nil
	}
	var value int
	if _, err := fmt.Sscanf(raw, "%d", &value); err != nil {
		return 0, fmt.Errorf("parsing meta %q: %w", key, err)
	}
	return value, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
