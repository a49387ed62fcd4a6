package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spikekit/spikekit/internal/session"
)

func writeDump(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "spikes.jsonl")
	lines := []string{
		`{"id": 1, "t": 0.010, "features": [1, 0], "cluster": 1}`,
		`{"id": 2, "t": 0.011, "features": [1.1, 0], "cluster": 1}`,
		`{"id": 3, "t": 0.030, "features": [0.9, 0], "cluster": 1}`,
		`{"id": 4, "t": 0.050, "features": [0, 6], "cluster": 2}`,
		`{"id": 5, "t": 0.070, "features": [0, 6.1], "cluster": 2}`,
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0644); err != nil {
		t.Fatalf("writing dump: %v", err)
	}
	return path
}

func TestCommonFlags(t *testing.T) {
	rest, opts, err := commonFlags([]string{"--session", "/tmp/s.db", "3", "--config", "/tmp/c.yaml", "7"})
	if err != nil {
		t.Fatalf("commonFlags: %v", err)
	}
	if opts.CLISessionPath != "/tmp/s.db" || opts.ConfigPath != "/tmp/c.yaml" {
		t.Fatalf("opts = %+v", opts)
	}
	if len(rest) != 2 || rest[0] != "3" || rest[1] != "7" {
		t.Fatalf("rest = %v", rest)
	}
}

func TestCommonFlagsRejectsUnknown(t *testing.T) {
	if _, _, err := commonFlags([]string{"--frobnicate"}); err == nil {
		t.Fatal("expected unknown flag error")
	}
}

func TestParseParts(t *testing.T) {
	parts, err := parseParts("1,2,3;4,5")
	if err != nil {
		t.Fatalf("parseParts: %v", err)
	}
	if len(parts) != 2 || len(parts[0]) != 3 || parts[1][1] != 5 {
		t.Fatalf("parts = %v", parts)
	}
	if _, err := parseParts("1,2,3"); err == nil {
		t.Fatal("single part should be rejected")
	}
}

func TestImportThenMerge(t *testing.T) {
	dir := t.TempDir()
	dump := writeDump(t, dir)
	sessionPath := filepath.Join(dir, "session.db")
	configPath := filepath.Join(dir, "missing.yaml")

	flags := []string{"--session", sessionPath, "--config", configPath}

	if err := runImport(append([]string{dump}, flags...)); err != nil {
		t.Fatalf("runImport: %v", err)
	}
	if err := runMerge(append([]string{"1", "2"}, flags...)); err != nil {
		t.Fatalf("runMerge: %v", err)
	}

	sess, err := session.Open(sessionPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()
	part, log, _, err := sess.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if part.IsActive(2) {
		t.Fatal("cluster 2 should be merged away")
	}
	if !log.CanUndo() {
		t.Fatal("merge should be recorded in history")
	}

	if err := runUndo(flags); err != nil {
		t.Fatalf("runUndo: %v", err)
	}
	part2, _, _, err := sess.Load(context.Background())
	if err != nil {
		t.Fatalf("Load after undo: %v", err)
	}
	if !part2.IsActive(2) {
		t.Fatal("cluster 2 should be active after undo")
	}
}

func TestStatsRequiresSession(t *testing.T) {
	dir := t.TempDir()
	err := runStats([]string{"--session", filepath.Join(dir, "nope.db"), "--config", filepath.Join(dir, "missing.yaml")})
	if err == nil {
		t.Fatal("expected error for empty session database")
	}
}
