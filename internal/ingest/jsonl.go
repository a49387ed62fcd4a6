package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spikekit/spikekit/internal/store"
)

// JSONLinesImporter handles .jsonl and .ndjson files: one spike per line.
type JSONLinesImporter struct{}

// CanHandle returns true for JSON-lines file extensions.
func (j *JSONLinesImporter) CanHandle(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".jsonl" || ext == ".ndjson"
}

type jsonSpike struct {
	ID       int64     `json:"id"`
	Time     float64   `json:"t"`
	Features []float32 `json:"features"`
	Cluster  int64     `json:"cluster"`
}

// Import parses a JSON-lines file. Blank lines are skipped; anything else
// must decode as one spike object.
func (j *JSONLinesImporter) Import(ctx context.Context, path string) ([]store.SpikeSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var specs []store.SpikeSpec
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if lineNo%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec jsonSpike
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("%s:%d: decoding spike: %w", filepath.Base(path), lineNo, err)
		}
		specs = append(specs, store.SpikeSpec{
			ID:        rec.ID,
			Time:      rec.Time,
			Features:  rec.Features,
			ClusterID: rec.Cluster,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return specs, nil
}
