package ingest

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spikekit/spikekit/internal/store"
)

// CSVImporter handles .csv and .tsv files.
//
// The first row must be a header naming id, t, and cluster columns; every
// remaining column is taken as one feature dimension, in header order.
type CSVImporter struct{}

// CanHandle returns true for CSV/TSV file extensions.
func (c *CSVImporter) CanHandle(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".csv" || ext == ".tsv"
}

// Import parses a CSV file into spike specs.
func (c *CSVImporter) Import(ctx context.Context, path string) ([]store.SpikeSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	if strings.ToLower(filepath.Ext(path)) == ".tsv" {
		reader.Comma = '\t'
	}
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("%s: need a header row and at least one spike", filepath.Base(path))
	}

	idCol, timeCol, clusterCol := -1, -1, -1
	var featureCols []int
	for i, h := range records[0] {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "id", "spike_id":
			idCol = i
		case "t", "time":
			timeCol = i
		case "cluster", "cluster_id":
			clusterCol = i
		default:
			featureCols = append(featureCols, i)
		}
	}
	if idCol < 0 || timeCol < 0 || clusterCol < 0 {
		return nil, fmt.Errorf("%s: header must name id, t, and cluster columns", filepath.Base(path))
	}

	specs := make([]store.SpikeSpec, 0, len(records)-1)
	for n, row := range records[1:] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lineNo := n + 2
		if len(row) != len(records[0]) {
			return nil, fmt.Errorf("%s:%d: %d columns, want %d", filepath.Base(path), lineNo, len(row), len(records[0]))
		}
		id, err := strconv.ParseInt(strings.TrimSpace(row[idCol]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: parsing spike id: %w", filepath.Base(path), lineNo, err)
		}
		t, err := strconv.ParseFloat(strings.TrimSpace(row[timeCol]), 64)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: parsing timestamp: %w", filepath.Base(path), lineNo, err)
		}
		cluster, err := strconv.ParseInt(strings.TrimSpace(row[clusterCol]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: parsing cluster id: %w", filepath.Base(path), lineNo, err)
		}
		features := make([]float32, len(featureCols))
		for j, col := range featureCols {
			v, err := strconv.ParseFloat(strings.TrimSpace(row[col]), 32)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: parsing feature %q: %w", filepath.Base(path), lineNo, records[0][col], err)
			}
			features[j] = float32(v)
		}
		specs = append(specs, store.SpikeSpec{ID: id, Time: t, Features: features, ClusterID: cluster})
	}
	return specs, nil
}
