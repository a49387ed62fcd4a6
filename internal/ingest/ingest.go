// Package ingest reads spike-sorting output into a partition.
//
// Each supported format (JSON lines, CSV) has its own importer implementing
// the Importer interface. Load auto-detects formats by file extension and
// dispatches to the correct parser.
//
// Every record carries a spike id, a timestamp in seconds, the feature
// vector from the upstream sorter, and the cluster id assigned by the
// automatic pass. Feature dimensionality must be uniform across a file.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spikekit/spikekit/internal/store"
)

// ErrUnsupportedFormat is returned when no importer recognizes the file.
var ErrUnsupportedFormat = errors.New("unsupported spike dump format")

// Importer parses one spike dump format.
type Importer interface {
	// CanHandle reports whether this importer recognizes the file path.
	CanHandle(path string) bool
	// Import parses the file into spike specs, in file order.
	Import(ctx context.Context, path string) ([]store.SpikeSpec, error)
}

// DefaultImporters returns the built-in importers in dispatch order.
func DefaultImporters() []Importer {
	return []Importer{
		&JSONLinesImporter{},
		&CSVImporter{},
	}
}

// Load parses a spike dump and validates it for partition loading.
func Load(ctx context.Context, path string) ([]store.SpikeSpec, error) {
	for _, imp := range DefaultImporters() {
		if !imp.CanHandle(path) {
			continue
		}
		specs, err := imp.Import(ctx, path)
		if err != nil {
			return nil, err
		}
		if err := validate(specs); err != nil {
			return nil, fmt.Errorf("validating %s: %w", path, err)
		}
		return specs, nil
	}
	return nil, fmt.Errorf("%s: %w", filepath.Base(path), ErrUnsupportedFormat)
}

func validate(specs []store.SpikeSpec) error {
	if len(specs) == 0 {
		return errors.New("no spikes found")
	}
	dims := len(specs[0].Features)
	seen := make(map[int64]struct{}, len(specs))
	for _, spec := range specs {
		if spec.ID <= 0 {
			return fmt.Errorf("spike id %d is not positive", spec.ID)
		}
		if _, dup := seen[spec.ID]; dup {
			return fmt.Errorf("duplicate spike id %d", spec.ID)
		}
		seen[spec.ID] = struct{}{}
		if spec.ClusterID <= 0 {
			return fmt.Errorf("spike %d: cluster id %d is not positive", spec.ID, spec.ClusterID)
		}
		if spec.Time < 0 {
			return fmt.Errorf("spike %d: negative timestamp %g", spec.ID, spec.Time)
		}
		if len(spec.Features) != dims {
			return fmt.Errorf("spike %d: feature dimensionality %d, want %d", spec.ID, len(spec.Features), dims)
		}
	}
	return nil
}
