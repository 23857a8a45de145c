// Package checkpoint persists the best-scoring (strategy source,
// parameter overrides, metrics) snapshot an optimizer run can roll
// back to (C8). Grounded on internal/optimization/optimizer.go's
// best-params tracking, generalized into an atomic save/rollback
// contract against the working strategy source file.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/atlas-desktop/perpbot/pkg/types"
)

// Store persists Checkpoints under a directory, one JSON sidecar plus
// one source-bytes file per checkpoint name.
type Store struct {
	dir string
}

// NewStore opens (creating if absent) a checkpoint directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) metaPath(name string) string { return filepath.Join(s.dir, name+".json") }
func (s *Store) srcPath(name string) string  { return filepath.Join(s.dir, name+".go.src") }

// Save atomically writes cp under name: both files are written to a
// temp path in the same directory, then renamed into place, so a
// reader never observes a partially-written checkpoint.
func (s *Store) Save(name string, cp types.Checkpoint) error {
	meta := struct {
		ParamOverrides map[string]float64    `json:"paramOverrides"`
		Metrics        types.SnapshotMetrics `json:"metrics"`
		Iter           int                   `json:"iter"`
	}{cp.ParamOverrides, cp.Metrics, cp.Iter}

	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}

	if err := atomicWrite(s.srcPath(name), cp.StrategySourceBytes); err != nil {
		return fmt.Errorf("checkpoint: write source: %w", err)
	}
	if err := atomicWrite(s.metaPath(name), metaBytes); err != nil {
		return fmt.Errorf("checkpoint: write meta: %w", err)
	}
	return nil
}

// Load reads back a previously saved checkpoint.
func (s *Store) Load(name string) (types.Checkpoint, error) {
	var cp types.Checkpoint

	srcBytes, err := os.ReadFile(s.srcPath(name))
	if err != nil {
		return cp, fmt.Errorf("checkpoint: read source: %w", err)
	}
	metaBytes, err := os.ReadFile(s.metaPath(name))
	if err != nil {
		return cp, fmt.Errorf("checkpoint: read meta: %w", err)
	}

	var meta struct {
		ParamOverrides map[string]float64    `json:"paramOverrides"`
		Metrics        types.SnapshotMetrics `json:"metrics"`
		Iter           int                   `json:"iter"`
	}
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return cp, fmt.Errorf("checkpoint: unmarshal meta: %w", err)
	}

	cp.StrategySourceBytes = srcBytes
	cp.ParamOverrides = meta.ParamOverrides
	cp.Metrics = meta.Metrics
	cp.Iter = meta.Iter
	return cp, nil
}

// Rollback restores the stored source bytes to workingPath and
// returns the stored parameter overrides. Invariant: after a
// successful Rollback, workingPath is byte-identical to the stored
// checkpoint's source.
func (s *Store) Rollback(name, workingPath string) (map[string]float64, error) {
	cp, err := s.Load(name)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: rollback load: %w", err)
	}
	if err := atomicWrite(workingPath, cp.StrategySourceBytes); err != nil {
		return nil, fmt.Errorf("checkpoint: rollback write: %w", err)
	}
	return cp.ParamOverrides, nil
}

// Exists reports whether a checkpoint with name has been saved.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(s.metaPath(name))
	return err == nil
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
