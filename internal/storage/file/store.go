// Package file persists the agent telemetry history as a JSON array on
// disk, optionally gzip-compressed.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/fidde/agent_observability/pkg/models"
)

// DefaultPath is the telemetry file used when none is configured.
const DefaultPath = ".agent_telemetry.json"

// Store is a file-based history store. Writes go to a temp file in the
// same directory which is then renamed over the target, so readers never
// see a partial file.
type Store struct {
	path string
	mu   sync.RWMutex
}

// New creates a store for path. A ".gz" suffix enables gzip.
func New(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating telemetry directory: %w", err)
		}
	}
	return &Store{path: path}, nil
}

// Path returns the target file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) compressed() bool {
	return strings.HasSuffix(s.path, ".gz")
}

// LoadHistory reads the history. A missing file yields an empty history.
func (s *Store) LoadHistory(ctx context.Context) ([]models.AgentMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return []models.AgentMetric{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading telemetry file: %w", err)
	}

	if s.compressed() {
		if data, err = gunzip(data); err != nil {
			return nil, fmt.Errorf("decompressing telemetry file: %w", err)
		}
	}

	history := []models.AgentMetric{}
	if len(bytes.TrimSpace(data)) == 0 {
		return history, nil
	}
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("unmarshaling telemetry file: %w", err)
	}
	return history, nil
}

// SaveHistory writes history atomically.
func (s *Store) SaveHistory(ctx context.Context, history []models.AgentMetric) error {
	if history == nil {
		history = []models.AgentMetric{}
	}
	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling history: %w", err)
	}
	if s.compressed() {
		if data, err = gzipBytes(data); err != nil {
			return fmt.Errorf("compressing history: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return WriteAtomic(s.path, data)
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

// WriteAtomic writes data to a temp file next to path and renames it into
// place.
func WriteAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzip(data []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	return io.ReadAll(gr)
}
