// Package results persists benchmark output as pretty-printed JSON files:
// a per-invocation run directory tree for the CLI and a flat id-keyed store
// for the server.
package results

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RunStorage lays out one benchmark invocation on disk:
//
//	<base>/<runID>/config.json
//	<base>/<runID>/summary.json
//	<base>/<runID>/raw/run-NN/result.json + worker captures
type RunStorage struct {
	root   string
	rawDir string
}

// NewRunStorage creates the directory tree for runID under baseDir.
func NewRunStorage(baseDir, runID string) (*RunStorage, error) {
	root := filepath.Join(baseDir, runID)
	rawDir := filepath.Join(root, "raw")
	if err := os.MkdirAll(rawDir, 0755); err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}
	return &RunStorage{root: root, rawDir: rawDir}, nil
}

// RunID builds the directory name for a suite invocation from a UTC
// timestamp.
func RunID(suite string, now time.Time) string {
	return fmt.Sprintf("%s-%s", suite, now.UTC().Format("20060102T150405Z"))
}

// Root returns the run directory path.
func (s *RunStorage) Root() string {
	return s.root
}

// RepetitionDir creates and returns raw/run-NN for repetition i.
func (s *RunStorage) RepetitionDir(i int) (string, error) {
	dir := filepath.Join(s.rawDir, fmt.Sprintf("run-%02d", i))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create repetition directory: %w", err)
	}
	return dir, nil
}

// WriteJSON writes v pretty-printed to rel under the run directory,
// creating parent directories as needed.
func (s *RunStorage) WriteJSON(rel string, v any) error {
	path := filepath.Join(s.root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", rel, err)
	}

	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}

// FileStore is an id-keyed JSON store, one <id>.json per entry.
type FileStore[T any] struct {
	basePath string
}

// NewFileStore creates the store directory if needed.
func NewFileStore[T any](basePath string) (*FileStore[T], error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &FileStore[T]{basePath: basePath}, nil
}

func (fs *FileStore[T]) path(id string) string {
	return filepath.Join(fs.basePath, id+".json")
}

// Save writes the entry pretty-printed to <id>.json.
func (fs *FileStore[T]) Save(id string, v T) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", id, err)
	}
	if err := os.WriteFile(fs.path(id), append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write %s: %w", id, err)
	}
	return nil
}

// Load reads <id>.json back.
func (fs *FileStore[T]) Load(id string) (T, error) {
	var v T
	data, err := os.ReadFile(fs.path(id))
	if err != nil {
		return v, fmt.Errorf("read %s: %w", id, err)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("parse %s: %w", id, err)
	}
	return v, nil
}

// Exists reports whether an entry with this id is stored.
func (fs *FileStore[T]) Exists(id string) bool {
	_, err := os.Stat(fs.path(id))
	return err == nil
}

// EntryInfo describes one stored entry.
type EntryInfo struct {
	ID         string    `json:"id"`
	ModifiedAt time.Time `json:"modifiedAt"`
	SizeBytes  int64     `json:"sizeBytes"`
}

// List returns metadata for every stored entry.
func (fs *FileStore[T]) List() ([]EntryInfo, error) {
	entries, err := os.ReadDir(fs.basePath)
	if err != nil {
		return nil, fmt.Errorf("read storage directory: %w", err)
	}

	var infos []EntryInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		infos = append(infos, EntryInfo{
			ID:         strings.TrimSuffix(entry.Name(), ".json"),
			ModifiedAt: fi.ModTime(),
			SizeBytes:  fi.Size(),
		})
	}
	return infos, nil
}
