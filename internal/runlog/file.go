package runlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore keeps every run in one JSON document, rewritten through a
// temporary file on each save.
type FileStore struct {
	Path string
	// MaxRuns caps the history kept in the file; older runs are dropped.
	MaxRuns int

	mu sync.Mutex
}

const defaultMaxFileRuns = 500

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: strings.TrimSpace(path), MaxRuns: defaultMaxFileRuns}
}

func (s *FileStore) load() ([]Run, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var runs []Run
	if len(data) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(data, &runs); err != nil {
		return nil, fmt.Errorf("decode run log %s: %w", s.Path, err)
	}
	return runs, nil
}

func (s *FileStore) write(runs []Run) error {
	data, err := json.MarshalIndent(runs, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}

func (s *FileStore) Save(_ context.Context, run Run) error {
	if err := validate(run); err != nil {
		return err
	}
	if s.Path == "" {
		return fmt.Errorf("%w: run log path is empty", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	runs, err := s.load()
	if err != nil {
		return err
	}
	replaced := false
	for i := range runs {
		if runs[i].ID == run.ID {
			runs[i] = run
			replaced = true
			break
		}
	}
	if !replaced {
		runs = append(runs, run)
	}
	sortNewestFirst(runs)
	if s.MaxRuns > 0 {
		runs = limitRuns(runs, s.MaxRuns)
	}
	return s.write(runs)
}

func (s *FileStore) Get(_ context.Context, id string) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs, err := s.load()
	if err != nil {
		return Run{}, err
	}
	for _, run := range runs {
		if run.ID == id {
			return run, nil
		}
	}
	return Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (s *FileStore) List(_ context.Context, limit int) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs, err := s.load()
	if err != nil {
		return nil, err
	}
	sortNewestFirst(runs)
	return limitRuns(runs, limit), nil
}

func (s *FileStore) Close() error { return nil }
