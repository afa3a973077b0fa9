package groups

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// CSVStore keeps the registry in one CSV file. A missing file is an empty
// registry. Mutations are serialized and replace the file atomically.
type CSVStore struct {
	mu   sync.Mutex
	path string
}

// NewCSVStore returns a store backed by the file at path.
func NewCSVStore(path string) *CSVStore {
	return &CSVStore{path: path}
}

// Path returns the registry file path.
func (s *CSVStore) Path() string {
	return s.path
}

// List implements Store.
func (s *CSVStore) List(ctx context.Context) ([]Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// Append implements Store.
func (s *CSVStore) Append(ctx context.Context, assignments ...Assignment) error {
	if err := validateAll(assignments); err != nil {
		return err
	}
	if len(assignments) == 0 {
		return nil
	}
	_, err := s.mutate(ctx, func(rows []Assignment) ([]Assignment, int) {
		return append(rows, assignments...), len(assignments)
	})
	return err
}

// DeleteByNPI implements Store.
func (s *CSVStore) DeleteByNPI(ctx context.Context, npis []string) (int, error) {
	set := npiSet(npis)
	if len(set) == 0 {
		return 0, nil
	}
	return s.mutate(ctx, func(rows []Assignment) ([]Assignment, int) {
		kept := rows[:0]
		for _, r := range rows {
			if _, ok := set[r.NPI]; !ok {
				kept = append(kept, r)
			}
		}
		return kept, len(rows) - len(kept)
	})
}

// UpdateDates implements Store.
func (s *CSVStore) UpdateDates(ctx context.Context, npis []string, start, end string) (int, error) {
	if err := ValidateDates(start, end); err != nil {
		return 0, err
	}
	set := npiSet(npis)
	if len(set) == 0 {
		return 0, nil
	}
	return s.mutate(ctx, func(rows []Assignment) ([]Assignment, int) {
		n := 0
		for i := range rows {
			if _, ok := set[rows[i].NPI]; ok {
				rows[i].StartDate = start
				rows[i].EndDate = end
				n++
			}
		}
		return rows, n
	})
}

// Close implements Store.
func (s *CSVStore) Close() error {
	return nil
}

// mutate is the single write path: read everything, apply fn, and replace
// the file. Nothing is written when fn reports zero changes.
func (s *CSVStore) mutate(ctx context.Context, fn func([]Assignment) ([]Assignment, int)) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	rows, err := s.read()
	if err != nil {
		return 0, err
	}
	rows, n := fn(rows)
	if n == 0 {
		return 0, nil
	}
	if err := s.write(rows); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *CSVStore) read() ([]Assignment, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening registry: %w", err)
	}
	defer f.Close()

	rows, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("reading registry %s: %w", s.path, err)
	}
	return rows, nil
}

func (s *CSVStore) write(rows []Assignment) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating registry directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp registry: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Encode(tmp, rows); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp registry: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("setting registry permissions: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing registry: %w", err)
	}
	return nil
}
