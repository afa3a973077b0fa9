package dashboard

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/pharmadir/internal/directory"
	"github.com/fyrsmithlabs/pharmadir/internal/nppes"
)

// Snapshot selection modes.
const (
	SnapshotToday  = "today"
	SnapshotLatest = "latest"
)

// Source resolves which snapshot the dashboard shows and loads it through
// the cache.
type Source struct {
	Dir    string
	Prefix string
	// Mode is SnapshotToday or SnapshotLatest. Empty means today.
	Mode  string
	Cache *Cache

	// Now is the clock for today's date. Defaults to time.Now.
	Now func() time.Time
}

// Resolve finds the snapshot file for the configured mode. A missing file
// yields directory.ErrNotFound.
func (s *Source) Resolve() (directory.Snapshot, error) {
	switch s.Mode {
	case "", SnapshotToday:
		return directory.ForDate(s.Dir, s.Prefix, s.now())
	case SnapshotLatest:
		return directory.Latest(s.Dir, s.Prefix)
	}
	return directory.Snapshot{}, fmt.Errorf("unknown snapshot mode %q", s.Mode)
}

// Load resolves and reads the snapshot.
func (s *Source) Load() (directory.Snapshot, []nppes.DirectoryRow, error) {
	snap, err := s.Resolve()
	if err != nil {
		return directory.Snapshot{}, nil, err
	}
	rows, err := s.Cache.Get(snap.Path, directory.Load)
	if err != nil {
		return snap, nil, err
	}
	return snap, rows, nil
}

func (s *Source) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
