// Package directory reads and writes dated Directory Store snapshots.
//
// A snapshot is a UTF-8 CSV named <prefix>_<YYYY-MM-DD>.csv with the fixed
// nppes.DirectoryColumns header. Writes go to a temporary file in the same
// directory and are renamed into place, so readers never see a torn file.
package directory

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fyrsmithlabs/pharmadir/internal/nppes"
)

// DefaultPrefix is the snapshot file name prefix.
const DefaultPrefix = "npi_pharmacies"

// DateLayout is the date format embedded in snapshot names.
const DateLayout = "2006-01-02"

// ErrNotFound is returned when no snapshot matches a lookup.
var ErrNotFound = errors.New("directory snapshot not found")

// FileName returns the snapshot file name for date.
func FileName(prefix string, date time.Time) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return fmt.Sprintf("%s_%s.csv", prefix, date.Format(DateLayout))
}

// Write stores rows at path, replacing any existing snapshot atomically.
func Write(path string, rows []nppes.DirectoryRow) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	if err := Encode(tmp, rows); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing snapshot: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("setting snapshot permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming snapshot into place: %w", err)
	}
	return nil
}

// Encode writes the header and rows as CSV.
func Encode(w io.Writer, rows []nppes.DirectoryRow) error {
	return encode(w, nppes.DirectoryColumns, rows)
}

// EncodeDisplay writes rows as CSV under the dashboard display labels.
func EncodeDisplay(w io.Writer, rows []nppes.DirectoryRow) error {
	return encode(w, nppes.DisplayHeader(), rows)
}

func encode(w io.Writer, header []string, rows []nppes.DirectoryRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for i, row := range rows {
		if err := cw.Write(row.Values()); err != nil {
			return fmt.Errorf("writing row %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Load reads the snapshot at path. Columns missing from the file are
// returned as empty strings.
func Load(path string) ([]nppes.DirectoryRow, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()

	rows, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot %s: %w", path, err)
	}
	return rows, nil
}

// Decode reads directory rows from CSV. An empty input yields no rows.
func Decode(r io.Reader) ([]nppes.DirectoryRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	first, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	header := nppes.NewHeader(first)

	var rows []nppes.DirectoryRow
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, nppes.RowFromValues(header, row))
	}
	return rows, nil
}

// Snapshot identifies a dated snapshot on disk.
type Snapshot struct {
	Path string
	Date time.Time
}

// List returns the snapshots in dir with the given prefix, oldest first.
// Files whose names do not carry a valid date are ignored.
func List(dir, prefix string) ([]Snapshot, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}

	var out []Snapshot
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		date, ok := parseName(e.Name(), prefix)
		if !ok {
			continue
		}
		out = append(out, Snapshot{Path: filepath.Join(dir, e.Name()), Date: date})
	}
	// ReadDir returns entries sorted by name, and the date suffix sorts
	// lexically, so out is already in date order.
	return out, nil
}

// Latest returns the newest snapshot in dir.
func Latest(dir, prefix string) (Snapshot, error) {
	snaps, err := List(dir, prefix)
	if err != nil {
		return Snapshot{}, err
	}
	if len(snaps) == 0 {
		return Snapshot{}, fmt.Errorf("%w: no snapshots in %s", ErrNotFound, dir)
	}
	return snaps[len(snaps)-1], nil
}

// ForDate returns the snapshot for date, or ErrNotFound.
func ForDate(dir, prefix string, date time.Time) (Snapshot, error) {
	path := filepath.Join(dir, FileName(prefix, date))
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return Snapshot{Path: path, Date: truncateDay(date)}, nil
}

func parseName(name, prefix string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(name, prefix+"_")
	if !ok {
		return time.Time{}, false
	}
	stamp, ok := strings.CutSuffix(rest, ".csv")
	if !ok {
		return time.Time{}, false
	}
	date, err := time.Parse(DateLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return date, true
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
