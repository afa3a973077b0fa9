// Package taxonomy loads the pharmacy taxonomy whitelist.
package taxonomy

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/pharmadir/internal/nppes"
)

// DefaultColumn is the whitelist column read when none is configured.
const DefaultColumn = "Taxonomy Code"

var (
	// ErrColumnNotFound is returned when the whitelist lacks the code column.
	ErrColumnNotFound = errors.New("taxonomy column not found")

	// ErrEmpty is returned when the whitelist file has no header row.
	ErrEmpty = errors.New("taxonomy file is empty")
)

// Set is an immutable set of taxonomy codes.
type Set struct {
	codes map[string]struct{}
}

// NewSet builds a set from codes, skipping blank entries. Codes are trimmed.
func NewSet(codes ...string) Set {
	s := Set{codes: make(map[string]struct{}, len(codes))}
	for _, c := range codes {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		s.codes[c] = struct{}{}
	}
	return s
}

// Contains reports whether code is whitelisted. The comparison is exact.
func (s Set) Contains(code string) bool {
	_, ok := s.codes[code]
	return ok
}

// Len returns the number of distinct codes.
func (s Set) Len() int {
	return len(s.codes)
}

// Codes returns the codes in sorted order.
func (s Set) Codes() []string {
	out := make([]string, 0, len(s.codes))
	for c := range s.codes {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Load reads the whitelist CSV at path and collects the non-blank values of
// column. An empty column name selects DefaultColumn.
func Load(path, column string) (Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return Set{}, fmt.Errorf("opening taxonomy file: %w", err)
	}
	defer f.Close()

	s, err := Read(f, column)
	if err != nil {
		return Set{}, fmt.Errorf("reading taxonomy file %s: %w", path, err)
	}
	return s, nil
}

// Read is Load over an arbitrary reader.
func Read(r io.Reader, column string) (Set, error) {
	if column == "" {
		column = DefaultColumn
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	row, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return Set{}, ErrEmpty
	}
	if err != nil {
		return Set{}, err
	}

	header := nppes.NewHeader(row)
	idx := header.Index(column)
	if idx < 0 {
		return Set{}, fmt.Errorf("%w: %q", ErrColumnNotFound, column)
	}

	var codes []string
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Set{}, err
		}
		if idx < len(row) {
			codes = append(codes, row[idx])
		}
	}
	return NewSet(codes...), nil
}
