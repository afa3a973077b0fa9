// Package groups stores the Group Registry: user-curated, dated cohorts of
// directory entries.
//
// Two drivers implement Store. The CSV driver keeps the registry in a single
// flat file and replaces it atomically on every mutation. The SQLite driver
// keeps the same rows in an embedded table indexed by NPI. Both allow
// duplicate (group, NPI) rows.
package groups

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fyrsmithlabs/pharmadir/internal/nppes"
)

// ErrInvalid is returned for assignments or date edits that fail validation.
var ErrInvalid = errors.New("invalid group assignment")

// DateLayout is the ISO date format used for start and end dates.
const DateLayout = "2006-01-02"

// Registry file columns.
const (
	ColGroupName    = "Group Name"
	ColNPI          = "NPI"
	ColPharmacyName = "Pharmacy Name"
	ColStartDate    = "Start Date"
	ColEndDate      = "End Date"
)

// Columns is the registry CSV header in order.
var Columns = []string{ColGroupName, ColNPI, ColPharmacyName, ColStartDate, ColEndDate}

// Assignment places one directory entry in a named group for a date range.
type Assignment struct {
	GroupName    string `json:"group_name"`
	NPI          string `json:"npi"`
	PharmacyName string `json:"pharmacy_name"`
	StartDate    string `json:"start_date"`
	EndDate      string `json:"end_date"`
}

// Values returns the assignment's cells in Columns order.
func (a Assignment) Values() []string {
	return []string{a.GroupName, a.NPI, a.PharmacyName, a.StartDate, a.EndDate}
}

// Validate checks required fields and dates.
func (a Assignment) Validate() error {
	if strings.TrimSpace(a.GroupName) == "" {
		return fmt.Errorf("%w: group name is required", ErrInvalid)
	}
	if strings.TrimSpace(a.NPI) == "" {
		return fmt.Errorf("%w: npi is required", ErrInvalid)
	}
	return ValidateDates(a.StartDate, a.EndDate)
}

// ValidateDates checks that non-empty dates are ISO dates and that start is
// not after end.
func ValidateDates(start, end string) error {
	var s, e time.Time
	var err error
	if start != "" {
		if s, err = time.Parse(DateLayout, start); err != nil {
			return fmt.Errorf("%w: start date %q is not YYYY-MM-DD", ErrInvalid, start)
		}
	}
	if end != "" {
		if e, err = time.Parse(DateLayout, end); err != nil {
			return fmt.Errorf("%w: end date %q is not YYYY-MM-DD", ErrInvalid, end)
		}
	}
	if start != "" && end != "" && s.After(e) {
		return fmt.Errorf("%w: start date %s is after end date %s", ErrInvalid, start, end)
	}
	return nil
}

// ForRow builds an assignment for a directory row. The pharmacy name is the
// row's alternate name, falling back to the legal name.
func ForRow(group string, row nppes.DirectoryRow, start, end string) Assignment {
	return Assignment{
		GroupName:    group,
		NPI:          row.NPI,
		PharmacyName: row.DisplayName(),
		StartDate:    start,
		EndDate:      end,
	}
}

// Store is the Group Registry.
type Store interface {
	// List returns every assignment in stored order.
	List(ctx context.Context) ([]Assignment, error)
	// Append validates and adds assignments after the existing rows.
	Append(ctx context.Context, assignments ...Assignment) error
	// DeleteByNPI removes every row whose NPI is in npis and returns how
	// many rows were removed.
	DeleteByNPI(ctx context.Context, npis []string) (int, error)
	// UpdateDates sets start and end on every row whose NPI is in npis and
	// returns how many rows changed. Other fields are untouched.
	UpdateDates(ctx context.Context, npis []string, start, end string) (int, error)
	Close() error
}

// Open returns the store for driver ("csv" or "sqlite") at path.
func Open(driver, path string) (Store, error) {
	switch driver {
	case "", "csv":
		return NewCSVStore(path), nil
	case "sqlite":
		s, err := NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown registry driver %q", driver)
}

// Encode writes assignments as registry CSV with a header.
func Encode(w io.Writer, assignments []Assignment) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for _, a := range assignments {
		if err := cw.Write(a.Values()); err != nil {
			return fmt.Errorf("writing assignment: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Decode reads registry CSV. Absent columns decode as empty strings and an
// empty input yields no rows.
func Decode(r io.Reader) ([]Assignment, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	first, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	h := nppes.NewHeader(first)

	var out []Assignment
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, Assignment{
			GroupName:    h.Value(row, ColGroupName),
			NPI:          h.Value(row, ColNPI),
			PharmacyName: h.Value(row, ColPharmacyName),
			StartDate:    h.Value(row, ColStartDate),
			EndDate:      h.Value(row, ColEndDate),
		})
	}
	return out, nil
}

// Export writes every assignment in store as registry CSV.
func Export(ctx context.Context, store Store, w io.Writer) error {
	rows, err := store.List(ctx)
	if err != nil {
		return err
	}
	return Encode(w, rows)
}

// Import appends every assignment read from registry CSV to store and
// returns how many rows were added. The input is validated as a whole, so a
// bad row adds nothing.
func Import(ctx context.Context, store Store, r io.Reader) (int, error) {
	rows, err := Decode(r)
	if err != nil {
		return 0, fmt.Errorf("reading registry csv: %w", err)
	}
	if err := store.Append(ctx, rows...); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func validateAll(assignments []Assignment) error {
	for i, a := range assignments {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("assignment %d: %w", i, err)
		}
	}
	return nil
}

func npiSet(npis []string) map[string]struct{} {
	set := make(map[string]struct{}, len(npis))
	for _, n := range npis {
		if n = strings.TrimSpace(n); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}
