// Package merge joins filtered provider records with their alternate
// organization names and projects them into directory rows.
package merge

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"github.com/fyrsmithlabs/pharmadir/internal/nppes"
)

// AlternateNames maps NPI to its alternate organization name.
type AlternateNames struct {
	names      map[string]string
	duplicates int
}

// NewAlternateNames builds an index from pairs of (npi, name). The first
// occurrence of an NPI wins.
func NewAlternateNames(pairs ...[2]string) AlternateNames {
	a := AlternateNames{names: make(map[string]string, len(pairs))}
	for _, p := range pairs {
		a.add(p[0], p[1])
	}
	return a
}

func (a *AlternateNames) add(npi, name string) {
	if _, ok := a.names[npi]; ok {
		a.duplicates++
		return
	}
	a.names[npi] = name
}

// Lookup returns the alternate name for npi, or "".
func (a AlternateNames) Lookup(npi string) string {
	return a.names[npi]
}

// Len returns the number of distinct NPIs indexed.
func (a AlternateNames) Len() int {
	return len(a.names)
}

// Duplicates returns how many rows were dropped because their NPI was
// already indexed.
func (a AlternateNames) Duplicates() int {
	return a.duplicates
}

// LoadAlternateNames indexes the alternate-name CSV read from r. The NPI
// column is required. A missing name column yields empty names.
func LoadAlternateNames(r io.Reader) (AlternateNames, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	row, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return AlternateNames{}, fmt.Errorf("%w: empty alternate-name file", nppes.ErrMissingColumn)
	}
	if err != nil {
		return AlternateNames{}, fmt.Errorf("reading header: %w", err)
	}

	header := nppes.NewHeader(row)
	if err := header.Require(nppes.ColNPI); err != nil {
		return AlternateNames{}, err
	}

	names := AlternateNames{names: make(map[string]string)}
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return AlternateNames{}, fmt.Errorf("reading alternate names: %w", err)
		}
		names.add(header.Value(row, nppes.ColNPI), header.Value(row, nppes.ColOtherOrgName))
	}
	return names, nil
}

// Merge left-joins records with names. It returns exactly one row per
// record, in input order.
func Merge(records []nppes.ProviderRecord, names AlternateNames) []nppes.DirectoryRow {
	rows := make([]nppes.DirectoryRow, len(records))
	for i, rec := range records {
		rows[i] = FromRecord(rec, names.Lookup(rec.NPI))
	}
	return rows
}

// FromRecord projects rec into the directory schema with the given
// alternate name.
func FromRecord(rec nppes.ProviderRecord, alternateName string) nppes.DirectoryRow {
	return nppes.DirectoryRow{
		NPI:           rec.NPI,
		LegalName:     rec.LegalName,
		AlternateName: alternateName,
		Address1:      rec.Address1,
		Address2:      rec.Address2,
		City:          rec.City,
		State:         rec.State,
		PostalCode:    rec.PostalCode,
		TaxonomyCode:  rec.TaxonomyCode,
		LicenseNumber: rec.LicenseNumber,
		LicenseState:  rec.LicenseState,
	}
}

// Project maps a row read under header into the directory schema. Absent
// columns become empty strings.
func Project(header, row []string) nppes.DirectoryRow {
	return nppes.RowFromValues(nppes.NewHeader(header), row)
}
