package nppes

import (
	"errors"
	"fmt"
	"strings"
)

// Primary dataset column names.
const (
	ColNPI              = "NPI"
	ColEntityType       = "Entity Type Code"
	ColLegalName        = "Provider Organization Name (Legal Business Name)"
	ColOtherOrgName     = "Provider Other Organization Name"
	ColAddress1         = "Provider First Line Business Practice Location Address"
	ColAddress2         = "Provider Second Line Business Practice Location Address"
	ColCity             = "Provider Business Practice Location Address City Name"
	ColState            = "Provider Business Practice Location Address State Name"
	ColPostalCode       = "Provider Business Practice Location Address Postal Code"
	ColTaxonomyCode     = "Healthcare Provider Taxonomy Code_1"
	ColLicenseNumber    = "Provider License Number_1"
	ColLicenseState     = "Provider License Number State Code_1"
	ColDeactivationDate = "NPI Deactivation Date"

	// ColAlternateName is the joined alternate name column in directory rows.
	// The suffix distinguishes it from the primary file's own
	// ColOtherOrgName column.
	ColAlternateName = "Provider Other Organization Name_y"
)

// EntityTypeOrganization is the entity type code for organizations.
// Individual practitioners carry "1".
const EntityTypeOrganization = "2"

// ErrMissingColumn is returned when a header lacks a column required to
// evaluate a record.
var ErrMissingColumn = errors.New("required column missing")

// RequiredPrimaryColumns must be present in the primary dataset header.
var RequiredPrimaryColumns = []string{ColNPI, ColEntityType, ColDeactivationDate, ColTaxonomyCode}

// ProviderRecord is one row of the primary dataset, reduced to the fields
// the pipeline reads. Missing cells are empty strings.
type ProviderRecord struct {
	NPI              string
	EntityTypeCode   string
	LegalName        string
	OtherOrgName     string
	Address1         string
	Address2         string
	City             string
	State            string
	PostalCode       string
	TaxonomyCode     string
	LicenseNumber    string
	LicenseState     string
	DeactivationDate string
}

// Batch is a bounded slice of records read from the primary dataset.
type Batch []ProviderRecord

// Header maps column names to their positions in a CSV header row.
type Header struct {
	names []string
	index map[string]int
}

// NewHeader indexes a header row. Names are trimmed and a leading UTF-8 byte
// order mark is stripped. When a name repeats, the first position wins.
func NewHeader(row []string) Header {
	h := Header{
		names: make([]string, len(row)),
		index: make(map[string]int, len(row)),
	}
	for i, name := range row {
		if i == 0 {
			name = strings.TrimPrefix(name, "\ufeff")
		}
		name = strings.TrimSpace(name)
		h.names[i] = name
		if _, seen := h.index[name]; !seen {
			h.index[name] = i
		}
	}
	return h
}

// Index returns the position of column name, or -1.
func (h Header) Index(name string) int {
	if i, ok := h.index[name]; ok {
		return i
	}
	return -1
}

// Has reports whether the header contains name.
func (h Header) Has(name string) bool {
	_, ok := h.index[name]
	return ok
}

// Names returns the cleaned column names in order.
func (h Header) Names() []string {
	out := make([]string, len(h.names))
	copy(out, h.names)
	return out
}

// Require returns ErrMissingColumn naming every absent column.
func (h Header) Require(names ...string) error {
	var missing []string
	for _, name := range names {
		if !h.Has(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingColumn, strings.Join(missing, ", "))
	}
	return nil
}

// Value returns the cell for column name in row, or "" when the column is
// absent or the row is short.
func (h Header) Value(row []string, name string) string {
	i := h.Index(name)
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}

// RecordDecoder converts raw CSV rows into ProviderRecords using a header.
// Column positions are resolved once.
type RecordDecoder struct {
	npi, entity, legal, other, addr1, addr2, city, state, postal int
	taxonomy, license, licenseState, deactivation                int
}

// NewRecordDecoder validates that the header carries every column in
// RequiredPrimaryColumns and resolves the rest, which may be absent.
func NewRecordDecoder(h Header) (*RecordDecoder, error) {
	if err := h.Require(RequiredPrimaryColumns...); err != nil {
		return nil, err
	}
	return &RecordDecoder{
		npi:          h.Index(ColNPI),
		entity:       h.Index(ColEntityType),
		legal:        h.Index(ColLegalName),
		other:        h.Index(ColOtherOrgName),
		addr1:        h.Index(ColAddress1),
		addr2:        h.Index(ColAddress2),
		city:         h.Index(ColCity),
		state:        h.Index(ColState),
		postal:       h.Index(ColPostalCode),
		taxonomy:     h.Index(ColTaxonomyCode),
		license:      h.Index(ColLicenseNumber),
		licenseState: h.Index(ColLicenseState),
		deactivation: h.Index(ColDeactivationDate),
	}, nil
}

// Decode builds a record from row.
func (d *RecordDecoder) Decode(row []string) ProviderRecord {
	return ProviderRecord{
		NPI:              cell(row, d.npi),
		EntityTypeCode:   cell(row, d.entity),
		LegalName:        cell(row, d.legal),
		OtherOrgName:     cell(row, d.other),
		Address1:         cell(row, d.addr1),
		Address2:         cell(row, d.addr2),
		City:             cell(row, d.city),
		State:            cell(row, d.state),
		PostalCode:       cell(row, d.postal),
		TaxonomyCode:     cell(row, d.taxonomy),
		LicenseNumber:    cell(row, d.license),
		LicenseState:     cell(row, d.licenseState),
		DeactivationDate: cell(row, d.deactivation),
	}
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}
