package nppes

// DirectoryColumns is the Directory Store header, in output order.
var DirectoryColumns = []string{
	ColNPI,
	ColLegalName,
	ColAlternateName,
	ColAddress1,
	ColAddress2,
	ColCity,
	ColState,
	ColPostalCode,
	ColTaxonomyCode,
	ColLicenseNumber,
	ColLicenseState,
}

// DisplayLabels maps directory columns to the labels shown in the dashboard
// and used as the header of exported views.
var DisplayLabels = map[string]string{
	ColNPI:           "NPI",
	ColLegalName:     "Provider Organization Name",
	ColAlternateName: "Pharmacy Name",
	ColAddress1:      "First Line Address",
	ColAddress2:      "Second Line Address",
	ColCity:          "City",
	ColState:         "State",
	ColPostalCode:    "Postal Code",
	ColTaxonomyCode:  "Taxonomy Code",
	ColLicenseNumber: "License Number",
	ColLicenseState:  "License State",
}

// DirectoryRow is one row of the Directory Store.
type DirectoryRow struct {
	NPI           string `json:"npi"`
	LegalName     string `json:"legal_name"`
	AlternateName string `json:"alternate_name"`
	Address1      string `json:"address_1"`
	Address2      string `json:"address_2"`
	City          string `json:"city"`
	State         string `json:"state"`
	PostalCode    string `json:"postal_code"`
	TaxonomyCode  string `json:"taxonomy_code"`
	LicenseNumber string `json:"license_number"`
	LicenseState  string `json:"license_state"`
}

// Values returns the row's cells in DirectoryColumns order.
func (r DirectoryRow) Values() []string {
	return []string{
		r.NPI,
		r.LegalName,
		r.AlternateName,
		r.Address1,
		r.Address2,
		r.City,
		r.State,
		r.PostalCode,
		r.TaxonomyCode,
		r.LicenseNumber,
		r.LicenseState,
	}
}

// DisplayName is the name shown for a pharmacy: the alternate name when
// present, otherwise the legal name.
func (r DirectoryRow) DisplayName() string {
	if r.AlternateName != "" {
		return r.AlternateName
	}
	return r.LegalName
}

// DisplayHeader returns DirectoryColumns translated through DisplayLabels.
func DisplayHeader() []string {
	out := make([]string, len(DirectoryColumns))
	for i, col := range DirectoryColumns {
		out[i] = DisplayLabels[col]
	}
	return out
}

// RowFromValues projects a CSV row read under header h into a DirectoryRow.
// Columns absent from h come back as empty strings.
func RowFromValues(h Header, row []string) DirectoryRow {
	return DirectoryRow{
		NPI:           h.Value(row, ColNPI),
		LegalName:     h.Value(row, ColLegalName),
		AlternateName: h.Value(row, ColAlternateName),
		Address1:      h.Value(row, ColAddress1),
		Address2:      h.Value(row, ColAddress2),
		City:          h.Value(row, ColCity),
		State:         h.Value(row, ColState),
		PostalCode:    h.Value(row, ColPostalCode),
		TaxonomyCode:  h.Value(row, ColTaxonomyCode),
		LicenseNumber: h.Value(row, ColLicenseNumber),
		LicenseState:  h.Value(row, ColLicenseState),
	}
}
