// Package nppes defines the provider registry record model shared by the
// pipeline and the dashboard.
//
// # Source files
//
// The NPPES dissemination archive ships two files this package understands:
//
//   - npidata_pfile_*.csv: one row per registered provider (the primary dataset)
//   - othername_pfile_*.csv: alternate organization names keyed by NPI
//
// Both are read by header name, never by position, because the upstream
// column set drifts between releases.
//
// # Directory rows
//
// DirectoryRow is the fixed eleven-column output contract. Its header is
// DirectoryColumns, in that order, and every value is a string. Missing
// values are empty strings.
package nppes
