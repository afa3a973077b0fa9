package groups

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS assignments (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	group_name    TEXT NOT NULL,
	npi           TEXT NOT NULL,
	pharmacy_name TEXT NOT NULL DEFAULT '',
	start_date    TEXT NOT NULL DEFAULT '',
	end_date      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS assignments_npi ON assignments (npi);
`

// SQLiteStore keeps the registry in an embedded SQLite table indexed by NPI.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = "groups.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; sqlite serializes anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create assignments table: %w", err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context) ([]Assignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_name, npi, pharmacy_name, start_date, end_date FROM assignments ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select assignments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.GroupName, &a.NPI, &a.PharmacyName, &a.StartDate, &a.EndDate); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, assignments ...Assignment) error {
	if err := validateAll(assignments); err != nil {
		return err
	}
	if len(assignments) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO assignments (group_name, npi, pharmacy_name, start_date, end_date) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, a := range assignments {
		if _, err := stmt.ExecContext(ctx, a.GroupName, a.NPI, a.PharmacyName, a.StartDate, a.EndDate); err != nil {
			return fmt.Errorf("insert assignment: %w", err)
		}
	}
	return tx.Commit()
}

// DeleteByNPI implements Store.
func (s *SQLiteStore) DeleteByNPI(ctx context.Context, npis []string) (int, error) {
	set := npiSet(npis)
	if len(set) == 0 {
		return 0, nil
	}
	n, err := s.execChunked(ctx, `DELETE FROM assignments WHERE npi IN (%s)`, nil, set)
	if err != nil {
		return 0, fmt.Errorf("delete assignments: %w", err)
	}
	return n, nil
}

// UpdateDates implements Store.
func (s *SQLiteStore) UpdateDates(ctx context.Context, npis []string, start, end string) (int, error) {
	if err := ValidateDates(start, end); err != nil {
		return 0, err
	}
	set := npiSet(npis)
	if len(set) == 0 {
		return 0, nil
	}
	n, err := s.execChunked(ctx,
		`UPDATE assignments SET start_date = ?, end_date = ? WHERE npi IN (%s)`, []any{start, end}, set)
	if err != nil {
		return 0, fmt.Errorf("update dates: %w", err)
	}
	return n, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// maxInParams bounds the placeholders in one IN list. SQLite builds before
// 3.32 cap a statement at 999 bound parameters.
const maxInParams = 500

// execChunked runs query once per chunk of set inside one transaction, so a
// large NPI list either applies fully or not at all. query holds a single %s
// for the placeholder list; lead args precede the NPIs in every chunk.
func (s *SQLiteStore) execChunked(ctx context.Context, query string, lead []any, set map[string]struct{}) (int, error) {
	npis := make([]string, 0, len(set))
	for n := range set {
		npis = append(npis, n)
	}
	sort.Strings(npis)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	total := 0
	for start := 0; start < len(npis); start += maxInParams {
		chunk := npis[start:min(start+maxInParams, len(npis))]
		args := make([]any, 0, len(lead)+len(chunk))
		args = append(args, lead...)
		for _, n := range chunk {
			args = append(args, n)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		res, err := tx.ExecContext(ctx, fmt.Sprintf(query, placeholders), args...)
		if err != nil {
			return 0, err
		}
		n, err := affected(res)
		if err != nil {
			return 0, err
		}
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return total, nil
}

func affected(res sql.Result) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}
