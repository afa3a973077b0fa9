package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrMissingInput is returned when a role has no input file.
var ErrMissingInput = errors.New("required input file missing")

// Role names a kind of source file. Its value is also the directory name
// under the input and archive roots.
type Role string

const (
	RolePrimary   Role = "npi_pfile"
	RoleAlternate Role = "othername_pfile"
)

// Roles lists every role in processing order.
var Roles = []Role{RolePrimary, RoleAlternate}

// Prefix returns the lowercase file name prefix that identifies the role.
func (r Role) Prefix() string {
	switch r {
	case RolePrimary:
		return "npidata_pfile"
	case RoleAlternate:
		return "othername_pfile"
	}
	return string(r)
}

const headerSuffix = "_fileheader.csv"

// Classify maps a file name to its role. Header-only companion files and
// non-CSV files are not classified.
func Classify(name string) (Role, bool) {
	lower := strings.ToLower(name)
	if !strings.HasSuffix(lower, ".csv") || strings.HasSuffix(lower, headerSuffix) {
		return "", false
	}
	for _, role := range Roles {
		if strings.HasPrefix(lower, role.Prefix()) {
			return role, true
		}
	}
	return "", false
}

// Layout is the on-disk working tree.
type Layout struct {
	InputDir   string
	ArchiveDir string
}

// InputPath returns the input directory for role.
func (l Layout) InputPath(role Role) string {
	return filepath.Join(l.InputDir, string(role))
}

// ArchivePath returns the dated archive directory for role.
func (l Layout) ArchivePath(role Role, date time.Time) string {
	return filepath.Join(l.ArchiveDir, string(role), date.Format("2006-01-02"))
}

// Moved records a file routed by Organize.
type Moved struct {
	Role Role
	From string
	To   string
}

// Organize walks scratchDir and moves every classified CSV into its role's
// input directory. Unclassified files stay where they are.
func Organize(ctx context.Context, scratchDir string, layout Layout) ([]Moved, error) {
	for _, role := range Roles {
		if err := os.MkdirAll(layout.InputPath(role), 0o755); err != nil {
			return nil, fmt.Errorf("creating input directory: %w", err)
		}
	}

	var moved []Moved
	err := filepath.WalkDir(scratchDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		role, ok := Classify(d.Name())
		if !ok {
			return nil
		}
		dest := filepath.Join(layout.InputPath(role), d.Name())
		if err := move(path, dest); err != nil {
			return err
		}
		moved = append(moved, Moved{Role: role, From: path, To: dest})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("organizing %s: %w", scratchDir, err)
	}
	return moved, nil
}

// Inputs holds the file chosen for each role.
type Inputs map[Role]string

// Select picks one input file per role from the files Organize moved in
// this run, so leftovers from an earlier aborted run are never processed.
// When a role received several files the lexically last name wins; NPPES
// names end in the release date, so that is the newest release. A role
// without any file yields ErrMissingInput.
func Select(moved []Moved) (Inputs, error) {
	inputs := make(Inputs, len(Roles))
	for _, m := range moved {
		if cur, ok := inputs[m.Role]; !ok || filepath.Base(m.To) > filepath.Base(cur) {
			inputs[m.Role] = m.To
		}
	}
	var missing []string
	for _, role := range Roles {
		if _, ok := inputs[role]; !ok {
			missing = append(missing, string(role))
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingInput, strings.Join(missing, ", "))
	}
	return inputs, nil
}

// move renames src to dst, falling back to copy and delete across devices.
func move(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return fmt.Errorf("moving %s: %w", src, err)
	}
	return os.Remove(src)
}
