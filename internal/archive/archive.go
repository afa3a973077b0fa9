package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Archive moves every file in each role's input directory into the dated
// archive directory for that role and returns what it moved.
func Archive(ctx context.Context, layout Layout, date time.Time) ([]Moved, error) {
	var moved []Moved
	for _, role := range Roles {
		src := layout.InputPath(role)
		entries, err := os.ReadDir(src)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return moved, fmt.Errorf("listing %s: %w", src, err)
		}

		dst := layout.ArchivePath(role, date)
		if err := os.MkdirAll(dst, 0o755); err != nil {
			return moved, fmt.Errorf("creating archive directory: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if err := ctx.Err(); err != nil {
				return moved, err
			}
			from := filepath.Join(src, e.Name())
			to := filepath.Join(dst, e.Name())
			if err := move(from, to); err != nil {
				return moved, err
			}
			moved = append(moved, Moved{Role: role, From: from, To: to})
		}
	}
	return moved, nil
}

// Cleanup removes each path recursively. Missing paths are ignored and
// every path is attempted.
func Cleanup(paths ...string) error {
	var errs []error
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			errs = append(errs, fmt.Errorf("removing %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
