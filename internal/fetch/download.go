package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/pharmadir/internal/logging"
)

// ErrIncomplete is returned when a downloaded file does not reach its
// advertised size.
var ErrIncomplete = errors.New("download incomplete")

// Download describes a finished transfer.
type Download struct {
	URL  string
	Path string
	// Bytes is the number of bytes written.
	Bytes int64
	// ContentLength is the size the server advertised, or -1.
	ContentLength int64
}

// Downloader streams a URL to disk.
type Downloader struct {
	Client    *http.Client
	UserAgent string
	Logger    *logging.Logger

	// ProgressInterval throttles progress logs. Zero disables them.
	ProgressInterval time.Duration
}

// Download streams url into dest. The body is written to a temporary file
// next to dest and renamed on success, so dest is either absent or whole.
func (d *Downloader) Download(ctx context.Context, url, dest string) (*Download, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building download request: %w", err)
	}
	if d.UserAgent != "" {
		req.Header.Set("User-Agent", d.UserAgent)
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("downloading %s: unexpected status %s", url, resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("creating download directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".part-*")
	if err != nil {
		return nil, fmt.Errorf("creating download file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := io.Writer(tmp)
	if d.ProgressInterval > 0 && d.Logger != nil {
		w = &progressWriter{
			w:      tmp,
			ctx:    ctx,
			logger: d.Logger,
			total:  resp.ContentLength,
			every:  rate.Sometimes{Interval: d.ProgressInterval},
		}
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		tmp.Close()
		return nil, fmt.Errorf("writing %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("closing %s: %w", dest, err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return nil, fmt.Errorf("%w: got %d of %d bytes", ErrIncomplete, n, resp.ContentLength)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return nil, fmt.Errorf("moving download into place: %w", err)
	}

	return &Download{URL: url, Path: dest, Bytes: n, ContentLength: resp.ContentLength}, nil
}

// progressWriter logs transfer progress at most once per interval.
type progressWriter struct {
	w       io.Writer
	ctx     context.Context
	logger  *logging.Logger
	total   int64
	written int64
	every   rate.Sometimes
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	p.every.Do(func() {
		p.logger.Info(p.ctx, "download progress",
			zap.Int64("bytes", p.written),
			zap.Int64("total", p.total),
		)
	})
	return n, err
}

// WaitStable polls the size of path until it has been unchanged for polls
// consecutive checks. When expected is non-negative the stable size must
// equal it.
func WaitStable(ctx context.Context, path string, expected int64, interval time.Duration, polls int) error {
	if polls < 1 {
		polls = 1
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := int64(-1)
	stable := 0
	for {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("checking %s: %w", path, err)
		}
		size := info.Size()
		if size == last {
			stable++
		} else {
			stable = 0
			last = size
		}

		if expected >= 0 && size == expected {
			return nil
		}
		if stable >= polls {
			if expected >= 0 {
				return fmt.Errorf("%w: %s settled at %d of %d bytes", ErrIncomplete, path, size, expected)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
