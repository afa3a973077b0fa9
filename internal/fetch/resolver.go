// Package fetch locates and downloads the NPPES dissemination archive.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrLinkNotFound is returned when the index page has no matching link.
var ErrLinkNotFound = errors.New("download link not found")

// Resolver finds the URL of the current archive.
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
}

// StaticResolver always returns a pinned URL.
type StaticResolver string

// Resolve returns the pinned URL.
func (s StaticResolver) Resolve(context.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty pinned url", ErrLinkNotFound)
	}
	return string(s), nil
}

// LinkTextResolver scans an HTML index page for the first anchor whose text
// contains a marker and returns its href resolved against the page URL.
type LinkTextResolver struct {
	IndexURL  string
	LinkText  string
	Client    *http.Client
	UserAgent string
}

// Resolve fetches the index page and picks the link.
func (r *LinkTextResolver) Resolve(ctx context.Context) (string, error) {
	base, err := url.Parse(r.IndexURL)
	if err != nil {
		return "", fmt.Errorf("parsing index url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.IndexURL, nil)
	if err != nil {
		return "", fmt.Errorf("building index request: %w", err)
	}
	if r.UserAgent != "" {
		req.Header.Set("User-Agent", r.UserAgent)
	}

	resp, err := r.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching index page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching index page: unexpected status %s", resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("parsing index page: %w", err)
	}

	var href string
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		if !strings.Contains(a.Text(), r.LinkText) {
			return true
		}
		href, _ = a.Attr("href")
		return false
	})
	if strings.TrimSpace(href) == "" {
		return "", fmt.Errorf("%w: no anchor containing %q on %s", ErrLinkNotFound, r.LinkText, r.IndexURL)
	}

	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("parsing link %q: %w", href, err)
	}
	return base.ResolveReference(ref).String(), nil
}

func (r *LinkTextResolver) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return http.DefaultClient
}
