package dashboard

import (
	"net/url"
	"slices"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/pharmadir/internal/nppes"
)

// Query selects directory rows. An empty taxonomy or state selection does
// not filter on that dimension. Search applies only when it is not blank.
type Query struct {
	Taxonomy []string `json:"taxonomy"`
	States   []string `json:"states"`
	Search   string   `json:"q"`
}

// ParseQuery reads a Query from URL parameters. Multi-valued parameters may
// be repeated or comma separated.
func ParseQuery(v url.Values) Query {
	return Query{
		Taxonomy: splitValues(v["taxonomy"]),
		States:   splitValues(v["state"]),
		Search:   v.Get("q"),
	}
}

func splitValues(raw []string) []string {
	var out []string
	for _, r := range raw {
		for _, part := range strings.Split(r, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Match reports whether row passes every active filter.
func (q Query) Match(row nppes.DirectoryRow) bool {
	if len(q.Taxonomy) > 0 && !slices.Contains(q.Taxonomy, row.TaxonomyCode) {
		return false
	}
	if len(q.States) > 0 && !slices.Contains(q.States, row.State) {
		return false
	}
	if strings.TrimSpace(q.Search) != "" {
		term := strings.ToLower(q.Search)
		if !strings.Contains(strings.ToLower(row.LegalName), term) &&
			!strings.Contains(strings.ToLower(row.AlternateName), term) {
			return false
		}
	}
	return true
}

// Apply returns the rows matching q, in input order.
func (q Query) Apply(rows []nppes.DirectoryRow) []nppes.DirectoryRow {
	out := make([]nppes.DirectoryRow, 0, len(rows))
	for _, r := range rows {
		if q.Match(r) {
			out = append(out, r)
		}
	}
	return out
}

// Options are the selectable filter values present in a snapshot.
type Options struct {
	Taxonomy []string `json:"taxonomy"`
	States   []string `json:"states"`
}

// OptionsFor returns the sorted distinct taxonomy codes and states in rows.
func OptionsFor(rows []nppes.DirectoryRow) Options {
	tax := make(map[string]struct{})
	states := make(map[string]struct{})
	for _, r := range rows {
		tax[r.TaxonomyCode] = struct{}{}
		states[r.State] = struct{}{}
	}
	return Options{Taxonomy: sortedKeys(tax), States: sortedKeys(states)}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
