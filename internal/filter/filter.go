// Package filter reduces the primary dataset to active pharmacy
// organizations.
//
// Records pass through three predicates in a fixed order: entity type,
// deactivation, then taxonomy whitelist. A record removed by one predicate is
// never counted against a later one, so per-batch counts always add up to
// the batch size.
package filter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fyrsmithlabs/pharmadir/internal/nppes"
	"github.com/fyrsmithlabs/pharmadir/internal/taxonomy"
)

// Predicate names used in stats and metrics labels.
const (
	PredicateEntity      = "entity_type"
	PredicateDeactivated = "deactivated"
	PredicateTaxonomy    = "taxonomy"
)

// BatchStats counts how a batch moved through the predicates.
type BatchStats struct {
	Input              int `json:"input"`
	RemovedEntity      int `json:"removed_entity"`
	RemovedDeactivated int `json:"removed_deactivated"`
	RemovedTaxonomy    int `json:"removed_taxonomy"`
	Kept               int `json:"kept"`
}

// Add accumulates other into s.
func (s *BatchStats) Add(other BatchStats) {
	s.Input += other.Input
	s.RemovedEntity += other.RemovedEntity
	s.RemovedDeactivated += other.RemovedDeactivated
	s.RemovedTaxonomy += other.RemovedTaxonomy
	s.Kept += other.Kept
}

// Removed returns the per-predicate removal counts keyed by predicate name.
func (s BatchStats) Removed() map[string]int {
	return map[string]int{
		PredicateEntity:      s.RemovedEntity,
		PredicateDeactivated: s.RemovedDeactivated,
		PredicateTaxonomy:    s.RemovedTaxonomy,
	}
}

// Filter applies the pharmacy predicates to batches.
type Filter struct {
	whitelist  taxonomy.Set
	entityType string
}

// New returns a Filter keeping organizations whose primary taxonomy code is
// in whitelist.
func New(whitelist taxonomy.Set) *Filter {
	return &Filter{whitelist: whitelist, entityType: nppes.EntityTypeOrganization}
}

// Keep reports whether a single record survives, and if not, which predicate
// removed it.
func (f *Filter) Keep(rec nppes.ProviderRecord) (bool, string) {
	if rec.EntityTypeCode != f.entityType {
		return false, PredicateEntity
	}
	if strings.TrimSpace(rec.DeactivationDate) != "" {
		return false, PredicateDeactivated
	}
	if !f.whitelist.Contains(strings.TrimSpace(rec.TaxonomyCode)) {
		return false, PredicateTaxonomy
	}
	return true, ""
}

// Apply returns the records in batch that pass every predicate, in input
// order.
func (f *Filter) Apply(batch nppes.Batch) ([]nppes.ProviderRecord, BatchStats) {
	stats := BatchStats{Input: len(batch)}
	var kept []nppes.ProviderRecord
	for _, rec := range batch {
		ok, removedBy := f.Keep(rec)
		switch removedBy {
		case PredicateEntity:
			stats.RemovedEntity++
		case PredicateDeactivated:
			stats.RemovedDeactivated++
		case PredicateTaxonomy:
			stats.RemovedTaxonomy++
		}
		if ok {
			kept = append(kept, rec)
		}
	}
	stats.Kept = len(kept)
	return kept, stats
}

// Source yields batches until io.EOF.
type Source interface {
	Next() (nppes.Batch, error)
}

// BatchFunc observes the stats of each non-empty batch. index is zero based.
type BatchFunc func(index int, stats BatchStats)

// Result is the outcome of filtering a whole source.
type Result struct {
	Records []nppes.ProviderRecord
	Totals  BatchStats
	Batches int
}

// Run drains src through f. Empty batches are skipped. The context is checked
// between batches. An empty result is not an error.
func Run(ctx context.Context, src Source, f *Filter, onBatch BatchFunc) (*Result, error) {
	res := &Result{}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		batch, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", res.Batches, err)
		}
		if len(batch) == 0 {
			continue
		}

		kept, stats := f.Apply(batch)
		if onBatch != nil {
			onBatch(res.Batches, stats)
		}
		res.Totals.Add(stats)
		res.Records = append(res.Records, kept...)
		res.Batches++
	}
	return res, nil
}
