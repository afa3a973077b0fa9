package filter

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"github.com/fyrsmithlabs/pharmadir/internal/nppes"
)

// DefaultBatchSize is the number of records per batch when none is configured.
const DefaultBatchSize = 500000

// BatchReader yields bounded batches of ProviderRecords from a primary
// dataset CSV. It is single-pass; reopen the source to start over.
type BatchReader struct {
	csv     *csv.Reader
	decoder *nppes.RecordDecoder
	header  nppes.Header
	size    int
	line    int
	done    bool
}

// NewBatchReader reads the header from r and validates that the filter
// columns are present. A size <= 0 selects DefaultBatchSize.
func NewBatchReader(r io.Reader, size int) (*BatchReader, error) {
	if size <= 0 {
		size = DefaultBatchSize
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	row, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: empty primary file", nppes.ErrMissingColumn)
	}
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	header := nppes.NewHeader(row)
	decoder, err := nppes.NewRecordDecoder(header)
	if err != nil {
		return nil, err
	}

	return &BatchReader{
		csv:     cr,
		decoder: decoder,
		header:  header,
		size:    size,
		line:    1,
	}, nil
}

// Header returns the cleaned header of the source.
func (b *BatchReader) Header() nppes.Header {
	return b.header
}

// Next returns the next batch of at most the configured size. It returns
// io.EOF once the source is exhausted and no records remain.
func (b *BatchReader) Next() (nppes.Batch, error) {
	if b.done {
		return nil, io.EOF
	}

	batch := make(nppes.Batch, 0, min(b.size, 4096))
	for len(batch) < b.size {
		row, err := b.csv.Read()
		if errors.Is(err, io.EOF) {
			b.done = true
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading record near line %d: %w", b.line+1, err)
		}
		b.line++
		batch = append(batch, b.decoder.Decode(row))
	}

	if len(batch) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}
