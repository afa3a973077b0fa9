package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pharmadir/internal/archive"
	"github.com/fyrsmithlabs/pharmadir/internal/directory"
	"github.com/fyrsmithlabs/pharmadir/internal/fetch"
	"github.com/fyrsmithlabs/pharmadir/internal/filter"
	"github.com/fyrsmithlabs/pharmadir/internal/logging"
	"github.com/fyrsmithlabs/pharmadir/internal/merge"
	"github.com/fyrsmithlabs/pharmadir/internal/metrics"
	"github.com/fyrsmithlabs/pharmadir/internal/taxonomy"
)

// Mirror copies archived files somewhere else after archiving.
type Mirror interface {
	Mirror(ctx context.Context, files []archive.Moved) ([]string, error)
}

// Deps wires the stage handlers to their collaborators and paths.
type Deps struct {
	Resolver   fetch.Resolver
	Downloader *fetch.Downloader

	// PollInterval and StablePolls drive the download completion check.
	PollInterval time.Duration
	StablePolls  int

	// DownloadPath is where the archive is saved. ScratchDir receives its
	// extracted contents. Both are removed after every run.
	DownloadPath string
	ScratchDir   string

	Layout archive.Layout

	TaxonomyFile   string
	TaxonomyColumn string
	BatchSize      int

	OutputDir    string
	OutputPrefix string

	// Mirror is optional.
	Mirror Mirror

	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

func (d Deps) logger() *logging.Logger {
	if d.Logger == nil {
		return logging.NewNop()
	}
	return d.Logger
}

// stageFunc adapts a function to StageHandler.
type stageFunc struct {
	stage Stage
	fn    func(ctx context.Context, state *RunState) (*StageResult, error)
}

func (s stageFunc) Stage() Stage { return s.stage }

func (s stageFunc) Execute(ctx context.Context, state *RunState) (*StageResult, error) {
	return s.fn(ctx, state)
}

// NewStages returns a handler for every stage in AllStages order.
func NewStages(deps Deps) []StageHandler {
	return []StageHandler{
		stageFunc{StageFetching, deps.fetching},
		stageFunc{StageExtracting, deps.extracting},
		stageFunc{StageOrganizing, deps.organizing},
		stageFunc{StageFiltering, deps.filtering},
		stageFunc{StageMerging, deps.merging},
		stageFunc{StageWriting, deps.writing},
		stageFunc{StageArchiving, deps.archiving},
	}
}

// NewCleanup returns the hook that removes the downloaded archive and the
// scratch directory.
func NewCleanup(deps Deps) CleanupFunc {
	return func(ctx context.Context, state *RunState) error {
		return archive.Cleanup(deps.DownloadPath, deps.ScratchDir)
	}
}

// New builds an executor with every stage and the cleanup hook registered.
func New(deps Deps) *Executor {
	e := NewExecutor(deps.Logger, deps.Metrics)
	for _, h := range NewStages(deps) {
		e.RegisterHandler(h)
	}
	e.RegisterCleanup(NewCleanup(deps))
	return e
}

func (d Deps) fetching(ctx context.Context, state *RunState) (*StageResult, error) {
	if d.Resolver == nil || d.Downloader == nil {
		return nil, fmt.Errorf("fetching: resolver and downloader are required")
	}
	url, err := d.Resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	state.DownloadURL = url
	d.logger().Info(ctx, "downloading dataset archive", zap.String("url", url))

	dl, err := d.Downloader.Download(ctx, url, d.DownloadPath)
	if err != nil {
		return nil, err
	}
	interval := d.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if err := fetch.WaitStable(ctx, dl.Path, dl.ContentLength, interval, d.StablePolls); err != nil {
		return nil, err
	}
	state.ArchivePath = dl.Path
	state.ArchiveBytes = dl.Bytes

	return &StageResult{
		Message:   fmt.Sprintf("downloaded %d bytes", dl.Bytes),
		Artifacts: []string{dl.Path},
	}, nil
}

func (d Deps) extracting(ctx context.Context, state *RunState) (*StageResult, error) {
	src := state.ArchivePath
	if src == "" {
		src = d.DownloadPath
	}
	files, err := archive.Extract(ctx, src, d.ScratchDir)
	if err != nil {
		return nil, err
	}
	state.ScratchDir = d.ScratchDir
	state.Extracted = files
	return &StageResult{Message: fmt.Sprintf("extracted %d files", len(files))}, nil
}

func (d Deps) organizing(ctx context.Context, state *RunState) (*StageResult, error) {
	moved, err := archive.Organize(ctx, d.ScratchDir, d.Layout)
	if err != nil {
		return nil, err
	}
	state.Organized = moved

	inputs, err := archive.Select(moved)
	if err != nil {
		return nil, err
	}
	state.Inputs = inputs
	d.logger().Info(ctx, "input files selected",
		zap.String("primary", inputs[archive.RolePrimary]),
		zap.String("alternate", inputs[archive.RoleAlternate]))

	return &StageResult{
		Message:   fmt.Sprintf("organized %d files", len(moved)),
		Artifacts: []string{inputs[archive.RolePrimary], inputs[archive.RoleAlternate]},
	}, nil
}

func (d Deps) filtering(ctx context.Context, state *RunState) (*StageResult, error) {
	whitelist, err := taxonomy.Load(d.TaxonomyFile, d.TaxonomyColumn)
	if err != nil {
		return nil, err
	}
	d.logger().Debug(ctx, "taxonomy whitelist loaded", zap.Int("codes", whitelist.Len()))

	f, err := os.Open(state.Inputs[archive.RolePrimary])
	if err != nil {
		return nil, fmt.Errorf("opening primary dataset: %w", err)
	}
	defer f.Close()

	reader, err := filter.NewBatchReader(f, d.BatchSize)
	if err != nil {
		return nil, err
	}
	res, err := filter.Run(ctx, reader, filter.New(whitelist), func(index int, stats filter.BatchStats) {
		d.logger().Debug(ctx, "batch filtered",
			zap.Int("batch", index),
			zap.Int("input", stats.Input),
			zap.Int("kept", stats.Kept),
			zap.Any("removed", stats.Removed()))
	})
	if err != nil {
		return nil, err
	}

	state.Records = res.Records
	state.Totals = res.Totals
	state.Batches = res.Batches
	if d.Metrics != nil {
		for predicate, n := range res.Totals.Removed() {
			d.Metrics.RowsRemoved.WithLabelValues(predicate).Add(float64(n))
		}
		d.Metrics.RowsKept.Add(float64(res.Totals.Kept))
	}

	msg := fmt.Sprintf("kept %d of %d records in %d batches", res.Totals.Kept, res.Totals.Input, res.Batches)
	if len(res.Records) == 0 {
		return &StageResult{Message: msg}, ErrNoMatches
	}
	return &StageResult{Message: msg}, nil
}

func (d Deps) merging(ctx context.Context, state *RunState) (*StageResult, error) {
	f, err := os.Open(state.Inputs[archive.RoleAlternate])
	if err != nil {
		return nil, fmt.Errorf("opening alternate names: %w", err)
	}
	defer f.Close()

	names, err := merge.LoadAlternateNames(f)
	if err != nil {
		return nil, err
	}
	if dup := names.Duplicates(); dup > 0 {
		d.logger().Debug(ctx, "duplicate alternate names ignored", zap.Int("duplicates", dup))
	}

	state.Rows = merge.Merge(state.Records, names)
	state.RowCount = len(state.Rows)
	state.Records = nil

	return &StageResult{Message: fmt.Sprintf("merged %d rows with %d alternate names", state.RowCount, names.Len())}, nil
}

func (d Deps) writing(ctx context.Context, state *RunState) (*StageResult, error) {
	path := filepath.Join(d.OutputDir, directory.FileName(d.OutputPrefix, state.Date))
	if err := directory.Write(path, state.Rows); err != nil {
		return nil, err
	}
	state.OutputPath = path
	if d.Metrics != nil {
		d.Metrics.RowsWritten.Set(float64(state.RowCount))
	}
	d.logger().Info(ctx, "directory snapshot written", zap.String("path", path), zap.Int("rows", state.RowCount))

	return &StageResult{
		Message:   fmt.Sprintf("wrote %d rows", state.RowCount),
		Artifacts: []string{path},
	}, nil
}

func (d Deps) archiving(ctx context.Context, state *RunState) (*StageResult, error) {
	moved, err := archive.Archive(ctx, d.Layout, state.Date)
	state.Archived = moved
	if err != nil {
		return nil, err
	}

	artifacts := make([]string, 0, len(moved))
	for _, m := range moved {
		artifacts = append(artifacts, m.To)
	}

	if d.Mirror != nil {
		keys, err := d.Mirror.Mirror(ctx, moved)
		state.Mirrored = keys
		if err != nil {
			return nil, fmt.Errorf("mirroring archive: %w", err)
		}
		d.logger().Info(ctx, "archive mirrored", zap.Int("objects", len(keys)))
	}

	return &StageResult{
		Message:   fmt.Sprintf("archived %d files", len(moved)),
		Artifacts: artifacts,
	}, nil
}
