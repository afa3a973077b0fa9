// Package pipeline runs the directory refresh as a strictly sequential state
// machine: fetch the dissemination archive, extract it, organize its files,
// filter the primary dataset, merge alternate names, write the dated
// snapshot and archive the consumed inputs.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/pharmadir/internal/archive"
	"github.com/fyrsmithlabs/pharmadir/internal/filter"
	"github.com/fyrsmithlabs/pharmadir/internal/nppes"
)

// ErrNoMatches stops a run when filtering leaves no records. The executor
// treats it as a non-fatal abort.
var ErrNoMatches = errors.New("no records matched the filter")

// Stage is one step of a run.
type Stage string

const (
	StageFetching   Stage = "fetching"
	StageExtracting Stage = "extracting"
	StageOrganizing Stage = "organizing"
	StageFiltering  Stage = "filtering"
	StageMerging    Stage = "merging"
	StageWriting    Stage = "writing"
	StageArchiving  Stage = "archiving"
)

// AllStages returns all stages in execution order.
func AllStages() []Stage {
	return []Stage{
		StageFetching,
		StageExtracting,
		StageOrganizing,
		StageFiltering,
		StageMerging,
		StageWriting,
		StageArchiving,
	}
}

// Status is the state of a stage or of the whole run.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"

	// Terminal run states.
	StatusDone    Status = "done"
	StatusAborted Status = "aborted"
)

// Abort reasons recorded on RunState.Reason.
const (
	ReasonNoMatches = "no_matches"
	ReasonFailed    = "failed"
	ReasonCanceled  = "canceled"
)

// StageResult captures the outcome of one stage.
type StageResult struct {
	Stage       Stage     `json:"stage"`
	Status      Status    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Message     string    `json:"message,omitempty"`
	Error       string    `json:"error,omitempty"`
	Artifacts   []string  `json:"artifacts,omitempty"`
}

// Duration is the stage's wall time.
func (r *StageResult) Duration() time.Duration {
	if r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// RunConfig configures one run.
type RunConfig struct {
	// RunID identifies the run in logs. Generated when empty.
	RunID string `json:"run_id"`

	// Date names the output snapshot and the archive subdirectories.
	// Defaults to today.
	Date time.Time `json:"date"`
}

// RunState is everything a run has learned so far. Each stage reads what
// earlier stages recorded and adds its own findings.
type RunState struct {
	RunID       string                 `json:"run_id"`
	Date        time.Time              `json:"date"`
	Stage       Stage                  `json:"current_stage"`
	Status      Status                 `json:"status"`
	Reason      string                 `json:"reason,omitempty"`
	Results     map[Stage]*StageResult `json:"results"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at,omitempty"`

	// Fetching
	DownloadURL  string `json:"download_url,omitempty"`
	ArchivePath  string `json:"archive_path,omitempty"`
	ArchiveBytes int64  `json:"archive_bytes,omitempty"`

	// Extracting and organizing
	ScratchDir string          `json:"scratch_dir,omitempty"`
	Extracted  []string        `json:"extracted,omitempty"`
	Organized  []archive.Moved `json:"organized,omitempty"`
	Inputs     archive.Inputs  `json:"inputs,omitempty"`

	// Filtering
	Records []nppes.ProviderRecord `json:"-"`
	Totals  filter.BatchStats      `json:"totals"`
	Batches int                    `json:"batches"`

	// Merging and writing
	Rows       []nppes.DirectoryRow `json:"-"`
	RowCount   int                  `json:"row_count"`
	OutputPath string               `json:"output_path,omitempty"`

	// Archiving
	Archived []archive.Moved `json:"archived,omitempty"`
	Mirrored []string        `json:"mirrored,omitempty"`
}

// NewRunState creates the state for a run with cfg.
func NewRunState(cfg RunConfig) *RunState {
	id := cfg.RunID
	if id == "" {
		id = uuid.NewString()
	}
	date := cfg.Date
	if date.IsZero() {
		date = time.Now()
	}
	return &RunState{
		RunID:     id,
		Date:      date,
		Status:    StatusPending,
		Results:   make(map[Stage]*StageResult),
		StartedAt: time.Now(),
	}
}

// Done reports whether the run finished every stage.
func (s *RunState) Done() bool {
	return s.Status == StatusDone
}

// StageHandler executes the work for one stage.
type StageHandler interface {
	// Stage returns the stage this handler manages.
	Stage() Stage

	// Execute runs the stage, recording findings on state.
	Execute(ctx context.Context, state *RunState) (*StageResult, error)
}

// CleanupFunc runs after every run, whatever its outcome.
type CleanupFunc func(ctx context.Context, state *RunState) error
