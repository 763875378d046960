// Package store keeps a run log of harvest and enrichment runs in SQLite or
// Postgres. The CSV checkpoint stays the source of truth for records; the run
// log only answers "what happened and when".
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
)

// Phase names the engine a run belongs to.
type Phase string

const (
	PhaseTraverse Phase = "traverse"
	PhaseEnrich   Phase = "enrich"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Outcome of one traversal step.
type Outcome string

const (
	OutcomeDone      Outcome = "done"
	OutcomeNoResults Outcome = "no_results"
	OutcomeSkipped   Outcome = "skipped"
)

// RunStats are the totals recorded when a run completes.
type RunStats struct {
	Records    int      `json:"records"`
	Enriched   int      `json:"enriched,omitempty"`
	Failed     int      `json:"failed,omitempty"`
	Skipped    int      `json:"skipped,omitempty"`
	Workers    int      `json:"workers,omitempty"`
	NewColumns []string `json:"new_columns,omitempty"`
}

// Run is one invocation of an engine against a checkpoint.
type Run struct {
	ID         string    `json:"id"`
	Phase      Phase     `json:"phase"`
	Checkpoint string    `json:"checkpoint"`
	Status     RunStatus `json:"status"`
	Stats      *RunStats `json:"stats,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Step is one processed dimension value of a traversal run.
type Step struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Primary   string    `json:"primary"`
	Dimension string    `json:"dimension"`
	Value     string    `json:"value"`
	Outcome   Outcome   `json:"outcome"`
	Records   int       `json:"records"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Phase  Phase     `json:"phase,omitempty"`
	Status RunStatus `json:"status,omitempty"`
	Limit  int       `json:"limit,omitempty"`
	Offset int       `json:"offset,omitempty"`
}

// RunLog defines the persistence interface for run history.
type RunLog interface {
	StartRun(ctx context.Context, phase Phase, checkpoint string) (*Run, error)
	RecordStep(ctx context.Context, step Step) error
	CompleteRun(ctx context.Context, runID string, stats RunStats) error
	FailRun(ctx context.Context, runID string, msg string) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)
	ListSteps(ctx context.Context, runID string) ([]Step, error)

	Migrate(ctx context.Context) error
	Close() error
}

// Open connects to the run log named by driver ("sqlite" or "postgres") and
// migrates it.
func Open(ctx context.Context, driver, dsn string) (RunLog, error) {
	var (
		rl  RunLog
		err error
	)
	switch driver {
	case "sqlite", "":
		if dsn == "" {
			dsn = "harvester.db"
		}
		rl, err = NewSQLite(dsn)
	case "postgres":
		rl, err = NewPostgres(ctx, dsn, nil)
	default:
		return nil, eris.Errorf("store: unsupported driver: %s", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := rl.Migrate(ctx); err != nil {
		rl.Close() //nolint:errcheck
		return nil, err
	}
	return rl, nil
}

func normalizeLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}
