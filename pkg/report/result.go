package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethpandaops/browserperf/pkg/failure"
	"github.com/ethpandaops/browserperf/pkg/fsutil"
	"github.com/ethpandaops/browserperf/pkg/resource"
	"github.com/ethpandaops/browserperf/pkg/runctx"
	"github.com/ethpandaops/browserperf/pkg/runner"
	"github.com/ethpandaops/browserperf/pkg/stats"
)

// ResultFile is the run metadata file inside the run directory.
const ResultFile = "result.json"

// Result is the outcome of one run as written to result.json.
type Result struct {
	SuiteName        string             `json:"suite_name"`
	SuiteID          string             `json:"suite_id"`
	TestID           string             `json:"test_id"`
	Status           string             `json:"status,omitempty"`
	Attempts         int                `json:"attempts,omitempty"`
	StartedAt        time.Time          `json:"started_at"`
	FinishedAt       time.Time          `json:"finished_at,omitempty"`
	DurationMs       int64              `json:"duration_ms,omitempty"`
	Iterations       int                `json:"iterations,omitempty"`
	FailedIterations int                `json:"failed_iterations,omitempty"`
	ExecutedActions  int                `json:"executed_actions,omitempty"`
	Scores           *Scores            `json:"scores,omitempty"`
	Error            string             `json:"error,omitempty"`
	ErrorKind        string             `json:"error_kind,omitempty"`
	Host             *resource.Host     `json:"host,omitempty"`
	Stats            []stats.ActionStat `json:"stats,omitempty"`
}

// Scores are the browser benchmark results of the successful attempt.
type Scores struct {
	Speedometer *float64 `json:"speedometer,omitempty"`
	Octane      *float64 `json:"octane,omitempty"`
}

// NewResult builds the result of a run from its outcome. The outcome may be
// nil while the run is still in progress.
func NewResult(run *runctx.RunContext, outcome *runner.Outcome, host *resource.Host) *Result {
	r := &Result{
		SuiteName: run.SuiteName,
		SuiteID:   run.SuiteID,
		TestID:    run.TestID,
		StartedAt: run.StartedAt,
		Host:      host,
	}

	if outcome == nil {
		return r
	}

	r.Status = outcome.State.String()
	r.Attempts = outcome.Attempts
	r.FinishedAt = outcome.FinishedAt

	if !outcome.FinishedAt.IsZero() {
		r.DurationMs = outcome.FinishedAt.Sub(run.StartedAt).Milliseconds()
	}

	if outcome.Scores.Speedometer != nil || outcome.Scores.Octane != nil {
		r.Scores = &Scores{
			Speedometer: outcome.Scores.Speedometer,
			Octane:      outcome.Scores.Octane,
		}
	}

	if outcome.Err != nil {
		r.Error = outcome.Err.Error()
		r.ErrorKind = failure.Classify(outcome.Err).String()
	}

	if s := outcome.Summary; s != nil {
		r.Iterations = s.Iterations
		r.FailedIterations = s.FailedIterations
		r.ExecutedActions = s.ExecutedActions
		r.Stats = s.Stats
	}

	return r
}

// WriteResult writes result.json into dir.
func WriteResult(dir string, result *Result, owner *fsutil.OwnerConfig) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}

	if err := fsutil.WriteFile(filepath.Join(dir, ResultFile), data, 0o644, owner); err != nil {
		return fmt.Errorf("writing result file: %w", err)
	}

	return nil
}

// ReadResult reads result.json from dir.
func ReadResult(dir string) (*Result, error) {
	data, err := os.ReadFile(filepath.Join(dir, ResultFile))
	if err != nil {
		return nil, fmt.Errorf("reading result file: %w", err)
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("parsing result file: %w", err)
	}

	return &result, nil
}
