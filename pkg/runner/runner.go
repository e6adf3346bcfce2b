// Package runner owns the browser session of a test and retries the whole
// session when it fails with a recoverable error.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/browserperf/pkg/browser"
	"github.com/ethpandaops/browserperf/pkg/executor"
	"github.com/ethpandaops/browserperf/pkg/failure"
	"github.com/ethpandaops/browserperf/pkg/resource"
	"github.com/ethpandaops/browserperf/pkg/runctx"
	"github.com/ethpandaops/browserperf/pkg/timing"
	"github.com/ethpandaops/browserperf/pkg/tracing"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// State is the position of a run in the retry state machine.
type State int

const (
	// StateRunning is an attempt in progress.
	StateRunning State = iota
	// StateSucceeded is a run whose attempt completed its iterations.
	StateSucceeded
	// StateRetrying is a run whose last attempt failed with a transient error.
	StateRetrying
	// StateExhausted is a run that failed every allowed attempt.
	StateExhausted
	// StateFailed is a run aborted by a non-recoverable error.
	StateFailed
)

// String returns the state name used in logs and result files.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateRetrying:
		return "retrying"
	case StateExhausted:
		return "exhausted"
	case StateFailed:
		return "failed"
	}

	return fmt.Sprintf("state(%d)", int(s))
}

// Outcome is the final result of a run.
type Outcome struct {
	State      State
	Attempts   int
	Summary    *executor.Summary
	Scores     timing.Scores
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Runner drives a test through bounded session attempts.
type Runner interface {
	// Run executes the test. Retry exhaustion is recorded on the outcome and
	// is not returned as an error. Non-recoverable errors and cancellation
	// are returned.
	Run(ctx context.Context, run *runctx.RunContext) (*Outcome, error)
}

// Config for the runner.
type Config struct {
	// MaxRetries is the total number of session attempts. Configuration
	// rejects values below one; the runner still makes a single attempt.
	MaxRetries int
	// ScoreFlag runs the browser benchmarks before the first iteration.
	ScoreFlag bool
}

// NewRunner creates a runner. The prober may be nil when ScoreFlag is off.
func NewRunner(
	log logrus.FieldLogger,
	cfg *Config,
	driver browser.Driver,
	iterations executor.IterationController,
	prober Prober,
	tracer trace.Tracer,
) Runner {
	return &runner{
		log:        log.WithField("component", "runner"),
		cfg:        cfg,
		driver:     driver,
		iterations: iterations,
		prober:     prober,
		tracer:     tracer,
		newReader:  resource.NewProcessReader,
	}
}

type runner struct {
	log        logrus.FieldLogger
	cfg        *Config
	driver     browser.Driver
	iterations executor.IterationController
	prober     Prober
	tracer     trace.Tracer
	newReader  func(log logrus.FieldLogger, pid int) resource.Reader
}

// Ensure interface compliance.
var _ Runner = (*runner)(nil)

// Run implements Runner.
func (r *runner) Run(ctx context.Context, run *runctx.RunContext) (*Outcome, error) {
	outcome := &Outcome{
		State:     StateRunning,
		StartedAt: time.Now(),
	}

	maxAttempts := max(r.cfg.MaxRetries, 1)

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		outcome.Attempts = attempt
		outcome.State = StateRunning

		log := r.log.WithFields(logrus.Fields{
			"attempt":      attempt,
			"max_attempts": maxAttempts,
			"test_id":      run.TestID,
		})

		log.Info("Starting session attempt")

		err := r.attempt(ctx, run, attempt, outcome)
		if err == nil {
			outcome.State = StateSucceeded
			outcome.FinishedAt = time.Now()

			log.WithField("duration", outcome.FinishedAt.Sub(outcome.StartedAt)).Info("Run completed")

			return outcome, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			outcome.State = StateFailed
			outcome.Err = err
			outcome.FinishedAt = time.Now()

			return outcome, fmt.Errorf("run interrupted: %w", ctxErr)
		}

		kind := failure.Classify(err)

		if !kind.Transient() {
			outcome.State = StateFailed
			outcome.Err = err
			outcome.FinishedAt = time.Now()

			log.WithError(err).WithField("kind", kind.String()).Error("Unrecoverable error, aborting run")

			return outcome, fmt.Errorf("attempt %d: %w", attempt, err)
		}

		lastErr = err
		outcome.State = StateRetrying

		log.WithError(err).WithField("kind", kind.String()).Warn("Attempt failed with a recoverable error")
	}

	outcome.State = StateExhausted
	outcome.Err = &failure.RetryExhaustedError{Attempts: maxAttempts, Last: lastErr}
	outcome.FinishedAt = time.Now()

	r.log.WithError(lastErr).Errorf("All %d retries failed", maxAttempts)

	return outcome, nil
}

// attempt runs one full session: launch, optional benchmarks and every
// iteration. The session is closed before returning.
func (r *runner) attempt(ctx context.Context, run *runctx.RunContext, number int, outcome *Outcome) (err error) {
	ctx, span := tracing.StartRunSpan(ctx, r.tracer, run.SuiteID, run.TestID, number)
	defer func() {
		if err != nil {
			tracing.EndSpan(span, err, tracing.AttrErrorKind.String(failure.Classify(err).String()))

			return
		}

		tracing.EndSpan(span, nil)
	}()

	session, err := r.driver.Launch(ctx)
	if err != nil {
		return failure.FromDriver("launching browser", err)
	}

	defer func() {
		if cerr := session.Close(); cerr != nil {
			r.log.WithError(cerr).Warn("Failed to close browser session")
		}
	}()

	page, err := session.NewPage(ctx)
	if err != nil {
		return failure.FromDriver("opening page", err)
	}

	attempt := &executor.Attempt{
		Number: number,
		Page:   page,
	}

	// Remote browsers report no pid and are not metered.
	if pid := session.PID(); pid > 0 {
		attempt.Resources = r.newReader(r.log, pid)
	}

	if r.cfg.ScoreFlag && r.prober != nil {
		scores, err := r.prober.Scores(ctx, page)
		if err != nil {
			return err
		}

		attempt.Scores = scores
		outcome.Scores = scores
	}

	summary, err := r.iterations.Run(ctx, run, attempt)
	outcome.Summary = summary

	return err
}
