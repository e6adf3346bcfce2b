// Package executor runs the action plan of a test: single actions inside
// their capture windows, the grouped-loop sequencing of one iteration and
// the outer iteration loop with its finalization.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/browserperf/pkg/capture"
	"github.com/ethpandaops/browserperf/pkg/failure"
	"github.com/ethpandaops/browserperf/pkg/runctx"
	"github.com/ethpandaops/browserperf/pkg/stats"
	"github.com/ethpandaops/browserperf/pkg/timing"
	"github.com/ethpandaops/browserperf/pkg/tracing"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// PostProcessor receives the run directory once every artifact is on disk.
type PostProcessor interface {
	Process(ctx context.Context, dir string) error
}

// Reporter renders the run reports from the aggregated statistics.
type Reporter interface {
	Generate(ctx context.Context, run *runctx.RunContext, stats []stats.ActionStat) error
}

// IterationController repeats the sequencer over the configured number of
// iterations and finalizes the run once after the last one.
type IterationController interface {
	// Run executes every iteration. A failing iteration is logged and the
	// loop continues. Only cancellation of ctx is returned as an error.
	Run(ctx context.Context, run *runctx.RunContext, attempt *Attempt) (*Summary, error)
}

// Config for the iteration controller.
type Config struct {
	Iterations   int
	FlushTimeout time.Duration
}

// Summary describes a completed iteration loop.
type Summary struct {
	Iterations       int
	FailedIterations int
	ExecutedActions  int
	Duration         time.Duration
	Stats            []stats.ActionStat
	FlushErr         error
	AggregationErr   error
}

// Options carries the collaborators of the iteration controller. The
// post-processor and reporter are optional.
type Options struct {
	Sequencer     Sequencer
	Tracker       *capture.Tracker
	Aggregator    stats.Aggregator
	PostProcessor PostProcessor
	Reporter      Reporter
	Tracer        trace.Tracer
}

// NewIterationController creates an iteration controller.
func NewIterationController(log logrus.FieldLogger, cfg *Config, opts *Options) IterationController {
	return &iterationController{
		log:  log.WithField("component", "iterations"),
		cfg:  cfg,
		opts: opts,
	}
}

type iterationController struct {
	log  logrus.FieldLogger
	cfg  *Config
	opts *Options
}

// Ensure interface compliance.
var _ IterationController = (*iterationController)(nil)

// Run implements IterationController.
func (c *iterationController) Run(ctx context.Context, run *runctx.RunContext, attempt *Attempt) (*Summary, error) {
	startTime := time.Now()
	summary := &Summary{Iterations: c.cfg.Iterations}

	for i := 1; i <= c.cfg.Iterations; i++ {
		it := runctx.Iteration{Index: i, Total: c.cfg.Iterations}
		log := c.log.WithFields(logrus.Fields{
			"iteration": it.String(),
			"attempt":   attempt.Number,
		})

		log.Info("Starting iteration")

		ictx, span := tracing.StartIterationSpan(ctx, c.opts.Tracer, it.Index, it.Total)
		executed, err := c.opts.Sequencer.RunIteration(ictx, run, attempt, it)
		tracing.EndSpan(span, err)

		summary.ExecutedActions += executed

		if err != nil {
			if ctx.Err() != nil {
				summary.Duration = time.Since(startTime)

				return summary, fmt.Errorf("iteration %s interrupted: %w", it, ctx.Err())
			}

			summary.FailedIterations++

			log.WithError(err).WithFields(logrus.Fields{
				"kind":    failure.Classify(err).String(),
				"actions": executed,
			}).Error("Iteration failed")

			continue
		}

		log.WithField("actions", executed).Info("Iteration completed")
	}

	c.finalize(ctx, run, summary)

	summary.Duration = time.Since(startTime)

	return summary, nil
}

// finalize waits for the capture artifacts, aggregates the timings and
// hands the run directory to the post-processor and the reporter.
func (c *iterationController) finalize(ctx context.Context, run *runctx.RunContext, summary *Summary) {
	if c.opts.Tracker != nil {
		flushCtx := ctx

		if c.cfg.FlushTimeout > 0 {
			var cancel context.CancelFunc

			flushCtx, cancel = context.WithTimeout(ctx, c.cfg.FlushTimeout)
			defer cancel()
		}

		c.log.WithField("pending", c.opts.Tracker.Pending()).Info("Waiting for capture artifacts")

		if err := c.opts.Tracker.Wait(flushCtx); err != nil {
			summary.FlushErr = err

			c.log.WithError(err).Warn("Not every capture artifact was written")
		}
	}

	result, err := c.opts.Aggregator.AggregateFile(run.Path(timing.TimingsFile), run.Path(stats.SummaryFile))
	if err != nil {
		summary.AggregationErr = failure.Aggregation("aggregating timings", err)

		c.log.WithError(summary.AggregationErr).Error("Aggregation failed, reports will not be generated")
	} else {
		summary.Stats = result
	}

	if c.opts.PostProcessor != nil {
		if err := c.opts.PostProcessor.Process(ctx, run.OutputDir); err != nil {
			c.log.WithError(err).Error("Post-processing failed")
		}
	}

	if c.opts.Reporter == nil || summary.AggregationErr != nil {
		return
	}

	if err := c.opts.Reporter.Generate(ctx, run, summary.Stats); err != nil {
		c.log.WithError(err).Error("Report generation failed")
	}
}
