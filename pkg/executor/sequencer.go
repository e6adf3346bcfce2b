package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/browserperf/pkg/actions"
	"github.com/ethpandaops/browserperf/pkg/failure"
	"github.com/ethpandaops/browserperf/pkg/runctx"
	"github.com/ethpandaops/browserperf/pkg/timing"
	"github.com/ethpandaops/browserperf/pkg/tracing"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// Sequencer executes one iteration of an action plan.
type Sequencer interface {
	// RunIteration executes the plan in order and persists a record for every
	// executed action. It returns the number of executed actions. The first
	// failing action aborts the iteration.
	RunIteration(ctx context.Context, run *runctx.RunContext, attempt *Attempt, it runctx.Iteration) (int, error)
}

// NewSequencer creates a sequencer. A nil prober always logs in.
func NewSequencer(
	log logrus.FieldLogger,
	plan *actions.Plan,
	exec ActionExecutor,
	prober LoginProber,
	sink timing.Sink,
	tracer trace.Tracer,
) Sequencer {
	return &sequencer{
		log:    log.WithField("component", "sequencer"),
		plan:   plan,
		exec:   exec,
		prober: prober,
		sink:   sink,
		tracer: tracer,
	}
}

type sequencer struct {
	log    logrus.FieldLogger
	plan   *actions.Plan
	exec   ActionExecutor
	prober LoginProber
	sink   timing.Sink
	tracer trace.Tracer
}

// Ensure interface compliance.
var _ Sequencer = (*sequencer)(nil)

// RunIteration implements Sequencer.
func (s *sequencer) RunIteration(
	ctx context.Context,
	run *runctx.RunContext,
	attempt *Attempt,
	it runctx.Iteration,
) (int, error) {
	executed := 0

	for _, step := range s.plan.Steps {
		if step.Group == nil {
			ok, err := s.execute(ctx, run, attempt, step.Action, Occurrence{Iteration: it, Cycle: 1})
			if err != nil {
				return executed, err
			}

			if ok {
				executed++
			}

			continue
		}

		group := step.Group

		for cycle := 1; cycle <= group.Cycles; cycle++ {
			s.log.WithFields(logrus.Fields{
				"loop_id":   group.ID,
				"cycle":     cycle,
				"cycles":    group.Cycles,
				"iteration": it.Index,
			}).Debug("Starting loop cycle")

			for _, member := range group.Members {
				occ := Occurrence{Iteration: it, Cycle: cycle, Grouped: true}

				ok, err := s.execute(ctx, run, attempt, member, occ)
				if err != nil {
					return executed, err
				}

				if ok {
					executed++
				}

				if !member.GroupWithNextAction {
					break
				}
			}
		}
	}

	return executed, nil
}

// execute runs a single action occurrence and persists its record. It
// reports false when the action was skipped.
func (s *sequencer) execute(
	ctx context.Context,
	run *runctx.RunContext,
	attempt *Attempt,
	action *actions.Spec,
	occ Occurrence,
) (bool, error) {
	log := s.log.WithFields(logrus.Fields{
		"action":    action.Name,
		"iteration": occ.Iteration.Index,
	})

	if err := ctx.Err(); err != nil {
		return false, err
	}

	switch action.Type {
	case actions.TypeLogout:
		if !action.LogoutEachLoop && !occ.Iteration.IsLast() {
			log.Debug("Skipping logout before the last iteration")

			return false, nil
		}
	case actions.TypeLogin:
		if s.prober != nil {
			loggedIn, err := s.prober.LoggedIn(ctx, attempt.Page, occ.Iteration)
			if err != nil {
				return false, err
			}

			if loggedIn {
				log.Info("Already logged in, skipping login")

				return false, nil
			}
		}
	}

	ctx, span := tracing.StartActionSpan(ctx, s.tracer, action.Name, string(action.Type), action.LoopID, occ.Cycle)

	sample, err := s.exec.Execute(ctx, run, attempt, action, occ)
	if err != nil {
		tracing.EndSpan(span, err, tracing.AttrErrorKind.String(failure.Classify(err).String()))

		log.WithError(err).Error("Action failed")

		return false, err
	}

	tracing.EndSpan(span, nil)

	rec := &timing.Record{
		SuiteID:    run.SuiteID,
		TestID:     run.TestID,
		Scores:     attempt.Scores,
		Iteration:  occ.Iteration.Index,
		ActionName: action.Name,
		ActionType: string(action.Type),
		URL:        action.URL,
		Sample:     sample,
		Timestamp:  time.Now(),
	}

	if err := s.sink.Write(rec); err != nil {
		return false, fmt.Errorf("persisting timing of %q: %w", action.Name, err)
	}

	log.WithFields(logrus.Fields{
		"duration": sample.Duration,
		"cycle":    occ.Cycle,
	}).Info("Action recorded")

	return true, nil
}
