package executor

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ethpandaops/browserperf/pkg/actions"
	"github.com/ethpandaops/browserperf/pkg/audit"
	"github.com/ethpandaops/browserperf/pkg/browser"
	"github.com/ethpandaops/browserperf/pkg/capture"
	"github.com/ethpandaops/browserperf/pkg/failure"
	"github.com/ethpandaops/browserperf/pkg/fsutil"
	"github.com/ethpandaops/browserperf/pkg/resource"
	"github.com/ethpandaops/browserperf/pkg/runctx"
	"github.com/ethpandaops/browserperf/pkg/timing"
	"github.com/sirupsen/logrus"
)

// Login form selectors.
const (
	loginPath        = "/login.do"
	logoutPath       = "logout.do"
	userNameSelector = "#user_name"
	passwordSelector = "#user_password"
	loginSelector    = "#sysverb_login"
)

// Attempt is one browser session owned by the retry controller. It is
// handed to every call of the iteration and action layers.
type Attempt struct {
	Number    int
	Page      browser.Page
	Resources resource.Reader
	Scores    timing.Scores
}

// Occurrence identifies one execution of an action inside an iteration.
type Occurrence struct {
	Iteration runctx.Iteration
	Cycle     int
	Grouped   bool
}

// ActionExecutor performs a single action and measures it.
type ActionExecutor interface {
	// Execute runs action on the attempt's page inside a capture window and
	// returns its timing sample.
	Execute(
		ctx context.Context,
		run *runctx.RunContext,
		attempt *Attempt,
		action *actions.Spec,
		occ Occurrence,
	) (*timing.Sample, error)
}

// ActionConfig configures the action executor.
type ActionConfig struct {
	// InstanceURL is used by login actions that carry no url of their own.
	InstanceURL string
	Username    string
	Password    string

	PreActionDelay  time.Duration
	PostActionDelay time.Duration
	ChooseDelay     time.Duration
	Screenshot      bool
}

// NewActionExecutor creates an executor. The auditor may be nil.
func NewActionExecutor(
	log logrus.FieldLogger,
	cfg *ActionConfig,
	recorders []capture.Recorder,
	tracker *capture.Tracker,
	auditor audit.Auditor,
) ActionExecutor {
	return &actionExecutor{
		log:       log.WithField("component", "action-executor"),
		cfg:       cfg,
		recorders: recorders,
		tracker:   tracker,
		auditor:   auditor,
		now:       time.Now,
	}
}

type actionExecutor struct {
	log       logrus.FieldLogger
	cfg       *ActionConfig
	recorders []capture.Recorder
	tracker   *capture.Tracker
	auditor   audit.Auditor
	now       func() time.Time
}

// Ensure interface compliance.
var _ ActionExecutor = (*actionExecutor)(nil)

// Execute implements ActionExecutor.
func (e *actionExecutor) Execute(
	ctx context.Context,
	run *runctx.RunContext,
	attempt *Attempt,
	action *actions.Spec,
	occ Occurrence,
) (*timing.Sample, error) {
	log := e.log.WithFields(logrus.Fields{
		"action":    action.Name,
		"type":      action.Type,
		"iteration": occ.Iteration.Index,
		"cycle":     occ.Cycle,
	})

	page := attempt.Page
	base := capture.ArtifactBase(run.OutputDir, action.Name, run.TestID, occ.Iteration.Index, occ.Cycle, occ.Grouped)
	window := capture.Open(ctx, log, page, e.recorders, base)

	if err := sleep(ctx, e.cfg.PreActionDelay); err != nil {
		window.Close(e.tracker)

		return nil, err
	}

	meter := resource.Start(ctx, log, attempt.Resources)

	start := time.Now()
	err := e.perform(ctx, page, action)
	elapsed := time.Since(start)

	if err != nil {
		meter.Stop(ctx)
		window.Close(e.tracker)

		return nil, failure.ActionExecution(
			fmt.Sprintf("performing %s action %q", action.Type, action.Name),
			failure.FromDriver(string(action.Type), err),
		)
	}

	sample := timing.NewSample(elapsed)

	if e.auditor != nil {
		e.audit(ctx, log, page, sample)
	}

	meter.Apply(ctx, sample)

	if e.cfg.Screenshot {
		if err := page.Screenshot(ctx, base+".png"); err != nil {
			log.WithError(err).Warn("Failed to take screenshot")
		} else {
			fsutil.Chown(base+".png", run.Owner)
		}
	}

	if err := sleep(ctx, e.cfg.PostActionDelay); err != nil {
		window.Close(e.tracker)

		return nil, err
	}

	window.Close(e.tracker)

	log.WithField("duration", elapsed).Debug("Action completed")

	return sample, nil
}

func (e *actionExecutor) audit(ctx context.Context, log logrus.FieldLogger, page browser.Page, sample *timing.Sample) {
	metrics, err := e.auditor.Run(ctx, page)
	if err != nil {
		log.WithError(err).Warn("Page audit failed")

		for _, name := range audit.Metrics {
			sample.SetNull(name)
		}

		return
	}

	for _, m := range metrics {
		if m.Value == nil {
			sample.SetNull(m.Name)

			continue
		}

		sample.Set(m.Name, *m.Value)
	}
}

// perform runs the browser interaction of one action type.
func (e *actionExecutor) perform(ctx context.Context, page browser.Page, action *actions.Spec) error {
	switch action.Type {
	case actions.TypeLogin:
		return e.login(ctx, page, action)
	case actions.TypeNavigate:
		return navigate(ctx, page, action)
	case actions.TypeClick:
		pattern, err := compilePattern(action.WaitUntilURLPattern)
		if err != nil {
			return err
		}

		wait := page.WaitResponse(ctx, pattern)

		if err := page.ClickJS(ctx, action.Selector); err != nil {
			return fmt.Errorf("clicking %s: %w", action.Selector, err)
		}

		if err := wait(); err != nil {
			return fmt.Errorf("waiting for response after click: %w", err)
		}

		return nil
	case actions.TypeClickButtonAndNavigate:
		wait := page.WaitNavigation(ctx, browser.WaitUntilNetworkIdle)

		if err := page.ClickJS(ctx, action.Selector); err != nil {
			return fmt.Errorf("clicking %s: %w", action.Selector, err)
		}

		if err := wait(); err != nil {
			return fmt.Errorf("waiting for network idle after click: %w", err)
		}

		return nil
	case actions.TypeClickAndType:
		value := action.Text + strconv.FormatInt(e.now().UnixMilli(), 10)

		if err := page.SetValueJS(ctx, action.Selector, value); err != nil {
			return fmt.Errorf("typing into %s: %w", action.Selector, err)
		}

		return nil
	case actions.TypeClickAndChoose:
		if err := page.ClickJS(ctx, action.Selector); err != nil {
			return fmt.Errorf("clicking %s: %w", action.Selector, err)
		}

		if err := sleep(ctx, e.cfg.ChooseDelay); err != nil {
			return err
		}

		if err := page.ClickJS(ctx, action.Selector2); err != nil {
			return fmt.Errorf("choosing %s: %w", action.Selector2, err)
		}

		return nil
	case actions.TypeLogout:
		if err := page.Navigate(ctx, action.URL+logoutPath); err != nil {
			return fmt.Errorf("logging out: %w", err)
		}

		return nil
	}

	return fmt.Errorf("unsupported action type %q", action.Type)
}

func (e *actionExecutor) login(ctx context.Context, page browser.Page, action *actions.Spec) error {
	instanceURL := strings.TrimRight(action.URL, "/")
	if instanceURL == "" {
		instanceURL = e.cfg.InstanceURL
	}

	username := firstNonEmpty(action.Username, e.cfg.Username)
	password := firstNonEmpty(action.Password, e.cfg.Password)

	if err := page.Navigate(ctx, instanceURL+loginPath); err != nil {
		return fmt.Errorf("opening login page: %w", err)
	}

	if err := page.Type(ctx, userNameSelector, username); err != nil {
		return fmt.Errorf("typing user name: %w", err)
	}

	if err := page.Type(ctx, passwordSelector, password); err != nil {
		return fmt.Errorf("typing password: %w", err)
	}

	var wait browser.Waiter

	switch {
	case action.WaitFor == actions.WaitSpecific && action.WaitUntilURLPattern != "":
		pattern, err := compilePattern(action.WaitUntilURLPattern)
		if err != nil {
			return err
		}

		wait = page.WaitResponse(ctx, pattern)
	case action.WaitFor == actions.WaitNetworkIdle:
		wait = page.WaitNavigation(ctx, browser.WaitUntilNetworkIdle)
	default:
		wait = page.WaitNavigation(ctx, browser.WaitUntilLoad)
	}

	if err := page.Click(ctx, loginSelector); err != nil {
		return fmt.Errorf("error during login: %w", err)
	}

	if err := wait(); err != nil {
		return fmt.Errorf("error during login: %w", err)
	}

	return nil
}

func navigate(ctx context.Context, page browser.Page, action *actions.Spec) error {
	var wait browser.Waiter

	switch action.WaitFor {
	case actions.WaitSpecific:
		pattern, err := compilePattern(action.WaitUntilURLPattern)
		if err != nil {
			return err
		}

		wait = page.WaitResponse(ctx, pattern)
	case actions.WaitNetworkIdle:
		wait = page.WaitNavigation(ctx, browser.WaitUntilNetworkIdle)
	default:
		return fmt.Errorf("invalid value for waitFor: %q", action.WaitFor)
	}

	if err := page.Navigate(ctx, action.URL); err != nil {
		return fmt.Errorf("error during navigation: %w", err)
	}

	if err := wait(); err != nil {
		return fmt.Errorf("error during navigation: %w", err)
	}

	return nil
}

// compilePattern compiles a response URL pattern. Empty matches any URL.
func compilePattern(expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, nil
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compiling url pattern %q: %w", expr, err)
	}

	return re, nil
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}
