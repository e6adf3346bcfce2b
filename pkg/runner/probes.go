package runner

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/ethpandaops/browserperf/pkg/browser"
	"github.com/ethpandaops/browserperf/pkg/failure"
	"github.com/ethpandaops/browserperf/pkg/timing"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	// SpeedometerURL is the Speedometer benchmark entry page.
	SpeedometerURL = "https://browserbench.org/Speedometer/"

	// OctaneURL is the Octane benchmark entry page.
	OctaneURL = "https://chromium.github.io/octane/"

	// DefaultProbeTimeout bounds a single benchmark run.
	DefaultProbeTimeout = 10 * time.Minute
)

const (
	speedometerStart  = "#home > div"
	speedometerResult = `document.querySelector("#result-number")`
	speedometerScore  = `() => parseFloat(document.querySelector("#result-number").textContent)`

	octaneStart  = "#run-octane"
	octaneBanner = `(() => { const el = document.querySelector("#main-banner"); ` +
		`return el && el.textContent.includes("Octane Score:") ? el : null; })()`
	octaneText = `() => document.querySelector("#main-banner").textContent`
)

var octaneScorePattern = regexp.MustCompile(`Octane Score: (\d+)`)

// Prober runs the browser benchmarks attached to every timing record.
type Prober interface {
	Scores(ctx context.Context, page browser.Page) (timing.Scores, error)
}

// NewBenchmarkProber creates a prober running Speedometer then Octane.
func NewBenchmarkProber(log logrus.FieldLogger, timeout time.Duration) Prober {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	return &benchmarkProber{
		log:     log.WithField("component", "benchmarks"),
		timeout: timeout,
	}
}

type benchmarkProber struct {
	log     logrus.FieldLogger
	timeout time.Duration
}

// Ensure interface compliance.
var _ Prober = (*benchmarkProber)(nil)

// Scores implements Prober.
func (p *benchmarkProber) Scores(ctx context.Context, page browser.Page) (timing.Scores, error) {
	var scores timing.Scores

	speedometer, err := p.speedometer(ctx, page)
	if err != nil {
		return scores, fmt.Errorf("running speedometer: %w", err)
	}

	scores.Speedometer = &speedometer

	octane, err := p.octane(ctx, page)
	if err != nil {
		return scores, fmt.Errorf("running octane: %w", err)
	}

	scores.Octane = &octane

	p.log.WithFields(logrus.Fields{
		"speedometer": speedometer,
		"octane":      octane,
	}).Info("Benchmark scores collected")

	return scores, nil
}

func (p *benchmarkProber) speedometer(ctx context.Context, page browser.Page) (float64, error) {
	if err := page.Navigate(ctx, SpeedometerURL); err != nil {
		return 0, failure.FromDriver("navigating to speedometer", err)
	}

	wait := page.WaitNavigation(ctx, browser.WaitUntilNetworkIdle)

	if err := page.Click(ctx, speedometerStart); err != nil {
		return 0, failure.FromDriver("starting speedometer", err)
	}

	if err := wait(); err != nil {
		return 0, failure.FromDriver("waiting for speedometer", err)
	}

	if err := page.WaitForJS(ctx, speedometerResult, p.timeout); err != nil {
		return 0, failure.FromDriver("waiting for speedometer result", err)
	}

	raw, err := page.Eval(ctx, speedometerScore)
	if err != nil {
		return 0, failure.FromDriver("reading speedometer result", err)
	}

	result := gjson.Parse(raw)
	if result.Type != gjson.Number {
		return 0, fmt.Errorf("unexpected speedometer result %s", raw)
	}

	return result.Float(), nil
}

func (p *benchmarkProber) octane(ctx context.Context, page browser.Page) (float64, error) {
	if err := page.Navigate(ctx, OctaneURL); err != nil {
		return 0, failure.FromDriver("navigating to octane", err)
	}

	if err := page.Click(ctx, octaneStart); err != nil {
		return 0, failure.FromDriver("starting octane", err)
	}

	if err := page.WaitForJS(ctx, octaneBanner, p.timeout); err != nil {
		return 0, failure.FromDriver("waiting for octane result", err)
	}

	raw, err := page.Eval(ctx, octaneText)
	if err != nil {
		return 0, failure.FromDriver("reading octane result", err)
	}

	text := gjson.Parse(raw).String()

	match := octaneScorePattern.FindStringSubmatch(text)
	if match == nil {
		return 0, fmt.Errorf("no octane score in %q", text)
	}

	score, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, fmt.Errorf("parsing octane score %q: %w", match[1], err)
	}

	return score, nil
}
