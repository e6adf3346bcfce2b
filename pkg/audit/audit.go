// Package audit collects page load metrics from the browser's Navigation,
// Paint and Layout Instability timing entries.
package audit

import (
	"context"
	"fmt"
	"math"

	"github.com/ethpandaops/browserperf/pkg/browser"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Metric names produced by an audit, in output order.
const (
	MetricSpeedIndex             = "speedIndex"
	MetricFirstContentfulPaint   = "firstContentfulPaint"
	MetricLargestContentfulPaint = "largestContentfulPaint"
	MetricTimeToInteractive      = "timeToInteractive"
	MetricTotalBlockingTime      = "totalBlockingTime"
	MetricCumulativeLayoutShift  = "cumulativeLayoutShift"
	MetricServerResponseTime     = "serverResponseTime"
	MetricDOMContentLoaded       = "domContentLoaded"
	MetricLoad                   = "load"
	MetricDOMSize                = "domSize"
	MetricTransferSize           = "transferSize"
	MetricRedirects              = "redirects"
)

// Metrics lists every metric an audit reports.
var Metrics = []string{
	MetricSpeedIndex,
	MetricFirstContentfulPaint,
	MetricLargestContentfulPaint,
	MetricTimeToInteractive,
	MetricTotalBlockingTime,
	MetricCumulativeLayoutShift,
	MetricServerResponseTime,
	MetricDOMContentLoaded,
	MetricLoad,
	MetricDOMSize,
	MetricTransferSize,
	MetricRedirects,
}

// collectJS reads the buffered performance entries of the current document.
// Values the browser does not expose are returned as null.
const collectJS = `() => {
	const nav = performance.getEntriesByType('navigation')[0] || null;
	const paint = {};
	for (const e of performance.getEntriesByType('paint')) paint[e.name] = e.startTime;

	const lcpEntries = performance.getEntriesByType('largest-contentful-paint');
	const lcp = lcpEntries.length ? lcpEntries[lcpEntries.length - 1].startTime : null;

	let cls = null;
	const shifts = performance.getEntriesByType('layout-shift');
	if (shifts.length) {
		cls = 0;
		for (const s of shifts) if (!s.hadRecentInput) cls += s.value;
	}

	let tbt = null;
	const longTasks = performance.getEntriesByType('longtask');
	if (longTasks.length) {
		tbt = 0;
		for (const t of longTasks) tbt += Math.max(0, t.duration - 50);
	}

	return {
		fcp: paint['first-contentful-paint'] ?? null,
		lcp: lcp,
		cls: cls,
		tbt: tbt,
		ttfb: nav ? nav.responseStart - nav.requestStart : null,
		dcl: nav ? nav.domContentLoadedEventEnd - nav.startTime : null,
		load: nav && nav.loadEventEnd > 0 ? nav.loadEventEnd - nav.startTime : null,
		interactive: nav ? nav.domInteractive - nav.startTime : null,
		transfer: nav ? nav.transferSize : null,
		redirects: nav ? nav.redirectCount : null,
		domSize: document.getElementsByTagName('*').length,
	};
}`

// Metric is one named audit value. A nil Value means the browser did not
// report it.
type Metric struct {
	Name  string
	Value *float64
}

// Auditor measures the page currently loaded in a browser tab.
type Auditor interface {
	Run(ctx context.Context, page browser.Page) ([]Metric, error)
}

type auditor struct {
	log logrus.FieldLogger
}

// Ensure interface compliance.
var _ Auditor = (*auditor)(nil)

// NewAuditor creates an auditor evaluating timing entries in the page.
func NewAuditor(log logrus.FieldLogger) Auditor {
	return &auditor{log: log.WithField("component", "audit")}
}

func (a *auditor) Run(ctx context.Context, page browser.Page) ([]Metric, error) {
	raw, err := page.Eval(ctx, collectJS)
	if err != nil {
		return nil, fmt.Errorf("collecting performance entries: %w", err)
	}

	metrics, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	a.log.WithField("url", page.URL()).Debug("Audit completed")

	return metrics, nil
}

// Parse converts the JSON result of the collection script into metrics in
// Metrics order.
func Parse(raw string) ([]Metric, error) {
	if !gjson.Valid(raw) {
		return nil, fmt.Errorf("invalid audit result: %q", raw)
	}

	res := gjson.Parse(raw)
	if !res.IsObject() {
		return nil, fmt.Errorf("audit result is not an object: %s", res.Type)
	}

	number := func(path string) *float64 {
		v := res.Get(path)
		if v.Type != gjson.Number {
			return nil
		}

		f := v.Float()

		return &f
	}

	fcp := number("fcp")
	lcp := number("lcp")

	values := map[string]*float64{
		MetricSpeedIndex:             speedIndex(fcp, lcp),
		MetricFirstContentfulPaint:   fcp,
		MetricLargestContentfulPaint: lcp,
		MetricTimeToInteractive:      number("interactive"),
		MetricTotalBlockingTime:      number("tbt"),
		MetricCumulativeLayoutShift:  number("cls"),
		MetricServerResponseTime:     number("ttfb"),
		MetricDOMContentLoaded:       number("dcl"),
		MetricLoad:                   number("load"),
		MetricDOMSize:                number("domSize"),
		MetricTransferSize:           number("transfer"),
		MetricRedirects:              number("redirects"),
	}

	out := make([]Metric, 0, len(Metrics))
	for _, name := range Metrics {
		out = append(out, Metric{Name: name, Value: values[name]})
	}

	return out, nil
}

// speedIndex estimates visual progress as the mean of the first and largest
// contentful paints, rounded to the millisecond. Without LCP it falls back
// to FCP.
func speedIndex(fcp, lcp *float64) *float64 {
	if fcp == nil {
		return nil
	}

	v := *fcp
	if lcp != nil {
		v = (*fcp + *lcp) / 2
	}

	v = math.Round(v)

	return &v
}
