package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/ethpandaops/browserperf/pkg/failure"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/sirupsen/logrus"
	"github.com/ysmood/gson"
	"golang.org/x/time/rate"
)

// DefaultTimeout bounds every blocking page call when none is configured.
const DefaultTimeout = 60 * time.Second

// jsPathPollInterval is the polling period of WaitForJS.
const jsPathPollInterval = 100 * time.Millisecond

const (
	clickJS = `(path) => {
		const el = eval(path);
		if (!el) return false;
		el.click();
		return true;
	}`

	setValueJS = `(path, value) => {
		const input = eval(path);
		if (!input) return false;
		input.click();
		input.value = value;
		for (const name of ['blur', 'focus', 'change', 'input']) {
			input.dispatchEvent(new Event(name, { bubbles: true }));
		}
		input.click();
		return true;
	}`

	existsJS = `(path) => Boolean(eval(path))`
)

// NewDriver creates a go-rod backed driver.
func NewDriver(log logrus.FieldLogger, opts Options) Driver {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	return &rodDriver{
		log:  log.WithField("component", "browser"),
		opts: opts,
	}
}

type rodDriver struct {
	log  logrus.FieldLogger
	opts Options
}

// Ensure interface compliance.
var _ Driver = (*rodDriver)(nil)

// Launch implements Driver.
func (d *rodDriver) Launch(ctx context.Context) (Session, error) {
	var l *launcher.Launcher

	controlURL := d.opts.ControlURL
	if controlURL == "" {
		l = launcher.New().
			Context(ctx).
			Headless(d.opts.Headless).
			NoSandbox(d.opts.NoSandbox)

		if d.opts.Bin != "" {
			l = l.Bin(d.opts.Bin)
		}

		for _, raw := range d.opts.Flags {
			name, val, hasVal := strings.Cut(strings.TrimLeft(raw, "-"), "=")
			if hasVal {
				l = l.Set(flags.Flag(name), val)
			} else {
				l = l.Set(flags.Flag(name))
			}
		}

		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launching browser: %w", err)
		}

		controlURL = u
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if d.opts.SlowMotion > 0 {
		b = b.SlowMotion(d.opts.SlowMotion)
	}

	if err := b.Connect(); err != nil {
		if l != nil {
			l.Kill()
		}

		return nil, failure.FromDriver("connecting to browser", err)
	}

	pid := 0
	if l != nil {
		pid = l.PID()
	}

	d.log.WithFields(logrus.Fields{
		"control_url": controlURL,
		"pid":         pid,
		"headless":    d.opts.Headless,
	}).Info("Browser launched")

	return &rodSession{
		log:      d.log,
		opts:     d.opts,
		browser:  b,
		launcher: l,
		pid:      pid,
	}, nil
}

type rodSession struct {
	log      logrus.FieldLogger
	opts     Options
	browser  *rod.Browser
	launcher *launcher.Launcher
	pid      int
}

// Ensure interface compliance.
var _ Session = (*rodSession)(nil)

// NewPage implements Session.
func (s *rodSession) NewPage(ctx context.Context) (Page, error) {
	page, err := s.browser.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, failure.FromDriver("opening page", err)
	}

	if s.opts.ViewportWidth > 0 && s.opts.ViewportHeight > 0 {
		if err := (proto.EmulationSetDeviceMetricsOverride{
			Width:             s.opts.ViewportWidth,
			Height:            s.opts.ViewportHeight,
			DeviceScaleFactor: 1,
		}).Call(page); err != nil {
			return nil, failure.FromDriver("setting viewport", err)
		}
	}

	if t := s.opts.Throttle; t.Enabled {
		if err := (proto.NetworkEnable{}).Call(page); err != nil {
			return nil, failure.FromDriver("enabling network domain", err)
		}

		if err := (proto.NetworkEmulateNetworkConditions{
			Offline:            t.Offline,
			Latency:            t.LatencyMs,
			DownloadThroughput: t.DownloadBytesPerSec(),
			UploadThroughput:   t.UploadBytesPerSec(),
		}).Call(page); err != nil {
			return nil, failure.FromDriver("emulating network conditions", err)
		}

		s.log.WithFields(logrus.Fields{
			"latency_ms":    t.LatencyMs,
			"download_mbps": t.DownloadMbps,
			"upload_kbps":   t.UploadKbps,
		}).Info("Network throttling enabled")
	}

	return &rodPage{
		log:     s.log,
		page:    page,
		timeout: s.opts.Timeout,
	}, nil
}

// PID implements Session.
func (s *rodSession) PID() int {
	return s.pid
}

// Close implements Session.
func (s *rodSession) Close() error {
	err := s.browser.Close()

	if s.launcher != nil {
		s.launcher.Kill()
		s.launcher.Cleanup()
	}

	if err != nil {
		return failure.FromDriver("closing browser", err)
	}

	return nil
}

type rodPage struct {
	log     logrus.FieldLogger
	page    *rod.Page
	timeout time.Duration
}

// Ensure interface compliance.
var _ Page = (*rodPage)(nil)

// bind returns the page bound to ctx and the navigation timeout.
func (p *rodPage) bind(ctx context.Context) *rod.Page {
	return p.page.Context(ctx).Timeout(p.timeout)
}

// navigationError rewrites a deadline into the driver's navigation
// timeout message so it classifies as recoverable.
func (p *rodPage) navigationError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("TimeoutError: Navigation timeout of %d ms exceeded: %w", p.timeout.Milliseconds(), err)
	}

	return failure.FromDriver(op, err)
}

// selectorError rewrites a deadline into the driver's selector timeout
// message so it classifies as recoverable.
func (p *rodPage) selectorError(selector string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("TimeoutError: Waiting for selector `%s` failed: %w", selector, err)
	}

	return failure.FromDriver("finding "+selector, err)
}

// Navigate implements Page.
func (p *rodPage) Navigate(ctx context.Context, url string) error {
	bound := p.bind(ctx)

	if err := bound.Navigate(url); err != nil {
		return p.navigationError("navigating to "+url, err)
	}

	if err := bound.WaitLoad(); err != nil {
		return p.navigationError("loading "+url, err)
	}

	return nil
}

// WaitNavigation implements Page.
func (p *rodPage) WaitNavigation(ctx context.Context, until WaitUntil) Waiter {
	event := proto.PageLifecycleEventNameLoad
	if until == WaitUntilNetworkIdle {
		event = proto.PageLifecycleEventNameNetworkAlmostIdle
	}

	bound := p.bind(ctx)
	wait := bound.WaitNavigation(event)

	return func() error {
		wait()

		if err := bound.GetContext().Err(); err != nil {
			return p.navigationError("waiting for "+string(until), err)
		}

		return nil
	}
}

// WaitResponse implements Page.
func (p *rodPage) WaitResponse(ctx context.Context, pattern *regexp.Regexp) Waiter {
	bound := p.bind(ctx)
	matched := false

	wait := bound.EachEvent(func(e *proto.NetworkResponseReceived) bool {
		if e.Response == nil {
			return false
		}

		if pattern == nil || pattern.MatchString(e.Response.URL) {
			matched = true

			return true
		}

		return false
	})

	return func() error {
		wait()

		if !matched {
			err := bound.GetContext().Err()
			if err == nil {
				err = context.Canceled
			}

			expr := ""
			if pattern != nil {
				expr = pattern.String()
			}

			return p.navigationError(fmt.Sprintf("waiting for response matching %q", expr), err)
		}

		return nil
	}
}

// Type implements Page.
func (p *rodPage) Type(ctx context.Context, selector, text string) error {
	el, err := p.bind(ctx).Element(selector)
	if err != nil {
		return p.selectorError(selector, err)
	}

	if err := el.Input(text); err != nil {
		return failure.FromDriver("typing into "+selector, err)
	}

	return nil
}

// Click implements Page.
func (p *rodPage) Click(ctx context.Context, selector string) error {
	el, err := p.bind(ctx).Element(selector)
	if err != nil {
		return p.selectorError(selector, err)
	}

	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("Error clicking the button with selector %s: %w", selector, err)
	}

	return nil
}

// ClickJS implements Page.
func (p *rodPage) ClickJS(ctx context.Context, jsPath string) error {
	res, err := p.bind(ctx).Eval(clickJS, jsPath)
	if err != nil {
		return fmt.Errorf("Error clicking the button with selector %s: %w", jsPath, err)
	}

	if !res.Value.Bool() {
		return fmt.Errorf("Error clicking the button with selector %s: element not found", jsPath)
	}

	return nil
}

// SetValueJS implements Page.
func (p *rodPage) SetValueJS(ctx context.Context, jsPath, value string) error {
	res, err := p.bind(ctx).Eval(setValueJS, jsPath, value)
	if err != nil {
		return failure.FromDriver("setting value of "+jsPath, err)
	}

	if !res.Value.Bool() {
		return fmt.Errorf("element not found with selector: %s", jsPath)
	}

	return nil
}

// WaitForJS implements Page.
func (p *rodPage) WaitForJS(ctx context.Context, jsPath string, timeout time.Duration) error {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(jsPathPollInterval), 1)

	for {
		if err := limiter.Wait(wctx); err != nil {
			return fmt.Errorf(
				"TimeoutError: Waiting for selector `%s` failed: timed out after %d ms",
				jsPath, timeout.Milliseconds(),
			)
		}

		res, err := p.page.Context(wctx).Eval(existsJS, jsPath)
		if err == nil && res.Value.Bool() {
			return nil
		}
	}
}

// Text implements Page.
func (p *rodPage) Text(ctx context.Context, selector string) (string, error) {
	el, err := p.bind(ctx).Element(selector)
	if err != nil {
		return "", p.selectorError(selector, err)
	}

	text, err := el.Text()
	if err != nil {
		return "", failure.FromDriver("reading text of "+selector, err)
	}

	return text, nil
}

// Eval implements Page.
func (p *rodPage) Eval(ctx context.Context, js string, args ...any) (string, error) {
	res, err := p.bind(ctx).Eval(js, args...)
	if err != nil {
		return "", failure.FromDriver("evaluating script", err)
	}

	return res.Value.JSON("", ""), nil
}

// Screenshot implements Page.
func (p *rodPage) Screenshot(ctx context.Context, path string) error {
	data, err := p.bind(ctx).Screenshot(false, nil)
	if err != nil {
		return failure.FromDriver("capturing screenshot", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing screenshot: %w", err)
	}

	return nil
}

// Reload implements Page.
func (p *rodPage) Reload(ctx context.Context) error {
	if err := p.bind(ctx).Reload(); err != nil {
		return p.navigationError("reloading page", err)
	}

	return nil
}

// URL implements Page.
func (p *rodPage) URL() string {
	info, err := p.page.Info()
	if err != nil {
		return ""
	}

	return info.URL
}

// OnNetwork implements Page.
func (p *rodPage) OnNetwork(ctx context.Context, fn func(NetworkEvent)) (func(), error) {
	ectx, cancel := context.WithCancel(ctx)

	wait := p.page.Context(ectx).EachEvent(
		func(e *proto.NetworkRequestWillBeSent) {
			fn(requestEvent(e))
		},
		func(e *proto.NetworkResponseReceived) {
			fn(responseEvent(e))
		},
		func(e *proto.NetworkLoadingFinished) {
			fn(NetworkEvent{
				Type:         NetworkFinished,
				RequestID:    string(e.RequestID),
				Monotonic:    float64(e.Timestamp),
				EncodedBytes: e.EncodedDataLength,
			})
		},
		func(e *proto.NetworkLoadingFailed) {
			fn(NetworkEvent{
				Type:      NetworkFailed,
				RequestID: string(e.RequestID),
				Monotonic: float64(e.Timestamp),
				ErrorText: e.ErrorText,
			})
		},
	)

	done := make(chan struct{})

	go func() {
		defer close(done)
		wait()
	}()

	return func() {
		cancel()
		<-done
	}, nil
}

// StartScreencast implements Page.
func (p *rodPage) StartScreencast(ctx context.Context, opts ScreencastOptions, fn func(Frame)) (func() error, error) {
	ectx, cancel := context.WithCancel(ctx)
	page := p.page.Context(ectx)

	wait := page.EachEvent(func(e *proto.PageScreencastFrame) {
		ts := time.Now()
		if e.Metadata != nil && e.Metadata.Timestamp != 0 {
			ts = e.Metadata.Timestamp.Time()
		}

		fn(Frame{Data: e.Data, Timestamp: ts})

		_ = proto.PageScreencastFrameAck{SessionID: e.SessionID}.Call(page)
	})

	quality := opts.Quality
	if quality <= 0 {
		quality = 80
	}

	everyNth := opts.EveryNthFrame
	if everyNth <= 0 {
		everyNth = 1
	}

	if err := (proto.PageStartScreencast{
		Format:        proto.PageStartScreencastFormatJpeg,
		Quality:       gson.Int(quality),
		EveryNthFrame: gson.Int(everyNth),
	}).Call(p.page); err != nil {
		cancel()

		return nil, failure.FromDriver("starting screencast", err)
	}

	done := make(chan struct{})

	go func() {
		defer close(done)
		wait()
	}()

	return func() error {
		err := proto.PageStopScreencast{}.Call(p.page)

		cancel()
		<-done

		if err != nil {
			return failure.FromDriver("stopping screencast", err)
		}

		return nil
	}, nil
}

func headerMap(h proto.NetworkHeaders) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v.Str()
	}

	return out
}

func requestEvent(e *proto.NetworkRequestWillBeSent) NetworkEvent {
	ev := NetworkEvent{
		Type:      NetworkRequest,
		RequestID: string(e.RequestID),
		Monotonic: float64(e.Timestamp),
		WallTime:  e.WallTime.Time(),
	}

	if e.Request != nil {
		ev.URL = e.Request.URL
		ev.Method = e.Request.Method
		ev.RequestHeaders = headerMap(e.Request.Headers)
		ev.PostData = e.Request.PostData
	}

	return ev
}

func responseEvent(e *proto.NetworkResponseReceived) NetworkEvent {
	ev := NetworkEvent{
		Type:      NetworkResponse,
		RequestID: string(e.RequestID),
		Monotonic: float64(e.Timestamp),
	}

	r := e.Response
	if r == nil {
		return ev
	}

	ev.URL = r.URL
	ev.Status = r.Status
	ev.StatusText = r.StatusText
	ev.Protocol = r.Protocol
	ev.ResponseHeaders = headerMap(r.Headers)
	ev.MimeType = r.MIMEType
	ev.RemoteIP = r.RemoteIPAddress
	ev.FromCache = r.FromDiskCache
	ev.EncodedBytes = r.EncodedDataLength

	if t := r.Timing; t != nil {
		ev.Timing = &ResourceTiming{
			RequestTime:       t.RequestTime,
			DNSStart:          t.DNSStart,
			DNSEnd:            t.DNSEnd,
			ConnectStart:      t.ConnectStart,
			ConnectEnd:        t.ConnectEnd,
			SSLStart:          t.SslStart,
			SSLEnd:            t.SslEnd,
			SendStart:         t.SendStart,
			SendEnd:           t.SendEnd,
			ReceiveHeadersEnd: t.ReceiveHeadersEnd,
		}
	}

	return ev
}
