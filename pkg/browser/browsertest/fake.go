// Package browsertest provides in-memory browser fakes for tests.
package browsertest

import (
	"context"
	"errors"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethpandaops/browserperf/pkg/browser"
)

// Call is one recorded page interaction.
type Call struct {
	Method string
	Args   []string
}

func (c Call) String() string {
	if len(c.Args) == 0 {
		return c.Method
	}

	return c.Method + "(" + strings.Join(c.Args, ", ") + ")"
}

// Page is a scriptable browser.Page. The zero value succeeds on every call.
type Page struct {
	mu    sync.Mutex
	calls []Call
	url   string

	// Errors fails the named method (for example "Navigate") on every call.
	Errors map[string]error
	// ErrorOnce fails the named method once and is then cleared.
	ErrorOnce map[string]error
	// Texts maps a selector to the text returned by Text.
	Texts map[string]string
	// EvalResults maps a substring of the evaluated script to its JSON result.
	EvalResults map[string]string
	// Network is emitted to OnNetwork subscribers when they subscribe.
	Network []browser.NetworkEvent
	// Frames is emitted to screencast subscribers when they subscribe.
	Frames [][]byte
	// OnCall runs after each recorded call, outside the lock.
	OnCall func(Call)
}

// Ensure interface compliance.
var _ browser.Page = (*Page)(nil)

// Calls returns a copy of the recorded calls.
func (p *Page) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Call, len(p.calls))
	copy(out, p.calls)

	return out
}

// Methods returns the recorded calls rendered as strings.
func (p *Page) Methods() []string {
	calls := p.Calls()
	out := make([]string, 0, len(calls))

	for _, c := range calls {
		out = append(out, c.String())
	}

	return out
}

// Reset clears the recorded calls.
func (p *Page) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = nil
}

func (p *Page) record(method string, args ...string) error {
	call := Call{Method: method, Args: args}

	p.mu.Lock()
	p.calls = append(p.calls, call)

	err := p.Errors[method]
	if once, ok := p.ErrorOnce[method]; ok && err == nil {
		err = once
		delete(p.ErrorOnce, method)
	}

	hook := p.OnCall
	p.mu.Unlock()

	if hook != nil {
		hook(call)
	}

	return err
}

func (p *Page) Navigate(_ context.Context, url string) error {
	if err := p.record("Navigate", url); err != nil {
		return err
	}

	p.mu.Lock()
	p.url = url
	p.mu.Unlock()

	return nil
}

func (p *Page) WaitNavigation(_ context.Context, until browser.WaitUntil) browser.Waiter {
	return func() error {
		return p.record("WaitNavigation", string(until))
	}
}

func (p *Page) WaitResponse(_ context.Context, pattern *regexp.Regexp) browser.Waiter {
	expr := ""
	if pattern != nil {
		expr = pattern.String()
	}

	return func() error {
		return p.record("WaitResponse", expr)
	}
}

func (p *Page) Type(_ context.Context, selector, text string) error {
	return p.record("Type", selector, text)
}

func (p *Page) Click(_ context.Context, selector string) error {
	return p.record("Click", selector)
}

func (p *Page) ClickJS(_ context.Context, jsPath string) error {
	return p.record("ClickJS", jsPath)
}

func (p *Page) SetValueJS(_ context.Context, jsPath, value string) error {
	return p.record("SetValueJS", jsPath, value)
}

func (p *Page) WaitForJS(_ context.Context, jsPath string, _ time.Duration) error {
	return p.record("WaitForJS", jsPath)
}

func (p *Page) Text(_ context.Context, selector string) (string, error) {
	if err := p.record("Text", selector); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.Texts[selector], nil
}

func (p *Page) Eval(_ context.Context, js string, _ ...any) (string, error) {
	if err := p.record("Eval"); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for needle, result := range p.EvalResults {
		if strings.Contains(js, needle) {
			return result, nil
		}
	}

	return "null", nil
}

func (p *Page) Screenshot(_ context.Context, path string) error {
	if err := p.record("Screenshot", path); err != nil {
		return err
	}

	return os.WriteFile(path, []byte("png"), 0o600)
}

func (p *Page) Reload(_ context.Context) error {
	return p.record("Reload")
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.url
}

func (p *Page) OnNetwork(_ context.Context, fn func(browser.NetworkEvent)) (func(), error) {
	if err := p.record("OnNetwork"); err != nil {
		return nil, err
	}

	p.mu.Lock()
	events := append([]browser.NetworkEvent(nil), p.Network...)
	p.mu.Unlock()

	for _, ev := range events {
		fn(ev)
	}

	return func() {}, nil
}

func (p *Page) StartScreencast(_ context.Context, _ browser.ScreencastOptions, fn func(browser.Frame)) (func() error, error) {
	if err := p.record("StartScreencast"); err != nil {
		return nil, err
	}

	p.mu.Lock()
	frames := append([][]byte(nil), p.Frames...)
	p.mu.Unlock()

	for _, f := range frames {
		fn(browser.Frame{Data: f, Timestamp: time.Now()})
	}

	return func() error { return nil }, nil
}

// Session is a fake browser.Session serving a single Page.
type Session struct {
	Page    *Page
	Pid     int
	PageErr error

	closed atomic.Bool
}

// Ensure interface compliance.
var _ browser.Session = (*Session)(nil)

func (s *Session) NewPage(_ context.Context) (browser.Page, error) {
	if s.PageErr != nil {
		return nil, s.PageErr
	}

	return s.Page, nil
}

func (s *Session) PID() int {
	return s.Pid
}

func (s *Session) Close() error {
	s.closed.Store(true)

	return nil
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// Driver launches fake sessions. Each launch takes the next entry of
// LaunchErrors (nil meaning success) and calls NewPageFn for the page.
type Driver struct {
	mu           sync.Mutex
	LaunchErrors []error
	NewPageFn    func(attempt int) *Page
	Sessions     []*Session
}

// Ensure interface compliance.
var _ browser.Driver = (*Driver)(nil)

// ErrNoPage is returned when a Driver has no page factory.
var ErrNoPage = errors.New("browsertest: no page factory")

func (d *Driver) Launch(_ context.Context) (browser.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	attempt := len(d.Sessions) + 1

	if len(d.LaunchErrors) > 0 {
		err := d.LaunchErrors[0]
		d.LaunchErrors = d.LaunchErrors[1:]

		if err != nil {
			d.Sessions = append(d.Sessions, &Session{})

			return nil, err
		}
	}

	if d.NewPageFn == nil {
		return nil, ErrNoPage
	}

	s := &Session{Page: d.NewPageFn(attempt), Pid: 1000 + attempt}
	d.Sessions = append(d.Sessions, s)

	return s, nil
}

// Launches returns the number of Launch calls.
func (d *Driver) Launches() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.Sessions)
}
