// Package browser is the automation driver used by the action executor and
// the capture recorders. The interfaces are implemented on top of go-rod.
package browser

import (
	"context"
	"regexp"
	"time"
)

// Driver launches browser sessions.
type Driver interface {
	// Launch starts (or connects to) a browser and returns a new session.
	Launch(ctx context.Context) (Session, error)
}

// Session is one launched browser. It is owned by the retry controller and
// discarded whole on every retry.
type Session interface {
	// NewPage opens a page with viewport and throttling applied.
	NewPage(ctx context.Context) (Page, error)
	// PID returns the browser process id, or 0 when it is not known.
	PID() int
	// Close shuts the browser down.
	Close() error
}

// WaitUntil selects the lifecycle event a navigation wait completes on.
type WaitUntil string

// Navigation lifecycle events.
const (
	WaitUntilLoad        WaitUntil = "load"
	WaitUntilNetworkIdle WaitUntil = "networkidle"
)

// Waiter blocks until the awaited event happened or its context ended.
type Waiter func() error

// Page is a single browser tab. Every blocking call is bounded by the
// session's navigation timeout.
type Page interface {
	// Navigate loads url and waits for the load event.
	Navigate(ctx context.Context, url string) error
	// WaitNavigation starts listening for the given lifecycle event. Call
	// the returned waiter after triggering the navigation.
	WaitNavigation(ctx context.Context, until WaitUntil) Waiter
	// WaitResponse starts listening for a response whose URL matches
	// pattern. A nil pattern matches any response.
	WaitResponse(ctx context.Context, pattern *regexp.Regexp) Waiter
	// Type focuses the element matching a CSS selector and types text.
	Type(ctx context.Context, selector, text string) error
	// Click clicks the element matching a CSS selector.
	Click(ctx context.Context, selector string) error
	// ClickJS evaluates a JavaScript element path and clicks the result.
	ClickJS(ctx context.Context, jsPath string) error
	// SetValueJS sets the value of the element at a JavaScript path and
	// fires blur, focus, change and input events around a click.
	SetValueJS(ctx context.Context, jsPath, value string) error
	// WaitForJS polls a JavaScript path until it yields an element.
	WaitForJS(ctx context.Context, jsPath string, timeout time.Duration) error
	// Text returns the inner text of the element matching a CSS selector.
	Text(ctx context.Context, selector string) (string, error)
	// Eval runs a JavaScript function and returns its result as JSON.
	Eval(ctx context.Context, js string, args ...any) (string, error)
	// Screenshot writes a PNG of the viewport to path.
	Screenshot(ctx context.Context, path string) error
	// Reload reloads the current document.
	Reload(ctx context.Context) error
	// URL returns the current document URL.
	URL() string
	// OnNetwork delivers network events to fn until stop is called.
	OnNetwork(ctx context.Context, fn func(NetworkEvent)) (stop func(), err error)
	// StartScreencast delivers encoded frames to fn until stop is called.
	StartScreencast(ctx context.Context, opts ScreencastOptions, fn func(Frame)) (stop func() error, err error)
}

// NetworkEventType is the phase of a request a NetworkEvent reports.
type NetworkEventType int

// Network event phases.
const (
	NetworkRequest NetworkEventType = iota
	NetworkResponse
	NetworkFinished
	NetworkFailed
)

// NetworkEvent is a driver independent view of one network protocol event.
type NetworkEvent struct {
	Type      NetworkEventType
	RequestID string
	// Monotonic is the protocol timestamp in seconds.
	Monotonic float64
	// WallTime is only set on request events.
	WallTime time.Time

	URL             string
	Method          string
	RequestHeaders  map[string]string
	PostData        string
	Status          int
	StatusText      string
	Protocol        string
	ResponseHeaders map[string]string
	MimeType        string
	RemoteIP        string
	FromCache       bool
	EncodedBytes    float64
	Timing          *ResourceTiming
	ErrorText       string
}

// ResourceTiming mirrors the protocol resource timing, offsets in
// milliseconds relative to RequestTime (seconds). -1 means not applicable.
type ResourceTiming struct {
	RequestTime       float64
	DNSStart          float64
	DNSEnd            float64
	ConnectStart      float64
	ConnectEnd        float64
	SSLStart          float64
	SSLEnd            float64
	SendStart         float64
	SendEnd           float64
	ReceiveHeadersEnd float64
}

// ScreencastOptions configures frame capture.
type ScreencastOptions struct {
	Quality       int
	EveryNthFrame int
}

// Frame is one encoded screencast frame.
type Frame struct {
	Data      []byte
	Timestamp time.Time
}

// Throttle emulates network conditions on new pages.
type Throttle struct {
	Enabled      bool
	Offline      bool
	LatencyMs    float64
	DownloadMbps float64
	UploadKbps   float64
}

// DownloadBytesPerSec converts the configured megabits to bytes per second.
func (t Throttle) DownloadBytesPerSec() float64 {
	return t.DownloadMbps * 1024 * 1024 / 8
}

// UploadBytesPerSec converts the configured kilobits to bytes per second.
func (t Throttle) UploadBytesPerSec() float64 {
	return t.UploadKbps * 1024 / 8
}

// Options configures the driver.
type Options struct {
	Bin            string
	ControlURL     string
	Headless       bool
	NoSandbox      bool
	Timeout        time.Duration
	SlowMotion     time.Duration
	ViewportWidth  int
	ViewportHeight int
	Flags          []string
	Throttle       Throttle
}
