package failure

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the closed set of error kinds the run pipeline distinguishes.
type Kind int

const (
	// KindUnknown is any error that could not be classified. Always fatal.
	KindUnknown Kind = iota
	// KindSessionDetached is a page session that detached mid-action.
	KindSessionDetached
	// KindTargetTimeout is a browser target that never became available.
	KindTargetTimeout
	// KindNavigationTimeout is a navigation that exceeded its deadline.
	KindNavigationTimeout
	// KindTargetCrashed is a renderer crash reported by the protocol.
	KindTargetCrashed
	// KindPageEnableTimeout is a Page.enable call that timed out.
	KindPageEnableTimeout
	// KindBrowserDisconnected is a navigation aborted by a lost browser.
	KindBrowserDisconnected
	// KindNetTimedOut is a network level timeout from the browser.
	KindNetTimedOut
	// KindClickFailed is a click on a selector that could not be performed.
	KindClickFailed
	// KindSelectorTimeout is a wait for a selector that exceeded its deadline.
	KindSelectorTimeout
	// KindSessionClosed is a navigation sent to an already closed session.
	KindSessionClosed
	// KindActionExecution is raised by action handlers.
	KindActionExecution
	// KindValidation is malformed or missing input to a component.
	KindValidation
	// KindAggregation is malformed tabular data found while aggregating.
	KindAggregation
	// KindRetryExhausted is the terminal state after all attempts failed.
	KindRetryExhausted
)

// String returns the kind name used in logs.
func (k Kind) String() string {
	switch k {
	case KindSessionDetached:
		return "session_detached"
	case KindTargetTimeout:
		return "target_timeout"
	case KindNavigationTimeout:
		return "navigation_timeout"
	case KindTargetCrashed:
		return "target_crashed"
	case KindPageEnableTimeout:
		return "page_enable_timeout"
	case KindBrowserDisconnected:
		return "browser_disconnected"
	case KindNetTimedOut:
		return "net_timed_out"
	case KindClickFailed:
		return "click_failed"
	case KindSelectorTimeout:
		return "selector_timeout"
	case KindSessionClosed:
		return "session_closed"
	case KindActionExecution:
		return "action_execution"
	case KindValidation:
		return "validation"
	case KindAggregation:
		return "aggregation"
	case KindRetryExhausted:
		return "retry_exhausted"
	case KindUnknown:
		return "unknown"
	}

	return fmt.Sprintf("kind(%d)", int(k))
}

// Transient reports whether a session run failing with this kind may be
// retried with a fresh browser session.
func (k Kind) Transient() bool {
	switch k {
	case KindSessionDetached,
		KindTargetTimeout,
		KindNavigationTimeout,
		KindTargetCrashed,
		KindPageEnableTimeout,
		KindBrowserDisconnected,
		KindNetTimedOut,
		KindClickFailed,
		KindSelectorTimeout,
		KindSessionClosed,
		KindActionExecution:
		return true
	case KindUnknown, KindValidation, KindAggregation, KindRetryExhausted:
		return false
	}

	return false
}

// catalogue maps driver error messages to their recoverable kind.
// Order matters only for messages matching more than one entry.
var catalogue = []struct {
	kind    Kind
	message string
}{
	{KindSessionDetached, "Session already detached. Most likely the page has been closed"},
	{KindTargetTimeout, "TimeoutError: waiting for target failed: timeout 60000ms exceeded"},
	{KindNavigationTimeout, "TimeoutError: Navigation timeout of"},
	{KindTargetCrashed, "ProtocolError: Protocol error (Page.enable): Target crashed"},
	{KindPageEnableTimeout, "ProtocolError: Page.enable timed out"},
	{KindBrowserDisconnected, "Error: Navigation failed because browser has disconnected"},
	{KindNetTimedOut, "Error: net::ERR_TIMED_OUT at"},
	{KindClickFailed, "Error clicking the button with selector"},
	{KindSelectorTimeout, "TimeoutError: Waiting for selector"},
	{KindSessionClosed, "Error: Protocol error (Page.navigate): Session closed"},
}

// Catalogue returns the recoverable message catalogue keyed by kind.
func Catalogue() map[Kind]string {
	out := make(map[Kind]string, len(catalogue))
	for _, entry := range catalogue {
		out[entry.kind] = entry.message
	}

	return out
}

// KindOfMessage matches a raw driver message against the recoverable
// catalogue. A message matches an entry when either contains the other.
func KindOfMessage(msg string) Kind {
	if msg == "" {
		return KindUnknown
	}

	for _, entry := range catalogue {
		if strings.Contains(msg, entry.message) || strings.Contains(entry.message, msg) {
			return entry.kind
		}
	}

	return KindUnknown
}

// Error is a classified error raised inside the pipeline.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return e.Op
	}

	return e.Kind.String()
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Validation returns a ValidationError with a formatted message.
func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Err: fmt.Errorf(format, args...)}
}

// ActionExecution wraps err as an ActionExecutionError for the named
// operation. The driver error stays reachable through Unwrap.
func ActionExecution(op string, err error) error {
	return &Error{Kind: KindActionExecution, Op: op, Err: err}
}

// Aggregation wraps err as an AggregationError.
func Aggregation(op string, err error) error {
	return &Error{Kind: KindAggregation, Op: op, Err: err}
}

// FromDriver classifies a raw error coming out of the browser driver. Errors
// whose message matches the recoverable catalogue are tagged with the
// matching kind, anything else is returned unchanged.
func FromDriver(op string, err error) error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return err
	}

	if kind := KindOfMessage(err.Error()); kind != KindUnknown {
		return &Error{Kind: kind, Op: op, Err: err}
	}

	return err
}

// Classify returns the kind of err. Typed errors report their own kind,
// untyped errors are matched against the recoverable catalogue.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var exhausted *RetryExhaustedError
	if errors.As(err, &exhausted) {
		return KindRetryExhausted
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}

	return KindOfMessage(err.Error())
}

// IsTransient reports whether err may be retried with a fresh session.
func IsTransient(err error) bool {
	return Classify(err).Transient()
}

// Is reports whether err is of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && Classify(err) == kind
}

// RetryExhaustedError records a run that used up its retry budget.
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

// Error implements the error interface.
func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("all %d retries failed: %v", e.Attempts, e.Last)
}

// Unwrap returns the last attempt's error.
func (e *RetryExhaustedError) Unwrap() error {
	return e.Last
}
