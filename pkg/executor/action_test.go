package executor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethpandaops/browserperf/pkg/actions"
	"github.com/ethpandaops/browserperf/pkg/audit"
	"github.com/ethpandaops/browserperf/pkg/browser"
	"github.com/ethpandaops/browserperf/pkg/browser/browsertest"
	"github.com/ethpandaops/browserperf/pkg/capture"
	"github.com/ethpandaops/browserperf/pkg/failure"
	"github.com/ethpandaops/browserperf/pkg/har"
	"github.com/ethpandaops/browserperf/pkg/resource"
	"github.com/ethpandaops/browserperf/pkg/runctx"
	"github.com/ethpandaops/browserperf/pkg/timing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExecutor(recorders []capture.Recorder, tracker *capture.Tracker, auditor audit.Auditor, screenshot bool) *actionExecutor {
	e := NewActionExecutor(testLogger(), &ActionConfig{
		InstanceURL: "https://dev.example.test",
		Username:    "admin",
		Password:    "secret",
		Screenshot:  screenshot,
	}, recorders, tracker, auditor).(*actionExecutor)

	e.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }

	return e
}

func occurrence(index int) Occurrence {
	return Occurrence{Iteration: runctx.Iteration{Index: index, Total: 3}, Cycle: 1}
}

func TestActionExecutorPerform(t *testing.T) {
	tests := []struct {
		name    string
		action  actions.Spec
		want    []string
		wantErr bool
	}{
		{
			name: "login waits for specific response",
			action: actions.Spec{
				Name: "login", Type: actions.TypeLogin, URL: "https://dev.example.test/",
				Username: "bob", Password: "pw", WaitFor: actions.WaitSpecific, WaitUntilURLPattern: "navpage\\.do",
			},
			want: []string{
				"Navigate(https://dev.example.test/login.do)",
				"Type(#user_name, bob)",
				"Type(#user_password, pw)",
				"Click(#sysverb_login)",
				"WaitResponse(navpage\\.do)",
			},
		},
		{
			name:   "login defaults to load and config credentials",
			action: actions.Spec{Name: "login", Type: actions.TypeLogin, URL: "https://dev.example.test"},
			want: []string{
				"Navigate(https://dev.example.test/login.do)",
				"Type(#user_name, admin)",
				"Type(#user_password, secret)",
				"Click(#sysverb_login)",
				"WaitNavigation(load)",
			},
		},
		{
			name:   "login network idle",
			action: actions.Spec{Name: "login", Type: actions.TypeLogin, URL: "https://dev.example.test", WaitFor: actions.WaitNetworkIdle},
			want: []string{
				"Navigate(https://dev.example.test/login.do)",
				"Type(#user_name, admin)",
				"Type(#user_password, secret)",
				"Click(#sysverb_login)",
				"WaitNavigation(networkidle)",
			},
		},
		{
			name:   "navigate specific",
			action: actions.Spec{Name: "list", Type: actions.TypeNavigate, URL: "https://dev.example.test/incident_list.do", WaitFor: actions.WaitSpecific, WaitUntilURLPattern: "api/now"},
			want:   []string{"Navigate(https://dev.example.test/incident_list.do)", "WaitResponse(api/now)"},
		},
		{
			name:   "navigate network idle",
			action: actions.Spec{Name: "home", Type: actions.TypeNavigate, URL: "https://dev.example.test/", WaitFor: actions.WaitNetworkIdle},
			want:   []string{"Navigate(https://dev.example.test/)", "WaitNavigation(networkidle)"},
		},
		{
			name:    "navigate with load is rejected",
			action:  actions.Spec{Name: "home", Type: actions.TypeNavigate, URL: "https://dev.example.test/", WaitFor: actions.WaitLoad},
			wantErr: true,
		},
		{
			name:    "navigate with bad pattern",
			action:  actions.Spec{Name: "home", Type: actions.TypeNavigate, URL: "https://dev.example.test/", WaitFor: actions.WaitSpecific, WaitUntilURLPattern: "("},
			wantErr: true,
		},
		{
			name:   "click waits for any response",
			action: actions.Spec{Name: "open", Type: actions.TypeClick, Selector: "document.querySelector('#new')"},
			want:   []string{"ClickJS(document.querySelector('#new'))", "WaitResponse()"},
		},
		{
			name:   "click and navigate",
			action: actions.Spec{Name: "submit", Type: actions.TypeClickButtonAndNavigate, Selector: "document.querySelector('#submit')"},
			want:   []string{"ClickJS(document.querySelector('#submit'))", "WaitNavigation(networkidle)"},
		},
		{
			name:   "click and type appends timestamp",
			action: actions.Spec{Name: "describe", Type: actions.TypeClickAndType, Selector: "document.querySelector('#desc')", Text: "Sample "},
			want:   []string{"SetValueJS(document.querySelector('#desc'), Sample 1700000000000)"},
		},
		{
			name:   "click and choose",
			action: actions.Spec{Name: "choose", Type: actions.TypeClickAndChoose, Selector: "a()", Selector2: "b()"},
			want:   []string{"ClickJS(a())", "ClickJS(b())"},
		},
		{
			name:   "logout",
			action: actions.Spec{Name: "logout", Type: actions.TypeLogout, URL: "https://dev.example.test/"},
			want:   []string{"Navigate(https://dev.example.test/logout.do)"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := &browsertest.Page{}
			e := newExecutor(nil, capture.NewTracker(testLogger()), nil, false)

			sample, err := e.Execute(context.Background(), newRun(t), &Attempt{Page: page}, &tt.action, occurrence(1))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, failure.Is(err, failure.KindActionExecution))
				assert.Nil(t, sample)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, page.Methods())
			assert.GreaterOrEqual(t, sample.Duration, time.Duration(0))
			assert.Equal(t, []string{timing.DurationKey}, sample.Keys())
		})
	}
}

func TestActionExecutorDriverErrorIsTransient(t *testing.T) {
	page := &browsertest.Page{
		Errors: map[string]error{"ClickJS": errors.New("Error clicking the button with selector #x")},
	}

	tracker := capture.NewTracker(testLogger())
	e := newExecutor([]capture.Recorder{capture.NewHARRecorder(testLogger(), "test", nil)}, tracker, nil, true)
	action := actions.Spec{Name: "open", Type: actions.TypeClick, Selector: "#x"}

	_, err := e.Execute(context.Background(), newRun(t), &Attempt{Page: page}, &action, occurrence(1))
	require.Error(t, err)

	assert.True(t, failure.IsTransient(err))
	assert.Contains(t, err.Error(), `performing click action "open"`)

	for _, call := range page.Calls() {
		assert.NotEqual(t, "Screenshot", call.Method)
	}

	// The capture window is closed even though the action failed.
	require.NoError(t, tracker.Wait(context.Background()))
}

func TestActionExecutorArtifacts(t *testing.T) {
	run := newRun(t)
	page := &browsertest.Page{
		Network: []browser.NetworkEvent{
			{Type: browser.NetworkRequest, RequestID: "1", URL: "https://dev.example.test/", Method: "GET", Monotonic: 10, WallTime: time.Now()},
			{Type: browser.NetworkResponse, RequestID: "1", Status: 200, StatusText: "OK", Monotonic: 10.1},
			{Type: browser.NetworkFinished, RequestID: "1", Monotonic: 10.2, EncodedBytes: 512},
		},
	}

	tracker := capture.NewTracker(testLogger())
	e := newExecutor([]capture.Recorder{capture.NewHARRecorder(testLogger(), "test", nil)}, tracker, nil, true)

	tests := []struct {
		name string
		occ  Occurrence
		base string
	}{
		{name: "single action", occ: Occurrence{Iteration: runctx.Iteration{Index: 2, Total: 3}, Cycle: 1}, base: "home_" + run.TestID + "_2"},
		{name: "grouped action", occ: Occurrence{Iteration: runctx.Iteration{Index: 2, Total: 3}, Cycle: 3, Grouped: true}, base: "home_" + run.TestID + "_2_3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action := nav("home")

			_, err := e.Execute(context.Background(), run, &Attempt{Page: page}, &action, tt.occ)
			require.NoError(t, err)
			require.NoError(t, tracker.Wait(context.Background()))

			base := filepath.Join(run.OutputDir, tt.base)
			assert.FileExists(t, base+".png")

			doc, err := har.ParseFile(base + capture.HARExtension)
			require.NoError(t, err)
			require.Len(t, doc.Log.Entries, 1)
			assert.Equal(t, 200, doc.Log.Entries[0].Response.Status)
		})
	}
}

type fakeAuditor struct {
	metrics []audit.Metric
	err     error
}

func (f *fakeAuditor) Run(context.Context, browser.Page) ([]audit.Metric, error) {
	return f.metrics, f.err
}

type steppingReader struct {
	calls int
}

func (s *steppingReader) ReadStats(context.Context) (*resource.Stats, error) {
	s.calls++

	return &resource.Stats{CPUTime: time.Duration(s.calls) * 10 * time.Millisecond, RSS: uint64(s.calls) * 1024, Processes: 1}, nil
}

type failingReader struct{}

func (failingReader) ReadStats(context.Context) (*resource.Stats, error) {
	return nil, errors.New("process exited")
}

func TestActionExecutorSampleExtensions(t *testing.T) {
	si := 1234.0
	allAudit := append([]string{timing.DurationKey}, audit.Metrics...)

	tests := []struct {
		name    string
		auditor audit.Auditor
		reader  resource.Reader
		want    []string
	}{
		{
			name: "audit metrics and resource delta",
			auditor: &fakeAuditor{metrics: []audit.Metric{
				{Name: "speedIndex", Value: &si},
				{Name: "largestContentfulPaint"},
			}},
			reader: &steppingReader{},
			want:   []string{timing.DurationKey, "speedIndex", "largestContentfulPaint", resource.KeyCPUTime, resource.KeyRSSDelta},
		},
		{
			name:    "failed audit writes null metrics",
			auditor: &fakeAuditor{err: errors.New("no document")},
			want:    allAudit,
		},
		{
			name:   "failed resource read writes null deltas",
			reader: failingReader{},
			want:   []string{timing.DurationKey, resource.KeyCPUTime, resource.KeyRSSDelta},
		},
		{
			name: "unmetered session adds no deltas",
			want: []string{timing.DurationKey},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newExecutor(nil, capture.NewTracker(testLogger()), tt.auditor, false)
			action := nav("home")

			sample, err := e.Execute(context.Background(), newRun(t), &Attempt{Page: &browsertest.Page{}, Resources: tt.reader}, &action, occurrence(1))
			require.NoError(t, err)

			assert.Equal(t, tt.want, sample.Keys())

			for _, key := range sample.Keys()[1:] {
				if _, ok := sample.Value(key); !ok {
					assert.Equal(t, timing.NullValue, sample.Format(key))
				}
			}
		})
	}

	t.Run("null audit value", func(t *testing.T) {
		e := newExecutor(nil, capture.NewTracker(testLogger()), &fakeAuditor{metrics: []audit.Metric{{Name: "largestContentfulPaint"}}}, false)
		action := nav("home")

		sample, err := e.Execute(context.Background(), newRun(t), &Attempt{Page: &browsertest.Page{}}, &action, occurrence(1))
		require.NoError(t, err)

		assert.Equal(t, timing.NullValue, sample.Format("largestContentfulPaint"))
	})
}

func TestActionExecutorCancelledDuringDelay(t *testing.T) {
	e := newExecutor(nil, capture.NewTracker(testLogger()), nil, false)
	e.cfg.PreActionDelay = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	page := &browsertest.Page{}
	action := nav("home")

	_, err := e.Execute(ctx, newRun(t), &Attempt{Page: page}, &action, occurrence(1))
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, page.Methods())
}

func TestLoginProber(t *testing.T) {
	tests := []struct {
		name    string
		total   int
		page    *browsertest.Page
		want    bool
		calls   []string
		wantErr bool
	}{
		{
			name:  "short runs never probe",
			total: 2,
			page:  &browsertest.Page{},
			calls: []string{},
		},
		{
			name:  "statistics page means logged in",
			total: 3,
			page:  &browsertest.Page{Texts: map[string]string{"body": "Statistics for dev12345 node"}},
			want:  true,
			calls: []string{"Navigate(https://dev.example.test/stats.do)", "Text(body)"},
		},
		{
			name:  "login page means logged out",
			total: 5,
			page:  &browsertest.Page{Texts: map[string]string{"body": "User name Password"}},
			calls: []string{"Navigate(https://dev.example.test/stats.do)", "Text(body)"},
		},
		{
			name:    "navigation failure",
			total:   5,
			page:    &browsertest.Page{Errors: map[string]error{"Navigate": errors.New("Error: net::ERR_TIMED_OUT at https://dev.example.test/stats.do")}},
			calls:   []string{"Navigate(https://dev.example.test/stats.do)"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prober := NewLoginProber(testLogger(), "https://dev.example.test/", "/stats.do", "Statistics for")

			got, err := prober.LoggedIn(context.Background(), tt.page, runctx.Iteration{Index: 1, Total: tt.total})
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, failure.Is(err, failure.KindActionExecution))
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}

			assert.Equal(t, tt.calls, append([]string{}, tt.page.Methods()...))
		})
	}
}
