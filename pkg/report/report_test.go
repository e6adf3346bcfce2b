package report

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethpandaops/browserperf/pkg/executor"
	"github.com/ethpandaops/browserperf/pkg/failure"
	"github.com/ethpandaops/browserperf/pkg/har"
	"github.com/ethpandaops/browserperf/pkg/resource"
	"github.com/ethpandaops/browserperf/pkg/runctx"
	"github.com/ethpandaops/browserperf/pkg/runner"
	"github.com/ethpandaops/browserperf/pkg/stats"
	"github.com/ethpandaops/browserperf/pkg/timing"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

var started = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newRun(t *testing.T) *runctx.RunContext {
	t.Helper()

	run, err := runctx.New("ITSM smoke", t.TempDir(), nil, started)
	require.NoError(t, err)

	return run
}

func writeTimings(t *testing.T, run *runctx.RunContext, names ...string) {
	t.Helper()

	sink := timing.NewCSVSink(testLogger(), run.Path(timing.TimingsFile), nil)

	for i, name := range names {
		require.NoError(t, sink.Write(&timing.Record{
			SuiteID:    run.SuiteID,
			TestID:     run.TestID,
			Iteration:  1,
			ActionName: name,
			ActionType: "navigate",
			URL:        "https://example.service-now.com/" + name,
			Sample:     timing.NewSample(time.Duration(i+1) * 100 * time.Millisecond),
			Timestamp:  started,
		}))
	}
}

func writeFile(t *testing.T, path, content string, mod time.Time) {
	t.Helper()

	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	require.NoError(t, os.Chtimes(path, mod, mod))
}

var sampleStats = []stats.ActionStat{
	{ActionName: "home", Metric: timing.DurationKey, Summary: stats.Summary{Count: 2, Avg: 150, Min: 100, Max: 200, Median: 150, P90: 200}},
	{ActionName: "incident|list", Metric: timing.DurationKey, Summary: stats.Summary{Count: 2, Avg: 300, Min: 250, Max: 350, Median: 300, P90: 350}},
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{name: "sub-second", duration: 500 * time.Millisecond, expected: "500ms"},
		{name: "seconds only", duration: 45 * time.Second, expected: "45s"},
		{name: "minutes and seconds", duration: 10*time.Minute + 8*time.Second, expected: "10m 8s"},
		{name: "hours minutes seconds", duration: 2*time.Hour + 30*time.Minute + 15*time.Second, expected: "2h 30m 15s"},
		{name: "zero", duration: 0, expected: "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatDuration(tt.duration))
		})
	}
}

func TestGenerateMarkdown(t *testing.T) {
	speedometer := 142.5
	result := &Result{
		SuiteName:        "ITSM smoke",
		SuiteID:          "SPT00000042",
		TestID:           "test_abc",
		Status:           "exhausted",
		Attempts:         3,
		StartedAt:        started,
		FinishedAt:       started.Add(2*time.Minute + 5*time.Second),
		Iterations:       5,
		FailedIterations: 1,
		ExecutedActions:  13,
		Scores:           &Scores{Speedometer: &speedometer},
		Error:            "all 3 retries failed",
		ErrorKind:        "retry_exhausted",
		Host:             &resource.Host{Hostname: "runner-1", CPUs: 8, Platform: "ubuntu", PlatformVersion: "24.04"},
	}

	md := GenerateMarkdown(result, sampleStats)

	assert.True(t, strings.HasPrefix(md, "# Performance Run: test_abc\n"))
	assert.Contains(t, md, "| Status | exhausted |")
	assert.Contains(t, md, "| Iterations | 5 (1 failed) |")
	assert.Contains(t, md, "| Duration | 2m 5s |")
	assert.Contains(t, md, "| Error | all 3 retries failed (retry_exhausted) |")
	assert.Contains(t, md, "| Speedometer | 142.5 |")
	assert.NotContains(t, md, "| Octane |")
	assert.Contains(t, md, "| home | duration | 2 | 150 | 100 | 200 | 150 | 200 |")
	assert.Contains(t, md, `| incident\|list |`)
	assert.Contains(t, md, "| Platform | ubuntu 24.04 |")
}

func TestGenerateMarkdownMinimal(t *testing.T) {
	md := GenerateMarkdown(&Result{TestID: "test_abc"}, nil)

	assert.Contains(t, md, "## Overview")
	assert.NotContains(t, md, "## Action Statistics")
	assert.NotContains(t, md, "## Browser Scores")
	assert.NotContains(t, md, "## Host")
}

func TestCollectCapturesOrderedByModTime(t *testing.T) {
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "b_test_1.har"), `{"log":{}}`, started)
	writeFile(t, filepath.Join(dir, "a_test_2.har"), `{"log":{}}`, started.Add(time.Minute))
	writeFile(t, filepath.Join(dir, "b_test_1.png"), "png", started)
	writeFile(t, filepath.Join(dir, "b_test_1"+WaterfallChartSuffix), "<html></html>", started)
	writeFile(t, har.WaterfallPath(filepath.Join(dir, "b_test_1.har")),
		strings.Join(har.WaterfallHeader, ",")+"\n\"https://x.test/a\",GET,200,0,12,0,0,0,0,1,10,1\n", started)

	sections, err := CollectCaptures(dir)
	require.NoError(t, err)
	require.Len(t, sections, 2)

	first := sections[0]
	assert.Equal(t, "b_test_1", first.Name)
	assert.Equal(t, "b_test_1.har", first.HAR.File)
	require.NotNil(t, first.Screenshot)
	assert.Equal(t, "b_test_1.png", first.Screenshot.File)
	assert.Equal(t, "3B", first.Screenshot.Size)
	require.NotNil(t, first.Chart)
	assert.Nil(t, first.Video)
	require.NotNil(t, first.Waterfall)
	require.Len(t, first.Waterfall.Rows, 1)
	assert.Equal(t, "https://x.test/a", first.Waterfall.Rows[0][0])

	second := sections[1]
	assert.Equal(t, "a_test_2", second.Name)
	assert.Nil(t, second.Screenshot)
	assert.Nil(t, second.Waterfall)
}

func TestGeneratorGenerate(t *testing.T) {
	run := newRun(t)
	writeTimings(t, run, "home", "list")
	writeFile(t, run.Path("home_"+run.TestID+"_1.har"), `{"log":{}}`, started)
	writeFile(t, run.Path("list_"+run.TestID+"_1.har"), `{"log":{}}`, started.Add(time.Second))

	g := NewGenerator(testLogger(), &Config{HTML: true, Markdown: true})
	require.NoError(t, g.Generate(context.Background(), run, sampleStats))

	data, err := os.ReadFile(run.Path(HTMLFile))
	require.NoError(t, err)

	html := string(data)
	assert.Contains(t, html, "<title>Performance Report</title>")
	assert.Contains(t, html, run.TestID)
	assert.Contains(t, html, "<th>ActionName</th>")
	assert.Contains(t, html, "<td>https://example.service-now.com/list</td>")
	assert.Contains(t, html, "incident|list")

	home := strings.Index(html, `id="home_`+run.TestID+`_1"`)
	list := strings.Index(html, `id="list_`+run.TestID+`_1"`)
	require.Positive(t, home)
	require.Positive(t, list)
	assert.Less(t, home, list)

	md, err := os.ReadFile(run.Path(MarkdownFile))
	require.NoError(t, err)
	assert.Contains(t, string(md), "| home | duration |")
}

func TestGeneratorGenerateDisabled(t *testing.T) {
	run := newRun(t)

	g := NewGenerator(testLogger(), &Config{})
	require.NoError(t, g.Generate(context.Background(), run, sampleStats))

	assert.NoFileExists(t, run.Path(HTMLFile))
	assert.NoFileExists(t, run.Path(MarkdownFile))
}

func TestGeneratorGenerateWithoutTimings(t *testing.T) {
	run := newRun(t)

	err := NewGenerator(testLogger(), &Config{HTML: true}).Generate(context.Background(), run, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading timings")
}

func TestGeneratorComplete(t *testing.T) {
	run := newRun(t)

	g, ok := NewGenerator(testLogger(), &Config{Markdown: true}).(*generator)
	require.True(t, ok)

	g.hostInfo = func(context.Context) (*resource.Host, error) {
		return &resource.Host{Hostname: "runner-1", CPUs: 4}, nil
	}

	octane := 45678.0
	outcome := &runner.Outcome{
		State:      runner.StateSucceeded,
		Attempts:   2,
		Scores:     timing.Scores{Octane: &octane},
		StartedAt:  started,
		FinishedAt: started.Add(90 * time.Second),
		Summary: &executor.Summary{
			Iterations:       3,
			FailedIterations: 0,
			ExecutedActions:  9,
			Stats:            sampleStats,
		},
	}

	result, err := g.Complete(context.Background(), run, outcome)
	require.NoError(t, err)

	assert.Equal(t, "succeeded", result.Status)
	assert.Equal(t, int64(90_000), result.DurationMs)

	read, err := ReadResult(run.OutputDir)
	require.NoError(t, err)

	assert.Equal(t, run.TestID, read.TestID)
	assert.Equal(t, run.SuiteID, read.SuiteID)
	assert.Equal(t, 2, read.Attempts)
	assert.Equal(t, 9, read.ExecutedActions)
	require.NotNil(t, read.Scores)
	assert.Nil(t, read.Scores.Speedometer)
	assert.InDelta(t, octane, *read.Scores.Octane, 0.001)
	require.NotNil(t, read.Host)
	assert.Equal(t, "runner-1", read.Host.Hostname)
	assert.Equal(t, sampleStats, read.Stats)

	md, err := os.ReadFile(run.Path(MarkdownFile))
	require.NoError(t, err)
	assert.Contains(t, string(md), "| Status | succeeded |")
}

func TestNewResultErrors(t *testing.T) {
	run := newRun(t)

	tests := []struct {
		name     string
		outcome  *runner.Outcome
		wantKind string
		wantErr  string
	}{
		{
			name:    "in progress",
			outcome: nil,
		},
		{
			name: "exhausted",
			outcome: &runner.Outcome{
				State:    runner.StateExhausted,
				Attempts: 3,
				Err:      &failure.RetryExhaustedError{Attempts: 3, Last: errors.New("TimeoutError: Navigation timeout of 60000 ms exceeded")},
			},
			wantKind: "retry_exhausted",
			wantErr:  "all 3 retries failed",
		},
		{
			name: "fatal",
			outcome: &runner.Outcome{
				State:    runner.StateFailed,
				Attempts: 1,
				Err:      errors.New("chrome binary not found"),
			},
			wantKind: "unknown",
			wantErr:  "chrome binary not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NewResult(run, tt.outcome, nil)

			assert.Equal(t, run.TestID, result.TestID)
			assert.Equal(t, tt.wantKind, result.ErrorKind)
			assert.Contains(t, result.Error, tt.wantErr)

			if tt.outcome == nil {
				assert.Empty(t, result.Status)
				assert.Nil(t, result.Scores)
			}
		})
	}
}
