package har

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethpandaops/browserperf/pkg/browser"
	"github.com/ethpandaops/browserperf/pkg/timing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func feed(b *Builder) {
	b.Add(browser.NetworkEvent{
		Type:           browser.NetworkRequest,
		RequestID:      "1",
		Monotonic:      100.0,
		WallTime:       t0,
		URL:            "https://example.com/app?b=2&a=1",
		Method:         "GET",
		RequestHeaders: map[string]string{"User-Agent": "test", "Accept": "*/*"},
	})
	b.Add(browser.NetworkEvent{
		Type:            browser.NetworkResponse,
		RequestID:       "1",
		Monotonic:       100.2,
		Status:          200,
		StatusText:      "OK",
		Protocol:        "h2",
		MimeType:        "text/html",
		RemoteIP:        "10.0.0.1",
		ResponseHeaders: map[string]string{"Content-Type": "text/html"},
		Timing: &browser.ResourceTiming{
			RequestTime:       100.0,
			DNSStart:          1,
			DNSEnd:            11,
			ConnectStart:      11,
			ConnectEnd:        41,
			SSLStart:          21,
			SSLEnd:            41,
			SendStart:         41,
			SendEnd:           42,
			ReceiveHeadersEnd: 142,
		},
	})
	b.Add(browser.NetworkEvent{
		Type:         browser.NetworkFinished,
		RequestID:    "1",
		Monotonic:    100.25,
		EncodedBytes: 2048,
	})
	b.Add(browser.NetworkEvent{
		Type:      browser.NetworkRequest,
		RequestID: "2",
		Monotonic: 100.05,
		WallTime:  t0.Add(50 * time.Millisecond),
		URL:       "https://example.com/api, with comma",
		Method:    "POST",
		PostData:  `{"q":1}`,
		RequestHeaders: map[string]string{
			"content-type": "application/json",
		},
	})
	b.Add(browser.NetworkEvent{
		Type:      browser.NetworkFailed,
		RequestID: "2",
		Monotonic: 100.15,
		ErrorText: "net::ERR_TIMED_OUT",
	})
}

func TestBuilder(t *testing.T) {
	b := NewBuilder("home", t0, Creator{Name: "browserperf", Version: "dev"})
	feed(b)

	doc := b.HAR()
	require.NotNil(t, doc.Log)
	assert.Equal(t, Version, doc.Log.Version)
	require.Len(t, doc.Log.Pages, 1)
	assert.True(t, strings.HasPrefix(doc.Log.Pages[0].ID, "page_"))
	require.Len(t, doc.Log.Entries, 2)

	first := doc.Log.Entries[0]
	assert.Equal(t, doc.Log.Pages[0].ID, first.PageRef)
	assert.Equal(t, 200, first.Response.Status)
	assert.Equal(t, "H2", first.Response.HTTPVersion)
	assert.Equal(t, 2048, first.Response.BodySize)
	assert.Equal(t, "10.0.0.1", first.ServerIPAddress)
	require.Len(t, first.Request.QueryString, 2)
	assert.Equal(t, "a", first.Request.QueryString[0].Name)
	assert.Equal(t, "Accept", first.Request.Headers[0].Name)

	assert.InDelta(t, 1, first.Timings.Blocked, 0.001)
	assert.InDelta(t, 10, first.Timings.DNS, 0.001)
	assert.InDelta(t, 30, first.Timings.Connect, 0.001)
	assert.InDelta(t, 20, first.Timings.SSL, 0.001)
	assert.InDelta(t, 1, first.Timings.Send, 0.001)
	assert.InDelta(t, 100, first.Timings.Wait, 0.001)
	assert.InDelta(t, 108, first.Timings.Receive, 0.001)
	assert.InDelta(t, 250, first.Time, 0.001)

	second := doc.Log.Entries[1]
	assert.Equal(t, 0, second.Response.Status)
	assert.Equal(t, "net::ERR_TIMED_OUT", second.Response.StatusText)
	require.NotNil(t, second.Request.PostData)
	assert.Equal(t, "application/json", second.Request.PostData.MimeType)
	assert.Equal(t, float64(-1), second.Timings.DNS)
	assert.InDelta(t, 100, second.Time, 0.001)
}

func TestBuilderRedirect(t *testing.T) {
	b := NewBuilder("redirect", t0, Creator{Name: "browserperf"})
	b.Add(browser.NetworkEvent{Type: browser.NetworkRequest, RequestID: "r", Monotonic: 1, WallTime: t0, URL: "http://a/"})
	b.Add(browser.NetworkEvent{Type: browser.NetworkRequest, RequestID: "r", Monotonic: 1.5, WallTime: t0.Add(500 * time.Millisecond), URL: "https://a/"})
	b.Add(browser.NetworkEvent{Type: browser.NetworkFinished, RequestID: "r", Monotonic: 2})

	doc := b.HAR()
	require.Len(t, doc.Log.Entries, 2)
	assert.InDelta(t, 500, doc.Log.Entries[0].Time, 0.001)
	assert.InDelta(t, 500, doc.Log.Entries[1].Time, 0.001)
}

func TestWaterfall(t *testing.T) {
	b := NewBuilder("home", t0, Creator{Name: "browserperf"})
	feed(b)

	rows := Waterfall(b.HAR())
	require.Len(t, rows, 2)
	assert.Equal(t, 0.0, rows[0].StartMs)
	assert.InDelta(t, 50, rows[1].StartMs, 0.001)
	assert.Equal(t, "POST", rows[1].Method)

	assert.Nil(t, Waterfall(nil))
	assert.Nil(t, Waterfall(&HAR{Log: &Log{}}))
}

func TestWaterfallCSVParses(t *testing.T) {
	b := NewBuilder("home", t0, Creator{Name: "browserperf"})
	feed(b)

	table, err := timing.ParseTable(WaterfallCSV(Waterfall(b.HAR())))
	require.NoError(t, err)
	assert.Equal(t, WaterfallHeader, table.Header)
	require.Len(t, table.Rows, 2)

	url, ok := table.Value(table.Rows[1], "url")
	require.True(t, ok)
	assert.Equal(t, "https://example.com/api, with comma", url)

	status, _ := table.Value(table.Rows[0], "status")
	assert.Equal(t, "200", status)
}

func TestWriteWaterfall(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "home_iteration_1.har")

	b := NewBuilder("home", t0, Creator{Name: "browserperf"})
	feed(b)
	require.NoError(t, WriteFile(path, b.HAR(), nil))

	doc, err := ParseFile(path)
	require.NoError(t, err)
	assert.Len(t, doc.Log.Entries, 2)

	out, err := WriteWaterfall(path, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "home_iteration_1_waterfall_data.csv"), out)

	table, err := timing.ReadTable(out)
	require.NoError(t, err)
	assert.Len(t, table.Rows, 2)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "not json", input: "nope"},
		{name: "missing log", input: `{"other":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.input))
			assert.Error(t, err)
		})
	}
}
