package har

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethpandaops/browserperf/pkg/fsutil"
)

// WaterfallSuffix replaces the .har extension of a capture to name its
// waterfall table.
const WaterfallSuffix = "_waterfall_data.csv"

// WaterfallHeader is the header row of a waterfall table.
var WaterfallHeader = []string{
	"url", "method", "status", "startMs", "durationMs",
	"blocked", "dns", "connect", "ssl", "send", "wait", "receive",
}

// WaterfallRow is one request of a waterfall, offsets relative to the
// earliest request of the document.
type WaterfallRow struct {
	URL        string
	Method     string
	Status     int
	StartMs    float64
	DurationMs float64
	Timings    Timings
}

// Waterfall extracts one row per entry in start order.
func Waterfall(doc *HAR) []WaterfallRow {
	if doc == nil || doc.Log == nil || len(doc.Log.Entries) == 0 {
		return nil
	}

	var origin time.Time

	starts := make([]time.Time, len(doc.Log.Entries))

	for i, e := range doc.Log.Entries {
		ts, err := time.Parse(time.RFC3339Nano, e.StartedDateTime)
		if err != nil {
			continue
		}

		starts[i] = ts

		if origin.IsZero() || ts.Before(origin) {
			origin = ts
		}
	}

	rows := make([]WaterfallRow, 0, len(doc.Log.Entries))

	for i, e := range doc.Log.Entries {
		row := WaterfallRow{DurationMs: e.Time}

		if e.Request != nil {
			row.URL = e.Request.URL
			row.Method = e.Request.Method
		}

		if e.Response != nil {
			row.Status = e.Response.Status
		}

		if e.Timings != nil {
			row.Timings = *e.Timings
		}

		if !starts[i].IsZero() {
			row.StartMs = float64(starts[i].Sub(origin).Microseconds()) / 1000
		}

		rows = append(rows, row)
	}

	return rows
}

// WaterfallCSV renders rows as a table readable by the tabular parser. The
// URL column is always double quoted.
func WaterfallCSV(rows []WaterfallRow) string {
	var sb strings.Builder

	sb.WriteString(strings.Join(WaterfallHeader, ","))
	sb.WriteByte('\n')

	for _, r := range rows {
		fields := []string{
			`"` + strings.ReplaceAll(r.URL, `"`, `\"`) + `"`,
			r.Method,
			strconv.Itoa(r.Status),
			FormatMillis(r.StartMs),
			FormatMillis(r.DurationMs),
			FormatMillis(r.Timings.Blocked),
			FormatMillis(r.Timings.DNS),
			FormatMillis(r.Timings.Connect),
			FormatMillis(r.Timings.SSL),
			FormatMillis(r.Timings.Send),
			FormatMillis(r.Timings.Wait),
			FormatMillis(r.Timings.Receive),
		}

		sb.WriteString(strings.Join(fields, ","))
		sb.WriteByte('\n')
	}

	return sb.String()
}

// WaterfallPath returns the waterfall table path for a HAR capture.
func WaterfallPath(harPath string) string {
	return strings.TrimSuffix(harPath, ".har") + WaterfallSuffix
}

// WriteWaterfall parses the HAR at harPath and writes its waterfall table
// next to it, returning the table path.
func WriteWaterfall(harPath string, owner *fsutil.OwnerConfig) (string, error) {
	doc, err := ParseFile(harPath)
	if err != nil {
		return "", err
	}

	out := WaterfallPath(harPath)

	if err := fsutil.WriteFile(out, []byte(WaterfallCSV(Waterfall(doc))), 0o644, owner); err != nil {
		return "", fmt.Errorf("writing waterfall table: %w", err)
	}

	return out, nil
}
