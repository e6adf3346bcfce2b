package report

import (
	"errors"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/ethpandaops/browserperf/pkg/capture"
	"github.com/ethpandaops/browserperf/pkg/har"
	"github.com/ethpandaops/browserperf/pkg/runctx"
	"github.com/ethpandaops/browserperf/pkg/stats"
	"github.com/ethpandaops/browserperf/pkg/timing"
)

// WaterfallChartSuffix names the chart an external post-processor may
// render next to each HAR capture.
const WaterfallChartSuffix = "_waterfall_chart.html"

// HTMLReportData contains all data rendered by the HTML report.
type HTMLReportData struct {
	GeneratedAt string
	SuiteName   string
	SuiteID     string
	TestID      string
	Timings     *timing.Table
	Summary     []stats.ActionStat
	Captures    []CaptureSection
}

// CaptureSection describes the artifacts of one capture window.
type CaptureSection struct {
	Name       string
	HAR        Artifact
	Chart      *Artifact
	Waterfall  *timing.Table
	Screenshot *Artifact
	Video      *Artifact
}

// Artifact is a file inside the run directory, linked relatively.
type Artifact struct {
	File string
	Size string
}

// CollectCaptures returns one section per HAR capture in dir, oldest first.
func CollectCaptures(dir string) ([]CaptureSection, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*"+capture.HARExtension))
	if err != nil {
		return nil, fmt.Errorf("listing HAR files: %w", err)
	}

	type harFile struct {
		path    string
		modTime time.Time
		size    int64
	}

	hars := make([]harFile, 0, len(files))

	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}

		hars = append(hars, harFile{path: path, modTime: info.ModTime(), size: info.Size()})
	}

	sort.SliceStable(hars, func(i, j int) bool {
		if hars[i].modTime.Equal(hars[j].modTime) {
			return hars[i].path < hars[j].path
		}

		return hars[i].modTime.Before(hars[j].modTime)
	})

	sections := make([]CaptureSection, 0, len(hars))

	for _, h := range hars {
		base := strings.TrimSuffix(h.path, capture.HARExtension)

		section := CaptureSection{
			Name:       filepath.Base(base),
			HAR:        Artifact{File: filepath.Base(h.path), Size: units.HumanSize(float64(h.size))},
			Chart:      artifact(base + WaterfallChartSuffix),
			Screenshot: artifact(base + ".png"),
			Video:      artifact(base + capture.VideoExtension),
		}

		data, err := os.ReadFile(har.WaterfallPath(h.path))
		switch {
		case err == nil:
			table, perr := timing.ParseTable(string(data))
			if perr != nil {
				return nil, fmt.Errorf("parsing waterfall of %s: %w", section.Name, perr)
			}

			section.Waterfall = table
		case !errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("reading waterfall of %s: %w", section.Name, err)
		}

		sections = append(sections, section)
	}

	return sections, nil
}

// artifact returns the artifact at path, or nil when it does not exist.
func artifact(path string) *Artifact {
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}

	return &Artifact{
		File: filepath.Base(path),
		Size: units.HumanSize(float64(info.Size())),
	}
}

// BuildHTMLReportData reads the run directory into report data.
func BuildHTMLReportData(run *runctx.RunContext, summary []stats.ActionStat, now time.Time) (*HTMLReportData, error) {
	timings, err := timing.ReadTable(run.Path(timing.TimingsFile))
	if err != nil {
		return nil, fmt.Errorf("reading timings: %w", err)
	}

	captures, err := CollectCaptures(run.OutputDir)
	if err != nil {
		return nil, err
	}

	return &HTMLReportData{
		GeneratedAt: now.Format(time.RFC3339),
		SuiteName:   run.SuiteName,
		SuiteID:     run.SuiteID,
		TestID:      run.TestID,
		Timings:     timings,
		Summary:     summary,
		Captures:    captures,
	}, nil
}

var htmlReport = template.Must(template.New("report").Funcs(template.FuncMap{
	"formatFloat": timing.FormatFloat,
}).Parse(htmlTemplate))

// RenderHTML writes the standalone HTML report.
func RenderHTML(w io.Writer, data *HTMLReportData) error {
	if err := htmlReport.Execute(w, data); err != nil {
		return fmt.Errorf("executing report template: %w", err)
	}

	return nil
}

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Performance Report</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, 'Helvetica Neue', Arial, sans-serif;
            background: #f5f7fa;
            color: #2c3e50;
            padding: 20px;
        }
        header .meta {
            color: #6c757d;
            font-size: 0.9rem;
        }
        .section {
            background: white;
            border-radius: 8px;
            box-shadow: 0 2px 8px rgba(0,0,0,0.1);
            margin-bottom: 30px;
            padding: 20px;
            overflow-x: auto;
        }
        table {
            border-collapse: collapse;
            font-size: 0.85rem;
            width: 100%;
        }
        th, td {
            border: 1px solid #e1e4e8;
            padding: 4px 8px;
            text-align: left;
            white-space: nowrap;
        }
        th {
            background: #f8f9fa;
        }
        .links a {
            margin-right: 15px;
        }
    </style>
</head>
<body>
    <header>
        <h1>Performance Report</h1>
        <div class="meta">
            Suite {{.SuiteName}} ({{.SuiteID}}) &middot; Test {{.TestID}} &middot; Generated {{.GeneratedAt}}
        </div>
    </header>

    <div class="section">
        <h2>Timings</h2>
        {{template "table" .Timings}}
    </div>

    {{if .Summary}}
    <div class="section">
        <h2>Summary</h2>
        <table>
            <tr><th>Action</th><th>Metric</th><th>Average</th><th>Min</th><th>Max</th><th>Median</th><th>P90</th></tr>
            {{range .Summary}}
            <tr>
                <td>{{.ActionName}}</td>
                <td>{{.Metric}}</td>
                <td>{{formatFloat .Avg}}</td>
                <td>{{formatFloat .Min}}</td>
                <td>{{formatFloat .Max}}</td>
                <td>{{formatFloat .Median}}</td>
                <td>{{formatFloat .P90}}</td>
            </tr>
            {{end}}
        </table>
    </div>
    {{end}}

    {{range .Captures}}
    <div class="section capture" id="{{.Name}}">
        <h2>{{.Name}}</h2>
        <div class="links">
            <a href="{{.HAR.File}}">HAR ({{.HAR.Size}})</a>
            {{with .Chart}}<a href="{{.File}}">Waterfall chart ({{.Size}})</a>{{end}}
            {{with .Screenshot}}<a href="{{.File}}">Screenshot ({{.Size}})</a>{{end}}
            {{with .Video}}<a href="{{.File}}">Video ({{.Size}})</a>{{end}}
        </div>
        {{with .Waterfall}}
        <h3>Waterfall</h3>
        {{template "table" .}}
        {{end}}
    </div>
    {{end}}
</body>
</html>

{{define "table"}}
<table>
    <tr>{{range .Header}}<th>{{.}}</th>{{end}}</tr>
    {{range .Rows}}
    <tr>{{range .}}<td>{{.}}</td>{{end}}</tr>
    {{end}}
</table>
{{end}}
`
