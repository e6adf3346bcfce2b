// Package report renders the human readable outputs of a run: the HTML
// performance report, the markdown summary and result.json.
package report

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/browserperf/pkg/fsutil"
	"github.com/ethpandaops/browserperf/pkg/resource"
	"github.com/ethpandaops/browserperf/pkg/runctx"
	"github.com/ethpandaops/browserperf/pkg/runner"
	"github.com/ethpandaops/browserperf/pkg/stats"
	"github.com/sirupsen/logrus"
)

const (
	// HTMLFile is the HTML report inside the run directory.
	HTMLFile = "performance_report.html"

	// MarkdownFile is the markdown summary inside the run directory.
	MarkdownFile = "summary.md"
)

// Generator writes the reports of a run.
type Generator interface {
	// Generate renders the reports once the timings are aggregated.
	Generate(ctx context.Context, run *runctx.RunContext, summary []stats.ActionStat) error
	// Complete writes result.json for the final outcome and refreshes the
	// markdown summary with it.
	Complete(ctx context.Context, run *runctx.RunContext, outcome *runner.Outcome) (*Result, error)
}

// Config for the generator.
type Config struct {
	HTML     bool
	Markdown bool
	Owner    *fsutil.OwnerConfig
}

// NewGenerator creates a report generator.
func NewGenerator(log logrus.FieldLogger, cfg *Config) Generator {
	return &generator{
		log:      log.WithField("component", "report"),
		cfg:      cfg,
		hostInfo: resource.HostInfo,
		now:      time.Now,
	}
}

type generator struct {
	log      logrus.FieldLogger
	cfg      *Config
	hostInfo func(ctx context.Context) (*resource.Host, error)
	now      func() time.Time
}

// Ensure interface compliance.
var _ Generator = (*generator)(nil)

// Generate implements Generator.
func (g *generator) Generate(_ context.Context, run *runctx.RunContext, summary []stats.ActionStat) error {
	if g.cfg.HTML {
		data, err := BuildHTMLReportData(run, summary, g.now())
		if err != nil {
			return fmt.Errorf("collecting report data: %w", err)
		}

		var buf bytes.Buffer
		if err := RenderHTML(&buf, data); err != nil {
			return err
		}

		if err := fsutil.WriteFile(run.Path(HTMLFile), buf.Bytes(), 0o644, g.cfg.Owner); err != nil {
			return fmt.Errorf("writing HTML report: %w", err)
		}

		g.log.WithFields(logrus.Fields{
			"file":     HTMLFile,
			"captures": len(data.Captures),
		}).Info("HTML report generated")
	}

	if g.cfg.Markdown {
		if err := g.writeMarkdown(run, NewResult(run, nil, nil), summary); err != nil {
			return err
		}
	}

	return nil
}

// Complete implements Generator.
func (g *generator) Complete(ctx context.Context, run *runctx.RunContext, outcome *runner.Outcome) (*Result, error) {
	host, err := g.hostInfo(ctx)
	if err != nil {
		g.log.WithError(err).Warn("Host info unavailable")
	}

	result := NewResult(run, outcome, host)

	if err := WriteResult(run.OutputDir, result, g.cfg.Owner); err != nil {
		return nil, err
	}

	g.log.WithFields(logrus.Fields{
		"file":   ResultFile,
		"status": result.Status,
	}).Info("Run result written")

	// Without stats the finalization skipped the reports.
	if g.cfg.Markdown && len(result.Stats) > 0 {
		if err := g.writeMarkdown(run, result, result.Stats); err != nil {
			return result, err
		}
	}

	return result, nil
}

func (g *generator) writeMarkdown(run *runctx.RunContext, result *Result, summary []stats.ActionStat) error {
	md := GenerateMarkdown(result, summary)

	if err := fsutil.WriteFile(run.Path(MarkdownFile), []byte(md), 0o644, g.cfg.Owner); err != nil {
		return fmt.Errorf("writing markdown summary: %w", err)
	}

	g.log.WithField("file", MarkdownFile).Debug("Markdown summary written")

	return nil
}
