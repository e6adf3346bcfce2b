// Package postprocess hands the finished run directory to an external
// command, or extracts HAR waterfall tables itself when none is configured.
package postprocess

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ethpandaops/browserperf/pkg/fsutil"
	"github.com/ethpandaops/browserperf/pkg/har"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds the external command.
const DefaultTimeout = 10 * time.Minute

// waterfallConcurrency bounds the parallel HAR conversions.
const waterfallConcurrency = 4

// Processor post-processes a run directory.
type Processor interface {
	Process(ctx context.Context, dir string) error
}

// Config for the processor.
type Config struct {
	// Command is run with Args followed by the run directory. An empty
	// command selects the built-in waterfall extraction.
	Command string
	Args    []string
	Timeout time.Duration
	Owner   *fsutil.OwnerConfig
}

// NewProcessor creates a post-processor.
func NewProcessor(log logrus.FieldLogger, cfg *Config) Processor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &processor{
		log: log.WithField("component", "postprocess"),
		cfg: cfg,
	}
}

type processor struct {
	log logrus.FieldLogger
	cfg *Config
}

// Ensure interface compliance.
var _ Processor = (*processor)(nil)

// Process implements Processor.
func (p *processor) Process(ctx context.Context, dir string) error {
	if p.cfg.Command == "" {
		return p.waterfalls(ctx, dir)
	}

	return p.command(ctx, dir)
}

func (p *processor) command(ctx context.Context, dir string) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	args := append(append([]string(nil), p.cfg.Args...), dir)

	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, p.cfg.Command, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log := p.log.WithFields(logrus.Fields{
		"command": p.cfg.Command,
		"dir":     dir,
	})

	log.Info("Running post-process command")

	startTime := time.Now()
	err := cmd.Run()

	if out := strings.TrimSpace(stdout.String()); out != "" {
		log.WithField("output", out).Info("Post-process command output")
	}

	if errOut := strings.TrimSpace(stderr.String()); errOut != "" {
		log.WithField("stderr", errOut).Error("Post-process command wrote to stderr")
	}

	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("post-process command timed out after %s: %w", p.cfg.Timeout, ctx.Err())
		}

		return fmt.Errorf("running post-process command: %w", err)
	}

	log.WithField("duration", time.Since(startTime)).Info("Post-process command completed")

	return nil
}

// waterfalls writes a waterfall table next to every HAR capture in dir.
func (p *processor) waterfalls(ctx context.Context, dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.har"))
	if err != nil {
		return fmt.Errorf("listing HAR files: %w", err)
	}

	sort.Strings(files)

	errs := make([]error, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(waterfallConcurrency)

	for i, file := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				errs[i] = err

				return nil
			}

			out, err := har.WriteWaterfall(file, p.cfg.Owner)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", filepath.Base(file), err)

				return nil
			}

			p.log.WithField("file", filepath.Base(out)).Debug("Wrote waterfall table")

			return nil
		})
	}

	_ = g.Wait()

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("extracting waterfalls: %w", err)
	}

	p.log.WithField("files", len(files)).Info("Waterfall tables written")

	return nil
}
