package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethpandaops/browserperf/pkg/actions"
	"github.com/ethpandaops/browserperf/pkg/audit"
	"github.com/ethpandaops/browserperf/pkg/browser"
	"github.com/ethpandaops/browserperf/pkg/capture"
	"github.com/ethpandaops/browserperf/pkg/config"
	"github.com/ethpandaops/browserperf/pkg/executor"
	"github.com/ethpandaops/browserperf/pkg/fsutil"
	"github.com/ethpandaops/browserperf/pkg/indexstore"
	"github.com/ethpandaops/browserperf/pkg/postprocess"
	"github.com/ethpandaops/browserperf/pkg/report"
	"github.com/ethpandaops/browserperf/pkg/runctx"
	"github.com/ethpandaops/browserperf/pkg/runner"
	"github.com/ethpandaops/browserperf/pkg/stats"
	"github.com/ethpandaops/browserperf/pkg/timing"
	"github.com/ethpandaops/browserperf/pkg/tracing"
	"github.com/ethpandaops/browserperf/pkg/upload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
)

// configSnapshotFile is the redacted configuration copied into the run
// directory.
const configSnapshotFile = "config.yaml"

// shutdownTimeout bounds the tracer flush on exit.
const shutdownTimeout = 10 * time.Second

func runTest(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if logLevel == "" {
		level, err := logrus.ParseLevel(cfg.Global.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid global.log_level %q: %w", cfg.Global.LogLevel, err)
		}

		log.SetLevel(level)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	owner, err := fsutil.ParseOwner(cfg.Global.ResultsOwner)
	if err != nil {
		return fmt.Errorf("parsing results_owner: %w", err)
	}

	list, err := actions.Load(cfg.Test.ActionsFile, actions.Placeholders{
		Instance: cfg.Test.InstanceName,
		Username: cfg.Test.Username,
		Password: cfg.Test.Password,
	})
	if err != nil {
		return fmt.Errorf("loading actions: %w", err)
	}

	plan, err := actions.BuildPlan(list)
	if err != nil {
		return fmt.Errorf("building action plan: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Handle shutdown signals.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig).Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	provider, err := tracing.Init(ctx, &cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Failed to shut down tracing")
		}
	}()

	// Fail fast: verify S3 is reachable and writable before the browser starts.
	var resultsUploader upload.Uploader

	if cfg.Upload.Enabled() {
		resultsUploader = upload.NewS3Uploader(log, cfg.Upload.S3)

		if err := resultsUploader.Preflight(ctx); err != nil {
			return fmt.Errorf("S3 upload preflight check failed: %w", err)
		}

		log.Info("S3 upload preflight check passed")
	}

	run, err := runctx.New(cfg.Test.SuiteName, cfg.Global.ResultsDir, owner, time.Now())
	if err != nil {
		return fmt.Errorf("creating run context: %w", err)
	}

	log.WithFields(logrus.Fields{
		"suite":      run.SuiteName,
		"suite_id":   run.SuiteID,
		"test_id":    run.TestID,
		"output_dir": run.OutputDir,
		"actions":    len(list),
		"iterations": cfg.Test.IterationsCount,
	}).Info("Starting test")

	if err := writeConfigSnapshot(cfg, run, owner); err != nil {
		log.WithError(err).Warn("Failed to write config snapshot")
	}

	reporter := report.NewGenerator(log, &report.Config{
		HTML:     cfg.Report.HTML,
		Markdown: cfg.Report.Markdown,
		Owner:    owner,
	})

	r, err := buildRunner(cfg, plan, run, owner, reporter, provider.Tracer())
	if err != nil {
		return err
	}

	outcome, runErr := r.Run(ctx, run)

	if outcome != nil {
		finishRun(ctx, cfg, run, outcome, reporter, resultsUploader)
	}

	if runErr != nil {
		return fmt.Errorf("running test: %w", runErr)
	}

	if outcome.State == runner.StateSucceeded {
		log.WithField("test_id", run.TestID).Info("Run succeeded")
	}

	return nil
}

// buildRunner wires the browser driver, the capture recorders and the
// execution pipeline into a retry controller.
func buildRunner(
	cfg *config.Config,
	plan *actions.Plan,
	run *runctx.RunContext,
	owner *fsutil.OwnerConfig,
	reporter report.Generator,
	tracer trace.Tracer,
) (runner.Runner, error) {
	tracker := capture.NewTracker(log)

	recorders, err := buildRecorders(cfg, owner)
	if err != nil {
		return nil, err
	}

	var auditor audit.Auditor
	if cfg.Audit.Enabled {
		auditor = audit.NewAuditor(log)
	}

	actionExec := executor.NewActionExecutor(log, &executor.ActionConfig{
		InstanceURL:     cfg.Test.InstanceURL,
		Username:        cfg.Test.Username,
		Password:        cfg.Test.Password,
		PreActionDelay:  cfg.Capture.PreActionDelayDuration(),
		PostActionDelay: cfg.Capture.PostActionDelayDuration(),
		ChooseDelay:     cfg.Capture.ChooseDelayDuration(),
		Screenshot:      cfg.Capture.Screenshot,
	}, recorders, tracker, auditor)

	prober := executor.NewLoginProber(log, cfg.Test.InstanceURL, cfg.Test.LoginProbePath, cfg.Test.LoginProbeText)

	sink := timing.MultiSink{
		timing.NewCSVSink(log, run.Path(timing.TimingsFile), owner),
		timing.NewLineProtocolSink(log, run.Path(timing.LineProtocolFile), owner),
	}

	sequencer := executor.NewSequencer(log, plan, actionExec, prober, sink, tracer)

	ppCfg := &postprocess.Config{Timeout: cfg.PostProcess.TimeoutDuration(), Owner: owner}
	if cfg.PostProcess.Enabled {
		ppCfg.Command = cfg.PostProcess.Command
		ppCfg.Args = cfg.PostProcess.Args
	}

	iterations := executor.NewIterationController(log, &executor.Config{
		Iterations:   cfg.Test.IterationsCount,
		FlushTimeout: cfg.Capture.FlushTimeoutDuration(),
	}, &executor.Options{
		Sequencer:     sequencer,
		Tracker:       tracker,
		Aggregator:    stats.NewAggregator(log, cfg.Stats.Metrics, owner),
		PostProcessor: postprocess.NewProcessor(log, ppCfg),
		Reporter:      reporter,
		Tracer:        tracer,
	})

	driver := browser.NewDriver(log, browser.Options{
		Bin:            cfg.Browser.Bin,
		ControlURL:     cfg.Browser.ControlURL,
		Headless:       cfg.Browser.Headless,
		NoSandbox:      cfg.Browser.NoSandbox,
		Timeout:        cfg.Browser.TimeoutDuration(),
		SlowMotion:     cfg.Browser.SlowMoDuration(),
		ViewportWidth:  cfg.Browser.Viewport.Width,
		ViewportHeight: cfg.Browser.Viewport.Height,
		Flags:          cfg.Browser.Flags,
		Throttle: browser.Throttle{
			Enabled:      cfg.Throttle.Enabled,
			Offline:      cfg.Throttle.Offline,
			LatencyMs:    cfg.Throttle.LatencyMs,
			DownloadMbps: cfg.Throttle.DownloadMbps,
			UploadKbps:   cfg.Throttle.UploadKbps,
		},
	})

	var benchmarks runner.Prober
	if cfg.Test.ScoreFlag {
		benchmarks = runner.NewBenchmarkProber(log, runner.DefaultProbeTimeout)
	}

	return runner.NewRunner(log, &runner.Config{
		MaxRetries: cfg.Test.MaxRetries,
		ScoreFlag:  cfg.Test.ScoreFlag,
	}, driver, iterations, benchmarks, tracer), nil
}

func buildRecorders(cfg *config.Config, owner *fsutil.OwnerConfig) ([]capture.Recorder, error) {
	var recorders []capture.Recorder

	if cfg.Capture.HAR {
		recorders = append(recorders, capture.NewHARRecorder(log, version, owner))
	}

	if cfg.Capture.Video {
		video, err := capture.NewVideoRecorder(log, capture.VideoOptions{
			FFmpeg:  cfg.Capture.FFmpeg,
			FPS:     cfg.Capture.VideoFPS,
			Quality: cfg.Capture.VideoQuality,
			Owner:   owner,
		})
		if err != nil {
			return nil, fmt.Errorf("creating video recorder: %w", err)
		}

		recorders = append(recorders, video)
	}

	return recorders, nil
}

// finishRun writes the run result and ships it to the index and the
// object store. Every step is best-effort.
func finishRun(
	ctx context.Context,
	cfg *config.Config,
	run *runctx.RunContext,
	outcome *runner.Outcome,
	reporter report.Generator,
	resultsUploader upload.Uploader,
) {
	// Interrupted runs still get their result recorded.
	finishCtx := context.WithoutCancel(ctx)

	result, err := reporter.Complete(finishCtx, run, outcome)
	if err != nil {
		log.WithError(err).Warn("Failed to write run result")
	}

	if cfg.Index.Enabled && result != nil {
		if err := indexResult(finishCtx, cfg, result); err != nil {
			log.WithError(err).Warn("Failed to index run")
		}
	}

	if resultsUploader != nil {
		if _, err := resultsUploader.Upload(finishCtx, run); err != nil {
			log.WithError(err).Warn("Failed to upload results")
		}
	}
}

func indexResult(ctx context.Context, cfg *config.Config, result *report.Result) error {
	store := indexstore.NewStore(log, &cfg.Index.Database)

	if err := store.Start(ctx); err != nil {
		return fmt.Errorf("starting index store: %w", err)
	}

	defer func() {
		if err := store.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop index store")
		}
	}()

	return store.IndexResult(ctx, result)
}

func writeConfigSnapshot(cfg *config.Config, run *runctx.RunContext, owner *fsutil.OwnerConfig) error {
	data, err := cfg.MarshalRedacted()
	if err != nil {
		return err
	}

	return fsutil.WriteFile(run.Path(configSnapshotFile), data, 0o644, owner)
}
