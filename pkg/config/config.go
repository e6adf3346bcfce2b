package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix prefixes every environment override, for example
	// BROWSERPERF_TEST_ITERATIONS_COUNT.
	EnvPrefix = "BROWSERPERF"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultResultsDir is the default directory for run results.
	DefaultResultsDir = "./results"

	// DefaultActionsFile is the default action list path.
	DefaultActionsFile = "./actions.json"

	// DefaultIterationsCount is the default number of outer iterations.
	DefaultIterationsCount = 1

	// DefaultMaxRetries is the default number of session attempts.
	DefaultMaxRetries = 3

	// DefaultLoginProbePath is appended to the instance URL to probe the
	// session state.
	DefaultLoginProbePath = "/stats.do"

	// DefaultLoginProbeText marks an authenticated probe response.
	DefaultLoginProbeText = "Statistics for"

	// DefaultBrowserTimeout bounds every navigation and selector wait.
	DefaultBrowserTimeout = "60s"

	// DefaultPreActionDelay is waited after captures start.
	DefaultPreActionDelay = "2s"

	// DefaultPostActionDelay is waited before captures stop.
	DefaultPostActionDelay = "5s"

	// DefaultChooseDelay separates the two clicks of clickAndChoose.
	DefaultChooseDelay = "2s"

	// DefaultFlushTimeout bounds the wait for capture artifacts.
	DefaultFlushTimeout = "5m"

	// DefaultPostProcessTimeout bounds the post-processing command.
	DefaultPostProcessTimeout = "10m"

	// DefaultVideoFPS is the frame rate of encoded recordings.
	DefaultVideoFPS = 10
)

// Config is the root configuration for browserperf.
type Config struct {
	Global      GlobalConfig      `yaml:"global" mapstructure:"global"`
	Test        TestConfig        `yaml:"test" mapstructure:"test"`
	Browser     BrowserConfig     `yaml:"browser" mapstructure:"browser"`
	Throttle    ThrottleConfig    `yaml:"throttle" mapstructure:"throttle"`
	Capture     CaptureConfig     `yaml:"capture" mapstructure:"capture"`
	Audit       AuditConfig       `yaml:"audit" mapstructure:"audit"`
	Stats       StatsConfig       `yaml:"stats" mapstructure:"stats"`
	PostProcess PostProcessConfig `yaml:"post_process" mapstructure:"post_process"`
	Report      ReportConfig      `yaml:"report" mapstructure:"report"`
	Upload      UploadConfig      `yaml:"upload,omitempty" mapstructure:"upload"`
	Index       IndexConfig       `yaml:"index,omitempty" mapstructure:"index"`
	Tracing     TracingConfig     `yaml:"tracing,omitempty" mapstructure:"tracing"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel     string `yaml:"log_level" mapstructure:"log_level"`
	ResultsDir   string `yaml:"results_dir" mapstructure:"results_dir"`
	ResultsOwner string `yaml:"results_owner,omitempty" mapstructure:"results_owner"`
}

// TestConfig describes the run: the target instance, the action list and
// the iteration and retry budget.
type TestConfig struct {
	SuiteName       string `yaml:"suite_name" mapstructure:"suite_name"`
	InstanceName    string `yaml:"instance_name" mapstructure:"instance_name"`
	InstanceURL     string `yaml:"instance_url,omitempty" mapstructure:"instance_url"`
	Username        string `yaml:"username,omitempty" mapstructure:"username"`
	Password        string `yaml:"password,omitempty" mapstructure:"password"`
	ActionsFile     string `yaml:"actions_file" mapstructure:"actions_file"`
	IterationsCount int    `yaml:"iterations_count" mapstructure:"iterations_count"`
	MaxRetries      int    `yaml:"max_retries" mapstructure:"max_retries"`
	ScoreFlag       bool   `yaml:"score_flag" mapstructure:"score_flag"`
	LoginProbePath  string `yaml:"login_probe_path,omitempty" mapstructure:"login_probe_path"`
	LoginProbeText  string `yaml:"login_probe_text,omitempty" mapstructure:"login_probe_text"`
}

// BrowserConfig configures the automated browser.
type BrowserConfig struct {
	Bin        string         `yaml:"bin,omitempty" mapstructure:"bin"`
	ControlURL string         `yaml:"control_url,omitempty" mapstructure:"control_url"`
	Headless   bool           `yaml:"headless" mapstructure:"headless"`
	NoSandbox  bool           `yaml:"no_sandbox" mapstructure:"no_sandbox"`
	Timeout    string         `yaml:"timeout" mapstructure:"timeout"`
	SlowMo     string         `yaml:"slow_mo,omitempty" mapstructure:"slow_mo"`
	Viewport   ViewportConfig `yaml:"viewport" mapstructure:"viewport"`
	Flags      []string       `yaml:"flags,omitempty" mapstructure:"flags"`
}

// ViewportConfig is the emulated device size. Zero keeps the browser's own.
type ViewportConfig struct {
	Width  int `yaml:"width" mapstructure:"width"`
	Height int `yaml:"height" mapstructure:"height"`
}

// ThrottleConfig emulates network conditions.
type ThrottleConfig struct {
	Enabled      bool    `yaml:"enabled" mapstructure:"enabled"`
	Offline      bool    `yaml:"offline" mapstructure:"offline"`
	LatencyMs    float64 `yaml:"latency_ms" mapstructure:"latency_ms"`
	DownloadMbps float64 `yaml:"download_mbps" mapstructure:"download_mbps"`
	UploadKbps   float64 `yaml:"upload_kbps" mapstructure:"upload_kbps"`
}

// CaptureConfig selects the per-action artifacts and the capture window.
type CaptureConfig struct {
	HAR             bool   `yaml:"har" mapstructure:"har"`
	Video           bool   `yaml:"video" mapstructure:"video"`
	Screenshot      bool   `yaml:"screenshot" mapstructure:"screenshot"`
	PreActionDelay  string `yaml:"pre_action_delay" mapstructure:"pre_action_delay"`
	PostActionDelay string `yaml:"post_action_delay" mapstructure:"post_action_delay"`
	ChooseDelay     string `yaml:"choose_delay" mapstructure:"choose_delay"`
	FlushTimeout    string `yaml:"flush_timeout" mapstructure:"flush_timeout"`
	VideoFPS        int    `yaml:"video_fps" mapstructure:"video_fps"`
	VideoQuality    int    `yaml:"video_quality,omitempty" mapstructure:"video_quality"`
	FFmpeg          string `yaml:"ffmpeg,omitempty" mapstructure:"ffmpeg"`
}

// AuditConfig toggles the page load audit after each action.
type AuditConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// StatsConfig lists the metrics aggregated into the summary.
type StatsConfig struct {
	Metrics []string `yaml:"metrics" mapstructure:"metrics"`
}

// PostProcessConfig names an external command run over the results
// directory after the last iteration.
type PostProcessConfig struct {
	Enabled bool     `yaml:"enabled" mapstructure:"enabled"`
	Command string   `yaml:"command,omitempty" mapstructure:"command"`
	Args    []string `yaml:"args,omitempty" mapstructure:"args"`
	Timeout string   `yaml:"timeout" mapstructure:"timeout"`
}

// ReportConfig selects the generated reports.
type ReportConfig struct {
	HTML     bool `yaml:"html" mapstructure:"html"`
	Markdown bool `yaml:"markdown" mapstructure:"markdown"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint,omitempty" mapstructure:"endpoint"`
	Protocol    string  `yaml:"protocol,omitempty" mapstructure:"protocol"`
	Insecure    bool    `yaml:"insecure" mapstructure:"insecure"`
	SampleRate  float64 `yaml:"sample_rate" mapstructure:"sample_rate"`
	ServiceName string  `yaml:"service_name,omitempty" mapstructure:"service_name"`
}

// defaults are registered with viper so that every key is known and can be
// overridden from the environment.
var defaults = map[string]any{
	"global.log_level":                 DefaultLogLevel,
	"global.results_dir":               DefaultResultsDir,
	"global.results_owner":             "",
	"test.suite_name":                  "",
	"test.instance_name":               "",
	"test.instance_url":                "",
	"test.username":                    "",
	"test.password":                    "",
	"test.actions_file":                DefaultActionsFile,
	"test.iterations_count":            DefaultIterationsCount,
	"test.max_retries":                 DefaultMaxRetries,
	"test.score_flag":                  false,
	"test.login_probe_path":            DefaultLoginProbePath,
	"test.login_probe_text":            DefaultLoginProbeText,
	"browser.bin":                      "",
	"browser.control_url":              "",
	"browser.headless":                 true,
	"browser.no_sandbox":               true,
	"browser.timeout":                  DefaultBrowserTimeout,
	"browser.slow_mo":                  "",
	"browser.viewport.width":           0,
	"browser.viewport.height":          0,
	"browser.flags":                    []string{},
	"throttle.enabled":                 false,
	"throttle.offline":                 false,
	"throttle.latency_ms":              0,
	"throttle.download_mbps":           0,
	"throttle.upload_kbps":             0,
	"capture.har":                      true,
	"capture.video":                    false,
	"capture.screenshot":               true,
	"capture.pre_action_delay":         DefaultPreActionDelay,
	"capture.post_action_delay":        DefaultPostActionDelay,
	"capture.choose_delay":             DefaultChooseDelay,
	"capture.flush_timeout":            DefaultFlushTimeout,
	"capture.video_fps":                DefaultVideoFPS,
	"capture.video_quality":            80,
	"capture.ffmpeg":                   "",
	"audit.enabled":                    false,
	"stats.metrics":                    []string{"duration", "speedIndex"},
	"post_process.enabled":             false,
	"post_process.command":             "",
	"post_process.args":                []string{},
	"post_process.timeout":             DefaultPostProcessTimeout,
	"report.html":                      true,
	"report.markdown":                  true,
	"upload.s3.enabled":                false,
	"upload.s3.endpoint_url":           "",
	"upload.s3.region":                 "",
	"upload.s3.bucket":                 "",
	"upload.s3.access_key_id":          "",
	"upload.s3.secret_access_key":      "",
	"upload.s3.force_path_style":       false,
	"upload.s3.prefix":                 "",
	"upload.s3.storage_class":          "",
	"upload.s3.acl":                    "",
	"upload.s3.concurrency":            DefaultUploadConcurrency,
	"index.enabled":                    false,
	"index.database.driver":            DatabaseDriverSQLite,
	"index.database.sqlite.path":       DefaultIndexPath,
	"index.database.postgres.host":     "",
	"index.database.postgres.port":     5432,
	"index.database.postgres.user":     "",
	"index.database.postgres.password": "",
	"index.database.postgres.database": "",
	"index.database.postgres.ssl_mode": "",
	"tracing.endpoint":                 "",
	"tracing.protocol":                 "grpc",
	"tracing.insecure":                 false,
	"tracing.sample_rate":              1.0,
	"tracing.service_name":             "browserperf",
}

// Load reads a YAML configuration file, applies BROWSERPERF_* environment
// overrides and decodes the result. An empty path loads defaults and the
// environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           &cfg,
		TagName:          "mapstructure",
	})
	if err != nil {
		return nil, fmt.Errorf("creating config decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults fills values that depend on other settings.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Global.ResultsDir == "" {
		c.Global.ResultsDir = DefaultResultsDir
	}

	if c.Test.InstanceURL == "" && c.Test.InstanceName != "" {
		c.Test.InstanceURL = fmt.Sprintf("https://%s.service-now.com", c.Test.InstanceName)
	}

	c.Test.InstanceURL = strings.TrimRight(c.Test.InstanceURL, "/")

	if c.Test.SuiteName == "" {
		c.Test.SuiteName = c.Test.InstanceName
	}

	if len(c.Stats.Metrics) == 0 {
		c.Stats.Metrics = []string{"duration", "speedIndex"}
	}

	if c.Capture.VideoFPS <= 0 {
		c.Capture.VideoFPS = DefaultVideoFPS
	}

	if c.Upload.S3 != nil && c.Upload.S3.Concurrency <= 0 {
		c.Upload.S3.Concurrency = DefaultUploadConcurrency
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Test.InstanceURL == "" {
		return fmt.Errorf("test: instance_name or instance_url is required")
	}

	if c.Test.ActionsFile == "" {
		return fmt.Errorf("test: actions_file is required")
	}

	if c.Test.IterationsCount < 1 {
		return fmt.Errorf("test: iterations_count must be positive, got %d", c.Test.IterationsCount)
	}

	if c.Test.MaxRetries < 1 {
		return fmt.Errorf("test: max_retries must be at least 1, got %d", c.Test.MaxRetries)
	}

	durations := map[string]string{
		"browser.timeout":           c.Browser.Timeout,
		"browser.slow_mo":           c.Browser.SlowMo,
		"capture.pre_action_delay":  c.Capture.PreActionDelay,
		"capture.post_action_delay": c.Capture.PostActionDelay,
		"capture.choose_delay":      c.Capture.ChooseDelay,
		"capture.flush_timeout":     c.Capture.FlushTimeout,
		"post_process.timeout":      c.PostProcess.Timeout,
	}

	for key, value := range durations {
		if _, err := parseDuration(value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	if c.Throttle.Enabled && (c.Throttle.LatencyMs < 0 || c.Throttle.DownloadMbps < 0 || c.Throttle.UploadKbps < 0) {
		return fmt.Errorf("throttle: values must not be negative")
	}

	if c.PostProcess.Enabled && c.PostProcess.Command == "" {
		return fmt.Errorf("post_process: command is required when enabled")
	}

	if err := c.Upload.Validate(); err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	if err := c.Index.Validate(); err != nil {
		return fmt.Errorf("index: %w", err)
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing: sample_rate must be between 0.0 and 1.0, got %g", c.Tracing.SampleRate)
	}

	if c.Global.ResultsDir != "" {
		dir := filepath.Dir(c.Global.ResultsDir)
		if dir != "." && dir != ".." {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				return fmt.Errorf("results directory parent %q does not exist", dir)
			}
		}
	}

	return nil
}

// parseDuration parses a duration string. Empty means zero.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}

	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", s)
	}

	return d, nil
}

// mustDuration returns the parsed duration of a validated field.
func mustDuration(s string) time.Duration {
	d, _ := parseDuration(s)

	return d
}

// TimeoutDuration returns the navigation timeout.
func (b *BrowserConfig) TimeoutDuration() time.Duration {
	return mustDuration(b.Timeout)
}

// SlowMoDuration returns the delay inserted between driver operations.
func (b *BrowserConfig) SlowMoDuration() time.Duration {
	return mustDuration(b.SlowMo)
}

// PreActionDelayDuration returns the delay after captures start.
func (c *CaptureConfig) PreActionDelayDuration() time.Duration {
	return mustDuration(c.PreActionDelay)
}

// PostActionDelayDuration returns the delay before captures stop.
func (c *CaptureConfig) PostActionDelayDuration() time.Duration {
	return mustDuration(c.PostActionDelay)
}

// ChooseDelayDuration returns the pause between the two clicks of
// clickAndChoose.
func (c *CaptureConfig) ChooseDelayDuration() time.Duration {
	return mustDuration(c.ChooseDelay)
}

// FlushTimeoutDuration returns the bound on waiting for artifacts.
func (c *CaptureConfig) FlushTimeoutDuration() time.Duration {
	return mustDuration(c.FlushTimeout)
}

// TimeoutDuration returns the post-processing command timeout.
func (p *PostProcessConfig) TimeoutDuration() time.Duration {
	return mustDuration(p.Timeout)
}

// Redacted returns a copy with credentials masked.
func (c *Config) Redacted() *Config {
	out := *c

	mask := func(s string) string {
		if s == "" {
			return ""
		}

		return "********"
	}

	out.Test.Password = mask(out.Test.Password)

	if c.Upload.S3 != nil {
		s3 := *c.Upload.S3
		s3.AccessKeyID = mask(s3.AccessKeyID)
		s3.SecretAccessKey = mask(s3.SecretAccessKey)
		out.Upload.S3 = &s3
	}

	out.Index.Database.Postgres.Password = mask(out.Index.Database.Postgres.Password)

	return &out
}

// MarshalRedacted renders the redacted configuration for the results directory.
func (c *Config) MarshalRedacted() ([]byte, error) {
	data, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}

	return data, nil
}

// EnvKeys lists every environment variable that overrides a setting.
func EnvKeys() []string {
	keys := make([]string, 0, len(defaults))
	collectKeys(reflect.TypeOf(Config{}), "", &keys)

	return keys
}

func collectKeys(t reflect.Type, prefix string, keys *[]string) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		tag := field.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}

		key := tag
		if prefix != "" {
			key = prefix + "_" + tag
		}

		ft := field.Type
		for ft.Kind() == reflect.Pointer {
			ft = ft.Elem()
		}

		if ft.Kind() == reflect.Struct {
			collectKeys(ft, key, keys)

			continue
		}

		*keys = append(*keys, EnvPrefix+"_"+strings.ToUpper(key))
	}
}
