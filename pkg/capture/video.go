package capture

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ethpandaops/browserperf/pkg/browser"
	"github.com/ethpandaops/browserperf/pkg/fsutil"
	"github.com/sirupsen/logrus"
)

// VideoExtension is the file extension of screen recordings.
const VideoExtension = ".mp4"

// VideoOptions configures the screen recorder.
type VideoOptions struct {
	FFmpeg        string
	FPS           int
	Quality       int
	EveryNthFrame int
	EncodeTimeout time.Duration
	Owner         *fsutil.OwnerConfig
}

type encodeFunc func(ctx context.Context, framesDir string, fps int, out string) error

type videoRecorder struct {
	log    logrus.FieldLogger
	opts   VideoOptions
	encode encodeFunc
}

// Ensure interface compliance.
var _ Recorder = (*videoRecorder)(nil)

// NewVideoRecorder creates a recorder that collects screencast frames and
// encodes them with ffmpeg. It fails when ffmpeg cannot be found.
func NewVideoRecorder(log logrus.FieldLogger, opts VideoOptions) (Recorder, error) {
	if opts.FFmpeg == "" {
		opts.FFmpeg = "ffmpeg"
	}

	bin, err := exec.LookPath(opts.FFmpeg)
	if err != nil {
		return nil, fmt.Errorf("locating ffmpeg: %w", err)
	}

	opts.FFmpeg = bin

	if opts.FPS <= 0 {
		opts.FPS = 10
	}

	if opts.EncodeTimeout <= 0 {
		opts.EncodeTimeout = 2 * time.Minute
	}

	r := &videoRecorder{
		log:  log.WithField("component", "video-recorder"),
		opts: opts,
	}
	r.encode = r.ffmpeg

	return r, nil
}

func (r *videoRecorder) Name() string {
	return "video"
}

func (r *videoRecorder) Extension() string {
	return VideoExtension
}

func (r *videoRecorder) Start(ctx context.Context, page browser.Page, path string) (Capture, error) {
	framesDir, err := os.MkdirTemp("", "browserperf-frames-*")
	if err != nil {
		return nil, fmt.Errorf("creating frames dir: %w", err)
	}

	c := &videoCapture{
		log:       r.log.WithField("path", path),
		path:      path,
		framesDir: framesDir,
		fps:       r.opts.FPS,
		timeout:   r.opts.EncodeTimeout,
		owner:     r.opts.Owner,
		encode:    r.encode,
	}

	stop, err := page.StartScreencast(ctx, browser.ScreencastOptions{
		Quality:       r.opts.Quality,
		EveryNthFrame: r.opts.EveryNthFrame,
	}, c.writeFrame)
	if err != nil {
		_ = os.RemoveAll(framesDir)

		return nil, fmt.Errorf("starting screencast: %w", err)
	}

	c.stop = stop

	return c, nil
}

// ffmpeg encodes the numbered JPEG frames in framesDir into an H.264 file.
func (r *videoRecorder) ffmpeg(ctx context.Context, framesDir string, fps int, out string) error {
	//nolint:gosec // binary resolved through LookPath at construction.
	cmd := exec.CommandContext(ctx, r.opts.FFmpeg,
		"-y", "-loglevel", "error",
		"-framerate", strconv.Itoa(fps),
		"-i", filepath.Join(framesDir, "frame_%06d.jpg"),
		"-c:v", "libx264", "-pix_fmt", "yuv420p",
		"-vf", "pad=ceil(iw/2)*2:ceil(ih/2)*2",
		out,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("running ffmpeg: %w: %s", err, output)
	}

	return nil
}

type videoCapture struct {
	log       logrus.FieldLogger
	path      string
	framesDir string
	fps       int
	timeout   time.Duration
	owner     *fsutil.OwnerConfig
	encode    encodeFunc
	stop      func() error

	mu       sync.Mutex
	frames   int
	frameErr error
}

func (c *videoCapture) writeFrame(f browser.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.frameErr != nil {
		return
	}

	name := filepath.Join(c.framesDir, fmt.Sprintf("frame_%06d.jpg", c.frames+1))

	if err := os.WriteFile(name, f.Data, 0o600); err != nil {
		c.frameErr = fmt.Errorf("writing frame: %w", err)

		return
	}

	c.frames++
}

func (c *videoCapture) Stop() *Flush {
	if err := c.stop(); err != nil {
		c.log.WithError(err).Warn("Failed to stop screencast")
	}

	c.mu.Lock()
	frames, frameErr := c.frames, c.frameErr
	c.mu.Unlock()

	flush := NewFlush(c.path)

	go func() {
		defer func() { _ = os.RemoveAll(c.framesDir) }()

		if frameErr != nil {
			flush.Resolve(frameErr)

			return
		}

		if frames == 0 {
			c.log.Warn("No screencast frames captured")
			flush.Resolve(nil)

			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		if err := c.encode(ctx, c.framesDir, c.fps, c.path); err != nil {
			flush.Resolve(fmt.Errorf("encoding video: %w", err))

			return
		}

		fsutil.Chown(c.path, c.owner)
		c.log.WithField("frames", frames).Debug("Video written")
		flush.Resolve(nil)
	}()

	return flush
}
