package capture

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethpandaops/browserperf/pkg/browser"
	"github.com/ethpandaops/browserperf/pkg/browser/browsertest"
	"github.com/ethpandaops/browserperf/pkg/har"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func TestFlush(t *testing.T) {
	f := NewFlush("a.har")
	assert.NoError(t, f.Err())

	select {
	case <-f.Done():
		t.Fatal("flush resolved early")
	default:
	}

	boom := errors.New("boom")
	f.Resolve(boom)
	f.Resolve(nil)

	<-f.Done()
	assert.ErrorIs(t, f.Err(), boom)
	assert.ErrorIs(t, f.Wait(context.Background()), boom)
}

func TestFlushWaitContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewFlush("a.mp4").Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTrackerWait(t *testing.T) {
	tests := []struct {
		name    string
		flushes func() []*Flush
		wantErr bool
	}{
		{
			name:    "empty",
			flushes: func() []*Flush { return nil },
		},
		{
			name: "resolved later",
			flushes: func() []*Flush {
				f := NewFlush("late")
				go func() {
					time.Sleep(20 * time.Millisecond)
					f.Resolve(nil)
				}()

				return []*Flush{Resolved("early", nil), f}
			},
		},
		{
			name: "failed write",
			flushes: func() []*Flush {
				return []*Flush{Resolved("ok", nil), Resolved("bad", errors.New("disk full"))}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := NewTracker(testLogger())
			for _, f := range tt.flushes() {
				tracker.Track(f)
			}

			tracker.Track(nil)

			err := tracker.Wait(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}

			assert.Zero(t, tracker.Pending())
		})
	}
}

func TestTrackerWaitTimeout(t *testing.T) {
	tracker := NewTracker(testLogger())
	tracker.Track(NewFlush("never"))
	assert.Equal(t, 1, tracker.Pending())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := tracker.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHARRecorder(t *testing.T) {
	dir := t.TempDir()
	page := &browsertest.Page{
		Network: []browser.NetworkEvent{
			{Type: browser.NetworkRequest, RequestID: "1", Monotonic: 1, WallTime: time.Now(), URL: "https://example.com/", Method: "GET"},
			{Type: browser.NetworkResponse, RequestID: "1", Monotonic: 1.1, Status: 204},
			{Type: browser.NetworkFinished, RequestID: "1", Monotonic: 1.2},
		},
	}

	rec := NewHARRecorder(testLogger(), "dev", nil)
	tracker := NewTracker(testLogger())

	w := Open(context.Background(), testLogger(), page, []Recorder{rec}, filepath.Join(dir, "home_test_1"))
	require.Equal(t, []string{filepath.Join(dir, "home_test_1.har")}, w.Paths())
	w.Close(tracker)

	require.NoError(t, tracker.Wait(context.Background()))

	doc, err := har.ParseFile(filepath.Join(dir, "home_test_1.har"))
	require.NoError(t, err)
	require.Len(t, doc.Log.Entries, 1)
	assert.Equal(t, 204, doc.Log.Entries[0].Response.Status)
	assert.Equal(t, "home_test_1", doc.Log.Pages[0].Title)
}

func TestOpenSkipsFailedRecorder(t *testing.T) {
	page := &browsertest.Page{Errors: map[string]error{"OnNetwork": errors.New("no network domain")}}

	w := Open(context.Background(), testLogger(), page, []Recorder{NewHARRecorder(testLogger(), "dev", nil)}, filepath.Join(t.TempDir(), "x"))
	assert.Empty(t, w.Paths())

	tracker := NewTracker(testLogger())
	w.Close(tracker)
	assert.NoError(t, tracker.Wait(context.Background()))
}

func newTestVideoRecorder(encode encodeFunc) *videoRecorder {
	return &videoRecorder{
		log:    testLogger(),
		opts:   VideoOptions{FPS: 5, EncodeTimeout: time.Second},
		encode: encode,
	}
}

func TestVideoRecorder(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "home_test_1.mp4")

	var gotFrames int

	rec := newTestVideoRecorder(func(_ context.Context, framesDir string, fps int, path string) error {
		entries, err := os.ReadDir(framesDir)
		if err != nil {
			return err
		}

		gotFrames = len(entries)
		assert.Equal(t, 5, fps)

		return os.WriteFile(path, []byte("mp4"), 0o600)
	})

	page := &browsertest.Page{Frames: [][]byte{[]byte("a"), []byte("b"), []byte("c")}}

	c, err := rec.Start(context.Background(), page, out)
	require.NoError(t, err)

	flush := c.Stop()
	require.NoError(t, flush.Wait(context.Background()))
	assert.Equal(t, 3, gotFrames)
	assert.FileExists(t, out)
}

func TestVideoRecorderNoFrames(t *testing.T) {
	called := false
	rec := newTestVideoRecorder(func(context.Context, string, int, string) error {
		called = true

		return nil
	})

	c, err := rec.Start(context.Background(), &browsertest.Page{}, filepath.Join(t.TempDir(), "x.mp4"))
	require.NoError(t, err)
	require.NoError(t, c.Stop().Wait(context.Background()))
	assert.False(t, called)
}

func TestVideoRecorderEncodeError(t *testing.T) {
	rec := newTestVideoRecorder(func(context.Context, string, int, string) error {
		return errors.New("codec missing")
	})

	page := &browsertest.Page{Frames: [][]byte{[]byte("a")}}

	c, err := rec.Start(context.Background(), page, filepath.Join(t.TempDir(), "x.mp4"))
	require.NoError(t, err)
	assert.ErrorContains(t, c.Stop().Wait(context.Background()), "codec missing")
}

func TestArtifactBase(t *testing.T) {
	tests := []struct {
		name    string
		grouped bool
		want    string
	}{
		{name: "single", want: "out/home_test_x_3"},
		{name: "grouped", grouped: true, want: "out/home_test_x_3_2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ArtifactBase("out", "home", "test_x", 3, 2, tt.grouped))
		})
	}
}
