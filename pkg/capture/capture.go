// Package capture records network and screen artifacts around a single
// action. Stopping a capture returns a Flush that resolves once the
// artifact is on disk.
package capture

import (
	"context"
	"fmt"

	"github.com/ethpandaops/browserperf/pkg/browser"
	"github.com/sirupsen/logrus"
)

// Capture is a recording in progress.
type Capture interface {
	// Stop ends the recording and starts writing the artifact.
	Stop() *Flush
}

// Recorder starts captures of one artifact kind.
type Recorder interface {
	// Name identifies the artifact kind in logs.
	Name() string
	// Extension is appended to the artifact base path.
	Extension() string
	// Start begins recording page into path.
	Start(ctx context.Context, page browser.Page, path string) (Capture, error)
}

// Window is the set of captures open around one action.
type Window struct {
	log      logrus.FieldLogger
	captures []Capture
	paths    []string
}

// Open starts every recorder on page. Artifacts are written to base plus
// the recorder's extension. A recorder that fails to start is logged and
// skipped.
func Open(ctx context.Context, log logrus.FieldLogger, page browser.Page, recorders []Recorder, base string) *Window {
	w := &Window{log: log}

	for _, r := range recorders {
		path := base + r.Extension()

		c, err := r.Start(ctx, page, path)
		if err != nil {
			log.WithError(err).WithField("recorder", r.Name()).Warn("Failed to start capture")

			continue
		}

		w.captures = append(w.captures, c)
		w.paths = append(w.paths, path)
	}

	return w
}

// Paths returns the artifact paths of the started captures.
func (w *Window) Paths() []string {
	return w.paths
}

// Close stops every capture in reverse start order and registers their
// flushes with tracker.
func (w *Window) Close(tracker *Tracker) {
	for i := len(w.captures) - 1; i >= 0; i-- {
		tracker.Track(w.captures[i].Stop())
	}

	w.captures = nil
}

// ArtifactBase returns the artifact path prefix for an action. Grouped
// actions carry their cycle so every cycle keeps its own artifacts.
func ArtifactBase(dir, action, testID string, iteration, cycle int, grouped bool) string {
	if grouped {
		return fmt.Sprintf("%s/%s_%s_%d_%d", dir, action, testID, iteration, cycle)
	}

	return fmt.Sprintf("%s/%s_%s_%d", dir, action, testID, iteration)
}
