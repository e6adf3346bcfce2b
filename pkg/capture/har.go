package capture

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethpandaops/browserperf/pkg/browser"
	"github.com/ethpandaops/browserperf/pkg/fsutil"
	"github.com/ethpandaops/browserperf/pkg/har"
	"github.com/sirupsen/logrus"
)

// HARExtension is the file extension of network captures.
const HARExtension = ".har"

type harRecorder struct {
	log     logrus.FieldLogger
	creator har.Creator
	owner   *fsutil.OwnerConfig
}

// Ensure interface compliance.
var _ Recorder = (*harRecorder)(nil)

// NewHARRecorder creates a recorder writing HAR 1.2 network captures.
func NewHARRecorder(log logrus.FieldLogger, version string, owner *fsutil.OwnerConfig) Recorder {
	return &harRecorder{
		log:     log.WithField("component", "har-recorder"),
		creator: har.Creator{Name: "browserperf", Version: version},
		owner:   owner,
	}
}

func (r *harRecorder) Name() string {
	return "har"
}

func (r *harRecorder) Extension() string {
	return HARExtension
}

func (r *harRecorder) Start(ctx context.Context, page browser.Page, path string) (Capture, error) {
	title := strings.TrimSuffix(filepath.Base(path), HARExtension)
	builder := har.NewBuilder(title, time.Now(), r.creator)

	stop, err := page.OnNetwork(ctx, builder.Add)
	if err != nil {
		return nil, fmt.Errorf("subscribing to network events: %w", err)
	}

	return &harCapture{
		log:     r.log.WithField("path", path),
		path:    path,
		owner:   r.owner,
		builder: builder,
		stop:    stop,
	}, nil
}

type harCapture struct {
	log     logrus.FieldLogger
	path    string
	owner   *fsutil.OwnerConfig
	builder *har.Builder
	stop    func()
}

func (c *harCapture) Stop() *Flush {
	c.stop()

	flush := NewFlush(c.path)

	go func() {
		doc := c.builder.HAR()

		err := har.WriteFile(c.path, doc, c.owner)
		if err == nil {
			c.log.WithField("entries", len(doc.Log.Entries)).Debug("HAR written")
		}

		flush.Resolve(err)
	}()

	return flush
}
