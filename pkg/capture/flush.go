package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Flush signals that an artifact has been fully written to disk.
type Flush struct {
	Path string

	once sync.Once
	done chan struct{}
	err  error
}

// NewFlush returns an unresolved flush for the artifact at path.
func NewFlush(path string) *Flush {
	return &Flush{Path: path, done: make(chan struct{})}
}

// Resolved returns an already resolved flush.
func Resolved(path string, err error) *Flush {
	f := NewFlush(path)
	f.Resolve(err)

	return f
}

// Resolve marks the flush complete. Only the first call has an effect.
func (f *Flush) Resolve(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done is closed once the artifact is written.
func (f *Flush) Done() <-chan struct{} {
	return f.done
}

// Err returns the write error. It is only meaningful after Done is closed.
func (f *Flush) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the flush resolves or ctx ends.
func (f *Flush) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s: %w", f.Path, ctx.Err())
	}
}

// Tracker collects the flush signals of a run so finalization can wait for
// every artifact before reading them.
type Tracker struct {
	log logrus.FieldLogger

	mu      sync.Mutex
	flushes []*Flush
}

// NewTracker creates an empty tracker.
func NewTracker(log logrus.FieldLogger) *Tracker {
	return &Tracker{log: log.WithField("component", "capture-tracker")}
}

// Track registers f. Nil flushes are ignored.
func (t *Tracker) Track(f *Flush) {
	if f == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.flushes = append(t.flushes, f)
}

// Pending returns the number of unresolved flushes.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0

	for _, f := range t.flushes {
		select {
		case <-f.done:
		default:
			n++
		}
	}

	return n
}

// Wait blocks until every tracked flush resolved or ctx ends. Failed writes
// are logged and joined into the returned error.
func (t *Tracker) Wait(ctx context.Context) error {
	t.mu.Lock()
	flushes := make([]*Flush, len(t.flushes))
	copy(flushes, t.flushes)
	t.mu.Unlock()

	var (
		mu   sync.Mutex
		errs []error
	)

	g, gctx := errgroup.WithContext(ctx)

	for _, f := range flushes {
		g.Go(func() error {
			err := f.Wait(gctx)
			if err == nil {
				return nil
			}

			if ctx.Err() != nil {
				return err
			}

			t.log.WithError(err).WithField("path", f.Path).Warn("Artifact flush failed")

			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("awaiting artifact flush: %w", err)
	}

	t.log.WithField("artifacts", len(flushes)).Debug("All artifacts flushed")

	return errors.Join(errs...)
}
