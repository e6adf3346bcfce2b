// Package resource samples CPU and memory usage of the browser process tree
// so each action can report what it cost the browser.
package resource

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/browserperf/pkg/timing"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"
)

// Sample keys written by Delta.Apply.
const (
	KeyCPUTime  = "cpuTimeMs"
	KeyRSSDelta = "memoryRssDeltaBytes"
)

// Stats is a snapshot of a process tree.
type Stats struct {
	CPUTime   time.Duration // user + system, cumulative
	RSS       uint64        // resident memory (bytes)
	Processes int
}

// Delta is the difference between two Stats snapshots.
type Delta struct {
	CPUTime  time.Duration // never negative
	RSSDelta int64         // negative when memory was freed
}

// Reader reads resource usage of one process tree.
type Reader interface {
	// ReadStats returns current usage of the root process and its
	// descendants.
	ReadStats(ctx context.Context) (*Stats, error)
}

type processReader struct {
	log logrus.FieldLogger
	pid int32
}

// Ensure interface compliance.
var _ Reader = (*processReader)(nil)

// NewProcessReader creates a reader for pid and all of its descendants.
func NewProcessReader(log logrus.FieldLogger, pid int) Reader {
	return &processReader{
		log: log.WithField("component", "resource"),
		pid: int32(pid), //nolint:gosec // pids fit in int32.
	}
}

func (r *processReader) ReadStats(ctx context.Context) (*Stats, error) {
	root, err := process.NewProcessWithContext(ctx, r.pid)
	if err != nil {
		return nil, fmt.Errorf("opening process %d: %w", r.pid, err)
	}

	stats := &Stats{}
	queue := []*process.Process{root}

	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]

		// Children may exit between listing and reading.
		times, err := p.TimesWithContext(ctx)
		if err != nil {
			if p == root {
				return nil, fmt.Errorf("reading cpu times: %w", err)
			}

			continue
		}

		mem, err := p.MemoryInfoWithContext(ctx)
		if err != nil {
			if p == root {
				return nil, fmt.Errorf("reading memory info: %w", err)
			}

			continue
		}

		stats.CPUTime += time.Duration((times.User + times.System) * float64(time.Second))
		stats.RSS += mem.RSS
		stats.Processes++

		children, err := p.ChildrenWithContext(ctx)
		if err == nil {
			queue = append(queue, children...)
		}
	}

	return stats, nil
}

// ComputeDelta calculates the difference between after and before stats.
func ComputeDelta(before, after *Stats) *Delta {
	if before == nil || after == nil {
		return nil
	}

	delta := &Delta{
		RSSDelta: int64(after.RSS) - int64(before.RSS), //nolint:gosec // RSS stays far below MaxInt64.
	}

	// A child exiting can make the cumulative tree time shrink.
	if after.CPUTime >= before.CPUTime {
		delta.CPUTime = after.CPUTime - before.CPUTime
	}

	return delta
}

// Apply adds the delta to the open metric set of a timing sample.
func (d *Delta) Apply(sample *timing.Sample) {
	if d == nil || sample == nil {
		return
	}

	sample.Set(KeyCPUTime, float64(d.CPUTime.Microseconds())/1000)
	sample.Set(KeyRSSDelta, float64(d.RSSDelta))
}

// Meter measures a single action: Start reads the baseline and Stop
// returns the delta. A failed read disables the measurement quietly.
type Meter struct {
	log    logrus.FieldLogger
	reader Reader
	before *Stats
}

// Start reads the baseline. A nil reader yields a meter that measures
// nothing.
func Start(ctx context.Context, log logrus.FieldLogger, reader Reader) *Meter {
	m := &Meter{log: log, reader: reader}
	if reader == nil {
		return m
	}

	before, err := reader.ReadStats(ctx)
	if err != nil {
		log.WithError(err).Debug("Resource baseline unavailable")

		return m
	}

	m.before = before

	return m
}

// Apply stops the meter and adds the delta to sample. A metered action
// whose reads failed gets null values, so every sample of a metered session
// carries the same keys. An unmetered action gets none.
func (m *Meter) Apply(ctx context.Context, sample *timing.Sample) {
	if m.reader == nil {
		return
	}

	delta := m.Stop(ctx)
	if delta == nil {
		sample.SetNull(KeyCPUTime)
		sample.SetNull(KeyRSSDelta)

		return
	}

	delta.Apply(sample)
}

// Stop reads the final usage and returns the delta, or nil.
func (m *Meter) Stop(ctx context.Context) *Delta {
	if m.before == nil {
		return nil
	}

	after, err := m.reader.ReadStats(ctx)
	if err != nil {
		m.log.WithError(err).Debug("Resource sample unavailable")

		return nil
	}

	return ComputeDelta(m.before, after)
}
