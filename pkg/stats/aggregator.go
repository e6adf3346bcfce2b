package stats

import (
	"fmt"

	"github.com/ethpandaops/browserperf/pkg/fsutil"
	"github.com/ethpandaops/browserperf/pkg/timing"
	"github.com/sirupsen/logrus"
)

// Aggregator recomputes summary statistics from a tabular sink file.
type Aggregator interface {
	// AggregateFile reads input and writes the summary to output. It
	// returns the computed rows.
	AggregateFile(input, output string) ([]ActionStat, error)
}

// NewAggregator creates an aggregator for the given metrics. A nil or empty
// metric list selects DefaultMetrics.
func NewAggregator(log logrus.FieldLogger, metrics []string, owner *fsutil.OwnerConfig) Aggregator {
	if len(metrics) == 0 {
		metrics = DefaultMetrics
	}

	return &aggregator{
		log:     log.WithField("component", "aggregator"),
		metrics: metrics,
		owner:   owner,
	}
}

type aggregator struct {
	log     logrus.FieldLogger
	metrics []string
	owner   *fsutil.OwnerConfig
}

// Ensure interface compliance.
var _ Aggregator = (*aggregator)(nil)

// AggregateFile implements Aggregator.
func (a *aggregator) AggregateFile(input, output string) ([]ActionStat, error) {
	table, err := timing.ReadTable(input)
	if err != nil {
		return nil, err
	}

	result := Aggregate(table, a.metrics)

	if err := fsutil.WriteFile(output, []byte(CSV(result)), 0o644, a.owner); err != nil {
		return nil, fmt.Errorf("writing summary: %w", err)
	}

	a.log.WithFields(logrus.Fields{
		"rows":    len(table.Rows),
		"summary": len(result),
		"path":    output,
	}).Info("Wrote summary statistics")

	return result, nil
}
