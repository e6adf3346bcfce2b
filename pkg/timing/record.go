package timing

import (
	"time"
)

// Identity columns written ahead of the metric columns.
var identityColumns = []string{
	"SuiteId",
	"TestID",
	"SpeedometerScore",
	"OctaneScore",
	"NumLoop",
	"ActionName",
	"ActionType",
	"URL",
}

// Column names of the identity columns, used when reading the table back.
const (
	ColumnSuiteID    = "SuiteId"
	ColumnTestID     = "TestID"
	ColumnIteration  = "NumLoop"
	ColumnActionName = "ActionName"
	ColumnActionType = "ActionType"
	ColumnURL        = "URL"
)

// Scores are the optional browser benchmark results of a session.
type Scores struct {
	Speedometer *float64
	Octane      *float64
}

// Record is one persisted row: one executed action occurrence.
type Record struct {
	SuiteID    string
	TestID     string
	Scores     Scores
	Iteration  int
	ActionName string
	ActionType string
	URL        string
	Sample     *Sample
	Timestamp  time.Time
}

// Sink persists records durably, one call per executed action.
type Sink interface {
	Write(rec *Record) error
}

// MultiSink fans a record out to every sink, stopping at the first error.
type MultiSink []Sink

// Ensure interface compliance.
var _ Sink = (MultiSink)(nil)

// Write implements Sink.
func (m MultiSink) Write(rec *Record) error {
	for _, s := range m {
		if err := s.Write(rec); err != nil {
			return err
		}
	}

	return nil
}

func formatScore(v *float64) string {
	if v == nil {
		return NullValue
	}

	return FormatFloat(*v)
}
