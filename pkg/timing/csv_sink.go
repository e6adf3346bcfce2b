package timing

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/ethpandaops/browserperf/pkg/fsutil"
	"github.com/sirupsen/logrus"
)

// TimingsFile is the tabular sink file name inside the run directory.
const TimingsFile = "timings.csv"

// CSVSink appends records to a comma separated file. The metric columns are
// fixed by the header, taken from the existing file or from the first record
// written. Every row carries exactly those columns: a metric the sample does
// not hold is written as null and a metric the header does not name is
// dropped. Fields holding a separator, a quote or surrounding whitespace are
// double quoted so they survive ParseRow.
type CSVSink struct {
	log   logrus.FieldLogger
	path  string
	owner *fsutil.OwnerConfig

	mu      sync.Mutex
	columns []string
}

// Ensure interface compliance.
var _ Sink = (*CSVSink)(nil)

// NewCSVSink creates a tabular sink writing to path.
func NewCSVSink(log logrus.FieldLogger, path string, owner *fsutil.OwnerConfig) *CSVSink {
	return &CSVSink{
		log:   log.WithField("component", "csv-sink"),
		path:  path,
		owner: owner,
	}
}

// Path returns the file the sink appends to.
func (s *CSVSink) Path() string {
	return s.path
}

// Write appends one row, creating the file and header on first use.
func (s *CSVSink) Write(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.columns == nil {
		columns, err := s.loadColumns(rec.Sample)
		if err != nil {
			return err
		}

		s.columns = columns
	}

	if dropped := unknownColumns(rec.Sample, s.columns); len(dropped) > 0 {
		s.log.WithFields(logrus.Fields{
			"action":  rec.ActionName,
			"metrics": dropped,
		}).Warn("Metrics missing from the timings header were not written")
	}

	header := func() []byte {
		s.log.WithField("path", s.path).Debug("Creating timings file")

		return []byte(headerFor(s.columns) + "\n")
	}

	return fsutil.AppendLocked(s.path, header, []byte(rowFor(rec, s.columns)+"\n"), s.owner)
}

// loadColumns returns the metric columns of an existing file, or those of
// sample when the file does not exist yet.
func (s *CSVSink) loadColumns(sample *Sample) ([]string, error) {
	data, err := fsutil.ReadLocked(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return metricColumns(sample), nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading timings header: %w", err)
	}

	line, _, _ := strings.Cut(string(data), "\n")
	if strings.TrimSpace(line) == "" {
		return metricColumns(sample), nil
	}

	header, err := ParseRow(strings.TrimRight(line, "\r"))
	if err != nil {
		return nil, fmt.Errorf("parsing timings header: %w", err)
	}

	if len(header) <= len(identityColumns) {
		return nil, fmt.Errorf("timings header has no metric columns: %q", line)
	}

	return header[len(identityColumns):], nil
}

func metricColumns(sample *Sample) []string {
	keys := sample.Keys()
	columns := make([]string, 0, len(keys))

	for _, key := range keys {
		columns = append(columns, FieldName(key))
	}

	return columns
}

func unknownColumns(sample *Sample, columns []string) []string {
	known := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		known[c] = struct{}{}
	}

	var out []string

	for _, key := range sample.Keys() {
		if _, ok := known[FieldName(key)]; !ok {
			out = append(out, key)
		}
	}

	return out
}

// HeaderLine returns the header row for a table whose first sample is s.
func HeaderLine(s *Sample) string {
	return headerFor(metricColumns(s))
}

func headerFor(columns []string) string {
	cols := make([]string, 0, len(identityColumns)+len(columns))
	cols = append(cols, identityColumns...)
	cols = append(cols, columns...)

	return FormatRow(cols)
}

// RowLine returns the data row for rec with the sample's own metric columns.
func RowLine(rec *Record) string {
	return rowFor(rec, metricColumns(rec.Sample))
}

// rowFor renders rec with one field per column, null when the sample holds
// no value for it.
func rowFor(rec *Record, columns []string) string {
	byColumn := make(map[string]string, len(columns))
	for _, key := range rec.Sample.Keys() {
		byColumn[FieldName(key)] = key
	}

	cols := make([]string, 0, len(identityColumns)+len(columns))
	cols = append(cols,
		rec.SuiteID,
		rec.TestID,
		formatScore(rec.Scores.Speedometer),
		formatScore(rec.Scores.Octane),
		strconv.Itoa(rec.Iteration),
		rec.ActionName,
		rec.ActionType,
		rec.URL,
	)

	for _, column := range columns {
		key, ok := byColumn[column]
		if !ok {
			cols = append(cols, NullValue)

			continue
		}

		cols = append(cols, rec.Sample.Format(key))
	}

	return FormatRow(cols)
}

// FormatRow joins fields into one row that ParseRow splits back into the
// same fields.
func FormatRow(fields []string) string {
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = quoteField(f)
	}

	return strings.Join(quoted, ",")
}

// quoteField wraps v in double quotes when ParseRow would otherwise split,
// trim or unquote it.
func quoteField(v string) string {
	if v == "" {
		return v
	}

	if !strings.ContainsAny(v, `,"`) && v[0] != '\'' && strings.TrimSpace(v) == v {
		return v
	}

	return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
}
