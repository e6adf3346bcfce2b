package timing

import (
	"strconv"
	"strings"

	"github.com/ethpandaops/browserperf/pkg/fsutil"
	"github.com/sirupsen/logrus"
)

const (
	// LineProtocolFile is the line-protocol sink file name.
	LineProtocolFile = "line_protocol.txt"

	// Measurement is the measurement name of every line.
	Measurement = "performance_test"
)

// LineProtocolSink appends one time-series line per record.
type LineProtocolSink struct {
	log   logrus.FieldLogger
	path  string
	owner *fsutil.OwnerConfig
}

// Ensure interface compliance.
var _ Sink = (*LineProtocolSink)(nil)

// NewLineProtocolSink creates a line-protocol sink writing to path.
func NewLineProtocolSink(log logrus.FieldLogger, path string, owner *fsutil.OwnerConfig) *LineProtocolSink {
	return &LineProtocolSink{
		log:   log.WithField("component", "line-protocol-sink"),
		path:  path,
		owner: owner,
	}
}

// Write appends one line, creating the file on first use.
func (s *LineProtocolSink) Write(rec *Record) error {
	return fsutil.AppendLocked(s.path, nil, []byte(Line(rec)+"\n"), s.owner)
}

// Line formats rec as
// performance_test,<tags>,<scores>,numLoop=N,<key>="<value>",... <unix ns>.
func Line(rec *Record) string {
	var sb strings.Builder

	sb.WriteString(Measurement)
	sb.WriteString(",suiteId=")
	sb.WriteString(rec.SuiteID)
	sb.WriteString(",testID=")
	sb.WriteString(rec.TestID)
	sb.WriteString(",actionName=")
	sb.WriteString(rec.ActionName)
	sb.WriteString(",actionType=")
	sb.WriteString(rec.ActionType)
	sb.WriteString(",url=")
	sb.WriteString(rec.URL)
	sb.WriteString(`,speedometerScore="`)
	sb.WriteString(formatScore(rec.Scores.Speedometer))
	sb.WriteString(`",octaneScore="`)
	sb.WriteString(formatScore(rec.Scores.Octane))
	sb.WriteString(`",numLoop=`)
	sb.WriteString(strconv.Itoa(rec.Iteration))

	for _, key := range rec.Sample.Keys() {
		sb.WriteByte(',')
		sb.WriteString(FieldName(key))
		sb.WriteString(`="`)
		sb.WriteString(rec.Sample.Format(key))
		sb.WriteByte('"')
	}

	sb.WriteByte(' ')
	sb.WriteString(strconv.FormatInt(rec.Timestamp.UnixNano(), 10))

	return sb.String()
}
