package timing

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/ethpandaops/browserperf/pkg/failure"
	"github.com/ethpandaops/browserperf/pkg/fsutil"
)

// ParseRow splits one row into fields. Fields are comma separated and may
// be wrapped in single or double quotes; a quoted field keeps embedded
// commas and unescapes a backslash escaped quote of the same kind.
// Unquoted fields are trimmed but keep internal whitespace. A trailing
// comma followed only by whitespace does not produce an empty field.
func ParseRow(row string) ([]string, error) {
	var (
		fields []string
		pos    int
	)

	for {
		rest := row[pos:]
		if strings.TrimSpace(rest) == "" {
			return fields, nil
		}

		// Leading whitespace before a field.
		pos += len(rest) - len(strings.TrimLeftFunc(rest, unicode.IsSpace))

		var (
			field string
			err   error
		)

		if pos < len(row) && (row[pos] == '\'' || row[pos] == '"') {
			field, pos, err = parseQuoted(row, pos)
			if err != nil {
				return nil, err
			}

			// Only whitespace may separate the closing quote and the comma.
			rest = row[pos:]
			pos += len(rest) - len(strings.TrimLeftFunc(rest, unicode.IsSpace))

			if pos < len(row) && row[pos] != ',' {
				return nil, fmt.Errorf("unexpected %q after quoted field at offset %d", row[pos], pos)
			}
		} else {
			end := strings.IndexByte(row[pos:], ',')
			if end < 0 {
				end = len(row) - pos
			}

			field = strings.TrimSpace(row[pos : pos+end])
			pos += end
		}

		fields = append(fields, field)

		if pos >= len(row) {
			return fields, nil
		}

		// Skip the comma.
		pos++
	}
}

// parseQuoted reads the quoted field starting at row[start] and returns its
// unescaped value and the offset just past the closing quote.
func parseQuoted(row string, start int) (string, int, error) {
	quote := row[start]

	var sb strings.Builder

	for i := start + 1; i < len(row); i++ {
		c := row[i]

		switch {
		case c == '\\' && i+1 < len(row):
			next := row[i+1]
			if next != quote {
				sb.WriteByte(c)
			}

			sb.WriteByte(next)
			i++
		case c == quote:
			return sb.String(), i + 1, nil
		default:
			sb.WriteByte(c)
		}
	}

	return "", 0, fmt.Errorf("unterminated %c quoted field at offset %d", quote, start)
}

// Table is a parsed tabular sink. Row 0 of the file is the header and names
// the fields of every following row by position.
type Table struct {
	Header []string
	Rows   [][]string
}

// ParseTable parses the contents of a tabular sink. Blank rows are skipped.
// Malformed rows yield an AggregationError.
func ParseTable(data string) (*Table, error) {
	lines := strings.Split(data, "\n")
	table := &Table{}

	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}

		fields, err := ParseRow(strings.TrimRight(line, "\r"))
		if err != nil {
			return nil, failure.Aggregation(fmt.Sprintf("parsing row %d", i+1), err)
		}

		if table.Header == nil {
			table.Header = fields

			continue
		}

		table.Rows = append(table.Rows, fields)
	}

	if table.Header == nil {
		return nil, failure.Aggregation("parsing table", fmt.Errorf("missing header row"))
	}

	return table, nil
}

// ReadTable reads and parses the tabular sink at path under a shared lock.
func ReadTable(path string) (*Table, error) {
	data, err := fsutil.ReadLocked(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	return ParseTable(string(data))
}

// Column returns the position of name in the header, or -1.
func (t *Table) Column(name string) int {
	for i, h := range t.Header {
		if h == name {
			return i
		}
	}

	return -1
}

// Value returns the field of row named by column. Rows shorter than the
// header yield "" and false for the missing fields.
func (t *Table) Value(row []string, column string) (string, bool) {
	idx := t.Column(column)
	if idx < 0 || idx >= len(row) {
		return "", false
	}

	return row[idx], true
}
