package stats

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethpandaops/browserperf/pkg/failure"
	"github.com/ethpandaops/browserperf/pkg/timing"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   Summary
	}{
		{
			name:   "empty",
			values: nil,
			want:   Summary{},
		},
		{
			name:   "single value",
			values: []float64{7},
			want:   Summary{Count: 1, Avg: 7, Min: 7, Max: 7, Median: 7, P90: 7},
		},
		{
			name:   "odd count",
			values: []float64{5, 1, 4, 2, 3},
			want:   Summary{Count: 5, Avg: 3, Min: 1, Max: 5, Median: 3, P90: 5},
		},
		{
			name:   "even count",
			values: []float64{4, 1, 3, 2},
			want:   Summary{Count: 4, Avg: 2.5, Min: 1, Max: 4, Median: 2.5, P90: 4},
		},
		{
			name:   "ten values p90 is index 9",
			values: []float64{10, 9, 8, 7, 6, 5, 4, 3, 2, 1},
			want:   Summary{Count: 10, Avg: 5.5, Min: 1, Max: 10, Median: 5.5, P90: 10},
		},
		{
			name:   "twenty values p90 is index 18",
			values: []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20},
			want:   Summary{Count: 20, Avg: 10.5, Min: 1, Max: 20, Median: 10.5, P90: 19},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compute(tt.values))
		})
	}
}

func TestComputeDoesNotReorderInput(t *testing.T) {
	values := []float64{3, 1, 2}
	Compute(values)
	assert.Equal(t, []float64{3, 1, 2}, values)
}

func TestAggregate(t *testing.T) {
	table, err := timing.ParseTable(
		"SuiteId,TestID,SpeedometerScore,OctaneScore,NumLoop,ActionName,ActionType,URL,duration,speedIndex\n" +
			"S,T,null,null,1,login,login,u,100,1.5 s\n" +
			"S,T,null,null,1,home,navigate,u,40,null\n" +
			"S,T,null,null,2,login,login,u,300,2.5 s\n" +
			"S,T,null,null,2,home,navigate,u,60,null\n")
	require.NoError(t, err)

	got := Aggregate(table, DefaultMetrics)
	require.Len(t, got, 4)

	assert.Equal(t, ActionStat{
		ActionName: "login",
		Metric:     "duration",
		Summary:    Summary{Count: 2, Avg: 200, Min: 100, Max: 300, Median: 200, P90: 300},
	}, got[0])
	assert.Equal(t, "login", got[1].ActionName)
	assert.Equal(t, "speedIndex", got[1].Metric)
	assert.InDelta(t, 2.0, got[1].Avg, 0.0001)
	assert.Equal(t, "home", got[2].ActionName)
	assert.Equal(t, Summary{}, got[3].Summary)
}

func TestAggregateMissingMetricColumn(t *testing.T) {
	table, err := timing.ParseTable("ActionName,duration\na,1\na,3\n")
	require.NoError(t, err)

	got := Aggregate(table, DefaultMetrics)
	require.Len(t, got, 2)
	assert.Equal(t, 2.0, got[0].Avg)
	assert.Equal(t, Summary{}, got[1].Summary)
}

func TestParseNumber(t *testing.T) {
	tests := []struct {
		raw  string
		want float64
		ok   bool
	}{
		{raw: "12", want: 12, ok: true},
		{raw: " 1.25 ", want: 1.25, ok: true},
		{raw: "1,234", want: 1, ok: true},
		{raw: "3.4 s", want: 3.4, ok: true},
		{raw: "null", ok: false},
		{raw: "", ok: false},
		{raw: "-", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := parseNumber(tt.raw)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCSV(t *testing.T) {
	out := CSV([]ActionStat{{
		ActionName: "home",
		Metric:     "duration",
		Summary:    Summary{Count: 5, Avg: 3, Min: 1, Max: 5, Median: 3, P90: 5},
	}})

	assert.Equal(t, "ActionName,Metric,Average,Min,Max,Median,P90\nhome,duration,3,1,5,3,5\n", out)
}

func TestCSVQuotesActionNames(t *testing.T) {
	out := CSV([]ActionStat{{
		ActionName: `incident, "open" list`,
		Metric:     "duration",
		Summary:    Summary{Count: 1, Avg: 2, Min: 2, Max: 2, Median: 2, P90: 2},
	}})

	table, err := timing.ParseTable(out)
	require.NoError(t, err)
	require.Len(t, table.Rows, 1)
	require.Len(t, table.Rows[0], 7)

	name, ok := table.Value(table.Rows[0], "ActionName")
	require.True(t, ok)
	assert.Equal(t, `incident, "open" list`, name)

	avg, ok := table.Value(table.Rows[0], "Average")
	require.True(t, ok)
	assert.Equal(t, "2", avg)
}

func TestAggregatorAggregateFile(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	dir := t.TempDir()
	input := filepath.Join(dir, timing.TimingsFile)
	output := filepath.Join(dir, SummaryFile)

	require.NoError(t, os.WriteFile(input, []byte("ActionName,duration\nx,1\nx,2\nx,3\nx,4\nx,5\n"), 0o644))

	agg := NewAggregator(log, []string{"duration"}, nil)

	got, err := agg.AggregateFile(input, output)
	require.NoError(t, err)
	require.Len(t, got, 1)

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "ActionName,Metric,Average,Min,Max,Median,P90\nx,duration,3,1,5,3,5\n", string(data))
}

func TestAggregatorMalformedInput(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	dir := t.TempDir()
	input := filepath.Join(dir, timing.TimingsFile)
	require.NoError(t, os.WriteFile(input, []byte("ActionName,duration\n'x,1\n"), 0o644))

	_, err := NewAggregator(log, nil, nil).AggregateFile(input, filepath.Join(dir, SummaryFile))
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindAggregation))
	assert.NoFileExists(t, filepath.Join(dir, SummaryFile))
}

func TestAggregatorMixedMetricSets(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	dir := t.TempDir()
	input := filepath.Join(dir, timing.TimingsFile)
	sink := timing.NewCSVSink(log, input, nil)

	sample := func(ms int, metrics map[string]float64, order ...string) *timing.Sample {
		s := timing.NewSample(time.Duration(ms) * time.Millisecond)
		for _, key := range order {
			s.Set(key, metrics[key])
		}

		return s
	}

	samples := []*timing.Sample{
		sample(100, map[string]float64{"speedIndex": 1000, "cpuTimeMs": 50}, "speedIndex", "cpuTimeMs"),
		// Audit failed: no speedIndex at all.
		sample(200, map[string]float64{"cpuTimeMs": 999999}, "cpuTimeMs"),
		// Resource read failed and an unknown metric appeared.
		sample(300, map[string]float64{"speedIndex": 3000, "firstPaint": 7}, "firstPaint", "speedIndex"),
	}

	for i, s := range samples {
		require.NoError(t, sink.Write(&timing.Record{
			SuiteID:    "SPT00000001",
			TestID:     "test_abc",
			Iteration:  i + 1,
			ActionName: "home",
			ActionType: "navigate",
			URL:        "https://example.test/home",
			Sample:     s,
		}))
	}

	table, err := timing.ReadTable(input)
	require.NoError(t, err)
	require.Len(t, table.Rows, 3)

	for _, row := range table.Rows {
		assert.Len(t, row, len(table.Header))
	}

	got, err := NewAggregator(log, []string{"duration", "speedIndex", "cpuTimeMs"}, nil).
		AggregateFile(input, filepath.Join(dir, SummaryFile))
	require.NoError(t, err)
	require.Len(t, got, 3)

	byMetric := make(map[string]Summary, len(got))
	for _, st := range got {
		assert.Equal(t, "home", st.ActionName)
		byMetric[st.Metric] = st.Summary
	}

	assert.Equal(t, 3, byMetric["duration"].Count)
	assert.InDelta(t, 300, byMetric["duration"].Max, 0.001)

	assert.Equal(t, 2, byMetric["speedIndex"].Count)
	assert.InDelta(t, 1000, byMetric["speedIndex"].Min, 0.001)
	assert.InDelta(t, 3000, byMetric["speedIndex"].Max, 0.001)

	assert.Equal(t, 2, byMetric["cpuTimeMs"].Count)
	assert.InDelta(t, 50, byMetric["cpuTimeMs"].Min, 0.001)
	assert.InDelta(t, 999999, byMetric["cpuTimeMs"].Max, 0.001)
}

func TestCSVSinkKeepsExistingHeader(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	input := filepath.Join(t.TempDir(), timing.TimingsFile)

	first := timing.NewSample(100 * time.Millisecond)
	first.Set("speedIndex", 1000)
	require.NoError(t, timing.NewCSVSink(log, input, nil).Write(&timing.Record{ActionName: "home", Sample: first}))

	// A second sink on the same file follows the header already written.
	second := timing.NewSample(200 * time.Millisecond)
	second.Set("cpuTimeMs", 40)
	second.Set("speedIndex", 2000)
	require.NoError(t, timing.NewCSVSink(log, input, nil).Write(&timing.Record{ActionName: "home", Sample: second}))

	table, err := timing.ReadTable(input)
	require.NoError(t, err)
	require.Len(t, table.Rows, 2)

	v, ok := table.Value(table.Rows[1], "speedIndex")
	require.True(t, ok)
	assert.Equal(t, "2000", v)

	_, ok = table.Value(table.Rows[1], "cpuTimeMs")
	assert.False(t, ok)
}
