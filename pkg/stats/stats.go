// Package stats aggregates persisted timing records into per-action summary
// statistics.
package stats

import (
	"slices"
	"strconv"
	"strings"

	"github.com/ethpandaops/browserperf/pkg/timing"
)

// SummaryFile is the aggregated output file name inside the run directory.
const SummaryFile = "summary.csv"

// DefaultMetrics are the metrics summarised for every action.
var DefaultMetrics = []string{timing.DurationKey, "speedIndex"}

// Summary holds the statistics of one collection of values.
type Summary struct {
	Count  int     `json:"count"`
	Avg    float64 `json:"avg"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Median float64 `json:"median"`
	P90    float64 `json:"p90"`
}

// ActionStat is one summary row: one action and one metric.
type ActionStat struct {
	ActionName string `json:"action_name"`
	Metric     string `json:"metric"`
	Summary
}

// Compute summarises values. An empty collection yields all zeros.
// P90 is the nearest-rank value sorted[floor(n*0.9)], not interpolated,
// so for n < 10 it is the maximum.
func Compute(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}

	sorted := slices.Clone(values)
	slices.Sort(sorted)

	n := len(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	var median float64
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	} else {
		median = sorted[n/2]
	}

	return Summary{
		Count:  n,
		Avg:    sum / float64(n),
		Min:    sorted[0],
		Max:    sorted[n-1],
		Median: median,
		P90:    percentile(sorted, 90),
	}
}

// percentile returns the nearest-rank percentile of a sorted slice.
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}

	// Use nearest-rank method.
	idx := (p * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}

	return sorted[idx]
}

// Aggregate groups the rows of table by action name and summarises each
// metric. Actions appear in first-seen order and every action gets a row
// per metric, even when none of its values were numeric.
func Aggregate(table *timing.Table, metrics []string) []ActionStat {
	var (
		order  []string
		values = make(map[string]map[string][]float64, 16)
	)

	for _, row := range table.Rows {
		name, _ := table.Value(row, timing.ColumnActionName)

		byMetric, ok := values[name]
		if !ok {
			byMetric = make(map[string][]float64, len(metrics))
			values[name] = byMetric
			order = append(order, name)
		}

		for _, metric := range metrics {
			raw, ok := table.Value(row, metric)
			if !ok {
				continue
			}

			if v, ok := parseNumber(raw); ok {
				byMetric[metric] = append(byMetric[metric], v)
			}
		}
	}

	out := make([]ActionStat, 0, len(order)*len(metrics))

	for _, name := range order {
		for _, metric := range metrics {
			out = append(out, ActionStat{
				ActionName: name,
				Metric:     metric,
				Summary:    Compute(values[name][metric]),
			})
		}
	}

	return out
}

// parseNumber accepts the leading numeric prefix of raw, so audit values
// such as "1.2 s" count as 1.2. Non-numeric values are dropped.
func parseNumber(raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)

	end := 0
	for end < len(raw) && strings.ContainsRune("+-.0123456789eE", rune(raw[end])) {
		end++
	}

	for end > 0 {
		if v, err := strconv.ParseFloat(raw[:end], 64); err == nil {
			return v, true
		}

		end--
	}

	return 0, false
}

// CSV renders stats in the summary file format.
func CSV(stats []ActionStat) string {
	var sb strings.Builder

	sb.WriteString("ActionName,Metric,Average,Min,Max,Median,P90\n")

	for _, s := range stats {
		sb.WriteString(timing.FormatRow([]string{
			s.ActionName,
			s.Metric,
			timing.FormatFloat(s.Avg),
			timing.FormatFloat(s.Min),
			timing.FormatFloat(s.Max),
			timing.FormatFloat(s.Median),
			timing.FormatFloat(s.P90),
		}))
		sb.WriteByte('\n')
	}

	return sb.String()
}
