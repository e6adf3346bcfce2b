package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethpandaops/browserperf/pkg/stats"
	"github.com/ethpandaops/browserperf/pkg/timing"
)

// GenerateMarkdown renders a markdown summary of a run. The result is
// optional and adds the outcome rows when present.
func GenerateMarkdown(result *Result, summary []stats.ActionStat) string {
	var sb strings.Builder

	sb.Grow(4096)

	writeTitle(&sb, result.TestID)
	writeOverview(&sb, result)
	writeScores(&sb, result.Scores)
	writeActionStats(&sb, summary)
	writeHost(&sb, result)

	return sb.String()
}

func writeTitle(sb *strings.Builder, testID string) {
	fmt.Fprintf(sb, "# Performance Run: %s\n\n", testID)
}

func writeOverview(sb *strings.Builder, r *Result) {
	sb.WriteString("## Overview\n\n")
	sb.WriteString("| Field | Value |\n")
	sb.WriteString("|---|---|\n")

	fmt.Fprintf(sb, "| Suite | %s |\n", r.SuiteName)
	fmt.Fprintf(sb, "| Suite ID | `%s` |\n", r.SuiteID)

	if r.Status != "" {
		fmt.Fprintf(sb, "| Status | %s |\n", r.Status)
	}

	if r.Attempts > 0 {
		fmt.Fprintf(sb, "| Attempts | %d |\n", r.Attempts)
	}

	if r.Iterations > 0 {
		fmt.Fprintf(sb, "| Iterations | %d (%d failed) |\n", r.Iterations, r.FailedIterations)
		fmt.Fprintf(sb, "| Executed Actions | %d |\n", r.ExecutedActions)
	}

	if !r.StartedAt.IsZero() {
		fmt.Fprintf(sb, "| Started | %s |\n", r.StartedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	}

	if !r.FinishedAt.IsZero() && !r.StartedAt.IsZero() {
		fmt.Fprintf(sb, "| Duration | %s |\n", formatDuration(r.FinishedAt.Sub(r.StartedAt)))
	}

	if r.Error != "" {
		fmt.Fprintf(sb, "| Error | %s (%s) |\n", escapeCell(r.Error), r.ErrorKind)
	}

	sb.WriteByte('\n')
}

func writeScores(sb *strings.Builder, scores *Scores) {
	if scores == nil || (scores.Speedometer == nil && scores.Octane == nil) {
		return
	}

	sb.WriteString("## Browser Scores\n\n")
	sb.WriteString("| Benchmark | Score |\n")
	sb.WriteString("|---|---|\n")

	if scores.Speedometer != nil {
		fmt.Fprintf(sb, "| Speedometer | %s |\n", timing.FormatFloat(*scores.Speedometer))
	}

	if scores.Octane != nil {
		fmt.Fprintf(sb, "| Octane | %s |\n", timing.FormatFloat(*scores.Octane))
	}

	sb.WriteByte('\n')
}

func writeActionStats(sb *strings.Builder, summary []stats.ActionStat) {
	if len(summary) == 0 {
		return
	}

	sb.WriteString("## Action Statistics\n\n")
	sb.WriteString("| Action | Metric | Count | Average | Min | Max | Median | P90 |\n")
	sb.WriteString("|---|---|---|---|---|---|---|---|\n")

	for _, s := range summary {
		fmt.Fprintf(sb, "| %s | %s | %d | %s | %s | %s | %s | %s |\n",
			escapeCell(s.ActionName),
			s.Metric,
			s.Count,
			timing.FormatFloat(s.Avg),
			timing.FormatFloat(s.Min),
			timing.FormatFloat(s.Max),
			timing.FormatFloat(s.Median),
			timing.FormatFloat(s.P90),
		)
	}

	sb.WriteByte('\n')
}

func writeHost(sb *strings.Builder, r *Result) {
	h := r.Host
	if h == nil {
		return
	}

	sb.WriteString("## Host\n\n")
	sb.WriteString("| Field | Value |\n")
	sb.WriteString("|---|---|\n")

	if h.Hostname != "" {
		fmt.Fprintf(sb, "| Hostname | %s |\n", h.Hostname)
	}

	if h.CPUModel != "" {
		fmt.Fprintf(sb, "| CPU | %s |\n", h.CPUModel)
	}

	if h.CPUs > 0 {
		fmt.Fprintf(sb, "| CPUs | %d |\n", h.CPUs)
	}

	if h.MemoryTotal > 0 {
		fmt.Fprintf(sb, "| Memory | %.1f GB |\n", float64(h.MemoryTotal)/(1<<30))
	}

	if h.Platform != "" {
		platform := h.Platform
		if h.PlatformVersion != "" {
			platform += " " + h.PlatformVersion
		}

		fmt.Fprintf(sb, "| Platform | %s |\n", platform)
	}

	if h.KernelVersion != "" {
		fmt.Fprintf(sb, "| Kernel | %s |\n", h.KernelVersion)
	}

	sb.WriteByte('\n')
}

// escapeCell keeps pipes and newlines from breaking a table row.
func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)

	return strings.ReplaceAll(s, "\n", " ")
}

// formatDuration formats a time.Duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.String()
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}

	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}

	return fmt.Sprintf("%ds", seconds)
}
