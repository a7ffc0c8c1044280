package output

import (
	"fmt"
	"io"
	"strings"

	"github.com/wesleyorama2/stampede/internal/performance/engine"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
)

const summaryNameWidth = 40

// WriteSummary writes the end-of-run summary table to w.
func WriteSummary(w io.Writer, result *engine.TestResult, colors bool) {
	writeSummary(w, result, newPalette(colors))
}

func writeSummary(w io.Writer, result *engine.TestResult, p *palette) {
	line := strings.Repeat(boxHorizontal, 56)

	status, statusColor := "Completed ✓", p.good
	switch {
	case result.Aborted:
		status, statusColor = "Aborted ✗", p.bad
	case !result.Passed:
		status, statusColor = "Failed ✗", p.bad
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, p.rule.Sprint(line))
	fmt.Fprintf(w, "%s - %s\n", p.title.Sprint(result.Name), statusColor.Sprint(status))
	fmt.Fprintln(w, p.rule.Sprint(line))
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Run ID:        %s\n", p.dim.Sprint(result.RunID))
	if result.TypeTest != "" {
		fmt.Fprintf(w, "Test type:     %s\n", p.value.Sprint(result.TypeTest))
	}
	if result.Environment != "" {
		fmt.Fprintf(w, "Environment:   %s\n", p.value.Sprint(result.Environment))
	}
	fmt.Fprintf(w, "Duration:      %s\n", p.value.Sprint(formatDuration(result.Duration)))
	if result.Aborted && result.AbortReason != "" {
		fmt.Fprintf(w, "Aborted:       %s\n", p.bad.Sprint(result.AbortReason))
	}
	if result.Error != "" {
		fmt.Fprintf(w, "Error:         %s\n", p.bad.Sprint(result.Error))
	}
	fmt.Fprintln(w)

	if len(result.Scenarios) > 0 {
		fmt.Fprintln(w, p.title.Sprint("Scenarios:"))
		for _, s := range result.Scenarios {
			state := ""
			if s.Skipped {
				state = p.warn.Sprint(" (skipped)")
			}
			dropped := fmt.Sprint(s.Dropped)
			if s.Dropped > 0 {
				dropped = p.warn.Sprint(s.Dropped)
			}
			fmt.Fprintf(w, "  %s [%s]%s  iterations=%s dropped=%s interrupted=%d maxVUs=%d duration=%s\n",
				p.value.Sprint(s.Name), s.Executor, state,
				formatNumber(s.Iterations), dropped, s.Interrupted, s.MaxVUs,
				formatDuration(s.Duration))
		}
		fmt.Fprintln(w)
	}

	if len(result.Metrics) > 0 {
		fmt.Fprintln(w, p.title.Sprint("Metrics:"))
		for _, m := range result.Metrics {
			name := "  " + m.Name
			if len(m.Tags) > 0 {
				name = "    " + m.Tags.String()
			}
			fmt.Fprintf(w, "%s %s\n", dotted(name, summaryNameWidth), formatMetricValues(m, p))
		}
		fmt.Fprintln(w)
	}

	if len(result.Thresholds) > 0 {
		fmt.Fprintln(w, p.title.Sprint("Thresholds:"))
		for _, t := range result.Thresholds {
			mark := p.good.Sprint("✓")
			if !t.Passed {
				mark = p.bad.Sprint("✗")
			}
			abort := ""
			if t.AbortOnFail {
				abort = p.dim.Sprint(" [abortOnFail]")
			}
			fmt.Fprintf(w, "  %s %s '%s' (actual: %.4g)%s\n", mark, t.Metric, t.Expression, t.Value, abort)
			if !t.Passed && t.Message != "" {
				fmt.Fprintf(w, "      %s\n", p.dim.Sprint(t.Message))
			}
		}
		fmt.Fprintln(w)
	}
}

// formatMetricValues renders the aggregates of one metric by its type.
func formatMetricValues(m metrics.MetricSummary, p *palette) string {
	v := m.Values
	switch m.Type {
	case "trend":
		format := func(x float64) string { return fmt.Sprintf("%.2f", x) }
		if m.Contains == "time" {
			format = formatMillis
		}
		parts := make([]string, 0, 7)
		for _, agg := range []string{"avg", "min", "med", "max", "p(90)", "p(95)", "p(99)"} {
			parts = append(parts, agg+"="+p.value.Sprint(format(v[agg])))
		}
		return strings.Join(parts, " ")
	case "rate":
		total := v["passes"] + v["fails"]
		return fmt.Sprintf("%s %s out of %s",
			p.value.Sprintf("%.2f%%", v["rate"]*100),
			formatNumber(int64(v["passes"])),
			formatNumber(int64(total)))
	case "counter":
		if m.Contains == "data" {
			return fmt.Sprintf("%s %s/s", p.value.Sprint(formatBytes(v["count"])), formatBytes(v["rate"]))
		}
		return fmt.Sprintf("%s %s", p.value.Sprint(formatNumber(int64(v["count"]))), fmt.Sprintf("%.2f/s", v["rate"]))
	case "gauge":
		return fmt.Sprintf("%s min=%g max=%g", p.value.Sprintf("%g", v["value"]), v["min"], v["max"])
	}
	return ""
}

// dotted pads name with dots to width, the way metric names line up.
func dotted(name string, width int) string {
	if n := len(name); n < width {
		return name + strings.Repeat(".", width-n) + ":"
	}
	return name + ":"
}
