package analytics

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// Formats accepted by Write.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Write renders r in the named format.
func Write(w io.Writer, r *Report, format string) error {
	switch strings.ToLower(format) {
	case "", FormatText:
		return WriteText(w, r)
	case FormatJSON:
		return WriteJSON(w, r)
	case FormatYAML, "yml":
		return WriteYAML(w, r)
	default:
		return fmt.Errorf("unknown report format %q", format)
	}
}

func WriteJSON(w io.Writer, r *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func WriteYAML(w io.Writer, r *Report) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return err
	}
	return enc.Close()
}

// WriteText prints the human report.
func WriteText(w io.Writer, r *Report) error {
	rule := strings.Repeat("=", 60)
	s := r.Summary

	fmt.Fprintln(w, rule)
	fmt.Fprintln(w, "SHADOW MODE ANALYSIS REPORT")
	fmt.Fprintln(w, rule)
	if r.Source != "" {
		fmt.Fprintf(w, "Source: %s\n", r.Source)
	}
	if r.SkippedRecords > 0 {
		fmt.Fprintf(w, "Skipped records: %d (malformed)\n", r.SkippedRecords)
	}
	if r.Window != nil {
		fmt.Fprintf(w, "Window: %s .. %s (%d records outside)\n", orDash(r.Window.Since), orDash(r.Window.Until), r.Window.Excluded)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\nSUMMARY")
	fmt.Fprintf(tw, "Total queries\t%d\n", s.TotalQueries)
	fmt.Fprintf(tw, "Cache hits\t%d\n", s.CacheHits)
	fmt.Fprintf(tw, "Cache misses\t%d\n", s.CacheMisses)
	fmt.Fprintf(tw, "Hit rate\t%.2f%%\n", s.HitRatePercent)

	fmt.Fprintln(tw, "\nPERFORMANCE")
	fmt.Fprintf(tw, "Avg LLM latency\t%.2fms\n", s.AvgLLMLatencyMs)
	fmt.Fprintf(tw, "Avg cache latency\t%.2fms\n", s.AvgCacheLatencyMs)
	if s.LatencyImprovementAvailable {
		fmt.Fprintf(tw, "Latency improvement\t%.2fms (%.2f%%)\n", s.LatencyImprovementMs, s.LatencyImprovementPercent)
	} else {
		fmt.Fprintf(tw, "Latency improvement\tn/a\n")
	}
	fmt.Fprintf(tw, "Avg similarity\t%.3f\n", s.AvgSimilarityScore)
	if p := r.Performance.LatencyPercentiles; p != nil {
		fmt.Fprintf(tw, "LLM latency p50/p90/p95/p99\t%.1f / %.1f / %.1f / %.1f ms\n", p.P50, p.P90, p.P95, p.P99)
	}
	if p := r.Performance.CacheLatencyPercentiles; p != nil {
		fmt.Fprintf(tw, "Cache latency p50/p90/p95/p99\t%.1f / %.1f / %.1f / %.1f ms\n", p.P50, p.P90, p.P95, p.P99)
	}

	fmt.Fprintln(tw, "\nSIMILARITY DISTRIBUTION")
	for _, b := range r.Performance.SimilarityDistribution {
		fmt.Fprintf(tw, "%s\t%d\n", b.Label, b.Count)
	}
	if d := r.Performance.VectorDistance; d != nil {
		fmt.Fprintf(tw, "Distance min/avg/median/max\t%.4f / %.4f / %.4f / %.4f\n", d.Min, d.Mean, d.Median, d.Max)
	}

	t := r.Tokens
	fmt.Fprintln(tw, "\nTOKENS & COST")
	fmt.Fprintf(tw, "Total tokens\t%d\n", t.TotalTokens)
	fmt.Fprintf(tw, "Avg tokens per query\t%.1f\n", t.AvgTokensPerQuery)
	fmt.Fprintf(tw, "Tokens saved\t%d (recorded %d, estimated %d for %d hits)\n",
		t.TokensSaved, t.TokensSavedRecorded, t.TokensSavedEstimated, t.HitsEstimated)
	fmt.Fprintf(tw, "Estimated cost savings\t$%.4f (at $%g per 1K tokens)\n", s.EstimatedCostSavingsUSD, t.CostPer1KTokens)

	if len(r.ModelUsage) > 0 {
		fmt.Fprintln(tw, "\nMODEL USAGE")
		for _, m := range r.ModelUsage {
			fmt.Fprintf(tw, "%s\t%d\n", m.Model, m.Queries)
		}
	}

	ta := r.TimeAnalysis
	fmt.Fprintln(tw, "\nTIME ANALYSIS")
	fmt.Fprintf(tw, "Hours analyzed\t%d\n", ta.HoursAnalyzed)
	if ta.PeakHour != "" {
		fmt.Fprintf(tw, "Peak hour\t%s\n", ta.PeakHour)
	}
	if ta.PeakDay != "" {
		fmt.Fprintf(tw, "Peak day\t%s\n", ta.PeakDay)
	}
	for _, d := range ta.Daily {
		fmt.Fprintf(tw, "  %s\t%d queries, %.2f%% hits\n", d.Period, d.Total, d.HitRatePercent)
	}
	if ta.ExcludedRecords > 0 {
		fmt.Fprintf(tw, "Unparsable timestamps\t%d\n", ta.ExcludedRecords)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w, "\nRECOMMENDATIONS")
	for _, rec := range r.Recommendations {
		fmt.Fprintf(w, "- %s\n", rec)
	}
	_, err := fmt.Fprintln(w, "\n"+rule)
	return err
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
