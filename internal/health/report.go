package health

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jurisbase/lexcrawl/internal/ingest"
)

// ProviderCounts aggregates probe outcomes for one provider.
type ProviderCounts struct {
	Total   int `json:"total"`
	Working int `json:"working"`
}

// ReportSummary is the roll-up section of the health report.
type ReportSummary struct {
	Total              int     `json:"total"`
	Working            int     `json:"working"`
	Failed             int     `json:"failed"`
	AvgResponseTimeSec float64 `json:"avgResponseTimeSec"`
}

// Report is the proxy health artifact written for the fleet tooling.
type Report struct {
	Timestamp  time.Time                 `json:"timestamp"`
	Summary    ReportSummary             `json:"summary"`
	ByProvider map[string]ProviderCounts `json:"byProvider"`
	Results    []ingest.ProbeResult      `json:"results"`
}

// BuildReport assembles a Report from probe results.
func BuildReport(now time.Time, results []ingest.ProbeResult) Report {
	report := Report{
		Timestamp:  now,
		ByProvider: make(map[string]ProviderCounts),
		Results:    results,
	}
	var totalMs int64
	var timed int
	for _, res := range results {
		report.Summary.Total++
		counts := report.ByProvider[res.Provider]
		counts.Total++
		if res.Rating == ingest.ProbeFailed {
			report.Summary.Failed++
		} else {
			report.Summary.Working++
			counts.Working++
			totalMs += res.ResponseTimeMs
			timed++
		}
		report.ByProvider[res.Provider] = counts
	}
	if timed > 0 {
		report.Summary.AvgResponseTimeSec = float64(totalMs) / float64(timed) / 1000
	}
	return report
}

// WriteReport persists the report as indented JSON.
func WriteReport(path string, report Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal health report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write health report %s: %w", path, err)
	}
	return nil
}
