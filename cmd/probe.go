package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jurisbase/lexcrawl/internal/health"
)

func newProbeCmd() *cobra.Command {
	var reportPath string
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Probe every registered proxy and refresh its state",
		Long: `Runs one health sweep over the registered proxy fleet: each endpoint
fetches the address-echo URL through itself, and the observed egress address
decides whether it is rated perfect, working or failed. Ratings are written
back to the registry and optionally to a JSON report.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			_, monitor, results, err := buildFleet(cmd.Context(), appInstance)
			if err != nil {
				return err
			}
			ws := monitor.WorkingSet()
			report := health.BuildReport(time.Now(), results)
			fmt.Printf("probed=%d working=%d failed=%d\n",
				report.Summary.Total, report.Summary.Working, report.Summary.Failed)
			for _, ep := range ws.Ranked() {
				fmt.Printf("  %-12s %-15s %4dms\n", ep.Provider, ep.Address, ep.LastResponseTimeMs)
			}
			if reportPath != "" {
				if err := health.WriteReport(reportPath, report); err != nil {
					return err
				}
				fmt.Printf("report written to %s\n", reportPath)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&reportPath, "report", "", "write the probe report to this path")
	return cmd
}
