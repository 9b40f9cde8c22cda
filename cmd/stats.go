package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	var (
		country  string
		detailed bool
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show frontier and document counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := appInstance.Config()

			targets, err := targetCountries(cfg, country)
			if err != nil {
				return err
			}
			sort.Strings(targets)

			for _, code := range targets {
				stats, err := appInstance.Frontier().Stats(cmd.Context(), strings.ToUpper(code))
				if err != nil {
					return fmt.Errorf("stats for %s: %w", code, err)
				}
				fmt.Printf("%s: pending=%d leased=%d done=%d failed=%d parked=%d documents=%d added_today=%d\n",
					strings.ToUpper(code), stats.Pending, stats.Leased, stats.Done,
					stats.Failed, stats.Parked, stats.Documents, stats.AddedToday)

				if !detailed {
					continue
				}
				byYear, err := appInstance.Documents().CountsByYear(cmd.Context(), strings.ToUpper(code))
				if err != nil {
					return fmt.Errorf("yearly counts for %s: %w", code, err)
				}
				years := make([]int, 0, len(byYear))
				for year := range byYear {
					years = append(years, year)
				}
				sort.Ints(years)
				for _, year := range years {
					fmt.Printf("  %d: %d\n", year, byYear[year])
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&country, "country", "all", "two-letter country code, or all")
	cmd.Flags().BoolVar(&detailed, "detailed", false, "include per-year document counts")
	return cmd
}
