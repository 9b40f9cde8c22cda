package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jurisbase/lexcrawl/internal/blob"
	"github.com/jurisbase/lexcrawl/internal/clock/system"
	"github.com/jurisbase/lexcrawl/internal/normalize"
)

func newRenormalizeCmd() *cobra.Command {
	var country string
	cmd := &cobra.Command{
		Use:   "renormalize",
		Short: "Re-run extraction over stored raw content",
		Long: `Replays the current adapters over the raw content already on disk,
updating parsed fields in place. Identities never change: documents keep
their global IDs, and nothing is re-fetched.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := appInstance.Config()

			sink, err := blob.NewFS(cfg.Storage.RawDir, cfg.Crawler.MaxPageBytes)
			if err != nil {
				return err
			}
			normalizer := normalize.New(buildAdapters(cfg), system.New(), appInstance.Logger())

			code := ""
			if country != "" && country != "all" {
				code = strings.ToUpper(country)
			}
			res, err := normalizer.Renormalize(cmd.Context(), appInstance.Documents(), sink, code)
			if err != nil {
				return fmt.Errorf("renormalize: %w", err)
			}
			fmt.Printf("visited=%d updated=%d failed=%d\n", res.Visited, res.Updated, res.Failed)
			return nil
		},
	}
	cmd.Flags().StringVar(&country, "country", "all", "restrict to one country")
	return cmd
}
