package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newSearchCmd() *cobra.Command {
	var (
		country string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search ingested documents by title",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			code := ""
			if country != "" && country != "all" {
				code = strings.ToUpper(country)
			}
			docs, err := appInstance.Documents().Search(cmd.Context(), args[0], code, limit)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			if len(docs) == 0 {
				fmt.Println("no matches")
				return nil
			}
			for _, doc := range docs {
				fmt.Printf("%-22s %s\n", doc.GlobalID, doc.TitleFull)
				fmt.Printf("%22s %s\n", "", doc.SourceURL)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&country, "country", "all", "restrict to one country")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum results")
	return cmd
}
