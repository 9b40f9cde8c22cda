package cmd

import (
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jurisbase/lexcrawl/internal/api"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the operator HTTP endpoints",
		Long:  `Exposes /healthz, /stats and Prometheus /metrics over HTTP.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := appInstance.Config()

			countries := make([]string, 0, len(cfg.Countries))
			for code := range cfg.Countries {
				countries = append(countries, strings.ToUpper(code))
			}
			sort.Strings(countries)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			server := api.New(cfg.Server.Port, appInstance.Frontier(), countries, appInstance.Logger())
			return server.Run(ctx)
		},
	}
	return cmd
}
