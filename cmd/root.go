// Package cmd defines and implements the CLI commands for the lexcrawl
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jurisbase/lexcrawl/internal/config"
	"github.com/jurisbase/lexcrawl/internal/ingest"
	"github.com/jurisbase/lexcrawl/internal/logging"
	"github.com/jurisbase/lexcrawl/internal/store"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App bundles the services every command needs. An interface so tests can
// inject a mock app backed by the in-memory store.
type App interface {
	Close()
	Config() config.Config
	Logger() *zap.Logger
	Frontier() ingest.FrontierStore
	Documents() ingest.DocumentStore
	Endpoints() ingest.EndpointStore
	Migrate(ctx context.Context) error
}

// prodApp is the production App backed by Postgres.
type prodApp struct {
	cfg    config.Config
	logger *zap.Logger
	db     *store.Postgres
}

func (a *prodApp) Close() {
	if a.db != nil {
		a.db.Close()
	}
	_ = a.logger.Sync()
}

func (a *prodApp) Config() config.Config             { return a.cfg }
func (a *prodApp) Logger() *zap.Logger               { return a.logger }
func (a *prodApp) Frontier() ingest.FrontierStore    { return a.db }
func (a *prodApp) Documents() ingest.DocumentStore   { return a.db }
func (a *prodApp) Endpoints() ingest.EndpointStore   { return a.db }
func (a *prodApp) Migrate(ctx context.Context) error { return a.db.Migrate(ctx) }

// newApp is the application factory, a variable so tests can replace it.
var newApp = func(ctx context.Context) (App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, err
	}
	db, err := store.NewPostgres(ctx, store.PostgresConfig{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: cfg.DB.ConnLifetime(),
	})
	if err != nil {
		logger.Error("database connection failed", zap.Error(err))
		return nil, err
	}
	return &prodApp{cfg: cfg, logger: logger, db: db}, nil
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lexcrawl",
		Short: "Jurisdiction-aware legal document crawler",
		Long: `lexcrawl ingests statutes, gazettes and case law from national legal
portals through a rotating proxy fleet, assigning every document a stable
jurisdiction-aware global identifier exactly once.`,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context())
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (built-in defaults when omitted)")

	cmd.AddCommand(
		newMigrateCmd(),
		newScrapeCmd(),
		newStatsCmd(),
		newSearchCmd(),
		newProbeCmd(),
		newRenormalizeCmd(),
		newServeCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() error {
	return newRootCmd().Execute()
}
