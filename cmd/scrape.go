package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jurisbase/lexcrawl/internal/blob"
	"github.com/jurisbase/lexcrawl/internal/classifier"
	"github.com/jurisbase/lexcrawl/internal/clock/system"
	"github.com/jurisbase/lexcrawl/internal/config"
	"github.com/jurisbase/lexcrawl/internal/fetch"
	"github.com/jurisbase/lexcrawl/internal/fleet"
	"github.com/jurisbase/lexcrawl/internal/hash/sha256"
	"github.com/jurisbase/lexcrawl/internal/health"
	"github.com/jurisbase/lexcrawl/internal/id/uuid"
	"github.com/jurisbase/lexcrawl/internal/identity"
	"github.com/jurisbase/lexcrawl/internal/ingest"
	"github.com/jurisbase/lexcrawl/internal/normalize"
	"github.com/jurisbase/lexcrawl/internal/ratelimit"
	"github.com/jurisbase/lexcrawl/internal/worker"
)

func newScrapeCmd() *cobra.Command {
	var (
		country string
		resume  bool
		limit   int
		follow  bool
	)
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Run the fetch worker pool over the crawl frontier",
		Long: `Enqueues the configured seed URLs (unless resuming), probes the proxy
fleet, then runs the worker pool until the frontier drains or the limit is
reached. A resumed run picks up pending and lease-expired entries left by
an interrupted one.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScrape(cmd.Context(), country, resume, limit, follow)
		},
	}
	cmd.Flags().StringVar(&country, "country", "all", "two-letter country code, or all")
	cmd.Flags().BoolVar(&resume, "resume", false, "skip seeding; continue from the persisted frontier")
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many completed entries (0 = unbounded)")
	cmd.Flags().BoolVar(&follow, "follow", false, "keep polling for new work instead of exiting when drained")
	return cmd
}

func runScrape(ctx context.Context, country string, resume bool, limit int, follow bool) error {
	appInstance, err := resolveApp(ctx)
	if err != nil {
		return err
	}
	cfg := appInstance.Config()
	logger := appInstance.Logger()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	targets, err := targetCountries(cfg, country)
	if err != nil {
		return err
	}

	poolCountry := ""
	if country != "" && country != "all" {
		poolCountry = strings.ToUpper(country)
	}

	if resume {
		reset, err := appInstance.Frontier().ResetParked(ctx, poolCountry)
		if err != nil {
			return fmt.Errorf("reset parked entries: %w", err)
		}
		if reset > 0 {
			logger.Info("parked entries returned to pending", zap.Int("entries", reset))
		}
	} else {
		seeded, err := enqueueSeeds(ctx, appInstance.Frontier(), cfg, targets)
		if err != nil {
			return fmt.Errorf("seed frontier: %w", err)
		}
		logger.Info("frontier seeded", zap.Int("new_entries", seeded), zap.Strings("countries", targets))
	}

	registry, monitor, _, err := buildFleet(ctx, appInstance)
	if err != nil {
		return err
	}
	if monitor.WorkingSet().Len() == 0 {
		return errors.New("no working proxies after probe sweep")
	}
	go refreshLoop(ctx, cfg, registry, monitor, logger)

	direct := fetch.NewDirect(fetch.DirectConfig{
		UserAgent: cfg.Crawler.UserAgent,
		Timeout:   cfg.Crawler.FetchTimeout(),
	})
	var rendered ingest.Fetcher
	if cfg.Render.Enabled {
		r, err := fetch.NewRendered(fetch.RenderedConfig{
			MaxParallel:       cfg.Render.MaxParallel,
			UserAgent:         cfg.Crawler.UserAgent,
			NavigationTimeout: time.Duration(cfg.Render.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			return fmt.Errorf("init rendered fetcher: %w", err)
		}
		rendered = r
	}
	router, err := fetch.NewRouter(direct, rendered)
	if err != nil {
		return err
	}

	sink, err := blob.NewFS(cfg.Storage.RawDir, cfg.Crawler.MaxPageBytes)
	if err != nil {
		return err
	}

	clk := system.New()
	normalizer := normalize.New(buildAdapters(cfg), clk, logger)
	ident := identity.New(appInstance.Documents(), uuid.NewGenerator(), clk)
	limiter := ratelimit.New(ratelimit.Config{PerProxyRPS: cfg.Crawler.PerProxyRPS})

	pool := worker.New(
		worker.Config{
			Concurrency: cfg.Crawler.Concurrency,
			Country:     poolCountry,
			Limit:       limit,
			LeaseTTL:    cfg.Crawler.LeaseTTL(),
			IdlePoll:    time.Duration(cfg.Crawler.IdlePollSeconds) * time.Second,
			Drain:       !follow,
			Retry: worker.RetryPolicy{
				Initial:     time.Duration(cfg.Crawler.BackoffInitialMs) * time.Millisecond,
				Max:         time.Duration(cfg.Crawler.BackoffMaxMs) * time.Millisecond,
				MaxAttempts: cfg.Crawler.MaxAttempts,
			},
		},
		appInstance.Frontier(),
		router,
		classifier.New(),
		normalizer,
		ident,
		sink,
		sha256.New(),
		monitor,
		limiter,
		logger,
	)

	totals, err := pool.Run(ctx)
	if err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	fmt.Printf("done=%d failed=%d requeued=%d parked=%d new=%d duplicates=%d\n",
		totals.Done, totals.Failed, totals.Requeued, totals.Parked, totals.NewDocs, totals.Duplicates)
	return nil
}

// targetCountries expands the --country flag against the configuration.
func targetCountries(cfg config.Config, country string) ([]string, error) {
	if country == "" || country == "all" {
		out := make([]string, 0, len(cfg.Countries))
		for code := range cfg.Countries {
			out = append(out, code)
		}
		if len(out) == 0 {
			return nil, errors.New("no countries configured")
		}
		return out, nil
	}
	code := strings.ToLower(country)
	if _, ok := cfg.Source(code); !ok {
		return nil, fmt.Errorf("country %s is not configured", country)
	}
	return []string{code}, nil
}

func enqueueSeeds(ctx context.Context, frontier ingest.FrontierStore, cfg config.Config, countries []string) (int, error) {
	var entries []ingest.FrontierEntry
	for _, code := range countries {
		src, _ := cfg.Source(code)
		for _, seed := range src.SeedURLs {
			entries = append(entries, ingest.FrontierEntry{
				URL:         seed,
				CountryCode: strings.ToUpper(code),
				SourceID:    src.SourceID,
			})
		}
	}
	return frontier.Enqueue(ctx, entries)
}

// buildFleet syncs the inventory into the registry, probes every active
// endpoint and returns the registry plus a monitor holding the first
// working set.
func buildFleet(ctx context.Context, appInstance App) (*fleet.Registry, *health.Monitor, []ingest.ProbeResult, error) {
	cfg := appInstance.Config()
	logger := appInstance.Logger()

	provider, err := buildProvider(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	registry := fleet.NewRegistry(appInstance.Endpoints(), provider, logger)
	if cfg.Fleet.InventoryPath != "" {
		inv, err := fleet.LoadInventory(cfg.Fleet.InventoryPath)
		if err != nil {
			return nil, nil, nil, err
		}
		added, err := fleet.SyncInventory(ctx, registry, inv)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("sync inventory: %w", err)
		}
		if added > 0 {
			logger.Info("inventory synced", zap.Int("registered", added))
		}
	}

	monitor := health.New(health.Config{
		ProbeURL:    cfg.Fleet.ProbeURL,
		Timeout:     time.Duration(cfg.Fleet.ProbeTimeoutSec) * time.Second,
		MaxInFlight: cfg.Fleet.ProbeConcurrency,
	}, logger)

	results, err := probeAndRecord(ctx, registry, monitor)
	if err != nil {
		return nil, nil, nil, err
	}
	return registry, monitor, results, nil
}

// buildProvider returns the provisioning client, or nil when no provider is
// configured. Registry teardown without a provider only flips local state.
// A configured provider with a missing token is a setup error, not a silent
// downgrade to local-only teardown.
func buildProvider(cfg config.Config) (fleet.Provider, error) {
	p := cfg.Fleet.Provider
	if p.Name == "" || p.BaseURL == "" {
		return nil, nil
	}
	token, err := config.CredentialToken(p.CredentialEnv)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", p.Name, err)
	}
	return fleet.NewHTTPProvider(p.Name, p.BaseURL, token), nil
}

func probeAndRecord(ctx context.Context, registry *fleet.Registry, monitor *health.Monitor) ([]ingest.ProbeResult, error) {
	endpoints, err := registry.Active(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active endpoints: %w", err)
	}
	results := monitor.Refresh(ctx, endpoints)
	now := time.Now()
	for _, res := range results {
		if err := registry.RecordProbe(ctx, res, now); err != nil {
			return nil, fmt.Errorf("record probe for %s: %w", res.EndpointID, err)
		}
	}
	return results, nil
}

func refreshLoop(ctx context.Context, cfg config.Config, registry *fleet.Registry, monitor *health.Monitor, logger *zap.Logger) {
	interval := time.Duration(cfg.Fleet.RefreshIntervalSec) * time.Second
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := probeAndRecord(ctx, registry, monitor); err != nil {
				logger.Warn("working set refresh failed", zap.Error(err))
			}
		}
	}
}

// buildAdapters registers one normalizer adapter per configured country
// source.
func buildAdapters(cfg config.Config) *normalize.Registry {
	registry := normalize.NewRegistry()
	for _, src := range cfg.Countries {
		switch src.Adapter {
		case "gazette":
			registry.Register(normalize.NewGazetteHTML(src.SourceID, src.Category))
		default:
			registry.Register(normalize.NewStatuteHTML(src.SourceID, src.Category))
		}
	}
	return registry
}
