// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adiadia/campaign-runtime/internal/cms"
	"github.com/adiadia/campaign-runtime/internal/config"
	"github.com/adiadia/campaign-runtime/internal/discovery"
	"github.com/adiadia/campaign-runtime/internal/fetch"
	"github.com/adiadia/campaign-runtime/internal/hub"
	"github.com/adiadia/campaign-runtime/internal/journal"
	"github.com/adiadia/campaign-runtime/internal/logging"
	"github.com/adiadia/campaign-runtime/internal/metrics"
	"github.com/adiadia/campaign-runtime/internal/orchestrator"
	"github.com/adiadia/campaign-runtime/internal/persistence/postgres"
	"github.com/adiadia/campaign-runtime/internal/registry"
	"github.com/adiadia/campaign-runtime/internal/repository"
	"github.com/adiadia/campaign-runtime/internal/rewrite"
	httptransport "github.com/adiadia/campaign-runtime/internal/transport/http"
	"github.com/adiadia/campaign-runtime/internal/worker"
	"github.com/adiadia/campaign-runtime/internal/worker/stages"
	"golang.org/x/sync/errgroup"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env)
	metrics.Init()

	logHub := hub.New(hub.Config{
		BufferSize:      cfg.HubBufferSize,
		ClosedRetention: cfg.HubClosedRetention,
		Logger:          logger,
	})
	defer logHub.Close()
	runs := registry.New()

	// ---------------- COLLABORATORS ----------------

	fetchDefaults := fetch.Options{
		Retries: cfg.FetchRetries,
		Proxies: cfg.FetchProxies,
		Timeout: cfg.FetchTimeout,
	}

	var fetcher fetch.Fetcher
	switch cfg.FetchMode {
	case "browser":
		fetcher = fetch.NewBrowserFetcher(fetch.BrowserConfig{
			Defaults:   fetchDefaults,
			RatePerSec: cfg.FetchRatePerSec,
			Logger:     logger,
			Bin:        cfg.FetchBrowserBin,
		})
	default:
		httpFetcher := fetch.NewHTTPFetcher(fetch.HTTPConfig{
			Defaults:   fetchDefaults,
			RatePerSec: cfg.FetchRatePerSec,
			Logger:     logger,
		})
		defer httpFetcher.CloseIdleConnections()
		fetcher = httpFetcher
	}

	rewriter, err := rewrite.New(ctx, rewrite.Config{
		APIKey:          cfg.GenAIAPIKey,
		Model:           cfg.GenAIModel,
		DefaultMaxWords: cfg.RewriteMaxWords,
	})
	if err != nil {
		log.Fatalf("rewrite client setup failed: %v", err)
	}

	discoverer := discovery.New(discovery.Options{
		Client:          &http.Client{Timeout: cfg.DiscoveryTimeout},
		StrategyTimeout: cfg.DiscoveryTimeout,
		Logger:          logger,
	})
	cmsClient := cms.NewClient(nil, logger)

	executor := worker.New(worker.Deps{
		Registry: runs,
		Hub:      logHub,
		Stages: stages.Default(stages.Collaborators{
			Discoverer: discoverer,
			Fetcher:    fetcher,
			Rewriter:   rewriter,
			Publisher:  cmsClient,
		}),
		Logger:       logger,
		WebhookHosts: cfg.WebhookAllowedHosts,
	})

	orchDeps := orchestrator.Deps{
		Registry: runs,
		Hub:      logHub,
		Executor: executor,
		Logger:   logger,
	}

	routerDeps := httptransport.Deps{
		Prober:             discoverer,
		Verifier:           cmsClient,
		Logger:             logger,
		CORSOrigins:        cfg.CORSOrigins,
		RunStartRatePerMin: cfg.RunStartRatePerMin,
		Stream: httptransport.StreamConfig{
			PingInterval: cfg.WSPingInterval,
			WriteTimeout: cfg.WSWriteTimeout,
			ReadTimeout:  cfg.WSReadTimeout,
		},
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
	}

	// ---------------- JOURNAL ----------------

	if cfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connect failed: %v", err)
		}
		defer pool.Close()

		if cfg.AutoMigrate {
			if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
				log.Fatalf("journal schema bootstrap failed: %v", err)
			}
		}

		runRepo := repository.NewRunRepository(pool, logger)
		eventRepo := repository.NewEventRepository(pool, logger)

		orchDeps.Journal = journal.New(journal.Deps{
			Runs:   runRepo,
			Events: eventRepo,
			Logger: logger,
		})
		routerDeps.RunLookup = runRepo
		routerDeps.EventLister = eventRepo
		routerDeps.Health = postgres.NewSchemaHealthChecker(pool)

		logger.Info("run journal enabled", "auto_migrate", cfg.AutoMigrate)
	}

	orch := orchestrator.New(orchDeps)
	routerDeps.Runs = orch

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httptransport.NewRouter(routerDeps),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("api listening",
			"addr", cfg.HTTPAddr,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
			"fetch_mode", cfg.FetchMode,
		)

		if err := srv.ListenAndServe(); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			cfg.ShutdownTimeout,
		)
		defer cancel()

		// Runs end first so live subscribers get their terminal markers.
		if err := orch.Shutdown(shutdownCtx); err != nil {
			logger.Warn("orchestrator shutdown incomplete", "error", err)
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
