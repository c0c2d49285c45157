package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/relayhub/relay/internal/api"
	"github.com/relayhub/relay/internal/buildinfo"
	"github.com/relayhub/relay/internal/config"
	"github.com/relayhub/relay/internal/deliver"
	"github.com/relayhub/relay/internal/engine"
	"github.com/relayhub/relay/internal/fetch"
	"github.com/relayhub/relay/internal/model"
	"github.com/relayhub/relay/internal/netutil"
	"github.com/relayhub/relay/internal/state"
	"github.com/relayhub/relay/internal/verify"
)

const contentCacheEntries = 1024

func main() {
	// 1. Load and validate environment config
	cfg, err := config.LoadEnvConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	if config.IsWeakToken(cfg.AdminToken) {
		log.Printf("WARNING: RELAY_ADMIN_TOKEN is weak, use a long random token")
	}

	// 2. Open the repository and run migrations
	repo, listener, err := openRepository(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	if listener != nil {
		listener.Start()
	}

	// 3. Seed pre-registered topics
	if cfg.TopicSeedFile != "" {
		if err := seedTopics(repo, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	}

	// 4. Wire the outbound client and work engine
	client := netutil.NewClient(netutil.Options{
		Timeout:   cfg.HTTPTimeout,
		UserAgent: buildinfo.UserAgent(),
	})
	eng := engine.New(repo,
		fetch.New(repo, client, fetch.Options{
			SelfURL:            cfg.SelfURL,
			StrictTopicHubLink: cfg.StrictTopicHubLink,
			RetryDelays:        cfg.FetchRetryDelays,
		}),
		verify.New(repo, client, verify.Options{
			RetryDelays: cfg.VerifyRetryDelays,
		}),
		deliver.New(repo, client, deliver.Options{
			SelfURL:     cfg.SelfURL,
			RetryDelays: cfg.DeliveryRetryDelays,
		}),
		engine.Options{
			ClaimLeaseSeconds: cfg.ClaimLeaseSeconds,
			MaxConcurrent:     cfg.MaxConcurrent,
			PollInterval:      cfg.PollInterval,
			PollJitter:        cfg.PollJitter,
		})
	eng.Start()

	// 5. Schedule maintenance
	maint := cron.New()
	if _, err := maint.AddFunc(cfg.MaintenanceSchedule, func() {
		runMaintenance(repo, cfg.HistoryRetainCount)
	}); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: schedule maintenance: %v\n", err)
		os.Exit(1)
	}
	maint.Start()

	// 6. Start the API server
	srv := api.New(repo, eng, api.Options{
		ListenAddress:    cfg.ListenAddress,
		Port:             cfg.Port,
		PublicHub:        cfg.PublicHub,
		StrictSecret:     cfg.StrictSecret,
		LeaseBounds:      cfg.LeaseBounds,
		InlineProcessing: cfg.InlineProcessing,
		AdminToken:       cfg.AdminToken,
		APIMaxBodyBytes:  cfg.APIMaxBodyBytes,
	})
	srv.Start()
	log.Printf("Relay %s started (backend=%s, self=%s)", buildinfo.Version, cfg.DBBackend, cfg.SelfURL)

	// 7. Graceful shutdown: stop intake first, then drain workers
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("Received signal %s, shutting down...", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	eng.Stop()
	<-maint.Stop().Done()
	if listener != nil {
		listener.Stop()
	}
	if err := repo.Close(); err != nil {
		log.Printf("Repository close error: %v", err)
	}
	log.Println("Relay stopped")
}

// openRepository opens the configured backend and migrates the schema. The
// returned listener is non-nil only for the postgres backend.
func openRepository(cfg *config.EnvConfig) (state.Repository, *state.ChangeListener, error) {
	switch cfg.DBBackend {
	case config.BackendSQLite:
		if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create state dir: %w", err)
		}
		path := filepath.Join(cfg.StateDir, "relay.db")
		db, err := state.OpenSQLite(path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", path, err)
		}
		if err := state.MigrateSQLite(db); err != nil {
			db.Close()
			return nil, nil, err
		}
		return state.NewSQLiteRepo(db), nil, nil

	case config.BackendPostgres:
		db, err := state.OpenPostgres(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := state.MigratePostgres(db); err != nil {
			db.Close()
			return nil, nil, err
		}
		cache := state.NewContentCache(contentCacheEntries)
		repo := state.NewPostgresRepo(db, cache)
		listener := state.NewChangeListener(cfg.PostgresDSN, db, cache)
		return repo, listener, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.DBBackend)
	}
}

func seedTopics(repo state.Repository, cfg *config.EnvConfig) error {
	seeds, err := config.LoadTopicSeeds(cfg.TopicSeedFile, cfg.LeaseBounds)
	if err != nil {
		return err
	}
	ctx := context.Background()
	for _, s := range seeds {
		err := repo.TopicSeed(ctx, model.Topic{
			URL:                    s.URL,
			LeaseSecondsPreferred:  s.LeaseSecondsPreferred,
			LeaseSecondsMin:        s.LeaseSecondsMin,
			LeaseSecondsMax:        s.LeaseSecondsMax,
			PublisherValidationURL: s.PublisherValidationURL,
			ContentHashAlgorithm:   s.ContentHashAlgorithm,
		})
		if err != nil {
			return fmt.Errorf("seed topic %s: %w", s.URL, err)
		}
	}
	log.Printf("Seeded %d topics from %s", len(seeds), cfg.TopicSeedFile)
	return nil
}

func runMaintenance(repo state.Repository, historyRetain int) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if n, err := repo.SubscriptionsExpiredSweep(ctx); err != nil {
		log.Printf("[maintenance] expired subscriptions: %v", err)
	} else if n > 0 {
		log.Printf("[maintenance] removed %d expired subscriptions", n)
	}

	if n, err := repo.TopicContentHistoryPrune(ctx, historyRetain); err != nil {
		log.Printf("[maintenance] prune history: %v", err)
	} else if n > 0 {
		log.Printf("[maintenance] pruned %d history rows", n)
	}

	if n, err := repo.TopicsPendingDeleteSweep(ctx); err != nil {
		log.Printf("[maintenance] pending deletes: %v", err)
	} else if n > 0 {
		log.Printf("[maintenance] deleted %d topics", n)
	}
}
