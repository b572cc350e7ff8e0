package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"tandem/api/internal/app"
	"tandem/api/internal/collab"
	"tandem/api/internal/config"
	"tandem/api/internal/generation"
	"tandem/api/internal/genstatus"
	"tandem/api/internal/gitrepo"
	"tandem/api/internal/metrics"
	"tandem/api/internal/pmstep"
	"tandem/api/internal/producer"
	"tandem/api/internal/relay"
	"tandem/api/internal/search"
	"tandem/api/internal/snapshot"
	"tandem/api/internal/store"
	"tandem/api/internal/util"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checks := map[string]app.Pinger{}

	var db *store.PostgresStore
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		migrations := store.Migrations()
		if cfg.MigrationsDir != "" {
			migrations = os.DirFS(cfg.MigrationsDir)
		}
		db, err = store.Open(ctx, cfg.DatabaseURL, migrations)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()
		checks["database"] = db
		log.Printf("Recording snapshots and generation history in PostgreSQL")
	}

	mailboxes := relay.NewMailboxes(cfg.SyncMailboxSize)
	broadcaster := relay.New(mailboxes)

	var statusStore generation.StatusStore
	var mirror *relay.RedisMirror
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := genstatus.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		checks["redis"] = redisStore
		statusStore = redisStore
		mirror = relay.NewRedisMirror(redisStore.Client(), 0)
		broadcaster.Add(mirror)
		log.Printf("Using Redis for generation status and the relay mirror")
	} else {
		statusStore = genstatus.NewMemoryStore()
		log.Printf("Using in-memory generation status store")
	}
	if db != nil {
		statusStore = genstatus.WithHistory(statusStore, db)
	}

	registry := collab.NewRegistry(broadcaster, cfg.SessionIdleGrace)
	controller := generation.New(registry, newProducer(cfg), pmstep.Rebaser{}, statusStore, generation.Config{
		DefaultTimeout:    cfg.GenerationTimeout,
		MaxTimeout:        cfg.GenerationMaxTimeout,
		Retention:         cfg.GenerationRetention,
		MaxRebaseAttempts: cfg.GenerationMaxRebase,
		BatchesPerSecond:  cfg.GenerationBatchesPerSecond,
	}, func() string { return util.NewID("gen") })

	deps := app.Dependencies{
		Registry:         registry,
		Generations:      controller,
		Mailboxes:        mailboxes,
		Checks:           checks,
		SubmitsPerSecond: cfg.SyncSubmitsPerSecond,
		SubmitBurst:      cfg.SyncSubmitBurst,
	}

	var recorder snapshot.Recorder
	var archiver snapshot.Archiver
	if db != nil {
		recorder = db
		deps.History = db
	}
	if strings.TrimSpace(cfg.ArchiveDir) != "" {
		if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
			log.Fatalf("failed to create archive dir: %v", err)
		}
		archive := gitrepo.New(cfg.ArchiveDir, "tandem")
		archiver = archive
		deps.Archive = archive
	}
	job := snapshot.New(registry, recorder, archiver, 0)
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
		checks["search"] = meiliClient
		deps.Search = meiliClient
		job.WithIndexer(meiliClient)
		log.Printf("Indexing document text in Meilisearch")
	}

	service := app.NewService(deps)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Printf("Tandem sync hub listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return registry.Run(groupCtx, sweepInterval(cfg.SessionIdleGrace))
	})
	if mirror != nil {
		group.Go(func() error {
			return mirror.Run(groupCtx)
		})
	}
	if job.Enabled() {
		group.Go(func() error {
			return job.Schedule(groupCtx, cfg.SnapshotSchedule)
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := controller.Close(shutdownCtx); err != nil {
			log.Printf("generation shutdown error: %v", err)
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func newProducer(cfg config.Config) generation.Producer {
	if cfg.Producer == "openai" {
		log.Printf("Using OpenAI producer")
		client := producer.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
		return producer.NewOpenAI(client, cfg.OpenAIModel, cfg.OpenAIChunkRunes)
	}
	log.Printf("Using scripted producer")
	return producer.Scripted{Delay: 50 * time.Millisecond}
}

// sweepInterval checks idle sessions a few times per grace period.
func sweepInterval(grace time.Duration) time.Duration {
	if grace <= 0 {
		return time.Minute
	}
	interval := grace / 4
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}
