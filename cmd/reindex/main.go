package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/timmy/lookbook/internal/config"
	"github.com/timmy/lookbook/internal/logger"
	"github.com/timmy/lookbook/internal/repository"
	"github.com/timmy/lookbook/internal/service"
	"github.com/timmy/lookbook/internal/storage"
	"github.com/timmy/lookbook/internal/vectorindex"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Initialize logger first (with defaults)
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "lookbook-reindex",
	})
	logger.SetDefaultLogger(appLogger)

	user := flag.String("user", "", "Only reindex this user (default: every user with uploads)")
	rebuild := flag.Bool("rebuild", false, "Replace each index with one built from the upload records")
	parallel := flag.Int("parallel", 2, "Number of users processed concurrently")
	showProgress := flag.Bool("progress", true, "Show a progress bar on stderr")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}
	if !cfg.Embedding.Enabled() {
		appLogger.Fatal("Reindexing needs an embedding API key")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}
	objectStorage, err := storage.NewStorage(ctx, &cfg.Storage)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize storage")
	}
	index, err := vectorindex.NewManager(cfg.Index.Dir, cfg.Index.Dimension)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize embedding index")
	}
	embedder, err := service.NewEmbedder(&cfg.Embedding, cfg.Index.Dimension)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize embedder")
	}

	svc := service.NewReindexService(repository.NewUploadRepository(db), objectStorage, embedder, index)

	users := []string{*user}
	if *user == "" {
		if users, err = svc.Usernames(ctx); err != nil {
			appLogger.WithError(err).Fatal("Failed to list users")
		}
	}

	appLogger.WithFields(logger.Fields{
		"users":   len(users),
		"rebuild": *rebuild,
	}).Info("Starting reindex")

	onItem := func() {}
	var bar *progressbar.ProgressBar
	if *showProgress {
		bar = progressbar.NewOptions(-1,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("reindexing"),
			progressbar.OptionSetWidth(32),
			progressbar.OptionShowCount(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
		onItem = func() { _ = bar.Add(1) }
	}

	start := time.Now()
	var (
		mu     sync.Mutex
		totals service.ReindexStats
	)
	g, gctx := errgroup.WithContext(ctx)
	if *parallel > 0 {
		g.SetLimit(*parallel)
	}
	for _, name := range users {
		g.Go(func() error {
			stats, err := svc.ReindexUser(gctx, name, *rebuild, onItem)
			if err != nil {
				appLogger.WithField(logger.FieldUsername, name).WithError(err).Error("Reindex failed")
				return err
			}
			mu.Lock()
			totals.Total += stats.Total
			totals.Indexed += stats.Indexed
			totals.Skipped += stats.Skipped
			totals.Failed += stats.Failed
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	if bar != nil {
		_ = bar.Finish()
	}

	fields := logger.Fields{
		"users":   len(users),
		"total":   totals.Total,
		"indexed": totals.Indexed,
		"skipped": totals.Skipped,
		"failed":  totals.Failed,
	}
	if err != nil {
		appLogger.WithFields(fields).WithError(err).Fatal("Reindex aborted")
	}
	logger.With(fields).WithDuration(start).Info(ctx, "Reindex completed")
}
