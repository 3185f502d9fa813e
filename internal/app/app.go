// Package app initializes and holds long-lived application services,
// acting as a dependency injection container for the CLI.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/mongodb-sink/internal/config"
	"github.com/JakeFAU/mongodb-sink/internal/logging"
	"github.com/JakeFAU/mongodb-sink/internal/notify"
	"github.com/JakeFAU/mongodb-sink/internal/storage"
	"github.com/JakeFAU/mongodb-sink/internal/storage/memory"
)

// App holds the shared, long-lived services of one run: the logger, the
// document store, the large-object store and the optional event
// publisher. It is initialized once at startup and torn down by Close.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	store    storage.DocumentStore
	blobs    storage.LargeObjectStore
	notifier notify.Provider

	closers []func() error
}

// Config returns the resolved sink configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared zap logger instance.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store exposes the configured document store.
func (a *App) Store() storage.DocumentStore { return a.store }

// Blobs exposes the configured large-object store.
func (a *App) Blobs() storage.LargeObjectStore { return a.blobs }

// Notifier exposes the configured event publisher.
func (a *App) Notifier() notify.Provider { return a.notifier }

// NewApp builds every service from the resolved configuration. With
// dryRun set, writes go to in-memory stores instead of a live MongoDB,
// which is handy for exercising a crawl without a server. The function
// fails fast if any critical service cannot be initialized.
func NewApp(ctx context.Context, cfg config.Config, dryRun bool) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	a := &App{cfg: cfg, logger: logger}

	if dryRun {
		logger.Info("Dry run: items will be written to in-memory stores")
		a.store = memory.NewStore()
		a.blobs = memory.NewLargeObjectStore()
		a.notifier = &notify.NoOpProvider{}
		return a, nil
	}

	mongoStore, err := storage.NewMongoStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize document store: %w", err)
	}
	a.store = mongoStore

	switch cfg.LargeObject.Backend {
	case "", "gridfs":
		blobs, err := storage.NewGridFSStore(mongoStore.Database())
		if err != nil {
			a.shutdown(ctx)
			return nil, fmt.Errorf("initialize gridfs: %w", err)
		}
		a.blobs = blobs
	case "gcs":
		logger.Info("Using GCS large-object backend", zap.String("bucket", cfg.LargeObject.GCSBucket))
		blobs, err := storage.NewGCSStore(ctx, cfg.LargeObject.GCSBucket, logger)
		if err != nil {
			a.shutdown(ctx)
			return nil, fmt.Errorf("initialize gcs: %w", err)
		}
		a.blobs = blobs
		a.closers = append(a.closers, blobs.Close)
	case "noop":
		logger.Info("Using No-Op large-object backend. Oversized values will be discarded.")
		a.blobs = &storage.NoOpLargeObjectStore{}
	default:
		a.shutdown(ctx)
		return nil, fmt.Errorf("unknown large object backend: %s", cfg.LargeObject.Backend)
	}

	switch cfg.Notify.Provider {
	case "", "noop":
		a.notifier = &notify.NoOpProvider{}
	case "pubsub":
		logger.Info("Connecting to GCP Pub/Sub", zap.String("topic", cfg.Notify.TopicID))
		notifier, err := notify.NewPubSubProvider(ctx, cfg.Notify.ProjectID, cfg.Notify.TopicID, logger)
		if err != nil {
			a.shutdown(ctx)
			return nil, fmt.Errorf("initialize notifier: %w", err)
		}
		a.notifier = notifier
		a.closers = append(a.closers, notifier.Close)
	default:
		a.shutdown(ctx)
		return nil, fmt.Errorf("unknown notify provider: %s", cfg.Notify.Provider)
	}

	return a, nil
}

// Close tears down every service the app owns, logging failures rather
// than returning them; shutdown is best effort.
func (a *App) Close(ctx context.Context) {
	a.shutdown(ctx)
	_ = a.logger.Sync() //nolint:errcheck // best-effort flush
}

func (a *App) shutdown(ctx context.Context) {
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			a.logger.Warn("Failed to close service", zap.Error(err))
		}
	}
	a.closers = nil
	if a.store != nil {
		if err := a.store.Close(ctx); err != nil {
			a.logger.Warn("Failed to close document store", zap.Error(err))
		}
	}
}
