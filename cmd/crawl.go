// Package cmd defines and implements the CLI commands for the mongosink executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gocolly/colly/v2"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/mongodb-sink/internal/metrics"
	"github.com/JakeFAU/mongodb-sink/internal/sink"
)

// newCrawlCmd creates the 'crawl' subcommand: a small Colly crawl that
// feeds every fetched page through the sink. It doubles as the
// end-to-end integration surface for the writer.
func newCrawlCmd() *cobra.Command {
	var (
		startURL    string
		source      string
		maxDepth    int
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl a site and persist its pages through the sink",
		Long: `Fetches pages starting from --url with the Colly framework and writes
one item per page (url, title, fetch time, raw body) into MongoDB via
the sink. Page bodies are tagged for large-object routing.`,

		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, startURL, source, maxDepth, metricsAddr)
		},
	}

	cmd.Flags().StringVar(&startURL, "url", "", "start URL of the crawl")
	cmd.Flags().StringVar(&source, "source", "demo", "logical source name, used for per-source collection routing")
	cmd.Flags().IntVar(&maxDepth, "max-depth", 1, "maximum link depth to follow")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve /metrics and /healthz on (disabled when empty)")
	_ = cmd.MarkFlagRequired("url")

	return cmd
}

// cancelControl implements sink.RunControl by cancelling the crawl
// context, which aborts every pending Colly request.
type cancelControl struct {
	cancel context.CancelFunc
	logger *zap.Logger
}

func (c *cancelControl) StopRun(reason string) {
	c.logger.Info("Stop requested by sink", zap.String("reason", reason))
	c.cancel()
}

func runCrawl(cmd *cobra.Command, startURL, source string, maxDepth int, metricsAddr string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg := appInstance.Config()
	logger := appInstance.Logger()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	control := &cancelControl{cancel: cancel, logger: logger}
	writer, err := sink.NewWriter(cfg, appInstance.Store(), appInstance.Blobs(), control, appInstance.Notifier(), logger)
	if err != nil {
		return fmt.Errorf("build writer: %w", err)
	}

	if metricsAddr != "" {
		srv := serveMetrics(metricsAddr, logger)
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if serr := srv.Shutdown(shutdownCtx); serr != nil {
				logger.Warn("Failed to shut down metrics server", zap.Error(serr))
			}
		}()
	}

	runID := uuid.NewString()
	logger.Info("Starting crawl",
		zap.String("run_id", runID),
		zap.String("url", startURL),
		zap.String("source", source))

	collector := colly.NewCollector(colly.MaxDepth(maxDepth))

	collector.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
		}
	})

	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		if err := e.Request.Visit(e.Attr("href")); err != nil {
			logger.Debug("Skipping link", zap.String("href", e.Attr("href")), zap.Error(err))
		}
	})

	collector.OnHTML("html", func(e *colly.HTMLElement) {
		item := sink.NewItem().
			Set("run_id", runID).
			Set("url", e.Request.URL.String()).
			Set("title", e.ChildText("title")).
			Set("fetched_at", time.Now().UTC()).
			Set("body", string(e.Response.Body)).
			Tag("body", cfg.GridFSFieldTag)

		if _, perr := writer.ProcessItem(ctx, item, source); perr != nil {
			logger.Error("Failed to persist item",
				zap.String("url", e.Request.URL.String()),
				zap.Error(perr))
			cancel()
		}
	})

	if err := collector.Visit(startURL); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("start crawl: %w", err)
	}

	// Flush whatever is still sitting in the buffer.
	if err := writer.Close(ctx, source); err != nil {
		return fmt.Errorf("flush writer: %w", err)
	}

	logger.Info("Crawl finished",
		zap.String("run_id", runID),
		zap.Int("duplicate_keys", writer.DuplicateKeys()))
	return nil
}

// serveMetrics exposes Prometheus metrics and a liveness endpoint.
func serveMetrics(addr string, logger *zap.Logger) *http.Server {
	router := chi.NewRouter()
	router.Handle("/metrics", metrics.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("Metrics server stopped", zap.Error(err))
		}
	}()
	return srv
}
