// Package main implements the place recommendation API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/meetpoint/recommender/engine/explain"
	"github.com/meetpoint/recommender/engine/extract"
	"github.com/meetpoint/recommender/engine/index"
	"github.com/meetpoint/recommender/engine/jobs"
	"github.com/meetpoint/recommender/engine/recommend"
	"github.com/meetpoint/recommender/engine/retrieve"
	"github.com/meetpoint/recommender/pkg/config"
	"github.com/meetpoint/recommender/pkg/metrics"
	"github.com/meetpoint/recommender/pkg/mid"
	"github.com/meetpoint/recommender/pkg/natsutil"
	"github.com/meetpoint/recommender/pkg/providers"
	"github.com/nats-io/nats.go"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.New()

	// --- Vector store ---
	src, closeSrc, err := openSource(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeSrc()

	// --- Providers ---
	embedder, err := providers.NewEmbedder(cfg, reg, logger)
	if err != nil {
		return err
	}
	generator, err := providers.NewGenerator(cfg, reg, logger)
	if err != nil {
		return err
	}

	// --- Index ---
	idx := index.New(src, index.Options{
		Dimension:   cfg.Index.Dimension,
		LoadTimeout: cfg.Index.LoadTimeout,
	}, reg, logger)
	if _, err := idx.Refresh(ctx); err != nil {
		// Keep serving the empty snapshot; the refresher retries.
		logger.Error("initial index load failed", "err", err)
	}
	refresher := index.NewRefresher(idx, index.RefresherOpts{
		Interval:   cfg.Index.RefreshInterval,
		StaleAfter: cfg.Index.StalenessThreshold,
	}, logger)
	go refresher.Run(ctx)

	// --- Messaging (optional) ---
	var publisher jobPublisher
	if cfg.NATS.URL != "" {
		nc, err := natsutil.Connect(cfg.NATS.URL, "placerec-api", logger)
		if err != nil {
			return err
		}
		defer nc.Drain()
		sub, err := subscribeRefresh(nc, cfg.NATS.RefreshSubject, refresher, logger)
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()
		publisher = jobs.NewPublisher(nc, jobs.Subjects{
			PlaceCrawl:   cfg.NATS.CrawlSubject,
			ReviewCrawl:  cfg.NATS.ReviewCrawlSubject,
			IndexUpdated: cfg.NATS.RefreshSubject,
		}, logger)
	} else {
		logger.Info("nats not configured; crawl endpoints disabled")
	}

	// --- Recommendation service ---
	fallback, err := retrieve.ParseFallback(cfg.Recommend.Fallback)
	if err != nil {
		return err
	}
	var explainer *explain.Explainer
	if generator != nil {
		explainer = explain.New(generator, explain.Options{
			Concurrency:    cfg.Recommend.ExplainConcurrency,
			MaxSourceRunes: explain.DefaultOptions().MaxSourceRunes,
		}, reg, logger)
	}
	svc := recommend.New(embedder, idx, refresher, explainer, recommend.Options{
		Limits:   domainLimits(cfg.Recommend),
		Deadline: cfg.Recommend.Deadline,
		Explain:  cfg.Recommend.Explain,
		Fallback: fallback,
	}, reg, logger)
	if cfg.Recommend.Scoring == "category" {
		catGen, err := providers.NewCategoryGenerator(cfg, reg, logger)
		if err != nil {
			return err
		}
		svc.UseCategories(extract.New(catGen, categoryWeights(cfg.Recommend), reg, logger))
		logger.Info("category scoring enabled")
	}

	// --- HTTP server ---
	s := &server{
		svc:          svc,
		idx:          idx,
		jobs:         publisher,
		nearRadiusKm: cfg.Recommend.NearRadiusKm,
		logger:       logger,
	}
	handler := mid.Chain(s.routes(reg),
		mid.Recover(logger),
		mid.RequestID(),
		mid.Logger(logger),
		mid.CORS(cfg.Server.CORSOrigin),
		mid.OTel("placerec-api"),
	)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Server.Port, "store", cfg.Store.Backend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// subscribeRefresh schedules a background refresh whenever the embedding
// pipeline announces new data.
func subscribeRefresh(nc *nats.Conn, subject string, r *index.Refresher, logger *slog.Logger) (*nats.Subscription, error) {
	return jobs.OnIndexUpdated(nc, subject, logger, func(_ context.Context, ev jobs.IndexUpdated) {
		logger.Info("index update announced", "source", ev.Source, "records", ev.Records)
		r.Trigger()
	})
}
