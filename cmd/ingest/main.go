// Command ingest embeds crawled places and their reviews and writes the
// vector records to the configured store, then announces the update so
// running API servers refresh their index.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meetpoint/recommender/engine/jobs"
	"github.com/meetpoint/recommender/engine/vectorstore"
	"github.com/meetpoint/recommender/pkg/config"
	"github.com/meetpoint/recommender/pkg/metrics"
	"github.com/meetpoint/recommender/pkg/natsutil"
	"github.com/meetpoint/recommender/pkg/providers"
)

func main() {
	var (
		in      = flag.String("in", "data/crawled_places.jsonl", "crawler output, one place per line")
		workers = flag.Int("workers", 4, "concurrent embedding calls")
		batch   = flag.Int("batch", 256, "points per Qdrant upsert")
	)
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	cfg, err := config.Load()
	if err != nil {
		log.Error("load config", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *in, *workers, *batch, log); err != nil {
		log.Error("ingest failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, in string, workers, batch int, log *slog.Logger) error {
	f, err := os.Open(in)
	if err != nil {
		return err
	}
	places, err := readPlaces(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("read %s: %w", in, err)
	}
	log.Info("places loaded", "file", in, "places", len(places))

	embedder, err := providers.NewEmbedder(cfg, metrics.New(), log)
	if err != nil {
		return err
	}
	if embedder == nil {
		return errors.New("an embedding provider is required")
	}

	out, closeOut, err := openSink(cfg, batch)
	if err != nil {
		return err
	}
	defer closeOut()

	start := time.Now()
	recs, sum, err := embedAll(ctx, embedder, places, workers, log)
	if err != nil {
		return err
	}
	if err := out.Write(ctx, recs); err != nil {
		return fmt.Errorf("write records: %w", err)
	}
	log.Info("ingest done",
		"places", sum.Places,
		"reviews", sum.Reviews,
		"failures", sum.Failures,
		"duration", time.Since(start),
	)

	if cfg.NATS.URL == "" {
		return nil
	}
	nc, err := natsutil.Connect(cfg.NATS.URL, "placerec-ingest", log)
	if err != nil {
		return err
	}
	defer nc.Close()
	pub := jobs.NewPublisher(nc, jobs.Subjects{IndexUpdated: cfg.NATS.RefreshSubject}, log)
	if err := pub.AnnounceIndexUpdated(ctx, jobs.IndexUpdated{Source: "ingest", Records: len(recs)}); err != nil {
		return err
	}
	return nc.Flush()
}

func openSink(cfg *config.Config, batch int) (sink, func() error, error) {
	switch cfg.Store.Backend {
	case "file":
		return fileSink{path: cfg.Store.FilePath}, func() error { return nil }, nil
	case "qdrant":
		q, err := vectorstore.NewQdrantSource(cfg.Store.Qdrant.Addr, cfg.Store.Qdrant.Collection)
		if err != nil {
			return nil, nil, err
		}
		return qdrantSink{q: q, dim: cfg.Index.Dimension, batch: max(batch, 1)}, q.Close, nil
	}
	return nil, nil, fmt.Errorf("ingest cannot write to the %s backend", cfg.Store.Backend)
}
