package main

import (
	"context"
	"fmt"

	"github.com/meetpoint/recommender/engine/domain"
	"github.com/meetpoint/recommender/engine/extract"
	"github.com/meetpoint/recommender/engine/vectorstore"
	"github.com/meetpoint/recommender/pkg/config"
)

func noopClose() error { return nil }

// openSource builds the configured vector store. The returned func releases
// its connections.
func openSource(ctx context.Context, cfg config.StoreConfig) (vectorstore.Source, func() error, error) {
	switch cfg.Backend {
	case "file":
		return vectorstore.NewFileSource(cfg.FilePath), noopClose, nil
	case "s3":
		return vectorstore.NewS3Source(vectorstore.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			PathStyle: cfg.S3.PathStyle,
		}), noopClose, nil
	case "qdrant":
		q, err := vectorstore.NewQdrantSource(cfg.Qdrant.Addr, cfg.Qdrant.Collection)
		if err != nil {
			return nil, nil, fmt.Errorf("qdrant connect: %w", err)
		}
		return q, q.Close, nil
	case "postgres":
		pg, err := vectorstore.NewPostgresSource(cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres connect: %w", err)
		}
		if err := pg.Ping(ctx); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("postgres ping: %w", err)
		}
		return pg, pg.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

func domainLimits(cfg config.RecommendConfig) domain.Limits {
	return domain.Limits{DefaultTopK: cfg.DefaultTopK, MaxTopK: cfg.MaxTopK}
}

// categoryWeights lays configured overrides over the built-in weights.
func categoryWeights(cfg config.RecommendConfig) map[string]float64 {
	w := extract.DefaultWeights()
	for k, v := range cfg.CategoryWeights {
		w[k] = v
	}
	return w
}
