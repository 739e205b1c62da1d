package vectorstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

// PostgresSource reads places and their per-review embeddings from a
// PostgreSQL database with the pgvector extension. Places carry no vector of
// their own in this schema; each row of review_embeddings contributes one.
type PostgresSource struct {
	db *sql.DB
}

// NewPostgresSource opens a connection pool for dsn.
func NewPostgresSource(dsn string) (*PostgresSource, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &PostgresSource{db: db}, nil
}

// NewPostgresSourceFromDB wraps an existing pool.
func NewPostgresSourceFromDB(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

// Ping checks connectivity.
func (s *PostgresSource) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the pool.
func (s *PostgresSource) Close() error {
	return s.db.Close()
}

const (
	listPlacesSQL = `
		SELECT id, name, category, origin_address, latitude, longitude,
		       COALESCE(updated_at, crawled_at)
		FROM places
		ORDER BY id`

	listReviewEmbeddingsSQL = `
		SELECT id, place_id, category, value_text, embedding
		FROM review_embeddings
		ORDER BY id`
)

// List returns one place record per row of places and one review record per
// row of review_embeddings.
func (s *PostgresSource) List(ctx context.Context) ([]VectorRecord, error) {
	var out []VectorRecord

	rows, err := s.db.QueryContext(ctx, listPlacesSQL)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: list places: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id                      int64
			name, category, address string
			lat, lon                float64
			updated                 sql.NullTime
		)
		if err := rows.Scan(&id, &name, &category, &address, &lat, &lon, &updated); err != nil {
			return nil, fmt.Errorf("vectorstore: scan place: %w", err)
		}
		m := map[string]any{
			KeyKind:     KindPlace,
			KeyName:     name,
			KeyCategory: category,
			KeyAddress:  address,
			KeyLat:      lat,
			KeyLon:      lon,
		}
		if updated.Valid {
			m[KeyUpdatedAt] = updated.Time.UTC().Format(time.RFC3339)
		}
		out = append(out, VectorRecord{ID: strconv.FormatInt(id, 10), Metadata: m})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vectorstore: list places: %w", err)
	}

	revRows, err := s.db.QueryContext(ctx, listReviewEmbeddingsSQL)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: list review embeddings: %w", err)
	}
	defer revRows.Close()
	for revRows.Next() {
		var (
			id, placeID     int64
			category, value string
			vec             pgvector.Vector
		)
		if err := revRows.Scan(&id, &placeID, &category, &value, &vec); err != nil {
			return nil, fmt.Errorf("vectorstore: scan review embedding: %w", err)
		}
		out = append(out, VectorRecord{
			ID:     strconv.FormatInt(id, 10),
			Vector: vec.Slice(),
			Metadata: map[string]any{
				KeyKind:       KindReview,
				KeyPlaceID:    strconv.FormatInt(placeID, 10),
				KeyCategory:   category,
				KeySourceText: category + ": " + value,
			},
		})
	}
	if err := revRows.Err(); err != nil {
		return nil, fmt.Errorf("vectorstore: list review embeddings: %w", err)
	}
	return out, nil
}
