// Package jobs defines the messages exchanged with the crawling and
// embedding pipeline over NATS, and a publisher for them.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/meetpoint/recommender/engine/domain"
	"github.com/meetpoint/recommender/pkg/natsutil"
	"github.com/nats-io/nats.go"
)

// Review crawl bounds.
const (
	DefaultReviewMaxCount = 100
	MaxReviewMaxCount     = 200
	maxQueryRunes         = 200
)

// PlaceCrawl asks the crawler to search for places matching Query.
type PlaceCrawl struct {
	JobID       string    `json:"job_id"`
	Query       string    `json:"query"`
	RequestedAt time.Time `json:"requested_at"`
}

// Validate checks the job before it is enqueued.
func (j *PlaceCrawl) Validate() error {
	j.Query = strings.TrimSpace(j.Query)
	if j.Query == "" {
		return domain.NewValidationError("query", "", "required")
	}
	if n := utf8.RuneCountInString(j.Query); n > maxQueryRunes {
		return domain.NewValidationError("query", fmt.Sprint(n), fmt.Sprintf("longer than %d characters", maxQueryRunes))
	}
	return nil
}

// ReviewCrawl asks the crawler to collect and embed reviews. Empty PlaceIDs
// means every stored place.
type ReviewCrawl struct {
	JobID       string    `json:"job_id"`
	PlaceIDs    []int64   `json:"place_ids,omitempty"`
	MaxCount    int       `json:"max_count"`
	RequestedAt time.Time `json:"requested_at"`
}

// Validate applies the default MaxCount and checks its range.
func (j *ReviewCrawl) Validate() error {
	if j.MaxCount == 0 {
		j.MaxCount = DefaultReviewMaxCount
	}
	if j.MaxCount < 1 || j.MaxCount > MaxReviewMaxCount {
		return domain.NewValidationError("max_count", fmt.Sprint(j.MaxCount), fmt.Sprintf("must be between 1 and %d", MaxReviewMaxCount))
	}
	return nil
}

// IndexUpdated announces that the vector store has new data.
type IndexUpdated struct {
	Source  string    `json:"source"`
	Records int       `json:"records"`
	At      time.Time `json:"at"`
}

// Subjects names the NATS subjects used.
type Subjects struct {
	PlaceCrawl   string
	ReviewCrawl  string
	IndexUpdated string
}

// Publisher enqueues jobs.
type Publisher struct {
	nc       *nats.Conn
	subjects Subjects
	logger   *slog.Logger
	now      func() time.Time
}

// NewPublisher creates a Publisher.
func NewPublisher(nc *nats.Conn, subjects Subjects, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{nc: nc, subjects: subjects, logger: logger, now: time.Now}
}

// EnqueuePlaceCrawl validates and publishes a place crawl job and returns
// its id.
func (p *Publisher) EnqueuePlaceCrawl(ctx context.Context, j PlaceCrawl) (PlaceCrawl, error) {
	if err := j.Validate(); err != nil {
		return j, err
	}
	j.JobID, j.RequestedAt = uuid.NewString(), p.now().UTC()
	if err := natsutil.Publish(ctx, p.nc, p.subjects.PlaceCrawl, j); err != nil {
		return j, fmt.Errorf("jobs: publish place crawl: %w", err)
	}
	p.logger.Info("place crawl enqueued", "job_id", j.JobID, "query", j.Query)
	return j, nil
}

// EnqueueReviewCrawl validates and publishes a review crawl job.
func (p *Publisher) EnqueueReviewCrawl(ctx context.Context, j ReviewCrawl) (ReviewCrawl, error) {
	if err := j.Validate(); err != nil {
		return j, err
	}
	j.JobID, j.RequestedAt = uuid.NewString(), p.now().UTC()
	if err := natsutil.Publish(ctx, p.nc, p.subjects.ReviewCrawl, j); err != nil {
		return j, fmt.Errorf("jobs: publish review crawl: %w", err)
	}
	p.logger.Info("review crawl enqueued", "job_id", j.JobID, "places", len(j.PlaceIDs), "max_count", j.MaxCount)
	return j, nil
}

// AnnounceIndexUpdated tells every subscriber that the store changed.
func (p *Publisher) AnnounceIndexUpdated(ctx context.Context, ev IndexUpdated) error {
	if ev.At.IsZero() {
		ev.At = p.now().UTC()
	}
	if err := natsutil.Publish(ctx, p.nc, p.subjects.IndexUpdated, ev); err != nil {
		return fmt.Errorf("jobs: publish index updated: %w", err)
	}
	return nil
}

// OnIndexUpdated calls f for every IndexUpdated message.
func OnIndexUpdated(nc *nats.Conn, subject string, logger *slog.Logger, f func(context.Context, IndexUpdated)) (*nats.Subscription, error) {
	sub, err := natsutil.Subscribe(nc, subject, logger, f)
	if err != nil {
		return nil, fmt.Errorf("jobs: subscribe %s: %w", subject, err)
	}
	return sub, nil
}
