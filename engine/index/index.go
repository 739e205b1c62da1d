package index

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meetpoint/recommender/engine/domain"
	"github.com/meetpoint/recommender/engine/vectorstore"
	"github.com/meetpoint/recommender/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

// Options configures an Index.
type Options struct {
	// Dimension every vector must have. 0 adopts the first valid vector's length.
	Dimension int
	// LoadTimeout bounds one refresh independently of the callers waiting on it.
	LoadTimeout time.Duration
}

// Index serves exactly one snapshot at a time and replaces it atomically on
// a successful refresh. Readers holding an older snapshot keep using it
// until they drop it.
type Index struct {
	src  vectorstore.Source
	opts Options

	cur atomic.Pointer[Snapshot]
	sf  singleflight.Group

	mu          sync.Mutex
	lastErr     error
	lastAttempt time.Time

	versionG  prometheus.Gauge
	placesG   prometheus.Gauge
	skippedG  *prometheus.GaugeVec
	refreshes *prometheus.CounterVec
	duration  prometheus.Observer
	lastOK    prometheus.Gauge

	logger *slog.Logger
}

// New creates an Index serving an empty version-0 snapshot. Call Refresh to
// load data.
func New(src vectorstore.Source, opts Options, reg *metrics.Registry, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 2 * time.Minute
	}
	idx := &Index{
		src:       src,
		opts:      opts,
		versionG:  reg.Gauge("index_version", "Version of the served index snapshot").WithLabelValues(),
		placesG:   reg.Gauge("index_places", "Places in the served index snapshot").WithLabelValues(),
		skippedG:  reg.Gauge("index_skipped_records", "Records skipped while building the served snapshot", "reason"),
		refreshes: reg.Counter("index_refresh_total", "Index refresh attempts by result", "result"),
		duration:  reg.Histogram("index_refresh_duration_seconds", "Index refresh latency", nil).WithLabelValues(),
		lastOK:    reg.Gauge("index_last_refresh_success_timestamp_seconds", "Unix time of the last successful refresh").WithLabelValues(),
		logger:    logger.With("component", "index"),
	}
	idx.cur.Store(Empty(0, opts.Dimension))
	return idx
}

// Current returns the served snapshot. It never returns nil.
func (i *Index) Current() *Snapshot {
	return i.cur.Load()
}

// Refresh loads a new snapshot and swaps it in. Concurrent callers share one
// in-flight load. On failure the served snapshot is unchanged and the error
// is returned, logged, and counted. A caller whose ctx ends stops waiting but
// does not cancel the shared load.
func (i *Index) Refresh(ctx context.Context) (*Snapshot, error) {
	ch := i.sf.DoChan("refresh", func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.opts.LoadTimeout)
		defer cancel()
		return i.load(loadCtx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	}
}

func (i *Index) load(ctx context.Context) (*Snapshot, error) {
	start := time.Now()
	prev := i.Current()

	snap, err := Load(ctx, i.src, i.opts.Dimension, prev.Version+1)
	i.duration.Observe(time.Since(start).Seconds())

	i.mu.Lock()
	i.lastAttempt = start
	i.lastErr = err
	i.mu.Unlock()

	if err != nil {
		i.refreshes.WithLabelValues(refreshResult(err)).Inc()
		i.logger.Error("index refresh failed, keeping previous snapshot",
			"err", err, "version", prev.Version, "places", prev.Len())
		return nil, err
	}

	i.cur.Store(snap)
	i.refreshes.WithLabelValues("ok").Inc()
	i.versionG.Set(float64(snap.Version))
	i.placesG.Set(float64(snap.Len()))
	i.skippedG.Reset()
	for reason, n := range snap.Stats.Skipped {
		i.skippedG.WithLabelValues(reason).Set(float64(n))
	}
	i.lastOK.Set(float64(snap.LoadedAt.Unix()))

	i.logger.Info("index refreshed",
		"version", snap.Version,
		"places", snap.Len(),
		"reviews", snap.Stats.Reviews,
		"skipped", snap.Stats.SkippedTotal(),
		"dim", snap.Dim,
		"took", time.Since(start).Round(time.Millisecond))
	return snap, nil
}

func refreshResult(err error) string {
	switch {
	case errors.Is(err, domain.ErrDimensionMismatch):
		return "dimension_mismatch"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

// Status describes the served snapshot and the most recent refresh attempt.
type Status struct {
	Version     uint64         `json:"version"`
	LoadedAt    time.Time      `json:"loaded_at"`
	Places      int            `json:"places"`
	Reviews     int            `json:"reviews"`
	Categorized int            `json:"categorized_places"`
	Skipped     map[string]int `json:"skipped,omitempty"`
	Dimension   int            `json:"dimension"`
	LastAttempt time.Time      `json:"last_attempt,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
}

// Status reports the current state.
func (i *Index) Status() Status {
	s := i.Current()
	i.mu.Lock()
	defer i.mu.Unlock()
	st := Status{
		Version:     s.Version,
		LoadedAt:    s.LoadedAt,
		Places:      s.Len(),
		Reviews:     s.Stats.Reviews,
		Categorized: s.Categories(),
		Skipped:     s.Stats.Skipped,
		Dimension:   s.Dim,
		LastAttempt: i.lastAttempt,
	}
	if i.lastErr != nil {
		st.LastError = i.lastErr.Error()
	}
	return st
}

// LastAttempt is when the most recent refresh started, successful or not.
func (i *Index) LastAttempt() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastAttempt
}
