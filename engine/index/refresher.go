package index

import (
	"context"
	"log/slog"
	"time"
)

// RefresherOpts configures background refreshes.
type RefresherOpts struct {
	// Interval between scheduled refreshes. Zero disables the schedule.
	Interval time.Duration
	// StaleAfter is the snapshot age past which TriggerIfStale schedules a
	// refresh. Zero disables staleness checks.
	StaleAfter time.Duration
}

// Refresher runs Index.Refresh in the background on a schedule and on
// demand. Triggers never block and coalesce while a refresh is pending.
type Refresher struct {
	idx     *Index
	opts    RefresherOpts
	trigger chan struct{}
	logger  *slog.Logger
	now     func() time.Time
}

// NewRefresher creates a Refresher for idx.
func NewRefresher(idx *Index, opts RefresherOpts, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		idx:     idx,
		opts:    opts,
		trigger: make(chan struct{}, 1),
		logger:  logger.With("component", "refresher"),
		now:     time.Now,
	}
}

// Trigger schedules a refresh without waiting for it.
func (r *Refresher) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// TriggerIfStale schedules a refresh when the served snapshot is older than
// StaleAfter and no refresh was attempted within that window. It reports
// whether a refresh was scheduled.
func (r *Refresher) TriggerIfStale() bool {
	if r.opts.StaleAfter <= 0 {
		return false
	}
	now := r.now()
	if now.Sub(r.idx.Current().LoadedAt) < r.opts.StaleAfter {
		return false
	}
	if now.Sub(r.idx.LastAttempt()) < r.opts.StaleAfter {
		return false
	}
	r.Trigger()
	return true
}

// Run refreshes until ctx ends. Failures are logged by the index and do not
// stop the loop.
func (r *Refresher) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if r.opts.Interval > 0 {
		t := time.NewTicker(r.opts.Interval)
		defer t.Stop()
		tick = t.C
	}

	r.logger.Info("refresher started", "interval", r.opts.Interval, "stale_after", r.opts.StaleAfter)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
		case <-r.trigger:
		}
		if _, err := r.idx.Refresh(ctx); err != nil && ctx.Err() == nil {
			r.logger.Debug("background refresh did not complete", "err", err)
		}
	}
}
