package sessions

import (
	"context"
	"log/slog"
	"time"
)

const (
	// DefaultIdleTimeout is how long a session may sit without dispatch
	// activity before the reaper evicts it.
	DefaultIdleTimeout = 30 * time.Minute
	// DefaultSweepInterval is how often the reaper scans the store.
	DefaultSweepInterval = 5 * time.Minute
)

// Reaper periodically evicts idle sessions and releases their transports.
// Eviction is best-effort: transport close failures are logged and never
// prevent deletion of the bookkeeping entry, so zombie transports cannot
// grow the store without bound.
type Reaper struct {
	store       *Store
	idleTimeout time.Duration
	interval    time.Duration
	log         *slog.Logger
	now         func() time.Time
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithIdleTimeout overrides the idle eviction threshold.
func WithIdleTimeout(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		if d > 0 {
			r.idleTimeout = d
		}
	}
}

// WithSweepInterval overrides the sweep cadence.
func WithSweepInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithReaperLogger sets the logger. Logs are discarded by default.
func WithReaperLogger(l *slog.Logger) ReaperOption {
	return func(r *Reaper) {
		if l != nil {
			r.log = l
		}
	}
}

// NewReaper constructs a Reaper over the given store.
func NewReaper(store *Store, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		store:       store,
		idleTimeout: DefaultIdleTimeout,
		interval:    DefaultSweepInterval,
		log:         slog.New(slog.DiscardHandler),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run sweeps on the configured interval until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep evicts every session idle beyond the timeout. It is exported so ops
// tooling and tests can force a sweep without waiting out the interval.
func (r *Reaper) Sweep(ctx context.Context) int {
	cutoff := r.now().Add(-r.idleTimeout)
	evicted := 0
	for _, sess := range r.store.IdleSince(cutoff) {
		if t := sess.Transport(); t != nil {
			if err := t.Close(ctx); err != nil {
				r.log.WarnContext(ctx, "session.reap.close.fail",
					slog.String("session_id", sess.ID()),
					slog.String("err", err.Error()))
			}
		}
		// Delete unconditionally; a failed close must not leak the entry.
		r.store.Delete(sess.ID())
		r.log.InfoContext(ctx, "session.reap.evict", slog.String("session_id", sess.ID()))
		evicted++
	}
	return evicted
}
