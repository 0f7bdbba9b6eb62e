package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/beamlab/gpuhub/internal/metrics"
	"github.com/beamlab/gpuhub/internal/store"
)

const maxSweepBackoff = 30 * time.Second

// ReclaimConfig holds the periods and age thresholds for the three
// reclamation sweeps.
type ReclaimConfig struct {
	// ClaimSweepPeriod is how often expired claims revert to pending.
	ClaimSweepPeriod time.Duration

	// WorkerSweepPeriod and OutOfServiceAge drive the heartbeat sweep
	// that marks lapsed workers out_of_service.
	WorkerSweepPeriod time.Duration
	OutOfServiceAge   time.Duration

	// DeepSweepPeriod and MaxHeartbeatAge drive the deep sweep that
	// requeues processing jobs owned by long-dead workers.
	DeepSweepPeriod time.Duration
	MaxHeartbeatAge time.Duration
}

// Reclaimer runs the background sweeps that undo the damage of vanished
// workers. Each sweep runs on its own ticker under a supervisor that
// restarts it with exponential backoff if it ever crashes.
type Reclaimer struct {
	store   *store.Store
	metrics *metrics.Metrics
	log     *slog.Logger
	cfg     ReclaimConfig
}

// NewReclaimer creates a reclaimer. Run must be called to start it.
func NewReclaimer(st *store.Store, m *metrics.Metrics, cfg ReclaimConfig, log *slog.Logger) *Reclaimer {
	if log == nil {
		log = slog.Default()
	}
	return &Reclaimer{store: st, metrics: m, log: log, cfg: cfg}
}

// Run starts the three sweeps and blocks until ctx is canceled.
func (r *Reclaimer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	sweeps := []struct {
		name   string
		period time.Duration
		fn     func(context.Context) error
	}{
		{"stale_claims", r.cfg.ClaimSweepPeriod, r.sweepClaims},
		{"stale_workers", r.cfg.WorkerSweepPeriod, r.sweepWorkers},
		{"abandoned_jobs", r.cfg.DeepSweepPeriod, r.sweepAbandoned},
	}
	for _, s := range sweeps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.supervise(ctx, s.name, s.period, s.fn)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// supervise runs one sweep loop, restarting it after a crash with
// exponential backoff capped at maxSweepBackoff.
func (r *Reclaimer) supervise(ctx context.Context, name string, period time.Duration, fn func(context.Context) error) {
	backoff := time.Second
	for {
		crashed := r.sweepLoop(ctx, name, period, fn)
		if ctx.Err() != nil {
			return
		}
		if !crashed {
			return
		}
		r.log.Error("sweep loop crashed, restarting", "sweep", name, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxSweepBackoff {
			backoff = maxSweepBackoff
		}
	}
}

// sweepLoop ticks until ctx cancels or the sweep panics. Store errors are
// logged and swallowed; the next tick retries.
func (r *Reclaimer) sweepLoop(ctx context.Context, name string, period time.Duration, fn func(context.Context) error) (crashed bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in sweep", "sweep", name, "panic", rec)
			crashed = true
		}
	}()

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("sweep failed", "sweep", name, "error", err)
			}
		}
	}
}

func (r *Reclaimer) sweepClaims(ctx context.Context) error {
	n, err := r.store.CleanupStaleClaims(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		if r.metrics != nil {
			r.metrics.JobsRequeued.Add(float64(n))
		}
		r.log.Info("stale claims reverted", "count", n)
	}
	return nil
}

func (r *Reclaimer) sweepWorkers(ctx context.Context) error {
	n, err := r.store.MarkStaleWorkers(ctx, r.cfg.OutOfServiceAge)
	if err != nil {
		return err
	}
	if n > 0 {
		r.log.Info("workers marked out_of_service", "count", n)
	}
	return nil
}

func (r *Reclaimer) sweepAbandoned(ctx context.Context) error {
	n, err := r.store.ReclaimAbandonedJobs(ctx, r.cfg.MaxHeartbeatAge)
	if err != nil {
		return err
	}
	if n > 0 {
		if r.metrics != nil {
			r.metrics.JobsRequeued.Add(float64(n))
		}
		r.log.Info("abandoned jobs requeued", "count", n)
	}
	return nil
}
