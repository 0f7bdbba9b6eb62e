package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/beamlab/gpuhub/internal/metrics"
	"github.com/beamlab/gpuhub/internal/protocol"
	"github.com/beamlab/gpuhub/internal/store"
)

// statsForceEvery forces a broadcast on every Nth tick even when nothing
// changed, so subscribers get a periodic liveness signal.
const statsForceEvery = 5

// StatsBroadcaster periodically aggregates queue, job and worker counters
// and pushes stats_response frames to subscribed clients. When nobody is
// subscribed the tick is a no-op apart from socket gauges.
type StatsBroadcaster struct {
	hub     *Hub
	store   *store.Store
	metrics *metrics.Metrics
	log     *slog.Logger
	period  time.Duration

	lastSent []byte
	tick     int
}

// NewStatsBroadcaster creates a broadcaster. Run must be called to start it.
func NewStatsBroadcaster(hub *Hub, st *store.Store, m *metrics.Metrics, period time.Duration, log *slog.Logger) *StatsBroadcaster {
	if log == nil {
		log = slog.Default()
	}
	if period <= 0 {
		period = time.Second
	}
	return &StatsBroadcaster{
		hub:     hub,
		store:   st,
		metrics: m,
		log:     log,
		period:  period,
	}
}

// Run ticks until ctx is canceled.
func (b *StatsBroadcaster) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.broadcast(ctx)
		}
	}
}

func (b *StatsBroadcaster) broadcast(ctx context.Context) {
	if b.metrics != nil {
		b.metrics.ConnectedSockets.WithLabelValues("client").Set(float64(b.hub.ClientCount()))
		b.metrics.ConnectedSockets.WithLabelValues("worker").Set(float64(b.hub.WorkerCount()))
	}

	subs := b.hub.StatsSubscribers()
	b.tick++
	if len(subs) == 0 {
		return
	}

	resp, err := b.Snapshot(ctx)
	if err != nil {
		b.log.Error("stats aggregation failed", "error", err)
		return
	}

	encoded, err := json.Marshal(resp)
	if err != nil {
		b.log.Error("stats encode failed", "error", err)
		return
	}
	if bytes.Equal(encoded, b.lastSent) && b.tick%statsForceEvery != 0 {
		return
	}
	b.lastSent = encoded

	for _, c := range subs {
		if err := c.Send(protocol.TypeStatsResponse, resp); err != nil {
			b.log.Warn("dropping client after failed stats send", "client_id", c.ID, "error", err)
			b.hub.EvictClient(c)
		}
	}
}

// Snapshot aggregates current counters into a stats_response frame. Also
// used for the immediate response on get_stats and subscribe-enable.
func (b *StatsBroadcaster) Snapshot(ctx context.Context) (protocol.StatsResponse, error) {
	stats, err := b.store.Stats(ctx)
	if err != nil {
		return protocol.StatsResponse{}, err
	}

	if b.metrics != nil {
		b.metrics.QueueDepth.WithLabelValues("priority").Set(float64(stats.PriorityDepth))
		b.metrics.QueueDepth.WithLabelValues("standard").Set(float64(stats.StandardDepth))
	}

	return protocol.StatsResponse{
		Queues: protocol.QueueDepths{
			Priority: stats.PriorityDepth,
			Standard: stats.StandardDepth,
			Total:    stats.PriorityDepth + stats.StandardDepth,
		},
		Jobs: protocol.StatsCounts{
			Total:  stats.JobsTotal,
			Status: stats.JobStatus,
		},
		Workers: protocol.StatsCounts{
			Total:  stats.WorkersTotal,
			Status: stats.WorkerStatus,
		},
	}, nil
}
