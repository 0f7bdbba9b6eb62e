// Package server is the hub: WebSocket endpoints for clients and
// workers, the connection manager, the pub/sub fan-out, the stats
// broadcaster and the reclamation sweeps, assembled over the Redis store.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/beamlab/gpuhub/internal/config"
	"github.com/beamlab/gpuhub/internal/metrics"
	"github.com/beamlab/gpuhub/internal/store"
	"github.com/beamlab/gpuhub/internal/version"
)

// shutdownTimeout bounds the HTTP drain on shutdown.
const shutdownTimeout = 5 * time.Second

// Server wires every hub component together and owns the HTTP listener.
type Server struct {
	cfg       *config.Config
	log       *slog.Logger
	store     *store.Store
	hub       *Hub
	notifier  *Notifier
	stats     *StatsBroadcaster
	reclaimer *Reclaimer
	metrics   *metrics.Metrics
}

// New assembles a server over an initialized store.
func New(cfg *config.Config, st *store.Store, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	hub := NewHub(log)
	m := metrics.New()

	return &Server{
		cfg:     cfg,
		log:     log,
		store:   st,
		hub:     hub,
		metrics: m,
		notifier: NewNotifier(hub, st,
			cfg.IdleFreshness.Duration(),
			cfg.Sweep.OutOfServiceAge.Duration(),
			log.With("component", "notifier")),
		stats: NewStatsBroadcaster(hub, st, m,
			cfg.StatsPeriod.Duration(),
			log.With("component", "stats")),
		reclaimer: NewReclaimer(st, m, ReclaimConfig{
			ClaimSweepPeriod:  cfg.Sweep.ClaimPeriod.Duration(),
			WorkerSweepPeriod: cfg.Sweep.WorkerPeriod.Duration(),
			OutOfServiceAge:   cfg.Sweep.OutOfServiceAge.Duration(),
			DeepSweepPeriod:   cfg.Sweep.DeepPeriod.Duration(),
			MaxHeartbeatAge:   cfg.Sweep.MaxHeartbeatAge.Duration(),
		}, log.With("component", "reclaim")),
	}
}

// Routes builds the HTTP mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/client/{client_id}", s.handleClientWS)
	mux.HandleFunc("GET /ws/worker", s.handleWorkerWS)
	mux.HandleFunc("GET /ws/worker/{worker_id}", s.handleWorkerWS)
	mux.HandleFunc("GET /ws/worker/{machine_id}/{gpu_id}", s.handleWorkerWS)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /{$}", s.handleHealth)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"service": "gpuhub",
		"version": version.Version,
		"workers": s.hub.WorkerCount(),
		"clients": s.hub.ClientCount(),
	})
}

// Run starts the background tasks and the HTTP listener, then blocks
// until ctx is canceled. Shutdown drains the listener, stops the
// background tasks and closes every socket with a normal closure.
func (s *Server) Run(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for name, run := range map[string]func(context.Context) error{
		"notifier": s.notifier.Run,
		"stats":    s.stats.Run,
		"reclaim":  s.reclaimer.Run,
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("background task exited", "task", name, "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Routes(),
	}

	errChan := make(chan error, 1)
	go func() {
		s.log.Info("hub listening", "addr", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		cancel()
		wg.Wait()
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down hub")
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("http shutdown error", "error", err)
	}

	cancel()
	s.hub.CloseAll("server shutting down")
	wg.Wait()
	return nil
}
