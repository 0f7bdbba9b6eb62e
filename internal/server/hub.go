package server

import (
	"log/slog"
	"sync"

	"github.com/beamlab/gpuhub/internal/store"
)

// Hub tracks live client and worker sockets plus the in-memory
// subscription state that routes fan-out. Redis owns durable state; the
// hub only knows who is connected right now and what they asked to hear.
//
// Locks are never held across a socket write: readers copy the target set
// under RLock and send after releasing it.
type Hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Conn
	workers map[string]*Conn

	// jobSubs maps client id to the single job it follows. Subscribing to
	// another job overwrites the previous subscription.
	jobSubs map[string]string

	// statsSubs and notifSubs are idempotent toggles.
	statsSubs map[string]bool
	notifSubs map[string]bool

	// workerStatus mirrors the last status each connected worker reported,
	// so notification fan-out can skip busy workers without a store read.
	workerStatus map[string]string
}

// NewHub creates an empty hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:          log,
		clients:      make(map[string]*Conn),
		workers:      make(map[string]*Conn),
		jobSubs:      make(map[string]string),
		statsSubs:    make(map[string]bool),
		notifSubs:    make(map[string]bool),
		workerStatus: make(map[string]string),
	}
}

// AddClient registers a client connection, returning the connection it
// replaced (nil if none). The caller closes the old one outside any lock.
func (h *Hub) AddClient(c *Conn) *Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.clients[c.ID]
	if old == c {
		return nil
	}
	h.clients[c.ID] = c
	return old
}

// AddWorker registers a worker connection, returning the replaced one.
func (h *Hub) AddWorker(c *Conn) *Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.workers[c.ID]
	if old == c {
		return nil
	}
	h.workers[c.ID] = c
	return old
}

// RemoveClient drops the client and its subscriptions, but only if the
// registered connection is this exact one. A stale connection being torn
// down after replacement must not evict its successor.
func (h *Hub) RemoveClient(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.ID] != c {
		return false
	}
	delete(h.clients, c.ID)
	delete(h.jobSubs, c.ID)
	delete(h.statsSubs, c.ID)
	return true
}

// RemoveWorker drops the worker, its notification toggle and its status
// mirror, with the same exact-connection guard as RemoveClient.
func (h *Hub) RemoveWorker(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.workers[c.ID] != c {
		return false
	}
	delete(h.workers, c.ID)
	delete(h.notifSubs, c.ID)
	delete(h.workerStatus, c.ID)
	return true
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// WorkerCount returns the number of connected workers.
func (h *Hub) WorkerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.workers)
}

// WorkerConn returns the live connection for a worker id, or nil.
func (h *Hub) WorkerConn(workerID string) *Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.workers[workerID]
}

// SubscribeJob points the client's job subscription at jobID, replacing
// any previous one.
func (h *Hub) SubscribeJob(clientID, jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.jobSubs[clientID] = jobID
}

// SetStatsSub toggles the client's stats subscription.
func (h *Hub) SetStatsSub(clientID string, enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if enabled {
		h.statsSubs[clientID] = true
	} else {
		delete(h.statsSubs, clientID)
	}
}

// SetNotifSub toggles the worker's job notification subscription.
func (h *Hub) SetNotifSub(workerID string, enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if enabled {
		h.notifSubs[workerID] = true
	} else {
		delete(h.notifSubs, workerID)
	}
}

// SetWorkerStatus updates the local status mirror for a connected worker.
func (h *Hub) SetWorkerStatus(workerID, status string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.workers[workerID]; ok {
		h.workerStatus[workerID] = status
	}
}

// WorkerStatus returns the mirrored status of a connected worker.
func (h *Hub) WorkerStatus(workerID string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.workerStatus[workerID]
}

// JobSubscribers returns the connections of clients following jobID.
func (h *Hub) JobSubscribers(jobID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var conns []*Conn
	for clientID, sub := range h.jobSubs {
		if sub != jobID {
			continue
		}
		if c, ok := h.clients[clientID]; ok {
			conns = append(conns, c)
		}
	}
	return conns
}

// StatsSubscribers returns the connections of stats-subscribed clients.
func (h *Hub) StatsSubscribers() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]*Conn, 0, len(h.statsSubs))
	for clientID := range h.statsSubs {
		if c, ok := h.clients[clientID]; ok {
			conns = append(conns, c)
		}
	}
	return conns
}

// NotifiableWorkers filters candidate worker ids down to those that are
// connected, subscribed to job notifications, and not mirrored as busy.
func (h *Hub) NotifiableWorkers(candidates []string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var conns []*Conn
	for _, id := range candidates {
		if !h.notifSubs[id] {
			continue
		}
		c, ok := h.workers[id]
		if !ok {
			continue
		}
		if st := h.workerStatus[id]; st == store.WorkerStatusBusy || st == store.WorkerStatusActive {
			continue
		}
		conns = append(conns, c)
	}
	return conns
}

// EvictClient removes and closes a client connection after a failed send.
func (h *Hub) EvictClient(c *Conn) {
	if h.RemoveClient(c) {
		h.log.Info("client evicted", "client_id", c.ID)
	}
	c.Close()
}

// EvictWorker removes and closes a worker connection after a failed send.
func (h *Hub) EvictWorker(c *Conn) {
	if h.RemoveWorker(c) {
		h.log.Info("worker evicted", "worker_id", c.ID)
	}
	c.Close()
}

// CloseAll sends normal closure to every connection, for shutdown.
func (h *Hub) CloseAll(reason string) {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.clients)+len(h.workers))
	for _, c := range h.clients {
		conns = append(conns, c)
	}
	for _, c := range h.workers {
		conns = append(conns, c)
	}
	h.clients = make(map[string]*Conn)
	h.workers = make(map[string]*Conn)
	h.jobSubs = make(map[string]string)
	h.statsSubs = make(map[string]bool)
	h.notifSubs = make(map[string]bool)
	h.workerStatus = make(map[string]string)
	h.mu.Unlock()

	for _, c := range conns {
		c.CloseNormal(reason)
	}
}
