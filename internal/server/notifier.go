package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/beamlab/gpuhub/internal/protocol"
	"github.com/beamlab/gpuhub/internal/store"
)

// maxCachedUpdates bounds the latest-update cache. When exceeded,
// arbitrary entries are dropped; the cache is an optimization for late
// subscribers, not a record.
const maxCachedUpdates = 4096

// Notifier is the single subscriber on the Redis job_updates and
// job_notifications channels. It demultiplexes: job updates fan out to
// the subscribed client (and are cached per job so a late subscriber
// gets current state), job notifications fan out as job_available frames
// to eligible workers.
type Notifier struct {
	hub   *Hub
	store *store.Store
	log   *slog.Logger

	// Eligibility thresholds for notification fan-out.
	idleFreshness   time.Duration
	outOfServiceAge time.Duration

	mu     sync.Mutex
	latest map[string]store.UpdateEvent
}

// NewNotifier creates a notifier. Run must be called to start it.
func NewNotifier(hub *Hub, st *store.Store, idleFreshness, outOfServiceAge time.Duration, log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		hub:             hub,
		store:           st,
		log:             log,
		idleFreshness:   idleFreshness,
		outOfServiceAge: outOfServiceAge,
		latest:          make(map[string]store.UpdateEvent),
	}
}

// Run subscribes and pumps messages until ctx is canceled.
func (n *Notifier) Run(ctx context.Context) error {
	sub := n.store.Subscribe(ctx, store.ChannelJobUpdates, store.ChannelJobNotifications)
	defer sub.Close()

	// Fail fast if the subscription never established.
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	n.log.Info("notifier subscribed", "channels", []string{store.ChannelJobUpdates, store.ChannelJobNotifications})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			switch msg.Channel {
			case store.ChannelJobUpdates:
				n.handleUpdate(msg.Payload)
			case store.ChannelJobNotifications:
				n.handleNotification(ctx, msg.Payload)
			}
		}
	}
}

// Latest returns the most recent cached update for a job.
func (n *Notifier) Latest(jobID string) (store.UpdateEvent, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ev, ok := n.latest[jobID]
	return ev, ok
}

func (n *Notifier) cache(ev store.UpdateEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.latest[ev.JobID]; !ok && len(n.latest) >= maxCachedUpdates {
		for id := range n.latest {
			delete(n.latest, id)
			if len(n.latest) < maxCachedUpdates {
				break
			}
		}
	}
	n.latest[ev.JobID] = ev
}

// handleUpdate forwards one job update to its subscribed clients.
func (n *Notifier) handleUpdate(payload string) {
	var ev store.UpdateEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		n.log.Warn("malformed job update on pubsub", "error", err)
		return
	}
	if ev.JobID == "" {
		return
	}
	n.cache(ev)

	conns := n.hub.JobSubscribers(ev.JobID)
	if len(conns) == 0 {
		return
	}
	msgType, frame := UpdateFrame(ev)
	for _, c := range conns {
		if err := c.Send(msgType, frame); err != nil {
			n.log.Warn("dropping client after failed update send", "client_id", c.ID, "job_id", ev.JobID, "error", err)
			n.hub.EvictClient(c)
		}
	}
}

// handleNotification announces a new pending job to eligible workers.
// Stale workers are swept out of service first so they never receive
// offers they cannot act on.
func (n *Notifier) handleNotification(ctx context.Context, payload string) {
	var notif store.Notification
	if err := json.Unmarshal([]byte(payload), &notif); err != nil {
		n.log.Warn("malformed job notification on pubsub", "error", err)
		return
	}
	if notif.JobID == "" {
		return
	}

	if _, err := n.store.MarkStaleWorkers(ctx, n.outOfServiceAge); err != nil {
		n.log.Error("stale worker sweep before fan-out failed", "error", err)
	}

	candidates, err := n.store.IdleFreshWorkers(ctx, n.idleFreshness)
	if err != nil {
		n.log.Error("failed to list eligible workers", "job_id", notif.JobID, "error", err)
		return
	}
	conns := n.hub.NotifiableWorkers(candidates)

	frame := protocol.JobAvailable{
		JobID:         notif.JobID,
		JobType:       notif.JobType,
		Priority:      notif.Priority,
		ParamsSummary: notif.Params,
	}
	sent := 0
	for _, c := range conns {
		if err := c.Send(protocol.TypeJobAvailable, frame); err != nil {
			n.log.Warn("dropping worker after failed notification send", "worker_id", c.ID, "error", err)
			n.hub.EvictWorker(c)
			continue
		}
		sent++
	}
	n.log.Debug("job notification fanned out", "job_id", notif.JobID, "workers_notified", sent)
}

// EligibleWorkers returns the ids of workers that would receive a
// job_available right now. Used to fill notified_workers on job_accepted.
func (n *Notifier) EligibleWorkers(ctx context.Context) ([]string, error) {
	candidates, err := n.store.IdleFreshWorkers(ctx, n.idleFreshness)
	if err != nil {
		return nil, err
	}
	conns := n.hub.NotifiableWorkers(candidates)
	ids := make([]string, 0, len(conns))
	for _, c := range conns {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// UpdateFrame converts a store update event into the right client frame:
// job_completed for terminal success, job_update for everything else.
func UpdateFrame(ev store.UpdateEvent) (string, any) {
	if ev.Status == store.JobStatusCompleted {
		return protocol.TypeJobCompleted, protocol.JobCompleted{
			JobID:  ev.JobID,
			Status: ev.Status,
			Result: ev.Result,
		}
	}
	return protocol.TypeJobUpdate, protocol.JobUpdate{
		JobID:    ev.JobID,
		Status:   ev.Status,
		Progress: ev.Progress,
		WorkerID: ev.WorkerID,
		Message:  ev.Message,
		Error:    ev.Error,
	}
}
