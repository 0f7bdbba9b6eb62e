package server

import (
	"testing"

	"github.com/beamlab/gpuhub/internal/store"
)

func TestHubReplaceClient(t *testing.T) {
	h := NewHub(nil)

	first := &Conn{ID: "c1", done: make(chan struct{})}
	if old := h.AddClient(first); old != nil {
		t.Fatalf("unexpected replaced connection: %v", old)
	}

	second := &Conn{ID: "c1", done: make(chan struct{})}
	if old := h.AddClient(second); old != first {
		t.Fatalf("expected first connection to be replaced")
	}
	if h.ClientCount() != 1 {
		t.Errorf("got %d clients, want 1", h.ClientCount())
	}

	// The stale connection's teardown must not evict its successor.
	if h.RemoveClient(first) {
		t.Error("removing the replaced connection should be a no-op")
	}
	if h.ClientCount() != 1 {
		t.Errorf("got %d clients after stale remove, want 1", h.ClientCount())
	}

	if !h.RemoveClient(second) {
		t.Error("removing the live connection should succeed")
	}
}

func TestHubSubscriptionCleanup(t *testing.T) {
	h := NewHub(nil)
	c := &Conn{ID: "c1", done: make(chan struct{})}
	h.AddClient(c)
	h.SubscribeJob("c1", "job-a")
	h.SetStatsSub("c1", true)

	if len(h.JobSubscribers("job-a")) != 1 {
		t.Fatal("expected one job subscriber")
	}
	if len(h.StatsSubscribers()) != 1 {
		t.Fatal("expected one stats subscriber")
	}

	h.RemoveClient(c)
	if len(h.JobSubscribers("job-a")) != 0 {
		t.Error("job subscription should be dropped with the connection")
	}
	if len(h.StatsSubscribers()) != 0 {
		t.Error("stats subscription should be dropped with the connection")
	}
}

func TestHubJobSubscriptionOverwrite(t *testing.T) {
	h := NewHub(nil)
	c := &Conn{ID: "c1", done: make(chan struct{})}
	h.AddClient(c)

	h.SubscribeJob("c1", "job-a")
	h.SubscribeJob("c1", "job-b")

	if len(h.JobSubscribers("job-a")) != 0 {
		t.Error("subscribing to a new job should drop the previous one")
	}
	if len(h.JobSubscribers("job-b")) != 1 {
		t.Error("expected subscription to follow the latest job")
	}
}

func TestHubNotifiableWorkers(t *testing.T) {
	h := NewHub(nil)

	subscribed := &Conn{ID: "w-sub", done: make(chan struct{})}
	busy := &Conn{ID: "w-busy", done: make(chan struct{})}
	silent := &Conn{ID: "w-silent", done: make(chan struct{})}
	h.AddWorker(subscribed)
	h.AddWorker(busy)
	h.AddWorker(silent)

	h.SetNotifSub("w-sub", true)
	h.SetNotifSub("w-busy", true)
	h.SetWorkerStatus("w-sub", store.WorkerStatusIdle)
	h.SetWorkerStatus("w-busy", store.WorkerStatusBusy)

	candidates := []string{"w-sub", "w-busy", "w-silent", "w-offline"}
	conns := h.NotifiableWorkers(candidates)
	if len(conns) != 1 || conns[0] != subscribed {
		t.Errorf("expected only the subscribed idle worker, got %d conns", len(conns))
	}

	// Toggling off is idempotent and removes eligibility.
	h.SetNotifSub("w-sub", false)
	h.SetNotifSub("w-sub", false)
	if len(h.NotifiableWorkers(candidates)) != 0 {
		t.Error("unsubscribed worker should not be notifiable")
	}
}

func TestHubWorkerStatusMirror(t *testing.T) {
	h := NewHub(nil)

	// Status for an unknown worker is dropped, not stored.
	h.SetWorkerStatus("w1", store.WorkerStatusBusy)
	if got := h.WorkerStatus("w1"); got != "" {
		t.Errorf("expected empty status for unknown worker, got %q", got)
	}

	c := &Conn{ID: "w1", done: make(chan struct{})}
	h.AddWorker(c)
	h.SetWorkerStatus("w1", store.WorkerStatusBusy)
	if got := h.WorkerStatus("w1"); got != store.WorkerStatusBusy {
		t.Errorf("got status %q, want busy", got)
	}

	h.RemoveWorker(c)
	if got := h.WorkerStatus("w1"); got != "" {
		t.Errorf("status mirror should be cleared on remove, got %q", got)
	}
}
