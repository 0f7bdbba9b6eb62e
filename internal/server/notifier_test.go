package server

import (
	"strconv"
	"testing"

	"github.com/beamlab/gpuhub/internal/protocol"
	"github.com/beamlab/gpuhub/internal/store"
)

func TestUpdateFrameMapping(t *testing.T) {
	progress := 30
	msgType, frame := UpdateFrame(store.UpdateEvent{
		JobID:    "job-a",
		Status:   store.JobStatusProcessing,
		Progress: &progress,
		WorkerID: "m1:0",
	})
	if msgType != protocol.TypeJobUpdate {
		t.Fatalf("got %q, want job_update", msgType)
	}
	update, ok := frame.(protocol.JobUpdate)
	if !ok || update.JobID != "job-a" || *update.Progress != 30 {
		t.Fatalf("unexpected frame: %+v", frame)
	}

	msgType, frame = UpdateFrame(store.UpdateEvent{
		JobID:  "job-a",
		Status: store.JobStatusCompleted,
		Result: map[string]any{"ok": true},
	})
	if msgType != protocol.TypeJobCompleted {
		t.Fatalf("got %q, want job_completed", msgType)
	}
	done, ok := frame.(protocol.JobCompleted)
	if !ok || done.Result["ok"] != true {
		t.Fatalf("unexpected frame: %+v", frame)
	}

	// Failure rides job_update with the error attached.
	msgType, frame = UpdateFrame(store.UpdateEvent{
		JobID:  "job-a",
		Status: store.JobStatusFailed,
		Error:  "oom",
	})
	if msgType != protocol.TypeJobUpdate {
		t.Fatalf("got %q, want job_update for failure", msgType)
	}
	failed := frame.(protocol.JobUpdate)
	if failed.Status != store.JobStatusFailed || failed.Error != "oom" {
		t.Fatalf("unexpected failure frame: %+v", failed)
	}
}

func TestNotifierCacheBound(t *testing.T) {
	n := NewNotifier(NewHub(nil), nil, 0, 0, nil)

	for i := 0; i < maxCachedUpdates+100; i++ {
		n.cache(store.UpdateEvent{JobID: jobIDForTest(i), Status: store.JobStatusPending})
	}
	n.mu.Lock()
	size := len(n.latest)
	n.mu.Unlock()
	if size > maxCachedUpdates {
		t.Errorf("cache grew to %d, cap is %d", size, maxCachedUpdates)
	}

	// Re-caching an existing job updates in place without eviction.
	id := jobIDForTest(maxCachedUpdates + 99)
	n.cache(store.UpdateEvent{JobID: id, Status: store.JobStatusCompleted})
	ev, ok := n.Latest(id)
	if !ok || ev.Status != store.JobStatusCompleted {
		t.Errorf("latest state not retained: %+v ok=%v", ev, ok)
	}
}

func jobIDForTest(i int) string {
	return "job-" + strconv.Itoa(i)
}
