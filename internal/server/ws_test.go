package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/beamlab/gpuhub/internal/config"
	"github.com/beamlab/gpuhub/internal/store"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

type testEnv struct {
	ts    *httptest.Server
	srv   *Server
	store *store.Store
	mr    *miniredis.Miniredis
}

// newTestEnv boots a hub over miniredis with the notifier pumping, and
// blocks until the pub/sub subscription is live so no fan-out is lost.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	st := store.New(store.Options{Addr: mr.Addr()}, nil)
	t.Cleanup(func() { st.Close() })
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("store init: %v", err)
	}

	cfg := config.Default()
	srv := New(cfg, st, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.notifier.Run(ctx) }()

	waitForSubscriber(t, mr.Addr())

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, srv: srv, store: st, mr: mr}
}

func waitForSubscriber(t *testing.T, addr string) {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		counts, err := rdb.PubSubNumSub(context.Background(), store.ChannelJobUpdates).Result()
		if err == nil && counts[store.ChannelJobUpdates] >= 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("notifier subscription never established")
}

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendFrame(t *testing.T, ws *websocket.Conn, frame map[string]any) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame %s: %v", data, err)
	}
	return frame
}

// readUntil skips frames until one of the wanted type arrives.
func readUntil(t *testing.T, ws *websocket.Conn, msgType string) map[string]any {
	t.Helper()
	for i := 0; i < 10; i++ {
		frame := readFrame(t, ws)
		if frame["type"] == msgType {
			return frame
		}
	}
	t.Fatalf("never received %q frame", msgType)
	return nil
}

func TestClientWelcomeFrame(t *testing.T) {
	env := newTestEnv(t)
	ws := env.dial(t, "/ws/client/c1")

	frame := readFrame(t, ws)
	if frame["type"] != "connection_established" {
		t.Fatalf("got %v, want connection_established", frame["type"])
	}
	if frame["client_id"] != "c1" {
		t.Errorf("got client_id %v, want c1", frame["client_id"])
	}
}

func TestSubmitClaimProgressComplete(t *testing.T) {
	env := newTestEnv(t)

	worker := env.dial(t, "/ws/worker")
	readFrame(t, worker) // connection_established

	sendFrame(t, worker, map[string]any{
		"type": "register_worker", "machine_id": "m1", "gpu_id": "0",
	})
	reg := readFrame(t, worker)
	if reg["type"] != "worker_registered" || reg["worker_id"] != "m1:0" {
		t.Fatalf("unexpected registration reply: %v", reg)
	}
	sendFrame(t, worker, map[string]any{
		"type": "subscribe_job_notifications", "worker_id": "m1:0", "enabled": true,
	})

	client := env.dial(t, "/ws/client/c1")
	readFrame(t, client) // connection_established

	sendFrame(t, client, map[string]any{
		"type": "submit_job", "job_type": "train", "priority": 3,
		"payload": map[string]any{"epochs": 2},
	})
	accepted := readFrame(t, client)
	if accepted["type"] != "job_accepted" {
		t.Fatalf("got %v, want job_accepted", accepted["type"])
	}
	jobID, _ := accepted["job_id"].(string)
	if !strings.HasPrefix(jobID, "job-") {
		t.Fatalf("unexpected job id %q", jobID)
	}
	if accepted["status"] != "pending" {
		t.Errorf("got status %v, want pending", accepted["status"])
	}

	// The subscribed idle worker hears about the job.
	avail := readUntil(t, worker, "job_available")
	if avail["job_id"] != jobID {
		t.Errorf("notified about %v, want %v", avail["job_id"], jobID)
	}

	sendFrame(t, worker, map[string]any{
		"type": "claim_job", "worker_id": "m1:0", "job_id": jobID, "claim_timeout": 60,
	})
	claimed := readUntil(t, worker, "job_claimed")
	if claimed["success"] != true {
		t.Fatalf("claim should succeed: %v", claimed)
	}

	sendFrame(t, worker, map[string]any{
		"type": "update_job_progress", "job_id": jobID,
		"machine_id": "m1", "gpu_id": "0", "progress": 50, "message": "halfway",
	})
	update := readUntil(t, client, "job_update")
	if update["job_id"] != jobID || update["progress"] != float64(50) {
		t.Fatalf("unexpected update: %v", update)
	}

	sendFrame(t, worker, map[string]any{
		"type": "complete_job", "job_id": jobID,
		"machine_id": "m1", "gpu_id": "0", "result": map[string]any{"loss": 0.05},
	})
	done := readUntil(t, client, "job_completed")
	if done["job_id"] != jobID || done["status"] != "completed" {
		t.Fatalf("unexpected completion: %v", done)
	}
	result, _ := done["result"].(map[string]any)
	if result["loss"] != 0.05 {
		t.Errorf("result not carried through: %v", done["result"])
	}
}

func TestClaimRace(t *testing.T) {
	env := newTestEnv(t)

	w1 := env.dial(t, "/ws/worker")
	readFrame(t, w1)
	w2 := env.dial(t, "/ws/worker")
	readFrame(t, w2)
	for ws, ids := range map[*websocket.Conn][2]string{w1: {"m1", "0"}, w2: {"m2", "0"}} {
		sendFrame(t, ws, map[string]any{
			"type": "register_worker", "machine_id": ids[0], "gpu_id": ids[1],
		})
		readFrame(t, ws)
	}

	if _, err := env.store.AddJob(context.Background(), &store.Job{ID: "job-race", Type: "t"}); err != nil {
		t.Fatalf("seed job: %v", err)
	}

	sendFrame(t, w1, map[string]any{"type": "claim_job", "worker_id": "m1:0", "job_id": "job-race"})
	first := readUntil(t, w1, "job_claimed")
	if first["success"] != true {
		t.Fatalf("first claim should win: %v", first)
	}

	sendFrame(t, w2, map[string]any{"type": "claim_job", "worker_id": "m2:0", "job_id": "job-race"})
	second := readUntil(t, w2, "job_claimed")
	if second["success"] != false {
		t.Fatalf("second claim should lose: %v", second)
	}
}

func TestClientReconnectReplaces(t *testing.T) {
	env := newTestEnv(t)

	first := env.dial(t, "/ws/client/c1")
	readFrame(t, first)

	second := env.dial(t, "/ws/client/c1")
	readFrame(t, second)

	// The replaced socket gets a normal closure.
	_ = first.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := first.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal closure on replaced connection, got %v", err)
	}

	// The new socket still works.
	sendFrame(t, second, map[string]any{"type": "get_stats"})
	if frame := readUntil(t, second, "stats_response"); frame == nil {
		t.Fatal("replacement connection not serviced")
	}
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	env := newTestEnv(t)
	ws := env.dial(t, "/ws/client/c1")
	readFrame(t, ws)

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{oops`)); err != nil {
		t.Fatalf("write malformed frame: %v", err)
	}
	errFrame := readFrame(t, ws)
	if errFrame["type"] != "error" {
		t.Fatalf("got %v, want error frame", errFrame["type"])
	}

	sendFrame(t, ws, map[string]any{"type": "submit_job"})
	errFrame = readFrame(t, ws)
	if errFrame["type"] != "error" {
		t.Fatalf("missing required field should answer error, got %v", errFrame["type"])
	}

	sendFrame(t, ws, map[string]any{"type": "wat"})
	errFrame = readFrame(t, ws)
	if errFrame["type"] != "error" {
		t.Fatalf("unknown type should answer error, got %v", errFrame["type"])
	}

	// Three protocol errors later the connection is still serviced.
	sendFrame(t, ws, map[string]any{"type": "get_stats"})
	readUntil(t, ws, "stats_response")
}

func TestLegacyPullPath(t *testing.T) {
	env := newTestEnv(t)

	ws := env.dial(t, "/ws/worker/m1/0")
	welcome := readFrame(t, ws)
	if welcome["worker_id"] != "m1:0" {
		t.Fatalf("path-form connect should auto-register, got %v", welcome)
	}

	sendFrame(t, ws, map[string]any{"type": "get_next_job", "machine_id": "m1", "gpu_id": "0"})
	if frame := readFrame(t, ws); frame["type"] != "no_job" {
		t.Fatalf("empty queues should answer no_job, got %v", frame["type"])
	}

	if _, err := env.store.AddJob(context.Background(), &store.Job{
		ID: "job-pull", Type: "render", Priority: 2, Params: map[string]any{"w": float64(640)},
	}); err != nil {
		t.Fatalf("seed job: %v", err)
	}

	sendFrame(t, ws, map[string]any{"type": "get_next_job", "machine_id": "m1", "gpu_id": "0"})
	assigned := readUntil(t, ws, "job_assigned")
	if assigned["job_id"] != "job-pull" || assigned["job_type"] != "render" {
		t.Fatalf("unexpected assignment: %v", assigned)
	}

	job, err := env.store.GetJob(context.Background(), "job-pull")
	if err != nil {
		t.Fatalf("load job: %v", err)
	}
	if job.Status != store.JobStatusProcessing || job.WorkerID != "m1:0" {
		t.Errorf("pull path should assign directly: status=%s worker=%s", job.Status, job.WorkerID)
	}
}

func TestWorkerDisconnectMarked(t *testing.T) {
	env := newTestEnv(t)

	ws := env.dial(t, "/ws/worker/m1/0")
	readFrame(t, ws)
	ws.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		w, err := env.store.GetWorker(context.Background(), "m1:0")
		if err == nil && w.Status == store.WorkerStatusDisconnected {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("worker never marked disconnected after socket close")
}

func TestHeartbeatAutoRegisters(t *testing.T) {
	env := newTestEnv(t)

	ws := env.dial(t, "/ws/worker")
	readFrame(t, ws)

	sendFrame(t, ws, map[string]any{"type": "worker_heartbeat", "worker_id": "ghost:1", "status": "idle"})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		w, err := env.store.GetWorker(context.Background(), "ghost:1")
		if err == nil {
			if w.MachineID != "unknown" || w.GPUID != "unknown" {
				t.Fatalf("auto-registration should use placeholder identity, got %q/%q", w.MachineID, w.GPUID)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("heartbeat from unknown worker never auto-registered")
}

func TestGetJobStatusSubscribes(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.store.AddJob(context.Background(), &store.Job{ID: "job-x", Type: "t"}); err != nil {
		t.Fatalf("seed job: %v", err)
	}

	client := env.dial(t, "/ws/client/c1")
	readFrame(t, client)

	sendFrame(t, client, map[string]any{"type": "get_job_status", "job_id": "job-x"})
	status := readFrame(t, client)
	if status["type"] != "job_status" || status["status"] != "pending" {
		t.Fatalf("unexpected status frame: %v", status)
	}
	if status["position"] != float64(1) {
		t.Errorf("pending job should report its queue position, got %v", status["position"])
	}

	// The status query subscribed the client; a later failure arrives.
	if err := env.store.FailJob(context.Background(), "job-x", "m1:0", "oom"); err != nil {
		t.Fatalf("fail job: %v", err)
	}
	update := readUntil(t, client, "job_update")
	if update["status"] != "failed" || update["error"] != "oom" {
		t.Fatalf("unexpected failure fan-out: %v", update)
	}

	sendFrame(t, client, map[string]any{"type": "get_job_status", "job_id": "job-missing"})
	errFrame := readUntil(t, client, "error")
	details, _ := errFrame["details"].(map[string]any)
	if details["job_id"] != "job-missing" {
		t.Errorf("error should name the missing job, got %v", errFrame)
	}
}

func TestLateSubscriberGetsCachedState(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.store.AddJob(context.Background(), &store.Job{ID: "job-x", Type: "t"}); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	if err := env.store.CompleteJob(context.Background(), "job-x", "m1:0", map[string]any{"ok": true}); err != nil {
		t.Fatalf("complete job: %v", err)
	}

	// Give the notifier a beat to cache the update.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := env.srv.notifier.Latest("job-x"); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	client := env.dial(t, "/ws/client/c1")
	readFrame(t, client)
	sendFrame(t, client, map[string]any{"type": "subscribe_job", "job_id": "job-x"})

	cached := readUntil(t, client, "job_completed")
	if cached["job_id"] != "job-x" {
		t.Fatalf("late subscriber should get cached terminal state, got %v", cached)
	}
}

func TestStatsSubscribeImmediateResponse(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.store.AddJob(context.Background(), &store.Job{ID: "job-1", Type: "t", Priority: 2}); err != nil {
		t.Fatalf("seed job: %v", err)
	}

	client := env.dial(t, "/ws/client/c1")
	readFrame(t, client)

	sendFrame(t, client, map[string]any{"type": "subscribe_stats", "enabled": true})
	stats := readUntil(t, client, "stats_response")

	queues, _ := stats["queues"].(map[string]any)
	if queues["priority"] != float64(1) || queues["total"] != float64(1) {
		t.Fatalf("unexpected queue depths: %v", stats["queues"])
	}
	jobs, _ := stats["jobs"].(map[string]any)
	if jobs["total"] != float64(1) {
		t.Errorf("unexpected job counts: %v", stats["jobs"])
	}
}
