package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/beamlab/gpuhub/internal/protocol"
	"github.com/beamlab/gpuhub/internal/store"
	"github.com/google/uuid"
)

// handleClientWS upgrades /ws/client/{client_id} connections and runs the
// client read pump. One connection per client id: a reconnect closes the
// previous socket with a normal closure.
func (s *Server) handleClientWS(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("client_id")
	if clientID == "" {
		http.Error(w, "missing client id", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("client websocket upgrade failed", "client_id", clientID, "error", err)
		return
	}

	c := newConn(clientID, ws, s.log)
	if old := s.hub.AddClient(c); old != nil {
		s.log.Info("client reconnected, replacing previous connection", "client_id", clientID)
		old.CloseNormal("replaced by new connection")
	}
	s.log.Info("client connected", "client_id", clientID)

	if err := c.Send(protocol.TypeConnectionEstablished, protocol.ConnectionEstablished{
		Status:   "connected",
		ClientID: clientID,
	}); err != nil {
		s.hub.EvictClient(c)
		return
	}

	go c.pingLoop()
	c.readFrames(func(data []byte) {
		s.dispatchClientFrame(c, data)
	})

	if s.hub.RemoveClient(c) {
		s.log.Info("client disconnected", "client_id", clientID)
	}
}

// dispatchClientFrame processes one inbound client frame. Protocol and
// state errors answer with an error frame and leave the connection open;
// a handler panic is contained the same way.
func (s *Server) dispatchClientFrame(c *Conn, data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("panic handling client frame", "client_id", c.ID, "panic", rec)
			s.sendError(c, "internal error", nil)
		}
	}()

	msgType, err := protocol.Peek(data)
	if err != nil {
		s.sendError(c, "invalid message: "+err.Error(), nil)
		return
	}

	switch msgType {
	case protocol.TypeSubmitJob:
		m, err := protocol.Decode[protocol.SubmitJob](data)
		if err != nil {
			s.sendError(c, err.Error(), nil)
			return
		}
		s.handleSubmitJob(c, m)
	case protocol.TypeGetJobStatus:
		m, err := protocol.Decode[protocol.GetJobStatus](data)
		if err != nil {
			s.sendError(c, err.Error(), nil)
			return
		}
		s.handleGetJobStatus(c, m)
	case protocol.TypeSubscribeJob:
		m, err := protocol.Decode[protocol.SubscribeJob](data)
		if err != nil {
			s.sendError(c, err.Error(), nil)
			return
		}
		s.handleSubscribeJob(c, m)
	case protocol.TypeSubscribeStats:
		m, err := protocol.Decode[protocol.SubscribeStats](data)
		if err != nil {
			s.sendError(c, err.Error(), nil)
			return
		}
		s.handleSubscribeStats(c, m)
	case protocol.TypeGetStats:
		s.handleGetStats(c)
	default:
		s.sendError(c, "unknown message type: "+msgType, nil)
	}
}

func (s *Server) handleSubmitJob(c *Conn, m protocol.SubmitJob) {
	ctx := context.Background()
	job := &store.Job{
		ID:       "job-" + uuid.NewString(),
		Type:     m.JobType,
		Priority: m.Priority,
		Params:   m.Payload,
		ClientID: c.ID,
	}

	var position int
	err := withRetry(func() error {
		var err error
		position, err = s.store.AddJob(ctx, job)
		return err
	})
	if err != nil {
		s.log.Error("job submission failed", "client_id", c.ID, "error", err)
		s.sendError(c, "failed to enqueue job", nil)
		return
	}
	if s.metrics != nil {
		s.metrics.JobsEnqueued.Inc()
	}

	// The submitter follows its own job.
	s.hub.SubscribeJob(c.ID, job.ID)

	eligible, err := s.notifier.EligibleWorkers(ctx)
	if err != nil {
		s.log.Warn("eligible worker count unavailable", "job_id", job.ID, "error", err)
	}

	s.send(c, protocol.TypeJobAccepted, protocol.JobAccepted{
		JobID:           job.ID,
		Status:          store.JobStatusPending,
		Position:        position,
		NotifiedWorkers: len(eligible),
	})
}

func (s *Server) handleGetJobStatus(c *Conn, m protocol.GetJobStatus) {
	ctx := context.Background()
	job, err := s.store.GetJob(ctx, m.JobID)
	if errors.Is(err, store.ErrNotFound) {
		s.sendError(c, "job not found", map[string]any{"job_id": m.JobID})
		return
	}
	if err != nil {
		s.log.Error("job lookup failed", "job_id", m.JobID, "error", err)
		s.sendError(c, "failed to load job", nil)
		return
	}

	// Asking about a job subscribes the caller to its updates.
	s.hub.SubscribeJob(c.ID, m.JobID)

	resp := protocol.JobStatus{
		JobID:    job.ID,
		Status:   job.Status,
		WorkerID: job.WorkerID,
		Message:  job.Message,
		Result:   job.Result,
	}
	if job.Status == store.JobStatusPending {
		pos := job.Position
		resp.Position = &pos
	} else {
		progress := job.Progress
		resp.Progress = &progress
	}
	if job.StartedAt > 0 {
		started := job.StartedAt
		resp.StartedAt = &started
	}
	if job.CompletedAt > 0 {
		completed := job.CompletedAt
		resp.CompletedAt = &completed
	}
	s.send(c, protocol.TypeJobStatus, resp)
}

func (s *Server) handleSubscribeJob(c *Conn, m protocol.SubscribeJob) {
	s.hub.SubscribeJob(c.ID, m.JobID)
	s.log.Debug("client subscribed to job", "client_id", c.ID, "job_id", m.JobID)

	// A late subscriber gets the job's current state immediately.
	if ev, ok := s.notifier.Latest(m.JobID); ok {
		msgType, frame := UpdateFrame(ev)
		s.send(c, msgType, frame)
	}
}

func (s *Server) handleSubscribeStats(c *Conn, m protocol.SubscribeStats) {
	enabled := *m.Enabled
	s.hub.SetStatsSub(c.ID, enabled)
	s.log.Debug("client stats subscription toggled", "client_id", c.ID, "enabled", enabled)
	if enabled {
		s.handleGetStats(c)
	}
}

func (s *Server) handleGetStats(c *Conn) {
	resp, err := s.stats.Snapshot(context.Background())
	if err != nil {
		s.log.Error("stats snapshot failed", "client_id", c.ID, "error", err)
		s.sendError(c, "failed to aggregate stats", nil)
		return
	}
	s.send(c, protocol.TypeStatsResponse, resp)
}

// send writes a frame to a client, evicting the connection on failure.
func (s *Server) send(c *Conn, msgType string, msg any) {
	if err := c.Send(msgType, msg); err != nil {
		s.log.Warn("client send failed", "client_id", c.ID, "type", msgType, "error", err)
		s.hub.EvictClient(c)
	}
}

// sendError answers a protocol or state error without closing the socket.
// The write itself failing means the peer is gone; the read pump notices.
func (s *Server) sendError(c *Conn, msg string, details map[string]any) {
	_ = c.Send(protocol.TypeError, protocol.Error{Error: msg, Details: details})
}

// withRetry runs fn, retrying once after a short pause. Store operations
// in frame handlers use it to ride out transient Redis hiccups.
func withRetry(fn func() error) error {
	if err := fn(); err != nil {
		time.Sleep(100 * time.Millisecond)
		return fn()
	}
	return nil
}
