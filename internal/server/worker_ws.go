package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/beamlab/gpuhub/internal/protocol"
	"github.com/beamlab/gpuhub/internal/store"
)

// handleWorkerWS upgrades worker connections on all three endpoint forms.
// The legacy path /ws/worker/{machine_id}/{gpu_id} registers in the store
// immediately; /ws/worker/{worker_id} binds the connection but leaves
// registration to a register_worker frame; bare /ws/worker leaves identity
// to the first register_worker or worker_heartbeat frame.
func (s *Server) handleWorkerWS(w http.ResponseWriter, r *http.Request) {
	machineID := r.PathValue("machine_id")
	gpuID := r.PathValue("gpu_id")
	pathWorkerID := r.PathValue("worker_id")

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("worker websocket upgrade failed", "error", err)
		return
	}

	c := newConn("", ws, s.log)
	welcome := protocol.ConnectionEstablished{Status: "connected"}

	switch {
	case machineID != "" && gpuID != "":
		workerID := machineID + ":" + gpuID
		if err := s.store.RegisterWorker(context.Background(), workerID, machineID, gpuID); err != nil {
			s.log.Error("worker auto-registration failed", "worker_id", workerID, "error", err)
			c.Close()
			return
		}
		c.ID = workerID
		s.registerWorkerConn(c)
		s.hub.SetWorkerStatus(workerID, store.WorkerStatusIdle)
		welcome.WorkerID = workerID
	case pathWorkerID != "":
		c.ID = pathWorkerID
		s.registerWorkerConn(c)
		welcome.WorkerID = pathWorkerID
	}

	s.log.Info("worker connected", "worker_id", c.ID)
	if err := c.Send(protocol.TypeConnectionEstablished, welcome); err != nil {
		s.hub.EvictWorker(c)
		return
	}

	go c.pingLoop()
	c.readFrames(func(data []byte) {
		s.dispatchWorkerFrame(c, data)
	})

	if s.hub.RemoveWorker(c) {
		s.markDisconnected(c.ID)
		s.log.Info("worker disconnected", "worker_id", c.ID)
	}
}

// registerWorkerConn puts the connection in the hub, closing any previous
// connection for the same worker id with a normal closure.
func (s *Server) registerWorkerConn(c *Conn) {
	if old := s.hub.AddWorker(c); old != nil {
		s.log.Info("worker reconnected, replacing previous connection", "worker_id", c.ID)
		old.CloseNormal("replaced by new connection")
	}
}

// markDisconnected records a worker's disconnect in the store. The record
// may already be gone; that is not an error.
func (s *Server) markDisconnected(workerID string) {
	if workerID == "" {
		return
	}
	err := s.store.SetWorkerStatus(context.Background(), workerID, store.WorkerStatusDisconnected)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Error("failed to mark worker disconnected", "worker_id", workerID, "error", err)
	}
}

// dispatchWorkerFrame processes one inbound worker frame, with the same
// error and panic containment as the client side.
func (s *Server) dispatchWorkerFrame(c *Conn, data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("panic handling worker frame", "worker_id", c.ID, "panic", rec)
			s.sendError(c, "internal error", nil)
		}
	}()

	msgType, err := protocol.Peek(data)
	if err != nil {
		s.sendError(c, "invalid message: "+err.Error(), nil)
		return
	}

	switch msgType {
	case protocol.TypeRegisterWorker:
		m, err := protocol.Decode[protocol.RegisterWorker](data)
		if err != nil {
			s.sendError(c, err.Error(), nil)
			return
		}
		s.handleRegisterWorker(c, m)
	case protocol.TypeWorkerHeartbeat:
		m, err := protocol.Decode[protocol.WorkerHeartbeat](data)
		if err != nil {
			s.sendError(c, err.Error(), nil)
			return
		}
		s.handleWorkerHeartbeat(c, m)
	case protocol.TypeSubscribeJobNotifications:
		m, err := protocol.Decode[protocol.SubscribeJobNotifications](data)
		if err != nil {
			s.sendError(c, err.Error(), nil)
			return
		}
		s.handleSubscribeNotifications(c, m)
	case protocol.TypeGetNextJob:
		m, err := protocol.Decode[protocol.GetNextJob](data)
		if err != nil {
			s.sendError(c, err.Error(), nil)
			return
		}
		s.handleGetNextJob(c, m)
	case protocol.TypeClaimJob:
		m, err := protocol.Decode[protocol.ClaimJob](data)
		if err != nil {
			s.sendError(c, err.Error(), nil)
			return
		}
		s.handleClaimJob(c, m)
	case protocol.TypeUpdateJobProgress:
		m, err := protocol.Decode[protocol.UpdateJobProgress](data)
		if err != nil {
			s.sendError(c, err.Error(), nil)
			return
		}
		s.handleUpdateJobProgress(c, m)
	case protocol.TypeCompleteJob:
		m, err := protocol.Decode[protocol.CompleteJob](data)
		if err != nil {
			s.sendError(c, err.Error(), nil)
			return
		}
		s.handleCompleteJob(c, m)
	case protocol.TypeFailJob:
		m, err := protocol.Decode[protocol.FailJob](data)
		if err != nil {
			s.sendError(c, err.Error(), nil)
			return
		}
		s.handleFailJob(c, m)
	default:
		s.sendError(c, "unknown message type: "+msgType, nil)
	}
}

// identifyWorker binds the connection to a worker id on its first
// identifying frame, or rebinds it if the worker changed identity.
func (s *Server) identifyWorker(c *Conn, workerID string) {
	if c.ID == workerID {
		return
	}
	if c.ID != "" {
		s.hub.RemoveWorker(c)
	}
	c.ID = workerID
	s.registerWorkerConn(c)
}

func (s *Server) handleRegisterWorker(c *Conn, m protocol.RegisterWorker) {
	ctx := context.Background()
	workerID := m.MachineID + ":" + m.GPUID

	err := withRetry(func() error {
		return s.store.RegisterWorker(ctx, workerID, m.MachineID, m.GPUID)
	})
	if err != nil {
		s.log.Error("worker registration failed", "worker_id", workerID, "error", err)
		s.sendError(c, "failed to register worker", nil)
		return
	}

	s.identifyWorker(c, workerID)
	s.hub.SetWorkerStatus(workerID, store.WorkerStatusIdle)

	// The wire reply says "active" (the registration is live); the stored
	// worker status is idle.
	s.sendWorker(c, protocol.TypeWorkerRegistered, protocol.WorkerRegistered{
		WorkerID: workerID,
		Status:   store.WorkerStatusActive,
	})
}

func (s *Server) handleWorkerHeartbeat(c *Conn, m protocol.WorkerHeartbeat) {
	ctx := context.Background()
	s.identifyWorker(c, m.WorkerID)

	err := s.store.Heartbeat(ctx, m.WorkerID, m.Status)
	if errors.Is(err, store.ErrNotFound) {
		// A heartbeat from a worker the store never saw: register with
		// placeholder identity rather than rejecting liveness.
		s.log.Warn("heartbeat from unknown worker, auto-registering", "worker_id", m.WorkerID)
		if err := s.store.RegisterWorker(ctx, m.WorkerID, "unknown", "unknown"); err != nil {
			s.log.Error("worker auto-registration failed", "worker_id", m.WorkerID, "error", err)
			s.sendError(c, "failed to register worker", nil)
			return
		}
		err = s.store.Heartbeat(ctx, m.WorkerID, m.Status)
	}
	if err != nil {
		s.log.Error("heartbeat failed", "worker_id", m.WorkerID, "error", err)
		s.sendError(c, "failed to record heartbeat", nil)
		return
	}

	if m.Status != "" {
		s.hub.SetWorkerStatus(m.WorkerID, m.Status)
	}
}

func (s *Server) handleSubscribeNotifications(c *Conn, m protocol.SubscribeJobNotifications) {
	s.identifyWorker(c, m.WorkerID)
	s.hub.SetNotifSub(m.WorkerID, *m.Enabled)
	s.log.Debug("worker notification subscription toggled", "worker_id", m.WorkerID, "enabled", *m.Enabled)
}

func (s *Server) handleGetNextJob(c *Conn, m protocol.GetNextJob) {
	ctx := context.Background()
	workerID := m.MachineID + ":" + m.GPUID
	s.identifyWorker(c, workerID)

	// The pull path registers on first contact.
	exists, err := s.store.WorkerExists(ctx, workerID)
	if err == nil && !exists {
		if err := s.store.RegisterWorker(ctx, workerID, m.MachineID, m.GPUID); err != nil {
			s.log.Error("worker registration failed", "worker_id", workerID, "error", err)
			s.sendError(c, "failed to register worker", nil)
			return
		}
	}

	job, err := s.store.NextJob(ctx, workerID)
	if errors.Is(err, store.ErrNotFound) {
		s.sendWorker(c, protocol.TypeNoJob, protocol.NoJob{})
		return
	}
	if err != nil {
		s.log.Error("dequeue failed", "worker_id", workerID, "error", err)
		s.sendError(c, "failed to dequeue job", nil)
		return
	}

	if err := s.store.SetWorkerStatus(ctx, workerID, store.WorkerStatusActive); err != nil {
		s.log.Warn("failed to mark worker active", "worker_id", workerID, "error", err)
	}
	s.hub.SetWorkerStatus(workerID, store.WorkerStatusActive)

	s.sendWorker(c, protocol.TypeJobAssigned, protocol.JobAssigned{
		JobID:    job.ID,
		JobType:  job.Type,
		Priority: job.Priority,
		Params:   job.Params,
	})
}

func (s *Server) handleClaimJob(c *Conn, m protocol.ClaimJob) {
	ctx := context.Background()
	s.identifyWorker(c, m.WorkerID)

	job, err := s.store.ClaimJob(ctx, m.JobID, m.WorkerID, m.ClaimTimeout)
	switch {
	case err == nil:
		if s.metrics != nil {
			s.metrics.JobsClaimed.Inc()
		}
		if err := s.store.SetWorkerStatus(ctx, m.WorkerID, store.WorkerStatusBusy); err != nil {
			s.log.Warn("failed to mark worker busy", "worker_id", m.WorkerID, "error", err)
		}
		s.hub.SetWorkerStatus(m.WorkerID, store.WorkerStatusBusy)

		s.sendWorker(c, protocol.TypeJobClaimed, protocol.JobClaimed{
			JobID:    m.JobID,
			WorkerID: m.WorkerID,
			Success:  true,
			JobData: map[string]any{
				"id":       job.ID,
				"type":     job.Type,
				"priority": job.Priority,
				"params":   job.Params,
			},
		})

	case errors.Is(err, store.ErrClaimRejected):
		// Losing a claim race is the expected outcome for all but one
		// contender.
		s.log.Debug("claim rejected", "job_id", m.JobID, "worker_id", m.WorkerID)
		s.sendWorker(c, protocol.TypeJobClaimed, protocol.JobClaimed{
			JobID:    m.JobID,
			WorkerID: m.WorkerID,
			Success:  false,
			Message:  "job already claimed",
		})

	case errors.Is(err, store.ErrNotFound):
		s.sendWorker(c, protocol.TypeJobClaimed, protocol.JobClaimed{
			JobID:    m.JobID,
			WorkerID: m.WorkerID,
			Success:  false,
			Message:  "job not found",
		})

	default:
		s.log.Error("claim failed", "job_id", m.JobID, "worker_id", m.WorkerID, "error", err)
		s.sendError(c, "failed to claim job", nil)
	}
}

func (s *Server) handleUpdateJobProgress(c *Conn, m protocol.UpdateJobProgress) {
	ctx := context.Background()
	workerID := m.MachineID + ":" + m.GPUID
	s.identifyWorker(c, workerID)

	err := s.store.UpdateJobProgress(ctx, m.JobID, m.Progress, workerID, m.Message, m.Status)
	if errors.Is(err, store.ErrNotFound) {
		s.sendError(c, "job not found", map[string]any{"job_id": m.JobID})
		return
	}
	if err != nil {
		s.log.Error("progress update failed", "job_id", m.JobID, "error", err)
		s.sendError(c, "failed to update progress", nil)
	}
}

func (s *Server) handleCompleteJob(c *Conn, m protocol.CompleteJob) {
	ctx := context.Background()
	workerID := m.MachineID + ":" + m.GPUID
	s.identifyWorker(c, workerID)

	err := withRetry(func() error {
		return s.store.CompleteJob(ctx, m.JobID, workerID, m.Result)
	})
	if errors.Is(err, store.ErrNotFound) {
		s.sendError(c, "job not found", map[string]any{"job_id": m.JobID})
		return
	}
	if err != nil {
		s.log.Error("completion failed", "job_id", m.JobID, "error", err)
		s.sendError(c, "failed to complete job", nil)
		return
	}
	if s.metrics != nil {
		s.metrics.JobsCompleted.Inc()
	}
	s.workerBackToIdle(ctx, workerID)
}

func (s *Server) handleFailJob(c *Conn, m protocol.FailJob) {
	ctx := context.Background()
	workerID := m.MachineID + ":" + m.GPUID
	s.identifyWorker(c, workerID)

	err := withRetry(func() error {
		return s.store.FailJob(ctx, m.JobID, workerID, m.Error)
	})
	if errors.Is(err, store.ErrNotFound) {
		s.sendError(c, "job not found", map[string]any{"job_id": m.JobID})
		return
	}
	if err != nil {
		s.log.Error("failure report failed", "job_id", m.JobID, "error", err)
		s.sendError(c, "failed to fail job", nil)
		return
	}
	if s.metrics != nil {
		s.metrics.JobsFailed.Inc()
	}
	s.workerBackToIdle(ctx, workerID)
}

// workerBackToIdle returns a worker to the idle pool after it finishes a
// job. The store refuses the transition for out_of_service workers.
func (s *Server) workerBackToIdle(ctx context.Context, workerID string) {
	err := s.store.SetWorkerStatus(ctx, workerID, store.WorkerStatusIdle)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Warn("failed to mark worker idle", "worker_id", workerID, "error", err)
	}
	s.hub.SetWorkerStatus(workerID, store.WorkerStatusIdle)
}

// sendWorker writes a frame to a worker, evicting the connection on
// failure.
func (s *Server) sendWorker(c *Conn, msgType string, msg any) {
	if err := c.Send(msgType, msg); err != nil {
		s.log.Warn("worker send failed", "worker_id", c.ID, "type", msgType, "error", err)
		s.hub.EvictWorker(c)
	}
}
