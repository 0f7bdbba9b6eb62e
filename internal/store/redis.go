package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout. Any hub replica sharing the same Redis sees the same truth.
const (
	jobPrefix     = "job:"
	workerPrefix  = "worker:"
	standardQueue = "job_queue"      // FIFO list: LPUSH head, RPOP tail
	priorityQueue = "priority_queue" // ZSET: score = priority

	workersAll  = "workers:all"
	workersIdle = "workers:idle"

	// Pub/sub channels.
	ChannelJobUpdates       = "job_updates"
	ChannelJobNotifications = "job_notifications"
	jobUpdatesPrefix        = "job_updates:"
)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	DB       int
	Password string
}

// Store wraps a Redis client with the hub's job and worker operations.
type Store struct {
	rdb *redis.Client
	log *slog.Logger

	// now is swappable so sweep tests can move the clock.
	now func() float64
}

// New creates a Store. The connection is verified by Init.
func New(opts Options, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			DB:       opts.DB,
			Password: opts.Password,
		}),
		log: log,
		now: func() float64 { return float64(time.Now().UnixNano()) / float64(time.Second) },
	}
}

// Init verifies connectivity. It is idempotent; Redis structures are
// created lazily by first use.
func (s *Store) Init(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Subscribe returns a pub/sub subscription on the given channels.
func (s *Store) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, channels...)
}

// --- Job queue operations ---

// AddJob writes a pending job record, places it in the queue matching its
// priority, publishes a job_notifications announcement, and returns the
// job's 1-based queue position estimate (-1 when indeterminate).
func (s *Store) AddJob(ctx context.Context, job *Job) (int, error) {
	key := jobPrefix + job.ID
	job.Status = JobStatusPending
	job.CreatedAt = s.now()

	params, err := json.Marshal(job.Params)
	if err != nil {
		return -1, fmt.Errorf("marshal params: %w", err)
	}

	fields := map[string]any{
		"id":         job.ID,
		"type":       job.Type,
		"priority":   job.Priority,
		"params":     string(params),
		"status":     job.Status,
		"created_at": formatTime(job.CreatedAt),
	}
	if job.ClientID != "" {
		fields["client_id"] = job.ClientID
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if job.Priority > 0 {
		pipe.ZAdd(ctx, priorityQueue, redis.Z{Score: float64(job.Priority), Member: job.ID})
	} else {
		pipe.LPush(ctx, standardQueue, job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return -1, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}

	position := s.queuePosition(ctx, job.ID, job.Priority)
	job.Position = position

	notif := Notification{
		Type:     "job_available",
		JobID:    job.ID,
		JobType:  job.Type,
		Priority: job.Priority,
		Params:   job.Params,
	}
	if err := s.publish(ctx, ChannelJobNotifications, notif); err != nil {
		s.log.Error("failed to publish job notification", "job_id", job.ID, "error", err)
	}

	s.log.Info("job enqueued", "job_id", job.ID, "type", job.Type, "priority", job.Priority, "position", position)
	return position, nil
}

// queuePosition estimates the 1-based position of a pending job.
func (s *Store) queuePosition(ctx context.Context, jobID string, priority int) int {
	if priority > 0 {
		rank, err := s.rdb.ZRevRank(ctx, priorityQueue, jobID).Result()
		if err != nil {
			return -1
		}
		return int(rank) + 1
	}
	length, err := s.rdb.LLen(ctx, standardQueue).Result()
	if err != nil {
		return -1
	}
	idx, err := s.rdb.LPos(ctx, standardQueue, jobID, redis.LPosArgs{}).Result()
	if err != nil {
		return -1
	}
	return int(length - idx)
}

// NextJob pops the best pending job and assigns it to the worker: status
// becomes processing directly. This is the legacy pull path; push clients
// use ClaimJob. Returns ErrNotFound when both queues are empty.
func (s *Store) NextJob(ctx context.Context, workerID string) (*Job, error) {
	jobID := ""
	popped, err := s.rdb.ZPopMax(ctx, priorityQueue, 1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("pop priority queue: %w", err)
	}
	if len(popped) > 0 {
		jobID = fmt.Sprint(popped[0].Member)
	} else {
		jobID, err = s.rdb.RPop(ctx, standardQueue).Result()
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("pop standard queue: %w", err)
		}
	}

	key := jobPrefix + jobID
	now := s.now()
	err = s.rdb.HSet(ctx, key, map[string]any{
		"status":     JobStatusProcessing,
		"started_at": formatTime(now),
		"worker":     workerID,
	}).Err()
	if err != nil {
		return nil, fmt.Errorf("assign job %s: %w", jobID, err)
	}

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	s.setCurrentJob(ctx, workerID, jobID)
	s.publishUpdate(ctx, UpdateEvent{JobID: jobID, Status: JobStatusProcessing, WorkerID: workerID})
	s.log.Info("job assigned", "job_id", jobID, "worker_id", workerID)
	return job, nil
}

// setCurrentJob records which job a worker holds. Best effort; the job
// hash's worker field is the authoritative link, and a worker without a
// record gets no partial hash created for it.
func (s *Store) setCurrentJob(ctx context.Context, workerID, jobID string) {
	exists, err := s.rdb.Exists(ctx, workerPrefix+workerID).Result()
	if err != nil || exists == 0 {
		return
	}
	if err := s.rdb.HSet(ctx, workerPrefix+workerID, "current_job", jobID).Err(); err != nil {
		s.log.Warn("failed to record worker's current job", "worker_id", workerID, "error", err)
	}
}

// ClaimJob atomically transitions a pending job to claimed for the given
// worker. The check-and-set runs under WATCH so concurrent claims for the
// same job serialize through Redis: exactly one wins, the rest get
// ErrClaimRejected. The losing outcome is ordinary, not an error condition.
func (s *Store) ClaimJob(ctx context.Context, jobID, workerID string, claimTimeout int) (*Job, error) {
	if claimTimeout <= 0 {
		claimTimeout = 30
	}
	key := jobPrefix + jobID

	txn := func(tx *redis.Tx) error {
		status, err := tx.HGet(ctx, key, "status").Result()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if status != JobStatusPending {
			return ErrClaimRejected
		}
		priority, _ := tx.HGet(ctx, key, "priority").Int()
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, map[string]any{
				"status":        JobStatusClaimed,
				"worker":        workerID,
				"claimed_at":    formatTime(s.now()),
				"claim_timeout": claimTimeout,
			})
			// A claimed job lives in neither queue.
			if priority > 0 {
				pipe.ZRem(ctx, priorityQueue, jobID)
			} else {
				pipe.LRem(ctx, standardQueue, 0, jobID)
			}
			return nil
		})
		return err
	}

	// One retry on WATCH contention: almost always the retry observes a
	// non-pending status and resolves to a clean rejection.
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = s.rdb.Watch(ctx, txn, key)
		if err != redis.TxFailedErr {
			break
		}
	}
	if err == redis.TxFailedErr {
		return nil, ErrClaimRejected
	}
	if err != nil {
		return nil, err
	}

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.setCurrentJob(ctx, workerID, jobID)
	s.log.Info("job claimed", "job_id", jobID, "worker_id", workerID, "claim_timeout", claimTimeout)
	return job, nil
}

// UpdateJobProgress writes a clamped progress value and optional message.
// Updates for terminal jobs are dropped silently. The echoStatus is
// advisory, carried through to the published update unmodified.
func (s *Store) UpdateJobProgress(ctx context.Context, jobID string, progress int, workerID, message, echoStatus string) error {
	key := jobPrefix + jobID
	vals, err := s.rdb.HMGet(ctx, key, "status", "worker").Result()
	if err != nil {
		return fmt.Errorf("get job %s: %w", jobID, err)
	}
	status, _ := vals[0].(string)
	if status == "" {
		return ErrNotFound
	}
	if IsTerminal(status) {
		return nil
	}
	// Progress is accepted from any reporter; an unexpected one is only
	// worth a log line.
	if assigned, _ := vals[1].(string); assigned != "" && workerID != "" && assigned != workerID {
		s.log.Debug("progress report from worker other than the assigned one",
			"job_id", jobID, "assigned", assigned, "reported_by", workerID)
	}

	if progress < 0 {
		progress = 0
	} else if progress > 100 {
		progress = 100
	}

	fields := map[string]any{"progress": progress}
	if message != "" {
		fields["message"] = message
	}
	if status == JobStatusClaimed {
		// First progress report moves a claimed job into processing.
		fields["status"] = JobStatusProcessing
		fields["started_at"] = formatTime(s.now())
	}
	if err := s.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("update job %s progress: %w", jobID, err)
	}

	if echoStatus == "" {
		echoStatus = JobStatusProcessing
	}
	s.publishUpdate(ctx, UpdateEvent{
		JobID:    jobID,
		Status:   echoStatus,
		Progress: &progress,
		Message:  message,
		WorkerID: workerID,
	})
	return nil
}

// CompleteJob marks a job completed and stores its result. Completing an
// already-terminal job is a no-op: the result is immutable and no second
// update is published.
func (s *Store) CompleteJob(ctx context.Context, jobID, workerID string, result map[string]any) error {
	key := jobPrefix + jobID
	status, err := s.rdb.HGet(ctx, key, "status").Result()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job %s: %w", jobID, err)
	}
	if IsTerminal(status) {
		return nil
	}

	fields := map[string]any{
		"status":       JobStatusCompleted,
		"completed_at": formatTime(s.now()),
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		fields["result"] = string(raw)
	}
	if err := s.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}

	s.publishUpdate(ctx, UpdateEvent{
		JobID:    jobID,
		Status:   JobStatusCompleted,
		Result:   result,
		WorkerID: workerID,
	})
	s.log.Info("job completed", "job_id", jobID, "worker_id", workerID)
	return nil
}

// FailJob marks a job failed with an error description. Idempotent for
// terminal jobs, like CompleteJob.
func (s *Store) FailJob(ctx context.Context, jobID, workerID, errMsg string) error {
	key := jobPrefix + jobID
	status, err := s.rdb.HGet(ctx, key, "status").Result()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job %s: %w", jobID, err)
	}
	if IsTerminal(status) {
		return nil
	}

	if errMsg == "" {
		errMsg = "Unknown error"
	}
	if err := s.rdb.HSet(ctx, key, map[string]any{
		"status": JobStatusFailed,
		"error":  errMsg,
	}).Err(); err != nil {
		return fmt.Errorf("fail job %s: %w", jobID, err)
	}

	s.publishUpdate(ctx, UpdateEvent{
		JobID:    jobID,
		Status:   JobStatusFailed,
		Error:    errMsg,
		WorkerID: workerID,
	})
	s.log.Info("job failed", "job_id", jobID, "worker_id", workerID, "error", errMsg)
	return nil
}

// GetJob loads a decoded job record. Pending jobs carry a queue position
// estimate.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	data, err := s.rdb.HGetAll(ctx, jobPrefix+jobID).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}
	job := jobFromHash(data)
	if job.Status == JobStatusPending {
		job.Position = s.queuePosition(ctx, jobID, job.Priority)
	} else {
		job.Position = -1
	}
	return job, nil
}

// --- Worker registry ---

// RegisterWorker creates or overwrites the worker record as idle and adds
// it to the tracking sets. Re-registering preserves identity and resets
// the heartbeat.
func (s *Store) RegisterWorker(ctx context.Context, workerID, machineID, gpuID string) error {
	now := formatTime(s.now())
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, workerPrefix+workerID, map[string]any{
		"machine_id":     machineID,
		"gpu_id":         gpuID,
		"status":         WorkerStatusIdle,
		"registered_at":  now,
		"last_heartbeat": now,
	})
	pipe.SAdd(ctx, workersAll, workerID)
	pipe.SAdd(ctx, workersIdle, workerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register worker %s: %w", workerID, err)
	}
	s.log.Info("worker registered", "worker_id", workerID, "machine_id", machineID, "gpu_id", gpuID)
	return nil
}

// Heartbeat refreshes last_heartbeat and optionally applies a status
// transition. A fresh heartbeat is the only path that brings an
// out_of_service worker back to idle.
func (s *Store) Heartbeat(ctx context.Context, workerID, status string) error {
	key := workerPrefix + workerID
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("check worker %s: %w", workerID, err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	if err := s.rdb.HSet(ctx, key, "last_heartbeat", formatTime(s.now())).Err(); err != nil {
		return fmt.Errorf("heartbeat worker %s: %w", workerID, err)
	}
	if status != "" {
		return s.setStatus(ctx, workerID, status, true)
	}
	return nil
}

// SetWorkerStatus applies a status transition, maintaining workers:idle
// membership in the same pipeline as the status write.
func (s *Store) SetWorkerStatus(ctx context.Context, workerID, status string) error {
	return s.setStatus(ctx, workerID, status, false)
}

func (s *Store) setStatus(ctx context.Context, workerID, status string, viaHeartbeat bool) error {
	key := workerPrefix + workerID
	current, err := s.rdb.HGet(ctx, key, "status").Result()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get worker %s status: %w", workerID, err)
	}

	// An out_of_service worker only comes back through a fresh heartbeat.
	if current == WorkerStatusOutOfService && status == WorkerStatusIdle && !viaHeartbeat {
		s.log.Debug("refusing idle transition for out_of_service worker", "worker_id", workerID)
		return nil
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, "status", status)
	if status == WorkerStatusIdle {
		pipe.SAdd(ctx, workersIdle, workerID)
		pipe.HDel(ctx, key, "current_job")
	} else {
		pipe.SRem(ctx, workersIdle, workerID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set worker %s status: %w", workerID, err)
	}
	if current != status {
		s.log.Debug("worker status changed", "worker_id", workerID, "from", current, "to", status)
	}
	return nil
}

// WorkerExists reports whether the worker record exists, repairing a
// split between the hash and workers:all membership.
func (s *Store) WorkerExists(ctx context.Context, workerID string) (bool, error) {
	exists, err := s.rdb.Exists(ctx, workerPrefix+workerID).Result()
	if err != nil {
		return false, fmt.Errorf("check worker %s: %w", workerID, err)
	}
	if exists == 0 {
		return false, nil
	}
	member, err := s.rdb.SIsMember(ctx, workersAll, workerID).Result()
	if err != nil {
		return true, nil
	}
	if !member {
		s.log.Warn("worker hash present but missing from workers:all, repairing", "worker_id", workerID)
		_ = s.rdb.SAdd(ctx, workersAll, workerID).Err()
	}
	return true, nil
}

// GetWorker loads a decoded worker record.
func (s *Store) GetWorker(ctx context.Context, workerID string) (*Worker, error) {
	data, err := s.rdb.HGetAll(ctx, workerPrefix+workerID).Result()
	if err != nil {
		return nil, fmt.Errorf("get worker %s: %w", workerID, err)
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}
	return workerFromHash(workerID, data), nil
}

// ListWorkers loads all registered workers via workers:all.
func (s *Store) ListWorkers(ctx context.Context) ([]*Worker, error) {
	ids, err := s.rdb.SMembers(ctx, workersAll).Result()
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	workers := make([]*Worker, 0, len(ids))
	for _, id := range ids {
		w, err := s.GetWorker(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// IdleFreshWorkers returns workers eligible for job notifications:
// members of workers:idle whose heartbeat is within freshness and whose
// status is not out_of_service.
func (s *Store) IdleFreshWorkers(ctx context.Context, freshness time.Duration) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, workersIdle).Result()
	if err != nil {
		return nil, fmt.Errorf("list idle workers: %w", err)
	}
	cutoff := s.now() - freshness.Seconds()
	eligible := make([]string, 0, len(ids))
	for _, id := range ids {
		data, err := s.rdb.HMGet(ctx, workerPrefix+id, "status", "last_heartbeat").Result()
		if err != nil {
			continue
		}
		status, _ := data[0].(string)
		hb := parseTimeField(data[1])
		if status == WorkerStatusIdle && hb >= cutoff {
			eligible = append(eligible, id)
		}
	}
	return eligible, nil
}

// --- Reclamation scans ---

// CleanupStaleClaims reverts claimed jobs whose claim_timeout elapsed
// back to pending and re-inserts them into the right queue. Idempotent.
func (s *Store) CleanupStaleClaims(ctx context.Context) (int, error) {
	now := s.now()
	count := 0
	err := s.scanJobs(ctx, func(jobID string, data map[string]string) error {
		if data["status"] != JobStatusClaimed {
			return nil
		}
		claimedAt := parseFloat(data["claimed_at"])
		timeout := parseInt(data["claim_timeout"], 30)
		if now-claimedAt <= float64(timeout) {
			return nil
		}
		if err := s.requeue(ctx, jobID, parseInt(data["priority"], 0), "claimed_at", "claim_timeout"); err != nil {
			return err
		}
		s.log.Info("reclaimed stale claim", "job_id", jobID, "worker_id", data["worker"])
		count++
		return nil
	})
	return count, err
}

// MarkStaleWorkers marks workers without a heartbeat within maxAge as
// out_of_service. Already disconnected or out_of_service workers are
// skipped. Idempotent.
func (s *Store) MarkStaleWorkers(ctx context.Context, maxAge time.Duration) (int, error) {
	workers, err := s.ListWorkers(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now()
	count := 0
	for _, w := range workers {
		if w.Status == WorkerStatusOutOfService || w.Status == WorkerStatusDisconnected {
			continue
		}
		if now-w.LastHeartbeat <= maxAge.Seconds() {
			continue
		}
		if err := s.setStatus(ctx, w.ID, WorkerStatusOutOfService, false); err != nil {
			return count, err
		}
		s.log.Warn("worker marked out_of_service", "worker_id", w.ID, "heartbeat_age_secs", now-w.LastHeartbeat)
		count++
	}
	return count, nil
}

// ReclaimAbandonedJobs is the deep sweep: for each worker whose heartbeat
// is older than maxAge, every processing job it owns reverts to pending
// (priority preserved) and the worker is marked out_of_service.
func (s *Store) ReclaimAbandonedJobs(ctx context.Context, maxAge time.Duration) (int, error) {
	workers, err := s.ListWorkers(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now()
	stale := make(map[string]bool)
	for _, w := range workers {
		if now-w.LastHeartbeat > maxAge.Seconds() {
			stale[w.ID] = true
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	count := 0
	err = s.scanJobs(ctx, func(jobID string, data map[string]string) error {
		if data["status"] != JobStatusProcessing || !stale[data["worker"]] {
			return nil
		}
		if err := s.requeue(ctx, jobID, parseInt(data["priority"], 0), "started_at", "claimed_at", "claim_timeout"); err != nil {
			return err
		}
		s.log.Info("requeued abandoned job", "job_id", jobID, "worker_id", data["worker"])
		count++
		return nil
	})
	if err != nil {
		return count, err
	}

	for _, w := range workers {
		if !stale[w.ID] || w.Status == WorkerStatusOutOfService || w.Status == WorkerStatusDisconnected {
			continue
		}
		if err := s.setStatus(ctx, w.ID, WorkerStatusOutOfService, false); err != nil {
			return count, err
		}
	}
	return count, nil
}

// requeue reverts a job to pending, clears worker-related fields plus the
// given extras, and re-inserts it into the queue matching its priority.
func (s *Store) requeue(ctx context.Context, jobID string, priority int, clearFields ...string) error {
	key := jobPrefix + jobID
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, "status", JobStatusPending)
	pipe.HDel(ctx, key, append([]string{"worker"}, clearFields...)...)
	if priority > 0 {
		pipe.ZAdd(ctx, priorityQueue, redis.Z{Score: float64(priority), Member: jobID})
	} else {
		pipe.LPush(ctx, standardQueue, jobID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeue job %s: %w", jobID, err)
	}
	s.publishUpdate(ctx, UpdateEvent{JobID: jobID, Status: JobStatusPending})
	return nil
}

// --- Stats ---

// Stats computes the aggregate counters behind stats_response frames.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		JobStatus:    make(map[string]int),
		WorkerStatus: make(map[string]int),
	}

	pdepth, err := s.rdb.ZCard(ctx, priorityQueue).Result()
	if err != nil {
		return nil, fmt.Errorf("priority queue depth: %w", err)
	}
	sdepth, err := s.rdb.LLen(ctx, standardQueue).Result()
	if err != nil {
		return nil, fmt.Errorf("standard queue depth: %w", err)
	}
	stats.PriorityDepth = int(pdepth)
	stats.StandardDepth = int(sdepth)

	err = s.scanJobs(ctx, func(jobID string, data map[string]string) error {
		stats.JobsTotal++
		if st := data["status"]; st != "" {
			stats.JobStatus[st]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	workers, err := s.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	stats.WorkersTotal = len(workers)
	for _, w := range workers {
		if w.Status != "" {
			stats.WorkerStatus[w.Status]++
		}
	}
	return stats, nil
}

// scanJobs iterates all job hashes via SCAN, calling fn with the decoded
// field map. fn errors abort the scan.
func (s *Store) scanJobs(ctx context.Context, fn func(jobID string, data map[string]string) error) error {
	iter := s.rdb.Scan(ctx, 0, jobPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := s.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("scan job %s: %w", key, err)
		}
		if len(data) == 0 {
			continue
		}
		if err := fn(key[len(jobPrefix):], data); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan jobs: %w", err)
	}
	return nil
}

// --- Pub/sub ---

// PublishJobUpdate publishes an update event on the global job_updates
// channel and the job-specific one.
func (s *Store) PublishJobUpdate(ctx context.Context, event UpdateEvent) error {
	if event.Timestamp == 0 {
		event.Timestamp = s.now()
	}
	if err := s.publish(ctx, jobUpdatesPrefix+event.JobID, event); err != nil {
		return err
	}
	return s.publish(ctx, ChannelJobUpdates, event)
}

func (s *Store) publishUpdate(ctx context.Context, event UpdateEvent) {
	if err := s.PublishJobUpdate(ctx, event); err != nil {
		s.log.Error("failed to publish job update", "job_id", event.JobID, "error", err)
	}
}

func (s *Store) publish(ctx context.Context, channel string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal pubsub payload: %w", err)
	}
	if err := s.rdb.Publish(ctx, channel, raw).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// --- Hash decoding ---

func jobFromHash(data map[string]string) *Job {
	job := &Job{
		ID:           data["id"],
		Type:         data["type"],
		Priority:     parseInt(data["priority"], 0),
		ClientID:     data["client_id"],
		Status:       data["status"],
		CreatedAt:    parseFloat(data["created_at"]),
		StartedAt:    parseFloat(data["started_at"]),
		ClaimedAt:    parseFloat(data["claimed_at"]),
		ClaimTimeout: parseInt(data["claim_timeout"], 0),
		CompletedAt:  parseFloat(data["completed_at"]),
		WorkerID:     data["worker"],
		Progress:     parseInt(data["progress"], 0),
		Message:      data["message"],
		Error:        data["error"],
	}
	if raw := data["params"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Params); err != nil {
			job.Params = map[string]any{}
		}
	}
	if raw := data["result"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Result); err != nil {
			job.Result = map[string]any{}
		}
	}
	return job
}

func workerFromHash(id string, data map[string]string) *Worker {
	return &Worker{
		ID:            id,
		MachineID:     data["machine_id"],
		GPUID:         data["gpu_id"],
		Status:        data["status"],
		RegisteredAt:  parseFloat(data["registered_at"]),
		LastHeartbeat: parseFloat(data["last_heartbeat"]),
		CurrentJob:    data["current_job"],
	}
}

// The store returns strings; coercion back to numbers is explicit.

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func parseTimeField(v any) float64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	return parseFloat(s)
}

func formatTime(t float64) string {
	return strconv.FormatFloat(t, 'f', 6, 64)
}
