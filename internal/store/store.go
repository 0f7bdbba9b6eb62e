// Package store is the Redis layer owning all durable hub state: job
// records, the two pending queues, the worker registry, aggregate stats
// and the pub/sub channels used for fan-out.
package store

import "errors"

// Sentinel errors returned by store operations.
var (
	ErrNotFound      = errors.New("not found")
	ErrClaimRejected = errors.New("claim rejected")
)

// Job statuses.
const (
	JobStatusPending    = "pending"
	JobStatusClaimed    = "claimed"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// Worker statuses.
const (
	WorkerStatusIdle         = "idle"
	WorkerStatusBusy         = "busy"
	WorkerStatusActive       = "active" // legacy pull-path alias for busy
	WorkerStatusDisconnected = "disconnected"
	WorkerStatusOutOfService = "out_of_service"
)

// IsTerminal reports whether a job status has no outgoing edges.
func IsTerminal(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed
}

// Job is a unit of work submitted by a client and executed by one worker.
// Timestamps are float seconds since epoch, matching the wire protocol.
type Job struct {
	ID           string
	Type         string
	Priority     int
	Params       map[string]any
	ClientID     string
	Status       string
	CreatedAt    float64
	StartedAt    float64
	ClaimedAt    float64
	ClaimTimeout int
	CompletedAt  float64
	WorkerID     string
	Progress     int
	Message      string
	Result       map[string]any
	Error        string

	// Position is the 1-based queue position estimate for pending jobs,
	// -1 when indeterminate. Not stored.
	Position int
}

// Worker is a registered executor, conventionally identified "machine:gpu".
type Worker struct {
	ID            string
	MachineID     string
	GPUID         string
	Status        string
	RegisteredAt  float64
	LastHeartbeat float64
	CurrentJob    string
}

// Stats are the aggregate counters behind stats_response frames.
type Stats struct {
	PriorityDepth int
	StandardDepth int
	JobsTotal     int
	JobStatus     map[string]int
	WorkersTotal  int
	WorkerStatus  map[string]int
}

// UpdateEvent is the payload published on the job_updates channels for
// every status/progress/completion/failure transition.
type UpdateEvent struct {
	JobID     string         `json:"job_id"`
	Status    string         `json:"status"`
	Timestamp float64        `json:"timestamp"`
	Progress  *int           `json:"progress,omitempty"`
	Message   string         `json:"message,omitempty"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Notification is the payload published on job_notifications on enqueue.
type Notification struct {
	Type     string         `json:"type"`
	JobID    string         `json:"job_id"`
	JobType  string         `json:"job_type"`
	Priority int            `json:"priority"`
	Params   map[string]any `json:"params,omitempty"`
}
