// Package protocol defines the JSON WebSocket frames spoken on the client
// and worker endpoints. Frames are flat objects with a "type" discriminator
// and an optional float "timestamp" (seconds since epoch). Unknown fields
// are ignored; unknown types and missing required fields are protocol
// errors answered with an error frame.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types for client → hub communication
const (
	TypeSubmitJob      = "submit_job"
	TypeGetJobStatus   = "get_job_status"
	TypeSubscribeJob   = "subscribe_job"
	TypeSubscribeStats = "subscribe_stats"
	TypeGetStats       = "get_stats"
)

// Message types for worker → hub communication
const (
	TypeRegisterWorker            = "register_worker"
	TypeWorkerHeartbeat           = "worker_heartbeat"
	TypeSubscribeJobNotifications = "subscribe_job_notifications"
	TypeGetNextJob                = "get_next_job" // legacy pull path
	TypeClaimJob                  = "claim_job"
	TypeUpdateJobProgress         = "update_job_progress"
	TypeCompleteJob               = "complete_job"
	TypeFailJob                   = "fail_job"
)

// Message types for hub → client communication
const (
	TypeJobAccepted   = "job_accepted"
	TypeJobStatus     = "job_status"
	TypeJobUpdate     = "job_update"
	TypeJobCompleted  = "job_completed"
	TypeStatsResponse = "stats_response"
)

// Message types for hub → worker communication
const (
	TypeWorkerRegistered = "worker_registered"
	TypeJobAvailable     = "job_available"
	TypeJobAssigned      = "job_assigned"
	TypeNoJob            = "no_job"
	TypeJobClaimed       = "job_claimed"
)

// Message types flowing in both directions
const (
	TypeConnectionEstablished = "connection_established"
	TypeError                 = "error"
)

// Now returns the protocol timestamp for the current instant.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// Peek extracts the type discriminator without decoding the full frame.
func Peek(data []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", fmt.Errorf("unmarshal frame: %w", err)
	}
	if head.Type == "" {
		return "", fmt.Errorf("frame has no type")
	}
	return head.Type, nil
}

// Decode unmarshals a frame into the given message type and validates it.
func Decode[T Validator](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("unmarshal frame: %w", err)
	}
	if err := v.Validate(); err != nil {
		return v, err
	}
	return v, nil
}

// Encode marshals an outbound frame, stamping type and timestamp when the
// message did not set them itself.
func Encode(msgType string, msg any) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("frame is not an object: %w", err)
	}
	if t, ok := fields["type"]; !ok || string(t) == `""` {
		fields["type"], _ = json.Marshal(msgType)
	}
	if _, ok := fields["timestamp"]; !ok {
		fields["timestamp"], _ = json.Marshal(Now())
	}
	return json.Marshal(fields)
}

// Validator is implemented by inbound messages to check required fields.
type Validator interface {
	Validate() error
}

// MissingFieldError reports a required field absent from an inbound frame.
type MissingFieldError struct {
	Type  string
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s: missing required field %q", e.Type, e.Field)
}

// --- Client → Hub messages ---

// SubmitJob enqueues a new job.
type SubmitJob struct {
	Type      string         `json:"type"`
	Timestamp float64        `json:"timestamp,omitempty"`
	JobType   string         `json:"job_type"`
	Priority  int            `json:"priority"`
	Payload   map[string]any `json:"payload"`
}

func (m SubmitJob) Validate() error {
	if m.JobType == "" {
		return &MissingFieldError{TypeSubmitJob, "job_type"}
	}
	if m.Payload == nil {
		return &MissingFieldError{TypeSubmitJob, "payload"}
	}
	return nil
}

// GetJobStatus requests a one-shot job snapshot and subscribes the caller.
type GetJobStatus struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp,omitempty"`
	JobID     string  `json:"job_id"`
}

func (m GetJobStatus) Validate() error {
	if m.JobID == "" {
		return &MissingFieldError{TypeGetJobStatus, "job_id"}
	}
	return nil
}

// SubscribeJob routes future updates for a job to the caller.
type SubscribeJob struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp,omitempty"`
	JobID     string  `json:"job_id"`
}

func (m SubscribeJob) Validate() error {
	if m.JobID == "" {
		return &MissingFieldError{TypeSubscribeJob, "job_id"}
	}
	return nil
}

// SubscribeStats toggles the caller's stats subscription.
type SubscribeStats struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp,omitempty"`
	Enabled   *bool   `json:"enabled"`
}

func (m SubscribeStats) Validate() error {
	if m.Enabled == nil {
		return &MissingFieldError{TypeSubscribeStats, "enabled"}
	}
	return nil
}

// GetStats requests a one-shot stats snapshot.
type GetStats struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

func (m GetStats) Validate() error { return nil }

// --- Worker → Hub messages ---

// RegisterWorker creates or refreshes the worker record.
type RegisterWorker struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp,omitempty"`
	MachineID string  `json:"machine_id"`
	GPUID     string  `json:"gpu_id"`
}

func (m RegisterWorker) Validate() error {
	if m.MachineID == "" {
		return &MissingFieldError{TypeRegisterWorker, "machine_id"}
	}
	if m.GPUID == "" {
		return &MissingFieldError{TypeRegisterWorker, "gpu_id"}
	}
	return nil
}

// WorkerHeartbeat refreshes worker liveness and optionally its status.
type WorkerHeartbeat struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp,omitempty"`
	WorkerID  string  `json:"worker_id"`
	Status    string  `json:"status,omitempty"`
	Load      float64 `json:"load,omitempty"`
}

func (m WorkerHeartbeat) Validate() error {
	if m.WorkerID == "" {
		return &MissingFieldError{TypeWorkerHeartbeat, "worker_id"}
	}
	return nil
}

// SubscribeJobNotifications toggles job_available delivery for a worker.
type SubscribeJobNotifications struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp,omitempty"`
	WorkerID  string  `json:"worker_id"`
	Enabled   *bool   `json:"enabled"`
}

func (m SubscribeJobNotifications) Validate() error {
	if m.WorkerID == "" {
		return &MissingFieldError{TypeSubscribeJobNotifications, "worker_id"}
	}
	if m.Enabled == nil {
		return &MissingFieldError{TypeSubscribeJobNotifications, "enabled"}
	}
	return nil
}

// GetNextJob is the legacy pull path: dequeue and assign in one step.
type GetNextJob struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp,omitempty"`
	MachineID string  `json:"machine_id"`
	GPUID     string  `json:"gpu_id"`
}

func (m GetNextJob) Validate() error {
	if m.MachineID == "" {
		return &MissingFieldError{TypeGetNextJob, "machine_id"}
	}
	if m.GPUID == "" {
		return &MissingFieldError{TypeGetNextJob, "gpu_id"}
	}
	return nil
}

// ClaimJob atomically reserves a pending job for the worker.
type ClaimJob struct {
	Type         string  `json:"type"`
	Timestamp    float64 `json:"timestamp,omitempty"`
	WorkerID     string  `json:"worker_id"`
	JobID        string  `json:"job_id"`
	ClaimTimeout int     `json:"claim_timeout,omitempty"`
}

func (m ClaimJob) Validate() error {
	if m.WorkerID == "" {
		return &MissingFieldError{TypeClaimJob, "worker_id"}
	}
	if m.JobID == "" {
		return &MissingFieldError{TypeClaimJob, "job_id"}
	}
	return nil
}

// UpdateJobProgress reports execution progress. The status field is
// advisory: ignored on write, echoed on fan-out.
type UpdateJobProgress struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp,omitempty"`
	JobID     string  `json:"job_id"`
	MachineID string  `json:"machine_id"`
	GPUID     string  `json:"gpu_id"`
	Progress  int     `json:"progress"`
	Status    string  `json:"status,omitempty"`
	Message   string  `json:"message,omitempty"`
}

func (m UpdateJobProgress) Validate() error {
	if m.JobID == "" {
		return &MissingFieldError{TypeUpdateJobProgress, "job_id"}
	}
	if m.MachineID == "" {
		return &MissingFieldError{TypeUpdateJobProgress, "machine_id"}
	}
	if m.GPUID == "" {
		return &MissingFieldError{TypeUpdateJobProgress, "gpu_id"}
	}
	return nil
}

// CompleteJob reports terminal success with an optional result.
type CompleteJob struct {
	Type      string         `json:"type"`
	Timestamp float64        `json:"timestamp,omitempty"`
	JobID     string         `json:"job_id"`
	MachineID string         `json:"machine_id"`
	GPUID     string         `json:"gpu_id"`
	Result    map[string]any `json:"result,omitempty"`
}

func (m CompleteJob) Validate() error {
	if m.JobID == "" {
		return &MissingFieldError{TypeCompleteJob, "job_id"}
	}
	if m.MachineID == "" {
		return &MissingFieldError{TypeCompleteJob, "machine_id"}
	}
	if m.GPUID == "" {
		return &MissingFieldError{TypeCompleteJob, "gpu_id"}
	}
	return nil
}

// FailJob reports terminal failure with an optional error description.
type FailJob struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp,omitempty"`
	JobID     string  `json:"job_id"`
	MachineID string  `json:"machine_id"`
	GPUID     string  `json:"gpu_id"`
	Error     string  `json:"error,omitempty"`
}

func (m FailJob) Validate() error {
	if m.JobID == "" {
		return &MissingFieldError{TypeFailJob, "job_id"}
	}
	if m.MachineID == "" {
		return &MissingFieldError{TypeFailJob, "machine_id"}
	}
	if m.GPUID == "" {
		return &MissingFieldError{TypeFailJob, "gpu_id"}
	}
	return nil
}

// --- Hub → Client messages ---

// ConnectionEstablished is the welcome frame on both endpoints.
type ConnectionEstablished struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp,omitempty"`
	Status    string  `json:"status"`
	ClientID  string  `json:"client_id,omitempty"`
	WorkerID  string  `json:"worker_id,omitempty"`
	Message   string  `json:"message,omitempty"`
}

// JobAccepted acknowledges a submission.
type JobAccepted struct {
	Type            string  `json:"type"`
	Timestamp       float64 `json:"timestamp,omitempty"`
	JobID           string  `json:"job_id"`
	Status          string  `json:"status"`
	Position        int     `json:"position"`
	NotifiedWorkers int     `json:"notified_workers"`
}

// JobStatus is the one-shot snapshot answer to get_job_status.
type JobStatus struct {
	Type        string         `json:"type"`
	Timestamp   float64        `json:"timestamp,omitempty"`
	JobID       string         `json:"job_id"`
	Status      string         `json:"status"`
	Progress    *int           `json:"progress,omitempty"`
	Position    *int           `json:"position,omitempty"`
	WorkerID    string         `json:"worker_id,omitempty"`
	StartedAt   *float64       `json:"started_at,omitempty"`
	CompletedAt *float64       `json:"completed_at,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Message     string         `json:"message,omitempty"`
}

// JobUpdate streams a state change to the subscribed client. Failed jobs
// arrive as a job_update with status "failed" and the error set; completed
// jobs use the dedicated job_completed frame instead.
type JobUpdate struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp,omitempty"`
	JobID     string  `json:"job_id"`
	Status    string  `json:"status"`
	Progress  *int    `json:"progress,omitempty"`
	Position  *int    `json:"position,omitempty"`
	WorkerID  string  `json:"worker_id,omitempty"`
	Message   string  `json:"message,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// JobCompleted streams terminal success to the subscribed client.
type JobCompleted struct {
	Type      string         `json:"type"`
	Timestamp float64        `json:"timestamp,omitempty"`
	JobID     string         `json:"job_id"`
	Status    string         `json:"status"`
	Result    map[string]any `json:"result,omitempty"`
}

// StatsCounts is one histogram group in a stats_response.
type StatsCounts struct {
	Total  int            `json:"total"`
	Status map[string]int `json:"status"`
}

// QueueDepths reports pending counts per queue.
type QueueDepths struct {
	Priority int `json:"priority"`
	Standard int `json:"standard"`
	Total    int `json:"total"`
}

// StatsResponse carries the aggregate counters.
type StatsResponse struct {
	Type      string      `json:"type"`
	Timestamp float64     `json:"timestamp,omitempty"`
	Queues    QueueDepths `json:"queues"`
	Jobs      StatsCounts `json:"jobs"`
	Workers   StatsCounts `json:"workers"`
}

// Error is sent for protocol and state errors; the connection stays open.
type Error struct {
	Type      string         `json:"type"`
	Timestamp float64        `json:"timestamp,omitempty"`
	Error     string         `json:"error"`
	Details   map[string]any `json:"details,omitempty"`
}

// --- Hub → Worker messages ---

// WorkerRegistered acknowledges registration.
type WorkerRegistered struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp,omitempty"`
	WorkerID  string  `json:"worker_id"`
	Status    string  `json:"status"`
}

// JobAvailable announces a new pending job to idle workers.
type JobAvailable struct {
	Type          string         `json:"type"`
	Timestamp     float64        `json:"timestamp,omitempty"`
	JobID         string         `json:"job_id"`
	JobType       string         `json:"job_type"`
	Priority      int            `json:"priority,omitempty"`
	ParamsSummary map[string]any `json:"params_summary,omitempty"`
}

// JobAssigned answers the legacy pull path with a dequeued job.
type JobAssigned struct {
	Type      string         `json:"type"`
	Timestamp float64        `json:"timestamp,omitempty"`
	JobID     string         `json:"job_id"`
	JobType   string         `json:"job_type"`
	Priority  int            `json:"priority"`
	Params    map[string]any `json:"params"`
}

// NoJob answers the legacy pull path when both queues are empty.
type NoJob struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

// JobClaimed answers claim_job. Rejection is the ordinary outcome of
// losing a race, carried as success=false rather than an error frame.
type JobClaimed struct {
	Type      string         `json:"type"`
	Timestamp float64        `json:"timestamp,omitempty"`
	JobID     string         `json:"job_id"`
	WorkerID  string         `json:"worker_id"`
	Success   bool           `json:"success"`
	JobData   map[string]any `json:"job_data,omitempty"`
	Message   string         `json:"message,omitempty"`
}
