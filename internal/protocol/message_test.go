package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestPeek(t *testing.T) {
	msgType, err := Peek([]byte(`{"type":"submit_job","job_type":"train"}`))
	if err != nil {
		t.Fatalf("Peek failed: %v", err)
	}
	if msgType != TypeSubmitJob {
		t.Errorf("got type %q, want %q", msgType, TypeSubmitJob)
	}
}

func TestPeekMalformed(t *testing.T) {
	if _, err := Peek([]byte(`{not json`)); err == nil {
		t.Error("expected error for malformed JSON")
	}
	if _, err := Peek([]byte(`{"job_id":"j1"}`)); err == nil {
		t.Error("expected error for missing type")
	}
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	data := []byte(`{"type":"claim_job","worker_id":"m1:0","job_id":"job-1","wat":42}`)
	m, err := Decode[ClaimJob](data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if m.WorkerID != "m1:0" || m.JobID != "job-1" {
		t.Errorf("unexpected decode result: %+v", m)
	}
}

func TestDecodeMissingField(t *testing.T) {
	cases := []struct {
		name  string
		data  string
		field string
	}{
		{"submit without job_type", `{"type":"submit_job","payload":{}}`, "job_type"},
		{"submit without payload", `{"type":"submit_job","job_type":"train"}`, "payload"},
		{"claim without worker", `{"type":"claim_job","job_id":"job-1"}`, "worker_id"},
		{"heartbeat without worker", `{"type":"worker_heartbeat"}`, "worker_id"},
		{"progress without job", `{"type":"update_job_progress","machine_id":"m1","gpu_id":"0","progress":10}`, "job_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var err error
			switch {
			case strings.HasPrefix(tc.name, "submit"):
				_, err = Decode[SubmitJob]([]byte(tc.data))
			case strings.HasPrefix(tc.name, "claim"):
				_, err = Decode[ClaimJob]([]byte(tc.data))
			case strings.HasPrefix(tc.name, "heartbeat"):
				_, err = Decode[WorkerHeartbeat]([]byte(tc.data))
			default:
				_, err = Decode[UpdateJobProgress]([]byte(tc.data))
			}
			var missing *MissingFieldError
			if !errors.As(err, &missing) {
				t.Fatalf("expected MissingFieldError, got %v", err)
			}
			if missing.Field != tc.field {
				t.Errorf("got field %q, want %q", missing.Field, tc.field)
			}
		})
	}
}

func TestSubscribeStatsRequiresEnabled(t *testing.T) {
	if _, err := Decode[SubscribeStats]([]byte(`{"type":"subscribe_stats"}`)); err == nil {
		t.Error("expected error when enabled is absent")
	}
	m, err := Decode[SubscribeStats]([]byte(`{"type":"subscribe_stats","enabled":false}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if *m.Enabled {
		t.Error("enabled=false should decode as false, not missing")
	}
}

func TestEncodeStampsTypeAndTimestamp(t *testing.T) {
	raw, err := Encode(TypeNoJob, NoJob{})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("unmarshal encoded frame: %v", err)
	}
	if frame["type"] != TypeNoJob {
		t.Errorf("got type %v, want %q", frame["type"], TypeNoJob)
	}
	ts, ok := frame["timestamp"].(float64)
	if !ok || ts <= 0 {
		t.Errorf("expected positive float timestamp, got %v", frame["timestamp"])
	}
}

func TestEncodeKeepsExplicitTimestamp(t *testing.T) {
	raw, err := Encode(TypeJobUpdate, JobUpdate{JobID: "job-1", Status: "processing", Timestamp: 123.5})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("unmarshal encoded frame: %v", err)
	}
	if frame["timestamp"] != 123.5 {
		t.Errorf("explicit timestamp overwritten: got %v", frame["timestamp"])
	}
}
