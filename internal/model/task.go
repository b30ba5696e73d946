package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Task is a unit of long-running work enqueued by the backend and leased out
// to a polling client through the dispatch protocol.
type Task struct {
	ExecutionID string          `json:"execution_id"`
	WorkspaceID string          `json:"workspace_id"`
	Capability  string          `json:"capability"` // canonical identity, pack.action
	Payload     json.RawMessage `json:"payload,omitempty"`

	Status             Status  `json:"status"`
	LeaseID            *string `json:"lease_id,omitempty"`
	LeaseOwner         *string `json:"lease_owner,omitempty"` // client_id holding the lease
	LeaseExpiresAt     *string `json:"lease_expires_at,omitempty"`
	LeaseEpoch         int     `json:"lease_epoch"`
	CumulativeLeaseSec int     `json:"cumulative_lease_sec"`
	Attempts           int     `json:"attempts"`

	ProgressPct     *int    `json:"progress_pct,omitempty"`
	ProgressMessage *string `json:"progress_message,omitempty"`

	Result *TaskResult `json:"result,omitempty"`

	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// TaskResult is the recorded terminal outcome of a task. Once set it is
// immutable; replayed submissions return it verbatim.
type TaskResult struct {
	Status      ResultStatus    `json:"status"`
	Output      string          `json:"output"`
	ResultJSON  json.RawMessage `json:"result_json,omitempty"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	ClientID    string          `json:"client_id"`
	RecordedAt  string          `json:"recorded_at"`
}

type Attachment struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

const (
	EncodingUTF8   = "utf-8"
	EncodingBase64 = "base64"

	// MaxOutputBytes bounds the human-readable result summary.
	MaxOutputBytes = 16 * 1024
)

func ValidateAttachment(a Attachment) error {
	if a.Filename == "" {
		return fmt.Errorf("attachment filename is required")
	}
	if a.Encoding != EncodingUTF8 && a.Encoding != EncodingBase64 {
		return fmt.Errorf("attachment %s: invalid encoding %q", a.Filename, a.Encoding)
	}
	return nil
}

// LeaseExpired reports whether the task's lease is missing, malformed, or in
// the past. Every read path must call this before trusting Status.
func (t *Task) LeaseExpired(now time.Time) bool {
	if t.LeaseExpiresAt == nil {
		return true
	}
	expires, err := time.Parse(time.RFC3339, *t.LeaseExpiresAt)
	if err != nil {
		return true
	}
	return now.UTC().After(expires)
}

// HeldBy reports whether the given lease is the task's current, still-valid
// lease for the given client.
func (t *Task) HeldBy(leaseID, clientID string, now time.Time) bool {
	if t.LeaseID == nil || *t.LeaseID != leaseID {
		return false
	}
	if t.LeaseOwner == nil || *t.LeaseOwner != clientID {
		return false
	}
	return !t.LeaseExpired(now)
}
