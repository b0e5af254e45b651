package models

import (
	"encoding/json"
	"strings"
	"time"
)

type JobStatus string

const (
	JobQueued      JobStatus = "queued"
	JobUploading   JobStatus = "uploading"
	JobCompressing JobStatus = "compressing"
	JobAnalyzing   JobStatus = "analyzing"
	JobGenerating  JobStatus = "generating"
	JobComplete    JobStatus = "complete"
	JobFailed      JobStatus = "failed"
)

var jobPhase = map[JobStatus]int{
	JobQueued:      0,
	JobUploading:   1,
	JobCompressing: 2,
	JobAnalyzing:   3,
	JobGenerating:  4,
	JobComplete:    5,
	JobFailed:      5,
}

// Phase returns the position of s in the pipeline, or -1 for an unknown status.
func (s JobStatus) Phase() int {
	if p, ok := jobPhase[s]; ok {
		return p
	}
	return -1
}

func (s JobStatus) Terminal() bool {
	return s == JobComplete || s == JobFailed
}

func (s JobStatus) Valid() bool { return s.Phase() >= 0 }

// Job is the server's record of one submitted analysis. OwnerID never changes.
// Fingerprint is the submitting device, which keeps access to the job after
// signing in mid-flight.
type Job struct {
	ID          string          `json:"job_id"`
	EngineJobID string          `json:"-"`
	OwnerID     string          `json:"-"`
	Fingerprint string          `json:"-"`
	Status      JobStatus       `json:"status"`
	Progress    int             `json:"progress"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	// Reason is set when a finished result was withheld by the final commit.
	Reason    ReasonCode `json:"reason,omitempty"`
	Revoked   bool       `json:"revoked,omitempty"`
	Finalized bool       `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Owner rebuilds the actor the job was submitted by.
func (j Job) Owner() Actor {
	if id, ok := strings.CutPrefix(j.OwnerID, "acct:"); ok {
		return AccountActor(id, "").WithFingerprint(j.Fingerprint)
	}
	return Anonymous(strings.TrimPrefix(j.OwnerID, "anon:"))
}

// AnalysisRecord is the persisted report attached to an account.
type AnalysisRecord struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	JobID     string          `json:"job_id"`
	Result    json.RawMessage `json:"result"`
	CreatedAt time.Time       `json:"created_at"`
}

// PendingResult is the one anonymous result waiting for a sign-in decision.
type PendingResult struct {
	JobID       string          `json:"job_id"`
	Fingerprint string          `json:"fingerprint"`
	Result      json.RawMessage `json:"result"`
	CapturedAt  time.Time       `json:"captured_at"`
}
