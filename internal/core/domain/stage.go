package domain

import "time"

type StageKind string

const (
	StageKindOCR     StageKind = "ocr"
	StageKindDiff    StageKind = "diff"
	StageKindSummary StageKind = "summary"
)

// StageKinds lists every kind in pipeline order. Dispatch sites range over
// this slice so a new kind cannot be forgotten silently.
func StageKinds() []StageKind {
	return []StageKind{StageKindOCR, StageKindDiff, StageKindSummary}
}

func (k StageKind) Valid() bool {
	switch k {
	case StageKindOCR, StageKindDiff, StageKindSummary:
		return true
	}
	return false
}

type StageStatus string

const (
	StageStatusPending    StageStatus = "pending"
	StageStatusInProgress StageStatus = "in_progress"
	StageStatusCompleted  StageStatus = "completed"
	StageStatusFailed     StageStatus = "failed"
	StageStatusSkipped    StageStatus = "skipped"
)

func (s StageStatus) Terminal() bool {
	switch s {
	case StageStatusCompleted, StageStatusFailed, StageStatusSkipped:
		return true
	}
	return false
}

// Stage is one unit of pipeline work within a Job. The triple
// (JobID, Kind, SubjectRef) is unique: at most one stage of a kind exists per
// subject, which is what makes duplicate queue deliveries collapse into
// no-ops.
type Stage struct {
	ID           string      `json:"id"`
	JobID        string      `json:"job_id"`
	Kind         StageKind   `json:"kind"`
	SubjectRef   string      `json:"subject_ref"`
	Status       StageStatus `json:"status"`
	RetryCount   int         `json:"retry_count"`
	ResultRef    string      `json:"result_ref,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
}
