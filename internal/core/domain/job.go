package domain

import "time"

type JobStatus string

const (
	JobStatusCreated    JobStatus = "created"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further status transitions are allowed.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Job is one old/new drawing-version comparison request. Its status moves
// forward only; cancellation is allowed from created/in_progress.
type Job struct {
	ID            string     `json:"id"`
	OldVersionRef string     `json:"old_version_ref"`
	NewVersionRef string     `json:"new_version_ref"`
	Status        JobStatus  `json:"status"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}
