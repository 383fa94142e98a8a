package ports

import (
	"context"

	"github.com/planlens/plancompare/internal/core/domain"
)

// Orchestrator is the pipeline state machine. Completion callbacks are
// invoked by workers after they persist their stage result; every callback
// is idempotent because it may be replayed under at-least-once delivery.
type Orchestrator interface {
	CreateComparisonJob(ctx context.Context, oldVersionRef, newVersionRef string) (*domain.Job, error)
	OnOCRComplete(ctx context.Context, stageID string) error
	OnDiffComplete(ctx context.Context, stageID string) error
	OnSummaryComplete(ctx context.Context, stageID string) error
	// FailJob terminally fails a job, e.g. when a stage exhausted its
	// deliveries and was dead-lettered.
	FailJob(ctx context.Context, jobID, reason string) error
	CancelJob(ctx context.Context, jobID string) error
}

// JobReader is the read model consumed by the external web layer.
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ListJobStages(ctx context.Context, jobID string) ([]domain.Stage, error)
}

// OCRHandler executes one OCR stage task.
type OCRHandler interface {
	Handle(ctx context.Context, task domain.OCRTask) error
}

// DiffHandler executes one diff stage task.
type DiffHandler interface {
	Handle(ctx context.Context, task domain.DiffTask) error
}

// SummaryHandler executes one summary stage task.
type SummaryHandler interface {
	Handle(ctx context.Context, task domain.SummaryTask) error
}

// DeadLetterHandler records the terminal failure behind a dead-lettered task
// payload.
type DeadLetterHandler interface {
	Handle(ctx context.Context, payload []byte) error
}
