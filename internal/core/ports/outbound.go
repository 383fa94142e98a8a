package ports

import (
	"context"
	"time"

	"github.com/planlens/plancompare/internal/core/domain"
)

// JobStore persists job state. Every mutation is a single-row conditional
// update so concurrent worker callbacks cannot move a job backwards.
type JobStore interface {
	Create(ctx context.Context, job *domain.Job) error
	GetByID(ctx context.Context, id string) (*domain.Job, error)
	// MarkStarted moves created -> in_progress. Returns false when the job
	// was not in created.
	MarkStarted(ctx context.Context, id string) (bool, error)
	// MarkCompleted moves in_progress -> completed and sets completed_at.
	MarkCompleted(ctx context.Context, id string) (bool, error)
	// MarkFailed moves created/in_progress -> failed with an error message.
	MarkFailed(ctx context.Context, id, errMessage string) (bool, error)
	// MarkCancelled moves created/in_progress -> cancelled.
	MarkCancelled(ctx context.Context, id string) (bool, error)
}

// StageStore persists stage state. Status transitions are compare-and-set on
// the current status; the (job_id, kind, subject_ref) uniqueness constraint
// makes stage creation idempotent under duplicate delivery.
type StageStore interface {
	CreateMany(ctx context.Context, stages []domain.Stage) error
	GetByID(ctx context.Context, id string) (*domain.Stage, error)
	ListByJob(ctx context.Context, jobID string) ([]domain.Stage, error)
	// Claim moves pending/in_progress -> in_progress and stamps started_at
	// once. Returns false when the stage is already terminal.
	Claim(ctx context.Context, id string) (bool, error)
	// MarkCompleted moves in_progress -> completed with the result ref.
	MarkCompleted(ctx context.Context, id, resultRef string) (bool, error)
	// MarkFailed moves pending/in_progress -> failed with an error message.
	MarkFailed(ctx context.Context, id, errMessage string) (bool, error)
	IncrementRetry(ctx context.Context, id string) (int, error)
	// CreateIfAbsent inserts the stage unless one with the same
	// (job_id, kind, subject_ref) already exists. Returns whether a row was
	// inserted.
	CreateIfAbsent(ctx context.Context, stage domain.Stage) (bool, error)
	// CreateDiffStageWhenOCRComplete inserts the diff stage in one atomic
	// statement guarded by "both OCR stages of this job are completed" and by
	// the uniqueness constraint. Exactly one of two racing OCR completion
	// callbacks observes created=true.
	CreateDiffStageWhenOCRComplete(ctx context.Context, stage domain.Stage) (bool, error)
}

// ResultStore persists the structured diff/summary rows that back the read
// model; the full payloads live in blob storage.
type ResultStore interface {
	SaveDiffResult(ctx context.Context, stageID string, res *domain.DiffResult, resultRef string) error
	SaveSummary(ctx context.Context, stageID string, sum *domain.ChangeSummary, resultRef string) error
}

// Outcome is a consumer's verdict on one delivery.
type Outcome int

const (
	// Ack removes the message from the topic.
	Ack Outcome = iota
	// Nack schedules redelivery; after the configured maximum delivery count
	// the queue routes the message to the topic's dead-letter topic instead.
	Nack
)

// Message is one queue delivery. Attempt starts at 1 and grows with each
// redelivery. PublishedAt is the broker's enqueue time when the broker
// exposes it, zero otherwise.
type Message struct {
	Payload     []byte
	Attempt     int
	PublishedAt time.Time
}

type MessageHandler func(ctx context.Context, msg Message) Outcome

// MessageQueue is an at-least-once topic/subscription abstraction. A
// delivery whose handler does not return within the visibility timeout is
// treated as crashed and redelivered.
type MessageQueue interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe blocks until ctx is cancelled, invoking handler for each
	// delivery on the topic's shared work subscription.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error
}

// ObjectStorage is the byte-level blob collaborator: opaque refs in, bytes
// out.
type ObjectStorage interface {
	PutBlob(ctx context.Context, data []byte) (string, error)
	GetBlob(ctx context.Context, ref string) ([]byte, error)
}

// PageRasterizer converts one page of a stored document into a
// bounded-memory bitmap. Implementations materialize at most one page bitmap
// per call and fail with domain.ErrResourceExhausted when the process memory
// ceiling is reached.
type PageRasterizer interface {
	PageCount(ctx context.Context, documentRef string) (int, error)
	Rasterize(ctx context.Context, documentRef string, pageIndex int, dpi float64) (*domain.RasterPage, error)
}

// Aligner estimates the similarity transform between two rasterized pages
// and derives change regions.
type Aligner interface {
	Align(ctx context.Context, old, new *domain.RasterPage) (*domain.AlignmentResult, error)
}

// TextExtractor pulls the embedded text layer of a stored document,
// one entry per page.
type TextExtractor interface {
	ExtractPages(ctx context.Context, documentRef string) ([]string, error)
}

// Summarizer turns a diff result into a change summary.
type Summarizer interface {
	Summarize(ctx context.Context, res *domain.DiffResult) (*domain.ChangeSummary, error)
}
