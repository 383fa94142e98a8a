package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/planlens/plancompare/internal/core/domain"
	"github.com/planlens/plancompare/internal/core/ports"
)

// Topics maps stage kinds onto queue topics.
type Topics struct {
	Prefix string
}

func (t Topics) For(kind domain.StageKind) string {
	return t.Prefix + "." + string(kind)
}

// Orchestrator drives the job state machine. All completion callbacks are
// idempotent: they are invoked by workers under at-least-once delivery, so a
// replayed callback must converge on the same pipeline state. The
// synchronization point between the two racing OCR callbacks is the store's
// conditional diff-stage insert, never in-process locking.
type Orchestrator struct {
	jobs   ports.JobStore
	stages ports.StageStore
	queue  ports.MessageQueue
	topics Topics
	now    func() time.Time
}

func NewOrchestrator(
	jobs ports.JobStore,
	stages ports.StageStore,
	queue ports.MessageQueue,
	topics Topics,
) *Orchestrator {
	return &Orchestrator{
		jobs:   jobs,
		stages: stages,
		queue:  queue,
		topics: topics,
		now:    time.Now,
	}
}

func (o *Orchestrator) CreateComparisonJob(ctx context.Context, oldVersionRef, newVersionRef string) (*domain.Job, error) {
	if oldVersionRef == "" || newVersionRef == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "create comparison job", errors.New("empty version ref"))
	}
	if oldVersionRef == newVersionRef {
		return nil, domain.WrapError(domain.ErrInvalidInput, "create comparison job", errors.New("old and new version refs are identical"))
	}

	now := o.now()
	job := &domain.Job{
		ID:            uuid.NewString(),
		OldVersionRef: oldVersionRef,
		NewVersionRef: newVersionRef,
		Status:        domain.JobStatusCreated,
		CreatedAt:     now,
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	ocrStages := []domain.Stage{
		o.newStage(job.ID, domain.StageKindOCR, oldVersionRef, now),
		o.newStage(job.ID, domain.StageKindOCR, newVersionRef, now),
	}
	if err := o.stages.CreateMany(ctx, ocrStages); err != nil {
		return nil, fmt.Errorf("create ocr stages: %w", err)
	}

	for _, st := range ocrStages {
		task := domain.OCRTask{
			JobID:       job.ID,
			StageID:     st.ID,
			DocumentRef: st.SubjectRef,
			PageIndex:   0,
		}
		if err := o.publish(ctx, domain.StageKindOCR, task); err != nil {
			return nil, fmt.Errorf("publish ocr task: %w", err)
		}
	}

	if _, err := o.jobs.MarkStarted(ctx, job.ID); err != nil {
		return nil, fmt.Errorf("mark job started: %w", err)
	}
	job.Status = domain.JobStatusInProgress
	return job, nil
}

// OnOCRComplete attempts the OCR->Diff transition. The diff-stage insert is a
// single conditional statement guarded by "both OCR stages completed" plus the
// stage uniqueness constraint, so of two racing callbacks exactly one inserts.
// The task is (re)published whenever the diff stage is still pending, which
// also heals a lost publish from an earlier crashed callback.
func (o *Orchestrator) OnOCRComplete(ctx context.Context, stageID string) error {
	st, err := o.stages.GetByID(ctx, stageID)
	if err != nil {
		return fmt.Errorf("fetch ocr stage: %w", err)
	}
	job, err := o.jobs.GetByID(ctx, st.JobID)
	if err != nil {
		return fmt.Errorf("fetch job: %w", err)
	}
	if job.Status.Terminal() {
		return nil
	}

	diff := o.newStage(job.ID, domain.StageKindDiff, job.ID, o.now())
	if _, err := o.stages.CreateDiffStageWhenOCRComplete(ctx, diff); err != nil {
		return fmt.Errorf("create diff stage: %w", err)
	}

	all, err := o.stages.ListByJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("list job stages: %w", err)
	}
	diffStage := findStage(all, domain.StageKindDiff)
	if diffStage == nil || diffStage.Status != domain.StageStatusPending {
		return nil
	}

	oldRef, newRef := ocrResultRefs(all, job)
	if oldRef == "" || newRef == "" {
		return nil
	}
	task := domain.DiffTask{
		JobID:           job.ID,
		StageID:         diffStage.ID,
		OldOCRResultRef: oldRef,
		NewOCRResultRef: newRef,
	}
	if err := o.publish(ctx, domain.StageKindDiff, task); err != nil {
		return fmt.Errorf("publish diff task: %w", err)
	}
	return nil
}

func (o *Orchestrator) OnDiffComplete(ctx context.Context, stageID string) error {
	st, err := o.stages.GetByID(ctx, stageID)
	if err != nil {
		return fmt.Errorf("fetch diff stage: %w", err)
	}
	job, err := o.jobs.GetByID(ctx, st.JobID)
	if err != nil {
		return fmt.Errorf("fetch job: %w", err)
	}
	if job.Status.Terminal() {
		return nil
	}

	summary := o.newStage(job.ID, domain.StageKindSummary, job.ID, o.now())
	if _, err := o.stages.CreateIfAbsent(ctx, summary); err != nil {
		return fmt.Errorf("create summary stage: %w", err)
	}

	all, err := o.stages.ListByJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("list job stages: %w", err)
	}
	sumStage := findStage(all, domain.StageKindSummary)
	if sumStage == nil || sumStage.Status != domain.StageStatusPending {
		return nil
	}

	task := domain.SummaryTask{
		JobID:         job.ID,
		StageID:       sumStage.ID,
		DiffResultRef: st.ResultRef,
	}
	if err := o.publish(ctx, domain.StageKindSummary, task); err != nil {
		return fmt.Errorf("publish summary task: %w", err)
	}
	return nil
}

func (o *Orchestrator) OnSummaryComplete(ctx context.Context, stageID string) error {
	st, err := o.stages.GetByID(ctx, stageID)
	if err != nil {
		return fmt.Errorf("fetch summary stage: %w", err)
	}
	// Duplicate callbacks and a job cancelled underneath both surface here as
	// a failed compare-and-set, which is a no-op.
	if _, err := o.jobs.MarkCompleted(ctx, st.JobID); err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	return nil
}

func (o *Orchestrator) FailJob(ctx context.Context, jobID, reason string) error {
	if _, err := o.jobs.MarkFailed(ctx, jobID, reason); err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	return nil
}

func (o *Orchestrator) CancelJob(ctx context.Context, jobID string) error {
	ok, err := o.jobs.MarkCancelled(ctx, jobID)
	if err != nil {
		return fmt.Errorf("mark job cancelled: %w", err)
	}
	if ok {
		return nil
	}
	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("fetch job: %w", err)
	}
	if job.Status == domain.JobStatusCancelled {
		return nil
	}
	return domain.WrapError(domain.ErrStageConflict, "cancel job",
		fmt.Errorf("job is %s", job.Status))
}

func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return o.jobs.GetByID(ctx, jobID)
}

func (o *Orchestrator) ListJobStages(ctx context.Context, jobID string) ([]domain.Stage, error) {
	return o.stages.ListByJob(ctx, jobID)
}

func (o *Orchestrator) newStage(jobID string, kind domain.StageKind, subjectRef string, now time.Time) domain.Stage {
	return domain.Stage{
		ID:         uuid.NewString(),
		JobID:      jobID,
		Kind:       kind,
		SubjectRef: subjectRef,
		Status:     domain.StageStatusPending,
		CreatedAt:  now,
	}
}

func (o *Orchestrator) publish(ctx context.Context, kind domain.StageKind, task any) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	return o.queue.Publish(ctx, o.topics.For(kind), payload)
}

func findStage(stages []domain.Stage, kind domain.StageKind) *domain.Stage {
	for i := range stages {
		if stages[i].Kind == kind {
			return &stages[i]
		}
	}
	return nil
}

// ocrResultRefs maps the two completed OCR stages back to the job's old/new
// version by subject ref.
func ocrResultRefs(stages []domain.Stage, job *domain.Job) (oldRef, newRef string) {
	for _, st := range stages {
		if st.Kind != domain.StageKindOCR || st.Status != domain.StageStatusCompleted {
			continue
		}
		switch st.SubjectRef {
		case job.OldVersionRef:
			oldRef = st.ResultRef
		case job.NewVersionRef:
			newRef = st.ResultRef
		}
	}
	return oldRef, newRef
}
