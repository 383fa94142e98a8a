package usecase

import (
	"context"
	"fmt"

	"github.com/planlens/plancompare/internal/core/domain"
	"github.com/planlens/plancompare/internal/core/ports"
)

// recordStageFailure persists the outcome of a failed stage execution before
// the error propagates to the queue consumer. Transient failures only bump
// retry_count: the stage stays in_progress and the redelivered task re-claims
// it. Permanent failures terminally fail the stage and its job, so the
// consumer can ack and stop redelivering.
func recordStageFailure(ctx context.Context, stages ports.StageStore, orch ports.Orchestrator, jobID, stageID string, cause error) error {
	if domain.IsTransient(cause) {
		if _, err := stages.IncrementRetry(ctx, stageID); err != nil {
			return fmt.Errorf("%w; increment retry: %v", cause, err)
		}
		return cause
	}
	if _, err := stages.MarkFailed(ctx, stageID, cause.Error()); err != nil {
		return fmt.Errorf("%w; mark stage failed: %v", cause, err)
	}
	if err := orch.FailJob(ctx, jobID, cause.Error()); err != nil {
		return fmt.Errorf("%w; fail job: %v", cause, err)
	}
	return cause
}

// jobHalted reports whether the job has reached a terminal status, in which
// case an in-flight worker discards its result instead of advancing the
// pipeline.
func jobHalted(ctx context.Context, jobs ports.JobStore, jobID string) (bool, error) {
	job, err := jobs.GetByID(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("fetch job: %w", err)
	}
	return job.Status.Terminal(), nil
}
