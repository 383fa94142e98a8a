package usecase

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/planlens/plancompare/internal/core/domain"
	"github.com/planlens/plancompare/internal/core/ports"
)

// SummaryWorker executes the final stage: it loads the persisted diff result
// and renders the change summary that completes the job.
type SummaryWorker struct {
	jobs       ports.JobStore
	stages     ports.StageStore
	results    ports.ResultStore
	summarizer ports.Summarizer
	blobs      ports.ObjectStorage
	orch       ports.Orchestrator
}

func NewSummaryWorker(
	jobs ports.JobStore,
	stages ports.StageStore,
	results ports.ResultStore,
	summarizer ports.Summarizer,
	blobs ports.ObjectStorage,
	orch ports.Orchestrator,
) *SummaryWorker {
	return &SummaryWorker{
		jobs:       jobs,
		stages:     stages,
		results:    results,
		summarizer: summarizer,
		blobs:      blobs,
		orch:       orch,
	}
}

func (w *SummaryWorker) Handle(ctx context.Context, task domain.SummaryTask) error {
	claimed, err := w.stages.Claim(ctx, task.StageID)
	if err != nil {
		return fmt.Errorf("claim summary stage: %w", err)
	}
	if !claimed {
		return nil
	}

	sum, err := w.run(ctx, task)
	if err != nil {
		return recordStageFailure(ctx, w.stages, w.orch, task.JobID, task.StageID, err)
	}

	halted, err := jobHalted(ctx, w.jobs, task.JobID)
	if err != nil || halted {
		return err
	}

	payload, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	ref, err := w.blobs.PutBlob(ctx, payload)
	if err != nil {
		return recordStageFailure(ctx, w.stages, w.orch, task.JobID, task.StageID,
			domain.WrapError(domain.ErrTemporary, "store summary", err))
	}
	if err := w.results.SaveSummary(ctx, task.StageID, sum, ref); err != nil {
		return recordStageFailure(ctx, w.stages, w.orch, task.JobID, task.StageID,
			domain.WrapError(domain.ErrTemporary, "save summary", err))
	}

	ok, err := w.stages.MarkCompleted(ctx, task.StageID, ref)
	if err != nil {
		return fmt.Errorf("complete summary stage: %w", err)
	}
	if !ok {
		return nil
	}
	return w.orch.OnSummaryComplete(ctx, task.StageID)
}

func (w *SummaryWorker) run(ctx context.Context, task domain.SummaryTask) (*domain.ChangeSummary, error) {
	data, err := w.blobs.GetBlob(ctx, task.DiffResultRef)
	if err != nil {
		return nil, fmt.Errorf("load diff result %s: %w", task.DiffResultRef, err)
	}
	var res domain.DiffResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "decode diff result", err)
	}
	sum, err := w.summarizer.Summarize(ctx, &res)
	if err != nil {
		return nil, fmt.Errorf("summarize diff: %w", err)
	}
	return sum, nil
}
