package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/planlens/plancompare/internal/core/ports"
)

// DeadLetterWorker consumes dead-letter topics. A message lands there only
// after exhausting its delivery budget, so the referenced stage is terminally
// failed along with its job. Every stage task payload carries job_id and
// stage_id, which is all this needs. A payload with no readable ids is
// absorbed: there is nothing to fail, and bouncing it would pin the topic.
type DeadLetterWorker struct {
	stages ports.StageStore
	orch   ports.Orchestrator
}

func NewDeadLetterWorker(stages ports.StageStore, orch ports.Orchestrator) *DeadLetterWorker {
	return &DeadLetterWorker{stages: stages, orch: orch}
}

func (w *DeadLetterWorker) Handle(ctx context.Context, payload []byte) error {
	var ref struct {
		JobID   string `json:"job_id"`
		StageID string `json:"stage_id"`
	}
	if err := json.Unmarshal(payload, &ref); err != nil {
		slog.Error("discarding undecodable dead-lettered payload", "error", err)
		return nil
	}
	if ref.StageID == "" || ref.JobID == "" {
		slog.Error("discarding dead-lettered payload with missing ids")
		return nil
	}

	const reason = "delivery attempts exhausted"
	if _, err := w.stages.MarkFailed(ctx, ref.StageID, reason); err != nil {
		return fmt.Errorf("mark stage failed: %w", err)
	}
	if err := w.orch.FailJob(ctx, ref.JobID, reason); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}
