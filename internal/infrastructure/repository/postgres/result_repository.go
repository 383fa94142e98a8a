package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/planlens/plancompare/internal/core/domain"
)

// ResultRepository persists the structured diff/summary rows backing the
// read model. The full payloads live in blob storage under result_ref.
type ResultRepository struct {
	db *sql.DB
}

func NewResultRepository(db *sql.DB) *ResultRepository {
	return &ResultRepository{db: db}
}

func (r *ResultRepository) SaveDiffResult(ctx context.Context, stageID string, res *domain.DiffResult, resultRef string) error {
	transforms, err := marshalPageTransforms(res)
	if err != nil {
		return fmt.Errorf("encode page transforms: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO diff_results (stage_id, job_id, alignment_score, matched_features, inlier_count, transform, region_count, result_ref, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (stage_id) DO NOTHING
`, stageID, res.JobID, res.Score, res.MatchedFeatures, res.InlierCount, transforms, len(res.Regions), resultRef, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert diff result: %w", err)
	}
	return nil
}

// marshalPageTransforms flattens the fitted per-page transforms for the
// transform column, keeping the structured read model queryable without
// fetching the blob behind result_ref.
func marshalPageTransforms(res *domain.DiffResult) ([]byte, error) {
	type pageTransform struct {
		PageIndex int              `json:"page_index"`
		Transform domain.Transform `json:"transform"`
	}
	transforms := make([]pageTransform, 0, len(res.Pages))
	for _, page := range res.Pages {
		transforms = append(transforms, pageTransform{
			PageIndex: page.PageIndex,
			Transform: page.Result.Transform,
		})
	}
	return json.Marshal(transforms)
}

func (r *ResultRepository) SaveSummary(ctx context.Context, stageID string, sum *domain.ChangeSummary, resultRef string) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO summaries (stage_id, job_id, added_count, removed_count, modified_count, summary_text, result_ref, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (stage_id) DO NOTHING
`, stageID, sum.JobID, sum.AddedCount, sum.RemovedCount, sum.ModifiedCount, sum.Text, resultRef, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	return nil
}
