package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/planlens/plancompare/internal/core/domain"
)

// StageRepository persists stages. The (job_id, kind, subject_ref) unique
// constraint plus conditional status updates are what make the pipeline safe
// under at-least-once delivery: duplicate deliveries and racing callbacks
// collapse into no-ops at the database.
type StageRepository struct {
	db *sql.DB
}

func NewStageRepository(db *sql.DB) *StageRepository {
	return &StageRepository{db: db}
}

const stageColumns = `id, job_id, kind, subject_ref, status, retry_count, COALESCE(result_ref, ''), COALESCE(error_message, ''), created_at, started_at, completed_at`

func (r *StageRepository) CreateMany(ctx context.Context, stages []domain.Stage) error {
	for i := range stages {
		if err := r.insert(ctx, &stages[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *StageRepository) CreateIfAbsent(ctx context.Context, stage domain.Stage) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
INSERT INTO stages (id, job_id, kind, subject_ref, status, retry_count, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (job_id, kind, subject_ref) DO NOTHING
`, stage.ID, stage.JobID, string(stage.Kind), stage.SubjectRef, string(stage.Status), stage.RetryCount, stage.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert stage if absent: %w", err)
	}
	return oneRowAffected(result)
}

// CreateDiffStageWhenOCRComplete inserts the diff stage only when both OCR
// stages of the job are completed, in one statement. Two workers finishing
// their OCR stages within milliseconds of each other both run this; the
// SELECT guard plus the uniqueness constraint let exactly one insert win.
func (r *StageRepository) CreateDiffStageWhenOCRComplete(ctx context.Context, stage domain.Stage) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
INSERT INTO stages (id, job_id, kind, subject_ref, status, retry_count, created_at)
SELECT $1, $2, $3, $4, $5, 0, $6
WHERE (
	SELECT count(*) FROM stages
	WHERE job_id = $2 AND kind = $7 AND status = $8
) = 2
ON CONFLICT (job_id, kind, subject_ref) DO NOTHING
`, stage.ID, stage.JobID, string(domain.StageKindDiff), stage.SubjectRef, string(domain.StageStatusPending),
		stage.CreatedAt, string(domain.StageKindOCR), string(domain.StageStatusCompleted))
	if err != nil {
		return false, fmt.Errorf("insert diff stage: %w", err)
	}
	return oneRowAffected(result)
}

func (r *StageRepository) insert(ctx context.Context, stage *domain.Stage) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO stages (id, job_id, kind, subject_ref, status, retry_count, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`, stage.ID, stage.JobID, string(stage.Kind), stage.SubjectRef, string(stage.Status), stage.RetryCount, stage.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert stage: %w", err)
	}
	return nil
}

func (r *StageRepository) GetByID(ctx context.Context, id string) (*domain.Stage, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+stageColumns+`
FROM stages
WHERE id = $1
`, id)

	stage, err := scanStage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrStageNotFound, "get stage", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan stage: %w", err)
	}
	return stage, nil
}

func (r *StageRepository) ListByJob(ctx context.Context, jobID string) ([]domain.Stage, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+stageColumns+`
FROM stages
WHERE job_id = $1
ORDER BY created_at
`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Stage, 0)
	for rows.Next() {
		stage, err := scanStage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		out = append(out, *stage)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stages: %w", err)
	}
	return out, nil
}

func (r *StageRepository) Claim(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
UPDATE stages
SET status = $2, started_at = COALESCE(started_at, $3)
WHERE id = $1 AND status IN ($4, $5)
`, id, string(domain.StageStatusInProgress), time.Now().UTC(),
		string(domain.StageStatusPending), string(domain.StageStatusInProgress))
	if err != nil {
		return false, fmt.Errorf("claim stage: %w", err)
	}
	return oneRowAffected(result)
}

func (r *StageRepository) MarkCompleted(ctx context.Context, id, resultRef string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
UPDATE stages
SET status = $2, result_ref = $3, completed_at = $4
WHERE id = $1 AND status = $5
`, id, string(domain.StageStatusCompleted), resultRef, time.Now().UTC(), string(domain.StageStatusInProgress))
	if err != nil {
		return false, fmt.Errorf("mark stage completed: %w", err)
	}
	return oneRowAffected(result)
}

func (r *StageRepository) MarkFailed(ctx context.Context, id, errMessage string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
UPDATE stages
SET status = $2, error_message = $3, completed_at = $4
WHERE id = $1 AND status IN ($5, $6)
`, id, string(domain.StageStatusFailed), errMessage, time.Now().UTC(),
		string(domain.StageStatusPending), string(domain.StageStatusInProgress))
	if err != nil {
		return false, fmt.Errorf("mark stage failed: %w", err)
	}
	return oneRowAffected(result)
}

func (r *StageRepository) IncrementRetry(ctx context.Context, id string) (int, error) {
	row := r.db.QueryRowContext(ctx, `
UPDATE stages
SET retry_count = retry_count + 1
WHERE id = $1
RETURNING retry_count
`, id)

	var count int
	if err := row.Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.WrapError(domain.ErrStageNotFound, "increment retry", fmt.Errorf("id=%s", id))
		}
		return 0, fmt.Errorf("increment retry: %w", err)
	}
	return count, nil
}

type stageScanner interface {
	Scan(dest ...interface{}) error
}

func scanStage(row stageScanner) (*domain.Stage, error) {
	var stage domain.Stage
	var kind, status string
	err := row.Scan(
		&stage.ID,
		&stage.JobID,
		&kind,
		&stage.SubjectRef,
		&status,
		&stage.RetryCount,
		&stage.ResultRef,
		&stage.ErrorMessage,
		&stage.CreatedAt,
		&stage.StartedAt,
		&stage.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	stage.Kind = domain.StageKind(kind)
	stage.Status = domain.StageStatus(status)
	return &stage, nil
}
