package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/planlens/plancompare/internal/core/domain"
)

// JobRepository persists jobs. Every status change is a single-row
// conditional UPDATE keyed by id and current status, so a job can never be
// moved backwards by a racing worker callback.
type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Create(ctx context.Context, job *domain.Job) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO jobs (id, old_version_ref, new_version_ref, status, error_message, created_at, started_at, completed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`, job.ID, job.OldVersionRef, job.NewVersionRef, string(job.Status), job.ErrorMessage, job.CreatedAt, job.StartedAt, job.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, old_version_ref, new_version_ref, status, COALESCE(error_message, ''), created_at, started_at, completed_at
FROM jobs
WHERE id = $1
`, id)

	var job domain.Job
	var status string
	err := row.Scan(
		&job.ID, &job.OldVersionRef, &job.NewVersionRef, &status,
		&job.ErrorMessage, &job.CreatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrJobNotFound, "get job", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.Status = domain.JobStatus(status)
	return &job, nil
}

func (r *JobRepository) MarkStarted(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET status = $2, started_at = $3
WHERE id = $1 AND status = $4
`, id, string(domain.JobStatusInProgress), time.Now().UTC(), string(domain.JobStatusCreated))
	if err != nil {
		return false, fmt.Errorf("mark job started: %w", err)
	}
	return oneRowAffected(result)
}

func (r *JobRepository) MarkCompleted(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET status = $2, completed_at = $3
WHERE id = $1 AND status = $4
`, id, string(domain.JobStatusCompleted), time.Now().UTC(), string(domain.JobStatusInProgress))
	if err != nil {
		return false, fmt.Errorf("mark job completed: %w", err)
	}
	return oneRowAffected(result)
}

func (r *JobRepository) MarkFailed(ctx context.Context, id, errMessage string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET status = $2, error_message = $3, completed_at = $4
WHERE id = $1 AND status IN ($5, $6)
`, id, string(domain.JobStatusFailed), errMessage, time.Now().UTC(),
		string(domain.JobStatusCreated), string(domain.JobStatusInProgress))
	if err != nil {
		return false, fmt.Errorf("mark job failed: %w", err)
	}
	return oneRowAffected(result)
}

func (r *JobRepository) MarkCancelled(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET status = $2, completed_at = $3
WHERE id = $1 AND status IN ($4, $5)
`, id, string(domain.JobStatusCancelled), time.Now().UTC(),
		string(domain.JobStatusCreated), string(domain.JobStatusInProgress))
	if err != nil {
		return false, fmt.Errorf("mark job cancelled: %w", err)
	}
	return oneRowAffected(result)
}

func oneRowAffected(result sql.Result) (bool, error) {
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return rows > 0, nil
}
