package postgres

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/planlens/plancompare/internal/core/domain"
)

func newResultRepo(t *testing.T) (*ResultRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewResultRepository(db), mock
}

func TestResultRepositorySaveDiffResult(t *testing.T) {
	repo, mock := newResultRepo(t)

	res := &domain.DiffResult{
		JobID:           "job-1",
		Score:           0.87,
		MatchedFeatures: 210,
		InlierCount:     190,
		Pages: []domain.PageAlignment{
			{PageIndex: 0, Result: domain.AlignmentResult{Transform: domain.Transform{A: 1, D: 1, TX: 6, TY: -4}}},
		},
		Regions: make([]domain.ChangeRegion, 4),
	}

	transforms := []byte(`[{"page_index":0,"transform":{"a":1,"b":0,"tx":6,"c":0,"d":1,"ty":-4}}]`)

	mock.ExpectExec(`INSERT INTO diff_results`).
		WithArgs("st-1", "job-1", 0.87, 210, 190, transforms, 4, "ref-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.SaveDiffResult(context.Background(), "st-1", res, "ref-1"); err != nil {
		t.Fatalf("save diff result: %v", err)
	}

	// Redelivered stage completion: the conflict clause absorbs the replay.
	mock.ExpectExec(`INSERT INTO diff_results`).
		WithArgs("st-1", "job-1", 0.87, 210, 190, transforms, 4, "ref-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.SaveDiffResult(context.Background(), "st-1", res, "ref-1"); err != nil {
		t.Fatalf("replayed save must not error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestResultRepositorySaveSummary(t *testing.T) {
	repo, mock := newResultRepo(t)

	sum := &domain.ChangeSummary{
		JobID:         "job-1",
		AddedCount:    2,
		RemovedCount:  1,
		ModifiedCount: 5,
		Text:          "Compared 3 page(s).",
	}

	mock.ExpectExec(`INSERT INTO summaries`).
		WithArgs("st-2", "job-1", 2, 1, 5, "Compared 3 page(s).", "ref-2", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.SaveSummary(context.Background(), "st-2", sum, "ref-2"); err != nil {
		t.Fatalf("save summary: %v", err)
	}
}
