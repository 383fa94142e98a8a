package summarize

import (
	"context"
	"strings"
	"testing"

	"github.com/planlens/plancompare/internal/core/domain"
)

func region(page, x, y, w, h int, kind domain.ChangeKind) domain.ChangeRegion {
	return domain.ChangeRegion{PageIndex: page, X: x, Y: y, Width: w, Height: h, Kind: kind}
}

func TestSummarizeCountsByKind(t *testing.T) {
	res := &domain.DiffResult{
		JobID: "job-1",
		Score: 0.91,
		Pages: make([]domain.PageAlignment, 3),
		Regions: []domain.ChangeRegion{
			region(0, 10, 10, 40, 40, domain.ChangeAdded),
			region(0, 100, 10, 20, 20, domain.ChangeRemoved),
			region(1, 5, 5, 30, 30, domain.ChangeModified),
			region(2, 0, 0, 15, 15, domain.ChangeModified),
		},
	}

	sum, err := New().Summarize(context.Background(), res)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if sum.JobID != "job-1" || sum.PageCount != 3 {
		t.Fatalf("unexpected summary header %+v", sum)
	}
	if sum.AddedCount != 1 || sum.RemovedCount != 1 || sum.ModifiedCount != 2 {
		t.Fatalf("counts = %d/%d/%d", sum.AddedCount, sum.RemovedCount, sum.ModifiedCount)
	}
	if !strings.Contains(sum.Text, "Detected 4 change region(s): 1 added, 1 removed, 2 modified.") {
		t.Fatalf("unexpected text:\n%s", sum.Text)
	}
	// Pages render 1-based.
	if !strings.Contains(sum.Text, "page 1 (2), page 2 (1), page 3 (1)") {
		t.Fatalf("unexpected per-page line:\n%s", sum.Text)
	}
}

func TestSummarizeNoChanges(t *testing.T) {
	res := &domain.DiffResult{JobID: "job-2", Score: 0.99, Pages: make([]domain.PageAlignment, 2)}

	sum, err := New().Summarize(context.Background(), res)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if sum.AddedCount+sum.RemovedCount+sum.ModifiedCount != 0 {
		t.Fatalf("expected zero counts, got %+v", sum)
	}
	if !strings.HasSuffix(sum.Text, "No changes detected.") {
		t.Fatalf("unexpected text:\n%s", sum.Text)
	}
	if sum.TopRegions != nil {
		t.Fatalf("expected no top regions, got %v", sum.TopRegions)
	}
}

func TestSummarizeNilDiff(t *testing.T) {
	_, err := New().Summarize(context.Background(), nil)
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestSummarizeDeterministic(t *testing.T) {
	res := &domain.DiffResult{
		JobID: "job-3",
		Score: 0.8,
		Pages: make([]domain.PageAlignment, 1),
		Regions: []domain.ChangeRegion{
			region(0, 0, 0, 10, 10, domain.ChangeAdded),
			region(0, 50, 50, 10, 10, domain.ChangeRemoved),
		},
	}

	first, err := New().Summarize(context.Background(), res)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	second, err := New().Summarize(context.Background(), res)
	if err != nil {
		t.Fatalf("summarize again: %v", err)
	}
	if first.Text != second.Text {
		t.Fatalf("summary text not deterministic:\n%s\n---\n%s", first.Text, second.Text)
	}
}

func TestTopRegionsOrderingAndLimit(t *testing.T) {
	regions := []domain.ChangeRegion{
		region(2, 0, 0, 10, 10, domain.ChangeAdded),    // area 100
		region(0, 0, 0, 50, 50, domain.ChangeModified), // area 2500, largest
		region(1, 0, 0, 30, 30, domain.ChangeRemoved),  // area 900
		region(0, 0, 20, 10, 10, domain.ChangeAdded),   // area 100, same as first: page 0 wins
		region(1, 0, 0, 20, 20, domain.ChangeAdded),    // area 400
		region(2, 0, 0, 25, 25, domain.ChangeRemoved),  // area 625
	}

	top := topRegions(regions, TopRegionLimit)
	if len(top) != TopRegionLimit {
		t.Fatalf("expected %d regions, got %d", TopRegionLimit, len(top))
	}

	areas := make([]int, len(top))
	for i, r := range top {
		areas[i] = r.Width * r.Height
	}
	for i := 1; i < len(areas); i++ {
		if areas[i] > areas[i-1] {
			t.Fatalf("regions not sorted by area desc: %v", areas)
		}
	}
	if top[0].Width != 50 {
		t.Fatalf("largest region first, got %+v", top[0])
	}
	// Equal areas order by page index.
	if top[4].PageIndex != 0 || top[4].Y != 20 {
		t.Fatalf("tie break by page failed: %+v", top[4])
	}
}
