// Package summarize renders a human-readable change summary from a diff
// result. It is deterministic: the same diff always yields the same text.
package summarize

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/planlens/plancompare/internal/core/domain"
)

// TopRegionLimit caps how many of the largest change regions surface in the
// summary.
const TopRegionLimit = 5

type Summarizer struct{}

func New() *Summarizer {
	return &Summarizer{}
}

func (s *Summarizer) Summarize(ctx context.Context, res *domain.DiffResult) (*domain.ChangeSummary, error) {
	if res == nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "summarize", fmt.Errorf("nil diff result"))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sum := &domain.ChangeSummary{
		JobID:     res.JobID,
		PageCount: len(res.Pages),
	}
	for _, r := range res.Regions {
		switch r.Kind {
		case domain.ChangeAdded:
			sum.AddedCount++
		case domain.ChangeRemoved:
			sum.RemovedCount++
		case domain.ChangeModified:
			sum.ModifiedCount++
		}
	}
	sum.TopRegions = topRegions(res.Regions, TopRegionLimit)
	sum.Text = renderText(res, sum)
	return sum, nil
}

// topRegions returns the limit largest regions by area, largest first. Ties
// break by page then position so the output is stable.
func topRegions(regions []domain.ChangeRegion, limit int) []domain.ChangeRegion {
	if len(regions) == 0 {
		return nil
	}
	sorted := make([]domain.ChangeRegion, len(regions))
	copy(sorted, regions)
	sort.Slice(sorted, func(i, j int) bool {
		ai := sorted[i].Width * sorted[i].Height
		aj := sorted[j].Width * sorted[j].Height
		if ai != aj {
			return ai > aj
		}
		if sorted[i].PageIndex != sorted[j].PageIndex {
			return sorted[i].PageIndex < sorted[j].PageIndex
		}
		if sorted[i].Y != sorted[j].Y {
			return sorted[i].Y < sorted[j].Y
		}
		return sorted[i].X < sorted[j].X
	})
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

func renderText(res *domain.DiffResult, sum *domain.ChangeSummary) string {
	total := sum.AddedCount + sum.RemovedCount + sum.ModifiedCount

	var b strings.Builder
	fmt.Fprintf(&b, "Compared %d page(s) with overall alignment score %.2f.\n", sum.PageCount, res.Score)
	if total == 0 {
		b.WriteString("No changes detected.")
		return b.String()
	}
	fmt.Fprintf(&b, "Detected %d change region(s): %d added, %d removed, %d modified.\n",
		total, sum.AddedCount, sum.RemovedCount, sum.ModifiedCount)

	byPage := map[int]int{}
	for _, r := range res.Regions {
		byPage[r.PageIndex]++
	}
	pages := make([]int, 0, len(byPage))
	for p := range byPage {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	parts := make([]string, 0, len(pages))
	for _, p := range pages {
		parts = append(parts, fmt.Sprintf("page %d (%d)", p+1, byPage[p]))
	}
	fmt.Fprintf(&b, "Changes by page: %s.\n", strings.Join(parts, ", "))

	b.WriteString("Largest changes:")
	for _, r := range sum.TopRegions {
		fmt.Fprintf(&b, "\n- page %d: %s region %dx%d at (%d,%d)",
			r.PageIndex+1, r.Kind, r.Width, r.Height, r.X, r.Y)
	}
	return b.String()
}
