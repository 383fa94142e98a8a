package align

import (
	"image"

	"github.com/planlens/plancompare/internal/core/domain"
)

// blockStats summarizes drawn ink inside one grid cell of a binarized page
// pair.
type blockStats struct {
	inkOld  int
	inkNew  int
	inkBoth int
}

// changeRegions compares the warped old page against the new page on a
// block grid and merges changed blocks into classified bounding boxes.
// Classification per block:
//   - ink only in new  -> added
//   - ink only in old  -> removed
//   - ink in both with low overlap -> modified
func changeRegions(warpedOld, newPage *image.Gray, pageIndex int, cfg Config) []domain.ChangeRegion {
	bounds := newPage.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	bs := cfg.BlockSize
	cols := (w + bs - 1) / bs
	rows := (h + bs - 1) / bs

	kinds := make([]domain.ChangeKind, cols*rows)
	changed := make([]bool, cols*rows)

	for by := 0; by < rows; by++ {
		for bx := 0; bx < cols; bx++ {
			stats := collectBlock(warpedOld, newPage, bx*bs, by*bs, bs, w, h, cfg.InkThreshold)
			kind, isChanged := classifyBlock(stats, cfg.MinInkPixels)
			if isChanged {
				idx := by*cols + bx
				kinds[idx] = kind
				changed[idx] = true
			}
		}
	}

	return mergeBlocks(changed, kinds, cols, rows, bs, w, h, pageIndex)
}

func collectBlock(oldPage, newPage *image.Gray, x0, y0, bs, w, h int, inkThreshold uint8) blockStats {
	var stats blockStats
	x1 := min(x0+bs, w)
	y1 := min(y0+bs, h)
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			inkOld := oldPage.Pix[y*oldPage.Stride+x] < inkThreshold
			inkNew := newPage.Pix[y*newPage.Stride+x] < inkThreshold
			if inkOld {
				stats.inkOld++
			}
			if inkNew {
				stats.inkNew++
			}
			if inkOld && inkNew {
				stats.inkBoth++
			}
		}
	}
	return stats
}

func classifyBlock(stats blockStats, minInk int) (domain.ChangeKind, bool) {
	hasOld := stats.inkOld >= minInk
	hasNew := stats.inkNew >= minInk

	switch {
	case !hasOld && !hasNew:
		return "", false
	case !hasOld && hasNew:
		return domain.ChangeAdded, true
	case hasOld && !hasNew:
		return domain.ChangeRemoved, true
	}

	// Both blocks carry ink: changed when the strokes barely overlap.
	union := stats.inkOld + stats.inkNew - stats.inkBoth
	if union == 0 {
		return "", false
	}
	if float64(stats.inkBoth)/float64(union) < 0.5 {
		return domain.ChangeModified, true
	}
	return "", false
}

// mergeBlocks groups 4-connected changed blocks into bounding boxes. The
// region kind is the majority kind of its blocks, modified winning ties.
func mergeBlocks(changed []bool, kinds []domain.ChangeKind, cols, rows, bs, w, h, pageIndex int) []domain.ChangeRegion {
	visited := make([]bool, len(changed))
	var regions []domain.ChangeRegion

	for start := range changed {
		if !changed[start] || visited[start] {
			continue
		}

		minX, minY := cols, rows
		maxX, maxY := -1, -1
		counts := map[domain.ChangeKind]int{}

		stack := []int{start}
		visited[start] = true
		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			bx, by := idx%cols, idx/cols
			minX = min(minX, bx)
			minY = min(minY, by)
			maxX = max(maxX, bx)
			maxY = max(maxY, by)
			counts[kinds[idx]]++

			for _, n := range neighbors(idx, cols, rows) {
				if changed[n] && !visited[n] {
					visited[n] = true
					stack = append(stack, n)
				}
			}
		}

		regions = append(regions, domain.ChangeRegion{
			PageIndex: pageIndex,
			X:         minX * bs,
			Y:         minY * bs,
			Width:     min((maxX+1)*bs, w) - minX*bs,
			Height:    min((maxY+1)*bs, h) - minY*bs,
			Kind:      majorityKind(counts),
		})
	}
	return regions
}

func neighbors(idx, cols, rows int) []int {
	bx, by := idx%cols, idx/cols
	out := make([]int, 0, 4)
	if bx > 0 {
		out = append(out, idx-1)
	}
	if bx < cols-1 {
		out = append(out, idx+1)
	}
	if by > 0 {
		out = append(out, idx-cols)
	}
	if by < rows-1 {
		out = append(out, idx+cols)
	}
	return out
}

func majorityKind(counts map[domain.ChangeKind]int) domain.ChangeKind {
	kind := domain.ChangeModified
	best := -1
	for _, k := range []domain.ChangeKind{domain.ChangeModified, domain.ChangeAdded, domain.ChangeRemoved} {
		if counts[k] > best {
			kind = k
			best = counts[k]
		}
	}
	return kind
}
