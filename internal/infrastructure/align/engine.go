package align

import (
	"context"
	"fmt"
	"image"
	"math/rand"
	"sync"

	"github.com/planlens/plancompare/internal/core/domain"
)

// Engine aligns two rasterized pages: FAST corners with steered binary
// descriptors, ratio-test matching, a RANSAC similarity fit bounded to a
// narrow scale band, then a block diff of the warped old page against the
// new one. It holds no references to page bitmaps between calls.
type Engine struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
}

func New(cfg Config) *Engine {
	return &Engine{
		cfg: cfg.normalize(),
		rng: rand.New(rand.NewSource(1)),
	}
}

func (e *Engine) Align(ctx context.Context, old, new *domain.RasterPage) (*domain.AlignmentResult, error) {
	if old == nil || new == nil || old.Pixels == nil || new.Pixels == nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "align", fmt.Errorf("nil page"))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	oldImg := normalizeBounds(old.Pixels)
	newImg := normalizeBounds(new.Pixels)

	kpOld := detect(oldImg, e.cfg)
	descOld := describe(oldImg, kpOld)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kpNew := detect(newImg, e.cfg)
	descNew := describe(newImg, kpNew)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	matches := matchDescriptors(descOld, descNew, e.cfg.RatioTest)
	if len(matches) < e.cfg.MinMatches {
		return nil, domain.WrapError(domain.ErrInsufficientFeatures, "align",
			fmt.Errorf("%d accepted matches, need %d", len(matches), e.cfg.MinMatches))
	}

	corr := make([]correspondence, len(matches))
	for i, m := range matches {
		corr[i] = correspondence{
			from: point{x: kpOld[m.A].X, y: kpOld[m.A].Y},
			to:   point{x: kpNew[m.B].X, y: kpNew[m.B].Y},
		}
	}

	e.mu.Lock()
	fit := estimateSimilarity(corr, e.cfg, e.rng)
	e.mu.Unlock()
	if fit == nil {
		return nil, domain.WrapError(domain.ErrAlignmentBelowThreshold, "align",
			fmt.Errorf("no similarity consensus within scale band [%.2f,%.2f]", e.cfg.ScaleMin, e.cfg.ScaleMax))
	}

	score := float64(len(fit.inliers)) / float64(len(matches))
	if score < e.cfg.ScoreThreshold {
		return nil, domain.WrapError(domain.ErrAlignmentBelowThreshold, "align",
			fmt.Errorf("score %.3f below threshold %.3f", score, e.cfg.ScoreThreshold))
	}

	warped, ok := warpInto(oldImg, fit.transform, newImg.Bounds())
	if !ok {
		return nil, domain.WrapError(domain.ErrAlignmentBelowThreshold, "align",
			fmt.Errorf("degenerate transform"))
	}
	regions := changeRegions(warped, newImg, new.PageIndex, e.cfg)

	return &domain.AlignmentResult{
		Transform:       fit.transform,
		Score:           score,
		MatchedFeatures: len(matches),
		InlierCount:     len(fit.inliers),
		Regions:         regions,
	}, nil
}

// normalizeBounds rebases a bitmap to a zero origin; the pixel math in this
// package indexes Pix directly.
func normalizeBounds(img *image.Gray) *image.Gray {
	b := img.Bounds()
	if b.Min.X == 0 && b.Min.Y == 0 {
		return img
	}
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		src := img.PixOffset(b.Min.X, b.Min.Y+y)
		copy(out.Pix[y*out.Stride:y*out.Stride+b.Dx()], img.Pix[src:src+b.Dx()])
	}
	return out
}
