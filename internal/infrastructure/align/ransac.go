package align

import (
	"math"
	"math/rand"

	"github.com/planlens/plancompare/internal/core/domain"
)

type point struct {
	x, y float64
}

type correspondence struct {
	from, to point
}

type fitResult struct {
	transform domain.Transform
	inliers   []int
}

// estimateSimilarity runs a RANSAC consensus search for the similarity
// transform mapping from-points onto to-points. Two correspondences fix the
// four degrees of freedom, so the minimal sample size is 2. Candidates whose
// scale leaves the configured band are discarded outright; drawings are
// printed at a fixed scale and a fit that rescales them is wrong even when
// its inlier count looks good. Returns nil when no candidate reaches the
// minimal consensus.
func estimateSimilarity(corr []correspondence, cfg Config, rng *rand.Rand) *fitResult {
	if len(corr) < 2 {
		return nil
	}

	thresholdSq := cfg.InlierThreshold * cfg.InlierThreshold
	maxIters := cfg.RANSACIters
	var best fitResult

	for iter := 0; iter < maxIters; iter++ {
		i := rng.Intn(len(corr))
		j := rng.Intn(len(corr))
		if i == j {
			continue
		}

		t, ok := similarityFromPair(corr[i], corr[j], cfg)
		if !ok {
			continue
		}

		inliers := collectInliers(corr, t, thresholdSq)
		if len(inliers) > len(best.inliers) {
			best = fitResult{transform: t, inliers: inliers}

			// Shrink the iteration budget once a strong consensus shows up.
			w := float64(len(inliers)) / float64(len(corr))
			if w > 0 {
				denom := math.Log(1 - w*w)
				if denom < 0 {
					needed := int(math.Ceil(math.Log(1-cfg.Confidence) / denom))
					if needed < maxIters {
						maxIters = needed
					}
				}
			}
		}
	}

	if len(best.inliers) < cfg.MinMatches {
		return nil
	}

	// Refine on the consensus set; keep the sampled fit if refinement drifts
	// out of the scale band.
	if refined, ok := refineSimilarity(corr, best.inliers, cfg); ok {
		inliers := collectInliers(corr, refined, thresholdSq)
		if len(inliers) >= len(best.inliers) {
			best = fitResult{transform: refined, inliers: inliers}
		}
	}
	return &best
}

// similarityFromPair solves rotation, scale and translation from two point
// correspondences.
func similarityFromPair(p1, p2 correspondence, cfg Config) (domain.Transform, bool) {
	dxF := p2.from.x - p1.from.x
	dyF := p2.from.y - p1.from.y
	dxT := p2.to.x - p1.to.x
	dyT := p2.to.y - p1.to.y

	lenF := math.Hypot(dxF, dyF)
	if lenF < 1e-6 {
		return domain.Transform{}, false
	}

	scale := math.Hypot(dxT, dyT) / lenF
	if scale < cfg.ScaleMin || scale > cfg.ScaleMax {
		return domain.Transform{}, false
	}

	angle := math.Atan2(dyT, dxT) - math.Atan2(dyF, dxF)
	sin, cos := math.Sincos(angle)
	a := scale * cos
	b := -scale * sin
	c := scale * sin
	d := scale * cos

	return domain.Transform{
		A: a, B: b, TX: p1.to.x - a*p1.from.x - b*p1.from.y,
		C: c, D: d, TY: p1.to.y - c*p1.from.x - d*p1.from.y,
	}, true
}

// refineSimilarity is the closed-form least-squares similarity fit over the
// inlier set.
func refineSimilarity(corr []correspondence, inliers []int, cfg Config) (domain.Transform, bool) {
	n := float64(len(inliers))
	if n < 2 {
		return domain.Transform{}, false
	}

	var mfx, mfy, mtx, mty float64
	for _, idx := range inliers {
		mfx += corr[idx].from.x
		mfy += corr[idx].from.y
		mtx += corr[idx].to.x
		mty += corr[idx].to.y
	}
	mfx /= n
	mfy /= n
	mtx /= n
	mty /= n

	var dot, cross, norm float64
	for _, idx := range inliers {
		fx := corr[idx].from.x - mfx
		fy := corr[idx].from.y - mfy
		tx := corr[idx].to.x - mtx
		ty := corr[idx].to.y - mty
		dot += fx*tx + fy*ty
		cross += fx*ty - fy*tx
		norm += fx*fx + fy*fy
	}
	if norm < 1e-9 {
		return domain.Transform{}, false
	}

	a := dot / norm
	c := cross / norm
	scale := math.Hypot(a, c)
	if scale < cfg.ScaleMin || scale > cfg.ScaleMax {
		return domain.Transform{}, false
	}

	return domain.Transform{
		A: a, B: -c, TX: mtx - a*mfx + c*mfy,
		C: c, D: a, TY: mty - c*mfx - a*mfy,
	}, true
}

func collectInliers(corr []correspondence, t domain.Transform, thresholdSq float64) []int {
	inliers := make([]int, 0, len(corr))
	for idx, c := range corr {
		px, py := t.Apply(c.from.x, c.from.y)
		dx := px - c.to.x
		dy := py - c.to.y
		if dx*dx+dy*dy <= thresholdSq {
			inliers = append(inliers, idx)
		}
	}
	return inliers
}
