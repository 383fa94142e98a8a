package align

// Config tunes the alignment pipeline. Zero values fall back to the
// defaults below.
type Config struct {
	// MaxFeatures caps the keypoints kept per page, strongest first.
	MaxFeatures int
	// FASTThreshold is the minimum center/ring intensity delta for a corner.
	FASTThreshold int
	// RatioTest is Lowe's nearest/second-nearest acceptance ratio.
	RatioTest float64
	// MinMatches is the minimum accepted matches below which alignment fails
	// with insufficient features.
	MinMatches int
	// RANSACIters bounds the consensus search.
	RANSACIters int
	// Confidence is the early-exit confidence target for the consensus
	// search.
	Confidence float64
	// InlierThreshold is the reprojection distance in pixels under which a
	// match counts as an inlier.
	InlierThreshold float64
	// ScaleMin/ScaleMax bound the fitted scale. Architectural drawings must
	// not be rescaled, so the band is narrow around 1.0.
	ScaleMin float64
	ScaleMax float64
	// ScoreThreshold is the minimum inliers/matches ratio for a usable
	// alignment.
	ScoreThreshold float64
	// BlockSize is the cell edge in pixels for change-region detection.
	BlockSize int
	// InkThreshold binarizes pixels: values below it count as drawn ink.
	InkThreshold uint8
	// MinInkPixels is the per-block ink floor under which a block is
	// considered empty.
	MinInkPixels int
}

func DefaultConfig() Config {
	return Config{
		MaxFeatures:     1000,
		FASTThreshold:   20,
		RatioTest:       0.7,
		MinMatches:      4,
		RANSACIters:     2000,
		Confidence:      0.99,
		InlierThreshold: 5.0,
		ScaleMin:        0.9,
		ScaleMax:        1.1,
		ScoreThreshold:  0.5,
		BlockSize:       16,
		InkThreshold:    128,
		MinInkPixels:    8,
	}
}

func (c Config) normalize() Config {
	out := c
	def := DefaultConfig()

	if out.MaxFeatures <= 0 {
		out.MaxFeatures = def.MaxFeatures
	}
	if out.FASTThreshold <= 0 {
		out.FASTThreshold = def.FASTThreshold
	}
	if out.RatioTest <= 0 || out.RatioTest >= 1 {
		out.RatioTest = def.RatioTest
	}
	if out.MinMatches < 2 {
		out.MinMatches = def.MinMatches
	}
	if out.RANSACIters <= 0 {
		out.RANSACIters = def.RANSACIters
	}
	if out.Confidence <= 0 || out.Confidence >= 1 {
		out.Confidence = def.Confidence
	}
	if out.InlierThreshold <= 0 {
		out.InlierThreshold = def.InlierThreshold
	}
	if out.ScaleMin <= 0 {
		out.ScaleMin = def.ScaleMin
	}
	if out.ScaleMax <= out.ScaleMin {
		out.ScaleMax = def.ScaleMax
	}
	if out.ScoreThreshold <= 0 {
		out.ScoreThreshold = def.ScoreThreshold
	}
	if out.BlockSize <= 0 {
		out.BlockSize = def.BlockSize
	}
	if out.InkThreshold == 0 {
		out.InkThreshold = def.InkThreshold
	}
	if out.MinInkPixels <= 0 {
		out.MinInkPixels = def.MinInkPixels
	}
	return out
}
