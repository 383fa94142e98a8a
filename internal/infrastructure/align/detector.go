package align

import (
	"image"
	"image/color"
	"math"
	"sort"
)

// Keypoint is a detected corner in base-image coordinates with the
// orientation used to steer its descriptor.
type Keypoint struct {
	X, Y  float64
	Angle float64
	Score float64
}

// ring16 is the Bresenham circle of radius 3 used by the segment test.
var ring16 = [16][2]int{
	{0, -3}, {1, -3}, {2, -2}, {3, -1},
	{3, 0}, {3, 1}, {2, 2}, {1, 3},
	{0, 3}, {-1, 3}, {-2, 2}, {-3, 1},
	{-3, 0}, {-3, -1}, {-2, -2}, {-1, -3},
}

// pyramidLevels are the relative scales searched for corners. The scale band
// accepted downstream is narrow, so a shallow pyramid suffices.
var pyramidLevels = []float64{1.0, 0.8, 0.64}

// detect finds oriented corners across the pyramid, strongest first, capped
// at cfg.MaxFeatures. Coordinates are reported in base-image pixels.
func detect(img *image.Gray, cfg Config) []Keypoint {
	var points []Keypoint
	for _, scale := range pyramidLevels {
		level := img
		if scale != 1.0 {
			level = resize(img, scale)
		}
		for _, kp := range detectLevel(level, cfg) {
			kp.X /= scale
			kp.Y /= scale
			points = append(points, kp)
		}
	}

	sort.Slice(points, func(i, j int) bool { return points[i].Score > points[j].Score })
	if len(points) > cfg.MaxFeatures {
		points = points[:cfg.MaxFeatures]
	}
	return points
}

// detectLevel runs the FAST-9 segment test with 3x3 non-maximum suppression
// on one pyramid level.
func detectLevel(img *image.Gray, cfg Config) []Keypoint {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	const margin = 16 // room for the descriptor patch
	if w <= 2*margin || h <= 2*margin {
		return nil
	}

	scores := make([]float64, w*h)
	threshold := cfg.FASTThreshold

	for y := margin; y < h-margin; y++ {
		for x := margin; x < w-margin; x++ {
			score := segmentTest(img, x, y, threshold)
			if score > 0 {
				scores[y*w+x] = score
			}
		}
	}

	var points []Keypoint
	for y := margin; y < h-margin; y++ {
		for x := margin; x < w-margin; x++ {
			s := scores[y*w+x]
			if s == 0 {
				continue
			}
			if !isLocalMax(scores, w, x, y, s) {
				continue
			}
			points = append(points, Keypoint{
				X:     float64(x),
				Y:     float64(y),
				Angle: orientation(img, x, y),
				Score: s,
			})
		}
	}
	return points
}

// segmentTest returns a positive corner score when at least 9 contiguous
// ring pixels are all brighter or all darker than the center by the
// threshold, and 0 otherwise.
func segmentTest(img *image.Gray, x, y, threshold int) float64 {
	center := int(img.GrayAt(x, y).Y)
	bright := center + threshold
	dark := center - threshold

	var ring [16]int
	for i, off := range ring16 {
		ring[i] = int(img.GrayAt(x+off[0], y+off[1]).Y)
	}

	if run(ring[:], func(v int) bool { return v > bright }) >= 9 {
		return arcScore(ring[:], center)
	}
	if run(ring[:], func(v int) bool { return v < dark }) >= 9 {
		return arcScore(ring[:], center)
	}
	return 0
}

// run returns the longest circular run of ring pixels satisfying pred.
func run(ring []int, pred func(int) bool) int {
	longest, current := 0, 0
	// Walk two laps to catch runs wrapping the seam.
	for i := 0; i < 2*len(ring); i++ {
		if pred(ring[i%len(ring)]) {
			current++
			if current > longest {
				longest = current
			}
			if longest >= len(ring) {
				break
			}
		} else {
			current = 0
		}
	}
	if longest > len(ring) {
		longest = len(ring)
	}
	return longest
}

func arcScore(ring []int, center int) float64 {
	var sum float64
	for _, v := range ring {
		sum += math.Abs(float64(v - center))
	}
	return sum
}

func isLocalMax(scores []float64, w, x, y int, s float64) bool {
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			n := scores[(y+dy)*w+(x+dx)]
			if n > s {
				return false
			}
			// Break ties toward the raster-order-first pixel.
			if n == s && (dy < 0 || (dy == 0 && dx < 0)) {
				return false
			}
		}
	}
	return true
}

// orientation is the intensity-centroid angle over a radius-7 patch,
// measured on inverted intensity so that drawn (dark) strokes carry the
// mass.
func orientation(img *image.Gray, x, y int) float64 {
	const radius = 7
	var m10, m01 float64
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy > radius*radius {
				continue
			}
			v := 255 - float64(img.GrayAt(x+dx, y+dy).Y)
			m10 += float64(dx) * v
			m01 += float64(dy) * v
		}
	}
	return math.Atan2(m01, m10)
}

// resize produces a bilinear downscale of img by the given factor.
func resize(img *image.Gray, factor float64) *image.Gray {
	bounds := img.Bounds()
	w := int(float64(bounds.Dx()) * factor)
	h := int(float64(bounds.Dy()) * factor)
	if w < 1 || h < 1 {
		return img
	}
	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := sampleBilinear(img, float64(x)/factor, float64(y)/factor, 255)
			out.SetGray(x, y, color.Gray{Y: uint8(math.Round(v))})
		}
	}
	return out
}
