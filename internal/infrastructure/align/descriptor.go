package align

import (
	"image"
	"math"
	"math/rand"
)

// DescriptorSize is the descriptor length in bytes (256 bits).
const DescriptorSize = 32

type Descriptor [DescriptorSize]byte

const patchRadius = 15

// briefPairs holds the 256 sampling offset pairs of the descriptor. They are
// drawn once from a fixed seed so every process computes identical
// descriptors.
var briefPairs = makeBriefPairs()

func makeBriefPairs() [256][4]float64 {
	rng := rand.New(rand.NewSource(0x5f3759df))
	var pairs [256][4]float64
	for i := range pairs {
		pairs[i] = [4]float64{
			clampOffset(rng.NormFloat64() * patchRadius / 2.5),
			clampOffset(rng.NormFloat64() * patchRadius / 2.5),
			clampOffset(rng.NormFloat64() * patchRadius / 2.5),
			clampOffset(rng.NormFloat64() * patchRadius / 2.5),
		}
	}
	return pairs
}

func clampOffset(v float64) float64 {
	if v > patchRadius {
		return patchRadius
	}
	if v < -patchRadius {
		return -patchRadius
	}
	return v
}

// describe computes steered binary descriptors for the keypoints: each bit
// compares two smoothed samples whose offsets are rotated by the keypoint
// orientation, which is what buys rotation invariance.
func describe(img *image.Gray, points []Keypoint) []Descriptor {
	smoothed := boxBlur(img)
	out := make([]Descriptor, len(points))
	for i, kp := range points {
		sin, cos := math.Sincos(kp.Angle)
		var d Descriptor
		for bit, pair := range briefPairs {
			ax := kp.X + pair[0]*cos - pair[1]*sin
			ay := kp.Y + pair[0]*sin + pair[1]*cos
			bx := kp.X + pair[2]*cos - pair[3]*sin
			by := kp.Y + pair[2]*sin + pair[3]*cos
			if sampleBilinear(smoothed, ax, ay, 255) < sampleBilinear(smoothed, bx, by, 255) {
				d[bit/8] |= 1 << uint(bit%8)
			}
		}
		out[i] = d
	}
	return out
}

// boxBlur is a 5x5 mean filter over an integral image; BRIEF comparisons on
// raw pixels are too noise-sensitive to be repeatable.
func boxBlur(img *image.Gray) *image.Gray {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	// integral[y][x] holds the sum over the rectangle [0,x) x [0,y).
	integral := make([]uint64, (w+1)*(h+1))
	stride := w + 1
	for y := 0; y < h; y++ {
		var rowSum uint64
		for x := 0; x < w; x++ {
			rowSum += uint64(img.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y)
			integral[(y+1)*stride+(x+1)] = integral[y*stride+(x+1)] + rowSum
		}
	}

	out := image.NewGray(image.Rect(0, 0, w, h))
	const r = 2
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			x0, y0 := max(0, x-r), max(0, y-r)
			x1, y1 := min(w, x+r+1), min(h, y+r+1)
			area := uint64((x1 - x0) * (y1 - y0))
			sum := integral[y1*stride+x1] - integral[y0*stride+x1] - integral[y1*stride+x0] + integral[y0*stride+x0]
			out.Pix[y*out.Stride+x] = uint8(sum / area)
		}
	}
	return out
}
