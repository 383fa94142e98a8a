package align

import (
	"image"
	"math"

	"github.com/planlens/plancompare/internal/core/domain"
)

// warpInto resamples src through the inverse of t into a bitmap with the
// target bounds, so the result lives in the target page's pixel frame.
// Pixels mapping outside src become background white.
func warpInto(src *image.Gray, t domain.Transform, target image.Rectangle) (*image.Gray, bool) {
	inv, ok := invert(t)
	if !ok {
		return nil, false
	}

	out := image.NewGray(image.Rect(0, 0, target.Dx(), target.Dy()))
	for y := 0; y < target.Dy(); y++ {
		for x := 0; x < target.Dx(); x++ {
			sx, sy := inv.Apply(float64(x), float64(y))
			v := sampleBilinear(src, sx, sy, 255)
			out.Pix[y*out.Stride+x] = uint8(math.Round(v))
		}
	}
	return out, true
}

// invert computes the inverse of a similarity transform.
func invert(t domain.Transform) (domain.Transform, bool) {
	det := t.A*t.D - t.B*t.C
	if math.Abs(det) < 1e-12 {
		return domain.Transform{}, false
	}
	a := t.D / det
	b := -t.B / det
	c := -t.C / det
	d := t.A / det
	return domain.Transform{
		A: a, B: b, TX: -(a*t.TX + b*t.TY),
		C: c, D: d, TY: -(c*t.TX + d*t.TY),
	}, true
}

// sampleBilinear reads a sub-pixel value; coordinates outside the image
// return the fallback.
func sampleBilinear(img *image.Gray, x, y float64, fallback float64) float64 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	if x0 < 0 || y0 < 0 || x0 >= w-1 || y0 >= h-1 {
		if x0 < -1 || y0 < -1 || x0 > w-1 || y0 > h-1 {
			return fallback
		}
		// Edge texel: clamp instead of interpolating past the border.
		cx := min(max(x0, 0), w-1)
		cy := min(max(y0, 0), h-1)
		return float64(img.Pix[cy*img.Stride+cx])
	}

	fx := x - float64(x0)
	fy := y - float64(y0)

	p00 := float64(img.Pix[y0*img.Stride+x0])
	p10 := float64(img.Pix[y0*img.Stride+x0+1])
	p01 := float64(img.Pix[(y0+1)*img.Stride+x0])
	p11 := float64(img.Pix[(y0+1)*img.Stride+x0+1])

	top := p00*(1-fx) + p10*fx
	bottom := p01*(1-fx) + p11*fx
	return top*(1-fy) + bottom*fy
}
