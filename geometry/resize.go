package geometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ToFrame maps a score tensor produced at stride resolution back onto the
// frame described by plan. The tensor is first brought to the inner
// resolution with an aspect-preserving pad, then the letterbox border is
// cropped away and the remainder resized to the frame size.
func ToFrame(scores *mat.Dense, plan Plan) (*mat.Dense, error) {
	rows, cols := scores.Dims()
	if rows == 0 || cols == 0 {
		return nil, fmt.Errorf("empty score tensor")
	}

	inner := scores
	if rows != plan.InnerHeight || cols != plan.InnerWidth {
		inner = ResizeWithPad(scores, plan.InnerHeight, plan.InnerWidth)
	}

	return CropAndResize(inner, plan.CropBox(), plan.FrameHeight, plan.FrameWidth), nil
}

// ResizeWithPad resizes src to fit targetHeight x targetWidth while keeping
// its aspect ratio, centring it and filling the remainder with zeros
func ResizeWithPad(src *mat.Dense, targetHeight, targetWidth int) *mat.Dense {
	rows, cols := src.Dims()

	// The limiting axis fills the target exactly; dividing by the ratio can
	// land a hair under the integer and floor away a whole row or column
	scaleH := float64(rows) / float64(targetHeight)
	scaleW := float64(cols) / float64(targetWidth)
	var resizedH, resizedW int
	if scaleW >= scaleH {
		resizedW = targetWidth
		resizedH = min(targetHeight, int(math.Floor(float64(rows)/scaleW+1e-9)))
	} else {
		resizedH = targetHeight
		resizedW = min(targetWidth, int(math.Floor(float64(cols)/scaleH+1e-9)))
	}
	if resizedH < 1 {
		resizedH = 1
	}
	if resizedW < 1 {
		resizedW = 1
	}

	padTop := (targetHeight - resizedH) / 2
	padLeft := (targetWidth - resizedW) / 2

	resized := ResizeBilinear(src, resizedH, resizedW)
	if resizedH == targetHeight && resizedW == targetWidth {
		return resized
	}

	out := mat.NewDense(targetHeight, targetWidth, nil)
	out.Slice(padTop, padTop+resizedH, padLeft, padLeft+resizedW).(*mat.Dense).Copy(resized)
	return out
}

// ResizeBilinear resizes src using half-pixel centres
func ResizeBilinear(src *mat.Dense, height, width int) *mat.Dense {
	rows, cols := src.Dims()
	out := mat.NewDense(height, width, nil)

	raw := src.RawMatrix()
	dst := out.RawMatrix()

	scaleY := float64(rows) / float64(height)
	scaleX := float64(cols) / float64(width)

	for y := 0; y < height; y++ {
		inY := (float64(y)+0.5)*scaleY - 0.5
		y0, y1, ly := interpBounds(inY, rows)
		for x := 0; x < width; x++ {
			inX := (float64(x)+0.5)*scaleX - 0.5
			x0, x1, lx := interpBounds(inX, cols)

			top := lerp(raw.Data[y0*raw.Stride+x0], raw.Data[y0*raw.Stride+x1], lx)
			bottom := lerp(raw.Data[y1*raw.Stride+x0], raw.Data[y1*raw.Stride+x1], lx)
			dst.Data[y*dst.Stride+x] = lerp(top, bottom, ly)
		}
	}
	return out
}

// CropAndResize samples box out of src into a height x width grid with
// bilinear interpolation. Box coordinates are fractions of (extent - 1), so
// box {0,0,1,1} maps the corner samples exactly. Samples that fall outside
// src read as zero.
func CropAndResize(src *mat.Dense, box Box, height, width int) *mat.Dense {
	rows, cols := src.Dims()
	out := mat.NewDense(height, width, nil)

	raw := src.RawMatrix()
	dst := out.RawMatrix()

	maxY := float64(rows - 1)
	maxX := float64(cols - 1)

	for y := 0; y < height; y++ {
		inY := cropCoord(box.Top, box.Bottom, y, height, maxY)
		if inY < 0 || inY > maxY {
			continue
		}
		y0 := int(math.Floor(inY))
		y1 := int(math.Ceil(inY))
		ly := inY - float64(y0)

		for x := 0; x < width; x++ {
			inX := cropCoord(box.Left, box.Right, x, width, maxX)
			if inX < 0 || inX > maxX {
				continue
			}
			x0 := int(math.Floor(inX))
			x1 := int(math.Ceil(inX))
			lx := inX - float64(x0)

			top := lerp(raw.Data[y0*raw.Stride+x0], raw.Data[y0*raw.Stride+x1], lx)
			bottom := lerp(raw.Data[y1*raw.Stride+x0], raw.Data[y1*raw.Stride+x1], lx)
			dst.Data[y*dst.Stride+x] = lerp(top, bottom, ly)
		}
	}
	return out
}

// Sigmoid applies the logistic function to every element of scores in place
func Sigmoid(scores *mat.Dense) {
	scores.Apply(func(_, _ int, v float64) float64 {
		return 1.0 / (1.0 + math.Exp(-v))
	}, scores)
}

func cropCoord(start, end float64, i, n int, maxIdx float64) float64 {
	if n > 1 {
		return start*maxIdx + float64(i)*(end-start)*maxIdx/float64(n-1)
	}
	return 0.5 * (start + end) * maxIdx
}

func interpBounds(in float64, size int) (int, int, float64) {
	lower := math.Floor(in)
	l := int(lower)
	u := int(math.Ceil(in))
	if l < 0 {
		l = 0
	}
	if u > size-1 {
		u = size - 1
	}
	if u < 0 {
		u = 0
	}
	if l > size-1 {
		l = size - 1
	}
	return l, u, in - lower
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}
