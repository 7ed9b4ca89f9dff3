// Package mask turns raw segmentation scores into a refined, frame sized
// person mask.
package mask

import (
	"fmt"
	"image"

	"fakecam/geometry"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"
)

// Options are the per-frame mask tunables
type Options struct {
	Threshold float64
	Dilate    int
	Erode     int
	Blur      int
	Sigmoid   bool
}

// Process maps scores back to frame coordinates and returns a CV8UC1 mask of
// frame size. Scores are modified in place when Sigmoid is set.
// The caller owns the returned Mat.
func Process(scores *mat.Dense, plan geometry.Plan, opts Options) (gocv.Mat, error) {
	if scores == nil {
		return gocv.NewMat(), fmt.Errorf("nil scores")
	}
	if opts.Sigmoid {
		geometry.Sigmoid(scores)
	}

	frameScores, err := geometry.ToFrame(scores, plan)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("could not map scores to frame: %w", err)
	}

	m, err := Threshold(frameScores, opts.Threshold)
	if err != nil {
		return m, err
	}

	Refine(&m, opts.Dilate, opts.Erode, opts.Blur)
	return m, nil
}

// Threshold produces a binary 0/255 mask. Only scores strictly above the
// threshold are foreground.
func Threshold(scores *mat.Dense, threshold float64) (gocv.Mat, error) {
	rows, cols := scores.Dims()
	m := gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV8UC1)

	pixels, err := m.DataPtrUint8()
	if err != nil {
		m.Close()
		return gocv.NewMat(), fmt.Errorf("could not access mask: %w", err)
	}

	raw := scores.RawMatrix()
	for y := 0; y < rows; y++ {
		row := raw.Data[y*raw.Stride : y*raw.Stride+cols]
		out := pixels[y*cols : (y+1)*cols]
		for x, s := range row {
			if s > threshold {
				out[x] = 255
			} else {
				out[x] = 0
			}
		}
	}
	return m, nil
}

// Refine applies dilate, erode and box blur, always in that order, with
// square kernels of the given sizes. A size of zero skips the step.
func Refine(m *gocv.Mat, dilate, erode, blur int) {
	if dilate > 0 {
		kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(dilate, dilate))
		gocv.Dilate(*m, m, kernel)
		kernel.Close()
	}
	if erode > 0 {
		kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(erode, erode))
		gocv.Erode(*m, m, kernel)
		kernel.Close()
	}
	if blur > 0 {
		gocv.Blur(*m, m, image.Pt(blur, blur))
	}
}
