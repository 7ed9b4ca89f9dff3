package segmentation

import (
	"fmt"
	"image"
	"image/color"

	"fakecam/config"
	"fakecam/geometry"

	"gocv.io/x/gocv"
)

// imagenetMean is added per RGB channel before scaling in the imagenet mode
var imagenetMean = [3]float32{-123.15, -115.90, -103.06}

// Input is a normalized NHWC RGB image with a batch size of one
type Input struct {
	Height int
	Width  int
	Data   []float32
}

// InputBuilder letterboxes and resizes frames into model inputs, reusing its
// scratch buffers across frames
type InputBuilder struct {
	padded  gocv.Mat
	resized gocv.Mat
	data    []float32
}

// NewInputBuilder allocates the scratch Mats
func NewInputBuilder() *InputBuilder {
	return &InputBuilder{
		padded:  gocv.NewMat(),
		resized: gocv.NewMat(),
	}
}

// Close releases the scratch Mats
func (b *InputBuilder) Close() {
	b.padded.Close()
	b.resized.Close()
}

// Build pads frame by plan.Padding, resizes it to the inner resolution and
// normalizes it. The returned Data slice is reused by the next call.
func (b *InputBuilder) Build(frame gocv.Mat, plan geometry.Plan, normalization string) (Input, error) {
	if frame.Empty() || frame.Type() != gocv.MatTypeCV8UC3 {
		return Input{}, fmt.Errorf("expected non-empty CV8UC3 frame, got type %v", frame.Type())
	}

	src := frame
	if plan.Padding != (geometry.Padding{}) {
		gocv.CopyMakeBorder(frame, &b.padded, plan.Top, plan.Bottom, plan.Left, plan.Right,
			gocv.BorderConstant, color.RGBA{0, 0, 0, 0})
		src = b.padded
	}

	gocv.Resize(src, &b.resized, image.Pt(plan.InnerWidth, plan.InnerHeight), 0, 0, gocv.InterpolationLinear)

	pixels, err := b.resized.DataPtrUint8()
	if err != nil {
		return Input{}, fmt.Errorf("could not access resized frame: %w", err)
	}

	n := plan.InnerHeight * plan.InnerWidth * 3
	if cap(b.data) < n {
		b.data = make([]float32, n)
	}
	b.data = b.data[:n]

	if err := Normalize(b.data, pixels, normalization); err != nil {
		return Input{}, err
	}

	return Input{Height: plan.InnerHeight, Width: plan.InnerWidth, Data: b.data}, nil
}

// Normalize maps interleaved RGB bytes into dst using the given mode
func Normalize(dst []float32, src []uint8, mode string) error {
	if len(dst) != len(src) {
		return fmt.Errorf("normalize: size mismatch %d != %d", len(dst), len(src))
	}

	switch mode {
	case config.NormalizationScale, "":
		for i, p := range src {
			dst[i] = float32(p)/127.5 - 1.0
		}
	case config.NormalizationImagenet:
		for i, p := range src {
			dst[i] = (float32(p)+imagenetMean[i%3])/127.5 - 1.0
		}
	default:
		return fmt.Errorf("unknown normalization %q", mode)
	}
	return nil
}

// NCHW returns the input transposed to planar channel order
func (in Input) NCHW() []float32 {
	plane := in.Height * in.Width
	out := make([]float32, len(in.Data))
	for i := 0; i < plane; i++ {
		out[i] = in.Data[i*3]
		out[plane+i] = in.Data[i*3+1]
		out[2*plane+i] = in.Data[i*3+2]
	}
	return out
}
