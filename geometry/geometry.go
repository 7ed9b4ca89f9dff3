package geometry

import (
	"fmt"
	"math"
)

// Padding holds the letterbox border, in frame pixels, added around a frame
// before it is resized to the inference resolution
type Padding struct {
	Top    int
	Bottom int
	Left   int
	Right  int
}

// Plan describes how a frame of a given size maps onto the model input
type Plan struct {
	FrameHeight int
	FrameWidth  int
	InnerHeight int
	InnerWidth  int
	Stride      int
	Padding
}

// Box is a crop region expressed as fractions of the source extent,
// in the same layout the crop_and_resize family of ops uses
type Box struct {
	Top    float64
	Left   float64
	Bottom float64
	Right  float64
}

// IsValidResolution reports whether r lines up with the stride-s feature map
func IsValidResolution(r float64, stride int) bool {
	return math.Mod(r-1, float64(stride)) == 0
}

// ToValidResolution snaps r to a resolution the model can consume for the
// given output stride: r itself when already valid, floor(r/s)*s+1 otherwise
func ToValidResolution(r float64, stride int) int {
	if IsValidResolution(r, stride) {
		return int(r)
	}
	return int(math.Floor(r/float64(stride)))*stride + 1
}

// InputResolution returns the inference height and width for a frame scaled
// by the internal resolution factor
func InputResolution(factor float64, stride, height, width int) (int, int) {
	return ToValidResolution(float64(height)*factor, stride),
		ToValidResolution(float64(width)*factor, stride)
}

// ComputePadding returns the symmetric padding that brings a height x width
// frame to the aspect ratio of targetHeight x targetWidth without distortion.
// Only one axis pair is ever padded.
func ComputePadding(height, width, targetHeight, targetWidth int) Padding {
	aspect := float64(width) / float64(height)
	targetAspect := float64(targetWidth) / float64(targetHeight)

	if aspect < targetAspect {
		// Frame is narrower than the target: pad left and right
		lr := int(math.Round(0.5 * (targetAspect*float64(height) - float64(width))))
		return Padding{Left: lr, Right: lr}
	}

	tb := int(math.Round(0.5 * ((1.0/targetAspect)*float64(width) - float64(height))))
	return Padding{Top: tb, Bottom: tb}
}

// NewPlan computes the plan for a frame of the given size
func NewPlan(height, width int, factor float64, stride int) (Plan, error) {
	if height <= 0 || width <= 0 {
		return Plan{}, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	if stride <= 0 {
		return Plan{}, fmt.Errorf("invalid output stride %d", stride)
	}
	if factor <= 0 || factor > 1 {
		return Plan{}, fmt.Errorf("internal resolution factor must be in (0, 1], got %v", factor)
	}

	innerH, innerW := InputResolution(factor, stride, height, width)
	return Plan{
		FrameHeight: height,
		FrameWidth:  width,
		InnerHeight: innerH,
		InnerWidth:  innerW,
		Stride:      stride,
		Padding:     ComputePadding(height, width, innerH, innerW),
	}, nil
}

// PaddedSize returns the frame size after letterboxing
func (p Plan) PaddedSize() (int, int) {
	return p.FrameHeight + p.Top + p.Bottom, p.FrameWidth + p.Left + p.Right
}

// OutputSize returns the score tensor size the model produces for this plan
func (p Plan) OutputSize() (int, int) {
	return (p.InnerHeight-1)/p.Stride + 1, (p.InnerWidth-1)/p.Stride + 1
}

// CropBox returns the fraction of the padded extent that holds real frame
// content. Cropping a padded-resolution tensor by this box and resizing it to
// the frame size undoes the letterboxing.
func (p Plan) CropBox() Box {
	paddedH := float64(p.FrameHeight + p.Top + p.Bottom - 1)
	paddedW := float64(p.FrameWidth + p.Left + p.Right - 1)
	return Box{
		Top:    float64(p.Top) / paddedH,
		Left:   float64(p.Left) / paddedW,
		Bottom: float64(p.Top+p.FrameHeight-1) / paddedH,
		Right:  float64(p.Left+p.FrameWidth-1) / paddedW,
	}
}

// String implements fmt.Stringer for log output
func (p Plan) String() string {
	return fmt.Sprintf("frame=%dx%d inner=%dx%d pad=[t%d b%d l%d r%d] stride=%d",
		p.FrameWidth, p.FrameHeight, p.InnerWidth, p.InnerHeight,
		p.Top, p.Bottom, p.Left, p.Right, p.Stride)
}

// Planner caches the last plan and recomputes it whenever any input changes
type Planner struct {
	plan   Plan
	factor float64
	valid  bool
}

// NewPlanner creates an empty planner
func NewPlanner() *Planner {
	return &Planner{}
}

// For returns the plan for the current frame dimensions
func (pl *Planner) For(height, width int, factor float64, stride int) (Plan, error) {
	if pl.valid && pl.plan.FrameHeight == height && pl.plan.FrameWidth == width &&
		pl.plan.Stride == stride && pl.factor == factor {
		return pl.plan, nil
	}

	plan, err := NewPlan(height, width, factor, stride)
	if err != nil {
		pl.valid = false
		return Plan{}, err
	}
	pl.plan = plan
	pl.factor = factor
	pl.valid = true
	return plan, nil
}
