// Package composite blends the live frame over a replacement background
// using the person mask.
package composite

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// Outcome records which branch produced the output frame
type Outcome int

const (
	PassThrough Outcome = iota
	Composited
	SelfBlurred
	MaskShown
)

func (o Outcome) String() string {
	switch o {
	case PassThrough:
		return "pass-through"
	case Composited:
		return "composited"
	case SelfBlurred:
		return "self-blurred"
	case MaskShown:
		return "mask"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Options are the per-frame compositing tunables
type Options struct {
	BlurBackground int
	ShowMask       bool
}

// Compositor owns the scratch buffer used by the self-blur fallback
type Compositor struct {
	blurred gocv.Mat
}

// NewCompositor allocates the scratch buffer
func NewCompositor() *Compositor {
	return &Compositor{blurred: gocv.NewMat()}
}

// Close releases the scratch buffer
func (c *Compositor) Close() {
	c.blurred.Close()
}

// Wants reports whether a frame needs a mask at all for these inputs
func Wants(hasBackground bool, opts Options) bool {
	return opts.ShowMask || hasBackground || opts.BlurBackground > 0
}

// Apply writes the composited result into frame
func (c *Compositor) Apply(frame *gocv.Mat, mask, background gocv.Mat, hasBackground bool, opts Options) (Outcome, error) {
	switch {
	case opts.ShowMask:
		if err := checkMask(*frame, mask); err != nil {
			return PassThrough, err
		}
		gocv.CvtColor(mask, frame, gocv.ColorGrayToBGR)
		return MaskShown, nil

	case hasBackground:
		if err := Blend(frame, mask, background); err != nil {
			return PassThrough, err
		}
		return Composited, nil

	case opts.BlurBackground > 0:
		gocv.Blur(*frame, &c.blurred, image.Pt(opts.BlurBackground, opts.BlurBackground))
		if err := Blend(frame, mask, c.blurred); err != nil {
			return PassThrough, err
		}
		return SelfBlurred, nil
	}

	return PassThrough, nil
}

// Blend computes frame*m/255 + background*(1-m/255) per channel, truncating
// toward zero, and stores the result in frame
func Blend(frame *gocv.Mat, mask, background gocv.Mat) error {
	if err := checkMask(*frame, mask); err != nil {
		return err
	}
	if background.Rows() != frame.Rows() || background.Cols() != frame.Cols() || background.Type() != frame.Type() {
		return fmt.Errorf("background %dx%d type %v does not match frame %dx%d type %v",
			background.Cols(), background.Rows(), background.Type(), frame.Cols(), frame.Rows(), frame.Type())
	}

	f, err := frame.DataPtrUint8()
	if err != nil {
		return fmt.Errorf("could not access frame: %w", err)
	}
	m, err := mask.DataPtrUint8()
	if err != nil {
		return fmt.Errorf("could not access mask: %w", err)
	}
	b, err := background.DataPtrUint8()
	if err != nil {
		return fmt.Errorf("could not access background: %w", err)
	}

	for i, alpha := range m {
		switch alpha {
		case 255:
			continue
		case 0:
			copy(f[i*3:i*3+3], b[i*3:i*3+3])
			continue
		}
		a := float64(alpha) / 255
		for c := i * 3; c < i*3+3; c++ {
			f[c] = uint8(float64(f[c])*a + float64(b[c])*(1-a))
		}
	}
	return nil
}

func checkMask(frame, mask gocv.Mat) error {
	if frame.Type() != gocv.MatTypeCV8UC3 {
		return fmt.Errorf("expected CV8UC3 frame, got %v", frame.Type())
	}
	if mask.Type() != gocv.MatTypeCV8UC1 {
		return fmt.Errorf("expected CV8UC1 mask, got %v", mask.Type())
	}
	if mask.Rows() != frame.Rows() || mask.Cols() != frame.Cols() {
		return fmt.Errorf("mask %dx%d does not match frame %dx%d",
			mask.Cols(), mask.Rows(), frame.Cols(), frame.Rows())
	}
	return nil
}
