package overlay

import (
	"fmt"
	"image"
	"image/color"
	"time"

	"gocv.io/x/gocv"
)

const (
	lineHeight = 18
	boxWidth   = 360
	margin     = 10
	fontScale  = 0.5
)

var (
	boxColor  = color.RGBA{0, 0, 0, 200}
	textColor = color.RGBA{255, 255, 255, 255}
)

// Status is the per-frame information shown in the overlay
type Status struct {
	Time     time.Time
	Frame    int64
	FPS      float64
	Mode     string
	Provider string
	Drops    int64
}

// Lines renders the status as the text lines drawn on the frame
func (s Status) Lines() []string {
	return []string{
		fmt.Sprintf("Time: %s", s.Time.Format("Mon Jan 2 15:04:05 MST 2006")),
		fmt.Sprintf("Frame: %d", s.Frame),
		fmt.Sprintf("FPS: %.1f", s.FPS),
		fmt.Sprintf("Mode: %s", s.Mode),
		fmt.Sprintf("Provider: %s", s.Provider),
		fmt.Sprintf("Drops: %d", s.Drops),
	}
}

// Renderer draws the status box in the lower-left corner of a frame
type Renderer struct{}

// NewRenderer creates a renderer
func NewRenderer() *Renderer {
	return &Renderer{}
}

// Box returns the rectangle the status box occupies on a frame of the given
// size, clipped to the frame
func (r *Renderer) Box(rows, cols, lines int) image.Rectangle {
	height := lines*lineHeight + margin
	box := image.Rect(margin, rows-margin-height, margin+boxWidth, rows-margin)
	return box.Intersect(image.Rect(0, 0, cols, rows))
}

// DrawStatus draws s onto img
func (r *Renderer) DrawStatus(img *gocv.Mat, s Status) {
	lines := s.Lines()
	box := r.Box(img.Rows(), img.Cols(), len(lines))
	if box.Empty() {
		return
	}

	gocv.Rectangle(img, box, boxColor, -1)
	for i, line := range lines {
		textPoint := image.Pt(box.Min.X+margin, box.Min.Y+(i+1)*lineHeight)
		gocv.PutText(img, line, textPoint, gocv.FontHersheySimplex, fontScale, textColor, 1)
	}
}
