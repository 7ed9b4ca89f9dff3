// Package capture reads frames from a V4L2 camera through OpenCV.
package capture

import (
	"errors"
	"fmt"
	"image"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// ErrReadFailed is returned when the device stops delivering frames
var ErrReadFailed = errors.New("failed to read frame from camera")

// Source delivers RGB frames of a fixed size
type Source interface {
	// Read fills dst with the next frame. dst is reallocated as needed.
	Read(dst *gocv.Mat) error
	Size() (width, height int)
	Close() error
}

// Camera is a Source backed by gocv.VideoCapture
type Camera struct {
	capture *gocv.VideoCapture
	width   int
	height  int
	raw     gocv.Mat
}

// Open opens device and asks it for width x height at fps. Drivers are free
// to ignore the request; Read resizes whatever they deliver.
func Open(device string, width, height int, fps float64) (*Camera, error) {
	capture, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("error opening camera %s: %w", device, err)
	}

	capture.Set(gocv.VideoCaptureFrameWidth, float64(width))
	capture.Set(gocv.VideoCaptureFrameHeight, float64(height))
	capture.Set(gocv.VideoCaptureFPS, fps)
	// Keep latency at one frame
	capture.Set(gocv.VideoCaptureBufferSize, 1)

	log.WithFields(log.Fields{
		"device":    device,
		"requested": fmt.Sprintf("%dx%d@%.0f", width, height, fps),
		"actual": fmt.Sprintf("%.0fx%.0f@%.0f",
			capture.Get(gocv.VideoCaptureFrameWidth),
			capture.Get(gocv.VideoCaptureFrameHeight),
			capture.Get(gocv.VideoCaptureFPS)),
	}).Info("[CAPTURE] Camera opened")

	return &Camera{
		capture: capture,
		width:   width,
		height:  height,
		raw:     gocv.NewMat(),
	}, nil
}

// Read implements Source
func (c *Camera) Read(dst *gocv.Mat) error {
	if ok := c.capture.Read(&c.raw); !ok || c.raw.Empty() {
		return ErrReadFailed
	}
	return Normalize(c.raw, dst, c.width, c.height)
}

// Normalize converts a BGR capture to RGB at the fixed capture size
func Normalize(raw gocv.Mat, dst *gocv.Mat, width, height int) error {
	if raw.Type() != gocv.MatTypeCV8UC3 {
		return fmt.Errorf("unexpected capture format %v", raw.Type())
	}

	gocv.CvtColor(raw, dst, gocv.ColorBGRToRGB)
	if dst.Cols() != width || dst.Rows() != height {
		gocv.Resize(*dst, dst, image.Pt(width, height), 0, 0, gocv.InterpolationLinear)
	}
	return nil
}

// Size implements Source
func (c *Camera) Size() (int, int) {
	return c.width, c.height
}

// Close implements Source
func (c *Camera) Close() error {
	c.raw.Close()
	return c.capture.Close()
}
