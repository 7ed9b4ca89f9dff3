// Package pipeline runs the per-frame capture, segment, composite and output
// loop.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fakecam/capture"
	"fakecam/composite"
	"fakecam/config"
	"fakecam/geometry"
	"fakecam/mask"
	"fakecam/overlay"
	"fakecam/segmentation"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// ErrCapture wraps camera read failures. It ends Run and should end the process.
var ErrCapture = errors.New("capture failed")

// FrameWriter receives finished frames
type FrameWriter interface {
	Write(frame gocv.Mat) error
}

// ConfigSource yields the tunables to apply to the next frame
type ConfigSource interface {
	Refresh() config.Config
}

// BackgroundSource yields the replacement background for the current settings
type BackgroundSource interface {
	Get(imageName string, blurRadius int) (gocv.Mat, bool)
}

// Options are fixed for the life of the controller
type Options struct {
	Stride         int
	StatusOverlay  bool
	ReportInterval time.Duration
}

// Controller owns the frame buffer and every per-frame stage
type Controller struct {
	source     capture.Source
	sink       FrameWriter
	segmenter  segmentation.Segmenter
	config     ConfigSource
	background BackgroundSource
	opts       Options

	planner    *geometry.Planner
	inputs     *segmentation.InputBuilder
	compositor *composite.Compositor
	renderer   *overlay.Renderer
	stats      *Stats

	frame gocv.Mat
}

// NewController wires the stages together
func NewController(source capture.Source, sink FrameWriter, segmenter segmentation.Segmenter,
	cfg ConfigSource, background BackgroundSource, opts Options) *Controller {
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = 10 * time.Second
	}
	return &Controller{
		source:     source,
		sink:       sink,
		segmenter:  segmenter,
		config:     cfg,
		background: background,
		opts:       opts,
		planner:    geometry.NewPlanner(),
		inputs:     segmentation.NewInputBuilder(),
		compositor: composite.NewCompositor(),
		renderer:   overlay.NewRenderer(),
		stats:      NewStats(),
		frame:      gocv.NewMat(),
	}
}

// Stats exposes the loop statistics
func (c *Controller) Stats() *Stats {
	return c.stats
}

// Close releases the controller's buffers. It does not close the source,
// sink or segmenter.
func (c *Controller) Close() {
	c.frame.Close()
	c.inputs.Close()
	c.compositor.Close()
}

// Run steps the loop until ctx is done or capture fails
func (c *Controller) Run(ctx context.Context) error {
	log.Info("[PIPELINE] Frame loop started")

	reportTicker := time.NewTicker(c.opts.ReportInterval)
	defer reportTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("[PIPELINE] Frame loop stopping")
			return nil
		case <-reportTicker.C:
			c.logReport()
		default:
		}

		if err := c.Step(); err != nil {
			if errors.Is(err, ErrCapture) {
				return err
			}
			log.WithError(err).Warn("[PIPELINE] Frame error")
		}
	}
}

func (c *Controller) logReport() {
	r := c.stats.Report()
	snap := c.stats.Snapshot()
	log.WithFields(log.Fields{
		"capture_fps": fmt.Sprintf("%.1f", r.CaptureFPS),
		"write_fps":   fmt.Sprintf("%.1f", r.WriteFPS),
		"capture":     r.AvgCapture,
		"infer":       r.AvgInfer,
		"mask":        r.AvgMask,
		"composite":   r.AvgComposite,
		"write":       r.AvgWrite,
		"drops":       snap.Drops,
		"mode":        snap.Mode,
	}).Info("[PIPELINE] Stats")
}

// Step processes exactly one frame
func (c *Controller) Step() error {
	readStart := time.Now()
	if err := c.source.Read(&c.frame); err != nil {
		return fmt.Errorf("%w: %v", ErrCapture, err)
	}
	c.stats.UpdateCapture(time.Since(readStart))

	cfg := c.config.Refresh()
	bg, hasBackground := c.background.Get(cfg.ImageName, cfg.BlurBackground)
	copts := composite.Options{
		BlurBackground: cfg.BlurBackground,
		ShowMask:       cfg.DebugShowMask,
	}

	outcome := composite.PassThrough
	if composite.Wants(hasBackground, copts) {
		var err error
		outcome, err = c.replaceBackground(cfg, bg, hasBackground, copts)
		if err != nil {
			// The captured frame is still intact; emit it as is
			c.stats.Drop()
			log.WithError(err).Debug("[PIPELINE] Emitting unmodified frame")
			outcome = composite.PassThrough
		}
	}

	fps := c.stats.FrameDone(outcome)
	if c.opts.StatusOverlay {
		snap := c.stats.Snapshot()
		c.renderer.DrawStatus(&c.frame, overlay.Status{
			Time:     time.Now(),
			Frame:    snap.Frames,
			FPS:      fps,
			Mode:     outcome.String(),
			Provider: c.segmenter.Info().Backend,
			Drops:    snap.Drops,
		})
	}

	writeStart := time.Now()
	err := c.sink.Write(c.frame)
	c.stats.UpdateWrite(time.Since(writeStart), err)
	if err != nil {
		return fmt.Errorf("sink write: %w", err)
	}
	return nil
}

// replaceBackground runs geometry, inference, mask and composite on c.frame.
// On error c.frame has not been modified.
func (c *Controller) replaceBackground(cfg config.Config, bg gocv.Mat, hasBackground bool, copts composite.Options) (composite.Outcome, error) {
	plan, err := c.planner.For(c.frame.Rows(), c.frame.Cols(), cfg.InternalResolution, c.opts.Stride)
	if err != nil {
		return composite.PassThrough, fmt.Errorf("geometry: %w", err)
	}

	inferStart := time.Now()
	in, err := c.inputs.Build(c.frame, plan, cfg.Normalization)
	if err != nil {
		return composite.PassThrough, fmt.Errorf("input: %w", err)
	}
	scores, err := c.segmenter.Segment(in)
	if err != nil {
		return composite.PassThrough, fmt.Errorf("segmentation: %w", err)
	}
	c.stats.UpdateInfer(time.Since(inferStart))

	maskStart := time.Now()
	m, err := mask.Process(scores, plan, mask.Options{
		Threshold: cfg.SegmentationThreshold,
		Dilate:    cfg.Dilate,
		Erode:     cfg.Erode,
		Blur:      cfg.Blur,
		Sigmoid:   cfg.Sigmoid,
	})
	if err != nil {
		return composite.PassThrough, fmt.Errorf("mask: %w", err)
	}
	defer m.Close()
	c.stats.UpdateMask(time.Since(maskStart))

	compositeStart := time.Now()
	outcome, err := c.compositor.Apply(&c.frame, m, bg, hasBackground, copts)
	if err != nil {
		return composite.PassThrough, fmt.Errorf("composite: %w", err)
	}
	c.stats.UpdateComposite(time.Since(compositeStart))
	return outcome, nil
}
