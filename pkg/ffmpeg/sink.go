// Package ffmpeg drives an ffmpeg child process that turns raw RGB frames on
// stdin into a v4l2 loopback camera, and supervises its health.
package ffmpeg

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"gocv.io/x/gocv"
)

// ErrFrameSize is returned when a frame does not match the configured output
var ErrFrameSize = errors.New("frame size does not match sink")

// Options configure the output device and stream format
type Options struct {
	Binary string
	Device string
	Width  int
	Height int
	FPS    float64
}

// Args builds the ffmpeg argument list for opts, excluding the binary
func Args(opts Options) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-stats",

		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-s", fmt.Sprintf("%dx%d", opts.Width, opts.Height),
		"-r", fmt.Sprintf("%g", opts.FPS),
		"-i", "-",

		"-f", "v4l2",
		"-pix_fmt", "yuv420p",
		opts.Device,
	}
}

// Sink writes frames to the ffmpeg process. Write is called from a single
// goroutine; restarts requested by the health monitor are performed on the
// next Write so stdin is never touched concurrently. An unhealthy process is
// terminated right away so a Write blocked on a full pipe returns.
type Sink struct {
	opts       Options
	buildArgs  func(Options) []string
	newMonitor func(fps float64) *HealthMonitor

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser

	pgid    atomic.Int64
	monitor atomic.Pointer[HealthMonitor]

	restartPending atomic.Bool
	frames         atomic.Int64
	writeErrors    atomic.Int64
	restarts       atomic.Int64
}

// NewSink creates a stopped sink
func NewSink(opts Options) *Sink {
	if opts.Binary == "" {
		opts.Binary = "ffmpeg"
	}
	return &Sink{opts: opts, buildArgs: Args, newMonitor: NewHealthMonitor}
}

// Start launches ffmpeg and its health monitor
func (s *Sink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

func (s *Sink) startLocked() error {
	cmd := exec.Command(s.opts.Binary, s.buildArgs(s.opts)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("could not get FFmpeg stdin: %w", err)
	}

	monitor := s.newMonitor(s.opts.FPS)
	onUnhealthy := func(reason string) { s.requestRestart(monitor, reason) }
	if err := monitor.Attach(cmd, onUnhealthy); err != nil {
		return err
	}

	log.WithField("cmd", s.opts.Binary+" "+strings.Join(cmd.Args[1:], " ")).Info("[FFMPEG_STARTUP] Executing")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("could not start FFmpeg: %w", err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.pgid.Store(int64(cmd.Process.Pid))
	s.monitor.Store(monitor)
	monitor.Begin()

	log.WithFields(log.Fields{
		"pid":    cmd.Process.Pid,
		"device": s.opts.Device,
	}).Info("[FFMPEG_STARTUP] FFmpeg started")
	return nil
}

// requestRestart runs on the monitor's goroutine, possibly while Write is
// blocked holding mu, so it only touches atomics
func (s *Sink) requestRestart(monitor *HealthMonitor, reason string) {
	if s.monitor.Load() != monitor {
		return
	}
	log.WithField("reason", reason).Warn("[FFMPEG] Scheduling restart")
	s.restartPending.Store(true)

	pgid := int(s.pgid.Load())
	if pgid == 0 {
		return
	}
	// A wedged ffmpeg stops draining stdin; once it is gone the blocked
	// write fails with a broken pipe
	syscall.Kill(-pgid, syscall.SIGTERM)
	time.AfterFunc(2*time.Second, func() {
		if int(s.pgid.Load()) == pgid {
			syscall.Kill(-pgid, syscall.SIGKILL)
		}
	})
}

// Write sends one RGB frame to ffmpeg
func (s *Sink) Write(frame gocv.Mat) error {
	if frame.Cols() != s.opts.Width || frame.Rows() != s.opts.Height || frame.Type() != gocv.MatTypeCV8UC3 {
		s.writeErrors.Inc()
		return fmt.Errorf("%w: got %dx%d type %v, want %dx%d", ErrFrameSize,
			frame.Cols(), frame.Rows(), frame.Type(), s.opts.Width, s.opts.Height)
	}

	data, err := frame.DataPtrUint8()
	if err != nil {
		s.writeErrors.Inc()
		return fmt.Errorf("could not access frame: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.restartPending.CompareAndSwap(true, false) {
		if err := s.restartLocked(); err != nil {
			s.writeErrors.Inc()
			return err
		}
	}
	if s.stdin == nil {
		s.writeErrors.Inc()
		return errors.New("sink not started")
	}

	if _, err := s.stdin.Write(data); err != nil {
		s.writeErrors.Inc()
		// A broken pipe means ffmpeg is gone; bring it back on the next frame
		s.restartPending.Store(true)
		return fmt.Errorf("write to FFmpeg failed: %w", err)
	}
	s.frames.Inc()
	return nil
}

func (s *Sink) restartLocked() error {
	log.Warn("[FFMPEG] Restarting FFmpeg")
	s.stopLocked()
	s.restarts.Inc()
	return s.startLocked()
}

// Stop terminates the ffmpeg process group
func (s *Sink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Sink) stopLocked() {
	monitor := s.monitor.Load()
	if monitor != nil {
		monitor.Stop()
	}
	if s.stdin != nil {
		s.stdin.Close()
		s.stdin = nil
	}
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}

	pgid := int(s.pgid.Load())
	if pgid != 0 {
		syscall.Kill(-pgid, syscall.SIGTERM)
	}

	exited := make(chan struct{})
	go func(cmd *exec.Cmd) {
		// Wait closes the output pipes, so the readers must drain them first
		if monitor != nil {
			monitor.WaitOutput()
		}
		cmd.Wait()
		close(exited)
	}(s.cmd)

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		if pgid != 0 {
			syscall.Kill(-pgid, syscall.SIGKILL)
		}
		s.cmd.Process.Kill()
		<-exited
	}

	log.WithField("pid", s.cmd.Process.Pid).Info("[FFMPEG] FFmpeg stopped")
	s.cmd = nil
	s.pgid.Store(0)
}

// Healthy reports the monitor's view of the running process
func (s *Sink) Healthy() bool {
	monitor := s.monitor.Load()
	return monitor != nil && monitor.Healthy() && !s.restartPending.Load()
}

// SinkStats are the sink counters
type SinkStats struct {
	Frames      int64 `json:"frames"`
	WriteErrors int64 `json:"write_errors"`
	Restarts    int64 `json:"restarts"`
}

// Stats returns a snapshot of the counters
func (s *Sink) Stats() SinkStats {
	return SinkStats{
		Frames:      s.frames.Load(),
		WriteErrors: s.writeErrors.Load(),
		Restarts:    s.restarts.Load(),
	}
}
