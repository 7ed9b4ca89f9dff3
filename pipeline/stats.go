package pipeline

import (
	"sync"
	"time"

	"fakecam/composite"
)

// Stats accumulates per-stage timing for the frame loop. Counters are reset
// by Report; totals survive for the status endpoint.
type Stats struct {
	mu  sync.Mutex
	now func() time.Time

	captureCount   int64
	inferCount     int64
	maskCount      int64
	compositeCount int64
	writeCount     int64

	captureTimeTotal   time.Duration
	inferTimeTotal     time.Duration
	maskTimeTotal      time.Duration
	compositeTimeTotal time.Duration
	writeTimeTotal     time.Duration

	lastReportTime time.Time
	lastFPSUpdate  time.Time
	fpsCount       int64
	fps            float64

	totalFrames      int64
	totalDrops       int64
	totalWriteErrors int64
	passThrough      int64
	lastMode         string
}

// Report is the windowed view produced by Stats.Report
type Report struct {
	Window       time.Duration `json:"window"`
	CaptureFPS   float64       `json:"capture_fps"`
	WriteFPS     float64       `json:"write_fps"`
	AvgCapture   time.Duration `json:"avg_capture"`
	AvgInfer     time.Duration `json:"avg_infer"`
	AvgMask      time.Duration `json:"avg_mask"`
	AvgComposite time.Duration `json:"avg_composite"`
	AvgWrite     time.Duration `json:"avg_write"`
}

// Snapshot is the cumulative view used by the status server
type Snapshot struct {
	Frames      int64   `json:"frames"`
	Drops       int64   `json:"drops"`
	WriteErrors int64   `json:"write_errors"`
	PassThrough int64   `json:"pass_through"`
	FPS         float64 `json:"fps"`
	Mode        string  `json:"mode"`
}

// NewStats creates a new pipeline statistics tracker
func NewStats() *Stats {
	return newStatsAt(time.Now)
}

func newStatsAt(now func() time.Time) *Stats {
	t := now()
	return &Stats{
		now:            now,
		lastReportTime: t,
		lastFPSUpdate:  t,
	}
}

// Report returns averages over the window since the previous Report and
// resets the window
func (s *Stats) Report() Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	window := now.Sub(s.lastReportTime)
	seconds := window.Seconds()
	if seconds <= 0 {
		seconds = 1.0
	}

	r := Report{
		Window:       window,
		CaptureFPS:   float64(s.captureCount) / seconds,
		WriteFPS:     float64(s.writeCount) / seconds,
		AvgCapture:   average(s.captureTimeTotal, s.captureCount),
		AvgInfer:     average(s.inferTimeTotal, s.inferCount),
		AvgMask:      average(s.maskTimeTotal, s.maskCount),
		AvgComposite: average(s.compositeTimeTotal, s.compositeCount),
		AvgWrite:     average(s.writeTimeTotal, s.writeCount),
	}

	s.captureCount, s.inferCount, s.maskCount, s.compositeCount, s.writeCount = 0, 0, 0, 0, 0
	s.captureTimeTotal, s.inferTimeTotal, s.maskTimeTotal, s.compositeTimeTotal, s.writeTimeTotal = 0, 0, 0, 0, 0
	s.lastReportTime = now

	return r
}

func average(total time.Duration, n int64) time.Duration {
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}

// Snapshot returns the cumulative counters
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Frames:      s.totalFrames,
		Drops:       s.totalDrops,
		WriteErrors: s.totalWriteErrors,
		PassThrough: s.passThrough,
		FPS:         s.fps,
		Mode:        s.lastMode,
	}
}

// UpdateCapture records one captured frame
func (s *Stats) UpdateCapture(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captureCount++
	s.captureTimeTotal += d
}

// UpdateInfer records one model run
func (s *Stats) UpdateInfer(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inferCount++
	s.inferTimeTotal += d
}

// UpdateMask records one mask post-processing pass
func (s *Stats) UpdateMask(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maskCount++
	s.maskTimeTotal += d
}

// UpdateComposite records one blend
func (s *Stats) UpdateComposite(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compositeCount++
	s.compositeTimeTotal += d
}

// UpdateWrite records one frame handed to the sink
func (s *Stats) UpdateWrite(d time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.totalWriteErrors++
		return
	}
	s.writeCount++
	s.writeTimeTotal += d
}

// Drop records a frame emitted without compositing because a stage failed
func (s *Stats) Drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalDrops++
}

// FrameDone closes out a frame and returns the current FPS estimate
func (s *Stats) FrameDone(outcome composite.Outcome) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalFrames++
	s.lastMode = outcome.String()
	if outcome == composite.PassThrough {
		s.passThrough++
	}

	now := s.now()
	s.fpsCount++
	elapsed := now.Sub(s.lastFPSUpdate)
	if elapsed >= time.Second {
		s.fps = float64(s.fpsCount) / elapsed.Seconds()
		s.fpsCount = 0
		s.lastFPSUpdate = now
	}
	return s.fps
}
