package ffmpeg

import (
	"bufio"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func TestOutputBufferWraps(t *testing.T) {
	ob := NewOutputBuffer(3)
	ob.now = func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }

	assert.Empty(t, ob.GetRecent())

	for _, l := range []string{"a", "b"} {
		ob.Add(l)
	}
	assert.Equal(t, []string{"[12:00:00.000] a", "[12:00:00.000] b"}, ob.GetRecent())

	for _, l := range []string{"c", "d", "e"} {
		ob.Add(l)
	}
	assert.Equal(t, []string{"[12:00:00.000] c", "[12:00:00.000] d", "[12:00:00.000] e"}, ob.GetRecent())
}

func TestParseFrame(t *testing.T) {
	tests := []struct {
		line string
		want int
		ok   bool
	}{
		{"frame=  120 fps= 30 q=-0.0 size=N/A time=00:00:04.00 bitrate=N/A speed=1x", 120, true},
		{"frame=7 fps=0.0", 7, true},
		{"Input #0, rawvideo, from 'pipe:':", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseFrame(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		assert.Equal(t, tt.want, got, tt.line)
	}
}

func TestIsTimestampError(t *testing.T) {
	assert.True(t, IsTimestampError("[v4l2 @ 0x55] Non-monotonic DTS; previous: 10, current: 9; changing to 11"))
	assert.True(t, IsTimestampError("DTS 1234, next:5678 st:0 invalid dropping"))
	assert.False(t, IsTimestampError("frame=  10 fps=30"))
}

func TestScanLinesOrCR(t *testing.T) {
	scanner := bufio.NewScanner(strings.NewReader("frame=1\rframe=2\r\nwarning\nlast"))
	scanner.Split(scanLinesOrCR)

	var lines []string
	for scanner.Scan() {
		if scanner.Text() != "" {
			lines = append(lines, scanner.Text())
		}
	}
	assert.Equal(t, []string{"frame=1", "frame=2", "warning", "last"}, lines)
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestMonitor(clock *fakeClock) *HealthMonitor {
	hm := NewHealthMonitor(30)
	hm.now = clock.now
	hm.mutex.Lock()
	hm.reset()
	hm.mutex.Unlock()
	return hm
}

func TestHealthMonitorFrameProgress(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	hm := newTestMonitor(clock)
	require.True(t, hm.Healthy())

	// 200 frames at 30fps is a little under 7s
	clock.t = clock.t.Add(5 * time.Second)
	hm.processOutputLine("frame=  150 fps=30", "STDERR")
	assert.Equal(t, 150, hm.LastFrame())

	clock.t = clock.t.Add(5 * time.Second)
	hm.processOutputLine("some other output", "STDERR")
	assert.True(t, hm.Healthy())

	// Output without progress only keeps it alive until the frame timeout
	clock.t = clock.t.Add(2 * time.Second)
	hm.processOutputLine("frame=  150 fps=0", "STDERR")
	assert.False(t, hm.Healthy())
}

func TestHealthMonitorTimestampErrors(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	hm := newTestMonitor(clock)

	bad := "Non-monotonic DTS; previous: 10, current: 9; changing to 11"
	hm.processOutputLine(bad, "STDERR")
	clock.t = clock.t.Add(31 * time.Second)
	hm.processOutputLine("frame=300", "STDERR")
	hm.processOutputLine(bad, "STDERR")
	hm.processOutputLine(bad, "STDERR")
	assert.True(t, hm.Healthy(), "errors outside the window are forgotten")

	hm.processOutputLine(bad, "STDERR")
	assert.False(t, hm.Healthy())
	assert.Contains(t, hm.unhealthyReason(), "timestamp")
}

func TestHealthMonitorStopWithoutBegin(t *testing.T) {
	hm := NewHealthMonitor(30)
	hm.Stop()
	hm.Stop()
	assert.False(t, hm.Healthy())
}

func TestArgs(t *testing.T) {
	got := Args(Options{Device: "/dev/video20", Width: 1280, Height: 720, FPS: 30})
	want := []string{
		"-hide_banner", "-loglevel", "warning", "-stats",
		"-f", "rawvideo", "-pix_fmt", "rgb24", "-s", "1280x720", "-r", "30", "-i", "-",
		"-f", "v4l2", "-pix_fmt", "yuv420p", "/dev/video20",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Args mismatch (-want +got):\n%s", diff)
	}
}

func TestSinkRejectsWrongSize(t *testing.T) {
	s := NewSink(Options{Device: "/dev/null", Width: 4, Height: 4, FPS: 30})
	frame := gocv.NewMatWithSize(2, 2, gocv.MatTypeCV8UC3)
	defer frame.Close()

	err := s.Write(frame)
	assert.True(t, errors.Is(err, ErrFrameSize))
	assert.Equal(t, int64(1), s.Stats().WriteErrors)
	assert.Equal(t, int64(0), s.Stats().Frames)
}

func TestSinkWriteBeforeStart(t *testing.T) {
	s := NewSink(Options{Device: "/dev/null", Width: 2, Height: 2, FPS: 30})
	frame := gocv.NewMatWithSize(2, 2, gocv.MatTypeCV8UC3)
	defer frame.Close()

	assert.Error(t, s.Write(frame))
	assert.False(t, s.Healthy())
}

func TestSinkWritesToProcess(t *testing.T) {
	// A shell drains stdin in place of ffmpeg
	s := NewSink(Options{Binary: "sh", Device: "/dev/null", Width: 2, Height: 2, FPS: 30})
	s.buildArgs = func(Options) []string { return []string{"-c", "cat > /dev/null"} }
	require.NoError(t, s.Start())
	defer s.Stop()

	frame := gocv.NewMatWithSize(2, 2, gocv.MatTypeCV8UC3)
	defer frame.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Write(frame))
	}
	assert.Equal(t, int64(3), s.Stats().Frames)
}

func fastMonitor(fps float64) *HealthMonitor {
	hm := NewHealthMonitor(fps)
	hm.frameTimeout = 200 * time.Millisecond
	hm.checkInterval = 50 * time.Millisecond
	return hm
}

func TestSinkRecoversFromWedgedProcess(t *testing.T) {
	// The first child never reads stdin, so a frame larger than the pipe
	// buffer blocks; the replacement drains it
	starts := 0
	s := NewSink(Options{Binary: "sh", Device: "/dev/null", Width: 640, Height: 480, FPS: 30})
	s.newMonitor = fastMonitor
	s.buildArgs = func(Options) []string {
		starts++
		if starts == 1 {
			return []string{"-c", "exec sleep 60"}
		}
		return []string{"-c", "cat > /dev/null"}
	}
	require.NoError(t, s.Start())
	defer s.Stop()

	frame := gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3)
	defer frame.Close()

	errc := make(chan error, 1)
	go func() { errc <- s.Write(frame) }()

	healthy := make(chan bool, 1)
	go func() { healthy <- s.Healthy() }()
	select {
	case <-healthy:
	case <-time.After(time.Second):
		t.Fatal("Healthy blocked behind a pending write")
	}

	select {
	case err := <-errc:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("write stayed blocked on a process that stopped reading")
	}
	assert.False(t, s.Healthy())

	require.NoError(t, s.Write(frame))
	assert.Equal(t, int64(1), s.Stats().Restarts)
	assert.Equal(t, int64(1), s.Stats().Frames)
	assert.Equal(t, 2, starts)
}

func TestSinkStopKeepsFinalOutput(t *testing.T) {
	s := NewSink(Options{Binary: "sh", Device: "/dev/null", Width: 2, Height: 2, FPS: 30})
	s.buildArgs = func(Options) []string {
		// Ignore SIGTERM so the line is written after stdin closes
		return []string{"-c", "trap '' TERM; cat > /dev/null; echo 'frame=  42 fps=30' >&2"}
	}
	require.NoError(t, s.Start())
	monitor := s.monitor.Load()

	s.Stop()

	recent := monitor.stderrBuffer.GetRecent()
	require.Len(t, recent, 1)
	assert.Contains(t, recent[0], "frame=  42")
	assert.Equal(t, 42, monitor.LastFrame())
}
