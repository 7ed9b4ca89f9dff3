package ffmpeg

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

var (
	frameRegex          = regexp.MustCompile(`frame=\s*(\d+)`)
	timestampErrorRegex = regexp.MustCompile(`(?i)((DTS|PTS)\s+\d+,\s+next:\d+.*invalid dropping|Non-monotonic DTS.*previous:.*current:.*changing to)`)
)

// timestampErrorLimit errors within timestampErrorWindow mark the process unhealthy
const (
	timestampErrorLimit  = 3
	timestampErrorWindow = 30 * time.Second
)

// OutputBuffer is a ring of the most recent output lines, kept for crash dumps
type OutputBuffer struct {
	lines    []string
	maxLines int
	index    int
	full     bool
	now      func() time.Time
	mutex    sync.RWMutex
}

// NewOutputBuffer creates a ring holding up to maxLines lines
func NewOutputBuffer(maxLines int) *OutputBuffer {
	return &OutputBuffer{
		lines:    make([]string, maxLines),
		maxLines: maxLines,
		now:      time.Now,
	}
}

// Add stores a timestamped line, evicting the oldest when full
func (ob *OutputBuffer) Add(line string) {
	ob.mutex.Lock()
	defer ob.mutex.Unlock()

	ob.lines[ob.index] = fmt.Sprintf("[%s] %s", ob.now().Format("15:04:05.000"), line)
	ob.index = (ob.index + 1) % ob.maxLines
	if ob.index == 0 {
		ob.full = true
	}
}

// GetRecent returns the stored lines, oldest first
func (ob *OutputBuffer) GetRecent() []string {
	ob.mutex.RLock()
	defer ob.mutex.RUnlock()

	result := []string{}
	if ob.full {
		for i := 0; i < ob.maxLines; i++ {
			result = append(result, ob.lines[(ob.index+i)%ob.maxLines])
		}
		return result
	}
	return append(result, ob.lines[:ob.index]...)
}

// ParseFrame extracts the frame counter from an ffmpeg progress line
func ParseFrame(line string) (int, bool) {
	matches := frameRegex.FindStringSubmatch(line)
	if len(matches) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// IsTimestampError reports whether line is one of the muxer timestamp errors
// that precede a wedged output
func IsTimestampError(line string) bool {
	return timestampErrorRegex.MatchString(line)
}

// scanLinesOrCR splits on \n and on the bare \r ffmpeg uses to rewrite its
// progress line in place
func scanLinesOrCR(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, bytes.TrimRight(data[:i], "\r"), nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// HealthMonitor watches an ffmpeg process's output for liveness and frame
// progress
type HealthMonitor struct {
	cmd             *exec.Cmd
	isRunning       bool
	lastOutput      time.Time
	lastFrameNumber int
	lastFrameUpdate time.Time
	healthTimeout   time.Duration
	frameTimeout    time.Duration
	checkInterval   time.Duration

	timestampErrors int
	lastErrorTime   time.Time
	forceUnhealthy  bool

	stderrBuffer *OutputBuffer
	stdoutBuffer *OutputBuffer

	onUnhealthy func(reason string)
	now         func() time.Time

	mutex sync.RWMutex

	stderrPipe io.ReadCloser
	stdoutPipe io.ReadCloser
	readers    sync.WaitGroup
	active     atomic.Bool
	done       chan struct{}
}

// NewHealthMonitor creates a monitor that expects frame progress at least
// every 200 frames at the given rate
func NewHealthMonitor(fps float64) *HealthMonitor {
	if fps <= 0 {
		fps = 30
	}
	return &HealthMonitor{
		healthTimeout: 30 * time.Second,
		frameTimeout:  time.Duration(200 / fps * float64(time.Second)),
		checkInterval: 5 * time.Second,
		stderrBuffer:  NewOutputBuffer(100),
		stdoutBuffer:  NewOutputBuffer(100),
		now:           time.Now,
	}
}

// Attach creates the output pipes. It must be called before cmd.Start.
func (hm *HealthMonitor) Attach(cmd *exec.Cmd, onUnhealthy func(reason string)) error {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	hm.cmd = cmd
	hm.onUnhealthy = onUnhealthy
	hm.reset()

	var err error
	hm.stderrPipe, err = cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	hm.stdoutPipe, err = cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	log.Debug("[FFMPEG_MONITOR] Health monitor pipes created")
	return nil
}

func (hm *HealthMonitor) reset() {
	now := hm.now()
	hm.isRunning = true
	hm.lastOutput = now
	hm.lastFrameUpdate = now
	hm.lastFrameNumber = 0
	hm.timestampErrors = 0
	hm.forceUnhealthy = false
}

// Begin starts the output readers and the health loop once the process runs
func (hm *HealthMonitor) Begin() {
	hm.mutex.Lock()
	if hm.cmd != nil && hm.cmd.Process != nil {
		log.WithField("pid", hm.cmd.Process.Pid).Info("[FFMPEG_MONITOR] Starting health monitoring")
	}
	hm.done = make(chan struct{})
	done := hm.done
	hm.mutex.Unlock()

	hm.active.Store(true)
	hm.readers.Add(2)
	go hm.monitorOutput(hm.stderrPipe, "STDERR", hm.stderrBuffer)
	go hm.monitorOutput(hm.stdoutPipe, "STDOUT", hm.stdoutBuffer)
	go hm.healthCheckLoop(done)
}

// Healthy reports whether the process is producing output and making progress
func (hm *HealthMonitor) Healthy() bool {
	hm.mutex.RLock()
	defer hm.mutex.RUnlock()
	return hm.unhealthyReason() == ""
}

// Stop ends monitoring without triggering the unhealthy callback
func (hm *HealthMonitor) Stop() {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	if hm.active.CompareAndSwap(true, false) {
		log.Debug("[FFMPEG_MONITOR] Stopping health monitoring")
		close(hm.done)
	}
	hm.isRunning = false
}

// WaitOutput blocks until both output readers have hit EOF. The process must
// not be reaped before then or its last lines are lost.
func (hm *HealthMonitor) WaitOutput() {
	hm.readers.Wait()
}

// DumpCrashInfo logs the buffered output of both streams
func (hm *HealthMonitor) DumpCrashInfo() {
	entry := log.WithField("component", "FFMPEG_CRASH")
	entry.Warn(strings.Repeat("=", 60))
	entry.Warn("FFMPEG CRASH DUMP - RECENT OUTPUT")

	for _, stream := range []struct {
		name string
		buf  *OutputBuffer
	}{{"STDERR", hm.stderrBuffer}, {"STDOUT", hm.stdoutBuffer}} {
		lines := stream.buf.GetRecent()
		entry.Warnf("RECENT %s (last %d lines):", stream.name, len(lines))
		if len(lines) == 0 {
			entry.Warnf("(no %s output captured)", strings.ToLower(stream.name))
		}
		for _, line := range lines {
			entry.Warn(line)
		}
	}
	entry.Warn(strings.Repeat("=", 60))
}

func (hm *HealthMonitor) monitorOutput(pipe io.ReadCloser, source string, buffer *OutputBuffer) {
	defer hm.readers.Done()
	defer pipe.Close()

	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(scanLinesOrCR)

	lineCount := 0
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		lineCount++
		buffer.Add(line)
		hm.processOutputLine(line, source)
		log.Debugf("[FFMPEG_%s] %s", source, line)
	}

	if err := scanner.Err(); err != nil {
		log.WithError(err).Warnf("[FFMPEG_MONITOR] Scanner error for %s", source)
		buffer.Add(fmt.Sprintf("SCANNER_ERROR: %v", err))
	}
	log.WithField("lines", lineCount).Debugf("[FFMPEG_MONITOR] Output monitor for %s finished", source)
}

// processOutputLine updates liveness, frame progress and the timestamp error
// counter from one line of output
func (hm *HealthMonitor) processOutputLine(line, source string) {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	now := hm.now()
	if !hm.forceUnhealthy {
		hm.lastOutput = now
	}

	if IsTimestampError(line) {
		if now.Sub(hm.lastErrorTime) > timestampErrorWindow {
			hm.timestampErrors = 0
		}
		hm.timestampErrors++
		hm.lastErrorTime = now

		log.WithFields(log.Fields{
			"source": source,
			"count":  hm.timestampErrors,
		}).Warn("[FFMPEG_MONITOR] Timestamp error: ", line)

		if hm.timestampErrors >= timestampErrorLimit {
			log.Error("[FFMPEG_MONITOR] Timestamp error threshold reached, marking unhealthy")
			hm.forceUnhealthy = true
			hm.timestampErrors = 0
			return
		}
	}

	if frameNum, ok := ParseFrame(line); ok && frameNum > hm.lastFrameNumber {
		hm.lastFrameNumber = frameNum
		hm.lastFrameUpdate = now
	}
}

func (hm *HealthMonitor) healthCheckLoop(done <-chan struct{}) {
	ticker := time.NewTicker(hm.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			hm.mutex.RLock()
			reason := hm.unhealthyReason()
			callback := hm.onUnhealthy
			hm.mutex.RUnlock()

			if reason == "" {
				continue
			}

			log.WithField("reason", reason).Error("[FFMPEG_MONITOR] FFmpeg became unhealthy")
			hm.DumpCrashInfo()
			if callback != nil {
				callback(reason)
			}
			return
		}
	}
}

// unhealthyReason returns "" when healthy. Callers hold the mutex.
func (hm *HealthMonitor) unhealthyReason() string {
	now := hm.now()

	switch {
	case !hm.isRunning:
		return "process not running"
	case hm.forceUnhealthy:
		return "forced unhealthy due to repeated timestamp errors"
	case now.Sub(hm.lastOutput) > hm.healthTimeout:
		return fmt.Sprintf("no output received for %v", now.Sub(hm.lastOutput).Round(time.Millisecond))
	case now.Sub(hm.lastFrameUpdate) > hm.frameTimeout:
		return fmt.Sprintf("no frame progress for %v (last frame: %d)",
			now.Sub(hm.lastFrameUpdate).Round(time.Millisecond), hm.lastFrameNumber)
	}
	return ""
}

// LastFrame returns the most recent frame counter ffmpeg reported
func (hm *HealthMonitor) LastFrame() int {
	hm.mutex.RLock()
	defer hm.mutex.RUnlock()
	return hm.lastFrameNumber
}
