package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fakecam/background"
	"fakecam/capture"
	"fakecam/config"
	"fakecam/pipeline"
	"fakecam/pkg/ffmpeg"
	"fakecam/segmentation"
	"fakecam/segmentation/tfgraph"
	"fakecam/status"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Exit codes
const (
	exitOK      = 0
	exitSetup   = 1
	exitCapture = 2
)

var (
	device     = flag.String("device", "/dev/video0", "Camera device to capture from")
	width      = flag.Int("width", 1280, "Capture and output width")
	height     = flag.Int("height", 720, "Capture and output height")
	fps        = flag.Float64("fps", 30, "Capture and output frame rate")
	output     = flag.String("output", "/dev/video2", "v4l2 loopback device to write to")
	ffmpegPath = flag.String("ffmpeg", "ffmpeg", "Path to the ffmpeg binary")
	configPath = flag.String("config", config.DefaultPath, "YAML file with hot-reloaded tunables")

	modelPath   = flag.String("model", "bodypix_mobilenet_float_050_model-stride16.pb", "Frozen segmentation graph")
	modelInput  = flag.String("model-input", "sub_2", "Name of the model's input operation")
	modelOutput = flag.String("model-output", "float_segments", "Name of the model's segment score operation")
	backend     = flag.String("backend", "opencv", "Inference backend: opencv or tensorflow")
	stride      = flag.Int("stride", 16, "Output stride of the segmentation model")

	statusOverlay = flag.Bool("status-overlay", false, "Show status information overlay (time, FPS, mode) in lower-left corner")
	httpAddress   = flag.String("http", "", "Listen address for the status server, empty to disable")
	redisAddress  = flag.String("redis-address", "", "Redis server to publish status to, empty to disable")
	debugMode     = flag.Bool("debug", false, "Enable debug logging")
)

// sessionHook stamps every log entry with the run's session id
type sessionHook struct {
	id string
}

func (h sessionHook) Levels() []log.Level { return log.AllLevels }

func (h sessionHook) Fire(e *log.Entry) error {
	e.Data["session"] = h.id
	return nil
}

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	session := uuid.New().String()
	log.AddHook(sessionHook{id: session})
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if *debugMode {
		log.SetLevel(log.DebugLevel)
	}

	if err := validateFlags(); err != nil {
		log.WithError(err).Error("[MAIN] Invalid flags")
		flag.Usage()
		return exitSetup
	}

	store := config.NewStore(*configPath)
	cfg := store.Refresh()
	log.WithField("config", fmt.Sprintf("%+v", cfg)).Info("[MAIN] Configuration loaded")

	segmenter, err := newSegmenter()
	if err != nil {
		log.WithError(err).Error("[MAIN] Could not load segmentation model")
		return exitSetup
	}
	defer segmenter.Close()
	info := segmenter.Info()
	log.WithFields(log.Fields{
		"type":    info.Type,
		"backend": info.Backend,
		"device":  info.Device,
		"init":    info.InitTime,
	}).Info("[MAIN] Segmentation provider ready")

	camera, err := capture.Open(*device, *width, *height, *fps)
	if err != nil {
		log.WithError(err).Error("[MAIN] Could not open camera")
		return exitCapture
	}
	defer camera.Close()

	sink := ffmpeg.NewSink(ffmpeg.Options{
		Binary: *ffmpegPath,
		Device: *output,
		Width:  *width,
		Height: *height,
		FPS:    *fps,
	})
	if err := sink.Start(); err != nil {
		log.WithError(err).Error("[MAIN] Could not start FFmpeg")
		return exitSetup
	}
	defer sink.Stop()

	backgrounds := background.NewCache(*width, *height, background.ImageLoader{})
	defer backgrounds.Close()
	store.OnInvalidate(backgrounds.Invalidate)

	controller := pipeline.NewController(camera, sink, segmenter, store, backgrounds, pipeline.Options{
		Stride:        *stride,
		StatusOverlay: *statusOverlay,
	})
	defer controller.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sources := status.Sources{
		Session:  session,
		Provider: info,
		Stats:    controller.Stats().Snapshot,
		Sink:     sink.Stats,
		Healthy:  sink.Healthy,
		Config:   store.Current,
	}

	if *httpAddress != "" {
		server := status.NewServer(*httpAddress, sources)
		server.Start()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			server.Shutdown(shutdownCtx)
		}()
	}

	if *redisAddress != "" {
		publisher := status.NewPublisher(*redisAddress, session, 5*time.Second, sources.Report)
		defer publisher.Close()
		go publisher.Run(ctx)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.WithField("signal", sig).Info("[MAIN] Shutting down")
		cancel()
	}()

	if err := controller.Run(ctx); err != nil {
		if errors.Is(err, pipeline.ErrCapture) {
			log.WithError(err).Error("[MAIN] Camera stopped delivering frames")
			return exitCapture
		}
		log.WithError(err).Error("[MAIN] Frame loop failed")
		return exitSetup
	}
	return exitOK
}

func validateFlags() error {
	if *width <= 0 || *height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", *width, *height)
	}
	if *fps <= 0 {
		return fmt.Errorf("invalid frame rate %v", *fps)
	}
	if *stride <= 0 {
		return fmt.Errorf("invalid output stride %d", *stride)
	}
	switch *backend {
	case "opencv", "tensorflow":
	default:
		return fmt.Errorf("unknown backend %q", *backend)
	}
	return nil
}

func newSegmenter() (segmentation.Segmenter, error) {
	names := segmentation.TensorNames{Input: *modelInput, Output: *modelOutput}
	if *backend == "tensorflow" {
		p, err := tfgraph.Load(*modelPath, names)
		if err != nil {
			return nil, err
		}
		return p, nil
	}

	pm := segmentation.NewProviderManager()
	if err := pm.Initialize(*modelPath, names); err != nil {
		return nil, err
	}
	return pm, nil
}
