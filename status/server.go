// Package status exposes the running pipeline's counters over HTTP and
// publishes them to Redis.
package status

import (
	"context"
	"errors"
	"net/http"
	"time"

	"fakecam/config"
	"fakecam/pipeline"
	"fakecam/pkg/ffmpeg"
	"fakecam/segmentation"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Sources are the read-only views the status surfaces draw from. Nil funcs
// are omitted from reports.
type Sources struct {
	Session  string
	Provider segmentation.ProviderInfo
	Stats    func() pipeline.Snapshot
	Sink     func() ffmpeg.SinkStats
	Healthy  func() bool
	Config   func() config.Config
}

// Report is the document served on /v1/stats and published to Redis
type Report struct {
	Session  string            `json:"session"`
	Time     time.Time         `json:"time"`
	Backend  string            `json:"backend"`
	Device   string            `json:"device"`
	Pipeline pipeline.Snapshot `json:"pipeline"`
	Sink     *ffmpeg.SinkStats `json:"sink,omitempty"`
}

// Report assembles the current report
func (s Sources) Report() Report {
	r := Report{
		Session: s.Session,
		Time:    time.Now().UTC(),
		Backend: s.Provider.Backend,
		Device:  s.Provider.Device,
	}
	if s.Stats != nil {
		r.Pipeline = s.Stats()
	}
	if s.Sink != nil {
		sink := s.Sink()
		r.Sink = &sink
	}
	return r
}

// NewRouter builds the gin engine serving the status endpoints
func NewRouter(src Sources) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		if src.Healthy != nil && !src.Healthy() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/v1/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, src.Report())
	})

	router.GET("/v1/config", func(c *gin.Context) {
		if src.Config == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no config store"})
			return
		}
		c.JSON(http.StatusOK, src.Config())
	})

	return router
}

// Server runs the status router on its own goroutine
type Server struct {
	srv *http.Server
}

// NewServer creates a server listening on addr
func NewServer(addr string, src Sources) *Server {
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           NewRouter(src),
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Start begins serving in the background
func (s *Server) Start() {
	go func() {
		log.WithField("addr", s.srv.Addr).Info("[STATUS] HTTP server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("[STATUS] HTTP server failed")
		}
	}()
}

// Shutdown stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
