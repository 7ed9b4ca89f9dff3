package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Normalization modes for the model input
const (
	NormalizationScale    = "scale"    // p/127.5 - 1
	NormalizationImagenet = "imagenet" // (p + mean)/127.5 - 1
)

// DefaultPath is where the tunables file is looked up when -config is not given
const DefaultPath = "config.yaml"

// Config holds the per-frame tunables. It is a value type: every frame works
// on its own copy and a reload never changes a snapshot already handed out.
type Config struct {
	SegmentationThreshold float64 `yaml:"segmentation_threshold" json:"segmentation_threshold"`
	Dilate                int     `yaml:"dilate" json:"dilate"`
	Erode                 int     `yaml:"erode" json:"erode"`
	Blur                  int     `yaml:"blur" json:"blur"`
	BlurBackground        int     `yaml:"blur_background" json:"blur_background"`
	ImageName             string  `yaml:"image_name" json:"image_name"`
	DebugShowMask         bool    `yaml:"debug_show_mask" json:"debug_show_mask"`

	InternalResolution float64 `yaml:"internal_resolution" json:"internal_resolution"`
	Sigmoid            bool    `yaml:"sigmoid" json:"sigmoid"`
	Normalization      string  `yaml:"normalization" json:"normalization"`
}

// Defaults returns the configuration used for every key the file leaves out
func Defaults() Config {
	return Config{
		SegmentationThreshold: 0.75,
		ImageName:             "background.jpg",
		InternalResolution:    0.5,
		Sigmoid:               true,
		Normalization:         NormalizationScale,
	}
}

// Validate checks value ranges
func (c Config) Validate() error {
	if c.SegmentationThreshold <= 0 || c.SegmentationThreshold >= 1 {
		return fmt.Errorf("segmentation_threshold must be between 0 and 1, got %v", c.SegmentationThreshold)
	}
	if c.Dilate < 0 {
		return fmt.Errorf("dilate must be non-negative, got %d", c.Dilate)
	}
	if c.Erode < 0 {
		return fmt.Errorf("erode must be non-negative, got %d", c.Erode)
	}
	if c.Blur < 0 {
		return fmt.Errorf("blur must be non-negative, got %d", c.Blur)
	}
	if c.BlurBackground < 0 {
		return fmt.Errorf("blur_background must be non-negative, got %d", c.BlurBackground)
	}
	if c.InternalResolution <= 0 || c.InternalResolution > 1 {
		return fmt.Errorf("internal_resolution must be in (0, 1], got %v", c.InternalResolution)
	}
	switch c.Normalization {
	case NormalizationScale, NormalizationImagenet:
	default:
		return fmt.Errorf("normalization must be %q or %q, got %q", NormalizationScale, NormalizationImagenet, c.Normalization)
	}
	return nil
}

// Parse decodes YAML over the defaults and validates the result
func Parse(data []byte) (Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Store keeps the current snapshot and refreshes it from a watched file
type Store struct {
	path string

	stat     func(string) (os.FileInfo, error)
	readFile func(string) ([]byte, error)

	mu         sync.RWMutex
	current    Config
	modTime    time.Time
	hasModTime bool
	reloads    int

	onInvalidate func()
}

// NewStore creates a store for path. The snapshot starts at Defaults().
func NewStore(path string) *Store {
	return &Store{
		path:     path,
		stat:     os.Stat,
		readFile: os.ReadFile,
		current:  Defaults(),
	}
}

// OnInvalidate registers fn to run when a reload changes a key that affects
// derived background data (image_name, blur_background)
func (s *Store) OnInvalidate(fn func()) {
	s.onInvalidate = fn
}

// Current returns the last good snapshot. Safe for use from other goroutines.
func (s *Store) Current() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Reloads returns how many times the file has been parsed successfully
func (s *Store) Reloads() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reloads
}

// Refresh re-reads the file when its modification time changed and returns
// the current snapshot. Failures are logged and leave the snapshot as is.
func (s *Store) Refresh() Config {
	info, err := s.stat(s.path)
	if err != nil {
		log.WithField("path", s.path).Debug("[CONFIG] Config file not readable, keeping current settings: ", err)
		return s.Current()
	}

	mtime := info.ModTime()
	s.mu.RLock()
	unchanged := s.hasModTime && mtime.Equal(s.modTime)
	s.mu.RUnlock()
	if unchanged {
		return s.Current()
	}

	data, err := s.readFile(s.path)
	if err != nil {
		log.WithField("path", s.path).Warn("[CONFIG] Couldn't read config file: ", err)
		return s.Current()
	}

	cfg, err := Parse(data)

	s.mu.Lock()
	// Remember the timestamp even on a bad parse so a broken file is not
	// re-read every frame; the next edit bumps the mtime again
	s.modTime = mtime
	s.hasModTime = true
	if err != nil {
		s.mu.Unlock()
		log.WithField("path", s.path).Warn("[CONFIG] Keeping previous settings: ", err)
		return s.Current()
	}

	previous := s.current
	s.current = cfg
	s.reloads++
	s.mu.Unlock()

	log.WithFields(log.Fields{
		"path":      s.path,
		"threshold": cfg.SegmentationThreshold,
		"image":     cfg.ImageName,
	}).Info("[CONFIG] Settings reloaded")

	if previous.ImageName != cfg.ImageName || previous.BlurBackground != cfg.BlurBackground {
		log.Debug("[CONFIG] Background parameters changed, invalidating background cache")
		if s.onInvalidate != nil {
			s.onInvalidate()
		}
	}

	return cfg
}
