// Package background keeps the substitute background buffer in sync with its
// source file without re-decoding it on every frame.
package background

import (
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// Cache holds the current background buffer at capture resolution.
//
// A reload happens when the source file's mtime moves, when the requested
// (name, blur) pair differs from the cached one, or after Invalidate.
// A failed reload leaves the previous buffer in place, and it is still served
// while the same image is requested. A missing file is not a failure: it is
// the normal state when no background is configured.
type Cache struct {
	width  int
	height int
	loader Loader
	stat   func(string) (os.FileInfo, error)

	mu          sync.Mutex
	buffer      gocv.Mat
	hasBuffer   bool
	name        string
	blur        int
	modTime     time.Time
	invalidated bool
	loads       int
	failures    int
}

// NewCache creates a cache producing width x height buffers
func NewCache(width, height int, loader Loader) *Cache {
	if loader == nil {
		loader = ImageLoader{}
	}
	return &Cache{
		width:  width,
		height: height,
		loader: loader,
		stat:   os.Stat,
	}
}

// Get returns the background for imageName, blurred by blurRadius.
// The returned Mat is owned by the cache and must not be modified or closed.
func (c *Cache) Get(imageName string, blurRadius int) (gocv.Mat, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, err := c.stat(imageName)
	if err != nil {
		if !os.IsNotExist(err) {
			c.failures++
			log.WithField("image", imageName).Debug("[BACKGROUND] Couldn't stat background image: ", err)
		}
		return c.stale(imageName)
	}

	mtime := info.ModTime()
	if c.hasBuffer && !c.invalidated && imageName == c.name && blurRadius == c.blur && mtime.Equal(c.modTime) {
		return c.buffer, true
	}

	start := time.Now()
	fresh, err := c.loader.Load(imageName, c.width, c.height, blurRadius)
	if err != nil {
		c.failures++
		log.WithField("image", imageName).Warn("[BACKGROUND] Couldn't load background image: ", err)
		return c.stale(imageName)
	}

	// Replace, never mutate: the old buffer is released only after the new
	// one is ready
	if c.hasBuffer {
		c.buffer.Close()
	}
	c.buffer = fresh
	c.hasBuffer = true
	c.name = imageName
	c.blur = blurRadius
	c.modTime = mtime
	c.invalidated = false
	c.loads++

	log.WithFields(log.Fields{
		"image":    imageName,
		"blur":     blurRadius,
		"size":     []int{c.width, c.height},
		"duration": time.Since(start),
	}).Info("[BACKGROUND] Background loaded")

	return c.buffer, true
}

// stale returns the previous buffer if it was loaded from imageName. A buffer
// from another image is never substituted.
func (c *Cache) stale(imageName string) (gocv.Mat, bool) {
	if !c.hasBuffer || imageName != c.name {
		return gocv.Mat{}, false
	}
	return c.buffer, true
}

// Invalidate forces the next Get to reload from disk
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = true
}

// Loads returns the number of successful loads so far
func (c *Cache) Loads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loads
}

// Failures returns the number of failed stat or load attempts
func (c *Cache) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// Close releases the cached buffer
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasBuffer {
		c.buffer.Close()
		c.hasBuffer = false
	}
}
