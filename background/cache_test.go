package background

import (
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

type countingLoader struct {
	loads int
	fail  bool
	last  [3]int
}

func (l *countingLoader) Load(path string, width, height, blur int) (gocv.Mat, error) {
	if l.fail {
		return gocv.NewMat(), errors.New("disk on fire")
	}
	l.loads++
	l.last = [3]int{width, height, blur}
	return gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC3), nil
}

func touch(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	if _, err := os.Stat(path); err != nil {
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	}
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestCacheReusesBufferWhenUnchanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bg.jpg")
	touch(t, path, time.Unix(1000, 0))

	loader := &countingLoader{}
	c := NewCache(64, 48, loader)
	defer c.Close()

	first, ok := c.Get(path, 0)
	require.True(t, ok)
	for i := 0; i < 5; i++ {
		again, ok := c.Get(path, 0)
		require.True(t, ok)
		assert.Equal(t, first.Ptr(), again.Ptr())
	}

	assert.Equal(t, 1, loader.loads)
	assert.Equal(t, 1, c.Loads())
	assert.Equal(t, [3]int{64, 48, 0}, loader.last)
}

func TestCacheReloadsOnMtimeChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bg.jpg")
	touch(t, path, time.Unix(1000, 0))

	loader := &countingLoader{}
	c := NewCache(16, 16, loader)
	defer c.Close()

	c.Get(path, 0)
	touch(t, path, time.Unix(2000, 0))
	c.Get(path, 0)
	c.Get(path, 0)

	assert.Equal(t, 2, loader.loads)
}

func TestCacheReloadsOnParameterChange(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.jpg")
	b := filepath.Join(dir, "b.jpg")
	touch(t, a, time.Unix(1000, 0))
	touch(t, b, time.Unix(1000, 0))

	loader := &countingLoader{}
	c := NewCache(16, 16, loader)
	defer c.Close()

	c.Get(a, 0)
	c.Get(a, 5)
	assert.Equal(t, [3]int{16, 16, 5}, loader.last)
	c.Get(b, 5)
	c.Get(b, 5)

	assert.Equal(t, 3, loader.loads)
}

func TestCacheInvalidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bg.jpg")
	touch(t, path, time.Unix(1000, 0))

	loader := &countingLoader{}
	c := NewCache(16, 16, loader)
	defer c.Close()

	c.Get(path, 0)
	c.Invalidate()
	c.Get(path, 0)
	c.Get(path, 0)

	assert.Equal(t, 2, loader.loads)
}

func TestCacheAbsentWithoutSource(t *testing.T) {
	loader := &countingLoader{}
	c := NewCache(16, 16, loader)
	defer c.Close()

	_, ok := c.Get(filepath.Join(t.TempDir(), "missing.jpg"), 0)
	assert.False(t, ok)
	assert.Equal(t, 0, loader.loads)
	// No file is the pass-through steady state, not an error
	assert.Equal(t, 0, c.Failures())
}

func TestCacheDoesNotServeOtherImage(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.jpg")
	b := filepath.Join(dir, "b.jpg")
	touch(t, a, time.Unix(1000, 0))

	loader := &countingLoader{}
	c := NewCache(16, 16, loader)
	defer c.Close()

	_, ok := c.Get(a, 0)
	require.True(t, ok)

	_, ok = c.Get(b, 0)
	assert.False(t, ok, "a missing image must not fall back to the previous one")

	touch(t, b, time.Unix(1000, 0))
	loader.fail = true
	_, ok = c.Get(b, 0)
	assert.False(t, ok, "a broken image must not fall back to the previous one")
	assert.Equal(t, 1, c.Failures())

	// The original image is still cached
	loader.fail = false
	_, ok = c.Get(a, 0)
	require.True(t, ok)
	assert.Equal(t, 1, loader.loads)
}

func TestCacheKeepsPreviousBufferOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bg.jpg")
	touch(t, path, time.Unix(1000, 0))

	loader := &countingLoader{}
	c := NewCache(16, 16, loader)
	defer c.Close()

	good, ok := c.Get(path, 0)
	require.True(t, ok)

	loader.fail = true
	touch(t, path, time.Unix(2000, 0))
	stale, ok := c.Get(path, 0)
	require.True(t, ok)
	assert.Equal(t, good.Ptr(), stale.Ptr())

	require.NoError(t, os.Remove(path))
	stale, ok = c.Get(path, 0)
	require.True(t, ok)
	assert.Equal(t, good.Ptr(), stale.Ptr())

	// The failed attempt was not recorded, so recovery reloads
	loader.fail = false
	touch(t, path, time.Unix(2000, 0))
	_, ok = c.Get(path, 0)
	require.True(t, ok)
	assert.Equal(t, 2, loader.loads)
}

func TestImageLoaderResizesToCaptureSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bg.png")

	src := image.NewNRGBA(image.Rect(0, 0, 8, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 8; x++ {
			src.Set(x, y, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, src))
	require.NoError(t, f.Close())

	m, err := ImageLoader{}.Load(path, 20, 10, 3)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, 10, m.Rows())
	assert.Equal(t, 20, m.Cols())
	assert.Equal(t, gocv.MatTypeCV8UC3, m.Type())

	// RGB order, and a uniform image survives both resize and box blur
	v := m.GetVecbAt(5, 10)
	assert.Equal(t, uint8(200), v[0])
	assert.Equal(t, uint8(100), v[1])
	assert.Equal(t, uint8(50), v[2])
}

func TestImageLoaderMissingFile(t *testing.T) {
	_, err := ImageLoader{}.Load(filepath.Join(t.TempDir(), "nope.png"), 10, 10, 0)
	assert.Error(t, err)
}
