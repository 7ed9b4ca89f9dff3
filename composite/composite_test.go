package composite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func solid(rows, cols int, r, g, b float64) gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(r, g, b, 0), rows, cols, gocv.MatTypeCV8UC3)
}

func maskOf(rows, cols int, v float64) gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(v, 0, 0, 0), rows, cols, gocv.MatTypeCV8UC1)
}

func pixels(t *testing.T, m gocv.Mat) []uint8 {
	t.Helper()
	p, err := m.DataPtrUint8()
	require.NoError(t, err)
	return append([]uint8(nil), p...)
}

func TestBlendFullMaskKeepsFrame(t *testing.T) {
	frame := solid(4, 5, 10, 20, 30)
	defer frame.Close()
	bg := solid(4, 5, 200, 200, 200)
	defer bg.Close()
	m := maskOf(4, 5, 255)
	defer m.Close()

	want := pixels(t, frame)
	require.NoError(t, Blend(&frame, m, bg))
	assert.Equal(t, want, pixels(t, frame))
}

func TestBlendEmptyMaskGivesBackground(t *testing.T) {
	frame := solid(4, 5, 10, 20, 30)
	defer frame.Close()
	bg := solid(4, 5, 200, 150, 100)
	defer bg.Close()
	m := maskOf(4, 5, 0)
	defer m.Close()

	require.NoError(t, Blend(&frame, m, bg))
	assert.Equal(t, pixels(t, bg), pixels(t, frame))
}

func TestBlendTruncates(t *testing.T) {
	frame := solid(1, 1, 255, 0, 101)
	defer frame.Close()
	bg := solid(1, 1, 0, 255, 0)
	defer bg.Close()
	m := maskOf(1, 1, 128)
	defer m.Close()

	require.NoError(t, Blend(&frame, m, bg))

	a := 128.0 / 255
	assert.Equal(t, []uint8{
		uint8(255 * a),
		uint8(255 * (1 - a)),
		uint8(101 * a),
	}, pixels(t, frame))
}

func TestBlendRejectsMismatch(t *testing.T) {
	frame := solid(4, 5, 0, 0, 0)
	defer frame.Close()
	bg := solid(5, 4, 0, 0, 0)
	defer bg.Close()
	m := maskOf(4, 5, 0)
	defer m.Close()

	assert.Error(t, Blend(&frame, m, bg))

	small := maskOf(2, 2, 0)
	defer small.Close()
	assert.Error(t, Blend(&frame, small, frame))
}

func TestApplyPassThroughIsExact(t *testing.T) {
	c := NewCompositor()
	defer c.Close()

	frame := solid(6, 6, 1, 2, 3)
	defer frame.Close()
	frame.SetUCharAt(2, 2, 99)
	m := maskOf(6, 6, 0)
	defer m.Close()

	want := pixels(t, frame)
	outcome, err := c.Apply(&frame, m, gocv.NewMat(), false, Options{})
	require.NoError(t, err)
	assert.Equal(t, PassThrough, outcome)
	assert.Equal(t, want, pixels(t, frame))
	assert.False(t, Wants(false, Options{}))
}

func TestApplyComposites(t *testing.T) {
	c := NewCompositor()
	defer c.Close()

	frame := solid(3, 3, 10, 10, 10)
	defer frame.Close()
	bg := solid(3, 3, 50, 60, 70)
	defer bg.Close()
	m := maskOf(3, 3, 0)
	defer m.Close()

	outcome, err := c.Apply(&frame, m, bg, true, Options{BlurBackground: 5})
	require.NoError(t, err)
	assert.Equal(t, Composited, outcome)
	assert.Equal(t, pixels(t, bg), pixels(t, frame))
}

func TestApplySelfBlur(t *testing.T) {
	c := NewCompositor()
	defer c.Close()

	frame := solid(9, 9, 0, 0, 0)
	defer frame.Close()
	for x := 0; x < 9; x++ {
		frame.SetUCharAt(4, x*3, 255)
	}
	m := maskOf(9, 9, 0)
	defer m.Close()

	outcome, err := c.Apply(&frame, m, gocv.NewMat(), false, Options{BlurBackground: 3})
	require.NoError(t, err)
	assert.Equal(t, SelfBlurred, outcome)

	// The bright row is smeared into its neighbours
	assert.Equal(t, uint8(85), frame.GetUCharAt(4, 12))
	assert.Equal(t, uint8(85), frame.GetUCharAt(3, 12))
	assert.Equal(t, uint8(0), frame.GetUCharAt(1, 12))
}

func TestApplyShowMask(t *testing.T) {
	c := NewCompositor()
	defer c.Close()

	frame := solid(2, 2, 9, 9, 9)
	defer frame.Close()
	m := maskOf(2, 2, 0)
	defer m.Close()
	m.SetUCharAt(0, 1, 255)

	outcome, err := c.Apply(&frame, m, gocv.NewMat(), false, Options{ShowMask: true})
	require.NoError(t, err)
	assert.Equal(t, MaskShown, outcome)
	assert.Equal(t, []uint8{0, 0, 0, 255, 255, 255, 0, 0, 0, 0, 0, 0}, pixels(t, frame))
}

func TestWants(t *testing.T) {
	assert.True(t, Wants(true, Options{}))
	assert.True(t, Wants(false, Options{BlurBackground: 1}))
	assert.True(t, Wants(false, Options{ShowMask: true}))
}
