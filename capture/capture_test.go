package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func TestNormalizeSwapsChannels(t *testing.T) {
	raw := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(10, 20, 30, 0), 4, 6, gocv.MatTypeCV8UC3)
	defer raw.Close()
	dst := gocv.NewMat()
	defer dst.Close()

	require.NoError(t, Normalize(raw, &dst, 6, 4))

	v := dst.GetVecbAt(1, 1)
	assert.Equal(t, []uint8{30, 20, 10}, []uint8{v[0], v[1], v[2]})
}

func TestNormalizeResizesToCaptureSize(t *testing.T) {
	raw := gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3)
	defer raw.Close()
	dst := gocv.NewMat()
	defer dst.Close()

	require.NoError(t, Normalize(raw, &dst, 320, 180))
	assert.Equal(t, 320, dst.Cols())
	assert.Equal(t, 180, dst.Rows())
}

func TestNormalizeRejectsGray(t *testing.T) {
	raw := gocv.NewMatWithSize(4, 4, gocv.MatTypeCV8UC1)
	defer raw.Close()
	dst := gocv.NewMat()
	defer dst.Close()

	assert.Error(t, Normalize(raw, &dst, 4, 4))
}
