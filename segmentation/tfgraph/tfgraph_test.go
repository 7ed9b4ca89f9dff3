package tfgraph

import (
	"testing"

	"fakecam/segmentation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDenseFromValueNHWC(t *testing.T) {
	v := [][][][]float32{{
		{{1}, {2}, {3}},
		{{4}, {5}, {6}},
	}}

	scores, err := denseFromValue(v)
	require.NoError(t, err)

	r, c := scores.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 3, c)
	assert.Equal(t, 6.0, scores.At(1, 2))
}

func TestDenseFromValueSqueezed(t *testing.T) {
	scores, err := denseFromValue([][][]float32{{{0.5, 0.25}}})
	require.NoError(t, err)
	assert.Equal(t, 0.25, scores.At(0, 1))
}

func TestDenseFromValueRejects(t *testing.T) {
	_, err := denseFromValue([][][][]float32{{{{1, 2}}}})
	assert.Error(t, err)

	_, err = denseFromValue([][][][]float32{})
	assert.ErrorIs(t, err, segmentation.ErrNoOutput)

	_, err = denseFromValue([]int64{1})
	assert.Error(t, err)
}

func TestLoadMissingGraph(t *testing.T) {
	_, err := Load(t.TempDir()+"/missing.pb", segmentation.TensorNames{Input: "in", Output: "out"})
	assert.Error(t, err)
}
