// Package tfgraph runs the segmentation model through the TensorFlow C API.
// It is kept apart from package segmentation so that only binaries selecting
// the tensorflow backend link against libtensorflow.
package tfgraph

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"fakecam/segmentation"

	log "github.com/sirupsen/logrus"
	tf "github.com/tensorflow/tensorflow/tensorflow/go"
	"gonum.org/v1/gonum/mat"
)

// Predictor holds an imported frozen graph and an open session. Input and
// output operations are resolved once, when the graph is loaded.
type Predictor struct {
	graph   *tf.Graph
	session *tf.Session
	input   tf.Output
	output  tf.Output
	info    segmentation.ProviderInfo
	buf     bytes.Buffer
	mu      sync.Mutex
}

// Load reads the frozen graph at modelPath and opens a session over it
func Load(modelPath string, names segmentation.TensorNames) (*Predictor, error) {
	start := time.Now()

	model, err := os.ReadFile(modelPath)
	if err != nil {
		return nil, fmt.Errorf("could not read graph: %w", err)
	}

	graph := tf.NewGraph()
	if err := graph.Import(model, ""); err != nil {
		return nil, fmt.Errorf("could not import graph: %w", err)
	}

	in := graph.Operation(names.Input)
	if in == nil {
		return nil, fmt.Errorf("graph has no operation %q", names.Input)
	}
	out := graph.Operation(names.Output)
	if out == nil {
		return nil, fmt.Errorf("graph has no operation %q", names.Output)
	}

	session, err := tf.NewSession(graph, nil)
	if err != nil {
		return nil, fmt.Errorf("could not start session: %w", err)
	}

	p := &Predictor{
		graph:   graph,
		session: session,
		input:   in.Output(0),
		output:  out.Output(0),
		info: segmentation.ProviderInfo{
			Type:     "CPU",
			Backend:  "TensorFlow " + tf.Version(),
			Device:   "default",
			InitTime: time.Since(start),
		},
	}
	log.WithFields(log.Fields{
		"input":  names.Input,
		"output": names.Output,
		"init":   p.info.InitTime,
	}).Info("[TFGRAPH] Graph loaded")
	return p, nil
}

// Segment implements segmentation.Segmenter
func (p *Predictor) Segment(in segmentation.Input) (*mat.Dense, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tensor, err := p.tensorFromInput(in)
	if err != nil {
		return nil, err
	}

	output, err := p.session.Run(
		map[tf.Output]*tf.Tensor{p.input: tensor},
		[]tf.Output{p.output},
		nil)
	if err != nil {
		return nil, fmt.Errorf("session run failed: %w", err)
	}
	if len(output) == 0 {
		return nil, segmentation.ErrNoOutput
	}

	return denseFromValue(output[0].Value())
}

// tensorFromInput serializes the NHWC input as a 1xHxWx3 float tensor
func (p *Predictor) tensorFromInput(in segmentation.Input) (*tf.Tensor, error) {
	if len(in.Data) != in.Height*in.Width*3 {
		return nil, fmt.Errorf("input size mismatch: %d values for %dx%d", len(in.Data), in.Width, in.Height)
	}

	p.buf.Reset()
	if err := binary.Write(&p.buf, binary.LittleEndian, in.Data); err != nil {
		return nil, err
	}
	shape := []int64{1, int64(in.Height), int64(in.Width), 3}
	return tf.ReadTensor(tf.Float, shape, &p.buf)
}

// denseFromValue accepts the shapes a segmentation head commonly emits:
// [1][H][W][1], [1][H][W] or [H][W]
func denseFromValue(v interface{}) (*mat.Dense, error) {
	switch t := v.(type) {
	case [][][][]float32:
		if len(t) == 0 || len(t[0]) == 0 || len(t[0][0]) == 0 {
			return nil, segmentation.ErrNoOutput
		}
		rows, cols := len(t[0]), len(t[0][0])
		scores := mat.NewDense(rows, cols, nil)
		for y := 0; y < rows; y++ {
			for x := 0; x < cols; x++ {
				if len(t[0][y][x]) != 1 {
					return nil, fmt.Errorf("expected a single score channel, got %d", len(t[0][y][x]))
				}
				scores.Set(y, x, float64(t[0][y][x][0]))
			}
		}
		return scores, nil
	case [][][]float32:
		if len(t) == 0 {
			return nil, segmentation.ErrNoOutput
		}
		return denseFromValue(t[0])
	case [][]float32:
		if len(t) == 0 || len(t[0]) == 0 {
			return nil, segmentation.ErrNoOutput
		}
		scores := mat.NewDense(len(t), len(t[0]), nil)
		for y, row := range t {
			for x, s := range row {
				scores.Set(y, x, float64(s))
			}
		}
		return scores, nil
	}
	return nil, fmt.Errorf("unexpected output type %T", v)
}

// Info implements segmentation.Segmenter
func (p *Predictor) Info() segmentation.ProviderInfo {
	return p.info
}

// Close releases the session
func (p *Predictor) Close() error {
	return p.session.Close()
}
