package segmentation

import (
	"errors"
	"fmt"
	"sync"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"
)

// Target selects where the OpenCV DNN module runs the network
type Target int

const (
	TargetCPU Target = iota
	TargetCUDA
)

// DNNProvider runs a frozen segmentation graph through OpenCV's DNN module
type DNNProvider struct {
	target Target
	net    gocv.Net
	names  TensorNames
	loaded bool
	mu     sync.Mutex
}

// NewDNNProvider creates a provider for the given target; call Initialize
// before Segment
func NewDNNProvider(target Target) *DNNProvider {
	return &DNNProvider{target: target}
}

// Initialize loads the network and selects the backend
func (p *DNNProvider) Initialize(modelPath string, names TensorNames) error {
	p.net = gocv.ReadNet(modelPath, "")
	if p.net.Empty() {
		return fmt.Errorf("failed to load segmentation network from %s", modelPath)
	}

	switch p.target {
	case TargetCUDA:
		p.net.SetPreferableBackend(gocv.NetBackendCUDA)
		p.net.SetPreferableTarget(gocv.NetTargetCUDA)
	default:
		p.net.SetPreferableBackend(gocv.NetBackendDefault)
		p.net.SetPreferableTarget(gocv.NetTargetCPU)
	}

	p.names = names
	p.loaded = true
	return nil
}

// Segment implements Segmenter
func (p *DNNProvider) Segment(in Input) (*mat.Dense, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.loaded {
		return nil, errors.New("dnn provider not initialized")
	}
	if len(in.Data) != in.Height*in.Width*3 {
		return nil, fmt.Errorf("input size mismatch: %d values for %dx%d", len(in.Data), in.Width, in.Height)
	}

	blob := gocv.NewMatWithSizes([]int{1, 3, in.Height, in.Width}, gocv.MatTypeCV32F)
	defer blob.Close()

	blobData, err := blob.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("could not access input blob: %w", err)
	}
	copy(blobData, in.NCHW())

	p.net.SetInput(blob, p.names.Input)
	output := p.net.Forward(p.names.Output)
	defer output.Close()

	if output.Empty() {
		return nil, ErrNoOutput
	}

	rows, cols, err := scoreShape(output.Size())
	if err != nil {
		return nil, err
	}

	values, err := output.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("could not read segmentation output: %w", err)
	}
	if len(values) < rows*cols {
		return nil, fmt.Errorf("segmentation output too small: %d < %d", len(values), rows*cols)
	}

	scores := mat.NewDense(rows, cols, nil)
	raw := scores.RawMatrix()
	for i := 0; i < rows*cols; i++ {
		raw.Data[i] = float64(values[i])
	}
	return scores, nil
}

// Close releases resources used by the provider
func (p *DNNProvider) Close() error {
	if p.loaded {
		p.loaded = false
		return p.net.Close()
	}
	return nil
}

// Info implements Segmenter
func (p *DNNProvider) Info() ProviderInfo {
	if p.target == TargetCUDA {
		return ProviderInfo{Type: "GPU", Backend: "OpenCV CUDA", Device: "CUDA:0"}
	}
	return ProviderInfo{Type: "CPU", Backend: "OpenCV CPU", Device: "CPU"}
}

// scoreShape extracts the single-channel score grid from an NCHW or NHWC
// output shape
func scoreShape(sizes []int) (int, int, error) {
	switch len(sizes) {
	case 2:
		return sizes[0], sizes[1], nil
	case 3:
		if sizes[0] == 1 {
			return sizes[1], sizes[2], nil
		}
		if sizes[2] == 1 {
			return sizes[0], sizes[1], nil
		}
	case 4:
		if sizes[1] == 1 {
			return sizes[2], sizes[3], nil
		}
		if sizes[3] == 1 {
			return sizes[1], sizes[2], nil
		}
	}
	return 0, 0, fmt.Errorf("unexpected segmentation output shape %v", sizes)
}
