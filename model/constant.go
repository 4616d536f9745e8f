package model

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/egodepth/egodepth/ml"
)

// ConstantNetwork predicts a flat depth plane and zero motion at every scale.
// It has no learned structure; it exists to smoke-test a training setup end to
// end (dataset through loss) before real networks are attached.
type ConstantNetwork struct {
	name       string
	snippetLen int
	numScales  int
	depth      *tensor.Dense // single-element weight holding the plane depth
}

// NewConstantNetwork builds a baseline predicting the given constant depth.
func NewConstantNetwork(name string, snippetLen, numScales int, depth float64) (*ConstantNetwork, error) {
	if snippetLen < 3 || snippetLen%2 == 0 {
		return nil, errors.Errorf("snippet length must be odd and at least 3, got %d", snippetLen)
	}
	if numScales < 1 {
		return nil, errors.Errorf("need at least one scale, got %d", numScales)
	}
	if depth <= 0 {
		return nil, errors.Errorf("plane depth must be positive, got %v", depth)
	}
	return &ConstantNetwork{
		name:       name,
		snippetLen: snippetLen,
		numScales:  numScales,
		depth:      tensor.New(tensor.WithShape(1), tensor.WithBacking([]float32{float32(depth)})),
	}, nil
}

// Name implements Network.
func (n *ConstantNetwork) Name() string { return n.name }

// Outputs implements Network.
func (n *ConstantNetwork) Outputs() []ml.Output {
	return []ml.Output{ml.OutputDepth, ml.OutputPose}
}

// Weights implements Network.
func (n *ConstantNetwork) Weights() []*tensor.Dense {
	return []*tensor.Dense{n.depth}
}

// SetWeights implements Network.
func (n *ConstantNetwork) SetWeights(weights []*tensor.Dense) error {
	if len(weights) != 1 || !weights[0].Shape().Eq(tensor.Shape{1}) {
		return errors.New("expected a single scalar weight")
	}
	n.depth = weights[0]
	return nil
}

// Predict implements Network: a constant depth pyramid and zero twists.
func (n *ConstantNetwork) Predict(image *tensor.Dense) (ml.ViewPredictions, error) {
	shape := image.Shape()
	if len(shape) != 4 || shape[1]%n.snippetLen != 0 {
		return ml.ViewPredictions{}, errors.Errorf(
			"expected stacked image of shape [batch, %d*h, w, ch], got %v", n.snippetLen, shape)
	}
	b, h, w := shape[0], shape[1]/n.snippetLen, shape[2]
	d, err := n.depth.At(0)
	if err != nil {
		return ml.ViewPredictions{}, err
	}
	plane := d.(float32)

	var pred ml.ViewPredictions
	for s := 0; s < n.numScales; s++ {
		if h < 1 || w < 1 {
			return ml.ViewPredictions{}, errors.Errorf("image too small for %d scales", n.numScales)
		}
		data := make([]float32, b*h*w)
		for i := range data {
			data[i] = plane
		}
		pred.DepthMS = append(pred.DepthMS,
			tensor.New(tensor.WithShape(b, h, w, 1), tensor.WithBacking(data)))
		h, w = h/2, w/2
	}
	numSrc := n.snippetLen - 1
	pred.Pose = tensor.New(tensor.WithShape(b, numSrc, 6), tensor.WithBacking(make([]float32, b*numSrc*6)))
	return pred, nil
}
