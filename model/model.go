// Package model adapts one or more prediction networks (depth, pose, optical
// flow) behind a uniform calling contract, duplicates calls across a stereo
// rig when present, and handles dataset-wide prediction and weight snapshots.
package model

import (
	"context"
	"io"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/egodepth/egodepth/ml"
)

// Network is a black-box prediction network: it consumes a stacked snippet
// image [batch, snippetLen*height, width, 3] and produces whichever subset of
// quantities it was built for.
type Network interface {
	Name() string
	Predict(image *tensor.Dense) (ml.ViewPredictions, error)
	Outputs() []ml.Output
	Weights() []*tensor.Dense
	SetWeights(weights []*tensor.Dense) error
}

// BatchIterator yields feature batches until io.EOF.
type BatchIterator interface {
	Next(ctx context.Context) (*ml.FeatureBatch, error)
}

// Wrapper runs every network on a batch and merges their outputs into one
// prediction bundle. It is the monocular variant; see StereoWrapper and
// StereoPoseWrapper for rigs.
type Wrapper struct {
	networks []Network
	logger   golog.Logger
}

// NewWrapper wraps a non-empty set of uniquely named networks.
func NewWrapper(networks []Network, logger golog.Logger) (*Wrapper, error) {
	if len(networks) == 0 {
		return nil, errors.New("no prediction networks provided")
	}
	seen := map[string]bool{}
	for _, n := range networks {
		if seen[n.Name()] {
			return nil, errors.Errorf("duplicate network name %q", n.Name())
		}
		seen[n.Name()] = true
	}
	return &Wrapper{networks: networks, logger: logger}, nil
}

// Outputs reports the union of quantities the wrapped networks produce.
func (w *Wrapper) Outputs() []ml.Output {
	var out []ml.Output
	seen := map[ml.Output]bool{}
	for _, n := range w.networks {
		for _, o := range n.Outputs() {
			if !seen[o] {
				seen[o] = true
				out = append(out, o)
			}
		}
	}
	return out
}

// Predict runs every network on the primary view.
func (w *Wrapper) Predict(features *ml.FeatureBatch) (*ml.Predictions, error) {
	view, err := w.predictView(features.View.Image)
	if err != nil {
		return nil, err
	}
	return &ml.Predictions{View: view}, nil
}

func (w *Wrapper) predictView(image *tensor.Dense) (ml.ViewPredictions, error) {
	var merged ml.ViewPredictions
	for _, n := range w.networks {
		pred, err := n.Predict(image)
		if err != nil {
			return ml.ViewPredictions{}, errors.Wrapf(err, "network %q", n.Name())
		}
		if err := merged.Merge(pred); err != nil {
			return ml.ViewPredictions{}, errors.Wrapf(err, "network %q", n.Name())
		}
	}
	return merged, nil
}

// DatasetOutputKeys name the tensors PredictDataset accumulates. Only the
// highest-resolution pyramid level of each quantity is kept; coarser levels
// are irrelevant for evaluation.
const (
	KeyDepth = "depth"
	KeyPose  = "pose"
	KeyFlow  = "flow"
)

type batchPredictor interface {
	Predict(features *ml.FeatureBatch) (*ml.Predictions, error)
}

// PredictDataset iterates every batch of a dataset, predicts it, and
// concatenates the per-quantity results along the batch dimension. Stereo
// wrappers additionally fill "<key>_R" entries.
func PredictDataset(ctx context.Context, p batchPredictor, it BatchIterator, totalSteps int, logger golog.Logger) (ml.Tensors, error) {
	acc := map[string][]*tensor.Dense{}
	step := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		features, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "reading batch %d", step)
		}
		preds, err := p.Predict(features)
		if err != nil {
			return nil, errors.Wrapf(err, "predicting batch %d", step)
		}
		appendOutputs(acc, &preds.View, "")
		if preds.Right != nil {
			appendOutputs(acc, preds.Right, "_R")
		}
		step++
		logger.Debugf("prediction progress: %d / %d", step, totalSteps)
	}
	logger.Infof("prediction finished after %d batches", step)

	out := ml.Tensors{}
	for key, parts := range acc {
		if len(parts) == 0 {
			continue
		}
		joined, err := parts[0].Concat(0, parts[1:]...)
		if err != nil {
			return nil, errors.Wrapf(err, "concatenating %q outputs", key)
		}
		out[key] = joined
	}
	return out, nil
}

func appendOutputs(acc map[string][]*tensor.Dense, view *ml.ViewPredictions, suffix string) {
	if view.Has(ml.OutputDepth) {
		acc[KeyDepth+suffix] = append(acc[KeyDepth+suffix], view.DepthMS[0])
	}
	if view.Has(ml.OutputPose) {
		acc[KeyPose+suffix] = append(acc[KeyPose+suffix], view.Pose)
	}
	if view.Has(ml.OutputFlow) {
		acc[KeyFlow+suffix] = append(acc[KeyFlow+suffix], view.FlowMS[0])
	}
}
