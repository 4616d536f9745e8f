// Package ml defines the tensor bundles exchanged between prediction
// networks, the view synthesizer, and the loss assembly: input feature
// batches, per-view predictions, and the enumeration of output quantities a
// network can produce.
package ml

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Tensors is a set of named dense tensors, used for dataset-wide prediction
// results keyed by quantity name.
type Tensors map[string]*tensor.Dense

// Output enumerates the quantities a prediction network can produce.
type Output int

// The supported network output kinds.
const (
	OutputDepth Output = iota
	OutputPose
	OutputFlow
)

func (o Output) String() string {
	switch o {
	case OutputDepth:
		return "depth"
	case OutputPose:
		return "pose"
	case OutputFlow:
		return "flow"
	default:
		return "unknown"
	}
}

// ViewFeatures holds the inputs for one camera of one batch: the stacked
// snippet image [batch, snippetLen*height, width, 3] with source frames above
// the target frame, the per-example intrinsic matrix [batch, 3, 3], and
// optional ground truth for evaluation.
type ViewFeatures struct {
	Image     *tensor.Dense
	Intrinsic *tensor.Dense
	DepthGT   *tensor.Dense
	PoseGT    *tensor.Dense
}

// FeatureBatch is one training batch. Right is populated only for stereo
// rigs, together with StereoTLR, the fixed 4x4 left-to-right baseline
// transform [batch, 4, 4].
type FeatureBatch struct {
	View      ViewFeatures
	Right     *ViewFeatures
	StereoTLR *tensor.Dense
}

// CheckValid verifies the batch carries the tensors the core requires.
func (f *FeatureBatch) CheckValid() error {
	if f.View.Image == nil {
		return errors.New("feature batch is missing the stacked image")
	}
	if f.View.Intrinsic == nil {
		return errors.New("feature batch is missing the intrinsic matrix")
	}
	if f.Right != nil {
		if f.Right.Image == nil || f.Right.Intrinsic == nil {
			return errors.New("stereo feature batch is missing right-side image or intrinsic")
		}
		if f.StereoTLR == nil {
			return errors.New("stereo feature batch is missing the stereo_T_LR baseline")
		}
	}
	return nil
}

// ViewPredictions holds everything the networks predicted for one camera.
// Pyramids are ordered from the finest scale to the coarsest, aligned 1:1
// across DepthMS and DispMS. Pose is [batch, numSrc, 6] target-to-source
// twists. Absent quantities are nil.
type ViewPredictions struct {
	DepthMS []*tensor.Dense
	DispMS  []*tensor.Dense
	FlowMS  []*tensor.Dense
	Pose    *tensor.Dense
}

// Has reports whether the given output quantity was predicted.
func (v *ViewPredictions) Has(o Output) bool {
	switch o {
	case OutputDepth:
		return len(v.DepthMS) > 0
	case OutputPose:
		return v.Pose != nil
	case OutputFlow:
		return len(v.FlowMS) > 0
	default:
		return false
	}
}

// Merge copies the non-nil quantities of other into v, erroring when both
// sides predicted the same quantity.
func (v *ViewPredictions) Merge(other ViewPredictions) error {
	if len(other.DepthMS) > 0 {
		if len(v.DepthMS) > 0 {
			return errors.New("duplicate depth prediction")
		}
		v.DepthMS, v.DispMS = other.DepthMS, other.DispMS
	}
	if other.Pose != nil {
		if v.Pose != nil {
			return errors.New("duplicate pose prediction")
		}
		v.Pose = other.Pose
	}
	if len(other.FlowMS) > 0 {
		if len(v.FlowMS) > 0 {
			return errors.New("duplicate flow prediction")
		}
		v.FlowMS = other.FlowMS
	}
	return nil
}

// Predictions is the full prediction bundle for a batch. Right mirrors View
// for the paired stereo camera; PoseLR/PoseRL are the predicted stereo
// extrinsics [batch, 1, 6] when a stereo pose network is active.
type Predictions struct {
	View   ViewPredictions
	Right  *ViewPredictions
	PoseLR *tensor.Dense
	PoseRL *tensor.Dense
}
