package loss

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/egodepth/egodepth/ml"
	"github.com/egodepth/egodepth/synth"
	"github.com/egodepth/egodepth/timage"
	"github.com/egodepth/egodepth/warp"
)

// ViewAugmented holds the per-view data derived from a feature batch and its
// predictions before any loss term runs: the source/target split, the target
// pyramid, and the synthesized and flow-warped target pyramids.
type ViewAugmented struct {
	Source         *tensor.Dense
	Target         *tensor.Dense
	TargetMS       []*tensor.Dense
	SynthTargetMS  []*tensor.Dense
	FlowTargetMS   []*tensor.Dense
	WarpedTargetMS []*tensor.Dense
}

// Augmented pairs the primary view's derived data with the stereo partner's
// when the rig is stereo.
type Augmented struct {
	View  ViewAugmented
	Right *ViewAugmented
}

// augmentView splits the stacked snippet, builds the target pyramid aligned
// with the depth predictions, and synthesizes/warps target views. Synthesis
// runs only when both depth and pose were predicted; flow warping only when
// flow was predicted.
func augmentView(feat *ml.ViewFeatures, pred *ml.ViewPredictions, snippetLen int) (ViewAugmented, error) {
	var av ViewAugmented

	source, target, err := timage.SplitSourceAndTarget(feat.Image, snippetLen)
	if err != nil {
		return av, err
	}
	av.Source = source
	av.Target = target

	if pred.Has(ml.OutputDepth) {
		av.TargetMS, err = timage.PyramidLike(target, pred.DepthMS)
		if err != nil {
			return av, err
		}
		if pred.Has(ml.OutputPose) {
			av.SynthTargetMS, err = synth.SynthesizeMultiScale(source, feat.Intrinsic, pred.DepthMS, pred.Pose)
			if err != nil {
				return av, err
			}
		}
	}

	if pred.Has(ml.OutputFlow) {
		av.FlowTargetMS, err = timage.PyramidLike(target, pred.FlowMS)
		if err != nil {
			return av, err
		}
		av.WarpedTargetMS, err = warp.FlowWarpMultiScale(source, pred.FlowMS)
		if err != nil {
			return av, err
		}
	}
	return av, nil
}

func augment(features *ml.FeatureBatch, preds *ml.Predictions, snippetLen int, stereo bool) (*Augmented, error) {
	var augm Augmented
	var err error
	augm.View, err = augmentView(&features.View, &preds.View, snippetLen)
	if err != nil {
		return nil, err
	}
	if stereo {
		if features.Right == nil || preds.Right == nil {
			return nil, errors.New("stereo loss configured but the batch has no right-side view")
		}
		right, err := augmentView(features.Right, preds.Right, snippetLen)
		if err != nil {
			return nil, err
		}
		augm.Right = &right
	}
	return &augm, nil
}
