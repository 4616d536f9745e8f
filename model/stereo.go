package model

import (
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/egodepth/egodepth/ml"
	"github.com/egodepth/egodepth/timage"
)

// StereoWrapper runs every network on both views of a stereo rig.
type StereoWrapper struct {
	*Wrapper
}

// NewStereoWrapper wraps networks for stereo prediction.
func NewStereoWrapper(networks []Network, logger golog.Logger) (*StereoWrapper, error) {
	w, err := NewWrapper(networks, logger)
	if err != nil {
		return nil, err
	}
	return &StereoWrapper{Wrapper: w}, nil
}

// Predict runs every network on the primary and the right view.
func (w *StereoWrapper) Predict(features *ml.FeatureBatch) (*ml.Predictions, error) {
	if features.Right == nil {
		return nil, errors.New("stereo prediction requires a right-side view")
	}
	view, err := w.predictView(features.View.Image)
	if err != nil {
		return nil, err
	}
	right, err := w.predictView(features.Right.Image)
	if err != nil {
		return nil, errors.Wrap(err, "right view")
	}
	return &ml.Predictions{View: view, Right: &right}, nil
}

// StereoPoseWrapper additionally predicts the stereo extrinsics by feeding the
// pose network synthetic snippets built from the two target frames, so the
// extrinsic prediction can be supervised against the known rig baseline.
type StereoPoseWrapper struct {
	*StereoWrapper
	poseNet    Network
	snippetLen int
}

// NewStereoPoseWrapper wraps networks for stereo prediction with extrinsic
// estimation. poseName selects which wrapped network performs pose prediction.
func NewStereoPoseWrapper(networks []Network, poseName string, snippetLen int, logger golog.Logger) (*StereoPoseWrapper, error) {
	sw, err := NewStereoWrapper(networks, logger)
	if err != nil {
		return nil, err
	}
	if snippetLen < 3 || snippetLen%2 == 0 {
		return nil, errors.Errorf("snippet length must be odd and at least 3, got %d", snippetLen)
	}
	var poseNet Network
	for _, n := range networks {
		if n.Name() == poseName {
			poseNet = n
			break
		}
	}
	if poseNet == nil {
		return nil, errors.Errorf("no network named %q to predict stereo extrinsics", poseName)
	}
	hasPose := false
	for _, o := range poseNet.Outputs() {
		if o == ml.OutputPose {
			hasPose = true
		}
	}
	if !hasPose {
		return nil, errors.Errorf("network %q does not predict poses", poseName)
	}
	return &StereoPoseWrapper{StereoWrapper: sw, poseNet: poseNet, snippetLen: snippetLen}, nil
}

// Predict runs stereo prediction and fills the extrinsic estimates PoseLR and
// PoseRL.
func (w *StereoPoseWrapper) Predict(features *ml.FeatureBatch) (*ml.Predictions, error) {
	preds, err := w.StereoWrapper.Predict(features)
	if err != nil {
		return nil, err
	}

	_, leftTarget, err := timage.SplitSourceAndTarget(features.View.Image, w.snippetLen)
	if err != nil {
		return nil, err
	}
	_, rightTarget, err := timage.SplitSourceAndTarget(features.Right.Image, w.snippetLen)
	if err != nil {
		return nil, err
	}

	preds.PoseLR, err = w.predictExtrinsic(leftTarget, rightTarget)
	if err != nil {
		return nil, errors.Wrap(err, "predicting pose_LR")
	}
	preds.PoseRL, err = w.predictExtrinsic(rightTarget, leftTarget)
	if err != nil {
		return nil, errors.Wrap(err, "predicting pose_RL")
	}
	return preds, nil
}

// predictExtrinsic builds a snippet whose sources are copies of one target
// frame and whose final frame is the other, runs the pose network on it, and
// keeps the first source twist. Every source twist estimates the same rigid
// transform since the source frames are identical.
func (w *StereoPoseWrapper) predictExtrinsic(from, to *tensor.Dense) (*tensor.Dense, error) {
	snippet, err := stackFrames(from, to, w.snippetLen)
	if err != nil {
		return nil, err
	}
	pred, err := w.poseNet.Predict(snippet)
	if err != nil {
		return nil, err
	}
	if !pred.Has(ml.OutputPose) {
		return nil, errors.Errorf("network %q produced no pose on a synthetic stereo snippet", w.poseNet.Name())
	}
	return firstTwist(pred.Pose)
}

// stackFrames repeats one frame snippetLen-1 times and appends the other,
// producing a stacked image [batch, snippetLen*h, w, c].
func stackFrames(repeated, last *tensor.Dense, snippetLen int) (*tensor.Dense, error) {
	rShape := repeated.Shape()
	if len(rShape) != 4 {
		return nil, errors.Errorf("expected frame of shape [batch, height, width, channels], got %v", rShape)
	}
	if !repeated.Shape().Eq(last.Shape()) {
		return nil, errors.Errorf("frame shapes %v and %v disagree", repeated.Shape(), last.Shape())
	}
	b, h, wid, c := rShape[0], rShape[1], rShape[2], rShape[3]

	rData, err := timage.Floats(repeated)
	if err != nil {
		return nil, err
	}
	lData, err := timage.Floats(last)
	if err != nil {
		return nil, err
	}

	frame := h * wid * c
	out := make([]float32, b*snippetLen*frame)
	for bi := 0; bi < b; bi++ {
		dst := out[bi*snippetLen*frame:]
		src := rData[bi*frame : (bi+1)*frame]
		for s := 0; s < snippetLen-1; s++ {
			copy(dst[s*frame:(s+1)*frame], src)
		}
		copy(dst[(snippetLen-1)*frame:snippetLen*frame], lData[bi*frame:(bi+1)*frame])
	}
	return tensor.New(tensor.WithShape(b, snippetLen*h, wid, c), tensor.WithBacking(out)), nil
}

// firstTwist slices a twist batch [batch, numSrc, 6] down to its first source
// [batch, 1, 6].
func firstTwist(pose *tensor.Dense) (*tensor.Dense, error) {
	shape := pose.Shape()
	if len(shape) != 3 || shape[2] != 6 {
		return nil, errors.Errorf("expected pose of shape [batch, numSrc, 6], got %v", shape)
	}
	data, err := timage.Floats(pose)
	if err != nil {
		return nil, err
	}
	b, s := shape[0], shape[1]
	out := make([]float32, b*6)
	for bi := 0; bi < b; bi++ {
		copy(out[bi*6:], data[bi*s*6:bi*s*6+6])
	}
	return tensor.New(tensor.WithShape(b, 1, 6), tensor.WithBacking(out)), nil
}
