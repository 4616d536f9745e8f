package loss

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"github.com/egodepth/egodepth/ml"
	"github.com/egodepth/egodepth/posemath"
	"github.com/egodepth/egodepth/synth"
	"github.com/egodepth/egodepth/timage"
)

// photoMultiScale sums the photometric error between the synthesized and real
// target over every pyramid scale of one view.
func photoMultiScale(metric Metric, av *ViewAugmented) (float64, error) {
	total := 0.0
	for i := range av.SynthTargetMS {
		v, err := photometric(metric, av.SynthTargetMS[i], av.TargetMS[i])
		if err != nil {
			return 0, err
		}
		total += v
	}
	return total, nil
}

// smoothMultiScale computes the edge-aware disparity smoothness of one view,
// normalizing each scale by its resolution ratio before summing.
func smoothMultiScale(dispMS []*tensor.Dense, av *ViewAugmented) (float64, error) {
	if len(dispMS) != len(av.TargetMS) {
		return 0, errors.Errorf("disparity pyramid has %d levels, target pyramid has %d", len(dispMS), len(av.TargetMS))
	}
	origWidth := av.TargetMS[0].Shape()[2]
	total := 0.0
	for i := range dispMS {
		width := av.TargetMS[i].Shape()[2]
		scale := float64(origWidth) / float64(width)
		v, err := smoothness(dispMS[i], av.TargetMS[i])
		if err != nil {
			return 0, err
		}
		total += v / scale
	}
	return total, nil
}

// smoothness penalizes disparity gradients, attenuated where the image itself
// has strong gradients: |grad disp| * exp(-mean_ch |grad image|), averaged
// per direction with a 0.5 factor and summed.
func smoothness(disp, image *tensor.Dense) (float64, error) {
	dx, err := timage.GradientX(disp)
	if err != nil {
		return 0, err
	}
	dy, err := timage.GradientY(disp)
	if err != nil {
		return 0, err
	}
	ix, err := timage.GradientX(image)
	if err != nil {
		return 0, err
	}
	iy, err := timage.GradientY(image)
	if err != nil {
		return 0, err
	}

	sx, err := weightedGradientMean(dx, ix)
	if err != nil {
		return 0, err
	}
	sy, err := weightedGradientMean(dy, iy)
	if err != nil {
		return 0, err
	}
	return 0.5*sx + 0.5*sy, nil
}

// weightedGradientMean averages |dispGrad * exp(-mean_ch |imgGrad|)| over all
// elements. dispGrad is [b, h, w, 1]; imgGrad shares its spatial dims.
func weightedGradientMean(dispGrad, imgGrad *tensor.Dense) (float64, error) {
	dShape := dispGrad.Shape()
	iShape := imgGrad.Shape()
	if dShape[0] != iShape[0] || dShape[1] != iShape[1] || dShape[2] != iShape[2] {
		return 0, errors.Errorf("disparity gradient %v and image gradient %v dimensions disagree", dShape, iShape)
	}
	dispData, err := timage.Floats(dispGrad)
	if err != nil {
		return 0, err
	}
	imgData, err := timage.Floats(imgGrad)
	if err != nil {
		return 0, err
	}

	c := iShape[3]
	n := dShape[0] * dShape[1] * dShape[2]
	sum := 0.0
	for p := 0; p < n; p++ {
		gradMag := 0.0
		for ci := 0; ci < c; ci++ {
			gradMag += math.Abs(float64(imgData[p*c+ci]))
		}
		weight := math.Exp(-gradMag / float64(c))
		sum += math.Abs(float64(dispData[p]) * weight)
	}
	return sum / float64(n), nil
}

// stereoDepthLoss synthesizes each stereo side from the other using the known
// rigid baseline and applies the photometric metric at every scale, both
// directions summed.
func stereoDepthLoss(metric Metric, features *ml.FeatureBatch, preds *ml.Predictions, augm *Augmented) (float64, error) {
	baselines, err := stereoBaselines(features.StereoTLR)
	if err != nil {
		return 0, err
	}

	// left synthesized from the right frame with the inverted baseline
	left, err := stereoSynthLoss(metric, augm.Right.Target, augm.View.TargetMS,
		preds.View.DepthMS, baselines.rl, features.View.Intrinsic)
	if err != nil {
		return 0, err
	}
	// right synthesized from the left frame with the baseline itself
	right, err := stereoSynthLoss(metric, augm.View.Target, augm.Right.TargetMS,
		preds.Right.DepthMS, baselines.lr, features.Right.Intrinsic)
	if err != nil {
		return 0, err
	}
	return left + right, nil
}

func stereoSynthLoss(
	metric Metric,
	sourceFrame *tensor.Dense,
	targetMS, depthMS []*tensor.Dense,
	poseMats, intrinsic *tensor.Dense,
) (float64, error) {
	synthMS, err := synth.SynthesizeMultiScaleMatrices(sourceFrame, intrinsic, depthMS, poseMats)
	if err != nil {
		return 0, err
	}
	total := 0.0
	for i := range synthMS {
		v, err := photometric(metric, synthMS[i], targetMS[i])
		if err != nil {
			return 0, err
		}
		total += v
	}
	return total, nil
}

type baselinePair struct {
	lr *tensor.Dense // [batch, 1, 4, 4]
	rl *tensor.Dense
}

// stereoBaselines expands the per-batch 4x4 baseline into pose-matrix batches
// for both stereo directions.
func stereoBaselines(stereoTLR *tensor.Dense) (baselinePair, error) {
	shape := stereoTLR.Shape()
	if len(shape) != 3 || shape[1] != 4 || shape[2] != 4 {
		return baselinePair{}, errors.Errorf("expected stereo baseline of shape [batch, 4, 4], got %v", shape)
	}
	data, err := timage.Floats(stereoTLR)
	if err != nil {
		return baselinePair{}, err
	}
	b := shape[0]
	lr := make([]float32, b*16)
	rl := make([]float32, b*16)
	m64 := make([]float64, 16)
	for bi := 0; bi < b; bi++ {
		for i := 0; i < 16; i++ {
			m64[i] = float64(data[bi*16+i])
		}
		inv, err := posemath.InvertRigid(mat.NewDense(4, 4, m64))
		if err != nil {
			return baselinePair{}, err
		}
		copy(lr[bi*16:], data[bi*16:bi*16+16])
		raw := inv.RawMatrix().Data
		for i, v := range raw {
			rl[bi*16+i] = float32(v)
		}
	}
	return baselinePair{
		lr: tensor.New(tensor.WithShape(b, 1, 4, 4), tensor.WithBacking(lr)),
		rl: tensor.New(tensor.WithShape(b, 1, 4, 4), tensor.WithBacking(rl)),
	}, nil
}

// stereoPoseLoss penalizes the squared discrepancy between the predicted
// stereo extrinsics and the known baseline, in both directions.
func stereoPoseLoss(features *ml.FeatureBatch, preds *ml.Predictions) (float64, error) {
	baselines, err := stereoBaselines(features.StereoTLR)
	if err != nil {
		return 0, err
	}
	trueLR, err := posemath.MatricesToTwistBatch(baselines.lr)
	if err != nil {
		return 0, err
	}
	trueRL, err := posemath.MatricesToTwistBatch(baselines.rl)
	if err != nil {
		return 0, err
	}

	lr, err := twistMSE(preds.PoseLR, trueLR)
	if err != nil {
		return 0, err
	}
	rl, err := twistMSE(preds.PoseRL, trueRL)
	if err != nil {
		return 0, err
	}
	return lr + rl, nil
}

// twistMSE is the mean squared error between two twist batches, averaged over
// every axis.
func twistMSE(pred, truth *tensor.Dense) (float64, error) {
	if !pred.Shape().Eq(truth.Shape()) {
		return 0, errors.Errorf("predicted pose %v and baseline pose %v shapes disagree", pred.Shape(), truth.Shape())
	}
	predData, err := timage.Floats(pred)
	if err != nil {
		return 0, err
	}
	truthData, err := timage.Floats(truth)
	if err != nil {
		return 0, err
	}
	sum := 0.0
	for i := range predData {
		d := float64(predData[i]) - float64(truthData[i])
		sum += d * d
	}
	return sum / float64(len(predData)), nil
}

// flowWarpMultiScale sums the photometric error between flow-warped and real
// targets over the flow pyramid of one view.
func flowWarpMultiScale(metric Metric, av *ViewAugmented) (float64, error) {
	total := 0.0
	for i := range av.WarpedTargetMS {
		v, err := photometric(metric, av.WarpedTargetMS[i], av.FlowTargetMS[i])
		if err != nil {
			return 0, err
		}
		total += v
	}
	return total, nil
}

// l2Regularizer is the standard weight decay form 0.5 * sum(w^2) over the
// designated parameter set.
func l2Regularizer(weights []*tensor.Dense) (float64, error) {
	sum := 0.0
	for _, w := range weights {
		data, err := timage.Floats(w)
		if err != nil {
			return 0, err
		}
		for _, v := range data {
			sum += float64(v) * float64(v)
		}
	}
	return 0.5 * sum, nil
}
