// Package evaluate computes the standard depth and ego-motion metrics against
// ground truth: scale-aligned depth errors with accuracy thresholds, and
// translation/rotation errors of predicted snippet poses.
package evaluate

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"github.com/egodepth/egodepth/posemath"
	"github.com/egodepth/egodepth/timage"
)

// DepthMetrics are the conventional monocular depth evaluation numbers,
// averaged over every valid ground-truth pixel after per-image median scale
// alignment.
type DepthMetrics struct {
	AbsRel  float64 // mean |pred - gt| / gt
	SqRel   float64 // mean (pred - gt)^2 / gt
	RMSE    float64
	RMSELog float64
	A1      float64 // fraction with max(pred/gt, gt/pred) < 1.25
	A2      float64 // < 1.25^2
	A3      float64 // < 1.25^3
	Valid   int     // number of pixels that entered the metrics
}

// Depth compares predicted and ground-truth depth maps [batch, h, w, 1].
// Pixels whose ground truth lies outside (minDepth, maxDepth] are ignored.
// Monocular depth is scale-ambiguous, so each image's prediction is aligned
// to the ground truth by the ratio of medians before comparison, and then
// clamped to the depth bounds.
func Depth(pred, gt *tensor.Dense, minDepth, maxDepth float64) (DepthMetrics, error) {
	var m DepthMetrics
	if !pred.Shape().Eq(gt.Shape()) {
		return m, errors.Errorf("prediction shape %v and ground truth shape %v disagree", pred.Shape(), gt.Shape())
	}
	shape := pred.Shape()
	if len(shape) != 4 || shape[3] != 1 {
		return m, errors.Errorf("expected depth of shape [batch, h, w, 1], got %v", shape)
	}
	if minDepth <= 0 || maxDepth <= minDepth {
		return m, errors.Errorf("depth bounds [%v, %v] must satisfy 0 < min < max", minDepth, maxDepth)
	}
	predData, err := timage.Floats(pred)
	if err != nil {
		return m, err
	}
	gtData, err := timage.Floats(gt)
	if err != nil {
		return m, err
	}

	b := shape[0]
	perImage := shape[1] * shape[2]
	var absRel, sqRel, sqErr, sqLogErr, a1, a2, a3 float64
	n := 0
	for bi := 0; bi < b; bi++ {
		img := gtData[bi*perImage : (bi+1)*perImage]
		prd := predData[bi*perImage : (bi+1)*perImage]

		scale, valid, err := medianScale(prd, img, minDepth, maxDepth)
		if err != nil {
			return m, err
		}
		if valid == 0 {
			continue
		}
		for i := range img {
			g := float64(img[i])
			if g <= minDepth || g > maxDepth {
				continue
			}
			p := float64(prd[i]) * scale
			if p < minDepth {
				p = minDepth
			}
			if p > maxDepth {
				p = maxDepth
			}
			d := p - g
			absRel += math.Abs(d) / g
			sqRel += d * d / g
			sqErr += d * d
			dl := math.Log(p) - math.Log(g)
			sqLogErr += dl * dl
			ratio := math.Max(p/g, g/p)
			if ratio < 1.25 {
				a1++
			}
			if ratio < 1.25*1.25 {
				a2++
			}
			if ratio < 1.25*1.25*1.25 {
				a3++
			}
			n++
		}
	}
	if n == 0 {
		return m, errors.New("no valid ground-truth pixels to evaluate")
	}
	fn := float64(n)
	m.AbsRel = absRel / fn
	m.SqRel = sqRel / fn
	m.RMSE = math.Sqrt(sqErr / fn)
	m.RMSELog = math.Sqrt(sqLogErr / fn)
	m.A1 = a1 / fn
	m.A2 = a2 / fn
	m.A3 = a3 / fn
	m.Valid = n
	return m, nil
}

// medianScale is the ratio of ground-truth to prediction medians over the
// valid pixels of one image.
func medianScale(pred, gt []float32, minDepth, maxDepth float64) (float64, int, error) {
	var gtValid, predValid []float64
	for i := range gt {
		g := float64(gt[i])
		if g <= minDepth || g > maxDepth {
			continue
		}
		gtValid = append(gtValid, g)
		predValid = append(predValid, float64(pred[i]))
	}
	if len(gtValid) == 0 {
		return 0, 0, nil
	}
	gtMed, err := stats.Median(gtValid)
	if err != nil {
		return 0, 0, err
	}
	predMed, err := stats.Median(predValid)
	if err != nil {
		return 0, 0, err
	}
	if predMed <= 0 {
		return 0, 0, errors.New("non-positive predicted depth median")
	}
	return gtMed / predMed, len(gtValid), nil
}

// PoseMetrics summarize snippet pose accuracy: the translation error after
// optimal scale alignment and the geodesic rotation error, both averaged over
// every (batch, source) pair.
type PoseMetrics struct {
	ATE         float64 // mean aligned translation error, same unit as gt
	RotationErr float64 // mean rotation angle between prediction and gt, radians
}

// Pose compares predicted and ground-truth twist batches [batch, numSrc, 6].
// Translations are scale-aligned per snippet with the least-squares factor
// sum(gt*pred)/sum(pred*pred) before the error is measured.
func Pose(pred, gt *tensor.Dense) (PoseMetrics, error) {
	var m PoseMetrics
	if !pred.Shape().Eq(gt.Shape()) {
		return m, errors.Errorf("prediction shape %v and ground truth shape %v disagree", pred.Shape(), gt.Shape())
	}
	shape := pred.Shape()
	if len(shape) != 3 || shape[2] != 6 {
		return m, errors.Errorf("expected poses of shape [batch, numSrc, 6], got %v", shape)
	}
	predData, err := timage.Floats(pred)
	if err != nil {
		return m, err
	}
	gtData, err := timage.Floats(gt)
	if err != nil {
		return m, err
	}

	b, s := shape[0], shape[1]
	var transErrs, rotErrs []float64
	for bi := 0; bi < b; bi++ {
		base := bi * s * 6
		scale := translationScale(predData[base:base+s*6], gtData[base:base+s*6], s)
		for si := 0; si < s; si++ {
			off := base + si*6
			var sq float64
			for k := 0; k < 3; k++ {
				d := float64(gtData[off+k]) - scale*float64(predData[off+k])
				sq += d * d
			}
			transErrs = append(transErrs, math.Sqrt(sq))
			rotErrs = append(rotErrs, rotationAngle(predData[off:off+6], gtData[off:off+6]))
		}
	}
	m.ATE, err = stats.Mean(transErrs)
	if err != nil {
		return m, err
	}
	m.RotationErr, err = stats.Mean(rotErrs)
	if err != nil {
		return m, err
	}
	return m, nil
}

// translationScale is the least-squares factor aligning predicted translations
// to the ground truth over one snippet.
func translationScale(pred, gt []float32, numSrc int) float64 {
	var num, den float64
	for si := 0; si < numSrc; si++ {
		for k := 0; k < 3; k++ {
			p := float64(pred[si*6+k])
			g := float64(gt[si*6+k])
			num += g * p
			den += p * p
		}
	}
	if den == 0 {
		return 1
	}
	return num / den
}

// rotationAngle is the geodesic distance between the rotations of two twists.
func rotationAngle(pred, gt []float32) float64 {
	rp := twistRotation(pred)
	rg := twistRotation(gt)
	var rel mat.Dense
	rel.Mul(rp.T(), rg)
	trace := rel.At(0, 0) + rel.At(1, 1) + rel.At(2, 2)
	arg := (trace - 1) / 2
	if arg > 1 {
		arg = 1
	}
	if arg < -1 {
		arg = -1
	}
	return math.Acos(arg)
}

func vecFrom(v []float32) r3.Vector {
	return r3.Vector{X: float64(v[0]), Y: float64(v[1]), Z: float64(v[2])}
}

func twistRotation(twist []float32) *mat.Dense {
	m := posemath.TwistToMatrix(posemath.Twist{
		Translation: vecFrom(twist[0:3]),
		Rotation:    vecFrom(twist[3:6]),
	})
	r := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r.Set(i, j, m.At(i, j))
		}
	}
	return r
}
