package loss

import (
	"math"
	"testing"

	"go.viam.com/test"
	"gorgonia.org/tensor"

	"github.com/egodepth/egodepth/ml"
	"github.com/egodepth/egodepth/posemath"
)

func TestNewTotalLossConfigErrors(t *testing.T) {
	base := Options{
		Terms:      []TermConfig{{Name: "photo_l1", Weight: 1}},
		SnippetLen: 5,
	}

	_, err := NewTotalLoss(base)
	test.That(t, err, test.ShouldBeNil)

	bad := base
	bad.Terms = []TermConfig{{Name: "photo_l3", Weight: 1}}
	_, err = NewTotalLoss(bad)
	test.That(t, err, test.ShouldNotBeNil)

	bad = base
	bad.Terms = nil
	_, err = NewTotalLoss(bad)
	test.That(t, err, test.ShouldNotBeNil)

	bad = base
	bad.SnippetLen = 4
	_, err = NewTotalLoss(bad)
	test.That(t, err, test.ShouldNotBeNil)

	bad = base
	bad.Terms = []TermConfig{{Name: "stereo_pose", Weight: 1}}
	_, err = NewTotalLoss(bad) // stereo term without stereo
	test.That(t, err, test.ShouldNotBeNil)

	bad = base
	bad.Terms = []TermConfig{{Name: "l2_regularizer", Weight: 1}}
	_, err = NewTotalLoss(bad) // no parameter set
	test.That(t, err, test.ShouldNotBeNil)

	bad = base
	bad.Terms = []TermConfig{{Name: "photo_l1", Weight: math.NaN()}}
	_, err = NewTotalLoss(bad)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestComputeFailsFastOnMissingPrediction(t *testing.T) {
	tl, err := NewTotalLoss(Options{
		Terms:      []TermConfig{{Name: "photo_l1", Weight: 1}},
		SnippetLen: 3,
	})
	test.That(t, err, test.ShouldBeNil)

	features := monoFeatures(1, 3, 4, 4)
	preds := &ml.Predictions{
		View: ml.ViewPredictions{
			DepthMS: []*tensor.Dense{constTensor([]int{1, 4, 4, 1}, 2)},
			// pose missing
		},
	}
	_, err = tl.Compute(features, preds)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "pose")
}

func TestPhotometricL1Masking(t *testing.T) {
	// first synthesized pixel is exactly black: excluded from both the sum
	// and the averaging count
	synth := tensor.New(tensor.WithShape(1, 1, 1, 2, 1), tensor.WithBacking([]float32{0, 0.5}))
	target := tensor.New(tensor.WithShape(1, 1, 2, 1), tensor.WithBacking([]float32{0.7, 1.0}))

	v, err := photometricL1(synth, target)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldAlmostEqual, 0.5, 1e-9)
}

func TestPhotometricL1AllMasked(t *testing.T) {
	synth := tensor.New(tensor.WithShape(1, 1, 1, 2, 1), tensor.WithBacking([]float32{0, 0}))
	target := tensor.New(tensor.WithShape(1, 1, 2, 1), tensor.WithBacking([]float32{0.7, 1.0}))

	v, err := photometricL1(synth, target)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldEqual, 0.0)
	test.That(t, math.IsNaN(v), test.ShouldBeFalse)
}

func TestPhotometricL1MultiChannelMask(t *testing.T) {
	// pixel is masked only when the channel mean is exactly zero; opposite
	// signs canceling is part of the exact-black heuristic
	synth := tensor.New(tensor.WithShape(1, 1, 1, 2, 2), tensor.WithBacking([]float32{0.5, -0.5, 0.25, 0.25}))
	target := tensor.New(tensor.WithShape(1, 1, 2, 2), tensor.WithBacking([]float32{1, 1, 0.75, 0.75}))

	v, err := photometricL1(synth, target)
	test.That(t, err, test.ShouldBeNil)
	// only the second pixel counts: (|0.25-0.75| + |0.25-0.75|) / 2
	test.That(t, v, test.ShouldAlmostEqual, 0.5, 1e-9)
}

func TestPhotometricSSIMIdentical(t *testing.T) {
	data := make([]float32, 6*6)
	for i := range data {
		data[i] = float32(i%7)/10 + 0.1
	}
	synth := tensor.New(tensor.WithShape(1, 1, 6, 6, 1), tensor.WithBacking(append([]float32(nil), data...)))
	target := tensor.New(tensor.WithShape(1, 6, 6, 1), tensor.WithBacking(append([]float32(nil), data...)))

	v, err := photometricSSIM(synth, target)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldAlmostEqual, 0.0, 1e-6)
}

func TestPhotometricSSIMRange(t *testing.T) {
	synthData := make([]float32, 8*8)
	targetData := make([]float32, 8*8)
	for i := range synthData {
		synthData[i] = float32((i*13)%10)/10 + 0.05
		targetData[i] = float32((i*7)%10)/10 + 0.05
	}
	synth := tensor.New(tensor.WithShape(1, 1, 8, 8, 1), tensor.WithBacking(synthData))
	target := tensor.New(tensor.WithShape(1, 8, 8, 1), tensor.WithBacking(targetData))

	v, err := photometricSSIM(synth, target)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldBeGreaterThan, 0.0)
	test.That(t, v, test.ShouldBeLessThanOrEqualTo, 1.0)
}

func TestSmoothnessConstantDisparity(t *testing.T) {
	disp := constTensor([]int{1, 4, 4, 1}, 0.5)
	img := constTensor([]int{1, 4, 4, 3}, 0.3)
	v, err := smoothness(disp, img)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldEqual, 0.0)
}

func TestSmoothnessEdgeAware(t *testing.T) {
	// the same disparity step is penalized less where the image has an edge
	dispData := []float32{
		0, 0, 1, 1,
		0, 0, 1, 1,
		0, 0, 1, 1,
		0, 0, 1, 1,
	}
	disp := tensor.New(tensor.WithShape(1, 4, 4, 1), tensor.WithBacking(dispData))
	flat := constTensor([]int{1, 4, 4, 1}, 0.5)

	edgeData := make([]float32, 16)
	for y := 0; y < 4; y++ {
		edgeData[y*4+0], edgeData[y*4+1] = 0, 0
		edgeData[y*4+2], edgeData[y*4+3] = 1, 1
	}
	edgy := tensor.New(tensor.WithShape(1, 4, 4, 1), tensor.WithBacking(edgeData))

	flatLoss, err := smoothness(disp, flat)
	test.That(t, err, test.ShouldBeNil)
	edgeLoss, err := smoothness(disp, edgy)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, edgeLoss, test.ShouldBeLessThan, flatLoss)
}

func TestL2Regularizer(t *testing.T) {
	w1 := tensor.New(tensor.WithShape(2, 2), tensor.WithBacking([]float32{1, 2, 3, 4}))
	w2 := tensor.New(tensor.WithShape(2), tensor.WithBacking([]float32{2, 2}))
	v, err := l2Regularizer([]*tensor.Dense{w1, w2})
	test.That(t, err, test.ShouldBeNil)
	// 0.5 * (1 + 4 + 9 + 16 + 4 + 4)
	test.That(t, v, test.ShouldAlmostEqual, 19.0, 1e-9)
}

func TestStereoPoseLossExactBaseline(t *testing.T) {
	features, preds := stereoFixture(t, 2, 3, 4, 4, baseline0_54())
	trueLR, err := posemath.MatricesToTwistBatch(mustBaselinePair(t, features.StereoTLR).lr)
	test.That(t, err, test.ShouldBeNil)
	trueRL, err := posemath.MatricesToTwistBatch(mustBaselinePair(t, features.StereoTLR).rl)
	test.That(t, err, test.ShouldBeNil)
	preds.PoseLR = trueLR
	preds.PoseRL = trueRL

	v, err := stereoPoseLoss(features, preds)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldAlmostEqual, 0.0, 1e-9)

	// perturbing one prediction raises the loss
	perturbed := trueLR.Data().([]float32)
	perturbed[0] += 0.1
	v2, err := stereoPoseLoss(features, preds)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v2, test.ShouldBeGreaterThan, v)
}

func TestTotalLossEndToEnd(t *testing.T) {
	// batch 2, snippet 5, single scale, constant depth, zero rotation plus a
	// small constant translation
	const b, snippet, h, w = 2, 5, 4, 4
	numSrc := snippet - 1

	target := gradientImage(b, h, w)
	mismatch := offsetImage(target, 0.2)

	tl, err := NewTotalLoss(Options{
		Terms: []TermConfig{
			{Name: "photo_l1", Weight: 1},
			{Name: "smoothness", Weight: 0.5},
		},
		SnippetLen: snippet,
	})
	test.That(t, err, test.ShouldBeNil)

	poseData := make([]float32, b*numSrc*6)
	for i := 0; i < b*numSrc; i++ {
		poseData[i*6] = 0.05
	}
	preds := &ml.Predictions{
		View: ml.ViewPredictions{
			DepthMS: []*tensor.Dense{constTensor([]int{b, h, w, 1}, 2)},
			DispMS:  []*tensor.Dense{constTensor([]int{b, h, w, 1}, 0.5)},
			Pose:    tensor.New(tensor.WithShape(b, numSrc, 6), tensor.WithBacking(poseData)),
		},
	}

	resMismatch, err := tl.Compute(snippetFeatures(b, snippet, h, w, mismatch, target), preds)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, math.IsNaN(resMismatch.Total), test.ShouldBeFalse)
	test.That(t, math.IsInf(resMismatch.Total, 0), test.ShouldBeFalse)
	test.That(t, resMismatch.Total, test.ShouldBeGreaterThanOrEqualTo, 0.0)
	test.That(t, len(resMismatch.Terms), test.ShouldEqual, 2)

	// supplying exact copies of the target as sources strictly decreases
	// the loss
	resCopy, err := tl.Compute(snippetFeatures(b, snippet, h, w, target, target), preds)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resCopy.Total, test.ShouldBeLessThan, resMismatch.Total)

	// with a zero pose on top of exact copies the photometric term vanishes
	zeroPose := &ml.Predictions{
		View: ml.ViewPredictions{
			DepthMS: preds.View.DepthMS,
			DispMS:  preds.View.DispMS,
			Pose:    tensor.New(tensor.WithShape(b, numSrc, 6), tensor.WithBacking(make([]float32, b*numSrc*6))),
		},
	}
	resExact, err := tl.Compute(snippetFeatures(b, snippet, h, w, target, target), zeroPose)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resExact.Terms[0], test.ShouldAlmostEqual, 0.0, 1e-5)
}

func TestTotalLossTermWeighting(t *testing.T) {
	const b, snippet, h, w = 1, 3, 4, 4
	target := gradientImage(b, h, w)
	features := snippetFeatures(b, snippet, h, w, offsetImage(target, 0.2), target)

	preds := &ml.Predictions{
		View: ml.ViewPredictions{
			DepthMS: []*tensor.Dense{constTensor([]int{b, h, w, 1}, 2)},
			DispMS:  []*tensor.Dense{constTensor([]int{b, h, w, 1}, 0.5)},
			Pose:    tensor.New(tensor.WithShape(b, snippet-1, 6), tensor.WithBacking(make([]float32, b*(snippet-1)*6))),
		},
	}

	one, err := NewTotalLoss(Options{Terms: []TermConfig{{Name: "photo_l1", Weight: 1}}, SnippetLen: snippet})
	test.That(t, err, test.ShouldBeNil)
	two, err := NewTotalLoss(Options{Terms: []TermConfig{{Name: "photo_l1", Weight: 2}}, SnippetLen: snippet})
	test.That(t, err, test.ShouldBeNil)

	r1, err := one.Compute(features, preds)
	test.That(t, err, test.ShouldBeNil)
	r2, err := two.Compute(features, preds)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, r1.Total, test.ShouldBeGreaterThan, 0.0)
	test.That(t, r2.Total, test.ShouldAlmostEqual, 2*r1.Total, 1e-9)
}

func TestStereoDepthLossIdenticalViews(t *testing.T) {
	// identical left/right frames with an identity baseline synthesize each
	// other exactly
	identity := posemath.TwistToMatrix(posemath.Twist{})
	features, preds := stereoFixture(t, 1, 3, 4, 4, identityBaseline(identity))

	tl, err := NewTotalLoss(Options{
		Terms:      []TermConfig{{Name: "stereo_depth_l1", Weight: 1}},
		Stereo:     true,
		SnippetLen: 3,
	})
	test.That(t, err, test.ShouldBeNil)

	res, err := tl.Compute(features, preds)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Total, test.ShouldAlmostEqual, 0.0, 1e-5)
}

// ----- fixtures -----

func constTensor(shape []int, v float32) *tensor.Dense {
	n := 1
	for _, s := range shape {
		n *= s
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = v
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

// gradientImage has values in (0, 1] so the black-pixel mask never fires on
// real content.
func gradientImage(b, h, w int) *tensor.Dense {
	data := make([]float32, b*h*w*3)
	for i := range data {
		data[i] = float32((i%11)+1) / 12
	}
	return tensor.New(tensor.WithShape(b, h, w, 3), tensor.WithBacking(data))
}

func offsetImage(img *tensor.Dense, off float32) *tensor.Dense {
	src := img.Data().([]float32)
	data := make([]float32, len(src))
	for i, v := range src {
		data[i] = v + off
	}
	shape := img.Shape()
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

// snippetFeatures stacks numSrc copies of srcFrame above the target frame.
func snippetFeatures(b, snippet, h, w int, srcFrame, target *tensor.Dense) *ml.FeatureBatch {
	numSrc := snippet - 1
	srcData := srcFrame.Data().([]float32)
	tgtData := target.Data().([]float32)
	frame := h * w * 3
	data := make([]float32, b*snippet*frame)
	for bi := 0; bi < b; bi++ {
		base := bi * snippet * frame
		for si := 0; si < numSrc; si++ {
			copy(data[base+si*frame:], srcData[bi*frame:(bi+1)*frame])
		}
		copy(data[base+numSrc*frame:], tgtData[bi*frame:(bi+1)*frame])
	}
	return &ml.FeatureBatch{
		View: ml.ViewFeatures{
			Image:     tensor.New(tensor.WithShape(b, snippet*h, w, 3), tensor.WithBacking(data)),
			Intrinsic: intrinsics(b),
		},
	}
}

func monoFeatures(b, snippet, h, w int) *ml.FeatureBatch {
	target := gradientImage(b, h, w)
	return snippetFeatures(b, snippet, h, w, target, target)
}

func intrinsics(b int) *tensor.Dense {
	data := make([]float32, b*9)
	for bi := 0; bi < b; bi++ {
		copy(data[bi*9:], []float32{2, 0, 1.5, 0, 2, 1.5, 0, 0, 1})
	}
	return tensor.New(tensor.WithShape(b, 3, 3), tensor.WithBacking(data))
}

func baseline0_54() *tensor.Dense {
	m := posemath.TwistToMatrix(posemath.Twist{})
	m.Set(0, 3, 0.54)
	return baselineTensor(m, 2)
}

func identityBaseline(m interface{ At(i, j int) float64 }) *tensor.Dense {
	data := make([]float32, 16)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			data[i*4+j] = float32(m.At(i, j))
		}
	}
	return tensor.New(tensor.WithShape(1, 4, 4), tensor.WithBacking(data))
}

func baselineTensor(m interface{ At(i, j int) float64 }, b int) *tensor.Dense {
	data := make([]float32, b*16)
	for bi := 0; bi < b; bi++ {
		for i := 0; i < 4; i++ {
			for j := 0; j < 4; j++ {
				data[bi*16+i*4+j] = float32(m.At(i, j))
			}
		}
	}
	return tensor.New(tensor.WithShape(b, 4, 4), tensor.WithBacking(data))
}

func stereoFixture(t *testing.T, b, snippet, h, w int, baseline *tensor.Dense) (*ml.FeatureBatch, *ml.Predictions) {
	t.Helper()
	bShape := baseline.Shape()
	test.That(t, bShape[0], test.ShouldEqual, b)

	target := gradientImage(b, h, w)
	left := snippetFeatures(b, snippet, h, w, target, target)
	right := snippetFeatures(b, snippet, h, w, target, target)
	features := &ml.FeatureBatch{
		View:      left.View,
		Right:     &right.View,
		StereoTLR: baseline,
	}

	numSrc := snippet - 1
	view := ml.ViewPredictions{
		DepthMS: []*tensor.Dense{constTensor([]int{b, h, w, 1}, 2)},
		DispMS:  []*tensor.Dense{constTensor([]int{b, h, w, 1}, 0.5)},
		Pose:    tensor.New(tensor.WithShape(b, numSrc, 6), tensor.WithBacking(make([]float32, b*numSrc*6))),
	}
	rightView := ml.ViewPredictions{
		DepthMS: []*tensor.Dense{constTensor([]int{b, h, w, 1}, 2)},
		DispMS:  []*tensor.Dense{constTensor([]int{b, h, w, 1}, 0.5)},
		Pose:    tensor.New(tensor.WithShape(b, numSrc, 6), tensor.WithBacking(make([]float32, b*numSrc*6))),
	}
	preds := &ml.Predictions{View: view, Right: &rightView}
	return features, preds
}

func mustBaselinePair(t *testing.T, baseline *tensor.Dense) baselinePair {
	t.Helper()
	pair, err := stereoBaselines(baseline)
	test.That(t, err, test.ShouldBeNil)
	return pair
}
