package synth

import (
	"testing"

	"go.viam.com/test"
	"gorgonia.org/tensor"

	"github.com/egodepth/egodepth/posemath"
)

func intrinsicBatch(b int, fx, fy, cx, cy float32) *tensor.Dense {
	data := make([]float32, b*9)
	for bi := 0; bi < b; bi++ {
		copy(data[bi*9:], []float32{fx, 0, cx, 0, fy, cy, 0, 0, 1})
	}
	return tensor.New(tensor.WithShape(b, 3, 3), tensor.WithBacking(data))
}

func constDepth(b, h, w int, d float32) *tensor.Dense {
	data := make([]float32, b*h*w)
	for i := range data {
		data[i] = d
	}
	return tensor.New(tensor.WithShape(b, h, w, 1), tensor.WithBacking(data))
}

func TestScaleIntrinsic(t *testing.T) {
	k := intrinsicBatch(2, 100, 120, 50, 40)
	scaled, err := ScaleIntrinsic(k, 4)
	test.That(t, err, test.ShouldBeNil)

	data := scaled.Data().([]float32)
	for bi := 0; bi < 2; bi++ {
		base := bi * 9
		test.That(t, data[base+0], test.ShouldEqual, float32(25))
		test.That(t, data[base+2], test.ShouldEqual, float32(12.5))
		test.That(t, data[base+4], test.ShouldEqual, float32(30))
		test.That(t, data[base+5], test.ShouldEqual, float32(10))
		// bottom row stays [0, 0, 1]
		test.That(t, data[base+6], test.ShouldEqual, float32(0))
		test.That(t, data[base+7], test.ShouldEqual, float32(0))
		test.That(t, data[base+8], test.ShouldEqual, float32(1))
	}

	bad := tensor.New(tensor.WithShape(2, 2), tensor.WithBacking(make([]float32, 4)))
	_, err = ScaleIntrinsic(bad, 2)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestPixelMeshgrid(t *testing.T) {
	grid := PixelMeshgrid(2, 3)
	test.That(t, grid.Shape(), test.ShouldResemble, tensor.Shape{3, 6})
	data := grid.Data().([]float32)
	// pixel (x=2, y=1) is index 5
	test.That(t, data[5], test.ShouldEqual, float32(2))
	test.That(t, data[6+5], test.ShouldEqual, float32(1))
	test.That(t, data[12+5], test.ShouldEqual, float32(1))
}

func TestSynthesizeIdentityPose(t *testing.T) {
	// with an identity pose and any constant positive depth, projection lands
	// back on the original pixel grid, so the synthesized view reproduces the
	// source image
	const b, h, w = 2, 3, 4
	srcData := make([]float32, b*h*w*3)
	for i := range srcData {
		srcData[i] = float32(i % 17)
	}
	src := tensor.New(tensor.WithShape(b, h, w, 3), tensor.WithBacking(srcData))
	depth := constDepth(b, h, w, 5)
	pose := tensor.New(tensor.WithShape(b, 1, 6), tensor.WithBacking(make([]float32, b*6)))
	k := intrinsicBatch(b, 2, 2, 1.5, 1)

	outMS, err := SynthesizeMultiScale(src, k, []*tensor.Dense{depth}, pose)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(outMS), test.ShouldEqual, 1)
	test.That(t, outMS[0].Shape(), test.ShouldResemble, tensor.Shape{b, 1, h, w, 3})

	outData := outMS[0].Data().([]float32)
	for i, want := range srcData {
		test.That(t, outData[i], test.ShouldAlmostEqual, want, 1e-3)
	}
}

func TestSynthesizePlanarTranslation(t *testing.T) {
	// planar scene at depth 1, camera translated tx=0.5 with f=2:
	// projected u' = u + f*tx/z = u + 1, so the synthesized image samples the
	// source one pixel to the right and the last column is background
	const h, w = 3, 4
	srcData := make([]float32, h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			srcData[y*w+x] = float32(x + 1) // nonzero so background is distinguishable
		}
	}
	src := tensor.New(tensor.WithShape(1, h, w, 1), tensor.WithBacking(srcData))
	depth := constDepth(1, h, w, 1)
	pose := tensor.New(tensor.WithShape(1, 1, 6), tensor.WithBacking([]float32{0.5, 0, 0, 0, 0, 0}))
	k := intrinsicBatch(1, 2, 2, 1.5, 1)

	outMS, err := SynthesizeMultiScale(src, k, []*tensor.Dense{depth}, pose)
	test.That(t, err, test.ShouldBeNil)
	outData := outMS[0].Data().([]float32)
	for y := 0; y < h; y++ {
		for x := 0; x < w-1; x++ {
			test.That(t, outData[y*w+x], test.ShouldAlmostEqual, srcData[y*w+x+1], 1e-3)
		}
		test.That(t, outData[y*w+w-1], test.ShouldEqual, float32(0))
	}
}

func TestSynthesizeMultiScalePyramid(t *testing.T) {
	const b, h, w, numSrc = 1, 4, 8, 2
	src := tensor.New(tensor.WithShape(b, numSrc*h, w, 3), tensor.WithBacking(make([]float32, b*numSrc*h*w*3)))
	pose := tensor.New(tensor.WithShape(b, numSrc, 6), tensor.WithBacking(make([]float32, b*numSrc*6)))
	k := intrinsicBatch(b, 4, 4, 4, 2)
	depthMS := []*tensor.Dense{
		constDepth(b, h, w, 2),
		constDepth(b, h/2, w/2, 2),
	}

	outMS, err := SynthesizeMultiScale(src, k, depthMS, pose)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(outMS), test.ShouldEqual, 2)
	test.That(t, outMS[0].Shape(), test.ShouldResemble, tensor.Shape{b, numSrc, h, w, 3})
	test.That(t, outMS[1].Shape(), test.ShouldResemble, tensor.Shape{b, numSrc, h / 2, w / 2, 3})
}

func TestSynthesizeWithMatrices(t *testing.T) {
	const b, h, w = 1, 3, 4
	srcData := make([]float32, b*h*w*3)
	for i := range srcData {
		srcData[i] = float32(i + 1)
	}
	src := tensor.New(tensor.WithShape(b, h, w, 3), tensor.WithBacking(srcData))
	depth := constDepth(b, h, w, 3)
	k := intrinsicBatch(b, 2, 2, 1.5, 1)

	identity := posemath.TwistToMatrix(posemath.Twist{})
	poseMats, err := posemath.MatrixBatchFromDense(identity, b, 1)
	test.That(t, err, test.ShouldBeNil)

	outMS, err := SynthesizeMultiScaleMatrices(src, k, []*tensor.Dense{depth}, poseMats)
	test.That(t, err, test.ShouldBeNil)
	outData := outMS[0].Data().([]float32)
	for i, want := range srcData {
		test.That(t, outData[i], test.ShouldAlmostEqual, want, 1e-3)
	}
}

func TestSynthesizeEmptyPyramid(t *testing.T) {
	src := tensor.New(tensor.WithShape(1, 3, 4, 3), tensor.WithBacking(make([]float32, 36)))
	pose := tensor.New(tensor.WithShape(1, 1, 6), tensor.WithBacking(make([]float32, 6)))
	k := intrinsicBatch(1, 2, 2, 1.5, 1)
	_, err := SynthesizeMultiScale(src, k, nil, pose)
	test.That(t, err, test.ShouldNotBeNil)
}
