// Package synth reconstructs a target camera view from nearby source frames
// by projective inverse warping: target pixels are unprojected with the
// predicted depth, carried into each source camera by the predicted pose, and
// reprojected to sample the source image. One synthesized image is produced
// per source frame per pyramid scale.
package synth

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"github.com/egodepth/egodepth/posemath"
	"github.com/egodepth/egodepth/timage"
	"github.com/egodepth/egodepth/warp"
)

// projEps keeps the projective normalization finite when a transformed point
// lands exactly on the source camera plane.
const projEps = 1e-10

// SynthesizeMultiScale reconstructs the target view at every scale of the
// depth pyramid.
//
// srcStacked is [batch, numSrc*height, width, 3] at full resolution,
// intrinsic is [batch, 3, 3], depthMS holds per-scale target depth maps
// [batch, height/s, width/s, 1], and pose holds target-to-source twists
// [batch, numSrc, 6]. The result has one [batch, numSrc, height/s, width/s, 3]
// tensor per pyramid level.
func SynthesizeMultiScale(srcStacked, intrinsic *tensor.Dense, depthMS []*tensor.Dense, pose *tensor.Dense) ([]*tensor.Dense, error) {
	poseMats, err := posemath.TwistBatchToMatrices(pose)
	if err != nil {
		return nil, err
	}
	return SynthesizeMultiScaleMatrices(srcStacked, intrinsic, depthMS, poseMats)
}

// SynthesizeMultiScaleMatrices is SynthesizeMultiScale with the poses already
// in homogeneous matrix form [batch, numSrc, 4, 4].
func SynthesizeMultiScaleMatrices(srcStacked, intrinsic *tensor.Dense, depthMS []*tensor.Dense, poseMats *tensor.Dense) ([]*tensor.Dense, error) {
	if len(depthMS) == 0 {
		return nil, errors.New("empty depth pyramid")
	}
	sShape := srcStacked.Shape()
	if len(sShape) != 4 {
		return nil, errors.Errorf("expected source stack of shape [batch, numSrc*height, width, ch], got %v", sShape)
	}
	pShape := poseMats.Shape()
	if len(pShape) != 4 || pShape[2] != 4 || pShape[3] != 4 {
		return nil, errors.Errorf("expected pose matrices of shape [batch, numSrc, 4, 4], got %v", pShape)
	}

	out := make([]*tensor.Dense, 0, len(depthMS))
	for _, depth := range depthMS {
		synthesized, err := synthesizeScale(srcStacked, intrinsic, depth, poseMats)
		if err != nil {
			return nil, err
		}
		out = append(out, synthesized)
	}
	return out, nil
}

// ScaleIntrinsic divides the focal lengths and principal point of every
// intrinsic matrix in the batch by scale, keeping the bottom row [0, 0, 1].
func ScaleIntrinsic(intrinsic *tensor.Dense, scale float64) (*tensor.Dense, error) {
	shape := intrinsic.Shape()
	if len(shape) != 3 || shape[1] != 3 || shape[2] != 3 {
		return nil, errors.Errorf("expected intrinsics of shape [batch, 3, 3], got %v", shape)
	}
	data, err := timage.Floats(intrinsic)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(data))
	for b := 0; b < shape[0]; b++ {
		base := b * 9
		for i := 0; i < 6; i++ {
			out[base+i] = float32(float64(data[base+i]) / scale)
		}
		out[base+6], out[base+7], out[base+8] = 0, 0, 1
	}
	return tensor.New(tensor.WithShape(shape[0], 3, 3), tensor.WithBacking(out)), nil
}

// PixelMeshgrid returns homogeneous pixel coordinates (u, v, 1) for every
// pixel of an height x width image, shaped [3, height*width] in row-major
// pixel order.
func PixelMeshgrid(height, width int) *tensor.Dense {
	numPix := height * width
	data := make([]float32, 3*numPix)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			p := y*width + x
			data[p] = float32(x)
			data[numPix+p] = float32(y)
			data[2*numPix+p] = 1
		}
	}
	return tensor.New(tensor.WithShape(3, numPix), tensor.WithBacking(data))
}

func synthesizeScale(srcStacked, intrinsic, depth, poseMats *tensor.Dense) (*tensor.Dense, error) {
	dShape := depth.Shape()
	if len(dShape) != 4 || dShape[3] != 1 {
		return nil, errors.Errorf("expected depth of shape [batch, height, width, 1], got %v", dShape)
	}
	h, w := dShape[1], dShape[2]
	sShape := srcStacked.Shape()
	numSrc := poseMats.Shape()[1]
	origWidth := sShape[2]
	scale := float64(origWidth) / float64(w)

	intrinsicSc, err := ScaleIntrinsic(intrinsic, scale)
	if err != nil {
		return nil, err
	}
	srcImages, err := timage.ReshapeSourceImages(srcStacked, numSrc, h, w)
	if err != nil {
		return nil, err
	}
	coords, err := warpPixelCoords(depth, poseMats, intrinsicSc)
	if err != nil {
		return nil, err
	}
	return warp.BilinearSample(coords, srcImages, h, w)
}

// warpPixelCoords runs the projective chain pixel -> target camera -> source
// camera -> source pixel for every pixel of the depth map, returning
// homogeneous source pixel coordinates [batch, numSrc, 3, height*width].
func warpPixelCoords(depth, poseMats, intrinsic *tensor.Dense) (*tensor.Dense, error) {
	dShape := depth.Shape()
	b, h, w := dShape[0], dShape[1], dShape[2]
	numSrc := poseMats.Shape()[1]
	numPix := h * w

	depthData, err := timage.Floats(depth)
	if err != nil {
		return nil, err
	}
	poseData, err := timage.Floats(poseMats)
	if err != nil {
		return nil, err
	}
	intrinData, err := timage.Floats(intrinsic)
	if err != nil {
		return nil, err
	}

	grid := PixelMeshgrid(h, w)
	gridData, err := timage.Floats(grid)
	if err != nil {
		return nil, err
	}

	out := make([]float32, b*numSrc*3*numPix)
	k := mat.NewDense(3, 3, nil)
	var kInv mat.Dense
	camPoint := [4]float64{}
	srcPoint := [3]float64{}
	for bi := 0; bi < b; bi++ {
		for i := 0; i < 9; i++ {
			k.Set(i/3, i%3, float64(intrinData[bi*9+i]))
		}
		if err := kInv.Inverse(k); err != nil {
			return nil, errors.Wrapf(err, "intrinsic matrix of batch element %d is singular", bi)
		}
		for p := 0; p < numPix; p++ {
			u := float64(gridData[p])
			v := float64(gridData[numPix+p])
			d := float64(depthData[bi*numPix+p])

			// unproject: depth * K^-1 * (u, v, 1), homogeneous 1 appended
			camPoint[0] = d * (kInv.At(0, 0)*u + kInv.At(0, 1)*v + kInv.At(0, 2))
			camPoint[1] = d * (kInv.At(1, 0)*u + kInv.At(1, 1)*v + kInv.At(1, 2))
			camPoint[2] = d * (kInv.At(2, 0)*u + kInv.At(2, 1)*v + kInv.At(2, 2))
			camPoint[3] = 1

			for si := 0; si < numSrc; si++ {
				pm := poseData[(bi*numSrc+si)*16 : (bi*numSrc+si)*16+16]
				// transform into the source frame, xyz rows only
				for r := 0; r < 3; r++ {
					srcPoint[r] = float64(pm[r*4])*camPoint[0] +
						float64(pm[r*4+1])*camPoint[1] +
						float64(pm[r*4+2])*camPoint[2] +
						float64(pm[r*4+3])
				}
				// project and normalize by the depth component
				pu := k.At(0, 0)*srcPoint[0] + k.At(0, 1)*srcPoint[1] + k.At(0, 2)*srcPoint[2]
				pv := k.At(1, 0)*srcPoint[0] + k.At(1, 1)*srcPoint[1] + k.At(1, 2)*srcPoint[2]
				pz := k.At(2, 0)*srcPoint[0] + k.At(2, 1)*srcPoint[1] + k.At(2, 2)*srcPoint[2]
				norm := pz + projEps

				base := ((bi*numSrc + si) * 3) * numPix
				out[base+p] = float32(pu / norm)
				out[base+numPix+p] = float32(pv / norm)
				out[base+2*numPix+p] = float32(pz / norm)
			}
		}
	}
	return tensor.New(tensor.WithShape(b, numSrc, 3, numPix), tensor.WithBacking(out)), nil
}
