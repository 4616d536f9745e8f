// Package warp implements inverse warping: reconstructing an image by
// sampling a source image at fractional pixel coordinates, and the optical
// flow variant that derives those coordinates from a predicted flow field.
package warp

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/egodepth/egodepth/timage"
)

// BilinearSample reconstructs an image batch by bilinear interpolation of a
// source image at fractional coordinates.
//
// coords holds one (u, v) pair per output pixel per source index, shaped
// [batch, numSrc, rows, outH*outW] with rows >= 2 (a homogeneous third row is
// ignored). src is [batch, numSrc, height, width, ch]. The output is
// [batch, numSrc, outH, outW, ch].
//
// Any output pixel whose coordinate falls outside [0, width-1] x
// [0, height-1] is background: all four neighbor contributions are zeroed
// rather than clamped. For in-range coordinates the neighbor weights sum to 1.
func BilinearSample(coords, src *tensor.Dense, outH, outW int) (*tensor.Dense, error) {
	cShape := coords.Shape()
	sShape := src.Shape()
	if len(cShape) != 4 || cShape[2] < 2 {
		return nil, errors.Errorf("expected coords of shape [batch, numSrc, >=2, numPixels], got %v", cShape)
	}
	if len(sShape) != 5 {
		return nil, errors.Errorf("expected source of shape [batch, numSrc, height, width, ch], got %v", sShape)
	}
	b, numSrc, rows, numPix := cShape[0], cShape[1], cShape[2], cShape[3]
	if sShape[0] != b || sShape[1] != numSrc {
		return nil, errors.Errorf("coords %v and source %v disagree on batch/numSrc", cShape, sShape)
	}
	if numPix != outH*outW {
		return nil, errors.Errorf("coords hold %d pixels but output is %dx%d", numPix, outH, outW)
	}
	h, w, c := sShape[2], sShape[3], sShape[4]

	coordData, err := timage.Floats(coords)
	if err != nil {
		return nil, err
	}
	srcData, err := timage.Floats(src)
	if err != nil {
		return nil, err
	}

	out := make([]float32, b*numSrc*outH*outW*c)
	for bi := 0; bi < b; bi++ {
		for si := 0; si < numSrc; si++ {
			coordBase := ((bi*numSrc + si) * rows) * numPix
			srcBase := (bi*numSrc + si) * h * w * c
			outBase := (bi*numSrc + si) * numPix * c
			for p := 0; p < numPix; p++ {
				u := float64(coordData[coordBase+p])
				v := float64(coordData[coordBase+numPix+p])
				if u < 0 || u > float64(w-1) || v < 0 || v > float64(h-1) {
					continue // stays background
				}
				x0 := int(u)
				y0 := int(v)
				fx := u - float64(x0)
				fy := v - float64(y0)
				w00 := (1 - fx) * (1 - fy)
				w01 := fx * (1 - fy)
				w10 := (1 - fx) * fy
				w11 := fx * fy
				for ci := 0; ci < c; ci++ {
					acc := w00 * float64(srcData[srcBase+(y0*w+x0)*c+ci])
					if w01 > 0 {
						acc += w01 * float64(srcData[srcBase+(y0*w+x0+1)*c+ci])
					}
					if w10 > 0 {
						acc += w10 * float64(srcData[srcBase+((y0+1)*w+x0)*c+ci])
					}
					if w11 > 0 {
						acc += w11 * float64(srcData[srcBase+((y0+1)*w+x0+1)*c+ci])
					}
					out[outBase+p*c+ci] = float32(acc)
				}
			}
		}
	}
	return tensor.New(tensor.WithShape(b, numSrc, outH, outW, c), tensor.WithBacking(out)), nil
}

// FlowWarp warps resized source images by a single-scale flow field. flow is
// [batch, numSrc, h, w, 2] in (du, dv) order; the sampling coordinate for each
// output pixel is the identity grid plus the flow.
func FlowWarp(srcStacked, flow *tensor.Dense, numSrc int) (*tensor.Dense, error) {
	fShape := flow.Shape()
	if len(fShape) != 5 || fShape[4] != 2 {
		return nil, errors.Errorf("expected flow of shape [batch, numSrc, h, w, 2], got %v", fShape)
	}
	b, fSrc, h, w := fShape[0], fShape[1], fShape[2], fShape[3]
	if fSrc != numSrc {
		return nil, errors.Errorf("flow has %d sources, expected %d", fSrc, numSrc)
	}

	srcImages, err := timage.ReshapeSourceImages(srcStacked, numSrc, h, w)
	if err != nil {
		return nil, err
	}
	flowData, err := timage.Floats(flow)
	if err != nil {
		return nil, err
	}

	numPix := h * w
	coordData := make([]float32, b*numSrc*2*numPix)
	for bi := 0; bi < b; bi++ {
		for si := 0; si < numSrc; si++ {
			base := ((bi*numSrc + si) * 2) * numPix
			flowBase := (bi*numSrc + si) * numPix * 2
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					p := y*w + x
					coordData[base+p] = float32(x) + flowData[flowBase+p*2]
					coordData[base+numPix+p] = float32(y) + flowData[flowBase+p*2+1]
				}
			}
		}
	}
	coords := tensor.New(tensor.WithShape(b, numSrc, 2, numPix), tensor.WithBacking(coordData))
	return BilinearSample(coords, srcImages, h, w)
}

// FlowWarpMultiScale warps the stacked source images by each level of a flow
// pyramid, returning one warped target per source per level.
func FlowWarpMultiScale(srcStacked *tensor.Dense, flowMS []*tensor.Dense) ([]*tensor.Dense, error) {
	if len(flowMS) == 0 {
		return nil, errors.New("empty flow pyramid")
	}
	numSrc := flowMS[0].Shape()[1]
	out := make([]*tensor.Dense, 0, len(flowMS))
	for _, flow := range flowMS {
		warped, err := FlowWarp(srcStacked, flow, numSrc)
		if err != nil {
			return nil, err
		}
		out = append(out, warped)
	}
	return out, nil
}
