// Package timage provides shape bookkeeping and resampling helpers for image
// batches stored as dense float32 tensors. The canonical layouts are
// [batch, height, width, channels] for single images and
// [batch, n*height, width, channels] for vertically stacked frame snippets,
// with source frames stacked above the target frame.
package timage

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Floats returns the float32 backing slice of a dense tensor.
func Floats(t *tensor.Dense) ([]float32, error) {
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("expected float32 tensor, got %T", t.Data())
	}
	return data, nil
}

// SplitSourceAndTarget splits a stacked snippet [batch, n*height, width, ch]
// into the source stack [batch, (n-1)*height, width, ch] and the target frame
// [batch, height, width, ch]. The target is the last frame in the stack.
func SplitSourceAndTarget(stacked *tensor.Dense, snippetLen int) (*tensor.Dense, *tensor.Dense, error) {
	shape := stacked.Shape()
	if len(shape) != 4 {
		return nil, nil, errors.Errorf("expected stacked image of shape [batch, n*height, width, ch], got %v", shape)
	}
	if snippetLen < 2 {
		return nil, nil, errors.Errorf("snippet length must be at least 2, got %d", snippetLen)
	}
	b, stackedH, w, c := shape[0], shape[1], shape[2], shape[3]
	if stackedH%snippetLen != 0 {
		return nil, nil, errors.Errorf("stacked height %d is not divisible by snippet length %d", stackedH, snippetLen)
	}
	h := stackedH / snippetLen
	data, err := Floats(stacked)
	if err != nil {
		return nil, nil, err
	}

	numSrc := snippetLen - 1
	srcData := make([]float32, b*numSrc*h*w*c)
	tgtData := make([]float32, b*h*w*c)
	rowLen := w * c
	for bi := 0; bi < b; bi++ {
		base := bi * stackedH * rowLen
		copy(srcData[bi*numSrc*h*rowLen:(bi+1)*numSrc*h*rowLen], data[base:base+numSrc*h*rowLen])
		copy(tgtData[bi*h*rowLen:(bi+1)*h*rowLen], data[base+numSrc*h*rowLen:base+snippetLen*h*rowLen])
	}
	src := tensor.New(tensor.WithShape(b, numSrc*h, w, c), tensor.WithBacking(srcData))
	tgt := tensor.New(tensor.WithShape(b, h, w, c), tensor.WithBacking(tgtData))
	return src, tgt, nil
}

// ResizeBilinear resizes an image batch [batch, height, width, ch] to
// [batch, outH, outW, ch] with half-pixel-centered bilinear interpolation and
// edge clamping.
func ResizeBilinear(img *tensor.Dense, outH, outW int) (*tensor.Dense, error) {
	shape := img.Shape()
	if len(shape) != 4 {
		return nil, errors.Errorf("expected image batch of shape [batch, height, width, ch], got %v", shape)
	}
	b, h, w, c := shape[0], shape[1], shape[2], shape[3]
	data, err := Floats(img)
	if err != nil {
		return nil, err
	}
	if outH == h && outW == w {
		out := make([]float32, len(data))
		copy(out, data)
		return tensor.New(tensor.WithShape(b, h, w, c), tensor.WithBacking(out)), nil
	}

	scaleY := float64(h) / float64(outH)
	scaleX := float64(w) / float64(outW)
	out := make([]float32, b*outH*outW*c)
	for bi := 0; bi < b; bi++ {
		for oy := 0; oy < outH; oy++ {
			sy := (float64(oy)+0.5)*scaleY - 0.5
			y0, fy := splitCoord(sy, h)
			y1 := minInt(y0+1, h-1)
			for ox := 0; ox < outW; ox++ {
				sx := (float64(ox)+0.5)*scaleX - 0.5
				x0, fx := splitCoord(sx, w)
				x1 := minInt(x0+1, w-1)
				for ci := 0; ci < c; ci++ {
					v00 := data[((bi*h+y0)*w+x0)*c+ci]
					v01 := data[((bi*h+y0)*w+x1)*c+ci]
					v10 := data[((bi*h+y1)*w+x0)*c+ci]
					v11 := data[((bi*h+y1)*w+x1)*c+ci]
					top := float64(v00)*(1-fx) + float64(v01)*fx
					bot := float64(v10)*(1-fx) + float64(v11)*fx
					out[((bi*outH+oy)*outW+ox)*c+ci] = float32(top*(1-fy) + bot*fy)
				}
			}
		}
	}
	return tensor.New(tensor.WithShape(b, outH, outW, c), tensor.WithBacking(out)), nil
}

// ReshapeSourceImages splits a source stack [batch, numSrc*height, width, ch]
// into individual frames, resizes each to (outH, outW), and returns them as
// [batch, numSrc, outH, outW, ch].
func ReshapeSourceImages(srcStacked *tensor.Dense, numSrc, outH, outW int) (*tensor.Dense, error) {
	shape := srcStacked.Shape()
	if len(shape) != 4 {
		return nil, errors.Errorf("expected source stack of shape [batch, numSrc*height, width, ch], got %v", shape)
	}
	b, stackedH, w, c := shape[0], shape[1], shape[2], shape[3]
	if numSrc < 1 || stackedH%numSrc != 0 {
		return nil, errors.Errorf("stacked height %d is not divisible by numSrc %d", stackedH, numSrc)
	}
	h := stackedH / numSrc
	data, err := Floats(srcStacked)
	if err != nil {
		return nil, err
	}

	// view the stack as (b*numSrc) separate frames, resize, regroup
	frames := tensor.New(tensor.WithShape(b*numSrc, h, w, c), tensor.WithBacking(data))
	resized, err := ResizeBilinear(frames, outH, outW)
	if err != nil {
		return nil, err
	}
	resizedData, err := Floats(resized)
	if err != nil {
		return nil, err
	}
	return tensor.New(tensor.WithShape(b, numSrc, outH, outW, c), tensor.WithBacking(resizedData)), nil
}

// PyramidLike resizes the target image to the resolution of every pyramid
// level. Levels may be depth maps [batch, h, w, 1] or per-source fields
// [batch, numSrc, h, w, ch]; the spatial dims are read from the trailing
// axes either way.
func PyramidLike(target *tensor.Dense, pyramid []*tensor.Dense) ([]*tensor.Dense, error) {
	out := make([]*tensor.Dense, 0, len(pyramid))
	for _, level := range pyramid {
		shape := level.Shape()
		if len(shape) < 4 {
			return nil, errors.Errorf("pyramid level must have at least 4 dims, got %v", shape)
		}
		h := shape[len(shape)-3]
		w := shape[len(shape)-2]
		resized, err := ResizeBilinear(target, h, w)
		if err != nil {
			return nil, err
		}
		out = append(out, resized)
	}
	return out, nil
}

// GradientX computes the forward horizontal difference img[:, :, :-1, :] -
// img[:, :, 1:, :], shrinking the width axis by one.
func GradientX(img *tensor.Dense) (*tensor.Dense, error) {
	shape := img.Shape()
	if len(shape) != 4 {
		return nil, errors.Errorf("expected image batch of shape [batch, height, width, ch], got %v", shape)
	}
	b, h, w, c := shape[0], shape[1], shape[2], shape[3]
	data, err := Floats(img)
	if err != nil {
		return nil, err
	}
	out := make([]float32, b*h*(w-1)*c)
	for bi := 0; bi < b; bi++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w-1; x++ {
				for ci := 0; ci < c; ci++ {
					cur := data[((bi*h+y)*w+x)*c+ci]
					next := data[((bi*h+y)*w+x+1)*c+ci]
					out[((bi*h+y)*(w-1)+x)*c+ci] = cur - next
				}
			}
		}
	}
	return tensor.New(tensor.WithShape(b, h, w-1, c), tensor.WithBacking(out)), nil
}

// GradientY computes the forward vertical difference img[:, :-1, :, :] -
// img[:, 1:, :, :], shrinking the height axis by one.
func GradientY(img *tensor.Dense) (*tensor.Dense, error) {
	shape := img.Shape()
	if len(shape) != 4 {
		return nil, errors.Errorf("expected image batch of shape [batch, height, width, ch], got %v", shape)
	}
	b, h, w, c := shape[0], shape[1], shape[2], shape[3]
	data, err := Floats(img)
	if err != nil {
		return nil, err
	}
	out := make([]float32, b*(h-1)*w*c)
	for bi := 0; bi < b; bi++ {
		for y := 0; y < h-1; y++ {
			for x := 0; x < w; x++ {
				for ci := 0; ci < c; ci++ {
					cur := data[((bi*h+y)*w+x)*c+ci]
					next := data[((bi*h+y+1)*w+x)*c+ci]
					out[((bi*(h-1)+y)*w+x)*c+ci] = cur - next
				}
			}
		}
	}
	return tensor.New(tensor.WithShape(b, h-1, w, c), tensor.WithBacking(out)), nil
}

func splitCoord(v float64, size int) (int, float64) {
	if v <= 0 {
		return 0, 0
	}
	if v >= float64(size-1) {
		return size - 1, 0
	}
	i := int(v)
	return i, v - float64(i)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
