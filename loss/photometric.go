package loss

import (
	"math"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/egodepth/egodepth/timage"
)

// SSIM regularization constants for a [0, 1] dynamic range.
const (
	ssimC1 = 0.01 * 0.01
	ssimC2 = 0.03 * 0.03
)

// Metric selects the photometric comparison between a synthesized and a real
// image.
type Metric int

// The supported photometric metrics.
const (
	MetricL1 Metric = iota
	MetricSSIM
)

func (m Metric) String() string {
	if m == MetricSSIM {
		return "SSIM"
	}
	return "L1"
}

// photometric compares a per-source synthesized image stack
// [batch, numSrc, h, w, ch] against the real target [batch, h, w, ch] and
// returns the batch-mean error.
//
// Synthesized pixels whose channel mean is exactly zero mark regions where
// projection found no source data; they are excluded from the mean entirely,
// not averaged in as zeros. The same rule deliberately masks genuinely black
// scene content; that approximation is part of the contract.
func photometric(metric Metric, synth, target *tensor.Dense) (float64, error) {
	switch metric {
	case MetricL1:
		return photometricL1(synth, target)
	case MetricSSIM:
		return photometricSSIM(synth, target)
	default:
		return 0, errors.Errorf("unknown photometric metric %d", metric)
	}
}

func photometricShapes(synth, target *tensor.Dense) (b, s, h, w, c int, err error) {
	sShape := synth.Shape()
	tShape := target.Shape()
	if len(sShape) != 5 {
		return 0, 0, 0, 0, 0, errors.Errorf("expected synthesized stack of shape [batch, numSrc, h, w, ch], got %v", sShape)
	}
	if len(tShape) != 4 {
		return 0, 0, 0, 0, 0, errors.Errorf("expected target of shape [batch, h, w, ch], got %v", tShape)
	}
	if sShape[0] != tShape[0] || sShape[2] != tShape[1] || sShape[3] != tShape[2] || sShape[4] != tShape[3] {
		return 0, 0, 0, 0, 0, errors.Errorf("synthesized %v and target %v dimensions disagree", sShape, tShape)
	}
	return sShape[0], sShape[1], sShape[2], sShape[3], sShape[4], nil
}

func photometricL1(synth, target *tensor.Dense) (float64, error) {
	b, s, h, w, c, err := photometricShapes(synth, target)
	if err != nil {
		return 0, err
	}
	synthData, err := timage.Floats(synth)
	if err != nil {
		return 0, err
	}
	targetData, err := timage.Floats(target)
	if err != nil {
		return 0, err
	}

	numPix := h * w
	batchSum := 0.0
	for bi := 0; bi < b; bi++ {
		sum := 0.0
		count := 0
		for si := 0; si < s; si++ {
			base := ((bi*s + si) * numPix) * c
			tgtBase := bi * numPix * c
			for p := 0; p < numPix; p++ {
				if maskedPixel(synthData, base+p*c, c) {
					continue
				}
				for ci := 0; ci < c; ci++ {
					diff := float64(synthData[base+p*c+ci]) - float64(targetData[tgtBase+p*c+ci])
					sum += math.Abs(diff)
					count++
				}
			}
		}
		if count > 0 {
			batchSum += sum / float64(count)
		}
	}
	return batchSum / float64(b), nil
}

func photometricSSIM(synth, target *tensor.Dense) (float64, error) {
	b, s, h, w, c, err := photometricShapes(synth, target)
	if err != nil {
		return 0, err
	}
	synthData, err := timage.Floats(synth)
	if err != nil {
		return 0, err
	}
	targetData, err := timage.Floats(target)
	if err != nil {
		return 0, err
	}

	numPix := h * w
	plane := numPix * c
	x := make([]float64, plane)
	y := make([]float64, plane)
	xy := make([]float64, plane)
	x2 := make([]float64, plane)
	y2 := make([]float64, plane)

	batchSum := 0.0
	for bi := 0; bi < b; bi++ {
		sum := 0.0
		count := 0
		for si := 0; si < s; si++ {
			base := (bi*s + si) * plane
			tgtBase := bi * plane
			for i := 0; i < plane; i++ {
				x[i] = float64(targetData[tgtBase+i])
				y[i] = float64(synthData[base+i])
				xy[i] = x[i] * y[i]
				x2[i] = x[i] * x[i]
				y2[i] = y[i] * y[i]
			}
			muX := avgPool3x3Same(x, h, w, c)
			muY := avgPool3x3Same(y, h, w, c)
			muXY := avgPool3x3Same(xy, h, w, c)
			muX2 := avgPool3x3Same(x2, h, w, c)
			muY2 := avgPool3x3Same(y2, h, w, c)

			for p := 0; p < numPix; p++ {
				if maskedPixel(synthData, base+p*c, c) {
					continue
				}
				for ci := 0; ci < c; ci++ {
					i := p*c + ci
					sigmaX := muX2[i] - muX[i]*muX[i]
					sigmaY := muY2[i] - muY[i]*muY[i]
					sigmaXY := muXY[i] - muX[i]*muY[i]
					num := (2*muX[i]*muY[i] + ssimC1) * (2*sigmaXY + ssimC2)
					den := (muX[i]*muX[i] + muY[i]*muY[i] + ssimC1) * (sigmaX + sigmaY + ssimC2)
					ssim := num / den
					v := (1 - ssim) / 2
					if v < 0 {
						v = 0
					} else if v > 1 {
						v = 1
					}
					sum += v
					count++
				}
			}
		}
		if count > 0 {
			batchSum += sum / float64(count)
		}
	}
	return batchSum / float64(b), nil
}

// maskedPixel reports whether the synthesized pixel starting at off is
// exactly black across all channels.
func maskedPixel(data []float32, off, c int) bool {
	var sum float32
	for ci := 0; ci < c; ci++ {
		sum += data[off+ci]
	}
	return sum == 0
}

// avgPool3x3Same averages over a 3x3 spatial window with same padding,
// dividing by the number of in-bounds window elements at the borders.
func avgPool3x3Same(img []float64, h, w, c int) []float64 {
	out := make([]float64, len(img))
	for y := 0; y < h; y++ {
		y0, y1 := maxInt(y-1, 0), minInt(y+1, h-1)
		for x := 0; x < w; x++ {
			x0, x1 := maxInt(x-1, 0), minInt(x+1, w-1)
			n := float64((y1 - y0 + 1) * (x1 - x0 + 1))
			for ci := 0; ci < c; ci++ {
				sum := 0.0
				for yy := y0; yy <= y1; yy++ {
					for xx := x0; xx <= x1; xx++ {
						sum += img[(yy*w+xx)*c+ci]
					}
				}
				out[(y*w+x)*c+ci] = sum / n
			}
		}
	}
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
