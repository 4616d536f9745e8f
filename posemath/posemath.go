// Package posemath converts between twist (axis-angle + translation) and
// homogeneous matrix representations of rigid transforms, both for single
// transforms and for batches stored in dense tensors.
package posemath

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"
)

// smallAngle is the threshold below which rotation formulas switch to their
// Taylor expansions to avoid dividing by a near-zero angle.
const smallAngle = 1e-8

// A Twist is a minimal 6-DoF rigid transform: a translation plus an
// axis-angle rotation vector whose norm is the rotation angle in radians.
type Twist struct {
	Translation r3.Vector
	Rotation    r3.Vector
}

// TwistToMatrix applies the exponential map to a twist and returns the
// equivalent 4x4 homogeneous transform. The bottom row is always [0 0 0 1]
// and a zero rotation yields the identity rotation block.
func TwistToMatrix(tw Twist) *mat.Dense {
	w := tw.Rotation
	theta := w.Norm()

	// Rodrigues with the unnormalized skew matrix K = [w]x:
	// R = I + a*K + b*K^2, a = sin(t)/t, b = (1-cos(t))/t^2
	var a, b float64
	if theta < smallAngle {
		a, b = 1.0, 0.5
	} else {
		a = math.Sin(theta) / theta
		b = (1 - math.Cos(theta)) / (theta * theta)
	}

	k := skew(w)
	var k2 mat.Dense
	k2.Mul(k, k)

	out := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			v := a*k.At(i, j) + b*k2.At(i, j)
			if i == j {
				v++
			}
			out.Set(i, j, v)
		}
	}
	out.Set(0, 3, tw.Translation.X)
	out.Set(1, 3, tw.Translation.Y)
	out.Set(2, 3, tw.Translation.Z)
	out.Set(3, 3, 1)
	return out
}

// MatrixToTwist applies the logarithm map to a 4x4 homogeneous transform. The
// recovered angle lies in [0, pi]; the zero-rotation case returns a zero
// rotation vector rather than NaN.
func MatrixToTwist(m mat.Matrix) (Twist, error) {
	r, c := m.Dims()
	if r != 4 || c != 4 {
		return Twist{}, errors.Errorf("expected a 4x4 transform, got %dx%d", r, c)
	}

	tw := Twist{Translation: r3.Vector{X: m.At(0, 3), Y: m.At(1, 3), Z: m.At(2, 3)}}

	trace := m.At(0, 0) + m.At(1, 1) + m.At(2, 2)
	cosTheta := clamp((trace-1)/2, -1, 1)
	theta := math.Acos(cosTheta)

	switch {
	case theta < smallAngle:
		// log(R) ~ (R - R^T)/2 for vanishing angles
		tw.Rotation = r3.Vector{
			X: (m.At(2, 1) - m.At(1, 2)) / 2,
			Y: (m.At(0, 2) - m.At(2, 0)) / 2,
			Z: (m.At(1, 0) - m.At(0, 1)) / 2,
		}
	case math.Pi-theta < 1e-6:
		// Near pi the skew part vanishes; recover the axis from the
		// diagonal of R = I + 2*axis*axis^T - ... instead.
		ax := math.Sqrt(math.Max((m.At(0, 0)+1)/2, 0))
		ay := math.Sqrt(math.Max((m.At(1, 1)+1)/2, 0))
		az := math.Sqrt(math.Max((m.At(2, 2)+1)/2, 0))
		// fix signs using the off-diagonal sums
		if m.At(0, 1)+m.At(1, 0) < 0 {
			ay = -ay
		}
		if m.At(0, 2)+m.At(2, 0) < 0 {
			az = -az
		}
		tw.Rotation = r3.Vector{X: ax, Y: ay, Z: az}.Mul(theta)
	default:
		s := theta / (2 * math.Sin(theta))
		tw.Rotation = r3.Vector{
			X: s * (m.At(2, 1) - m.At(1, 2)),
			Y: s * (m.At(0, 2) - m.At(2, 0)),
			Z: s * (m.At(1, 0) - m.At(0, 1)),
		}
	}
	return tw, nil
}

// InvertRigid inverts a 4x4 rigid transform without a general matrix solve:
// R^T in the rotation block and -R^T*t in the translation column.
func InvertRigid(m mat.Matrix) (*mat.Dense, error) {
	r, c := m.Dims()
	if r != 4 || c != 4 {
		return nil, errors.Errorf("expected a 4x4 transform, got %dx%d", r, c)
	}
	out := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.Set(i, j, m.At(j, i))
		}
	}
	for i := 0; i < 3; i++ {
		v := 0.0
		for j := 0; j < 3; j++ {
			v -= m.At(j, i) * m.At(j, 3)
		}
		out.Set(i, 3, v)
	}
	out.Set(3, 3, 1)
	return out, nil
}

// TwistBatchToMatrices converts a [batch, numSrc, 6] float32 tensor of twists
// into a [batch, numSrc, 4, 4] tensor of homogeneous transforms.
func TwistBatchToMatrices(tw *tensor.Dense) (*tensor.Dense, error) {
	shape := tw.Shape()
	if len(shape) != 3 || shape[2] != 6 {
		return nil, errors.Errorf("expected twist batch of shape [batch, numSrc, 6], got %v", shape)
	}
	data, ok := tw.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("expected float32 twist batch, got %T", tw.Data())
	}
	b, s := shape[0], shape[1]
	out := make([]float32, b*s*16)
	for i := 0; i < b*s; i++ {
		v := data[i*6 : i*6+6]
		m := TwistToMatrix(Twist{
			Translation: r3.Vector{X: float64(v[0]), Y: float64(v[1]), Z: float64(v[2])},
			Rotation:    r3.Vector{X: float64(v[3]), Y: float64(v[4]), Z: float64(v[5])},
		})
		raw := m.RawMatrix().Data
		for j, x := range raw {
			out[i*16+j] = float32(x)
		}
	}
	return tensor.New(tensor.WithShape(b, s, 4, 4), tensor.WithBacking(out)), nil
}

// MatricesToTwistBatch converts a [batch, numSrc, 4, 4] float32 tensor of
// homogeneous transforms into a [batch, numSrc, 6] tensor of twists.
func MatricesToTwistBatch(ms *tensor.Dense) (*tensor.Dense, error) {
	shape := ms.Shape()
	if len(shape) != 4 || shape[2] != 4 || shape[3] != 4 {
		return nil, errors.Errorf("expected matrix batch of shape [batch, numSrc, 4, 4], got %v", shape)
	}
	data, ok := ms.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("expected float32 matrix batch, got %T", ms.Data())
	}
	b, s := shape[0], shape[1]
	out := make([]float32, b*s*6)
	m64 := make([]float64, 16)
	for i := 0; i < b*s; i++ {
		for j := 0; j < 16; j++ {
			m64[j] = float64(data[i*16+j])
		}
		tw, err := MatrixToTwist(mat.NewDense(4, 4, m64))
		if err != nil {
			return nil, err
		}
		out[i*6+0] = float32(tw.Translation.X)
		out[i*6+1] = float32(tw.Translation.Y)
		out[i*6+2] = float32(tw.Translation.Z)
		out[i*6+3] = float32(tw.Rotation.X)
		out[i*6+4] = float32(tw.Rotation.Y)
		out[i*6+5] = float32(tw.Rotation.Z)
	}
	return tensor.New(tensor.WithShape(b, s, 6), tensor.WithBacking(out)), nil
}

// MatrixBatchFromDense tiles a single 4x4 gonum transform into a
// [batch, numSrc, 4, 4] float32 tensor, the shape the synthesizer consumes.
func MatrixBatchFromDense(m mat.Matrix, batch, numSrc int) (*tensor.Dense, error) {
	r, c := m.Dims()
	if r != 4 || c != 4 {
		return nil, errors.Errorf("expected a 4x4 transform, got %dx%d", r, c)
	}
	out := make([]float32, batch*numSrc*16)
	for i := 0; i < batch*numSrc; i++ {
		for row := 0; row < 4; row++ {
			for col := 0; col < 4; col++ {
				out[i*16+row*4+col] = float32(m.At(row, col))
			}
		}
	}
	return tensor.New(tensor.WithShape(batch, numSrc, 4, 4), tensor.WithBacking(out)), nil
}

func skew(w r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -w.Z, w.Y,
		w.Z, 0, -w.X,
		-w.Y, w.X, 0,
	})
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
