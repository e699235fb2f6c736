package nn

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// GRUCell is a single-step gated recurrent unit.
//
// Gate rows of the weight matrices are ordered (reset, update, candidate):
//
//	r  = σ(W_ir x + b_ir + W_hr h + b_hr)
//	z  = σ(W_iz x + b_iz + W_hz h + b_hz)
//	n  = tanh(W_in x + b_in + r ⊙ (W_hn h + b_hn))
//	h' = (1 − z) ⊙ n + z ⊙ h
type GRUCell[T Float] struct {
	InputSize  int
	HiddenSize int
	WeightIH   *Parameter[T] // [3*hiddenSize][inputSize]
	WeightHH   *Parameter[T] // [3*hiddenSize][hiddenSize]
	BiasIH     *Parameter[T] // [3*hiddenSize]
	BiasHH     *Parameter[T] // [3*hiddenSize]
}

// GRUStep records one Step for back-propagation. All matrices are
// [rows][hiddenSize] except x, which is [rows][inputSize].
type GRUStep struct {
	x, h     *mat.Dense
	r, z, n  *mat.Dense
	hn       *mat.Dense // W_hn h + b_hn
	wih, whh *mat.Dense
}

// NewGRUCell creates a zero-initialized GRU cell.
func NewGRUCell[T Float](inputSize, hiddenSize int) (*GRUCell[T], error) {
	if inputSize <= 0 || hiddenSize <= 0 {
		return nil, fmt.Errorf("%w: gru sizes must be positive, got input=%d hidden=%d", ErrConfig, inputSize, hiddenSize)
	}
	return &GRUCell[T]{
		InputSize:  inputSize,
		HiddenSize: hiddenSize,
		WeightIH:   newParameter[T]("weight_ih", 3*hiddenSize, inputSize),
		WeightHH:   newParameter[T]("weight_hh", 3*hiddenSize, hiddenSize),
		BiasIH:     newParameter[T]("bias_ih", 3*hiddenSize),
		BiasHH:     newParameter[T]("bias_hh", 3*hiddenSize),
	}, nil
}

// Reset draws every weight and bias from U(-1/sqrt(H), 1/sqrt(H)).
func (g *GRUCell[T]) Reset(src rand.Source) {
	bound := 1 / math.Sqrt(float64(g.HiddenSize))
	for _, p := range g.Parameters() {
		InitUniform(p, bound, src)
	}
}

// Parameters returns weight_ih, weight_hh, bias_ih and bias_hh.
func (g *GRUCell[T]) Parameters() []*Parameter[T] {
	return []*Parameter[T]{g.WeightIH, g.WeightHH, g.BiasIH, g.BiasHH}
}

func denseFrom[T Float](data []T, r, c int) *mat.Dense {
	return mat.NewDense(r, c, toFloat64s(data))
}

// Step computes h' for every row of x (rows × inputSize) and h
// (rows × hiddenSize).
func (g *GRUCell[T]) Step(x, h *Tensor[T]) (*Tensor[T], *GRUStep, error) {
	if len(x.Shape) != 2 || x.Shape[1] != g.InputSize {
		return nil, nil, fmt.Errorf("gru: %w: input shape %v, want (*, %d)", ErrShapeMismatch, x.Shape, g.InputSize)
	}
	if len(h.Shape) != 2 || h.Shape[1] != g.HiddenSize {
		return nil, nil, fmt.Errorf("gru: %w: hidden shape %v, want (*, %d)", ErrShapeMismatch, h.Shape, g.HiddenSize)
	}
	rows := x.Shape[0]
	if rows != h.Shape[0] || rows == 0 {
		return nil, nil, fmt.Errorf("gru: %w: input has %d rows, hidden has %d", ErrShapeMismatch, rows, h.Shape[0])
	}
	H := g.HiddenSize

	st := &GRUStep{
		x:   denseFrom(x.Data, rows, g.InputSize),
		h:   denseFrom(h.Data, rows, H),
		wih: denseFrom(g.WeightIH.Value.Data, 3*H, g.InputSize),
		whh: denseFrom(g.WeightHH.Value.Data, 3*H, H),
		r:   mat.NewDense(rows, H, nil),
		z:   mat.NewDense(rows, H, nil),
		n:   mat.NewDense(rows, H, nil),
		hn:  mat.NewDense(rows, H, nil),
	}

	var gi, gh mat.Dense
	gi.Mul(st.x, st.wih.T())
	gh.Mul(st.h, st.whh.T())
	giRaw, ghRaw := gi.RawMatrix(), gh.RawMatrix()
	bih, bhh := g.BiasIH.Value.Data, g.BiasHH.Value.Data

	out := NewTensor[T](rows, H)
	out.Device = h.Device
	for i := 0; i < rows; i++ {
		gir := giRaw.Data[i*giRaw.Stride : i*giRaw.Stride+3*H]
		ghr := ghRaw.Data[i*ghRaw.Stride : i*ghRaw.Stride+3*H]
		for j := 0; j < H; j++ {
			r := sigmoid(gir[j] + float64(bih[j]) + ghr[j] + float64(bhh[j]))
			z := sigmoid(gir[H+j] + float64(bih[H+j]) + ghr[H+j] + float64(bhh[H+j]))
			hn := ghr[2*H+j] + float64(bhh[2*H+j])
			n := math.Tanh(gir[2*H+j] + float64(bih[2*H+j]) + r*hn)
			hPrev := st.h.At(i, j)

			st.r.Set(i, j, r)
			st.z.Set(i, j, z)
			st.n.Set(i, j, n)
			st.hn.Set(i, j, hn)
			out.Data[i*H+j] = T((1-z)*n + z*hPrev)
		}
	}
	return out, st, nil
}

// BackwardStep back-propagates gradH (rows × hiddenSize) through st,
// accumulates weight gradients and returns (dL/dx, dL/dh).
func (g *GRUCell[T]) BackwardStep(st *GRUStep, gradH *Tensor[T]) (*Tensor[T], *Tensor[T], error) {
	if st == nil {
		return nil, nil, fmt.Errorf("gru: %w", ErrNoForward)
	}
	rows, H := st.h.Dims()
	if len(gradH.Shape) != 2 || gradH.Shape[0] != rows || gradH.Shape[1] != H {
		return nil, nil, fmt.Errorf("gru backward: %w: grad shape %v, want (%d, %d)", ErrShapeMismatch, gradH.Shape, rows, H)
	}

	dgi := mat.NewDense(rows, 3*H, nil)
	dgh := mat.NewDense(rows, 3*H, nil)
	dhDirect := make([]float64, rows*H)
	for i := 0; i < rows; i++ {
		for j := 0; j < H; j++ {
			dh := float64(gradH.Data[i*H+j])
			r, z, n := st.r.At(i, j), st.z.At(i, j), st.n.At(i, j)
			hPrev := st.h.At(i, j)

			dz := dh * (hPrev - n)
			dn := dh * (1 - z)
			dhDirect[i*H+j] = dh * z

			dnPre := dn * (1 - n*n)
			drPre := dnPre * st.hn.At(i, j) * r * (1 - r)
			dzPre := dz * z * (1 - z)

			dgi.Set(i, j, drPre)
			dgi.Set(i, H+j, dzPre)
			dgi.Set(i, 2*H+j, dnPre)
			dgh.Set(i, j, drPre)
			dgh.Set(i, H+j, dzPre)
			dgh.Set(i, 2*H+j, dnPre*r)
		}
	}

	var dWih, dWhh, dx, dhPrev mat.Dense
	dWih.Mul(dgi.T(), st.x)
	dWhh.Mul(dgh.T(), st.h)
	dx.Mul(dgi, st.wih)
	dhPrev.Mul(dgh, st.whh)

	accumulate(g.WeightIH.Grad.Data, &dWih)
	accumulate(g.WeightHH.Grad.Data, &dWhh)
	for i := 0; i < rows; i++ {
		for k := 0; k < 3*H; k++ {
			g.BiasIH.Grad.Data[k] += T(dgi.At(i, k))
			g.BiasHH.Grad.Data[k] += T(dgh.At(i, k))
		}
	}

	gradX := NewTensor[T](rows, g.InputSize)
	gradX.Device = gradH.Device
	copyDense(gradX.Data, &dx)
	gradHPrev := NewTensor[T](rows, H)
	gradHPrev.Device = gradH.Device
	copyDense(gradHPrev.Data, &dhPrev)
	for i, v := range dhDirect {
		gradHPrev.Data[i] += T(v)
	}
	return gradX, gradHPrev, nil
}

func accumulate[T Float](dst []T, m *mat.Dense) {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			dst[i*c+j] += T(m.At(i, j))
		}
	}
}

func copyDense[T Float](dst []T, m *mat.Dense) {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			dst[i*c+j] = T(m.At(i, j))
		}
	}
}
