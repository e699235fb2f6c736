package nn

import (
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"
)

// randTensor fills a contiguous tensor with N(0, 1) values.
func randTensor[T Float](seed uint64, dims ...int) *Tensor[T] {
	rng := rand.New(NewSource(seed))
	t := NewTensor[T](dims...)
	for i := range t.Data {
		t.Data[i] = T(rng.NormFloat64())
	}
	return t
}

var gradOpts = cmpopts.EquateApprox(1e-4, 1e-6)

// weightedLoss returns sum(w ⊙ l.Forward(x)).
func weightedLoss(t *testing.T, l Layer[float64], x, w *Tensor[float64]) float64 {
	t.Helper()
	out, err := l.Forward(x)
	require.NoError(t, err)
	out = out.Contiguous()
	var s float64
	for i, v := range out.Data {
		s += v * w.Data[i]
	}
	return s
}

// checkInputGradient compares the analytic input gradient of l at x against
// central finite differences of sum(w ⊙ l(x)), where w is a fixed random
// tensor shaped like the output. It leaves the analytic parameter gradients
// of that backward pass in place and returns w.
func checkInputGradient(t *testing.T, l Layer[float64], x *Tensor[float64]) *Tensor[float64] {
	t.Helper()

	probe, err := l.Forward(x.Clone())
	require.NoError(t, err)
	w := randTensor[float64](99, probe.Shape...)

	ZeroGrad(l)
	_, err = l.Forward(x.Clone())
	require.NoError(t, err)
	gradIn, err := l.Backward(w)
	require.NoError(t, err)
	gradIn = gradIn.Contiguous()

	numIn := fd.Gradient(nil, func(v []float64) float64 {
		xi := x.Clone()
		copy(xi.Data, v)
		return weightedLoss(t, l, xi, w)
	}, slices.Clone(x.Data), fdSettings)
	if diff := cmp.Diff(numIn, gradIn.Data, gradOpts); diff != "" {
		t.Errorf("input gradient mismatch (-numeric +analytic):\n%s", diff)
	}
	return w
}

var fdSettings = &fd.Settings{Formula: fd.Central, Step: 1e-6}

// checkGradients runs checkInputGradient and then checks every learned
// parameter of l the same way.
func checkGradients(t *testing.T, l Layer[float64], x *Tensor[float64]) {
	t.Helper()
	w := checkInputGradient(t, l, x)

	for _, p := range l.Parameters() {
		if p.Buffer {
			continue
		}
		analytic := slices.Clone(p.Grad.Data)
		orig := slices.Clone(p.Value.Data)
		num := fd.Gradient(nil, func(v []float64) float64 {
			copy(p.Value.Data, v)
			return weightedLoss(t, l, x.Clone(), w)
		}, orig, fdSettings)
		copy(p.Value.Data, orig)
		if diff := cmp.Diff(num, analytic, gradOpts); diff != "" {
			t.Errorf("%s gradient mismatch (-numeric +analytic):\n%s", p.Name, diff)
		}
	}
}
