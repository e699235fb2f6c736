package nn

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/stat"
)

func TestInitDistributions(t *testing.T) {
	const n = 20000
	tests := []struct {
		name string
		init func(p *Parameter[float64])
		std  float64
	}{
		{"kaiming", func(p *Parameter[float64]) { InitKaiming(p, 50, NewSource(1)) }, math.Sqrt(2.0 / 50)},
		{"xavier", func(p *Parameter[float64]) { InitXavier(p, 30, 70, NewSource(2)) }, math.Sqrt(2.0 / 100)},
		{"uniform", func(p *Parameter[float64]) { InitUniform(p, 0.6, NewSource(3)) }, 0.6 / math.Sqrt(3)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Parameter[float64]{Name: "w", Value: NewTensor[float64](n)}
			tt.init(p)
			mean, std := stat.MeanStdDev(p.Value.Data, nil)
			assert.InDelta(t, 0, mean, 0.05*tt.std)
			assert.InEpsilon(t, tt.std, std, 0.05)

			again := &Parameter[float64]{Name: "w", Value: NewTensor[float64](n)}
			tt.init(again)
			assert.Equal(t, p.Value.Data, again.Value.Data, "same seed, same weights")
		})
	}

	p := &Parameter[float32]{Name: "w", Value: NewTensor[float32](4)}
	p.Value.Data[0] = 3
	InitUniform(p, 0, NewSource(4))
	assert.Equal(t, []float32{0, 0, 0, 0}, p.Value.Data)
}
