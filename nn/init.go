package nn

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// NewSource returns a deterministic random source for weight initialization.
func NewSource(seed uint64) rand.Source {
	return rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
}

// InitUniform fills p with values drawn from U(-bound, bound).
func InitUniform[T Float](p *Parameter[T], bound float64, src rand.Source) {
	if bound == 0 {
		fillConst(p, 0)
		return
	}
	dist := distuv.Uniform{Min: -bound, Max: bound, Src: src}
	for i := range p.Value.Data {
		p.Value.Data[i] = T(dist.Rand())
	}
}

// InitNormal fills p with values drawn from N(mean, std²).
func InitNormal[T Float](p *Parameter[T], mean, std float64, src rand.Source) {
	dist := distuv.Normal{Mu: mean, Sigma: std, Src: src}
	for i := range p.Value.Data {
		p.Value.Data[i] = T(dist.Rand())
	}
}

// InitKaiming fills p with He-normal values for the given fan-in.
func InitKaiming[T Float](p *Parameter[T], fanIn int, src rand.Source) {
	InitNormal(p, 0, math.Sqrt(2.0/float64(fanIn)), src)
}

func fillConst[T Float](p *Parameter[T], v T) {
	for i := range p.Value.Data {
		p.Value.Data[i] = v
	}
}

// InitXavier fills p with Glorot-normal values for the given fan-in and
// fan-out.
func InitXavier[T Float](p *Parameter[T], fanIn, fanOut int, src rand.Source) {
	InitNormal(p, 0, math.Sqrt(2.0/float64(fanIn+fanOut)), src)
}
