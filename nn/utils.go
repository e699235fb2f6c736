package nn

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ConvertSliceToFloat32 converts any float slice to float32.
func ConvertSliceToFloat32[T Float](src []T) []float32 {
	result := make([]float32, len(src))
	for i, v := range src {
		result[i] = float32(v)
	}
	return result
}

// ConvertSliceFromFloat32 converts a float32 slice to T.
func ConvertSliceFromFloat32[T Float](src []float32) []T {
	result := make([]T, len(src))
	for i, v := range src {
		result[i] = T(v)
	}
	return result
}

func toFloat64s[T Float](src []T) []float64 {
	result := make([]float64, len(src))
	for i, v := range src {
		result[i] = float64(v)
	}
	return result
}

func fromFloat64s[T Float](src []float64) []T {
	result := make([]T, len(src))
	for i, v := range src {
		result[i] = T(v)
	}
	return result
}

// MaxAbsDiff calculates the maximum absolute difference between two slices
func MaxAbsDiff[T Float](a, b []T) float64 {
	n := min(len(a), len(b))
	m := 0.0
	for i := 0; i < n; i++ {
		if d := math.Abs(float64(a[i] - b[i])); d > m {
			m = d
		}
	}
	return m
}

// Stats summarizes the values of a tensor.
type Stats struct {
	Min, Max, Mean, StdDev float64
	NonFinite              int
}

// Summarize computes Stats over t.Data.
func Summarize[T Float](t *Tensor[T]) Stats {
	if len(t.Data) == 0 {
		return Stats{}
	}
	vals := toFloat64s(t.Data)
	var s Stats
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			s.NonFinite++
		}
	}
	s.Min = floats.Min(vals)
	s.Max = floats.Max(vals)
	if len(vals) == 1 {
		s.Mean = vals[0]
		return s
	}
	s.Mean, s.StdDev = stat.MeanStdDev(vals, nil)
	return s
}
