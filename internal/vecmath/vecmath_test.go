package vecmath_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/engramdb/engram/internal/vecmath"
)

func TestCosine(t *testing.T) {
	require.InDelta(t, 1.0, vecmath.Cosine([]float32{1, 0, 0}, []float32{2, 0, 0}), 1e-6)
	require.InDelta(t, 0.0, vecmath.Cosine([]float32{1, 0, 0}, []float32{0, 1, 0}), 1e-6)
	require.InDelta(t, -1.0, vecmath.Cosine([]float32{1, 0}, []float32{-3, 0}), 1e-6)
}

func TestCosineDegenerate(t *testing.T) {
	require.Zero(t, vecmath.Cosine([]float32{0, 0}, []float32{1, 0}))
	require.Zero(t, vecmath.Cosine(nil, []float32{1}))
	require.Zero(t, vecmath.Cosine([]float32{1, 0}, []float32{1}))
}

func TestNormalize(t *testing.T) {
	v := vecmath.Normalize([]float32{3, 4})
	require.InDelta(t, 0.6, v[0], 1e-6)
	require.InDelta(t, 0.8, v[1], 1e-6)

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	require.InDelta(t, 1.0, math.Sqrt(norm), 1e-6)
}

func TestClone(t *testing.T) {
	orig := []float32{1, 2, 3}
	dup := vecmath.Clone(orig)
	dup[0] = 9
	require.Equal(t, float32(1), orig[0])
}
