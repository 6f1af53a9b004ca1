package cosmics

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func flat(rows, cols int, v float64) *mat.Dense {
	m := mat.NewDense(rows, cols, nil)
	m.Apply(func(_, _ int, _ float64) float64 { return v }, m)
	return m
}

func TestHitOnlyAddsCharge(t *testing.T) {
	in := flat(64, 64, 10)
	out, err := Model{}.Hit(in, 5e4, 1, 13e-6, 50000, rand.NewPCG(1, 2))
	require.NoError(t, err)

	saturated := 0
	for r := 0; r < 64; r++ {
		for c := 0; c < 64; c++ {
			v := out.At(r, c)
			assert.GreaterOrEqual(t, v, 10.)
			if v >= 50000 {
				saturated++
			}
		}
	}
	assert.Greater(t, saturated, 0, "expected at least one hit at this rate")
	assert.Equal(t, 10., in.At(0, 0), "input must not be modified")
}

func TestHitZeroRate(t *testing.T) {
	in := flat(8, 8, 3)
	out, err := Model{}.Hit(in, 0, 100, 13e-6, 50000, rand.NewPCG(1, 2))
	require.NoError(t, err)
	assert.True(t, mat.Equal(in, out))
}

func TestHitDeterministic(t *testing.T) {
	in := flat(32, 32, 0)
	a, err := Model{}.Hit(in, 1e5, 1, 13e-6, 1000, rand.NewPCG(7, 7))
	require.NoError(t, err)
	b, err := Model{}.Hit(in, 1e5, 1, 13e-6, 1000, rand.NewPCG(7, 7))
	require.NoError(t, err)
	assert.True(t, mat.Equal(a, b))
}

func TestNumHitsMean(t *testing.T) {
	// 100x100 pixels of 10um is 0.01 cm^2, so 1000 hits/cm^2/s * 2 s is 20 hits
	frame := mat.NewDense(100, 100, nil)
	src := rand.NewPCG(3, 4)
	const trials = 2000
	total := 0
	for i := 0; i < trials; i++ {
		total += Model{}.NumHits(frame, 1000, 2, 10e-6, src)
	}
	assert.InDelta(t, 20, float64(total)/trials, 0.5)
}

func TestHitRejectsBadInputs(t *testing.T) {
	_, err := Model{}.Hit(flat(2, 2, 0), -1, 1, 13e-6, 100, rand.NewPCG(1, 1))
	assert.Error(t, err)
	_, err = Model{}.Hit(flat(2, 2, 0), 1, 1, 0, 100, rand.NewPCG(1, 1))
	assert.Error(t, err)
}

func TestTailsCarryExcessForward(t *testing.T) {
	out, err := Tails{Fraction: 1}.Apply([]float64{250, 0, 0, 10}, 100, nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{100, 100, 50, 10}, out)

	out, err = Tails{Fraction: 0.5}.Apply([]float64{300, 0}, 100, nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{100, 100}, out)

	_, err = Tails{Fraction: 2}.Apply([]float64{1}, 100, nil)
	assert.Error(t, err)
}
