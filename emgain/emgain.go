/*Package emgain models the stochastic multiplication of an EMCCD gain register.

Two models are provided.  Gamma draws the output of each charge packet from a
gamma distribution with shape equal to the input electrons and scale equal to
the mean gain, the continuous limit of a long cascade (excess noise factor
sqrt(2)).  Cascade clocks each packet through a finite number of multiplication
elements and draws the secondary electrons of every element, which is exact
but slow for bright frames.
*/
package emgain

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

func checkGain(gain float64) error {
	if math.IsNaN(gain) || math.IsInf(gain, 0) || gain < 1 {
		return fmt.Errorf("emgain: gain %g must be finite and >= 1", gain)
	}
	return nil
}

func checkPacket(i int, x float64) error {
	if math.IsNaN(x) || math.IsInf(x, 0) || x < 0 {
		return fmt.Errorf("emgain: packet %d holds %g e-, must be finite and >= 0", i, x)
	}
	return nil
}

// Gamma is the gamma distribution gain register model
type Gamma struct{}

// Amplify implements emccd.GainAmplifier
func (Gamma) Amplify(seq []float64, gain float64, src rand.Source) ([]float64, error) {
	if err := checkGain(gain); err != nil {
		return nil, err
	}
	out := make([]float64, len(seq))
	for i, x := range seq {
		if err := checkPacket(i, x); err != nil {
			return nil, err
		}
		switch {
		case x == 0:
			out[i] = 0
		case gain == 1:
			out[i] = x
		default:
			out[i] = distuv.Gamma{Alpha: x, Beta: 1 / gain, Src: src}.Rand()
		}
	}
	return out, nil
}

// Cascade is a gain register of Elements multiplication stages.  Each stage
// turns every electron into two with probability gain^(1/Elements) - 1.
type Cascade struct {
	// Elements is the number of multiplication elements in the register, e.g. 604
	Elements int
}

// Amplify implements emccd.GainAmplifier.  Fractional packets are rounded to
// whole electrons at random, up with probability equal to the fraction, which
// keeps the mean.
func (c Cascade) Amplify(seq []float64, gain float64, src rand.Source) ([]float64, error) {
	if err := checkGain(gain); err != nil {
		return nil, err
	}
	if c.Elements <= 0 {
		return nil, fmt.Errorf("emgain: cascade needs at least one element, got %d", c.Elements)
	}
	p := math.Pow(gain, 1/float64(c.Elements)) - 1
	rng := rand.New(src)
	out := make([]float64, len(seq))
	for i, x := range seq {
		if err := checkPacket(i, x); err != nil {
			return nil, err
		}
		n := math.Floor(x)
		if frac := x - n; frac > 0 && rng.Float64() < frac {
			n++
		}
		if p > 0 {
			for k := 0; k < c.Elements && n > 0; k++ {
				n += distuv.Binomial{N: n, P: p, Src: src}.Rand()
			}
		}
		out[i] = n
	}
	return out, nil
}
