// Package cosmics contains cosmic ray and saturation trail models for EMCCD simulation.
package cosmics

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// DefaultTailLength is the e-folding length of a hit's tail, in pixels
const DefaultTailLength = 2.5

// Model deposits cosmic ray hits on a frame.  The number of hits is Poisson
// distributed with mean rate*frametime*area, where area is the frame's pixel
// count times pitch squared.  Each hit saturates one pixel and leaves a tail
// that decays exponentially along the row, in the direction of readout.
type Model struct {
	// TailLength is the e-folding length of the tail in pixels.
	// Zero uses DefaultTailLength.
	TailLength float64

	// MaxTail is the longest tail in pixels.  Zero uses 10 tail lengths.
	MaxTail int
}

// Hit implements emccd.CosmicRayModel
func (m Model) Hit(frame *mat.Dense, rate, frametime, pitch, fullWell float64, src rand.Source) (*mat.Dense, error) {
	if rate < 0 || frametime < 0 || pitch <= 0 || fullWell <= 0 {
		return nil, fmt.Errorf("cosmics: invalid hit inputs rate=%g frametime=%g pitch=%g full well=%g",
			rate, frametime, pitch, fullWell)
	}
	out := mat.DenseCopyOf(frame)
	n := m.NumHits(frame, rate, frametime, pitch, src)
	if n == 0 {
		return out, nil
	}

	rows, cols := out.Dims()
	rng := rand.New(src)
	for i := 0; i < n; i++ {
		m.deposit(out, rng.IntN(rows), rng.IntN(cols), fullWell)
	}
	return out, nil
}

// NumHits draws the number of hits on frame during one exposure
func (m Model) NumHits(frame mat.Matrix, rate, frametime, pitch float64, src rand.Source) int {
	rows, cols := frame.Dims()
	pitchCm := pitch * 100
	mean := rate * frametime * float64(rows*cols) * pitchCm * pitchCm
	if mean <= 0 {
		return 0
	}
	return int(distuv.Poisson{Lambda: mean, Src: src}.Rand())
}

func (m Model) deposit(frame *mat.Dense, r, c int, fullWell float64) {
	tl := m.TailLength
	if tl <= 0 {
		tl = DefaultTailLength
	}
	maxTail := m.MaxTail
	if maxTail <= 0 {
		maxTail = int(math.Ceil(10 * tl))
	}
	_, cols := frame.Dims()
	frame.Set(r, c, frame.At(r, c)+fullWell)
	for k := 1; k <= maxTail && c+k < cols; k++ {
		frame.Set(r, c+k, frame.At(r, c+k)+fullWell*math.Exp(-float64(k)/tl))
	}
}

// Tails bleeds the charge of saturated packets in the serial register into the
// packets clocked after them.  It implements emccd.SerialEffect.
type Tails struct {
	// Fraction is the fraction of the excess over full well carried into the
	// next packet, 0..1.  The rest is lost.
	Fraction float64
}

// Apply implements emccd.SerialEffect.  The sequence must be in clocking order.
func (t Tails) Apply(seq []float64, fullWell float64, _ rand.Source) ([]float64, error) {
	if t.Fraction < 0 || t.Fraction > 1 {
		return nil, fmt.Errorf("cosmics: tail fraction %g outside [0, 1]", t.Fraction)
	}
	out := make([]float64, len(seq))
	var carry float64
	for i, v := range seq {
		v += carry
		carry = 0
		if v > fullWell {
			carry = (v - fullWell) * t.Fraction
			v = fullWell
		}
		out[i] = v
	}
	return out, nil
}
