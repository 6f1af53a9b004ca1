package emccd

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// CosmicRayModel deposits cosmic ray hits on the active area of a frame.
// Implementations may only add charge.
type CosmicRayModel interface {
	// Hit returns frame with a random number of hits applied.  rate is in
	// hits/cm^2/s, frametime in s, pitch in m; fullWell is the image area
	// capacity in e-.
	Hit(frame *mat.Dense, rate, frametime, pitch, fullWell float64, src rand.Source) (*mat.Dense, error)
}

// GainAmplifier applies stochastic electron multiplication to a sequence of
// charge packets in serial clocking order.  For a given source the output is
// deterministic, non-negative, and E[out[i]] = seq[i]*gain.
type GainAmplifier interface {
	Amplify(seq []float64, gain float64, src rand.Source) ([]float64, error)
}

// SerialEffect models a history effect of the serial register, such as
// saturation trails.  It operates on the clocking order, before the serial
// full well clip.
type SerialEffect interface {
	Apply(seq []float64, fullWell float64, src rand.Source) ([]float64, error)
}

// FixedPattern produces a per-pixel offset added to the serial frame after the
// full well clip
type FixedPattern interface {
	Pattern(rows, cols int) (*mat.Dense, error)
}

// ChargeTransfer applies charge transfer inefficiency to an image frame
type ChargeTransfer interface {
	Transfer(frame *mat.Dense, seq ClockSequence) (*mat.Dense, error)
}

// ClockSequence describes how the image frame is clocked out
type ClockSequence struct {
	// ParallelTransfers is the number of parallel (row) transfers to the serial register
	ParallelTransfers int

	// SerialTransfers is the number of serial transfers per row, prescan included
	SerialTransfers int

	// PrescanCols is the number of prescan pixels read at the start of each row
	PrescanCols int
}

// PatternMap is a FixedPattern backed by a fixed array of offsets (e-),
// for example one measured from dark frames of real hardware
type PatternMap struct {
	Offsets mat.Matrix
}

// Pattern returns the offsets, which must be rows x cols
func (p PatternMap) Pattern(rows, cols int) (*mat.Dense, error) {
	r, c := p.Offsets.Dims()
	if r != rows || c != cols {
		return nil, &ShapeError{Op: "fixed pattern", Rows: r, Cols: c, DstRows: rows, DstCols: cols}
	}
	return mat.DenseCopyOf(p.Offsets), nil
}
