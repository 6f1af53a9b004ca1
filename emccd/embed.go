package emccd

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Embed places flux into a copy of canvas with its upper left corner at
// (row, col) and returns the sum.  The offset may be fractional; values are
// resampled with bilinear interpolation, so a lattice aligned offset reduces to
// an exact copy.
//
// The flux map must fit in the canvas: row and col must be non-negative and
// ceil(row)+rows(flux) <= rows(canvas), and likewise for columns.  A *ShapeError
// is returned otherwise, and canvas is never modified.
func Embed(flux, canvas mat.Matrix, row, col float64) (*mat.Dense, error) {
	h, w := flux.Dims()
	rows, cols := canvas.Dims()
	if h == 0 || w == 0 || !finite(row) || !finite(col) || row < 0 || col < 0 ||
		int(math.Ceil(row))+h > rows || int(math.Ceil(col))+w > cols {
		return nil, &ShapeError{Op: "embed", Rows: h, Cols: w, DstRows: rows, DstCols: cols, Row: row, Col: col}
	}

	// inset by one pixel so the kernel has (zero) neighbors at the map edges
	pad := mat.NewDense(h+2, w+2, nil)
	pad.Slice(1, h+1, 1, w+1).(*mat.Dense).Copy(flux)

	out := mat.DenseCopyOf(canvas)

	// only pixels within one of the shifted map can receive charge
	r0, r1 := clampRange(int(math.Floor(row))-1, int(math.Ceil(row))+h, rows)
	c0, c1 := clampRange(int(math.Floor(col))-1, int(math.Ceil(col))+w, cols)
	for r := r0; r <= r1; r++ {
		y := float64(r) - (row - 1)
		for c := c0; c <= c1; c++ {
			x := float64(c) - (col - 1)
			if v := bilinear(pad, y, x); v != 0 {
				out.Set(r, c, out.At(r, c)+v)
			}
		}
	}
	return out, nil
}

// clampRange clamps the inclusive range [lo, hi] to [0, n-1]
func clampRange(lo, hi, n int) (int, int) {
	if lo < 0 {
		lo = 0
	}
	if hi > n-1 {
		hi = n - 1
	}
	return lo, hi
}

// bilinear samples m at the fractional coordinate (y, x).  Samples outside of
// m read zero.
func bilinear(m *mat.Dense, y, x float64) float64 {
	rows, cols := m.Dims()
	y0, x0 := math.Floor(y), math.Floor(x)
	fy, fx := y-y0, x-x0
	iy, ix := int(y0), int(x0)

	taps := [4]struct {
		dy, dx int
		w      float64
	}{
		{0, 0, (1 - fy) * (1 - fx)},
		{0, 1, (1 - fy) * fx},
		{1, 0, fy * (1 - fx)},
		{1, 1, fy * fx},
	}
	var v float64
	for _, t := range taps {
		if t.w == 0 {
			continue
		}
		r, c := iy+t.dy, ix+t.dx
		if r < 0 || r >= rows || c < 0 || c >= cols {
			continue
		}
		v += t.w * m.At(r, c)
	}
	return v
}
