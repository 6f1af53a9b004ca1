/*Package nonlin applies a measured, gain dependent nonlinearity to simulated frames.

A table is read from CSV.  The header holds a label followed by the EM gains the
table was measured at; every other row holds a signal level (DN) followed by the
relative response at each gain:

	counts,1,10,100
	500,1.01,1.02,1.03
	3000,1.0,1.0,0.99
	7000,0.97,0.96,0.95

Rows whose first cell is not a number, such as a units row, are skipped.  The
column of the gain nearest to the requested one is interpolated linearly in
signal level; levels outside the table take the factor of the nearest end.
*/
package nonlin

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/interp"
	"gonum.org/v1/gonum/mat"
)

// Table is a nonlinearity table
type Table struct {
	// Gains are the EM gains of the columns, ascending
	Gains []float64

	// Counts are the signal levels of the rows, ascending
	Counts []float64

	// Factors holds one column of relative response per gain
	Factors [][]float64
}

// Read parses a nonlinearity table from CSV
func Read(r io.Reader) (Table, error) {
	rd := csv.NewReader(r)
	rd.TrimLeadingSpace = true
	recs, err := rd.ReadAll()
	if err != nil {
		return Table{}, fmt.Errorf("nonlin: %w", err)
	}
	if len(recs) < 3 || len(recs[0]) < 2 {
		return Table{}, errors.New("nonlin: table needs a header, a gain column and two rows")
	}

	hdr := recs[0]
	t := Table{Factors: make([][]float64, len(hdr)-1)}
	for _, cell := range hdr[1:] {
		g, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
		if err != nil {
			return Table{}, fmt.Errorf("nonlin: header gain %q: %w", cell, err)
		}
		t.Gains = append(t.Gains, g)
	}

	for i, rec := range recs[1:] {
		x, err := strconv.ParseFloat(strings.TrimSpace(rec[0]), 64)
		if err != nil {
			continue
		}
		if len(rec) != len(hdr) {
			return Table{}, fmt.Errorf("nonlin: row %d has %d cells, want %d", i+2, len(rec), len(hdr))
		}
		t.Counts = append(t.Counts, x)
		for j, cell := range rec[1:] {
			f, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
			if err != nil {
				return Table{}, fmt.Errorf("nonlin: row %d: %w", i+2, err)
			}
			t.Factors[j] = append(t.Factors[j], f)
		}
	}
	return t, t.Validate()
}

// Load reads a nonlinearity table from a CSV file
func Load(path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return Table{}, err
	}
	defer f.Close()
	return Read(f)
}

// Validate checks that gains and counts are strictly ascending and that every
// column is complete
func (t Table) Validate() error {
	if len(t.Gains) == 0 || len(t.Gains) != len(t.Factors) {
		return errors.New("nonlin: table has no gain columns")
	}
	if len(t.Counts) < 2 {
		return errors.New("nonlin: table needs at least two signal levels")
	}
	for _, s := range [][]float64{t.Gains, t.Counts} {
		for i := 1; i < len(s); i++ {
			if !(s[i] > s[i-1]) {
				return fmt.Errorf("nonlin: values %v are not strictly ascending", s)
			}
		}
	}
	for i, col := range t.Factors {
		if len(col) != len(t.Counts) {
			return fmt.Errorf("nonlin: gain column %g has %d factors, want %d", t.Gains[i], len(col), len(t.Counts))
		}
	}
	return nil
}

// nearest returns the column index of the gain nearest to gain
func (t Table) nearest(gain float64) int {
	i := sort.SearchFloat64s(t.Gains, gain)
	switch {
	case i == 0:
		return 0
	case i == len(t.Gains):
		return len(t.Gains) - 1
	case gain-t.Gains[i-1] <= t.Gains[i]-gain:
		return i - 1
	}
	return i
}

// Apply multiplies every pixel of frame (DN) by its nonlinearity factor at the
// given gain.  It returns the factors and the corrected frame.
func (t Table) Apply(frame mat.Matrix, gain float64) (factors, out *mat.Dense, err error) {
	if err := t.Validate(); err != nil {
		return nil, nil, err
	}
	if math.IsNaN(gain) {
		return nil, nil, errors.New("nonlin: gain is NaN")
	}
	var pl interp.PiecewiseLinear
	if err := pl.Fit(t.Counts, t.Factors[t.nearest(gain)]); err != nil {
		return nil, nil, fmt.Errorf("nonlin: %w", err)
	}

	factors = mat.DenseCopyOf(frame)
	factors.Apply(func(_, _ int, v float64) float64 {
		return pl.Predict(v)
	}, factors)
	out = &mat.Dense{}
	out.MulElem(frame, factors)
	return factors, out, nil
}
