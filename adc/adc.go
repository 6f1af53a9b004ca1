// Package adc converts simulated EMCCD frames between electrons and digital numbers.
package adc

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.jpl.nasa.gov/bdube/emccd/emccd"
)

// Digitizer is an analog to digital converter
type Digitizer struct {
	// EPerDN is the conversion gain (e-/DN)
	EPerDN float64 `yaml:"EPerDN" koanf:"EPerDN"`

	// NBits is the bit depth of the converter, 1..32
	NBits int `yaml:"NBits" koanf:"NBits"`
}

// Default returns a 14 bit converter at 7 e-/DN
func Default() Digitizer {
	return Digitizer{EPerDN: 7, NBits: 14}
}

// Validate checks the conversion gain and bit depth
func (d Digitizer) Validate() error {
	if math.IsNaN(d.EPerDN) || math.IsInf(d.EPerDN, 0) || d.EPerDN <= 0 {
		return &emccd.ParameterError{Name: "eperdn", Value: d.EPerDN, Reason: "must be finite and > 0"}
	}
	if d.NBits < 1 || d.NBits > 32 {
		return &emccd.ParameterError{Name: "nbits", Value: float64(d.NBits), Reason: "must be within [1, 32]"}
	}
	return nil
}

// MaxDN is the largest count the converter can produce
func (d Digitizer) MaxDN() float64 {
	return math.Exp2(float64(d.NBits)) - 1
}

// Counts converts a frame in electrons to whole counts, saturating at 0 and MaxDN
func (d Digitizer) Counts(frame mat.Matrix) (*mat.Dense, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	out := mat.DenseCopyOf(frame)
	top := d.MaxDN()
	out.Apply(func(_, _ int, v float64) float64 {
		dn := math.Floor(v / d.EPerDN)
		switch {
		case dn < 0 || math.IsNaN(dn):
			return 0
		case dn > top:
			return top
		}
		return dn
	}, out)
	return out, nil
}

// Uint16 digitizes a frame into a row-major buffer.  NBits must be <= 16.
func (d Digitizer) Uint16(frame mat.Matrix) ([]uint16, error) {
	if d.NBits > 16 {
		return nil, &emccd.ParameterError{Name: "nbits", Value: float64(d.NBits), Reason: "does not fit in 16 bits"}
	}
	dn, err := d.Counts(frame)
	if err != nil {
		return nil, err
	}
	r, c := dn.Dims()
	buf := make([]uint16, 0, r*c)
	for i := 0; i < r; i++ {
		for _, v := range dn.RawRowView(i) {
			buf = append(buf, uint16(v))
		}
	}
	return buf, nil
}

// Int32 digitizes a frame into a row-major buffer.  NBits must be <= 31.
func (d Digitizer) Int32(frame mat.Matrix) ([]int32, error) {
	if d.NBits > 31 {
		return nil, &emccd.ParameterError{Name: "nbits", Value: float64(d.NBits), Reason: "does not fit in 31 bits"}
	}
	dn, err := d.Counts(frame)
	if err != nil {
		return nil, err
	}
	r, c := dn.Dims()
	buf := make([]int32, 0, r*c)
	for i := 0; i < r; i++ {
		for _, v := range dn.RawRowView(i) {
			buf = append(buf, int32(v))
		}
	}
	return buf, nil
}

// Electrons converts a frame of counts back to bias subtracted, gain divided
// electrons
func Electrons(dn mat.Matrix, eperdn, bias, gain float64) (*mat.Dense, error) {
	if eperdn <= 0 {
		return nil, &emccd.ParameterError{Name: "eperdn", Value: eperdn, Reason: "must be > 0"}
	}
	if gain < 1 {
		return nil, &emccd.ParameterError{Name: "em_gain", Value: gain, Reason: "must be >= 1"}
	}
	out := mat.DenseCopyOf(dn)
	out.Apply(func(_, _ int, v float64) float64 {
		return (v*eperdn - bias) / gain
	}, out)
	return out, nil
}
