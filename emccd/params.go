package emccd

import "math"

// Params holds the scalar parameters of a detector.  Frame time is not part of
// Params because it varies from frame to frame; it is an argument of the
// simulation calls.
type Params struct {
	// EMGain is the mean multiplication factor of the gain register, >= 1
	EMGain float64 `yaml:"EMGain" koanf:"EMGain"`

	// FullWellImage is the image area full well capacity (e-)
	FullWellImage float64 `yaml:"FullWellImage" koanf:"FullWellImage"`

	// FullWellSerial is the serial (gain) register full well capacity (e-)
	FullWellSerial float64 `yaml:"FullWellSerial" koanf:"FullWellSerial"`

	// DarkCurrent is the dark current rate (e-/pix/s)
	DarkCurrent float64 `yaml:"DarkCurrent" koanf:"DarkCurrent"`

	// CIC is the clock induced charge (e-/pix/frame)
	CIC float64 `yaml:"CIC" koanf:"CIC"`

	// ReadNoise is the amplifier read noise (e- rms), not the effective read
	// noise after EM gain
	ReadNoise float64 `yaml:"ReadNoise" koanf:"ReadNoise"`

	// Bias is the bias offset (e-)
	Bias float64 `yaml:"Bias" koanf:"Bias"`

	// QE is the quantum efficiency, 0..1
	QE float64 `yaml:"QE" koanf:"QE"`

	// CRRate is the cosmic ray rate (hits/cm^2/s)
	CRRate float64 `yaml:"CRRate" koanf:"CRRate"`

	// PixelPitch is the distance between pixel centers (m)
	PixelPitch float64 `yaml:"PixelPitch" koanf:"PixelPitch"`

	// ShotNoiseOn applies Poisson noise to the photo-electrons.  When false the
	// mean signal is used as-is but dark current and CIC are still sampled.
	ShotNoiseOn bool `yaml:"ShotNoiseOn" koanf:"ShotNoiseOn"`
}

// DefaultParams returns the parameters of a generic EMCCD
func DefaultParams() Params {
	return Params{
		EMGain:         5000,
		FullWellImage:  50000,
		FullWellSerial: 90000,
		DarkCurrent:    0.0028,
		CIC:            0.01,
		ReadNoise:      100,
		Bias:           0,
		QE:             0.9,
		CRRate:         0,
		PixelPitch:     13e-6,
		ShotNoiseOn:    true,
	}
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

func nonNegative(name string, v float64) error {
	if !finite(v) || v < 0 {
		return &ParameterError{Name: name, Value: v, Reason: "must be finite and >= 0"}
	}
	return nil
}

func positive(name string, v float64) error {
	if !finite(v) || v <= 0 {
		return &ParameterError{Name: name, Value: v, Reason: "must be finite and > 0"}
	}
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// validateImage checks the parameters consumed by the image section
func (p Params) validateImage(frametime float64) error {
	if !finite(p.QE) || p.QE < 0 || p.QE > 1 {
		return &ParameterError{Name: "qe", Value: p.QE, Reason: "must be within [0, 1]"}
	}
	return firstErr(
		nonNegative("frametime", frametime),
		positive("full_well_image", p.FullWellImage),
		nonNegative("dark_current", p.DarkCurrent),
		nonNegative("cic", p.CIC),
		nonNegative("cr_rate", p.CRRate),
		positive("pixel_pitch", p.PixelPitch),
	)
}

// validateSerial checks the parameters consumed by the serial register
func (p Params) validateSerial() error {
	if !finite(p.EMGain) || p.EMGain < 1 {
		return &ParameterError{Name: "em_gain", Value: p.EMGain, Reason: "must be >= 1"}
	}
	if !finite(p.Bias) {
		return &ParameterError{Name: "bias", Value: p.Bias, Reason: "must be finite"}
	}
	return firstErr(
		positive("full_well_serial", p.FullWellSerial),
		nonNegative("read_noise", p.ReadNoise),
		nonNegative("cic", p.CIC),
	)
}

// Validate checks every parameter for a frame of the given frame time
func (p Params) Validate(frametime float64) error {
	if err := p.validateImage(frametime); err != nil {
		return err
	}
	return p.validateSerial()
}
