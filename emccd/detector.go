package emccd

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.jpl.nasa.gov/bdube/emccd/cosmics"
	"github.jpl.nasa.gov/bdube/emccd/emgain"
	"github.jpl.nasa.gov/bdube/emccd/geometry"
)

// Detector is an EMCCD with a fixed geometry, parameters and collaborators.
// Treat it as immutable once in use; copy it to change a parameter.
type Detector struct {
	// Geometry is the sensor layout
	Geometry geometry.Geometry

	// Params are the detector parameters
	Params Params

	// CosmicRays deposits cosmic ray hits.  nil disables cosmic rays.
	CosmicRays CosmicRayModel

	// Gain is the gain register model.  nil uses emgain.Gamma.
	Gain GainAmplifier

	// SerialEffects are applied in order after the gain register
	SerialEffects []SerialEffect

	// FixedPattern is added after the serial clip.  nil disables it.
	FixedPattern FixedPattern

	// CTI is applied to the image frame before readout.  nil disables it.
	CTI ChargeTransfer
}

// New returns a Detector with the default cosmic ray and gain register models
func New(g geometry.Geometry, p Params) *Detector {
	return &Detector{
		Geometry:   g,
		Params:     p,
		CosmicRays: cosmics.Model{},
		Gain:       emgain.Gamma{},
	}
}

// Detect creates an EMCCD-detected serial frame (e-) for a flux map
// (photons/pix/s) with the given detector.  It is shorthand for
// New(g, p).Detect(flux, frametime, src).
func Detect(g geometry.Geometry, p Params, flux mat.Matrix, frametime float64, src rand.Source) (*mat.Dense, error) {
	return New(g, p).Detect(flux, frametime, src)
}

// Detect simulates a full frame: the image section followed by the serial
// register.  All parameters are validated up front and the first error is
// returned as-is; no partial frame is ever returned.
func (d *Detector) Detect(flux mat.Matrix, frametime float64, src rand.Source) (*mat.Dense, error) {
	if err := d.Geometry.Validate(); err != nil {
		return nil, err
	}
	if err := d.Params.Validate(frametime); err != nil {
		return nil, err
	}
	img, err := d.ImageSection(flux, frametime, src)
	if err != nil {
		return nil, err
	}
	if d.CTI != nil {
		img, err = d.CTI.Transfer(img, d.ClockSequence())
		if err != nil {
			return nil, err
		}
		if err = d.checkImageFrame("charge transfer", img); err != nil {
			return nil, err
		}
	}
	return d.SerialRegister(img, src)
}

// SimSubFrame simulates a full frame for a flux map and returns only the part
// of the image area the flux map covers
func (d *Detector) SimSubFrame(flux mat.Matrix, frametime float64, src rand.Source) (*mat.Dense, error) {
	full, err := d.Detect(flux, frametime, src)
	if err != nil {
		return nil, err
	}
	h, w := flux.Dims()
	reg := d.Geometry.ImageRegion()
	return mat.DenseCopyOf(full.Slice(reg.Row, reg.Row+h, reg.Col, reg.Col+w)), nil
}

// ClockSequence describes the readout of this detector's image frame
func (d *Detector) ClockSequence() ClockSequence {
	rows, cols := d.Geometry.ImageFrameShape()
	return ClockSequence{
		ParallelTransfers: rows,
		SerialTransfers:   d.Geometry.SerialPrescanCols + cols,
		PrescanCols:       d.Geometry.SerialPrescanCols,
	}
}

// ImageSection simulates the image area of the detector and returns the image
// frame (e-), clipped at the image area full well.
//
// The flux map (photons/pix/s) is integrated over frametime with the quantum
// efficiency.  Dark current and CIC are always Poisson sampled; the photo
// electrons are only Poisson sampled when Params.ShotNoiseOn is set.
func (d *Detector) ImageSection(flux mat.Matrix, frametime float64, src rand.Source) (*mat.Dense, error) {
	p := d.Params
	g := d.Geometry
	if err := p.validateImage(frametime); err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if err := CheckFlux(flux); err != nil {
		return nil, err
	}

	active, err := Embed(flux, mat.NewDense(g.ImageRows, g.ImageCols, nil), 0, 0)
	if err != nil {
		return nil, err
	}

	meanNoise := p.DarkCurrent*frametime + p.CIC
	active.Apply(func(_, _ int, v float64) float64 {
		phe := v * frametime * p.QE
		if p.ShotNoiseOn {
			return poisson(phe+meanNoise, src)
		}
		return phe + poisson(meanNoise, src)
	}, active)

	if d.CosmicRays != nil {
		active, err = d.CosmicRays.Hit(active, p.CRRate, frametime, p.PixelPitch, p.FullWellImage, src)
		if err != nil {
			return nil, err
		}
		r, c := active.Dims()
		if r != g.ImageRows || c != g.ImageCols {
			return nil, &ShapeError{Op: "cosmic rays", Rows: r, Cols: c, DstRows: g.ImageRows, DstCols: g.ImageCols}
		}
	}

	rows, cols := g.ImageFrameShape()
	r0, c0 := g.ImageOffset()
	img, err := Embed(active, mat.NewDense(rows, cols, nil), float64(r0), float64(c0))
	if err != nil {
		return nil, err
	}

	// excess charge is discarded, blooming is not modeled
	clip(img, p.FullWellImage)
	return img, nil
}

// SerialRegister simulates readout of an image frame through the serial (gain)
// register and returns the serial frame (e-).  The frame is the prescan
// prepended to the image frame; its row-major order is the clocking order.
func (d *Detector) SerialRegister(img mat.Matrix, src rand.Source) (*mat.Dense, error) {
	p := d.Params
	if err := p.validateSerial(); err != nil {
		return nil, err
	}
	if err := d.Geometry.Validate(); err != nil {
		return nil, err
	}
	if err := d.checkImageFrame("serial register", img); err != nil {
		return nil, err
	}

	rows, icols := img.Dims()
	pcols := d.Geometry.SerialPrescanCols
	cols := pcols + icols

	// the prescan is not light sensitive and only collects CIC
	seq := make([]float64, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < pcols; c++ {
			seq[r*cols+c] = poisson(p.CIC, src)
		}
	}
	for r := 0; r < rows; r++ {
		row := seq[r*cols+pcols : (r+1)*cols]
		for c := range row {
			row[c] = img.At(r, c)
		}
	}

	seq, err := d.gain().Amplify(seq, p.EMGain, src)
	if err != nil {
		return nil, err
	}
	if len(seq) != rows*cols {
		return nil, &ShapeError{Op: "gain register", Rows: 1, Cols: len(seq), DstRows: 1, DstCols: rows * cols}
	}
	for _, eff := range d.SerialEffects {
		seq, err = eff.Apply(seq, p.FullWellSerial, src)
		if err != nil {
			return nil, err
		}
		if len(seq) != rows*cols {
			return nil, &ShapeError{Op: "serial effect", Rows: 1, Cols: len(seq), DstRows: 1, DstCols: rows * cols}
		}
	}
	clipSeq(seq, p.FullWellSerial)

	out := mat.NewDense(rows, cols, seq)
	if d.FixedPattern != nil {
		fp, err := d.FixedPattern.Pattern(rows, cols)
		if err != nil {
			return nil, err
		}
		out.Add(out, fp)
	}
	d.addReadNoise(out, src)
	return out, nil
}

func (d *Detector) gain() GainAmplifier {
	if d.Gain == nil {
		return emgain.Gamma{}
	}
	return d.Gain
}

// addReadNoise adds zero mean gaussian noise and the bias to every pixel
func (d *Detector) addReadNoise(m *mat.Dense, src rand.Source) {
	norm := distuv.Normal{Mu: d.Params.Bias, Sigma: d.Params.ReadNoise, Src: src}
	m.Apply(func(_, _ int, v float64) float64 {
		return v + norm.Rand()
	}, m)
}

func (d *Detector) checkImageFrame(op string, img mat.Matrix) error {
	rows, cols := d.Geometry.ImageFrameShape()
	r, c := img.Dims()
	if r != rows || c != cols {
		return &ShapeError{Op: op, Rows: r, Cols: c, DstRows: rows, DstCols: cols}
	}
	return nil
}

// CheckFlux rejects flux maps with negative or non-finite values
func CheckFlux(flux mat.Matrix) error {
	r, c := flux.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if v := flux.At(i, j); !finite(v) || v < 0 {
				return &ParameterError{Name: "fluxmap", Value: v, Reason: "must be finite and >= 0"}
			}
		}
	}
	return nil
}

func poisson(lambda float64, src rand.Source) float64 {
	if lambda <= 0 {
		return 0
	}
	return distuv.Poisson{Lambda: lambda, Src: src}.Rand()
}

func clip(m *mat.Dense, fullWell float64) {
	m.Apply(func(_, _ int, v float64) float64 {
		if v > fullWell {
			return fullWell
		}
		return v
	}, m)
}

func clipSeq(s []float64, fullWell float64) {
	for i, v := range s {
		if v > fullWell {
			s[i] = fullWell
		}
	}
}

// SliceImage returns a copy of the image area of a serial frame
func SliceImage(frame mat.Matrix, g geometry.Geometry) *mat.Dense {
	return sliceRegion(frame, g.ImageRegion())
}

// SlicePrescan returns a copy of the prescan of a serial frame
func SlicePrescan(frame mat.Matrix, g geometry.Geometry) *mat.Dense {
	return sliceRegion(frame, g.PrescanRegion())
}

func sliceRegion(frame mat.Matrix, reg geometry.Region) *mat.Dense {
	if reg.Rows == 0 || reg.Cols == 0 {
		return &mat.Dense{}
	}
	out := mat.NewDense(reg.Rows, reg.Cols, nil)
	for r := 0; r < reg.Rows; r++ {
		for c := 0; c < reg.Cols; c++ {
			out.Set(r, c, frame.At(reg.Row+r, reg.Col+c))
		}
	}
	return out
}
