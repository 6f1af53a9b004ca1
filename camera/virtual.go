package camera

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"gonum.org/v1/gonum/mat"

	"github.jpl.nasa.gov/bdube/emccd/adc"
	"github.jpl.nasa.gov/bdube/emccd/emccd"
	"github.jpl.nasa.gov/bdube/emccd/geometry"
	"github.jpl.nasa.gov/bdube/emccd/nonlin"
)

// HeaderVersion is the first card of every FITS header a Virtual produces
const HeaderVersion = "emccd-1"

// ErrNotInitialized is returned when frames are requested before Initialize
var ErrNotInitialized = errors.New("camera: not initialized")

// Virtual is a camera whose frames are produced by an EMCCD simulation.
// Frame i of a seed uses its own PCG stream, so a frame can be reproduced from
// the seed and frame number in its header regardless of what ran before it.
// It is safe for concurrent use.
type Virtual struct {
	mu sync.Mutex

	det      emccd.Detector
	dig      adc.Digitizer
	nl       *nonlin.Table
	flux     *mat.Dense
	exposure time.Duration
	seed     uint64
	frame    uint64
	ready    bool

	// last describes the most recent frame for CollectHeaderMetadata
	last frameInfo
}

type frameInfo struct {
	id       uuid.UUID
	frame    uint64
	seed     uint64
	exposure time.Duration
	params   emccd.Params
	taken    time.Time
}

// NewVirtual returns a virtual camera viewing flux (photons/pix/s).  The
// detector is copied; later changes go through the setters.
func NewVirtual(det emccd.Detector, dig adc.Digitizer, flux mat.Matrix, exposure time.Duration, seed uint64) *Virtual {
	return &Virtual{det: det, dig: dig, flux: mat.DenseCopyOf(flux), exposure: exposure, seed: seed}
}

// SetNonlinearity applies t to every digitized frame, nil disables it
func (v *Virtual) SetNonlinearity(t *nonlin.Table) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nl = t
}

// Initialize validates the detector, digitizer and flux map
func (v *Virtual) Initialize() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.det.Geometry.Validate(); err != nil {
		return err
	}
	if err := v.det.Params.Validate(v.exposure.Seconds()); err != nil {
		return err
	}
	if err := v.dig.Validate(); err != nil {
		return err
	}
	if err := v.checkFlux(v.flux); err != nil {
		return err
	}
	v.ready = true
	return nil
}

// Finalize stops the camera producing frames until the next Initialize
func (v *Virtual) Finalize() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ready = false
	return nil
}

// GetRes returns the (H, W) of a full serial frame
func (v *Virtual) GetRes() ([2]int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	r, c := v.det.Geometry.FrameShape()
	return [2]int{r, c}, nil
}

// Geometry returns the sensor layout
func (v *Virtual) Geometry() geometry.Geometry {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.det.Geometry
}

// Digitizer returns the analog to digital converter
func (v *Virtual) Digitizer() adc.Digitizer {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.dig
}

// shot is everything needed to simulate one frame, captured under the lock
type shot struct {
	det  emccd.Detector
	flux *mat.Dense
	dig  adc.Digitizer
	nl   *nonlin.Table
	info frameInfo
}

// take claims the next frame number
func (v *Virtual) take() (shot, error) {
	shots, err := v.takeN(1)
	if err != nil {
		return shot{}, err
	}
	return shots[0], nil
}

// takeN claims n consecutive frame numbers
func (v *Virtual) takeN(n int) ([]shot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.ready {
		return nil, ErrNotInitialized
	}
	shots := make([]shot, n)
	for i := range shots {
		shots[i] = shot{det: v.det, flux: v.flux, dig: v.dig, nl: v.nl, info: v.advance()}
	}
	return shots, nil
}

// advance records and returns the description of the next frame.  v.mu must be held.
func (v *Virtual) advance() frameInfo {
	v.last = frameInfo{
		id:       uuid.New(),
		frame:    v.frame,
		seed:     v.seed,
		exposure: v.exposure,
		params:   v.det.Params,
		taken:    time.Now().UTC(),
	}
	v.frame++
	return v.last
}

func (s shot) electrons() (*mat.Dense, error) {
	return s.det.Detect(s.flux, s.info.exposure.Seconds(), rand.NewPCG(s.info.seed, s.info.frame))
}

func (s shot) counts() (*mat.Dense, error) {
	e, err := s.electrons()
	if err != nil {
		return nil, err
	}
	dn, err := s.dig.Counts(e)
	if err != nil || s.nl == nil {
		return dn, err
	}
	_, dn, err = s.nl.Apply(dn, s.info.params.EMGain)
	if err != nil {
		return nil, err
	}
	// requantize what the nonlinearity moved
	return requantize(s.dig).Counts(dn)
}

// requantize returns a converter which maps counts onto themselves
func requantize(d adc.Digitizer) adc.Digitizer {
	return adc.Digitizer{EPerDN: 1, NBits: d.NBits}
}

// Electrons simulates the next frame in electrons
func (v *Virtual) Electrons() (*mat.Dense, error) {
	s, err := v.take()
	if err != nil {
		return nil, err
	}
	return s.electrons()
}

// GetFrame simulates the next frame in counts, with the nonlinearity applied
// when one is set
func (v *Virtual) GetFrame() (*mat.Dense, error) {
	s, err := v.take()
	if err != nil {
		return nil, err
	}
	return s.counts()
}

// GetFrameU16 simulates the next frame as a row-major uint16 buffer
func (v *Virtual) GetFrameU16() (*[]uint16, error) {
	s, err := v.take()
	if err != nil {
		return nil, err
	}
	dn, err := s.counts()
	if err != nil {
		return nil, err
	}
	buf, err := requantize(s.dig).Uint16(dn)
	if err != nil {
		return nil, err
	}
	return &buf, nil
}

// GetFrameI32 simulates the next frame as a row-major int32 buffer
func (v *Virtual) GetFrameI32() (*[]int32, error) {
	s, err := v.take()
	if err != nil {
		return nil, err
	}
	dn, err := s.counts()
	if err != nil {
		return nil, err
	}
	buf, err := requantize(s.dig).Int32(dn)
	if err != nil {
		return nil, err
	}
	return &buf, nil
}

// Burst takes n frames at fps frames per second and returns the contiguous
// strided buffer for the 3D array.  fps <= 0 runs as fast as possible.
func (v *Virtual) Burst(ctx context.Context, n int, fps float64) ([]uint16, error) {
	seq, err := v.ExposeBurst(ctx, n, fps)
	if err != nil {
		return nil, err
	}
	res, _ := v.GetRes()
	out := make([]uint16, 0, n*res[0]*res[1])
	for _, f := range seq.Frames {
		out = append(out, f...)
	}
	return out, nil
}

// Sequence is a burst of digitized frames and the FITS cards that describe it
type Sequence struct {
	// Frames are row-major buffers, one per frame
	Frames [][]uint16

	// Cards describe the first frame; NFRAMES gives the length of the run of
	// frame numbers that starts at FRAMENO
	Cards []fitsio.Card
}

// ExposeBurst takes n frames at fps frames per second.  The frames have
// consecutive numbers and share one set of parameters, even when other frames
// are taken at the same time.
func (v *Virtual) ExposeBurst(ctx context.Context, n int, fps float64) (Sequence, error) {
	if n < 1 {
		return Sequence{}, fmt.Errorf("camera: burst of %d frames", n)
	}
	shots, err := v.takeN(n)
	if err != nil {
		return Sequence{}, err
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if fps > 0 {
		lim = rate.NewLimiter(rate.Limit(fps), 1)
	}
	frames := make([][]uint16, n)
	for i, s := range shots {
		if err := lim.Wait(ctx); err != nil {
			return Sequence{}, err
		}
		dn, err := s.counts()
		if err != nil {
			return Sequence{}, err
		}
		frames[i], err = requantize(s.dig).Uint16(dn)
		if err != nil {
			return Sequence{}, err
		}
	}
	first := shots[0]
	c := append(cards(first.info, first.dig, first.nl != nil),
		fitsio.Card{Name: "NFRAMES", Value: int64(n), Comment: "frames in the cube, numbered on from FRAMENO"})
	return Sequence{Frames: frames, Cards: c}, nil
}

// SetExposureTime sets the exposure time
func (v *Virtual) SetExposureTime(d time.Duration) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if d < 0 {
		return &emccd.ParameterError{Name: "frametime", Value: d.Seconds(), Reason: "must be >= 0"}
	}
	v.exposure = d
	return nil
}

// GetExposureTime gets the exposure time
func (v *Virtual) GetExposureTime() (time.Duration, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.exposure, nil
}

// SetEMGain sets the gain of the gain register
func (v *Virtual) SetEMGain(g float64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	p := v.det.Params
	p.EMGain = g
	if err := p.Validate(v.exposure.Seconds()); err != nil {
		return err
	}
	v.det.Params = p
	return nil
}

// GetEMGain gets the gain of the gain register
func (v *Virtual) GetEMGain() (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.det.Params.EMGain, nil
}

// SetParams replaces every detector parameter at once
func (v *Virtual) SetParams(p emccd.Params) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := p.Validate(v.exposure.Seconds()); err != nil {
		return err
	}
	v.det.Params = p
	return nil
}

// GetParams returns the detector parameters
func (v *Virtual) GetParams() emccd.Params {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.det.Params
}

// SetFluxMap replaces the scene the camera views
func (v *Virtual) SetFluxMap(flux mat.Matrix) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkFlux(flux); err != nil {
		return err
	}
	v.flux = mat.DenseCopyOf(flux)
	return nil
}

// checkFlux verifies flux fits the active area and holds only finite,
// non-negative values.  v.mu must be held.
func (v *Virtual) checkFlux(flux mat.Matrix) error {
	r, c := flux.Dims()
	g := v.det.Geometry
	if r > g.ImageRows || c > g.ImageCols {
		return &emccd.ShapeError{Op: "flux map", Rows: r, Cols: c, DstRows: g.ImageRows, DstCols: g.ImageCols}
	}
	return emccd.CheckFlux(flux)
}

// SetSeed restarts the frame sequence from frame 0 of seed
func (v *Virtual) SetSeed(seed uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seed = seed
	v.frame = 0
}

// GetSeed returns the seed and the number of the next frame
func (v *Virtual) GetSeed() (seed, next uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.seed, v.frame
}

// Exposure is a digitized frame and the FITS cards that describe it
type Exposure struct {
	// Counts is the frame in DN
	Counts *mat.Dense

	// Cards describe the frame
	Cards []fitsio.Card

	dig adc.Digitizer
}

// Uint16 returns the frame as a row-major buffer
func (e Exposure) Uint16() ([]uint16, error) {
	return requantize(e.dig).Uint16(e.Counts)
}

// Expose simulates the next frame and describes it.  Unlike GetFrame followed
// by CollectHeaderMetadata, the cards always belong to the frame when frames
// are taken concurrently.
func (v *Virtual) Expose() (Exposure, error) {
	s, err := v.take()
	if err != nil {
		return Exposure{}, err
	}
	dn, err := s.counts()
	if err != nil {
		return Exposure{}, err
	}
	return Exposure{Counts: dn, Cards: cards(s.info, s.dig, s.nl != nil), dig: s.dig}, nil
}

// CollectHeaderMetadata describes the most recent frame as FITS cards
func (v *Virtual) CollectHeaderMetadata() []fitsio.Card {
	v.mu.Lock()
	defer v.mu.Unlock()
	return cards(v.last, v.dig, v.nl != nil)
}

func cards(l frameInfo, dig adc.Digitizer, nonlinear bool) []fitsio.Card {
	p := l.params
	return []fitsio.Card{
		{Name: "HDRVER", Value: HeaderVersion, Comment: "header version"},
		{Name: "DATE", Value: l.taken.Format(time.RFC3339), Comment: "time the frame was simulated, UTC"},
		{Name: "FRAMEID", Value: l.id.String(), Comment: "unique frame identifier"},
		{Name: "SEED", Value: int64(l.seed), Comment: "random seed"},
		{Name: "FRAMENO", Value: int64(l.frame), Comment: "frame number within the seed"},
		{Name: "EXPTIME", Value: l.exposure.Seconds(), Comment: "exposure time, s"},
		{Name: "EMGAIN", Value: p.EMGain, Comment: "EM gain"},
		{Name: "FWCIMG", Value: p.FullWellImage, Comment: "image area full well, e-"},
		{Name: "FWCSER", Value: p.FullWellSerial, Comment: "serial register full well, e-"},
		{Name: "DARK", Value: p.DarkCurrent, Comment: "dark current, e-/pix/s"},
		{Name: "CIC", Value: p.CIC, Comment: "clock induced charge, e-/pix/frame"},
		{Name: "RN", Value: p.ReadNoise, Comment: "read noise, e-"},
		{Name: "BIAS", Value: p.Bias, Comment: "bias, e-"},
		{Name: "QE", Value: p.QE, Comment: "quantum efficiency"},
		{Name: "CRRATE", Value: p.CRRate, Comment: "cosmic ray rate, hits/cm^2/s"},
		{Name: "PITCH", Value: p.PixelPitch, Comment: "pixel pitch, m"},
		{Name: "SHOTNOIS", Value: p.ShotNoiseOn, Comment: "photon shot noise enabled"},
		{Name: "EPERDN", Value: dig.EPerDN, Comment: "conversion gain, e-/DN"},
		{Name: "NBITS", Value: dig.NBits, Comment: "ADC bit depth"},
		{Name: "NONLIN", Value: nonlinear, Comment: "nonlinearity applied"},
	}
}
