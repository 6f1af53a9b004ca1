/*Package config holds the configuration of the emccd command and builds the
simulation objects it describes.

Configuration is layered: Default provides every value, and a YAML file may
override any subset of them.  A missing file is not an error.
*/
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"gonum.org/v1/gonum/mat"

	"github.jpl.nasa.gov/bdube/emccd/adc"
	"github.jpl.nasa.gov/bdube/emccd/camera"
	"github.jpl.nasa.gov/bdube/emccd/cosmics"
	"github.jpl.nasa.gov/bdube/emccd/emccd"
	"github.jpl.nasa.gov/bdube/emccd/emgain"
	"github.jpl.nasa.gov/bdube/emccd/fits"
	"github.jpl.nasa.gov/bdube/emccd/geometry"
	"github.jpl.nasa.gov/bdube/emccd/imgrec"
	"github.jpl.nasa.gov/bdube/emccd/nonlin"
	"github.jpl.nasa.gov/bdube/emccd/util"
)

// GainRegister selects the gain register model
type GainRegister struct {
	// Model is "gamma" or "cascade"
	Model string `yaml:"Model" koanf:"Model"`

	// Elements is the number of multiplication stages of the cascade model
	Elements int `yaml:"Elements" koanf:"Elements"`
}

// Cosmics configures cosmic ray tails and serial saturation trails
type Cosmics struct {
	// TailLength is the e-folding length of a hit's tail in pixels
	TailLength float64 `yaml:"TailLength" koanf:"TailLength"`

	// MaxTail is the longest tail in pixels, 0 for 10 tail lengths
	MaxTail int `yaml:"MaxTail" koanf:"MaxTail"`

	// SaturationTrail is the fraction of charge over the serial full well
	// carried into the next packet; 0 disables trails
	SaturationTrail float64 `yaml:"SaturationTrail" koanf:"SaturationTrail"`
}

// Scene is the flux map the camera views
type Scene struct {
	// FluxFile is a FITS image of the flux map (photons/pix/s).  When empty,
	// a uniform map of FluxLevel is used.
	FluxFile string `yaml:"FluxFile" koanf:"FluxFile"`

	// FluxLevel is the level of the uniform map (photons/pix/s)
	FluxLevel float64 `yaml:"FluxLevel" koanf:"FluxLevel"`

	// Rows and Cols size the uniform map, 0 means the whole image area
	Rows int `yaml:"Rows" koanf:"Rows"`
	Cols int `yaml:"Cols" koanf:"Cols"`
}

// Recorder configures the image recorder
type Recorder struct {
	// Root is the root folder to write to
	Root string `yaml:"Root" koanf:"Root"`

	// Prefix is the filename prefix to use
	Prefix string `yaml:"Prefix" koanf:"Prefix"`

	// Enabled turns recording of served FITS frames on at startup
	Enabled bool `yaml:"Enabled" koanf:"Enabled"`
}

// Config is the complete configuration
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Root is the URL stem the camera routes are served under
	Root string `yaml:"Root" koanf:"Root"`

	// GeometryFile is a YAML geometry file.  When empty, Geometry is used.
	GeometryFile string `yaml:"GeometryFile" koanf:"GeometryFile"`

	Geometry geometry.Geometry `yaml:"Geometry" koanf:"Geometry"`

	Params emccd.Params `yaml:"Params" koanf:"Params"`

	// FrameTime is the exposure time in seconds
	FrameTime float64 `yaml:"FrameTime" koanf:"FrameTime"`

	Digitizer adc.Digitizer `yaml:"Digitizer" koanf:"Digitizer"`

	GainRegister GainRegister `yaml:"GainRegister" koanf:"GainRegister"`

	Cosmics Cosmics `yaml:"Cosmics" koanf:"Cosmics"`

	// Seed seeds the random streams of every frame
	Seed uint64 `yaml:"Seed" koanf:"Seed"`

	Scene Scene `yaml:"Scene" koanf:"Scene"`

	// NonlinFile is a CSV nonlinearity table, empty disables nonlinearity
	NonlinFile string `yaml:"NonlinFile" koanf:"NonlinFile"`

	// FixedPatternFile is a FITS image of fixed pattern offsets (e-) with the
	// shape of a full frame, empty disables fixed pattern noise
	FixedPatternFile string `yaml:"FixedPatternFile" koanf:"FixedPatternFile"`

	Recorder Recorder `yaml:"Recorder" koanf:"Recorder"`
}

// Default returns the configuration used when no file overrides it
func Default() Config {
	return Config{
		Addr:         ":8000",
		Root:         "/",
		Geometry:     geometry.Default(),
		Params:       emccd.DefaultParams(),
		FrameTime:    1,
		Digitizer:    adc.Default(),
		GainRegister: GainRegister{Model: "gamma", Elements: 604},
		Cosmics:      Cosmics{TailLength: cosmics.DefaultTailLength},
		Seed:         1,
		Scene:        Scene{FluxLevel: 0.01},
		Recorder:     Recorder{Prefix: "emccd"},
	}
}

// Load layers the YAML file at path over Default
func Load(path string) (Config, error) {
	k := koanf.New(".")
	c := Config{}
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return c, err
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			return c, fmt.Errorf("error loading config: %w", err)
		}
	}
	err := k.Unmarshal("", &c)
	return c, err
}

// Exposure returns FrameTime as a duration
func (c Config) Exposure() time.Duration {
	return util.SecsToDuration(c.FrameTime)
}

// LoadGeometry reads GeometryFile, or returns Geometry when there is none
func (c Config) LoadGeometry() (geometry.Geometry, error) {
	if c.GeometryFile == "" {
		return c.Geometry, c.Geometry.Validate()
	}
	return geometry.Load(c.GeometryFile)
}

// Detector builds the detector the configuration describes
func (c Config) Detector() (*emccd.Detector, error) {
	g, err := c.LoadGeometry()
	if err != nil {
		return nil, err
	}
	det := emccd.New(g, c.Params)
	det.CosmicRays = cosmics.Model{TailLength: c.Cosmics.TailLength, MaxTail: c.Cosmics.MaxTail}

	switch strings.ToLower(c.GainRegister.Model) {
	case "", "gamma":
		det.Gain = emgain.Gamma{}
	case "cascade":
		det.Gain = emgain.Cascade{Elements: c.GainRegister.Elements}
	default:
		return nil, fmt.Errorf("config: unknown gain register model %q", c.GainRegister.Model)
	}

	if c.Cosmics.SaturationTrail != 0 {
		det.SerialEffects = append(det.SerialEffects, cosmics.Tails{Fraction: c.Cosmics.SaturationTrail})
	}

	if c.FixedPatternFile != "" {
		m, err := fits.Load(c.FixedPatternFile)
		if err != nil {
			return nil, fmt.Errorf("config: fixed pattern: %w", err)
		}
		det.FixedPattern = emccd.PatternMap{Offsets: m}
	}
	return det, nil
}

// FluxMap reads FluxFile, or builds the uniform map sized to fit g
func (c Config) FluxMap(g geometry.Geometry) (*mat.Dense, error) {
	s := c.Scene
	if s.FluxFile != "" {
		return fits.Load(s.FluxFile)
	}
	rows, cols := s.Rows, s.Cols
	if rows == 0 {
		rows = g.ImageRows
	}
	if cols == 0 {
		cols = g.ImageCols
	}
	if rows < 1 || cols < 1 {
		return nil, fmt.Errorf("config: flux map of %dx%d", rows, cols)
	}
	m := mat.NewDense(rows, cols, nil)
	m.Apply(func(_, _ int, _ float64) float64 { return s.FluxLevel }, m)
	return m, nil
}

// Nonlinearity reads NonlinFile, nil when there is none
func (c Config) Nonlinearity() (*nonlin.Table, error) {
	if c.NonlinFile == "" {
		return nil, nil
	}
	t, err := nonlin.Load(c.NonlinFile)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Camera builds and initializes the virtual camera the configuration describes
func (c Config) Camera() (*camera.Virtual, error) {
	det, err := c.Detector()
	if err != nil {
		return nil, err
	}
	flux, err := c.FluxMap(det.Geometry)
	if err != nil {
		return nil, err
	}
	nl, err := c.Nonlinearity()
	if err != nil {
		return nil, err
	}
	cam := camera.NewVirtual(*det, c.Digitizer, flux, c.Exposure(), c.Seed)
	cam.SetNonlinearity(nl)
	return cam, cam.Initialize()
}

// NewRecorder returns the image recorder the configuration describes
func (c Config) NewRecorder() *imgrec.Recorder {
	r := c.Recorder
	return &imgrec.Recorder{Root: r.Root, Prefix: r.Prefix, Enabled: r.Enabled}
}
