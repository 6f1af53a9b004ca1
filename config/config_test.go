package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.jpl.nasa.gov/bdube/emccd/emccd"
	"github.jpl.nasa.gov/bdube/emccd/emgain"
	"github.jpl.nasa.gov/bdube/emccd/fits"
	"github.jpl.nasa.gov/bdube/emccd/geometry"
)

const smallGeometry = `
  image_rows: 8
  image_cols: 8
  serial_prescan_rows: 12
  serial_prescan_cols: 3
  dark_reference_rows: 2
  dark_reference_cols: 1
  transition_rows_upper: 1
  parallel_overscan_cols: 10
`

func write(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0666))
	return path
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "emccd.yml"))
	require.NoError(t, err)
	if diff := cmp.Diff(Default(), c); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadOverridesOnlyWhatIsGiven(t *testing.T) {
	path := write(t, "emccd.yml", `
Addr: ":9000"
Params:
  EMGain: 100
  ReadNoise: 0
GainRegister:
  Model: cascade
Seed: 42
`)
	c, err := Load(path)
	require.NoError(t, err)

	want := Default()
	want.Addr = ":9000"
	want.Params.EMGain = 100
	want.Params.ReadNoise = 0
	want.GainRegister.Model = "cascade"
	want.Seed = 42
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}

	det, err := c.Detector()
	require.NoError(t, err)
	assert.Equal(t, emgain.Cascade{Elements: 604}, det.Gain)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	_, err := Load(write(t, "emccd.yml", "Params: [unclosed"))
	assert.Error(t, err)
}

func TestDetectorOptions(t *testing.T) {
	c := Default()
	c.GainRegister.Model = "quantum"
	_, err := c.Detector()
	assert.Error(t, err)

	c = Default()
	c.Cosmics.SaturationTrail = 0.5
	det, err := c.Detector()
	require.NoError(t, err)
	assert.Len(t, det.SerialEffects, 1)
	assert.Equal(t, emgain.Gamma{}, det.Gain)
	assert.Nil(t, det.FixedPattern)
}

func TestGeometryFileTakesPrecedence(t *testing.T) {
	c := Default()
	c.GeometryFile = write(t, "geom.yml", "geom:"+smallGeometry)
	g, err := c.LoadGeometry()
	require.NoError(t, err)
	assert.Equal(t, 8, g.ImageRows)
	assert.Equal(t, 10, g.ParallelOverscanCols)

	c.Geometry = geometry.Geometry{ImageRows: -1}
	c.GeometryFile = ""
	_, err = c.LoadGeometry()
	assert.Error(t, err)
}

func TestCameraFromFiles(t *testing.T) {
	dir := t.TempDir()
	fluxPath := filepath.Join(dir, "flux.fits")
	fid, err := os.Create(fluxPath)
	require.NoError(t, err)
	require.NoError(t, fits.WriteFloat(fid, nil, mat.NewDense(2, 2, []float64{600, 600, 600, 600})))
	require.NoError(t, fid.Close())

	fpPath := filepath.Join(dir, "fp.fits")
	fid, err = os.Create(fpPath)
	require.NoError(t, err)
	offsets := mat.NewDense(12, 13, nil)
	offsets.Set(0, 0, 70)
	require.NoError(t, fits.WriteFloat(fid, nil, offsets))
	require.NoError(t, fid.Close())

	nlPath := write(t, "nonlin.csv", "counts,1\n0,1\n100000,1\n")

	path := write(t, "emccd.yml", `
Geometry:`+smallGeometry+`
Params:
  EMGain: 1
  DarkCurrent: 0
  CIC: 0
  ReadNoise: 0
  ShotNoiseOn: false
Digitizer:
  EPerDN: 1
Scene:
  FluxFile: `+fluxPath+`
FixedPatternFile: `+fpPath+`
NonlinFile: `+nlPath+`
`)
	c, err := Load(path)
	require.NoError(t, err)
	cam, err := c.Camera()
	require.NoError(t, err)

	dn, err := cam.GetFrame()
	require.NoError(t, err)
	assert.Equal(t, 540., dn.At(3, 4))
	assert.Equal(t, 70., dn.At(0, 0))

	_, ok := interface{}(cam).(interface{ GetParams() emccd.Params })
	assert.True(t, ok)
}

func TestUniformFluxMap(t *testing.T) {
	c := Default()
	c.Scene = Scene{FluxLevel: 3, Rows: 2}
	m, err := c.FluxMap(geometry.Default())
	require.NoError(t, err)
	r, cols := m.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 1024, cols)
	assert.Equal(t, 3., m.At(1, 1023))
}

func TestNewRecorder(t *testing.T) {
	c := Default()
	c.Recorder = Recorder{Root: t.TempDir(), Prefix: "x", Enabled: true}
	assert.True(t, c.NewRecorder().Active())
	assert.False(t, Default().NewRecorder().Active())
}
