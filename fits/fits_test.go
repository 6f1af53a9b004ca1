package fits

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/astrogo/fitsio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestWriteU16ReadsBackUnsigned(t *testing.T) {
	buf := &bytes.Buffer{}
	px := []uint16{0, 1, 32767, 32768, 65535, 1000}
	err := WriteU16(buf, []fitsio.Card{{Name: "EXPTIME", Value: 1.5}}, 3, 2, px)
	require.NoError(t, err)

	m, err := Read(buf)
	require.NoError(t, err)
	r, c := m.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 3, c)
	assert.Equal(t, []float64{0, 1, 32767, 32768, 65535, 1000}, m.RawMatrix().Data)
}

func TestWriteFloatPreservesLayout(t *testing.T) {
	in := mat.NewDense(2, 3, []float64{0.5, 1, 2, 3, 4, -5.25})
	buf := &bytes.Buffer{}
	require.NoError(t, WriteFloat(buf, nil, in))

	out, err := Read(buf)
	require.NoError(t, err)
	assert.True(t, mat.Equal(in, out))
}

func TestReadCubeReturnsFirstPlane(t *testing.T) {
	a := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	b := mat.NewDense(2, 2, []float64{5, 6, 7, 8})
	buf := &bytes.Buffer{}
	require.NoError(t, WriteFloat(buf, nil, a, b))

	out, err := Read(buf)
	require.NoError(t, err)
	assert.True(t, mat.Equal(a, out))
}

func TestWriteRejectsMismatchedFrames(t *testing.T) {
	err := WriteFloat(&bytes.Buffer{}, nil, mat.NewDense(2, 2, nil), mat.NewDense(3, 2, nil))
	assert.Error(t, err)
	err = WriteU16(&bytes.Buffer{}, nil, 2, 2, make([]uint16, 3))
	assert.Error(t, err)
	assert.Error(t, WriteU16(&bytes.Buffer{}, nil, 2, 2))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flux.fits")
	fid, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, WriteFloat(fid, nil, mat.NewDense(1, 2, []float64{7, 9})))
	require.NoError(t, fid.Close())

	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []float64{7, 9}, m.RawMatrix().Data)

	_, err = Load(filepath.Join(t.TempDir(), "missing.fits"))
	assert.Error(t, err)
}
