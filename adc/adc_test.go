package adc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.jpl.nasa.gov/bdube/emccd/emccd"
)

func TestCounts(t *testing.T) {
	d := Digitizer{EPerDN: 10, NBits: 8}
	frame := mat.NewDense(1, 5, []float64{-40, 9.9, 10, 1234, 1e9})
	dn, err := d.Counts(frame)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 1, 123, 255}, dn.RawMatrix().Data)
}

func TestUint16AndInt32(t *testing.T) {
	d := Digitizer{EPerDN: 2, NBits: 16}
	frame := mat.NewDense(2, 2, []float64{0, 4, 200000, 7})
	u, err := d.Uint16(frame)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0, 2, 65535, 3}, u)

	i, err := d.Int32(frame)
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 2, 65535, 3}, i)

	_, err = Digitizer{EPerDN: 1, NBits: 20}.Uint16(frame)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	var pe *emccd.ParameterError
	err := Digitizer{EPerDN: 0, NBits: 14}.Validate()
	assert.True(t, errors.As(err, &pe))
	err = Digitizer{EPerDN: 1, NBits: 0}.Validate()
	assert.True(t, errors.As(err, &pe))
	assert.NoError(t, Default().Validate())
}

func TestElectrons(t *testing.T) {
	dn := mat.NewDense(1, 2, []float64{100, 1100})
	e, err := Electrons(dn, 10, 1000, 10)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1000}, e.RawMatrix().Data)

	_, err = Electrons(dn, 10, 0, 0.1)
	assert.Error(t, err)
}
