// Package fits reads and writes detector frames as FITS images.
package fits

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/astrogo/fitsio"
	"gonum.org/v1/gonum/mat"
)

// bzero is the offset that maps unsigned 16-bit data onto FITS' signed 16-bit type
const bzero = 32768

// WriteU16 streams 16-bit frames of the given size to w as a single image or a cube
func WriteU16(w io.Writer, metadata []fitsio.Card, width, height int, frames ...[]uint16) error {
	if len(frames) == 0 {
		return errors.New("fits: no frames to write")
	}
	npix := width * height
	bufOut := make([]int16, 0, npix*len(frames))
	for i, f := range frames {
		if len(f) != npix {
			return fmt.Errorf("fits: frame %d has %d pixels, want %dx%d", i, len(f), width, height)
		}
		for _, v := range f {
			// underflow on uint16 produces the wrapping the FITS standard expects
			bufOut = append(bufOut, int16(v-bzero))
		}
	}
	metadata = append(metadata,
		fitsio.Card{Name: "BZERO", Value: bzero},
		fitsio.Card{Name: "BSCALE", Value: 1.0})
	return write(w, 16, metadata, width, height, len(frames), bufOut)
}

// WriteFloat streams frames of equal shape to w as 64-bit float data
func WriteFloat(w io.Writer, metadata []fitsio.Card, frames ...mat.Matrix) error {
	if len(frames) == 0 {
		return errors.New("fits: no frames to write")
	}
	height, width := frames[0].Dims()
	buf := make([]float64, 0, width*height*len(frames))
	for i, f := range frames {
		r, c := f.Dims()
		if r != height || c != width {
			return fmt.Errorf("fits: frame %d is %dx%d, want %dx%d", i, r, c, height, width)
		}
		for row := 0; row < r; row++ {
			buf = append(buf, mat.Row(nil, row, f)...)
		}
	}
	return write(w, -64, metadata, width, height, len(frames), buf)
}

func write(w io.Writer, bitpix int, metadata []fitsio.Card, width, height, nframes int, data interface{}) error {
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	dims := []int{width, height}
	if nframes > 1 {
		dims = append(dims, nframes)
	}
	im := fitsio.NewImage(bitpix, dims)
	defer im.Close()
	err = im.Header().Append(metadata...)
	if err != nil {
		return err
	}
	err = im.Write(data)
	if err != nil {
		return err
	}
	return fits.Write(im)
}

// Read returns the first plane of the primary image in r as a float matrix,
// with BZERO and BSCALE applied
func Read(r io.Reader) (*mat.Dense, error) {
	f, err := fitsio.Open(r)
	if err != nil {
		return nil, fmt.Errorf("fits: %w", err)
	}
	defer f.Close()
	img, ok := f.HDU(0).(fitsio.Image)
	if !ok {
		return nil, errors.New("fits: primary HDU is not an image")
	}
	hdr := img.Header()
	axes := hdr.Axes()
	if len(axes) < 2 {
		return nil, fmt.Errorf("fits: image has %d axes, want at least 2", len(axes))
	}
	width, height := axes[0], axes[1]
	n := width * height

	raw, err := readRaw(img, hdr.Bitpix())
	if err != nil {
		return nil, err
	}
	if len(raw) < n {
		return nil, fmt.Errorf("fits: image holds %d pixels, want %d", len(raw), n)
	}
	zero, scale := cardFloat(hdr, "BZERO", 0), cardFloat(hdr, "BSCALE", 1)
	data := raw[:n]
	for i, v := range data {
		data[i] = v*scale + zero
	}
	return mat.NewDense(height, width, data), nil
}

// Load reads the FITS file at path
func Load(path string) (*mat.Dense, error) {
	fid, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fid.Close()
	return Read(fid)
}

func readRaw(img fitsio.Image, bitpix int) ([]float64, error) {
	var out []float64
	switch bitpix {
	case 8:
		var buf []byte
		if err := img.Read(&buf); err != nil {
			return nil, err
		}
		out = make([]float64, len(buf))
		for i, v := range buf {
			out[i] = float64(v)
		}
	case 16:
		var buf []int16
		if err := img.Read(&buf); err != nil {
			return nil, err
		}
		out = make([]float64, len(buf))
		for i, v := range buf {
			out[i] = float64(v)
		}
	case 32:
		var buf []int32
		if err := img.Read(&buf); err != nil {
			return nil, err
		}
		out = make([]float64, len(buf))
		for i, v := range buf {
			out[i] = float64(v)
		}
	case 64:
		var buf []int64
		if err := img.Read(&buf); err != nil {
			return nil, err
		}
		out = make([]float64, len(buf))
		for i, v := range buf {
			out[i] = float64(v)
		}
	case -32:
		var buf []float32
		if err := img.Read(&buf); err != nil {
			return nil, err
		}
		out = make([]float64, len(buf))
		for i, v := range buf {
			out[i] = float64(v)
		}
	case -64:
		if err := img.Read(&out); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("fits: unsupported BITPIX %d", bitpix)
	}
	return out, nil
}

func cardFloat(hdr *fitsio.Header, name string, def float64) float64 {
	c := hdr.Get(name)
	if c == nil {
		return def
	}
	switch v := c.Value.(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	}
	return def
}
