/*Package geometry describes the layout of an EMCCD sensor readout.

A Geometry is a set of row and column extents for the regions of a frame: the
light sensitive image area, the serial prescan, the dark reference rows and
columns, the upper transition rows and the parallel overscan.  It is loaded once
at startup (see Load) and is never mutated afterwards, so a single value may be
shared by any number of concurrent simulations.

The layout of a full frame, left to right, is

	| serial prescan | dark ref cols | image area ... | overscan |

and top to bottom the image area sits below the dark reference and transition
rows.  The image frame is serial_prescan_rows tall and parallel_overscan_cols
wide; the serial frame adds the prescan columns to its left.
*/
package geometry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Geometry holds the extents of the regions of an EMCCD frame, in pixels
type Geometry struct {
	// ImageRows is the number of rows in the light sensitive area
	ImageRows int `yaml:"image_rows" koanf:"image_rows"`

	// ImageCols is the number of columns in the light sensitive area
	ImageCols int `yaml:"image_cols" koanf:"image_cols"`

	// SerialPrescanRows is the number of rows of the prescan, which equals
	// the number of rows of the whole frame
	SerialPrescanRows int `yaml:"serial_prescan_rows" koanf:"serial_prescan_rows"`

	// SerialPrescanCols is the number of prescan columns read before the image frame
	SerialPrescanCols int `yaml:"serial_prescan_cols" koanf:"serial_prescan_cols"`

	// DarkReferenceRows is the number of covered rows above the image area
	DarkReferenceRows int `yaml:"dark_reference_rows" koanf:"dark_reference_rows"`

	// DarkReferenceCols is the number of covered columns left of the image area
	DarkReferenceCols int `yaml:"dark_reference_cols" koanf:"dark_reference_cols"`

	// TransitionRowsUpper is the number of transition rows between the dark
	// reference rows and the image area
	TransitionRowsUpper int `yaml:"transition_rows_upper" koanf:"transition_rows_upper"`

	// ParallelOverscanCols is the width of the image frame up to and
	// including the parallel overscan
	ParallelOverscanCols int `yaml:"parallel_overscan_cols" koanf:"parallel_overscan_cols"`
}

// Region is a rectangular block of a frame.  Row and Col are the zero-based
// upper left corner.
type Region struct {
	Row  int
	Col  int
	Rows int
	Cols int
}

// Default returns a 1024x1024 frame-transfer style layout that is used when no
// geometry file is configured
func Default() Geometry {
	return Geometry{
		ImageRows:            1024,
		ImageCols:            1024,
		SerialPrescanRows:    1200,
		SerialPrescanCols:    1072,
		DarkReferenceRows:    10,
		DarkReferenceCols:    16,
		TransitionRowsUpper:  6,
		ParallelOverscanCols: 1104,
	}
}

// Validate checks that all extents are non-negative and that the image area,
// placed at ImageOffset, fits inside the image frame
func (g Geometry) Validate() error {
	named := []struct {
		name string
		v    int
	}{
		{"image_rows", g.ImageRows},
		{"image_cols", g.ImageCols},
		{"serial_prescan_rows", g.SerialPrescanRows},
		{"serial_prescan_cols", g.SerialPrescanCols},
		{"dark_reference_rows", g.DarkReferenceRows},
		{"dark_reference_cols", g.DarkReferenceCols},
		{"transition_rows_upper", g.TransitionRowsUpper},
		{"parallel_overscan_cols", g.ParallelOverscanCols},
	}
	for _, n := range named {
		if n.v < 0 {
			return fmt.Errorf("geometry: %s must be non-negative, got %d", n.name, n.v)
		}
	}
	if g.ImageRows == 0 || g.ImageCols == 0 {
		return fmt.Errorf("geometry: image area %dx%d is empty", g.ImageRows, g.ImageCols)
	}
	r, c := g.ImageOffset()
	fr, fc := g.ImageFrameShape()
	if r+g.ImageRows > fr || c+g.ImageCols > fc {
		return fmt.Errorf("geometry: image area %dx%d at (%d, %d) does not fit in %dx%d image frame",
			g.ImageRows, g.ImageCols, r, c, fr, fc)
	}
	return nil
}

// ImageOffset is the upper left corner of the image area inside the image frame
func (g Geometry) ImageOffset() (row, col int) {
	return g.DarkReferenceRows + g.TransitionRowsUpper, g.DarkReferenceCols
}

// ImageFrameShape is the (rows, cols) of the image frame, the composited
// frame before the prescan is prepended
func (g Geometry) ImageFrameShape() (rows, cols int) {
	return g.SerialPrescanRows, g.ParallelOverscanCols
}

// FrameShape is the (rows, cols) of a full serial frame
func (g Geometry) FrameShape() (rows, cols int) {
	return g.SerialPrescanRows, g.SerialPrescanCols + g.ParallelOverscanCols
}

// PrescanRegion is the prescan block of a full serial frame
func (g Geometry) PrescanRegion() Region {
	return Region{Rows: g.SerialPrescanRows, Cols: g.SerialPrescanCols}
}

// ImageRegion is the image area of a full serial frame
func (g Geometry) ImageRegion() Region {
	r, c := g.ImageOffset()
	return Region{Row: r, Col: g.SerialPrescanCols + c, Rows: g.ImageRows, Cols: g.ImageCols}
}

type metadata struct {
	Geom Geometry `yaml:"geom" koanf:"geom"`
}

// Load converts a (path to a) yaml file into a Geometry.  The extents live
// under a top level geom key, e.g.
//
//	geom:
//	  image_rows: 1024
//	  image_cols: 1024
//	  ...
func Load(path string) (Geometry, error) {
	f, err := os.Open(path)
	if err != nil {
		return Geometry{}, err
	}
	defer f.Close()

	md := metadata{}
	err = yaml.NewDecoder(f).Decode(&md)
	if err != nil {
		return Geometry{}, fmt.Errorf("geometry: decoding %s: %w", path, err)
	}
	return md.Geom, md.Geom.Validate()
}
