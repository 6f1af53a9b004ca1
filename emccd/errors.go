package emccd

import "fmt"

// ParameterError is returned when a scalar parameter is outside of its domain.
// No computation is attempted when one is returned.
type ParameterError struct {
	// Name is the parameter name, e.g. em_gain
	Name string

	// Value is the offending value
	Value float64

	// Reason describes the violated constraint, e.g. "must be >= 1"
	Reason string
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("emccd: parameter %s=%g %s", e.Name, e.Value, e.Reason)
}

// ShapeError is returned when an array does not fit the destination geometry.
// It is always returned before any array is modified.
type ShapeError struct {
	// Op is the operation that rejected the array
	Op string

	// Rows, Cols are the shape of the offending array
	Rows, Cols int

	// DstRows, DstCols are the shape of the destination
	DstRows, DstCols int

	// Row, Col are the placement offset, if any
	Row, Col float64
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("emccd: %s: %dx%d array at (%g, %g) does not fit %dx%d destination",
		e.Op, e.Rows, e.Cols, e.Row, e.Col, e.DstRows, e.DstCols)
}
