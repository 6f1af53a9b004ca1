/*Package camera describes a standard set of interfaces for control of cameras
and provides Virtual, a camera whose frames are simulated by an EMCCD model.

The Minimal type contains the basics, while Sci contains some extended features
typically found on scientific cameras.
*/
package camera

// Minimal describes a minimal camera interface with only the basics.
type Minimal interface {
	// Initialize initializes the camera.  This may have myriad side effects,
	// for example the allocation of buffer(s) for holding camera frames
	// or the validation of a simulated detector's configuration
	Initialize() error

	// Finalize finalizes the camera
	Finalize() error

	// GetRes gets the (H, W) associated with the data returned by GetFrameXX
	GetRes() ([2]int, error)

	// GetFrameU16 gets a frame as uint16.  The data is a 1D slice which is
	// strided by the frame width.
	GetFrameU16() (*[]uint16, error)

	// GetFrameI32 gets a frame as int32.  The data is a 1D slice which is
	// strided by the frame width.
	GetFrameI32() (*[]int32, error)
}

// Sci describes an extended interface for scientific cameras with EM gain
// we do not enforce this constraint, but a type which implements
// Sci will nearly always implement Minimal.
type Sci interface {
	// GetEMGain gets the electron multiplying gain
	GetEMGain() (float64, error)

	// SetEMGain sets the electron multiplying gain, >= 1
	SetEMGain(float64) error
}
