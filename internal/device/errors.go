package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrModuleNotFound) {
//	    // handle not found case
//	}
var (
	// ErrModuleNotFound is returned when a module ID does not exist.
	ErrModuleNotFound = errors.New("device: module not found")

	// ErrInvalidModule is returned when a module record is missing required fields.
	ErrInvalidModule = errors.New("device: invalid module")

	// ErrInvalidStatus is returned for a status outside the known set.
	ErrInvalidStatus = errors.New("device: invalid status")
)
