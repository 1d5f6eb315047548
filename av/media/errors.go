package media

import (
	"errors"
	"fmt"
)

// Device error categories. Errors returned by Acquirer match exactly one of
// these with errors.Is.
var (
	// ErrPermissionDenied indicates the user or platform refused capture access.
	ErrPermissionDenied = errors.New("device permission denied")

	// ErrDeviceNotFound indicates no device matches the request.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrDeviceBusy indicates the device is held by another application.
	ErrDeviceBusy = errors.New("device busy")

	// ErrConstraintsUnsatisfiable indicates the device cannot meet the constraints.
	ErrConstraintsUnsatisfiable = errors.New("constraints unsatisfiable")

	// ErrDeviceFailure is any other device-layer failure.
	ErrDeviceFailure = errors.New("device failure")
)

// Track errors.
var (
	// ErrTrackStopped indicates an operation on a stopped track.
	ErrTrackStopped = errors.New("track stopped")

	// ErrSourceEnded is returned by a Source whose device ended the capture.
	ErrSourceEnded = errors.New("capture source ended")

	// ErrNothingRequested indicates neither audio nor video was requested.
	ErrNothingRequested = errors.New("no audio or video requested")
)

// DeviceError is a failure reported by the device layer. Name carries the
// platform error name (for browsers, the DOMException name such as
// "NotAllowedError").
type DeviceError struct {
	Name       string
	Constraint string
	Message    string
}

// Error implements error.
func (e *DeviceError) Error() string {
	if e.Constraint != "" {
		return fmt.Sprintf("%s: %s (constraint %s)", e.Name, e.Message, e.Constraint)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Name, e.Message)
	}
	return e.Name
}

// Is lets errors.Is match a DeviceError against its category sentinel.
func (e *DeviceError) Is(target error) bool {
	return categoryForName(e.Name) == target
}

func categoryForName(name string) error {
	switch name {
	case "NotAllowedError", "PermissionDeniedError", "SecurityError":
		return ErrPermissionDenied
	case "NotFoundError", "DevicesNotFoundError":
		return ErrDeviceNotFound
	case "NotReadableError", "TrackStartError", "AbortError":
		return ErrDeviceBusy
	case "OverconstrainedError", "ConstraintNotSatisfiedError":
		return ErrConstraintsUnsatisfiable
	default:
		return ErrDeviceFailure
	}
}

// Classify maps any device-layer error to its category sentinel.
// It returns nil for a nil error.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, category := range []error{
		ErrPermissionDenied,
		ErrDeviceNotFound,
		ErrDeviceBusy,
		ErrConstraintsUnsatisfiable,
	} {
		if errors.Is(err, category) {
			return category
		}
	}
	return ErrDeviceFailure
}

// Remediation returns an actionable, user-facing message for a setup error.
func Remediation(err error) string {
	switch Classify(err) {
	case nil:
		return ""
	case ErrPermissionDenied:
		return "camera or microphone access was denied; allow access in your system settings and try again"
	case ErrDeviceNotFound:
		return "no camera or microphone was found; connect a device and try again"
	case ErrDeviceBusy:
		return "camera already in use by another application; close it and try again"
	case ErrConstraintsUnsatisfiable:
		return "your camera cannot provide the requested resolution or frame rate"
	default:
		return "the capture device failed; try again"
	}
}

// wrapDeviceError attaches the category to a device-layer error so callers
// can use errors.Is on either.
func wrapDeviceError(op string, err error) error {
	category := Classify(err)
	if errors.Is(err, category) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, category, err)
}
