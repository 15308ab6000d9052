package device

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Store implementations when no row exists for the
// requested device id.
var ErrNotFound = errors.New("device not found")

// ValidationError reports a registration or command that does not satisfy the
// rules for its device type.
type ValidationError struct {
	Missing []string // required fields or property keys that are absent
	Invalid []string // fields or properties with malformed or out-of-range values
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid "+strings.Join(e.Invalid, ", "))
	}
	return "device validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) isEmpty() bool {
	return len(e.Missing) == 0 && len(e.Invalid) == 0
}

// UnknownDeviceError means the given id does not name a device that can be
// operated on, either because it was never registered or because it has been
// deactivated.
type UnknownDeviceError struct {
	ID uuid.UUID
}

func (e *UnknownDeviceError) Error() string {
	return fmt.Sprintf("unknown device %s", e.ID)
}
