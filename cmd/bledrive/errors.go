package main

import (
	"errors"
	"fmt"

	"github.com/srg/bledrive/internal/gatt"
	"github.com/srg/bledrive/internal/gatt/att"
	"github.com/srg/bledrive/internal/gatt/goble"
	"github.com/srg/bledrive/internal/joystick"
)

// FormatUserError turns internal errors into messages that make sense
// without reading the source.
func FormatUserError(err error) string {
	var code att.ErrorCode
	var rangeErr *joystick.RangeError
	var sessErr *gatt.SessionError

	switch {
	case errors.Is(err, goble.ErrReadyTimeout):
		return "device did not complete service discovery in time; is it powered and in range?"
	case errors.Is(err, gatt.ErrDisconnected):
		return "device disconnected"
	case errors.Is(err, gatt.ErrInvalidSecurityLevel):
		return "security level must be 1, 2, or 3"
	case errors.As(err, &code):
		return fmt.Sprintf("device rejected the operation: %s", code.String())
	case errors.As(err, &rangeErr), errors.As(err, &sessErr):
		return err.Error()
	default:
		return err.Error()
	}
}
