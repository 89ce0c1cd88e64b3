package fleetagent

import (
	"fmt"

	"github.com/pkg/errors"
)

// DeviceUnreachableError is fatal to in-flight work: the device dropped off
// the transport entirely. The pool poller recognizes it to drive its
// recover-or-abort protocol; it is never silently swallowed.
type DeviceUnreachableError struct {
	Serial string
	Cause  error
}

func (e *DeviceUnreachableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("device %s unreachable: %v", e.Serial, e.Cause)
	}
	return fmt.Sprintf("device %s unreachable", e.Serial)
}

func (e *DeviceUnreachableError) Unwrap() error { return e.Cause }

// NewDeviceUnreachable wraps cause as a fatal unreachable-device error.
func NewDeviceUnreachable(serial string, cause error) error {
	return &DeviceUnreachableError{Serial: serial, Cause: cause}
}

// IsDeviceUnreachable reports whether err carries a DeviceUnreachableError
// anywhere in its chain.
func IsDeviceUnreachable(err error) bool {
	var target *DeviceUnreachableError
	return errors.As(err, &target)
}

// DeviceUnresponsiveError marks a device that answered the transport but not
// the command in time. The poller treats it like an ordinary unit failure and
// keeps draining the pool.
type DeviceUnresponsiveError struct {
	Serial string
	Cause  error
}

func (e *DeviceUnresponsiveError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("device %s unresponsive: %v", e.Serial, e.Cause)
	}
	return fmt.Sprintf("device %s unresponsive", e.Serial)
}

func (e *DeviceUnresponsiveError) Unwrap() error { return e.Cause }

// NewDeviceUnresponsive wraps cause as a lenient unresponsive-device error.
func NewDeviceUnresponsive(serial string, cause error) error {
	return &DeviceUnresponsiveError{Serial: serial, Cause: cause}
}

// IsDeviceUnresponsive reports whether err carries a DeviceUnresponsiveError.
func IsDeviceUnresponsive(err error) bool {
	var target *DeviceUnresponsiveError
	return errors.As(err, &target)
}

// ConfigError signals a caller misconfiguration (double init, invalid device
// state for an operation, missing identity). It is raised synchronously and
// never retried.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "fleetagent config: " + e.Reason }

// NewConfigError builds a ConfigError with a formatted reason.
func NewConfigError(format string, args ...any) error {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}
