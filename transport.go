package fleetagent

import (
	"context"
	"time"
)

// Transport is the command capability of the device communication layer. The
// core only depends on pass/fail and bounded-timeout semantics of these
// calls, never on payload formats.
type Transport interface {
	// WaitForResponsive blocks until the device answers a shell round-trip
	// or the timeout elapses.
	WaitForResponsive(serial string, timeout time.Duration) error
	RunShell(serial string, args ...string) (string, error)
	GetProperty(serial string, key string) (string, error)
	Reboot(serial string) error
}

// Connector establishes transport sessions to network-attached devices.
// Implemented by transports that support it (e.g. adb connect).
type Connector interface {
	Connect(hostPort string) error
	Disconnect(hostPort string) error
}

// BootloaderLister enumerates devices currently reachable in bootloader mode.
type BootloaderLister interface {
	// Available reports whether the bootloader tool exists on this host.
	Available() bool
	ListDevices(ctx context.Context) ([]string, error)
}

// RecoveryStrategy is the pluggable multi-device repair hook invoked once per
// recovery daemon tick. The core never interprets its outcome.
type RecoveryStrategy interface {
	RecoverDevices(devices []DeviceDescriptor)
}

// ConnectivityFeed is the push-based notification surface of the transport
// layer. Callbacks are delivered on a transport-owned goroutine; receivers
// must not block inline.
type ConnectivityFeed interface {
	DeviceConnected(serial string, handle any, conn ConnectivityState)
	DeviceChanged(serial string, conn ConnectivityState)
	DeviceDisconnected(serial string)
}
