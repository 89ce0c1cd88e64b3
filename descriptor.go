package fleetagent

import "strings"

// DeviceKind classifies fleet members by how the harness talks to them.
type DeviceKind string

const (
	KindPhysical   DeviceKind = "physical"
	KindEmulator   DeviceKind = "emulator"
	KindBootloader DeviceKind = "bootloader"
	KindNull       DeviceKind = "null"
	KindNetwork    DeviceKind = "network"
)

// ConnectivityState mirrors the transport layer's view of a device.
type ConnectivityState string

const (
	ConnOnline       ConnectivityState = "online"
	ConnOffline      ConnectivityState = "offline"
	ConnBootloader   ConnectivityState = "bootloader"
	ConnUnauthorized ConnectivityState = "unauthorized"
	ConnNotAvailable ConnectivityState = "not_available"
)

const (
	nullDeviceSerialPrefix = "null-device"
	emulatorSerialPrefix   = "emulator"
)

// AttrUnknown is the placeholder for best-effort attributes that could not
// be fetched from the device.
const AttrUnknown = "unknown"

// DeviceDescriptor is the identity plus capability snapshot of one fleet
// member. Identity is the serial: two descriptors with the same serial refer
// to the same device across reconnects, only the handle is swapped.
type DeviceDescriptor struct {
	Serial       string
	Kind         DeviceKind
	Connectivity ConnectivityState

	// Handle is the opaque transport handle used to talk to the device.
	// It is replaced on reconnect.
	Handle any

	// Best-effort attributes, AttrUnknown when unavailable.
	Product string
	Variant string
	BuildID string
	Battery string

	// State is filled in on fleet listings only.
	State AllocationState
}

// IsPlaceholder reports whether the descriptor was synthesized by the manager
// rather than observed on a transport.
func (d DeviceDescriptor) IsPlaceholder() bool {
	return d.Kind == KindNull || (d.Kind == KindEmulator && d.Connectivity == ConnNotAvailable)
}

// IsNullDeviceSerial reports whether serial names a synthetic no-device slot.
func IsNullDeviceSerial(serial string) bool {
	return strings.HasPrefix(serial, nullDeviceSerialPrefix)
}

// IsEmulatorSerial reports whether serial names an emulator slot.
func IsEmulatorSerial(serial string) bool {
	return strings.HasPrefix(serial, emulatorSerialPrefix)
}

func displayAttr(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return AttrUnknown
	}
	return value
}

// Selector is a caller-supplied predicate over device descriptors. The
// registry is agnostic to selection criteria; it only enforces the
// Available/Allocated boundary.
type Selector interface {
	Matches(desc DeviceDescriptor) bool
}

// SelectorFunc adapts a function to the Selector interface.
type SelectorFunc func(desc DeviceDescriptor) bool

func (f SelectorFunc) Matches(desc DeviceDescriptor) bool { return f(desc) }

// AnyDevice matches every descriptor.
var AnyDevice Selector = SelectorFunc(func(DeviceDescriptor) bool { return true })
