package fleetagent

import (
	"context"
	"time"
)

// DeviceSnapshot captures one device row for persistence.
type DeviceSnapshot struct {
	Serial       string
	Kind         string
	State        string
	Connectivity string
	Product      string
	Variant      string
	BuildID      string
	Battery      string
	LastError    string
	SeenAt       time.Time
}

// AllocationRecord describes one applied allocation event.
type AllocationRecord struct {
	Serial   string
	Event    string
	OldState string
	NewState string
	Changed  bool
	At       time.Time
}

// FleetRecorder receives best-effort callbacks when fleet state changes.
// Implementations must be safe for concurrent use; failures are logged by
// callers and never alter allocation state.
type FleetRecorder interface {
	UpsertDevices(ctx context.Context, devices []DeviceSnapshot) error
	RecordEvent(ctx context.Context, rec AllocationRecord) error
}

// NoopRecorder is the default implementation when recording is disabled.
type NoopRecorder struct{}

func (NoopRecorder) UpsertDevices(ctx context.Context, devices []DeviceSnapshot) error { return nil }
func (NoopRecorder) RecordEvent(ctx context.Context, rec AllocationRecord) error       { return nil }
