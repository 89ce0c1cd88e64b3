package fleetagent

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// FreeState is the coarse outcome a caller reports when returning a device.
type FreeState string

const (
	FreeAvailable    FreeState = "available"
	FreeUnavailable  FreeState = "unavailable"
	FreeUnresponsive FreeState = "unresponsive"
	FreeIgnore       FreeState = "ignore"
)

// DeviceRecord wraps one device descriptor plus its allocation state and
// bookkeeping. Records are owned exclusively by the Registry: they are created
// when a device is first observed or synthesized and never removed at runtime,
// so allocation accounting stays stable across unplug/replug cycles.
type DeviceRecord struct {
	reg *Registry

	serial string
	desc   DeviceDescriptor
	state  AllocationState

	// logCapture is the background log stream attached while allocated.
	logCapture io.Closer
	// emulator is set only for emulators this process launched itself.
	emulator *emulatorProcess
}

// Serial returns the record's stable identity.
func (r *DeviceRecord) Serial() string { return r.serial }

// Descriptor returns a consistent copy of the device descriptor with the
// current allocation state filled in.
func (r *DeviceRecord) Descriptor() DeviceDescriptor {
	r.reg.mu.Lock()
	defer r.reg.mu.Unlock()
	desc := r.desc
	desc.State = r.state
	return desc
}

// State returns the current allocation state.
func (r *DeviceRecord) State() AllocationState {
	r.reg.mu.Lock()
	defer r.reg.mu.Unlock()
	return r.state
}

// Registry owns the set of device records. Every read-modify-write of
// allocation state goes through its single mutex: discovery daemons, the
// recovery daemon and foreground allocation all race on the same records, and
// one serialization point is what prevents lost updates. Reads hand out
// snapshot copies so slow consumers never hold the lock.
type Registry struct {
	mu      sync.Mutex
	records map[string]*DeviceRecord
	order   []*DeviceRecord

	recorder FleetRecorder
	// onStateChange is invoked outside the mutex after every changed
	// transition; wired to the monitor multiplexer by the manager.
	onStateChange func(serial string, old, new AllocationState)
}

// NewRegistry builds an empty registry. recorder may be nil.
func NewRegistry(recorder FleetRecorder) *Registry {
	if recorder == nil {
		recorder = NoopRecorder{}
	}
	return &Registry{
		records:  make(map[string]*DeviceRecord),
		recorder: recorder,
	}
}

func (g *Registry) setStateChangeFunc(fn func(serial string, old, new AllocationState)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onStateChange = fn
}

// FindOrCreate is an idempotent upsert keyed by serial: an existing record has
// its handle and connectivity refreshed (the transport allocates a new handle
// on reconnect), a new record starts in Unavailable.
func (g *Registry) FindOrCreate(desc DeviceDescriptor) (*DeviceRecord, error) {
	serial := strings.TrimSpace(desc.Serial)
	if serial == "" {
		return nil, NewConfigError("device descriptor has no serial")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if rec, ok := g.records[serial]; ok {
		if desc.Handle != nil {
			rec.desc.Handle = desc.Handle
		}
		if desc.Connectivity != "" {
			rec.desc.Connectivity = desc.Connectivity
		}
		if desc.Kind != "" && rec.desc.Kind != desc.Kind {
			rec.desc.Kind = desc.Kind
		}
		return rec, nil
	}
	rec := &DeviceRecord{
		reg:    g,
		serial: serial,
		desc:   desc,
		state:  StateUnavailable,
	}
	rec.desc.Serial = serial
	g.records[serial] = rec
	g.order = append(g.order, rec)
	log.Debug().Str("serial", serial).Str("kind", string(desc.Kind)).Msg("device record created")
	return rec, nil
}

// Find returns the record for serial, or nil when unknown.
func (g *Registry) Find(serial string) *DeviceRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.records[strings.TrimSpace(serial)]
}

// Allocate scans records in Available state matching selector, atomically
// transitions the first match to Allocated and returns it. It never blocks:
// nil means no match and callers own their retry policy.
func (g *Registry) Allocate(selector Selector) *DeviceRecord {
	if selector == nil {
		selector = AnyDevice
	}
	g.mu.Lock()
	var match *DeviceRecord
	var old AllocationState
	for _, rec := range g.order {
		if rec.state != StateAvailable {
			continue
		}
		if !selector.Matches(rec.desc) {
			continue
		}
		next, changed := transition(rec.state, EventForceAllocateRequest)
		if !changed || next != StateAllocated {
			continue
		}
		old = rec.state
		rec.state = next
		match = rec
		break
	}
	g.mu.Unlock()
	if match == nil {
		return nil
	}
	g.afterTransition(match.serial, EventForceAllocateRequest, old, StateAllocated, true)
	return match
}

// ForceAllocate allocates the device with the given serial regardless of the
// selector path, creating a record when none exists. Returns nil when the
// device is not in a state that permits allocation.
func (g *Registry) ForceAllocate(serial string) *DeviceRecord {
	rec := g.Find(serial)
	if rec == nil {
		// unknown serials are assumed to be network devices being dialed
		created, err := g.FindOrCreate(DeviceDescriptor{
			Serial:       serial,
			Kind:         KindNetwork,
			Connectivity: ConnNotAvailable,
		})
		if err != nil {
			log.Error().Err(err).Str("serial", serial).Msg("force allocate failed")
			return nil
		}
		rec = created
	}
	// a fresh record starts Unavailable; force it through Available first
	if rec.State() == StateUnavailable {
		g.HandleEvent(rec, EventForceAvailable)
	}
	resp := g.HandleEvent(rec, EventForceAllocateRequest)
	if resp.Changed && resp.State == StateAllocated {
		return rec
	}
	return nil
}

// Free maps a coarse free outcome to the matching Free* event and applies it.
// The FreeUnknown path intentionally reports through the same EventResponse
// as real transitions even though the state stays put.
func (g *Registry) Free(rec *DeviceRecord, state FreeState) EventResponse {
	if rec == nil {
		return EventResponse{}
	}
	g.stopLogCapture(rec)
	resp := g.HandleEvent(rec, g.eventFromFree(rec, state))
	if !resp.Changed {
		log.Warn().
			Str("serial", rec.serial).
			Str("state", string(resp.State)).
			Msg("device was in unexpected state when freeing")
	}
	return resp
}

func (g *Registry) eventFromFree(rec *DeviceRecord, state FreeState) AllocationEvent {
	switch state {
	case FreeUnresponsive:
		return EventFreeUnresponsive
	case FreeAvailable:
		return EventFreeAvailable
	case FreeUnavailable:
		g.mu.Lock()
		conn := rec.desc.Connectivity
		g.mu.Unlock()
		if conn == ConnNotAvailable {
			return EventFreeUnknown
		}
		return EventFreeUnavailable
	default:
		return EventFreeUnknown
	}
}

// HandleEvent applies one allocation event to rec under the registry mutex.
// Transitions are strictly ordered per record; recorder and monitor callbacks
// fire after the lock is released.
func (g *Registry) HandleEvent(rec *DeviceRecord, event AllocationEvent) EventResponse {
	if rec == nil {
		return EventResponse{}
	}
	g.mu.Lock()
	old := rec.state
	next, changed := transition(old, event)
	rec.state = next
	g.mu.Unlock()

	g.afterTransition(rec.serial, event, old, next, changed)
	return EventResponse{Changed: changed, State: next}
}

func (g *Registry) afterTransition(serial string, event AllocationEvent, old, next AllocationState, changed bool) {
	if err := g.recorder.RecordEvent(context.Background(), AllocationRecord{
		Serial:   serial,
		Event:    string(event),
		OldState: string(old),
		NewState: string(next),
		Changed:  changed,
		At:       time.Now(),
	}); err != nil {
		log.Warn().Err(err).Str("serial", serial).Msg("fleet recorder event write failed")
	}
	if !changed {
		return
	}
	g.mu.Lock()
	notify := g.onStateChange
	g.mu.Unlock()
	if notify != nil {
		notify(serial, old, next)
	}
}

// SetConnectivity updates the transport view of the device.
func (g *Registry) SetConnectivity(rec *DeviceRecord, conn ConnectivityState) {
	if rec == nil {
		return
	}
	g.mu.Lock()
	rec.desc.Connectivity = conn
	g.mu.Unlock()
}

// UpdateBootloaderStates refreshes the likely connectivity kind of known
// records: listed serials flip to bootloader, previously-bootloader records
// that vanished fall back to not-available.
func (g *Registry) UpdateBootloaderStates(serials map[string]struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, rec := range g.order {
		if _, ok := serials[rec.serial]; ok {
			rec.desc.Connectivity = ConnBootloader
		} else if rec.desc.Connectivity == ConnBootloader {
			rec.desc.Connectivity = ConnNotAvailable
		}
	}
}

// List returns a consistent snapshot of every record as descriptors with
// allocation state filled in, in registration order.
func (g *Registry) List() []DeviceDescriptor {
	g.mu.Lock()
	defer g.mu.Unlock()
	result := make([]DeviceDescriptor, 0, len(g.order))
	for _, rec := range g.order {
		desc := rec.desc
		desc.State = rec.state
		result = append(result, desc)
	}
	return result
}

// CountByState tallies records per allocation state for status display.
func (g *Registry) CountByState() map[AllocationState]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	counts := make(map[AllocationState]int, 4)
	for _, rec := range g.order {
		counts[rec.state]++
	}
	return counts
}

// AttachLogCapture records the background log stream handle for rec, closing
// any previous one.
func (g *Registry) AttachLogCapture(rec *DeviceRecord, capture io.Closer) {
	if rec == nil {
		return
	}
	g.mu.Lock()
	prev := rec.logCapture
	rec.logCapture = capture
	g.mu.Unlock()
	if prev != nil {
		if err := prev.Close(); err != nil {
			log.Warn().Err(err).Str("serial", rec.serial).Msg("close previous log capture failed")
		}
	}
}

func (g *Registry) stopLogCapture(rec *DeviceRecord) {
	g.mu.Lock()
	capture := rec.logCapture
	rec.logCapture = nil
	g.mu.Unlock()
	if capture == nil {
		return
	}
	if err := capture.Close(); err != nil {
		log.Warn().Err(err).Str("serial", rec.serial).Msg("stop log capture failed")
	}
}

func (g *Registry) setEmulatorProcess(rec *DeviceRecord, proc *emulatorProcess) {
	g.mu.Lock()
	rec.emulator = proc
	g.mu.Unlock()
}

func (g *Registry) emulatorProcess(rec *DeviceRecord) *emulatorProcess {
	g.mu.Lock()
	defer g.mu.Unlock()
	return rec.emulator
}

// snapshotDevice builds a recorder row for rec. Used by the manager when
// pushing periodic fleet snapshots.
func (g *Registry) snapshotDevice(rec *DeviceRecord, lastError string) DeviceSnapshot {
	desc := rec.Descriptor()
	return DeviceSnapshot{
		Serial:       desc.Serial,
		Kind:         string(desc.Kind),
		State:        string(desc.State),
		Connectivity: string(desc.Connectivity),
		Product:      displayAttr(desc.Product),
		Variant:      displayAttr(desc.Variant),
		BuildID:      displayAttr(desc.BuildID),
		Battery:      displayAttr(desc.Battery),
		LastError:    lastError,
		SeenAt:       time.Now(),
	}
}
