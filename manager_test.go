package fleetagent

import (
	"context"
	"sync"
	"testing"
	"time"
)

// connectorTransport adds network connect support to the stub transport.
type connectorTransport struct {
	*stubTransport
	connectErr    error
	connects      []string
	disconnects   []string
	connectorLock sync.Mutex
}

func (c *connectorTransport) Connect(hostPort string) error {
	c.connectorLock.Lock()
	defer c.connectorLock.Unlock()
	c.connects = append(c.connects, hostPort)
	return c.connectErr
}

func (c *connectorTransport) Disconnect(hostPort string) error {
	c.connectorLock.Lock()
	defer c.connectorLock.Unlock()
	c.disconnects = append(c.disconnects, hostPort)
	return nil
}

type stubMonitor struct {
	mu      sync.Mutex
	running bool
	stopped bool
	lister  func() []DeviceDescriptor
	changes []string
}

func (m *stubMonitor) Run() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = true
}

func (m *stubMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

func (m *stubMonitor) SetLister(lister func() []DeviceDescriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lister = lister
}

func (m *stubMonitor) NotifyDeviceStateChange(serial string, old, new AllocationState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes = append(m.changes, serial+":"+string(old)+">"+string(new))
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.Transport == nil {
		cfg.Transport = newStubTransport()
	}
	cfg.SynchronousChecks = true
	mgr := NewManager()
	if err := mgr.Init(cfg); err != nil {
		t.Fatalf("Init error: %v", err)
	}
	t.Cleanup(mgr.Terminate)
	return mgr
}

func TestManagerInitValidation(t *testing.T) {
	mgr := NewManager()
	if err := mgr.Init(Config{}); err == nil {
		t.Fatalf("Init without transport should fail")
	}
	if err := mgr.Init(Config{Transport: newStubTransport(), MaxEmulators: -1}); err == nil {
		t.Fatalf("Init with negative limit should fail")
	}
	if err := mgr.Init(Config{Transport: newStubTransport()}); err != nil {
		t.Fatalf("Init error: %v", err)
	}
	defer mgr.Terminate()
	if err := mgr.Init(Config{Transport: newStubTransport()}); err == nil {
		t.Fatalf("second Init should fail loudly")
	}
}

func TestManagerRequiresInit(t *testing.T) {
	mgr := NewManager()
	if _, err := mgr.AllocateAnyDevice(); err == nil {
		t.Fatalf("allocate before Init should fail")
	}
	if _, err := mgr.ListDevices(); err == nil {
		t.Fatalf("list before Init should fail")
	}
}

func TestManagerCreatesPlaceholders(t *testing.T) {
	mgr := newTestManager(t, Config{MaxEmulators: 2, MaxNullDevices: 1})

	for _, serial := range []string{"emulator-5554", "emulator-5556", "null-device-0"} {
		rec := mgr.Registry().Find(serial)
		if rec == nil {
			t.Fatalf("placeholder %s was not created", serial)
		}
		if rec.State() != StateAvailable {
			t.Fatalf("placeholder %s state = %s, want %s", serial, rec.State(), StateAvailable)
		}
		if !rec.Descriptor().IsPlaceholder() {
			t.Fatalf("placeholder %s not flagged as synthetic", serial)
		}
	}

	// idle placeholders stay out of fleet listings
	devices, err := mgr.ListDevices()
	if err != nil {
		t.Fatalf("ListDevices error: %v", err)
	}
	if len(devices) != 0 {
		t.Fatalf("idle placeholders listed: %v", devices)
	}

	rec, err := mgr.AllocateDevice(SelectorFunc(func(d DeviceDescriptor) bool {
		return d.Kind == KindNull
	}))
	if err != nil || rec == nil {
		t.Fatalf("allocate null device: rec=%v err=%v", rec, err)
	}
	devices, err = mgr.ListDevices()
	if err != nil {
		t.Fatalf("ListDevices error: %v", err)
	}
	if len(devices) != 1 || devices[0].Serial != rec.Serial() {
		t.Fatalf("allocated placeholder not listed: %v", devices)
	}
}

func TestManagerAllocateAndFreeFlow(t *testing.T) {
	transport := newStubTransport()
	mgr := newTestManager(t, Config{Transport: transport})
	mgr.Feed().DeviceConnected("serial-1", transport, ConnOnline)

	rec, err := mgr.AllocateDevice(SelectorFunc(func(d DeviceDescriptor) bool {
		return d.Kind == KindPhysical
	}))
	if err != nil {
		t.Fatalf("AllocateDevice error: %v", err)
	}
	if rec == nil || rec.Serial() != "serial-1" {
		t.Fatalf("allocation returned %v", rec)
	}

	if err := mgr.FreeDevice(rec, FreeAvailable); err != nil {
		t.Fatalf("FreeDevice error: %v", err)
	}
	if rec.State() != StateAvailable {
		t.Fatalf("state after free = %s, want %s", rec.State(), StateAvailable)
	}

	if err := mgr.FreeDevice(nil, FreeAvailable); err == nil {
		t.Fatalf("freeing a nil record should fail")
	}
}

func TestManagerListDevicesSortedAndResolved(t *testing.T) {
	transport := newStubTransport()
	transport.props["ro.product.board"] = "walleye"
	transport.props["ro.product.device"] = "walleye_us"
	transport.props["ro.build.id"] = "OPM1"
	transport.shellOut = "  level: 73\n  scale: 100"
	mgr := newTestManager(t, Config{Transport: transport})
	mgr.Feed().DeviceConnected("serial-1", transport, ConnOnline)
	mgr.Feed().DeviceConnected("serial-2", transport, ConnOffline)
	if _, err := mgr.ForceAllocateDevice("serial-1"); err != nil {
		t.Fatalf("ForceAllocateDevice error: %v", err)
	}

	devices, err := mgr.ListDevices()
	if err != nil {
		t.Fatalf("ListDevices error: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("listed %d devices, want 2", len(devices))
	}
	// Allocated sorts before Available
	if devices[0].Serial != "serial-1" || devices[0].State != StateAllocated {
		t.Fatalf("first row = %+v", devices[0])
	}
	if devices[0].Product != "walleye" || devices[0].Variant != "walleye_us" || devices[0].BuildID != "OPM1" {
		t.Fatalf("online attributes not resolved: %+v", devices[0])
	}
	if devices[0].Battery != "73" {
		t.Fatalf("battery = %q, want 73", devices[0].Battery)
	}
	if devices[1].Serial != "serial-2" || devices[1].Product != AttrUnknown {
		t.Fatalf("offline row = %+v, want unresolved attributes", devices[1])
	}
}

func TestManagerNotifiesMonitors(t *testing.T) {
	mon := &stubMonitor{}
	transport := newStubTransport()
	mgr := newTestManager(t, Config{Transport: transport, Monitors: []FleetMonitor{mon}})

	mon.mu.Lock()
	running, lister := mon.running, mon.lister
	mon.mu.Unlock()
	if !running {
		t.Fatalf("monitor was not started")
	}
	if lister == nil {
		t.Fatalf("monitor was not handed a lister")
	}

	mgr.Feed().DeviceConnected("serial-1", transport, ConnOnline)
	mon.mu.Lock()
	changes := len(mon.changes)
	mon.mu.Unlock()
	if changes == 0 {
		t.Fatalf("monitor saw no state changes")
	}

	mgr.Terminate()
	mon.mu.Lock()
	stopped := mon.stopped
	mon.mu.Unlock()
	if !stopped {
		t.Fatalf("monitor was not stopped on terminate")
	}
}

func TestManagerTerminateIsIdempotent(t *testing.T) {
	mgr := newTestManager(t, Config{})
	mgr.Terminate()
	mgr.Terminate()
}

func TestConnectToTCPDevice(t *testing.T) {
	transport := &connectorTransport{stubTransport: newStubTransport()}
	mgr := newTestManager(t, Config{Transport: transport})

	rec, err := mgr.ConnectToTCPDevice("10.0.0.5:5555")
	if err != nil {
		t.Fatalf("ConnectToTCPDevice error: %v", err)
	}
	if rec == nil {
		t.Fatalf("expected an allocated record")
	}
	if rec.State() != StateAllocated {
		t.Fatalf("state = %s, want %s", rec.State(), StateAllocated)
	}
	desc := rec.Descriptor()
	if desc.Kind != KindNetwork || desc.Connectivity != ConnOnline {
		t.Fatalf("descriptor = %+v", desc)
	}

	if err := mgr.DisconnectFromTCPDevice(rec); err != nil {
		t.Fatalf("DisconnectFromTCPDevice error: %v", err)
	}
	transport.connectorLock.Lock()
	defer transport.connectorLock.Unlock()
	if len(transport.connects) != 1 || len(transport.disconnects) != 1 {
		t.Fatalf("connects=%v disconnects=%v", transport.connects, transport.disconnects)
	}
}

func TestConnectToTCPDeviceRequiresConnector(t *testing.T) {
	mgr := newTestManager(t, Config{Transport: newStubTransport()})
	if _, err := mgr.ConnectToTCPDevice("10.0.0.5:5555"); err == nil {
		t.Fatalf("transport without connect support should be rejected")
	}
}

func TestEmulatorLifecyclePreconditions(t *testing.T) {
	transport := newStubTransport()
	mgr := newTestManager(t, Config{Transport: transport, MaxEmulators: 1})
	mgr.Feed().DeviceConnected("serial-1", transport, ConnOnline)

	phone := mgr.Registry().Find("serial-1")
	if err := mgr.LaunchEmulator(phone, time.Second, []string{"emulator"}); err == nil {
		t.Fatalf("launching on a physical device should fail")
	}

	slot := mgr.Registry().Find("emulator-5554")
	if err := mgr.LaunchEmulator(slot, time.Second, nil); err == nil {
		t.Fatalf("launch without a command should fail")
	}
	if err := mgr.KillEmulator(slot); err == nil {
		t.Fatalf("killing an emulator this process never launched should fail")
	}
}

func TestRecordSnapshotUsesRecorder(t *testing.T) {
	recorder := &capturingRecorder{}
	transport := newStubTransport()
	mgr := newTestManager(t, Config{Transport: transport, Recorder: recorder, MaxNullDevices: 1})
	mgr.Feed().DeviceConnected("serial-1", transport, ConnOnline)

	done := make(chan error, 1)
	go func() { done <- mgr.RecordSnapshot(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RecordSnapshot error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("RecordSnapshot did not return")
	}
}
