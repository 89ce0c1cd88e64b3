package fleetagent

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// stubTransport answers every device with canned values.
type stubTransport struct {
	mu            sync.Mutex
	responsiveErr map[string]error
	props         map[string]string
	shellOut      string
	probes        []string
	reboots       []string
}

func newStubTransport() *stubTransport {
	return &stubTransport{
		responsiveErr: make(map[string]error),
		props:         make(map[string]string),
	}
}

func (s *stubTransport) WaitForResponsive(serial string, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes = append(s.probes, serial)
	return s.responsiveErr[serial]
}

func (s *stubTransport) RunShell(serial string, args ...string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shellOut, nil
}

func (s *stubTransport) GetProperty(serial, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if val, ok := s.props[key]; ok {
		return val, nil
	}
	return "", errors.New("no such property")
}

func (s *stubTransport) Reboot(serial string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reboots = append(s.reboots, serial)
	return nil
}

func (s *stubTransport) probeCount(serial string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.probes {
		if p == serial {
			n++
		}
	}
	return n
}

func (s *stubTransport) setResponsiveErr(serial string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responsiveErr[serial] = err
}

func newSyncAdapter(registry *Registry, transport Transport, filter Selector) *connectivityAdapter {
	a := newConnectivityAdapter(registry, transport, filter, time.Second)
	a.synchronous = true
	return a
}

func TestDeviceConnectedPublishesResponsiveDevice(t *testing.T) {
	g := NewRegistry(nil)
	transport := newStubTransport()
	adapter := newSyncAdapter(g, transport, nil)

	adapter.DeviceConnected("serial-1", transport, ConnOnline)

	rec := g.Find("serial-1")
	if rec == nil {
		t.Fatalf("record was not created")
	}
	if rec.State() != StateAvailable {
		t.Fatalf("state = %s, want %s", rec.State(), StateAvailable)
	}
	if transport.probeCount("serial-1") != 1 {
		t.Fatalf("device probed %d times, want 1", transport.probeCount("serial-1"))
	}
}

func TestDeviceConnectedParksUnresponsiveDevice(t *testing.T) {
	g := NewRegistry(nil)
	transport := newStubTransport()
	transport.setResponsiveErr("serial-1", errors.New("no answer"))
	adapter := newSyncAdapter(g, transport, nil)

	adapter.DeviceConnected("serial-1", transport, ConnOnline)

	if state := g.Find("serial-1").State(); state != StateUnavailable {
		t.Fatalf("state = %s, want %s", state, StateUnavailable)
	}
}

func TestDeviceConnectedOfflineIsNotChecked(t *testing.T) {
	g := NewRegistry(nil)
	transport := newStubTransport()
	adapter := newSyncAdapter(g, transport, nil)

	adapter.DeviceConnected("serial-1", transport, ConnOffline)

	rec := g.Find("serial-1")
	if rec.State() != StateUnavailable {
		t.Fatalf("offline device state = %s, want %s", rec.State(), StateUnavailable)
	}
	if transport.probeCount("serial-1") != 0 {
		t.Fatalf("offline device was probed")
	}
}

func TestGlobalFilterSkipsProbe(t *testing.T) {
	g := NewRegistry(nil)
	transport := newStubTransport()
	filter := SelectorFunc(func(d DeviceDescriptor) bool { return d.Serial != "serial-banned" })
	adapter := newSyncAdapter(g, transport, filter)

	adapter.DeviceConnected("serial-banned", transport, ConnOnline)

	if state := g.Find("serial-banned").State(); state != StateUnavailable {
		t.Fatalf("filtered device state = %s, want %s", state, StateUnavailable)
	}
	if transport.probeCount("serial-banned") != 0 {
		t.Fatalf("filtered device was probed")
	}
}

func TestDeviceChangedBackOnlineRechecks(t *testing.T) {
	g := NewRegistry(nil)
	transport := newStubTransport()
	adapter := newSyncAdapter(g, transport, nil)

	adapter.DeviceConnected("serial-1", transport, ConnOnline)
	adapter.DeviceDisconnected("serial-1")
	rec := g.Find("serial-1")
	if rec.State() != StateUnavailable {
		t.Fatalf("state after disconnect = %s", rec.State())
	}
	if conn := rec.Descriptor().Connectivity; conn != ConnNotAvailable {
		t.Fatalf("connectivity after disconnect = %s", conn)
	}

	adapter.DeviceChanged("serial-1", ConnOnline)
	if rec.State() != StateAvailable {
		t.Fatalf("state after recheck = %s, want %s", rec.State(), StateAvailable)
	}
	if transport.probeCount("serial-1") != 2 {
		t.Fatalf("device probed %d times, want 2", transport.probeCount("serial-1"))
	}
}

func TestDisconnectUnknownSerialIsIgnored(t *testing.T) {
	g := NewRegistry(nil)
	adapter := newSyncAdapter(g, newStubTransport(), nil)
	adapter.DeviceDisconnected("never-seen")
	if len(g.List()) != 0 {
		t.Fatalf("disconnect created a record")
	}
}

func TestAllocatedDeviceSurvivesOnlineNotification(t *testing.T) {
	g := NewRegistry(nil)
	transport := newStubTransport()
	adapter := newSyncAdapter(g, transport, nil)

	adapter.DeviceConnected("serial-1", transport, ConnOnline)
	rec := g.Allocate(AnyDevice)
	if rec == nil {
		t.Fatalf("allocation failed")
	}

	adapter.DeviceChanged("serial-1", ConnOnline)
	if rec.State() != StateAllocated {
		t.Fatalf("allocated device moved to %s on a redundant online event", rec.State())
	}
}
