package fleetagent

import "sync"

// FleetMonitor observes fleet state from outside the control plane (web
// status pages, lab dashboards). Monitors are handed a lister for on-demand
// snapshots and poked on every allocation state change.
type FleetMonitor interface {
	Run()
	Stop()
	SetLister(lister func() []DeviceDescriptor)
	NotifyDeviceStateChange(serial string, old, new AllocationState)
}

// monitorMultiplexer fans one stream of callbacks out to many monitors.
// Notification always walks a defensive copy of the set so a monitor calling
// back into the registry cannot deadlock against the mutation lock.
type monitorMultiplexer struct {
	mu       sync.Mutex
	monitors []FleetMonitor
	lister   func() []DeviceDescriptor
}

func newMonitorMultiplexer() *monitorMultiplexer {
	return &monitorMultiplexer{}
}

func (m *monitorMultiplexer) addMonitors(monitors []FleetMonitor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mon := range monitors {
		if mon == nil {
			continue
		}
		if m.lister != nil {
			mon.SetLister(m.lister)
		}
		m.monitors = append(m.monitors, mon)
	}
}

func (m *monitorMultiplexer) setLister(lister func() []DeviceDescriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lister = lister
	for _, mon := range m.monitors {
		mon.SetLister(lister)
	}
}

func (m *monitorMultiplexer) snapshot() []FleetMonitor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]FleetMonitor, len(m.monitors))
	copy(out, m.monitors)
	return out
}

func (m *monitorMultiplexer) run() {
	for _, mon := range m.snapshot() {
		mon.Run()
	}
}

func (m *monitorMultiplexer) stop() {
	for _, mon := range m.snapshot() {
		mon.Stop()
	}
}

func (m *monitorMultiplexer) notifyStateChange(serial string, old, new AllocationState) {
	for _, mon := range m.snapshot() {
		mon.NotifyDeviceStateChange(serial, old, new)
	}
}
