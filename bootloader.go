package fleetagent

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	bootloaderPollInterval = 5 * time.Second
	bootloaderListTimeout  = time.Minute
)

// BootloaderListener is notified whenever the bootloader monitor refreshes
// its view of bootloader-mode devices.
type BootloaderListener interface {
	StateUpdated()
}

// bootloaderMonitor periodically lists bootloader-reachable serials and feeds
// them into the registry. Listing is skipped while nobody is subscribed:
// running the bootloader tool indiscriminately can hang it for other users.
type bootloaderMonitor struct {
	registry *Registry
	lister   BootloaderLister
	filter   Selector
	interval time.Duration

	mu        sync.Mutex
	listeners map[BootloaderListener]struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func newBootloaderMonitor(registry *Registry, lister BootloaderLister, filter Selector, interval time.Duration) *bootloaderMonitor {
	if interval <= 0 {
		interval = bootloaderPollInterval
	}
	return &bootloaderMonitor{
		registry:  registry,
		lister:    lister,
		filter:    filter,
		interval:  interval,
		listeners: make(map[BootloaderListener]struct{}),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (m *bootloaderMonitor) addListener(l BootloaderListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[l] = struct{}{}
}

func (m *bootloaderMonitor) removeListener(l BootloaderListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, l)
}

// listenerSnapshot copies the listener set so notification never happens
// under the mutation lock.
func (m *bootloaderMonitor) listenerSnapshot() []BootloaderListener {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]BootloaderListener, 0, len(m.listeners))
	for l := range m.listeners {
		out = append(out, l)
	}
	return out
}

func (m *bootloaderMonitor) start() {
	go m.loop()
}

// stop is idempotent and interrupts a pending sleep so shutdown latency is
// bounded by one poll iteration, not one interval.
func (m *bootloaderMonitor) stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.done
}

func (m *bootloaderMonitor) loop() {
	defer close(m.done)
	for {
		listeners := m.listenerSnapshot()
		if len(listeners) > 0 {
			m.pollOnce(listeners)
		}
		select {
		case <-m.stopCh:
			return
		case <-time.After(m.interval):
		}
	}
}

func (m *bootloaderMonitor) pollOnce(listeners []BootloaderListener) {
	ctx, cancel := context.WithTimeout(context.Background(), bootloaderListTimeout)
	serials, err := m.lister.ListDevices(ctx)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("bootloader device listing failed")
		return
	}
	m.registerNew(serials)

	set := make(map[string]struct{}, len(serials))
	for _, s := range serials {
		set[s] = struct{}{}
	}
	m.registry.UpdateBootloaderStates(set)

	for _, l := range listeners {
		l.StateUpdated()
	}
}

// registerNew force-publishes bootloader devices that have never been seen.
// Property-based selectors cannot match a device stuck in the bootloader, so
// only the filter's serial-level opinion applies here.
func (m *bootloaderMonitor) registerNew(serials []string) {
	for _, serial := range serials {
		if m.registry.Find(serial) != nil {
			continue
		}
		desc := DeviceDescriptor{
			Serial:       serial,
			Kind:         KindBootloader,
			Connectivity: ConnBootloader,
		}
		if m.filter != nil && !m.filter.Matches(desc) {
			continue
		}
		rec, err := m.registry.FindOrCreate(desc)
		if err != nil {
			log.Warn().Err(err).Str("serial", serial).Msg("register bootloader device failed")
			continue
		}
		m.registry.HandleEvent(rec, EventForceAvailable)
		log.Info().Str("serial", serial).Msg("detected bootloader-mode device")
	}
}
