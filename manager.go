package fleetagent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Config carries every dependency the manager needs. There is no global
// configuration singleton: selection filters, monitors and the recovery
// strategy are injected here, once, at Init.
type Config struct {
	// Transport is required: the command capability for fleet devices.
	Transport Transport
	// GlobalFilter rejects devices the deployment never wants to test on.
	// Nil accepts everything.
	GlobalFilter Selector
	// Monitors observe fleet state changes (may be empty).
	Monitors []FleetMonitor
	// RecoveryStrategy is invoked once per recovery interval with a fleet
	// snapshot. Nil disables the recovery daemon.
	RecoveryStrategy RecoveryStrategy
	// BootloaderLister enumerates bootloader-mode devices. Nil or
	// unavailable disables bootloader monitoring.
	BootloaderLister BootloaderLister
	// Recorder persists fleet snapshots and allocation events. Nil means
	// no recording.
	Recorder FleetRecorder

	MaxEmulators           int
	MaxNullDevices         int
	RecoveryInterval       time.Duration
	BootloaderPollInterval time.Duration
	CheckTimeout           time.Duration

	// SynchronousChecks runs responsiveness checks inline instead of on
	// their own goroutines. Exposed to make tests deterministic.
	SynchronousChecks bool
}

// Manager is the control plane of the test lab fleet: it owns the registry,
// runs the discovery and recovery daemons, and hands devices out to test
// invocations.
type Manager struct {
	mu          sync.Mutex
	initialized bool
	terminated  bool

	cfg       Config
	transport Transport
	registry  *Registry
	adapter   *connectivityAdapter
	monitors  *monitorMultiplexer
	bootMon   *bootloaderMonitor
	recoverer *recoveryDaemon
}

// NewManager returns an uninitialized manager; call Init exactly once before
// any other method.
func NewManager() *Manager {
	return &Manager{}
}

// Init wires the fleet control plane and starts its background daemons. A
// second call fails loudly rather than silently reconfiguring a live fleet.
func (m *Manager) Init(cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return NewConfigError("manager already initialized")
	}
	if cfg.Transport == nil {
		return NewConfigError("transport is required")
	}
	if cfg.MaxEmulators < 0 || cfg.MaxNullDevices < 0 {
		return NewConfigError("device limits cannot be negative")
	}
	if cfg.Recorder == nil {
		cfg.Recorder = NoopRecorder{}
	}

	m.cfg = cfg
	m.transport = cfg.Transport
	m.registry = NewRegistry(cfg.Recorder)
	m.monitors = newMonitorMultiplexer()
	m.monitors.addMonitors(cfg.Monitors)
	m.monitors.setLister(m.listDevicesUnlocked)
	m.registry.setStateChangeFunc(m.monitors.notifyStateChange)

	m.adapter = newConnectivityAdapter(m.registry, cfg.Transport, cfg.GlobalFilter, cfg.CheckTimeout)
	m.adapter.synchronous = cfg.SynchronousChecks

	if cfg.BootloaderLister != nil && cfg.BootloaderLister.Available() {
		m.bootMon = newBootloaderMonitor(m.registry, cfg.BootloaderLister, cfg.GlobalFilter, cfg.BootloaderPollInterval)
		m.bootMon.start()
		m.seedBootloaderDevices(cfg.BootloaderLister)
	} else if cfg.BootloaderLister != nil {
		log.Warn().Msg("bootloader tool is not available, bootloader monitoring disabled")
	}

	m.addEmulatorPlaceholders(cfg.MaxEmulators)
	m.addNullDevicePlaceholders(cfg.MaxNullDevices)

	if cfg.RecoveryStrategy != nil {
		m.recoverer = newRecoveryDaemon(m.registry, cfg.RecoveryStrategy, cfg.RecoveryInterval)
		m.recoverer.start()
	}

	m.monitors.run()
	m.initialized = true
	log.Info().
		Int("max_emulators", cfg.MaxEmulators).
		Int("max_null_devices", cfg.MaxNullDevices).
		Msg("fleet manager initialized")
	return nil
}

func (m *Manager) checkInit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return NewConfigError("manager has not been initialized")
	}
	return nil
}

// Feed returns the connectivity notification surface the transport layer
// should deliver device events to.
func (m *Manager) Feed() ConnectivityFeed {
	return m.adapter
}

// Registry exposes the fleet registry for collaborators that need direct
// event access (tests, schedulers).
func (m *Manager) Registry() *Registry {
	return m.registry
}

// seedBootloaderDevices registers devices already sitting in the bootloader
// when the manager comes up.
func (m *Manager) seedBootloaderDevices(lister BootloaderLister) {
	ctx, cancel := context.WithTimeout(context.Background(), bootloaderListTimeout)
	defer cancel()
	serials, err := lister.ListDevices(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("initial bootloader device listing failed")
		return
	}
	for _, serial := range serials {
		desc := DeviceDescriptor{
			Serial:       serial,
			Kind:         KindBootloader,
			Connectivity: ConnBootloader,
		}
		if m.cfg.GlobalFilter != nil && !m.cfg.GlobalFilter.Matches(desc) {
			continue
		}
		m.forceAvailable(desc)
	}
}

// addEmulatorPlaceholders synthesizes records for the emulators this host may
// launch, using the conventional even console ports starting at 5554.
func (m *Manager) addEmulatorPlaceholders(count int) {
	port := 5554
	for i := 0; i < count; i++ {
		m.forceAvailable(DeviceDescriptor{
			Serial:       fmt.Sprintf("%s-%d", emulatorSerialPrefix, port),
			Kind:         KindEmulator,
			Connectivity: ConnNotAvailable,
		})
		port += 2
	}
}

// addNullDevicePlaceholders synthesizes the no-device slots used by test
// configurations that do not need hardware.
func (m *Manager) addNullDevicePlaceholders(count int) {
	for i := 0; i < count; i++ {
		m.forceAvailable(DeviceDescriptor{
			Serial:       fmt.Sprintf("%s-%d", nullDeviceSerialPrefix, i),
			Kind:         KindNull,
			Connectivity: ConnNotAvailable,
		})
	}
}

func (m *Manager) forceAvailable(desc DeviceDescriptor) {
	rec, err := m.registry.FindOrCreate(desc)
	if err != nil {
		log.Error().Err(err).Str("serial", desc.Serial).Msg("could not create placeholder device")
		return
	}
	m.registry.HandleEvent(rec, EventForceAvailable)
}

// AllocateDevice returns an Available device matching selector, transitioned
// to Allocated, or nil immediately when nothing matches. It never blocks;
// callers own their retry and backoff policy.
func (m *Manager) AllocateDevice(selector Selector) (*DeviceRecord, error) {
	if err := m.checkInit(); err != nil {
		return nil, err
	}
	return m.registry.Allocate(selector), nil
}

// AllocateAnyDevice allocates without capability constraints.
func (m *Manager) AllocateAnyDevice() (*DeviceRecord, error) {
	return m.AllocateDevice(AnyDevice)
}

// ForceAllocateDevice allocates by serial, bypassing the selector path.
func (m *Manager) ForceAllocateDevice(serial string) (*DeviceRecord, error) {
	if err := m.checkInit(); err != nil {
		return nil, err
	}
	return m.registry.ForceAllocate(serial), nil
}

// FreeDevice returns an allocated device to the fleet with a coarse outcome.
// Self-launched emulators are killed first; a kill failure downgrades the
// outcome to unavailable.
func (m *Manager) FreeDevice(rec *DeviceRecord, state FreeState) error {
	if err := m.checkInit(); err != nil {
		return err
	}
	if rec == nil {
		return NewConfigError("cannot free nil device record")
	}
	if rec.Descriptor().Kind == KindEmulator && m.registry.emulatorProcess(rec) != nil {
		if err := m.KillEmulator(rec); err != nil {
			log.Error().Err(err).Str("serial", rec.Serial()).Msg("kill emulator during free failed")
			state = FreeUnavailable
		} else {
			state = FreeAvailable
		}
	}
	m.registry.Free(rec, state)
	return nil
}

// ListDevices returns a read-only fleet snapshot sorted by allocation state
// then serial, with best-effort attributes resolved for online devices.
func (m *Manager) ListDevices() ([]DeviceDescriptor, error) {
	if err := m.checkInit(); err != nil {
		return nil, err
	}
	return m.listDevicesUnlocked(), nil
}

func (m *Manager) listDevicesUnlocked() []DeviceDescriptor {
	all := m.registry.List()
	devices := make([]DeviceDescriptor, 0, len(all))
	for _, desc := range all {
		// idle placeholder slots are bookkeeping, not fleet status
		if desc.IsPlaceholder() && desc.State != StateAllocated {
			continue
		}
		devices = append(devices, desc)
	}
	for i := range devices {
		m.resolveAttributes(&devices[i])
	}
	sort.SliceStable(devices, func(i, j int) bool {
		if devices[i].State != devices[j].State {
			return devices[i].State < devices[j].State
		}
		return devices[i].Serial < devices[j].Serial
	})
	return devices
}

// resolveAttributes fills best-effort display attributes. Each attribute is
// independently unknown when the device cannot answer.
func (m *Manager) resolveAttributes(desc *DeviceDescriptor) {
	if desc.Connectivity != ConnOnline {
		desc.Product = displayAttr(desc.Product)
		desc.Variant = displayAttr(desc.Variant)
		desc.BuildID = displayAttr(desc.BuildID)
		desc.Battery = displayAttr(desc.Battery)
		return
	}
	desc.Product = m.propOrUnknown(desc.Serial, "ro.product.board")
	desc.Variant = m.propOrUnknown(desc.Serial, "ro.product.device")
	desc.BuildID = m.propOrUnknown(desc.Serial, "ro.build.id")
	if out, err := m.transport.RunShell(desc.Serial, "dumpsys", "battery"); err == nil {
		desc.Battery = displayAttr(parseBatteryLevel(out))
	} else {
		desc.Battery = AttrUnknown
	}
}

func (m *Manager) propOrUnknown(serial, key string) string {
	value, err := m.transport.GetProperty(serial, key)
	if err != nil {
		return AttrUnknown
	}
	return displayAttr(value)
}

// RecordSnapshot pushes the current fleet listing to the recorder.
func (m *Manager) RecordSnapshot(ctx context.Context) error {
	if err := m.checkInit(); err != nil {
		return err
	}
	devices := m.registry.List()
	snapshots := make([]DeviceSnapshot, 0, len(devices))
	for _, desc := range devices {
		rec := m.registry.Find(desc.Serial)
		if rec == nil {
			continue
		}
		snapshots = append(snapshots, m.registry.snapshotDevice(rec, ""))
	}
	return m.cfg.Recorder.UpsertDevices(ctx, snapshots)
}

// AddMonitor subscribes an additional fleet monitor after init.
func (m *Manager) AddMonitor(mon FleetMonitor) {
	m.monitors.addMonitors([]FleetMonitor{mon})
}

// AddBootloaderListener subscribes to bootloader device refreshes. Polling
// only happens while at least one listener is registered.
func (m *Manager) AddBootloaderListener(l BootloaderListener) error {
	if err := m.checkInit(); err != nil {
		return err
	}
	if m.bootMon == nil {
		return NewConfigError("bootloader monitoring is not enabled")
	}
	m.bootMon.addListener(l)
	return nil
}

// RemoveBootloaderListener drops a bootloader subscription.
func (m *Manager) RemoveBootloaderListener(l BootloaderListener) {
	if m.bootMon != nil {
		m.bootMon.removeListener(l)
	}
}

// Terminate stops every background daemon. It is idempotent and waits for
// in-flight responsiveness checks to land.
func (m *Manager) Terminate() {
	m.mu.Lock()
	if !m.initialized || m.terminated {
		m.mu.Unlock()
		return
	}
	m.terminated = true
	m.mu.Unlock()

	if m.recoverer != nil {
		m.recoverer.stop()
	}
	if m.bootMon != nil {
		m.bootMon.stop()
	}
	m.monitors.stop()
	m.adapter.wait()
	log.Info().Msg("fleet manager terminated")
}
