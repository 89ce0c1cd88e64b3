package fleetagent

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultRecoveryInterval = 10 * time.Minute

// RebootRecovery is the stock recovery strategy: it reboots physical devices
// that are visible to the transport but stuck Unavailable, hoping they come
// back online and pass the next availability check.
type RebootRecovery struct {
	transport Transport
}

// NewRebootRecovery returns a reboot-on-unavailable strategy bound to the
// given transport.
func NewRebootRecovery(transport Transport) *RebootRecovery {
	return &RebootRecovery{transport: transport}
}

// RecoverDevices reboots every unavailable physical device in the snapshot.
// Placeholders and devices the transport cannot reach are skipped.
func (r *RebootRecovery) RecoverDevices(devices []DeviceDescriptor) {
	for _, desc := range devices {
		if desc.Kind != KindPhysical || desc.State != StateUnavailable {
			continue
		}
		if desc.Connectivity == ConnNotAvailable {
			continue
		}
		log.Info().Str("serial", desc.Serial).Msg("rebooting unavailable device")
		if err := r.transport.Reboot(desc.Serial); err != nil {
			log.Warn().Err(err).Str("serial", desc.Serial).Msg("recovery reboot failed")
		}
	}
}

// recoveryDaemon invokes the pluggable recovery strategy at a steady cadence
// regardless of allocation traffic. It never interprets outcomes; a failing
// tick is logged and the next tick proceeds on schedule.
type recoveryDaemon struct {
	registry *Registry
	strategy RecoveryStrategy
	interval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func newRecoveryDaemon(registry *Registry, strategy RecoveryStrategy, interval time.Duration) *recoveryDaemon {
	if interval <= 0 {
		interval = defaultRecoveryInterval
	}
	return &recoveryDaemon{
		registry: registry,
		strategy: strategy,
		interval: interval,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (d *recoveryDaemon) start() {
	go d.loop()
}

// stop is idempotent; it flags the loop to exit and interrupts the pending
// sleep so shutdown does not wait out a full interval.
func (d *recoveryDaemon) stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	<-d.done
}

func (d *recoveryDaemon) loop() {
	defer close(d.done)
	for {
		select {
		case <-d.stopCh:
			return
		case <-time.After(d.interval):
		}
		d.tick()
	}
}

// tick snapshots the fleet and hands it to the strategy. Strategy panics are
// contained here: one bad tick must not kill the daemon.
func (d *recoveryDaemon) tick() {
	if d.strategy == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("recovery strategy panicked, skipping tick")
		}
	}()
	devices := d.registry.List()
	log.Debug().Int("devices", len(devices)).Msg("running device recovery tick")
	d.strategy.RecoverDevices(devices)
}
