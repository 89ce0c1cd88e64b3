package fleetagent

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultCheckTimeout = 30 * time.Second

// connectivityAdapter turns raw transport notifications into allocation
// events. Callbacks run on the transport's goroutine, so anything slow (the
// responsiveness probe) is pushed onto its own goroutine to avoid
// head-of-line blocking of further notifications.
type connectivityAdapter struct {
	registry     *Registry
	transport    Transport
	globalFilter Selector
	checkTimeout time.Duration

	// synchronous runs responsiveness checks inline. Test hook, mirrors the
	// manager's synchronous mode.
	synchronous bool
	checks      sync.WaitGroup
}

func newConnectivityAdapter(registry *Registry, transport Transport, filter Selector, checkTimeout time.Duration) *connectivityAdapter {
	if checkTimeout <= 0 {
		checkTimeout = defaultCheckTimeout
	}
	return &connectivityAdapter{
		registry:     registry,
		transport:    transport,
		globalFilter: filter,
		checkTimeout: checkTimeout,
	}
}

// DeviceConnected handles a fresh transport attach. The transport allocates a
// new handle on every reconnect, so the record's handle is refreshed before
// the event is applied.
func (a *connectivityAdapter) DeviceConnected(serial string, handle any, conn ConnectivityState) {
	log.Debug().Str("serial", serial).Str("connectivity", string(conn)).Msg("device connected")
	rec, err := a.registry.FindOrCreate(DeviceDescriptor{
		Serial:       serial,
		Kind:         kindForSerial(serial),
		Connectivity: conn,
		Handle:       handle,
	})
	if err != nil {
		log.Warn().Err(err).Str("serial", serial).Msg("ignoring connect notification")
		return
	}
	a.registry.SetConnectivity(rec, conn)
	if conn != ConnOnline {
		return
	}
	resp := a.registry.HandleEvent(rec, EventConnectedOnline)
	if resp.Changed && resp.State == StateCheckingAvailability {
		a.checkAvailability(rec)
	}
}

// DeviceChanged handles an in-place connectivity state change.
func (a *connectivityAdapter) DeviceChanged(serial string, conn ConnectivityState) {
	rec, err := a.registry.FindOrCreate(DeviceDescriptor{
		Serial:       serial,
		Kind:         kindForSerial(serial),
		Connectivity: conn,
	})
	if err != nil {
		log.Warn().Err(err).Str("serial", serial).Msg("ignoring change notification")
		return
	}
	a.registry.SetConnectivity(rec, conn)
	if conn != ConnOnline {
		return
	}
	resp := a.registry.HandleEvent(rec, EventStateChangeOnline)
	if resp.Changed && resp.State == StateCheckingAvailability {
		a.checkAvailability(rec)
	}
}

// DeviceDisconnected marks a known device unavailable. Unknown serials are
// ignored: there is nothing to transition.
func (a *connectivityAdapter) DeviceDisconnected(serial string) {
	rec := a.registry.Find(serial)
	if rec == nil {
		return
	}
	a.registry.HandleEvent(rec, EventDisconnected)
	a.registry.SetConnectivity(rec, ConnNotAvailable)
	log.Info().Str("serial", serial).Msg("device disconnected")
}

// checkAvailability verifies a freshly-online device answers shell commands
// before it is published as Available. The global filter is consulted first
// so filtered-out devices are parked without a probe.
func (a *connectivityAdapter) checkAvailability(rec *DeviceRecord) {
	if a.globalFilter != nil && !a.globalFilter.Matches(rec.Descriptor()) {
		log.Debug().Str("serial", rec.Serial()).Msg("device does not match global filter, ignoring")
		a.registry.HandleEvent(rec, EventAvailableCheckIgnored)
		return
	}
	run := func() {
		defer a.checks.Done()
		log.Debug().Str("serial", rec.Serial()).Msg("checking new device responsiveness")
		if err := a.transport.WaitForResponsive(rec.Serial(), a.checkTimeout); err != nil {
			resp := a.registry.HandleEvent(rec, EventAvailableCheckFailed)
			if resp.Changed && resp.State == StateUnavailable {
				log.Warn().
					Err(err).
					Str("serial", rec.Serial()).
					Msg("device is unresponsive, will not be available for testing")
			}
			return
		}
		resp := a.registry.HandleEvent(rec, EventAvailableCheckPassed)
		if resp.Changed && resp.State == StateAvailable {
			log.Info().Str("serial", rec.Serial()).Msg("detected new device")
		} else {
			log.Debug().Str("serial", rec.Serial()).Msg("device failed or ignored responsiveness check")
		}
	}
	a.checks.Add(1)
	if a.synchronous {
		run()
		return
	}
	go run()
}

// wait blocks until all in-flight responsiveness checks finish.
func (a *connectivityAdapter) wait() {
	a.checks.Wait()
}

func kindForSerial(serial string) DeviceKind {
	switch {
	case IsNullDeviceSerial(serial):
		return KindNull
	case IsEmulatorSerial(serial):
		return KindEmulator
	default:
		return KindPhysical
	}
}
