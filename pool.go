package fleetagent

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultRecoveryWait = 10 * time.Minute

// NotExecutedFailure is the synthetic failure reason reported for test units
// that were declared but never ran because their poller aborted.
const NotExecutedFailure = "Test did not run. This is a placeholder result."

// ResultSink receives run lifecycle callbacks from executing test units.
type ResultSink interface {
	RunStarted(name string, testCount int)
	RunFailed(reason string)
	RunEnded(elapsed time.Duration, metrics map[string]string)
}

// TestUnit is one schedulable unit of test work. Run forwards its own
// lifecycle callbacks to sink and returns nil, an ordinary error, or one of
// the device error kinds from errors.go.
type TestUnit interface {
	Run(sink ResultSink) error
}

// NotExecutedReporter is optionally implemented by units that can declare
// their covered work as not executed when a poller aborts early.
type NotExecutedReporter interface {
	ReportNotExecuted(sink ResultSink)
}

// PollerDevice is the endpoint a poller is bound to, reduced to what the
// unreachable-recovery protocol needs.
type PollerDevice interface {
	Serial() string
	WaitUntilAvailable(timeout time.Duration) error
	Reboot() error
}

// UnitPool is a shared collection of pending test units. Poll is the only
// removal path: each unit is dispatched to at most one caller, with no
// ordering guarantee across callers.
type UnitPool struct {
	mu    sync.Mutex
	units []TestUnit
}

// NewUnitPool builds a pool over units. The slice is copied; callers may
// reuse theirs.
func NewUnitPool(units []TestUnit) *UnitPool {
	pool := &UnitPool{units: make([]TestUnit, len(units))}
	copy(pool.units, units)
	return pool
}

// Poll removes and returns one pending unit, or nil when the pool is empty.
func (p *UnitPool) Poll() TestUnit {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.units) == 0 {
		return nil
	}
	unit := p.units[0]
	p.units = p.units[1:]
	return unit
}

// Remaining returns the number of units still pending.
func (p *UnitPool) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.units)
}

// Poller drains a shared unit pool against one bound device. Several pollers
// share one pool and one liveness tracker, one per allocated device shard.
type Poller struct {
	pool    *UnitPool
	tracker *LivenessTracker
	device  PollerDevice

	recoveryWait time.Duration
	// onEarlyTermination is the distinguished diagnostic hook fired exactly
	// once before an unreachable-device abort propagates. Defaults to a log
	// event; injectable for tests.
	onEarlyTermination func(serial string, cause error)

	decrementOnce sync.Once
}

// NewPoller binds a poller to pool and tracker. device may be nil when the
// caller guarantees no unit can raise an unreachable error (e.g. null-device
// shards).
func NewPoller(pool *UnitPool, tracker *LivenessTracker, device PollerDevice) *Poller {
	return &Poller{
		pool:         pool,
		tracker:      tracker,
		device:       device,
		recoveryWait: defaultRecoveryWait,
	}
}

// SetRecoveryWait overrides the bounded wait used when recovering an
// unreachable device.
func (p *Poller) SetRecoveryWait(d time.Duration) {
	if d > 0 {
		p.recoveryWait = d
	}
}

// SetEarlyTerminationHook replaces the abort diagnostic callback.
func (p *Poller) SetEarlyTerminationHook(fn func(serial string, cause error)) {
	p.onEarlyTermination = fn
}

// Run polls units until the pool drains, executing each against the bound
// device and forwarding callbacks to sink. Ordinary and unresponsive-device
// failures are absorbed; an unreachable device triggers the
// recover-or-abort protocol. Whatever the exit path, the liveness tracker is
// decremented exactly once for this poller's lifetime.
func (p *Poller) Run(sink ResultSink) error {
	defer p.decrement()
	for {
		unit := p.pool.Poll()
		if unit == nil {
			return nil
		}
		err := p.runUnit(unit, sink)
		if err == nil {
			continue
		}
		if IsDeviceUnreachable(err) {
			if abortErr := p.handleUnreachable(err, sink); abortErr != nil {
				return abortErr
			}
			continue
		}
		if IsDeviceUnresponsive(err) {
			log.Warn().
				Err(err).
				Str("unit", unitName(unit)).
				Msg("device unresponsive during unit, proceeding to next unit")
			continue
		}
		log.Error().
			Err(err).
			Str("unit", unitName(unit)).
			Msg("unit failed, proceeding to next unit")
	}
}

// runUnit contains per-unit faults: a panicking unit is reported through the
// callback channel as a failed run and the loop continues.
func (p *Poller) runUnit(unit TestUnit, sink ResultSink) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("unit", unitName(unit)).
				Str("stack", string(debug.Stack())).
				Msg("unit panicked")
			sink.RunFailed(fmt.Sprintf("unit panicked: %v", r))
			err = nil
		}
	}()
	return unit.Run(sink)
}

// handleUnreachable implements the fatal protocol: this worker is out of the
// round regardless of outcome, so the tracker is decremented first. The last
// surviving worker aborts immediately; otherwise the device gets one bounded
// recovery attempt before the abort is escalated.
func (p *Poller) handleUnreachable(cause error, sink ResultSink) error {
	p.decrement()
	if p.tracker.Count() == 0 {
		p.abort(cause, sink)
		return cause
	}
	log.Warn().
		Err(cause).
		Str("serial", p.serial()).
		Dur("recovery_wait", p.recoveryWait).
		Msg("device unreachable, waiting for it to come back")
	if p.device == nil {
		p.abort(cause, sink)
		return cause
	}
	if err := p.device.WaitUntilAvailable(p.recoveryWait); err != nil {
		log.Error().Err(err).Str("serial", p.serial()).Msg("device recovery wait failed")
		p.abort(cause, sink)
		return cause
	}
	if err := p.device.Reboot(); err != nil {
		log.Error().Err(err).Str("serial", p.serial()).Msg("device reboot after recovery failed")
		p.abort(cause, sink)
		return cause
	}
	log.Info().Str("serial", p.serial()).Msg("poller recovered after device became unavailable")
	return nil
}

// abort reports every remaining capable unit as not executed, then fires the
// early-termination diagnostic exactly once.
func (p *Poller) abort(cause error, sink ResultSink) {
	for {
		unit := p.pool.Poll()
		if unit == nil {
			break
		}
		if reporter, ok := unit.(NotExecutedReporter); ok {
			reporter.ReportNotExecuted(sink)
		}
	}
	serial := p.serial()
	if p.onEarlyTermination != nil {
		p.onEarlyTermination(serial, cause)
		return
	}
	log.Error().
		Err(cause).
		Str("serial", serial).
		Str("event", "shard_poller_early_termination").
		Msg("poller terminating early, no recovery possible")
}

func (p *Poller) decrement() {
	p.decrementOnce.Do(func() {
		remaining, _ := p.tracker.Decrement()
		log.Debug().
			Str("serial", p.serial()).
			Int64("live_pollers", remaining).
			Msg("poller retired from round")
	})
}

func (p *Poller) serial() string {
	if p.device == nil {
		return ""
	}
	return p.device.Serial()
}

func unitName(unit TestUnit) string {
	type named interface{ Name() string }
	if n, ok := unit.(named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", unit)
}
