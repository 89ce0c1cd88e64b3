package fleetagent

import (
	"os"
	"os/exec"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	emulatorStartupGrace   = 500 * time.Millisecond
	emulatorTerminateGrace = 5 * time.Second
	emulatorGoneTimeout    = 20 * time.Second
)

// emulatorProcess tracks an emulator this process launched itself, so it can
// be torn down when the device is freed.
type emulatorProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func startEmulatorProcess(args []string) (*emulatorProcess, error) {
	if len(args) == 0 {
		return nil, NewConfigError("emulator launch requires a command")
	}
	cmd := exec.Command(args[0], args[1:]...)
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "start emulator process")
	}
	proc := &emulatorProcess{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(proc.done)
	}()
	return proc, nil
}

func (p *emulatorProcess) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// terminate asks the process to exit, escalating to a forced kill after the
// grace period. Absence of a graceful path on some platforms degrades to the
// forced kill.
func (p *emulatorProcess) terminate(grace time.Duration) {
	if !p.alive() {
		return
	}
	if err := p.cmd.Process.Signal(os.Interrupt); err == nil {
		select {
		case <-p.done:
			return
		case <-time.After(grace):
		}
	}
	if err := p.cmd.Process.Kill(); err != nil {
		log.Warn().Err(err).Int("pid", p.cmd.Process.Pid).Msg("force kill emulator process failed")
	}
	<-p.done
}

// LaunchEmulator spawns an emulator bound to rec's serial and waits up to
// bootTimeout for it to come online. The record must be an emulator
// placeholder that is not currently running.
func (m *Manager) LaunchEmulator(rec *DeviceRecord, bootTimeout time.Duration, args []string) error {
	if err := m.checkInit(); err != nil {
		return err
	}
	desc := rec.Descriptor()
	if desc.Kind != KindEmulator {
		return NewConfigError("device %s is not an emulator", desc.Serial)
	}
	if desc.Connectivity != ConnNotAvailable {
		return NewConfigError("emulator %s is in state %s, expected %s",
			desc.Serial, desc.Connectivity, ConnNotAvailable)
	}
	if len(args) == 0 {
		return NewConfigError("emulator launch requires a command")
	}

	log.Info().Str("serial", desc.Serial).Strs("args", args).Msg("launching emulator")
	proc, err := startEmulatorProcess(args)
	if err != nil {
		return NewDeviceUnreachable(desc.Serial, err)
	}
	// give the process a moment to fail fast on bad arguments
	time.Sleep(emulatorStartupGrace)
	if !proc.alive() {
		return NewDeviceUnreachable(desc.Serial, errors.New("emulator died after launch"))
	}
	m.registry.setEmulatorProcess(rec, proc)

	if err := m.transport.WaitForResponsive(desc.Serial, bootTimeout); err != nil {
		return NewDeviceUnreachable(desc.Serial, errors.Wrap(err, "emulator did not boot"))
	}
	return nil
}

// KillEmulator tears down a self-launched emulator: graceful terminate with
// a grace period, forced kill, then a bounded wait for the transport to see
// it gone.
func (m *Manager) KillEmulator(rec *DeviceRecord) error {
	if err := m.checkInit(); err != nil {
		return err
	}
	serial := rec.Serial()
	proc := m.registry.emulatorProcess(rec)
	if proc == nil {
		return NewConfigError("emulator %s was not launched by this process", serial)
	}
	proc.terminate(emulatorTerminateGrace)
	m.registry.setEmulatorProcess(rec, nil)

	deadline := time.Now().Add(emulatorGoneTimeout)
	for time.Now().Before(deadline) {
		if m.transport.WaitForResponsive(serial, time.Second) != nil {
			m.registry.SetConnectivity(rec, ConnNotAvailable)
			return nil
		}
		time.Sleep(time.Second)
	}
	return NewDeviceUnreachable(serial, errors.New("emulator still reachable after kill"))
}
