package adb

import (
	"context"
	"os/exec"
	"strings"
	"time"

	fleetagent "github.com/httprunner/FleetAgent"
	"github.com/httprunner/httprunner/v5/pkg/gadb"
	"github.com/pkg/errors"
)

const (
	globalCmdTimeout      = time.Minute
	responsivePollBackoff = time.Second
)

// Transport implements fleetagent.Transport (and fleetagent.Connector) using
// gadb for per-device commands and the adb binary for server-level ones.
type Transport struct {
	client gadb.Client
}

// New creates a Transport backed by the given gadb client.
func New(client gadb.Client) *Transport {
	return &Transport{client: client}
}

// NewDefault creates a Transport using a default gadb client.
func NewDefault() (*Transport, error) {
	client, err := gadb.NewClient()
	if err != nil {
		return nil, errors.Wrap(err, "init adb client for transport")
	}
	return New(client), nil
}

// ListDevices returns all device serials currently known to adb.
func (t *Transport) ListDevices(ctx context.Context) ([]string, error) {
	return t.client.DeviceSerialList()
}

// ListDevicesWithState returns device serials with their raw adb state names.
func (t *Transport) ListDevicesWithState(ctx context.Context) (map[string]string, error) {
	if t == nil {
		return nil, errors.New("adb transport is nil")
	}
	devs, err := t.client.DeviceList()
	if err != nil {
		return nil, errors.Wrap(err, "list adb devices")
	}
	stateBySerial := make(map[string]string, len(devs))
	for _, dev := range devs {
		if dev == nil {
			continue
		}
		serial := strings.TrimSpace(dev.Serial())
		if serial == "" {
			continue
		}
		state, err := dev.State()
		if err != nil {
			stateBySerial[serial] = string(gadb.StateUnknown)
			continue
		}
		stateBySerial[serial] = string(state)
	}
	return stateBySerial, nil
}

// RunShell executes a shell command on the given device serial.
func (t *Transport) RunShell(serial string, args ...string) (string, error) {
	if len(args) == 0 {
		return "", errors.New("adb transport: empty shell command")
	}
	dev, err := t.findDevice(serial)
	if err != nil {
		return "", err
	}
	if dev == nil {
		return "", errors.Errorf("device %s not found", serial)
	}
	return dev.RunShellCommand(args[0], args[1:]...)
}

// GetProperty reads a system property from the device.
func (t *Transport) GetProperty(serial, key string) (string, error) {
	out, err := t.RunShell(serial, "getprop", key)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Reboot restarts the device.
func (t *Transport) Reboot(serial string) error {
	_, err := t.RunShell(serial, "reboot")
	return errors.Wrapf(err, "reboot device %s", serial)
}

// WaitForResponsive polls the device with a shell round-trip until it answers
// or the timeout elapses.
func (t *Transport) WaitForResponsive(serial string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for {
		out, err := t.RunShell(serial, "echo", "ping")
		if err == nil && strings.Contains(out, "ping") {
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = errors.Errorf("unexpected shell output %q", strings.TrimSpace(out))
		}
		if time.Now().After(deadline) {
			return errors.Wrapf(lastErr, "device %s not responsive within %s", serial, timeout)
		}
		time.Sleep(responsivePollBackoff)
	}
}

// Connect establishes an adb session to a network device. gadb talks to the
// adb server per device, so server-level connect goes through the binary.
func (t *Transport) Connect(hostPort string) error {
	out, err := t.globalAdbCommand("connect", hostPort)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(out, "connected to "+hostPort) &&
		!strings.HasPrefix(out, "already connected to "+hostPort) {
		return errors.Errorf("adb connect %s: %s", hostPort, strings.TrimSpace(out))
	}
	return nil
}

// Disconnect tears down an adb session to a network device.
func (t *Transport) Disconnect(hostPort string) error {
	_, err := t.globalAdbCommand("disconnect", hostPort)
	return err
}

// globalAdbCommand runs an adb command not targeted at a particular device,
// e.g. `adb connect`. Assumes adb is in PATH.
func (t *Transport) globalAdbCommand(args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), globalCmdTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "adb", args...).CombinedOutput()
	if err != nil {
		return "", errors.Wrapf(err, "adb %s failed", args[0])
	}
	return string(out), nil
}

func (t *Transport) findDevice(serial string) (*gadb.Device, error) {
	devs, err := t.client.DeviceList()
	if err != nil {
		return nil, errors.Wrap(err, "list adb devices")
	}
	target := strings.TrimSpace(serial)
	for _, d := range devs {
		if d != nil && strings.TrimSpace(d.Serial()) == target {
			return d, nil
		}
	}
	return nil, nil
}

// ConnectivityState maps a raw adb state name onto the fleet's connectivity
// model.
func ConnectivityState(raw string) fleetagent.ConnectivityState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(gadb.StateOnline), "device":
		return fleetagent.ConnOnline
	case string(gadb.StateOffline):
		return fleetagent.ConnOffline
	case "unauthorized":
		return fleetagent.ConnUnauthorized
	case "bootloader", "fastboot":
		return fleetagent.ConnBootloader
	default:
		return fleetagent.ConnNotAvailable
	}
}
