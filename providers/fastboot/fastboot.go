package fastboot

import (
	"context"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// Lister enumerates devices in bootloader mode via the fastboot binary.
type Lister struct {
	binary string
}

// NewLister returns a lister bound to the fastboot binary in PATH.
func NewLister() *Lister {
	return &Lister{binary: "fastboot"}
}

// Available reports whether the fastboot binary can be found.
func (l *Lister) Available() bool {
	_, err := exec.LookPath(l.binary)
	return err == nil
}

// ListDevices runs `fastboot devices` and returns the serials of devices
// currently in fastboot mode.
func (l *Lister) ListDevices(ctx context.Context) ([]string, error) {
	out, err := exec.CommandContext(ctx, l.binary, "devices").CombinedOutput()
	if err != nil {
		return nil, errors.Wrap(err, "fastboot devices failed")
	}
	return parseDevicesOutput(string(out)), nil
}

// parseDevicesOutput extracts serials from `fastboot devices` output, where
// each device line looks like "<serial>\tfastboot".
func parseDevicesOutput(out string) []string {
	var serials []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[1] == "fastboot" {
			serials = append(serials, fields[0])
		}
	}
	return serials
}
