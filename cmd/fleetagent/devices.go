package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	fleetagent "github.com/httprunner/FleetAgent"
	"github.com/httprunner/FleetAgent/internal/config"
	"github.com/httprunner/FleetAgent/providers/adb"
	"github.com/httprunner/FleetAgent/providers/fastboot"
	"github.com/spf13/cobra"
)

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "Print a one-shot fleet status table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printDevices()
		},
	}
}

func printDevices() error {
	transport, err := adb.NewDefault()
	if err != nil {
		return err
	}
	mgr := fleetagent.NewManager()
	err = mgr.Init(fleetagent.Config{
		Transport:         transport,
		BootloaderLister:  fastboot.NewLister(),
		CheckTimeout:      config.Duration(envCheckTimeout, 10*time.Second),
		SynchronousChecks: true,
	})
	if err != nil {
		return err
	}
	defer mgr.Terminate()

	// one manual discovery pass; the watcher daemon is not needed for a
	// one-shot listing
	states, err := transport.ListDevicesWithState(context.Background())
	if err != nil {
		return err
	}
	feed := mgr.Feed()
	for serial, raw := range states {
		feed.DeviceConnected(serial, transport, adb.ConnectivityState(raw))
	}

	devices, err := mgr.ListDevices()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 2, 2, ' ', 0)
	fmt.Fprintln(w, "SERIAL\tKIND\tSTATE\tCONNECTIVITY\tPRODUCT\tVARIANT\tBUILD\tBATTERY")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			d.Serial, d.Kind, d.State, d.Connectivity,
			d.Product, d.Variant, d.BuildID, d.Battery)
	}
	return w.Flush()
}
