package main

import (
	"os"

	"github.com/httprunner/FleetAgent/internal"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "fleetagent",
	Short: "Test lab fleet control plane",
	Long: `fleetagent manages a host's pool of test devices: it discovers adb and
fastboot devices, tracks their allocation state, recovers unavailable ones,
and records fleet history to a local sqlite database.`,
}

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.AddCommand(
		newRunCmd(),
		newDevicesCmd(),
	)
	_ = internal.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("fleetagent command failed")
	}
}
