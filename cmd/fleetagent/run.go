package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	fleetagent "github.com/httprunner/FleetAgent"
	"github.com/httprunner/FleetAgent/internal/config"
	"github.com/httprunner/FleetAgent/pkg/storage"
	"github.com/httprunner/FleetAgent/providers/adb"
	"github.com/httprunner/FleetAgent/providers/fastboot"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	envMaxEmulators     = "FLEET_MAX_EMULATORS"
	envMaxNullDevices   = "FLEET_MAX_NULL_DEVICES"
	envRecoveryInterval = "FLEET_RECOVERY_INTERVAL"
	envWatchInterval    = "FLEET_WATCH_INTERVAL"
	envCheckTimeout     = "FLEET_CHECK_TIMEOUT"
	envSnapshotInterval = "FLEET_SNAPSHOT_INTERVAL"
	envRecordFleet      = "FLEET_RECORD"
)

func newRunCmd() *cobra.Command {
	var (
		maxEmulators   int
		maxNullDevices int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the fleet manager until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFleet(maxEmulators, maxNullDevices)
		},
	}
	cmd.Flags().IntVar(&maxEmulators, "max-emulators", config.Int(envMaxEmulators, 0),
		"number of emulator slots this host may launch")
	cmd.Flags().IntVar(&maxNullDevices, "max-null-devices", config.Int(envMaxNullDevices, 1),
		"number of no-hardware placeholder slots")
	return cmd
}

func runFleet(maxEmulators, maxNullDevices int) error {
	transport, err := adb.NewDefault()
	if err != nil {
		return err
	}

	var recorder fleetagent.FleetRecorder
	var sqlite *storage.SQLiteRecorder
	if config.Bool(envRecordFleet, true) {
		sqlite, err = storage.NewSQLiteRecorder()
		if err != nil {
			return err
		}
		defer sqlite.Close()
		recorder = sqlite
		log.Info().Str("db", sqlite.Path()).Msg("fleet recording enabled")
	}

	mgr := fleetagent.NewManager()
	err = mgr.Init(fleetagent.Config{
		Transport:        transport,
		RecoveryStrategy: fleetagent.NewRebootRecovery(transport),
		BootloaderLister: fastboot.NewLister(),
		Recorder:         recorder,
		MaxEmulators:     maxEmulators,
		MaxNullDevices:   maxNullDevices,
		RecoveryInterval: config.Duration(envRecoveryInterval, 10*time.Minute),
		CheckTimeout:     config.Duration(envCheckTimeout, 30*time.Second),
	})
	if err != nil {
		return err
	}
	defer mgr.Terminate()

	watcher := adb.NewWatcher(transport, mgr.Feed(), config.Duration(envWatchInterval, 2*time.Second))
	watcher.Start()
	defer watcher.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)
	if recorder != nil {
		interval := config.Duration(envSnapshotInterval, time.Minute)
		fleetagent.GroupGoSafe(groupCtx, group, "fleet-snapshot", func(ctx context.Context) error {
			return snapshotLoop(ctx, mgr, interval)
		})
	}

	log.Info().Msg("fleet manager running, press ctrl-c to stop")
	<-ctx.Done()
	if err := group.Wait(); err != nil {
		log.Warn().Err(err).Msg("background worker exited with error")
	}
	return nil
}

func snapshotLoop(ctx context.Context, mgr *fleetagent.Manager, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := mgr.RecordSnapshot(ctx); err != nil {
				log.Warn().Err(err).Msg("fleet snapshot failed")
			}
		}
	}
}
