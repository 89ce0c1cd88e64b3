package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	fleetagent "github.com/httprunner/FleetAgent"
	"github.com/httprunner/FleetAgent/internal/config"
	pkgerrors "github.com/pkg/errors"

	_ "modernc.org/sqlite"
)

const (
	envFleetDBPath     = "FLEET_DB_PATH"
	envFleetDeviceTab  = "FLEET_DEVICE_TABLE"
	envFleetEventTab   = "FLEET_EVENT_TABLE"
	defaultDBDirName   = ".fleetagent"
	defaultDBFileName  = "fleet.db"
	defaultDeviceTable = "fleet_devices"
	defaultEventTable  = "fleet_events"
)

// SQLiteRecorder persists fleet snapshots and allocation events to a local
// SQLite database. It satisfies fleetagent.FleetRecorder.
type SQLiteRecorder struct {
	db          *sql.DB
	path        string
	hostID      string
	deviceTable string
	eventTable  string
}

// NewSQLiteRecorder opens (and if necessary creates) the fleet database at
// the resolved path and prepares its schema.
func NewSQLiteRecorder() (*SQLiteRecorder, error) {
	dbPath, err := resolveDatabasePath()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: open fleet database failed")
	}
	rec := &SQLiteRecorder{
		db:          db,
		path:        dbPath,
		deviceTable: config.String(envFleetDeviceTab, defaultDeviceTable),
		eventTable:  config.String(envFleetEventTab, defaultEventTable),
	}
	if hostID, err := fleetagent.HostUUID(); err == nil {
		rec.hostID = hostID
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := rec.prepareSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return rec, nil
}

// Path returns the database file backing this recorder.
func (r *SQLiteRecorder) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

// UpsertDevices writes the given snapshots, keyed by serial.
func (r *SQLiteRecorder) UpsertDevices(ctx context.Context, devices []fleetagent.DeviceSnapshot) error {
	if r == nil || len(devices) == 0 {
		return nil
	}
	stmt := fmt.Sprintf(`INSERT INTO %s
		(serial, host_id, kind, state, connectivity, product, variant, build_id, battery, last_error, seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(serial) DO UPDATE SET
			host_id=excluded.host_id,
			kind=excluded.kind,
			state=excluded.state,
			connectivity=excluded.connectivity,
			product=excluded.product,
			variant=excluded.variant,
			build_id=excluded.build_id,
			battery=excluded.battery,
			last_error=excluded.last_error,
			seen_at=excluded.seen_at`, quoteIdent(r.deviceTable))
	for _, dev := range devices {
		seenAt := dev.SeenAt
		if seenAt.IsZero() {
			seenAt = time.Now()
		}
		err := execWithRetry(ctx, r.db, stmt,
			dev.Serial,
			r.hostID,
			dev.Kind,
			dev.State,
			dev.Connectivity,
			dev.Product,
			dev.Variant,
			dev.BuildID,
			dev.Battery,
			dev.LastError,
			seenAt.UnixMilli(),
		)
		if err != nil {
			return pkgerrors.Wrapf(err, "storage: upsert device %s failed", dev.Serial)
		}
	}
	return nil
}

// RecordEvent appends one allocation event row.
func (r *SQLiteRecorder) RecordEvent(ctx context.Context, rec fleetagent.AllocationRecord) error {
	if r == nil {
		return nil
	}
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	stmt := fmt.Sprintf(`INSERT INTO %s
		(id, host_id, serial, event, old_state, new_state, changed, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, quoteIdent(r.eventTable))
	err := execWithRetry(ctx, r.db, stmt,
		uuid.NewString(),
		r.hostID,
		rec.Serial,
		rec.Event,
		rec.OldState,
		rec.NewState,
		rec.Changed,
		at.UnixMilli(),
	)
	return pkgerrors.Wrapf(err, "storage: record event %s for %s failed", rec.Event, rec.Serial)
}

// Close releases the database handle.
func (r *SQLiteRecorder) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *SQLiteRecorder) prepareSchema() error {
	createDevices := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			serial TEXT PRIMARY KEY,
			host_id TEXT,
			kind TEXT NOT NULL,
			state TEXT NOT NULL,
			connectivity TEXT NOT NULL,
			product TEXT,
			variant TEXT,
			build_id TEXT,
			battery TEXT,
			last_error TEXT,
			seen_at INTEGER NOT NULL
		)`, quoteIdent(r.deviceTable))
	createEvents := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			host_id TEXT,
			serial TEXT NOT NULL,
			event TEXT NOT NULL,
			old_state TEXT NOT NULL,
			new_state TEXT NOT NULL,
			changed INTEGER NOT NULL,
			at INTEGER NOT NULL
		)`, quoteIdent(r.eventTable))
	createEventIndex := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (serial, at)`,
		quoteIdent(r.eventTable+"_serial_at"), quoteIdent(r.eventTable))
	for _, stmt := range []string{createDevices, createEvents, createEventIndex} {
		if _, err := r.db.Exec(stmt); err != nil {
			return pkgerrors.Wrap(err, "storage: prepare fleet schema failed")
		}
	}
	return nil
}

func resolveDatabasePath() (string, error) {
	if custom := strings.TrimSpace(config.String(envFleetDBPath, "")); custom != "" {
		if err := ensureDirExists(filepath.Dir(custom)); err != nil {
			return "", err
		}
		return custom, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", pkgerrors.Wrap(err, "storage: locate user home failed")
	}
	dir := filepath.Join(home, defaultDBDirName)
	if err := ensureDirExists(dir); err != nil {
		return "", err
	}
	return filepath.Join(dir, defaultDBFileName), nil
}

func ensureDirExists(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return pkgerrors.Wrapf(err, "storage: create dir %s failed", path)
	}
	return nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=60000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return pkgerrors.Wrapf(err, "storage: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func execWithRetry(ctx context.Context, db *sql.DB, stmt string, args ...any) error {
	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		_, err := db.ExecContext(ctx, stmt, args...)
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == maxAttempts-1 {
			return err
		}
		backoff := time.Duration(attempt+1) * 200 * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
