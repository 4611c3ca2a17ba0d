// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides device/authority/DRC-audit persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		// Ensure parent directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS devices (
			serial TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			nickname TEXT NOT NULL DEFAULT '',
			product_type TEXT NOT NULL DEFAULT '',
			online INTEGER NOT NULL DEFAULT 0,
			last_seen_at DATETIME,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_devices_workspace
			ON devices(workspace_id);

		CREATE TABLE IF NOT EXISTS control_authority (
			serial TEXT NOT NULL,
			user_id TEXT NOT NULL,
			granted_at DATETIME NOT NULL,
			PRIMARY KEY (serial, user_id)
		);

		CREATE TABLE IF NOT EXISTS drc_records (
			id TEXT PRIMARY KEY,
			serial TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			username TEXT NOT NULL DEFAULT '',
			entered_at DATETIME NOT NULL,
			exited_at DATETIME,
			exit_reason TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_drc_records_serial
			ON drc_records(serial, entered_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// UpsertDevice inserts or updates a device row keyed by serial.
func (s *SQLiteStore) UpsertDevice(ctx context.Context, device *Device) error {
	createdAt := device.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (serial, workspace_id, nickname, product_type, online, last_seen_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(serial) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			nickname = excluded.nickname,
			product_type = excluded.product_type,
			online = excluded.online,
			last_seen_at = excluded.last_seen_at`,
		device.Serial, device.WorkspaceID, device.Nickname, device.ProductType,
		boolToInt(device.Online), nullTime(device.LastSeenAt), createdAt,
	)
	if err != nil {
		return fmt.Errorf("upserting device: %w", err)
	}
	return nil
}

// GetDevice retrieves a device by serial number.
func (s *SQLiteStore) GetDevice(ctx context.Context, serial string) (*Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT serial, workspace_id, nickname, product_type, online, last_seen_at, created_at
		FROM devices WHERE serial = ?`, serial)

	device, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting device: %w", err)
	}
	return device, nil
}

// ListDevices returns all devices in a workspace ordered by serial.
func (s *SQLiteStore) ListDevices(ctx context.Context, workspaceID string) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT serial, workspace_id, nickname, product_type, online, last_seen_at, created_at
		FROM devices WHERE workspace_id = ? ORDER BY serial`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, device)
	}
	return devices, rows.Err()
}

// SetDeviceOnline updates a device's online flag and last-seen timestamp.
func (s *SQLiteStore) SetDeviceOnline(ctx context.Context, serial string, online bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET online = ?, last_seen_at = ? WHERE serial = ?`,
		boolToInt(online), at, serial)
	if err != nil {
		return fmt.Errorf("updating device online state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// HasControlAuthority reports whether a user holds control authority for a device.
func (s *SQLiteStore) HasControlAuthority(ctx context.Context, serial, userID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM control_authority WHERE serial = ? AND user_id = ?`,
		serial, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking control authority: %w", err)
	}
	return true, nil
}

// GrantControlAuthority records control authority for a user on a device.
// Granting twice is a no-op.
func (s *SQLiteStore) GrantControlAuthority(ctx context.Context, serial, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO control_authority (serial, user_id, granted_at)
		VALUES (?, ?, ?)
		ON CONFLICT(serial, user_id) DO NOTHING`,
		serial, userID, time.Now())
	if err != nil {
		return fmt.Errorf("granting control authority: %w", err)
	}
	return nil
}

// RevokeControlAuthority removes a user's control authority for a device.
func (s *SQLiteStore) RevokeControlAuthority(ctx context.Context, serial, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM control_authority WHERE serial = ? AND user_id = ?`,
		serial, userID)
	if err != nil {
		return fmt.Errorf("revoking control authority: %w", err)
	}
	return nil
}

// RecordDrcEnter stores a new DRC session audit row.
func (s *SQLiteStore) RecordDrcEnter(ctx context.Context, rec *DrcRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO drc_records (id, serial, workspace_id, user_id, username, entered_at, exit_reason)
		VALUES (?, ?, ?, ?, ?, ?, '')`,
		rec.ID, rec.Serial, rec.WorkspaceID, rec.UserID, rec.Username, rec.EnteredAt)
	if err != nil {
		return fmt.Errorf("recording drc enter: %w", err)
	}
	return nil
}

// RecordDrcExit closes a DRC session audit row.
func (s *SQLiteStore) RecordDrcExit(ctx context.Context, recordID string, exitedAt time.Time, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE drc_records SET exited_at = ?, exit_reason = ? WHERE id = ?`,
		exitedAt, reason, recordID)
	if err != nil {
		return fmt.Errorf("recording drc exit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDrcRecords returns the most recent DRC sessions for a device.
func (s *SQLiteStore) ListDrcRecords(ctx context.Context, serial string, limit int) ([]*DrcRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, serial, workspace_id, user_id, username, entered_at, exited_at, exit_reason
		FROM drc_records WHERE serial = ?
		ORDER BY entered_at DESC LIMIT ?`, serial, limit)
	if err != nil {
		return nil, fmt.Errorf("listing drc records: %w", err)
	}
	defer rows.Close()

	var records []*DrcRecord
	for rows.Next() {
		var rec DrcRecord
		var exitedAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Serial, &rec.WorkspaceID, &rec.UserID,
			&rec.Username, &rec.EnteredAt, &exitedAt, &rec.ExitReason); err != nil {
			return nil, fmt.Errorf("scanning drc record: %w", err)
		}
		if exitedAt.Valid {
			rec.ExitedAt = &exitedAt.Time
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var online int
	var lastSeen sql.NullTime
	if err := row.Scan(&d.Serial, &d.WorkspaceID, &d.Nickname, &d.ProductType,
		&online, &lastSeen, &d.CreatedAt); err != nil {
		return nil, err
	}
	d.Online = online != 0
	if lastSeen.Valid {
		d.LastSeenAt = lastSeen.Time
	}
	return &d, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
