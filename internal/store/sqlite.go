// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides device/operator persistence with automatic schema creation

package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// setupCodeLength is the length of generated device setup codes.
const setupCodeLength = 8

// setupCodeAlphabet excludes characters easily confused when read off a
// vending machine screen (0/O, 1/I/L).
const setupCodeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// setupCodeAttempts bounds retries when a generated code collides.
const setupCodeAttempts = 5

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

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
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
		CREATE TABLE IF NOT EXISTS operators (
			id           TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			created_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS devices (
			owner_id      TEXT NOT NULL REFERENCES operators(id),
			device_id     TEXT NOT NULL,
			session_token TEXT NOT NULL UNIQUE,
			display_name  TEXT NOT NULL,
			inventory     TEXT NOT NULL DEFAULT '[]',
			null_commands TEXT NOT NULL DEFAULT '[]',
			bool_commands TEXT NOT NULL DEFAULT '[]',
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,

			PRIMARY KEY (owner_id, device_id)
		);

		CREATE INDEX IF NOT EXISTS idx_devices_session_token
			ON devices(session_token);

		CREATE TABLE IF NOT EXISTS unclaimed_devices (
			id            TEXT PRIMARY KEY,
			session_token TEXT NOT NULL UNIQUE,
			setup_code    TEXT NOT NULL UNIQUE,
			created_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_unclaimed_setup_code
			ON unclaimed_devices(setup_code);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DeviceBySessionToken resolves a claimed device by its credential.
func (s *SQLiteStore) DeviceBySessionToken(ctx context.Context, token string) (*Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT owner_id, device_id, session_token, display_name,
		       inventory, null_commands, bool_commands, created_at, updated_at
		FROM devices
		WHERE session_token = ?
	`, token)
	return scanDevice(row)
}

// GetDevice retrieves a claimed device by owner and device ID.
func (s *SQLiteStore) GetDevice(ctx context.Context, owner, deviceID string) (*Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT owner_id, device_id, session_token, display_name,
		       inventory, null_commands, bool_commands, created_at, updated_at
		FROM devices
		WHERE owner_id = ? AND device_id = ?
	`, owner, deviceID)
	return scanDevice(row)
}

// UnclaimedBySessionToken resolves an unclaimed device by its credential.
func (s *SQLiteStore) UnclaimedBySessionToken(ctx context.Context, token string) (*UnclaimedDevice, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_token, setup_code, created_at
		FROM unclaimed_devices
		WHERE session_token = ?
	`, token)

	var (
		ud           UnclaimedDevice
		createdAtStr string
	)
	err := row.Scan(&ud.ID, &ud.SessionToken, &ud.SetupCode, &createdAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying unclaimed device: %w", err)
	}

	ud.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &ud, nil
}

// CreateUnclaimedDevice registers a never-seen session token with a fresh
// ID and setup code. Code collisions are retried with a new code.
func (s *SQLiteStore) CreateUnclaimedDevice(ctx context.Context, token string) (*UnclaimedDevice, error) {
	now := time.Now().UTC()

	for attempt := 0; attempt < setupCodeAttempts; attempt++ {
		code, err := generateSetupCode()
		if err != nil {
			return nil, fmt.Errorf("generating setup code: %w", err)
		}

		ud := &UnclaimedDevice{
			ID:           uuid.New().String(),
			SessionToken: token,
			SetupCode:    code,
			CreatedAt:    now,
		}

		_, err = s.db.ExecContext(ctx, `
			INSERT INTO unclaimed_devices (id, session_token, setup_code, created_at)
			VALUES (?, ?, ?, ?)
		`, ud.ID, ud.SessionToken, ud.SetupCode, now.Format(time.RFC3339))

		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "setup_code") {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("inserting unclaimed device: %w", err)
		}

		s.logger.Info("registered unclaimed device", "unclaimed_id", ud.ID)
		return ud, nil
	}

	return nil, ErrSetupCodeExhausted
}

// ClaimDevice promotes an unclaimed device to a claimed one in a single
// transaction, consuming its setup code. The session token carries over
// so the live connection can be relinked without a redial.
func (s *SQLiteStore) ClaimDevice(ctx context.Context, setupCode, owner, displayName string) (*Device, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	var token string
	err = tx.QueryRowContext(ctx, `
		SELECT session_token FROM unclaimed_devices WHERE setup_code = ?
	`, setupCode).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up setup code: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM unclaimed_devices WHERE setup_code = ?
	`, setupCode); err != nil {
		return nil, fmt.Errorf("consuming setup code: %w", err)
	}

	now := time.Now().UTC()
	dev := &Device{
		SessionToken: token,
		Owner:        owner,
		DeviceID:     uuid.New().String(),
		DisplayName:  displayName,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO devices (owner_id, device_id, session_token, display_name,
			inventory, null_commands, bool_commands, created_at, updated_at)
		VALUES (?, ?, ?, ?, '[]', '[]', '[]', ?, ?)
	`, dev.Owner, dev.DeviceID, dev.SessionToken, dev.DisplayName,
		now.Format(time.RFC3339), now.Format(time.RFC3339)); err != nil {
		return nil, fmt.Errorf("inserting claimed device: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	s.logger.Info("device claimed",
		"owner", owner,
		"device_id", dev.DeviceID,
	)
	return dev, nil
}

// UpdateDevice applies the non-nil fields of req to a claimed device.
func (s *SQLiteStore) UpdateDevice(ctx context.Context, owner, deviceID string, req UpdateDeviceRequest) (*Device, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().Format(time.RFC3339)}

	if req.DisplayName != nil {
		sets = append(sets, "display_name = ?")
		args = append(args, *req.DisplayName)
	}
	if req.Inventory != nil {
		blob, err := json.Marshal(*req.Inventory)
		if err != nil {
			return nil, fmt.Errorf("encoding inventory: %w", err)
		}
		sets = append(sets, "inventory = ?")
		args = append(args, string(blob))
	}

	args = append(args, owner, deviceID)
	res, err := s.db.ExecContext(ctx, `
		UPDATE devices SET `+strings.Join(sets, ", ")+`
		WHERE owner_id = ? AND device_id = ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("updating device: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrNotFound
	}

	return s.GetDevice(ctx, owner, deviceID)
}

// SetDeviceCommands replaces a device's execution command inventory.
func (s *SQLiteStore) SetDeviceCommands(ctx context.Context, owner, deviceID string, nullCommands, boolCommands []string) (*Device, error) {
	nullBlob, err := json.Marshal(emptyIfNil(nullCommands))
	if err != nil {
		return nil, fmt.Errorf("encoding null commands: %w", err)
	}
	boolBlob, err := json.Marshal(emptyIfNil(boolCommands))
	if err != nil {
		return nil, fmt.Errorf("encoding bool commands: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE devices SET null_commands = ?, bool_commands = ?, updated_at = ?
		WHERE owner_id = ? AND device_id = ?
	`, string(nullBlob), string(boolBlob),
		time.Now().UTC().Format(time.RFC3339), owner, deviceID)
	if err != nil {
		return nil, fmt.Errorf("updating device commands: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrNotFound
	}

	return s.GetDevice(ctx, owner, deviceID)
}

// ListDevices returns every claimed device owned by owner, oldest first.
func (s *SQLiteStore) ListDevices(ctx context.Context, owner string) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_id, device_id, session_token, display_name,
		       inventory, null_commands, bool_commands, created_at, updated_at
		FROM devices
		WHERE owner_id = ?
		ORDER BY created_at
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, dev)
	}
	return devices, rows.Err()
}

// GetOperator retrieves an operator by ID.
func (s *SQLiteStore) GetOperator(ctx context.Context, id string) (*Operator, error) {
	var (
		op           Operator
		createdAtStr string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, created_at FROM operators WHERE id = ?
	`, id).Scan(&op.ID, &op.DisplayName, &createdAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying operator: %w", err)
	}

	op.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &op, nil
}

// EnsureOperator creates an operator row if it does not exist.
func (s *SQLiteStore) EnsureOperator(ctx context.Context, id, displayName string) (*Operator, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operators (id, display_name, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, displayName, now.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("ensuring operator: %w", err)
	}
	return s.GetOperator(ctx, id)
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var (
		dev          Device
		inventory    string
		nullCmds     string
		boolCmds     string
		createdAtStr string
		updatedAtStr string
	)

	err := row.Scan(
		&dev.Owner,
		&dev.DeviceID,
		&dev.SessionToken,
		&dev.DisplayName,
		&inventory,
		&nullCmds,
		&boolCmds,
		&createdAtStr,
		&updatedAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning device: %w", err)
	}

	if err := json.Unmarshal([]byte(inventory), &dev.Inventory); err != nil {
		return nil, fmt.Errorf("decoding inventory: %w", err)
	}
	if err := json.Unmarshal([]byte(nullCmds), &dev.NullCommands); err != nil {
		return nil, fmt.Errorf("decoding null commands: %w", err)
	}
	if err := json.Unmarshal([]byte(boolCmds), &dev.BoolCommands); err != nil {
		return nil, fmt.Errorf("decoding bool commands: %w", err)
	}

	if dev.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if dev.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &dev, nil
}

// generateSetupCode produces a short human-enterable code from the
// unambiguous alphabet.
func generateSetupCode() (string, error) {
	buf := make([]byte, setupCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = setupCodeAlphabet[int(b)%len(setupCodeAlphabet)]
	}
	return string(buf), nil
}

func emptyIfNil(xs []string) []string {
	if xs == nil {
		return []string{}
	}
	return xs
}

// isUniqueConstraintError checks if an error is a unique constraint violation.
func isUniqueConstraintError(err error) bool {
	// SQLite returns "UNIQUE constraint failed" in the error message
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") || strings.Contains(err.Error(), "unique constraint"))
}
