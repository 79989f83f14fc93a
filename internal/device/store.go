package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store defines the interface for device persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Store interface {
	// GetByID retrieves a device by its unique identifier.
	// Returns ErrNotFound if the device does not exist.
	GetByID(ctx context.Context, id string) (*Device, error)

	// GetByInstallID retrieves a device by its install identity.
	// Returns ErrNotFound if no device holds the install ID.
	GetByInstallID(ctx context.Context, installID string) (*Device, error)

	// List retrieves all devices ordered by name.
	List(ctx context.Context) ([]Device, error)

	// Create inserts a new device.
	// Returns ErrDuplicateInstall if the install ID is already taken.
	Create(ctx context.Context, device *Device) error

	// Update writes the identity and configuration columns only; the
	// liveness, secret and queue columns each have a dedicated writer.
	// Returns ErrNotFound if the device does not exist.
	Update(ctx context.Context, device *Device) error

	// UpdateSecretHash replaces only the stored secret hash.
	UpdateSecretHash(ctx context.Context, id, secretHash string) error

	// SetStatus updates the liveness status and, when going online,
	// the last-seen timestamp.
	SetStatus(ctx context.Context, id string, status Status, seenAt time.Time) error

	// SetReload sets or clears the pending-reload flag.
	SetReload(ctx context.Context, id string, reload bool) error

	// Delete removes a device by ID.
	// Returns ErrNotFound if the device does not exist.
	Delete(ctx context.Context, id string) error

	// AppendCommands appends commands to the device's offline queue,
	// preserving insertion order, in a single transaction.
	AppendCommands(ctx context.Context, id string, commands ...Command) error

	// DrainCommands atomically removes and returns all queued commands.
	// Concurrent drains never yield the same command twice.
	DrainCommands(ctx context.Context, id string) ([]Command, error)

	// RecordHeartbeat applies a device check-in in one transaction:
	// marks the device online, stores the reported state, captures and
	// clears the pending-reload flag, and drains the command queue.
	RecordHeartbeat(ctx context.Context, id string, state map[string]any, seenAt time.Time) (*HeartbeatResult, error)

	// MarkStale flips devices to offline whose last contact predates
	// the cutoff, returning the affected IDs.
	MarkStale(ctx context.Context, cutoff time.Time) ([]string, error)
}

// HeartbeatResult is what a check-in hands back to the device: whether a
// reload was pending before the heartbeat cleared it, and the drained queue.
type HeartbeatResult struct {
	Reload   bool
	Commands []Command
}

// SQLiteStore implements Store using SQLite.
//
// The command-queue operations rely on the database handle being limited to
// a single writer connection, which serialises their read-modify-write
// transactions.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store.
// The db parameter should be an open SQLite connection.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const deviceColumns = `id, name, location, install_id, hardware_id, secret_hash,
	status, reload, profile_id, settings_override, current_state,
	command_queue, created_at, last_seen_at`

// GetByID retrieves a device by its unique identifier.
func (s *SQLiteStore) GetByID(ctx context.Context, id string) (*Device, error) {
	query := "SELECT " + deviceColumns + " FROM devices WHERE id = ?"

	device, err := scanDevice(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return device, nil
}

// GetByInstallID retrieves a device by its install identity.
func (s *SQLiteStore) GetByInstallID(ctx context.Context, installID string) (*Device, error) {
	query := "SELECT " + deviceColumns + " FROM devices WHERE install_id = ?"

	device, err := scanDevice(s.db.QueryRowContext(ctx, query, installID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying device by install id: %w", err)
	}
	return device, nil
}

// List retrieves all devices ordered by name.
func (s *SQLiteStore) List(ctx context.Context) ([]Device, error) {
	query := "SELECT " + deviceColumns + " FROM devices ORDER BY name, id"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}

	return devices, nil
}

// Create inserts a new device.
func (s *SQLiteStore) Create(ctx context.Context, device *Device) error {
	overrideJSON, stateJSON, queueJSON, err := marshalJSONColumns(device)
	if err != nil {
		return err
	}

	if device.CreatedAt.IsZero() {
		device.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO devices (
			id, name, location, install_id, hardware_id, secret_hash,
			status, reload, profile_id, settings_override, current_state,
			command_queue, created_at, last_seen_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		device.ID,
		device.Name,
		device.Location,
		device.InstallID,
		nullableString(device.HardwareID),
		device.SecretHash,
		string(device.Status),
		boolToInt(device.Reload),
		nullableString(device.ProfileID),
		overrideJSON,
		stateJSON,
		queueJSON,
		device.CreatedAt.Format(time.RFC3339),
		nullableTime(device.LastSeenAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicateInstall
		}
		return fmt.Errorf("inserting device: %w", err)
	}

	return nil
}

// Update writes the identity and configuration columns: name, location,
// install ID, hardware ID, profile ID and settings override.
//
// Liveness, secret and queue columns are deliberately excluded — each has
// its own writer (SetStatus/MarkStale, UpdateSecretHash,
// AppendCommands/DrainCommands/RecordHeartbeat), so an update built from an
// earlier read can never clobber a command enqueued or drained in between.
func (s *SQLiteStore) Update(ctx context.Context, device *Device) error {
	overrideMap := device.SettingsOverride
	if overrideMap == nil {
		overrideMap = map[string]any{}
	}
	overrideJSON, err := json.Marshal(overrideMap)
	if err != nil {
		return fmt.Errorf("marshalling settings override: %w", err)
	}

	query := `
		UPDATE devices SET
			name = ?, location = ?, install_id = ?, hardware_id = ?,
			profile_id = ?, settings_override = ?
		WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query,
		device.Name,
		device.Location,
		device.InstallID,
		nullableString(device.HardwareID),
		nullableString(device.ProfileID),
		string(overrideJSON),
		device.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicateInstall
		}
		return fmt.Errorf("updating device: %w", err)
	}

	return requireRowAffected(result)
}

// UpdateSecretHash replaces only the stored secret hash.
func (s *SQLiteStore) UpdateSecretHash(ctx context.Context, id, secretHash string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE devices SET secret_hash = ? WHERE id = ?", secretHash, id)
	if err != nil {
		return fmt.Errorf("updating secret hash: %w", err)
	}
	return requireRowAffected(result)
}

// SetStatus updates the liveness status. Going online also advances the
// last-seen timestamp; going offline leaves it untouched as the record of
// last contact.
func (s *SQLiteStore) SetStatus(ctx context.Context, id string, status Status, seenAt time.Time) error {
	var result sql.Result
	var err error

	if status == StatusOnline {
		result, err = s.db.ExecContext(ctx,
			"UPDATE devices SET status = ?, last_seen_at = ? WHERE id = ?",
			string(status), seenAt.UTC().Format(time.RFC3339), id)
	} else {
		result, err = s.db.ExecContext(ctx,
			"UPDATE devices SET status = ? WHERE id = ?", string(status), id)
	}
	if err != nil {
		return fmt.Errorf("updating device status: %w", err)
	}
	return requireRowAffected(result)
}

// SetReload sets or clears the pending-reload flag.
func (s *SQLiteStore) SetReload(ctx context.Context, id string, reload bool) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE devices SET reload = ? WHERE id = ?", boolToInt(reload), id)
	if err != nil {
		return fmt.Errorf("updating reload flag: %w", err)
	}
	return requireRowAffected(result)
}

// Delete removes a device by ID.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	return requireRowAffected(result)
}

// AppendCommands appends commands to the device's offline queue.
func (s *SQLiteStore) AppendCommands(ctx context.Context, id string, commands ...Command) error {
	if len(commands) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		queue, err := readQueue(ctx, tx, id)
		if err != nil {
			return err
		}

		queue = append(queue, commands...)
		return writeQueue(ctx, tx, id, queue)
	})
}

// DrainCommands atomically removes and returns all queued commands.
func (s *SQLiteStore) DrainCommands(ctx context.Context, id string) ([]Command, error) {
	var drained []Command

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		queue, err := readQueue(ctx, tx, id)
		if err != nil {
			return err
		}
		if len(queue) == 0 {
			return nil
		}

		drained = queue
		return writeQueue(ctx, tx, id, nil)
	})
	if err != nil {
		return nil, err
	}

	return drained, nil
}

// RecordHeartbeat applies a device check-in in one transaction.
func (s *SQLiteStore) RecordHeartbeat(ctx context.Context, id string, state map[string]any, seenAt time.Time) (*HeartbeatResult, error) {
	result := &HeartbeatResult{}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var reload int
		var queueJSON string
		err := tx.QueryRowContext(ctx,
			"SELECT reload, command_queue FROM devices WHERE id = ?", id).
			Scan(&reload, &queueJSON)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("reading heartbeat state: %w", err)
		}

		result.Reload = reload != 0
		if err := json.Unmarshal([]byte(queueJSON), &result.Commands); err != nil {
			return fmt.Errorf("unmarshalling command queue: %w", err)
		}

		// A heartbeat without a state snapshot keeps the last one.
		if state != nil {
			stateJSON, err := json.Marshal(state)
			if err != nil {
				return fmt.Errorf("marshalling current state: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				"UPDATE devices SET current_state = ? WHERE id = ?",
				string(stateJSON), id); err != nil {
				return fmt.Errorf("recording device state: %w", err)
			}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE devices
			SET status = ?, last_seen_at = ?,
			    reload = 0, command_queue = '[]'
			WHERE id = ?`,
			string(StatusOnline),
			seenAt.UTC().Format(time.RFC3339),
			id,
		)
		if err != nil {
			return fmt.Errorf("recording heartbeat: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// MarkStale flips devices to offline whose last contact predates the cutoff.
func (s *SQLiteStore) MarkStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	var stale []string

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM devices
			WHERE status = ? AND (last_seen_at IS NULL OR last_seen_at < ?)`,
			string(StatusOnline), cutoff.UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("querying stale devices: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("scanning stale device: %w", err)
			}
			stale = append(stale, id)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterating stale devices: %w", err)
		}

		for _, id := range stale {
			if _, err := tx.ExecContext(ctx,
				"UPDATE devices SET status = ? WHERE id = ?",
				string(StatusOffline), id); err != nil {
				return fmt.Errorf("marking device offline: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return stale, nil
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on error.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %w)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// readQueue loads and decodes a device's command queue inside a transaction.
func readQueue(ctx context.Context, tx *sql.Tx, id string) ([]Command, error) {
	var queueJSON string
	err := tx.QueryRowContext(ctx,
		"SELECT command_queue FROM devices WHERE id = ?", id).Scan(&queueJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading command queue: %w", err)
	}

	var queue []Command
	if err := json.Unmarshal([]byte(queueJSON), &queue); err != nil {
		return nil, fmt.Errorf("unmarshalling command queue: %w", err)
	}
	return queue, nil
}

// writeQueue encodes and stores a device's command queue inside a transaction.
func writeQueue(ctx context.Context, tx *sql.Tx, id string, queue []Command) error {
	if queue == nil {
		queue = []Command{}
	}
	queueJSON, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("marshalling command queue: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE devices SET command_queue = ? WHERE id = ?", string(queueJSON), id)
	if err != nil {
		return fmt.Errorf("writing command queue: %w", err)
	}
	return nil
}

// marshalJSONColumns encodes the Device's JSON-typed columns, defaulting
// nil maps and slices to their empty forms.
func marshalJSONColumns(device *Device) (override, state, queue string, err error) {
	overrideMap := device.SettingsOverride
	if overrideMap == nil {
		overrideMap = map[string]any{}
	}
	overrideJSON, err := json.Marshal(overrideMap)
	if err != nil {
		return "", "", "", fmt.Errorf("marshalling settings override: %w", err)
	}

	stateMap := device.CurrentState
	if stateMap == nil {
		stateMap = map[string]any{}
	}
	stateJSON, err := json.Marshal(stateMap)
	if err != nil {
		return "", "", "", fmt.Errorf("marshalling current state: %w", err)
	}

	queueSlice := device.CommandQueue
	if queueSlice == nil {
		queueSlice = []Command{}
	}
	queueJSON, err := json.Marshal(queueSlice)
	if err != nil {
		return "", "", "", fmt.Errorf("marshalling command queue: %w", err)
	}

	return string(overrideJSON), string(stateJSON), string(queueJSON), nil
}

// requireRowAffected converts a zero-row update into ErrNotFound.
func requireRowAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanDevice scans a row or rows result into a Device.
func scanDevice(scanner rowScanner) (*Device, error) {
	var d Device
	var hardwareID, profileID, lastSeenAt sql.NullString
	var overrideJSON, stateJSON, queueJSON string
	var status, createdAt string
	var reload int

	err := scanner.Scan(
		&d.ID,
		&d.Name,
		&d.Location,
		&d.InstallID,
		&hardwareID,
		&d.SecretHash,
		&status,
		&reload,
		&profileID,
		&overrideJSON,
		&stateJSON,
		&queueJSON,
		&createdAt,
		&lastSeenAt,
	)
	if err != nil {
		return nil, err
	}

	d.Status = Status(status)
	d.Reload = reload != 0

	if hardwareID.Valid {
		d.HardwareID = &hardwareID.String
	}
	if profileID.Valid {
		d.ProfileID = &profileID.String
	}

	if lastSeenAt.Valid {
		t, err := time.Parse(time.RFC3339, lastSeenAt.String)
		if err == nil {
			d.LastSeenAt = &t
		}
	}

	d.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	if err := json.Unmarshal([]byte(overrideJSON), &d.SettingsOverride); err != nil {
		return nil, fmt.Errorf("unmarshalling settings override: %w", err)
	}
	if err := json.Unmarshal([]byte(stateJSON), &d.CurrentState); err != nil {
		return nil, fmt.Errorf("unmarshalling current state: %w", err)
	}
	if err := json.Unmarshal([]byte(queueJSON), &d.CommandQueue); err != nil {
		return nil, fmt.Errorf("unmarshalling command queue: %w", err)
	}

	return &d, nil
}

// nullableString returns a sql.NullString for optional string pointers.
func nullableString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// nullableTime returns a sql.NullString for optional time pointers (as RFC3339 strings).
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

// boolToInt converts a bool to an int for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueConstraintError detects SQLite unique constraint violations.
func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
