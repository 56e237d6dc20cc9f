package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Repository defines the persistence interface for device records.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// Create persists a new device record together with its channels.
	// Returns ErrExists if a device with the same id or identifier
	// already exists.
	Create(ctx context.Context, rec *Record) error

	// GetByID retrieves a device by its internal UUID.
	// Returns ErrNotFound if the device does not exist.
	GetByID(ctx context.Context, id string) (*Record, error)

	// GetByIdentifier retrieves a device by its canonical wire identifier.
	// Returns ErrNotFound if the device does not exist.
	GetByIdentifier(ctx context.Context, identifier string) (*Record, error)

	// List retrieves all device records ordered by identifier.
	List(ctx context.Context) ([]*Record, error)

	// Update rewrites a device row and replaces its channel set.
	// Returns ErrNotFound if the device does not exist.
	Update(ctx context.Context, rec *Record) error

	// Delete removes a device and, through the schema's cascade, its channels.
	// Returns ErrNotFound if the device does not exist.
	Delete(ctx context.Context, id string) error

	// UpsertChannel writes a single channel row. This is optimised for the
	// per-reading reconciliation commit so one telegram never rewrites
	// sibling channels.
	UpsertChannel(ctx context.Context, deviceID string, ch Channel) error

	// UpdateSeen records a device contact: last seen time, source address,
	// firmware, diagnostics and the resulting health status.
	UpdateSeen(ctx context.Context, id string, seen SeenUpdate, health HealthStatus) error

	// UpdateHealth sets the health status only. Used by the watchdog when
	// a device falls silent.
	UpdateHealth(ctx context.Context, id string, health HealthStatus) error

	// UpdateRegistration sets the registration state and, when promoting,
	// the promotion timestamp.
	UpdateRegistration(ctx context.Context, id string, state RegistrationState, registeredAt *time.Time) error

	// UpdateSettingsPending flips the one-shot settings delivery flag.
	// Returns ErrNotFound if the device does not exist.
	UpdateSettingsPending(ctx context.Context, id string, pending bool) error
}

// SeenUpdate carries the per-contact fields written on every accepted
// request, independent of reconciliation outcomes.
type SeenUpdate struct {
	SeenAt      time.Time
	Source      string
	Firmware    string
	Model       string
	Diagnostics Diagnostics
}

// Column lists are spelled out so schema changes fail loudly at the
// first query rather than silently shifting scan positions.
const (
	deviceColumns = `id, identifier, name, model, registration_state,
		health_status, source_address, firmware, diagnostics, last_seen,
		registered_at, created_at, updated_at, settings_pending`

	channelColumns = `device_id, idx, kind, baselined, last_raw, rollover_count,
		cumulative_value, calibration_factor, counter_width_bits,
		max_pulses_per_minute, last_reconciled_at`
)

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository backed by the given database.
// The devices and channels tables must already exist (see migrations).
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create persists a new device record and its channels in one transaction.
func (r *SQLiteRepository) Create(ctx context.Context, rec *Record) error {
	if err := ValidateRecord(rec); err != nil {
		return err
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	diagJSON, err := marshalDiagnostics(rec.Diagnostics)
	if err != nil {
		return fmt.Errorf("failed to marshal diagnostics: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	query := `INSERT INTO devices (` + deviceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = tx.ExecContext(ctx, query,
		rec.ID,
		rec.Identifier,
		rec.Name,
		rec.Model,
		string(rec.RegistrationState),
		string(rec.HealthStatus),
		rec.SourceAddress,
		rec.Firmware,
		diagJSON,
		nullableTime(rec.LastSeen),
		nullableTime(rec.RegisteredAt),
		rec.CreatedAt.Format(time.RFC3339),
		rec.UpdatedAt.Format(time.RFC3339),
		boolToInt(rec.SettingsPending),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", ErrExists, rec.Identifier)
		}
		return fmt.Errorf("failed to create device: %w", err)
	}

	for _, ch := range rec.Channels {
		if err := insertChannel(ctx, tx, rec.ID, ch); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit device create: %w", err)
	}
	return nil
}

// GetByID retrieves a device by UUID, channels included.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Record, error) {
	return r.getOne(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)
}

// GetByIdentifier retrieves a device by its canonical identifier.
func (r *SQLiteRepository) GetByIdentifier(ctx context.Context, identifier string) (*Record, error) {
	return r.getOne(ctx, `SELECT `+deviceColumns+` FROM devices WHERE identifier = ?`, identifier)
}

func (r *SQLiteRepository) getOne(ctx context.Context, query, arg string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, query, arg)

	rec, err := scanDeviceRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, arg)
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	if err := r.loadChannels(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// List retrieves all devices ordered by identifier, channels included.
func (r *SQLiteRepository) List(ctx context.Context) ([]*Record, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices ORDER BY identifier`)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only iteration

	byID := make(map[string]*Record)
	var records []*Record
	for rows.Next() {
		rec, err := scanDeviceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device row: %w", err)
		}
		byID[rec.ID] = rec
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate device rows: %w", err)
	}

	// One channels pass stitched onto the parent records, instead of a
	// query per device.
	chRows, err := r.db.QueryContext(ctx,
		`SELECT `+channelColumns+` FROM channels ORDER BY device_id, idx`)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer chRows.Close() //nolint:errcheck // read-only iteration

	for chRows.Next() {
		deviceID, ch, err := scanChannelRow(chRows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan channel row: %w", err)
		}
		if rec, ok := byID[deviceID]; ok {
			rec.Channels = append(rec.Channels, ch)
		}
	}
	if err := chRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate channel rows: %w", err)
	}

	return records, nil
}

// Update rewrites the device row and replaces its channel set in one
// transaction.
func (r *SQLiteRepository) Update(ctx context.Context, rec *Record) error {
	if err := ValidateRecord(rec); err != nil {
		return err
	}

	rec.UpdatedAt = time.Now().UTC()

	diagJSON, err := marshalDiagnostics(rec.Diagnostics)
	if err != nil {
		return fmt.Errorf("failed to marshal diagnostics: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	query := `UPDATE devices SET
		identifier = ?, name = ?, model = ?, registration_state = ?,
		health_status = ?, source_address = ?, firmware = ?, diagnostics = ?,
		last_seen = ?, registered_at = ?, updated_at = ?, settings_pending = ?
		WHERE id = ?`

	result, err := tx.ExecContext(ctx, query,
		rec.Identifier,
		rec.Name,
		rec.Model,
		string(rec.RegistrationState),
		string(rec.HealthStatus),
		rec.SourceAddress,
		rec.Firmware,
		diagJSON,
		nullableTime(rec.LastSeen),
		nullableTime(rec.RegisteredAt),
		rec.UpdatedAt.Format(time.RFC3339),
		boolToInt(rec.SettingsPending),
		rec.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", ErrExists, rec.Identifier)
		}
		return fmt.Errorf("failed to update device: %w", err)
	}
	if err := checkAffected(result, rec.ID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM channels WHERE device_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("failed to clear channels: %w", err)
	}
	for _, ch := range rec.Channels {
		if err := insertChannel(ctx, tx, rec.ID, ch); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit device update: %w", err)
	}
	return nil
}

// Delete removes a device by UUID. Channel rows cascade via the schema's
// foreign key.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	return checkAffected(result, id)
}

// UpsertChannel writes one channel row. Sibling channels and the parent
// device row are untouched, keeping the per-reading commit a single-row
// write under SQLite's one-writer model.
func (r *SQLiteRepository) UpsertChannel(ctx context.Context, deviceID string, ch Channel) error {
	if err := ValidateChannel(ch); err != nil {
		return err
	}

	query := `INSERT INTO channels (` + channelColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id, idx) DO UPDATE SET
			kind = excluded.kind,
			baselined = excluded.baselined,
			last_raw = excluded.last_raw,
			rollover_count = excluded.rollover_count,
			cumulative_value = excluded.cumulative_value,
			calibration_factor = excluded.calibration_factor,
			counter_width_bits = excluded.counter_width_bits,
			max_pulses_per_minute = excluded.max_pulses_per_minute,
			last_reconciled_at = excluded.last_reconciled_at`

	_, err := r.db.ExecContext(ctx, query,
		deviceID,
		ch.Index,
		string(ch.Kind),
		boolToInt(ch.Baselined),
		int64(ch.LastRaw),
		int64(ch.RolloverCount),
		ch.CumulativeValue,
		ch.CalibrationFactor,
		ch.CounterWidthBits,
		ch.MaxPulsesPerMinute,
		nullableTime(ch.LastReconciledAt),
	)
	if err != nil {
		if isForeignKeyError(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, deviceID)
		}
		return fmt.Errorf("failed to upsert channel: %w", err)
	}
	return nil
}

// UpdateSeen records a contact from the device.
func (r *SQLiteRepository) UpdateSeen(ctx context.Context, id string, seen SeenUpdate, health HealthStatus) error {
	if err := ValidateHealthStatus(health); err != nil {
		return err
	}

	diagJSON, err := marshalDiagnostics(seen.Diagnostics)
	if err != nil {
		return fmt.Errorf("failed to marshal diagnostics: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	query := `UPDATE devices SET
		last_seen = ?, source_address = ?, firmware = ?, model = ?,
		diagnostics = ?, health_status = ?, updated_at = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		seen.SeenAt.UTC().Format(time.RFC3339),
		seen.Source,
		seen.Firmware,
		seen.Model,
		diagJSON,
		string(health),
		now,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to update last seen: %w", err)
	}
	return checkAffected(result, id)
}

// UpdateHealth sets the health status only.
func (r *SQLiteRepository) UpdateHealth(ctx context.Context, id string, health HealthStatus) error {
	if err := ValidateHealthStatus(health); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	result, err := r.db.ExecContext(ctx,
		`UPDATE devices SET health_status = ?, updated_at = ? WHERE id = ?`,
		string(health), now, id)
	if err != nil {
		return fmt.Errorf("failed to update health status: %w", err)
	}
	return checkAffected(result, id)
}

// UpdateRegistration sets the registration state.
func (r *SQLiteRepository) UpdateRegistration(ctx context.Context, id string, state RegistrationState, registeredAt *time.Time) error {
	if err := ValidateRegistrationState(state); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	result, err := r.db.ExecContext(ctx,
		`UPDATE devices SET registration_state = ?, registered_at = ?, updated_at = ? WHERE id = ?`,
		string(state), nullableTime(registeredAt), now, id)
	if err != nil {
		return fmt.Errorf("failed to update registration state: %w", err)
	}
	return checkAffected(result, id)
}

// UpdateSettingsPending flips the one-shot settings delivery flag.
func (r *SQLiteRepository) UpdateSettingsPending(ctx context.Context, id string, pending bool) error {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := r.db.ExecContext(ctx,
		`UPDATE devices SET settings_pending = ?, updated_at = ? WHERE id = ?`,
		boolToInt(pending), now, id)
	if err != nil {
		return fmt.Errorf("failed to update settings flag: %w", err)
	}
	return checkAffected(result, id)
}

func (r *SQLiteRepository) loadChannels(ctx context.Context, rec *Record) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE device_id = ? ORDER BY idx`, rec.ID)
	if err != nil {
		return fmt.Errorf("failed to load channels: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only iteration

	for rows.Next() {
		_, ch, err := scanChannelRow(rows)
		if err != nil {
			return fmt.Errorf("failed to scan channel row: %w", err)
		}
		rec.Channels = append(rec.Channels, ch)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate channel rows: %w", err)
	}
	return nil
}

func insertChannel(ctx context.Context, tx *sql.Tx, deviceID string, ch Channel) error {
	query := `INSERT INTO channels (` + channelColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := tx.ExecContext(ctx, query,
		deviceID,
		ch.Index,
		string(ch.Kind),
		boolToInt(ch.Baselined),
		int64(ch.LastRaw),
		int64(ch.RolloverCount),
		ch.CumulativeValue,
		ch.CalibrationFactor,
		ch.CounterWidthBits,
		ch.MaxPulsesPerMinute,
		nullableTime(ch.LastReconciledAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert channel %d: %w", ch.Index, err)
	}
	return nil
}

// rowScanner abstracts sql.Row and sql.Rows for shared scanning logic.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanDeviceRow scans a device row into a Record. Channels are loaded
// separately.
func scanDeviceRow(scanner rowScanner) (*Record, error) {
	var rec Record
	var regState, healthStatus, diagJSON string
	var lastSeen, registeredAt sql.NullString
	var createdAt, updatedAt string
	var settingsPending int64

	err := scanner.Scan(
		&rec.ID,
		&rec.Identifier,
		&rec.Name,
		&rec.Model,
		&regState,
		&healthStatus,
		&rec.SourceAddress,
		&rec.Firmware,
		&diagJSON,
		&lastSeen,
		&registeredAt,
		&createdAt,
		&updatedAt,
		&settingsPending,
	)
	if err != nil {
		return nil, err
	}

	rec.RegistrationState = RegistrationState(regState)
	rec.HealthStatus = HealthStatus(healthStatus)
	rec.SettingsPending = settingsPending != 0

	if diagJSON != "" && diagJSON != "{}" {
		if err := json.Unmarshal([]byte(diagJSON), &rec.Diagnostics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal diagnostics: %w", err)
		}
	}

	if rec.LastSeen, err = parseNullableTime(lastSeen); err != nil {
		return nil, fmt.Errorf("failed to parse last_seen: %w", err)
	}
	if rec.RegisteredAt, err = parseNullableTime(registeredAt); err != nil {
		return nil, fmt.Errorf("failed to parse registered_at: %w", err)
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	return &rec, nil
}

// scanChannelRow scans a channel row, returning the owning device id so
// callers can stitch channels onto their parent records.
func scanChannelRow(scanner rowScanner) (string, Channel, error) {
	var deviceID, kind string
	var baselined, lastRaw, rolloverCount int64
	var lastReconciled sql.NullString
	var ch Channel

	err := scanner.Scan(
		&deviceID,
		&ch.Index,
		&kind,
		&baselined,
		&lastRaw,
		&rolloverCount,
		&ch.CumulativeValue,
		&ch.CalibrationFactor,
		&ch.CounterWidthBits,
		&ch.MaxPulsesPerMinute,
		&lastReconciled,
	)
	if err != nil {
		return "", Channel{}, err
	}

	ch.Kind = ChannelKind(kind)
	ch.Baselined = baselined != 0
	ch.LastRaw = uint64(lastRaw)
	ch.RolloverCount = uint64(rolloverCount)

	if ch.LastReconciledAt, err = parseNullableTime(lastReconciled); err != nil {
		return "", Channel{}, fmt.Errorf("failed to parse last_reconciled_at: %w", err)
	}

	return deviceID, ch, nil
}

func checkAffected(result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func marshalDiagnostics(d Diagnostics) (string, error) {
	if len(d) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// nullableTime converts a time pointer to a value suitable for a nullable
// TEXT column.
func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func parseNullableTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// boolToInt converts a boolean to SQLite's integer representation.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueConstraintError checks if an error is a SQLite unique
// constraint violation.
func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isForeignKeyError checks if an error is a SQLite foreign key violation,
// raised when a channel write references a missing device.
func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
