package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

type Database struct {
	db *sql.DB
}

// NewDatabase creates and initializes the run journal database
func NewDatabase(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	database := &Database{db: db}
	if err := database.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return database, nil
}

func (d *Database) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		device_path TEXT NOT NULL,
		bucket TEXT NOT NULL,
		object_key TEXT UNIQUE NOT NULL,
		state TEXT NOT NULL,
		digest_before TEXT,
		digest_after TEXT,
		bytes_uploaded INTEGER NOT NULL DEFAULT 0,
		warning TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS _busy (
		name TEXT PRIMARY KEY
	);

	CREATE INDEX IF NOT EXISTS idx_runs_object_key ON runs(object_key);
	CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state);
	`

	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// TryLock attempts to acquire a named lock, returns true if successful.
// Used to keep two invocations from imaging the same device at once.
func (d *Database) TryLock(ctx context.Context, name string) (bool, error) {
	result, err := d.db.ExecContext(ctx,
		`INSERT INTO _busy(name) VALUES (?) ON CONFLICT(name) DO NOTHING`, name)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check lock result: %w", err)
	}

	return rowsAffected > 0, nil
}

// ReleaseLock releases a named lock
func (d *Database) ReleaseLock(ctx context.Context, name string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM _busy WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// CreateRun journals a new duplication run in state "new"
func (d *Database) CreateRun(ctx context.Context, devicePath, bucket, objectKey string) (*RunRecord, error) {
	run := &RunRecord{
		ID:         ulid.Make().String(),
		DevicePath: devicePath,
		Bucket:     bucket,
		ObjectKey:  objectKey,
		State:      StateNew,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}

	_, err := d.db.ExecContext(ctx,
		`INSERT INTO runs (id, device_path, bucket, object_key, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.DevicePath, run.Bucket, run.ObjectKey, run.State, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create run record: %w", err)
	}

	return run, nil
}

// UpdateRunState updates the state of a run
func (d *Database) UpdateRunState(ctx context.Context, id, state string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		state, id)
	if err != nil {
		return fmt.Errorf("failed to update run state: %w", err)
	}
	return nil
}

// RecordDigestBefore stores the pre-transfer device digest
func (d *Database) RecordDigestBefore(ctx context.Context, id, digest string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE runs SET digest_before = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		digest, id)
	if err != nil {
		return fmt.Errorf("failed to record digest: %w", err)
	}
	return nil
}

// RecordDigestAfter stores the post-transfer device digest
func (d *Database) RecordDigestAfter(ctx context.Context, id, digest string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE runs SET digest_after = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		digest, id)
	if err != nil {
		return fmt.Errorf("failed to record digest: %w", err)
	}
	return nil
}

// RecordUpload stores the number of ciphertext bytes written
func (d *Database) RecordUpload(ctx context.Context, id string, bytes int64) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE runs SET bytes_uploaded = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		bytes, id)
	if err != nil {
		return fmt.Errorf("failed to record upload size: %w", err)
	}
	return nil
}

// RecordWarning stores a non-fatal warning on the run
func (d *Database) RecordWarning(ctx context.Context, id, warning string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE runs SET warning = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		warning, id)
	if err != nil {
		return fmt.Errorf("failed to record warning: %w", err)
	}
	return nil
}

// GetRun retrieves a run by object key
func (d *Database) GetRun(ctx context.Context, objectKey string) (*RunRecord, error) {
	var run RunRecord
	var digestBefore, digestAfter, warning sql.NullString
	err := d.db.QueryRowContext(ctx,
		`SELECT id, device_path, bucket, object_key, state, digest_before, digest_after,
			bytes_uploaded, warning, created_at, updated_at
		FROM runs WHERE object_key = ?`, objectKey).
		Scan(&run.ID, &run.DevicePath, &run.Bucket, &run.ObjectKey, &run.State,
			&digestBefore, &digestAfter, &run.BytesUploaded, &warning,
			&run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	run.DigestBefore = digestBefore.String
	run.DigestAfter = digestAfter.String
	run.Warning = warning.String

	return &run, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Logger context injection
type contextKey string

const loggerContextKey contextKey = "logger"

// WithLogger adds logger to context
func WithLogger(ctx context.Context, logger logrus.FieldLogger) context.Context {
	return context.WithValue(ctx, loggerContextKey, logger)
}

// GetLogger retrieves logger from context
func GetLogger(ctx context.Context) logrus.FieldLogger {
	if logger, ok := ctx.Value(loggerContextKey).(logrus.FieldLogger); ok {
		return logger
	}
	return logrus.New()
}
