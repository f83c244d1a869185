// Package history records operations and transfer outcomes in SQLite.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/itsdave-de/frappebr/internal/br"
	"github.com/itsdave-de/frappebr/internal/history/migrations"
)

// SQLiteHistory implements br.History.
type SQLiteHistory struct {
	db    *sql.DB
	clock br.Clock
	path  string
}

var _ br.History = (*SQLiteHistory)(nil)

// Open opens the history database at path, or an in-memory one for
// ":memory:", and brings its schema up to date.
func Open(path string, clock br.Clock) (*SQLiteHistory, error) {
	db, err := openConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, err
	}
	if clock == nil {
		clock = br.RealClock{}
	}
	return &SQLiteHistory{db: db, clock: clock, path: path}, nil
}

func openConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and serialises
	// writers from concurrent transfer workers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	return db, nil
}

// Path is the database file, or ":memory:".
func (h *SQLiteHistory) Path() string { return h.path }

func (h *SQLiteHistory) StartOperation(operation, parameters string) (int64, error) {
	res, err := h.db.Exec(
		"INSERT INTO operations (operation, parameters, status, started_at) VALUES (?, ?, 'running', ?)",
		operation, parameters, h.clock.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("recording operation %s: %w", operation, err)
	}
	return res.LastInsertId()
}

func (h *SQLiteHistory) FinishOperation(id int64, status string) error {
	res, err := h.db.Exec(
		"UPDATE operations SET status = ?, finished_at = ? WHERE id = ?",
		status, h.clock.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("finishing operation %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finishing operation %d: no such operation", id)
	}
	return nil
}

// RecordTransfer inserts rec, or replaces the row with the same ID.
func (h *SQLiteHistory) RecordTransfer(rec *br.TransferRecord) error {
	if rec.ID == "" {
		return errors.New("transfer record has no id")
	}
	var opID sql.NullInt64
	if rec.OperationID != 0 {
		opID = sql.NullInt64{Int64: rec.OperationID, Valid: true}
	}
	_, err := h.db.Exec(`
		INSERT OR REPLACE INTO transfers
			(id, operation_id, direction, host, remote_path, local_path, size_bytes,
			 transferred, status, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, opID, rec.Direction, rec.Host, rec.RemotePath, rec.LocalPath, rec.SizeBytes,
		rec.Transferred, rec.Status, rec.Error, rec.StartedAt.UnixMilli(), nullTime(rec.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("recording transfer %s: %w", rec.ID, err)
	}
	return nil
}

// ListOperations returns the newest operations first. limit <= 0 means all.
func (h *SQLiteHistory) ListOperations(limit int) ([]*br.OperationRecord, error) {
	rows, err := h.db.Query(
		"SELECT id, operation, parameters, status, started_at, finished_at FROM operations ORDER BY started_at DESC, id DESC LIMIT ?",
		sqlLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var out []*br.OperationRecord
	for rows.Next() {
		var (
			op       br.OperationRecord
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&op.ID, &op.Operation, &op.Parameters, &op.Status, &started, &finished); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		op.StartedAt = fromMillis(started)
		if finished.Valid {
			op.FinishedAt = fromMillis(finished.Int64)
		}
		out = append(out, &op)
	}
	return out, rows.Err()
}

// ListTransfers returns the newest transfers first. limit <= 0 means all.
func (h *SQLiteHistory) ListTransfers(limit int) ([]*br.TransferRecord, error) {
	rows, err := h.db.Query(`
		SELECT id, operation_id, direction, host, remote_path, local_path, size_bytes,
		       transferred, status, error, started_at, finished_at
		FROM transfers ORDER BY started_at DESC, rowid DESC LIMIT ?`,
		sqlLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("listing transfers: %w", err)
	}
	defer rows.Close()

	var out []*br.TransferRecord
	for rows.Next() {
		var (
			t        br.TransferRecord
			opID     sql.NullInt64
			started  int64
			finished sql.NullInt64
		)
		err := rows.Scan(&t.ID, &opID, &t.Direction, &t.Host, &t.RemotePath, &t.LocalPath,
			&t.SizeBytes, &t.Transferred, &t.Status, &t.Error, &started, &finished)
		if err != nil {
			return nil, fmt.Errorf("scanning transfer: %w", err)
		}
		t.OperationID = opID.Int64
		t.StartedAt = fromMillis(started)
		if finished.Valid {
			t.FinishedAt = fromMillis(finished.Int64)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// BackupTo writes a consistent copy of the database to destPath.
func (h *SQLiteHistory) BackupTo(destPath string) error {
	if _, err := h.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up history database: %w", err)
	}
	return nil
}

func (h *SQLiteHistory) CheckMigrations() error {
	return migrations.CheckStatus(h.db)
}

func (h *SQLiteHistory) Close() error {
	if h.db == nil {
		return nil
	}
	return h.db.Close()
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
