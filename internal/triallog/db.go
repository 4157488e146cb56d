// Package triallog persists per-trial kinematic records: every frame of
// the capture stream ingested while a trial was active, plus the trigger
// events embedded in the same timeline. Records are appended as data
// arrives, so a crash mid-trial still leaves a partial, inspectable record.
package triallog

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/grasplab/reach.report/internal/monitoring"
	"github.com/grasplab/reach.report/internal/natnet"
	"github.com/grasplab/reach.report/internal/trial"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type DB struct {
	*sql.DB
}

// Open opens (or creates) the trial database at path and applies any
// pending schema migrations.
func Open(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("triallog: failed to open database at %s: %w", path, err)
	}

	// One writer goroutine plus read-only API queries share this handle.
	if _, err := sqldb.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("triallog: failed to set pragmas: %w", err)
	}

	db := &DB{sqldb}
	if err := db.migrateUp(); err != nil {
		sqldb.Close()
		return nil, err
	}
	return db, nil
}

// migrateUp applies the embedded migrations up to the latest version.
func (db *DB) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("triallog: failed to load embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("triallog: failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("triallog: failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	// The migrate instance is not closed: closing it would close the
	// underlying DB connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("triallog: migration failed: %w", err)
	}
	return nil
}

// migrateLogger routes migrate output through the package logger.
type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool { return false }

func (db *DB) insertTrial(t *trial.Trial) error {
	_, err := db.Exec(
		"INSERT INTO trials (trial_id, phase) VALUES (?, ?)",
		t.ID, string(t.Phase),
	)
	if err != nil {
		return fmt.Errorf("triallog: failed to insert trial %s: %w", t.ID, err)
	}
	return nil
}

// insertFrame stores one marker row per marker in a single transaction.
func (db *DB) insertFrame(trialID string, f natnet.Frame) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		"INSERT INTO frames (trial_id, frame_num, ts_ns, marker_id, x, y, z, valid) VALUES (?, ?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range f.Markers {
		if _, err := stmt.Exec(trialID, f.FrameNum, int64(f.Timestamp), m.ID, m.X, m.Y, m.Z, m.Valid); err != nil {
			return fmt.Errorf("triallog: failed to insert frame %d: %w", f.FrameNum, err)
		}
	}
	if _, err := tx.Exec("UPDATE trials SET frame_count = frame_count + 1 WHERE trial_id = ?", trialID); err != nil {
		return err
	}
	return tx.Commit()
}

func (db *DB) insertEvent(trialID string, ev trial.TriggerEvent) error {
	_, err := db.Exec(
		"INSERT INTO events (trial_id, kind, frame_num, ts_ns, detail) VALUES (?, ?, ?, ?, ?)",
		trialID, string(ev.Kind), ev.FrameNum, int64(ev.Timestamp), ev.Detail,
	)
	if err != nil {
		return fmt.Errorf("triallog: failed to insert %s event: %w", ev.Kind, err)
	}
	return nil
}

// finalizeTrial marks the record complete. Idempotent: only a pending
// trial can be finalized, so a second call changes nothing.
func (db *DB) finalizeTrial(trialID string, outcome trial.Outcome, reason trial.Reason) error {
	_, err := db.Exec(
		"UPDATE trials SET outcome = ?, reason = ?, finalized_at = CURRENT_TIMESTAMP WHERE trial_id = ? AND outcome = 'pending'",
		string(outcome), string(reason), trialID,
	)
	if err != nil {
		return fmt.Errorf("triallog: failed to finalize trial %s: %w", trialID, err)
	}
	return nil
}

// TrialRow is one trial's summary as persisted.
type TrialRow struct {
	ID         string `json:"id"`
	Phase      string `json:"phase"`
	Outcome    string `json:"outcome"`
	Reason     string `json:"reason,omitempty"`
	FrameCount int    `json:"frame_count"`
	StartedAt  string `json:"started_at"`
}

// FrameRow is one persisted marker observation.
type FrameRow struct {
	FrameNum  uint32        `json:"frame_num"`
	Timestamp time.Duration `json:"ts_ns"`
	MarkerID  uint16        `json:"marker_id"`
	X         float64       `json:"x"`
	Y         float64       `json:"y"`
	Z         float64       `json:"z"`
	Valid     bool          `json:"valid"`
}

// EventRow is one persisted trigger event.
type EventRow struct {
	Kind      string        `json:"kind"`
	FrameNum  uint32        `json:"frame_num"`
	Timestamp time.Duration `json:"ts_ns"`
	Detail    string        `json:"detail,omitempty"`
}

// Record is a trial's full kinematic timeline, ordered by timestamp.
type Record struct {
	Trial  TrialRow   `json:"trial"`
	Frames []FrameRow `json:"frames"`
	Events []EventRow `json:"events"`
}

// Trials lists persisted trials, most recent first.
func (db *DB) Trials() ([]TrialRow, error) {
	rows, err := db.Query(
		"SELECT trial_id, phase, outcome, reason, frame_count, started_at FROM trials ORDER BY started_at DESC, trial_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trials []TrialRow
	for rows.Next() {
		var t TrialRow
		if err := rows.Scan(&t.ID, &t.Phase, &t.Outcome, &t.Reason, &t.FrameCount, &t.StartedAt); err != nil {
			return nil, err
		}
		trials = append(trials, t)
	}
	return trials, rows.Err()
}

// TrialRecord loads one trial's complete timeline.
func (db *DB) TrialRecord(trialID string) (*Record, error) {
	var rec Record
	err := db.QueryRow(
		"SELECT trial_id, phase, outcome, reason, frame_count, started_at FROM trials WHERE trial_id = ?",
		trialID,
	).Scan(&rec.Trial.ID, &rec.Trial.Phase, &rec.Trial.Outcome, &rec.Trial.Reason, &rec.Trial.FrameCount, &rec.Trial.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("triallog: trial %s: %w", trialID, err)
	}

	frameRows, err := db.Query(
		"SELECT frame_num, ts_ns, marker_id, x, y, z, valid FROM frames WHERE trial_id = ? ORDER BY ts_ns, marker_id",
		trialID,
	)
	if err != nil {
		return nil, err
	}
	defer frameRows.Close()
	for frameRows.Next() {
		var f FrameRow
		var ts int64
		if err := frameRows.Scan(&f.FrameNum, &ts, &f.MarkerID, &f.X, &f.Y, &f.Z, &f.Valid); err != nil {
			return nil, err
		}
		f.Timestamp = time.Duration(ts)
		rec.Frames = append(rec.Frames, f)
	}
	if err := frameRows.Err(); err != nil {
		return nil, err
	}

	eventRows, err := db.Query(
		"SELECT kind, frame_num, ts_ns, detail FROM events WHERE trial_id = ? ORDER BY ts_ns",
		trialID,
	)
	if err != nil {
		return nil, err
	}
	defer eventRows.Close()
	for eventRows.Next() {
		var e EventRow
		var ts int64
		if err := eventRows.Scan(&e.Kind, &e.FrameNum, &ts, &e.Detail); err != nil {
			return nil, err
		}
		e.Timestamp = time.Duration(ts)
		rec.Events = append(rec.Events, e)
	}
	return &rec, eventRows.Err()
}
