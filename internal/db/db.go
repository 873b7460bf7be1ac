package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Volpestyle/career-agent-sub001/internal/events"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("db: not found")
	// ErrConflict is returned when a session is already owned by someone else.
	ErrConflict = errors.New("db: owned by another identity")
)

type DB struct {
	sql *sql.DB
}

func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, err
	}
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, err
	}
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}
	return &DB{sql: conn}, nil
}

func (d *DB) Close() error {
	return d.sql.Close()
}

// Ping reports whether the database is reachable.
func (d *DB) Ping(ctx context.Context) error {
	return d.sql.PingContext(ctx)
}

func (d *DB) Migrate() error {
	_, err := d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create metadata: %w", err)
	}

	_, err = d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS job_searches (
			session_id  TEXT PRIMARY KEY,
			owner_id    TEXT NOT NULL,
			query       TEXT NOT NULL DEFAULT '',
			total_found INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create job_searches: %w", err)
	}

	_, err = d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS job_results (
			session_id  TEXT NOT NULL REFERENCES job_searches(session_id) ON DELETE CASCADE,
			position    INTEGER NOT NULL,
			job_id      TEXT NOT NULL,
			title       TEXT NOT NULL,
			company     TEXT NOT NULL DEFAULT '',
			location    TEXT NOT NULL DEFAULT '',
			salary      TEXT NOT NULL DEFAULT '',
			url         TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			source      TEXT NOT NULL DEFAULT '',
			posted_date TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (session_id, position)
		)
	`)
	if err != nil {
		return fmt.Errorf("create job_results: %w", err)
	}

	// action_logs.session_id is deliberately not a foreign key: logs may
	// arrive before the search that owns them is claimed.
	_, err = d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS action_logs (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			ts         INTEGER NOT NULL,
			action     TEXT NOT NULL,
			log_type   TEXT NOT NULL,
			details    TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create action_logs: %w", err)
	}

	if _, err := d.sql.Exec(`CREATE INDEX IF NOT EXISTS idx_action_logs_session ON action_logs(session_id, ts, seq)`); err != nil {
		return fmt.Errorf("index action_logs: %w", err)
	}

	return nil
}

// ClaimSearch records ownerID as the owner of sessionID. Re-claiming by the
// same owner is a no-op; claiming a session owned by someone else fails.
func (d *DB) ClaimSearch(ctx context.Context, sessionID, ownerID, query string) error {
	now := time.Now().UnixMilli()
	res, err := d.sql.ExecContext(ctx, `
		INSERT INTO job_searches (session_id, owner_id, query, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET updated_at = excluded.updated_at
		WHERE job_searches.owner_id = excluded.owner_id`,
		sessionID, ownerID, query, now, now,
	)
	if err != nil {
		return fmt.Errorf("claim search: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("claim search %s: %w", sessionID, ErrConflict)
	}
	return nil
}

// GetSessionOwner returns the persisted owner of sessionID.
func (d *DB) GetSessionOwner(ctx context.Context, sessionID string) (string, error) {
	var owner string
	err := d.sql.QueryRowContext(ctx,
		"SELECT owner_id FROM job_searches WHERE session_id = ?", sessionID,
	).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return owner, err
}

// SaveJobResults replaces the stored snapshot of sessionID with jobs.
// The search must already be claimed by ownerID.
func (d *DB) SaveJobResults(ctx context.Context, ownerID, sessionID string, jobs []events.JobResult, totalFound int) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE job_searches SET total_found = ?, updated_at = ? WHERE session_id = ? AND owner_id = ?",
		totalFound, time.Now().UnixMilli(), sessionID, ownerID,
	)
	if err != nil {
		return fmt.Errorf("update search: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("save job results for %s: %w", sessionID, ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM job_results WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("clear job results: %w", err)
	}
	for i, j := range jobs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO job_results (
				session_id, position, job_id, title, company, location,
				salary, url, description, source, posted_date
			) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			sessionID, i, j.JobID, j.Title, j.Company, j.Location,
			j.Salary, j.URL, j.Description, j.Source, j.PostedDate,
		); err != nil {
			return fmt.Errorf("insert job result: %w", err)
		}
	}
	return tx.Commit()
}

// GetJobResults returns the stored snapshot for (ownerID, sessionID), or nil
// when that owner has no search recorded for the session.
func (d *DB) GetJobResults(ctx context.Context, ownerID, sessionID string) (*events.JobBatch, error) {
	var total int
	err := d.sql.QueryRowContext(ctx,
		"SELECT total_found FROM job_searches WHERE session_id = ? AND owner_id = ?",
		sessionID, ownerID,
	).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := d.sql.QueryContext(ctx, `
		SELECT job_id, title, company, location, salary, url, description, source, posted_date
		FROM job_results WHERE session_id = ? ORDER BY position`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batch := &events.JobBatch{Jobs: []events.JobResult{}, TotalFound: total}
	for rows.Next() {
		var j events.JobResult
		if err := rows.Scan(&j.JobID, &j.Title, &j.Company, &j.Location, &j.Salary,
			&j.URL, &j.Description, &j.Source, &j.PostedDate); err != nil {
			return nil, err
		}
		batch.Jobs = append(batch.Jobs, j)
	}
	return batch, rows.Err()
}

// InsertActionLog appends l to its session's history and reports whether a
// row was written. Inserting an id that already exists is a no-op, so
// redelivered worker messages are harmless.
func (d *DB) InsertActionLog(ctx context.Context, l events.ActionLog) (bool, error) {
	res, err := d.sql.ExecContext(ctx, `
		INSERT INTO action_logs (id, session_id, ts, action, log_type, details, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		l.ID, l.SessionID, l.Timestamp.UnixMilli(), l.Action, string(l.Type), l.Details, string(l.Status),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetActionLogs returns every log of sessionID, oldest first.
func (d *DB) GetActionLogs(ctx context.Context, sessionID string) ([]events.ActionLog, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT id, session_id, ts, action, log_type, details, status
		FROM action_logs
		WHERE session_id = ?
		ORDER BY ts ASC, seq ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []events.ActionLog{}
	for rows.Next() {
		l, err := scanActionLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, *l)
	}
	return logs, rows.Err()
}

// PruneBefore deletes action logs and searches last touched before cutoff.
// It returns the number of logs and searches removed.
func (d *DB) PruneBefore(ctx context.Context, cutoff time.Time) (logs, searches int64, err error) {
	res, err := d.sql.ExecContext(ctx, "DELETE FROM action_logs WHERE ts < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, 0, fmt.Errorf("prune action_logs: %w", err)
	}
	logs, _ = res.RowsAffected()

	res, err = d.sql.ExecContext(ctx, "DELETE FROM job_searches WHERE updated_at < ?", cutoff.UnixMilli())
	if err != nil {
		return logs, 0, fmt.Errorf("prune job_searches: %w", err)
	}
	searches, _ = res.RowsAffected()
	return logs, searches, nil
}

// rowScanner is implemented by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanActionLog(row rowScanner) (*events.ActionLog, error) {
	var l events.ActionLog
	var ts int64
	var logType, status string
	if err := row.Scan(&l.ID, &l.SessionID, &ts, &l.Action, &logType, &l.Details, &status); err != nil {
		return nil, err
	}
	l.Timestamp = time.UnixMilli(ts).UTC()
	l.Type = events.LogType(logType)
	l.Status = events.LogStatus(status)
	return &l, nil
}

func (d *DB) SetMeta(key, value string) error {
	_, err := d.sql.Exec("INSERT OR REPLACE INTO metadata (key, value) VALUES (?,?)", key, value)
	return err
}

func (d *DB) GetMeta(key string) (string, error) {
	var value string
	err := d.sql.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// MarkPruned records when retention last ran.
func (d *DB) MarkPruned(at time.Time) error {
	return d.SetMeta("last_pruned", strconv.FormatInt(at.UnixMilli(), 10))
}

// LastPruned returns when retention last ran, or the zero time.
func (d *DB) LastPruned() time.Time {
	v, _ := d.GetMeta("last_pruned")
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
