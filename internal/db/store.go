package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/calibworks/ecud/internal/model"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// AppendSafetyEvent persists the event before returning. Callers must treat
// a failure here as fatal to the action the event describes (fail-closed).
func (s *Store) AppendSafetyEvent(ctx context.Context, ev model.SafetyEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO safety_events(event_id, event_type, payload, created_at, delivered, delivery_attempts)
VALUES (?, ?, ?, ?, ?, ?)
`, ev.EventID, string(ev.Type), ev.Payload, ts(ev.CreatedAt), boolToInt(ev.Delivered), ev.DeliveryAttempts)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("append safety event: %w", err)
	}
	return nil
}

// ListUndeliveredEvents returns undelivered events that still have retry
// budget, oldest first so early violations are never starved.
func (s *Store) ListUndeliveredEvents(ctx context.Context, limit, maxAttempts int) ([]model.SafetyEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT event_id, event_type, payload, created_at, delivered, delivery_attempts
FROM safety_events
WHERE delivered = 0 AND delivery_attempts < ?
ORDER BY created_at ASC, event_id ASC
LIMIT ?
`, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("list undelivered events: %w", err)
	}
	defer rows.Close()

	out := make([]model.SafetyEvent, 0)
	for rows.Next() {
		ev, err := scanSafetyEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter undelivered events: %w", err)
	}
	return out, nil
}

// MarkEventsDelivered is idempotent: marking an already-delivered event
// again leaves delivered=1 without error.
func (s *Store) MarkEventsDelivered(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`UPDATE safety_events SET delivered = 1 WHERE event_id IN (%s)`, placeholders(len(ids)))
	if _, err := s.db.ExecContext(ctx, query, idArgs(ids)...); err != nil {
		return fmt.Errorf("mark events delivered: %w", err)
	}
	return nil
}

func (s *Store) IncrementEventAttempts(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`UPDATE safety_events SET delivery_attempts = delivery_attempts + 1 WHERE event_id IN (%s)`, placeholders(len(ids)))
	if _, err := s.db.ExecContext(ctx, query, idArgs(ids)...); err != nil {
		return fmt.Errorf("increment event attempts: %w", err)
	}
	return nil
}

// CountExhaustedEvents counts undelivered events past the retry budget.
// These stay in the store for manual inspection and feed the queue-health
// alarm.
func (s *Store) CountExhaustedEvents(ctx context.Context, maxAttempts int) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM safety_events WHERE delivered = 0 AND delivery_attempts >= ?
`, maxAttempts).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count exhausted events: %w", err)
	}
	return n, nil
}

func (s *Store) CountUndeliveredEvents(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM safety_events WHERE delivered = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count undelivered events: %w", err)
	}
	return n, nil
}

// PurgeDeliveredEvents removes delivered events older than the cutoff.
// Undelivered events are never deleted regardless of age.
func (s *Store) PurgeDeliveredEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM safety_events WHERE delivered = 1 AND created_at < ?
`, ts(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge delivered events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge delivered events rows affected: %w", err)
	}
	return n, nil
}

func (s *Store) GetSafetyEvent(ctx context.Context, eventID string) (model.SafetyEvent, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT event_id, event_type, payload, created_at, delivered, delivery_attempts
FROM safety_events WHERE event_id = ?
`, eventID)
	return scanSafetyEvent(row)
}

func (s *Store) ListRecentEvents(ctx context.Context, limit int, undeliveredOnly bool) ([]model.SafetyEvent, error) {
	query := `
SELECT event_id, event_type, payload, created_at, delivered, delivery_attempts
FROM safety_events`
	if undeliveredOnly {
		query += ` WHERE delivered = 0`
	}
	query += ` ORDER BY created_at DESC, event_id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent events: %w", err)
	}
	defer rows.Close()

	out := make([]model.SafetyEvent, 0)
	for rows.Next() {
		ev, err := scanSafetyEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter recent events: %w", err)
	}
	return out, nil
}

func (s *Store) InsertSession(ctx context.Context, sess model.TuningApplySession) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO apply_sessions(session_id, vehicle_session_id, changeset_id, mode, armed, apply_token, expires_at, status, revert_reason, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, sess.SessionID, sess.VehicleSessionID, sess.ChangesetID, string(sess.Mode), boolToInt(sess.Armed), sess.ApplyToken, nullableTS(sess.ExpiresAt), string(sess.Status), sess.RevertReason, ts(sess.CreatedAt), ts(sess.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (model.TuningApplySession, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT session_id, vehicle_session_id, changeset_id, mode, armed, apply_token, expires_at, status, revert_reason, created_at, updated_at
FROM apply_sessions WHERE session_id = ?
`, sessionID)
	return scanSession(row)
}

func (s *Store) UpdateSession(ctx context.Context, sess model.TuningApplySession) error {
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE apply_sessions
SET armed = ?, apply_token = ?, expires_at = ?, status = ?, revert_reason = ?, updated_at = ?
WHERE session_id = ?
`, boolToInt(sess.Armed), sess.ApplyToken, nullableTS(sess.ExpiresAt), string(sess.Status), sess.RevertReason, ts(sess.UpdatedAt), sess.SessionID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListSessions(ctx context.Context, limit int) ([]model.TuningApplySession, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, vehicle_session_id, changeset_id, mode, armed, apply_token, expires_at, status, revert_reason, created_at, updated_at
FROM apply_sessions
ORDER BY created_at DESC, session_id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]model.TuningApplySession, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter sessions: %w", err)
	}
	return out, nil
}

// ListExpiredArmedSessions feeds the expiry sweep: ARMED sessions whose
// expires_at is at or before now.
func (s *Store) ListExpiredArmedSessions(ctx context.Context, now time.Time) ([]model.TuningApplySession, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, vehicle_session_id, changeset_id, mode, armed, apply_token, expires_at, status, revert_reason, created_at, updated_at
FROM apply_sessions
WHERE status = 'ARMED' AND expires_at IS NOT NULL AND expires_at <= ?
ORDER BY expires_at ASC
`, ts(now))
	if err != nil {
		return nil, fmt.Errorf("list expired armed sessions: %w", err)
	}
	defer rows.Close()

	out := make([]model.TuningApplySession, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter expired armed sessions: %w", err)
	}
	return out, nil
}

func (s *Store) InsertSnapshot(ctx context.Context, snapshotID, sessionID string, snap model.SafetySnapshot) error {
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO safety_snapshots(snapshot_id, session_id, rpm, boost, afr, knock, coolant, iat, taken_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, snapshotID, sessionID, snap.RPM, snap.Boost, snap.AFR, snap.Knock, snap.Coolant, snap.IAT, ts(snap.TakenAt))
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (s *Store) ListSnapshots(ctx context.Context, sessionID string) ([]model.SafetySnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT rpm, boost, afr, knock, coolant, iat, taken_at
FROM safety_snapshots
WHERE session_id = ?
ORDER BY taken_at ASC
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	out := make([]model.SafetySnapshot, 0)
	for rows.Next() {
		var snap model.SafetySnapshot
		var takenAt string
		if err := rows.Scan(&snap.RPM, &snap.Boost, &snap.AFR, &snap.Knock, &snap.Coolant, &snap.IAT, &takenAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		t, err := parseTS(takenAt)
		if err != nil {
			return nil, fmt.Errorf("parse snapshot taken_at: %w", err)
		}
		snap.TakenAt = t
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter snapshots: %w", err)
	}
	return out, nil
}

func (s *Store) InsertFlashJob(ctx context.Context, job model.FlashJob) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO flash_jobs(job_id, engine_id, session_id, state, progress, checksum_ok, validation_ok, rollback_available, error_message, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, job.JobID, job.EngineID, job.SessionID, string(job.State), job.Progress, boolToInt(job.ChecksumOK), boolToInt(job.ValidationOK), boolToInt(job.RollbackAvailable), job.ErrorMessage, ts(job.CreatedAt), ts(job.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert flash job: %w", err)
	}
	return nil
}

func (s *Store) GetFlashJob(ctx context.Context, jobID string) (model.FlashJob, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT job_id, engine_id, session_id, state, progress, checksum_ok, validation_ok, rollback_available, error_message, created_at, updated_at
FROM flash_jobs WHERE job_id = ?
`, jobID)
	return scanFlashJob(row)
}

func (s *Store) UpdateFlashJob(ctx context.Context, job model.FlashJob) error {
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE flash_jobs
SET state = ?, progress = ?, checksum_ok = ?, validation_ok = ?, rollback_available = ?, error_message = ?, updated_at = ?
WHERE job_id = ?
`, string(job.State), job.Progress, boolToInt(job.ChecksumOK), boolToInt(job.ValidationOK), boolToInt(job.RollbackAvailable), job.ErrorMessage, ts(job.UpdatedAt), job.JobID)
	if err != nil {
		return fmt.Errorf("update flash job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update flash job rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListFlashJobs(ctx context.Context, limit int) ([]model.FlashJob, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT job_id, engine_id, session_id, state, progress, checksum_ok, validation_ok, rollback_available, error_message, created_at, updated_at
FROM flash_jobs
ORDER BY created_at DESC, job_id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list flash jobs: %w", err)
	}
	defer rows.Close()

	out := make([]model.FlashJob, 0)
	for rows.Next() {
		job, err := scanFlashJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter flash jobs: %w", err)
	}
	return out, nil
}

func scanSafetyEvent(scanner interface{ Scan(dest ...any) error }) (model.SafetyEvent, error) {
	var (
		ev        model.SafetyEvent
		evType    string
		createdAt string
		delivered int
	)
	err := scanner.Scan(&ev.EventID, &evType, &ev.Payload, &createdAt, &delivered, &ev.DeliveryAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SafetyEvent{}, ErrNotFound
	}
	if err != nil {
		return model.SafetyEvent{}, fmt.Errorf("scan safety event: %w", err)
	}
	ev.Type = model.SafetyEventType(evType)
	ev.Delivered = delivered != 0
	t, err := parseTS(createdAt)
	if err != nil {
		return model.SafetyEvent{}, fmt.Errorf("parse event created_at: %w", err)
	}
	ev.CreatedAt = t
	return ev, nil
}

func scanSession(scanner interface{ Scan(dest ...any) error }) (model.TuningApplySession, error) {
	var (
		sess      model.TuningApplySession
		mode      string
		armed     int
		expiresAt sql.NullString
		status    string
		createdAt string
		updatedAt string
	)
	err := scanner.Scan(&sess.SessionID, &sess.VehicleSessionID, &sess.ChangesetID, &mode, &armed, &sess.ApplyToken, &expiresAt, &status, &sess.RevertReason, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TuningApplySession{}, ErrNotFound
	}
	if err != nil {
		return model.TuningApplySession{}, fmt.Errorf("scan session: %w", err)
	}
	sess.Mode = model.SessionMode(mode)
	sess.Armed = armed != 0
	sess.Status = model.SessionStatus(status)
	if expiresAt.Valid {
		t, err := parseTS(expiresAt.String)
		if err != nil {
			return model.TuningApplySession{}, fmt.Errorf("parse session expires_at: %w", err)
		}
		sess.ExpiresAt = &t
	}
	if sess.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.TuningApplySession{}, fmt.Errorf("parse session created_at: %w", err)
	}
	if sess.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.TuningApplySession{}, fmt.Errorf("parse session updated_at: %w", err)
	}
	return sess, nil
}

func scanFlashJob(scanner interface{ Scan(dest ...any) error }) (model.FlashJob, error) {
	var (
		job        model.FlashJob
		state      string
		checksum   int
		validation int
		rollback   int
		createdAt  string
		updatedAt  string
	)
	err := scanner.Scan(&job.JobID, &job.EngineID, &job.SessionID, &state, &job.Progress, &checksum, &validation, &rollback, &job.ErrorMessage, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.FlashJob{}, ErrNotFound
	}
	if err != nil {
		return model.FlashJob{}, fmt.Errorf("scan flash job: %w", err)
	}
	job.State = model.FlashJobState(state)
	job.ChecksumOK = checksum != 0
	job.ValidationOK = validation != 0
	job.RollbackAvailable = rollback != 0
	if job.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.FlashJob{}, fmt.Errorf("parse flash job created_at: %w", err)
	}
	if job.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.FlashJob{}, fmt.Errorf("parse flash job updated_at: %w", err)
	}
	return job, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func idArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableTS(v *time.Time) any {
	if v == nil {
		return nil
	}
	return ts(*v)
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
