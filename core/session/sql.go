package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// SQLStore persists sessions in the sessions table. Timestamps are stored as
// unix milliseconds so the same queries run on postgres and sqlite.
type SQLStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewSQLStore wraps db. A nil clock defaults to time.Now.
func NewSQLStore(db *sqlx.DB, now func() time.Time) *SQLStore {
	if now == nil {
		now = time.Now
	}
	return &SQLStore{db: db, now: now}
}

type sessionRow struct {
	UserID    string `db:"user_id"`
	Flow      string `db:"flow"`
	Step      string `db:"step"`
	Data      string `db:"data"`
	StartedAt int64  `db:"started_at"`
	UpdatedAt int64  `db:"updated_at"`
	ExpiresAt int64  `db:"expires_at"`
}

const upsertSession = `
INSERT INTO sessions (user_id, flow, step, data, started_at, updated_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET
	flow = excluded.flow,
	step = excluded.step,
	data = excluded.data,
	started_at = excluded.started_at,
	updated_at = excluded.updated_at,
	expires_at = excluded.expires_at`

// Get loads the live session for userID. Records written with an older step
// encoding are rewritten in canonical form.
func (s *SQLStore) Get(ctx context.Context, userID string) (*Session, error) {
	var row sessionRow
	q := s.db.Rebind(`SELECT user_id, flow, step, data, started_at, updated_at, expires_at FROM sessions WHERE user_id = ?`)
	if err := s.db.GetContext(ctx, &row, q, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("session get: %w", err)
	}

	sess, err := decodeRow(row)
	if err != nil {
		return nil, err
	}
	if sess.Expired(s.now()) {
		if err := s.Delete(ctx, userID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if row.Step != FormatStep(sess.Step) {
		if err := s.Put(ctx, sess); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

// Put upserts sess.
func (s *SQLStore) Put(ctx context.Context, sess *Session) error {
	args, err := encodeArgs(sess)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(upsertSession), args...); err != nil {
		return fmt.Errorf("session put: %w", err)
	}
	return nil
}

// Create inserts sess unless a live session exists. An expired row is
// overwritten in the same statement.
func (s *SQLStore) Create(ctx context.Context, sess *Session) error {
	args, err := encodeArgs(sess)
	if err != nil {
		return err
	}
	args = append(args, s.now().UnixMilli())
	res, err := s.db.ExecContext(ctx, s.db.Rebind(upsertSession+` WHERE sessions.expires_at < ?`), args...)
	if err != nil {
		return fmt.Errorf("session create: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session create: %w", err)
	}
	if n == 0 {
		return ErrExists
	}
	return nil
}

// Delete removes the user's session.
func (s *SQLStore) Delete(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM sessions WHERE user_id = ?`), userID); err != nil {
		return fmt.Errorf("session delete: %w", err)
	}
	return nil
}

func encodeArgs(sess *Session) ([]any, error) {
	data := sess.Data
	if data == nil {
		data = map[string]string{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("session encode: %w", err)
	}
	return []any{
		sess.UserID,
		string(sess.Flow),
		FormatStep(sess.Step),
		string(raw),
		sess.StartedAt.UnixMilli(),
		sess.UpdatedAt.UnixMilli(),
		sess.ExpiresAt.UnixMilli(),
	}, nil
}

func decodeRow(row sessionRow) (*Session, error) {
	flow := Tag(row.Flow)
	step, err := ParseStep(flow, row.Step)
	if err != nil {
		return nil, err
	}
	data := map[string]string{}
	if row.Data != "" {
		if err := json.Unmarshal([]byte(row.Data), &data); err != nil {
			return nil, fmt.Errorf("%w: data: %v", ErrCorrupt, err)
		}
	}
	return &Session{
		UserID:    row.UserID,
		Flow:      flow,
		Step:      step,
		Data:      data,
		StartedAt: time.UnixMilli(row.StartedAt),
		UpdatedAt: time.UnixMilli(row.UpdatedAt),
		ExpiresAt: time.UnixMilli(row.ExpiresAt),
	}, nil
}

