package state

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"golang.org/x/exp/slices"

	"github.com/mediaforge/playlock/internal"
	"github.com/mediaforge/playlock/sqlutil"
)

// Why a session stopped being open. Empty while the session is open.
const (
	ReasonNatural   = "natural"
	ReasonPreempted = "preempted"
	ReasonAbandoned = "abandoned"
)

// SessionRow is one playback attempt by one user on one device class.
// Terminal once closed; a reconnect always mints a new row.
type SessionRow struct {
	SessionID    string               `db:"session_id"`
	UserID       string               `db:"user_id"`
	DeviceClass  internal.DeviceClass `db:"device_class"`
	DeviceToken  string               `db:"device_token"` // desktop only, else ''
	StartedAt    time.Time            `db:"started_at"`
	EndedAt      *time.Time           `db:"ended_at"`
	ClosedReason string               `db:"closed_reason"`
	Snapshot     []byte               `db:"snapshot"`
}

// Open reports whether this row is still the user's active session.
func (r *SessionRow) Open() bool {
	return r.EndedAt == nil
}

// SessionsTable is the authoritative session registry. The invariant it
// maintains: at most one open row per user at any instant. Open serialises
// per user with a transaction-scoped advisory lock, and a partial unique
// index backstops the invariant at the storage layer.
type SessionsTable struct {
	db *sqlx.DB
}

func NewSessionsTable(db *sqlx.DB) *SessionsTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS playlock_sessions (
		session_id TEXT NOT NULL PRIMARY KEY,
		user_id TEXT NOT NULL,
		device_class TEXT NOT NULL,
		device_token TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		closed_reason TEXT NOT NULL DEFAULT '',
		snapshot BYTEA
	);
	CREATE UNIQUE INDEX IF NOT EXISTS playlock_sessions_one_open
		ON playlock_sessions(user_id) WHERE ended_at IS NULL;
	CREATE INDEX IF NOT EXISTS playlock_sessions_open_age
		ON playlock_sessions(started_at) WHERE ended_at IS NULL;
	`)
	return &SessionsTable{
		db: db,
	}
}

const sessionCols = `session_id, user_id, device_class, device_token, started_at, ended_at, closed_reason, snapshot`

// Open atomically closes any open session for this user (reason preempted)
// and inserts a new one. Returns the new row plus the preempted row, if any,
// so the caller can emit a close event for it. Two concurrent Opens for the
// same user serialise on the advisory lock; exactly one open row survives.
func (t *SessionsTable) Open(userID string, deviceClass internal.DeviceClass, deviceToken string, at time.Time) (opened SessionRow, preempted *SessionRow, err error) {
	err = sqlutil.WithTransaction(t.db, func(txn *sqlx.Tx) error {
		if err := sqlutil.LockKey(txn, userID); err != nil {
			return err
		}
		var prev SessionRow
		err := txn.Get(&prev, `
			UPDATE playlock_sessions SET ended_at = $2, closed_reason = $3
			WHERE user_id = $1 AND ended_at IS NULL
			RETURNING `+sessionCols,
			userID, at, ReasonPreempted,
		)
		if err == nil {
			preempted = &prev
		} else if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		opened = SessionRow{
			SessionID:   uuid.NewString(),
			UserID:      userID,
			DeviceClass: deviceClass,
			DeviceToken: deviceToken,
			StartedAt:   at,
		}
		_, err = txn.Exec(`
			INSERT INTO playlock_sessions(session_id, user_id, device_class, device_token, started_at)
			VALUES($1, $2, $3, $4, $5)`,
			opened.SessionID, opened.UserID, opened.DeviceClass, opened.DeviceToken, opened.StartedAt,
		)
		return err
	})
	return
}

// Close marks the session ended. No-op if the id is unknown or the session
// is already closed: end-session and the sweeps may race on the same id and
// the first writer wins. Returns the row that was closed by THIS call, or
// nil if nothing changed.
func (t *SessionsTable) Close(sessionID, reason string, at time.Time) (*SessionRow, error) {
	var row SessionRow
	err := t.db.Get(&row, `
		UPDATE playlock_sessions SET ended_at = $2, closed_reason = $3
		WHERE session_id = $1 AND ended_at IS NULL
		RETURNING `+sessionCols,
		sessionID, at, reason,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// FindOpen returns the user's open session, or nil.
func (t *SessionsTable) FindOpen(userID string) (*SessionRow, error) {
	var row SessionRow
	err := t.db.Get(&row, `
		SELECT `+sessionCols+` FROM playlock_sessions
		WHERE user_id = $1 AND ended_at IS NULL`,
		userID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// SweepAbandoned closes every open session started before olderThan with
// reason abandoned, except sessions whose device token is in liveTokens:
// age alone does not make a session abandoned while its device still beats.
// Bounds how long a crashed client can block its user from starting a fresh
// session. Returns the closed rows for accounting events.
func (t *SessionsTable) SweepAbandoned(olderThan, at time.Time, liveTokens []string) ([]SessionRow, error) {
	var rows []SessionRow
	err := t.db.Select(&rows, `
		UPDATE playlock_sessions SET ended_at = $2, closed_reason = $3
		WHERE ended_at IS NULL AND started_at < $1
		AND NOT (device_token = ANY($4))
		RETURNING `+sessionCols,
		olderThan, at, ReasonAbandoned, pq.Array(liveTokens),
	)
	return rows, err
}

// CloseAllForUser closes every open session for the user. The force-cleanup
// escape hatch; safe to call repeatedly.
func (t *SessionsTable) CloseAllForUser(userID, reason string, at time.Time) ([]SessionRow, error) {
	var rows []SessionRow
	err := t.db.Select(&rows, `
		UPDATE playlock_sessions SET ended_at = $2, closed_reason = $3
		WHERE user_id = $1 AND ended_at IS NULL
		RETURNING `+sessionCols,
		userID, at, reason,
	)
	return rows, err
}

// UpdateSnapshot stores the resume snapshot on a session by id. Start path:
// the caller just opened the session, so the id is fresh.
func (t *SessionsTable) UpdateSnapshot(sessionID string, snapshot []byte) error {
	_, err := t.db.Exec(`
		UPDATE playlock_sessions SET snapshot = $2
		WHERE session_id = $1`,
		sessionID, snapshot,
	)
	return err
}

// UpdateSnapshotByToken stores the resume snapshot on the open session owned
// by this device token, if any. Heartbeat path, so silently does nothing
// when no open session matches.
func (t *SessionsTable) UpdateSnapshotByToken(deviceToken string, snapshot []byte) error {
	_, err := t.db.Exec(`
		UPDATE playlock_sessions SET snapshot = $2
		WHERE device_token = $1 AND ended_at IS NULL`,
		deviceToken, snapshot,
	)
	return err
}

// LatestResumeSnapshot returns the most recently closed session's snapshot
// for this user, or nil. Handed to a newly admitted session so the winning
// device resumes where the loser stopped.
func (t *SessionsTable) LatestResumeSnapshot(userID string) ([]byte, error) {
	var snapshot []byte
	err := t.db.QueryRow(`
		SELECT snapshot FROM playlock_sessions
		WHERE user_id = $1 AND ended_at IS NOT NULL AND snapshot IS NOT NULL
		ORDER BY ended_at DESC LIMIT 1`,
		userID,
	).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return snapshot, err
}

// DeviceTokens lists every desktop device token this user has ever opened a
// session with, sorted. Used by force-cleanup to purge liveness records.
func (t *SessionsTable) DeviceTokens(userID string) ([]string, error) {
	var tokens []string
	err := t.db.Select(&tokens, `
		SELECT DISTINCT device_token FROM playlock_sessions
		WHERE user_id = $1 AND device_token <> ''`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	slices.Sort(tokens)
	return tokens, nil
}
