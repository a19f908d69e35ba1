package state

import (
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/exp/slices"
)

// LivenessTTL is how long a device counts as live after its last beat.
// Clients beat every BeatInterval, giving a 2x safety margin: one dropped
// beat does not lapse the device.
const (
	LivenessTTL  = 30 * time.Second
	BeatInterval = 15 * time.Second
)

// LivenessStore tracks "this desktop process is currently running" facts,
// keyed by an opaque client-generated device token. Pure storage with a TTL
// query; no business logic. Web clients are not tracked here - their
// liveness is inferred from the session registry alone.
type LivenessStore interface {
	// Beat upserts the last-beat timestamp for this token. Unknown tokens
	// are treated as a first beat, not an error.
	Beat(deviceToken string, at time.Time) error
	// IsLive reports whether the token has beaten within LivenessTTL of now.
	IsLive(deviceToken string, now time.Time) (bool, error)
	// Expire deletes all records which last beat before olderThan.
	Expire(olderThan time.Time) error
	// Remove deletes one record; used on graceful client shutdown.
	Remove(deviceToken string) error
	// LiveTokens lists tokens currently live, sorted. The abandonment
	// sweep uses it to spare sessions whose device is still beating.
	LiveTokens(now time.Time) ([]string, error)
}

type LivenessRow struct {
	DeviceToken string    `db:"device_token"`
	LastBeat    time.Time `db:"last_beat"`
}

// LivenessTable is the Postgres LivenessStore. Expiry is lazy: reads delete
// stale rows first, so no background thread is strictly required, though the
// coordinator's sweep loop also calls Expire to bound table growth when
// nobody is reading.
type LivenessTable struct {
	db *sqlx.DB
}

func NewLivenessTable(db *sqlx.DB) *LivenessTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS playlock_liveness (
		device_token TEXT NOT NULL PRIMARY KEY,
		last_beat TIMESTAMPTZ NOT NULL
	);`)
	return &LivenessTable{
		db: db,
	}
}

func (t *LivenessTable) Beat(deviceToken string, at time.Time) error {
	_, err := t.db.Exec(
		`INSERT INTO playlock_liveness(device_token, last_beat) VALUES($1, $2)
		ON CONFLICT (device_token) DO UPDATE SET last_beat = $2`,
		deviceToken, at,
	)
	return err
}

func (t *LivenessTable) IsLive(deviceToken string, now time.Time) (bool, error) {
	// delete-before-read: expiry is embedded in every liveness query
	if err := t.Expire(now.Add(-LivenessTTL)); err != nil {
		return false, err
	}
	var live bool
	err := t.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM playlock_liveness WHERE device_token = $1)`, deviceToken,
	).Scan(&live)
	return live, err
}

func (t *LivenessTable) Expire(olderThan time.Time) error {
	_, err := t.db.Exec(`DELETE FROM playlock_liveness WHERE last_beat < $1`, olderThan)
	return err
}

func (t *LivenessTable) Remove(deviceToken string) error {
	_, err := t.db.Exec(`DELETE FROM playlock_liveness WHERE device_token = $1`, deviceToken)
	return err
}

func (t *LivenessTable) LiveTokens(now time.Time) ([]string, error) {
	if err := t.Expire(now.Add(-LivenessTTL)); err != nil {
		return nil, err
	}
	var tokens []string
	if err := t.db.Select(&tokens, `SELECT device_token FROM playlock_liveness`); err != nil {
		return nil, err
	}
	slices.Sort(tokens)
	return tokens, nil
}
