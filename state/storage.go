package state

import (
	"os"

	"github.com/getsentry/sentry-go"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Storage bundles the two coordinator-owned tables. All writes to both
// funnel through the coordinator handlers; everything else only reads.
type Storage struct {
	SessionsTable *SessionsTable
	LivenessTable *LivenessTable
	db            *sqlx.DB
}

func NewStorage(postgresURI string) *Storage {
	db, err := sqlx.Open("postgres", postgresURI)
	if err != nil {
		sentry.CaptureException(err)
		// TODO: if we panic(), will sentry have a chance to flush the event?
		logger.Panic().Err(err).Str("uri", postgresURI).Msg("failed to open SQL DB")
	}
	return NewStorageWithDB(db)
}

func NewStorageWithDB(db *sqlx.DB) *Storage {
	return &Storage{
		SessionsTable: NewSessionsTable(db),
		LivenessTable: NewLivenessTable(db),
		db:            db,
	}
}

func (s *Storage) DB() *sqlx.DB {
	return s.db
}

func (s *Storage) Teardown() {
	err := s.db.Close()
	if err != nil {
		panic("Storage.Teardown: " + err.Error())
	}
}
