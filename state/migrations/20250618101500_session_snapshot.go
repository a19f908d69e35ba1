package migrations

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upSessionSnapshot, downSessionSnapshot)
}

// Adds the resume-snapshot column to deployments created before snapshot
// hand-off existed. Fresh installs get the column from the base schema in
// NewSessionsTable; this migration only patches old databases.
func upSessionSnapshot(ctx context.Context, tx *sql.Tx) error {
	var exists bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM information_schema.columns
			WHERE table_name = 'playlock_sessions' AND column_name = 'snapshot'
		);
	`).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check for snapshot column: %w", err)
	}
	if exists {
		return nil
	}
	_, err = tx.ExecContext(ctx, `ALTER TABLE playlock_sessions ADD COLUMN snapshot BYTEA`)
	return err
}

func downSessionSnapshot(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `ALTER TABLE playlock_sessions DROP COLUMN IF EXISTS snapshot`)
	return err
}
