package sqlutil

import (
	"github.com/jmoiron/sqlx"
)

// LockKey takes a transaction-scoped advisory lock on the given key,
// serialising concurrent writers for that key only. Writers for distinct
// keys do not block each other. The lock releases on commit/rollback.
func LockKey(txn *sqlx.Tx, key string) error {
	_, err := txn.Exec(`SELECT pg_advisory_xact_lock(hashtext($1))`, key)
	return err
}
