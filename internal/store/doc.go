// Package store provides persistent storage for the hub using SQLite.
//
// # Architecture
//
// Store composes three narrower contracts so each consumer depends only on
// what it uses:
//
//   - audit.Store: append and read the hash-linked audit log
//   - criticalpath.Store: paths and their ordered steps
//   - APIKeyStore: API keys and the access policy attached to each
//
// SQLiteStore implements all of them in a single struct. MockStore is an
// in-memory equivalent for component tests.
//
// # Audit Entries
//
// Audit rows are inserted with the ID and hashes computed by audit.Chain.
// The store never updates or deletes them. Timestamps are stored as
// fixed-width nanosecond text so a round trip reproduces the exact value that
// was hashed and rows sort by time.
//
// # API Keys
//
// Only the key ID is stored; the bearer token is a JWT carrying that ID.
// The policy is stored as JSON and a NULL policy means unrestricted access.
// Revocation sets revoked_at; rows are never deleted.
//
// # Critical Paths
//
// Steps live in critical_path_steps with a step_order column. ReplaceSteps
// rewrites the whole list in one transaction, which keeps the dense
// zero-based order intact after any edit.
//
// # Usage
//
//	s, err := store.NewSQLiteStore("/var/lib/probehub/hub.db")
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	chain := audit.NewChain(s, logger)
package store
