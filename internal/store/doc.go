// Package store persists EMPI state in SQLite and exposes helpers for
// mutating it safely.
//
// The Store manages connections, schema migrations, and read queries. All
// write paths run inside a Tx obtained from Store.WithTx, which opens an
// immediate transaction so concurrent writers serialize at the database.
// Person and potential-match rows carry version columns; mutations use
// conditional UPDATE ... WHERE version = ? statements so a stale reader
// surfaces ErrVersionConflict instead of clobbering newer state.
//
// Treat this package as the single source of truth for persistence semantics;
// when you add relations or columns, add a migration under migrations/ and
// keep the scan helpers in sync.
package store
