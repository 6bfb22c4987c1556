// Package store provides persistent storage for the gateway using SQLite.
//
// The Store interface covers the device lifecycle: an unknown session
// token is registered as an UnclaimedDevice with a setup code, an
// operator claims it (consuming the code transactionally), and the
// resulting Device keeps the same session token forever. Claimed devices
// carry a display name, a product inventory, and the execution command
// inventory the device itself reports.
//
// SQLiteStore is the production implementation (modernc.org/sqlite, WAL
// mode, schema auto-created). MockStore is an in-memory implementation
// for tests with injectable failures.
package store
