/*
Package sqlite provides the SQLite backend of the booking stores.

PURPOSE:
  Opens a SQLite database with settings that make every booking transaction
  serializable, and supplies the SQLite Dialect for store/sqlstore.

SERIALIZABILITY:
  SQLite allows one writer at a time. Transactions are opened with
  BEGIN IMMEDIATE (_txlock=immediate), so the write lock is taken up front
  and the read-check-insert of a booking can never interleave with another.
  Waiting for the lock is bounded by _busy_timeout; past that the driver
  returns SQLITE_BUSY, which is reported as a serialization conflict.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Readers don't block the writer
  - Single writer at a time
  - Better crash recovery

IN-MEMORY DATABASES:
  ":memory:" is private to one connection, so the pool is pinned to a
  single connection. Tests that exercise real lock contention use a file.

USAGE:
  store, err := sqlite.New("./data/flights.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := booking.NewLedger(store)

SEE ALSO:
  - store/sqlstore: Queries and transaction handling
  - store/postgres: PostgreSQL backend
*/
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/warp/flight-engine/store/sqlstore"
)

// BusyTimeoutMillis bounds how long a transaction waits for the write lock.
const BusyTimeoutMillis = 5000

// New opens (creating if needed) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*sqlstore.Store, error) {
	db, err := sqlx.Open("sqlite3", DSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if isMemory(dbPath) {
		db.SetMaxOpenConns(1)
	}

	store, err := sqlstore.New(db, Dialect{})
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// DSN appends the connection options to dbPath.
func DSN(dbPath string) string {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=%d",
		dbPath, sep, BusyTimeoutMillis)
}

func isMemory(dbPath string) bool {
	return dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory")
}

// =============================================================================
// DIALECT
// =============================================================================

// Dialect is the SQLite sqlstore.Dialect.
type Dialect struct{}

func (Dialect) Name() string { return "sqlite" }

// TxOptions is nil: isolation comes from BEGIN IMMEDIATE, and the driver
// rejects explicit isolation levels.
func (Dialect) TxOptions() *sql.TxOptions { return nil }

func (Dialect) IsConflict(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}

func (Dialect) IsUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// Schema stores money as TEXT so decimals round-trip exactly.
func (Dialect) Schema() string {
	return `
	-- Flights (read-only catalog)
	CREATE TABLE IF NOT EXISTS flights (
		fid INTEGER PRIMARY KEY,
		day_of_month INTEGER NOT NULL,
		carrier_id TEXT NOT NULL,
		flight_num TEXT NOT NULL,
		origin_city TEXT NOT NULL,
		dest_city TEXT NOT NULL,
		actual_time INTEGER NOT NULL,
		capacity INTEGER NOT NULL,
		price TEXT NOT NULL,
		canceled BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_flights_route
		ON flights(origin_city, dest_city, day_of_month);
	CREATE INDEX IF NOT EXISTS idx_flights_origin_day
		ON flights(origin_city, day_of_month);

	-- Users (usernames stored lower-case)
	CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		password_hash BLOB NOT NULL,
		balance TEXT NOT NULL
	);

	-- Reservations (ids never reused; cancel keeps the row)
	CREATE TABLE IF NOT EXISTS reservations (
		rid INTEGER PRIMARY KEY,
		username TEXT NOT NULL REFERENCES users(username),
		fid1 INTEGER NOT NULL REFERENCES flights(fid),
		fid2 INTEGER REFERENCES flights(fid),
		paid BOOLEAN NOT NULL DEFAULT FALSE,
		canceled BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_reservations_user
		ON reservations(username, rid);
	CREATE INDEX IF NOT EXISTS idx_reservations_fid1
		ON reservations(fid1) WHERE NOT canceled;
	CREATE INDEX IF NOT EXISTS idx_reservations_fid2
		ON reservations(fid2) WHERE NOT canceled AND fid2 IS NOT NULL;
	`
}
