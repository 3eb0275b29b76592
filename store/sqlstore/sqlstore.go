/*
Package sqlstore provides the SQL implementation of the booking stores,
shared by the SQLite and PostgreSQL backends.

PURPOSE:
  Implements booking.Catalog, booking.AccountStore and
  booking.ReservationStore over a *sqlx.DB. Queries are written once with
  '?' placeholders and rebound for the driver; everything that differs
  between databases lives behind Dialect.

INTERFACES IMPLEMENTED:
  booking.Catalog:          Direct and one-stop flight search
  booking.AccountStore:     Users with bcrypt hashes and balances
  booking.ReservationStore: Serializable transactions (plus Scope)

KEY TABLES:
  flights:      Read-only catalog (canceled flights are filtered out)
  users:        username (lower-case) -> password hash, balance
  reservations: rid, username, fid1, fid2 (nullable), paid, canceled

INDEXES:
  - idx_reservations_user: Listing and same-day checks
  - idx_reservations_fid1 / idx_reservations_fid2: Seat usage (hot path)
  - idx_flights_route: Search by origin, dest, day

CONFLICTS:
  Dialect.IsConflict classifies driver errors that mean "the database could
  not serialize this transaction". Those are returned wrapped in
  booking.ErrSerializationConflict so the ledger can retry. A duplicate
  reservation id is a conflict too: two bookers counted the same rows.

MIGRATION:
  Schema is created with CREATE TABLE IF NOT EXISTS on New(). There are no
  versioned migrations.

SEE ALSO:
  - store/sqlite: SQLite dialect and constructor
  - store/postgres: PostgreSQL dialect and constructor
  - booking/store.go: Interface definitions
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/warp/flight-engine/booking"
)

// Dialect captures what differs between SQL backends.
type Dialect interface {
	Name() string

	// Schema returns the idempotent DDL.
	Schema() string

	// TxOptions are passed to BeginTxx for every transaction.
	TxOptions() *sql.TxOptions

	// IsConflict reports a serialization failure, deadlock or lock timeout.
	IsConflict(err error) bool

	// IsUniqueViolation reports a primary key or unique constraint failure.
	IsUniqueViolation(err error) bool
}

// Store implements the booking stores on a SQL database.
type Store struct {
	db      *sqlx.DB
	dialect Dialect
	open    atomic.Int64
}

// New wraps db and creates the schema.
func New(db *sqlx.DB, dialect Dialect) (*Store, error) {
	s := &Store{db: db, dialect: dialect}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(s.dialect.Schema())
	return err
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// =============================================================================
// FLIGHT CATALOG (booking.Catalog)
// =============================================================================

const flightColumns = `fid, day_of_month, carrier_id, flight_num, origin_city, dest_city, actual_time, capacity, price`

// Flight returns one non-canceled flight.
func (s *Store) Flight(ctx context.Context, fid int64) (booking.Flight, error) {
	var f booking.Flight
	err := s.db.GetContext(ctx, &f, s.db.Rebind(`
		SELECT `+flightColumns+`
		FROM flights
		WHERE fid = ? AND NOT canceled`), fid)
	if errors.Is(err, sql.ErrNoRows) {
		return booking.Flight{}, booking.ErrFlightNotFound
	}
	if err != nil {
		return booking.Flight{}, fmt.Errorf("failed to get flight: %w", err)
	}
	return f, nil
}

func (s *Store) DirectFlights(ctx context.Context, origin, dest string, day, limit int) ([]booking.Flight, error) {
	flights := []booking.Flight{}
	err := s.db.SelectContext(ctx, &flights, s.db.Rebind(`
		SELECT `+flightColumns+`
		FROM flights
		WHERE origin_city = ? AND dest_city = ? AND day_of_month = ? AND NOT canceled
		ORDER BY actual_time, fid
		LIMIT ?`), origin, dest, day, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query direct flights: %w", err)
	}
	return flights, nil
}

func (s *Store) ConnectingFlights(ctx context.Context, origin, dest string, day, limit int) ([][2]booking.Flight, error) {
	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(`
		SELECT f1.fid, f1.day_of_month, f1.carrier_id, f1.flight_num, f1.origin_city, f1.dest_city,
		       f1.actual_time, f1.capacity, f1.price,
		       f2.fid, f2.day_of_month, f2.carrier_id, f2.flight_num, f2.origin_city, f2.dest_city,
		       f2.actual_time, f2.capacity, f2.price
		FROM flights f1
		JOIN flights f2 ON f1.dest_city = f2.origin_city
		WHERE f1.origin_city = ? AND f2.dest_city = ?
		  AND f1.day_of_month = ? AND f2.day_of_month = ?
		  AND NOT f1.canceled AND NOT f2.canceled
		ORDER BY f1.actual_time + f2.actual_time, f1.fid, f2.fid
		LIMIT ?`), origin, dest, day, day, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query connecting flights: %w", err)
	}
	defer rows.Close()

	pairs := [][2]booking.Flight{}
	for rows.Next() {
		var p [2]booking.Flight
		if err := rows.Scan(
			&p[0].ID, &p[0].Day, &p[0].Carrier, &p[0].Number, &p[0].Origin, &p[0].Dest,
			&p[0].Duration, &p[0].Capacity, &p[0].Price,
			&p[1].ID, &p[1].Day, &p[1].Carrier, &p[1].Number, &p[1].Origin, &p[1].Dest,
			&p[1].Duration, &p[1].Capacity, &p[1].Price,
		); err != nil {
			return nil, fmt.Errorf("failed to scan connecting flight: %w", err)
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// SaveFlights inserts or replaces catalog rows.
func (s *Store) SaveFlights(ctx context.Context, flights []booking.Flight) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(`
		INSERT INTO flights (`+flightColumns+`, canceled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, FALSE)
		ON CONFLICT (fid) DO UPDATE SET
			day_of_month = excluded.day_of_month,
			carrier_id = excluded.carrier_id,
			flight_num = excluded.flight_num,
			origin_city = excluded.origin_city,
			dest_city = excluded.dest_city,
			actual_time = excluded.actual_time,
			capacity = excluded.capacity,
			price = excluded.price,
			canceled = FALSE`))
	if err != nil {
		return fmt.Errorf("failed to prepare flight insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range flights {
		if _, err := stmt.ExecContext(ctx,
			f.ID, f.Day, f.Carrier, f.Number, f.Origin, f.Dest, f.Duration, f.Capacity, f.Price.String(),
		); err != nil {
			return fmt.Errorf("failed to save flight %d: %w", f.ID, err)
		}
	}
	return tx.Commit()
}

// CancelFlight hides a flight from the catalog. Existing reservations keep it.
func (s *Store) CancelFlight(ctx context.Context, fid int64) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE flights SET canceled = TRUE WHERE fid = ?`), fid)
	if err != nil {
		return fmt.Errorf("failed to cancel flight: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return booking.ErrFlightNotFound
	}
	return nil
}

// =============================================================================
// ACCOUNTS (booking.AccountStore)
// =============================================================================

type accountRow struct {
	Username     string          `db:"username"`
	PasswordHash []byte          `db:"password_hash"`
	Balance      decimal.Decimal `db:"balance"`
}

func (r accountRow) toEntity() booking.Account {
	return booking.Account{Username: r.Username, PasswordHash: r.PasswordHash, Balance: r.Balance}
}

func (s *Store) CreateAccount(ctx context.Context, acct booking.Account) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO users (username, password_hash, balance) VALUES (?, ?, ?)`),
		acct.Username, acct.PasswordHash, acct.Balance.String())
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return booking.ErrUserExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *Store) Account(ctx context.Context, username string) (booking.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT username, password_hash, balance FROM users WHERE username = ?`), username)
	if errors.Is(err, sql.ErrNoRows) {
		return booking.Account{}, booking.ErrUserNotFound
	}
	if err != nil {
		return booking.Account{}, fmt.Errorf("failed to get user: %w", err)
	}
	return row.toEntity(), nil
}

// =============================================================================
// TRANSACTIONAL STORE (booking.ReservationStore)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(booking.ReservationTx) error) error {
	return s.withTx(ctx, nil, fn)
}

// OpenTransactions counts unfinished transactions on s and all its scopes.
func (s *Store) OpenTransactions() int {
	return int(s.open.Load())
}

// Scope returns a view of s with its own open-transaction counter.
func (s *Store) Scope() booking.ReservationStore {
	return &Scoped{store: s}
}

func (s *Store) withTx(ctx context.Context, counter *atomic.Int64, fn func(booking.ReservationTx) error) error {
	s.open.Add(1)
	if counter != nil {
		counter.Add(1)
	}
	defer func() {
		s.open.Add(-1)
		if counter != nil {
			counter.Add(-1)
		}
	}()

	sqlTx, err := s.db.BeginTxx(ctx, s.dialect.TxOptions())
	if err != nil {
		return s.classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, parent: s}); err != nil {
		return s.classify(err)
	}

	if err := sqlTx.Commit(); err != nil {
		return s.classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// classify marks conflicts so the ledger can retry them.
func (s *Store) classify(err error) error {
	if err == nil || errors.Is(err, booking.ErrSerializationConflict) {
		return err
	}
	if s.dialect.IsConflict(err) {
		return fmt.Errorf("%w: %w", booking.ErrSerializationConflict, err)
	}
	return err
}

// Scoped is a per-session view of a Store.
type Scoped struct {
	store *Store
	open  atomic.Int64
}

func (sc *Scoped) WithTx(ctx context.Context, fn func(booking.ReservationTx) error) error {
	return sc.store.withTx(ctx, &sc.open, fn)
}

func (sc *Scoped) OpenTransactions() int {
	return int(sc.open.Load())
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears users and reservations. Flights are kept.
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{"reservations", "users"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}
