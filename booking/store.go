/*
store.go - Persistence interfaces for the booking core

PURPOSE:
  Defines the boundary between booking logic and the database. The core never
  issues SQL; it asks a ReservationStore for a transaction and performs reads
  and writes through ReservationTx.

KEY INTERFACES:
  Catalog:          Read-only flight lookups (search)
  AccountStore:     User records and password hashes
  ReservationStore: Serializable transactions over reservations and balances
  ReservationTx:    Operations valid inside one transaction
  PasswordHasher:   One-way password hashing

TRANSACTION CONTRACT:
  WithTx runs fn inside one transaction at the strongest isolation the backend
  offers. If fn returns an error the transaction is rolled back and the error
  returned unchanged. If the database aborts the transaction because it could
  not be serialized, the returned error wraps ErrSerializationConflict.

OPEN TRANSACTION COUNT:
  OpenTransactions reports transactions begun through this store and not yet
  committed or rolled back. Sessions check it after every operation.

IMPLEMENTATIONS:
  - store/sqlstore: Shared SQL implementation (sqlx)
  - store/sqlite:   SQLite dialect (mattn/go-sqlite3)
  - store/postgres: PostgreSQL dialect (lib/pq)
  - store/memory:   In-memory, for tests
  - store/rediscache: Catalog decorator backed by Redis

SEE ALSO:
  - ledger.go: Uses ReservationStore
  - search.go: Uses Catalog
*/
package booking

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CATALOG - Read-only flight data
// =============================================================================

// Catalog reads non-canceled flights.
type Catalog interface {
	// Flight returns one flight or ErrFlightNotFound.
	Flight(ctx context.Context, fid int64) (Flight, error)

	// DirectFlights returns at most limit flights from origin to dest on day,
	// ordered by (duration, fid).
	DirectFlights(ctx context.Context, origin, dest string, day, limit int) ([]Flight, error)

	// ConnectingFlights returns at most limit pairs (F1, F2) with
	// F1.Origin == origin, F1.Dest == F2.Origin, F2.Dest == dest and both on
	// day, ordered by (summed duration, F1.ID, F2.ID).
	ConnectingFlights(ctx context.Context, origin, dest string, day, limit int) ([][2]Flight, error)
}

// =============================================================================
// ACCOUNTS
// =============================================================================

// Account is a stored user record.
type Account struct {
	Username     string          `db:"username"`
	PasswordHash []byte          `db:"password_hash"`
	Balance      decimal.Decimal `db:"balance"`
}

// AccountStore persists accounts. Usernames are passed already normalized.
type AccountStore interface {
	// CreateAccount inserts a new account or returns ErrUserExists.
	CreateAccount(ctx context.Context, acct Account) error

	// Account returns the stored account or ErrUserNotFound.
	Account(ctx context.Context, username string) (Account, error)
}

// PasswordHasher hashes and verifies passwords.
type PasswordHasher interface {
	Hash(password string) ([]byte, error)
	// Verify returns nil when password matches hash.
	Verify(hash []byte, password string) error
}

// =============================================================================
// RESERVATIONS - Transactional store
// =============================================================================

// ReservationStore runs serializable transactions.
type ReservationStore interface {
	WithTx(ctx context.Context, fn func(tx ReservationTx) error) error
	OpenTransactions() int
}

// Scoper is implemented by stores that can hand out a view with its own
// open-transaction counter. Sessions use a scope each so that one session's
// in-flight transaction is never mistaken for another's dangling one.
type Scoper interface {
	Scope() ReservationStore
}

// ReservationTx is the set of reads and writes available inside WithTx.
type ReservationTx interface {
	// ActiveReservationOnDay returns the id of a non-canceled reservation of
	// username whose first flight is on day, or 0 if there is none.
	ActiveReservationOnDay(ctx context.Context, username string, day int) (int64, error)

	// SeatLoads returns capacity and usage for each of fids in one read.
	// Usage counts non-canceled reservations holding the flight in either slot.
	SeatLoads(ctx context.Context, fids []int64) ([]SeatLoad, error)

	// CountReservations counts every reservation, canceled ones included.
	CountReservations(ctx context.Context) (int64, error)

	InsertReservation(ctx context.Context, r Reservation) error

	// Reservation returns the reservation or nil if it does not exist.
	Reservation(ctx context.Context, rid int64) (*Reservation, error)

	// UserReservations returns all of username's reservations ordered by id.
	UserReservations(ctx context.Context, username string) ([]Reservation, error)

	// Flights resolves flight ids, keyed by id.
	Flights(ctx context.Context, fids []int64) (map[int64]Flight, error)

	Balance(ctx context.Context, username string) (decimal.Decimal, error)
	SetBalance(ctx context.Context, username string, balance decimal.Decimal) error

	MarkPaid(ctx context.Context, rid int64) error
	MarkCanceled(ctx context.Context, rid int64) error
}
