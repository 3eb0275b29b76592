package booking_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/warp/flight-engine/auth"
	"github.com/warp/flight-engine/booking"
	"github.com/warp/flight-engine/store/memory"
	"github.com/warp/flight-engine/store/sqlite"
	"github.com/warp/flight-engine/store/sqlstore"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func money(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func flight(id int64, day int, origin, dest string, duration, capacity int, price int64) booking.Flight {
	return booking.Flight{
		ID:       id,
		Day:      day,
		Carrier:  "AS",
		Number:   fmt.Sprintf("%d", 100+id),
		Origin:   origin,
		Dest:     dest,
		Duration: duration,
		Capacity: capacity,
		Price:    money(price),
	}
}

// Seattle -> Boston on day 1:
//
//	direct 2 (200m), direct 8 (200m), direct 1 (300m)
//	via Chicago 3+4 (200m), via Denver 5+6 (310m)
//
// Seattle -> Boston on day 2: direct 7.
func testFlights() []booking.Flight {
	return []booking.Flight{
		flight(1, 1, "Seattle WA", "Boston MA", 300, 3, 300),
		flight(2, 1, "Seattle WA", "Boston MA", 200, 1, 100),
		flight(3, 1, "Seattle WA", "Chicago IL", 100, 5, 50),
		flight(4, 1, "Chicago IL", "Boston MA", 100, 5, 60),
		flight(5, 1, "Seattle WA", "Denver CO", 150, 5, 70),
		flight(6, 1, "Denver CO", "Boston MA", 160, 5, 80),
		flight(7, 2, "Seattle WA", "Boston MA", 250, 2, 120),
		flight(8, 1, "Seattle WA", "Boston MA", 200, 10, 100),
		flight(9, 3, "Seattle WA", "Boston MA", 180, 40, 90),
	}
}

func seattleToBoston(day, max int) booking.SearchQuery {
	return booking.SearchQuery{Origin: "Seattle WA", Dest: "Boston MA", Day: day, MaxResults: max}
}

// newSQLiteStore uses a file database so concurrent transactions contend on
// real locks.
func newSQLiteStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "flights.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.SaveFlights(context.Background(), testFlights()))
	return store
}

func newMemoryStore(t *testing.T) *memory.Memory {
	t.Helper()
	store := memory.New()
	require.NoError(t, store.SaveFlights(context.Background(), testFlights()))
	return store
}

// backend is what a test session needs from a store.
type backend interface {
	booking.Catalog
	booking.AccountStore
	booking.ReservationStore
}

var hasher = auth.NewHasher(bcrypt.MinCost)

func newSession(store backend, opts ...booking.LedgerOption) *booking.Session {
	return booking.NewSession(store, store, hasher, booking.NewLedger(store, opts...))
}

// loggedIn creates username with balance and returns a session logged in as it.
func loggedIn(t *testing.T, store backend, username string, balance int64, opts ...booking.LedgerOption) *booking.Session {
	t.Helper()
	ctx := context.Background()
	sess := newSession(store, opts...)
	require.NoError(t, sess.CreateAccount(ctx, username, "pw-"+username, money(balance)))
	require.NoError(t, sess.Login(ctx, username, "pw-"+username))
	return sess
}

// searchAndBook searches q and books itinerary idx.
func searchAndBook(t *testing.T, sess *booking.Session, q booking.SearchQuery, idx int) (int64, error) {
	t.Helper()
	_, err := sess.Search(context.Background(), q)
	require.NoError(t, err)
	return sess.Book(context.Background(), idx)
}

// =============================================================================
// FAKES
// =============================================================================

// MockCatalog is a testify mock of booking.Catalog.
type MockCatalog struct {
	mock.Mock
}

func (m *MockCatalog) Flight(ctx context.Context, fid int64) (booking.Flight, error) {
	args := m.Called(ctx, fid)
	return args.Get(0).(booking.Flight), args.Error(1)
}

func (m *MockCatalog) DirectFlights(ctx context.Context, origin, dest string, day, limit int) ([]booking.Flight, error) {
	args := m.Called(ctx, origin, dest, day, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]booking.Flight), args.Error(1)
}

func (m *MockCatalog) ConnectingFlights(ctx context.Context, origin, dest string, day, limit int) ([][2]booking.Flight, error) {
	args := m.Called(ctx, origin, dest, day, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([][2]booking.Flight), args.Error(1)
}

// flakyStore reports a serialization conflict for the first conflicts
// transactions, then delegates.
type flakyStore struct {
	booking.ReservationStore
	conflicts int
	calls     atomic.Int64
}

func (f *flakyStore) WithTx(ctx context.Context, fn func(booking.ReservationTx) error) error {
	if int(f.calls.Add(1)) <= f.conflicts {
		return fmt.Errorf("%w: database is locked", booking.ErrSerializationConflict)
	}
	return f.ReservationStore.WithTx(ctx, fn)
}

// faultyStore hands fn a transaction whose faults are injected by faultyTx
// and counts every WithTx call.
type faultyStore struct {
	booking.ReservationStore
	faults faultyTx
	calls  atomic.Int64
}

func (f *faultyStore) WithTx(ctx context.Context, fn func(booking.ReservationTx) error) error {
	f.calls.Add(1)
	return f.ReservationStore.WithTx(ctx, func(tx booking.ReservationTx) error {
		ft := f.faults
		ft.ReservationTx = tx
		return fn(&ft)
	})
}

// faultyTx fails the operations whose error field is set.
type faultyTx struct {
	booking.ReservationTx
	insertErr     error
	flightsErr    error
	setBalanceErr error
}

func (f *faultyTx) InsertReservation(ctx context.Context, r booking.Reservation) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	return f.ReservationTx.InsertReservation(ctx, r)
}

func (f *faultyTx) Flights(ctx context.Context, fids []int64) (map[int64]booking.Flight, error) {
	if f.flightsErr != nil {
		return nil, f.flightsErr
	}
	return f.ReservationTx.Flights(ctx, fids)
}

func (f *faultyTx) SetBalance(ctx context.Context, username string, balance decimal.Decimal) error {
	if f.setBalanceErr != nil {
		return f.setBalanceErr
	}
	return f.ReservationTx.SetBalance(ctx, username, balance)
}

// reservation reads rid outside any session.
func reservation(t *testing.T, store booking.ReservationStore, rid int64) *booking.Reservation {
	t.Helper()
	var r *booking.Reservation
	require.NoError(t, store.WithTx(context.Background(), func(tx booking.ReservationTx) error {
		var err error
		r, err = tx.Reservation(context.Background(), rid)
		return err
	}))
	require.NotNil(t, r)
	return r
}

// leakyStore claims a transaction is always open.
type leakyStore struct {
	booking.ReservationStore
}

func (leakyStore) OpenTransactions() int { return 1 }

// recoverPanic runs fn and returns the recovered value.
func recoverPanic(fn func()) (v any) {
	defer func() { v = recover() }()
	fn()
	return nil
}
