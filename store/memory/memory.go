// Package memory provides an in-memory implementation of the booking stores
// (for tests and the demo CLI).
package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/warp/flight-engine/booking"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Memory implements booking.Catalog, booking.AccountStore and
// booking.ReservationStore. Transactions are serialized by one mutex, so
// it never reports serialization conflicts.
type Memory struct {
	mu           sync.Mutex
	flights      map[int64]booking.Flight
	accounts     map[string]booking.Account
	reservations map[int64]booking.Reservation

	open atomic.Int64
}

func New() *Memory {
	return &Memory{
		flights:      make(map[int64]booking.Flight),
		accounts:     make(map[string]booking.Account),
		reservations: make(map[int64]booking.Reservation),
	}
}

// SaveFlights adds or replaces catalog flights.
func (m *Memory) SaveFlights(_ context.Context, flights []booking.Flight) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range flights {
		m.flights[f.ID] = f
	}
	return nil
}

// Reset clears accounts and reservations. Flights are kept.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts = make(map[string]booking.Account)
	m.reservations = make(map[int64]booking.Reservation)
	return nil
}

// =============================================================================
// CATALOG
// =============================================================================

func (m *Memory) Flight(_ context.Context, fid int64) (booking.Flight, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flights[fid]
	if !ok {
		return booking.Flight{}, booking.ErrFlightNotFound
	}
	return f, nil
}

func (m *Memory) DirectFlights(_ context.Context, origin, dest string, day, limit int) ([]booking.Flight, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []booking.Flight
	for _, f := range m.flights {
		if f.Origin == origin && f.Dest == dest && f.Day == day {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Duration != out[j].Duration {
			return out[i].Duration < out[j].Duration
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ConnectingFlights(_ context.Context, origin, dest string, day, limit int) ([][2]booking.Flight, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out [][2]booking.Flight
	for _, f1 := range m.flights {
		if f1.Origin != origin || f1.Day != day {
			continue
		}
		for _, f2 := range m.flights {
			if f2.Origin == f1.Dest && f2.Dest == dest && f2.Day == day {
				out = append(out, [2]booking.Flight{f1, f2})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		di := out[i][0].Duration + out[i][1].Duration
		dj := out[j][0].Duration + out[j][1].Duration
		if di != dj {
			return di < dj
		}
		if out[i][0].ID != out[j][0].ID {
			return out[i][0].ID < out[j][0].ID
		}
		return out[i][1].ID < out[j][1].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (m *Memory) CreateAccount(_ context.Context, acct booking.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[acct.Username]; ok {
		return booking.ErrUserExists
	}
	m.accounts[acct.Username] = acct
	return nil
}

func (m *Memory) Account(_ context.Context, username string) (booking.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[username]
	if !ok {
		return booking.Account{}, booking.ErrUserNotFound
	}
	return acct, nil
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within a transaction.
// This is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(booking.ReservationTx) error) error {
	return m.withTx(ctx, nil, fn)
}

// OpenTransactions reports transactions begun on m or any of its scopes that
// have not finished.
func (m *Memory) OpenTransactions() int {
	return int(m.open.Load())
}

// Scope returns a view of m with its own open-transaction counter.
func (m *Memory) Scope() booking.ReservationStore {
	return &scope{parent: m}
}

func (m *Memory) withTx(ctx context.Context, counter *atomic.Int64, fn func(booking.ReservationTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.open.Add(1)
	if counter != nil {
		counter.Add(1)
	}
	defer func() {
		m.open.Add(-1)
		if counter != nil {
			counter.Add(-1)
		}
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type scope struct {
	parent *Memory
	open   atomic.Int64
}

func (s *scope) WithTx(ctx context.Context, fn func(booking.ReservationTx) error) error {
	return s.parent.withTx(ctx, &s.open, fn)
}

func (s *scope) OpenTransactions() int {
	return int(s.open.Load())
}

type memorySnapshot struct {
	accounts     map[string]booking.Account
	reservations map[int64]booking.Reservation
}

func (m *Memory) snapshot() memorySnapshot {
	accts := make(map[string]booking.Account, len(m.accounts))
	for k, v := range m.accounts {
		accts[k] = v
	}
	rs := make(map[int64]booking.Reservation, len(m.reservations))
	for k, v := range m.reservations {
		rs[k] = v
	}
	return memorySnapshot{accounts: accts, reservations: rs}
}

func (m *Memory) restore(s memorySnapshot) {
	m.accounts = s.accounts
	m.reservations = s.reservations
}

// txView operates on the parent's maps directly; the parent holds the lock.
type txView struct {
	parent *Memory
}

func (tv *txView) ActiveReservationOnDay(_ context.Context, username string, day int) (int64, error) {
	var found int64
	for _, r := range tv.parent.reservations {
		if r.Username != username || r.Canceled {
			continue
		}
		if f, ok := tv.parent.flights[r.FirstFlightID]; ok && f.Day == day {
			if found == 0 || r.ID < found {
				found = r.ID
			}
		}
	}
	return found, nil
}

func (tv *txView) SeatLoads(_ context.Context, fids []int64) ([]booking.SeatLoad, error) {
	var loads []booking.SeatLoad
	for _, fid := range fids {
		f, ok := tv.parent.flights[fid]
		if !ok {
			continue
		}
		used := 0
		for _, r := range tv.parent.reservations {
			if r.Canceled {
				continue
			}
			if r.FirstFlightID == fid {
				used++
			}
			if r.SecondFlightID != nil && *r.SecondFlightID == fid {
				used++
			}
		}
		loads = append(loads, booking.SeatLoad{FlightID: fid, Capacity: f.Capacity, Used: used})
	}
	return loads, nil
}

func (tv *txView) CountReservations(_ context.Context) (int64, error) {
	return int64(len(tv.parent.reservations)), nil
}

func (tv *txView) InsertReservation(_ context.Context, r booking.Reservation) error {
	if _, ok := tv.parent.reservations[r.ID]; ok {
		return booking.ErrSerializationConflict
	}
	tv.parent.reservations[r.ID] = r
	return nil
}

func (tv *txView) Reservation(_ context.Context, rid int64) (*booking.Reservation, error) {
	r, ok := tv.parent.reservations[rid]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (tv *txView) UserReservations(_ context.Context, username string) ([]booking.Reservation, error) {
	var out []booking.Reservation
	for _, r := range tv.parent.reservations {
		if r.Username == username {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tv *txView) Flights(_ context.Context, fids []int64) (map[int64]booking.Flight, error) {
	out := make(map[int64]booking.Flight, len(fids))
	for _, fid := range fids {
		if f, ok := tv.parent.flights[fid]; ok {
			out[fid] = f
		}
	}
	return out, nil
}

func (tv *txView) Balance(_ context.Context, username string) (decimal.Decimal, error) {
	acct, ok := tv.parent.accounts[username]
	if !ok {
		return decimal.Zero, booking.ErrUserNotFound
	}
	return acct.Balance, nil
}

func (tv *txView) SetBalance(_ context.Context, username string, balance decimal.Decimal) error {
	acct, ok := tv.parent.accounts[username]
	if !ok {
		return booking.ErrUserNotFound
	}
	acct.Balance = balance
	tv.parent.accounts[username] = acct
	return nil
}

func (tv *txView) MarkPaid(_ context.Context, rid int64) error {
	r, ok := tv.parent.reservations[rid]
	if !ok {
		return booking.ErrReservationNotFound
	}
	r.Paid = true
	tv.parent.reservations[rid] = r
	return nil
}

func (tv *txView) MarkCanceled(_ context.Context, rid int64) error {
	r, ok := tv.parent.reservations[rid]
	if !ok {
		return booking.ErrReservationNotFound
	}
	r.Canceled = true
	tv.parent.reservations[rid] = r
	return nil
}
