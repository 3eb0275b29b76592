/*
ledger.go - Reservation ledger: book, pay, list, cancel

PURPOSE:
  The only code that mutates reservations and balances. Each operation runs
  in exactly one ReservationStore transaction.

CRITICAL INVARIANTS:
  1. CAPACITY: For every flight, non-canceled reservations holding it in
     either slot never exceed its capacity.
  2. IDS: Reservation ids are count(all reservations)+1 at insert time, so
     they are unique, strictly increasing and never reused (cancel keeps the
     row).
  3. SAME DAY: A user never holds two non-canceled reservations whose first
     flights share a day of month.
  4. MONEY: A reservation is paid at most once. Payment debits and marks
     paid in one transaction; an insufficient balance changes nothing.

CONFLICTS AND RETRY:
  Concurrent bookers can make the database abort a transaction. Book retries
  the whole transaction with exponential backoff, up to RetryPolicy.MaxAttempts,
  then fails with RetriesExhaustedError. Pay, Cancel and Reservations never
  retry; a conflict there surfaces as the operation's failure kind.

REFUNDS:
  Canceling a paid reservation credits its cost back under RefundPaid (the
  default). RefundNone keeps the money.

SEE ALSO:
  - store.go: ReservationStore / ReservationTx
  - session.go: Calls the ledger on behalf of a logged-in user
*/
package booking

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/flight-engine/metrics"
)

// =============================================================================
// POLICIES
// =============================================================================

// RetryPolicy bounds booking retries on serialization conflicts.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is used when no policy is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 8,
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    250 * time.Millisecond,
	}
}

// backoff returns the delay before retrying after attempt (1-based): half the
// exponential step plus up to the other half as jitter.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay << min(attempt-1, 16)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// RefundPolicy decides what canceling a paid reservation does to the balance.
type RefundPolicy string

const (
	// RefundPaid credits the reservation's cost back to the owner.
	RefundPaid RefundPolicy = "paid"
	// RefundNone leaves the balance untouched.
	RefundNone RefundPolicy = "none"
)

// ParseRefundPolicy accepts "paid" or "none". Empty means RefundPaid.
func ParseRefundPolicy(s string) (RefundPolicy, error) {
	switch RefundPolicy(s) {
	case "", RefundPaid:
		return RefundPaid, nil
	case RefundNone:
		return RefundNone, nil
	}
	return "", fmt.Errorf("unknown refund policy %q", s)
}

// =============================================================================
// LEDGER
// =============================================================================

// Ledger performs reservation operations against a ReservationStore.
type Ledger struct {
	store   ReservationStore
	retry   RetryPolicy
	refund  RefundPolicy
	logger  *zap.Logger
	metrics *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

func WithRetryPolicy(p RetryPolicy) LedgerOption {
	return func(l *Ledger) {
		if p.MaxAttempts < 1 {
			p.MaxAttempts = 1
		}
		l.retry = p
	}
}

func WithRefundPolicy(p RefundPolicy) LedgerOption {
	return func(l *Ledger) { l.refund = p }
}

func WithLogger(logger *zap.Logger) LedgerOption {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) LedgerOption {
	return func(l *Ledger) { l.metrics = m }
}

// NewLedger creates a ledger over store.
func NewLedger(store ReservationStore, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		store:  store,
		retry:  DefaultRetryPolicy(),
		refund: RefundPaid,
		logger: zap.NewNop(),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WithStore returns a copy of l that runs its transactions on store.
func (l *Ledger) WithStore(store ReservationStore) *Ledger {
	c := *l
	c.store = store
	return &c
}

// Store returns the store transactions run on.
func (l *Ledger) Store() ReservationStore {
	return l.store
}

func (l *Ledger) RefundPolicy() RefundPolicy {
	return l.refund
}

func (l *Ledger) Logger() *zap.Logger {
	return l.logger
}

func (l *Ledger) Metrics() *metrics.Metrics {
	return l.metrics
}

// -----------------------------------------------------------------------------
// Book
// -----------------------------------------------------------------------------

// Book reserves one seat on every flight of it for username and returns the
// new reservation id.
func (l *Ledger) Book(ctx context.Context, username string, it Itinerary) (int64, error) {
	if len(it.Flights) == 0 || len(it.Flights) > 2 {
		l.metrics.RecordBooking(metrics.StatusError)
		return 0, fmt.Errorf("%w: itinerary has %d flights", ErrBookingFailed, len(it.Flights))
	}

	var lastErr error
	for attempt := 1; attempt <= l.retry.MaxAttempts; attempt++ {
		rid, err := l.bookOnce(ctx, username, it)
		if err == nil {
			l.metrics.RecordBooking(metrics.StatusSuccess)
			l.logger.Info("reservation booked",
				zap.String("username", username),
				zap.Int64("reservation_id", rid),
				zap.Int("attempt", attempt))
			return rid, nil
		}
		if !IsRetryable(err) {
			return 0, l.bookFailed(username, err)
		}

		lastErr = err
		l.metrics.RecordBookingRetry()
		l.logger.Warn("booking conflict, retrying",
			zap.String("username", username),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt == l.retry.MaxAttempts {
			break
		}
		if err := l.sleep(ctx, l.retry.backoff(attempt)); err != nil {
			l.metrics.RecordBooking(metrics.StatusError)
			return 0, fmt.Errorf("%w: %w", ErrBookingFailed, err)
		}
	}

	l.metrics.RecordBooking(metrics.StatusConflict)
	l.logger.Error("booking retries exhausted",
		zap.String("username", username),
		zap.Int("attempts", l.retry.MaxAttempts),
		zap.Error(lastErr))
	return 0, &RetriesExhaustedError{Attempts: l.retry.MaxAttempts, Last: lastErr}
}

func (l *Ledger) bookOnce(ctx context.Context, username string, it Itinerary) (int64, error) {
	var rid int64
	err := l.store.WithTx(ctx, func(tx ReservationTx) error {
		day := it.Day()
		existing, err := tx.ActiveReservationOnDay(ctx, username, day)
		if err != nil {
			return err
		}
		if existing != 0 {
			return &SameDayError{Day: day, ReservationID: existing}
		}

		loads, err := tx.SeatLoads(ctx, it.FlightIDs())
		if err != nil {
			return err
		}
		if len(loads) != len(it.Flights) {
			return fmt.Errorf("%w: %d of %d flights found", ErrFlightNotFound, len(loads), len(it.Flights))
		}
		for _, load := range loads {
			if load.Full() {
				return &CapacityError{FlightID: load.FlightID, Capacity: load.Capacity, Used: load.Used}
			}
		}

		count, err := tx.CountReservations(ctx)
		if err != nil {
			return err
		}
		r := Reservation{
			ID:            count + 1,
			Username:      username,
			FirstFlightID: it.Flights[0].ID,
		}
		if len(it.Flights) == 2 {
			second := it.Flights[1].ID
			r.SecondFlightID = &second
		}
		if err := tx.InsertReservation(ctx, r); err != nil {
			return err
		}
		rid = r.ID
		return nil
	})
	return rid, err
}

func (l *Ledger) bookFailed(username string, err error) error {
	switch {
	case errors.Is(err, ErrSameDayConflict):
		l.metrics.RecordBooking(metrics.StatusRejected)
		return err
	case errors.Is(err, ErrBookingFailed):
		l.metrics.RecordBooking(metrics.StatusRejected)
		return err
	}
	l.metrics.RecordBooking(metrics.StatusError)
	l.logger.Error("booking failed", zap.String("username", username), zap.Error(err))
	return failure(ErrBookingFailed, err)
}

// -----------------------------------------------------------------------------
// Pay
// -----------------------------------------------------------------------------

// Pay pays for an unpaid reservation of username and returns the remaining
// balance.
func (l *Ledger) Pay(ctx context.Context, username string, rid int64) (decimal.Decimal, error) {
	var remaining decimal.Decimal
	err := l.store.WithTx(ctx, func(tx ReservationTx) error {
		r, err := tx.Reservation(ctx, rid)
		if err != nil {
			return err
		}
		if r == nil || r.Username != username || r.Paid || r.Canceled {
			return &ReservationNotFoundError{ID: rid, Username: username}
		}

		flights, err := resolveFlights(ctx, tx, r.FlightIDs())
		if err != nil {
			return err
		}
		cost := totalPrice(flights)

		balance, err := tx.Balance(ctx, username)
		if err != nil {
			return err
		}
		if balance.LessThan(cost) {
			return &InsufficientBalanceError{Balance: balance, Cost: cost}
		}

		if err := tx.MarkPaid(ctx, rid); err != nil {
			return err
		}
		remaining = balance.Sub(cost)
		return tx.SetBalance(ctx, username, remaining)
	})
	if err != nil {
		if errors.Is(err, ErrReservationNotFound) || errors.Is(err, ErrInsufficientBalance) {
			l.metrics.RecordPayment(metrics.StatusRejected)
			return decimal.Zero, err
		}
		l.metrics.RecordPayment(metrics.StatusError)
		l.logger.Error("payment failed",
			zap.String("username", username),
			zap.Int64("reservation_id", rid),
			zap.Error(err))
		return decimal.Zero, fmt.Errorf("%w %d: %w", ErrPaymentFailed, rid, err)
	}

	l.metrics.RecordPayment(metrics.StatusSuccess)
	l.logger.Info("reservation paid",
		zap.String("username", username),
		zap.Int64("reservation_id", rid),
		zap.String("balance", remaining.String()))
	return remaining, nil
}

// -----------------------------------------------------------------------------
// Reservations
// -----------------------------------------------------------------------------

// Reservations lists every reservation of username, canceled ones included,
// ordered by id. No reservations is an empty slice and a nil error.
func (l *Ledger) Reservations(ctx context.Context, username string) ([]ReservationDetail, error) {
	var details []ReservationDetail
	err := l.store.WithTx(ctx, func(tx ReservationTx) error {
		rs, err := tx.UserReservations(ctx, username)
		if err != nil {
			return err
		}

		var ids []int64
		for _, r := range rs {
			ids = append(ids, r.FlightIDs()...)
		}
		flights, err := tx.Flights(ctx, ids)
		if err != nil {
			return err
		}

		details = make([]ReservationDetail, 0, len(rs))
		for _, r := range rs {
			d := ReservationDetail{Reservation: r}
			for _, fid := range r.FlightIDs() {
				f, ok := flights[fid]
				if !ok {
					return fmt.Errorf("%w: %d", ErrFlightNotFound, fid)
				}
				d.Flights = append(d.Flights, f)
			}
			details = append(details, d)
		}
		return nil
	})
	if err != nil {
		l.logger.Error("listing reservations failed", zap.String("username", username), zap.Error(err))
		return nil, failure(ErrRetrievalFailed, err)
	}
	return details, nil
}

// -----------------------------------------------------------------------------
// Cancel
// -----------------------------------------------------------------------------

// Cancellation is the outcome of a successful Cancel.
type Cancellation struct {
	ReservationID int64
	// Refund is zero unless the reservation was paid and the policy refunds.
	Refund decimal.Decimal
	// Balance is the user's stored balance after the refund.
	Balance decimal.Decimal
}

// Cancel cancels a non-canceled reservation of username.
func (l *Ledger) Cancel(ctx context.Context, username string, rid int64) (Cancellation, error) {
	c := Cancellation{ReservationID: rid, Refund: decimal.Zero}
	err := l.store.WithTx(ctx, func(tx ReservationTx) error {
		r, err := tx.Reservation(ctx, rid)
		if err != nil {
			return err
		}
		if r == nil || r.Username != username || r.Canceled {
			return fmt.Errorf("%w: reservation %d is not an active reservation of %s",
				ErrReservationNotFound, rid, username)
		}
		if err := tx.MarkCanceled(ctx, rid); err != nil {
			return err
		}

		balance, err := tx.Balance(ctx, username)
		if err != nil {
			return err
		}
		c.Balance = balance
		if !r.Paid || l.refund != RefundPaid {
			return nil
		}

		flights, err := resolveFlights(ctx, tx, r.FlightIDs())
		if err != nil {
			return err
		}
		c.Refund = totalPrice(flights)
		c.Balance = balance.Add(c.Refund)
		return tx.SetBalance(ctx, username, c.Balance)
	})
	if err != nil {
		status := metrics.StatusError
		if errors.Is(err, ErrReservationNotFound) {
			status = metrics.StatusRejected
		}
		l.metrics.RecordCancellation(status)
		l.logger.Warn("cancel failed",
			zap.String("username", username),
			zap.Int64("reservation_id", rid),
			zap.Error(err))
		return Cancellation{}, fmt.Errorf("%w %d: %w", ErrCancelFailed, rid, err)
	}

	l.metrics.RecordCancellation(metrics.StatusSuccess)
	l.logger.Info("reservation canceled",
		zap.String("username", username),
		zap.Int64("reservation_id", rid),
		zap.String("refund", c.Refund.String()),
		zap.String("balance", c.Balance.String()))
	return c, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func resolveFlights(ctx context.Context, tx ReservationTx, ids []int64) ([]Flight, error) {
	byID, err := tx.Flights(ctx, ids)
	if err != nil {
		return nil, err
	}
	flights := make([]Flight, 0, len(ids))
	for _, id := range ids {
		f, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrFlightNotFound, id)
		}
		flights = append(flights, f)
	}
	return flights, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
