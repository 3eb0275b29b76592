package booking_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/flight-engine/booking"
)

// =============================================================================
// BOOK
// =============================================================================

func TestBook_SameDayConflict(t *testing.T) {
	// GIVEN: A user holding a reservation on day 1
	// WHEN: Booking another day-1 itinerary
	// THEN: SameDayConflict, and a day-2 booking still works
	store := newSQLiteStore(t)
	sess := loggedIn(t, store, "alice", 1000)

	rid, err := searchAndBook(t, sess, seattleToBoston(1, 10), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rid)

	_, err = searchAndBook(t, sess, seattleToBoston(1, 10), 3)
	var sameDay *booking.SameDayError
	require.ErrorAs(t, err, &sameDay)
	assert.ErrorIs(t, err, booking.ErrSameDayConflict)
	assert.Equal(t, 1, sameDay.Day)
	assert.Equal(t, int64(1), sameDay.ReservationID)

	rid, err = searchAndBook(t, sess, seattleToBoston(2, 10), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rid)
}

func TestBook_CanceledReservationFreesTheDay(t *testing.T) {
	store := newSQLiteStore(t)
	sess := loggedIn(t, store, "alice", 1000)
	ctx := context.Background()

	rid, err := searchAndBook(t, sess, seattleToBoston(1, 10), 1)
	require.NoError(t, err)
	require.NoError(t, sess.Cancel(ctx, rid))

	_, err = searchAndBook(t, sess, seattleToBoston(1, 10), 1)
	assert.NoError(t, err)
}

func TestBook_CapacityExceeded(t *testing.T) {
	// GIVEN: Flight 2 has capacity 1 and bob holds its only seat
	// WHEN: alice books it
	// THEN: BookingFailed with the capacity detail
	store := newSQLiteStore(t)
	bob := loggedIn(t, store, "bob", 0)
	alice := loggedIn(t, store, "alice", 0)

	_, err := searchAndBook(t, bob, seattleToBoston(1, 10), 0)
	require.NoError(t, err)

	_, err = searchAndBook(t, alice, seattleToBoston(1, 10), 0)
	require.ErrorIs(t, err, booking.ErrBookingFailed)
	var capErr *booking.CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, int64(2), capErr.FlightID)
	assert.Equal(t, 1, capErr.Capacity)
	assert.Equal(t, 1, capErr.Used)
}

func TestBook_CapacityCountsSecondLeg(t *testing.T) {
	// GIVEN: Flight 2 (capacity 1) as the second leg of someone's reservation
	// THEN: It counts toward usage exactly as a first leg would
	store := newMemoryStore(t)
	require.NoError(t, store.SaveFlights(context.Background(), []booking.Flight{
		flight(20, 4, "Portland OR", "Seattle WA", 60, 5, 40),
		flight(21, 4, "Seattle WA", "Boston MA", 300, 1, 200),
	}))
	bob := loggedIn(t, store, "bob", 0)
	alice := loggedIn(t, store, "alice", 0)

	_, err := searchAndBook(t, bob, booking.SearchQuery{Origin: "Portland OR", Dest: "Boston MA", Day: 4, MaxResults: 5}, 0)
	require.NoError(t, err)

	_, err = searchAndBook(t, alice, booking.SearchQuery{Origin: "Seattle WA", Dest: "Boston MA", Day: 4, MaxResults: 5}, 0)
	assert.ErrorIs(t, err, booking.ErrBookingFailed)
}

func TestBook_IDsNeverReused(t *testing.T) {
	// GIVEN: Reservations 1 and 2, then 2 is canceled
	// WHEN: Booking again
	// THEN: The new id is 3
	store := newSQLiteStore(t)
	alice := loggedIn(t, store, "alice", 0)
	bob := loggedIn(t, store, "bob", 0)
	ctx := context.Background()

	r1, err := searchAndBook(t, alice, seattleToBoston(1, 10), 1)
	require.NoError(t, err)
	r2, err := searchAndBook(t, bob, seattleToBoston(1, 10), 1)
	require.NoError(t, err)
	require.NoError(t, bob.Cancel(ctx, r2))

	r3, err := searchAndBook(t, bob, seattleToBoston(2, 10), 0)
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2, 3}, []int64{r1, r2, r3})
}

func TestBook_ConcurrentBookersNeverOverbook(t *testing.T) {
	// GIVEN: Flight 7 with capacity 2 and ten users racing for it
	// THEN: Exactly two succeed, the rest fail with BookingFailed, ids are 1 and 2
	for name, store := range map[string]backend{
		"memory": newMemoryStore(t),
		"sqlite": newSQLiteStore(t),
	} {
		t.Run(name, func(t *testing.T) {
			const users = 10
			sessions := make([]*booking.Session, users)
			for i := range sessions {
				sessions[i] = loggedIn(t, store, fmt.Sprintf("user%d", i), 0,
					booking.WithRetryPolicy(booking.RetryPolicy{MaxAttempts: 50, BaseDelay: time.Millisecond, MaxDelay: 20 * time.Millisecond}))
				_, err := sessions[i].Search(context.Background(), seattleToBoston(2, 1))
				require.NoError(t, err)
			}

			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				ids  []int64
				errs []error
			)
			start := make(chan struct{})
			for _, sess := range sessions {
				wg.Add(1)
				go func(sess *booking.Session) {
					defer wg.Done()
					<-start
					rid, err := sess.Book(context.Background(), 0)
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						errs = append(errs, err)
						return
					}
					ids = append(ids, rid)
				}(sess)
			}
			close(start)
			wg.Wait()

			assert.ElementsMatch(t, []int64{1, 2}, ids)
			require.Len(t, errs, users-2)
			for _, err := range errs {
				assert.ErrorIs(t, err, booking.ErrBookingFailed)
			}

			var loads []booking.SeatLoad
			require.NoError(t, store.WithTx(context.Background(), func(tx booking.ReservationTx) error {
				var err error
				loads, err = tx.SeatLoads(context.Background(), []int64{7})
				return err
			}))
			require.Len(t, loads, 1)
			assert.Equal(t, 2, loads[0].Used)
		})
	}
}

func TestBook_RetriesConflictsThenSucceeds(t *testing.T) {
	store := newMemoryStore(t)
	require.NoError(t, store.CreateAccount(context.Background(), booking.Account{Username: "alice", Balance: money(0)}))
	flaky := &flakyStore{ReservationStore: store, conflicts: 2}
	ledger := booking.NewLedger(flaky, booking.WithRetryPolicy(booking.RetryPolicy{MaxAttempts: 3}))

	it := booking.Itinerary{Flights: []booking.Flight{testFlights()[0]}}
	rid, err := ledger.Book(context.Background(), "alice", it)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rid)
	assert.Equal(t, int64(3), flaky.calls.Load())
}

func TestBook_RetriesExhausted(t *testing.T) {
	// GIVEN: A store that always conflicts
	// THEN: Book gives up after MaxAttempts with an error that is both
	//       BookingFailed and RetriesExhausted
	store := newMemoryStore(t)
	flaky := &flakyStore{ReservationStore: store, conflicts: 1 << 30}
	ledger := booking.NewLedger(flaky, booking.WithRetryPolicy(booking.RetryPolicy{MaxAttempts: 4}))

	it := booking.Itinerary{Flights: []booking.Flight{testFlights()[0]}}
	_, err := ledger.Book(context.Background(), "alice", it)

	assert.ErrorIs(t, err, booking.ErrBookingFailed)
	assert.ErrorIs(t, err, booking.ErrRetriesExhausted)
	assert.ErrorIs(t, err, booking.ErrSerializationConflict)
	assert.False(t, booking.IsRetryable(err))
	var exhausted *booking.RetriesExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 4, exhausted.Attempts)
	assert.Equal(t, int64(4), flaky.calls.Load())
}

func TestBook_PersistenceErrorIsNotRetried(t *testing.T) {
	// GIVEN: A store whose insert fails with a non-conflict error
	// WHEN: Booking with retries enabled
	// THEN: One attempt, BookingFailed, nothing written
	store := newMemoryStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateAccount(ctx, booking.Account{Username: "alice", PasswordHash: []byte("x")}))
	faulty := &faultyStore{ReservationStore: store, faults: faultyTx{insertErr: errors.New("disk full")}}
	ledger := booking.NewLedger(faulty, booking.WithRetryPolicy(booking.RetryPolicy{MaxAttempts: 5}))
	it := booking.Itinerary{Flights: []booking.Flight{testFlights()[6]}}

	_, err := ledger.Book(ctx, "alice", it)

	require.ErrorIs(t, err, booking.ErrBookingFailed)
	assert.NotErrorIs(t, err, booking.ErrRetriesExhausted)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, int64(1), faulty.calls.Load())

	rid, err := booking.NewLedger(store).Book(ctx, "alice", it)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rid, "the failed attempt left no row behind")
}

func TestBook_CanceledContextStopsRetrying(t *testing.T) {
	store := newMemoryStore(t)
	flaky := &flakyStore{ReservationStore: store, conflicts: 1 << 30}
	ledger := booking.NewLedger(flaky, booking.WithRetryPolicy(booking.RetryPolicy{
		MaxAttempts: 100, BaseDelay: time.Hour, MaxDelay: time.Hour,
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	it := booking.Itinerary{Flights: []booking.Flight{testFlights()[0]}}
	_, err := ledger.Book(ctx, "alice", it)

	assert.ErrorIs(t, err, booking.ErrBookingFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(1), flaky.calls.Load())
}

// =============================================================================
// PAY
// =============================================================================

func TestPay_DebitsOnceOnly(t *testing.T) {
	// GIVEN: Balance 500 and a 300 reservation
	// WHEN: Paying twice
	// THEN: 200 remains; the second pay is ReservationNotFound and changes nothing
	store := newSQLiteStore(t)
	require.NoError(t, store.SaveFlights(context.Background(), []booking.Flight{
		flight(30, 9, "Austin TX", "Denver CO", 120, 10, 300),
	}))
	sess := loggedIn(t, store, "alice", 500)
	ctx := context.Background()

	rid, err := searchAndBook(t, sess, booking.SearchQuery{Origin: "Austin TX", Dest: "Denver CO", Day: 9, MaxResults: 1}, 0)
	require.NoError(t, err)

	balance, err := sess.Pay(ctx, rid)
	require.NoError(t, err)
	assert.True(t, money(200).Equal(balance), "got %s", balance)

	_, err = sess.Pay(ctx, rid)
	var notFound *booking.ReservationNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, rid, notFound.ID)
	assert.Equal(t, "alice", notFound.Username)

	assert.True(t, money(200).Equal(sess.User().Balance))
	acct, err := store.Account(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, money(200).Equal(acct.Balance))
}

func TestPay_PersistenceErrorRollsBack(t *testing.T) {
	// GIVEN: A reservation and a store whose balance write fails
	// WHEN: Paying
	// THEN: PaymentFailed; the reservation stays unpaid and the balance unchanged
	store := newMemoryStore(t)
	sess := loggedIn(t, store, "alice", 500)
	ctx := context.Background()
	rid, err := searchAndBook(t, sess, seattleToBoston(2, 10), 0) // price 120
	require.NoError(t, err)

	faulty := &faultyStore{ReservationStore: store, faults: faultyTx{setBalanceErr: errors.New("disk")}}
	_, err = booking.NewLedger(faulty).Pay(ctx, "alice", rid)

	require.ErrorIs(t, err, booking.ErrPaymentFailed)
	assert.NotErrorIs(t, err, booking.ErrInsufficientBalance)
	assert.False(t, reservation(t, store, rid).Paid)
	acct, err := store.Account(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, money(500).Equal(acct.Balance))

	balance, err := sess.Pay(ctx, rid)
	require.NoError(t, err)
	assert.True(t, money(380).Equal(balance))
}

func TestPay_InsufficientBalanceChangesNothing(t *testing.T) {
	store := newSQLiteStore(t)
	sess := loggedIn(t, store, "alice", 250)
	ctx := context.Background()

	rid, err := searchAndBook(t, sess, seattleToBoston(1, 10), 3) // flight 1, price 300
	require.NoError(t, err)

	_, err = sess.Pay(ctx, rid)
	var insufficient *booking.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, money(250).Equal(insufficient.Balance))
	assert.True(t, money(300).Equal(insufficient.Cost))
	assert.Equal(t, "user has only 250 in account but itinerary costs 300", insufficient.Error())

	details, err := sess.Reservations(ctx)
	require.NoError(t, err)
	require.Len(t, details, 1)
	assert.False(t, details[0].Paid)

	acct, err := store.Account(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, money(250).Equal(acct.Balance))
}

func TestPay_ConnectingItineraryCostsBothLegs(t *testing.T) {
	store := newMemoryStore(t)
	sess := loggedIn(t, store, "alice", 1000)

	rid, err := searchAndBook(t, sess, seattleToBoston(1, 10), 2) // 3+4 = 50+60
	require.NoError(t, err)

	balance, err := sess.Pay(context.Background(), rid)
	require.NoError(t, err)
	assert.True(t, money(890).Equal(balance))
}

func TestPay_OtherUsersReservation(t *testing.T) {
	store := newSQLiteStore(t)
	alice := loggedIn(t, store, "alice", 1000)
	bob := loggedIn(t, store, "bob", 1000)

	rid, err := searchAndBook(t, alice, seattleToBoston(1, 10), 1)
	require.NoError(t, err)

	_, err = bob.Pay(context.Background(), rid)
	assert.ErrorIs(t, err, booking.ErrReservationNotFound)

	_, err = bob.Pay(context.Background(), 999)
	assert.ErrorIs(t, err, booking.ErrReservationNotFound)
}

func TestPay_CanceledReservation(t *testing.T) {
	store := newMemoryStore(t)
	sess := loggedIn(t, store, "alice", 1000)
	ctx := context.Background()

	rid, err := searchAndBook(t, sess, seattleToBoston(1, 10), 1)
	require.NoError(t, err)
	require.NoError(t, sess.Cancel(ctx, rid))

	_, err = sess.Pay(ctx, rid)
	assert.ErrorIs(t, err, booking.ErrReservationNotFound)
}

// =============================================================================
// RESERVATIONS
// =============================================================================

func TestReservations_AscendingIncludingCanceled(t *testing.T) {
	store := newSQLiteStore(t)
	alice := loggedIn(t, store, "alice", 1000)
	bob := loggedIn(t, store, "bob", 1000)
	ctx := context.Background()

	empty, err := alice.Reservations(ctx)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	r1, err := searchAndBook(t, alice, seattleToBoston(1, 10), 2) // 3+4
	require.NoError(t, err)
	_, err = searchAndBook(t, bob, seattleToBoston(1, 10), 1)
	require.NoError(t, err)
	r3, err := searchAndBook(t, alice, seattleToBoston(2, 10), 0)
	require.NoError(t, err)
	_, err = alice.Pay(ctx, r3)
	require.NoError(t, err)
	require.NoError(t, alice.Cancel(ctx, r1))

	details, err := alice.Reservations(ctx)
	require.NoError(t, err)
	require.Len(t, details, 2)

	assert.Equal(t, r1, details[0].ID)
	assert.True(t, details[0].Canceled)
	assert.False(t, details[0].Paid)
	assert.Equal(t, []int64{3, 4}, []int64{details[0].Flights[0].ID, details[0].Flights[1].ID})
	require.NotNil(t, details[0].SecondFlightID)

	assert.Equal(t, r3, details[1].ID)
	assert.True(t, details[1].Paid)
	assert.False(t, details[1].Canceled)
	assert.Nil(t, details[1].SecondFlightID)
	assert.True(t, money(120).Equal(details[1].Cost()))
}

func TestReservations_ReadFailureReturnsNothing(t *testing.T) {
	// GIVEN: Two reservations and a store that fails resolving their flights
	// WHEN: Listing
	// THEN: RetrievalFailed and no partial list
	store := newMemoryStore(t)
	sess := loggedIn(t, store, "alice", 0)
	_, err := searchAndBook(t, sess, seattleToBoston(1, 10), 1)
	require.NoError(t, err)
	_, err = searchAndBook(t, sess, seattleToBoston(2, 10), 0)
	require.NoError(t, err)

	faulty := &faultyStore{ReservationStore: store, faults: faultyTx{flightsErr: errors.New("connection reset")}}
	details, err := booking.NewLedger(faulty).Reservations(context.Background(), "alice")

	require.ErrorIs(t, err, booking.ErrRetrievalFailed)
	assert.Nil(t, details)
}

// =============================================================================
// CANCEL
// =============================================================================

func TestCancel_RefundPolicies(t *testing.T) {
	cases := []struct {
		policy booking.RefundPolicy
		want   int64
	}{
		{booking.RefundPaid, 1000},
		{booking.RefundNone, 880},
	}
	for _, tc := range cases {
		t.Run(string(tc.policy), func(t *testing.T) {
			store := newSQLiteStore(t)
			sess := loggedIn(t, store, "alice", 1000, booking.WithRefundPolicy(tc.policy))
			ctx := context.Background()

			rid, err := searchAndBook(t, sess, seattleToBoston(2, 10), 0) // price 120
			require.NoError(t, err)
			_, err = sess.Pay(ctx, rid)
			require.NoError(t, err)

			require.NoError(t, sess.Cancel(ctx, rid))

			assert.True(t, money(tc.want).Equal(sess.User().Balance))
			acct, err := store.Account(ctx, "alice")
			require.NoError(t, err)
			assert.True(t, money(tc.want).Equal(acct.Balance))
		})
	}
}

func TestCancel_BalanceReflectsOtherSessions(t *testing.T) {
	// GIVEN: Alice logged in twice; the second session pays reservation 1
	// WHEN: The first session cancels unpaid reservation 2
	// THEN: Its balance is the stored one, not its stale cached value
	store := newMemoryStore(t)
	first := loggedIn(t, store, "alice", 1000)
	ctx := context.Background()
	r1, err := searchAndBook(t, first, seattleToBoston(1, 10), 1) // flight 8, price 100
	require.NoError(t, err)
	r2, err := searchAndBook(t, first, seattleToBoston(2, 10), 0) // flight 7, price 120
	require.NoError(t, err)

	second := newSession(store)
	require.NoError(t, second.Login(ctx, "alice", "pw-alice"))
	_, err = second.Pay(ctx, r1)
	require.NoError(t, err)
	require.True(t, money(1000).Equal(first.User().Balance), "first session has not seen the payment")

	require.NoError(t, first.Cancel(ctx, r2))

	assert.True(t, money(900).Equal(first.User().Balance), "got %s", first.User().Balance)
}

func TestLedgerCancel_ReportsRefundAndBalance(t *testing.T) {
	store := newMemoryStore(t)
	sess := loggedIn(t, store, "alice", 500)
	ctx := context.Background()
	rid, err := searchAndBook(t, sess, seattleToBoston(2, 10), 0) // price 120
	require.NoError(t, err)
	_, err = sess.Pay(ctx, rid)
	require.NoError(t, err)

	c, err := booking.NewLedger(store).Cancel(ctx, "alice", rid)
	require.NoError(t, err)
	assert.Equal(t, rid, c.ReservationID)
	assert.True(t, money(120).Equal(c.Refund))
	assert.True(t, money(500).Equal(c.Balance))
}

func TestCancel_UnpaidNeverRefunds(t *testing.T) {
	store := newMemoryStore(t)
	sess := loggedIn(t, store, "alice", 100)

	rid, err := searchAndBook(t, sess, seattleToBoston(2, 10), 0)
	require.NoError(t, err)
	require.NoError(t, sess.Cancel(context.Background(), rid))

	assert.True(t, money(100).Equal(sess.User().Balance))
}

func TestCancel_Failures(t *testing.T) {
	// Cancel twice, cancel someone else's, cancel a missing id
	store := newSQLiteStore(t)
	alice := loggedIn(t, store, "alice", 0)
	bob := loggedIn(t, store, "bob", 0)
	ctx := context.Background()

	rid, err := searchAndBook(t, alice, seattleToBoston(1, 10), 1)
	require.NoError(t, err)

	err = bob.Cancel(ctx, rid)
	assert.ErrorIs(t, err, booking.ErrCancelFailed)

	require.NoError(t, alice.Cancel(ctx, rid))
	assert.ErrorIs(t, alice.Cancel(ctx, rid), booking.ErrCancelFailed)
	assert.ErrorIs(t, alice.Cancel(ctx, 42), booking.ErrCancelFailed)
}

func TestCancel_FreesSeat(t *testing.T) {
	store := newSQLiteStore(t)
	bob := loggedIn(t, store, "bob", 0)
	alice := loggedIn(t, store, "alice", 0)
	ctx := context.Background()

	rid, err := searchAndBook(t, bob, seattleToBoston(1, 10), 0) // flight 2, capacity 1
	require.NoError(t, err)
	_, err = searchAndBook(t, alice, seattleToBoston(1, 10), 0)
	require.ErrorIs(t, err, booking.ErrBookingFailed)

	require.NoError(t, bob.Cancel(ctx, rid))

	_, err = alice.Book(ctx, 0)
	assert.NoError(t, err)
}

// =============================================================================
// POLICIES
// =============================================================================

func TestParseRefundPolicy(t *testing.T) {
	p, err := booking.ParseRefundPolicy("")
	require.NoError(t, err)
	assert.Equal(t, booking.RefundPaid, p)

	p, err = booking.ParseRefundPolicy("none")
	require.NoError(t, err)
	assert.Equal(t, booking.RefundNone, p)

	_, err = booking.ParseRefundPolicy("partial")
	assert.Error(t, err)
}
