package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/flight-engine/booking"
	"github.com/warp/flight-engine/store/memory"
)

func newTestMemory(t *testing.T) *memory.Memory {
	m := memory.New()
	require.NoError(t, m.SaveFlights(context.Background(), []booking.Flight{
		{ID: 1, Day: 1, Origin: "A", Dest: "B", Duration: 90, Capacity: 1, Price: decimal.NewFromInt(10)},
		{ID: 2, Day: 1, Origin: "A", Dest: "C", Duration: 30, Capacity: 1, Price: decimal.NewFromInt(10)},
		{ID: 3, Day: 1, Origin: "C", Dest: "B", Duration: 40, Capacity: 1, Price: decimal.NewFromInt(10)},
	}))
	require.NoError(t, m.CreateAccount(context.Background(), booking.Account{Username: "alice", Balance: decimal.NewFromInt(50)}))
	return m
}

func TestMemory_RollbackRestoresState(t *testing.T) {
	// GIVEN: A transaction that inserts and debits, then fails
	// THEN: Neither write is visible afterwards
	m := newTestMemory(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := m.WithTx(ctx, func(tx booking.ReservationTx) error {
		require.NoError(t, tx.InsertReservation(ctx, booking.Reservation{ID: 1, Username: "alice", FirstFlightID: 1}))
		require.NoError(t, tx.SetBalance(ctx, "alice", decimal.Zero))
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, m.WithTx(ctx, func(tx booking.ReservationTx) error {
		n, err := tx.CountReservations(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		balance, err := tx.Balance(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(50).Equal(balance))
		return nil
	}))
}

func TestMemory_CatalogOrdering(t *testing.T) {
	m := newTestMemory(t)

	pairs, err := m.ConnectingFlights(context.Background(), "A", "B", 1, 5)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, int64(2), pairs[0][0].ID)

	_, err = m.Flight(context.Background(), 42)
	assert.ErrorIs(t, err, booking.ErrFlightNotFound)
}

func TestMemory_ResetKeepsFlights(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	require.NoError(t, m.Reset(ctx))

	_, err := m.Account(ctx, "alice")
	assert.ErrorIs(t, err, booking.ErrUserNotFound)
	_, err = m.Flight(ctx, 1)
	assert.NoError(t, err)
}

func TestMemory_ScopeCounter(t *testing.T) {
	m := newTestMemory(t)
	scope := m.Scope()

	require.NoError(t, scope.WithTx(context.Background(), func(booking.ReservationTx) error {
		assert.Equal(t, 1, scope.OpenTransactions())
		assert.Equal(t, 1, m.OpenTransactions())
		return nil
	}))
	assert.Zero(t, scope.OpenTransactions())
	assert.Zero(t, m.OpenTransactions())
}
