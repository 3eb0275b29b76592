package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/warp/flight-engine/booking"
)

// txStore implements booking.ReservationTx on one *sqlx.Tx.
type txStore struct {
	tx     *sqlx.Tx
	parent *Store
}

type reservationRow struct {
	ID       int64         `db:"rid"`
	Username string        `db:"username"`
	FID1     int64         `db:"fid1"`
	FID2     sql.NullInt64 `db:"fid2"`
	Paid     bool          `db:"paid"`
	Canceled bool          `db:"canceled"`
}

func (r reservationRow) toEntity() booking.Reservation {
	res := booking.Reservation{
		ID:            r.ID,
		Username:      r.Username,
		FirstFlightID: r.FID1,
		Paid:          r.Paid,
		Canceled:      r.Canceled,
	}
	if r.FID2.Valid {
		fid2 := r.FID2.Int64
		res.SecondFlightID = &fid2
	}
	return res
}

func (ts *txStore) ActiveReservationOnDay(ctx context.Context, username string, day int) (int64, error) {
	var rid int64
	err := ts.tx.GetContext(ctx, &rid, ts.tx.Rebind(`
		SELECT COALESCE(MIN(r.rid), 0)
		FROM reservations r
		JOIN flights f ON f.fid = r.fid1
		WHERE r.username = ? AND NOT r.canceled AND f.day_of_month = ?`), username, day)
	if err != nil {
		return 0, fmt.Errorf("failed to check same-day reservations: %w", err)
	}
	return rid, nil
}

func (ts *txStore) SeatLoads(ctx context.Context, fids []int64) ([]booking.SeatLoad, error) {
	if len(fids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT f.fid, f.capacity,
		       (SELECT COUNT(*) FROM reservations r WHERE NOT r.canceled AND r.fid1 = f.fid) +
		       (SELECT COUNT(*) FROM reservations r WHERE NOT r.canceled AND r.fid2 = f.fid) AS used
		FROM flights f
		WHERE f.fid IN (?)
		ORDER BY f.fid`, fids)
	if err != nil {
		return nil, err
	}

	var loads []booking.SeatLoad
	if err := ts.tx.SelectContext(ctx, &loads, ts.tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to read seat usage: %w", err)
	}
	return loads, nil
}

func (ts *txStore) CountReservations(ctx context.Context) (int64, error) {
	var n int64
	if err := ts.tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM reservations`); err != nil {
		return 0, fmt.Errorf("failed to count reservations: %w", err)
	}
	return n, nil
}

func (ts *txStore) InsertReservation(ctx context.Context, r booking.Reservation) error {
	var fid2 sql.NullInt64
	if r.SecondFlightID != nil {
		fid2 = sql.NullInt64{Int64: *r.SecondFlightID, Valid: true}
	}
	_, err := ts.tx.ExecContext(ctx, ts.tx.Rebind(`
		INSERT INTO reservations (rid, username, fid1, fid2, paid, canceled)
		VALUES (?, ?, ?, ?, ?, ?)`),
		r.ID, r.Username, r.FirstFlightID, fid2, r.Paid, r.Canceled)
	if err != nil {
		if ts.parent.dialect.IsUniqueViolation(err) {
			return fmt.Errorf("%w: reservation id %d taken: %w", booking.ErrSerializationConflict, r.ID, err)
		}
		return fmt.Errorf("failed to insert reservation: %w", err)
	}
	return nil
}

func (ts *txStore) Reservation(ctx context.Context, rid int64) (*booking.Reservation, error) {
	var row reservationRow
	err := ts.tx.GetContext(ctx, &row, ts.tx.Rebind(`
		SELECT rid, username, fid1, fid2, paid, canceled
		FROM reservations WHERE rid = ?`), rid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	r := row.toEntity()
	return &r, nil
}

func (ts *txStore) UserReservations(ctx context.Context, username string) ([]booking.Reservation, error) {
	var rows []reservationRow
	err := ts.tx.SelectContext(ctx, &rows, ts.tx.Rebind(`
		SELECT rid, username, fid1, fid2, paid, canceled
		FROM reservations WHERE username = ?
		ORDER BY rid`), username)
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}

	out := make([]booking.Reservation, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toEntity())
	}
	return out, nil
}

// Flights resolves ids regardless of the canceled flag, since a reservation
// keeps its flights even if the catalog later drops one.
func (ts *txStore) Flights(ctx context.Context, fids []int64) (map[int64]booking.Flight, error) {
	out := make(map[int64]booking.Flight, len(fids))
	if len(fids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`SELECT `+flightColumns+` FROM flights WHERE fid IN (?)`, fids)
	if err != nil {
		return nil, err
	}

	var flights []booking.Flight
	if err := ts.tx.SelectContext(ctx, &flights, ts.tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to resolve flights: %w", err)
	}
	for _, f := range flights {
		out[f.ID] = f
	}
	return out, nil
}

func (ts *txStore) Balance(ctx context.Context, username string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := ts.tx.GetContext(ctx, &balance, ts.tx.Rebind(`SELECT balance FROM users WHERE username = ?`), username)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, booking.ErrUserNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

func (ts *txStore) SetBalance(ctx context.Context, username string, balance decimal.Decimal) error {
	return ts.execOne(ctx, booking.ErrUserNotFound,
		`UPDATE users SET balance = ? WHERE username = ?`, balance.String(), username)
}

func (ts *txStore) MarkPaid(ctx context.Context, rid int64) error {
	return ts.execOne(ctx, booking.ErrReservationNotFound,
		`UPDATE reservations SET paid = TRUE WHERE rid = ?`, rid)
}

func (ts *txStore) MarkCanceled(ctx context.Context, rid int64) error {
	return ts.execOne(ctx, booking.ErrReservationNotFound,
		`UPDATE reservations SET canceled = TRUE WHERE rid = ?`, rid)
}

// execOne runs an update that must touch exactly one row.
func (ts *txStore) execOne(ctx context.Context, missing error, query string, args ...any) error {
	res, err := ts.tx.ExecContext(ctx, ts.tx.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return missing
	}
	return nil
}
