/*
Package booking provides the transaction-management core of the flight
reservation engine.

PURPOSE:
  Everything that reads or mutates shared reservation state lives here:
  itinerary search with per-session caching, booking under capacity and
  same-day rules, payment against an account balance, cancellation, and
  listing. Storage and the flight catalog are reached only through the
  interfaces in store.go.

KEY CONCEPTS IN THIS FILE (types.go):
  - Flight: An immutable catalog row (capacity and price included)
  - Itinerary: One direct flight or two connecting flights on one day
  - Reservation: A user's claim on one seat of each flight in an itinerary
  - User: Identity bound to a session, with a cached balance

MONEY:
  Prices and balances use decimal.Decimal. Catalog prices are whole units
  but payments and refunds accumulate, so floats are never used.

USAGE:
  sess := booking.NewSession(catalog, accounts, auth.NewHasher(bcrypt.DefaultCost), ledger)
  _ = sess.Login(ctx, "alice", "secret")
  its, _ := sess.Search(ctx, booking.SearchQuery{Origin: "Seattle WA", ...})
  rid, _ := sess.Book(ctx, its[0].ID)

SEE ALSO:
  - search.go: Itinerary search and cache
  - ledger.go: Book / pay / cancel / list
  - session.go: Per-connection controller
*/
package booking

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FLIGHT - Read-only catalog row
// =============================================================================

// Flight is a single scheduled flight. Canceled flights are never returned by
// a Catalog, so the type carries no canceled flag.
type Flight struct {
	ID       int64           `json:"fid" db:"fid"`
	Day      int             `json:"day_of_month" db:"day_of_month"`
	Carrier  string          `json:"carrier_id" db:"carrier_id"`
	Number   string          `json:"flight_num" db:"flight_num"`
	Origin   string          `json:"origin_city" db:"origin_city"`
	Dest     string          `json:"dest_city" db:"dest_city"`
	Duration int             `json:"actual_time" db:"actual_time"`
	Capacity int             `json:"capacity" db:"capacity"`
	Price    decimal.Decimal `json:"price" db:"price"`
}

// String renders the flight the way the command line client prints it.
func (f Flight) String() string {
	return fmt.Sprintf("ID: %d Day: %d Carrier: %s Number: %s Origin: %s Dest: %s Duration: %d Capacity: %d Price: %s",
		f.ID, f.Day, f.Carrier, f.Number, f.Origin, f.Dest, f.Duration, f.Capacity, f.Price.String())
}

// =============================================================================
// ITINERARY - Search result
// =============================================================================

// Itinerary is one or two flights. ID is its position in the result set that
// produced it and is meaningless outside that set.
type Itinerary struct {
	ID      int      `json:"id"`
	Flights []Flight `json:"flights"`
}

// Direct reports whether the itinerary is a single flight.
func (it Itinerary) Direct() bool {
	return len(it.Flights) == 1
}

// Duration is the summed flight time in minutes.
func (it Itinerary) Duration() int {
	total := 0
	for _, f := range it.Flights {
		total += f.Duration
	}
	return total
}

// Day is the day-of-month of the first flight.
func (it Itinerary) Day() int {
	if len(it.Flights) == 0 {
		return 0
	}
	return it.Flights[0].Day
}

// Cost is the summed price of all flights.
func (it Itinerary) Cost() decimal.Decimal {
	return totalPrice(it.Flights)
}

// FlightIDs returns the flight ids in itinerary order.
func (it Itinerary) FlightIDs() []int64 {
	ids := make([]int64, len(it.Flights))
	for i, f := range it.Flights {
		ids[i] = f.ID
	}
	return ids
}

func (it Itinerary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Itinerary %d: %d flight(s), %d minutes\n", it.ID, len(it.Flights), it.Duration())
	for _, f := range it.Flights {
		b.WriteString(f.String())
		b.WriteByte('\n')
	}
	return b.String()
}

// =============================================================================
// RESERVATION
// =============================================================================

// Reservation is a persisted booking. SecondFlightID is nil for a direct
// itinerary. IDs start at 1 and are never reused, including after cancel.
type Reservation struct {
	ID             int64  `json:"id" db:"rid"`
	Username       string `json:"username" db:"username"`
	FirstFlightID  int64  `json:"fid1" db:"fid1"`
	SecondFlightID *int64 `json:"fid2,omitempty" db:"fid2"`
	Paid           bool   `json:"paid" db:"paid"`
	Canceled       bool   `json:"canceled" db:"canceled"`
}

// FlightIDs returns one or two flight ids.
func (r Reservation) FlightIDs() []int64 {
	if r.SecondFlightID == nil {
		return []int64{r.FirstFlightID}
	}
	return []int64{r.FirstFlightID, *r.SecondFlightID}
}

// ReservationDetail is a reservation with its flights resolved.
type ReservationDetail struct {
	Reservation
	Flights []Flight `json:"flights"`
}

// Cost is the summed price of the reservation's flights.
func (d ReservationDetail) Cost() decimal.Decimal {
	return totalPrice(d.Flights)
}

func (d ReservationDetail) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Reservation %d paid: %t:\n", d.ID, d.Paid)
	for _, f := range d.Flights {
		b.WriteString(f.String())
		b.WriteByte('\n')
	}
	return b.String()
}

// SeatLoad is the capacity of a flight and the number of non-canceled
// reservations that hold a seat on it in either slot.
type SeatLoad struct {
	FlightID int64 `db:"fid"`
	Capacity int   `db:"capacity"`
	Used     int   `db:"used"`
}

// Full reports whether one more seat would exceed capacity.
func (l SeatLoad) Full() bool {
	return l.Used+1 > l.Capacity
}

// =============================================================================
// USER
// =============================================================================

// User is an account identity. Balance is a snapshot; the store holds the
// authoritative value.
type User struct {
	Username string          `json:"username" db:"username"`
	Balance  decimal.Decimal `json:"balance" db:"balance"`
}

// NormalizeUsername lower-cases a username. Usernames are case-insensitive.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func totalPrice(flights []Flight) decimal.Decimal {
	total := decimal.Zero
	for _, f := range flights {
		total = total.Add(f.Price)
	}
	return total
}
