/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the booking model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Accounts / sessions:
    CreateUserRequest, LoginRequest, UserDTO, SessionDTO

  Search:
    SearchRequest, ItineraryDTO, FlightDTO, SearchResponse

  Reservations:
    BookRequest, BookingDTO, ReservationDTO, PaymentDTO

VALIDATION:
  Request types carry validator/v10 struct tags, checked in decodeRequest.
  Business rules (negative balance, unknown itinerary) stay in the booking
  core so HTTP and CLI clients see the same errors.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"github.com/shopspring/decimal"

	"github.com/warp/flight-engine/booking"
)

// =============================================================================
// ACCOUNTS AND SESSIONS
// =============================================================================

// CreateUserRequest is the request to create an account.
type CreateUserRequest struct {
	Username string          `json:"username" validate:"required,max=20"`
	Password string          `json:"password" validate:"required,max=72"`
	Balance  decimal.Decimal `json:"balance"`
}

// LoginRequest is the request to open a logged-in session.
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// UserDTO represents the logged-in user.
type UserDTO struct {
	Username string `json:"username"`
	Balance  string `json:"balance"`
}

// SessionDTO is returned by login. Token goes in X-Session-Token.
type SessionDTO struct {
	Token string  `json:"token"`
	User  UserDTO `json:"user"`
}

// =============================================================================
// SEARCH
// =============================================================================

// SearchRequest mirrors booking.SearchQuery.
type SearchRequest struct {
	Origin     string `json:"origin" validate:"required"`
	Dest       string `json:"dest" validate:"required"`
	DirectOnly bool   `json:"direct_only"`
	Day        int    `json:"day" validate:"min=1,max=31"`
	MaxResults int    `json:"max_results" validate:"min=0,max=100"`
}

func (r SearchRequest) query() booking.SearchQuery {
	return booking.SearchQuery{
		Origin:     r.Origin,
		Dest:       r.Dest,
		DirectOnly: r.DirectOnly,
		Day:        r.Day,
		MaxResults: r.MaxResults,
	}
}

// FlightDTO represents one flight.
type FlightDTO struct {
	ID       int64  `json:"fid"`
	Day      int    `json:"day"`
	Carrier  string `json:"carrier"`
	Number   string `json:"number"`
	Origin   string `json:"origin"`
	Dest     string `json:"dest"`
	Duration int    `json:"duration"`
	Capacity int    `json:"capacity"`
	Price    string `json:"price"`
}

// ItineraryDTO represents one search result. ID is what BookRequest takes.
type ItineraryDTO struct {
	ID       int         `json:"id"`
	Duration int         `json:"duration"`
	Cost     string      `json:"cost"`
	Flights  []FlightDTO `json:"flights"`
}

// SearchResponse wraps the itineraries of one search.
type SearchResponse struct {
	Itineraries []ItineraryDTO `json:"itineraries"`
	Generation  uint64         `json:"generation"`
}

// =============================================================================
// RESERVATIONS
// =============================================================================

// BookRequest books an itinerary id from the session's latest search.
type BookRequest struct {
	ItineraryID int `json:"itinerary_id"`
}

// BookingDTO is returned by a successful booking.
type BookingDTO struct {
	ReservationID int64 `json:"reservation_id"`
}

// ReservationDTO represents a reservation with its flights.
type ReservationDTO struct {
	ID       int64       `json:"id"`
	Paid     bool        `json:"paid"`
	Canceled bool        `json:"canceled"`
	Cost     string      `json:"cost"`
	Flights  []FlightDTO `json:"flights"`
}

// PaymentDTO is returned by pay and cancel.
type PaymentDTO struct {
	ReservationID int64  `json:"reservation_id"`
	Balance       string `json:"balance"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toUserDTO(u booking.User) UserDTO {
	return UserDTO{Username: u.Username, Balance: u.Balance.String()}
}

func toFlightDTOs(flights []booking.Flight) []FlightDTO {
	dtos := make([]FlightDTO, len(flights))
	for i, f := range flights {
		dtos[i] = FlightDTO{
			ID:       f.ID,
			Day:      f.Day,
			Carrier:  f.Carrier,
			Number:   f.Number,
			Origin:   f.Origin,
			Dest:     f.Dest,
			Duration: f.Duration,
			Capacity: f.Capacity,
			Price:    f.Price.String(),
		}
	}
	return dtos
}

func toItineraryDTOs(its []booking.Itinerary) []ItineraryDTO {
	dtos := make([]ItineraryDTO, len(its))
	for i, it := range its {
		dtos[i] = ItineraryDTO{
			ID:       it.ID,
			Duration: it.Duration(),
			Cost:     it.Cost().String(),
			Flights:  toFlightDTOs(it.Flights),
		}
	}
	return dtos
}

func toReservationDTOs(details []booking.ReservationDetail) []ReservationDTO {
	dtos := make([]ReservationDTO, len(details))
	for i, d := range details {
		dtos[i] = ReservationDTO{
			ID:       d.ID,
			Paid:     d.Paid,
			Canceled: d.Canceled,
			Cost:     d.Cost().String(),
			Flights:  toFlightDTOs(d.Flights),
		}
	}
	return dtos
}
