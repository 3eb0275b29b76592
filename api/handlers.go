/*
handlers.go - HTTP API handlers for the flight booking engine

PURPOSE:
  Exposes booking.Session operations via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the booking core.

ENDPOINTS:
  Accounts:
    POST   /api/users                       Create account
    POST   /api/sessions                    Log in, returns a session token
    DELETE /api/sessions                    Log out
    GET    /api/sessions/me                 Logged-in user and balance

  Search:
    POST   /api/search                      Search itineraries

  Reservations:
    POST   /api/bookings                    Book an itinerary of the last search
    GET    /api/reservations                List reservations
    POST   /api/reservations/{id}/pay       Pay a reservation
    POST   /api/reservations/{id}/cancel    Cancel a reservation

SESSIONS:
  Every endpoint except account creation resolves the X-Session-Token
  header through the SessionRegistry. Search works without a token but its
  results can only be booked from a session.

ERROR HANDLING:
  Errors are returned as JSON. statusFor maps booking error kinds:
  - 400: Validation errors, invalid input, account creation failures
  - 401: Not logged in, login failed
  - 402: Insufficient balance
  - 404: No such itinerary, reservation not found
  - 409: Already logged in, duplicate user, same-day conflict, flight full
  - 429: Too many login attempts
  - 503: Booking retries exhausted
  - 500: Everything else

SEE ALSO:
  - dto.go: Request/response data structures
  - sessions.go: Token registry
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/warp/flight-engine/booking"
	"github.com/warp/flight-engine/metrics"
)

// SessionHeader carries the token returned by login.
const SessionHeader = "X-Session-Token"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Deps are the collaborators a Handler is built from.
type Deps struct {
	Catalog  booking.Catalog
	Accounts booking.AccountStore
	Hasher   booking.PasswordHasher
	Ledger   *booking.Ledger

	Sessions *SessionRegistry
	Limiter  *LoginLimiter
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger

	// Ping reports storage health for /health. Optional.
	Ping func(context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Deps
	validate *validator.Validate
}

// NewHandler fills in defaults for optional dependencies.
func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Sessions == nil {
		d.Sessions = NewSessionRegistry(0, 0, d.Metrics, d.Logger)
	}
	if d.Limiter == nil {
		d.Limiter = NewLoginLimiter(0, 1)
	}
	return &Handler{Deps: d, validate: validator.New()}
}

func (h *Handler) newSession() *booking.Session {
	return booking.NewSession(h.Catalog, h.Accounts, h.Hasher, h.Ledger)
}

// session resolves the request's token. It writes a 401 and returns false if
// there is none.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*booking.Session, bool) {
	sess, ok := h.Sessions.Get(r.Header.Get(SessionHeader))
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unknown or expired session", booking.ErrNotAuthenticated)
		return nil, false
	}
	return sess, true
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// CreateUser creates an account. It does not log in.
// POST /api/users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}

	if err := h.newSession().CreateAccount(r.Context(), req.Username, req.Password, req.Balance); err != nil {
		h.writeBookingError(w, "Failed to create user", err)
		return
	}

	writeJSON(w, http.StatusCreated, UserDTO{
		Username: booking.NormalizeUsername(req.Username),
		Balance:  req.Balance.String(),
	})
}

// Login opens a session. A request that already carries a live token logs in
// on that session, so a second login fails with 409.
// POST /api/sessions
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}

	if !h.Limiter.Allow(booking.NormalizeUsername(req.Username)) {
		writeError(w, http.StatusTooManyRequests, "Too many login attempts", nil)
		return
	}

	token := r.Header.Get(SessionHeader)
	sess, existing := h.Sessions.Get(token)
	if !existing {
		sess = h.newSession()
	}

	if err := sess.Login(r.Context(), req.Username, req.Password); err != nil {
		h.writeBookingError(w, "Login failed", err)
		return
	}
	if !existing {
		token = h.Sessions.Add(sess)
	}

	writeJSON(w, http.StatusCreated, SessionDTO{Token: token, User: toUserDTO(*sess.User())})
}

// Logout ends the session and invalidates its token.
// DELETE /api/sessions
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if !h.Sessions.Remove(r.Header.Get(SessionHeader)) {
		writeError(w, http.StatusUnauthorized, "Unknown or expired session", booking.ErrNotAuthenticated)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Me returns the logged-in user.
// GET /api/sessions/me
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	u := sess.User()
	if u == nil {
		h.writeBookingError(w, "Not logged in", booking.ErrNotAuthenticated)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(*u))
}

// =============================================================================
// SEARCH HANDLERS
// =============================================================================

// Search runs an itinerary search. Without a token it runs on a throwaway
// session.
// POST /api/search
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}

	sess, ok := h.Sessions.Get(r.Header.Get(SessionHeader))
	if !ok {
		sess = h.newSession()
	}

	its, err := sess.Search(r.Context(), req.query())
	if err != nil {
		h.writeBookingError(w, "Failed to search", err)
		return
	}

	writeJSON(w, http.StatusOK, SearchResponse{
		Itineraries: toItineraryDTOs(its),
		Generation:  sess.SearchGeneration(),
	})
}

// =============================================================================
// RESERVATION HANDLERS
// =============================================================================

// Book reserves an itinerary from the session's latest search.
// POST /api/bookings
func (h *Handler) Book(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req BookRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}

	rid, err := sess.Book(r.Context(), req.ItineraryID)
	if err != nil {
		h.writeBookingError(w, "Booking failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, BookingDTO{ReservationID: rid})
}

// ListReservations returns the user's reservations, canceled ones included.
// GET /api/reservations
func (h *Handler) ListReservations(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	details, err := sess.Reservations(r.Context())
	if err != nil {
		h.writeBookingError(w, "Failed to retrieve reservations", err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTOs(details))
}

// PayReservation pays for a reservation.
// POST /api/reservations/{id}/pay
func (h *Handler) PayReservation(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	rid, ok := reservationID(w, r)
	if !ok {
		return
	}

	balance, err := sess.Pay(r.Context(), rid)
	if err != nil {
		h.writeBookingError(w, fmt.Sprintf("Failed to pay for reservation %d", rid), err)
		return
	}
	writeJSON(w, http.StatusOK, PaymentDTO{ReservationID: rid, Balance: balance.String()})
}

// CancelReservation cancels a reservation and reports the balance after any
// refund.
// POST /api/reservations/{id}/cancel
func (h *Handler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	rid, ok := reservationID(w, r)
	if !ok {
		return
	}

	if err := sess.Cancel(r.Context(), rid); err != nil {
		h.writeBookingError(w, fmt.Sprintf("Failed to cancel reservation %d", rid), err)
		return
	}

	resp := PaymentDTO{ReservationID: rid}
	if u := sess.User(); u != nil {
		resp.Balance = u.Balance.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Health reports storage reachability.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Storage unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": h.Sessions.Len(),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

func reservationID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	rid, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid reservation id", err)
		return 0, false
	}
	return rid, true
}

// statusFor maps a booking error kind to an HTTP status. Order matters:
// wrapped errors match several kinds and the most specific wins.
func statusFor(err error) int {
	var capacity *booking.CapacityError
	switch {
	case errors.Is(err, booking.ErrNotAuthenticated),
		errors.Is(err, booking.ErrLoginFailed):
		return http.StatusUnauthorized
	case errors.Is(err, booking.ErrAlreadyAuthenticated),
		errors.Is(err, booking.ErrUserExists):
		return http.StatusConflict
	case errors.Is(err, booking.ErrCreateAccountFailed):
		return http.StatusBadRequest
	case errors.Is(err, booking.ErrNoSuchItinerary),
		errors.Is(err, booking.ErrReservationNotFound):
		return http.StatusNotFound
	case errors.Is(err, booking.ErrSameDayConflict):
		return http.StatusConflict
	case errors.Is(err, booking.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, booking.ErrRetriesExhausted):
		return http.StatusServiceUnavailable
	case errors.As(err, &capacity):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeBookingError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	switch {
	case status >= http.StatusInternalServerError:
		h.Logger.Error(message, zap.Int("status", status), zap.Error(err))
	case !booking.IsClientError(err):
		h.Logger.Warn(message, zap.Int("status", status), zap.Error(err))
	default:
		h.Logger.Debug(message, zap.Int("status", status), zap.Error(err))
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
