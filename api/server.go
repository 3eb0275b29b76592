/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash). A dangling
                 transaction panic in a session ends up here.
  3. RequestID:  Unique ID per request for tracing
  4. Metrics:    Prometheus request count and latency by route pattern
  5. CORS:       Cross-origin requests for browser clients

ROUTE GROUPS:
  /api/users            Account creation
  /api/sessions         Login / logout / current user
  /api/search           Itinerary search
  /api/bookings         Booking
  /api/reservations/*   Listing, payment, cancellation
  /health               Storage health
  /metrics              Prometheus exposition

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/flight-engine/metrics"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(instrument(h.Metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", SessionHeader},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Post("/users", h.CreateUser)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.Login)
			r.Delete("/", h.Logout)
			r.Get("/me", h.Me)
		})

		r.Post("/search", h.Search)
		r.Post("/bookings", h.Book)

		r.Route("/reservations", func(r chi.Router) {
			r.Get("/", h.ListReservations)
			r.Post("/{id}/pay", h.PayReservation)
			r.Post("/{id}/cancel", h.CancelReservation)
		})
	})

	r.Get("/health", h.Health)

	if h.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// instrument records every request under its route pattern, so
// /api/reservations/7/pay and /api/reservations/8/pay share a series.
func instrument(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			path := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					path = pattern
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.RecordHTTP(r.Method, path, strconv.Itoa(status), time.Since(start).Seconds())
		})
	}
}
