/*
sessions.go - Token registry for HTTP sessions

PURPOSE:
  HTTP is stateless, the booking core is not: each client needs its own
  booking.Session (logged-in user + itinerary cache). The registry maps an
  opaque token, sent back in the X-Session-Token header, to that session.

EXPIRY:
  - A background goroutine sweeps every SweepInterval
  - Sessions idle for longer than IdleTimeout are logged out and dropped
  - IdleTimeout <= 0 disables expiry

USAGE:
  registry := NewSessionRegistry(30*time.Minute, time.Minute, m, logger)
  registry.Start()
  // ... later
  registry.Stop()

SEE ALSO:
  - handlers.go: Login / logout endpoints
  - booking/session.go: The per-client state machine
*/
package api

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/flight-engine/booking"
	"github.com/warp/flight-engine/metrics"
)

// SessionRegistry owns every live HTTP session.
type SessionRegistry struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration

	mu       sync.RWMutex
	sessions map[string]*booking.Session

	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	runMu  sync.Mutex
}

// NewSessionRegistry creates an empty registry. Call Start to enable expiry.
func NewSessionRegistry(idleTimeout, sweepInterval time.Duration, m *metrics.Metrics, logger *zap.Logger) *SessionRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionRegistry{
		IdleTimeout:   idleTimeout,
		SweepInterval: sweepInterval,
		sessions:      make(map[string]*booking.Session),
		metrics:       m,
		logger:        logger,
		now:           time.Now,
	}
}

// Add registers sess and returns its token.
func (sr *SessionRegistry) Add(sess *booking.Session) string {
	token := uuid.NewString()

	sr.mu.Lock()
	sr.sessions[token] = sess
	sr.mu.Unlock()

	sr.metrics.SessionOpened()
	return token
}

// Get returns the session for token.
func (sr *SessionRegistry) Get(token string) (*booking.Session, bool) {
	if token == "" {
		return nil, false
	}
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	sess, ok := sr.sessions[token]
	return sess, ok
}

// Remove drops token. It reports whether the token was live.
func (sr *SessionRegistry) Remove(token string) bool {
	sr.mu.Lock()
	sess, ok := sr.sessions[token]
	delete(sr.sessions, token)
	sr.mu.Unlock()

	if ok {
		sess.Logout()
		sr.metrics.SessionClosed()
	}
	return ok
}

// Len is the number of live sessions.
func (sr *SessionRegistry) Len() int {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	return len(sr.sessions)
}

// =============================================================================
// EXPIRY
// =============================================================================

// Start begins the sweeper.
func (sr *SessionRegistry) Start() {
	sr.runMu.Lock()
	defer sr.runMu.Unlock()

	if sr.IdleTimeout <= 0 || sr.SweepInterval <= 0 {
		sr.logger.Info("session expiry disabled")
		return
	}
	if sr.ticker != nil {
		return
	}

	sr.ticker = time.NewTicker(sr.SweepInterval)
	sr.stop = make(chan struct{})
	sr.wg.Add(1)
	go sr.run(sr.ticker, sr.stop)

	sr.logger.Info("session sweeper started",
		zap.Duration("idle_timeout", sr.IdleTimeout),
		zap.Duration("interval", sr.SweepInterval))
}

// Stop stops the sweeper and waits for it to exit. The registry can be
// started again afterwards.
func (sr *SessionRegistry) Stop() {
	sr.runMu.Lock()
	defer sr.runMu.Unlock()

	if sr.ticker != nil {
		sr.ticker.Stop()
		close(sr.stop)
		sr.wg.Wait()
		sr.ticker = nil
		sr.logger.Info("session sweeper stopped")
	}
}

func (sr *SessionRegistry) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer sr.wg.Done()

	for {
		select {
		case <-ticker.C:
			sr.Sweep()
		case <-stop:
			return
		}
	}
}

// Sweep drops every session idle for longer than IdleTimeout and returns how
// many were dropped.
func (sr *SessionRegistry) Sweep() int {
	if sr.IdleTimeout <= 0 {
		return 0
	}
	cutoff := sr.now().Add(-sr.IdleTimeout)

	// LastActive is lock-free, so a session busy in a transaction never
	// holds up the registry lock.
	sr.mu.RLock()
	var expired []string
	for token, sess := range sr.sessions {
		if sess.LastActive().Before(cutoff) {
			expired = append(expired, token)
		}
	}
	sr.mu.RUnlock()

	dropped := 0
	for _, token := range expired {
		if sr.Remove(token) {
			dropped++
		}
	}
	if dropped > 0 {
		sr.logger.Info("expired idle sessions", zap.Int("count", dropped))
	}
	return dropped
}
