/*
session.go - Per-connection session controller

PURPOSE:
  A Session is the unit of client state: at most one logged-in user and the
  itinerary cache of that client's most recent search. There is no global
  "current user"; every client gets its own Session.

CONCURRENCY:
  A Session serializes its own calls with a mutex. Different sessions run in
  parallel and only share the stores.

DANGLING TRANSACTIONS:
  Every public operation ends by checking that no transaction begun through
  the session's store scope is still open. A leak is a programming error and
  panics with *DanglingTransactionError.

SEE ALSO:
  - ledger.go: Reservation operations
  - search.go: Itinerary search and cache
  - api/sessions.go: Token registry that owns HTTP sessions
*/
package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/flight-engine/metrics"
)

// Session is one client's view of the engine.
type Session struct {
	mu sync.Mutex

	catalog  Catalog
	accounts AccountStore
	hasher   PasswordHasher
	ledger   *Ledger
	scope    ReservationStore
	logger   *zap.Logger
	metrics  *metrics.Metrics

	user  *User
	cache ItineraryCache
	now   func() time.Time

	// Unix nanoseconds; read without mu so idle sweeps never wait on a
	// session that is mid-transaction.
	lastActive atomic.Int64
}

// NewSession creates a logged-out session. If the ledger's store implements
// Scoper the session gets its own scope of it.
func NewSession(catalog Catalog, accounts AccountStore, hasher PasswordHasher, ledger *Ledger) *Session {
	scope := ledger.Store()
	if s, ok := scope.(Scoper); ok {
		scope = s.Scope()
	}
	s := &Session{
		catalog:  catalog,
		accounts: accounts,
		hasher:   hasher,
		ledger:   ledger.WithStore(scope),
		scope:    scope,
		logger:   ledger.Logger(),
		metrics:  ledger.Metrics(),
		now:      time.Now,
	}
	s.touch()
	return s
}

// =============================================================================
// ACCOUNT OPERATIONS
// =============================================================================

// CreateAccount creates a user with an initial balance. It does not log in.
func (s *Session) CreateAccount(ctx context.Context, username, password string, initial decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.checkDanglingTransaction("create")
	s.touch()

	username = NormalizeUsername(username)
	switch {
	case username == "" || password == "":
		return fmt.Errorf("%w: username and password are required", ErrCreateAccountFailed)
	case initial.IsNegative():
		return fmt.Errorf("%w: initial balance %s is negative", ErrCreateAccountFailed, initial.String())
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCreateAccountFailed, err)
	}
	err = s.accounts.CreateAccount(ctx, Account{Username: username, PasswordHash: hash, Balance: initial})
	if err != nil {
		if !errors.Is(err, ErrUserExists) {
			s.logger.Error("create account failed", zap.String("username", username), zap.Error(err))
		}
		return fmt.Errorf("%w: %w", ErrCreateAccountFailed, err)
	}

	s.logger.Info("account created", zap.String("username", username))
	return nil
}

// Login binds username to the session.
func (s *Session) Login(ctx context.Context, username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.checkDanglingTransaction("login")
	s.touch()

	if s.user != nil {
		return ErrAlreadyAuthenticated
	}

	username = NormalizeUsername(username)
	acct, err := s.accounts.Account(ctx, username)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}
	if err := s.hasher.Verify(acct.PasswordHash, password); err != nil {
		return fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}

	s.user = &User{Username: acct.Username, Balance: acct.Balance}
	s.logger.Info("user logged in", zap.String("username", acct.Username))
	return nil
}

// Logout unbinds the user and discards the itinerary cache.
func (s *Session) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	s.user = nil
	s.cache.Clear()
}

// User returns a copy of the logged-in user, or nil.
func (s *Session) User() *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// LastActive is the time of the most recent call on the session. It does not
// block on an operation in progress.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// =============================================================================
// SEARCH
// =============================================================================

// Search replaces the session's itinerary set with the result of q. It does
// not require a login. On failure the previous set is discarded too.
func (s *Session) Search(ctx context.Context, q SearchQuery) ([]Itinerary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.checkDanglingTransaction("search")
	s.touch()

	its, err := SearchItineraries(ctx, s.catalog, q)
	if err != nil {
		s.cache.Clear()
		s.metrics.RecordSearch(metrics.StatusError)
		s.logger.Error("search failed", zap.Error(err))
		return nil, err
	}

	s.cache.Replace(its)
	s.metrics.RecordSearch(metrics.StatusSuccess)
	return its, nil
}

// SearchGeneration identifies the itinerary set Book currently resolves ids
// against.
func (s *Session) SearchGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Generation()
}

// =============================================================================
// RESERVATIONS
// =============================================================================

// Book reserves itinerary id from the most recent search.
func (s *Session) Book(ctx context.Context, itineraryID int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.checkDanglingTransaction("book")
	s.touch()

	if s.user == nil {
		return 0, ErrNotAuthenticated
	}
	it, err := s.cache.Lookup(itineraryID)
	if err != nil {
		return 0, err
	}
	return s.ledger.Book(ctx, s.user.Username, it)
}

// Pay pays for reservation rid and returns the remaining balance.
func (s *Session) Pay(ctx context.Context, rid int64) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.checkDanglingTransaction("pay")
	s.touch()

	if s.user == nil {
		return decimal.Zero, ErrNotAuthenticated
	}
	balance, err := s.ledger.Pay(ctx, s.user.Username, rid)
	if err != nil {
		var insufficient *InsufficientBalanceError
		if errors.As(err, &insufficient) {
			s.user.Balance = insufficient.Balance
		}
		return decimal.Zero, err
	}
	s.user.Balance = balance
	return balance, nil
}

// Reservations lists the user's reservations.
func (s *Session) Reservations(ctx context.Context) ([]ReservationDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.checkDanglingTransaction("reservations")
	s.touch()

	if s.user == nil {
		return nil, ErrNotAuthenticated
	}
	return s.ledger.Reservations(ctx, s.user.Username)
}

// Cancel cancels reservation rid. The cached balance is replaced by the one
// stored after the refund, so payments made from other sessions show up.
func (s *Session) Cancel(ctx context.Context, rid int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.checkDanglingTransaction("cancel")
	s.touch()

	if s.user == nil {
		return ErrNotAuthenticated
	}
	c, err := s.ledger.Cancel(ctx, s.user.Username, rid)
	if err != nil {
		return err
	}
	s.user.Balance = c.Balance
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Session) touch() {
	s.lastActive.Store(s.now().UnixNano())
}

func (s *Session) checkDanglingTransaction(op string) {
	if s.scope == nil {
		return
	}
	if open := s.scope.OpenTransactions(); open > 0 {
		panic(&DanglingTransactionError{Operation: op, Open: open})
	}
}
