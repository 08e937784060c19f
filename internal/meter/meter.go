// Package meter bills active call sessions against the credit ledger.
// Each paid session gets its own tick loop that debits the persona's
// per-minute rate and force-ends the call when the balance runs out.
package meter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/soulcypherai/ai-workout-coach-sub002/internal/ledger"
	"github.com/soulcypherai/ai-workout-coach-sub002/pkg/logging"
)

var (
	// ErrInsufficientCredits is returned when a session cannot start
	// because the balance does not cover a single billing interval.
	ErrInsufficientCredits = errors.New("insufficient credits to start session")
	// ErrSessionNotFound is returned when ending an unknown session.
	ErrSessionNotFound = errors.New("session not found")
)

// CreditDebiter is the slice of the ledger the meter needs.
type CreditDebiter interface {
	Debit(ctx context.Context, userID string, amount int64, description string, opts ledger.Options) (int64, bool, error)
	Balance(ctx context.Context, userID string) (int64, error)
}

// Config tunes the meter's tick loop.
type Config struct {
	// TickInterval is how often each session is billed.
	TickInterval time.Duration
	// MaxSessionDuration is the wall-clock cap on a session regardless
	// of balance.
	MaxSessionDuration time.Duration
	// EventBuffer is the per-session event channel capacity.
	EventBuffer int
	// Terminations is optional; counts session ends by reason.
	Terminations *prometheus.CounterVec
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Minute
	}
	if c.MaxSessionDuration <= 0 {
		c.MaxSessionDuration = 2 * time.Hour
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 16
	}
	return c
}

// Meter owns the tick loops of all active sessions.
type Meter struct {
	db      *sql.DB
	ledger  CreditDebiter
	pricing Pricing
	cfg     Config
	logger  logging.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

func New(db *sql.DB, l CreditDebiter, pricing Pricing, cfg Config, logger logging.Logger) *Meter {
	return &Meter{
		db:       db,
		ledger:   l,
		pricing:  pricing,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// StartSession opens a billed call session and begins metering it. The
// user must be able to afford at least one billing interval up front.
func (m *Meter) StartSession(ctx context.Context, userID, avatarID string) (*Session, error) {
	rate, err := m.pricing.Rate(avatarID)
	if err != nil {
		return nil, err
	}

	balance, err := m.ledger.Balance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to check balance: %w", err)
	}
	if balance < rate {
		return nil, ErrInsufficientCredits
	}

	s := &Session{
		ID:       uuid.New().String(),
		UserID:   userID,
		AvatarID: avatarID,
		rate:     rate,
		meter:    m,
		events:   make(chan Event, m.cfg.EventBuffer),
		stopCh:   make(chan struct{}),
		now:      time.Now,
		state:    StateActive,
	}
	s.startedAt = s.now()
	s.lastCharged = s.startedAt

	if _, err := m.db.ExecContext(ctx, `
		INSERT INTO call_sessions (id, user_id, avatar_id, per_minute_rate, started_at)
		VALUES ($1, $2, $3, $4, $5)
	`, s.ID, userID, avatarID, rate, s.startedAt); err != nil {
		return nil, fmt.Errorf("failed to create session record: %w", err)
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.run(context.WithoutCancel(ctx))
	}()

	m.logger.WithFields(logging.Fields{
		"session_id": s.ID,
		"user_id":    userID,
		"avatar_id":  avatarID,
		"rate":       rate,
	}).Info("Call session started")
	return s, nil
}

// EndSession closes a session normally. Ending an already-terminated or
// unknown session returns ErrSessionNotFound.
func (m *Meter) EndSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	s.End(ctx)
	return nil
}

// Session returns the active session with the given id, if any.
func (m *Meter) Session(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Stop force-ends all active sessions and waits for their loops to exit.
func (m *Meter) Stop(ctx context.Context) {
	m.mu.Lock()
	active := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		active = append(active, s)
	}
	m.mu.Unlock()

	for _, s := range active {
		s.End(ctx)
	}
	m.wg.Wait()
}

func (m *Meter) forget(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}
