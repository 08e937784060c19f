package meter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/soulcypherai/ai-workout-coach-sub002/internal/ledger"
	"github.com/soulcypherai/ai-workout-coach-sub002/pkg/logging"
)

// State of a metered session.
type State string

const (
	StateActive     State = "active"
	StateLowBalance State = "low_balance"
	StateTerminated State = "terminated"
)

// EndReason records why a session terminated.
type EndReason string

const (
	EndNormal              EndReason = "normal"
	EndInsufficientCredits EndReason = "insufficient_credits"
	EndTimeLimit           EndReason = "time_limit"
)

// EventKind identifies a session notification.
type EventKind string

const (
	EventCreditsUpdated      EventKind = "credits-updated"
	EventLowBalance          EventKind = "low-balance"
	EventInsufficientCredits EventKind = "insufficient-credits"
	EventSessionForceEnded   EventKind = "session-force-ended"
)

// Event is one outbound session notification. Consumers subscribe via
// Session.Events; the channel is closed when the session terminates.
type Event struct {
	Kind       EventKind `json:"kind"`
	SessionID  string    `json:"session_id"`
	Amount     int64     `json:"amount,omitempty"`
	NewBalance int64     `json:"new_balance,omitempty"`
	TotalSpent int64     `json:"total_spent,omitempty"`
	Reason     EndReason `json:"reason,omitempty"`
}

// Session is one actively metered call. All mutation happens on the tick
// loop or under mu; readers use the accessor methods.
type Session struct {
	ID       string
	UserID   string
	AvatarID string

	rate   int64
	meter  *Meter
	events chan Event
	stopCh chan struct{}
	now    func() time.Time

	mu           sync.Mutex
	state        State
	endReason    EndReason
	startedAt    time.Time
	lastCharged  time.Time
	creditsSpent int64
	stopOnce     sync.Once
}

// Events is the session's notification stream. Closed on termination.
func (s *Session) Events() <-chan Event { return s.events }

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CreditsSpent returns the total billed so far.
func (s *Session) CreditsSpent() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creditsSpent
}

// End closes the session normally. Safe to call more than once.
func (s *Session) End(ctx context.Context) {
	s.mu.Lock()
	s.terminateLocked(ctx, EndNormal)
	s.mu.Unlock()
	s.stop()
}

func (s *Session) stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Session) run(ctx context.Context) {
	ticker := time.NewTicker(s.meter.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if done := s.tick(ctx); done {
				s.stop()
				return
			}
		}
	}
}

// tick bills the minutes elapsed since the last charge. Returns true
// when the session has terminated and metering should stop.
func (s *Session) tick(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateTerminated {
		return true
	}

	now := s.now()
	if now.Sub(s.startedAt) >= s.meter.cfg.MaxSessionDuration {
		s.emit(Event{Kind: EventSessionForceEnded, SessionID: s.ID, TotalSpent: s.creditsSpent, Reason: EndTimeLimit})
		s.terminateLocked(ctx, EndTimeLimit)
		return true
	}

	minutes := int64(now.Sub(s.lastCharged) / time.Minute)
	if minutes < 1 {
		return false
	}
	cost := minutes * s.rate

	newBalance, _, err := s.meter.ledger.Debit(ctx, s.UserID, cost, "call session time", ledger.Options{
		Type:      ledger.TypeSpend,
		AvatarID:  s.AvatarID,
		SessionID: s.ID,
	})
	if errors.Is(err, ledger.ErrInsufficientCredits) {
		s.emit(Event{Kind: EventInsufficientCredits, SessionID: s.ID, TotalSpent: s.creditsSpent})
		s.emit(Event{Kind: EventSessionForceEnded, SessionID: s.ID, TotalSpent: s.creditsSpent, Reason: EndInsufficientCredits})
		s.terminateLocked(ctx, EndInsufficientCredits)
		return true
	}
	if err != nil {
		// Transient ledger failure: keep the session alive and bill the
		// accumulated minutes on the next tick.
		s.meter.logger.WithError(err).WithField("session_id", s.ID).Error("Session debit failed")
		return false
	}

	s.creditsSpent += cost
	s.lastCharged = s.lastCharged.Add(time.Duration(minutes) * time.Minute)
	s.emit(Event{
		Kind:       EventCreditsUpdated,
		SessionID:  s.ID,
		Amount:     cost,
		NewBalance: newBalance,
		TotalSpent: s.creditsSpent,
	})

	if newBalance < s.rate {
		s.state = StateLowBalance
		s.emit(Event{Kind: EventLowBalance, SessionID: s.ID, NewBalance: newBalance, TotalSpent: s.creditsSpent})
	} else {
		s.state = StateActive
	}
	return false
}

// terminateLocked closes the session record exactly once. The SQL guard
// on ended_at keeps a racing late tick from double-closing.
func (s *Session) terminateLocked(ctx context.Context, reason EndReason) {
	if s.state == StateTerminated {
		return
	}
	s.state = StateTerminated
	s.endReason = reason

	if _, err := s.meter.db.ExecContext(ctx, `
		UPDATE call_sessions
		SET ended_at = NOW(), credits_spent = $1, end_reason = $2
		WHERE id = $3 AND ended_at IS NULL
	`, s.creditsSpent, string(reason), s.ID); err != nil {
		s.meter.logger.WithError(err).WithField("session_id", s.ID).Error("Failed to close session record")
	}

	s.meter.forget(s.ID)
	close(s.events)
	if s.meter.cfg.Terminations != nil {
		s.meter.cfg.Terminations.WithLabelValues(string(reason)).Inc()
	}

	s.meter.logger.WithFields(logging.Fields{
		"session_id":    s.ID,
		"user_id":       s.UserID,
		"credits_spent": s.creditsSpent,
		"end_reason":    string(reason),
	}).Info("Call session ended")
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.meter.logger.WithFields(logging.Fields{
			"session_id": s.ID,
			"kind":       string(ev.Kind),
		}).Warn("Session event dropped, subscriber too slow")
	}
}
