package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/soulcypherai/ai-workout-coach-sub002/pkg/logging"
)

var (
	// ErrInsufficientCredits is returned when a debit would take the
	// balance below zero and overdraft is not allowed.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	TypePurchase EntryType = "purchase"
	TypeSpend    EntryType = "spend"
	TypeRefund   EntryType = "refund"
	TypeBonus    EntryType = "bonus"
)

// Entry is a single immutable ledger record. Amount is signed: positive
// for credits, negative for debits. BalanceAfter is the user's balance
// immediately after the entry was applied.
type Entry struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Type           EntryType `json:"type"`
	Amount         int64     `json:"amount"`
	BalanceAfter   int64     `json:"balance_after"`
	Description    string    `json:"description"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	AvatarID       string    `json:"avatar_id,omitempty"`
	SessionID      string    `json:"session_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Options carries optional attributes for a ledger operation.
type Options struct {
	// IdempotencyKey deduplicates retried operations. When a key is
	// already present the operation is a no-op and the current balance
	// is returned with applied=false.
	IdempotencyKey string

	// Type overrides the default entry type (purchase for credits,
	// spend for debits).
	Type EntryType

	AvatarID  string
	SessionID string

	// AllowOverdraft permits a debit to take the balance negative.
	// Used for refund claw-backs where the spend already happened.
	AllowOverdraft bool
}

// Ledger applies balance changes as single database transactions. The
// balance row is locked for the duration of each operation, so concurrent
// changes for the same user serialize instead of clobbering each other.
type Ledger struct {
	db      *sql.DB
	logger  logging.Logger
	metrics *Metrics

	publisher   changePublisher
	pubChannel  string
	subscribers []func(BalanceChange)
}

// Metrics are optional; nil collectors are skipped.
type Metrics struct {
	Queries  *prometheus.CounterVec   // labels: query_type, status
	Duration *prometheus.HistogramVec // labels: query_type
}

// New creates a ledger backed by the given database.
func New(db *sql.DB, logger logging.Logger) *Ledger {
	return &Ledger{db: db, logger: logger}
}

// SetMetrics attaches operation counters and latency histograms.
func (l *Ledger) SetMetrics(m *Metrics) {
	l.metrics = m
}

func (l *Ledger) observe(op string, start time.Time, err error) {
	if l.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	if l.metrics.Queries != nil {
		l.metrics.Queries.WithLabelValues(op, status).Inc()
	}
	if l.metrics.Duration != nil {
		l.metrics.Duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// Credit adds credits to a user's balance. Returns the resulting balance
// and whether the entry was applied (false when the idempotency key was
// already seen).
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64, description string, opts Options) (int64, bool, error) {
	if amount <= 0 {
		return 0, false, ErrInvalidAmount
	}
	entryType := opts.Type
	if entryType == "" {
		entryType = TypePurchase
	}
	if entryType != TypePurchase && entryType != TypeBonus && entryType != TypeRefund {
		return 0, false, fmt.Errorf("entry type %q cannot credit", entryType)
	}
	return l.apply(ctx, userID, amount, entryType, description, opts)
}

// Debit removes credits from a user's balance. Unless opts.AllowOverdraft
// is set, a debit that would take the balance negative fails with
// ErrInsufficientCredits and writes nothing.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int64, description string, opts Options) (int64, bool, error) {
	if amount <= 0 {
		return 0, false, ErrInvalidAmount
	}
	entryType := opts.Type
	if entryType == "" {
		entryType = TypeSpend
	}
	if entryType != TypeSpend && entryType != TypeRefund {
		return 0, false, fmt.Errorf("entry type %q cannot debit", entryType)
	}
	return l.apply(ctx, userID, -amount, entryType, description, opts)
}

func (l *Ledger) apply(ctx context.Context, userID string, amount int64, entryType EntryType, description string, opts Options) (int64, bool, error) {
	op := "credit"
	if amount < 0 {
		op = "debit"
	}
	start := time.Now()
	balance, applied, err := l.applyTx(ctx, userID, amount, entryType, description, opts)
	l.observe(op, start, err)
	return balance, applied, err
}

func (l *Ledger) applyTx(ctx context.Context, userID string, amount int64, entryType EntryType, description string, opts Options) (int64, bool, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	// Ensure the balance row exists, then lock it
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_balances (user_id, balance)
		VALUES ($1, 0)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return 0, false, err
	}

	var balance int64
	if err := tx.QueryRowContext(ctx, `
		SELECT balance FROM credit_balances
		WHERE user_id = $1
		FOR UPDATE
	`, userID).Scan(&balance); err != nil {
		return 0, false, err
	}

	if opts.IdempotencyKey != "" {
		var seen bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM credit_transactions WHERE idempotency_key = $1)
		`, opts.IdempotencyKey).Scan(&seen); err != nil {
			return 0, false, err
		}
		if seen {
			if err := tx.Commit(); err != nil {
				return 0, false, err
			}
			l.logger.WithFields(logging.Fields{
				"user_id":         userID,
				"idempotency_key": opts.IdempotencyKey,
			}).Info("Duplicate ledger operation suppressed")
			return balance, false, nil
		}
	}

	newBalance := balance + amount
	if newBalance < 0 && !opts.AllowOverdraft {
		return balance, false, ErrInsufficientCredits
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (
			id, user_id, type, amount, balance_after,
			description, idempotency_key, avatar_id, session_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`,
		uuid.New().String(),
		userID,
		string(entryType),
		amount,
		newBalance,
		description,
		nullString(opts.IdempotencyKey),
		nullString(opts.AvatarID),
		nullString(opts.SessionID),
	); err != nil {
		return 0, false, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE credit_balances SET balance = $1, updated_at = NOW()
		WHERE user_id = $2
	`, newBalance, userID); err != nil {
		return 0, false, err
	}

	if err := tx.Commit(); err != nil {
		return 0, false, err
	}

	l.logger.WithFields(logging.Fields{
		"user_id":     userID,
		"type":        entryType,
		"amount":      amount,
		"new_balance": newBalance,
	}).Info("Ledger entry applied")

	l.notify(ctx, BalanceChange{
		UserID:     userID,
		Delta:      amount,
		NewBalance: newBalance,
		Type:       entryType,
		SessionID:  opts.SessionID,
	})

	return newBalance, true, nil
}

// Balance returns the user's current balance. Users without a balance
// row have zero credits.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := l.db.QueryRowContext(ctx, `
		SELECT balance FROM credit_balances WHERE user_id = $1
	`, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// SumTransactions totals the user's ledger entries. A healthy ledger
// has this equal to Balance for every user.
func (l *Ledger) SumTransactions(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := l.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE user_id = $1
	`, userID).Scan(&sum)
	if err != nil {
		return 0, err
	}
	return sum, nil
}

// Transactions returns the user's most recent ledger entries, newest first.
func (l *Ledger) Transactions(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, user_id, type, amount, balance_after,
		       description, idempotency_key, avatar_id, session_id, created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var key, avatarID, sessionID sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.Amount, &e.BalanceAfter,
			&e.Description, &key, &avatarID, &sessionID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.IdempotencyKey = key.String
		e.AvatarID = avatarID.String
		e.SessionID = sessionID.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// FindEntryByKey looks up a ledger entry by its idempotency key.
func (l *Ledger) FindEntryByKey(ctx context.Context, key string) (*Entry, error) {
	var e Entry
	err := l.db.QueryRowContext(ctx, `
		SELECT id, user_id, type, amount, balance_after, description, created_at
		FROM credit_transactions
		WHERE idempotency_key = $1
	`, key).Scan(&e.ID, &e.UserID, &e.Type, &e.Amount, &e.BalanceAfter, &e.Description, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.IdempotencyKey = key
	return &e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
