package receipt

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/soulcypherai/ai-workout-coach-sub002/internal/ledger"
	"github.com/soulcypherai/ai-workout-coach-sub002/pkg/logging"
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

// paymentProcessedTopic is the topic0 of the contract's settlement event.
var paymentProcessedTopic = crypto.Keccak256Hash([]byte("PaymentProcessed(bytes32,uint256,uint256)")).Hex()

// Crediter is the slice of the ledger the watcher needs.
type Crediter interface {
	Credit(ctx context.Context, userID string, amount int64, description string, opts ledger.Options) (int64, bool, error)
}

// ChainReader reads transaction state from the payment chain.
type ChainReader interface {
	TransactionReceipt(ctx context.Context, txHash string) (*TxReceipt, error)
	BlockNumber(ctx context.Context) (int64, error)
	RevertReason(ctx context.Context, txHash, blockNumber string) string
}

// WatcherConfig tunes the confirmation poller.
type WatcherConfig struct {
	PollInterval  time.Duration // default 30s
	PendingGrace  time.Duration // leave fresh txs alone, default 15s
	Confirmations int64         // blocks behind head before crediting, default 3
	Timeout       time.Duration // pending older than this is failed, default 10m
	// RecoveryWindow bounds how long timed-out payments are rechecked
	// for late inclusion. Default 24h.
	RecoveryWindow time.Duration
}

func (c *WatcherConfig) withDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.PendingGrace <= 0 {
		c.PendingGrace = 15 * time.Second
	}
	if c.Confirmations <= 0 {
		c.Confirmations = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Minute
	}
	if c.RecoveryWindow <= 0 {
		c.RecoveryWindow = 24 * time.Hour
	}
}

// PendingPayment is an on-chain payment awaiting confirmation.
type PendingPayment struct {
	ID           string
	UserID       string
	TxHash       string
	CreditAmount int64
	SubmittedAt  time.Time
}

// Watcher tracks registered payment transactions until they are
// confirmed or fail, crediting the ledger exactly once per transaction
// hash.
type Watcher struct {
	db       *sql.DB
	ledger   Crediter
	chain    ChainReader
	contract common.Address
	logger   logging.Logger
	cfg      WatcherConfig
	stopCh   chan struct{}
}

func NewWatcher(db *sql.DB, l Crediter, chain ChainReader, contract common.Address, cfg WatcherConfig, logger logging.Logger) *Watcher {
	cfg.withDefaults()
	return &Watcher{
		db:       db,
		ledger:   l,
		chain:    chain,
		contract: contract,
		logger:   logger,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
}

// RegisterPayment records a submitted payment transaction for tracking.
// The transaction hash is the idempotency key: re-registering a known
// hash is a no-op and returns false.
func (w *Watcher) RegisterPayment(ctx context.Context, userID, txHash string, creditAmount int64, tokenAmount *big.Int, nonce uint64) (bool, error) {
	txHash = strings.ToLower(strings.TrimSpace(txHash))
	if !txHashPattern.MatchString(txHash) {
		return false, fmt.Errorf("malformed transaction hash %q", txHash)
	}
	if creditAmount <= 0 {
		return false, ErrZeroAmount
	}
	if tokenAmount == nil || tokenAmount.Sign() <= 0 {
		return false, ErrZeroAmount
	}

	res, err := w.db.ExecContext(ctx, `
		INSERT INTO onchain_payments (id, user_id, tx_hash, credit_amount, token_amount, nonce, status, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', NOW())
		ON CONFLICT (tx_hash) DO NOTHING
	`, uuid.New().String(), userID, txHash, creditAmount, tokenAmount.String(), nonce)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		w.logger.WithFields(logging.Fields{
			"user_id": userID,
			"tx_hash": txHash,
		}).Info("Payment transaction already registered")
		return false, nil
	}

	w.logger.WithFields(logging.Fields{
		"user_id":       userID,
		"tx_hash":       txHash,
		"credit_amount": creditAmount,
	}).Info("Payment transaction registered")
	return true, nil
}

// Start begins the confirmation loop.
func (w *Watcher) Start(ctx context.Context) {
	w.logger.Info("Starting on-chain payment watcher")

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Payment watcher stopping due to context cancellation")
			return
		case <-w.stopCh:
			w.logger.Info("Payment watcher stopping")
			return
		case <-ticker.C:
			w.checkPending(ctx)
			w.recoverTimedOut(ctx)
		}
	}
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)
}

func (w *Watcher) checkPending(ctx context.Context) {
	rows, err := w.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, user_id, tx_hash, credit_amount, submitted_at
		FROM onchain_payments
		WHERE status = 'pending'
		AND submitted_at < NOW() - INTERVAL '%d seconds'
		ORDER BY submitted_at ASC
		LIMIT 50
	`, int(w.cfg.PendingGrace.Seconds())))
	if err != nil {
		w.logger.WithError(err).Error("Failed to query pending payments")
		return
	}
	defer rows.Close()

	var payments []PendingPayment
	for rows.Next() {
		var p PendingPayment
		if err := rows.Scan(&p.ID, &p.UserID, &p.TxHash, &p.CreditAmount, &p.SubmittedAt); err != nil {
			w.logger.WithError(err).Error("Failed to scan pending payment")
			continue
		}
		payments = append(payments, p)
	}

	for _, p := range payments {
		w.checkPayment(ctx, p)
	}
}

func (w *Watcher) checkPayment(ctx context.Context, p PendingPayment) {
	txReceipt, err := w.chain.TransactionReceipt(ctx, p.TxHash)
	if err != nil {
		w.logger.WithError(err).WithField("tx_hash", p.TxHash).Warn("Failed to get transaction receipt")
		w.failIfTimedOut(ctx, p, "timeout - transaction not mined")
		return
	}
	if txReceipt == nil {
		// Still in the mempool, or dropped
		w.failIfTimedOut(ctx, p, "timeout - no receipt")
		return
	}

	if txReceipt.Status != "0x1" {
		detail := "transaction reverted on-chain"
		reason := w.chain.RevertReason(ctx, p.TxHash, txReceipt.BlockNumber)
		if cerr := ContractError(reason); cerr != nil {
			detail = cerr.Error()
		}
		w.logger.WithFields(logging.Fields{
			"tx_hash": p.TxHash,
			"user_id": p.UserID,
			"status":  txReceipt.Status,
			"reason":  reason,
		}).Error("Payment transaction reverted on-chain")
		w.markFailed(ctx, p.ID, detail)
		return
	}

	if !w.hasPaymentEvent(txReceipt) {
		w.logger.WithFields(logging.Fields{
			"tx_hash": p.TxHash,
			"user_id": p.UserID,
		}).Error("Transaction succeeded but emitted no payment event")
		w.markFailed(ctx, p.ID, "no payment event in receipt")
		return
	}

	confirmed, err := w.hasRequiredConfirmations(ctx, ParseHexInt64(txReceipt.BlockNumber))
	if err != nil {
		w.logger.WithError(err).WithField("tx_hash", p.TxHash).Warn("Failed to determine confirmation depth")
		return
	}
	if !confirmed {
		return
	}

	w.creditAndConfirm(ctx, p)
}

func (w *Watcher) creditAndConfirm(ctx context.Context, p PendingPayment) {
	_, _, err := w.ledger.Credit(ctx, p.UserID, p.CreditAmount, "on-chain credit purchase", ledger.Options{
		IdempotencyKey: p.TxHash,
		Type:           ledger.TypePurchase,
	})
	if err != nil {
		w.logger.WithError(err).WithFields(logging.Fields{
			"tx_hash": p.TxHash,
			"user_id": p.UserID,
		}).Error("Failed to credit confirmed payment")
		return
	}

	if _, err := w.db.ExecContext(ctx, `
		UPDATE onchain_payments SET status = 'confirmed', confirmed_at = NOW(), failure_reason = NULL
		WHERE id = $1
	`, p.ID); err != nil {
		w.logger.WithError(err).WithField("tx_hash", p.TxHash).Error("Failed to mark payment confirmed")
		return
	}

	w.logger.WithFields(logging.Fields{
		"tx_hash":       p.TxHash,
		"user_id":       p.UserID,
		"credit_amount": p.CreditAmount,
	}).Info("On-chain payment confirmed and credited")
}

// recoverTimedOut rechecks payments that were failed for timing out. A
// transaction can land after the watcher gave up on it; the user already
// paid, so the credits must still arrive. The ledger's tx-hash key keeps
// this single-shot even if recovery races a concurrent check.
func (w *Watcher) recoverTimedOut(ctx context.Context) {
	rows, err := w.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, user_id, tx_hash, credit_amount, submitted_at
		FROM onchain_payments
		WHERE status = 'failed'
		AND failure_reason LIKE 'timeout%%'
		AND submitted_at > NOW() - INTERVAL '%d minutes'
		ORDER BY submitted_at ASC
		LIMIT 50
	`, int(w.cfg.RecoveryWindow.Minutes())))
	if err != nil {
		w.logger.WithError(err).Error("Failed to query timed-out payments")
		return
	}
	defer rows.Close()

	var payments []PendingPayment
	for rows.Next() {
		var p PendingPayment
		if err := rows.Scan(&p.ID, &p.UserID, &p.TxHash, &p.CreditAmount, &p.SubmittedAt); err != nil {
			w.logger.WithError(err).Error("Failed to scan timed-out payment")
			continue
		}
		payments = append(payments, p)
	}

	for _, p := range payments {
		txReceipt, err := w.chain.TransactionReceipt(ctx, p.TxHash)
		if err != nil || txReceipt == nil || txReceipt.Status != "0x1" {
			continue
		}
		if !w.hasPaymentEvent(txReceipt) {
			continue
		}
		confirmed, err := w.hasRequiredConfirmations(ctx, ParseHexInt64(txReceipt.BlockNumber))
		if err != nil || !confirmed {
			continue
		}

		w.logger.WithFields(logging.Fields{
			"tx_hash": p.TxHash,
			"user_id": p.UserID,
		}).Warn("Timed-out payment landed late, recovering")
		w.creditAndConfirm(ctx, p)
	}
}

func (w *Watcher) hasPaymentEvent(r *TxReceipt) bool {
	for _, log := range r.Logs {
		if !strings.EqualFold(log.Address, w.contract.Hex()) {
			continue
		}
		if len(log.Topics) > 0 && strings.EqualFold(log.Topics[0], paymentProcessedTopic) {
			return true
		}
	}
	return false
}

func (w *Watcher) hasRequiredConfirmations(ctx context.Context, blockNum int64) (bool, error) {
	if blockNum == 0 {
		return false, nil
	}
	latest, err := w.chain.BlockNumber(ctx)
	if err != nil {
		return false, err
	}
	if latest < blockNum {
		return false, nil
	}
	return (latest - blockNum) >= w.cfg.Confirmations, nil
}

func (w *Watcher) failIfTimedOut(ctx context.Context, p PendingPayment, reason string) {
	if time.Since(p.SubmittedAt) <= w.cfg.Timeout {
		return
	}
	w.logger.WithFields(logging.Fields{
		"tx_hash": p.TxHash,
		"user_id": p.UserID,
		"age":     time.Since(p.SubmittedAt).String(),
	}).Error("On-chain payment timed out")
	w.markFailed(ctx, p.ID, reason)
}

func (w *Watcher) markFailed(ctx context.Context, id, reason string) {
	if _, err := w.db.ExecContext(ctx, `
		UPDATE onchain_payments SET status = 'failed', failure_reason = $2
		WHERE id = $1 AND status = 'pending'
	`, id, reason); err != nil {
		w.logger.WithError(err).WithField("payment_id", id).Error("Failed to mark payment failed")
	}
}

// PaymentStatus reports the tracked state of a payment by tx hash.
func (w *Watcher) PaymentStatus(ctx context.Context, txHash string) (status string, creditAmount int64, err error) {
	err = w.db.QueryRowContext(ctx, `
		SELECT status, credit_amount FROM onchain_payments WHERE tx_hash = $1
	`, strings.ToLower(txHash)).Scan(&status, &creditAmount)
	if err == sql.ErrNoRows {
		return "", 0, fmt.Errorf("unknown payment %s", txHash)
	}
	return status, creditAmount, err
}
