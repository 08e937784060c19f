package api

import (
	"github.com/soulcypherai/ai-workout-coach-sub002/internal/ledger"
	"github.com/soulcypherai/ai-workout-coach-sub002/internal/receipt"
	"github.com/soulcypherai/ai-workout-coach-sub002/internal/webhooks"
)

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// BalanceResponse returns a user's current credit balance.
type BalanceResponse struct {
	Balance int64 `json:"balance"`
}

// TransactionsResponse returns a page of ledger entries, newest first.
type TransactionsResponse struct {
	Transactions []ledger.Entry `json:"transactions"`
}

// CheckoutRequest asks for a hosted checkout session for a credit pack.
type CheckoutRequest struct {
	CreditAmount int64 `json:"credit_amount" binding:"required"`
}

// CheckoutResponse wraps the provider checkout session.
type CheckoutResponse struct {
	Session *webhooks.CheckoutSession `json:"session"`
}

// ReceiptRequest asks for a signed on-chain payment receipt.
type ReceiptRequest struct {
	CreditAmount int64 `json:"credit_amount" binding:"required"`
}

// ReceiptResponse returns the signed receipt the client submits to the
// payment contract.
type ReceiptResponse struct {
	Receipt *receipt.SignedReceipt `json:"receipt"`
}

// OnchainPaymentRequest announces a submitted payment transaction.
type OnchainPaymentRequest struct {
	TxHash       string `json:"tx_hash" binding:"required"`
	CreditAmount int64  `json:"credit_amount" binding:"required"`
	TokenAmount  string `json:"token_amount" binding:"required"`
	Nonce        uint64 `json:"nonce"`
}

// OnchainPaymentResponse reports a payment's verification status.
type OnchainPaymentResponse struct {
	TxHash       string `json:"tx_hash"`
	Status       string `json:"status"`
	CreditAmount int64  `json:"credit_amount"`
}

// BonusRequest grants promotional credits. Service-to-service only.
type BonusRequest struct {
	UserID         string `json:"user_id" binding:"required"`
	Amount         int64  `json:"amount" binding:"required"`
	Description    string `json:"description"`
	IdempotencyKey string `json:"idempotency_key" binding:"required"`
}

// BonusResponse reports the result of a bonus grant.
type BonusResponse struct {
	Applied    bool  `json:"applied"`
	NewBalance int64 `json:"new_balance"`
}

// StartSessionRequest opens a metered call session.
type StartSessionRequest struct {
	AvatarID string `json:"avatar_id" binding:"required"`
}

// SessionResponse describes a call session.
type SessionResponse struct {
	SessionID    string `json:"session_id"`
	AvatarID     string `json:"avatar_id"`
	CreditsSpent int64  `json:"credits_spent"`
	State        string `json:"state"`
}
