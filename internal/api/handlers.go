// Package api exposes the billing service's HTTP surface: balance and
// transaction queries, checkout and receipt issuance, on-chain payment
// registration, and metered call sessions.
package api

import (
	"context"
	"errors"
	"io"
	"math/big"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/soulcypherai/ai-workout-coach-sub002/internal/accounts"
	"github.com/soulcypherai/ai-workout-coach-sub002/internal/ledger"
	"github.com/soulcypherai/ai-workout-coach-sub002/internal/meter"
	"github.com/soulcypherai/ai-workout-coach-sub002/internal/receipt"
	"github.com/soulcypherai/ai-workout-coach-sub002/internal/webhooks"
	"github.com/soulcypherai/ai-workout-coach-sub002/pkg/auth"
	"github.com/soulcypherai/ai-workout-coach-sub002/pkg/logging"
	"github.com/soulcypherai/ai-workout-coach-sub002/pkg/middleware"
)

// LedgerReader is the read side of the ledger the API serves.
type LedgerReader interface {
	Balance(ctx context.Context, userID string) (int64, error)
	Transactions(ctx context.Context, userID string, limit int) ([]ledger.Entry, error)
}

// CreditGranter writes bonus credits on behalf of internal services.
type CreditGranter interface {
	Credit(ctx context.Context, userID string, amount int64, description string, opts ledger.Options) (int64, bool, error)
}

// ReceiptIssuer signs on-chain payment receipts.
type ReceiptIssuer interface {
	Issue(ctx context.Context, userHash [32]byte, creditAmount int64) (*receipt.SignedReceipt, error)
}

// PaymentRegistrar tracks submitted on-chain payments.
type PaymentRegistrar interface {
	RegisterPayment(ctx context.Context, userID, txHash string, creditAmount int64, tokenAmount *big.Int, nonce uint64) (bool, error)
	PaymentStatus(ctx context.Context, txHash string) (string, int64, error)
}

// SessionMeter starts and ends metered call sessions.
type SessionMeter interface {
	StartSession(ctx context.Context, userID, avatarID string) (*meter.Session, error)
	EndSession(ctx context.Context, sessionID string) error
	Session(sessionID string) (*meter.Session, bool)
}

// CheckoutCreator opens hosted checkout sessions for credit packs.
type CheckoutCreator interface {
	CreateSession(userID string, credits int64) (*webhooks.CheckoutSession, error)
}

// UserDirectory resolves users for receipt issuance and lets internal
// services drop a cached row after they change it.
type UserDirectory interface {
	ByID(ctx context.Context, id string) (*accounts.User, error)
	Invalidate(id string)
}

// Handlers carries the API's dependencies.
type Handlers struct {
	ledger   LedgerReader
	issuer   ReceiptIssuer
	payments PaymentRegistrar
	sessions SessionMeter
	checkout CheckoutCreator
	users    UserDirectory
	granter  CreditGranter
	logger   logging.Logger
}

func NewHandlers(l LedgerReader, issuer ReceiptIssuer, payments PaymentRegistrar, sessions SessionMeter, checkout CheckoutCreator, users UserDirectory, granter CreditGranter, logger logging.Logger) *Handlers {
	return &Handlers{
		ledger:   l,
		issuer:   issuer,
		payments: payments,
		sessions: sessions,
		checkout: checkout,
		users:    users,
		granter:  granter,
		logger:   logger,
	}
}

// RegisterRoutes mounts the API. The webhook endpoint stays outside the
// JWT group: it is authenticated by the provider signature instead.
func (h *Handlers) RegisterRoutes(router *gin.Engine, jwtSecret []byte, stripeWebhook gin.HandlerFunc) {
	router.POST("/webhooks/stripe", stripeWebhook)

	authed := router.Group("/api", auth.JWTAuthMiddleware(jwtSecret))
	{
		authed.GET("/credits/balance", h.GetBalance)
		authed.GET("/credits/transactions", h.GetTransactions)
		authed.POST("/checkout/session", h.CreateCheckoutSession)
		authed.POST("/payments/receipt", h.IssueReceipt)
		authed.POST("/payments/onchain", h.RegisterOnchainPayment)
		authed.GET("/payments/onchain/:txhash", h.GetOnchainPayment)
		authed.POST("/sessions", h.StartSession)
		authed.POST("/sessions/:id/end", h.EndSession)
		authed.GET("/sessions/:id/events", h.StreamSessionEvents)
	}
}

// RegisterServiceRoutes mounts internal service-to-service endpoints
// behind bearer token auth.
func (h *Handlers) RegisterServiceRoutes(router *gin.Engine, serviceToken string) {
	serviceAPI := router.Group("/service", auth.ServiceAuthMiddleware(serviceToken))
	{
		serviceAPI.POST("/credits/bonus", h.GrantBonus)
		serviceAPI.POST("/users/:id/refresh", h.RefreshUser)
	}
}

// RefreshUser drops a user's cached row. The account service calls this
// after it links a wallet or edits a profile, so billing sees the
// change before the cache TTL runs out.
func (h *Handlers) RefreshUser(c *gin.Context) {
	h.users.Invalidate(c.Param("id"))
	c.Status(http.StatusNoContent)
}

// GrantBonus credits promotional or goodwill credits to a user. Callers
// supply an idempotency key so retried grants apply once.
func (h *Handlers) GrantBonus(c *gin.Context) {
	var req BonusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}

	balance, applied, err := h.granter.Credit(c.Request.Context(), req.UserID, req.Amount, req.Description, ledger.Options{
		IdempotencyKey: req.IdempotencyKey,
		Type:           ledger.TypeBonus,
	})
	if err != nil {
		h.logger.WithError(err).WithField("user_id", req.UserID).Error("Failed to grant bonus credits")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, BonusResponse{Applied: applied, NewBalance: balance})
}

func (h *Handlers) GetBalance(c *gin.Context) {
	userID := c.GetString("user_id")
	balance, err := h.ledger.Balance(c.Request.Context(), userID)
	if err != nil {
		middleware.GetContextLogger(c, h.logger).WithError(err).Error("Failed to fetch balance")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to fetch balance"})
		return
	}
	c.JSON(http.StatusOK, BalanceResponse{Balance: balance})
}

func (h *Handlers) GetTransactions(c *gin.Context) {
	userID := c.GetString("user_id")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	entries, err := h.ledger.Transactions(c.Request.Context(), userID, limit)
	if err != nil {
		middleware.GetContextLogger(c, h.logger).WithError(err).Error("Failed to fetch transactions")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to fetch transactions"})
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	c.JSON(http.StatusOK, TransactionsResponse{Transactions: entries})
}

func (h *Handlers) CreateCheckoutSession(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}

	sess, err := h.checkout.CreateSession(c.GetString("user_id"), req.CreditAmount)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to create checkout session")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, CheckoutResponse{Session: sess})
}

// IssueReceipt signs a payment receipt bound to the caller's wallet and
// the contract's current nonce for that wallet.
func (h *Handlers) IssueReceipt(c *gin.Context) {
	var req ReceiptRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.CreditAmount <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}

	wallet := c.GetString("wallet_address")
	if wallet == "" {
		user, err := h.users.ByID(c.Request.Context(), c.GetString("user_id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "No wallet linked to account"})
			return
		}
		wallet = user.WalletAddress
	}
	if wallet == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "No wallet linked to account"})
		return
	}

	signed, err := h.issuer.Issue(c.Request.Context(), accounts.UserHash(wallet), req.CreditAmount)
	if err != nil {
		h.logger.WithError(err).WithField("user_id", c.GetString("user_id")).Error("Failed to issue receipt")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to issue receipt"})
		return
	}
	c.JSON(http.StatusOK, ReceiptResponse{Receipt: signed})
}

func (h *Handlers) RegisterOnchainPayment(c *gin.Context) {
	var req OnchainPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}
	tokenAmount, ok := new(big.Int).SetString(req.TokenAmount, 10)
	if !ok || tokenAmount.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid token amount"})
		return
	}

	registered, err := h.payments.RegisterPayment(c.Request.Context(), c.GetString("user_id"), req.TxHash, req.CreditAmount, tokenAmount, req.Nonce)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if registered {
		c.JSON(http.StatusAccepted, OnchainPaymentResponse{TxHash: req.TxHash, Status: "pending", CreditAmount: req.CreditAmount})
		return
	}

	// Already known; report current state instead
	state, credits, err := h.payments.PaymentStatus(c.Request.Context(), req.TxHash)
	if err != nil {
		middleware.GetContextLogger(c, h.logger).WithError(err).WithField("tx_hash", req.TxHash).Error("Failed to look up known payment")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to look up payment"})
		return
	}
	c.JSON(http.StatusOK, OnchainPaymentResponse{TxHash: req.TxHash, Status: state, CreditAmount: credits})
}

func (h *Handlers) GetOnchainPayment(c *gin.Context) {
	txHash := c.Param("txhash")
	status, credits, err := h.payments.PaymentStatus(c.Request.Context(), txHash)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Payment not found"})
		return
	}
	c.JSON(http.StatusOK, OnchainPaymentResponse{TxHash: txHash, Status: status, CreditAmount: credits})
}

func (h *Handlers) StartSession(c *gin.Context) {
	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}

	sess, err := h.sessions.StartSession(c.Request.Context(), c.GetString("user_id"), req.AvatarID)
	if errors.Is(err, meter.ErrInsufficientCredits) {
		c.JSON(http.StatusPaymentRequired, ErrorResponse{Error: "Insufficient credits"})
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("Failed to start session")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, SessionResponse{
		SessionID:    sess.ID,
		AvatarID:     sess.AvatarID,
		CreditsSpent: sess.CreditsSpent(),
		State:        string(sess.State()),
	})
}

func (h *Handlers) EndSession(c *gin.Context) {
	sessionID := c.Param("id")
	sess, ok := h.sessions.Session(sessionID)
	if !ok || sess.UserID != c.GetString("user_id") {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Session not found"})
		return
	}

	if err := h.sessions.EndSession(c.Request.Context(), sessionID); err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Session not found"})
		return
	}
	c.JSON(http.StatusOK, SessionResponse{
		SessionID:    sess.ID,
		AvatarID:     sess.AvatarID,
		CreditsSpent: sess.CreditsSpent(),
		State:        string(sess.State()),
	})
}

// StreamSessionEvents streams meter notifications for one session as
// server-sent events until the session terminates.
func (h *Handlers) StreamSessionEvents(c *gin.Context) {
	sess, ok := h.sessions.Session(c.Param("id"))
	if !ok || sess.UserID != c.GetString("user_id") {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Session not found"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	events := sess.Events()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, open := <-events:
			if !open {
				return false
			}
			c.SSEvent(string(ev.Kind), ev)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
