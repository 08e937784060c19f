// Package webhooks ingests fiat payment provider events and settles them
// against the credit ledger. Events are verified, deduplicated by
// provider event id, and applied through per-event ledger transactions,
// so a crashed handler can be retried by the provider without double
// crediting.
package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/soulcypherai/ai-workout-coach-sub002/internal/ledger"
	"github.com/soulcypherai/ai-workout-coach-sub002/pkg/logging"
)

// CreditLedger is the slice of the ledger the ingestor needs.
type CreditLedger interface {
	Credit(ctx context.Context, userID string, amount int64, description string, opts ledger.Options) (int64, bool, error)
	Debit(ctx context.Context, userID string, amount int64, description string, opts ledger.Options) (int64, bool, error)
	FindEntryByKey(ctx context.Context, key string) (*ledger.Entry, error)
}

// UserDirectory checks that credited users actually exist.
type UserDirectory interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// Metrics are optional; a nil counter is skipped.
type Metrics struct {
	SignatureFailures *prometheus.CounterVec // labels: provider
	EventsProcessed   *prometheus.CounterVec // labels: event_type, outcome
	Alerts            *prometheus.CounterVec // labels: kind
}

// Ingestor processes Stripe webhook deliveries.
type Ingestor struct {
	db      *sql.DB
	ledger  CreditLedger
	users   UserDirectory
	secret  string
	logger  logging.Logger
	metrics *Metrics
	now     func() time.Time
}

func NewIngestor(db *sql.DB, l CreditLedger, users UserDirectory, webhookSecret string, logger logging.Logger, metrics *Metrics) *Ingestor {
	return &Ingestor{
		db:      db,
		ledger:  l,
		users:   users,
		secret:  webhookSecret,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// HandleStripeWebhook is the gin handler for POST /webhooks/stripe.
func (i *Ingestor) HandleStripeWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	status, message := i.Process(c.Request.Context(), body, c.GetHeader("Stripe-Signature"))
	if message != "" {
		c.JSON(status, gin.H{"error": message})
		return
	}
	c.JSON(status, gin.H{"received": true})
}

// Process verifies, deduplicates, and applies one webhook delivery.
// Returns the HTTP status for the provider and an error message for
// non-2xx outcomes.
func (i *Ingestor) Process(ctx context.Context, body []byte, signature string) (int, string) {
	if i.secret == "" {
		i.logger.Error("Stripe webhook secret not configured; rejecting webhook")
		return http.StatusServiceUnavailable, "Webhook verification not configured"
	}
	if !i.verifySignature(body, signature) {
		i.logger.WithField("signature", signature).Warn("Invalid Stripe webhook signature")
		i.countSignatureFailure("stripe")
		return http.StatusUnauthorized, "Invalid signature"
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil || ev.ID == "" {
		i.logger.Warn("Invalid Stripe webhook payload")
		return http.StatusBadRequest, "Invalid payload"
	}

	i.logger.WithFields(logging.Fields{
		"event_id":   ev.ID,
		"event_type": ev.Type,
	}).Info("Received Stripe webhook")

	// Replay suppression by provider event id
	if i.isAlreadyProcessed(ctx, "stripe", ev.ID) {
		i.logger.WithField("event_id", ev.ID).Debug("Stripe webhook already processed, skipping")
		return http.StatusOK, ""
	}

	outcome, err := i.ApplyEvent(ctx, ev)
	if err != nil {
		i.logger.WithError(err).WithField("event_type", ev.Type).Error("Failed to process Stripe webhook")
		return http.StatusInternalServerError, "Failed to process webhook"
	}
	i.countEvent(ev.Type, outcome)

	i.markProcessed(ctx, "stripe", ev.ID, ev.Type)
	return http.StatusOK, ""
}

// verifySignature checks the Stripe-Signature header: HMAC-SHA256 over
// "timestamp.payload", with a 5 minute timestamp tolerance.
func (i *Ingestor) verifySignature(payload []byte, signature string) bool {
	if signature == "" {
		return false
	}

	// Header format: t=timestamp,v1=signature,v1=signature
	elements := strings.Split(signature, ",")
	var timestamp string
	var signatures []string

	for _, element := range elements {
		parts := strings.SplitN(element, "=", 2)
		if len(parts) != 2 {
			continue
		}
		switch parts[0] {
		case "t":
			timestamp = parts[1]
		case "v1":
			signatures = append(signatures, parts[1])
		}
	}

	if timestamp == "" || len(signatures) == 0 {
		i.logger.Error("Invalid Stripe signature format: missing timestamp or signatures")
		return false
	}

	timestampInt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		i.logger.WithField("timestamp", timestamp).Error("Failed to parse Stripe webhook timestamp")
		return false
	}

	now := i.now().Unix()
	if now-timestampInt > 300 { // 5 minutes tolerance
		i.logger.WithFields(logging.Fields{
			"timestamp":   timestampInt,
			"age_seconds": now - timestampInt,
		}).Warn("Stripe webhook timestamp too old")
		return false
	}

	signedPayload := timestamp + "." + string(payload)
	mac := hmac.New(sha256.New, []byte(i.secret))
	mac.Write([]byte(signedPayload))
	expectedSignature := hex.EncodeToString(mac.Sum(nil))

	for _, providedSig := range signatures {
		if hmac.Equal([]byte(expectedSignature), []byte(providedSig)) {
			return true
		}
	}

	i.logger.WithFields(logging.Fields{
		"timestamp":   timestamp,
		"payload_len": len(payload),
	}).Warn("Stripe signature verification failed")
	return false
}

func (i *Ingestor) isAlreadyProcessed(ctx context.Context, provider, eventID string) bool {
	var exists bool
	err := i.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM webhook_events WHERE provider = $1 AND event_id = $2)
	`, provider, eventID).Scan(&exists)
	return err == nil && exists
}

func (i *Ingestor) markProcessed(ctx context.Context, provider, eventID, eventType string) {
	_, err := i.db.ExecContext(ctx, `
		INSERT INTO webhook_events (provider, event_id, event_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider, event_id) DO NOTHING
	`, provider, eventID, eventType)
	if err != nil {
		i.logger.WithError(err).Warn("Failed to mark webhook as processed")
	}
}

func (i *Ingestor) countSignatureFailure(provider string) {
	if i.metrics != nil && i.metrics.SignatureFailures != nil {
		i.metrics.SignatureFailures.WithLabelValues(provider).Inc()
	}
}

func (i *Ingestor) countEvent(eventType string, outcome Outcome) {
	if i.metrics != nil && i.metrics.EventsProcessed != nil {
		i.metrics.EventsProcessed.WithLabelValues(eventType, string(outcome)).Inc()
	}
}

func (i *Ingestor) countAlert(kind string) {
	if i.metrics != nil && i.metrics.Alerts != nil {
		i.metrics.Alerts.WithLabelValues(kind).Inc()
	}
}
