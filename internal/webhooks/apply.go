package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/soulcypherai/ai-workout-coach-sub002/internal/ledger"
	"github.com/soulcypherai/ai-workout-coach-sub002/pkg/logging"
)

// Event is one provider event, either fresh off the webhook endpoint or
// replayed from the provider's event log during reconciliation.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// Outcome classifies what applying an event did.
type Outcome string

const (
	// OutcomeApplied means a ledger entry was written.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means the idempotency key was already present.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeSkipped means the event type or state is not ours to settle.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeMalformed means the event could not be settled and an
	// operator alert was recorded. The event is still acked so the
	// provider stops retrying something that will never parse.
	OutcomeMalformed Outcome = "malformed"
)

type checkoutSessionObject struct {
	ID            string `json:"id"`
	PaymentStatus string `json:"payment_status"`
	PaymentIntent string `json:"payment_intent"`
	Metadata      struct {
		Purpose      string `json:"purpose"`
		UserID       string `json:"user_id"`
		CreditAmount string `json:"credit_amount"`
	} `json:"metadata"`
}

type chargeObject struct {
	ID             string `json:"id"`
	PaymentIntent  string `json:"payment_intent"`
	AmountCaptured int64  `json:"amount_captured"`
	AmountRefunded int64  `json:"amount_refunded"`
}

type disputeObject struct {
	ID            string `json:"id"`
	PaymentIntent string `json:"payment_intent"`
	Amount        int64  `json:"amount"`
	Reason        string `json:"reason"`
}

// purposeCreditPurchase marks checkout sessions created by this service.
const purposeCreditPurchase = "credit_purchase"

// ApplyEvent settles a single provider event against the ledger. It is
// shared between live webhook ingestion and the reconciliation sweep;
// both paths rely on the ledger's idempotency keys, so applying the same
// event twice is harmless.
func (i *Ingestor) ApplyEvent(ctx context.Context, ev Event) (Outcome, error) {
	switch ev.Type {
	case "checkout.session.completed":
		return i.applyCheckoutCompleted(ctx, ev)
	case "charge.refunded":
		return i.applyChargeRefunded(ctx, ev)
	case "charge.dispute.created":
		return i.applyDisputeCreated(ctx, ev)
	default:
		i.logger.WithField("event_type", ev.Type).Debug("Ignoring unhandled Stripe event type")
		return OutcomeSkipped, nil
	}
}

func (i *Ingestor) applyCheckoutCompleted(ctx context.Context, ev Event) (Outcome, error) {
	var obj checkoutSessionObject
	if err := json.Unmarshal(ev.Data.Object, &obj); err != nil {
		return i.malformed(ctx, ev, "unparseable checkout session: "+err.Error())
	}

	if obj.Metadata.Purpose != purposeCreditPurchase {
		// Checkout sessions from other surfaces (e.g. merch) are not ours
		return OutcomeSkipped, nil
	}
	if obj.PaymentStatus != "paid" {
		i.logger.WithFields(logging.Fields{
			"session_id":     obj.ID,
			"payment_status": obj.PaymentStatus,
		}).Info("Checkout session completed without payment, skipping")
		return OutcomeSkipped, nil
	}

	if obj.Metadata.UserID == "" {
		return i.malformed(ctx, ev, "checkout session missing user_id metadata")
	}
	credits, err := strconv.ParseInt(obj.Metadata.CreditAmount, 10, 64)
	if err != nil || credits <= 0 {
		return i.malformed(ctx, ev, fmt.Sprintf("checkout session has bad credit_amount %q", obj.Metadata.CreditAmount))
	}

	exists, err := i.users.Exists(ctx, obj.Metadata.UserID)
	if err != nil {
		return "", err
	}
	if !exists {
		return i.malformed(ctx, ev, "checkout session references unknown user "+obj.Metadata.UserID)
	}

	// The payment intent id survives provider retries and shows up again
	// in refund events, so it is the natural settlement key.
	key := obj.PaymentIntent
	if key == "" {
		key = obj.ID
	}

	_, applied, err := i.ledger.Credit(ctx, obj.Metadata.UserID, credits, "credit pack purchase", ledger.Options{
		IdempotencyKey: key,
		Type:           ledger.TypePurchase,
	})
	if err != nil {
		return "", err
	}
	if !applied {
		return OutcomeDuplicate, nil
	}

	i.logger.WithFields(logging.Fields{
		"user_id":        obj.Metadata.UserID,
		"credits":        credits,
		"payment_intent": key,
	}).Info("Credit purchase settled")
	return OutcomeApplied, nil
}

// applyChargeRefunded claws back credits in proportion to the refunded
// amount: floor(purchasedCredits * refunded / captured). The debit may
// take the balance negative when the credits were already spent; the
// deficit stays on the ledger.
func (i *Ingestor) applyChargeRefunded(ctx context.Context, ev Event) (Outcome, error) {
	var obj chargeObject
	if err := json.Unmarshal(ev.Data.Object, &obj); err != nil {
		return i.malformed(ctx, ev, "unparseable charge: "+err.Error())
	}
	if obj.PaymentIntent == "" {
		return i.malformed(ctx, ev, "charge.refunded missing payment_intent")
	}
	if obj.AmountCaptured <= 0 || obj.AmountRefunded <= 0 {
		return i.malformed(ctx, ev, fmt.Sprintf("charge.refunded with non-positive amounts captured=%d refunded=%d", obj.AmountCaptured, obj.AmountRefunded))
	}

	purchase, err := i.ledger.FindEntryByKey(ctx, obj.PaymentIntent)
	if err != nil {
		return "", err
	}
	if purchase == nil || purchase.Type != ledger.TypePurchase {
		return i.malformed(ctx, ev, "refund for unknown purchase "+obj.PaymentIntent)
	}

	refunded := obj.AmountRefunded
	if refunded > obj.AmountCaptured {
		refunded = obj.AmountCaptured
	}
	credits := purchase.Amount * refunded / obj.AmountCaptured
	if credits <= 0 {
		i.logger.WithField("payment_intent", obj.PaymentIntent).Info("Refund too small to claw back any credits")
		return OutcomeSkipped, nil
	}

	_, applied, err := i.ledger.Debit(ctx, purchase.UserID, credits, "refund claw-back", ledger.Options{
		IdempotencyKey: obj.PaymentIntent + ":refund",
		Type:           ledger.TypeRefund,
		AllowOverdraft: true,
	})
	if err != nil {
		return "", err
	}
	if !applied {
		return OutcomeDuplicate, nil
	}

	i.logger.WithFields(logging.Fields{
		"user_id":        purchase.UserID,
		"credits":        credits,
		"payment_intent": obj.PaymentIntent,
	}).Info("Refund claw-back applied")
	return OutcomeApplied, nil
}

// applyDisputeCreated records an operator alert. Disputes are resolved by
// a human; the ledger is only touched once the provider settles the
// dispute into an actual refund.
func (i *Ingestor) applyDisputeCreated(ctx context.Context, ev Event) (Outcome, error) {
	var obj disputeObject
	if err := json.Unmarshal(ev.Data.Object, &obj); err != nil {
		return i.malformed(ctx, ev, "unparseable dispute: "+err.Error())
	}

	i.recordAlert(ctx, "stripe", "dispute_created", obj.PaymentIntent,
		fmt.Sprintf("dispute %s for %d (%s)", obj.ID, obj.Amount, obj.Reason))
	i.logger.WithFields(logging.Fields{
		"dispute_id":     obj.ID,
		"payment_intent": obj.PaymentIntent,
		"reason":         obj.Reason,
	}).Warn("Payment dispute opened")
	return OutcomeApplied, nil
}

func (i *Ingestor) malformed(ctx context.Context, ev Event, detail string) (Outcome, error) {
	i.recordAlert(ctx, "stripe", "malformed_event", ev.ID, detail)
	i.logger.WithFields(logging.Fields{
		"event_id":   ev.ID,
		"event_type": ev.Type,
		"detail":     detail,
	}).Error("Malformed provider event")
	return OutcomeMalformed, nil
}

func (i *Ingestor) recordAlert(ctx context.Context, provider, kind, reference, detail string) {
	i.countAlert(kind)
	if _, err := i.db.ExecContext(ctx, `
		INSERT INTO provider_alerts (id, provider, kind, reference, detail)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New().String(), provider, kind, reference, detail); err != nil {
		i.logger.WithError(err).WithField("kind", kind).Error("Failed to record provider alert")
	}
}
