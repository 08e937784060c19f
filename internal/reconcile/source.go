// Package reconcile replays the payment provider's event log against the
// ledger to catch webhook deliveries that were lost or failed, and audits
// the ledger for inconsistencies.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/event"

	"github.com/soulcypherai/ai-workout-coach-sub002/internal/webhooks"
)

// EventSource lists settlement-relevant provider events newer than a
// point in time.
type EventSource interface {
	Events(ctx context.Context, since time.Time) ([]webhooks.Event, error)
}

// settledEventTypes are the event types the ingestor knows how to apply.
var settledEventTypes = []string{
	"checkout.session.completed",
	"charge.refunded",
	"charge.dispute.created",
}

// StripeEventSource pulls events from the Stripe events API.
type StripeEventSource struct{}

func NewStripeEventSource(secretKey string) (*StripeEventSource, error) {
	if secretKey == "" {
		return nil, fmt.Errorf("stripe secret key is required")
	}
	stripe.Key = secretKey
	return &StripeEventSource{}, nil
}

func (s *StripeEventSource) Events(ctx context.Context, since time.Time) ([]webhooks.Event, error) {
	types := make([]*string, len(settledEventTypes))
	for i := range settledEventTypes {
		types[i] = stripe.String(settledEventTypes[i])
	}

	params := &stripe.EventListParams{
		Types: types,
		CreatedRange: &stripe.RangeQueryParams{
			GreaterThanOrEqual: since.Unix(),
		},
	}
	params.Context = ctx
	params.Limit = stripe.Int64(100)

	var out []webhooks.Event
	iter := event.List(params)
	for iter.Next() {
		e := iter.Event()
		ev := webhooks.Event{ID: e.ID, Type: string(e.Type)}
		if e.Data != nil {
			ev.Data.Object = e.Data.Raw
		}
		out = append(out, ev)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list stripe events: %w", err)
	}
	return out, nil
}
