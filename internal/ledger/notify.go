package ledger

import (
	"context"

	"github.com/soulcypherai/ai-workout-coach-sub002/pkg/logging"
)

// BalanceChange describes an applied ledger entry. Changes are delivered
// to in-process subscribers and, when a publisher is configured, to the
// Redis channel so websocket gateways can push live balance updates.
type BalanceChange struct {
	UserID     string    `json:"user_id"`
	Delta      int64     `json:"delta"`
	NewBalance int64     `json:"new_balance"`
	Type       EntryType `json:"type"`
	SessionID  string    `json:"session_id,omitempty"`
}

type changePublisher interface {
	Publish(ctx context.Context, channel string, msg BalanceChange) error
}

// Subscribe registers an in-process callback invoked after every applied
// entry. Callbacks run synchronously on the calling goroutine and must
// not block. Not safe to call concurrently with ledger operations.
func (l *Ledger) Subscribe(fn func(BalanceChange)) {
	l.subscribers = append(l.subscribers, fn)
}

// SetPublisher wires an external pubsub sink for balance changes.
func (l *Ledger) SetPublisher(p changePublisher, channel string) {
	l.publisher = p
	l.pubChannel = channel
}

func (l *Ledger) notify(ctx context.Context, change BalanceChange) {
	for _, fn := range l.subscribers {
		fn(change)
	}
	if l.publisher == nil {
		return
	}
	if err := l.publisher.Publish(ctx, l.pubChannel, change); err != nil {
		l.logger.WithError(err).WithFields(logging.Fields{
			"user_id": change.UserID,
			"channel": l.pubChannel,
		}).Warn("Failed to publish balance change")
	}
}
