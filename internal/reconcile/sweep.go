package reconcile

import (
	"context"
	"database/sql"
	"time"

	"github.com/soulcypherai/ai-workout-coach-sub002/internal/webhooks"
	"github.com/soulcypherai/ai-workout-coach-sub002/pkg/logging"
)

// EventApplier settles one provider event. Satisfied by webhooks.Ingestor.
type EventApplier interface {
	ApplyEvent(ctx context.Context, ev webhooks.Event) (webhooks.Outcome, error)
}

// Options control one sweep run.
type Options struct {
	// Window is how far back to replay the provider event log.
	Window time.Duration
	// DryRun reports what would be applied without writing anything.
	DryRun bool
}

// Summary is the result of one sweep run. In dry-run mode Applied counts
// events that would have been applied.
type Summary struct {
	Scanned          int `json:"scanned"`
	Applied          int `json:"applied"`
	AlreadyProcessed int `json:"already_processed"`
	Skipped          int `json:"skipped"`
	Failed           int `json:"failed"`
}

// Sweeper replays missed provider events through the same apply path the
// live webhook endpoint uses. Idempotency keys on the ledger make the
// replay safe even when the webhook actually did land.
type Sweeper struct {
	db      *sql.DB
	source  EventSource
	applier EventApplier
	logger  logging.Logger
}

func NewSweeper(db *sql.DB, source EventSource, applier EventApplier, logger logging.Logger) *Sweeper {
	return &Sweeper{db: db, source: source, applier: applier, logger: logger}
}

func (s *Sweeper) Run(ctx context.Context, opts Options) (Summary, error) {
	if opts.Window <= 0 {
		opts.Window = 24 * time.Hour
	}
	since := time.Now().Add(-opts.Window)

	events, err := s.source.Events(ctx, since)
	if err != nil {
		return Summary{}, err
	}

	var sum Summary
	for _, ev := range events {
		sum.Scanned++

		processed, err := s.isProcessed(ctx, ev.ID)
		if err != nil {
			return sum, err
		}
		if processed {
			sum.AlreadyProcessed++
			continue
		}

		if opts.DryRun {
			s.logger.WithFields(logging.Fields{
				"event_id":   ev.ID,
				"event_type": ev.Type,
			}).Info("Dry run: event would be applied")
			sum.Applied++
			continue
		}

		outcome, err := s.applier.ApplyEvent(ctx, ev)
		if err != nil {
			s.logger.WithError(err).WithField("event_id", ev.ID).Error("Sweep failed to apply event")
			sum.Failed++
			continue
		}
		s.markProcessed(ctx, ev)

		switch outcome {
		case webhooks.OutcomeApplied:
			s.logger.WithFields(logging.Fields{
				"event_id":   ev.ID,
				"event_type": ev.Type,
			}).Warn("Sweep recovered a missed provider event")
			sum.Applied++
		case webhooks.OutcomeDuplicate:
			sum.AlreadyProcessed++
		default:
			sum.Skipped++
		}
	}

	s.logger.WithFields(logging.Fields{
		"scanned":           sum.Scanned,
		"applied":           sum.Applied,
		"already_processed": sum.AlreadyProcessed,
		"skipped":           sum.Skipped,
		"failed":            sum.Failed,
		"dry_run":           opts.DryRun,
	}).Info("Reconciliation sweep finished")
	return sum, nil
}

func (s *Sweeper) isProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM webhook_events WHERE provider = 'stripe' AND event_id = $1)
	`, eventID).Scan(&exists)
	return exists, err
}

func (s *Sweeper) markProcessed(ctx context.Context, ev webhooks.Event) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (provider, event_id, event_type)
		VALUES ('stripe', $1, $2)
		ON CONFLICT (provider, event_id) DO NOTHING
	`, ev.ID, ev.Type)
	if err != nil {
		s.logger.WithError(err).WithField("event_id", ev.ID).Warn("Failed to mark swept event as processed")
	}
}
