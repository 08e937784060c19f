package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/soulcypherai/ai-workout-coach-sub002/internal/webhooks"
	"github.com/soulcypherai/ai-workout-coach-sub002/pkg/logging"
)

type fakeSource struct{ events []webhooks.Event }

func (f *fakeSource) Events(context.Context, time.Time) ([]webhooks.Event, error) {
	return f.events, nil
}

type fakeApplier struct {
	applied  []string
	outcomes map[string]webhooks.Outcome
}

func (f *fakeApplier) ApplyEvent(_ context.Context, ev webhooks.Event) (webhooks.Outcome, error) {
	f.applied = append(f.applied, ev.ID)
	if o, ok := f.outcomes[ev.ID]; ok {
		return o, nil
	}
	return webhooks.OutcomeApplied, nil
}

func newTestSweeper(t *testing.T, events []webhooks.Event) (*Sweeper, *fakeApplier, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	applier := &fakeApplier{outcomes: map[string]webhooks.Outcome{}}
	s := NewSweeper(db, &fakeSource{events: events}, applier, logging.NewLogger())
	return s, applier, mock
}

func expectProcessedCheck(mock sqlmock.Sqlmock, processed bool) {
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(processed))
}

func TestSweepAppliesMissedEvents(t *testing.T) {
	events := []webhooks.Event{
		{ID: "evt_1", Type: "checkout.session.completed"},
		{ID: "evt_2", Type: "charge.refunded"},
	}
	s, applier, mock := newTestSweeper(t, events)
	for range events {
		expectProcessedCheck(mock, false)
		mock.ExpectExec("INSERT INTO webhook_events").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	sum, err := s.Run(context.Background(), Options{Window: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Scanned != 2 || sum.Applied != 2 {
		t.Fatalf("summary = %+v, want 2 scanned and 2 applied", sum)
	}
	if len(applier.applied) != 2 {
		t.Fatalf("applier called %d times, want 2", len(applier.applied))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSweepSkipsAlreadyProcessedEvents(t *testing.T) {
	s, applier, mock := newTestSweeper(t, []webhooks.Event{{ID: "evt_1", Type: "charge.refunded"}})
	expectProcessedCheck(mock, true)

	sum, err := s.Run(context.Background(), Options{Window: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if sum.AlreadyProcessed != 1 || sum.Applied != 0 {
		t.Fatalf("summary = %+v, want 1 already processed", sum)
	}
	if len(applier.applied) != 0 {
		t.Fatal("already processed event was applied again")
	}
}

func TestSweepDryRunMakesNoWrites(t *testing.T) {
	s, applier, mock := newTestSweeper(t, []webhooks.Event{{ID: "evt_1", Type: "charge.refunded"}})
	expectProcessedCheck(mock, false)
	// No INSERT expectation: a dry run must not write

	sum, err := s.Run(context.Background(), Options{Window: time.Hour, DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Applied != 1 {
		t.Fatalf("summary = %+v, want 1 would-apply", sum)
	}
	if len(applier.applied) != 0 {
		t.Fatal("dry run invoked the applier")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSweepCountsDuplicatesFromLedger(t *testing.T) {
	s, applier, mock := newTestSweeper(t, []webhooks.Event{{ID: "evt_1", Type: "checkout.session.completed"}})
	applier.outcomes["evt_1"] = webhooks.OutcomeDuplicate
	expectProcessedCheck(mock, false)
	mock.ExpectExec("INSERT INTO webhook_events").
		WillReturnResult(sqlmock.NewResult(0, 1))

	sum, err := s.Run(context.Background(), Options{Window: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if sum.AlreadyProcessed != 1 || sum.Applied != 0 {
		t.Fatalf("summary = %+v, want duplicate counted as already processed", sum)
	}
}

func TestCheckLedgerFlagsInconsistencies(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT idempotency_key, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"idempotency_key", "count"}).AddRow("pi_123", 2))
	mock.ExpectQuery("SELECT DISTINCT ct.user_id").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("user-gone"))
	mock.ExpectQuery("SELECT cb.user_id, cb.balance").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "balance", "tx_sum"}).AddRow("user-2", int64(900), int64(700)))
	mock.ExpectQuery("SELECT user_id, balance").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "balance"}).AddRow("user-1", int64(-300)))

	findings, err := CheckLedger(context.Background(), db)
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 4 {
		t.Fatalf("findings = %d, want 4", len(findings))
	}
	if findings[0].Severity != SeverityCritical || findings[0].Kind != "duplicate_idempotency_key" {
		t.Fatalf("first finding = %+v, want critical duplicate key", findings[0])
	}
	if findings[2].Severity != SeverityCritical || findings[2].Kind != "balance_mismatch" {
		t.Fatalf("third finding = %+v, want critical balance mismatch", findings[2])
	}
	if !HasCritical(findings) {
		t.Fatal("HasCritical missed the duplicate key finding")
	}
}

func TestCheckLedgerCleanReturnsNoFindings(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT idempotency_key, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"idempotency_key", "count"}))
	mock.ExpectQuery("SELECT DISTINCT ct.user_id").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))
	mock.ExpectQuery("SELECT cb.user_id, cb.balance").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "balance", "tx_sum"}))
	mock.ExpectQuery("SELECT user_id, balance").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "balance"}))

	findings, err := CheckLedger(context.Background(), db)
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 0 {
		t.Fatalf("findings = %+v, want none", findings)
	}
	if HasCritical(findings) {
		t.Fatal("HasCritical on empty findings")
	}
}
