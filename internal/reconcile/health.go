package reconcile

import (
	"context"
	"database/sql"
	"fmt"
)

// Severity of a ledger audit finding.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Finding is one ledger inconsistency discovered by CheckLedger.
type Finding struct {
	Severity Severity `json:"severity"`
	Kind     string   `json:"kind"`
	Detail   string   `json:"detail"`
}

// CheckLedger audits the ledger tables for inconsistencies that should
// never occur and for conditions an operator should look at.
func CheckLedger(ctx context.Context, db *sql.DB) ([]Finding, error) {
	var findings []Finding

	// Duplicate idempotency keys mean a settlement was applied twice.
	rows, err := db.QueryContext(ctx, `
		SELECT idempotency_key, COUNT(*)
		FROM credit_transactions
		WHERE idempotency_key IS NOT NULL
		GROUP BY idempotency_key
		HAVING COUNT(*) > 1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency keys: %w", err)
	}
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			rows.Close()
			return nil, err
		}
		findings = append(findings, Finding{
			Severity: SeverityCritical,
			Kind:     "duplicate_idempotency_key",
			Detail:   fmt.Sprintf("key %s has %d transactions", key, count),
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Transactions referencing deleted or missing users.
	rows, err = db.QueryContext(ctx, `
		SELECT DISTINCT ct.user_id
		FROM credit_transactions ct
		LEFT JOIN users u ON u.id = ct.user_id
		WHERE u.id IS NULL OR u.deleted_at IS NOT NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to check user references: %w", err)
	}
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			rows.Close()
			return nil, err
		}
		findings = append(findings, Finding{
			Severity: SeverityCritical,
			Kind:     "orphaned_ledger_user",
			Detail:   fmt.Sprintf("transactions reference deleted or missing user %s", userID),
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// A balance row must equal the sum of its user's transactions.
	rows, err = db.QueryContext(ctx, `
		SELECT cb.user_id, cb.balance, COALESCE(SUM(ct.amount), 0) AS tx_sum
		FROM credit_balances cb
		LEFT JOIN credit_transactions ct ON ct.user_id = cb.user_id
		GROUP BY cb.user_id, cb.balance
		HAVING cb.balance <> COALESCE(SUM(ct.amount), 0)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to check balance conservation: %w", err)
	}
	for rows.Next() {
		var userID string
		var balance, txSum int64
		if err := rows.Scan(&userID, &balance, &txSum); err != nil {
			rows.Close()
			return nil, err
		}
		findings = append(findings, Finding{
			Severity: SeverityCritical,
			Kind:     "balance_mismatch",
			Detail:   fmt.Sprintf("user %s balance %d but transactions sum to %d", userID, balance, txSum),
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Negative balances are expected after refund claw-backs but should
	// be rare and watched.
	rows, err = db.QueryContext(ctx, `
		SELECT user_id, balance FROM credit_balances WHERE balance < 0
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to check balances: %w", err)
	}
	for rows.Next() {
		var userID string
		var balance int64
		if err := rows.Scan(&userID, &balance); err != nil {
			rows.Close()
			return nil, err
		}
		findings = append(findings, Finding{
			Severity: SeverityWarning,
			Kind:     "negative_balance",
			Detail:   fmt.Sprintf("user %s has balance %d", userID, balance),
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return findings, nil
}

// HasCritical reports whether any finding is critical.
func HasCritical(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == SeverityCritical {
			return true
		}
	}
	return false
}
