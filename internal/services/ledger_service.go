package services

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/schoolpay/backend/internal/models"
	"github.com/shopspring/decimal"
)

// LedgerService owns the append-only student ledger. AppendEntryTx is the
// only mutator and must run in the same transaction as the obligation or
// credit mutation it mirrors: an entry is never written for a state change
// that didn't happen, and a state change never happens without its entry.
type LedgerService struct {
	db *sql.DB
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{db: db}
}

// StudentLedger is the full statement for one student.
type StudentLedger struct {
	StudentID      string               `json:"student_id"`
	CurrentBalance decimal.Decimal      `json:"current_balance"`
	BalanceStatus  string               `json:"balance_status"`
	Entries        []models.LedgerEntry `json:"entries"`
	Summary        LedgerSummary        `json:"summary"`
}

type LedgerSummary struct {
	TotalCharges        decimal.Decimal `json:"total_charges"`
	TotalPayments       decimal.Decimal `json:"total_payments"`
	TotalCreditsUsed    decimal.Decimal `json:"total_credits_used"`
	TotalCreditsCreated decimal.Decimal `json:"total_credits_created"`
}

// ReconciliationReport cross-checks the ledger against the aggregate
// obligation/credit state computed independently.
type ReconciliationReport struct {
	StudentID        string          `json:"student_id"`
	LedgerBalance    decimal.Decimal `json:"ledger_balance"`
	TotalOutstanding decimal.Decimal `json:"total_outstanding"`
	TotalCredits     decimal.Decimal `json:"total_credits"`
	Consistent       bool            `json:"consistent"`
}

// AppendEntryTx appends one ledger entry, carrying the running balance
// forward from the student's latest entry. Callers must hold the per-student
// lock so the read-then-insert cannot interleave with another writer.
func (ls *LedgerService) AppendEntryTx(tx *sql.Tx, studentID, entryType, description string, amount decimal.Decimal, referenceID string) (*models.LedgerEntry, error) {
	var current decimal.Decimal
	err := tx.QueryRow(`
		SELECT running_balance FROM student_ledger
		WHERE student_id = $1
		ORDER BY occurred_at DESC, id DESC
		LIMIT 1`, studentID).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to read current balance: %w", err)
	}

	entry := &models.LedgerEntry{
		StudentID:      studentID,
		EntryType:      entryType,
		Description:    description,
		Amount:         amount,
		RunningBalance: current.Add(amount),
		ReferenceID:    referenceID,
		OccurredAt:     time.Now(),
	}

	err = tx.QueryRow(`
		INSERT INTO student_ledger (student_id, entry_type, description, amount, running_balance, reference_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		entry.StudentID, entry.EntryType, entry.Description, entry.Amount,
		entry.RunningBalance, entry.ReferenceID, entry.OccurredAt).Scan(&entry.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	return entry, nil
}

// GetLedger returns the student's entries in running-balance order, oldest
// first, plus the per-type totals.
func (ls *LedgerService) GetLedger(studentID string) (*StudentLedger, error) {
	rows, err := ls.db.Query(`
		SELECT id, student_id, entry_type, description, amount, running_balance, reference_id, occurred_at
		FROM student_ledger
		WHERE student_id = $1
		ORDER BY occurred_at ASC, id ASC`, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch ledger: %w", err)
	}
	defer rows.Close()

	ledger := &StudentLedger{StudentID: studentID, Entries: []models.LedgerEntry{}}
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.StudentID, &e.EntryType, &e.Description,
			&e.Amount, &e.RunningBalance, &e.ReferenceID, &e.OccurredAt); err != nil {
			return nil, err
		}
		ledger.Entries = append(ledger.Entries, e)

		switch e.EntryType {
		case models.EntryCharge:
			ledger.Summary.TotalCharges = ledger.Summary.TotalCharges.Add(e.Amount.Abs())
		case models.EntryPayment:
			ledger.Summary.TotalPayments = ledger.Summary.TotalPayments.Add(e.Amount)
		case models.EntryCreditApplied:
			if e.Amount.IsNegative() {
				ledger.Summary.TotalCreditsUsed = ledger.Summary.TotalCreditsUsed.Add(e.Amount.Abs())
			}
		case models.EntryCreditCreated:
			ledger.Summary.TotalCreditsCreated = ledger.Summary.TotalCreditsCreated.Add(e.Amount)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if n := len(ledger.Entries); n > 0 {
		ledger.CurrentBalance = ledger.Entries[n-1].RunningBalance
	}
	switch {
	case ledger.CurrentBalance.IsPositive():
		ledger.BalanceStatus = "CREDIT"
	case ledger.CurrentBalance.IsNegative():
		ledger.BalanceStatus = "OUTSTANDING"
	default:
		ledger.BalanceStatus = "SETTLED"
	}

	return ledger, nil
}

// ReconcileTx verifies the core correctness invariant inside a transaction:
// sum(ledger amounts) == active credit - outstanding obligation balances,
// each side computed independently.
func (ls *LedgerService) ReconcileTx(tx *sql.Tx, studentID string) (*ReconciliationReport, error) {
	report := &ReconciliationReport{StudentID: studentID}

	err := tx.QueryRow(`
		SELECT COALESCE(SUM(amount), 0) FROM student_ledger WHERE student_id = $1`,
		studentID).Scan(&report.LedgerBalance)
	if err != nil {
		return nil, fmt.Errorf("failed to sum ledger: %w", err)
	}

	err = tx.QueryRow(`
		SELECT COALESCE(SUM(balance), 0) FROM fee_obligations WHERE student_id = $1 AND balance > 0`,
		studentID).Scan(&report.TotalOutstanding)
	if err != nil {
		return nil, fmt.Errorf("failed to sum obligations: %w", err)
	}

	err = tx.QueryRow(`
		SELECT COALESCE(SUM(remaining_amount), 0) FROM student_credits WHERE student_id = $1 AND is_active = TRUE`,
		studentID).Scan(&report.TotalCredits)
	if err != nil {
		return nil, fmt.Errorf("failed to sum credits: %w", err)
	}

	expected := report.TotalCredits.Sub(report.TotalOutstanding)
	report.Consistent = report.LedgerBalance.Equal(expected)
	if !report.Consistent {
		return report, &InvariantViolation{
			StudentID: studentID,
			Detail: fmt.Sprintf("ledger sum %s != credits %s - outstanding %s",
				report.LedgerBalance, report.TotalCredits, report.TotalOutstanding),
		}
	}

	return report, nil
}

// Reconcile runs the same cross-check outside any caller transaction, for
// the operator-facing reconciliation endpoint.
func (ls *LedgerService) Reconcile(studentID string) (*ReconciliationReport, error) {
	tx, err := ls.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	report, err := ls.ReconcileTx(tx, studentID)
	if report == nil {
		return nil, err
	}
	return report, err
}
