package services

import (
	"database/sql"
	"fmt"

	"github.com/schoolpay/backend/internal/models"
	"github.com/shopspring/decimal"
)

// AllocationService computes and applies the deterministic payment waterfall
// for one student: existing credit is consumed against open obligations
// first, then the new payment is spread oldest-first, and any leftover
// becomes a stored credit. Every mutation is mirrored by exactly one ledger
// entry inside the same transaction, and the caller must hold the
// per-student lock for the whole allocation.
type AllocationService struct {
	db      *sql.DB
	credits *CreditService
	ledger  *LedgerService
	audit   *AuditLogger
}

func NewAllocationService(db *sql.DB, credits *CreditService, ledger *LedgerService) *AllocationService {
	return &AllocationService{
		db:      db,
		credits: credits,
		ledger:  ledger,
		audit:   NewAuditLogger(),
	}
}

// AllocationEntry is one obligation's share of a payment.
type AllocationEntry struct {
	ObligationID   string          `json:"obligation_id"`
	ObligationName string          `json:"obligation_name"`
	Applied        decimal.Decimal `json:"applied"`
	NewBalance     decimal.Decimal `json:"new_balance"`
}

// AllocationResult describes what a single payment did.
type AllocationResult struct {
	Entries       []AllocationEntry `json:"entries"`
	TotalApplied  decimal.Decimal   `json:"total_applied"`
	Leftover      decimal.Decimal   `json:"leftover"`
	CreditApplied decimal.Decimal   `json:"credit_applied"`
	NewBalance    decimal.Decimal   `json:"new_balance"`
}

// openObligationsTx loads the student's open obligations oldest-first with a
// stable id tie-break, locking the rows for the rest of the transaction.
func (as *AllocationService) openObligationsTx(tx *sql.Tx, studentID string) ([]*models.Obligation, error) {
	rows, err := tx.Query(`
		SELECT id, student_id, name, amount_due, amount_paid, balance, status, opened_at
		FROM fee_obligations
		WHERE student_id = $1 AND balance > 0
		ORDER BY opened_at ASC, id ASC
		FOR UPDATE`, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch obligations: %w", err)
	}
	defer rows.Close()

	obligations := []*models.Obligation{}
	for rows.Next() {
		var o models.Obligation
		if err := rows.Scan(&o.ID, &o.StudentID, &o.Name, &o.AmountDue, &o.AmountPaid,
			&o.Balance, &o.Status, &o.OpenedAt); err != nil {
			return nil, err
		}
		obligations = append(obligations, &o)
	}
	return obligations, rows.Err()
}

// waterfallTx spreads amount across the given obligations in order, writing
// the new balances back and settling any obligation that reaches zero.
// Obligations are mutated in place so a later pass sees current balances.
func (as *AllocationService) waterfallTx(tx *sql.Tx, obligations []*models.Obligation, amount decimal.Decimal) ([]AllocationEntry, decimal.Decimal, error) {
	remaining := amount
	applied := []AllocationEntry{}

	for _, ob := range obligations {
		if !remaining.IsPositive() {
			break
		}
		// Settled rows should never be in the set; skip defensively.
		if !ob.Balance.IsPositive() {
			continue
		}

		share := decimal.Min(remaining, ob.Balance)
		ob.AmountPaid = ob.AmountPaid.Add(share)
		ob.Balance = ob.Balance.Sub(share)
		if ob.Balance.IsZero() {
			ob.Status = models.ObligationSettled
		}

		_, err := tx.Exec(`
			UPDATE fee_obligations
			SET amount_paid = $1, balance = $2, status = $3
			WHERE id = $4`,
			ob.AmountPaid, ob.Balance, ob.Status, ob.ID)
		if err != nil {
			return nil, decimal.Zero, fmt.Errorf("failed to update obligation %s: %w", ob.ID, err)
		}

		applied = append(applied, AllocationEntry{
			ObligationID:   ob.ID,
			ObligationName: ob.Name,
			Applied:        share,
			NewBalance:     ob.Balance,
		})
		remaining = remaining.Sub(share)
	}

	return applied, remaining, nil
}

// ApplyCreditTx consumes existing credit against the open obligations using
// the same waterfall, before the new payment is touched. Each obligation
// decrement and each credit decrement gets its own mirrored ledger entry;
// the pair nets to zero because applying stored value does not change the
// student's net position.
func (as *AllocationService) ApplyCreditTx(tx *sql.Tx, studentID string, obligations []*models.Obligation) (decimal.Decimal, error) {
	totalCredit, err := as.credits.TotalActiveCreditTx(tx, studentID)
	if err != nil {
		return decimal.Zero, err
	}
	if !totalCredit.IsPositive() || len(obligations) == 0 {
		return decimal.Zero, nil
	}

	outstanding := decimal.Zero
	for _, ob := range obligations {
		outstanding = outstanding.Add(ob.Balance)
	}
	toApply := decimal.Min(totalCredit, outstanding)
	if !toApply.IsPositive() {
		return decimal.Zero, nil
	}

	applied, _, err := as.waterfallTx(tx, obligations, toApply)
	if err != nil {
		return decimal.Zero, err
	}
	for _, entry := range applied {
		_, err := as.ledger.AppendEntryTx(tx, studentID, models.EntryCreditApplied,
			fmt.Sprintf("Credit Applied to %s", entry.ObligationName),
			entry.Applied, entry.ObligationID)
		if err != nil {
			return decimal.Zero, err
		}
	}

	consumptions, consumed, err := as.credits.ConsumeCreditsTx(tx, studentID, toApply)
	if err != nil {
		return decimal.Zero, err
	}
	if !consumed.Equal(toApply) {
		return decimal.Zero, &InvariantViolation{
			StudentID: studentID,
			Detail:    fmt.Sprintf("credit consumption drew %s, expected %s", consumed, toApply),
		}
	}
	for _, c := range consumptions {
		_, err := as.ledger.AppendEntryTx(tx, studentID, models.EntryCreditApplied,
			"Credit Consumed", c.Amount.Neg(), c.CreditID)
		if err != nil {
			return decimal.Zero, err
		}
	}

	return toApply, nil
}

// AllocateTx runs the full allocation for a confirmed payment. The exact
// order is fixed: existing credit first, then the payment waterfall
// oldest-first, then leftover to credit. After all mutations the ledger is
// cross-checked against the obligation/credit state; a mismatch surfaces as
// an InvariantViolation and the caller must roll back.
func (as *AllocationService) AllocateTx(tx *sql.Tx, studentID, paymentID, method, txRef string, amount decimal.Decimal) (*AllocationResult, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: allocation amount must be positive", ErrValidation)
	}

	obligations, err := as.openObligationsTx(tx, studentID)
	if err != nil {
		return nil, err
	}

	creditApplied, err := as.ApplyCreditTx(tx, studentID, obligations)
	if err != nil {
		return nil, err
	}

	entries, leftover, err := as.waterfallTx(tx, obligations, amount)
	if err != nil {
		return nil, err
	}

	result := &AllocationResult{
		Entries:       entries,
		TotalApplied:  amount.Sub(leftover),
		Leftover:      leftover,
		CreditApplied: creditApplied,
	}

	for _, entry := range entries {
		_, err := as.ledger.AppendEntryTx(tx, studentID, models.EntryPayment,
			fmt.Sprintf("Payment Received (%s) - %s", method, txRef),
			entry.Applied, paymentID)
		if err != nil {
			return nil, err
		}
	}

	if leftover.IsPositive() {
		credit, err := as.credits.CreateCreditTx(tx, studentID, leftover,
			fmt.Sprintf("Overpayment from transaction %s", txRef))
		if err != nil {
			return nil, err
		}
		_, err = as.ledger.AppendEntryTx(tx, studentID, models.EntryCreditCreated,
			fmt.Sprintf("Credit Created: Overpayment from transaction %s", txRef),
			leftover, credit.ID)
		if err != nil {
			return nil, err
		}
	}

	report, err := as.ledger.ReconcileTx(tx, studentID)
	if err != nil {
		as.audit.LogError(txRef, studentID, err)
		return nil, err
	}
	result.NewBalance = report.TotalOutstanding

	as.audit.LogAllocation(txRef, studentID, amount, leftover, "SUCCESS")
	return result, nil
}
