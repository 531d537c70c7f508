package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ledger entry types
const (
	EntryCharge        = "CHARGE"
	EntryPayment       = "PAYMENT"
	EntryCreditApplied = "CREDIT_APPLIED"
	EntryCreditCreated = "CREDIT_CREATED"
	EntryAdjustment    = "ADJUSTMENT"
)

// LedgerEntry is one immutable, balance-carrying record of a financial event
// for a student. Entries are append-only; within a student, ordered by
// OccurredAt with the serial ID breaking ties, RunningBalance[i] ==
// RunningBalance[i-1] + Amount[i].
//
// Sign convention: CHARGE is negative (fee owed), PAYMENT and CREDIT_CREATED
// are positive. A credit application writes a pair of entries, positive
// against the obligation and negative against the consumed credit, so the
// running balance always equals active credit minus outstanding fees.
type LedgerEntry struct {
	ID             int64           `json:"id" db:"id"`
	StudentID      string          `json:"student_id" db:"student_id"`
	EntryType      string          `json:"entry_type" db:"entry_type"`
	Description    string          `json:"description" db:"description"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	RunningBalance decimal.Decimal `json:"running_balance" db:"running_balance"`
	ReferenceID    string          `json:"reference_id,omitempty" db:"reference_id"`
	OccurredAt     time.Time       `json:"occurred_at" db:"occurred_at"`
}
