package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Obligation statuses. SETTLED is terminal: an obligation is never reopened
// once its balance reaches zero.
const (
	ObligationOpen    = "OPEN"
	ObligationSettled = "SETTLED"
)

// Obligation is one assignable fee a student owes. Invariant:
// AmountPaid + Balance == AmountDue and Balance >= 0 at all times.
type Obligation struct {
	ID         string          `json:"id" db:"id"`
	StudentID  string          `json:"student_id" db:"student_id"`
	Name       string          `json:"name" db:"name"`
	AmountDue  decimal.Decimal `json:"amount_due" db:"amount_due"`
	AmountPaid decimal.Decimal `json:"amount_paid" db:"amount_paid"`
	Balance    decimal.Decimal `json:"balance" db:"balance"`
	Status     string          `json:"status" db:"status"`
	OpenedAt   time.Time       `json:"opened_at" db:"opened_at"`
}
