package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Credit is stored value a student is owed, created only from overpayment.
// Credits are consumed oldest-first; a credit whose RemainingAmount reaches
// zero is deactivated but kept for the audit trail.
type Credit struct {
	ID              string          `json:"id" db:"id"`
	StudentID       string          `json:"student_id" db:"student_id"`
	OriginalAmount  decimal.Decimal `json:"original_amount" db:"original_amount"`
	RemainingAmount decimal.Decimal `json:"remaining_amount" db:"remaining_amount"`
	Source          string          `json:"source" db:"source"`
	IsActive        bool            `json:"is_active" db:"is_active"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}
