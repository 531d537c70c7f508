package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// UnmatchedPayment statuses. PENDING transitions exactly once, to RESOLVED or
// REJECTED; both are terminal.
const (
	UnmatchedPending  = "PENDING"
	UnmatchedResolved = "RESOLVED"
	UnmatchedRejected = "REJECTED"
)

// UnmatchedPayment holds a settled payment whose reference could not be
// resolved to a student. It waits for an operator to either match it to a
// student (producing a PaymentRecord and allocations) or reject it.
type UnmatchedPayment struct {
	ID                    string          `json:"id" db:"id"`
	ExternalTransactionID string          `json:"external_transaction_id" db:"external_transaction_id"`
	Amount                decimal.Decimal `json:"amount" db:"amount"`
	Method                string          `json:"method" db:"method"`
	RawReference          string          `json:"raw_reference" db:"raw_reference"`
	PayerPhone            string          `json:"payer_phone,omitempty" db:"payer_phone"`
	PayerName             string          `json:"payer_name,omitempty" db:"payer_name"`
	Status                string          `json:"status" db:"status"`
	OccurredAt            time.Time       `json:"occurred_at" db:"occurred_at"`
	ResolvedBy            string          `json:"resolved_by,omitempty" db:"resolved_by"`
	ResolvedAt            *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
	ResultingPaymentID    string          `json:"resulting_payment_id,omitempty" db:"resulting_payment_id"`
	Notes                 string          `json:"notes,omitempty" db:"notes"`
}
