package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payment statuses
const (
	PaymentPending   = "PENDING"
	PaymentConfirmed = "CONFIRMED"
	PaymentFailed    = "FAILED"
)

// PaymentRecord is the durable record of one money-movement event.
// ExternalTransactionID carries a UNIQUE constraint and is the idempotency
// key for the whole intake pipeline. StudentID is empty only for PENDING
// records awaiting gateway settlement; a CONFIRMED matched payment always
// carries the resolved student id.
type PaymentRecord struct {
	ID                    string          `json:"id" db:"id"`
	ExternalTransactionID string          `json:"external_transaction_id" db:"external_transaction_id"`
	StudentID             string          `json:"student_id,omitempty" db:"student_id"`
	Amount                decimal.Decimal `json:"amount" db:"amount"`
	Method                string          `json:"method" db:"method"`
	RawReference          string          `json:"raw_reference" db:"raw_reference"`
	PayerPhone            string          `json:"payer_phone,omitempty" db:"payer_phone"`
	PayerName             string          `json:"payer_name,omitempty" db:"payer_name"`
	Status                string          `json:"status" db:"status"`
	OccurredAt            time.Time       `json:"occurred_at" db:"occurred_at"`
	ConfirmedAt           *time.Time      `json:"confirmed_at,omitempty" db:"confirmed_at"`
}

// PaymentNotification is the normalized shape of an asynchronous settlement
// notification, produced by the gateway adapters. Delivery is at-least-once:
// the same ExternalTransactionID may arrive any number of times.
type PaymentNotification struct {
	ExternalTransactionID string          `json:"external_transaction_id" validate:"required"`
	Amount                decimal.Decimal `json:"amount" validate:"required"`
	RawReference          string          `json:"raw_reference" validate:"required"`
	PayerPhone            string          `json:"payer_phone,omitempty"`
	PayerName             string          `json:"payer_name,omitempty"`
	Method                string          `json:"method" validate:"required"`
	OccurredAt            time.Time       `json:"occurred_at"`
}
