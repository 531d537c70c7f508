package models

import (
	"github.com/shopspring/decimal"
)

// Notification audiences
const (
	AudienceParent   = "PARENT"
	AudienceOperator = "OPERATOR"
)

// NotificationRequest is what the core hands to the notifier side-channel
// after an allocation commits. The core decides content and audience;
// delivery mechanics (SMS/email) are the adapters' problem and are always
// best-effort.
type NotificationRequest struct {
	StudentID      string          `json:"student_id,omitempty"`
	Phone          string          `json:"phone,omitempty"`
	Email          string          `json:"email,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	NewBalance     decimal.Decimal `json:"new_balance"`
	TransactionRef string          `json:"transaction_ref"`
	Audience       string          `json:"audience" validate:"required,oneof=PARENT OPERATOR"`
	Message        string          `json:"message" validate:"required"`
}
