package services

import (
	"encoding/json"
	"log"
	"time"

	"github.com/shopspring/decimal"
)

type AuditEvent struct {
	Timestamp     time.Time       `json:"timestamp"`
	EventType     string          `json:"event_type"`
	TransactionID string          `json:"transaction_id"`
	StudentID     string          `json:"student_id"`
	Amount        decimal.Decimal `json:"amount"`
	Status        string          `json:"status"`
	Details       any             `json:"details"`
}

// AuditLogger emits one structured line per monetary event. This is the
// operational trail; the durable per-student trail is the student ledger.
type AuditLogger struct{}

func NewAuditLogger() *AuditLogger {
	return &AuditLogger{}
}

func (a *AuditLogger) LogAllocation(transactionID, studentID string, amount, leftover decimal.Decimal, status string) {
	event := AuditEvent{
		Timestamp:     time.Now(),
		EventType:     "ALLOCATION",
		TransactionID: transactionID,
		StudentID:     studentID,
		Amount:        amount,
		Status:        status,
		Details: map[string]string{
			"leftover": leftover.String(),
		},
	}
	a.log(event)
}

func (a *AuditLogger) LogError(transactionID, studentID string, err error) {
	event := AuditEvent{
		Timestamp:     time.Now(),
		EventType:     "ERROR",
		TransactionID: transactionID,
		StudentID:     studentID,
		Status:        "FAILED",
		Details:       map[string]string{"error": err.Error()},
	}
	a.log(event)
}

func (a *AuditLogger) LogOperation(transactionID, studentID, operation, details string) {
	event := AuditEvent{
		Timestamp:     time.Now(),
		EventType:     operation,
		TransactionID: transactionID,
		StudentID:     studentID,
		Status:        "SUCCESS",
		Details:       map[string]string{"details": details},
	}
	a.log(event)
}

func (a *AuditLogger) log(event AuditEvent) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
