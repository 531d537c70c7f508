package models

import (
	"time"
)

// Student statuses
const (
	StudentActive   = "ACTIVE"
	StudentInactive = "INACTIVE"
)

// Student represents an enrolled student. AdmissionNumber is the unique
// human-facing reference code payers quote when paying and is never changed
// after creation.
type Student struct {
	ID              string    `json:"id" db:"id"`
	AdmissionNumber string    `json:"admission_number" db:"admission_number"`
	FirstName       string    `json:"first_name" db:"first_name"`
	LastName        string    `json:"last_name" db:"last_name"`
	ParentPhone     string    `json:"parent_phone" db:"parent_phone"`
	ParentEmail     string    `json:"parent_email" db:"parent_email"`
	Status          string    `json:"status" db:"status"`
	FinancialHold   bool      `json:"financial_hold" db:"financial_hold"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

func (s *Student) FullName() string {
	return s.FirstName + " " + s.LastName
}
