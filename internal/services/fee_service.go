package services

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/schoolpay/backend/internal/models"
	"github.com/shopspring/decimal"
)

// FeeService assigns fee obligations to students. Assignment writes the
// CHARGE ledger entry and immediately consumes any stored credit against the
// new obligation, under the same per-student atomic unit as payments.
type FeeService struct {
	db         *sql.DB
	students   *StudentService
	allocation *AllocationService
	ledger     *LedgerService
	validator  *ValidationHelper
}

func NewFeeService(db *sql.DB, students *StudentService, allocation *AllocationService, ledger *LedgerService) *FeeService {
	return &FeeService{
		db:         db,
		students:   students,
		allocation: allocation,
		ledger:     ledger,
		validator:  NewValidationHelper(),
	}
}

// AssignFeeResult reports the outcome of one fee assignment.
type AssignFeeResult struct {
	Obligation    *models.Obligation `json:"obligation"`
	CreditApplied decimal.Decimal    `json:"credit_applied"`
	NewBalance    decimal.Decimal    `json:"new_balance"`
}

// AssignFee opens a new obligation for a student. The CHARGE is mirrored in
// the ledger, then existing credit is drawn down against the obligation
// before the transaction commits.
func (fs *FeeService) AssignFee(studentID, name string, amount decimal.Decimal) (*AssignFeeResult, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: fee amount must be positive", ErrValidation)
	}

	tx, err := fs.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := fs.students.LockStudentTx(tx, studentID); err != nil {
		return nil, err
	}

	obligation := &models.Obligation{
		ID:         uuid.NewString(),
		StudentID:  studentID,
		Name:       name,
		AmountDue:  amount,
		AmountPaid: decimal.Zero,
		Balance:    amount,
		Status:     models.ObligationOpen,
		OpenedAt:   time.Now(),
	}

	_, err = tx.Exec(`
		INSERT INTO fee_obligations (id, student_id, name, amount_due, amount_paid, balance, status, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		obligation.ID, obligation.StudentID, obligation.Name, obligation.AmountDue,
		obligation.AmountPaid, obligation.Balance, obligation.Status, obligation.OpenedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create obligation: %w", err)
	}

	_, err = fs.ledger.AppendEntryTx(tx, studentID, models.EntryCharge,
		fmt.Sprintf("Fee Assigned: %s", name), amount.Neg(), obligation.ID)
	if err != nil {
		return nil, err
	}

	creditApplied, err := fs.allocation.ApplyCreditTx(tx, studentID, []*models.Obligation{obligation})
	if err != nil {
		return nil, err
	}

	report, err := fs.ledger.ReconcileTx(tx, studentID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit fee assignment: %w", err)
	}

	return &AssignFeeResult{
		Obligation:    obligation,
		CreditApplied: creditApplied,
		NewBalance:    report.TotalOutstanding,
	}, nil
}

// AssignFeeHandler assigns a fee obligation to a student
// @Summary Assign fee
// @Description Create a fee obligation for a student, applying any stored credit
// @Tags fees
// @Accept json
// @Produce json
// @Param assignment body object{student_id=string,name=string,amount=number} true "Fee assignment"
// @Success 201 {object} AssignFeeResult
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /fees/assign [post]
func (fs *FeeService) AssignFeeHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StudentID string  `json:"student_id" validate:"required"`
		Name      string  `json:"name" validate:"required"`
		Amount    float64 `json:"amount" validate:"required,gt=0"`
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := fs.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := fs.AssignFee(req.StudentID, req.Name, decimal.NewFromFloat(req.Amount))
	if err != nil {
		switch {
		case errors.Is(err, ErrStudentNotFound):
			SendErrorResponse(w, "Student not found", http.StatusNotFound, nil)
		case errors.Is(err, ErrValidation):
			SendErrorResponse(w, "Validation failed", http.StatusBadRequest, nil)
		case errors.Is(err, ErrConcurrencyConflict):
			SendErrorResponse(w, "Student busy, retry", http.StatusConflict, nil)
		default:
			log.Printf("[FEES] Failed to assign fee: %v", err)
			SendErrorResponse(w, "Failed to assign fee", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(result)
}
