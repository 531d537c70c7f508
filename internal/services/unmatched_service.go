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

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/schoolpay/backend/internal/middleware"
	"github.com/schoolpay/backend/internal/models"
)

func operatorFromContext(r *http.Request) string {
	if id := middleware.OperatorID(r.Context()); id != "" {
		return id
	}
	return "system"
}

// UnmatchedService works the review queue of payments that could not be
// resolved to a student at intake. Each entry moves exactly once from PENDING
// to RESOLVED or REJECTED; resolution replays the payment through the normal
// allocation path.
type UnmatchedService struct {
	db         *sql.DB
	students   *StudentService
	allocation *AllocationService
	notifier   Notifier
	audit      *AuditLogger
	validator  *ValidationHelper
}

func NewUnmatchedService(db *sql.DB, students *StudentService, allocation *AllocationService, notifier Notifier) *UnmatchedService {
	return &UnmatchedService{
		db:         db,
		students:   students,
		allocation: allocation,
		notifier:   notifier,
		audit:      NewAuditLogger(),
		validator:  NewValidationHelper(),
	}
}

// ResolveResult reports a successful manual match.
type ResolveResult struct {
	Unmatched  *models.UnmatchedPayment `json:"unmatched"`
	Payment    *models.PaymentRecord    `json:"payment"`
	Allocation *AllocationResult        `json:"allocation"`
}

// Resolve matches an unmatched payment to a student and allocates it. The
// PENDING status predicate on the claiming update makes resolution exclusive:
// a second operator racing on the same entry gets ErrAlreadyResolved. The
// resulting_payment_id back-link is written after the payment row exists so
// its foreign key is satisfied; a rollback undoes the claim too.
func (us *UnmatchedService) Resolve(unmatchedID, studentID, operatorID, notes string) (*ResolveResult, error) {
	tx, err := us.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	unmatched, err := us.getTx(tx, unmatchedID)
	if err != nil {
		return nil, err
	}

	now := time.Now()

	res, err := tx.Exec(`
		UPDATE unmatched_payments
		SET status = $1, resolved_by = $2, resolved_at = $3, notes = COALESCE(NULLIF($4, ''), notes)
		WHERE id = $5 AND status = $6`,
		models.UnmatchedResolved, operatorID, now, notes, unmatchedID, models.UnmatchedPending)
	if err != nil {
		return nil, fmt.Errorf("failed to claim unmatched payment: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, fmt.Errorf("%w: unmatched payment %s", ErrAlreadyResolved, unmatchedID)
	}

	student, err := us.students.GetStudentTx(tx, studentID)
	if err != nil {
		return nil, err
	}
	onHold, err := us.students.LockStudentTx(tx, student.ID)
	if err != nil {
		return nil, err
	}
	if onHold {
		// Allocations are halted for held students; the hold must be cleared
		// before this entry can be resolved.
		return nil, fmt.Errorf("%w: student %s", ErrStudentOnHold, student.ID)
	}

	record, err := us.recordResolvedPaymentTx(tx, unmatched, student.ID, now)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`UPDATE unmatched_payments SET resulting_payment_id = $1 WHERE id = $2`,
		record.ID, unmatchedID); err != nil {
		return nil, fmt.Errorf("failed to link resolved payment: %w", err)
	}

	allocation, err := us.allocation.AllocateTx(tx, student.ID, record.ID, record.Method, record.ExternalTransactionID, record.Amount)
	if err != nil {
		var iv *InvariantViolation
		if errors.As(err, &iv) {
			us.audit.LogError(unmatched.ExternalTransactionID, student.ID, err)
			if holdErr := us.students.PlaceFinancialHold(student.ID, iv.Detail); holdErr != nil {
				log.Printf("[UNMATCHED] Failed to place financial hold on %s: %v", student.ID, holdErr)
			}
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit resolution: %w", err)
	}

	detail := fmt.Sprintf("resolved by %s", operatorID)
	if notes != "" {
		detail += ": " + notes
	}
	us.audit.LogOperation(unmatched.ExternalTransactionID, student.ID, "UNMATCHED_RESOLVED", detail)
	us.notifier.Notify(models.NotificationRequest{
		StudentID:      student.ID,
		Phone:          student.ParentPhone,
		Email:          student.ParentEmail,
		Amount:         record.Amount,
		NewBalance:     allocation.NewBalance,
		TransactionRef: record.ExternalTransactionID,
		Audience:       models.AudienceParent,
		Message: fmt.Sprintf("Payment of %s received for %s. Outstanding balance: %s.",
			record.Amount.StringFixed(2), student.FullName(), allocation.NewBalance.StringFixed(2)),
	})

	unmatched.Status = models.UnmatchedResolved
	unmatched.ResolvedBy = operatorID
	unmatched.ResolvedAt = &now
	unmatched.ResultingPaymentID = record.ID
	if notes != "" {
		unmatched.Notes = notes
	}

	return &ResolveResult{Unmatched: unmatched, Payment: record, Allocation: allocation}, nil
}

// recordResolvedPaymentTx produces the CONFIRMED payment row for a resolution.
// A push settlement diverted here while its student was on hold left a PENDING
// payment row behind under the same external transaction id; in that case the
// existing row is confirmed in place instead of inserting a competitor.
func (us *UnmatchedService) recordResolvedPaymentTx(tx *sql.Tx, unmatched *models.UnmatchedPayment, studentID string, now time.Time) (*models.PaymentRecord, error) {
	var existingID, existingStatus string
	err := tx.QueryRow(`SELECT id, status FROM payments WHERE external_transaction_id = $1`,
		unmatched.ExternalTransactionID).Scan(&existingID, &existingStatus)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to look up payment record: %w", err)
	}

	record := &models.PaymentRecord{
		ID:                    existingID,
		ExternalTransactionID: unmatched.ExternalTransactionID,
		StudentID:             studentID,
		Amount:                unmatched.Amount,
		Method:                unmatched.Method,
		RawReference:          unmatched.RawReference,
		PayerPhone:            unmatched.PayerPhone,
		PayerName:             unmatched.PayerName,
		Status:                models.PaymentConfirmed,
		OccurredAt:            unmatched.OccurredAt,
		ConfirmedAt:           &now,
	}

	if err == sql.ErrNoRows {
		record.ID = uuid.NewString()
		_, err = tx.Exec(`
			INSERT INTO payments (id, external_transaction_id, student_id, amount, method, raw_reference,
			                      payer_phone, payer_name, status, occurred_at, confirmed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			record.ID, record.ExternalTransactionID, record.StudentID, record.Amount, record.Method,
			record.RawReference, record.PayerPhone, record.PayerName, record.Status,
			record.OccurredAt, record.ConfirmedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("%w: transaction %s already recorded", ErrDuplicate, unmatched.ExternalTransactionID)
			}
			return nil, fmt.Errorf("failed to record resolved payment: %w", err)
		}
		return record, nil
	}

	if existingStatus != models.PaymentPending {
		return nil, fmt.Errorf("%w: transaction %s already recorded", ErrDuplicate, unmatched.ExternalTransactionID)
	}

	res, err := tx.Exec(`
		UPDATE payments
		SET student_id = $1, status = $2, confirmed_at = $3
		WHERE id = $4 AND status = $5`,
		studentID, models.PaymentConfirmed, now, existingID, models.PaymentPending)
	if err != nil {
		return nil, fmt.Errorf("failed to confirm pending payment: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, fmt.Errorf("%w: transaction %s already recorded", ErrDuplicate, unmatched.ExternalTransactionID)
	}
	return record, nil
}

// Reject marks an unmatched payment as not ours (refund or return handled
// outside the system). Terminal, and exclusive with Resolve.
func (us *UnmatchedService) Reject(unmatchedID, operatorID, reason string) (*models.UnmatchedPayment, error) {
	tx, err := us.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	unmatched, err := us.getTx(tx, unmatchedID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	res, err := tx.Exec(`
		UPDATE unmatched_payments
		SET status = $1, resolved_by = $2, resolved_at = $3, notes = $4
		WHERE id = $5 AND status = $6`,
		models.UnmatchedRejected, operatorID, now, reason, unmatchedID, models.UnmatchedPending)
	if err != nil {
		return nil, fmt.Errorf("failed to reject unmatched payment: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, fmt.Errorf("%w: unmatched payment %s", ErrAlreadyResolved, unmatchedID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit rejection: %w", err)
	}

	us.audit.LogOperation(unmatched.ExternalTransactionID, "", "UNMATCHED_REJECTED", reason)

	unmatched.Status = models.UnmatchedRejected
	unmatched.ResolvedBy = operatorID
	unmatched.ResolvedAt = &now
	unmatched.Notes = reason
	return unmatched, nil
}

type rowQueryer interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

func (us *UnmatchedService) getTx(tx *sql.Tx, unmatchedID string) (*models.UnmatchedPayment, error) {
	return us.get(tx, unmatchedID)
}

func (us *UnmatchedService) get(q rowQueryer, unmatchedID string) (*models.UnmatchedPayment, error) {
	var u models.UnmatchedPayment
	var resolvedBy, resultingPaymentID, notes, payerPhone, payerName sql.NullString
	err := q.QueryRow(`
		SELECT id, external_transaction_id, amount, method, raw_reference, payer_phone, payer_name,
		       status, occurred_at, resolved_by, resolved_at, resulting_payment_id, notes
		FROM unmatched_payments
		WHERE id = $1`, unmatchedID,
	).Scan(&u.ID, &u.ExternalTransactionID, &u.Amount, &u.Method, &u.RawReference,
		&payerPhone, &payerName, &u.Status, &u.OccurredAt, &resolvedBy, &u.ResolvedAt,
		&resultingPaymentID, &notes)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: unmatched payment %s", ErrValidation, unmatchedID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unmatched payment: %w", err)
	}
	u.PayerPhone = payerPhone.String
	u.PayerName = payerName.String
	u.ResolvedBy = resolvedBy.String
	u.ResultingPaymentID = resultingPaymentID.String
	u.Notes = notes.String
	return &u, nil
}

// Get loads one unmatched payment by id.
func (us *UnmatchedService) Get(unmatchedID string) (*models.UnmatchedPayment, error) {
	return us.get(us.db, unmatchedID)
}

// List returns unmatched payments, optionally filtered by status, newest first.
func (us *UnmatchedService) List(status string, limit int) ([]models.UnmatchedPayment, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `
		SELECT id, external_transaction_id, amount, method, raw_reference, payer_phone, payer_name,
		       status, occurred_at, resolved_by, resolved_at, resulting_payment_id, notes
		FROM unmatched_payments`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1 ORDER BY occurred_at DESC LIMIT $2`
		args = append(args, status, limit)
	} else {
		query += ` ORDER BY occurred_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := us.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list unmatched payments: %w", err)
	}
	defer rows.Close()

	var entries []models.UnmatchedPayment
	for rows.Next() {
		var u models.UnmatchedPayment
		var resolvedBy, resultingPaymentID, notes, payerPhone, payerName sql.NullString
		if err := rows.Scan(&u.ID, &u.ExternalTransactionID, &u.Amount, &u.Method, &u.RawReference,
			&payerPhone, &payerName, &u.Status, &u.OccurredAt, &resolvedBy, &u.ResolvedAt,
			&resultingPaymentID, &notes); err != nil {
			return nil, fmt.Errorf("failed to scan unmatched payment: %w", err)
		}
		u.PayerPhone = payerPhone.String
		u.PayerName = payerName.String
		u.ResolvedBy = resolvedBy.String
		u.ResultingPaymentID = resultingPaymentID.String
		u.Notes = notes.String
		entries = append(entries, u)
	}
	return entries, rows.Err()
}

// GetHandler fetches one unmatched payment
// @Summary Get unmatched payment
// @Tags unmatched
// @Produce json
// @Param id path string true "Unmatched payment ID"
// @Success 200 {object} models.UnmatchedPayment
// @Failure 404 {object} ErrorResponse
// @Router /unmatched/{id} [get]
func (us *UnmatchedService) GetHandler(w http.ResponseWriter, r *http.Request) {
	unmatchedID := chi.URLParam(r, "id")
	entry, err := us.Get(unmatchedID)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			SendErrorResponse(w, "Unmatched payment not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[UNMATCHED] Failed to fetch %s: %v", unmatchedID, err)
		SendErrorResponse(w, "Failed to fetch unmatched payment", http.StatusInternalServerError, nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entry)
}

// ListHandler lists unmatched payments
// @Summary List unmatched payments
// @Tags unmatched
// @Produce json
// @Param status query string false "Filter by status (PENDING, RESOLVED, REJECTED)"
// @Success 200 {array} models.UnmatchedPayment
// @Router /unmatched [get]
func (us *UnmatchedService) ListHandler(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "", models.UnmatchedPending, models.UnmatchedResolved, models.UnmatchedRejected:
	default:
		SendErrorResponse(w, "Invalid status filter", http.StatusBadRequest, nil)
		return
	}

	entries, err := us.List(status, 50)
	if err != nil {
		log.Printf("[UNMATCHED] Failed to list: %v", err)
		SendErrorResponse(w, "Failed to list unmatched payments", http.StatusInternalServerError, nil)
		return
	}
	if entries == nil {
		entries = []models.UnmatchedPayment{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// ResolveHandler matches an unmatched payment to a student
// @Summary Resolve unmatched payment
// @Description Match an unmatched payment to a student and allocate it
// @Tags unmatched
// @Accept json
// @Produce json
// @Param id path string true "Unmatched payment ID"
// @Param resolution body object{student_id=string,notes=string} true "Resolution"
// @Success 200 {object} ResolveResult
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /unmatched/{id}/resolve [post]
func (us *UnmatchedService) ResolveHandler(w http.ResponseWriter, r *http.Request) {
	unmatchedID := chi.URLParam(r, "id")

	var req struct {
		StudentID string `json:"student_id" validate:"required"`
		Notes     string `json:"notes"`
	}
	if err := decodeJSONBody(w, r, &req); err != nil {
		return
	}
	if err := us.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := us.Resolve(unmatchedID, req.StudentID, operatorFromContext(r), req.Notes)
	if err != nil {
		us.writeError(w, unmatchedID, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// RejectHandler rejects an unmatched payment
// @Summary Reject unmatched payment
// @Tags unmatched
// @Accept json
// @Produce json
// @Param id path string true "Unmatched payment ID"
// @Param rejection body object{reason=string} true "Rejection"
// @Success 200 {object} models.UnmatchedPayment
// @Failure 409 {object} ErrorResponse
// @Router /unmatched/{id}/reject [post]
func (us *UnmatchedService) RejectHandler(w http.ResponseWriter, r *http.Request) {
	unmatchedID := chi.URLParam(r, "id")

	var req struct {
		Reason string `json:"reason" validate:"required"`
	}
	if err := decodeJSONBody(w, r, &req); err != nil {
		return
	}
	if err := us.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	entry, err := us.Reject(unmatchedID, operatorFromContext(r), req.Reason)
	if err != nil {
		us.writeError(w, unmatchedID, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entry)
}

func (us *UnmatchedService) writeError(w http.ResponseWriter, unmatchedID string, err error) {
	switch {
	case errors.Is(err, ErrAlreadyResolved), errors.Is(err, ErrDuplicate):
		SendErrorResponse(w, "Unmatched payment already handled", http.StatusConflict, nil)
	case errors.Is(err, ErrStudentNotFound):
		SendErrorResponse(w, "Student not found", http.StatusNotFound, nil)
	case errors.Is(err, ErrStudentOnHold):
		SendErrorResponse(w, "Student is on financial hold", http.StatusConflict, nil)
	case errors.Is(err, ErrValidation):
		SendErrorResponse(w, "Unmatched payment not found", http.StatusNotFound, nil)
	case errors.Is(err, ErrConcurrencyConflict):
		SendErrorResponse(w, "Student busy, retry", http.StatusConflict, nil)
	default:
		log.Printf("[UNMATCHED] Operation failed for %s: %v", unmatchedID, err)
		SendErrorResponse(w, "Failed to process unmatched payment", http.StatusInternalServerError, nil)
	}
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return fmt.Errorf("multiple JSON objects in body")
	}
	return nil
}
