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
	"github.com/lib/pq"
	"github.com/schoolpay/backend/internal/models"
	"github.com/shopspring/decimal"
)

// Ingest outcomes
const (
	IngestAccepted         = "ACCEPTED"
	IngestAlreadyProcessed = "ALREADY_PROCESSED"
	IngestUnmatched        = "UNMATCHED"
)

// Notifier is the post-commit side channel for payment outcomes. Delivery is
// best-effort and must never affect the money path.
type Notifier interface {
	Notify(req models.NotificationRequest)
}

// PaymentService is the single entry point for settled payment notifications.
// Every gateway adapter normalizes into a PaymentNotification and hands it to
// Ingest; the external transaction id is the idempotency key, enforced both by
// an explicit existence check and by the UNIQUE constraints underneath it.
type PaymentService struct {
	db         *sql.DB
	students   *StudentService
	allocation *AllocationService
	notifier   Notifier
	audit      *AuditLogger
	validator  *ValidationHelper
}

func NewPaymentService(db *sql.DB, students *StudentService, allocation *AllocationService, notifier Notifier) *PaymentService {
	return &PaymentService{
		db:         db,
		students:   students,
		allocation: allocation,
		notifier:   notifier,
		audit:      NewAuditLogger(),
		validator:  NewValidationHelper(),
	}
}

// IngestResult reports what happened to one notification. Exactly one of
// Payment / Unmatched is set for ACCEPTED / UNMATCHED outcomes.
type IngestResult struct {
	Outcome    string                   `json:"outcome"`
	Payment    *models.PaymentRecord    `json:"payment,omitempty"`
	Unmatched  *models.UnmatchedPayment `json:"unmatched,omitempty"`
	Allocation *AllocationResult        `json:"allocation,omitempty"`
}

// Ingest processes one settlement notification end to end: idempotency check,
// student resolution, atomic record + allocation, or diversion to the
// unmatched queue. Redelivery of a processed transaction id returns
// ALREADY_PROCESSED without touching any balance.
func (ps *PaymentService) Ingest(n *models.PaymentNotification) (*IngestResult, error) {
	if err := ps.validator.ValidateStruct(n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !n.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if n.OccurredAt.IsZero() {
		n.OccurredAt = time.Now()
	}

	tx, err := ps.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Existence check against both destinations a previous delivery could
	// have landed in.
	existing, err := ps.findPaymentTx(tx, n.ExternalTransactionID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status != models.PaymentPending {
		log.Printf("[PAYMENTS] Duplicate notification for %s (status %s), acknowledging", n.ExternalTransactionID, existing.Status)
		return &IngestResult{Outcome: IngestAlreadyProcessed, Payment: existing}, nil
	}
	if existing == nil {
		seen, err := ps.unmatchedExistsTx(tx, n.ExternalTransactionID)
		if err != nil {
			return nil, err
		}
		if seen {
			log.Printf("[PAYMENTS] Duplicate notification for %s (unmatched), acknowledging", n.ExternalTransactionID)
			return &IngestResult{Outcome: IngestAlreadyProcessed}, nil
		}
	}

	var record *models.PaymentRecord
	var studentID string

	if existing != nil {
		// A push-initiated record awaiting settlement. The student was bound
		// at initiation time; the hold is checked under the lock before the
		// record is touched.
		onHold, err := ps.students.LockStudentTx(tx, existing.StudentID)
		if err != nil {
			return nil, err
		}
		if onHold {
			// The record stays PENDING; operator resolution of the parked
			// settlement confirms it once the hold is cleared.
			log.Printf("[PAYMENTS] Student %s is on financial hold, diverting %s", existing.StudentID, n.ExternalTransactionID)
			return ps.divertUnmatchedTx(tx, n, "student account on financial hold")
		}
		record, err = ps.confirmPendingTx(tx, existing, n)
		if err != nil {
			return nil, err
		}
		if record == nil {
			// Another writer confirmed it between our read and the update.
			return &IngestResult{Outcome: IngestAlreadyProcessed, Payment: existing}, nil
		}
		studentID = record.StudentID
	} else {
		student, err := ps.students.ResolveStudentTx(tx, n.RawReference)
		if err != nil && !errors.Is(err, ErrStudentNotFound) {
			return nil, err
		}
		if student == nil {
			return ps.divertUnmatchedTx(tx, n, "no student matches reference")
		}

		onHold, err := ps.students.LockStudentTx(tx, student.ID)
		if err != nil {
			return nil, err
		}
		if onHold {
			log.Printf("[PAYMENTS] Student %s is on financial hold, diverting %s", student.ID, n.ExternalTransactionID)
			return ps.divertUnmatchedTx(tx, n, "student account on financial hold")
		}

		studentID = student.ID
		record, err = ps.recordPaymentTx(tx, studentID, n)
		if err != nil {
			if isUniqueViolation(err) {
				// Lost the race to a concurrent delivery of the same
				// transaction id.
				return &IngestResult{Outcome: IngestAlreadyProcessed}, nil
			}
			return nil, err
		}
	}

	result, err := ps.allocation.AllocateTx(tx, studentID, record.ID, record.Method, record.ExternalTransactionID, record.Amount)
	if err != nil {
		var iv *InvariantViolation
		if errors.As(err, &iv) {
			ps.audit.LogError(n.ExternalTransactionID, studentID, err)
			if holdErr := ps.students.PlaceFinancialHold(studentID, iv.Detail); holdErr != nil {
				log.Printf("[PAYMENTS] Failed to place financial hold on %s: %v", studentID, holdErr)
			}
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit payment: %w", err)
	}

	ps.notifyParent(studentID, record, result)

	return &IngestResult{Outcome: IngestAccepted, Payment: record, Allocation: result}, nil
}

func (ps *PaymentService) findPaymentTx(tx *sql.Tx, externalID string) (*models.PaymentRecord, error) {
	var p models.PaymentRecord
	var studentID, payerPhone, payerName sql.NullString
	err := tx.QueryRow(`
		SELECT id, external_transaction_id, student_id, amount, method, raw_reference,
		       payer_phone, payer_name, status, occurred_at, confirmed_at
		FROM payments
		WHERE external_transaction_id = $1`, externalID,
	).Scan(&p.ID, &p.ExternalTransactionID, &studentID, &p.Amount, &p.Method, &p.RawReference,
		&payerPhone, &payerName, &p.Status, &p.OccurredAt, &p.ConfirmedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up payment: %w", err)
	}
	p.StudentID = studentID.String
	p.PayerPhone = payerPhone.String
	p.PayerName = payerName.String
	return &p, nil
}

func (ps *PaymentService) unmatchedExistsTx(tx *sql.Tx, externalID string) (bool, error) {
	var exists bool
	err := tx.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM unmatched_payments WHERE external_transaction_id = $1)`,
		externalID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check unmatched payments: %w", err)
	}
	return exists, nil
}

// confirmPendingTx flips a PENDING push-initiated record to CONFIRMED. The
// status predicate makes the update a one-shot claim; zero rows means someone
// else already settled it.
func (ps *PaymentService) confirmPendingTx(tx *sql.Tx, pending *models.PaymentRecord, n *models.PaymentNotification) (*models.PaymentRecord, error) {
	now := time.Now()
	res, err := tx.Exec(`
		UPDATE payments
		SET status = $1, amount = $2, raw_reference = $3, confirmed_at = $4
		WHERE id = $5 AND status = $6`,
		models.PaymentConfirmed, n.Amount, n.RawReference, now, pending.ID, models.PaymentPending)
	if err != nil {
		return nil, fmt.Errorf("failed to confirm pending payment: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, nil
	}

	confirmed := *pending
	confirmed.Status = models.PaymentConfirmed
	confirmed.Amount = n.Amount
	confirmed.RawReference = n.RawReference
	confirmed.ConfirmedAt = &now
	return &confirmed, nil
}

func (ps *PaymentService) recordPaymentTx(tx *sql.Tx, studentID string, n *models.PaymentNotification) (*models.PaymentRecord, error) {
	now := time.Now()
	record := &models.PaymentRecord{
		ID:                    uuid.NewString(),
		ExternalTransactionID: n.ExternalTransactionID,
		StudentID:             studentID,
		Amount:                n.Amount,
		Method:                n.Method,
		RawReference:          n.RawReference,
		PayerPhone:            n.PayerPhone,
		PayerName:             n.PayerName,
		Status:                models.PaymentConfirmed,
		OccurredAt:            n.OccurredAt,
		ConfirmedAt:           &now,
	}

	_, err := tx.Exec(`
		INSERT INTO payments (id, external_transaction_id, student_id, amount, method, raw_reference,
		                      payer_phone, payer_name, status, occurred_at, confirmed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		record.ID, record.ExternalTransactionID, record.StudentID, record.Amount, record.Method,
		record.RawReference, record.PayerPhone, record.PayerName, record.Status,
		record.OccurredAt, record.ConfirmedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to record payment: %w", err)
	}
	return record, nil
}

// divertUnmatchedTx parks the notification in the unmatched queue and commits.
// The money is held, no balance moves, and an operator is alerted.
func (ps *PaymentService) divertUnmatchedTx(tx *sql.Tx, n *models.PaymentNotification, reason string) (*IngestResult, error) {
	unmatched := &models.UnmatchedPayment{
		ID:                    uuid.NewString(),
		ExternalTransactionID: n.ExternalTransactionID,
		Amount:                n.Amount,
		Method:                n.Method,
		RawReference:          n.RawReference,
		PayerPhone:            n.PayerPhone,
		PayerName:             n.PayerName,
		Status:                models.UnmatchedPending,
		OccurredAt:            n.OccurredAt,
		Notes:                 reason,
	}

	_, err := tx.Exec(`
		INSERT INTO unmatched_payments (id, external_transaction_id, amount, method, raw_reference,
		                                payer_phone, payer_name, status, occurred_at, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		unmatched.ID, unmatched.ExternalTransactionID, unmatched.Amount, unmatched.Method,
		unmatched.RawReference, unmatched.PayerPhone, unmatched.PayerName, unmatched.Status,
		unmatched.OccurredAt, unmatched.Notes)
	if err != nil {
		if isUniqueViolation(err) {
			return &IngestResult{Outcome: IngestAlreadyProcessed}, nil
		}
		return nil, fmt.Errorf("failed to queue unmatched payment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit unmatched payment: %w", err)
	}

	ps.audit.LogOperation(n.ExternalTransactionID, "", "UNMATCHED_QUEUED", reason)
	ps.notifier.Notify(models.NotificationRequest{
		Amount:         n.Amount,
		TransactionRef: n.ExternalTransactionID,
		Audience:       models.AudienceOperator,
		Message: fmt.Sprintf("Unmatched payment of %s from %s (ref %q): %s",
			n.Amount.StringFixed(2), n.PayerPhone, n.RawReference, reason),
	})

	return &IngestResult{Outcome: IngestUnmatched, Unmatched: unmatched}, nil
}

func (ps *PaymentService) notifyParent(studentID string, record *models.PaymentRecord, result *AllocationResult) {
	student, err := ps.students.GetStudent(studentID)
	if err != nil {
		log.Printf("[PAYMENTS] Skipping receipt notification for %s: %v", studentID, err)
		return
	}
	ps.notifier.Notify(models.NotificationRequest{
		StudentID:      studentID,
		Phone:          student.ParentPhone,
		Email:          student.ParentEmail,
		Amount:         record.Amount,
		NewBalance:     result.NewBalance,
		TransactionRef: record.ExternalTransactionID,
		Audience:       models.AudienceParent,
		Message: fmt.Sprintf("Payment of %s received for %s. Outstanding balance: %s.",
			record.Amount.StringFixed(2), student.FullName(), result.NewBalance.StringFixed(2)),
	})
}

// CreatePendingPayment records a push-initiated payment awaiting gateway
// settlement. The callback confirms it through the normal Ingest path using
// the same external transaction id.
func (ps *PaymentService) CreatePendingPayment(studentID, externalID, method, phone string, amount decimal.Decimal) (*models.PaymentRecord, error) {
	record := &models.PaymentRecord{
		ID:                    uuid.NewString(),
		ExternalTransactionID: externalID,
		StudentID:             studentID,
		Amount:                amount,
		Method:                method,
		RawReference:          externalID,
		PayerPhone:            phone,
		Status:                models.PaymentPending,
		OccurredAt:            time.Now(),
	}

	_, err := ps.db.Exec(`
		INSERT INTO payments (id, external_transaction_id, student_id, amount, method, raw_reference,
		                      payer_phone, status, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		record.ID, record.ExternalTransactionID, record.StudentID, record.Amount, record.Method,
		record.RawReference, record.PayerPhone, record.Status, record.OccurredAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: transaction %s already exists", ErrDuplicate, externalID)
		}
		return nil, fmt.Errorf("failed to create pending payment: %w", err)
	}
	return record, nil
}

// FailPendingPayment marks a push-initiated payment the gateway reported as
// cancelled or failed. FAILED is terminal; later redeliveries are ignored.
func (ps *PaymentService) FailPendingPayment(externalID, reason string) error {
	res, err := ps.db.Exec(`
		UPDATE payments SET status = $1 WHERE external_transaction_id = $2 AND status = $3`,
		models.PaymentFailed, externalID, models.PaymentPending)
	if err != nil {
		return fmt.Errorf("failed to mark payment failed: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: no pending payment for %s", ErrAlreadyResolved, externalID)
	}
	ps.audit.LogOperation(externalID, "", "PUSH_FAILED", reason)
	return nil
}

// RegisterPendingPaymentHandler records a push-initiated payment
// @Summary Register pending payment
// @Description Record a gateway push request awaiting settlement; the gateway callback confirms it
// @Tags payments
// @Accept json
// @Produce json
// @Param pending body object{student_id=string,external_transaction_id=string,method=string,phone=string,amount=number} true "Pending payment"
// @Success 201 {object} models.PaymentRecord
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /payments/pending [post]
func (ps *PaymentService) RegisterPendingPaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StudentID             string  `json:"student_id" validate:"required"`
		ExternalTransactionID string  `json:"external_transaction_id" validate:"required"`
		Method                string  `json:"method" validate:"required"`
		Phone                 string  `json:"phone"`
		Amount                float64 `json:"amount" validate:"required,gt=0"`
	}
	if err := decodeJSONBody(w, r, &req); err != nil {
		return
	}
	if err := ps.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if _, err := ps.students.GetStudent(req.StudentID); err != nil {
		if errors.Is(err, ErrStudentNotFound) {
			SendErrorResponse(w, "Student not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[PAYMENTS] Failed to load student %s: %v", req.StudentID, err)
		SendErrorResponse(w, "Failed to register pending payment", http.StatusInternalServerError, nil)
		return
	}

	record, err := ps.CreatePendingPayment(req.StudentID, req.ExternalTransactionID, req.Method, req.Phone, decimal.NewFromFloat(req.Amount))
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			SendErrorResponse(w, "Transaction already registered", http.StatusConflict, nil)
			return
		}
		log.Printf("[PAYMENTS] Failed to register pending payment: %v", err)
		SendErrorResponse(w, "Failed to register pending payment", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(record)
}

// GetStudentPayments lists confirmed payments for one student, newest first.
func (ps *PaymentService) GetStudentPayments(studentID string, limit int) ([]models.PaymentRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := ps.db.Query(`
		SELECT id, external_transaction_id, student_id, amount, method, raw_reference,
		       payer_phone, payer_name, status, occurred_at, confirmed_at
		FROM payments
		WHERE student_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2`, studentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var payments []models.PaymentRecord
	for rows.Next() {
		var p models.PaymentRecord
		var sid, phone, name sql.NullString
		if err := rows.Scan(&p.ID, &p.ExternalTransactionID, &sid, &p.Amount, &p.Method,
			&p.RawReference, &phone, &name, &p.Status, &p.OccurredAt, &p.ConfirmedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		p.StudentID = sid.String
		p.PayerPhone = phone.String
		p.PayerName = name.String
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// IngestHandler accepts a normalized payment notification
// @Summary Ingest payment notification
// @Description Process a settled payment notification (manual or internal gateway relay)
// @Tags payments
// @Accept json
// @Produce json
// @Param notification body models.PaymentNotification true "Payment notification"
// @Success 200 {object} IngestResult
// @Failure 400 {object} ErrorResponse
// @Router /payments/notifications [post]
func (ps *PaymentService) IngestHandler(w http.ResponseWriter, r *http.Request) {
	var n models.PaymentNotification

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&n); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	result, err := ps.Ingest(&n)
	if err != nil {
		switch {
		case errors.Is(err, ErrValidation):
			SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		case errors.Is(err, ErrConcurrencyConflict):
			SendErrorResponse(w, "Student busy, retry", http.StatusConflict, nil)
		default:
			log.Printf("[PAYMENTS] Ingest failed for %s: %v", n.ExternalTransactionID, err)
			SendErrorResponse(w, "Failed to process payment", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// GetStudentPaymentsHandler lists a student's payments
// @Summary List student payments
// @Tags payments
// @Produce json
// @Param studentId path string true "Student ID"
// @Success 200 {array} models.PaymentRecord
// @Router /students/{studentId}/payments [get]
func (ps *PaymentService) GetStudentPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "studentId")
	payments, err := ps.GetStudentPayments(studentID, 50)
	if err != nil {
		log.Printf("[PAYMENTS] Failed to list payments for %s: %v", studentID, err)
		SendErrorResponse(w, "Failed to list payments", http.StatusInternalServerError, nil)
		return
	}
	if payments == nil {
		payments = []models.PaymentRecord{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payments)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
