package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lib/pq"
	"github.com/schoolpay/backend/internal/models"
	"github.com/shopspring/decimal"
)

// StudentService resolves payer references to students and owns the
// queryable read models (balance breakdown, ledger, reconciliation). It also
// provides the per-student serialization point every allocation runs under.
type StudentService struct {
	db          *sql.DB
	ledger      *LedgerService
	lockTimeout time.Duration
}

func NewStudentService(db *sql.DB, ledger *LedgerService, lockTimeout time.Duration) *StudentService {
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &StudentService{db: db, ledger: ledger, lockTimeout: lockTimeout}
}

// BalanceBreakdown is the per-student financial summary consumed by
// reporting layers.
type BalanceBreakdown struct {
	StudentID        string              `json:"student_id"`
	StudentName      string              `json:"student_name"`
	AdmissionNumber  string              `json:"admission_number"`
	TotalDue         decimal.Decimal     `json:"total_due"`
	TotalPaid        decimal.Decimal     `json:"total_paid"`
	TotalOutstanding decimal.Decimal     `json:"total_outstanding"`
	TotalCredits     decimal.Decimal     `json:"total_credits"`
	NetBalance       decimal.Decimal     `json:"net_balance"`
	Obligations      []models.Obligation `json:"obligations"`
	Credits          []models.Credit     `json:"credits"`
}

// ResolveStudentTx maps a free-text payer reference to exactly one student
// by exact admission-number match. No fuzzy matching: anything ambiguous
// must go to manual review, never be auto-guessed.
func (ss *StudentService) ResolveStudentTx(tx *sql.Tx, rawReference string) (*models.Student, error) {
	ref := strings.TrimSpace(rawReference)
	if ref == "" {
		return nil, ErrStudentNotFound
	}

	var s models.Student
	err := tx.QueryRow(`
		SELECT id, admission_number, first_name, last_name, parent_phone, parent_email, status, financial_hold, created_at
		FROM students
		WHERE admission_number = $1`, ref).Scan(
		&s.ID, &s.AdmissionNumber, &s.FirstName, &s.LastName,
		&s.ParentPhone, &s.ParentEmail, &s.Status, &s.FinancialHold, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrStudentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve student: %w", err)
	}

	return &s, nil
}

// GetStudentTx loads a student by id within a transaction.
func (ss *StudentService) GetStudentTx(tx *sql.Tx, studentID string) (*models.Student, error) {
	var s models.Student
	err := tx.QueryRow(`
		SELECT id, admission_number, first_name, last_name, parent_phone, parent_email, status, financial_hold, created_at
		FROM students
		WHERE id = $1`, studentID).Scan(
		&s.ID, &s.AdmissionNumber, &s.FirstName, &s.LastName,
		&s.ParentPhone, &s.ParentEmail, &s.Status, &s.FinancialHold, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrStudentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch student: %w", err)
	}
	return &s, nil
}

// GetStudent loads a student by id outside any transaction.
func (ss *StudentService) GetStudent(studentID string) (*models.Student, error) {
	var s models.Student
	err := ss.db.QueryRow(`
		SELECT id, admission_number, first_name, last_name, parent_phone, parent_email, status, financial_hold, created_at
		FROM students
		WHERE id = $1`, studentID).Scan(
		&s.ID, &s.AdmissionNumber, &s.FirstName, &s.LastName,
		&s.ParentPhone, &s.ParentEmail, &s.Status, &s.FinancialHold, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrStudentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch student: %w", err)
	}
	return &s, nil
}

// LockStudentTx acquires the per-student serialization point: a row lock on
// the student, bounded by lock_timeout so a contended allocation surfaces as
// a retryable conflict instead of blocking indefinitely. Returns the current
// financial_hold flag read under the lock.
func (ss *StudentService) LockStudentTx(tx *sql.Tx, studentID string) (bool, error) {
	if _, err := tx.Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", ss.lockTimeout.Milliseconds())); err != nil {
		return false, fmt.Errorf("failed to set lock timeout: %w", err)
	}

	var hold bool
	err := tx.QueryRow(`SELECT financial_hold FROM students WHERE id = $1 FOR UPDATE`, studentID).Scan(&hold)
	if err == sql.ErrNoRows {
		return false, ErrStudentNotFound
	}
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "55P03" {
			return false, ErrConcurrencyConflict
		}
		return false, fmt.Errorf("failed to lock student: %w", err)
	}

	return hold, nil
}

// PlaceFinancialHold halts further allocations for a student. Called outside
// the failed transaction after an invariant violation, so the hold survives
// the rollback.
func (ss *StudentService) PlaceFinancialHold(studentID, reason string) error {
	_, err := ss.db.Exec(`UPDATE students SET financial_hold = TRUE WHERE id = $1`, studentID)
	if err != nil {
		return fmt.Errorf("failed to place financial hold: %w", err)
	}
	log.Printf("[INVARIANT] Financial hold placed on student %s: %s", studentID, reason)
	return nil
}

// GetBalanceBreakdown computes the aggregate financial state for a student.
func (ss *StudentService) GetBalanceBreakdown(studentID string) (*BalanceBreakdown, error) {
	var b BalanceBreakdown
	err := ss.db.QueryRow(`
		SELECT id, admission_number, first_name || ' ' || last_name
		FROM students
		WHERE id = $1`, studentID).Scan(&b.StudentID, &b.AdmissionNumber, &b.StudentName)
	if err == sql.ErrNoRows {
		return nil, ErrStudentNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := ss.db.Query(`
		SELECT id, student_id, name, amount_due, amount_paid, balance, status, opened_at
		FROM fee_obligations
		WHERE student_id = $1
		ORDER BY opened_at ASC, id ASC`, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch obligations: %w", err)
	}
	defer rows.Close()

	b.Obligations = []models.Obligation{}
	for rows.Next() {
		var o models.Obligation
		if err := rows.Scan(&o.ID, &o.StudentID, &o.Name, &o.AmountDue, &o.AmountPaid,
			&o.Balance, &o.Status, &o.OpenedAt); err != nil {
			return nil, err
		}
		b.Obligations = append(b.Obligations, o)
		b.TotalDue = b.TotalDue.Add(o.AmountDue)
		b.TotalPaid = b.TotalPaid.Add(o.AmountPaid)
		b.TotalOutstanding = b.TotalOutstanding.Add(o.Balance)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	creditRows, err := ss.db.Query(`
		SELECT id, student_id, original_amount, remaining_amount, source, is_active, created_at
		FROM student_credits
		WHERE student_id = $1 AND is_active = TRUE
		ORDER BY created_at ASC, id ASC`, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch credits: %w", err)
	}
	defer creditRows.Close()

	b.Credits = []models.Credit{}
	for creditRows.Next() {
		var c models.Credit
		if err := creditRows.Scan(&c.ID, &c.StudentID, &c.OriginalAmount,
			&c.RemainingAmount, &c.Source, &c.IsActive, &c.CreatedAt); err != nil {
			return nil, err
		}
		b.Credits = append(b.Credits, c)
		b.TotalCredits = b.TotalCredits.Add(c.RemainingAmount)
	}
	if err := creditRows.Err(); err != nil {
		return nil, err
	}

	// Positive = owes, negative = holds credit
	b.NetBalance = b.TotalOutstanding.Sub(b.TotalCredits)
	return &b, nil
}

// GetStudentBalance returns the balance breakdown for a student
// @Summary Get student balance
// @Description Retrieve the aggregate fee balance, obligations and credits for a student
// @Tags students
// @Produce json
// @Param studentId path string true "Student ID"
// @Success 200 {object} BalanceBreakdown
// @Failure 404 {object} ErrorResponse
// @Router /students/{studentId}/balance [get]
func (ss *StudentService) GetStudentBalance(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "studentId")

	breakdown, err := ss.GetBalanceBreakdown(studentID)
	if err != nil {
		if err == ErrStudentNotFound {
			SendErrorResponse(w, "Student not found", http.StatusNotFound, nil)
		} else {
			log.Printf("[STUDENT] Failed to fetch balance for %s: %v", studentID, err)
			SendErrorResponse(w, "Failed to fetch balance", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(breakdown)
}

// GetStudentLedger returns the full ledger statement for a student
// @Summary Get student ledger
// @Description Retrieve the append-only ledger with running balances
// @Tags students
// @Produce json
// @Param studentId path string true "Student ID"
// @Success 200 {object} StudentLedger
// @Failure 500 {object} ErrorResponse
// @Router /students/{studentId}/ledger [get]
func (ss *StudentService) GetStudentLedger(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "studentId")

	ledger, err := ss.ledger.GetLedger(studentID)
	if err != nil {
		log.Printf("[STUDENT] Failed to fetch ledger for %s: %v", studentID, err)
		SendErrorResponse(w, "Failed to fetch ledger", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ledger)
}

// ReconcileStudent cross-checks ledger against obligation/credit state
// @Summary Reconcile student
// @Description Verify that the ledger sum matches the aggregate financial state
// @Tags students
// @Produce json
// @Param studentId path string true "Student ID"
// @Success 200 {object} ReconciliationReport
// @Failure 409 {object} ReconciliationReport
// @Router /students/{studentId}/reconcile [get]
func (ss *StudentService) ReconcileStudent(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "studentId")

	report, err := ss.ledger.Reconcile(studentID)
	if err != nil {
		if report != nil && !report.Consistent {
			log.Printf("[INVARIANT] Reconciliation mismatch for student %s: %v", studentID, err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(report)
			return
		}
		SendErrorResponse(w, "Failed to reconcile", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}
