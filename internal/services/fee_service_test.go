package services

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/schoolpay/backend/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func newFeeFixture(t *testing.T) (*FeeService, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	ledger := NewLedgerService(db)
	credits := NewCreditService(db)
	students := NewStudentService(db, ledger, 5*time.Second)
	allocation := NewAllocationService(db, credits, ledger)
	service := NewFeeService(db, students, allocation, ledger)

	return service, mock, func() { db.Close() }
}

func TestFeeService_AssignFee(t *testing.T) {
	t.Run("existing credit is drawn against the new fee", func(t *testing.T) {
		service, mock, cleanup := newFeeFixture(t)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT financial_hold FROM students").
			WithArgs("student-1").
			WillReturnRows(sqlmock.NewRows([]string{"financial_hold"}).AddRow(false))
		mock.ExpectExec("INSERT INTO fee_obligations").
			WillReturnResult(sqlmock.NewResult(0, 1))
		// CHARGE entry
		mock.ExpectQuery("SELECT running_balance FROM student_ledger").
			WithArgs("student-1").
			WillReturnRows(sqlmock.NewRows([]string{"running_balance"}).AddRow("50"))
		mock.ExpectQuery("INSERT INTO student_ledger").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(10)))
		// Credit pre-pass
		mock.ExpectQuery(`SELECT COALESCE\(SUM\(remaining_amount\), 0\)`).
			WithArgs("student-1").
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("50"))
		mock.ExpectExec("UPDATE fee_obligations").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT running_balance FROM student_ledger").
			WithArgs("student-1").
			WillReturnRows(sqlmock.NewRows([]string{"running_balance"}).AddRow("-150"))
		mock.ExpectQuery("INSERT INTO student_ledger").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))
		mock.ExpectQuery("SELECT id, student_id, original_amount").
			WithArgs("student-1").
			WillReturnRows(sqlmock.NewRows(creditCols).
				AddRow("cr-1", "student-1", "50", "50", "Overpayment from transaction RKT1", true, time.Now()))
		mock.ExpectExec("UPDATE student_credits").
			WithArgs(sqlmock.AnyArg(), false, "cr-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT running_balance FROM student_ledger").
			WithArgs("student-1").
			WillReturnRows(sqlmock.NewRows([]string{"running_balance"}).AddRow("-100"))
		mock.ExpectQuery("INSERT INTO student_ledger").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(12)))
		// Cross-check
		mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM student_ledger`).
			WithArgs("student-1").
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("-150"))
		mock.ExpectQuery(`SELECT COALESCE\(SUM\(balance\), 0\) FROM fee_obligations`).
			WithArgs("student-1").
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("150"))
		mock.ExpectQuery(`SELECT COALESCE\(SUM\(remaining_amount\), 0\) FROM student_credits`).
			WithArgs("student-1").
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("0"))
		mock.ExpectCommit()

		result, err := service.AssignFee("student-1", "Term 2 Tuition", decimal.NewFromInt(200))
		assert.NoError(t, err)

		assert.True(t, result.CreditApplied.Equal(decimal.NewFromInt(50)))
		assert.True(t, result.NewBalance.Equal(decimal.NewFromInt(150)))
		assert.True(t, result.Obligation.Balance.Equal(decimal.NewFromInt(150)))
		assert.True(t, result.Obligation.AmountPaid.Equal(decimal.NewFromInt(50)))
		assert.Equal(t, models.ObligationOpen, result.Obligation.Status)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no credit leaves the obligation untouched", func(t *testing.T) {
		service, mock, cleanup := newFeeFixture(t)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT financial_hold FROM students").
			WithArgs("student-1").
			WillReturnRows(sqlmock.NewRows([]string{"financial_hold"}).AddRow(false))
		mock.ExpectExec("INSERT INTO fee_obligations").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT running_balance FROM student_ledger").
			WithArgs("student-1").
			WillReturnRows(sqlmock.NewRows([]string{"running_balance"}).AddRow("0"))
		mock.ExpectQuery("INSERT INTO student_ledger").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(20)))
		mock.ExpectQuery(`SELECT COALESCE\(SUM\(remaining_amount\), 0\)`).
			WithArgs("student-1").
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("0"))
		mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM student_ledger`).
			WithArgs("student-1").
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("-200"))
		mock.ExpectQuery(`SELECT COALESCE\(SUM\(balance\), 0\) FROM fee_obligations`).
			WithArgs("student-1").
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("200"))
		mock.ExpectQuery(`SELECT COALESCE\(SUM\(remaining_amount\), 0\) FROM student_credits`).
			WithArgs("student-1").
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("0"))
		mock.ExpectCommit()

		result, err := service.AssignFee("student-1", "Term 1 Tuition", decimal.NewFromInt(200))
		assert.NoError(t, err)
		assert.True(t, result.CreditApplied.IsZero())
		assert.True(t, result.Obligation.Balance.Equal(decimal.NewFromInt(200)))

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects non-positive amount", func(t *testing.T) {
		service, _, cleanup := newFeeFixture(t)
		defer cleanup()

		_, err := service.AssignFee("student-1", "Term 1 Tuition", decimal.Zero)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("unknown student", func(t *testing.T) {
		service, mock, cleanup := newFeeFixture(t)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT financial_hold FROM students").
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows([]string{"financial_hold"}))

		_, err := service.AssignFee("missing", "Term 1 Tuition", decimal.NewFromInt(100))
		assert.ErrorIs(t, err, ErrStudentNotFound)
	})
}

func TestFeeService_AssignFeeHandler(t *testing.T) {
	t.Run("invalid request body", func(t *testing.T) {
		service, _, cleanup := newFeeFixture(t)
		defer cleanup()

		r := httptest.NewRequest("POST", "/fees/assign", bytes.NewBuffer([]byte("invalid")))
		w := httptest.NewRecorder()

		service.AssignFeeHandler(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("validation failure", func(t *testing.T) {
		service, _, cleanup := newFeeFixture(t)
		defer cleanup()

		body := []byte(`{"student_id":"student-1","name":"Term 1 Tuition","amount":-5}`)
		r := httptest.NewRequest("POST", "/fees/assign", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.AssignFeeHandler(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
