package services

import (
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/schoolpay/backend/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

var (
	paymentCols = []string{"id", "external_transaction_id", "student_id", "amount", "method", "raw_reference",
		"payer_phone", "payer_name", "status", "occurred_at", "confirmed_at"}
	studentCols = []string{"id", "admission_number", "first_name", "last_name", "parent_phone", "parent_email",
		"status", "financial_hold", "created_at"}
)

func newPaymentFixture(t *testing.T) (*PaymentService, sqlmock.Sqlmock, *MockNotifier, func()) {
	db, mockDB, err := sqlmock.New()
	assert.NoError(t, err)

	ledger := NewLedgerService(db)
	credits := NewCreditService(db)
	students := NewStudentService(db, ledger, 5*time.Second)
	allocation := NewAllocationService(db, credits, ledger)
	notifier := &MockNotifier{}
	service := NewPaymentService(db, students, allocation, notifier)

	return service, mockDB, notifier, func() { db.Close() }
}

func testNotification(txID, ref string, amount int64) *models.PaymentNotification {
	return &models.PaymentNotification{
		ExternalTransactionID: txID,
		Amount:                decimal.NewFromInt(amount),
		RawReference:          ref,
		PayerPhone:            "254722000000",
		PayerName:             "John J Doe",
		Method:                "MPESA",
		OccurredAt:            time.Now(),
	}
}

func TestPaymentService_Ingest_Validation(t *testing.T) {
	service, _, _, cleanup := newPaymentFixture(t)
	defer cleanup()

	t.Run("missing transaction id", func(t *testing.T) {
		n := testNotification("", "2024001", 100)
		_, err := service.Ingest(n)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("non-positive amount", func(t *testing.T) {
		n := testNotification("RKT1", "2024001", -10)
		_, err := service.Ingest(n)
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestPaymentService_Ingest_Duplicate(t *testing.T) {
	service, mockDB, notifier, cleanup := newPaymentFixture(t)
	defer cleanup()

	now := time.Now()
	mockDB.ExpectBegin()
	mockDB.ExpectQuery("SELECT id, external_transaction_id, student_id").
		WithArgs("RKT1").
		WillReturnRows(sqlmock.NewRows(paymentCols).
			AddRow("pay-1", "RKT1", "student-1", "100", "MPESA", "2024001",
				"254722000000", "John Doe", models.PaymentConfirmed, now, now))
	mockDB.ExpectRollback()

	result, err := service.Ingest(testNotification("RKT1", "2024001", 100))
	assert.NoError(t, err)
	assert.Equal(t, IngestAlreadyProcessed, result.Outcome)
	assert.Equal(t, "pay-1", result.Payment.ID)

	notifier.AssertNotCalled(t, "Notify", mock.Anything)
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestPaymentService_Ingest_DuplicateUnmatched(t *testing.T) {
	service, mockDB, _, cleanup := newPaymentFixture(t)
	defer cleanup()

	mockDB.ExpectBegin()
	mockDB.ExpectQuery("SELECT id, external_transaction_id, student_id").
		WithArgs("RKT1").
		WillReturnError(sql.ErrNoRows)
	mockDB.ExpectQuery("SELECT EXISTS").
		WithArgs("RKT1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mockDB.ExpectRollback()

	result, err := service.Ingest(testNotification("RKT1", "2024001", 100))
	assert.NoError(t, err)
	assert.Equal(t, IngestAlreadyProcessed, result.Outcome)

	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestPaymentService_Ingest_UnmatchedReference(t *testing.T) {
	service, mockDB, notifier, cleanup := newPaymentFixture(t)
	defer cleanup()

	notifier.On("Notify", mock.Anything).Return()

	mockDB.ExpectBegin()
	mockDB.ExpectQuery("SELECT id, external_transaction_id, student_id").
		WithArgs("RKT2").
		WillReturnError(sql.ErrNoRows)
	mockDB.ExpectQuery("SELECT EXISTS").
		WithArgs("RKT2").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mockDB.ExpectQuery("SELECT id, admission_number").
		WithArgs("UNKNOWN").
		WillReturnError(sql.ErrNoRows)
	mockDB.ExpectExec("INSERT INTO unmatched_payments").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectCommit()

	result, err := service.Ingest(testNotification("RKT2", "UNKNOWN", 100))
	assert.NoError(t, err)
	assert.Equal(t, IngestUnmatched, result.Outcome)
	assert.Equal(t, models.UnmatchedPending, result.Unmatched.Status)
	assert.Equal(t, "RKT2", result.Unmatched.ExternalTransactionID)

	notifier.AssertCalled(t, "Notify", mock.MatchedBy(func(req models.NotificationRequest) bool {
		return req.Audience == models.AudienceOperator
	}))
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestPaymentService_Ingest_HeldStudent(t *testing.T) {
	service, mockDB, notifier, cleanup := newPaymentFixture(t)
	defer cleanup()

	notifier.On("Notify", mock.Anything).Return()

	now := time.Now()
	mockDB.ExpectBegin()
	mockDB.ExpectQuery("SELECT id, external_transaction_id, student_id").
		WithArgs("RKT3").
		WillReturnError(sql.ErrNoRows)
	mockDB.ExpectQuery("SELECT EXISTS").
		WithArgs("RKT3").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mockDB.ExpectQuery("SELECT id, admission_number").
		WithArgs("2024001").
		WillReturnRows(sqlmock.NewRows(studentCols).
			AddRow("student-1", "2024001", "Jane", "Doe", "254722000001", "parent@example.com",
				models.StudentActive, true, now))
	mockDB.ExpectExec("SET LOCAL lock_timeout").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mockDB.ExpectQuery("SELECT financial_hold FROM students").
		WithArgs("student-1").
		WillReturnRows(sqlmock.NewRows([]string{"financial_hold"}).AddRow(true))
	mockDB.ExpectExec("INSERT INTO unmatched_payments").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectCommit()

	result, err := service.Ingest(testNotification("RKT3", "2024001", 100))
	assert.NoError(t, err)
	assert.Equal(t, IngestUnmatched, result.Outcome)

	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestPaymentService_Ingest_MatchedPayment(t *testing.T) {
	service, mockDB, notifier, cleanup := newPaymentFixture(t)
	defer cleanup()

	notifier.On("Notify", mock.Anything).Return()

	now := time.Now()
	mockDB.ExpectBegin()
	mockDB.ExpectQuery("SELECT id, external_transaction_id, student_id").
		WithArgs("RKT4").
		WillReturnError(sql.ErrNoRows)
	mockDB.ExpectQuery("SELECT EXISTS").
		WithArgs("RKT4").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mockDB.ExpectQuery("SELECT id, admission_number").
		WithArgs("2024001").
		WillReturnRows(sqlmock.NewRows(studentCols).
			AddRow("student-1", "2024001", "Jane", "Doe", "254722000001", "parent@example.com",
				models.StudentActive, false, now))
	mockDB.ExpectExec("SET LOCAL lock_timeout").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mockDB.ExpectQuery("SELECT financial_hold FROM students").
		WithArgs("student-1").
		WillReturnRows(sqlmock.NewRows([]string{"financial_hold"}).AddRow(false))
	mockDB.ExpectExec("INSERT INTO payments").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Allocation
	mockDB.ExpectQuery("SELECT id, student_id, name, amount_due").
		WithArgs("student-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "student_id", "name", "amount_due", "amount_paid", "balance", "status", "opened_at"}).
			AddRow("fee-1", "student-1", "Term 1 Tuition", "200", "0", "200", models.ObligationOpen, now))
	mockDB.ExpectQuery(`SELECT COALESCE\(SUM\(remaining_amount\), 0\)`).
		WithArgs("student-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("0"))
	mockDB.ExpectExec("UPDATE fee_obligations").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectQuery("SELECT running_balance FROM student_ledger").
		WithArgs("student-1").
		WillReturnRows(sqlmock.NewRows([]string{"running_balance"}).AddRow("-200"))
	mockDB.ExpectQuery("INSERT INTO student_ledger").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(30)))
	mockDB.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM student_ledger`).
		WithArgs("student-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("-50"))
	mockDB.ExpectQuery(`SELECT COALESCE\(SUM\(balance\), 0\) FROM fee_obligations`).
		WithArgs("student-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("50"))
	mockDB.ExpectQuery(`SELECT COALESCE\(SUM\(remaining_amount\), 0\) FROM student_credits`).
		WithArgs("student-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("0"))
	mockDB.ExpectCommit()
	// Post-commit receipt lookup
	mockDB.ExpectQuery("SELECT id, admission_number").
		WithArgs("student-1").
		WillReturnRows(sqlmock.NewRows(studentCols).
			AddRow("student-1", "2024001", "Jane", "Doe", "254722000001", "parent@example.com",
				models.StudentActive, false, now))

	result, err := service.Ingest(testNotification("RKT4", "2024001", 150))
	assert.NoError(t, err)

	assert.Equal(t, IngestAccepted, result.Outcome)
	assert.Equal(t, models.PaymentConfirmed, result.Payment.Status)
	assert.Equal(t, "student-1", result.Payment.StudentID)
	assert.True(t, result.Allocation.TotalApplied.Equal(decimal.NewFromInt(150)))
	assert.True(t, result.Allocation.NewBalance.Equal(decimal.NewFromInt(50)))

	notifier.AssertCalled(t, "Notify", mock.MatchedBy(func(req models.NotificationRequest) bool {
		return req.Audience == models.AudienceParent && req.Phone == "254722000001"
	}))
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestPaymentService_Ingest_ConfirmsPending(t *testing.T) {
	service, mockDB, notifier, cleanup := newPaymentFixture(t)
	defer cleanup()

	notifier.On("Notify", mock.Anything).Return()

	now := time.Now()
	mockDB.ExpectBegin()
	mockDB.ExpectQuery("SELECT id, external_transaction_id, student_id").
		WithArgs("ws_CO_1").
		WillReturnRows(sqlmock.NewRows(paymentCols).
			AddRow("pay-9", "ws_CO_1", "student-1", "150", "MPESA_STK", "ws_CO_1",
				"254722000000", nil, models.PaymentPending, now, nil))
	mockDB.ExpectExec("SET LOCAL lock_timeout").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mockDB.ExpectQuery("SELECT financial_hold FROM students").
		WithArgs("student-1").
		WillReturnRows(sqlmock.NewRows([]string{"financial_hold"}).AddRow(false))
	mockDB.ExpectExec("UPDATE payments").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Allocation
	mockDB.ExpectQuery("SELECT id, student_id, name, amount_due").
		WithArgs("student-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "student_id", "name", "amount_due", "amount_paid", "balance", "status", "opened_at"}).
			AddRow("fee-1", "student-1", "Term 1 Tuition", "150", "0", "150", models.ObligationOpen, now))
	mockDB.ExpectQuery(`SELECT COALESCE\(SUM\(remaining_amount\), 0\)`).
		WithArgs("student-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("0"))
	mockDB.ExpectExec("UPDATE fee_obligations").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectQuery("SELECT running_balance FROM student_ledger").
		WithArgs("student-1").
		WillReturnRows(sqlmock.NewRows([]string{"running_balance"}).AddRow("-150"))
	mockDB.ExpectQuery("INSERT INTO student_ledger").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(31)))
	mockDB.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM student_ledger`).
		WithArgs("student-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("0"))
	mockDB.ExpectQuery(`SELECT COALESCE\(SUM\(balance\), 0\) FROM fee_obligations`).
		WithArgs("student-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("0"))
	mockDB.ExpectQuery(`SELECT COALESCE\(SUM\(remaining_amount\), 0\) FROM student_credits`).
		WithArgs("student-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("0"))
	mockDB.ExpectCommit()
	mockDB.ExpectQuery("SELECT id, admission_number").
		WithArgs("student-1").
		WillReturnRows(sqlmock.NewRows(studentCols).
			AddRow("student-1", "2024001", "Jane", "Doe", "254722000001", "parent@example.com",
				models.StudentActive, false, now))

	n := testNotification("ws_CO_1", "RKTRECEIPT", 150)
	n.Method = "MPESA_STK"

	result, err := service.Ingest(n)
	assert.NoError(t, err)

	assert.Equal(t, IngestAccepted, result.Outcome)
	assert.Equal(t, models.PaymentConfirmed, result.Payment.Status)
	assert.Equal(t, "RKTRECEIPT", result.Payment.RawReference)
	assert.NotNil(t, result.Payment.ConfirmedAt)

	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestPaymentService_Ingest_PendingHeldStudent(t *testing.T) {
	service, mockDB, notifier, cleanup := newPaymentFixture(t)
	defer cleanup()

	notifier.On("Notify", mock.Anything).Return()

	now := time.Now()
	mockDB.ExpectBegin()
	mockDB.ExpectQuery("SELECT id, external_transaction_id, student_id").
		WithArgs("ws_CO_5").
		WillReturnRows(sqlmock.NewRows(paymentCols).
			AddRow("pay-5", "ws_CO_5", "student-1", "150", "MPESA_STK", "ws_CO_5",
				"254722000000", nil, models.PaymentPending, now, nil))
	mockDB.ExpectExec("SET LOCAL lock_timeout").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mockDB.ExpectQuery("SELECT financial_hold FROM students").
		WithArgs("student-1").
		WillReturnRows(sqlmock.NewRows([]string{"financial_hold"}).AddRow(true))
	// No UPDATE on the pending record: the settlement parks in the queue and
	// the record stays PENDING until an operator resolves it.
	mockDB.ExpectExec("INSERT INTO unmatched_payments").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectCommit()

	n := testNotification("ws_CO_5", "RKTRECEIPT5", 150)
	n.Method = "MPESA_STK"

	result, err := service.Ingest(n)
	assert.NoError(t, err)
	assert.Equal(t, IngestUnmatched, result.Outcome)
	assert.Equal(t, "ws_CO_5", result.Unmatched.ExternalTransactionID)

	notifier.AssertCalled(t, "Notify", mock.MatchedBy(func(req models.NotificationRequest) bool {
		return req.Audience == models.AudienceOperator
	}))
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestPaymentService_FailPendingPayment(t *testing.T) {
	t.Run("marks pending payment failed", func(t *testing.T) {
		service, mockDB, _, cleanup := newPaymentFixture(t)
		defer cleanup()

		mockDB.ExpectExec("UPDATE payments SET status").
			WithArgs(models.PaymentFailed, "ws_CO_2", models.PaymentPending).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := service.FailPendingPayment("ws_CO_2", "Request cancelled by user")
		assert.NoError(t, err)
		assert.NoError(t, mockDB.ExpectationsWereMet())
	})

	t.Run("no pending record", func(t *testing.T) {
		service, mockDB, _, cleanup := newPaymentFixture(t)
		defer cleanup()

		mockDB.ExpectExec("UPDATE payments SET status").
			WithArgs(models.PaymentFailed, "ws_CO_3", models.PaymentPending).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := service.FailPendingPayment("ws_CO_3", "timeout")
		assert.ErrorIs(t, err, ErrAlreadyResolved)
	})
}
