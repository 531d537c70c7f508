package services

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

var creditCols = []string{"id", "student_id", "original_amount", "remaining_amount", "source", "is_active", "created_at"}

func TestCreditService_ConsumeCreditsTx(t *testing.T) {
	t.Run("draws oldest credit first", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewCreditService(db)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, student_id, original_amount").
			WithArgs("student-1").
			WillReturnRows(sqlmock.NewRows(creditCols).
				AddRow("cr-1", "student-1", "30", "30", "Overpayment from transaction A", true, time.Now().Add(-time.Hour)).
				AddRow("cr-2", "student-1", "40", "40", "Overpayment from transaction B", true, time.Now()))
		mock.ExpectExec("UPDATE student_credits").
			WithArgs(sqlmock.AnyArg(), false, "cr-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE student_credits").
			WithArgs(sqlmock.AnyArg(), true, "cr-2").
			WillReturnResult(sqlmock.NewResult(0, 1))

		tx, err := db.Begin()
		assert.NoError(t, err)

		consumptions, consumed, err := service.ConsumeCreditsTx(tx, "student-1", decimal.NewFromInt(50))
		assert.NoError(t, err)

		assert.True(t, consumed.Equal(decimal.NewFromInt(50)))
		assert.Len(t, consumptions, 2)
		assert.Equal(t, "cr-1", consumptions[0].CreditID)
		assert.True(t, consumptions[0].Amount.Equal(decimal.NewFromInt(30)))
		assert.Equal(t, "cr-2", consumptions[1].CreditID)
		assert.True(t, consumptions[1].Amount.Equal(decimal.NewFromInt(20)))

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("consumes at most what is available", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewCreditService(db)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, student_id, original_amount").
			WithArgs("student-1").
			WillReturnRows(sqlmock.NewRows(creditCols).
				AddRow("cr-1", "student-1", "30", "30", "Overpayment from transaction A", true, time.Now()))
		mock.ExpectExec("UPDATE student_credits").
			WithArgs(sqlmock.AnyArg(), false, "cr-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		tx, err := db.Begin()
		assert.NoError(t, err)

		consumptions, consumed, err := service.ConsumeCreditsTx(tx, "student-1", decimal.NewFromInt(100))
		assert.NoError(t, err)

		assert.True(t, consumed.Equal(decimal.NewFromInt(30)))
		assert.Len(t, consumptions, 1)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-positive amount is a no-op", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewCreditService(db)

		mock.ExpectBegin()
		tx, err := db.Begin()
		assert.NoError(t, err)

		consumptions, consumed, err := service.ConsumeCreditsTx(tx, "student-1", decimal.Zero)
		assert.NoError(t, err)
		assert.Empty(t, consumptions)
		assert.True(t, consumed.IsZero())
	})
}

func TestCreditService_CreateCreditTx(t *testing.T) {
	t.Run("stores a positive credit", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewCreditService(db)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO student_credits").
			WillReturnResult(sqlmock.NewResult(0, 1))

		tx, err := db.Begin()
		assert.NoError(t, err)

		credit, err := service.CreateCreditTx(tx, "student-1", decimal.NewFromInt(50), "Overpayment from transaction RKT1")
		assert.NoError(t, err)
		assert.NotEmpty(t, credit.ID)
		assert.True(t, credit.RemainingAmount.Equal(decimal.NewFromInt(50)))
		assert.True(t, credit.IsActive)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects non-positive amount", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewCreditService(db)

		mock.ExpectBegin()
		tx, err := db.Begin()
		assert.NoError(t, err)

		_, err = service.CreateCreditTx(tx, "student-1", decimal.Zero, "nothing")
		assert.Error(t, err)
	})
}
