package services

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/schoolpay/backend/internal/models"
	"github.com/shopspring/decimal"
)

// CreditService owns stored value from overpayments. Consumption is FIFO by
// creation time and never exceeds the summed remaining amounts; a drained
// credit is deactivated, not deleted, so the audit trail stays intact.
type CreditService struct {
	db *sql.DB
}

func NewCreditService(db *sql.DB) *CreditService {
	return &CreditService{db: db}
}

// CreditConsumption records how much was drawn from one credit.
type CreditConsumption struct {
	CreditID string
	Amount   decimal.Decimal
}

// CreateCreditTx stores a new credit for a student. Only called with an
// overpayment leftover, so amount is always positive.
func (cs *CreditService) CreateCreditTx(tx *sql.Tx, studentID string, amount decimal.Decimal, source string) (*models.Credit, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("credit amount must be positive, got %s", amount)
	}

	credit := &models.Credit{
		ID:              uuid.NewString(),
		StudentID:       studentID,
		OriginalAmount:  amount,
		RemainingAmount: amount,
		Source:          source,
		IsActive:        true,
		CreatedAt:       time.Now(),
	}

	_, err := tx.Exec(`
		INSERT INTO student_credits (id, student_id, original_amount, remaining_amount, source, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		credit.ID, credit.StudentID, credit.OriginalAmount, credit.RemainingAmount,
		credit.Source, credit.IsActive, credit.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create credit: %w", err)
	}

	return credit, nil
}

// ActiveCreditsTx loads the student's active credits oldest-first under the
// caller's transaction.
func (cs *CreditService) ActiveCreditsTx(tx *sql.Tx, studentID string) ([]models.Credit, error) {
	rows, err := tx.Query(`
		SELECT id, student_id, original_amount, remaining_amount, source, is_active, created_at
		FROM student_credits
		WHERE student_id = $1 AND is_active = TRUE AND remaining_amount > 0
		ORDER BY created_at ASC, id ASC`, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch credits: %w", err)
	}
	defer rows.Close()

	credits := []models.Credit{}
	for rows.Next() {
		var c models.Credit
		if err := rows.Scan(&c.ID, &c.StudentID, &c.OriginalAmount, &c.RemainingAmount,
			&c.Source, &c.IsActive, &c.CreatedAt); err != nil {
			return nil, err
		}
		credits = append(credits, c)
	}
	return credits, rows.Err()
}

// ConsumeCreditsTx draws up to amount from the student's active credits,
// oldest first, and returns the per-credit consumptions so each decrement can
// be mirrored in the ledger. The caller holds the per-student lock.
func (cs *CreditService) ConsumeCreditsTx(tx *sql.Tx, studentID string, amount decimal.Decimal) ([]CreditConsumption, decimal.Decimal, error) {
	if !amount.IsPositive() {
		return nil, decimal.Zero, nil
	}

	credits, err := cs.ActiveCreditsTx(tx, studentID)
	if err != nil {
		return nil, decimal.Zero, err
	}

	consumed := decimal.Zero
	remaining := amount
	consumptions := []CreditConsumption{}

	for _, credit := range credits {
		if !remaining.IsPositive() {
			break
		}

		draw := decimal.Min(remaining, credit.RemainingAmount)
		newRemaining := credit.RemainingAmount.Sub(draw)

		_, err := tx.Exec(`
			UPDATE student_credits
			SET remaining_amount = $1, is_active = $2
			WHERE id = $3`,
			newRemaining, newRemaining.IsPositive(), credit.ID)
		if err != nil {
			return nil, decimal.Zero, fmt.Errorf("failed to consume credit %s: %w", credit.ID, err)
		}

		consumptions = append(consumptions, CreditConsumption{CreditID: credit.ID, Amount: draw})
		consumed = consumed.Add(draw)
		remaining = remaining.Sub(draw)
	}

	return consumptions, consumed, nil
}

// TotalActiveCreditTx sums the student's remaining active credit.
func (cs *CreditService) TotalActiveCreditTx(tx *sql.Tx, studentID string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := tx.QueryRow(`
		SELECT COALESCE(SUM(remaining_amount), 0)
		FROM student_credits
		WHERE student_id = $1 AND is_active = TRUE`, studentID).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum credits: %w", err)
	}
	return total, nil
}
