package services

import (
	"encoding/json"
	"testing"

	"github.com/go-redis/redismock/v8"
	"github.com/schoolpay/backend/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestNotificationService_Notify(t *testing.T) {
	t.Run("enqueues to the notification queue", func(t *testing.T) {
		redisClient, redisMock := redismock.NewClientMock()
		service := NewNotificationService(redisClient)

		req := models.NotificationRequest{
			StudentID:      "student-1",
			Phone:          "254722000001",
			Amount:         decimal.NewFromInt(150),
			NewBalance:     decimal.NewFromInt(50),
			TransactionRef: "RKT1",
			Audience:       models.AudienceParent,
			Message:        "Payment of 150.00 received for Jane Doe. Outstanding balance: 50.00.",
		}

		data, err := json.Marshal(req)
		assert.NoError(t, err)

		redisMock.ExpectRPush(notificationQueue, data).SetVal(1)

		service.Notify(req)

		assert.NoError(t, redisMock.ExpectationsWereMet())
	})
}

func TestSMSGateway_NotConfigured(t *testing.T) {
	gateway := &SMSGateway{}
	err := gateway.Send("254722000000", "hello")
	assert.NoError(t, err)
}

func TestEmailGateway_NotConfigured(t *testing.T) {
	gateway := &EmailGateway{}
	err := gateway.Send("parent@example.com", "Payment Received", "hello")
	assert.NoError(t, err)
}
