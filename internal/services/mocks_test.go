package services

import (
	"github.com/schoolpay/backend/internal/models"
	"github.com/stretchr/testify/mock"
)

// MockNotifier records notification requests without delivering anything.
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(req models.NotificationRequest) {
	m.Called(req)
}
