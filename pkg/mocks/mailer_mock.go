package mocks

import (
	"context"

	"github.com/dukex/flowtrack/pkg/workflow"
	"github.com/stretchr/testify/mock"
)

// MockMailer is a mock implementation of workflow.Mailer.
type MockMailer struct {
	mock.Mock
}

func (m *MockMailer) Send(ctx context.Context, email workflow.Email) error {
	args := m.Called(ctx, email)

	return args.Error(0)
}
