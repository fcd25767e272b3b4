package mocks

import (
	"context"

	"github.com/dukex/flowtrack/pkg/webhook"
	"github.com/stretchr/testify/mock"
)

// MockDeadLetters is a mock implementation of maintenance.DeadLetters.
type MockDeadLetters struct {
	mock.Mock
}

func (m *MockDeadLetters) ReprocessPending(ctx context.Context, limit int) (webhook.ReprocessResult, error) {
	args := m.Called(ctx, limit)

	return args.Get(0).(webhook.ReprocessResult), args.Error(1)
}

// MockIdempotencyKeys is a mock implementation of maintenance.IdempotencyKeys.
type MockIdempotencyKeys struct {
	mock.Mock
}

func (m *MockIdempotencyKeys) CleanupIdempotencyKeys(ctx context.Context) (int, error) {
	args := m.Called(ctx)

	return args.Int(0), args.Error(1)
}

// MockPollingMaintenance is a mock implementation of maintenance.Polling.
type MockPollingMaintenance struct {
	mock.Mock
}

func (m *MockPollingMaintenance) CleanupPollingRuns(ctx context.Context) (int, error) {
	args := m.Called(ctx)

	return args.Int(0), args.Error(1)
}

func (m *MockPollingMaintenance) CleanupQueueJobs(ctx context.Context) (int, error) {
	args := m.Called(ctx)

	return args.Int(0), args.Error(1)
}
