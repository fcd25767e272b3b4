package mocks

import (
	"context"

	"github.com/dukex/flowtrack/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockReplayer is a mock implementation of webhook.Replayer.
type MockReplayer struct {
	mock.Mock
}

func (m *MockReplayer) Replay(ctx context.Context, item *models.DeadLetterItem) error {
	args := m.Called(ctx, item)

	return args.Error(0)
}
