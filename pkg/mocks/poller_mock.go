package mocks

import (
	"context"

	"github.com/dukex/flowtrack/pkg/providers/calendly"
	"github.com/stretchr/testify/mock"
)

// MockCredentialPoller is a mock implementation of polling.CredentialPoller.
type MockCredentialPoller struct {
	mock.Mock
}

func (m *MockCredentialPoller) PollCredential(ctx context.Context, credentialID string) (calendly.PollResult, error) {
	args := m.Called(ctx, credentialID)

	return args.Get(0).(calendly.PollResult), args.Error(1)
}
