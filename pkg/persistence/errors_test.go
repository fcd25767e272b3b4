package persistence_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/dukex/flowtrack/pkg/persistence"
	"github.com/stretchr/testify/assert"
)

func TestStandardizedErrors(t *testing.T) {
	t.Parallel()

	t.Run("entity error unwraps to sentinel", func(t *testing.T) {
		err := persistence.NewEntityError("CredentialByID", "credential", "cred-1", persistence.ErrCredentialNotFound)

		assert.True(t, persistence.IsCredentialNotFound(err))
		assert.True(t, persistence.IsNotFound(err))
		assert.True(t, errors.Is(err, persistence.ErrCredentialNotFound))
		assert.False(t, persistence.IsExecutionNotFound(err))
	})

	t.Run("entity error contains context", func(t *testing.T) {
		err := persistence.NewEntityError("SaveExecution", "execution", "exec-9", persistence.ErrExecutionNotFound)

		assert.Contains(t, err.Error(), "SaveExecution")
		assert.Contains(t, err.Error(), "exec-9")
		assert.Contains(t, err.Error(), "execution not found")
	})

	t.Run("entity error without id", func(t *testing.T) {
		err := persistence.NewEntityError("PendingDeadLetters", "dead letter", "", errors.New("connection reset"))

		assert.Equal(t, "PendingDeadLetters operation failed for dead letter: connection reset", err.Error())
		assert.False(t, persistence.IsNotFound(err))
	})

	t.Run("wrapped booking conflict is detected", func(t *testing.T) {
		err := fmt.Errorf("failed to create booking: %w", persistence.ErrBookingAlreadyExists)

		assert.True(t, persistence.IsBookingAlreadyExists(err))
	})
}
