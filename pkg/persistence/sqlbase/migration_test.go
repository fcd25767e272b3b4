package sqlbase

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMigrationManager_LatestVersion(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	tests := []struct {
		name       string
		migrations map[int]string
		expected   int
	}{
		{name: "no migrations", migrations: map[int]string{}, expected: 0},
		{name: "single", migrations: map[int]string{1: "SELECT 1"}, expected: 1},
		{name: "unordered", migrations: map[int]string{3: "SELECT 3", 1: "SELECT 1", 2: "SELECT 2"}, expected: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := NewMigrationManager(logger, nil, tt.migrations)
			assert.Equal(t, tt.expected, manager.LatestVersion())
		})
	}
}
