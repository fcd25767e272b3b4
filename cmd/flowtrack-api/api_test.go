package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/dukex/flowtrack/pkg/cmd"
	"github.com/dukex/flowtrack/pkg/config"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestApp(t *testing.T) *fiber.App {
	t.Helper()

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	services, err := cmd.NewServices(ctx, "flowtrack-api-test", logger, cmd.Options{Config: config.Default()})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = services.Close(ctx)
	})

	return NewAPI(logger, services, "https://flowtrack.example.com").App()
}

func get(t *testing.T, app *fiber.App, path string) (int, []byte) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	resp, err := app.Test(req)
	require.NoError(t, err)

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, body
}

func TestAPI_RootEndpoint(t *testing.T) {
	status, body := get(t, setupTestApp(t), "/")

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "FlowTrack API", string(body))
}

func TestAPI_Liveness(t *testing.T) {
	status, body := get(t, setupTestApp(t), "/livez")

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", string(body))
}

func TestAPI_Health(t *testing.T) {
	status, body := get(t, setupTestApp(t), "/health")
	require.Equal(t, http.StatusOK, status)

	var health map[string]any
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "healthy", health["status"])
}

func TestAPI_BookingHealthIsMounted(t *testing.T) {
	status, body := get(t, setupTestApp(t), "/booking/health")
	require.Equal(t, http.StatusOK, status)

	var health map[string]any
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "https://flowtrack.example.com/webhooks/calendly/{credentialId}", health["webhookUrlTemplate"])
}
