package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/dukex/flowtrack/pkg/cmd"
	"github.com/dukex/flowtrack/pkg/config"
	"github.com/dukex/flowtrack/pkg/models"
	"github.com/dukex/flowtrack/pkg/providers/calendly"
	"github.com/dukex/flowtrack/pkg/queue"
	"github.com/dukex/flowtrack/pkg/web"
	"github.com/dukex/flowtrack/pkg/webhook"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const signingKey = "signing-key"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testApp struct {
	app      *fiber.App
	services *cmd.Services
}

func setupTestApp(t *testing.T) *testApp {
	t.Helper()

	ctx := context.Background()
	logger := testLogger()

	services, err := cmd.NewServices(ctx, "flowtrack-test", logger, cmd.Options{Config: config.Default()})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = services.Close(ctx)
	})

	require.NoError(t, services.Persistence.Credentials().SaveCredential(ctx, &models.OAuthCredential{
		ID:                "cred-1",
		WorkspaceID:       "ws-1",
		Provider:          models.ProviderCalendly,
		IsActive:          true,
		ProviderPlan:      models.ProviderPlanFree,
		PollingEnabled:    true,
		WebhookEnabled:    true,
		WebhookSigningKey: signingKey,
	}))

	handlers := web.NewAPIHandlers(web.Dependencies{
		Persistence:   services.Persistence,
		Calendly:      services.Calendly,
		Webhooks:      services.Webhooks,
		Reprocessor:   services.Reprocessor,
		Polling:       services.Polling,
		Trigger:       services.Trigger,
		Executor:      services.Executor,
		WorkflowQueue: services.WorkflowQueue,
		AppURL:        "https://flowtrack.example.com",
	}, validator.New(validator.WithRequiredStructEnabled()), logger)

	app := fiber.New()
	handlers.Register(app)

	return &testApp{app: app, services: services}
}

func (a *testApp) do(t *testing.T, method, path string, body []byte, headers map[string]string) (int, []byte) {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := a.app.Test(req)
	require.NoError(t, err)

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, data
}

func (a *testApp) workflow(t *testing.T) *models.Workflow {
	t.Helper()

	wf := &models.Workflow{
		WorkspaceID: "ws-1",
		Name:        "Inbound",
		Status:      models.WorkflowStatusActive,
		Nodes: []*models.WorkflowNode{
			{FlowNodeID: "n1", NodeType: models.NodeTypeTriggerForm, Category: models.NodeCategoryTrigger, ExecutionOrder: 1},
		},
	}
	require.NoError(t, a.services.Persistence.Workflows().SaveWorkflow(context.Background(), wf))

	return wf
}

func (a *testApp) lead(t *testing.T, workspaceID string) *models.Lead {
	t.Helper()

	lead := &models.Lead{WorkspaceID: workspaceID, Email: "ada@example.com", Name: "Ada", Status: models.LeadStatusNew, Source: models.LeadSourceForm}
	require.NoError(t, a.services.Persistence.Leads().SaveLead(context.Background(), lead))

	return lead
}

func sign(body []byte) string {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	return webhook.FormatSignature(timestamp, webhook.ComputeSignature(signingKey, timestamp, body))
}

func delivery(t *testing.T) []byte {
	t.Helper()

	body, err := json.Marshal(map[string]any{
		"event":      calendly.EventInviteeCreated,
		"created_at": "2026-05-20T10:00:00Z",
		"payload": map[string]any{
			"uri":   "https://api.calendly.com/scheduled_events/E1/invitees/I1",
			"email": "ada@example.com",
			"name":  "Ada Lovelace",
			"scheduled_event": map[string]any{
				"uri":        "https://api.calendly.com/scheduled_events/E1",
				"name":       "Intro call",
				"status":     "active",
				"start_time": "2026-06-01T15:00:00Z",
				"end_time":   "2026-06-01T15:30:00Z",
			},
		},
	})
	require.NoError(t, err)

	return body
}

func TestAPIHandlers_CalendlyWebhook(t *testing.T) {
	a := setupTestApp(t)
	a.workflow(t)

	body := delivery(t)
	headers := map[string]string{calendly.SignatureHeader: sign(body)}

	status, data := a.do(t, http.MethodPost, "/webhooks/calendly/cred-1", body, headers)
	require.Equal(t, http.StatusOK, status, string(data))

	var resp web.WebhookResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, webhook.OutcomeProcessed, resp.Outcome)

	status, data = a.do(t, http.MethodPost, "/webhooks/calendly/cred-1", body, headers)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, webhook.OutcomeDuplicate, resp.Outcome)
}

func TestAPIHandlers_CalendlyWebhookRejected(t *testing.T) {
	tests := []struct {
		name       string
		body       []byte
		signature  func(body []byte) string
		wantStatus int
		wantType   string
	}{
		{
			name:       "bad signature",
			body:       []byte(`{"event":"invitee.created"}`),
			signature:  func([]byte) string { return "t=1,v1=deadbeef" },
			wantStatus: http.StatusBadRequest,
			wantType:   "invalid_signature",
		},
		{
			name:       "invalid payload",
			body:       []byte(`{"event":"invitee.created","payload":"nope"}`),
			signature:  sign,
			wantStatus: http.StatusBadRequest,
			wantType:   "invalid_payload",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := setupTestApp(t)

			status, data := a.do(t, http.MethodPost, "/webhooks/calendly/cred-1", tt.body,
				map[string]string{calendly.SignatureHeader: tt.signature(tt.body)})
			assert.Equal(t, tt.wantStatus, status)

			var problem map[string]any
			require.NoError(t, json.Unmarshal(data, &problem))
			assert.Equal(t, tt.wantType, problem["type"])
		})
	}
}

func TestAPIHandlers_FailedWebhookIsDeadLettered(t *testing.T) {
	a := setupTestApp(t)

	body := delivery(t)

	status, _ := a.do(t, http.MethodPost, "/webhooks/calendly/cred-1", body, map[string]string{calendly.SignatureHeader: sign(body)})
	assert.Equal(t, http.StatusInternalServerError, status)

	status, data := a.do(t, http.MethodGet, "/booking/health/dlq", nil, nil)
	require.Equal(t, http.StatusOK, status)

	var list web.DeadLetterListResponse
	require.NoError(t, json.Unmarshal(data, &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, calendly.EventInviteeCreated, list.Items[0].EventType)

	a.workflow(t)

	status, data = a.do(t, http.MethodPost, "/booking/health/dlq/"+list.Items[0].ID+"/retry", nil, nil)
	require.Equal(t, http.StatusOK, status, string(data))

	var action web.DeadLetterActionResponse
	require.NoError(t, json.Unmarshal(data, &action))
	assert.Equal(t, models.DeadLetterResolved, action.Status)

	status, _ = a.do(t, http.MethodPost, "/booking/health/dlq/"+list.Items[0].ID+"/abandon", nil, nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestAPIHandlers_SubmitForm(t *testing.T) {
	a := setupTestApp(t)
	wf := a.workflow(t)
	lead := a.lead(t, "ws-1")
	stranger := a.lead(t, "ws-2")

	tests := []struct {
		name       string
		workflowID string
		body       any
		wantStatus int
	}{
		{"accepted", wf.ID, web.FormSubmissionRequest{LeadID: lead.ID, Data: map[string]any{"budget": "5000"}}, http.StatusAccepted},
		{"missing lead id", wf.ID, map[string]any{}, http.StatusBadRequest},
		{"unknown lead", wf.ID, web.FormSubmissionRequest{LeadID: "missing"}, http.StatusNotFound},
		{"unknown workflow", "missing", web.FormSubmissionRequest{LeadID: lead.ID}, http.StatusNotFound},
		{"other workspace", wf.ID, web.FormSubmissionRequest{LeadID: stranger.ID}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := json.Marshal(tt.body)
			require.NoError(t, err)

			status, data := a.do(t, http.MethodPost, "/forms/"+tt.workflowID+"/submissions", body, nil)
			require.Equal(t, tt.wantStatus, status, string(data))

			if tt.wantStatus != http.StatusAccepted {
				return
			}

			var resp web.FormSubmissionResponse
			require.NoError(t, json.Unmarshal(data, &resp))
			require.NotEmpty(t, resp.ExecutionID)

			job, err := a.services.Queue.Job(context.Background(), queue.TopicWorkflowExecution, "execution-"+resp.ExecutionID)
			require.NoError(t, err)
			assert.Equal(t, queue.StateWaiting, job.State)
		})
	}
}

func TestAPIHandlers_RetryExecution(t *testing.T) {
	ctx := context.Background()
	a := setupTestApp(t)
	wf := a.workflow(t)
	lead := a.lead(t, "ws-1")

	execution := func(status models.ExecutionStatus) string {
		e := &models.WorkflowExecution{WorkflowID: wf.ID, WorkspaceID: "ws-1", LeadID: lead.ID, Status: status, TriggerType: models.TriggerTypeManual}
		require.NoError(t, a.services.Persistence.Executions().SaveExecution(ctx, e))

		return e.ID
	}

	tests := []struct {
		name       string
		id         string
		wantStatus int
	}{
		{"failed is retried", execution(models.ExecutionStatusFailed), http.StatusAccepted},
		{"completed conflicts", execution(models.ExecutionStatusCompleted), http.StatusConflict},
		{"running conflicts", execution(models.ExecutionStatusRunning), http.StatusConflict},
		{"unknown", "missing", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, data := a.do(t, http.MethodPost, "/executions/"+tt.id+"/retry", nil, nil)
			assert.Equal(t, tt.wantStatus, status, string(data))
		})
	}
}

func TestAPIHandlers_Polling(t *testing.T) {
	a := setupTestApp(t)

	status, data := a.do(t, http.MethodPost, "/booking/health/polling/trigger", nil, nil)
	require.Equal(t, http.StatusAccepted, status)

	var trigger web.TriggerPollingResponse
	require.NoError(t, json.Unmarshal(data, &trigger))
	assert.Len(t, trigger.JobIDs, 1)

	status, data = a.do(t, http.MethodGet, "/booking/health/polling-queue/stats?limit=5", nil, nil)
	require.Equal(t, http.StatusOK, status)

	var stats web.PollingQueueStatsResponse
	require.NoError(t, json.Unmarshal(data, &stats))
	assert.Equal(t, int64(1), stats.Counts.Waiting)
	assert.Len(t, stats.RecentJobs, 1)

	status, _ = a.do(t, http.MethodGet, "/booking/health/polling-queue/stats?limit=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAPIHandlers_BookingHealth(t *testing.T) {
	ctx := context.Background()
	a := setupTestApp(t)

	status, data := a.do(t, http.MethodGet, "/booking/health?credentialId=cred-1", nil, nil)
	require.Equal(t, http.StatusOK, status, string(data))

	var health web.BookingHealthResponse
	require.NoError(t, json.Unmarshal(data, &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "https://flowtrack.example.com/webhooks/calendly/{credentialId}", health.WebhookURLTemplate)
	assert.Len(t, health.PolledCredentials, 1)
	require.NotNil(t, health.CredentialWebhook)
	assert.True(t, health.CredentialWebhook.WebhookEnabled)

	require.NoError(t, a.services.Webhooks.AddToDeadLetterQueue(ctx, &models.DeadLetterItem{
		Provider:     models.ProviderCalendly,
		CredentialID: "cred-1",
		EventID:      "evt-1",
		EventType:    calendly.EventInviteeCreated,
		ErrorMessage: "boom",
	}))

	status, data = a.do(t, http.MethodGet, "/booking/health", nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(data, &health))
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, 1, health.PendingDeadLetters)

	status, _ = a.do(t, http.MethodGet, "/booking/health?credentialId=missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPIHandlers_DeadLetterActions(t *testing.T) {
	ctx := context.Background()
	a := setupTestApp(t)

	item := &models.DeadLetterItem{Provider: models.ProviderCalendly, CredentialID: "cred-1", EventID: "evt-1", EventType: calendly.EventInviteeCreated}
	require.NoError(t, a.services.Webhooks.AddToDeadLetterQueue(ctx, item))

	status, _ := a.do(t, http.MethodPost, "/booking/health/dlq/"+item.ID+"/resolve", nil, nil)
	require.Equal(t, http.StatusOK, status)

	status, _ = a.do(t, http.MethodPost, "/booking/health/dlq/"+item.ID+"/abandon", nil, nil)
	assert.Equal(t, http.StatusConflict, status)

	status, _ = a.do(t, http.MethodPost, "/booking/health/dlq/missing/resolve", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, data := a.do(t, http.MethodPost, "/booking/health/cleanup/idempotency", nil, nil)
	require.Equal(t, http.StatusOK, status)

	var cleanup web.CleanupResponse
	require.NoError(t, json.Unmarshal(data, &cleanup))
	assert.Equal(t, 0, cleanup.Deleted)
}
