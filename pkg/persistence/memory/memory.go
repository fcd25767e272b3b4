// Package memory provides an in-process implementation of every repository.
// It backs unit tests and single-process development runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dukex/flowtrack/pkg/models"
	"github.com/dukex/flowtrack/pkg/persistence"
	"github.com/google/uuid"
)

// Persistence keeps all records in maps guarded by one mutex. Records are
// copied on the way in and out so callers never share state with the store.
type Persistence struct {
	mu sync.RWMutex

	credentials map[string]*models.OAuthCredential
	workflows   map[string]*models.Workflow
	leads       map[string]*models.Lead
	executions  map[string]*models.WorkflowExecution
	steps       map[string][]*models.ExecutionStep
	bookings    map[string]*models.Booking
	keys        map[string]*models.IdempotencyKey
	deadLetters map[string]*models.DeadLetterItem
	pollingRuns map[string]*models.PollingRun
	now         func() time.Time
}

var _ persistence.Persistence = (*Persistence)(nil)

// NewPersistence creates an empty store.
func NewPersistence() *Persistence {
	return &Persistence{
		credentials: make(map[string]*models.OAuthCredential),
		workflows:   make(map[string]*models.Workflow),
		leads:       make(map[string]*models.Lead),
		executions:  make(map[string]*models.WorkflowExecution),
		steps:       make(map[string][]*models.ExecutionStep),
		bookings:    make(map[string]*models.Booking),
		keys:        make(map[string]*models.IdempotencyKey),
		deadLetters: make(map[string]*models.DeadLetterItem),
		pollingRuns: make(map[string]*models.PollingRun),
		now:         time.Now,
	}
}

// WithClock replaces the time source used for generated timestamps.
func (p *Persistence) WithClock(now func() time.Time) *Persistence {
	p.now = now

	return p
}

func (p *Persistence) Credentials() persistence.CredentialRepository { return p }
func (p *Persistence) Workflows() persistence.WorkflowRepository     { return p }
func (p *Persistence) Leads() persistence.LeadRepository             { return p }
func (p *Persistence) Executions() persistence.ExecutionRepository   { return p }
func (p *Persistence) Bookings() persistence.BookingRepository       { return p }
func (p *Persistence) Webhooks() persistence.WebhookRepository       { return p }
func (p *Persistence) PollingRuns() persistence.PollingRunRepository { return p }

func (p *Persistence) HealthCheck(context.Context) error { return nil }
func (p *Persistence) Close(context.Context) error       { return nil }

// Credentials

func (p *Persistence) CredentialByID(_ context.Context, id string) (*models.OAuthCredential, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	credential, ok := p.credentials[id]
	if !ok {
		return nil, persistence.NewEntityError("CredentialByID", "credential", id, persistence.ErrCredentialNotFound)
	}

	return copyCredential(credential), nil
}

func (p *Persistence) SaveCredential(_ context.Context, credential *models.OAuthCredential) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if credential.ID == "" {
		credential.ID = uuid.NewString()
	}

	now := p.now()
	if credential.CreatedAt.IsZero() {
		credential.CreatedAt = now
	}

	credential.UpdatedAt = now
	p.credentials[credential.ID] = copyCredential(credential)

	return nil
}

func (p *Persistence) updateCredential(op, id string, apply func(c *models.OAuthCredential)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	credential, ok := p.credentials[id]
	if !ok {
		return persistence.NewEntityError(op, "credential", id, persistence.ErrCredentialNotFound)
	}

	apply(credential)
	credential.UpdatedAt = p.now()

	return nil
}

func (p *Persistence) UpdateTokens(_ context.Context, id, accessToken, refreshToken string, expiresAt *time.Time) error {
	return p.updateCredential("UpdateTokens", id, func(c *models.OAuthCredential) {
		c.AccessToken = accessToken
		c.RefreshToken = refreshToken
		c.ExpiresAt = copyTime(expiresAt)
	})
}

func (p *Persistence) DeactivateCredential(_ context.Context, id string) error {
	return p.updateCredential("DeactivateCredential", id, func(c *models.OAuthCredential) {
		c.IsActive = false
	})
}

func (p *Persistence) UpdateRateLimit(_ context.Context, id string, remaining int, resetAt time.Time) error {
	return p.updateCredential("UpdateRateLimit", id, func(c *models.OAuthCredential) {
		c.APIRateLimitRemaining = &remaining
		c.APIRateLimitResetAt = &resetAt
	})
}

func (p *Persistence) IncrementWebhookFailures(_ context.Context, id string, threshold int) (int, error) {
	var attempts int

	err := p.updateCredential("IncrementWebhookFailures", id, func(c *models.OAuthCredential) {
		c.WebhookFailedAttempts++
		attempts = c.WebhookFailedAttempts

		if attempts >= threshold {
			c.WebhookEnabled = false
			c.PollingEnabled = true
		}
	})

	return attempts, err
}

func (p *Persistence) ResetWebhookFailures(_ context.Context, id string, verifiedAt time.Time) error {
	return p.updateCredential("ResetWebhookFailures", id, func(c *models.OAuthCredential) {
		c.WebhookFailedAttempts = 0
		c.WebhookLastVerifiedAt = &verifiedAt
	})
}

func (p *Persistence) PollableCredentials(_ context.Context, provider models.ProviderKind, plan models.ProviderPlan) ([]*models.OAuthCredential, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var result []*models.OAuthCredential

	for _, c := range p.credentials {
		if c.Provider == provider && c.IsActive && c.PollingEnabled && pollsPlan(c, plan) {
			result = append(result, copyCredential(c))
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })

	return result, nil
}

func pollsPlan(c *models.OAuthCredential, plan models.ProviderPlan) bool {
	if c.ProviderPlan == plan {
		return true
	}

	return plan == models.ProviderPlanFree && !c.WebhookEnabled
}

func (p *Persistence) UpdatePollingState(_ context.Context, id, cursor string, lastRunAt time.Time) error {
	return p.updateCredential("UpdatePollingState", id, func(c *models.OAuthCredential) {
		c.PollingCursor = cursor
		c.PollingLastRunAt = &lastRunAt
	})
}

// Workflows

func (p *Persistence) WorkflowByID(_ context.Context, id string) (*models.Workflow, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	workflow, ok := p.workflows[id]
	if !ok {
		return nil, persistence.NewEntityError("WorkflowByID", "workflow", id, persistence.ErrWorkflowNotFound)
	}

	return copyWorkflow(workflow), nil
}

func (p *Persistence) LatestWorkflow(_ context.Context, workspaceID string) (*models.Workflow, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var latest *models.Workflow

	for _, w := range p.workflows {
		if w.WorkspaceID != workspaceID || w.Status == models.WorkflowStatusArchived {
			continue
		}

		if latest == nil || w.CreatedAt.After(latest.CreatedAt) {
			latest = w
		}
	}

	if latest == nil {
		return nil, persistence.NewEntityError("LatestWorkflow", "workspace", workspaceID, persistence.ErrWorkflowNotFound)
	}

	return copyWorkflow(latest), nil
}

func (p *Persistence) SaveWorkflow(_ context.Context, workflow *models.Workflow) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if workflow.ID == "" {
		workflow.ID = uuid.NewString()
	}

	now := p.now()
	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	workflow.UpdatedAt = now

	for _, node := range workflow.Nodes {
		if node.ID == "" {
			node.ID = uuid.NewString()
		}

		node.WorkflowID = workflow.ID
	}

	for _, edge := range workflow.Edges {
		if edge.ID == "" {
			edge.ID = uuid.NewString()
		}

		edge.WorkflowID = workflow.ID
	}

	p.workflows[workflow.ID] = copyWorkflow(workflow)

	return nil
}

// Leads

func (p *Persistence) LeadByID(_ context.Context, id string) (*models.Lead, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	lead, ok := p.leads[id]
	if !ok {
		return nil, persistence.NewEntityError("LeadByID", "lead", id, persistence.ErrLeadNotFound)
	}

	return copyLead(lead), nil
}

func (p *Persistence) LeadByEmail(_ context.Context, workspaceID, email string) (*models.Lead, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	normalized := models.NormalizeEmail(email)

	var newest *models.Lead

	for _, l := range p.leads {
		if l.WorkspaceID != workspaceID || models.NormalizeEmail(l.Email) != normalized {
			continue
		}

		if newest == nil || l.CreatedAt.After(newest.CreatedAt) {
			newest = l
		}
	}

	if newest == nil {
		return nil, persistence.NewEntityError("LeadByEmail", "lead", normalized, persistence.ErrLeadNotFound)
	}

	return copyLead(newest), nil
}

func (p *Persistence) SaveLead(_ context.Context, lead *models.Lead) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if lead.ID == "" {
		lead.ID = uuid.NewString()
	}

	now := p.now()
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = now
	}

	lead.UpdatedAt = now
	p.leads[lead.ID] = copyLead(lead)

	return nil
}

func (p *Persistence) DeleteLead(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.leads[id]; !ok {
		return persistence.NewEntityError("DeleteLead", "lead", id, persistence.ErrLeadNotFound)
	}

	delete(p.leads, id)

	return nil
}

func (p *Persistence) updateLead(op, id string, apply func(l *models.Lead)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	lead, ok := p.leads[id]
	if !ok {
		return persistence.NewEntityError(op, "lead", id, persistence.ErrLeadNotFound)
	}

	apply(lead)
	lead.UpdatedAt = p.now()

	return nil
}

func (p *Persistence) RecordEmailSent(_ context.Context, id string, status models.LeadStatus, sentAt time.Time) error {
	return p.updateLead("RecordEmailSent", id, func(l *models.Lead) {
		l.Status = status
		l.LastEmailSentAt = &sentAt
		l.LastActivityAt = &sentAt
	})
}

func (p *Persistence) UpdateLeadStatus(_ context.Context, id string, status models.LeadStatus) error {
	return p.updateLead("UpdateLeadStatus", id, func(l *models.Lead) {
		l.Status = status
	})
}

func (p *Persistence) UpdateLeadMeeting(_ context.Context, id, eventID string, meetingStatus models.BookingStatus) error {
	return p.updateLead("UpdateLeadMeeting", id, func(l *models.Lead) {
		l.MeetingEventID = eventID
		l.MeetingStatus = string(meetingStatus)

		if meetingStatus == models.BookingStatusScheduled {
			l.Status = models.LeadStatusBooked
		}
	})
}

// Executions

func (p *Persistence) ExecutionByID(_ context.Context, id string) (*models.WorkflowExecution, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	execution, ok := p.executions[id]
	if !ok {
		return nil, persistence.NewEntityError("ExecutionByID", "execution", id, persistence.ErrExecutionNotFound)
	}

	return copyExecution(execution), nil
}

func (p *Persistence) SaveExecution(_ context.Context, execution *models.WorkflowExecution) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if execution.ID == "" {
		execution.ID = uuid.NewString()
	}

	now := p.now()
	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = now
	}

	execution.UpdatedAt = now
	p.executions[execution.ID] = copyExecution(execution)

	return nil
}

func (p *Persistence) Steps(_ context.Context, executionID string) ([]*models.ExecutionStep, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	steps := make([]*models.ExecutionStep, 0, len(p.steps[executionID]))
	for _, step := range p.steps[executionID] {
		steps = append(steps, copyStep(step))
	}

	sort.Slice(steps, func(i, j int) bool { return steps[i].StepNumber < steps[j].StepNumber })

	return steps, nil
}

func (p *Persistence) CountSteps(_ context.Context, executionID string) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return len(p.steps[executionID]), nil
}

func (p *Persistence) SaveStep(_ context.Context, step *models.ExecutionStep) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if step.ID == "" {
		step.ID = uuid.NewString()
	}

	if step.CreatedAt.IsZero() {
		step.CreatedAt = p.now()
	}

	steps := p.steps[step.ExecutionID]
	for i, existing := range steps {
		if existing.ID == step.ID {
			steps[i] = copyStep(step)

			return nil
		}
	}

	p.steps[step.ExecutionID] = append(steps, copyStep(step))

	return nil
}

func (p *Persistence) DeleteSteps(_ context.Context, executionID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	deleted := len(p.steps[executionID])
	delete(p.steps, executionID)

	return deleted, nil
}

// Bookings

func (p *Persistence) BookingByProviderEvent(_ context.Context, provider models.ProviderKind, providerEventID string) (*models.Booking, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, b := range p.bookings {
		if b.Provider == provider && b.ProviderEventID == providerEventID {
			return copyBooking(b), nil
		}
	}

	return nil, persistence.NewEntityError("BookingByProviderEvent", "booking", providerEventID, persistence.ErrBookingNotFound)
}

func (p *Persistence) CreateBooking(_ context.Context, booking *models.Booking) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, b := range p.bookings {
		if b.Provider == booking.Provider && b.ProviderEventID == booking.ProviderEventID {
			return persistence.NewEntityError("CreateBooking", "booking", booking.ProviderEventID, persistence.ErrBookingAlreadyExists)
		}
	}

	if booking.ID == "" {
		booking.ID = uuid.NewString()
	}

	if booking.CreatedAt.IsZero() {
		booking.CreatedAt = p.now()
	}

	p.bookings[booking.ID] = copyBooking(booking)

	return nil
}

func (p *Persistence) UpdateBookingStatus(_ context.Context, id string, status models.BookingStatus, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	booking, ok := p.bookings[id]
	if !ok {
		return persistence.NewEntityError("UpdateBookingStatus", "booking", id, persistence.ErrBookingNotFound)
	}

	booking.Status = status
	booking.SyncedAt = p.now()

	if reason != "" {
		booking.CancellationReason = reason
	}

	return nil
}

func (p *Persistence) CountBookingsForLead(_ context.Context, leadID string) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	count := 0

	for _, b := range p.bookings {
		if b.LeadID == leadID {
			count++
		}
	}

	return count, nil
}

// Webhooks

func (p *Persistence) IdempotencyKeyExists(_ context.Context, key string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	_, ok := p.keys[key]

	return ok, nil
}

func (p *Persistence) CreateIdempotencyKey(_ context.Context, key *models.IdempotencyKey) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.keys[key.Key]; ok {
		return nil
	}

	if key.ProcessedAt.IsZero() {
		key.ProcessedAt = p.now()
	}

	stored := *key
	stored.Metadata = copyMap(key.Metadata)
	p.keys[key.Key] = &stored

	return nil
}

func (p *Persistence) DeleteIdempotencyKeysBefore(_ context.Context, before time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	deleted := 0

	for k, v := range p.keys {
		if v.ProcessedAt.Before(before) {
			delete(p.keys, k)
			deleted++
		}
	}

	return deleted, nil
}

func (p *Persistence) AddDeadLetter(_ context.Context, item *models.DeadLetterItem) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if item.ID == "" {
		item.ID = uuid.NewString()
	}

	if item.FailedAt.IsZero() {
		item.FailedAt = p.now()
	}

	p.deadLetters[item.ID] = copyDeadLetter(item)

	return nil
}

func (p *Persistence) DeadLetterByID(_ context.Context, id string) (*models.DeadLetterItem, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	item, ok := p.deadLetters[id]
	if !ok {
		return nil, persistence.NewEntityError("DeadLetterByID", "dead letter", id, persistence.ErrDeadLetterNotFound)
	}

	return copyDeadLetter(item), nil
}

func (p *Persistence) PendingDeadLetters(_ context.Context, maxRetries, limit int) ([]*models.DeadLetterItem, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var items []*models.DeadLetterItem

	for _, item := range p.deadLetters {
		if item.Status == models.DeadLetterPending && item.RetryCount < maxRetries {
			items = append(items, copyDeadLetter(item))
		}
	}

	sort.Slice(items, func(i, j int) bool { return items[i].FailedAt.Before(items[j].FailedAt) })

	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}

	return items, nil
}

func (p *Persistence) UpdateDeadLetter(_ context.Context, id string, status models.DeadLetterStatus, retryCount int, resolvedAt *time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	item, ok := p.deadLetters[id]
	if !ok {
		return persistence.NewEntityError("UpdateDeadLetter", "dead letter", id, persistence.ErrDeadLetterNotFound)
	}

	item.Status = status
	item.RetryCount = retryCount

	if resolvedAt != nil {
		item.ResolvedAt = copyTime(resolvedAt)
	}

	return nil
}

// Polling runs

func (p *Persistence) SavePollingRun(_ context.Context, run *models.PollingRun) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if run.ID == "" {
		run.ID = uuid.NewString()
	}

	if run.StartedAt.IsZero() {
		run.StartedAt = p.now()
	}

	stored := *run
	stored.CompletedAt = copyTime(run.CompletedAt)
	p.pollingRuns[run.ID] = &stored

	return nil
}

func (p *Persistence) RecentPollingRuns(_ context.Context, credentialID string, limit int) ([]*models.PollingRun, error) {
	return p.filterRuns(limit, func(r *models.PollingRun) bool { return r.CredentialID == credentialID }), nil
}

func (p *Persistence) RunningPollingRuns(_ context.Context, limit int) ([]*models.PollingRun, error) {
	return p.filterRuns(limit, func(r *models.PollingRun) bool { return r.Status == models.PollingRunRunning }), nil
}

func (p *Persistence) filterRuns(limit int, keep func(r *models.PollingRun) bool) []*models.PollingRun {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var runs []*models.PollingRun

	for _, r := range p.pollingRuns {
		if keep(r) {
			run := *r
			runs = append(runs, &run)
		}
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })

	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}

	return runs
}

func (p *Persistence) DeletePollingRunsBefore(_ context.Context, before time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	deleted := 0

	for id, r := range p.pollingRuns {
		if r.StartedAt.Before(before) {
			delete(p.pollingRuns, id)
			deleted++
		}
	}

	return deleted, nil
}
