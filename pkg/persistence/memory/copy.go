package memory

import (
	"time"

	"github.com/dukex/flowtrack/pkg/models"
)

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	c := *t

	return &c
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}

	return c
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}

	return append([]byte(nil), b...)
}

func copyCredential(c *models.OAuthCredential) *models.OAuthCredential {
	cp := *c
	cp.ExpiresAt = copyTime(c.ExpiresAt)
	cp.PollingLastRunAt = copyTime(c.PollingLastRunAt)
	cp.WebhookLastVerifiedAt = copyTime(c.WebhookLastVerifiedAt)
	cp.APIRateLimitResetAt = copyTime(c.APIRateLimitResetAt)
	cp.Metadata = copyMap(c.Metadata)

	if c.APIRateLimitRemaining != nil {
		remaining := *c.APIRateLimitRemaining
		cp.APIRateLimitRemaining = &remaining
	}

	return &cp
}

func copyWorkflow(w *models.Workflow) *models.Workflow {
	cp := *w
	cp.Configuration = copyMap(w.Configuration)
	cp.Nodes = make([]*models.WorkflowNode, len(w.Nodes))
	cp.Edges = make([]*models.WorkflowEdge, len(w.Edges))

	for i, n := range w.Nodes {
		node := *n
		node.Config = copyMap(n.Config)
		cp.Nodes[i] = &node
	}

	for i, e := range w.Edges {
		edge := *e
		cp.Edges[i] = &edge
	}

	return &cp
}

func copyLead(l *models.Lead) *models.Lead {
	cp := *l
	cp.LastEmailSentAt = copyTime(l.LastEmailSentAt)
	cp.LastEmailOpenedAt = copyTime(l.LastEmailOpenedAt)
	cp.LastActivityAt = copyTime(l.LastActivityAt)

	if l.FieldData != nil {
		cp.FieldData = make(map[string]string, len(l.FieldData))
		for k, v := range l.FieldData {
			cp.FieldData[k] = v
		}
	}

	return &cp
}

func copyExecution(e *models.WorkflowExecution) *models.WorkflowExecution {
	cp := *e
	cp.StartedAt = copyTime(e.StartedAt)
	cp.CompletedAt = copyTime(e.CompletedAt)
	cp.TriggerData = copyMap(e.TriggerData)
	cp.ErrorDetails = copyMap(e.ErrorDetails)
	cp.OutputData = copyMap(e.OutputData)

	return &cp
}

func copyStep(s *models.ExecutionStep) *models.ExecutionStep {
	cp := *s
	cp.StartedAt = copyTime(s.StartedAt)
	cp.CompletedAt = copyTime(s.CompletedAt)
	cp.ErrorDetails = copyMap(s.ErrorDetails)
	cp.OutputData = copyMap(s.OutputData)

	return &cp
}

func copyBooking(b *models.Booking) *models.Booking {
	cp := *b
	cp.RawPayload = copyBytes(b.RawPayload)

	return &cp
}

func copyDeadLetter(d *models.DeadLetterItem) *models.DeadLetterItem {
	cp := *d
	cp.Payload = copyBytes(d.Payload)
	cp.ResolvedAt = copyTime(d.ResolvedAt)

	return &cp
}
