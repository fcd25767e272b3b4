package workflow

import (
	"context"
	"log/slog"

	"github.com/dukex/flowtrack/pkg/template"
)

const DefaultSenderName = "FlowTrack"

// Email is one outbound message to a lead. Subject and Template may carry
// {name} placeholders resolved from Variables.
type Email struct {
	WorkspaceID string
	WorkflowID  string
	LeadID      string
	To          string
	ToName      string
	FromName    string
	Subject     string
	Template    string
	Variables   map[string]string
}

// Render resolves the placeholders of the subject and body.
func (e Email) Render() (string, string) {
	return template.Render(e.Subject, e.Variables), template.Render(e.Template, e.Variables)
}

type Mailer interface {
	Send(ctx context.Context, email Email) error
}

// LogMailer records outbound emails in the log instead of delivering them.
type LogMailer struct {
	logger *slog.Logger
}

func NewLogMailer(logger *slog.Logger) *LogMailer {
	return &LogMailer{logger: logger.With("module", "log_mailer")}
}

func (m *LogMailer) Send(ctx context.Context, email Email) error {
	subject, body := email.Render()

	if missing := template.Unresolved(email.Template, email.Variables); len(missing) > 0 {
		m.logger.WarnContext(ctx, "Email template has unresolved placeholders", "lead_id", email.LeadID, "placeholders", missing)
	}

	m.logger.InfoContext(ctx, "Email send requested",
		"lead_id", email.LeadID,
		"to", email.To,
		"subject", subject,
		"body_length", len(body),
	)

	return nil
}
