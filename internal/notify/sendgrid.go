package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/postpull/postpull/internal/config"
	"github.com/postpull/postpull/internal/store"
)

// SendGridNotifier emails completion messages via SendGrid.
type SendGridNotifier struct {
	client *sendgrid.Client
	from   *mail.Email
	logger *slog.Logger
}

// NewSendGrid creates an email notifier from config.
func NewSendGrid(cfg config.NotifyConfig, logger *slog.Logger) *SendGridNotifier {
	return &SendGridNotifier{
		client: sendgrid.NewSendClient(cfg.SendGridKey),
		from:   mail.NewEmail(cfg.FromName, cfg.FromAddress),
		logger: logger.With("component", "notify"),
	}
}

func (n *SendGridNotifier) JobCompleted(ctx context.Context, user *store.User, c Completion) error {
	if user.Email == "" {
		return fmt.Errorf("user %s has no email address", user.ID)
	}

	to := mail.NewEmail("", user.Email)
	message := mail.NewSingleEmail(n.from, subject(c), to, body(c), "")

	resp, err := n.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("sendgrid send: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sendgrid send: status %d", resp.StatusCode)
	}

	n.logger.Info("completion email sent", "user_id", user.ID, "job_id", c.JobID)
	return nil
}

// LogNotifier records completions in the log only, used when no email
// provider is configured and in tests.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLog creates a log-only notifier.
func NewLog(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notify")}
}

func (n *LogNotifier) JobCompleted(ctx context.Context, user *store.User, c Completion) error {
	n.logger.Info("job completed",
		"user_id", user.ID, "job_id", c.JobID, "source", c.Source,
		"target", c.Target, "items", c.ItemCount, "cost_cents", c.CostCents,
		"artifact_ref", c.ArtifactRef)
	return nil
}

// New selects the notifier implementation from config: SendGrid when an API
// key is present, log-only otherwise.
func New(cfg config.NotifyConfig, logger *slog.Logger) Notifier {
	if cfg.SendGridKey != "" && cfg.FromAddress != "" {
		return NewSendGrid(cfg, logger)
	}
	return NewLog(logger)
}
