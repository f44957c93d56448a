package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"time"

	"github.com/google/uuid"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/sirupsen/logrus"

	"github.com/meterline/usage-plane/internal/core/ports"
)

// NotifierConfig holds quota notifier configuration
type NotifierConfig struct {
	SendGridAPIKey string
	FromEmail      string
	FromName       string
	CompanyName    string
	DashboardURL   string
}

// QuotaNotifier delivers threshold-crossing warnings over SendGrid.
type QuotaNotifier struct {
	config    *NotifierConfig
	directory ports.SubscriptionRepository
	logger    *logrus.Logger
	client    *sendgrid.Client
	tmpl      *template.Template
}

const quotaWarningTemplate = `
<html>
<body>
	<h2>{{.CompanyName}} usage alert</h2>
	<p>You have used <strong>{{.Percentage}}%</strong> of your <strong>{{.Resource}}</strong> quota
	({{.Used}} of {{.Limit}}).</p>
	{{if .Exhausted}}
	<p>Further requests will be rejected until your quota resets on {{.ResetAt}}.</p>
	{{else}}
	<p>Your quota resets on {{.ResetAt}}. Consider upgrading your plan if you expect to need more.</p>
	{{end}}
	<p><a href="{{.DashboardURL}}">View your usage dashboard</a></p>
</body>
</html>`

// NewQuotaNotifier creates a SendGrid-backed quota notifier. The billing
// email for a user is resolved through the subscription directory.
func NewQuotaNotifier(config *NotifierConfig, directory ports.SubscriptionRepository, logger *logrus.Logger) (ports.QuotaNotifier, error) {
	tmpl, err := template.New("quota_warning").Parse(quotaWarningTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse quota warning template: %w", err)
	}
	return &QuotaNotifier{
		config:    config,
		directory: directory,
		logger:    logger,
		client:    sendgrid.NewSendClient(config.SendGridAPIKey),
		tmpl:      tmpl,
	}, nil
}

// SendQuotaWarning renders and sends the warning email for one threshold
// crossing. Exactly-once semantics live in the ledger, not here.
func (n *QuotaNotifier) SendQuotaWarning(ctx context.Context, userID uuid.UUID, resource string, percentage int, used, limit int64, resetAt time.Time) error {
	to, err := n.directory.GetBillingEmail(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolve billing email: %w", err)
	}

	var body bytes.Buffer
	err = n.tmpl.Execute(&body, map[string]any{
		"CompanyName":  n.config.CompanyName,
		"Resource":     resource,
		"Percentage":   percentage,
		"Used":         used,
		"Limit":        limit,
		"Exhausted":    percentage >= 100,
		"ResetAt":      resetAt.UTC().Format(time.RFC1123),
		"DashboardURL": n.config.DashboardURL,
	})
	if err != nil {
		return fmt.Errorf("render quota warning: %w", err)
	}

	subject := fmt.Sprintf("You have used %d%% of your %s quota", percentage, resource)
	if percentage >= 100 {
		subject = fmt.Sprintf("Your %s quota is exhausted", resource)
	}

	from := mail.NewEmail(n.config.FromName, n.config.FromEmail)
	recipient := mail.NewEmail("", to)
	message := mail.NewSingleEmail(from, subject, recipient, "", body.String())

	response, err := n.client.Send(message)
	if err != nil {
		if n.logger != nil {
			n.logger.WithFields(logrus.Fields{"user_id": userID, "resource": resource, "percentage": percentage}).WithError(err).Error("email: failed to send quota warning")
		}
		return fmt.Errorf("failed to send quota warning: %w", err)
	}

	if n.logger != nil {
		n.logger.WithFields(logrus.Fields{"user_id": userID, "resource": resource, "percentage": percentage, "status_code": response.StatusCode}).Info("email: quota warning sent")
	}
	return nil
}
