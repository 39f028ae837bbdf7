package notify

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/wneessen/go-mail"

	"github.com/openrelay/openrelay/pkg/models"
)

// SMTPSettings is the server-level mail configuration shared by every email
// channel. Per-channel config only carries the recipient.
type SMTPSettings struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// RegisterEmail installs the email driver. Called from main once SMTP
// settings are known; without it, email channels fail validation.
func RegisterEmail(s SMTPSettings) {
	Register(&emailDriver{settings: s})
}

// emailDriver sends HTML mail over SMTP with STARTTLS.
// Config: to (required), subject_prefix (optional).
type emailDriver struct {
	settings SMTPSettings
}

func (d *emailDriver) Kind() models.ChannelKind { return models.ChannelEmail }

func (d *emailDriver) Validate(cfg map[string]string) error {
	if d.settings.Host == "" {
		return errors.New("email channels require SMTP configuration on the server")
	}
	to := cfg["to"]
	if to == "" {
		return errors.New("email channel requires to")
	}
	if !strings.Contains(to, "@") {
		return fmt.Errorf("invalid recipient %q", to)
	}
	return nil
}

var emailBody = template.Must(template.New("alert").Parse(`<html><body>
<h2>OpenRelay alert: {{.Threshold}}</h2>
<p>{{.Message}}</p>
<table>
<tr><td>Tenant</td><td>{{.TenantName}}</td></tr>
<tr><td>Value</td><td>{{printf "%.4f" .Value}}</td></tr>
<tr><td>Limit</td><td>{{printf "%.4f" .Limit}}</td></tr>
<tr><td>Window</td><td>{{.WindowStart.Format "2006-01-02 15:04"}} &ndash; {{.WindowEnd.Format "2006-01-02 15:04"}} UTC</td></tr>
</table>
</body></html>`))

func (d *emailDriver) Send(ctx context.Context, cfg map[string]string, n *models.Notification) error {
	m := mail.NewMsg()
	// Address and client-config errors will not clear up on retry.
	if err := m.From(d.settings.From); err != nil {
		return backoff.Permanent(err)
	}
	if err := m.To(cfg["to"]); err != nil {
		return backoff.Permanent(err)
	}
	subject := fmt.Sprintf("[%s] %s for %s", strings.ToUpper(n.Severity), n.Threshold, n.TenantName)
	if prefix := cfg["subject_prefix"]; prefix != "" {
		subject = prefix + " " + subject
	}
	m.Subject(subject)

	var body strings.Builder
	if err := emailBody.Execute(&body, n); err != nil {
		return backoff.Permanent(err)
	}
	m.SetBodyString(mail.TypeTextHTML, body.String())

	client, err := mail.NewClient(d.settings.Host,
		mail.WithPort(d.settings.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(d.settings.Username),
		mail.WithPassword(d.settings.Password),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	)
	if err != nil {
		return backoff.Permanent(err)
	}
	return client.DialAndSendWithContext(ctx, m)
}
