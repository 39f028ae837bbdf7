package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/openrelay/openrelay/pkg/models"
)

func init() {
	Register(&slackDriver{client: &http.Client{Timeout: 10 * time.Second}})
}

// slackDriver posts an attachment to an incoming-webhook URL.
// Config: webhook_url (required).
type slackDriver struct {
	client *http.Client
}

func (d *slackDriver) Kind() models.ChannelKind { return models.ChannelSlack }

func (d *slackDriver) Validate(cfg map[string]string) error {
	url := cfg["webhook_url"]
	if url == "" {
		return errors.New("slack channel requires webhook_url")
	}
	if !strings.HasPrefix(url, "https://") {
		return errors.New("webhook_url must be https")
	}
	return nil
}

func severityColor(severity string) string {
	switch severity {
	case "critical":
		return "#d00000"
	case "warning":
		return "#e8a317"
	default:
		return "#2eb67d"
	}
}

func (d *slackDriver) Send(ctx context.Context, cfg map[string]string, n *models.Notification) error {
	payload := map[string]any{
		"attachments": []map[string]any{{
			"color": severityColor(n.Severity),
			"title": fmt.Sprintf("OpenRelay alert: %s", n.Threshold),
			"text":  n.Message,
			"fields": []map[string]any{
				{"title": "Tenant", "value": n.TenantName, "short": true},
				{"title": "Value", "value": fmt.Sprintf("%.4f", n.Value), "short": true},
				{"title": "Limit", "value": fmt.Sprintf("%.4f", n.Limit), "short": true},
			},
			"ts": n.WindowEnd.Unix(),
		}},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return backoff.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg["webhook_url"], bytes.NewReader(raw))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return statusError(fmt.Errorf("slack webhook returned %d", resp.StatusCode), resp.StatusCode)
	}
	return nil
}
