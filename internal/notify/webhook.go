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
	Register(&webhookDriver{client: &http.Client{Timeout: 10 * time.Second}})
}

// webhookDriver posts the raw notification as JSON to an arbitrary URL.
// Config: url (required), auth_header (optional "Name: value").
type webhookDriver struct {
	client *http.Client
}

func (d *webhookDriver) Kind() models.ChannelKind { return models.ChannelWebhook }

func (d *webhookDriver) Validate(cfg map[string]string) error {
	url := cfg["url"]
	if url == "" {
		return errors.New("webhook channel requires url")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return fmt.Errorf("invalid url %q", url)
	}
	if h := cfg["auth_header"]; h != "" && !strings.Contains(h, ":") {
		return errors.New(`auth_header must be "Name: value"`)
	}
	return nil
}

func (d *webhookDriver) Send(ctx context.Context, cfg map[string]string, n *models.Notification) error {
	raw, err := json.Marshal(n)
	if err != nil {
		return backoff.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg["url"], bytes.NewReader(raw))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h := cfg["auth_header"]; h != "" {
		name, value, _ := strings.Cut(h, ":")
		req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return statusError(fmt.Errorf("webhook returned %d", resp.StatusCode), resp.StatusCode)
	}
	return nil
}
