package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrelay/openrelay/pkg/models"
)

func testNotification() *models.Notification {
	return &models.Notification{
		TenantID:   "t1",
		TenantName: "acme",
		Threshold:  models.ThresholdDailyCost,
		Value:      12.5,
		Limit:      10,
		Severity:   "warning",
		Message:    "daily spend exceeded limit",
		WindowEnd:  time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC),
	}
}

// stubDriver counts sends and can fail a fixed number of times, either
// transiently or permanently.
type stubDriver struct {
	kind      models.ChannelKind
	calls     atomic.Int64
	failures  int64
	permanent bool
}

func (s *stubDriver) Kind() models.ChannelKind         { return s.kind }
func (s *stubDriver) Validate(map[string]string) error { return nil }
func (s *stubDriver) Send(ctx context.Context, cfg map[string]string, n *models.Notification) error {
	c := s.calls.Add(1)
	if c <= s.failures {
		err := errors.New("delivery failure")
		if s.permanent {
			return backoff.Permanent(err)
		}
		return err
	}
	return nil
}

func TestDispatchSkipsDisabledChannels(t *testing.T) {
	stub := &stubDriver{kind: models.ChannelKind("stub-disabled")}
	Register(stub)

	delivered, err := Dispatch(context.Background(), []models.AlertChannel{
		{ID: "c1", Kind: stub.kind, Enabled: false},
	}, testNotification())
	require.NoError(t, err)
	assert.Zero(t, delivered)
	assert.Zero(t, stub.calls.Load())
}

func TestDispatchRetriesTransientFailures(t *testing.T) {
	stub := &stubDriver{kind: models.ChannelKind("stub-retry"), failures: 2}
	Register(stub)

	delivered, err := Dispatch(context.Background(), []models.AlertChannel{
		{ID: "c1", Kind: stub.kind, Enabled: true},
	}, testNotification())
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, int64(3), stub.calls.Load())
}

func TestDispatchDoesNotRetryPermanentFailures(t *testing.T) {
	stub := &stubDriver{kind: models.ChannelKind("stub-permanent"), failures: 100, permanent: true}
	Register(stub)

	delivered, err := Dispatch(context.Background(), []models.AlertChannel{
		{ID: "c1", Kind: stub.kind, Enabled: true},
	}, testNotification())
	assert.Error(t, err)
	assert.Zero(t, delivered)
	assert.Equal(t, int64(1), stub.calls.Load())
}

func TestDispatchContinuesPastFailedChannel(t *testing.T) {
	failing := &stubDriver{kind: models.ChannelKind("stub-fail"), failures: 100}
	healthy := &stubDriver{kind: models.ChannelKind("stub-ok")}
	Register(failing)
	Register(healthy)

	delivered, err := Dispatch(context.Background(), []models.AlertChannel{
		{ID: "c1", Kind: failing.kind, Enabled: true},
		{ID: "c2", Kind: healthy.kind, Enabled: true},
	}, testNotification())
	assert.Error(t, err)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, int64(1), healthy.calls.Load())
}

func TestSlackSend(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	d := &slackDriver{client: srv.Client()}
	err := d.Send(context.Background(), map[string]string{"webhook_url": srv.URL}, testNotification())
	require.NoError(t, err)

	atts, ok := got["attachments"].([]any)
	require.True(t, ok)
	require.Len(t, atts, 1)
	att := atts[0].(map[string]any)
	assert.Contains(t, att["title"], "daily_cost")
}

func TestSlackValidate(t *testing.T) {
	d := &slackDriver{}
	assert.Error(t, d.Validate(map[string]string{}))
	assert.Error(t, d.Validate(map[string]string{"webhook_url": "http://insecure"}))
	assert.NoError(t, d.Validate(map[string]string{"webhook_url": "https://hooks.slack.com/x"}))
}

func TestWebhookSendWithAuthHeader(t *testing.T) {
	var gotAuth string
	var got models.Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("X-Token")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	d := &webhookDriver{client: srv.Client()}
	cfg := map[string]string{"url": srv.URL, "auth_header": "X-Token: s3cret"}
	require.NoError(t, d.Send(context.Background(), cfg, testNotification()))
	assert.Equal(t, "s3cret", gotAuth)
	assert.Equal(t, models.ThresholdDailyCost, got.Threshold)
}

func TestWebhookSendErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := &webhookDriver{client: srv.Client()}
	err := d.Send(context.Background(), map[string]string{"url": srv.URL}, testNotification())
	assert.Error(t, err)
	var perm *backoff.PermanentError
	assert.False(t, errors.As(err, &perm), "5xx should stay retriable")
}

func TestWebhookBadRequestIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := &webhookDriver{client: srv.Client()}
	err := d.Send(context.Background(), map[string]string{"url": srv.URL}, testNotification())
	var perm *backoff.PermanentError
	require.ErrorAs(t, err, &perm)

	// 429 stays retriable.
	srv429 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv429.Close()
	err = d.Send(context.Background(), map[string]string{"url": srv429.URL}, testNotification())
	assert.Error(t, err)
	assert.False(t, errors.As(err, &perm))
}

func TestEmailValidate(t *testing.T) {
	unconfigured := &emailDriver{}
	assert.Error(t, unconfigured.Validate(map[string]string{"to": "ops@example.com"}))

	d := &emailDriver{settings: SMTPSettings{Host: "smtp.example.com", Port: 587, From: "relay@example.com"}}
	assert.Error(t, d.Validate(map[string]string{}))
	assert.Error(t, d.Validate(map[string]string{"to": "not-an-address"}))
	assert.NoError(t, d.Validate(map[string]string{"to": "ops@example.com"}))
}

func TestValidateChannelUnknownKind(t *testing.T) {
	err := ValidateChannel(&models.AlertChannel{Kind: models.ChannelKind("pager")})
	assert.Error(t, err)
}
