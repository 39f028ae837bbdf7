// Package notify delivers alert notifications over pluggable channel
// drivers (Slack webhook, SMTP email, generic webhook). Drivers register
// themselves in an init-time registry; dispatch fans a notification out to
// every enabled channel with bounded retries per channel.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/openrelay/openrelay/pkg/models"
)

// Driver delivers one notification to one configured channel.
type Driver interface {
	Kind() models.ChannelKind
	// Send delivers the notification using the channel's config map.
	Send(ctx context.Context, cfg map[string]string, n *models.Notification) error
	// Validate checks a channel config at create/update time.
	Validate(cfg map[string]string) error
}

var (
	driversMu sync.RWMutex
	drivers   = map[models.ChannelKind]Driver{}
)

// Register installs a driver for its channel kind. Later registrations
// replace earlier ones, which tests use to stub delivery.
func Register(d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[d.Kind()] = d
}

func driverFor(kind models.ChannelKind) (Driver, bool) {
	driversMu.RLock()
	defer driversMu.RUnlock()
	d, ok := drivers[kind]
	return d, ok
}

// statusError classifies an HTTP delivery failure: a 4xx other than 429
// will not succeed on retry, so it terminates the backoff loop.
func statusError(err error, status int) error {
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}

// ValidateChannel checks a channel definition against its driver.
func ValidateChannel(ch *models.AlertChannel) error {
	d, ok := driverFor(ch.Kind)
	if !ok {
		return fmt.Errorf("unknown channel kind %q", ch.Kind)
	}
	return d.Validate(ch.Config)
}

// Dispatch sends n to every enabled channel. Each channel gets up to three
// delivery attempts with exponential backoff; drivers mark unrecoverable
// failures with backoff.Permanent, which stops the retry loop. One channel
// failing does not stop the others. Dispatch returns how many channels
// accepted the notification and the first error for logging.
func Dispatch(ctx context.Context, channels []models.AlertChannel, n *models.Notification) (int, error) {
	var delivered int
	var firstErr error
	for _, ch := range channels {
		if !ch.Enabled {
			continue
		}
		d, ok := driverFor(ch.Kind)
		if !ok {
			log.Warn().Str("kind", string(ch.Kind)).Str("channel", ch.ID).Msg("no driver for channel kind")
			continue
		}

		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(500*time.Millisecond),
			backoff.WithMaxInterval(5*time.Second),
		), 2), ctx)

		err := backoff.Retry(func() error {
			return d.Send(ctx, ch.Config, n)
		}, policy)
		if err != nil {
			log.Error().Err(err).
				Str("kind", string(ch.Kind)).
				Str("channel", ch.ID).
				Str("threshold", string(n.Threshold)).
				Msg("notification delivery failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		delivered++
		log.Info().
			Str("kind", string(ch.Kind)).
			Str("channel", ch.ID).
			Str("threshold", string(n.Threshold)).
			Msg("notification delivered")
	}
	return delivered, firstErr
}
