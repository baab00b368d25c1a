// Package wake nudges sleeping devices through out-of-band channels. Wake
// delivery is best effort: a failed push is logged and counted, never
// surfaced to the caller, and the queued command stays queued either way.
package wake

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/remoteeye/relay/internal/metrics"
)

// errNoPushToken marks a device that a provider cannot reach. Not a
// delivery failure.
var errNoPushToken = errors.New("wake: device has no push token")

// Kind distinguishes a plain liveness nudge from a command wake.
type Kind string

const (
	KindPing    Kind = "ping"
	KindCommand Kind = "command"
)

// Notification is the payload handed to each provider.
type Notification struct {
	Kind      Kind
	DeviceID  string
	PushToken string
	CommandID string
	Action    string
}

// Provider delivers a wake notification over one channel.
type Provider interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
}

// Escalator fans a wake request out to every configured provider. Each
// attempt runs under its own timeout so a stalled channel cannot hold up the
// command path.
type Escalator struct {
	providers []Provider
	timeout   time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewEscalator(providers []Provider, timeout time.Duration, m *metrics.Metrics, logger *slog.Logger) *Escalator {
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Escalator{providers: providers, timeout: timeout, metrics: m, logger: logger}
}

// Enabled reports whether any wake channel is configured.
func (e *Escalator) Enabled() bool { return len(e.providers) > 0 }

// Wake pushes the notification through every provider, synchronously.
// Callers on the command path should use Go.
func (e *Escalator) Wake(ctx context.Context, n Notification) {
	for _, p := range e.providers {
		attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
		err := p.Notify(attemptCtx, n)
		cancel()

		switch {
		case err == nil:
			e.metrics.Inc(metrics.WakePushSent)
			e.logger.Info("wake push sent",
				"provider", p.Name(), "device_id", n.DeviceID, "kind", n.Kind)
		case errors.Is(err, errNoPushToken):
			e.logger.Debug("wake channel skipped, device unreachable",
				"provider", p.Name(), "device_id", n.DeviceID)
		default:
			e.metrics.Inc(metrics.WakePushFailed)
			e.logger.Warn("wake push failed",
				"provider", p.Name(), "device_id", n.DeviceID, "err", err)
		}
	}
}

// Go runs Wake on its own goroutine, detached from the caller's context
// lifetime.
func (e *Escalator) Go(n Notification) {
	if !e.Enabled() {
		return
	}
	go e.Wake(context.Background(), n)
}
