// Package notify delivers alerts raised by the queue, watchdog and verifier.
// Deciding when to alert is the caller's job; notifiers only transport.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"content-pipeline/internal/models"
	"content-pipeline/internal/telemetry"
)

// Notifier sends one alert.
type Notifier interface {
	Notify(ctx context.Context, alert models.Alert) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, alert models.Alert) error

func (f Func) Notify(ctx context.Context, alert models.Alert) error { return f(ctx, alert) }

// Log writes alerts to the structured log. It is always part of the fan-out
// so an alert is never lost silently when a remote transport fails.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(ctx context.Context, alert models.Alert) error {
	level := slog.LevelWarn
	if alert.Severity == models.SeverityCritical {
		level = slog.LevelError
	}
	l.Logger.Log(ctx, level, "alert",
		"kind", alert.Kind,
		"severity", alert.Severity,
		"subject", alert.Subject,
		"message", alert.Message,
	)
	return nil
}

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, alert models.Alert) error {
	telemetry.AlertsSent.WithLabelValues(string(alert.Kind)).Inc()
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every alert.
var Discard Notifier = Func(func(context.Context, models.Alert) error { return nil })
