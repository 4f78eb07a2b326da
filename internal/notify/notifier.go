// Package notify defines the notification dispatch contract consumed by SLA
// escalation and by subscribers wanting user-visible delivery. Delivery
// retries beyond the caller's own policy are the notifier's concern.
package notify

import (
	"context"

	"go.uber.org/zap"
)

// Notification is one user-visible delivery request.
type Notification struct {
	UserID    string         `json:"user_id"`
	EventType string         `json:"event_type"`
	Priority  string         `json:"priority"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Notifier dispatches notifications to users.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Func adapts a function to the Notifier interface.
type Func func(ctx context.Context, n Notification) error

// Notify implements Notifier.
func (f Func) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// LogNotifier writes notifications to the structured log. The default wiring
// until a real delivery channel is configured.
type LogNotifier struct {
	log *zap.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// Notify logs the notification.
func (n *LogNotifier) Notify(_ context.Context, msg Notification) error {
	n.log.Info("notification dispatched",
		zap.String("user_id", msg.UserID),
		zap.String("event_type", msg.EventType),
		zap.String("priority", msg.Priority),
		zap.Any("payload", msg.Payload),
	)
	return nil
}
