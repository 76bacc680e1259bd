package notify

import (
	"context"
	"errors"
	"log/slog"
)

// Sender delivers notifications to a device or service.
type Sender interface {
	Post(ctx context.Context, n Notification) error
	Cancel(ctx context.Context, id string) error
}

// LogSender writes notifications to the log. It is the sender used when no
// delivery channel is configured.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s LogSender) Post(_ context.Context, n Notification) error {
	names := make([]string, len(n.Actions))
	for i, a := range n.Actions {
		names[i] = string(a.Name)
	}
	s.logger().Info("notification posted",
		"id", n.ID,
		"kind", n.Kind,
		"title", n.Title,
		"full_screen", n.FullScreen,
		"actions", names,
	)
	return nil
}

func (s LogSender) Cancel(_ context.Context, id string) error {
	s.logger().Info("notification cancelled", "id", id)
	return nil
}

// MultiSender fans a notification out to every sender. A failure in one
// sender does not stop delivery to the others.
type MultiSender struct {
	senders []Sender
}

// NewMultiSender creates a fan-out sender.
func NewMultiSender(senders ...Sender) *MultiSender {
	return &MultiSender{senders: senders}
}

func (m *MultiSender) Post(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range m.senders {
		if err := s.Post(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiSender) Cancel(ctx context.Context, id string) error {
	var errs []error
	for _, s := range m.senders {
		if err := s.Cancel(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
