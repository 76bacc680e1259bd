package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// fcmTTL keeps stale call alerts from being delivered late.
const fcmTTL = 30 * time.Second

// FCMSender delivers notifications to one device via Firebase Cloud
// Messaging as high-priority data messages.
type FCMSender struct {
	client      *messaging.Client
	deviceToken string
}

// NewFCMSender initialises a Firebase app from the service-account JSON
// file at credentialsFile. If credentialsFile is empty, the SDK falls back
// to GOOGLE_APPLICATION_CREDENTIALS or the default service account.
func NewFCMSender(ctx context.Context, credentialsFile, deviceToken string) (*FCMSender, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining messaging client: %w", err)
	}

	slog.Info("fcm sender initialised")
	return &FCMSender{client: client, deviceToken: deviceToken}, nil
}

// fcmData flattens a notification into FCM's string-only data map.
func fcmData(n Notification) (map[string]string, error) {
	actions, err := json.Marshal(n.Actions)
	if err != nil {
		return nil, fmt.Errorf("encoding actions: %w", err)
	}
	return map[string]string{
		"type":        "call_notification",
		"id":          n.ID,
		"kind":        string(n.Kind),
		"title":       n.Title,
		"text":        n.Text,
		"ongoing":     strconv.FormatBool(n.Ongoing),
		"full_screen": strconv.FormatBool(n.FullScreen),
		"actions":     string(actions),
	}, nil
}

func (f *FCMSender) Post(ctx context.Context, n Notification) error {
	data, err := fcmData(n)
	if err != nil {
		return fmt.Errorf("fcm: %w", err)
	}
	return f.send(ctx, data)
}

func (f *FCMSender) Cancel(ctx context.Context, id string) error {
	return f.send(ctx, map[string]string{"type": "call_notification_cancel", "id": id})
}

func (f *FCMSender) send(ctx context.Context, data map[string]string) error {
	ttl := fcmTTL
	msg := &messaging.Message{
		Token: f.deviceToken,
		Data:  data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			TTL:      &ttl,
		},
	}

	id, err := f.client.Send(ctx, msg)
	if err != nil {
		if messaging.IsUnregistered(err) {
			return fmt.Errorf("fcm: token no longer valid: %w", err)
		}
		return fmt.Errorf("fcm: send failed: %w", err)
	}

	slog.Debug("fcm message sent", "message_id", id, "notification_id", data["id"])
	return nil
}
