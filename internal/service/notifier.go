package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"sessionchat/internal/constants"
	"sessionchat/internal/models"
	"sessionchat/internal/privacy"

	"github.com/sirupsen/logrus"
)

// NoopNotifier discards notifications.
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, string, string, map[string]string) {}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	logger *logrus.Logger
}

func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, title, body string, payload map[string]string) {
	fields := logrus.Fields{"title": title, "text": body}
	for k, v := range payload {
		fields[k] = v
	}
	logFields(ctx, n.logger, fields).Info("Notification")
}

// webhookNotification is the JSON body posted to the webhook.
type webhookNotification struct {
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Payload   map[string]string `json:"payload,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// WebhookNotifier posts notifications to an HTTP endpoint. Delivery runs in
// the background; failures are logged and otherwise ignored.
type WebhookNotifier struct {
	webhookURL string
	client     *http.Client
	logger     *logrus.Logger
	wg         sync.WaitGroup
}

func NewWebhookNotifier(config models.NotifierConfig, logger *logrus.Logger) *WebhookNotifier {
	timeoutSec := config.TimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = constants.DefaultNotifierTimeoutSec
	}
	return &WebhookNotifier{
		webhookURL: config.WebhookURL,
		client:     &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		logger:     logger,
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, title, body string, payload map[string]string) {
	if w.webhookURL == "" {
		return
	}

	msg := webhookNotification{
		Title:     title,
		Body:      body,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		// The caller's context usually ends with the event that triggered
		// the notification.
		sendCtx := context.WithoutCancel(ctx)
		if err := w.post(sendCtx, msg); err != nil {
			w.logger.WithError(err).WithField("title", title).Warn("Failed to deliver notification webhook")
		}
	}()
}

func (w *WebhookNotifier) post(ctx context.Context, msg webhookNotification) error {
	jsonData, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.webhookURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "sessionchat-notifier")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-success status: %d", resp.StatusCode)
	}

	w.logger.WithFields(logrus.Fields{
		"title":       msg.Title,
		"status_code": resp.StatusCode,
		"text":        privacy.MaskText(msg.Body),
	}).Debug("Notification webhook delivered")
	return nil
}

// Wait blocks until every in-flight webhook request has finished.
func (w *WebhookNotifier) Wait() {
	w.wg.Wait()
}
