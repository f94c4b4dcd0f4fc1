// Package workers implements the typed event handlers registered
// against jobq queue names: webhook delivery, blob cleanup, upload
// reconciliation, orphan backup, and tenant migrations (spec.md §4.H).
package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/objectvault/storage-gateway/jobq"
)

var ErrWebhookDeliveryFailed = errs.Class("webhook delivery failed")

// WebhookEnvelope is the JSON body posted to a tenant-configured
// webhook URL (spec.md §4.H "Webhook").
type WebhookEnvelope struct {
	Type      string          `json:"type"`
	Version   int             `json:"$version"`
	ApplyTime time.Time       `json:"applyTime"`
	Payload   json.RawMessage `json:"payload"`
	SentAt    time.Time       `json:"sentAt"`
	Tenant    string          `json:"tenant"`
}

// WebhookHandler POSTs the job's payload to a configured URL with
// bearer auth; network failures are retried by the queue.
type WebhookHandler struct {
	client *http.Client
	url    string
	token  string
	log    *zap.Logger
}

// NewWebhookHandler returns a handler posting to url with bearer token.
func NewWebhookHandler(client *http.Client, url, token string, log *zap.Logger) *WebhookHandler {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookHandler{client: client, url: url, token: token, log: log}
}

// Handle implements jobq.Handler.
func (h *WebhookHandler) Handle(ctx context.Context, job jobq.Job) error {
	envelope := WebhookEnvelope{
		Type: "ObjectEvent", Version: 1, ApplyTime: time.Now(), Payload: job.Payload, SentAt: time.Now(),
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return ErrWebhookDeliveryFailed.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return ErrWebhookDeliveryFailed.New("webhook endpoint returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		h.log.Warn("webhook rejected, not retrying", zap.Int("status", resp.StatusCode), zap.String("url", h.url))
	}
	return nil
}
