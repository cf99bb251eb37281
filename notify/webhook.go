/*
Package notify delivers ledger domain events to the outside world.

IMPLEMENTATIONS:
  Webhook: POSTs each event as JSON to a configured URL (resty, with
           retries on transport errors and 5xx responses)
  Log:     writes each event to a zap logger
  Multi:   fans an event out to several notifiers

The ledger calls Notify only after a transaction commits and logs any
error it returns; a failing notifier never undoes a ledger change.
*/
package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/dgt/seed-ledger/ledger"
)

// Webhook posts events to an HTTP endpoint.
type Webhook struct {
	client *resty.Client
	url    string
	log    *zap.Logger
}

// WebhookOption customises a Webhook.
type WebhookOption func(*resty.Client)

// WithTimeout overrides the per-attempt timeout.
func WithTimeout(d time.Duration) WebhookOption {
	return func(c *resty.Client) { c.SetTimeout(d) }
}

// WithRetries overrides the retry count and the wait between attempts.
func WithRetries(count int, wait time.Duration) WebhookOption {
	return func(c *resty.Client) {
		c.SetRetryCount(count).SetRetryWaitTime(wait).SetRetryMaxWaitTime(wait * 4)
	}
}

// WithHeader adds a header to every delivery, e.g. a shared secret.
func WithHeader(key, value string) WebhookOption {
	return func(c *resty.Client) { c.SetHeader(key, value) }
}

// NewWebhook builds a webhook notifier posting to url.
func NewWebhook(url string, log *zap.Logger, opts ...WebhookOption) *Webhook {
	if log == nil {
		log = zap.NewNop()
	}
	client := resty.New()
	client.
		SetHeader("Content-Type", "application/json").
		SetTimeout(10*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	for _, opt := range opts {
		opt(client)
	}
	return &Webhook{client: client, url: url, log: log.Named("notify.webhook")}
}

// payload is the wire shape of a delivered event.
type payload struct {
	Event     ledger.EventType `json:"event"`
	SubjectID string           `json:"subject_id"`
	Status    string           `json:"status,omitempty"`
	Seed      string           `json:"seed"`
	Owner     string           `json:"owner"`
	Warehouse string           `json:"warehouse"`
	Quantity  string           `json:"quantity"`
	Reason    string           `json:"reason,omitempty"`
	Actor     string           `json:"actor"`
	At        time.Time        `json:"at"`
}

func (w *Webhook) Notify(ctx context.Context, e ledger.Event) error {
	body := payload{
		Event:     e.Type,
		SubjectID: e.SubjectID,
		Status:    e.Status,
		Seed:      e.Partition.Seed,
		Owner:     e.Partition.Owner,
		Warehouse: e.Partition.Warehouse,
		Quantity:  e.Quantity.String(),
		Reason:    e.Reason,
		Actor:     e.Actor,
		At:        e.At,
	}

	resp, err := w.client.R().
		SetContext(ctx).
		SetHeader("X-Ledger-Event", string(e.Type)).
		SetBody(body).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("deliver %s: %w", e.Type, err)
	}
	if resp.StatusCode() >= http.StatusBadRequest {
		return fmt.Errorf("deliver %s: webhook returned status %d", e.Type, resp.StatusCode())
	}

	w.log.Debug("event delivered",
		zap.String("event", string(e.Type)),
		zap.String("subject", e.SubjectID),
		zap.Int("attempts", resp.Request.Attempt))
	return nil
}
