package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
)

const defaultWebhookTimeout = 10 * time.Second

// WebhookPublisher POSTs committed change notifications to one endpoint.
// A non-2xx response is an error, so the outbox dispatcher retries the
// event and eventually dead-letters it.
type WebhookPublisher struct {
	url        string
	secret     []byte
	eventTypes []string
	client     *http.Client
	now        func() time.Time
}

// NewWebhookPublisher delivers every event type unless eventTypes narrows
// the set; filtered events are acknowledged without a request. A zero or
// negative timeout falls back to defaultWebhookTimeout.
func NewWebhookPublisher(url, secret string, timeout time.Duration, eventTypes ...string) *WebhookPublisher {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookPublisher{
		url:        url,
		secret:     []byte(secret),
		eventTypes: eventTypes,
		client:     &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// Publish sends the envelope as JSON with these headers:
//
//	X-Treeaudit-Topic:      <topic>
//	X-Treeaudit-Event-Type: <event.EventType>
//	X-Treeaudit-Delivery:   <event.EventID>
//	X-Treeaudit-Instance:   <event.InstanceID>
//	X-Treeaudit-Object:     <event.Model>/<event.ModelID>
//	X-Treeaudit-Signature:  t=<unix seconds>,v1=<hex HMAC-SHA256 of "t.body">
//
// The signature header is omitted when no secret is configured.
func (p *WebhookPublisher) Publish(ctx context.Context, topic string, event domain.EventEnvelope) error {
	if len(p.eventTypes) > 0 && !slices.Contains(p.eventTypes, event.EventType) {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Treeaudit-Topic", topic)
	req.Header.Set("X-Treeaudit-Event-Type", event.EventType)
	req.Header.Set("X-Treeaudit-Delivery", event.EventID)
	req.Header.Set("X-Treeaudit-Instance", strconv.FormatInt(event.InstanceID, 10))
	if event.Model != "" {
		req.Header.Set("X-Treeaudit-Object", string(event.Model)+"/"+strconv.FormatInt(event.ModelID, 10))
	}
	if len(p.secret) > 0 {
		ts := strconv.FormatInt(p.now().Unix(), 10)
		req.Header.Set("X-Treeaudit-Signature", "t="+ts+",v1="+Sign(p.secret, ts, payload))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned status %d", event.EventType, resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of timestamp + "." + body. Receivers
// recompute it to check both origin and freshness.
func Sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
