package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/training-booking/internal/events"
	"github.com/noah-isme/training-booking/internal/obs"
	"github.com/noah-isme/training-booking/internal/queue"
	"github.com/noah-isme/training-booking/internal/resilience"
)

// Endpoint is a partner URL subscribed to booking events.
type Endpoint struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Topics []string `json:"topics"`
}

// Subscribed reports whether the endpoint wants the topic. No topics means all of them.
func (e Endpoint) Subscribed(topic string) bool {
	if len(e.Topics) == 0 {
		return true
	}
	for _, t := range e.Topics {
		if strings.EqualFold(strings.TrimSpace(t), topic) {
			return true
		}
	}
	return false
}

// ParseEndpoints decodes the JSON endpoint list used in configuration.
func ParseEndpoints(raw string) ([]Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var list []Endpoint
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("decode webhook endpoints: %w", err)
	}
	for i, ep := range list {
		if strings.TrimSpace(ep.ID) == "" {
			return nil, fmt.Errorf("webhook endpoint %d: id is required", i)
		}
		if err := validateURL(ep.URL); err != nil {
			return nil, fmt.Errorf("webhook endpoint %s: %w", ep.ID, err)
		}
	}
	return list, nil
}

// TaskQueue schedules delivery tasks. queue.Enqueuer satisfies it.
type TaskQueue interface {
	Enqueue(ctx context.Context, t queue.Task) error
}

// Dispatcher fans domain events out to partner endpoints.
type Dispatcher struct {
	Endpoints          []Endpoint
	Queue              TaskQueue
	Client             *http.Client
	// HTTP, when set, sends through the retrying circuit-broken client instead of Client.
	HTTP               *resilience.HTTPClient
	DefaultMaxAttempts int
	Enabled            bool
	Replay             ReplayGuard
	ReplayTTL          time.Duration
	Logger             zerolog.Logger
}

// ErrDeliveryRejected wraps a non-2xx answer from a partner endpoint.
var ErrDeliveryRejected = errors.New("webhook delivery rejected")

type deliveryMessage struct {
	EndpointID string             `json:"endpointId"`
	Event      events.DomainEvent `json:"event"`
}

// Notify schedules a delivery for every endpoint subscribed to the event topic. Without a
// queue the deliveries are attempted inline.
func (d *Dispatcher) Notify(ctx context.Context, ev events.DomainEvent) error {
	if d == nil || !d.Enabled || len(d.Endpoints) == 0 {
		return nil
	}
	if strings.TrimSpace(ev.Topic) == "" {
		return nil
	}
	var joined error
	for _, ep := range d.Endpoints {
		if !ep.Subscribed(ev.Topic) {
			continue
		}
		var err error
		if d.Queue != nil {
			err = d.EnqueueDelivery(ctx, ep, ev, 0)
		} else {
			_, err = d.Deliver(ctx, ep, ev)
		}
		if err != nil {
			joined = errors.Join(joined, fmt.Errorf("webhook %s: %w", ep.ID, err))
		}
	}
	return joined
}

// DeliverTask runs one queued delivery. Errors are returned so the queue retries them.
func (d *Dispatcher) DeliverTask(ctx context.Context, t queue.Task) error {
	var msg deliveryMessage
	if err := json.Unmarshal(t.Payload, &msg); err != nil {
		obs.CountWebhookDelivery("dropped")
		d.Logger.Error().Err(err).Str("idempotency_key", t.IdempotencyKey).Msg("webhook_task_undecodable")
		return nil
	}
	ep, ok := d.endpoint(msg.EndpointID)
	if !ok {
		// endpoint removed from configuration since the task was queued
		obs.CountWebhookDelivery("dropped")
		d.Logger.Warn().Str("endpoint_id", msg.EndpointID).Str("event_id", msg.Event.ID.String()).Msg("webhook_endpoint_gone")
		return nil
	}
	status, err := d.Deliver(ctx, ep, msg.Event)
	if err != nil {
		d.Logger.Warn().Err(err).
			Str("endpoint_id", ep.ID).
			Str("event_id", msg.Event.ID.String()).
			Int("status", status).
			Int("attempt", t.Attempt).
			Msg("webhook_delivery_failed")
		return err
	}
	return nil
}

// Deliver POSTs the signed event to the endpoint and returns the response status.
func (d *Dispatcher) Deliver(ctx context.Context, ep Endpoint, ev events.DomainEvent) (int, error) {
	if d.Client == nil && d.HTTP == nil {
		d.Client = NewHTTPClient(0)
	}
	ctx, span := otel.Tracer("notify.Dispatcher").Start(ctx, "Dispatcher.Deliver")
	defer span.End()
	eventID := ev.ID.String()
	span.SetAttributes(
		attribute.String("webhook.endpoint_id", ep.ID),
		attribute.String("webhook.event_id", eventID),
		attribute.String("webhook.topic", ev.Topic),
	)
	if err := validateURL(ep.URL); err != nil {
		span.RecordError(err)
		obs.CountWebhookDelivery("failed")
		return 0, err
	}
	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	data := ev.Payload
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	body, err := json.Marshal(struct {
		EventID    string          `json:"eventId"`
		Topic      string          `json:"topic"`
		Data       json.RawMessage `json:"data"`
		OccurredAt time.Time       `json:"occurredAt"`
	}{
		EventID:    eventID,
		Topic:      ev.Topic,
		Data:       data,
		OccurredAt: occurred,
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	key := ""
	if d.Replay != nil && d.ReplayTTL > 0 {
		key = replayKey(ep.ID, eventID)
		ok, err := d.Replay.Claim(ctx, key, d.ReplayTTL)
		if err != nil {
			span.RecordError(err)
			return 0, err
		}
		if !ok {
			span.AddEvent("delivery replay prevented")
			obs.CountWebhookDelivery("suppressed")
			return http.StatusOK, nil
		}
	}
	status, err := d.send(ctx, ep, eventID, body)
	if err != nil {
		span.RecordError(err)
		obs.CountWebhookDelivery("failed")
		if key != "" {
			_ = d.Replay.Forget(context.WithoutCancel(ctx), key)
		}
		return status, err
	}
	span.SetAttributes(attribute.Int("http.status_code", status))
	obs.CountWebhookDelivery("delivered")
	return status, nil
}

func (d *Dispatcher) send(ctx context.Context, ep Endpoint, eventID string, body []byte) (int, error) {
	ts := time.Now().Unix()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "training-booking-webhooks/1.0")
	req.Header.Set("X-Event-ID", eventID)
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Idempotency-Key", ep.ID+":"+eventID)
	req.Header.Set("X-Signature", ComputeSignature(ep.Secret, ts, eventID, body))
	var resp *http.Response
	if d.HTTP != nil {
		resp, err = d.HTTP.Do(ctx, req)
	} else {
		resp, err = d.Client.Do(req)
	}
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("%w: status %d", ErrDeliveryRejected, resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (d *Dispatcher) endpoint(id string) (Endpoint, bool) {
	for _, ep := range d.Endpoints {
		if ep.ID == id {
			return ep, true
		}
	}
	return Endpoint{}, false
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid endpoint url: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return errors.New("webhook url must be http or https")
	}
	if parsed.Scheme == "http" {
		host := parsed.Hostname()
		if host != "localhost" && host != "127.0.0.1" {
			return errors.New("http webhook only allowed for localhost")
		}
	}
	if parsed.Host == "" {
		return errors.New("webhook url must include host")
	}
	return nil
}

// ComputeSignature calculates the webhook signature for the provided payload. The
// format is HMAC-SHA256 over "<ts>.<eventID>.<body>" using the endpoint secret.
func ComputeSignature(secret string, ts int64, eventID string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strconv.FormatInt(ts, 10)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write([]byte(eventID))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// NewHTTPClient is the traced client used for outbound webhooks and provider APIs.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport.(*http.Transport).Clone()),
	}
}

// ReplayGuard suppresses a second delivery of the same event to the same endpoint.
// lock.ReplayGuard implements it.
type ReplayGuard interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Forget(ctx context.Context, key string) error
}

func replayKey(endpointID, eventID string) string {
	return fmt.Sprintf("whout:%s:%s", endpointID, eventID)
}
