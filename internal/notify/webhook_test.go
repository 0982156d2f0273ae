package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/training-booking/internal/events"
	"github.com/noah-isme/training-booking/internal/lock"
	"github.com/noah-isme/training-booking/internal/notify"
	"github.com/noah-isme/training-booking/internal/queue"
	"github.com/noah-isme/training-booking/internal/resilience"
)

func sampleEvent(topic string) events.DomainEvent {
	return events.DomainEvent{
		ID:          uuid.New(),
		Topic:       topic,
		AggregateID: "booking-1",
		Payload:     json.RawMessage(`{"bookingId":"booking-1"}`),
		OccurredAt:  time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestSignatureAndHeaders(t *testing.T) {
	type recorded struct {
		req  *http.Request
		body []byte
	}
	received := make(chan recorded, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- recorded{req: r, body: body}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	dispatcher := &notify.Dispatcher{
		HTTP: &resilience.HTTPClient{
			Client:      srv.Client(),
			Breaker:     resilience.NewBreaker(1, 1, time.Second),
			MaxAttempts: 1,
			Timeout:     time.Second,
		},
		Enabled: true,
		Logger:  zerolog.Nop(),
	}
	endpoint := notify.Endpoint{ID: "partner-1", URL: srv.URL, Secret: "secret"}
	event := sampleEvent(events.TopicBookingConfirmed)

	status, err := dispatcher.Deliver(context.Background(), endpoint, event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)

	record := <-received
	req := record.req
	require.Equal(t, "application/json", req.Header.Get("Content-Type"))
	require.Equal(t, event.ID.String(), req.Header.Get("X-Event-ID"))
	require.Equal(t, "partner-1:"+event.ID.String(), req.Header.Get("X-Idempotency-Key"))
	ts, err := strconv.ParseInt(req.Header.Get("X-Timestamp"), 10, 64)
	require.NoError(t, err)
	require.Equal(t, notify.ComputeSignature(endpoint.Secret, ts, event.ID.String(), record.body), req.Header.Get("X-Signature"))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(record.body, &payload))
	require.Equal(t, events.TopicBookingConfirmed, payload["topic"])
	require.Equal(t, "booking-1", payload["data"].(map[string]any)["bookingId"])
}

type captureQueue struct {
	tasks []queue.Task
}

func (c *captureQueue) Enqueue(_ context.Context, task queue.Task) error {
	c.tasks = append(c.tasks, task)
	return nil
}

func TestNotifyEnqueuesSubscribedEndpoints(t *testing.T) {
	q := &captureQueue{}
	dispatcher := &notify.Dispatcher{
		Endpoints: []notify.Endpoint{
			{ID: "all", URL: "https://a.example.com/hook"},
			{ID: "bulk-only", URL: "https://b.example.com/hook", Topics: []string{events.TopicBulkInvoiced}},
			{ID: "bookings", URL: "https://c.example.com/hook", Topics: []string{"BOOKING.CONFIRMED"}},
		},
		Queue:              q,
		DefaultMaxAttempts: 4,
		Enabled:            true,
	}
	event := sampleEvent(events.TopicBookingConfirmed)

	require.NoError(t, dispatcher.Notify(context.Background(), event))
	require.Len(t, q.tasks, 2)
	require.Equal(t, notify.WebhookDeliveryTask(), q.tasks[0].Kind)
	require.Equal(t, "all:"+event.ID.String(), q.tasks[0].IdempotencyKey)
	require.Equal(t, "bookings:"+event.ID.String(), q.tasks[1].IdempotencyKey)
	require.Equal(t, 4, q.tasks[0].MaxAttempts)

	dispatcher.Enabled = false
	require.NoError(t, dispatcher.Notify(context.Background(), event))
	require.Len(t, q.tasks, 2)
}

func TestDeliveryWorkerRetriesRejectedDeliveries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := &captureQueue{}
	dispatcher := &notify.Dispatcher{
		Endpoints: []notify.Endpoint{{ID: "partner-1", URL: srv.URL, Secret: "s3cret"}},
		Queue:     q,
		Client:    srv.Client(),
		Enabled:   true,
		Replay:    lock.ReplayGuard{R: rdb},
		ReplayTTL: time.Hour,
		Logger:    zerolog.Nop(),
	}
	worker := notify.DeliveryWorker{Dispatcher: dispatcher, Locker: lock.Locker{R: rdb}, LockTTL: time.Second}
	require.NoError(t, dispatcher.Notify(context.Background(), sampleEvent(events.TopicBookingCancelled)))
	require.Len(t, q.tasks, 1)

	err := worker.Handle(context.Background(), q.tasks[0])
	require.ErrorIs(t, err, notify.ErrDeliveryRejected)
	require.Empty(t, mr.Keys(), "failed send must release the replay guard and the lock")

	require.NoError(t, worker.Handle(context.Background(), q.tasks[0]))
	require.EqualValues(t, 2, hits.Load())

	// a redelivered task after success is suppressed
	require.NoError(t, worker.Handle(context.Background(), q.tasks[0]))
	require.EqualValues(t, 2, hits.Load())
}

func TestDeliverTaskDropsUnknownEndpoint(t *testing.T) {
	dispatcher := &notify.Dispatcher{Enabled: true, Logger: zerolog.Nop()}
	payload, err := json.Marshal(map[string]any{"endpointId": "removed", "event": sampleEvent(events.TopicBookingFailed)})
	require.NoError(t, err)

	require.NoError(t, dispatcher.DeliverTask(context.Background(), queue.Task{Kind: notify.WebhookDeliveryTask(), Payload: payload}))
	require.NoError(t, dispatcher.DeliverTask(context.Background(), queue.Task{Kind: notify.WebhookDeliveryTask(), Payload: []byte("{bad")}))
}

func TestParseEndpoints(t *testing.T) {
	list, err := notify.ParseEndpoints(`[{"id":"p1","url":"https://partner.example.com/hook","secret":"x","topics":["booking.confirmed"]}]`)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.True(t, list[0].Subscribed(events.TopicBookingConfirmed))
	require.False(t, list[0].Subscribed(events.TopicLedgerFrozen))

	list, err = notify.ParseEndpoints("  ")
	require.NoError(t, err)
	require.Empty(t, list)

	_, err = notify.ParseEndpoints(`[{"id":"p1","url":"http://partner.example.com/hook"}]`)
	require.Error(t, err)
	_, err = notify.ParseEndpoints(`[{"url":"https://partner.example.com/hook"}]`)
	require.Error(t, err)
	_, err = notify.ParseEndpoints(`{`)
	require.Error(t, err)
}

func TestDeliverRejectsUnsafeURL(t *testing.T) {
	dispatcher := &notify.Dispatcher{Enabled: true}
	_, err := dispatcher.Deliver(context.Background(), notify.Endpoint{ID: "p", URL: "ftp://example.com"}, sampleEvent(events.TopicBookingPending))
	require.Error(t, err)
	require.False(t, errors.Is(err, notify.ErrDeliveryRejected))
}
