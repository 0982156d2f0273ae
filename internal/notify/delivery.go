package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/noah-isme/training-booking/internal/events"
	"github.com/noah-isme/training-booking/internal/lock"
	"github.com/noah-isme/training-booking/internal/queue"
)

const deliveryKind = "webhook-delivery"

// WebhookDeliveryTask is the queue kind the worker consumes for partner deliveries.
func WebhookDeliveryTask() string { return deliveryKind }

// EnqueueDelivery queues ev for ep after delay. The task key is "<endpoint>:<event>", so
// re-emitting an event does not queue it twice. Without a queue it is a no-op.
func (d *Dispatcher) EnqueueDelivery(ctx context.Context, ep Endpoint, ev events.DomainEvent, delay time.Duration) error {
	if d.Queue == nil {
		return nil
	}
	payload, err := json.Marshal(deliveryMessage{EndpointID: ep.ID, Event: ev})
	if err != nil {
		return err
	}
	attempts := d.DefaultMaxAttempts
	if attempts <= 0 {
		attempts = 6
	}
	return d.Queue.Enqueue(ctx, queue.Task{
		Kind:           deliveryKind,
		Payload:        payload,
		IdempotencyKey: ep.ID + ":" + ev.ID.String(),
		MaxAttempts:    attempts,
		Delay:          delay,
	})
}

// DeliveryWorker is the queue handler for webhook-delivery tasks. Each task runs under a
// per key lock so two workers never post the same delivery at once.
type DeliveryWorker struct {
	Dispatcher *Dispatcher
	Locker     lock.Locker
	LockTTL    time.Duration
}

func (w DeliveryWorker) Handle(ctx context.Context, t queue.Task) error {
	if w.Dispatcher == nil {
		return errors.New("webhook worker: dispatcher not configured")
	}
	if t.IdempotencyKey == "" || w.Locker.R == nil {
		return w.Dispatcher.DeliverTask(ctx, t)
	}
	return w.Locker.WithLock(ctx, lock.DeliveryKey(t.IdempotencyKey), w.LockTTL, func(ctx context.Context) error {
		return w.Dispatcher.DeliverTask(ctx, t)
	})
}
