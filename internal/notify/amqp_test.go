package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/training-booking/internal/events"
	"github.com/noah-isme/training-booking/internal/notify"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	sent   []published
	err    error
	closed bool
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestAMQPPublisherRoutesByTopic(t *testing.T) {
	ch := &fakeChannel{}
	pub := notify.NewAMQPPublisherWithChannel(ch, "training.events", zerolog.Nop())
	ev := sampleEvent(events.TopicBookingConfirmed)

	require.NoError(t, pub.Notify(context.Background(), ev))
	require.Len(t, ch.sent, 1)
	got := ch.sent[0]
	require.Equal(t, "training.events", got.exchange)
	require.Equal(t, events.TopicBookingConfirmed, got.key)
	require.Equal(t, ev.ID.String(), got.msg.MessageId)
	require.Equal(t, amqp.Persistent, got.msg.DeliveryMode)

	var decoded events.DomainEvent
	require.NoError(t, json.Unmarshal(got.msg.Body, &decoded))
	require.Equal(t, ev.ID, decoded.ID)
	require.JSONEq(t, string(ev.Payload), string(decoded.Payload))

	require.NoError(t, pub.Close())
	require.True(t, ch.closed)
}

func TestAMQPPublisherReportsFailures(t *testing.T) {
	ch := &fakeChannel{err: errors.New("channel closed")}
	pub := notify.NewAMQPPublisherWithChannel(ch, "training.events", zerolog.Nop())
	require.ErrorContains(t, pub.Notify(context.Background(), sampleEvent(events.TopicBookingFailed)), "channel closed")

	var unset *notify.AMQPPublisher
	require.Error(t, unset.Notify(context.Background(), sampleEvent(events.TopicBookingFailed)))
}
