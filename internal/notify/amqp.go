package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/noah-isme/training-booking/internal/events"
)

// Channel is the part of *amqp.Channel the publisher uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher forwards every domain event to a topic exchange, routed by topic.
type AMQPPublisher struct {
	ch       Channel
	conn     *amqp.Connection
	mu       sync.Mutex
	Exchange string
	Logger   zerolog.Logger
}

// NewAMQPPublisher dials the broker and declares a durable topic exchange.
func NewAMQPPublisher(url, exchange string, logger zerolog.Logger) (*AMQPPublisher, error) {
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		exchange = "training.events"
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("amqp declare exchange: %w", err)
	}
	return &AMQPPublisher{ch: ch, conn: conn, Exchange: exchange, Logger: logger}, nil
}

// NewAMQPPublisherWithChannel wraps an already configured channel.
func NewAMQPPublisherWithChannel(ch Channel, exchange string, logger zerolog.Logger) *AMQPPublisher {
	return &AMQPPublisher{ch: ch, Exchange: exchange, Logger: logger}
}

// Notify implements events.Notifier.
func (p *AMQPPublisher) Notify(ctx context.Context, event events.DomainEvent) error {
	if p == nil || p.ch == nil {
		return errors.New("amqp publisher not configured")
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("amqp encode event: %w", err)
	}
	// amqp channels are not safe for concurrent publishing
	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, p.Exchange, event.Topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID.String(),
		Timestamp:    event.OccurredAt,
		Type:         event.Topic,
		Body:         body,
	})
	if err != nil {
		p.Logger.Warn().Err(err).Str("topic", event.Topic).Str("event_id", event.ID.String()).Msg("amqp_publish_failed")
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

// Close releases the channel and connection.
func (p *AMQPPublisher) Close() error {
	if p == nil {
		return nil
	}
	var err error
	if p.ch != nil {
		err = p.ch.Close()
	}
	if p.conn != nil {
		err = errors.Join(err, p.conn.Close())
	}
	return err
}
