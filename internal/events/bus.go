// Package events records booking lifecycle events and hands them to notifiers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DomainEvent is one persisted lifecycle event.
type DomainEvent struct {
	ID          uuid.UUID       `json:"id"`
	Topic       string          `json:"topic"`
	AggregateID string          `json:"aggregateId"`
	Payload     json.RawMessage `json:"payload"`
	OccurredAt  time.Time       `json:"occurredAt"`
}

type Store interface {
	InsertDomainEvent(ctx context.Context, ev DomainEvent) (DomainEvent, error)
}

// Notifier reacts to a stored event: email, partner webhooks, the message broker.
type Notifier interface {
	Notify(ctx context.Context, event DomainEvent) error
}

// Bus stores each event before any notifier sees it.
type Bus struct {
	Store     Store
	Notifiers []Notifier
}

var errNoStore = errors.New("events: store not configured")

// Emit stores an event for aggregateID and notifies every notifier in order. Once the event
// is stored it is returned, together with the joined notifier failures if any.
func (b *Bus) Emit(ctx context.Context, topic, aggregateID string, payload any) (DomainEvent, error) {
	if b == nil || b.Store == nil {
		return DomainEvent{}, errNoStore
	}
	ev, err := newEvent(topic, aggregateID, payload)
	if err != nil {
		return DomainEvent{}, err
	}
	stored, err := b.Store.InsertDomainEvent(ctx, ev)
	if err != nil {
		return DomainEvent{}, fmt.Errorf("events: persist %s: %w", ev.Topic, err)
	}
	return stored, b.publish(ctx, stored)
}

func (b *Bus) publish(ctx context.Context, ev DomainEvent) error {
	var errs []error
	for _, n := range b.Notifiers {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("events: notify %s: %w", ev.Topic, err))
		}
	}
	return errors.Join(errs...)
}

func newEvent(topic, aggregateID string, payload any) (DomainEvent, error) {
	topic = strings.TrimSpace(topic)
	aggregateID = strings.TrimSpace(aggregateID)
	switch {
	case topic == "":
		return DomainEvent{}, errors.New("events: topic is required")
	case aggregateID == "":
		return DomainEvent{}, errors.New("events: aggregate id is required")
	}
	body, err := encode(payload)
	if err != nil {
		return DomainEvent{}, fmt.Errorf("events: encode %s payload: %w", topic, err)
	}
	return DomainEvent{ID: uuid.New(), Topic: topic, AggregateID: aggregateID, Payload: body, OccurredAt: time.Now().UTC()}, nil
}

// encode accepts pre-encoded JSON as []byte, json.RawMessage or string and marshals
// anything else. Empty payloads become {}.
func encode(payload any) (json.RawMessage, error) {
	var raw []byte
	switch v := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	case string:
		raw = []byte(strings.TrimSpace(v))
	default:
		return json.Marshal(v)
	}
	if len(raw) == 0 {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid(raw) {
		return nil, errors.New("payload is not valid json")
	}
	return append(json.RawMessage(nil), raw...), nil
}
