package notify

import (
	"context"
	"sync"
)

// Message is one outgoing transactional email.
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
}

// Mailer hands a message to a mail transport.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// Discard drops every message. It is the mailer used when no transport is configured.
type Discard struct{}

func (Discard) Send(context.Context, Message) error { return nil }

// Outbox keeps sent messages in memory so tests and the demo mode can inspect them.
type Outbox struct {
	mu   sync.Mutex
	sent []Message
}

func (o *Outbox) Send(_ context.Context, msg Message) error {
	o.mu.Lock()
	o.sent = append(o.sent, msg)
	o.mu.Unlock()
	return nil
}

// Sent returns a copy of the messages seen so far, oldest first.
func (o *Outbox) Sent() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Message(nil), o.sent...)
}
