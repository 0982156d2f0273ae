package notify

import (
	"context"
	"errors"

	"github.com/noah-isme/training-booking/internal/booking"
	"github.com/noah-isme/training-booking/internal/events"
)

// ConfirmationSink implements booking.NotificationSink by publishing the summary on the
// event bus, where the email and broker notifiers pick it up.
type ConfirmationSink struct {
	Bus booking.EventEmitter
}

// SendConfirmation implements booking.NotificationSink.
func (s ConfirmationSink) SendConfirmation(ctx context.Context, summary booking.Summary) error {
	if s.Bus == nil {
		return errors.New("notify: event bus not configured")
	}
	if summary.BookingID == "" {
		return errors.New("notify: booking id is required")
	}
	_, err := s.Bus.Emit(ctx, events.TopicConfirmationRequested, summary.BookingID, summary)
	return err
}
