package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/training-booking/internal/booking"
	"github.com/noah-isme/training-booking/internal/events"
	"github.com/noah-isme/training-booking/internal/orgbooking"
)

// UserDirectory resolves member contact details.
type UserDirectory interface {
	User(ctx context.Context, id string) (booking.User, error)
}

// OrganisationDirectory resolves organisation billing contacts.
type OrganisationDirectory interface {
	Organisation(ctx context.Context, id string) (orgbooking.Organisation, error)
}

// EmailNotifier sends transactional emails for selected topics.
type EmailNotifier struct {
	Mail         Mailer
	Enabled      bool
	From         string
	OpsEmail     string
	Users        UserDirectory
	Orgs         OrganisationDirectory
	TopicToggles map[string]bool
}

// Notify implements the events.Notifier interface.
func (n EmailNotifier) Notify(ctx context.Context, event events.DomainEvent) error {
	if !n.Enabled || n.Mail == nil {
		return nil
	}
	if n.TopicToggles != nil {
		if enabled, ok := n.TopicToggles[event.Topic]; ok && !enabled {
			return nil
		}
	}
	payload := map[string]any{}
	if len(event.Payload) > 0 {
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("email notify: decode payload: %w", err)
		}
	}
	to := n.recipient(ctx, event.Topic, payload)
	if to == "" {
		return nil
	}
	return n.Mail.Send(ctx, Message{
		From:    n.From,
		To:      to,
		Subject: subjectFor(event.Topic, payload),
		HTML:    bodyFor(event.Topic, payload, event.OccurredAt),
	})
}

func (n EmailNotifier) recipient(ctx context.Context, topic string, payload map[string]any) string {
	switch topic {
	case events.TopicConfirmationRequested:
		return stringField(payload, "email")
	case events.TopicBookingCancelled, events.TopicBookingFailed:
		if n.Users == nil {
			return ""
		}
		if u, err := n.Users.User(ctx, stringField(payload, "userId")); err == nil {
			return strings.TrimSpace(u.Email)
		}
	case events.TopicBulkInvoiced, events.TopicBulkSettled:
		if n.Orgs == nil {
			return ""
		}
		if org, err := n.Orgs.Organisation(ctx, stringField(payload, "organisationId")); err == nil {
			return strings.TrimSpace(org.BillingEmail)
		}
	case events.TopicLedgerFrozen:
		return strings.TrimSpace(n.OpsEmail)
	}
	return ""
}

func stringField(payload map[string]any, key string) string {
	if s, ok := payload[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func subjectFor(topic string, payload map[string]any) string {
	switch topic {
	case events.TopicConfirmationRequested:
		if title := stringField(payload, "courseTitle"); title != "" {
			return "Booking confirmed: " + title
		}
		return "Booking confirmed"
	case events.TopicBookingCancelled:
		return "Booking cancelled"
	case events.TopicBookingFailed:
		return "We could not complete your booking"
	case events.TopicBulkInvoiced:
		if inv := stringField(payload, "invoiceNumber"); inv != "" {
			return "Invoice " + inv + " for your team booking"
		}
		return "Invoice for your team booking"
	case events.TopicBulkSettled:
		return "Team booking confirmed"
	case events.TopicLedgerFrozen:
		return "Credit ledger frozen for " + stringField(payload, "userId")
	default:
		return fmt.Sprintf("Notification %s", topic)
	}
}

func bodyFor(topic string, payload map[string]any, occurred time.Time) string {
	var b strings.Builder
	switch topic {
	case events.TopicConfirmationRequested:
		fmt.Fprintf(&b, "<p>Your place on <strong>%s</strong> is confirmed.</p>", html.EscapeString(stringField(payload, "courseTitle")))
		if starts := stringField(payload, "startsAt"); starts != "" {
			if at, err := time.Parse(time.RFC3339, starts); err == nil && !at.IsZero() {
				fmt.Fprintf(&b, "<p>Date: %s", at.Format("Monday 2 January 2006, 15:04"))
				if loc := stringField(payload, "location"); loc != "" {
					fmt.Fprintf(&b, " at %s", html.EscapeString(loc))
				}
				b.WriteString("</p>")
			}
		}
		fmt.Fprintf(&b, "<p>Credit hours used: %s<br>Paid: %s</p>", amountField(payload, "creditsUsed"), amountField(payload, "cashAmount"))
		fmt.Fprintf(&b, "<p>Booking reference: %s</p>", html.EscapeString(stringField(payload, "bookingId")))
	case events.TopicBulkInvoiced, events.TopicBulkSettled:
		fmt.Fprintf(&b, "<p>Team booking %s, total %s.</p>", html.EscapeString(stringField(payload, "id")), amountField(payload, "total"))
		if inv := stringField(payload, "invoiceNumber"); inv != "" {
			fmt.Fprintf(&b, "<p>Invoice number: %s</p>", html.EscapeString(inv))
		}
	default:
		fmt.Fprintf(&b, "<p>Event %s occurred at %s.</p>", html.EscapeString(topic), occurred.Format(time.RFC3339))
		if id := firstField(payload, "id", "bookingId", "userId"); id != "" {
			fmt.Fprintf(&b, "<p>Reference: %s</p>", html.EscapeString(id))
		}
		if reason := firstField(payload, "failureReason", "reason"); reason != "" {
			fmt.Fprintf(&b, "<p>%s</p>", html.EscapeString(reason))
		}
	}
	return b.String()
}

func firstField(payload map[string]any, keys ...string) string {
	for _, k := range keys {
		if v := stringField(payload, k); v != "" {
			return v
		}
	}
	return ""
}

// amountField renders a decimal payload field with two places.
func amountField(payload map[string]any, key string) string {
	d, err := decimal.NewFromString(stringField(payload, key))
	if err != nil {
		return "0.00"
	}
	return d.StringFixed(2)
}
