package payment

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/training-booking/internal/booking"
)

// Status is a provider payment status normalised across integrations.
type Status string

const (
	StatusPaid     Status = "PAID"
	StatusPending  Status = "PENDING"
	StatusFailed   Status = "FAILED"
	StatusExpired  Status = "EXPIRED"
	StatusCanceled Status = "CANCELED"
	StatusRefunded Status = "REFUNDED"
)

// WebhookResult contains the normalised data extracted from a webhook notification after
// signature verification. Reference is the checkout session id the notification is about.
type WebhookResult struct {
	Valid           bool
	Reference       string
	EventID         string
	Amount          decimal.Decimal
	Status          Status
	FailureReason   string
	ProviderPayload []byte
	Err             error
}

// Provider abstracts the operations required from an upstream payment provider.
type Provider interface {
	Name() string
	CreateCheckoutSession(ctx context.Context, req booking.CheckoutRequest, ttl time.Duration) (booking.CheckoutSession, error)
	VerifyWebhook(r *http.Request, body []byte) (WebhookResult, error)
}
