package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/omise/omise-go"
	"github.com/omise/omise-go/operations"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/training-booking/internal/booking"
)

// OmiseAPI is the slice of the Omise API the provider calls.
type OmiseAPI interface {
	CreateSourceCharge(src *operations.CreateSource, charge *operations.CreateCharge) (*omise.Charge, error)
	RetrieveEvent(eventID string) (*omise.Event, error)
}

type omiseClient struct {
	c *omise.Client
}

// NewOmiseAPI returns an OmiseAPI backed by the official client.
func NewOmiseAPI(publicKey, secretKey string) (OmiseAPI, error) {
	c, err := omise.NewClient(publicKey, secretKey)
	if err != nil {
		return nil, err
	}
	c.SetDebug(false)
	return omiseClient{c: c}, nil
}

func (o omiseClient) CreateSourceCharge(src *operations.CreateSource, charge *operations.CreateCharge) (*omise.Charge, error) {
	source := &omise.Source{}
	if err := o.c.Do(source, src); err != nil {
		return nil, fmt.Errorf("create source: %w", err)
	}
	charge.Source = source.ID
	ch := &omise.Charge{}
	if err := o.c.Do(ch, charge); err != nil {
		return nil, fmt.Errorf("create charge: %w", err)
	}
	return ch, nil
}

func (o omiseClient) RetrieveEvent(eventID string) (*omise.Event, error) {
	ev := &omise.Event{}
	if err := o.c.Do(ev, &operations.RetrieveEvent{EventID: eventID}); err != nil {
		return nil, err
	}
	return ev, nil
}

// Omise implements Provider with an offsite source charge. The charge id is the session id
// and charge.complete events are trusted only after re-retrieving them from Omise.
type Omise struct {
	API        OmiseAPI
	SourceType string
}

// Name implements Provider.
func (Omise) Name() string { return "omise" }

// CreateCheckoutSession creates an offsite source and a charge that redirects back to the
// success URL.
func (o Omise) CreateCheckoutSession(_ context.Context, req booking.CheckoutRequest, ttl time.Duration) (booking.CheckoutSession, error) {
	if o.API == nil {
		return booking.CheckoutSession{}, errors.New("omise client not configured")
	}
	if strings.TrimSpace(req.Reference) == "" {
		return booking.CheckoutSession{}, errors.New("checkout reference is required")
	}
	amount := minorUnits(req.Amount)
	if amount <= 0 {
		return booking.CheckoutSession{}, errors.New("checkout amount must be positive")
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	sourceType := strings.TrimSpace(o.SourceType)
	if sourceType == "" {
		sourceType = "mobile_banking_kbank"
	}
	ch, err := o.API.CreateSourceCharge(
		&operations.CreateSource{Type: sourceType, Amount: amount, Currency: currency},
		&operations.CreateCharge{
			Amount:      amount,
			Currency:    currency,
			Description: req.Description,
			ReturnURI:   req.SuccessURL,
			Metadata: map[string]interface{}{
				"reference":   req.Reference,
				"booking_ids": strings.Join(req.BookingIDs, ","),
			},
		},
	)
	if err != nil {
		return booking.CheckoutSession{}, err
	}
	return booking.CheckoutSession{
		ID:        ch.ID,
		URL:       ch.AuthorizeURI,
		Provider:  o.Name(),
		ExpiresAt: time.Now().Add(ttl).UTC(),
	}, nil
}

// VerifyWebhook re-fetches the event named in the body and normalises the charge inside it.
func (o Omise) VerifyWebhook(_ *http.Request, body []byte) (WebhookResult, error) {
	if o.API == nil {
		return WebhookResult{}, errors.New("omise client not configured")
	}
	var incoming struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	}
	if err := json.Unmarshal(body, &incoming); err != nil {
		return WebhookResult{Valid: false, Err: err}, nil
	}
	if strings.TrimSpace(incoming.ID) == "" {
		return WebhookResult{Valid: false, Err: errors.New("missing event id")}, nil
	}
	ev, err := o.API.RetrieveEvent(incoming.ID)
	if err != nil {
		return WebhookResult{Valid: false, Err: fmt.Errorf("retrieve event: %w", err)}, nil
	}
	if !strings.HasPrefix(ev.Key, "charge.") {
		return WebhookResult{Valid: true, EventID: ev.ID, Status: StatusPending, ProviderPayload: body}, nil
	}
	raw, err := json.Marshal(ev.Data)
	if err != nil {
		return WebhookResult{Valid: false, Err: err}, nil
	}
	var ch omise.Charge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return WebhookResult{Valid: false, Err: err}, nil
	}
	status := normaliseOmiseStatus(string(ch.Status))
	result := WebhookResult{
		Valid:           true,
		Reference:       ch.ID,
		EventID:         ev.ID,
		Amount:          decimal.New(ch.Amount, -2),
		Status:          status,
		ProviderPayload: body,
	}
	if status == StatusFailed && ch.FailureCode != nil {
		result.FailureReason = *ch.FailureCode
	}
	return result, nil
}

func minorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func normaliseOmiseStatus(status string) Status {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "successful":
		return StatusPaid
	case "failed":
		return StatusFailed
	case "expired":
		return StatusExpired
	case "reversed":
		return StatusCanceled
	case "refunded":
		return StatusRefunded
	default:
		return StatusPending
	}
}
