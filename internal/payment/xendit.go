package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/noah-isme/training-booking/internal/booking"
	"github.com/noah-isme/training-booking/internal/resilience"
)

// Xendit implements Provider for Xendit hosted invoices. Without an HTTP client it issues a
// deterministic invoice link, which keeps local runs and tests offline.
type Xendit struct {
	SecretKey string
	BaseURL   string
	HTTP      *resilience.HTTPClient
}

// Name implements Provider.
func (Xendit) Name() string { return "xendit" }

type xenditInvoiceRequest struct {
	ExternalID         string          `json:"external_id"`
	Amount             float64         `json:"amount"`
	Currency           string          `json:"currency,omitempty"`
	Description        string          `json:"description,omitempty"`
	PayerEmail         string          `json:"payer_email,omitempty"`
	SuccessRedirectURL string          `json:"success_redirect_url,omitempty"`
	FailureRedirectURL string          `json:"failure_redirect_url,omitempty"`
	InvoiceDuration    int             `json:"invoice_duration,omitempty"`
}

type xenditInvoice struct {
	ID         string    `json:"id"`
	InvoiceURL string    `json:"invoice_url"`
	ExpiryDate time.Time `json:"expiry_date"`
}

// CreateCheckoutSession opens an invoice whose external id is the checkout reference.
func (x Xendit) CreateCheckoutSession(ctx context.Context, req booking.CheckoutRequest, ttl time.Duration) (booking.CheckoutSession, error) {
	if strings.TrimSpace(req.Reference) == "" {
		return booking.CheckoutSession{}, errors.New("checkout reference is required")
	}
	host := strings.TrimRight(strings.TrimSpace(x.BaseURL), "/")
	if x.HTTP == nil {
		if host == "" {
			host = "https://checkout-stub.xendit"
		}
		return booking.CheckoutSession{
			ID:        req.Reference,
			URL:       fmt.Sprintf("%s/xendit-%s", host, req.Reference),
			Provider:  x.Name(),
			ExpiresAt: time.Now().Add(ttl).UTC(),
		}, nil
	}
	if host == "" {
		host = "https://api.xendit.co"
	}
	body, err := json.Marshal(xenditInvoiceRequest{
		ExternalID:         req.Reference,
		Amount:             req.Amount.InexactFloat64(),
		Currency:           req.Currency,
		Description:        req.Description,
		PayerEmail:         req.CustomerEmail,
		SuccessRedirectURL: req.SuccessURL,
		FailureRedirectURL: req.CancelURL,
		InvoiceDuration:    int(ttl.Seconds()),
	})
	if err != nil {
		return booking.CheckoutSession{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, host+"/v2/invoices", bytes.NewReader(body))
	if err != nil {
		return booking.CheckoutSession{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(x.SecretKey, "")
	resp, err := x.HTTP.Do(ctx, httpReq)
	if err != nil {
		return booking.CheckoutSession{}, fmt.Errorf("xendit create invoice: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return booking.CheckoutSession{}, err
	}
	if resp.StatusCode >= 300 {
		return booking.CheckoutSession{}, fmt.Errorf("xendit create invoice: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var inv xenditInvoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return booking.CheckoutSession{}, fmt.Errorf("xendit decode invoice: %w", err)
	}
	expires := inv.ExpiryDate
	if expires.IsZero() {
		expires = time.Now().Add(ttl)
	}
	return booking.CheckoutSession{ID: req.Reference, URL: inv.InvoiceURL, Provider: x.Name(), ExpiresAt: expires.UTC()}, nil
}

// VerifyWebhook validates the callback signature and normalises the payload.
func (x Xendit) VerifyWebhook(r *http.Request, body []byte) (WebhookResult, error) {
	expected := x.Signature(body)
	provided := strings.TrimSpace(r.Header.Get("x-callback-signature"))
	if expected == "" || provided == "" || !hmac.Equal([]byte(expected), []byte(provided)) {
		return WebhookResult{Valid: false, Err: errors.New("invalid signature")}, nil
	}

	var payload struct {
		ID          string      `json:"id"`
		ExternalID  string      `json:"external_id"`
		Amount      json.Number `json:"amount"`
		PaidAmount  json.Number `json:"paid_amount"`
		Status      string      `json:"status"`
		FailureCode string      `json:"failure_code"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return WebhookResult{Valid: false, Err: err}, nil
	}
	if payload.ExternalID == "" {
		return WebhookResult{Valid: false, Err: errors.New("missing external id")}, nil
	}

	raw := payload.PaidAmount.String()
	if raw == "" {
		raw = payload.Amount.String()
	}
	amount, err := parseAmount(raw)
	if err != nil {
		return WebhookResult{Valid: false, Err: err}, nil
	}

	status := normaliseXenditStatus(payload.Status)
	result := WebhookResult{
		Valid:           true,
		Reference:       payload.ExternalID,
		EventID:         payload.ID + ":" + payload.Status,
		Amount:          amount,
		Status:          status,
		ProviderPayload: body,
	}
	if status == StatusFailed {
		result.FailureReason = firstNonEmpty(payload.FailureCode, payload.Status)
	}
	return result, nil
}

// Signature computes the callback signature header value for a body.
func (x Xendit) Signature(body []byte) string {
	key := strings.TrimSpace(x.SecretKey)
	if key == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func normaliseXenditStatus(status string) Status {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "paid", "settled", "success":
		return StatusPaid
	case "pending", "invoice.paid_pending_verification":
		return StatusPending
	case "expired":
		return StatusExpired
	case "canceled", "cancelled":
		return StatusCanceled
	case "failed":
		return StatusFailed
	default:
		return StatusPending
	}
}
