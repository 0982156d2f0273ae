package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/training-booking/internal/booking"
)

// Midtrans implements Provider for Midtrans SNAP style checkouts.
type Midtrans struct {
	ServerKey string
	BaseURL   string
	Sandbox   bool
}

// Name implements Provider.
func (Midtrans) Name() string { return "midtrans" }

// CreateCheckoutSession issues a deterministic SNAP token for the reference without a
// network call. The order id sent to Midtrans is the reference, so notifications carry it
// back as the session id.
func (m Midtrans) CreateCheckoutSession(_ context.Context, req booking.CheckoutRequest, ttl time.Duration) (booking.CheckoutSession, error) {
	if strings.TrimSpace(req.Reference) == "" {
		return booking.CheckoutSession{}, errors.New("checkout reference is required")
	}
	token := fmt.Sprintf("SNAP-%s", req.Reference)
	return booking.CheckoutSession{
		ID:        req.Reference,
		URL:       fmt.Sprintf("%s/snap/v2/vtweb/%s", strings.TrimRight(m.snapHost(), "/"), token),
		Provider:  m.Name(),
		ExpiresAt: time.Now().Add(ttl).UTC(),
	}, nil
}

func (m Midtrans) snapHost() string {
	host := strings.TrimSpace(m.BaseURL)
	if host == "" {
		if m.Sandbox {
			return "https://app.sandbox.midtrans.com"
		}
		return "https://app.midtrans.com"
	}
	return host
}

// VerifyWebhook validates the Midtrans signature and normalises the payload.
func (m Midtrans) VerifyWebhook(_ *http.Request, body []byte) (WebhookResult, error) {
	var payload struct {
		OrderID           string `json:"order_id"`
		TransactionID     string `json:"transaction_id"`
		StatusCode        string `json:"status_code"`
		GrossAmount       string `json:"gross_amount"`
		SignatureKey      string `json:"signature_key"`
		TransactionStatus string `json:"transaction_status"`
		StatusMessage     string `json:"status_message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return WebhookResult{Valid: false, Err: err}, nil
	}

	if payload.OrderID == "" {
		return WebhookResult{Valid: false, Err: errors.New("missing order id")}, nil
	}

	expected := m.Signature(payload.OrderID, payload.StatusCode, payload.GrossAmount)
	provided := strings.TrimSpace(payload.SignatureKey)
	if expected == "" || provided == "" || !hmac.Equal([]byte(expected), []byte(provided)) {
		return WebhookResult{Valid: false, Err: errors.New("invalid signature")}, nil
	}

	amount, err := parseAmount(payload.GrossAmount)
	if err != nil {
		return WebhookResult{Valid: false, Err: err}, nil
	}

	status := normaliseMidtransStatus(payload.TransactionStatus)
	result := WebhookResult{
		Valid:           true,
		Reference:       payload.OrderID,
		EventID:         payload.TransactionID + ":" + payload.TransactionStatus,
		Amount:          amount,
		Status:          status,
		ProviderPayload: body,
	}
	if status == StatusFailed {
		result.FailureReason = firstNonEmpty(payload.StatusMessage, payload.TransactionStatus)
	}
	return result, nil
}

// Signature computes the notification signature for an order.
func (m Midtrans) Signature(orderID, statusCode, grossAmount string) string {
	key := strings.TrimSpace(m.ServerKey)
	if key == "" {
		return ""
	}
	mac := hmac.New(sha512.New, []byte(key))
	mac.Write([]byte(orderID))
	mac.Write([]byte(statusCode))
	mac.Write([]byte(grossAmount))
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

func parseAmount(value string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(trimmed)
}

func normaliseMidtransStatus(status string) Status {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "capture", "settlement":
		return StatusPaid
	case "pending":
		return StatusPending
	case "deny", "failure":
		return StatusFailed
	case "cancel":
		return StatusCanceled
	case "expire":
		return StatusExpired
	case "refund", "partial_refund":
		return StatusRefunded
	default:
		return StatusPending
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
