package payment

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/training-booking/internal/booking"
	"github.com/noah-isme/training-booking/internal/common"
)

// Handler exposes the browser landing endpoints a hosted checkout redirects back to.
type Handler struct {
	Settler Settler
	Logger  zerolog.Logger
}

type sessionBooking struct {
	ID            string         `json:"id"`
	Status        booking.Status `json:"status"`
	CashAmount    string         `json:"cashAmount"`
	FailureReason string         `json:"failureReason,omitempty"`
}

type sessionResp struct {
	Reference string           `json:"reference"`
	Bookings  []sessionBooking `json:"bookings"`
}

// Return reports where the bookings behind ?ref= stand after the member comes back from
// checkout. Confirmation itself only ever arrives through the webhook.
func (h *Handler) Return(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Settler == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	ref := strings.TrimSpace(r.URL.Query().Get("ref"))
	if ref == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "ref is required", nil)
		return
	}
	list, err := h.Settler.Lookup(r.Context(), ref)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, toSessionResp(ref, list))
}

// Cancel abandons the pending bookings behind ?ref=. Nothing was debited, so there is
// nothing to refund.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Settler == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	ref := strings.TrimSpace(r.URL.Query().Get("ref"))
	if ref == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "ref is required", nil)
		return
	}
	list, err := h.Settler.CancelSession(r.Context(), ref)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	h.Logger.Info().Str("reference", ref).Int("bookings", len(list)).Msg("checkout_abandoned")
	common.JSON(w, http.StatusOK, toSessionResp(ref, list))
}

func toSessionResp(ref string, list []booking.Booking) sessionResp {
	out := sessionResp{Reference: ref, Bookings: make([]sessionBooking, 0, len(list))}
	for _, b := range list {
		out.Bookings = append(out.Bookings, sessionBooking{
			ID:            b.ID,
			Status:        b.Status,
			CashAmount:    b.CashAmount.StringFixed(2),
			FailureReason: b.FailureReason,
		})
	}
	return out
}
