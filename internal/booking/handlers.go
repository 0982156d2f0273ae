package booking

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/training-booking/internal/common"
)

// Handler exposes the member-facing quote and booking endpoints.
type Handler struct {
	Svc *Orchestrator
	// IsAdmin lets operators read and cancel any member's booking.
	IsAdmin func(r *http.Request) bool
}

type bookPayload struct {
	CourseID       string          `json:"courseId" validate:"required"`
	CourseDateID   string          `json:"courseDateId" validate:"required"`
	Variant        string          `json:"variant" validate:"omitempty,max=64"`
	Participants   int             `json:"participants" validate:"gte=1,lte=500"`
	CreditHours    decimal.Decimal `json:"creditHours"`
	Notes          string          `json:"notes" validate:"omitempty,max=500"`
	IdempotencyKey string          `json:"idempotencyKey" validate:"omitempty,max=128"`
	SuccessURL     string          `json:"successUrl" validate:"omitempty,url"`
	CancelURL      string          `json:"cancelUrl" validate:"omitempty,url"`
}

// Quote previews the price of a booking for the caller: GET /quotes.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	userID, ok := common.UserID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return
	}
	q := r.URL.Query()
	participants := 1
	if raw := strings.TrimSpace(q.Get("participants")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			common.WriteError(w, common.ValidationError("participants must be a whole number", nil))
			return
		}
		participants = n
	}
	hours := decimal.Zero
	if raw := strings.TrimSpace(q.Get("creditHours")); raw != "" {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			common.WriteError(w, common.ValidationError("creditHours must be a number", nil))
			return
		}
		hours = d
	}
	res, err := h.Svc.Quote(r.Context(), QuoteRequest{
		UserID:               userID,
		CourseID:             strings.TrimSpace(q.Get("courseId")),
		CourseDateID:         strings.TrimSpace(q.Get("courseDateId")),
		Variant:              strings.TrimSpace(q.Get("variant")),
		Participants:         participants,
		RequestedCreditHours: hours,
	})
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": res})
}

// Create turns an accepted quote into a booking: POST /bookings.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	userID, ok := common.UserID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return
	}
	var payload bookPayload
	if err := common.DecodeJSON(r, &payload); err != nil {
		common.WriteError(w, err)
		return
	}
	key := common.IdempotencyKey(r.Context())
	if key == "" {
		key = strings.TrimSpace(payload.IdempotencyKey)
	}
	if key == "" {
		common.WriteError(w, common.ValidationError("an Idempotency-Key header is required", nil))
		return
	}
	res, err := h.Svc.Book(r.Context(), BookRequest{
		UserID:               userID,
		CourseID:             payload.CourseID,
		CourseDateID:         payload.CourseDateID,
		Variant:              payload.Variant,
		Participants:         payload.Participants,
		RequestedCreditHours: payload.CreditHours,
		IdempotencyKey:       key,
		Notes:                payload.Notes,
		SuccessURL:           payload.SuccessURL,
		CancelURL:            payload.CancelURL,
	})
	if err != nil {
		common.WriteError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	common.JSON(w, status, map[string]any{"data": res})
}

// List returns the caller's bookings: GET /bookings.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	userID, ok := common.UserID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return
	}
	list, err := h.Svc.ListForUser(r.Context(), userID)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": list})
}

// Get returns one booking owned by the caller: GET /bookings/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	b, ok := h.owned(w, r)
	if !ok {
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": b})
}

// Cancel abandons a booking that is still awaiting payment: POST /bookings/{id}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	b, ok := h.owned(w, r)
	if !ok {
		return
	}
	updated, err := h.Svc.Cancel(r.Context(), b.ID)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": updated})
}

// owned loads the {id} booking and hides bookings of other members behind a 404.
func (h *Handler) owned(w http.ResponseWriter, r *http.Request) (Booking, bool) {
	userID, ok := common.UserID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return Booking{}, false
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		common.WriteError(w, common.ValidationError("booking id is required", nil))
		return Booking{}, false
	}
	b, err := h.Svc.Get(r.Context(), id)
	if err != nil {
		common.WriteError(w, err)
		return Booking{}, false
	}
	if b.UserID != userID && (h.IsAdmin == nil || !h.IsAdmin(r)) {
		common.WriteError(w, common.NotFoundError("booking not found"))
		return Booking{}, false
	}
	return b, true
}

func (h *Handler) ready(w http.ResponseWriter) bool {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "booking service not configured", nil)
		return false
	}
	return true
}
