package orgbooking

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/training-booking/internal/common"
)

// Handler serves the organisation bulk booking endpoints under /organisations/{orgId}/bulk.
type Handler struct {
	Svc *Service
}

type bulkPayload struct {
	CourseID       string          `json:"courseId" validate:"required"`
	CourseDateID   string          `json:"courseDateId" validate:"required"`
	Variant        string          `json:"variant" validate:"omitempty,max=64"`
	Members        []MemberRequest `json:"members" validate:"required,min=1,max=200,dive"`
	IdempotencyKey string          `json:"idempotencyKey" validate:"omitempty,max=128"`
	SuccessURL     string          `json:"successUrl" validate:"omitempty,url"`
	CancelURL      string          `json:"cancelUrl" validate:"omitempty,url"`
}

// Quote prices a bulk booking without side effects: POST /organisations/{orgId}/bulk/quote.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	req, ok := h.request(w, r, false)
	if !ok {
		return
	}
	q, err := h.Svc.Quote(r.Context(), req)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": q})
}

// PayNow books the members and opens one checkout for the total: POST /organisations/{orgId}/bulk/pay-now.
func (h *Handler) PayNow(w http.ResponseWriter, r *http.Request) {
	req, ok := h.request(w, r, true)
	if !ok {
		return
	}
	bulk, err := h.Svc.PayNow(r.Context(), req)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": bulk})
}

// Invoice books the members against an invoice: POST /organisations/{orgId}/bulk/invoice.
func (h *Handler) Invoice(w http.ResponseWriter, r *http.Request) {
	req, ok := h.request(w, r, true)
	if !ok {
		return
	}
	bulk, err := h.Svc.Invoice(r.Context(), req)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": bulk})
}

// Get returns one bulk booking of the organisation: GET /organisations/{orgId}/bulk/{bulkId}.
// Only the organisation administrator may read it.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	userID, ok := common.UserID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return
	}
	orgID := strings.TrimSpace(chi.URLParam(r, "orgId"))
	bulk, err := h.Svc.Get(r.Context(), orgID, chi.URLParam(r, "bulkId"))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	if bulk.AdminUserID != userID {
		common.WriteError(w, common.NotFoundError("bulk booking not found"))
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": bulk})
}

// MarkPaid records that an invoice was settled: POST /admin/bulk/{bulkId}/invoice-paid.
func (h *Handler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	bulk, err := h.Svc.MarkInvoicePaid(r.Context(), chi.URLParam(r, "bulkId"))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": bulk})
}

func (h *Handler) request(w http.ResponseWriter, r *http.Request, needsKey bool) (Request, bool) {
	if !h.ready(w) {
		return Request{}, false
	}
	userID, ok := common.UserID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return Request{}, false
	}
	var payload bulkPayload
	if err := common.DecodeJSON(r, &payload); err != nil {
		common.WriteError(w, err)
		return Request{}, false
	}
	key := common.IdempotencyKey(r.Context())
	if key == "" {
		key = strings.TrimSpace(payload.IdempotencyKey)
	}
	if needsKey && key == "" {
		common.WriteError(w, common.ValidationError("an Idempotency-Key header is required", nil))
		return Request{}, false
	}
	return Request{
		OrganisationID: strings.TrimSpace(chi.URLParam(r, "orgId")),
		AdminUserID:    userID,
		CourseID:       payload.CourseID,
		CourseDateID:   payload.CourseDateID,
		Variant:        payload.Variant,
		Members:        payload.Members,
		IdempotencyKey: key,
		SuccessURL:     payload.SuccessURL,
		CancelURL:      payload.CancelURL,
	}, true
}

func (h *Handler) ready(w http.ResponseWriter) bool {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "bulk booking service not configured", nil)
		return false
	}
	return true
}
