package ledger

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/training-booking/internal/common"
)

// Handler exposes balance reads for members and credit administration for operators.
type Handler struct {
	Svc *Service
}

type grantPayload struct {
	UserID         string          `json:"userId" validate:"required"`
	Hours          decimal.Decimal `json:"hours"`
	Reason         string          `json:"reason" validate:"required,max=200"`
	IdempotencyKey string          `json:"idempotencyKey" validate:"omitempty,max=128"`
}

// Balance returns the caller's credit account: GET /credits.
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	userID, ok := common.UserID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return
	}
	acct, err := h.Svc.Account(r.Context(), userID)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": acct})
}

// Transactions pages through the caller's ledger, oldest first: GET /credits/transactions.
func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	userID, ok := common.UserID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return
	}
	page := common.PageFrom(r, 50, 200)
	txs, err := h.Svc.History(r.Context(), userID, page.Size, page.Offset())
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"data":       txs,
		"pagination": page.Meta(len(txs)),
	})
}

// Grant allocates credit hours to a member: POST /admin/credits/grant.
func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var payload grantPayload
	if err := common.DecodeJSON(r, &payload); err != nil {
		common.WriteError(w, err)
		return
	}
	key := common.IdempotencyKey(r.Context())
	if key == "" {
		key = strings.TrimSpace(payload.IdempotencyKey)
	}
	if key != "" {
		key = "grant:" + key
	}
	tx, err := h.Svc.Credit(r.Context(), payload.UserID, payload.Hours, payload.Reason, key)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": tx})
}

// Verify replays a member's ledger and freezes it on mismatch: POST /admin/ledger/{userId}/verify.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	userID := strings.TrimSpace(chi.URLParam(r, "userId"))
	if userID == "" {
		common.WriteError(w, common.ValidationError("user id is required", nil))
		return
	}
	if err := h.Svc.Verify(r.Context(), userID); err != nil {
		common.WriteError(w, err)
		return
	}
	acct, err := h.Svc.Account(r.Context(), userID)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]any{"verified": true, "account": acct}})
}

func (h *Handler) ready(w http.ResponseWriter) bool {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "ledger service not configured", nil)
		return false
	}
	return true
}
