package order

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/anticca-payments/internal/common"
)

// Handler serves order endpoints for authenticated buyers.
type Handler struct {
	Svc *Service
}

func actorFrom(r *http.Request) (Actor, bool) {
	ctx := r.Context()
	userID, _ := common.UserID(ctx)
	email, _ := common.UserEmail(ctx)
	if userID == "" && email == "" {
		return Actor{}, false
	}
	return Actor{UserID: userID, Email: email, Admin: common.IsAdmin(ctx)}, true
}

// Get returns the payment view of an order.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "order service not configured", nil)
		return
	}
	actor, ok := actorFrom(r)
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderId"))
	if orderID == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid order id", nil)
		return
	}
	ord, err := h.Svc.Get(r.Context(), orderID, actor)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": view(ord)})
}

// Cancel lets the buyer cancel an order that is still awaiting payment.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return
	}
	actor.Admin = false
	h.cancel(w, r, actor)
}

// AdminHandler exposes privileged order operations.
type AdminHandler struct {
	Svc *Service
}

// Cancel cancels any order awaiting payment.
func (h *AdminHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok || !actor.Admin {
		common.JSONError(w, http.StatusForbidden, "FORBIDDEN", "insufficient permissions", nil)
		return
	}
	(&Handler{Svc: h.Svc}).cancel(w, r, actor)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request, actor Actor) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "order service not configured", nil)
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderId"))
	if orderID == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid order id", nil)
		return
	}
	ord, err := h.Svc.Cancel(r.Context(), orderID, actor)
	if err != nil {
		if errors.Is(err, ErrInvalidState) || errors.Is(err, ErrTerminal) {
			common.JSONError(w, http.StatusConflict, "INVALID_STATE", "only orders awaiting payment can be cancelled", nil)
			return
		}
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]any{"id": ord.ID, "status": ord.Status}})
}

func view(o Order) map[string]any {
	out := map[string]any{
		"id":            o.ID,
		"status":        o.Status,
		"paymentFailed": o.PaymentFailed,
		"paymentId":     nullable(o.PaymentID),
		"installment":   o.Installment,
		"paidAt":        o.PaidAt,
		"cancelledAt":   o.CancelledAt,
		"webhookAt":     o.WebhookReceivedAt,
		"callbackAt":    o.CallbackReceivedAt,
		"updatedAt":     o.UpdatedAt.Format(time.RFC3339),
	}
	if o.Total.Valid {
		out["total"] = o.Total.Decimal.StringFixed(2)
	}
	return out
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
