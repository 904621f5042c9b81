package payment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/anticca-payments/internal/common"
	"github.com/noah-isme/anticca-payments/internal/obs"
	"github.com/noah-isme/anticca-payments/internal/order"
)

// Handler exposes the Shopier create, webhook and callback endpoints.
type Handler struct {
	Svc         *Service
	Replay      *redis.Client
	ReplayTTL   time.Duration
	FrontendURL string
	// AllowedOrigins lists the Origin values that may serve as the redirect
	// base when FrontendURL is unset. Any other Origin is ignored.
	AllowedOrigins []string
	Logger         zerolog.Logger
	Now            func() time.Time
}

type createError struct {
	Error   string   `json:"error"`
	Code    string   `json:"code"`
	Message string   `json:"message,omitempty"`
	Fields  []string `json:"fields,omitempty"`
}

type webhookResp struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	OrderID   string `json:"orderId,omitempty"`
	PaymentID string `json:"paymentId,omitempty"`
}

// Create issues a signed merchant form for an order awaiting payment.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil || !h.Svc.Merchant.Configured() {
		common.JSON(w, http.StatusInternalServerError, createError{Error: "Payment service not configured", Code: "CONFIG_ERROR"})
		return
	}
	var req SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSON(w, http.StatusBadRequest, createError{Error: "Invalid request body", Code: "VALIDATION_ERROR"})
		return
	}
	form, err := h.Svc.CreateSession(r.Context(), req)
	if err != nil {
		var verr *ValidationError
		switch {
		case errors.Is(err, common.ErrConfiguration):
			common.JSON(w, http.StatusInternalServerError, createError{Error: "Payment service not configured", Code: "CONFIG_ERROR"})
		case errors.As(err, &verr):
			common.JSON(w, http.StatusBadRequest, createError{Error: "Missing required fields", Code: "VALIDATION_ERROR", Fields: verr.Fields})
		case errors.Is(err, ErrAmountMismatch):
			common.JSON(w, http.StatusBadRequest, createError{Error: "Order amount mismatch", Code: "VALIDATION_ERROR", Message: "orderAmount does not match the order total"})
		case errors.Is(err, common.ErrNotFound):
			common.JSON(w, http.StatusNotFound, createError{Error: "Order not found", Code: "NOT_FOUND"})
		case errors.Is(err, common.ErrConflict):
			common.JSON(w, http.StatusConflict, createError{Error: "Order is not awaiting payment", Code: "CONFLICT"})
		default:
			common.JSON(w, http.StatusInternalServerError, createError{Error: "Failed to create payment", Code: "INTERNAL_ERROR", Message: "internal error"})
		}
		return
	}
	common.JSON(w, http.StatusOK, form)
}

// WebhookHealth answers the gateway's GET probe.
func (h *Handler) WebhookHealth(w http.ResponseWriter, _ *http.Request) {
	common.JSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"endpoint":  "Shopier Webhook Handler",
		"timestamp": h.now().Format(time.RFC3339),
	})
}

// Webhook applies the asynchronous server-to-server payment result. Business
// rejections are acknowledged with 200 so the gateway stops retrying; only
// signature failures (401), unparseable input (400) and store failures (500)
// differ.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil || h.Svc.Merchant.Secret == "" || h.Svc.Orders == nil {
		common.JSON(w, http.StatusInternalServerError, webhookResp{Message: "Webhook handler not configured"})
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		common.JSON(w, http.StatusBadRequest, webhookResp{Message: "Invalid webhook data"})
		return
	}
	n, err := ParseNotification(r, body)
	if err != nil {
		common.JSON(w, http.StatusBadRequest, webhookResp{Message: "Invalid webhook data"})
		return
	}
	obs.TagOrder(r.Context(), n.OrderID, string(order.ChannelWebhook))
	h.Logger.Info().
		Str("order_id", n.OrderID).
		Str("status", n.Status).
		Str("payment_id", n.PaymentID).
		Msg("shopier webhook received")

	if err := h.Svc.Authenticate(n, order.ChannelWebhook); err != nil {
		switch {
		case errors.Is(err, ErrMissingFields):
			common.JSON(w, http.StatusBadRequest, webhookResp{Message: "Missing required fields"})
		case errors.Is(err, common.ErrSignature):
			common.JSON(w, http.StatusUnauthorized, webhookResp{Message: "Invalid signature"})
		default:
			common.JSON(w, http.StatusInternalServerError, webhookResp{Message: "Webhook handler not configured"})
		}
		return
	}

	replayKey := h.replayKey(body)
	if h.seen(r.Context(), replayKey) {
		common.JSON(w, http.StatusOK, webhookResp{Success: true, Message: "Already processed", OrderID: n.OrderID, PaymentID: n.PaymentID})
		return
	}

	_, _, err = h.Svc.Apply(r.Context(), n, order.ChannelWebhook)
	resp := webhookResp{OrderID: n.OrderID, PaymentID: n.PaymentID}
	switch {
	case err == nil:
		h.remember(r.Context(), replayKey)
		resp.Success = true
		resp.Message = "Payment verified"
		if !n.Succeeded() {
			resp.Message = "Payment failed"
		}
	case errors.Is(err, common.ErrNotFound):
		resp.Message = "Order not found"
	case errors.Is(err, order.ErrPaymentMismatch):
		resp.Message = "Payment conflict flagged for review"
	case errors.Is(err, order.ErrTerminal):
		resp.Message = "Order is cancelled"
	case errors.Is(err, common.ErrConflict):
		resp.Message = "Order is not awaiting payment"
	default:
		resp.Message = "Webhook processing failed"
		common.JSON(w, http.StatusInternalServerError, resp)
		return
	}
	common.JSON(w, http.StatusOK, resp)
}

// The replay guard short-circuits bodies the state machine has already
// accepted. Only accepted outcomes are remembered: a rejected delivery
// (unknown order, conflict) must reach the state machine again when the
// gateway retries. Without Redis, or when Redis fails, the state machine's
// own idempotency still applies.
func (h *Handler) replayKey(body []byte) string {
	if h.Replay == nil || h.ReplayTTL <= 0 {
		return ""
	}
	return "wh:shopier:" + common.Fingerprint(string(body))
}

func (h *Handler) seen(ctx context.Context, key string) bool {
	if key == "" {
		return false
	}
	n, err := h.Replay.Exists(ctx, key).Result()
	if err != nil {
		h.Logger.Warn().Err(err).Msg("webhook replay guard unavailable")
		return false
	}
	return n > 0
}

func (h *Handler) remember(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := h.Replay.Set(context.WithoutCancel(ctx), key, "1", h.ReplayTTL).Err(); err != nil {
		h.Logger.Warn().Err(err).Msg("record webhook replay key")
	}
}

// Callback failure codes and the messages shown to the shopper.
const (
	CodeParse        = "parse_error"
	CodeValidation   = "validation_error"
	CodeSignature    = "signature_error"
	CodePayment      = "payment_failed"
	CodeInternal     = "internal_error"
	CodeNotFound     = "order_not_found"
	CodeCancelled    = "order_cancelled"
	CodeConflict     = "payment_conflict"
	successPath      = "/checkout/success"
	failPath         = "/checkout/fail"
	callbackFallback = "Bir hata oluştu"
)

var callbackMessages = map[string]string{
	CodeParse:      "Ödeme verisi okunamadı",
	CodeValidation: "Eksik ödeme bilgisi",
	CodeSignature:  "Ödeme doğrulanamadı",
	CodePayment:    "Ödeme işlemi başarısız oldu",
	CodeInternal:   callbackFallback,
	CodeNotFound:   "Sipariş bulunamadı",
	CodeCancelled:  "Sipariş iptal edilmiş",
	CodeConflict:   "Ödeme incelemeye alındı",
}

// Callback handles the shopper's browser returning from the gateway. It
// always redirects, and success requires a verified signature.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	base := h.frontendBase(r)
	defer func() {
		if rec := recover(); rec != nil {
			h.Logger.Error().Interface("panic", rec).Msg("shopier callback panic")
			h.fail(w, r, base, CodeInternal, "")
		}
	}()

	var body []byte
	if r.Method == http.MethodPost && r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			h.fail(w, r, base, CodeParse, "")
			return
		}
		body = b
	}
	n, err := ParseNotification(r, body)
	if err != nil {
		h.fail(w, r, base, CodeParse, "")
		return
	}
	obs.TagOrder(r.Context(), n.OrderID, string(order.ChannelCallback))
	if h.Svc == nil || h.Svc.Orders == nil {
		h.fail(w, r, base, CodeInternal, n.OrderID)
		return
	}
	if err := h.Svc.Authenticate(n, order.ChannelCallback); err != nil {
		switch {
		case errors.Is(err, ErrMissingFields):
			h.fail(w, r, base, CodeValidation, n.OrderID)
		case errors.Is(err, common.ErrSignature):
			h.fail(w, r, base, CodeSignature, n.OrderID)
		default:
			h.fail(w, r, base, CodeInternal, n.OrderID)
		}
		return
	}

	if !h.Svc.Scheme.CoversStatus() {
		h.acknowledgeCallback(w, r, base, n)
		return
	}

	_, _, err = h.Svc.Apply(r.Context(), n, order.ChannelCallback)
	if code := callbackErrorCode(err); code != "" {
		h.fail(w, r, base, code, n.OrderID)
		return
	}
	if !n.Succeeded() {
		h.fail(w, r, base, CodePayment, n.OrderID)
		return
	}
	http.Redirect(w, r, redirectURL(base, successPath, url.Values{
		"orderId":     {n.OrderID},
		"paymentId":   {n.PaymentID},
		"installment": {strconv.Itoa(n.InstallmentCount())},
	}), http.StatusFound)
}

// acknowledgeCallback serves callbacks whose signature leaves the status
// unauthenticated. The order is never moved; the redirect reflects what the
// webhook has already settled, and a claimed success the webhook has not yet
// confirmed lands on the success page flagged pending.
func (h *Handler) acknowledgeCallback(w http.ResponseWriter, r *http.Request, base string, n Notification) {
	o, err := h.Svc.Acknowledge(r.Context(), n, order.ChannelCallback)
	if code := callbackErrorCode(err); code != "" {
		h.fail(w, r, base, code, n.OrderID)
		return
	}
	switch {
	case o.Status.Settled():
		http.Redirect(w, r, redirectURL(base, successPath, url.Values{
			"orderId":     {o.ID},
			"paymentId":   {o.PaymentID},
			"installment": {strconv.Itoa(o.Installment)},
		}), http.StatusFound)
	case !n.Succeeded():
		h.fail(w, r, base, CodePayment, n.OrderID)
	default:
		http.Redirect(w, r, redirectURL(base, successPath, url.Values{
			"orderId": {n.OrderID},
			"pending": {"true"},
		}), http.StatusFound)
	}
}

func callbackErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, common.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, order.ErrTerminal):
		return CodeCancelled
	case errors.Is(err, order.ErrPaymentMismatch):
		return CodeConflict
	default:
		return CodeInternal
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, base, code, orderID string) {
	q := url.Values{"error": {code}, "message": {callbackMessages[code]}}
	if orderID != "" {
		q.Set("orderId", orderID)
	}
	http.Redirect(w, r, redirectURL(base, failPath, q), http.StatusFound)
}

// frontendBase prefers the configured frontend, then an allow-listed Origin
// header, then the origin the request arrived on.
func (h *Handler) frontendBase(r *http.Request) string {
	if h != nil && h.FrontendURL != "" {
		return h.FrontendURL
	}
	if origin := strings.TrimSpace(r.Header.Get("Origin")); origin != "" && h != nil && slices.Contains(h.AllowedOrigins, origin) {
		return origin
	}
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func redirectURL(base, path string, q url.Values) string {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return path + "?" + q.Encode()
	}
	target := u.ResolveReference(&url.URL{Path: path})
	target.RawQuery = q.Encode()
	return target.String()
}

func (h *Handler) now() time.Time {
	if h != nil && h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}
