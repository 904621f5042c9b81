package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/anticca-payments/internal/order"
	"github.com/noah-isme/anticca-payments/internal/order/ordertest"
)

func newTestHandler(t *testing.T, store order.Store) (*Handler, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	svc, _, _ := newTestService(store)
	return &Handler{
		Svc:         svc,
		Replay:      rdb,
		ReplayTTL:   time.Hour,
		FrontendURL: "https://anticca.example",
		Logger:      zerolog.Nop(),
		Now:         func() time.Time { return fixedNow },
	}, mr
}

func formBody(n Notification) string {
	return url.Values{
		"platform_order_id": {n.OrderID},
		"API_key":           {n.APIKey},
		"status":            {n.Status},
		"installment":       {n.Installment},
		"payment_id":        {n.PaymentID},
		"random_nr":         {n.Nonce},
		"signature":         {n.Signature},
	}.Encode()
}

func postForm(h http.HandlerFunc, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

func decodeWebhook(t *testing.T, rr *httptest.ResponseRecorder) webhookResp {
	t.Helper()
	var resp webhookResp
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func TestWebhookSuccessPaysOrder(t *testing.T) {
	store := ordertest.NewStore(pendingOrder("ORD1"))
	h, _ := newTestHandler(t, store)
	n := signedNotification(t, "ORD1", "123456", "success", "pay-1")

	rr := postForm(h.Webhook, "/api/payments/shopier/webhook", formBody(n))
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decodeWebhook(t, rr)
	require.True(t, resp.Success)
	require.Equal(t, "Payment verified", resp.Message)
	require.Equal(t, "ORD1", resp.OrderID)
	require.Equal(t, "pay-1", resp.PaymentID)

	o, err := store.Get(context.Background(), "ORD1")
	require.NoError(t, err)
	require.Equal(t, order.StatusPaid, o.Status)
}

func TestWebhookJSONPayload(t *testing.T) {
	store := ordertest.NewStore(pendingOrder("ORD1"))
	h, _ := newTestHandler(t, store)
	sig, err := Sign(testSecret, "123456", "ORD1")
	require.NoError(t, err)
	body := `{"platform_order_id":"ORD1","status":"success","installment":1,"payment_id":42,"random_nr":123456,"signature":"` + sig + `"}`

	req := httptest.NewRequest(http.MethodPost, "/api/payments/shopier/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.Webhook(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "42", decodeWebhook(t, rr).PaymentID)
}

func TestWebhookTamperedSignature(t *testing.T) {
	store := ordertest.NewStore(pendingOrder("ORD1"))
	h, mr := newTestHandler(t, store)
	n := signedNotification(t, "ORD1", "123456", "success", "pay-1")
	n.Signature = strings.ToLower(n.Signature)

	rr := postForm(h.Webhook, "/api/payments/shopier/webhook", formBody(n))
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	resp := decodeWebhook(t, rr)
	require.False(t, resp.Success)
	require.Equal(t, "Invalid signature", resp.Message)
	require.Zero(t, store.Writes)
	require.Empty(t, mr.Keys(), "rejected deliveries must not claim the replay key")
}

func TestWebhookMalformedAndMissing(t *testing.T) {
	h, _ := newTestHandler(t, ordertest.NewStore(pendingOrder("ORD1")))

	req := httptest.NewRequest(http.MethodPost, "/api/payments/shopier/webhook", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.Webhook(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Invalid webhook data", decodeWebhook(t, rr).Message)

	rr = postForm(h.Webhook, "/api/payments/shopier/webhook", "platform_order_id=ORD1&status=success")
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Missing required fields", decodeWebhook(t, rr).Message)
}

func TestWebhookNotConfigured(t *testing.T) {
	h, _ := newTestHandler(t, ordertest.NewStore())
	h.Svc.Merchant.Secret = ""
	rr := postForm(h.Webhook, "/api/payments/shopier/webhook", "")
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.Equal(t, "Webhook handler not configured", decodeWebhook(t, rr).Message)
}

func TestWebhookReplayIsAcknowledged(t *testing.T) {
	store := ordertest.NewStore(pendingOrder("ORD1"))
	h, _ := newTestHandler(t, store)
	body := formBody(signedNotification(t, "ORD1", "123456", "success", "pay-1"))

	require.Equal(t, http.StatusOK, postForm(h.Webhook, "/api/payments/shopier/webhook", body).Code)
	rr := postForm(h.Webhook, "/api/payments/shopier/webhook", body)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decodeWebhook(t, rr)
	require.True(t, resp.Success)
	require.Equal(t, "Already processed", resp.Message)
	require.Equal(t, 1, store.Writes)
}

func TestWebhookConflictAcknowledgedWithoutMutation(t *testing.T) {
	store := ordertest.NewStore(pendingOrder("ORD1"))
	h, _ := newTestHandler(t, store)

	rr := postForm(h.Webhook, "/api/payments/shopier/webhook", formBody(signedNotification(t, "ORD1", "1", "success", "pay-1")))
	require.True(t, decodeWebhook(t, rr).Success)

	rr = postForm(h.Webhook, "/api/payments/shopier/webhook", formBody(signedNotification(t, "ORD1", "2", "success", "pay-2")))
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decodeWebhook(t, rr)
	require.False(t, resp.Success)
	require.Equal(t, "Payment conflict flagged for review", resp.Message)

	o, err := store.Get(context.Background(), "ORD1")
	require.NoError(t, err)
	require.Equal(t, "pay-1", o.PaymentID)
}

func TestWebhookStoreFailureLeavesNoReplayKey(t *testing.T) {
	store := ordertest.NewStore(pendingOrder("ORD1"))
	store.Err = context.DeadlineExceeded
	h, mr := newTestHandler(t, store)
	body := formBody(signedNotification(t, "ORD1", "123456", "success", "pay-1"))

	rr := postForm(h.Webhook, "/api/payments/shopier/webhook", body)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.Empty(t, mr.Keys())

	store.Err = nil
	rr = postForm(h.Webhook, "/api/payments/shopier/webhook", body)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "Payment verified", decodeWebhook(t, rr).Message)
}

func TestWebhookRedeliveryAfterUnknownOrderIsApplied(t *testing.T) {
	store := ordertest.NewStore()
	h, mr := newTestHandler(t, store)
	body := formBody(signedNotification(t, "ORD1", "123456", "success", "pay-1"))

	rr := postForm(h.Webhook, "/api/payments/shopier/webhook", body)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "Order not found", decodeWebhook(t, rr).Message)
	require.Empty(t, mr.Keys())

	store.Put(pendingOrder("ORD1"))
	rr = postForm(h.Webhook, "/api/payments/shopier/webhook", body)
	resp := decodeWebhook(t, rr)
	require.True(t, resp.Success)
	require.Equal(t, "Payment verified", resp.Message)

	o, err := store.Get(context.Background(), "ORD1")
	require.NoError(t, err)
	require.Equal(t, order.StatusPaid, o.Status)
}

func TestWebhookConflictRedeliveryStaysFlagged(t *testing.T) {
	store := ordertest.NewStore(pendingOrder("ORD1"))
	h, _ := newTestHandler(t, store)
	require.True(t, decodeWebhook(t, postForm(h.Webhook, "/api/payments/shopier/webhook", formBody(signedNotification(t, "ORD1", "1", "success", "pay-1")))).Success)

	conflicting := formBody(signedNotification(t, "ORD1", "2", "success", "pay-2"))
	for i := 0; i < 2; i++ {
		resp := decodeWebhook(t, postForm(h.Webhook, "/api/payments/shopier/webhook", conflicting))
		require.False(t, resp.Success)
		require.Equal(t, "Payment conflict flagged for review", resp.Message)
	}
	o, err := store.Get(context.Background(), "ORD1")
	require.NoError(t, err)
	require.Equal(t, "pay-1", o.PaymentID)
}

func TestWebhookFailedStatus(t *testing.T) {
	store := ordertest.NewStore(pendingOrder("ORD1"))
	h, _ := newTestHandler(t, store)
	rr := postForm(h.Webhook, "/api/payments/shopier/webhook", formBody(signedNotification(t, "ORD1", "5", "failed", "pay-1")))
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decodeWebhook(t, rr)
	require.True(t, resp.Success)
	require.Equal(t, "Payment failed", resp.Message)
}

func TestWebhookHealth(t *testing.T) {
	h, _ := newTestHandler(t, ordertest.NewStore())
	rr := httptest.NewRecorder()
	h.WebhookHealth(rr, httptest.NewRequest(http.MethodGet, "/api/payments/shopier/webhook", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, fixedNow.Format(time.RFC3339), body["timestamp"])
}

func redirectTarget(t *testing.T, rr *httptest.ResponseRecorder) *url.URL {
	t.Helper()
	require.Equal(t, http.StatusFound, rr.Code)
	u, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	return u
}

func TestCallbackSuccessRedirect(t *testing.T) {
	store := ordertest.NewStore(pendingOrder("ORD1"))
	h, _ := newTestHandler(t, store)
	h.Svc.Scheme = SchemeOrderStatus
	n := signedFor(t, SchemeOrderStatus, "ORD1", "123456", "success", "pay-1")

	u := redirectTarget(t, postForm(h.Callback, "/api/payments/shopier/callback", formBody(n)))
	require.Equal(t, "anticca.example", u.Host)
	require.Equal(t, "/checkout/success", u.Path)
	require.Equal(t, "ORD1", u.Query().Get("orderId"))
	require.Equal(t, "pay-1", u.Query().Get("paymentId"))
	require.Equal(t, "1", u.Query().Get("installment"))

	o, err := store.Get(context.Background(), "ORD1")
	require.NoError(t, err)
	require.Equal(t, order.StatusPaid, o.Status)
	require.NotNil(t, o.CallbackReceivedAt)
	require.Nil(t, o.WebhookReceivedAt)
}

func TestCallbackWithoutSignatureNeverSucceeds(t *testing.T) {
	store := ordertest.NewStore(pendingOrder("ORD1"))
	h, _ := newTestHandler(t, store)

	req := httptest.NewRequest(http.MethodGet, "/api/payments/shopier/callback?platform_order_id=ORD1&status=success&payment_id=pay-1&random_nr=1", nil)
	rr := httptest.NewRecorder()
	h.Callback(rr, req)

	u := redirectTarget(t, rr)
	require.Equal(t, "/checkout/fail", u.Path)
	require.Equal(t, CodeValidation, u.Query().Get("error"))
	require.Equal(t, "Eksik ödeme bilgisi", u.Query().Get("message"))
	require.Zero(t, store.Writes)
}

func TestCallbackFailureCodes(t *testing.T) {
	cancelled := pendingOrder("ORD-C")
	cancelled.Status = order.StatusCancelled
	store := ordertest.NewStore(pendingOrder("ORD1"), cancelled)
	h, _ := newTestHandler(t, store)
	h.Svc.Scheme = SchemeOrderStatus

	bad := signedFor(t, SchemeOrderStatus, "ORD1", "1", "success", "pay-1")
	bad.Signature = "AAAA" + bad.Signature[4:]

	cases := []struct {
		name string
		n    Notification
		code string
	}{
		{"signature", bad, CodeSignature},
		{"gateway failure", signedFor(t, SchemeOrderStatus, "ORD1", "2", "failed", "pay-1"), CodePayment},
		{"cancelled order", signedFor(t, SchemeOrderStatus, "ORD-C", "3", "success", "pay-1"), CodeCancelled},
		{"unknown order", signedFor(t, SchemeOrderStatus, "ORD404", "4", "success", "pay-1"), CodeNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			u := redirectTarget(t, postForm(h.Callback, "/api/payments/shopier/callback", formBody(tc.n)))
			require.Equal(t, "/checkout/fail", u.Path)
			require.Equal(t, tc.code, u.Query().Get("error"))
			require.Equal(t, callbackMessages[tc.code], u.Query().Get("message"))
			require.Equal(t, tc.n.OrderID, u.Query().Get("orderId"))
		})
	}
	o, err := store.Get(context.Background(), "ORD1")
	require.NoError(t, err)
	require.Equal(t, order.StatusPendingPayment, o.Status)
	require.True(t, o.PaymentFailed)
}

func TestCallbackStoreFailureRedirectsInternal(t *testing.T) {
	store := ordertest.NewStore(pendingOrder("ORD1"))
	store.Err = context.DeadlineExceeded
	h, _ := newTestHandler(t, store)
	h.FrontendURL = ""
	h.AllowedOrigins = []string{"https://shop.example"}

	req := httptest.NewRequest(http.MethodPost, "/api/payments/shopier/callback", strings.NewReader(formBody(signedNotification(t, "ORD1", "1", "success", "p"))))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Origin", "https://shop.example")
	rr := httptest.NewRecorder()
	h.Callback(rr, req)

	u := redirectTarget(t, rr)
	require.Equal(t, "shop.example", u.Host)
	require.Equal(t, CodeInternal, u.Query().Get("error"))
	require.Equal(t, "Bir hata oluştu", u.Query().Get("message"))
}

func TestCallbackStatusOutsideSignatureNeverSettles(t *testing.T) {
	store := ordertest.NewStore(pendingOrder("ORD1"))
	h, _ := newTestHandler(t, store)
	n := signedNotification(t, "ORD1", "123456", "failed", "pay-9")
	n.Status = "success"

	req := httptest.NewRequest(http.MethodGet, "/api/payments/shopier/callback?"+formBody(n), nil)
	rr := httptest.NewRecorder()
	h.Callback(rr, req)

	u := redirectTarget(t, rr)
	require.Equal(t, "/checkout/success", u.Path)
	require.Equal(t, "true", u.Query().Get("pending"))
	require.Empty(t, u.Query().Get("paymentId"))

	o, err := store.Get(context.Background(), "ORD1")
	require.NoError(t, err)
	require.Equal(t, order.StatusPendingPayment, o.Status)
	require.Empty(t, o.PaymentID)
	require.False(t, o.PaymentFailed)
	require.NotNil(t, o.CallbackReceivedAt)
}

func TestCallbackReportsWebhookSettlement(t *testing.T) {
	store := ordertest.NewStore(pendingOrder("ORD1"))
	h, _ := newTestHandler(t, store)
	require.True(t, decodeWebhook(t, postForm(h.Webhook, "/api/payments/shopier/webhook", formBody(signedNotification(t, "ORD1", "123456", "success", "pay-1")))).Success)

	n := signedNotification(t, "ORD1", "123456", "failed", "forged")
	u := redirectTarget(t, postForm(h.Callback, "/api/payments/shopier/callback", formBody(n)))
	require.Equal(t, "/checkout/success", u.Path)
	require.Equal(t, "pay-1", u.Query().Get("paymentId"))

	o, err := store.Get(context.Background(), "ORD1")
	require.NoError(t, err)
	require.Equal(t, "pay-1", o.PaymentID)
	require.NotNil(t, o.CallbackReceivedAt)
}

func TestCallbackReportedFailureWithoutStatusSignature(t *testing.T) {
	store := ordertest.NewStore(pendingOrder("ORD1"))
	h, _ := newTestHandler(t, store)

	u := redirectTarget(t, postForm(h.Callback, "/api/payments/shopier/callback", formBody(signedNotification(t, "ORD1", "1", "failed", "pay-1"))))
	require.Equal(t, CodePayment, u.Query().Get("error"))

	o, err := store.Get(context.Background(), "ORD1")
	require.NoError(t, err)
	require.Equal(t, order.StatusPendingPayment, o.Status)
	require.False(t, o.PaymentFailed)
}

func TestCallbackFlippedStatusFailsSignedStatusScheme(t *testing.T) {
	store := ordertest.NewStore(pendingOrder("ORD1"))
	h, _ := newTestHandler(t, store)
	h.Svc.Scheme = SchemeOrderStatus
	n := signedFor(t, SchemeOrderStatus, "ORD1", "123456", "failed", "pay-9")
	n.Status = "success"

	u := redirectTarget(t, postForm(h.Callback, "/api/payments/shopier/callback", formBody(n)))
	require.Equal(t, CodeSignature, u.Query().Get("error"))
	require.Zero(t, store.Writes)
}

func TestCallbackIgnoresUnlistedOrigin(t *testing.T) {
	h, _ := newTestHandler(t, ordertest.NewStore())
	h.FrontendURL = ""
	h.AllowedOrigins = []string{"https://anticca.example"}
	req := httptest.NewRequest(http.MethodPost, "http://api.anticca.test/api/payments/shopier/callback", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "https://evil.example")
	rr := httptest.NewRecorder()
	h.Callback(rr, req)

	require.Equal(t, "api.anticca.test", redirectTarget(t, rr).Host)
}

func TestCallbackParseErrorFallsBackToRequestOrigin(t *testing.T) {
	h, _ := newTestHandler(t, ordertest.NewStore())
	h.FrontendURL = ""
	req := httptest.NewRequest(http.MethodPost, "http://api.anticca.test/api/payments/shopier/callback", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.Callback(rr, req)

	u := redirectTarget(t, rr)
	require.Equal(t, "api.anticca.test", u.Host)
	require.Equal(t, CodeParse, u.Query().Get("error"))
}

func TestCreateHandler(t *testing.T) {
	store := ordertest.NewStore(pendingOrder("ORD1"))
	h, _ := newTestHandler(t, store)
	h.Svc.NewNonce = func() (string, error) { return "123456", nil }

	body := `{"orderId":"ORD1","orderAmount":150,"buyer":{"id":"u-1","name":"Ayşe Yılmaz","email":"ayse@example.com","phone":"05321234567"},"address":{"address":"Bağdat Cd. 1","city":"İstanbul","country":"Türkiye","postcode":"34710"}}`
	rr := httptest.NewRecorder()
	h.Create(rr, httptest.NewRequest(http.MethodPost, "/api/payments/shopier/create", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		PaymentURL string            `json:"paymentUrl"`
		FormData   map[string]string `json:"formData"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, testMerchant().PaymentURL, resp.PaymentURL)
	require.Equal(t, "LJbY+pTqo+yzDjSu0at5hc6dAhhypM1Nv9MtwnQfJCI=", resp.FormData["signature"])
	require.Equal(t, "Yılmaz", resp.FormData["buyer_surname"])
}

func TestCreateHandlerErrors(t *testing.T) {
	store := ordertest.NewStore(pendingOrder("ORD1"))
	h, _ := newTestHandler(t, store)

	cases := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"bad json", "{", http.StatusBadRequest, "VALIDATION_ERROR"},
		{"missing fields", `{"orderId":"ORD1"}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unknown order", `{"orderId":"NOPE","orderAmount":1,"buyer":{"name":"A","email":"a@example.com"}}`, http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.Create(rr, httptest.NewRequest(http.MethodPost, "/api/payments/shopier/create", strings.NewReader(tc.body)))
			require.Equal(t, tc.status, rr.Code)
			var resp createError
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			require.Equal(t, tc.code, resp.Code)
		})
	}

	h.Svc.Merchant.APIKey = ""
	rr := httptest.NewRecorder()
	h.Create(rr, httptest.NewRequest(http.MethodPost, "/api/payments/shopier/create", strings.NewReader(`{}`)))
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	var resp createError
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "CONFIG_ERROR", resp.Code)
	require.Equal(t, "Payment service not configured", resp.Error)
}
