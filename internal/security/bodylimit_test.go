package security

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestBodyLimit(t *testing.T) {
	form := "platform_order_id=ORD1&status=success&random_nr=123456"
	cases := []struct {
		name       string
		max        int64
		body       string
		declared   int64
		wantStatus int
		wantBody   string
	}{
		{name: "within limit", max: 64, body: form, declared: int64(len(form)), wantStatus: http.StatusOK, wantBody: form},
		{name: "exactly at limit", max: int64(len(form)), body: form, declared: -1, wantStatus: http.StatusOK, wantBody: form},
		{name: "streamed oversize", max: 5, body: form, declared: -1, wantStatus: http.StatusRequestEntityTooLarge},
		{name: "declared oversize", max: 5, body: "tiny", declared: 100, wantStatus: http.StatusRequestEntityTooLarge},
		{name: "disabled", max: 0, body: form, declared: -1, wantStatus: http.StatusOK, wantBody: form},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var seen string
			handler := BodyLimit{Max: tc.max}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				data, err := io.ReadAll(r.Body)
				if err != nil {
					t.Fatalf("read body: %v", err)
				}
				seen = string(data)
			}))
			req := httptest.NewRequest(http.MethodPost, "/api/payments/shopier/webhook", strings.NewReader(tc.body))
			req.ContentLength = tc.declared
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tc.wantStatus {
				t.Fatalf("expected %d got %d", tc.wantStatus, rr.Code)
			}
			if tc.wantStatus == http.StatusRequestEntityTooLarge {
				if !strings.Contains(rr.Body.String(), "PAYLOAD_TOO_LARGE") {
					t.Fatalf("expected json error body, got %q", rr.Body.String())
				}
				return
			}
			if seen != tc.wantBody {
				t.Fatalf("handler saw %q", seen)
			}
		})
	}
}

func TestBodyLimitSetsBufferedLength(t *testing.T) {
	var length int64
	handler := BodyLimit{Max: 32}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		length = r.ContentLength
	}))
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("status=failed"))
	req.ContentLength = -1
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if length != int64(len("status=failed")) {
		t.Fatalf("expected buffered content length, got %d", length)
	}
}
