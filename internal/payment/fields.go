package payment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/noah-isme/anticca-payments/internal/common"
)

// Inbound field names shared by the webhook and the browser callback.
const (
	fieldOrderID     = "platform_order_id"
	fieldAPIKey      = "API_key"
	fieldStatus      = "status"
	fieldInstallment = "installment"
	fieldPaymentID   = "payment_id"
	fieldNonce       = "random_nr"
	fieldSignature   = "signature"
)

var notificationFields = []string{fieldOrderID, fieldAPIKey, fieldStatus, fieldInstallment, fieldPaymentID, fieldNonce, fieldSignature}

// StatusSuccess is the only gateway status that settles an order.
const StatusSuccess = "success"

var (
	// ErrMalformed marks a payload that could not be parsed at all.
	ErrMalformed = fmt.Errorf("%w: malformed notification", common.ErrValidation)
	// ErrMissingFields marks a parsed payload without orderId, signature or nonce.
	ErrMissingFields = fmt.Errorf("%w: missing required fields", common.ErrValidation)
)

// Notification is a gateway payment result normalised to flat string fields.
type Notification struct {
	OrderID     string
	APIKey      string
	Status      string
	Installment string
	PaymentID   string
	Nonce       string
	Signature   string
}

// Succeeded reports whether the gateway reported a successful payment.
func (n Notification) Succeeded() bool {
	return strings.EqualFold(strings.TrimSpace(n.Status), StatusSuccess)
}

// InstallmentCount parses the installment field, 0 when absent or invalid.
func (n Notification) InstallmentCount() int {
	v, err := strconv.Atoi(strings.TrimSpace(n.Installment))
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// Validate checks the fields every inbound channel requires.
func (n Notification) Validate() error {
	if n.OrderID == "" || n.Signature == "" || n.Nonce == "" {
		return ErrMissingFields
	}
	return nil
}

// ParseNotification normalises body according to the request content type:
// form-urlencoded, JSON, or a query-string body as fallback. Fields absent
// from the body are taken from the URL query so GET callbacks work too.
func ParseNotification(r *http.Request, body []byte) (Notification, error) {
	values := map[string]string{}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch {
	case mediaType == "application/json":
		if err := decodeJSONFields(body, values); err != nil {
			return Notification{}, err
		}
	case len(bytes.TrimSpace(body)) > 0:
		parsed, err := url.ParseQuery(string(bytes.TrimSpace(body)))
		if err != nil {
			return Notification{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		for _, f := range notificationFields {
			if v := parsed.Get(f); v != "" {
				values[f] = v
			}
		}
	}

	query := r.URL.Query()
	for _, f := range notificationFields {
		if values[f] == "" {
			if v := query.Get(f); v != "" {
				values[f] = v
			}
		}
	}

	n := Notification{
		OrderID:     strings.TrimSpace(values[fieldOrderID]),
		APIKey:      strings.TrimSpace(values[fieldAPIKey]),
		Status:      strings.TrimSpace(values[fieldStatus]),
		Installment: strings.TrimSpace(values[fieldInstallment]),
		PaymentID:   strings.TrimSpace(values[fieldPaymentID]),
		Nonce:       strings.TrimSpace(values[fieldNonce]),
		Signature:   strings.TrimSpace(values[fieldSignature]),
	}
	if n.Status == "" {
		n.Status = "failed"
	}
	if n.Installment == "" {
		n.Installment = "0"
	}
	return n, nil
}

// decodeJSONFields flattens a JSON object into string fields. Numbers keep
// their literal text so numeric nonces and payment ids sign identically.
func decodeJSONFields(body []byte, out map[string]string) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for _, f := range notificationFields {
		switch v := raw[f].(type) {
		case nil:
		case string:
			out[f] = v
		case json.Number:
			out[f] = v.String()
		case bool:
			out[f] = strconv.FormatBool(v)
		default:
			return fmt.Errorf("%w: field %s has unsupported type", ErrMalformed, f)
		}
	}
	return nil
}
