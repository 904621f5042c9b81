package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/noah-isme/anticca-payments/internal/common"
)

// InboundScheme selects which fields an inbound notification signature covers.
type InboundScheme string

const (
	// SchemeOrder signs nonce + orderId. This is what the live gateway sends.
	SchemeOrder InboundScheme = "order"
	// SchemeOrderStatus signs nonce + orderId + status (legacy gateway variant).
	SchemeOrderStatus InboundScheme = "order_status"
)

// ParseInboundScheme validates a configured scheme name. Empty selects SchemeOrder.
func ParseInboundScheme(s string) (InboundScheme, error) {
	switch InboundScheme(strings.ToLower(strings.TrimSpace(s))) {
	case "", SchemeOrder:
		return SchemeOrder, nil
	case SchemeOrderStatus:
		return SchemeOrderStatus, nil
	default:
		return "", fmt.Errorf("%w: unknown inbound signature scheme %q", common.ErrConfiguration, s)
	}
}

// Fields returns the canonical inbound field order for the scheme.
func (s InboundScheme) Fields(nonce, orderID, status string) []string {
	if s == SchemeOrderStatus {
		return []string{nonce, orderID, status}
	}
	return []string{nonce, orderID}
}

// CoversStatus reports whether the inbound signature authenticates the
// reported payment status. When it does not, the browser callback may only
// acknowledge a delivery; the status is shopper-controlled.
func (s InboundScheme) CoversStatus() bool {
	return s == SchemeOrderStatus
}

// OutboundFields returns the canonical session signature input. amount must
// already carry exactly two fraction digits.
func OutboundFields(nonce, orderID, amount string, currency Currency) []string {
	return []string{nonce, orderID, amount, strconv.Itoa(int(currency))}
}

// Sign returns base64(HMAC-SHA256(secret, concat(fields))). Fields are
// concatenated without separators.
func Sign(secret string, fields ...string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("%w: signing secret is not set", common.ErrConfiguration)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	for _, f := range fields {
		mac.Write([]byte(f))
	}
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
