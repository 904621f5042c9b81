package order

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/anticca-payments/internal/common"
)

// Status is the storefront order lifecycle. Values are persisted verbatim.
type Status string

const (
	StatusPendingPayment Status = "Ödeme Bekleniyor"
	StatusPaid           Status = "Ödendi"
	StatusPreparing      Status = "Hazırlanıyor"
	StatusShipped        Status = "Kargolandı"
	StatusDelivered      Status = "Teslim Edildi"
	StatusCancelled      Status = "İptal Edildi"
)

// Valid reports whether s is a known lifecycle status.
func (s Status) Valid() bool {
	switch s {
	case StatusPendingPayment, StatusPaid, StatusPreparing, StatusShipped, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

// Settled reports whether payment has been captured for an order in this status.
func (s Status) Settled() bool {
	switch s {
	case StatusPaid, StatusPreparing, StatusShipped, StatusDelivered:
		return true
	}
	return false
}

// Label returns an ASCII label for metrics and logs.
func (s Status) Label() string {
	switch s {
	case StatusPendingPayment:
		return "pending_payment"
	case StatusPaid:
		return "paid"
	case StatusPreparing:
		return "preparing"
	case StatusShipped:
		return "shipped"
	case StatusDelivered:
		return "delivered"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Channel identifies which inbound path delivered a payment result.
type Channel string

const (
	ChannelWebhook  Channel = "webhook"
	ChannelCallback Channel = "callback"
)

// Outcome describes what a transition did to the stored order.
type Outcome string

const (
	// OutcomeApplied means the status or failure marker changed and updated_at moved.
	OutcomeApplied Outcome = "applied"
	// OutcomeConfirmed means only bookkeeping changed: a channel's received
	// flag, or a payment id adopted by an order settled without one.
	OutcomeConfirmed Outcome = "confirmed"
	// OutcomeDuplicate means the event was already reflected on the order.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIgnored means the event no longer applies, e.g. a late failure after payment.
	OutcomeIgnored Outcome = "ignored"
)

// Writes reports whether the outcome must be persisted.
func (o Outcome) Writes() bool {
	return o == OutcomeApplied || o == OutcomeConfirmed
}

// Order is the payment-relevant projection of a storefront order.
type Order struct {
	ID                 string
	UserID             string
	BuyerEmail         string
	Total              decimal.NullDecimal
	Status             Status
	PaymentFailed      bool
	PaymentID          string
	GatewayStatus      string
	Installment        int
	PaidAt             *time.Time
	CancelledAt        *time.Time
	WebhookReceivedAt  *time.Time
	CallbackReceivedAt *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Payment is a verified gateway result applied to an order.
type Payment struct {
	PaymentID     string
	GatewayStatus string
	Installment   int
	Channel       Channel
}

// ErrTerminal is returned when an event targets a cancelled order.
var ErrTerminal = fmt.Errorf("%w: order is cancelled", common.ErrConflict)

// ErrInvalidState is returned for explicit transitions the current status forbids.
var ErrInvalidState = fmt.Errorf("%w: transition not allowed", common.ErrConflict)

// ErrPaymentMismatch marks a second, different payment for an already settled order.
var ErrPaymentMismatch = fmt.Errorf("%w: order already settled by another payment", common.ErrConflict)

// NotFound wraps common.ErrNotFound with the order id.
func NotFound(id string) error {
	return fmt.Errorf("order %s: %w", id, common.ErrNotFound)
}
