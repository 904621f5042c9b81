package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/anticca-payments/internal/common"
	"github.com/noah-isme/anticca-payments/internal/events"
	"github.com/noah-isme/anticca-payments/internal/obs"
	"github.com/noah-isme/anticca-payments/internal/order"
)

const maxNonceAttempts = 3

// ErrAmountMismatch is returned when the requested amount differs from the order total.
var ErrAmountMismatch = fmt.Errorf("%w: orderAmount does not match order total", common.ErrValidation)

// Service drives the Shopier handshake: it issues signed sessions and applies
// verified notifications to the order state machine.
type Service struct {
	Orders   order.Store
	Sessions SessionStore
	Events   order.EventEmitter
	Merchant Merchant
	Scheme   InboundScheme
	Timeout  time.Duration
	Now      func() time.Time
	NewNonce func() (string, error)
	Logger   zerolog.Logger
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) nonce() (string, error) {
	if s.NewNonce != nil {
		return s.NewNonce()
	}
	return NewNonce()
}

// Verifier returns the inbound verifier for the configured secret and scheme.
func (s *Service) Verifier() Verifier {
	return Verifier{Secret: s.Merchant.Secret, Scheme: s.Scheme}
}

// CreateSession checks the order can still be paid, then builds, records and
// returns a signed merchant form.
func (s *Service) CreateSession(ctx context.Context, req SessionRequest) (SessionForm, error) {
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.CreateSession")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", req.OrderID))

	result := "error"
	defer func() {
		span.SetAttributes(attribute.String("payment.session.result", result))
		if obs.PaymentSessionTotal != nil {
			obs.PaymentSessionTotal.WithLabelValues(result).Inc()
		}
	}()

	if !s.Merchant.Configured() {
		result = "config_error"
		return SessionForm{}, fmt.Errorf("%w: merchant credentials are not set", common.ErrConfiguration)
	}
	if err := req.Validate(); err != nil {
		result = "invalid"
		return SessionForm{}, err
	}
	if s.Orders != nil {
		if err := s.checkPayable(ctx, req); err != nil {
			result = "rejected"
			span.RecordError(err)
			return SessionForm{}, err
		}
	}

	var (
		form SessionForm
		err  error
	)
	for attempt := 0; attempt < maxNonceAttempts; attempt++ {
		var nonce string
		if nonce, err = s.nonce(); err != nil {
			break
		}
		if form, err = BuildSession(req, s.Merchant, nonce); err != nil {
			break
		}
		if s.Sessions == nil {
			break
		}
		if err = s.recordSession(ctx, form, req.OrderID); !errors.Is(err, ErrNonceTaken) {
			break
		}
		s.Logger.Warn().Str("order_id", req.OrderID).Int("attempt", attempt+1).Msg("payment nonce collision")
	}
	if err != nil {
		span.RecordError(err)
		s.Logger.Error().Err(err).Str("order_id", req.OrderID).Msg("create payment session")
		return SessionForm{}, err
	}

	result = "created"
	s.Logger.Info().
		Str("order_id", req.OrderID).
		Str("amount", form.Amount.StringFixed(2)).
		Str("currency", form.Currency.String()).
		Msg("payment session created")
	s.emit(ctx, events.TopicSessionCreated, req.OrderID, map[string]any{
		"orderId":  req.OrderID,
		"amount":   form.Amount.StringFixed(2),
		"currency": form.Currency.String(),
		"nonce":    form.Nonce,
	})
	return form, nil
}

func (s *Service) checkPayable(ctx context.Context, req SessionRequest) error {
	storeCtx, cancel := order.WithTimeout(ctx, s.Timeout)
	defer cancel()
	start := time.Now()
	o, err := s.Orders.Get(storeCtx, req.OrderID)
	obs.ObserveStore("order.get", start, err)
	if err != nil {
		return err
	}
	switch {
	case o.Status == order.StatusCancelled:
		return order.ErrTerminal
	case o.Status != order.StatusPendingPayment:
		return order.ErrInvalidState
	}
	if o.Total.Valid && !o.Total.Decimal.Equal(req.OrderAmount) {
		return ErrAmountMismatch
	}
	return nil
}

func (s *Service) recordSession(ctx context.Context, form SessionForm, orderID string) error {
	storeCtx, cancel := order.WithTimeout(ctx, s.Timeout)
	defer cancel()
	start := time.Now()
	err := s.Sessions.Record(storeCtx, Session{
		OrderID:   orderID,
		Nonce:     form.Nonce,
		Amount:    form.Amount,
		Currency:  form.Currency,
		Status:    SessionPending,
		CreatedAt: s.now(),
	})
	obs.ObserveStore("session.record", start, err)
	return err
}

// Authenticate checks mandatory fields and the signature. The returned error
// wraps ErrMissingFields, common.ErrConfiguration or common.ErrSignature.
func (s *Service) Authenticate(n Notification, channel order.Channel) error {
	if err := n.Validate(); err != nil {
		s.recordNotification(channel, "invalid")
		return err
	}
	if s.Merchant.Secret == "" {
		s.recordNotification(channel, "config_error")
		return fmt.Errorf("%w: signing secret is not set", common.ErrConfiguration)
	}
	if !s.Verifier().Verify(n.Nonce, n.OrderID, n.Status, n.Signature) {
		s.recordNotification(channel, "signature_rejected")
		s.Logger.Warn().
			Str("order_id", n.OrderID).
			Str("channel", string(channel)).
			Str("payment_id", n.PaymentID).
			Msg("payment notification signature rejected")
		return fmt.Errorf("%w: signature mismatch for order %s", common.ErrSignature, n.OrderID)
	}
	return nil
}

// Apply moves the order according to an authenticated notification. Conflicts
// are surfaced as order.ErrPaymentMismatch and published for review.
func (s *Service) Apply(ctx context.Context, n Notification, channel order.Channel) (order.Order, order.Outcome, error) {
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.Apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", n.OrderID),
		attribute.String("payment.channel", string(channel)),
		attribute.String("payment.status", n.Status),
	)

	p := order.Payment{
		PaymentID:     n.PaymentID,
		GatewayStatus: n.Status,
		Installment:   n.InstallmentCount(),
		Channel:       channel,
	}
	success := n.Succeeded()
	now := s.now()

	storeCtx, cancel := order.WithTimeout(ctx, s.Timeout)
	defer cancel()
	var from order.Status
	start := time.Now()
	next, outcome, err := s.Orders.Transition(storeCtx, n.OrderID, func(current order.Order) (order.Order, order.Outcome, error) {
		from = current.Status
		if success {
			return current.Pay(p, now)
		}
		return current.Fail(p, now)
	})
	obs.ObserveStore("order.transition", start, err)

	target := order.StatusPaid
	if !success {
		target = order.StatusPendingPayment
	}
	if err != nil {
		span.RecordError(err)
		s.recordNotification(channel, resultLabel(err))
		if from != "" {
			order.RecordTransition(from, target, "rejected")
		}
		s.logApplyError(ctx, n, channel, from, err)
		return next, outcome, err
	}

	s.recordNotification(channel, string(outcome))
	order.RecordTransition(from, next.Status, string(outcome))
	span.SetAttributes(attribute.String("order.outcome", string(outcome)))
	s.resolveSession(ctx, n, success)

	s.Logger.Info().
		Str("order_id", n.OrderID).
		Str("channel", string(channel)).
		Str("payment_id", n.PaymentID).
		Str("from_status", from.Label()).
		Str("to_status", next.Status.Label()).
		Str("outcome", string(outcome)).
		Msg("payment notification applied")

	if outcome == order.OutcomeApplied {
		topic := events.TopicOrderPaid
		if !success {
			topic = events.TopicPaymentFailed
		}
		s.emit(ctx, topic, n.OrderID, map[string]any{
			"orderId":       n.OrderID,
			"paymentId":     n.PaymentID,
			"gatewayStatus": n.Status,
			"installment":   p.Installment,
			"channel":       string(channel),
			"status":        string(next.Status),
		})
	}
	return next, outcome, nil
}

// Acknowledge records an authenticated delivery on channel without acting on
// its status. It returns the order as stored so the caller can report what
// the authoritative channel has already settled.
func (s *Service) Acknowledge(ctx context.Context, n Notification, channel order.Channel) (order.Order, error) {
	storeCtx, cancel := order.WithTimeout(ctx, s.Timeout)
	defer cancel()
	now := s.now()
	start := time.Now()
	o, outcome, err := s.Orders.Transition(storeCtx, n.OrderID, func(current order.Order) (order.Order, order.Outcome, error) {
		return current.Acknowledge(channel, now)
	})
	obs.ObserveStore("order.acknowledge", start, err)
	if err != nil {
		s.recordNotification(channel, resultLabel(err))
		s.logApplyError(ctx, n, channel, "", err)
		return o, err
	}
	s.recordNotification(channel, "acknowledged")
	s.Logger.Info().
		Str("order_id", n.OrderID).
		Str("channel", string(channel)).
		Str("reported_status", n.Status).
		Str("order_status", o.Status.Label()).
		Str("outcome", string(outcome)).
		Msg("payment notification acknowledged without status")
	return o, nil
}

func (s *Service) logApplyError(ctx context.Context, n Notification, channel order.Channel, from order.Status, err error) {
	switch {
	case errors.Is(err, order.ErrPaymentMismatch):
		s.Logger.Warn().
			Str("order_id", n.OrderID).
			Str("channel", string(channel)).
			Str("payment_id", n.PaymentID).
			Bool("needs_review", true).
			Msg("payment conflict on settled order")
		s.emit(ctx, events.TopicPaymentConflict, n.OrderID, map[string]any{
			"orderId":   n.OrderID,
			"paymentId": n.PaymentID,
			"channel":   string(channel),
			"status":    string(from),
		})
	case errors.Is(err, common.ErrNotFound), errors.Is(err, common.ErrConflict):
		s.Logger.Warn().Err(err).Str("order_id", n.OrderID).Str("channel", string(channel)).Msg("payment notification not applied")
	default:
		s.Logger.Error().Err(err).Str("order_id", n.OrderID).Str("channel", string(channel)).Msg("payment notification store failure")
	}
}

func (s *Service) resolveSession(ctx context.Context, n Notification, success bool) {
	if s.Sessions == nil {
		return
	}
	status := SessionFailed
	if success {
		status = SessionCompleted
	}
	storeCtx, cancel := order.WithTimeout(ctx, s.Timeout)
	defer cancel()
	start := time.Now()
	err := s.Sessions.Resolve(storeCtx, n.OrderID, n.Nonce, status, n.PaymentID)
	obs.ObserveStore("session.resolve", start, err)
	if err != nil {
		s.Logger.Error().Err(err).Str("order_id", n.OrderID).Msg("resolve payment session")
	}
}

func (s *Service) emit(ctx context.Context, topic, orderID string, payload map[string]any) {
	if s.Events == nil {
		return
	}
	if _, err := s.Events.Emit(ctx, topic, orderID, payload); err != nil {
		s.Logger.Error().Err(err).Str("topic", topic).Str("order_id", orderID).Msg("emit payment event")
	}
}

func (s *Service) recordNotification(channel order.Channel, result string) {
	if obs.PaymentNotificationTotal == nil {
		return
	}
	obs.PaymentNotificationTotal.WithLabelValues(string(channel), result).Inc()
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, order.ErrPaymentMismatch):
		return "conflict"
	case errors.Is(err, order.ErrTerminal):
		return "cancelled"
	case errors.Is(err, common.ErrNotFound):
		return "not_found"
	case errors.Is(err, common.ErrConflict):
		return "invalid_state"
	default:
		return "error"
	}
}

// Transient reports whether err is an infrastructure failure the gateway
// should retry rather than a business outcome.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	return common.Kind(err) == "INTERNAL"
}
