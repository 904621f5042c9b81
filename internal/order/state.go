package order

import "time"

// Pay applies a verified successful payment. A pending order becomes paid; an
// order already settled by the same payment id is a duplicate, or a
// confirmation when the other channel reports it for the first time. A
// different payment id on a settled order is ErrPaymentMismatch. An order
// settled without a payment id adopts the first one reported later, so every
// subsequent id is checked against it.
func (o Order) Pay(p Payment, now time.Time) (Order, Outcome, error) {
	switch {
	case o.Status == StatusCancelled:
		return o, "", ErrTerminal
	case o.Status.Settled():
		if o.PaymentID != "" && p.PaymentID != "" && o.PaymentID != p.PaymentID {
			return o, "", ErrPaymentMismatch
		}
		if o.PaymentID == "" && p.PaymentID != "" {
			o.PaymentID = p.PaymentID
			o.markChannel(p.Channel, now)
			return o, OutcomeConfirmed, nil
		}
		if o.markChannel(p.Channel, now) {
			return o, OutcomeConfirmed, nil
		}
		return o, OutcomeDuplicate, nil
	case o.Status == StatusPendingPayment:
		o.Status = StatusPaid
		o.PaymentFailed = false
		o.PaymentID = p.PaymentID
		o.GatewayStatus = p.GatewayStatus
		o.Installment = p.Installment
		paidAt := now
		o.PaidAt = &paidAt
		o.markChannel(p.Channel, now)
		o.UpdatedAt = now
		return o, OutcomeApplied, nil
	default:
		return o, "", ErrInvalidState
	}
}

// Fail records a verified non-success gateway status. The order stays
// awaiting payment with the failure marker set; cancellation is never implied.
func (o Order) Fail(p Payment, now time.Time) (Order, Outcome, error) {
	switch {
	case o.Status == StatusCancelled:
		return o, "", ErrTerminal
	case o.Status.Settled():
		return o, OutcomeIgnored, nil
	case o.Status == StatusPendingPayment:
		if o.PaymentFailed && o.GatewayStatus == p.GatewayStatus {
			if o.markChannel(p.Channel, now) {
				return o, OutcomeConfirmed, nil
			}
			return o, OutcomeDuplicate, nil
		}
		o.PaymentFailed = true
		o.GatewayStatus = p.GatewayStatus
		o.markChannel(p.Channel, now)
		o.UpdatedAt = now
		return o, OutcomeApplied, nil
	default:
		return o, "", ErrInvalidState
	}
}

// Acknowledge records that ch delivered an authenticated notification without
// acting on its reported status. It is used when the signature does not cover
// the status, so the status cannot be trusted.
func (o Order) Acknowledge(ch Channel, now time.Time) (Order, Outcome, error) {
	if o.Status == StatusCancelled {
		return o, "", ErrTerminal
	}
	if o.markChannel(ch, now) {
		return o, OutcomeConfirmed, nil
	}
	return o, OutcomeDuplicate, nil
}

// Cancel is the explicit user or admin cancellation, legal only while
// awaiting payment.
func (o Order) Cancel(now time.Time) (Order, Outcome, error) {
	switch o.Status {
	case StatusCancelled:
		return o, "", ErrTerminal
	case StatusPendingPayment:
		o.Status = StatusCancelled
		cancelledAt := now
		o.CancelledAt = &cancelledAt
		o.UpdatedAt = now
		return o, OutcomeApplied, nil
	default:
		return o, "", ErrInvalidState
	}
}

func (o *Order) markChannel(ch Channel, now time.Time) bool {
	at := now
	switch ch {
	case ChannelWebhook:
		if o.WebhookReceivedAt == nil {
			o.WebhookReceivedAt = &at
			return true
		}
	case ChannelCallback:
		if o.CallbackReceivedAt == nil {
			o.CallbackReceivedAt = &at
			return true
		}
	}
	return false
}
