package order

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/anticca-payments/internal/events"
	"github.com/noah-isme/anticca-payments/internal/obs"
)

// EventEmitter publishes domain events for committed transitions.
type EventEmitter interface {
	Emit(ctx context.Context, topic, aggregateID string, payload any) (events.Event, error)
}

// Actor is the identity requesting an explicit transition.
type Actor struct {
	UserID string
	Email  string
	Admin  bool
}

func (a Actor) owns(o Order) bool {
	if a.Admin {
		return true
	}
	if a.UserID != "" && o.UserID != "" && a.UserID == o.UserID {
		return true
	}
	return a.Email != "" && o.BuyerEmail != "" && strings.EqualFold(a.Email, o.BuyerEmail)
}

// Service exposes order reads and explicit cancellation.
type Service struct {
	Store   Store
	Events  EventEmitter
	Timeout time.Duration
	Now     func() time.Time
	Logger  zerolog.Logger
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Get returns the order when actor may see it. Orders owned by someone else
// are reported as not found.
func (s *Service) Get(ctx context.Context, id string, actor Actor) (Order, error) {
	ctx, cancel := WithTimeout(ctx, s.Timeout)
	defer cancel()
	o, err := s.Store.Get(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if !actor.owns(o) {
		return Order{}, NotFound(id)
	}
	return o, nil
}

// Cancel moves an order awaiting payment to cancelled.
func (s *Service) Cancel(ctx context.Context, id string, actor Actor) (Order, error) {
	ctx, span := otel.Tracer("order.Service").Start(ctx, "OrderService.Cancel")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", id), attribute.Bool("actor.admin", actor.Admin))

	storeCtx, cancel := WithTimeout(ctx, s.Timeout)
	defer cancel()

	var from Status
	next, outcome, err := s.Store.Transition(storeCtx, id, func(current Order) (Order, Outcome, error) {
		if !actor.owns(current) {
			return current, "", NotFound(id)
		}
		from = current.Status
		return current.Cancel(s.now())
	})
	if err != nil {
		span.RecordError(err)
		RecordTransition(from, StatusCancelled, "rejected")
		return Order{}, err
	}
	RecordTransition(from, next.Status, string(outcome))
	s.Logger.Info().Str("order_id", id).Bool("admin", actor.Admin).Msg("order cancelled")
	if s.Events != nil {
		payload := map[string]any{
			"orderId":     id,
			"status":      string(next.Status),
			"cancelledBy": actor.label(),
		}
		if _, err := s.Events.Emit(ctx, events.TopicOrderCanceled, id, payload); err != nil {
			s.Logger.Error().Err(err).Str("order_id", id).Msg("emit order cancelled")
		}
	}
	return next, nil
}

func (a Actor) label() string {
	if a.Admin {
		return "admin"
	}
	return "user"
}

// RecordTransition increments the transition counter when metrics are registered.
func RecordTransition(from, to Status, outcome string) {
	if obs.OrderTransitionTotal == nil {
		return
	}
	obs.OrderTransitionTotal.WithLabelValues(from.Label(), to.Label(), outcome).Inc()
}
