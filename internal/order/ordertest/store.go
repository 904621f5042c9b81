// Package ordertest provides an in-memory order.Store for tests.
package ordertest

import (
	"context"
	"sync"

	"github.com/noah-isme/anticca-payments/internal/order"
)

// Store keeps orders in memory and serialises transitions with a mutex,
// matching the row-lock semantics of order.PgStore.
type Store struct {
	mu     sync.Mutex
	orders map[string]order.Order
	// Err, when set, is returned by every call.
	Err    error
	Writes int
}

// NewStore seeds a store with the given orders.
func NewStore(orders ...order.Order) *Store {
	s := &Store{orders: make(map[string]order.Order, len(orders))}
	for _, o := range orders {
		s.orders[o.ID] = o
	}
	return s
}

// Put replaces an order.
func (s *Store) Put(o order.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o
}

// Get implements order.Store.
func (s *Store) Get(ctx context.Context, id string) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return order.Order{}, s.Err
	}
	if err := ctx.Err(); err != nil {
		return order.Order{}, err
	}
	o, ok := s.orders[id]
	if !ok {
		return order.Order{}, order.NotFound(id)
	}
	return o, nil
}

// Transition implements order.Store.
func (s *Store) Transition(ctx context.Context, id string, fn order.TransitionFunc) (order.Order, order.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return order.Order{}, "", s.Err
	}
	if err := ctx.Err(); err != nil {
		return order.Order{}, "", err
	}
	current, ok := s.orders[id]
	if !ok {
		return order.Order{}, "", order.NotFound(id)
	}
	next, outcome, err := fn(current)
	if err != nil {
		return current, outcome, err
	}
	if !outcome.Writes() {
		return current, outcome, nil
	}
	s.orders[id] = next
	s.Writes++
	return next, outcome, nil
}
