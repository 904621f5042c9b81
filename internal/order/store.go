package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// TransitionFunc computes the next order state from the current one.
type TransitionFunc func(current Order) (Order, Outcome, error)

// Store is the persistent order record. Transition must evaluate fn and
// write its result atomically so concurrent webhook and callback deliveries
// cannot both observe the same prior state.
type Store interface {
	Get(ctx context.Context, id string) (Order, error)
	Transition(ctx context.Context, id string, fn TransitionFunc) (Order, Outcome, error)
}

// PgStore implements Store on PostgreSQL.
type PgStore struct {
	Pool *pgxpool.Pool
}

const selectOrder = `SELECT id, coalesce(user_id, ''), coalesce(buyer_email, ''), total_amount::text,
	status, payment_failed, coalesce(payment_id, ''), coalesce(gateway_status, ''), installment,
	paid_at, cancelled_at, webhook_received_at, callback_received_at, created_at, updated_at
	FROM orders WHERE id = $1`

// Get loads an order by id.
func (s PgStore) Get(ctx context.Context, id string) (Order, error) {
	if s.Pool == nil {
		return Order{}, errors.New("order store not configured")
	}
	return scanOrder(s.Pool.QueryRow(ctx, selectOrder, id), id)
}

// Transition locks the order row, applies fn and writes the result guarded on
// the status it was computed from.
func (s PgStore) Transition(ctx context.Context, id string, fn TransitionFunc) (Order, Outcome, error) {
	if s.Pool == nil {
		return Order{}, "", errors.New("order store not configured")
	}
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Order{}, "", fmt.Errorf("begin order tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	current, err := scanOrder(tx.QueryRow(ctx, selectOrder+" FOR UPDATE", id), id)
	if err != nil {
		return Order{}, "", err
	}
	next, outcome, err := fn(current)
	if err != nil {
		return current, outcome, err
	}
	if !outcome.Writes() {
		return current, outcome, nil
	}
	tag, err := tx.Exec(ctx, `UPDATE orders SET
		status = $3, payment_failed = $4, payment_id = nullif($5, ''), gateway_status = nullif($6, ''),
		installment = $7, paid_at = $8, cancelled_at = $9, webhook_received_at = $10,
		callback_received_at = $11, updated_at = $12
		WHERE id = $1 AND status = $2`,
		id, string(current.Status), string(next.Status), next.PaymentFailed, next.PaymentID, next.GatewayStatus,
		next.Installment, next.PaidAt, next.CancelledAt, next.WebhookReceivedAt,
		next.CallbackReceivedAt, next.UpdatedAt)
	if err != nil {
		return Order{}, "", fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return current, "", ErrInvalidState
	}
	if err := tx.Commit(ctx); err != nil {
		return Order{}, "", fmt.Errorf("commit order tx: %w", err)
	}
	return next, outcome, nil
}

func scanOrder(row pgx.Row, id string) (Order, error) {
	var (
		o      Order
		total  *string
		status string
	)
	err := row.Scan(&o.ID, &o.UserID, &o.BuyerEmail, &total, &status, &o.PaymentFailed, &o.PaymentID,
		&o.GatewayStatus, &o.Installment, &o.PaidAt, &o.CancelledAt, &o.WebhookReceivedAt,
		&o.CallbackReceivedAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, NotFound(id)
		}
		return Order{}, fmt.Errorf("load order: %w", err)
	}
	o.Status = Status(status)
	if total != nil {
		d, err := decimal.NewFromString(*total)
		if err != nil {
			return Order{}, fmt.Errorf("parse order total: %w", err)
		}
		o.Total = decimal.NullDecimal{Decimal: d, Valid: true}
	}
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, nil
}

// WithTimeout bounds ctx by d when d is positive.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
