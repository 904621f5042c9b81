package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ErrNonceTaken is returned when a session with the same order and nonce exists.
var ErrNonceTaken = errors.New("payment: nonce already used for order")

// Session is the pending payment attempt recorded when a merchant form is issued.
type Session struct {
	OrderID   string
	Nonce     string
	Amount    decimal.Decimal
	Currency  Currency
	Status    string
	PaymentID string
	CreatedAt time.Time
}

// Session statuses.
const (
	SessionPending   = "pending"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
)

// SessionStore persists payment sessions.
type SessionStore interface {
	Record(ctx context.Context, s Session) error
	Resolve(ctx context.Context, orderID, nonce, status, paymentID string) error
}

// PgSessionStore implements SessionStore on PostgreSQL.
type PgSessionStore struct {
	Pool *pgxpool.Pool
}

// Record inserts a pending session; a duplicate (order_id, nonce) yields ErrNonceTaken.
func (s PgSessionStore) Record(ctx context.Context, sess Session) error {
	if s.Pool == nil {
		return errors.New("session store not configured")
	}
	_, err := s.Pool.Exec(ctx, `INSERT INTO payment_sessions (order_id, nonce, amount, currency, status, created_at, updated_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $6)`,
		sess.OrderID, sess.Nonce, sess.Amount.StringFixed(2), int(sess.Currency), sess.Status, sess.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrNonceTaken
		}
		return fmt.Errorf("insert payment session: %w", err)
	}
	return nil
}

// Resolve marks the session matching the echoed nonce with the gateway result.
// Unknown sessions are not an error; the order record stays authoritative.
func (s PgSessionStore) Resolve(ctx context.Context, orderID, nonce, status, paymentID string) error {
	if s.Pool == nil {
		return errors.New("session store not configured")
	}
	_, err := s.Pool.Exec(ctx, `UPDATE payment_sessions
		SET status = $3, payment_id = nullif($4, ''), updated_at = now()
		WHERE order_id = $1 AND nonce = $2 AND status = 'pending'`,
		orderID, nonce, status, paymentID)
	if err != nil {
		return fmt.Errorf("resolve payment session: %w", err)
	}
	return nil
}
