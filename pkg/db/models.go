package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Session is one client connection as recorded in the journal.
type Session struct {
	ID        int64
	ClientID  int
	Host      string
	Port      int
	Status    string
	LastError string
	OpenedAt  time.Time
	ClosedAt  *time.Time
}

// Order is one submitted order leg.
type Order struct {
	OrderID      int64
	PlanID       string
	ParentID     int64
	ClientID     int
	Account      string
	Role         string
	Symbol       string
	Action       string
	Type         string
	Qty          int64
	LimitPrice   decimal.Decimal
	StopPrice    decimal.Decimal
	TIF          string
	OCAGroup     string
	Status       string
	Filled       decimal.Decimal
	Remaining    decimal.Decimal
	AvgFillPrice decimal.Decimal
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// StatusUpdate is one order status callback.
type StatusUpdate struct {
	OrderID      int64
	Status       string
	Filled       decimal.Decimal
	Remaining    decimal.Decimal
	AvgFillPrice decimal.Decimal
	RecordedAt   time.Time
}

// OpenSession records a session entering the connecting state and returns
// its journal row id.
func (d *Database) OpenSession(ctx context.Context, s Session) (int64, error) {
	if s.OpenedAt.IsZero() {
		s.OpenedAt = time.Now()
	}
	s.OpenedAt = s.OpenedAt.UTC()
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO sessions (client_id, host, port, status, opened_at)
		VALUES (?, ?, ?, ?, ?)
	`, s.ClientID, s.Host, s.Port, s.Status, s.OpenedAt)
	if err != nil {
		return 0, fmt.Errorf("insert session %d: %w", s.ClientID, err)
	}
	return res.LastInsertId()
}

// UpdateSessionStatus moves the newest open row for clientID to status.
// Terminal statuses stamp closed_at so the row is not matched again.
func (d *Database) UpdateSessionStatus(ctx context.Context, clientID int, status, lastErr string, terminal bool) error {
	var closedAt any
	if terminal {
		closedAt = time.Now().UTC()
	}
	res, err := d.DB.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, last_error = CASE WHEN ? = '' THEN last_error ELSE ? END,
		    closed_at = COALESCE(?, closed_at)
		WHERE id = (
			SELECT id FROM sessions
			WHERE client_id = ? AND closed_at IS NULL
			ORDER BY id DESC LIMIT 1
		)
	`, status, lastErr, lastErr, closedAt, clientID)
	if err != nil {
		return fmt.Errorf("update session %d: %w", clientID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %d: %w", clientID, ErrNotFound)
	}
	return nil
}

// CreateOrders journals the legs of one plan atomically.
func (d *Database) CreateOrders(ctx context.Context, legs []Order) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	for _, o := range legs {
		if o.CreatedAt.IsZero() {
			o.CreatedAt = now
		}
		o.CreatedAt = o.CreatedAt.UTC()
		if o.Status == "" {
			o.Status = "Created"
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO orders (order_id, plan_id, parent_id, client_id, account, role, symbol, action, type, qty,
			                    limit_price, stop_price, tif, oca_group, status, remaining, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, o.OrderID, o.PlanID, o.ParentID, o.ClientID, o.Account, o.Role, o.Symbol, o.Action, o.Type, o.Qty,
			o.LimitPrice, o.StopPrice, o.TIF, o.OCAGroup, o.Status, decimal.NewFromInt(o.Qty), o.CreatedAt, o.CreatedAt); err != nil {
			return fmt.Errorf("insert order %d: %w", o.OrderID, err)
		}
	}
	return tx.Commit()
}

// RecordStatus appends a status callback and applies it to the order row.
// Callbacks for orders the journal never saw (placed by another client) are
// kept in the history only.
func (d *Database) RecordStatus(ctx context.Context, u StatusUpdate) error {
	if u.RecordedAt.IsZero() {
		u.RecordedAt = time.Now()
	}
	u.RecordedAt = u.RecordedAt.UTC()
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO order_status (order_id, status, filled, remaining, avg_fill_price, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, u.OrderID, u.Status, u.Filled, u.Remaining, u.AvgFillPrice, u.RecordedAt); err != nil {
		return fmt.Errorf("insert status for order %d: %w", u.OrderID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, filled = ?, remaining = ?, avg_fill_price = ?, updated_at = ?
		WHERE order_id = ?
	`, u.Status, u.Filled, u.Remaining, u.AvgFillPrice, u.RecordedAt, u.OrderID); err != nil {
		return fmt.Errorf("update order %d: %w", u.OrderID, err)
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (Order, error) {
	var o Order
	err := s.Scan(&o.OrderID, &o.PlanID, &o.ParentID, &o.ClientID, &o.Account, &o.Role, &o.Symbol, &o.Action,
		&o.Type, &o.Qty, &o.LimitPrice, &o.StopPrice, &o.TIF, &o.OCAGroup, &o.Status, &o.Filled, &o.Remaining,
		&o.AvgFillPrice, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

func scanSession(s scanner) (Session, error) {
	var (
		out    Session
		closed sql.NullTime
	)
	if err := s.Scan(&out.ID, &out.ClientID, &out.Host, &out.Port, &out.Status, &out.LastError, &out.OpenedAt, &closed); err != nil {
		return Session{}, err
	}
	if closed.Valid {
		t := closed.Time
		out.ClosedAt = &t
	}
	return out, nil
}
