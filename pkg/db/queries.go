package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("record not found")

const orderColumns = `order_id, plan_id, parent_id, client_id, account, role, symbol, action, type, qty,
	limit_price, stop_price, tif, oca_group, status, filled, remaining, avg_fill_price, created_at, updated_at`

// GetOrder returns one journaled leg.
func (d *Database) GetOrder(ctx context.Context, orderID int64) (Order, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = ?`, orderID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, fmt.Errorf("order %d: %w", orderID, ErrNotFound)
	}
	if err != nil {
		return Order{}, fmt.Errorf("scan order %d: %w", orderID, err)
	}
	return o, nil
}

// ListOrders returns the most recent legs, newest first.
func (d *Database) ListOrders(ctx context.Context, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}
	return d.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC, order_id DESC LIMIT ?`, limit)
}

// PlanOrders returns the legs of one plan in submission order.
func (d *Database) PlanOrders(ctx context.Context, planID string) ([]Order, error) {
	return d.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders WHERE plan_id = ? ORDER BY order_id`, planID)
}

func (d *Database) queryOrders(ctx context.Context, query string, args ...any) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// StatusHistory returns every status callback for orderID, oldest first.
func (d *Database) StatusHistory(ctx context.Context, orderID int64) ([]StatusUpdate, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT order_id, status, filled, remaining, avg_fill_price, recorded_at
		FROM order_status
		WHERE order_id = ?
		ORDER BY id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query order status: %w", err)
	}
	defer rows.Close()

	var out []StatusUpdate
	for rows.Next() {
		var u StatusUpdate
		if err := rows.Scan(&u.OrderID, &u.Status, &u.Filled, &u.Remaining, &u.AvgFillPrice, &u.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan order status: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ListSessions returns the most recent session rows, newest first.
func (d *Database) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, client_id, host, port, status, last_error, opened_at, closed_at
		FROM sessions
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
