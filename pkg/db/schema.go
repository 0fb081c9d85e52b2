package db

import (
	"database/sql"
	"fmt"
)

// Prices and quantities are stored as decimal strings.
const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS sessions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    client_id INTEGER NOT NULL,
    host TEXT NOT NULL,
    port INTEGER NOT NULL,
    status TEXT NOT NULL,
    opened_at DATETIME NOT NULL,
    closed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_sessions_client ON sessions(client_id);

CREATE TABLE IF NOT EXISTS orders (
    order_id INTEGER PRIMARY KEY,
    plan_id TEXT NOT NULL,
    parent_id INTEGER NOT NULL DEFAULT 0,
    client_id INTEGER NOT NULL,
    role TEXT NOT NULL,
    symbol TEXT NOT NULL,
    action TEXT NOT NULL,
    type TEXT NOT NULL,
    qty INTEGER NOT NULL,
    limit_price TEXT NOT NULL DEFAULT '0',
    stop_price TEXT NOT NULL DEFAULT '0',
    tif TEXT NOT NULL,
    oca_group TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    filled TEXT NOT NULL DEFAULT '0',
    remaining TEXT NOT NULL DEFAULT '0',
    avg_fill_price TEXT NOT NULL DEFAULT '0',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_plan ON orders(plan_id);

CREATE TABLE IF NOT EXISTS order_status (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id INTEGER NOT NULL,
    status TEXT NOT NULL,
    filled TEXT NOT NULL DEFAULT '0',
    remaining TEXT NOT NULL DEFAULT '0',
    avg_fill_price TEXT NOT NULL DEFAULT '0',
    recorded_at DATETIME NOT NULL,
    FOREIGN KEY(order_id) REFERENCES orders(order_id)
);

CREATE INDEX IF NOT EXISTS idx_order_status_order ON order_status(order_id);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Journals written before account tagging.
	if err := ensureColumn(d.DB, "orders", "account", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "sessions", "last_error", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
