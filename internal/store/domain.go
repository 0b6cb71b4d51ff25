package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"mnemo/internal/logging"
)

// DomainDB wraps the business database. The connection is opened in
// read-only mode; the memory engine never writes to domain tables.
type DomainDB struct {
	db   *sql.DB
	path string
}

// OpenDomainDB opens the domain database read-only. A missing file is an
// error: augmentation must not silently create an empty business DB.
func OpenDomainDB(path string) (*DomainDB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("domain database not found at %s: %w", path, err)
	}
	dsn := fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open domain database: %w", err)
	}
	db.SetMaxOpenConns(4)
	logging.Store("Opened domain database (read-only) at %s", path)
	return &DomainDB{db: db, path: path}, nil
}

// Close closes the domain connection.
func (d *DomainDB) Close() error { return d.db.Close() }

// Query runs a read-only query. The caller owns the rows.
func (d *DomainDB) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, query, args...)
}

// QueryRow runs a read-only single-row query.
func (d *DomainDB) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return d.db.QueryRowContext(ctx, query, args...)
}

// domainSchema is the reference business schema. Amounts are numeric
// dollars; dates are ISO strings as SQLite convention has them.
const domainSchema = `
CREATE TABLE IF NOT EXISTS customers (
	customer_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	email TEXT,
	payment_terms TEXT DEFAULT 'net_30',
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS sales_orders (
	order_id TEXT PRIMARY KEY,
	customer_id TEXT NOT NULL REFERENCES customers(customer_id),
	status TEXT NOT NULL DEFAULT 'open',
	total_amount REAL NOT NULL DEFAULT 0,
	promised_date DATE,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS work_orders (
	work_order_id TEXT PRIMARY KEY,
	order_id TEXT NOT NULL REFERENCES sales_orders(order_id),
	status TEXT NOT NULL DEFAULT 'pending',
	scheduled_date DATE,
	completed_date DATE
);
CREATE TABLE IF NOT EXISTS invoices (
	invoice_id TEXT PRIMARY KEY,
	customer_id TEXT NOT NULL REFERENCES customers(customer_id),
	order_id TEXT REFERENCES sales_orders(order_id),
	amount REAL NOT NULL,
	status TEXT NOT NULL DEFAULT 'open',
	due_date DATE,
	issued_date DATE
);
CREATE TABLE IF NOT EXISTS payments (
	payment_id TEXT PRIMARY KEY,
	invoice_id TEXT NOT NULL REFERENCES invoices(invoice_id),
	amount REAL NOT NULL,
	paid_date DATE
);
CREATE TABLE IF NOT EXISTS tasks (
	task_id TEXT PRIMARY KEY,
	work_order_id TEXT REFERENCES work_orders(work_order_id),
	customer_id TEXT REFERENCES customers(customer_id),
	title TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'open',
	due_date DATE,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// InitDomainDB creates the reference business schema at path with a small
// sample dataset. Used by the init command and by tests; runtime access
// always goes through OpenDomainDB.
func InitDomainDB(path string, seed bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("failed to create domain database: %w", err)
	}
	defer db.Close()

	if _, err := db.Exec(domainSchema); err != nil {
		return fmt.Errorf("failed to create domain schema: %w", err)
	}
	if !seed {
		return nil
	}

	seeds := []string{
		`INSERT OR IGNORE INTO customers (customer_id, name, email, payment_terms) VALUES
			('cust-001', 'Kai Media', 'ap@kaimedia.example', 'net_30'),
			('cust-002', 'Kai Logistics', 'billing@kailogistics.example', 'net_45'),
			('cust-003', 'Northwind Traders', 'finance@northwind.example', 'net_30')`,
		`INSERT OR IGNORE INTO sales_orders (order_id, customer_id, status, total_amount, promised_date) VALUES
			('SO-1001', 'cust-001', 'in_progress', 5000, date('now', '+7 days')),
			('SO-1002', 'cust-003', 'open', 12000, date('now', '+2 days'))`,
		`INSERT OR IGNORE INTO work_orders (work_order_id, order_id, status, scheduled_date) VALUES
			('WO-2001', 'SO-1001', 'in_progress', date('now', '+3 days')),
			('WO-2002', 'SO-1002', 'pending', date('now', '+1 day'))`,
		`INSERT OR IGNORE INTO invoices (invoice_id, customer_id, order_id, amount, status, due_date, issued_date) VALUES
			('INV-2201', 'cust-001', 'SO-1001', 5000, 'open', date('now', '-5 days'), date('now', '-35 days')),
			('INV-2202', 'cust-003', 'SO-1002', 12000, 'open', date('now', '+25 days'), date('now', '-5 days'))`,
		`INSERT OR IGNORE INTO payments (payment_id, invoice_id, amount, paid_date) VALUES
			('PAY-3001', 'INV-2201', 3000, date('now', '-10 days'))`,
		`INSERT OR IGNORE INTO tasks (task_id, work_order_id, customer_id, title, status, due_date, created_at) VALUES
			('TSK-4001', 'WO-2001', 'cust-001', 'Confirm delivery slot', 'open', date('now', '+2 days'), datetime('now')),
			('TSK-4002', NULL, 'cust-001', 'Chase outstanding balance', 'open', date('now', '-2 days'), datetime('now', '-12 days')),
			('TSK-4003', 'WO-2002', 'cust-003', 'Verify packaging specs', 'open', date('now', '-10 days'), datetime('now', '-30 days'))`,
	}
	for _, stmt := range seeds {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to seed domain data: %w", err)
		}
	}
	logging.Store("Initialized sample domain database at %s", path)
	return nil
}
