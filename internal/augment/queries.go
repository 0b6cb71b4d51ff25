package augment

import (
	"context"
	"fmt"
	"time"

	"mnemo/internal/store"
)

// DomainFact is one fact read from the business database, with enough
// provenance to explain exactly where it came from.
type DomainFact struct {
	Query        string                 `json:"query"`
	Table        string                 `json:"table"`
	RowID        string                 `json:"row_id"`
	Statement    string                 `json:"statement"`
	Data         map[string]interface{} `json:"data,omitempty"`
	SuggestedSQL string                 `json:"suggested_sql,omitempty"`
	RetrievedAt  time.Time              `json:"retrieved_at"`
}

// queryParams carries the per-dispatch inputs every registered query gets.
type queryParams struct {
	CustomerID string
	SLAAgeDays int
}

// domainQuery is one registered read-only query bound to an intent class.
type domainQuery struct {
	Name    string
	Intents []Intent
	Run     func(ctx context.Context, d *store.DomainDB, p queryParams) ([]DomainFact, error)
}

// registry lists every query the augmenter may dispatch. All SQL here is
// read-only by construction; the domain handle rejects writes anyway.
var registry = []domainQuery{
	{Name: "invoice_status", Intents: []Intent{IntentFinancial, IntentGeneral}, Run: invoiceStatusQuery},
	{Name: "order_chain", Intents: []Intent{IntentOperational, IntentGeneral}, Run: orderChainQuery},
	{Name: "sla_risk", Intents: []Intent{IntentSLA, IntentOperational}, Run: slaRiskQuery},
	{Name: "work_orders", Intents: []Intent{IntentOperational}, Run: workOrdersQuery},
	{Name: "open_tasks", Intents: []Intent{IntentOperational}, Run: openTasksQuery},
}

const invoiceStatusSQL = `
	SELECT i.invoice_id, i.amount, i.status, i.due_date,
	       COALESCE(SUM(p.amount), 0) AS paid,
	       i.due_date < date('now') AND i.status != 'paid' AS overdue
	FROM invoices i
	LEFT JOIN payments p ON p.invoice_id = i.invoice_id
	WHERE i.customer_id = ?
	GROUP BY i.invoice_id`

// invoiceStatusQuery reports each invoice's balance net of partial payments.
func invoiceStatusQuery(ctx context.Context, d *store.DomainDB, p queryParams) ([]DomainFact, error) {
	rows, err := d.Query(ctx, invoiceStatusSQL, p.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("invoice_status query failed: %w", err)
	}
	defer rows.Close()

	var facts []DomainFact
	for rows.Next() {
		var id, status string
		var dueDate interface{}
		var amount, paid float64
		var overdue bool
		if err := rows.Scan(&id, &amount, &status, &dueDate, &paid, &overdue); err != nil {
			return nil, fmt.Errorf("invoice_status scan failed: %w", err)
		}
		balance := amount - paid
		statement := fmt.Sprintf("Invoice %s: %.2f invoiced, %.2f paid, %.2f outstanding (status %s)", id, amount, paid, balance, status)
		if overdue {
			statement += ", OVERDUE"
		}
		facts = append(facts, DomainFact{
			Query:     "invoice_status",
			Table:     "invoices",
			RowID:     id,
			Statement: statement,
			Data: map[string]interface{}{
				"amount": amount, "paid": paid, "balance": balance,
				"status": status, "due_date": dueDate, "overdue": overdue,
			},
			SuggestedSQL: invoiceStatusSQL,
			RetrievedAt:  time.Now().UTC(),
		})
	}
	return facts, rows.Err()
}

const orderChainSQL = `
	SELECT o.order_id, o.status, o.promised_date,
	       (SELECT COUNT(*) FROM work_orders w WHERE w.order_id = o.order_id) AS wo_total,
	       (SELECT COUNT(*) FROM work_orders w WHERE w.order_id = o.order_id AND w.status = 'done') AS wo_done,
	       (SELECT COUNT(*) FROM invoices i WHERE i.order_id = o.order_id) AS invoice_total,
	       (SELECT COUNT(*) FROM invoices i WHERE i.order_id = o.order_id AND i.status != 'draft') AS invoices_sent,
	       (SELECT COALESCE(SUM(i.amount), 0) FROM invoices i WHERE i.order_id = o.order_id) AS invoiced,
	       (SELECT COALESCE(SUM(p.amount), 0) FROM payments p
	          JOIN invoices i ON i.invoice_id = p.invoice_id
	         WHERE i.order_id = o.order_id) AS paid
	FROM sales_orders o
	WHERE o.customer_id = ? AND o.status != 'closed'`

// orderChainQuery walks order -> work orders -> invoices -> payments and
// recommends the next step in the fulfillment chain.
func orderChainQuery(ctx context.Context, d *store.DomainDB, p queryParams) ([]DomainFact, error) {
	rows, err := d.Query(ctx, orderChainSQL, p.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("order_chain query failed: %w", err)
	}
	defer rows.Close()

	var facts []DomainFact
	for rows.Next() {
		var orderID, status string
		var promised interface{}
		var woTotal, woDone, invoiceTotal, invoicesSent int
		var invoiced, paid float64
		if err := rows.Scan(&orderID, &status, &promised, &woTotal, &woDone,
			&invoiceTotal, &invoicesSent, &invoiced, &paid); err != nil {
			return nil, fmt.Errorf("order_chain scan failed: %w", err)
		}
		action := recommendedAction(woTotal, woDone, invoiceTotal, invoicesSent, invoiced, paid)
		statement := fmt.Sprintf("Order %s is %s (%d/%d work orders done, %d invoices, %.2f of %.2f paid)",
			orderID, status, woDone, woTotal, invoiceTotal, paid, invoiced)
		if action != "" {
			statement += "; recommended action: " + action
		}
		facts = append(facts, DomainFact{
			Query:     "order_chain",
			Table:     "sales_orders",
			RowID:     orderID,
			Statement: statement,
			Data: map[string]interface{}{
				"status": status, "promised_date": promised,
				"work_orders_total": woTotal, "work_orders_done": woDone,
				"invoice_total": invoiceTotal, "invoiced": invoiced, "paid": paid,
				"recommended_action": action,
			},
			SuggestedSQL: orderChainSQL,
			RetrievedAt:  time.Now().UTC(),
		})
	}
	return facts, rows.Err()
}

// recommendedAction picks the first incomplete step of the chain:
// work orders exist -> work orders done -> invoiced -> sent -> paid.
func recommendedAction(woTotal, woDone, invoiceTotal, invoicesSent int, invoiced, paid float64) string {
	switch {
	case woTotal == 0:
		return "create_work_orders"
	case woDone < woTotal:
		return "complete_work_orders"
	case invoiceTotal == 0:
		return "generate_invoice"
	case invoicesSent < invoiceTotal:
		return "send_invoice"
	case paid < invoiced:
		return "track_payment"
	}
	return ""
}

const slaRiskSQL = `
	SELECT task_id, title, status,
	       CAST(julianday('now') - julianday(created_at) AS INTEGER) AS age_days
	FROM tasks
	WHERE customer_id = ? AND status != 'done'`

// slaRiskQuery flags open tasks older than the configured age threshold.
// Twice the threshold escalates medium to high.
func slaRiskQuery(ctx context.Context, d *store.DomainDB, p queryParams) ([]DomainFact, error) {
	rows, err := d.Query(ctx, slaRiskSQL, p.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("sla_risk query failed: %w", err)
	}
	defer rows.Close()

	var facts []DomainFact
	for rows.Next() {
		var taskID, title, status string
		var ageDays int
		if err := rows.Scan(&taskID, &title, &status, &ageDays); err != nil {
			return nil, fmt.Errorf("sla_risk scan failed: %w", err)
		}
		var level string
		switch {
		case ageDays > 2*p.SLAAgeDays:
			level = "high"
		case ageDays > p.SLAAgeDays:
			level = "medium"
		default:
			continue
		}
		facts = append(facts, DomainFact{
			Query:     "sla_risk",
			Table:     "tasks",
			RowID:     taskID,
			Statement: fmt.Sprintf("Task %s (%q) has %s SLA risk: open for %d days", taskID, title, level, ageDays),
			Data: map[string]interface{}{
				"risk_level": level, "age_days": ageDays, "title": title, "status": status,
			},
			SuggestedSQL: slaRiskSQL,
			RetrievedAt:  time.Now().UTC(),
		})
	}
	return facts, rows.Err()
}

const workOrdersSQL = `
	SELECT w.work_order_id, w.order_id, w.status, w.scheduled_date
	FROM work_orders w
	JOIN sales_orders o ON o.order_id = w.order_id
	WHERE o.customer_id = ? AND w.status != 'done'`

func workOrdersQuery(ctx context.Context, d *store.DomainDB, p queryParams) ([]DomainFact, error) {
	rows, err := d.Query(ctx, workOrdersSQL, p.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("work_orders query failed: %w", err)
	}
	defer rows.Close()

	var facts []DomainFact
	for rows.Next() {
		var woID, orderID, status string
		var scheduled interface{}
		if err := rows.Scan(&woID, &orderID, &status, &scheduled); err != nil {
			return nil, fmt.Errorf("work_orders scan failed: %w", err)
		}
		facts = append(facts, DomainFact{
			Query:        "work_orders",
			Table:        "work_orders",
			RowID:        woID,
			Statement:    fmt.Sprintf("Work order %s for order %s is %s", woID, orderID, status),
			Data:         map[string]interface{}{"order_id": orderID, "status": status, "scheduled_date": scheduled},
			SuggestedSQL: workOrdersSQL,
			RetrievedAt:  time.Now().UTC(),
		})
	}
	return facts, rows.Err()
}

const openTasksSQL = `
	SELECT task_id, title, status, due_date
	FROM tasks
	WHERE customer_id = ? AND status != 'done'`

func openTasksQuery(ctx context.Context, d *store.DomainDB, p queryParams) ([]DomainFact, error) {
	rows, err := d.Query(ctx, openTasksSQL, p.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("open_tasks query failed: %w", err)
	}
	defer rows.Close()

	var facts []DomainFact
	for rows.Next() {
		var id, title, status string
		var due interface{}
		if err := rows.Scan(&id, &title, &status, &due); err != nil {
			return nil, fmt.Errorf("open_tasks scan failed: %w", err)
		}
		facts = append(facts, DomainFact{
			Query:        "open_tasks",
			Table:        "tasks",
			RowID:        id,
			Statement:    fmt.Sprintf("Task %s (%q) is %s", id, title, status),
			Data:         map[string]interface{}{"title": title, "status": status, "due_date": due},
			SuggestedSQL: openTasksSQL,
			RetrievedAt:  time.Now().UTC(),
		})
	}
	return facts, rows.Err()
}
