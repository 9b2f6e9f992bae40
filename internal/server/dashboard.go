package server

import (
	"database/sql"
	"fmt"
	"net/http"
	"time"
)

type DashboardTotals struct {
	RevenueCents int64 `json:"revenue_cents"`
	Orders       int   `json:"orders"`
	Customers    int   `json:"customers"`
	Products     int   `json:"products"`
	LowStock     int   `json:"low_stock"`
}

type DailySales struct {
	Day          string `json:"day"`
	Orders       int    `json:"orders"`
	RevenueCents int64  `json:"revenue_cents"`
}

type TopSeller struct {
	ProductID    string `json:"product_id,omitempty"`
	Name         string `json:"name"`
	Units        int    `json:"units"`
	RevenueCents int64  `json:"revenue_cents"`
}

type Dashboard struct {
	From           *time.Time      `json:"from,omitempty"`
	Before         *time.Time      `json:"before,omitempty"`
	Totals         DashboardTotals `json:"totals"`
	OrdersByStatus map[string]int  `json:"orders_by_status"`
	DailySales     []DailySales    `json:"daily_sales"`
	TopProducts    []TopSeller     `json:"top_products"`
}

// handleDashboard aggregates sales for the admin overview. Order, revenue
// and customer figures honour the from/to range; product and low stock
// counts describe the current inventory.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	dr, err := parseDateRange(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()
	d := Dashboard{OrdersByStatus: map[string]int{}, DailySales: []DailySales{}, TopProducts: []TopSeller{}}
	if !dr.From.IsZero() {
		d.From = &dr.From
	}
	if !dr.Before.IsZero() {
		d.Before = &dr.Before
	}

	var oq listQuery
	oq.dateRange("o.created_at", dr)
	if err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(o.total_cents) FILTER (WHERE o.status IN ('paid', 'delivered')), 0), COUNT(*)
		FROM orders o`+oq.clause(), oq.args...).Scan(&d.Totals.RevenueCents, &d.Totals.Orders); err != nil {
		writeError(w, r, fmt.Errorf("dashboard: totals: %w", err))
		return
	}

	var uq listQuery
	uq.where("NOT is_admin")
	uq.dateRange("created_at", dr)
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`+uq.clause(), uq.args...).Scan(&d.Totals.Customers); err != nil {
		writeError(w, r, fmt.Errorf("dashboard: customers: %w", err))
		return
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE count_in_stock <= $1) FROM products
	`, s.cfg.LowStockThreshold).Scan(&d.Totals.Products, &d.Totals.LowStock); err != nil {
		writeError(w, r, fmt.Errorf("dashboard: products: %w", err))
		return
	}

	if err := scanRows(s.db, r, `SELECT o.status, COUNT(*) FROM orders o`+oq.clause()+` GROUP BY o.status`, oq.args,
		func(rows *sql.Rows) error {
			var (
				status string
				n      int
			)
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			d.OrdersByStatus[status] = n
			return nil
		}); err != nil {
		writeError(w, r, fmt.Errorf("dashboard: by status: %w", err))
		return
	}

	paid := listQuery{conds: append([]string{"o.status IN ('paid', 'delivered')"}, oq.conds...), args: oq.args}
	if err := scanRows(s.db, r, `
		SELECT to_char(date_trunc('day', o.created_at), 'YYYY-MM-DD') AS day, COUNT(*), COALESCE(SUM(o.total_cents), 0)
		FROM orders o`+paid.clause()+`
		GROUP BY day ORDER BY day`, paid.args,
		func(rows *sql.Rows) error {
			var ds DailySales
			if err := rows.Scan(&ds.Day, &ds.Orders, &ds.RevenueCents); err != nil {
				return err
			}
			d.DailySales = append(d.DailySales, ds)
			return nil
		}); err != nil {
		writeError(w, r, fmt.Errorf("dashboard: daily: %w", err))
		return
	}

	if err := scanRows(s.db, r, `
		SELECT oi.product_id, oi.name, SUM(oi.quantity), SUM(oi.price_cents * oi.quantity)
		FROM order_items oi JOIN orders o ON o.id = oi.order_id`+paid.clause()+`
		GROUP BY oi.product_id, oi.name
		ORDER BY 3 DESC, 2
		LIMIT 5`, paid.args,
		func(rows *sql.Rows) error {
			var (
				t   TopSeller
				pid sql.NullString
			)
			if err := rows.Scan(&pid, &t.Name, &t.Units, &t.RevenueCents); err != nil {
				return err
			}
			t.ProductID = pid.String
			d.TopProducts = append(d.TopProducts, t)
			return nil
		}); err != nil {
		writeError(w, r, fmt.Errorf("dashboard: top products: %w", err))
		return
	}

	writeJSON(w, http.StatusOK, d)
}

// scanRows runs query and calls fn for every row.
func scanRows(conn *sql.DB, r *http.Request, query string, args []any, fn func(*sql.Rows) error) error {
	rows, err := conn.QueryContext(r.Context(), query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}
