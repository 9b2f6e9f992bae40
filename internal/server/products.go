package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"shop-backend/internal/realtime"
)

// Product is a catalogue entry. Image is the public URL of the stored image.
type Product struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Brand        string    `json:"brand"`
	Category     string    `json:"category"`
	Description  string    `json:"description"`
	Image        string    `json:"image"`
	ImageKey     string    `json:"-"`
	PriceCents   int64     `json:"price_cents"`
	CountInStock int       `json:"count_in_stock"`
	Rating       float64   `json:"rating"`
	NumReviews   int       `json:"num_reviews"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

const productColumns = `id, name, brand, category, description, image_key, price_cents, count_in_stock, rating, num_reviews, created_at, updated_at`

func (s *Server) scanProduct(sc interface{ Scan(...any) error }) (Product, error) {
	var p Product
	err := sc.Scan(&p.ID, &p.Name, &p.Brand, &p.Category, &p.Description, &p.ImageKey,
		&p.PriceCents, &p.CountInStock, &p.Rating, &p.NumReviews, &p.CreatedAt, &p.UpdatedAt)
	p.Image = s.imageURL(p.ImageKey)
	return p, err
}

// imageURL turns an object key into the URL served by /images/.
func (s *Server) imageURL(key string) string {
	if key == "" {
		return ""
	}
	return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/images/" + key
}

func (s *Server) loadProduct(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, id string) (Product, error) {
	p, err := s.scanProduct(q.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return p, notFound("product")
	}
	return p, err
}

// productEvent tells every client that a product changed.
func (s *Server) productEvent(ctx context.Context, action, id string) {
	s.publish(ctx, realtime.Event{Type: "product", Action: action, ID: id, At: time.Now().UTC(), Audience: realtime.AudienceAll})
}

// handleListProducts serves the storefront catalogue.
func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	p := parsePage(v, 12, 100)

	var q listQuery
	q.keyword(v.Get("keyword"), "name", "brand", "category", "description")
	if c := strings.TrimSpace(v.Get("category")); c != "" {
		q.where("LOWER(category) = LOWER(?)", c)
	}
	if b := strings.TrimSpace(v.Get("brand")); b != "" {
		q.where("LOWER(brand) = LOWER(?)", b)
	}
	for _, f := range []struct{ param, cond string }{
		{"min_price", "price_cents >= ?"},
		{"max_price", "price_cents <= ?"},
	} {
		raw := v.Get(f.param)
		if raw == "" {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeError(w, r, badRequest("%s must be a non-negative amount in cents", f.param))
			return
		}
		q.where(f.cond, n)
	}
	if raw := v.Get("min_rating"); raw != "" {
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil || n < 0 || n > 5 {
			writeError(w, r, badRequest("min_rating must be between 0 and 5"))
			return
		}
		q.where("rating >= ?", n)
	}
	if v.Get("in_stock") == "true" {
		q.where("count_in_stock > 0")
	}
	where := q.clause()

	var total int
	if err := s.db.QueryRowContext(r.Context(), `SELECT COUNT(*) FROM products`+where, q.args...).Scan(&total); err != nil {
		writeError(w, r, fmt.Errorf("list products: count: %w", err))
		return
	}

	order := sortClause(v.Get("sort"), map[string]string{
		"newest":     "created_at DESC, id",
		"price_asc":  "price_cents ASC, id",
		"price_desc": "price_cents DESC, id",
		"rating":     "rating DESC, num_reviews DESC, id",
		"name":       "name ASC, id",
	}, "newest")
	products, err := s.queryProducts(r.Context(), `SELECT `+productColumns+` FROM products`+where+order+q.page(p), q.args...)
	if err != nil {
		writeError(w, r, fmt.Errorf("list products: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, newPage(products, p, total))
}

func (s *Server) queryProducts(ctx context.Context, query string, args ...any) ([]Product, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := []Product{}
	for rows.Next() {
		p, err := s.scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// handleTopProducts returns the best rated products, 5 by default.
func (s *Server) handleTopProducts(w http.ResponseWriter, r *http.Request) {
	limit := 5
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n <= 20 {
		limit = n
	}
	products, err := s.queryProducts(r.Context(),
		`SELECT `+productColumns+` FROM products ORDER BY rating DESC, num_reviews DESC, id LIMIT $1`, limit)
	if err != nil {
		writeError(w, r, fmt.Errorf("top products: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, products)
}

type categoryCount struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.QueryContext(r.Context(), `
		SELECT category, COUNT(*) FROM products
		WHERE category <> ''
		GROUP BY category ORDER BY category
	`)
	if err != nil {
		writeError(w, r, fmt.Errorf("categories: %w", err))
		return
	}
	defer rows.Close()

	out := []categoryCount{}
	for rows.Next() {
		var c categoryCount
		if err := rows.Scan(&c.Category, &c.Count); err != nil {
			writeError(w, r, fmt.Errorf("categories: scan: %w", err))
			return
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		writeError(w, r, fmt.Errorf("categories: rows: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id", "product")
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.loadProduct(r.Context(), s.db, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type productRequest struct {
	Name         *string `json:"name" validate:"required,min=1,max=200"`
	Brand        *string `json:"brand" validate:"omitempty,max=100"`
	Category     *string `json:"category" validate:"omitempty,max=100"`
	Description  *string `json:"description" validate:"omitempty,max=5000"`
	PriceCents   *int64  `json:"price_cents" validate:"required,gte=0"`
	CountInStock *int    `json:"count_in_stock" validate:"omitempty,gte=0"`
}

// productUpdate is productRequest with every field optional.
type productUpdate struct {
	Name         *string `json:"name" validate:"omitempty,min=1,max=200"`
	Brand        *string `json:"brand" validate:"omitempty,max=100"`
	Category     *string `json:"category" validate:"omitempty,max=100"`
	Description  *string `json:"description" validate:"omitempty,max=5000"`
	PriceCents   *int64  `json:"price_cents" validate:"omitempty,gte=0"`
	CountInStock *int    `json:"count_in_stock" validate:"omitempty,gte=0"`
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func (s *Server) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	p, err := s.scanProduct(s.db.QueryRowContext(r.Context(), `
		INSERT INTO products (id, created_by, name, brand, category, description, price_cents, count_in_stock)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+productColumns,
		uuid.NewString(), userIDFrom(r.Context()),
		strings.TrimSpace(*req.Name), strings.TrimSpace(deref(req.Brand)), strings.TrimSpace(deref(req.Category)),
		deref(req.Description), *req.PriceCents, deref(req.CountInStock),
	))
	if err != nil {
		writeError(w, r, fmt.Errorf("create product: %w", err))
		return
	}

	zerolog.Ctx(r.Context()).Info().Str("product_id", p.ID).Msg("product created")
	s.productEvent(r.Context(), "created", p.ID)
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id", "product")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req productUpdate
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	var (
		sets []string
		q    listQuery
	)
	if req.Name != nil {
		sets = append(sets, "name = "+q.arg(strings.TrimSpace(*req.Name)))
	}
	if req.Brand != nil {
		sets = append(sets, "brand = "+q.arg(strings.TrimSpace(*req.Brand)))
	}
	if req.Category != nil {
		sets = append(sets, "category = "+q.arg(strings.TrimSpace(*req.Category)))
	}
	if req.Description != nil {
		sets = append(sets, "description = "+q.arg(*req.Description))
	}
	if req.PriceCents != nil {
		sets = append(sets, "price_cents = "+q.arg(*req.PriceCents))
	}
	if req.CountInStock != nil {
		sets = append(sets, "count_in_stock = "+q.arg(*req.CountInStock))
	}
	if len(sets) == 0 {
		writeError(w, r, badRequest("nothing to update"))
		return
	}

	query := `UPDATE products SET ` + strings.Join(sets, ", ") + `, updated_at = now() WHERE id = ` + q.arg(id) +
		` RETURNING ` + productColumns
	p, err := s.scanProduct(s.db.QueryRowContext(r.Context(), query, q.args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, r, notFound("product"))
			return
		}
		writeError(w, r, fmt.Errorf("update product: %w", err))
		return
	}

	s.productEvent(r.Context(), "updated", p.ID)
	writeJSON(w, http.StatusOK, p)
}

// handleDeleteProduct removes the product and its stored image. Past orders
// keep their item snapshots.
func (s *Server) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id", "product")
	if err != nil {
		writeError(w, r, err)
		return
	}

	var imageKey string
	err = s.db.QueryRowContext(r.Context(), `DELETE FROM products WHERE id = $1 RETURNING image_key`, id).Scan(&imageKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, r, notFound("product"))
			return
		}
		writeError(w, r, fmt.Errorf("delete product: %w", err))
		return
	}

	s.removeImage(r.Context(), imageKey)
	zerolog.Ctx(r.Context()).Info().Str("product_id", id).Msg("product deleted")
	s.productEvent(r.Context(), "deleted", id)
	writeJSON(w, http.StatusOK, map[string]string{"message": "product removed"})
}
