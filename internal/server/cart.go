package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"shop-backend/internal/db"
)

// CartItem is a cart line joined with the current product data.
type CartItem struct {
	ProductID    string `json:"product_id"`
	Name         string `json:"name"`
	Image        string `json:"image"`
	PriceCents   int64  `json:"price_cents"`
	CountInStock int    `json:"count_in_stock"`
	Quantity     int    `json:"quantity"`
	LineCents    int64  `json:"line_cents"`
}

// Cart is the caller's cart with a price quote at current prices.
type Cart struct {
	Items     []CartItem `json:"items"`
	ItemCount int        `json:"item_count"`
	Totals    Totals     `json:"totals"`
}

// cartLine is a product id and quantity pair.
type cartLine struct {
	ProductID string `json:"product_id" validate:"required,uuid"`
	Quantity  int    `json:"quantity" validate:"required,min=1,max=1000"`
}

// mergeCartItems applies incoming lines on top of base. A product already in
// base gets the incoming quantity; new products are appended in order. When
// incoming names a product more than once the last entry wins.
func mergeCartItems(base, incoming []cartLine) []cartLine {
	out := make([]cartLine, 0, len(base)+len(incoming))
	index := make(map[string]int, len(base)+len(incoming))
	for _, l := range base {
		if i, ok := index[l.ProductID]; ok {
			out[i].Quantity = l.Quantity
			continue
		}
		index[l.ProductID] = len(out)
		out = append(out, l)
	}
	for _, l := range incoming {
		if i, ok := index[l.ProductID]; ok {
			out[i].Quantity = l.Quantity
			continue
		}
		index[l.ProductID] = len(out)
		out = append(out, l)
	}
	return out
}

func (s *Server) loadCart(ctx context.Context, userID string) (Cart, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.product_id, p.name, p.image_key, p.price_cents, p.count_in_stock, c.quantity
		FROM cart_items c
		JOIN products p ON p.id = c.product_id
		WHERE c.user_id = $1
		ORDER BY c.updated_at, c.product_id
	`, userID)
	if err != nil {
		return Cart{}, err
	}
	defer rows.Close()

	cart := Cart{Items: []CartItem{}}
	var itemsCents int64
	for rows.Next() {
		var (
			it  CartItem
			key string
		)
		if err := rows.Scan(&it.ProductID, &it.Name, &key, &it.PriceCents, &it.CountInStock, &it.Quantity); err != nil {
			return Cart{}, err
		}
		it.Image = s.imageURL(key)
		it.LineCents = it.PriceCents * int64(it.Quantity)
		itemsCents += it.LineCents
		cart.ItemCount += it.Quantity
		cart.Items = append(cart.Items, it)
	}
	if err := rows.Err(); err != nil {
		return Cart{}, err
	}
	cart.Totals = s.pricing.Quote(itemsCents)
	return cart, nil
}

func (s *Server) writeCart(w http.ResponseWriter, r *http.Request, status int) {
	cart, err := s.loadCart(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		writeError(w, r, fmt.Errorf("load cart: %w", err))
		return
	}
	writeJSON(w, status, cart)
}

func (s *Server) handleGetCart(w http.ResponseWriter, r *http.Request) {
	s.writeCart(w, r, http.StatusOK)
}

// checkStock returns a 409 when quantity exceeds the product's stock.
func checkStock(ctx context.Context, q db.Querier, productID string, quantity int) error {
	var (
		name  string
		stock int
	)
	err := q.QueryRowContext(ctx, `SELECT name, count_in_stock FROM products WHERE id = $1`, productID).Scan(&name, &stock)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("product")
	}
	if err != nil {
		return err
	}
	if quantity > stock {
		return &apiError{Status: http.StatusConflict, Message: fmt.Sprintf("insufficient stock for %s: %d available", name, stock), Err: errInsufficientStock}
	}
	return nil
}

const upsertCartItem = `
	INSERT INTO cart_items (user_id, product_id, quantity)
	VALUES ($1, $2, $3)
	ON CONFLICT (user_id, product_id) DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = now()
`

// handleAddCartItem sets the quantity of a product in the cart, adding the
// line when it is new.
func (s *Server) handleAddCartItem(w http.ResponseWriter, r *http.Request) {
	var req cartLine
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := checkStock(r.Context(), s.db, req.ProductID, req.Quantity); err != nil {
		writeError(w, r, wrapInternal("add cart item", err))
		return
	}
	if _, err := s.db.ExecContext(r.Context(), upsertCartItem, userIDFrom(r.Context()), req.ProductID, req.Quantity); err != nil {
		writeError(w, r, fmt.Errorf("add cart item: %w", err))
		return
	}
	s.writeCart(w, r, http.StatusOK)
}

type cartQuantity struct {
	Quantity int `json:"quantity" validate:"required,min=1,max=1000"`
}

func (s *Server) handleUpdateCartItem(w http.ResponseWriter, r *http.Request) {
	productID, err := pathID(r, "productID", "cart item")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req cartQuantity
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := checkStock(r.Context(), s.db, productID, req.Quantity); err != nil {
		writeError(w, r, wrapInternal("update cart item", err))
		return
	}
	res, err := s.db.ExecContext(r.Context(),
		`UPDATE cart_items SET quantity = $3, updated_at = now() WHERE user_id = $1 AND product_id = $2`,
		userIDFrom(r.Context()), productID, req.Quantity)
	if err != nil {
		writeError(w, r, fmt.Errorf("update cart item: %w", err))
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		writeError(w, r, notFound("cart item"))
		return
	}
	s.writeCart(w, r, http.StatusOK)
}

func (s *Server) handleRemoveCartItem(w http.ResponseWriter, r *http.Request) {
	productID, err := pathID(r, "productID", "cart item")
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.db.ExecContext(r.Context(),
		`DELETE FROM cart_items WHERE user_id = $1 AND product_id = $2`,
		userIDFrom(r.Context()), productID)
	if err != nil {
		writeError(w, r, fmt.Errorf("remove cart item: %w", err))
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		writeError(w, r, notFound("cart item"))
		return
	}
	s.writeCart(w, r, http.StatusOK)
}

func (s *Server) handleClearCart(w http.ResponseWriter, r *http.Request) {
	if _, err := s.db.ExecContext(r.Context(), `DELETE FROM cart_items WHERE user_id = $1`, userIDFrom(r.Context())); err != nil {
		writeError(w, r, fmt.Errorf("clear cart: %w", err))
		return
	}
	s.writeCart(w, r, http.StatusOK)
}

type mergeCartRequest struct {
	Items []cartLine `json:"items" validate:"max=100,dive"`
}

// handleMergeCart folds a guest cart into the stored one after login.
// Quantities are clamped to the available stock; products that no longer
// exist or are sold out are skipped.
func (s *Server) handleMergeCart(w http.ResponseWriter, r *http.Request) {
	var req mergeCartRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	userID := userIDFrom(r.Context())

	err := db.WithTx(r.Context(), s.db, func(tx *sql.Tx) error {
		existing, err := cartLines(r.Context(), tx, userID)
		if err != nil {
			return err
		}
		current := make(map[string]int, len(existing))
		for _, l := range existing {
			current[l.ProductID] = l.Quantity
		}

		for _, l := range mergeCartItems(existing, req.Items) {
			if q, ok := current[l.ProductID]; ok && q == l.Quantity {
				continue
			}
			var stock int
			err := tx.QueryRowContext(r.Context(), `SELECT count_in_stock FROM products WHERE id = $1`, l.ProductID).Scan(&stock)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return err
			}
			qty := min(l.Quantity, stock)
			if qty <= 0 {
				continue
			}
			if _, err := tx.ExecContext(r.Context(), upsertCartItem, userID, l.ProductID, qty); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		writeError(w, r, fmt.Errorf("merge cart: %w", err))
		return
	}
	s.writeCart(w, r, http.StatusOK)
}

func cartLines(ctx context.Context, q db.Querier, userID string) ([]cartLine, error) {
	rows, err := q.QueryContext(ctx, `SELECT product_id, quantity FROM cart_items WHERE user_id = $1 ORDER BY updated_at, product_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []cartLine
	for rows.Next() {
		var l cartLine
		if err := rows.Scan(&l.ProductID, &l.Quantity); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// wrapInternal adds context to errors that are not already client errors.
func wrapInternal(op string, err error) error {
	var ae *apiError
	if errors.As(err, &ae) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
