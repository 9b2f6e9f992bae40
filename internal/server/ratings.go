package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"shop-backend/internal/db"
)

// Rating is one customer review of a product.
type Rating struct {
	ID        string    `json:"id"`
	ProductID string    `json:"product_id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"created_at"`
}

var errNotABuyer = newAPIError(http.StatusForbidden, "only customers who bought this product can review it")

func (s *Server) handleListRatings(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id", "product")
	if err != nil {
		writeError(w, r, err)
		return
	}
	rows, err := s.db.QueryContext(r.Context(), `
		SELECT id, product_id, user_id, name, rating, comment, created_at
		FROM ratings WHERE product_id = $1
		ORDER BY created_at DESC
	`, id)
	if err != nil {
		writeError(w, r, fmt.Errorf("list ratings: %w", err))
		return
	}
	defer rows.Close()

	out := []Rating{}
	for rows.Next() {
		var rt Rating
		if err := rows.Scan(&rt.ID, &rt.ProductID, &rt.UserID, &rt.Name, &rt.Rating, &rt.Comment, &rt.CreatedAt); err != nil {
			writeError(w, r, fmt.Errorf("list ratings: scan: %w", err))
			return
		}
		out = append(out, rt)
	}
	if err := rows.Err(); err != nil {
		writeError(w, r, fmt.Errorf("list ratings: rows: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type ratingRequest struct {
	Rating  int    `json:"rating" validate:"required,min=1,max=5"`
	Comment string `json:"comment" validate:"max=2000"`
}

// handleCreateRating records a review from a customer with a paid or
// delivered order for the product. The product aggregates are recomputed in
// the same transaction.
func (s *Server) handleCreateRating(w http.ResponseWriter, r *http.Request) {
	productID, err := pathID(r, "id", "product")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req ratingRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	userID := userIDFrom(r.Context())

	rt := Rating{ID: uuid.NewString(), ProductID: productID, UserID: userID, Rating: req.Rating, Comment: strings.TrimSpace(req.Comment)}
	err = db.WithTx(r.Context(), s.db, func(tx *sql.Tx) error {
		// The token can outlive the account.
		if err := tx.QueryRowContext(r.Context(), `SELECT name FROM users WHERE id = $1`, userID).Scan(&rt.Name); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return newAPIError(http.StatusUnauthorized, "account no longer exists")
			}
			return err
		}

		var exists bool
		if err := tx.QueryRowContext(r.Context(), `SELECT TRUE FROM products WHERE id = $1 FOR UPDATE`, productID).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return notFound("product")
			}
			return err
		}

		var bought bool
		err := tx.QueryRowContext(r.Context(), `
			SELECT EXISTS (
				SELECT 1 FROM order_items oi
				JOIN orders o ON o.id = oi.order_id
				WHERE o.user_id = $1 AND oi.product_id = $2 AND o.status IN ('paid', 'delivered')
			)
		`, userID, productID).Scan(&bought)
		if err != nil {
			return err
		}
		if !bought {
			return errNotABuyer
		}

		err = tx.QueryRowContext(r.Context(), `
			INSERT INTO ratings (id, product_id, user_id, name, rating, comment)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (product_id, user_id) DO NOTHING
			RETURNING created_at
		`, rt.ID, productID, userID, rt.Name, rt.Rating, rt.Comment).Scan(&rt.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return newAPIError(http.StatusConflict, "product already reviewed")
		}
		if err != nil {
			return err
		}
		return recomputeRating(r.Context(), tx, productID)
	})
	if err != nil {
		writeError(w, r, wrapInternal("create rating", err))
		return
	}

	zerolog.Ctx(r.Context()).Info().Str("product_id", productID).Int("rating", rt.Rating).Msg("review added")
	s.productEvent(r.Context(), "updated", productID)
	writeJSON(w, http.StatusCreated, rt)
}

// handleDeleteRating lets an admin remove a review.
func (s *Server) handleDeleteRating(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id", "rating")
	if err != nil {
		writeError(w, r, err)
		return
	}

	var productID string
	err = db.WithTx(r.Context(), s.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(r.Context(), `DELETE FROM ratings WHERE id = $1 RETURNING product_id`, id).Scan(&productID)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("rating")
		}
		if err != nil {
			return err
		}
		return recomputeRating(r.Context(), tx, productID)
	})
	if err != nil {
		writeError(w, r, wrapInternal("delete rating", err))
		return
	}

	s.productEvent(r.Context(), "updated", productID)
	writeJSON(w, http.StatusOK, map[string]string{"message": "rating removed"})
}

// recomputeRating refreshes products.rating and num_reviews from ratings.
func recomputeRating(ctx context.Context, q db.Querier, productID string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE products SET
			rating = COALESCE((SELECT AVG(rating)::float8 FROM ratings WHERE product_id = $1), 0),
			num_reviews = (SELECT COUNT(*) FROM ratings WHERE product_id = $1),
			updated_at = now()
		WHERE id = $1
	`, productID)
	return err
}
