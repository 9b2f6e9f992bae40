package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// User is the public view of an account.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const userColumns = `id, name, email, is_admin, created_at, updated_at`

func scanUser(sc interface{ Scan(...any) error }) (User, error) {
	var u User
	err := sc.Scan(&u.ID, &u.Name, &u.Email, &u.IsAdmin, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func (s *Server) loadUser(ctx context.Context, id string) (User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return u, notFound("user")
	}
	return u, err
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	u, err := s.loadUser(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type profileUpdate struct {
	Name     *string `json:"name" validate:"omitempty,min=2,max=100"`
	Email    *string `json:"email" validate:"omitempty,email,max=254"`
	Password *string `json:"password" validate:"omitempty,password"`
}

// handleUpdateProfile applies the fields present in the body. A changed
// password re-issues the session token.
func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req profileUpdate
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
	if req.Email != nil {
		sets = append(sets, "email = "+q.arg(normaliseEmail(*req.Email)))
	}
	if req.Password != nil {
		hash, err := hashPassword(*req.Password)
		if err != nil {
			writeError(w, r, fmt.Errorf("profile: hash: %w", err))
			return
		}
		sets = append(sets, "password_hash = "+q.arg(hash))
	}
	if len(sets) == 0 {
		writeError(w, r, badRequest("nothing to update"))
		return
	}

	userID := userIDFrom(r.Context())
	query := `UPDATE users SET ` + strings.Join(sets, ", ") + `, updated_at = now() WHERE id = ` + q.arg(userID) +
		` RETURNING ` + userColumns
	u, err := scanUser(s.db.QueryRowContext(r.Context(), query, q.args...))
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			writeError(w, r, notFound("user"))
		case isUniqueViolation(err):
			writeError(w, r, newAPIError(http.StatusConflict, "email already in use"))
		default:
			writeError(w, r, fmt.Errorf("profile: update: %w", err))
		}
		return
	}

	if req.Password != nil {
		zerolog.Ctx(r.Context()).Info().Msg("password changed")
		s.issueSession(w, r, http.StatusOK, u)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// handleAdminListUsers lists users with keyword search over name and email
// and a created_at date range.
func (s *Server) handleAdminListUsers(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	dr, err := parseDateRange(v)
	if err != nil {
		writeError(w, r, err)
		return
	}
	p := parsePage(v, 20, 100)

	var q listQuery
	q.keyword(v.Get("keyword"), "name", "email")
	q.dateRange("created_at", dr)
	switch v.Get("role") {
	case "admin":
		q.where("is_admin")
	case "customer":
		q.where("NOT is_admin")
	}
	where := q.clause()

	var total int
	if err := s.db.QueryRowContext(r.Context(), `SELECT COUNT(*) FROM users`+where, q.args...).Scan(&total); err != nil {
		writeError(w, r, fmt.Errorf("list users: count: %w", err))
		return
	}

	order := sortClause(v.Get("sort"), map[string]string{
		"newest": "created_at DESC, id",
		"oldest": "created_at ASC, id",
		"name":   "name ASC, id",
		"email":  "email ASC",
	}, "newest")
	rows, err := s.db.QueryContext(r.Context(), `SELECT `+userColumns+` FROM users`+where+order+q.page(p), q.args...)
	if err != nil {
		writeError(w, r, fmt.Errorf("list users: %w", err))
		return
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			writeError(w, r, fmt.Errorf("list users: scan: %w", err))
			return
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		writeError(w, r, fmt.Errorf("list users: rows: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, newPage(users, p, total))
}

func (s *Server) handleAdminGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id", "user")
	if err != nil {
		writeError(w, r, err)
		return
	}
	u, err := s.loadUser(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type adminUserUpdate struct {
	Name    *string `json:"name" validate:"omitempty,min=2,max=100"`
	Email   *string `json:"email" validate:"omitempty,email,max=254"`
	IsAdmin *bool   `json:"is_admin"`
}

func (s *Server) handleAdminUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id", "user")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req adminUserUpdate
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.IsAdmin != nil && !*req.IsAdmin && id == userIDFrom(r.Context()) {
		writeError(w, r, badRequest("you cannot remove your own admin rights"))
		return
	}

	var (
		sets []string
		q    listQuery
	)
	if req.Name != nil {
		sets = append(sets, "name = "+q.arg(strings.TrimSpace(*req.Name)))
	}
	if req.Email != nil {
		sets = append(sets, "email = "+q.arg(normaliseEmail(*req.Email)))
	}
	if req.IsAdmin != nil {
		sets = append(sets, "is_admin = "+q.arg(*req.IsAdmin))
	}
	if len(sets) == 0 {
		writeError(w, r, badRequest("nothing to update"))
		return
	}

	query := `UPDATE users SET ` + strings.Join(sets, ", ") + `, updated_at = now() WHERE id = ` + q.arg(id) +
		` RETURNING ` + userColumns
	u, err := scanUser(s.db.QueryRowContext(r.Context(), query, q.args...))
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			writeError(w, r, notFound("user"))
		case isUniqueViolation(err):
			writeError(w, r, newAPIError(http.StatusConflict, "email already in use"))
		default:
			writeError(w, r, fmt.Errorf("admin update user: %w", err))
		}
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// handleAdminDeleteUser removes an account. Orders keep their history with
// the customer reference cleared.
func (s *Server) handleAdminDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id", "user")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if id == userIDFrom(r.Context()) {
		writeError(w, r, badRequest("you cannot delete your own account"))
		return
	}

	res, err := s.db.ExecContext(r.Context(), `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		writeError(w, r, fmt.Errorf("admin delete user: %w", err))
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		writeError(w, r, notFound("user"))
		return
	}
	zerolog.Ctx(r.Context()).Info().Str("deleted_user_id", id).Msg("user deleted")
	writeJSON(w, http.StatusOK, map[string]string{"message": "user removed"})
}
