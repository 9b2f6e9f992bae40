// notifications.go - In-app notifications for customers and administrators.
//
// A notification with no user is addressed to every admin; admins share its
// read flag.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"shop-backend/internal/realtime"
)

// Notification kinds.
const (
	KindOrderPlaced    = "order_placed"
	KindOrderPaid      = "order_paid"
	KindOrderDelivered = "order_delivered"
	KindOrderCancelled = "order_cancelled"
	KindLowStock       = "low_stock"
)

type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Resource  string    `json:"resource"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

// notify stores n and signals its audience. An empty UserID addresses all
// admins.
func (s *Server) notify(ctx context.Context, n Notification) error {
	var userID any
	if n.UserID != "" {
		userID = n.UserID
	}
	n.ID = uuid.NewString()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO notifications (id, user_id, kind, title, message, resource)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, n.ID, userID, n.Kind, n.Title, n.Message, n.Resource).Scan(&n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	s.notificationEvent(ctx, "created", n.ID, n.UserID)
	return nil
}

func (s *Server) notificationEvent(ctx context.Context, action, id, userID string) {
	ev := realtime.Event{Type: "notification", Action: action, ID: id, At: time.Now().UTC(), Audience: realtime.AudienceAdmins}
	if userID != "" {
		ev.Audience = realtime.AudienceUser
		ev.UserID = userID
	}
	s.publish(ctx, ev)
}

// notificationScope restricts q to what the caller can see: their own
// notifications and, for admins, the admin-wide ones.
func (s *Server) notificationScope(ctx context.Context, q *listQuery) (bool, error) {
	userID := userIDFrom(ctx)
	admin, err := s.isAdmin(ctx, userID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	if admin {
		q.where("(user_id = ? OR user_id IS NULL)", userID)
	} else {
		q.where("user_id = ?", userID)
	}
	return admin, nil
}

type notificationPage struct {
	Page[Notification]
	UnreadCount int `json:"unread_count"`
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	p := parsePage(v, 20, 100)
	ctx := r.Context()

	var scope listQuery
	if _, err := s.notificationScope(ctx, &scope); err != nil {
		writeError(w, r, fmt.Errorf("notifications: scope: %w", err))
		return
	}

	var unread int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications`+scope.clause()+` AND NOT is_read`, scope.args...).Scan(&unread); err != nil {
		writeError(w, r, fmt.Errorf("notifications: unread: %w", err))
		return
	}

	q := listQuery{conds: append([]string(nil), scope.conds...), args: append([]any(nil), scope.args...)}
	if v.Get("unread") == "true" {
		q.where("NOT is_read")
	}
	where := q.clause()

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications`+where, q.args...).Scan(&total); err != nil {
		writeError(w, r, fmt.Errorf("notifications: count: %w", err))
		return
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(user_id::text, ''), kind, title, message, resource, is_read, created_at
		FROM notifications`+where+` ORDER BY created_at DESC, id`+q.page(p), q.args...)
	if err != nil {
		writeError(w, r, fmt.Errorf("notifications: %w", err))
		return
	}
	defer rows.Close()

	var items []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Title, &n.Message, &n.Resource, &n.IsRead, &n.CreatedAt); err != nil {
			writeError(w, r, fmt.Errorf("notifications: scan: %w", err))
			return
		}
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		writeError(w, r, fmt.Errorf("notifications: rows: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, notificationPage{Page: newPage(items, p, total), UnreadCount: unread})
}

func (s *Server) handleReadNotification(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id", "notification")
	if err != nil {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()

	var q listQuery
	if _, err := s.notificationScope(ctx, &q); err != nil {
		writeError(w, r, fmt.Errorf("read notification: scope: %w", err))
		return
	}
	q.where("id = ?", id)

	var owner string
	err = s.db.QueryRowContext(ctx,
		`UPDATE notifications SET is_read = TRUE`+q.clause()+` RETURNING COALESCE(user_id::text, '')`, q.args...).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, r, notFound("notification"))
		return
	}
	if err != nil {
		writeError(w, r, fmt.Errorf("read notification: %w", err))
		return
	}
	s.notificationEvent(ctx, "read", id, owner)
	writeJSON(w, http.StatusOK, map[string]string{"message": "notification marked as read"})
}

func (s *Server) handleReadAllNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var q listQuery
	admin, err := s.notificationScope(ctx, &q)
	if err != nil {
		writeError(w, r, fmt.Errorf("read all notifications: scope: %w", err))
		return
	}
	q.where("NOT is_read")

	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET is_read = TRUE`+q.clause(), q.args...)
	if err != nil {
		writeError(w, r, fmt.Errorf("read all notifications: %w", err))
		return
	}
	n, _ := res.RowsAffected()
	s.notificationEvent(ctx, "read", "", userIDFrom(ctx))
	if admin {
		s.notificationEvent(ctx, "read", "", "")
	}
	zerolog.Ctx(ctx).Debug().Int64("count", n).Msg("notifications marked read")
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

func (s *Server) handleDeleteNotification(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id", "notification")
	if err != nil {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()

	var q listQuery
	if _, err := s.notificationScope(ctx, &q); err != nil {
		writeError(w, r, fmt.Errorf("delete notification: scope: %w", err))
		return
	}
	q.where("id = ?", id)

	var owner string
	err = s.db.QueryRowContext(ctx,
		`DELETE FROM notifications`+q.clause()+` RETURNING COALESCE(user_id::text, '')`, q.args...).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, r, notFound("notification"))
		return
	}
	if err != nil {
		writeError(w, r, fmt.Errorf("delete notification: %w", err))
		return
	}
	s.notificationEvent(ctx, "deleted", id, owner)
	writeJSON(w, http.StatusOK, map[string]string{"message": "notification removed"})
}
