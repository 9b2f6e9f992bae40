package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shop-backend/internal/realtime"
)

const testNotificationID = "77777777-7777-4777-8777-777777777777"

var notificationCols = []string{"id", "user_id", "kind", "title", "message", "resource", "is_read", "created_at"}

func TestListNotifications_AdminSeesSharedInbox(t *testing.T) {
	env := newTestEnv(t)
	env.expectIsAdmin(testAdminID, true)
	env.mock.ExpectQuery(q(`SELECT COUNT(*) FROM notifications WHERE (user_id = $1 OR user_id IS NULL) AND NOT is_read`)).
		WithArgs(testAdminID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	env.mock.ExpectQuery(q(`SELECT COUNT(*) FROM notifications WHERE (user_id = $1 OR user_id IS NULL) AND NOT is_read`)).
		WithArgs(testAdminID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	env.mock.ExpectQuery(q(`ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`)).
		WithArgs(testAdminID, 20, 0).
		WillReturnRows(sqlmock.NewRows(notificationCols).
			AddRow(testNotificationID, "", KindLowStock, "Low stock", "Phone has 1 left in stock", "/admin/products/x", false, time.Now()))

	rec := env.do(http.MethodGet, "/api/notifications?unread=true", nil, testAdminID)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	page := decodeBody[notificationPage](t, rec)
	assert.Equal(t, 3, page.UnreadCount)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "", page.Items[0].UserID)
	assert.Equal(t, KindLowStock, page.Items[0].Kind)
}

func TestListNotifications_CustomerScope(t *testing.T) {
	env := newTestEnv(t)
	env.expectIsAdmin(testUserID, false)
	env.mock.ExpectQuery(q(`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND NOT is_read`)).
		WithArgs(testUserID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	env.mock.ExpectQuery(q(`SELECT COUNT(*) FROM notifications WHERE user_id = $1`)).
		WithArgs(testUserID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	env.mock.ExpectQuery(q(`FROM notifications WHERE user_id = $1 ORDER BY`)).
		WithArgs(testUserID, 20, 0).
		WillReturnRows(sqlmock.NewRows(notificationCols))

	rec := env.do(http.MethodGet, "/api/notifications", nil, testUserID)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decodeBody[notificationPage](t, rec)
	assert.Empty(t, page.Items)
	assert.Equal(t, 0, page.UnreadCount)
}

func TestReadNotification(t *testing.T) {
	env := newTestEnv(t)
	env.expectIsAdmin(testUserID, false)
	env.mock.ExpectQuery(q(`UPDATE notifications SET is_read = TRUE WHERE user_id = $1 AND id = $2`)).
		WithArgs(testUserID, testNotificationID).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(testUserID))

	rec := env.do(http.MethodPut, "/api/notifications/"+testNotificationID+"/read", nil, testUserID)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	events := env.events.ofType("notification")
	require.Len(t, events, 1)
	assert.Equal(t, realtime.AudienceUser, events[0].Audience)
	assert.Equal(t, "read", events[0].Action)
}

func TestReadNotification_OtherUsersAreNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.expectIsAdmin(testUserID, false)
	env.mock.ExpectQuery(q(`UPDATE notifications SET is_read = TRUE`)).
		WithArgs(testUserID, testNotificationID).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))

	rec := env.do(http.MethodPut, "/api/notifications/"+testNotificationID+"/read", nil, testUserID)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReadAllNotifications_Admin(t *testing.T) {
	env := newTestEnv(t)
	env.expectIsAdmin(testAdminID, true)
	env.mock.ExpectExec(q(`UPDATE notifications SET is_read = TRUE WHERE (user_id = $1 OR user_id IS NULL) AND NOT is_read`)).
		WithArgs(testAdminID).
		WillReturnResult(sqlmock.NewResult(0, 4))

	rec := env.do(http.MethodPut, "/api/notifications/read-all", nil, testAdminID)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(4), decodeBody[map[string]any](t, rec)["updated"])
	assert.Len(t, env.events.ofType("notification"), 2)
}

func TestDeleteNotification(t *testing.T) {
	env := newTestEnv(t)
	env.expectIsAdmin(testAdminID, true)
	env.mock.ExpectQuery(q(`DELETE FROM notifications WHERE (user_id = $1 OR user_id IS NULL) AND id = $2`)).
		WithArgs(testAdminID, testNotificationID).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(""))

	rec := env.do(http.MethodDelete, "/api/notifications/"+testNotificationID, nil, testAdminID)
	require.Equal(t, http.StatusOK, rec.Code)
	events := env.events.ofType("notification")
	require.Len(t, events, 1)
	assert.Equal(t, realtime.AudienceAdmins, events[0].Audience)
}

func TestNotify_AdminWideStoresNullUser(t *testing.T) {
	env := newTestEnv(t)
	env.expectNotify(sqlmock.AnyArg(), nil, KindLowStock, "Low stock", "x", "/admin/products/y")

	err := env.srv.notify(context.Background(), Notification{Kind: KindLowStock, Title: "Low stock", Message: "x", Resource: "/admin/products/y"})
	require.NoError(t, err)
	events := env.events.ofType("notification")
	require.Len(t, events, 1)
	assert.Equal(t, realtime.AudienceAdmins, events[0].Audience)
}
