package server

import (
	"context"
	"net/http"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunMaintenance(t *testing.T) {
	env := newTestEnv(t)
	const raced = "88888888-8888-4888-8888-888888888888"

	env.mock.ExpectQuery(q(`SELECT id FROM orders WHERE status = 'pending' AND created_at < $1`)).
		WithArgs(sqlmock.AnyArg(), maxExpiredPerRun).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(testOrderID).AddRow(raced))

	env.mock.ExpectBegin()
	env.mock.ExpectQuery(q(`UPDATE orders SET status = 'cancelled'`)).WithArgs(testOrderID).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(testUserID))
	env.mock.ExpectQuery(q(`UPDATE products p SET count_in_stock`)).WithArgs(testOrderID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(productA).AddRow(productB))
	env.mock.ExpectCommit()
	env.expectNotify(sqlmock.AnyArg(), testUserID, KindOrderCancelled, "Order cancelled", sqlmock.AnyArg(), "/orders/"+testOrderID)

	// Paid between the scan and the update.
	env.mock.ExpectBegin()
	env.mock.ExpectQuery(q(`UPDATE orders SET status = 'cancelled'`)).WithArgs(raced).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))
	env.mock.ExpectRollback()

	env.mock.ExpectExec(q(`DELETE FROM notifications WHERE is_read AND created_at < $1`)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	res, err := env.srv.RunMaintenance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.OrdersCancelled)
	assert.Equal(t, 2, res.ProductsRestocked)
	assert.Equal(t, int64(3), res.NotificationsPruned)

	assert.Len(t, env.events.ofType("product"), 2)
	var cancelled int
	for _, ev := range env.events.ofType("order") {
		assert.Equal(t, testOrderID, ev.ID)
		if ev.Action == "cancelled" {
			cancelled++
		}
	}
	assert.Equal(t, 2, cancelled)
}

func TestMaintenanceEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.expectIsAdmin(testAdminID, true)
	env.mock.ExpectQuery(q(`SELECT id FROM orders WHERE status = 'pending'`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	env.mock.ExpectExec(q(`DELETE FROM notifications`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	rec := env.do(http.MethodPost, "/api/admin/maintenance", nil, testAdminID)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 0, decodeBody[MaintenanceResult](t, rec).OrdersCancelled)
}

func TestRunMaintenanceSchedule_RejectsBadSpec(t *testing.T) {
	env := newTestEnv(t)
	env.srv.cfg.MaintenanceSchedule = "not a schedule"
	err := env.srv.RunMaintenanceSchedule(context.Background())
	assert.Error(t, err)
}

func TestRunMaintenanceSchedule_StopsWithContext(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, env.srv.RunMaintenanceSchedule(ctx))
}
