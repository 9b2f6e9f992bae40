package server

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shop-backend/internal/payment"
	"shop-backend/internal/realtime"
)

var orderCols = []string{"id", "user_id", "name", "email", "shipping_address", "payment_method",
	"payment_intent_id", "items_cents", "tax_cents", "shipping_cents", "total_cents", "status",
	"paid_at", "delivered_at", "created_at", "updated_at"}

type orderFixture struct {
	id       string
	userID   any
	status   string
	intentID string
	total    int64
}

func pendingOrder() orderFixture {
	return orderFixture{id: testOrderID, userID: testUserID, status: StatusPending, total: 13800}
}

func (f orderFixture) rows() *sqlmock.Rows {
	now := time.Now()
	var paidAt any
	if f.status == StatusPaid {
		paidAt = now
	}
	return sqlmock.NewRows(orderCols).AddRow(
		f.id, f.userID, "Ada", "ada@example.com",
		[]byte(`{"address":"1 Loop St","city":"London","postal_code":"N1","country":"UK"}`),
		"card", f.intentID, int64(12000), int64(1800), int64(0), f.total, f.status,
		paidAt, nil, now, now,
	)
}

// expectLoadOrder mocks loadOrder: the order row and then its items.
func (e *testEnv) expectLoadOrder(f orderFixture, idArg any) {
	e.mock.ExpectQuery(q(`WHERE o.id = $1`)).WithArgs(idArg).WillReturnRows(f.rows())
	e.mock.ExpectQuery(q(`FROM order_items WHERE order_id IN ($1)`)).WithArgs(f.id).
		WillReturnRows(sqlmock.NewRows([]string{"order_id", "product_id", "name", "image_key", "price_cents", "quantity"}).
			AddRow(f.id, productA, "Phone", "products/a/1.png", int64(4000), 3))
}

var shipTo = ShippingAddress{Address: "1 Loop St", City: "London", PostalCode: "N1", Country: "UK"}

func TestNormaliseOrderItems(t *testing.T) {
	got, err := normaliseOrderItems([]cartLine{{productB, 1}, {productA, 2}, {productB, 3}})
	require.NoError(t, err)
	assert.Equal(t, []cartLine{{productA, 2}, {productB, 4}}, got)

	_, err = normaliseOrderItems(nil)
	assert.EqualError(t, err, "no order items")

	_, err = normaliseOrderItems([]cartLine{{productA, 0}})
	assert.EqualError(t, err, "quantity must be positive")
}

func TestPlaceOrder(t *testing.T) {
	env := newTestEnv(t)

	env.mock.ExpectBegin()
	env.mock.ExpectQuery(q(`SELECT name, image_key, price_cents, count_in_stock`)).WithArgs(productA).
		WillReturnRows(sqlmock.NewRows([]string{"name", "image_key", "price_cents", "count_in_stock"}).
			AddRow("Phone", "products/a/1.png", int64(4000), 4))
	env.mock.ExpectQuery(q(`UPDATE products SET count_in_stock = count_in_stock - $2`)).WithArgs(productA, 3).
		WillReturnRows(sqlmock.NewRows([]string{"count_in_stock"}).AddRow(1))
	env.mock.ExpectExec(q(`INSERT INTO orders`)).
		WithArgs(sqlmock.AnyArg(), testUserID, sqlmock.AnyArg(), "card", 12000, 1800, 0, 13800).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec(q(`INSERT INTO order_items`)).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), productA, "Phone", "products/a/1.png", 4000, 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectCommit()

	env.expectLoadOrder(pendingOrder(), sqlmock.AnyArg())
	env.mock.ExpectExec(q(`DELETE FROM cart_items WHERE user_id = $1`)).WithArgs(testUserID).
		WillReturnResult(sqlmock.NewResult(0, 2))
	env.expectNotify(sqlmock.AnyArg(), nil, KindOrderPlaced, "New order", sqlmock.AnyArg(), sqlmock.AnyArg())
	env.expectNotify(sqlmock.AnyArg(), nil, KindLowStock, "Low stock", "Phone has 1 left in stock", "/admin/products/"+productA)

	rec := env.do(http.MethodPost, "/api/orders", map[string]any{
		"items":            []cartLine{{productA, 2}, {productA, 1}},
		"shipping_address": shipTo,
	}, testUserID)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	o := decodeBody[Order](t, rec)
	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, int64(13800), o.TotalCents)
	require.Len(t, o.Items, 1)
	assert.Equal(t, "http://shop.test/images/products/a/1.png", o.Items[0].Image)

	assert.Len(t, env.events.ofType("product"), 1)
	notes := env.events.ofType("notification")
	require.Len(t, notes, 2)
	assert.Equal(t, realtime.AudienceAdmins, notes[0].Audience)
	orders := env.events.ofType("order")
	require.Len(t, orders, 2)
	assert.Equal(t, testUserID, orders[1].UserID)
}

func TestPlaceOrder_InsufficientStock(t *testing.T) {
	env := newTestEnv(t)
	env.mock.ExpectBegin()
	env.mock.ExpectQuery(q(`SELECT name, image_key, price_cents, count_in_stock`)).WithArgs(productA).
		WillReturnRows(sqlmock.NewRows([]string{"name", "image_key", "price_cents", "count_in_stock"}).
			AddRow("Phone", "", int64(4000), 1))
	env.mock.ExpectRollback()

	rec := env.do(http.MethodPost, "/api/orders", map[string]any{
		"items":            []cartLine{{productA, 2}},
		"shipping_address": shipTo,
	}, testUserID)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "insufficient stock for Phone: 1 available", errorMessage(t, rec))
	assert.Empty(t, env.events.ofType("order"))
}

func TestPlaceOrder_EmptyCart(t *testing.T) {
	env := newTestEnv(t)
	env.mock.ExpectQuery(q(`SELECT product_id, quantity FROM cart_items`)).WithArgs(testUserID).
		WillReturnRows(sqlmock.NewRows([]string{"product_id", "quantity"}))

	rec := env.do(http.MethodPost, "/api/orders", map[string]any{"shipping_address": shipTo}, testUserID)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "no order items", errorMessage(t, rec))
}

func TestPlaceOrder_RequiresAddress(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/api/orders", map[string]any{
		"items":            []cartLine{{productA, 1}},
		"shipping_address": map[string]string{"city": "London"},
	}, testUserID)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetOrder_HiddenFromOtherCustomers(t *testing.T) {
	env := newTestEnv(t)
	const stranger = "55555555-5555-4555-8555-555555555555"
	env.expectLoadOrder(pendingOrder(), testOrderID)
	env.expectIsAdmin(stranger, false)

	rec := env.do(http.MethodGet, "/api/orders/"+testOrderID, nil, stranger)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetOrder_AdminSeesAnyOrder(t *testing.T) {
	env := newTestEnv(t)
	env.expectLoadOrder(pendingOrder(), testOrderID)
	env.expectIsAdmin(testAdminID, true)

	rec := env.do(http.MethodGet, "/api/orders/"+testOrderID, nil, testAdminID)
	require.Equal(t, http.StatusOK, rec.Code)
	o := decodeBody[Order](t, rec)
	require.NotNil(t, o.Customer)
	assert.Equal(t, "ada@example.com", o.Customer.Email)
	assert.Equal(t, "London", o.ShippingAddress.City)
}

func TestCreatePaymentIntent(t *testing.T) {
	env := newTestEnv(t)
	env.expectLoadOrder(pendingOrder(), testOrderID)
	env.mock.ExpectExec(q(`UPDATE orders SET payment_intent_id = $2`)).WithArgs(testOrderID, "pi_fake_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := env.do(http.MethodPost, "/api/orders/"+testOrderID+"/payment-intent", nil, testUserID)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[paymentIntentResponse](t, rec)
	assert.Equal(t, "pi_fake_1", resp.PaymentIntentID)
	assert.Equal(t, "pi_fake_1_secret", resp.ClientSecret)
	assert.Equal(t, int64(13800), resp.AmountCents)
	assert.Equal(t, "usd", resp.Currency)
}

func TestCreatePaymentIntent_ReusesMatchingIntent(t *testing.T) {
	env := newTestEnv(t)
	intent, err := env.pay.CreateIntent(context.Background(), testOrderID, 13800, "usd")
	require.NoError(t, err)
	f := pendingOrder()
	f.intentID = intent.ID
	env.expectLoadOrder(f, testOrderID)

	rec := env.do(http.MethodPost, "/api/orders/"+testOrderID+"/payment-intent", nil, testUserID)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, intent.ID, decodeBody[paymentIntentResponse](t, rec).PaymentIntentID)
	assert.Len(t, env.pay.Intents, 1)
}

func TestCreatePaymentIntent_ProviderDown(t *testing.T) {
	env := newTestEnv(t)
	env.pay.Err = payment.ErrCircuitOpen
	env.expectLoadOrder(pendingOrder(), testOrderID)

	rec := env.do(http.MethodPost, "/api/orders/"+testOrderID+"/payment-intent", nil, testUserID)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCreatePaymentIntent_NotPending(t *testing.T) {
	env := newTestEnv(t)
	f := pendingOrder()
	f.status = StatusPaid
	env.expectLoadOrder(f, testOrderID)

	rec := env.do(http.MethodPost, "/api/orders/"+testOrderID+"/payment-intent", nil, testUserID)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPayOrder(t *testing.T) {
	env := newTestEnv(t)
	intent, err := env.pay.CreateIntent(context.Background(), testOrderID, 13800, "usd")
	require.NoError(t, err)
	env.pay.Succeed(intent.ID)

	paid := pendingOrder()
	paid.status = StatusPaid
	paid.intentID = intent.ID

	env.expectLoadOrder(pendingOrder(), testOrderID)
	env.mock.ExpectExec(q(`UPDATE orders SET status = 'paid'`)).WithArgs(testOrderID, intent.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.expectLoadOrder(paid, testOrderID)
	env.expectNotify(sqlmock.AnyArg(), testUserID, KindOrderPaid, "Payment received", sqlmock.AnyArg(), "/orders/"+testOrderID)
	env.expectLoadOrder(paid, testOrderID)

	rec := env.do(http.MethodPut, "/api/orders/"+testOrderID+"/pay",
		map[string]string{"payment_intent_id": intent.ID}, testUserID)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	o := decodeBody[Order](t, rec)
	assert.Equal(t, StatusPaid, o.Status)
	assert.NotNil(t, o.PaidAt)

	var paidEvents int
	for _, ev := range env.events.ofType("order") {
		if ev.Action == "paid" {
			paidEvents++
		}
	}
	assert.Equal(t, 2, paidEvents)
}

func TestPayOrder_UnpaidIntent(t *testing.T) {
	env := newTestEnv(t)
	intent, err := env.pay.CreateIntent(context.Background(), testOrderID, 13800, "usd")
	require.NoError(t, err)
	env.expectLoadOrder(pendingOrder(), testOrderID)

	rec := env.do(http.MethodPut, "/api/orders/"+testOrderID+"/pay",
		map[string]string{"payment_intent_id": intent.ID}, testUserID)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestPayOrder_UnknownIntentKeepsPaymentsAvailable(t *testing.T) {
	env := newTestEnv(t)
	breaker := payment.NewBreaker(5, time.Minute, zerolog.Nop())
	env.srv.payments = payment.Guard(env.pay, breaker)

	for i := 0; i < 6; i++ {
		env.expectLoadOrder(pendingOrder(), testOrderID)
		rec := env.do(http.MethodPut, "/api/orders/"+testOrderID+"/pay",
			map[string]string{"payment_intent_id": fmt.Sprintf("pi_made_up_%d", i)}, testUserID)
		require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	}
	assert.Equal(t, payment.StateClosed, breaker.State())

	_, err := env.srv.payments.CreateIntent(context.Background(), testOrderID, 13800, "usd")
	assert.NoError(t, err)
}

func TestPayOrder_AlreadyPaidIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	paid := pendingOrder()
	paid.status = StatusPaid
	paid.intentID = "pi_done"
	env.expectLoadOrder(paid, testOrderID)

	rec := env.do(http.MethodPut, "/api/orders/"+testOrderID+"/pay",
		map[string]string{"payment_intent_id": "pi_done"}, testUserID)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func succeededEvent(orderID string, amount int64) *payment.Event {
	return &payment.Event{
		ID:   "evt_1",
		Type: "payment_intent.succeeded",
		Intent: &payment.Intent{
			ID: "pi_hook", Status: payment.StatusSucceeded, AmountCents: amount, Currency: "usd",
			Metadata: map[string]string{payment.MetadataOrderID: orderID},
		},
	}
}

func (e *testEnv) webhook(signature string) int {
	e.t.Helper()
	req := newRawRequest(http.MethodPost, "/api/payments/webhook", `{"id":"evt_1"}`)
	req.Header.Set("Stripe-Signature", signature)
	return e.serve(req).Code
}

func TestPaymentWebhook_MarksOrderPaid(t *testing.T) {
	env := newTestEnv(t)
	env.pay.Events["sig-ok"] = succeededEvent(testOrderID, 13800)

	paid := pendingOrder()
	paid.status = StatusPaid
	paid.intentID = "pi_hook"

	env.mock.ExpectQuery(q(`SELECT total_cents, status FROM orders WHERE id = $1`)).WithArgs(testOrderID).
		WillReturnRows(sqlmock.NewRows([]string{"total_cents", "status"}).AddRow(int64(13800), StatusPending))
	env.mock.ExpectExec(q(`UPDATE orders SET status = 'paid'`)).WithArgs(testOrderID, "pi_hook").
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.expectLoadOrder(paid, testOrderID)
	env.expectNotify()

	assert.Equal(t, http.StatusOK, env.webhook("sig-ok"))
}

func TestPaymentWebhook_ReplayIsNoop(t *testing.T) {
	env := newTestEnv(t)
	env.pay.Events["sig-ok"] = succeededEvent(testOrderID, 13800)
	env.mock.ExpectQuery(q(`SELECT total_cents, status FROM orders`)).WithArgs(testOrderID).
		WillReturnRows(sqlmock.NewRows([]string{"total_cents", "status"}).AddRow(int64(13800), StatusPaid))

	assert.Equal(t, http.StatusOK, env.webhook("sig-ok"))
	assert.Empty(t, env.events.ofType("order"))
}

func TestPaymentWebhook_AmountMismatchIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.pay.Events["sig-ok"] = succeededEvent(testOrderID, 100)
	env.mock.ExpectQuery(q(`SELECT total_cents, status FROM orders`)).WithArgs(testOrderID).
		WillReturnRows(sqlmock.NewRows([]string{"total_cents", "status"}).AddRow(int64(13800), StatusPending))

	assert.Equal(t, http.StatusOK, env.webhook("sig-ok"))
}

func TestPaymentWebhook_BadSignature(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusBadRequest, env.webhook("forged"))
}

func TestPaymentWebhook_OtherEventsAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	env.pay.Events["sig-refund"] = &payment.Event{ID: "evt_2", Type: "charge.refunded"}
	assert.Equal(t, http.StatusOK, env.webhook("sig-refund"))
}

func TestStripeConfig(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/api/config/stripe", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "pk_test_fake", body["publishable_key"])
	assert.Equal(t, true, body["enabled"])
}

func TestAdminListOrders_Filters(t *testing.T) {
	env := newTestEnv(t)
	env.expectIsAdmin(testAdminID, true)
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	before := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	env.mock.ExpectQuery(q(`SELECT COUNT(*) FROM orders o LEFT JOIN users u`)).
		WithArgs("%ada%", StatusPaid, from, before).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	env.mock.ExpectQuery(q(`ORDER BY o.total_cents DESC, o.id LIMIT $5 OFFSET $6`)).
		WithArgs("%ada%", StatusPaid, from, before, 20, 0).
		WillReturnRows(sqlmock.NewRows(orderCols))

	rec := env.do(http.MethodGet,
		"/api/admin/orders?keyword=ada&status=paid&from=2026-01-01&to=2026-01-31&sort=total_desc", nil, testAdminID)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decodeBody[Page[Order]](t, rec)
	assert.Equal(t, 0, page.Total)
}

func TestAdminListOrders_BadStatus(t *testing.T) {
	env := newTestEnv(t)
	env.expectIsAdmin(testAdminID, true)
	rec := env.do(http.MethodGet, "/api/admin/orders?status=lost", nil, testAdminID)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeliverOrder_OnlyPaid(t *testing.T) {
	env := newTestEnv(t)
	env.expectIsAdmin(testAdminID, true)
	env.mock.ExpectQuery(q(`UPDATE orders SET status = 'delivered'`)).WithArgs(testOrderID).
		WillReturnRows(sqlmock.NewRows([]string{"status"}))
	env.mock.ExpectQuery(q(`SELECT status FROM orders WHERE id = $1`)).WithArgs(testOrderID).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(StatusPending))

	rec := env.do(http.MethodPut, "/api/admin/orders/"+testOrderID+"/deliver", nil, testAdminID)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "order is pending; only paid orders can be delivered", errorMessage(t, rec))
}

func TestDeliverOrder(t *testing.T) {
	env := newTestEnv(t)
	env.expectIsAdmin(testAdminID, true)
	env.mock.ExpectQuery(q(`UPDATE orders SET status = 'delivered'`)).WithArgs(testOrderID).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(StatusDelivered))
	f := pendingOrder()
	f.status = StatusDelivered
	env.expectLoadOrder(f, testOrderID)
	env.expectNotify(sqlmock.AnyArg(), testUserID, KindOrderDelivered, "Order delivered", sqlmock.AnyArg(), sqlmock.AnyArg())

	rec := env.do(http.MethodPut, "/api/admin/orders/"+testOrderID+"/deliver", nil, testAdminID)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, StatusDelivered, decodeBody[Order](t, rec).Status)
}

func TestAdminDeleteOrder_RestocksPending(t *testing.T) {
	env := newTestEnv(t)
	env.expectIsAdmin(testAdminID, true)
	env.mock.ExpectBegin()
	env.mock.ExpectQuery(q(`SELECT status, user_id FROM orders WHERE id = $1 FOR UPDATE`)).WithArgs(testOrderID).
		WillReturnRows(sqlmock.NewRows([]string{"status", "user_id"}).AddRow(StatusPending, testUserID))
	env.mock.ExpectQuery(q(`UPDATE products p SET count_in_stock = p.count_in_stock + oi.quantity`)).WithArgs(testOrderID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(productA))
	env.mock.ExpectExec(q(`DELETE FROM orders WHERE id = $1`)).WithArgs(testOrderID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectCommit()

	rec := env.do(http.MethodDelete, "/api/admin/orders/"+testOrderID, nil, testAdminID)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decodeBody[map[string]any](t, rec)["restocked"])
	assert.Len(t, env.events.ofType("product"), 1)
}

func TestAdminDeleteOrder_PaidKeepsStock(t *testing.T) {
	env := newTestEnv(t)
	env.expectIsAdmin(testAdminID, true)
	env.mock.ExpectBegin()
	env.mock.ExpectQuery(q(`SELECT status, user_id FROM orders`)).WithArgs(testOrderID).
		WillReturnRows(sqlmock.NewRows([]string{"status", "user_id"}).AddRow(StatusPaid, nil))
	env.mock.ExpectExec(q(`DELETE FROM orders WHERE id = $1`)).WithArgs(testOrderID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectCommit()

	rec := env.do(http.MethodDelete, "/api/admin/orders/"+testOrderID, nil, testAdminID)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody[map[string]any](t, rec)["restocked"])
}

func TestFormatCents(t *testing.T) {
	assert.Equal(t, "138.00", formatCents(13800))
	assert.Equal(t, "0.05", formatCents(5))
	assert.Equal(t, "-1.50", formatCents(-150))
}
