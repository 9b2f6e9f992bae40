package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"shop-backend/internal/db"
	"shop-backend/internal/payment"
	"shop-backend/internal/realtime"
)

const (
	StatusPending   = "pending"
	StatusPaid      = "paid"
	StatusDelivered = "delivered"
	StatusCancelled = "cancelled"
)

// ShippingAddress is stored as JSONB on the order.
type ShippingAddress struct {
	Address    string `json:"address" validate:"required,max=200"`
	City       string `json:"city" validate:"required,max=100"`
	PostalCode string `json:"postal_code" validate:"required,max=20"`
	Country    string `json:"country" validate:"required,max=100"`
}

// OrderItem is a snapshot of a product at the time of purchase.
type OrderItem struct {
	ProductID  string `json:"product_id,omitempty"`
	Name       string `json:"name"`
	Image      string `json:"image"`
	PriceCents int64  `json:"price_cents"`
	Quantity   int    `json:"quantity"`
}

// OrderCustomer is the buyer as currently stored. It is nil once the
// account has been deleted.
type OrderCustomer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type Order struct {
	ID              string          `json:"id"`
	Customer        *OrderCustomer  `json:"customer"`
	ShippingAddress ShippingAddress `json:"shipping_address"`
	PaymentMethod   string          `json:"payment_method"`
	PaymentIntentID string          `json:"payment_intent_id,omitempty"`
	Totals
	Status      string      `json:"status"`
	PaidAt      *time.Time  `json:"paid_at"`
	DeliveredAt *time.Time  `json:"delivered_at"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	Items       []OrderItem `json:"items"`
}

func (o Order) userID() string {
	if o.Customer == nil {
		return ""
	}
	return o.Customer.ID
}

const orderColumns = `o.id, o.user_id, COALESCE(u.name, ''), COALESCE(u.email, ''), o.shipping_address, o.payment_method,
	COALESCE(o.payment_intent_id, ''), o.items_cents, o.tax_cents, o.shipping_cents, o.total_cents, o.status,
	o.paid_at, o.delivered_at, o.created_at, o.updated_at`

const orderFrom = ` FROM orders o LEFT JOIN users u ON u.id = o.user_id`

func scanOrder(sc interface{ Scan(...any) error }) (Order, error) {
	var (
		o          Order
		userID     sql.NullString
		name       string
		email      string
		address    []byte
		paid, delv sql.NullTime
	)
	err := sc.Scan(&o.ID, &userID, &name, &email, &address, &o.PaymentMethod, &o.PaymentIntentID,
		&o.ItemsCents, &o.TaxCents, &o.ShippingCents, &o.TotalCents, &o.Status,
		&paid, &delv, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return o, err
	}
	if userID.Valid {
		o.Customer = &OrderCustomer{ID: userID.String, Name: name, Email: email}
	}
	if err := json.Unmarshal(address, &o.ShippingAddress); err != nil {
		return o, fmt.Errorf("decode shipping address: %w", err)
	}
	if paid.Valid {
		o.PaidAt = &paid.Time
	}
	if delv.Valid {
		o.DeliveredAt = &delv.Time
	}
	o.Items = []OrderItem{}
	return o, nil
}

// loadOrder reads one order with its items.
func (s *Server) loadOrder(ctx context.Context, id string) (Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+orderFrom+` WHERE o.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return o, notFound("order")
	}
	if err != nil {
		return o, err
	}
	orders := []Order{o}
	if err := s.attachItems(ctx, orders); err != nil {
		return o, err
	}
	return orders[0], nil
}

// queryOrders runs a SELECT of orderColumns and attaches items in one extra
// query.
func (s *Server) queryOrders(ctx context.Context, query string, args ...any) ([]Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.attachItems(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *Server) attachItems(ctx context.Context, orders []Order) error {
	if len(orders) == 0 {
		return nil
	}
	var q listQuery
	index := make(map[string]int, len(orders))
	phs := make([]string, len(orders))
	for i, o := range orders {
		index[o.ID] = i
		phs[i] = q.arg(o.ID)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, product_id, name, image_key, price_cents, quantity
		FROM order_items WHERE order_id IN (`+strings.Join(phs, ", ")+`)
		ORDER BY name, id
	`, q.args...)
	if err != nil {
		return fmt.Errorf("order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			orderID   string
			productID sql.NullString
			key       string
			it        OrderItem
		)
		if err := rows.Scan(&orderID, &productID, &it.Name, &key, &it.PriceCents, &it.Quantity); err != nil {
			return fmt.Errorf("order items: scan: %w", err)
		}
		it.ProductID = productID.String
		it.Image = s.imageURL(key)
		if i, ok := index[orderID]; ok {
			orders[i].Items = append(orders[i].Items, it)
		}
	}
	return rows.Err()
}

// normaliseOrderItems merges duplicate product ids by summing their
// quantities and returns the lines sorted by product id, which is also the
// order rows are locked in.
func normaliseOrderItems(lines []cartLine) ([]cartLine, error) {
	sums := make(map[string]int, len(lines))
	for _, l := range lines {
		if l.Quantity <= 0 {
			return nil, badRequest("quantity must be positive")
		}
		sums[l.ProductID] += l.Quantity
	}
	if len(sums) == 0 {
		return nil, badRequest("no order items")
	}
	out := make([]cartLine, 0, len(sums))
	for id, qty := range sums {
		out = append(out, cartLine{ProductID: id, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

type placeOrderRequest struct {
	Items           []cartLine      `json:"items" validate:"omitempty,max=100,dive"`
	ShippingAddress ShippingAddress `json:"shipping_address" validate:"required"`
	PaymentMethod   string          `json:"payment_method" validate:"omitempty,max=50"`
}

// stockLevel is a product's remaining stock after an order decremented it.
type stockLevel struct {
	ProductID string
	Name      string
	Remaining int
}

// handlePlaceOrder turns the request items, or the caller's cart, into an
// order. Stock is checked and decremented under row locks in the same
// transaction that inserts the order; everything after commit is best
// effort.
func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	userID := userIDFrom(r.Context())
	ctx := r.Context()

	lines := req.Items
	if len(lines) == 0 {
		var err error
		if lines, err = cartLines(ctx, s.db, userID); err != nil {
			writeError(w, r, fmt.Errorf("place order: cart: %w", err))
			return
		}
	}
	lines, err := normaliseOrderItems(lines)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = "card"
	}
	address, err := json.Marshal(req.ShippingAddress)
	if err != nil {
		writeError(w, r, fmt.Errorf("place order: address: %w", err))
		return
	}

	orderID := uuid.NewString()
	var levels []stockLevel
	err = db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		levels = levels[:0]
		items := make([]OrderItem, 0, len(lines))
		var itemsCents int64
		for _, l := range lines {
			var (
				it    = OrderItem{ProductID: l.ProductID, Quantity: l.Quantity}
				key   string
				stock int
			)
			err := tx.QueryRowContext(ctx, `
				SELECT name, image_key, price_cents, count_in_stock
				FROM products WHERE id = $1 FOR UPDATE
			`, l.ProductID).Scan(&it.Name, &key, &it.PriceCents, &stock)
			if errors.Is(err, sql.ErrNoRows) {
				return newAPIError(http.StatusNotFound, "product %s not found", l.ProductID)
			}
			if err != nil {
				return err
			}
			if stock < l.Quantity {
				return &apiError{
					Status:  http.StatusConflict,
					Message: fmt.Sprintf("insufficient stock for %s: %d available", it.Name, stock),
					Err:     errInsufficientStock,
				}
			}

			var remaining int
			err = tx.QueryRowContext(ctx, `
				UPDATE products SET count_in_stock = count_in_stock - $2, updated_at = now()
				WHERE id = $1 AND count_in_stock >= $2
				RETURNING count_in_stock
			`, l.ProductID, l.Quantity).Scan(&remaining)
			if err != nil {
				return fmt.Errorf("decrement stock: %w", err)
			}
			levels = append(levels, stockLevel{ProductID: l.ProductID, Name: it.Name, Remaining: remaining})

			it.Image = key
			itemsCents += it.PriceCents * int64(it.Quantity)
			items = append(items, it)
		}

		totals := s.pricing.Quote(itemsCents)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO orders (id, user_id, shipping_address, payment_method, items_cents, tax_cents, shipping_cents, total_cents)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, orderID, userID, address, req.PaymentMethod,
			totals.ItemsCents, totals.TaxCents, totals.ShippingCents, totals.TotalCents); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		for _, it := range items {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO order_items (id, order_id, product_id, name, image_key, price_cents, quantity)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, uuid.NewString(), orderID, it.ProductID, it.Name, it.Image, it.PriceCents, it.Quantity); err != nil {
				return fmt.Errorf("insert order item: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		writeError(w, r, wrapInternal("place order", err))
		return
	}

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		writeError(w, r, fmt.Errorf("place order: reload: %w", err))
		return
	}
	s.afterOrderPlaced(context.WithoutCancel(ctx), order, levels)
	writeJSON(w, http.StatusCreated, order)
}

// afterOrderPlaced runs the post-commit side effects. Failures are logged
// and never reach the client.
func (s *Server) afterOrderPlaced(ctx context.Context, o Order, levels []stockLevel) {
	log := zerolog.Ctx(ctx).With().Str("order_id", o.ID).Logger()
	userID := o.userID()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM cart_items WHERE user_id = $1`, userID); err != nil {
		log.Warn().Err(err).Msg("clear cart after order failed")
	}

	customer := "a customer"
	if o.Customer != nil {
		customer = o.Customer.Name
	}
	if err := s.notify(ctx, Notification{
		Kind:     KindOrderPlaced,
		Title:    "New order",
		Message:  fmt.Sprintf("Order %s from %s for %s", shortID(o.ID), customer, formatCents(o.TotalCents)),
		Resource: "/admin/orders/" + o.ID,
	}); err != nil {
		log.Warn().Err(err).Msg("new order notification failed")
	}

	units := 0
	for _, it := range o.Items {
		units += it.Quantity
	}
	for _, lv := range levels {
		s.productEvent(ctx, "stock", lv.ProductID)
		if lv.Remaining > s.cfg.LowStockThreshold {
			continue
		}
		s.metrics.RecordLowStock()
		if err := s.notify(ctx, Notification{
			Kind:     KindLowStock,
			Title:    "Low stock",
			Message:  fmt.Sprintf("%s has %d left in stock", lv.Name, lv.Remaining),
			Resource: "/admin/products/" + lv.ProductID,
		}); err != nil {
			log.Warn().Err(err).Str("product_id", lv.ProductID).Msg("low stock notification failed")
		}
	}

	s.orderEvent(ctx, "created", o)
	s.metrics.RecordOrderPlaced(units)
	if o.Customer != nil {
		s.email.SendOrderConfirmation(ctx, o.Customer.Email, o.Customer.Name, o)
	}
	log.Info().Int64("total_cents", o.TotalCents).Int("units", units).Msg("order placed")
}

// orderEvent tells admins and the owning customer that an order changed.
func (s *Server) orderEvent(ctx context.Context, action string, o Order) {
	now := time.Now().UTC()
	s.publish(ctx, realtime.Event{Type: "order", Action: action, ID: o.ID, At: now, Audience: realtime.AudienceAdmins})
	if uid := o.userID(); uid != "" {
		s.publish(ctx, realtime.Event{Type: "order", Action: action, ID: o.ID, At: now, Audience: realtime.AudienceUser, UserID: uid})
	}
}

func (s *Server) handleMyOrders(w http.ResponseWriter, r *http.Request) {
	p := parsePage(r.URL.Query(), 10, 50)
	userID := userIDFrom(r.Context())

	var total int
	if err := s.db.QueryRowContext(r.Context(), `SELECT COUNT(*) FROM orders WHERE user_id = $1`, userID).Scan(&total); err != nil {
		writeError(w, r, fmt.Errorf("my orders: count: %w", err))
		return
	}
	var q listQuery
	q.where("o.user_id = ?", userID)
	orders, err := s.queryOrders(r.Context(),
		`SELECT `+orderColumns+orderFrom+q.clause()+` ORDER BY o.created_at DESC, o.id`+q.page(p), q.args...)
	if err != nil {
		writeError(w, r, fmt.Errorf("my orders: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, newPage(orders, p, total))
}

// orderForCaller loads an order visible to the caller: its owner or an
// admin. Anyone else gets a 404.
func (s *Server) orderForCaller(r *http.Request) (Order, error) {
	id, err := pathID(r, "id", "order")
	if err != nil {
		return Order{}, err
	}
	o, err := s.loadOrder(r.Context(), id)
	if err != nil {
		return o, err
	}
	userID := userIDFrom(r.Context())
	if o.userID() == userID {
		return o, nil
	}
	admin, err := s.isAdmin(r.Context(), userID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return o, err
	}
	if !admin {
		return Order{}, notFound("order")
	}
	return o, nil
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.orderForCaller(r)
	if err != nil {
		writeError(w, r, wrapInternal("get order", err))
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// ownOrder loads an order that must belong to the caller.
func (s *Server) ownOrder(r *http.Request) (Order, error) {
	id, err := pathID(r, "id", "order")
	if err != nil {
		return Order{}, err
	}
	o, err := s.loadOrder(r.Context(), id)
	if err != nil {
		return o, err
	}
	if o.userID() != userIDFrom(r.Context()) {
		return Order{}, notFound("order")
	}
	return o, nil
}

// paymentError maps gateway failures to HTTP errors.
func paymentError(err error) error {
	switch {
	case errors.Is(err, payment.ErrCircuitOpen), errors.Is(err, payment.ErrNotConfigured):
		return &apiError{Status: http.StatusServiceUnavailable, Message: "payments are temporarily unavailable", Err: err}
	case errors.Is(err, payment.ErrInvalidAmount):
		return &apiError{Status: http.StatusBadRequest, Message: "order total cannot be charged", Err: err}
	case errors.Is(err, payment.ErrRejected):
		return &apiError{Status: http.StatusBadRequest, Message: "payment request rejected by the provider", Err: err}
	default:
		return &apiError{Status: http.StatusBadGateway, Message: "payment provider error", Err: err}
	}
}

type paymentIntentResponse struct {
	ClientSecret    string `json:"client_secret"`
	PaymentIntentID string `json:"payment_intent_id"`
	AmountCents     int64  `json:"amount_cents"`
	Currency        string `json:"currency"`
}

// handleCreatePaymentIntent creates a card payment for a pending order, or
// returns the existing one when it still matches the order total.
func (s *Server) handleCreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	o, err := s.ownOrder(r)
	if err != nil {
		writeError(w, r, wrapInternal("payment intent", err))
		return
	}
	if o.Status != StatusPending {
		writeError(w, r, newAPIError(http.StatusConflict, "order is %s, not awaiting payment", o.Status))
		return
	}
	ctx := r.Context()
	log := zerolog.Ctx(ctx)

	if o.PaymentIntentID != "" {
		intent, err := s.payments.GetIntent(ctx, o.PaymentIntentID)
		if err == nil && intent.AmountCents == o.TotalCents && intent.Status != "canceled" && intent.ClientSecret != "" {
			s.metrics.RecordPaymentIntent("reused")
			writeJSON(w, http.StatusOK, paymentIntentResponse{
				ClientSecret: intent.ClientSecret, PaymentIntentID: intent.ID,
				AmountCents: intent.AmountCents, Currency: intent.Currency,
			})
			return
		}
		if err != nil {
			log.Warn().Err(err).Str("payment_intent_id", o.PaymentIntentID).Msg("existing intent unusable, creating a new one")
		}
	}

	intent, err := s.payments.CreateIntent(ctx, o.ID, o.TotalCents, s.cfg.Currency)
	if err != nil {
		s.metrics.RecordPaymentIntent("error")
		writeError(w, r, paymentError(err))
		return
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET payment_intent_id = $2, updated_at = now() WHERE id = $1 AND status = 'pending'`,
		o.ID, intent.ID)
	if err != nil {
		writeError(w, r, fmt.Errorf("payment intent: store: %w", err))
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		writeError(w, r, newAPIError(http.StatusConflict, "order is no longer awaiting payment"))
		return
	}

	s.metrics.RecordPaymentIntent("created")
	log.Info().Str("order_id", o.ID).Str("payment_intent_id", intent.ID).Msg("payment intent created")
	writeJSON(w, http.StatusOK, paymentIntentResponse{
		ClientSecret: intent.ClientSecret, PaymentIntentID: intent.ID,
		AmountCents: intent.AmountCents, Currency: intent.Currency,
	})
}

type payOrderRequest struct {
	PaymentIntentID string `json:"payment_intent_id" validate:"required,max=255"`
}

// handlePayOrder confirms a card payment reported by the storefront by
// checking the intent with the provider.
func (s *Server) handlePayOrder(w http.ResponseWriter, r *http.Request) {
	var req payOrderRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	o, err := s.ownOrder(r)
	if err != nil {
		writeError(w, r, wrapInternal("pay order", err))
		return
	}
	if o.Status == StatusPaid && o.PaymentIntentID == req.PaymentIntentID {
		writeJSON(w, http.StatusOK, o)
		return
	}
	if o.Status != StatusPending {
		writeError(w, r, newAPIError(http.StatusConflict, "order is %s, not awaiting payment", o.Status))
		return
	}

	intent, err := s.payments.GetIntent(r.Context(), req.PaymentIntentID)
	if err != nil {
		writeError(w, r, paymentError(err))
		return
	}
	if err := payment.Verify(intent, o.ID, o.TotalCents); err != nil {
		writeError(w, r, &apiError{Status: http.StatusPaymentRequired, Message: err.Error(), Err: err})
		return
	}

	if _, err := s.markPaid(r.Context(), o.ID, intent.ID); err != nil {
		writeError(w, r, wrapInternal("pay order", err))
		return
	}
	paid, err := s.loadOrder(r.Context(), o.ID)
	if err != nil {
		writeError(w, r, fmt.Errorf("pay order: reload: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, paid)
}

// markPaid moves a pending order to paid. It is idempotent: it reports false
// when the order was not pending any more.
func (s *Server) markPaid(ctx context.Context, orderID, intentID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = 'paid', paid_at = now(), payment_intent_id = $2, updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`, orderID, intentID)
	if err != nil {
		if isUniqueViolation(err) {
			return false, newAPIError(http.StatusConflict, "payment already used for another order")
		}
		return false, fmt.Errorf("mark paid: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	o, err := s.loadOrder(ctx, orderID)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("order_id", orderID).Msg("reload paid order failed")
		return true, nil
	}
	s.afterOrderPaid(context.WithoutCancel(ctx), o)
	return true, nil
}

func (s *Server) afterOrderPaid(ctx context.Context, o Order) {
	log := zerolog.Ctx(ctx).With().Str("order_id", o.ID).Logger()
	if uid := o.userID(); uid != "" {
		if err := s.notify(ctx, Notification{
			UserID:   uid,
			Kind:     KindOrderPaid,
			Title:    "Payment received",
			Message:  fmt.Sprintf("We received %s for order %s", formatCents(o.TotalCents), shortID(o.ID)),
			Resource: "/orders/" + o.ID,
		}); err != nil {
			log.Warn().Err(err).Msg("payment notification failed")
		}
		s.email.SendPaymentReceipt(ctx, o.Customer.Email, o.Customer.Name, o)
	}
	s.orderEvent(ctx, "paid", o)
	s.metrics.RecordOrderPaid(o.TotalCents)
	log.Info().Int64("total_cents", o.TotalCents).Msg("order paid")
}

// maxWebhookBody bounds the webhook payload read.
const maxWebhookBody = 64 << 10

// handlePaymentWebhook handles signed provider events. Only successful
// payment intents are acted on; everything else is acknowledged.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	log := zerolog.Ctx(r.Context())
	payload, err := readAllLimited(w, r, maxWebhookBody)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ev, err := s.payments.ParseWebhook(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, payment.ErrNotConfigured) {
			writeError(w, r, paymentError(err))
			return
		}
		log.Warn().Err(err).Msg("webhook rejected")
		writeError(w, r, badRequest("invalid webhook signature"))
		return
	}

	if ev.Type != "payment_intent.succeeded" || ev.Intent == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}
	orderID := ev.Intent.Metadata[payment.MetadataOrderID]
	if _, err := uuid.Parse(orderID); err != nil {
		log.Warn().Str("payment_intent_id", ev.Intent.ID).Msg("webhook intent has no order id")
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	var (
		total  int64
		status string
	)
	err = s.db.QueryRowContext(r.Context(), `SELECT total_cents, status FROM orders WHERE id = $1`, orderID).Scan(&total, &status)
	if errors.Is(err, sql.ErrNoRows) {
		log.Warn().Str("order_id", orderID).Msg("webhook for unknown order")
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}
	if err != nil {
		writeError(w, r, fmt.Errorf("webhook: lookup: %w", err))
		return
	}
	if status != StatusPending {
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}
	if err := payment.Verify(ev.Intent, orderID, total); err != nil {
		log.Warn().Err(err).Str("order_id", orderID).Msg("webhook intent does not settle order")
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}
	if _, err := s.markPaid(r.Context(), orderID, ev.Intent.ID); err != nil {
		writeError(w, r, wrapInternal("webhook", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (s *Server) handleStripeConfig(w http.ResponseWriter, r *http.Request) {
	key := s.payments.PublishableKey()
	writeJSON(w, http.StatusOK, map[string]any{
		"publishable_key": key,
		"currency":        s.cfg.Currency,
		"enabled":         key != "",
	})
}

var orderStatuses = map[string]bool{StatusPending: true, StatusPaid: true, StatusDelivered: true, StatusCancelled: true}

// handleAdminListOrders searches orders by id, customer and shipping
// address, with status and date filters.
func (s *Server) handleAdminListOrders(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	dr, err := parseDateRange(v)
	if err != nil {
		writeError(w, r, err)
		return
	}
	p := parsePage(v, 20, 100)

	var q listQuery
	q.keyword(v.Get("keyword"),
		"o.id::text", "u.name", "u.email",
		"o.shipping_address->>'address'", "o.shipping_address->>'city'",
		"o.shipping_address->>'postal_code'", "o.shipping_address->>'country'",
	)
	if st := v.Get("status"); st != "" {
		if !orderStatuses[st] {
			writeError(w, r, badRequest("status must be one of pending, paid, delivered, cancelled"))
			return
		}
		q.where("o.status = ?", st)
	}
	q.dateRange("o.created_at", dr)
	where := q.clause()

	var total int
	if err := s.db.QueryRowContext(r.Context(), `SELECT COUNT(*)`+orderFrom+where, q.args...).Scan(&total); err != nil {
		writeError(w, r, fmt.Errorf("admin orders: count: %w", err))
		return
	}
	order := sortClause(v.Get("sort"), map[string]string{
		"newest":     "o.created_at DESC, o.id",
		"oldest":     "o.created_at ASC, o.id",
		"total_desc": "o.total_cents DESC, o.id",
		"total_asc":  "o.total_cents ASC, o.id",
	}, "newest")
	orders, err := s.queryOrders(r.Context(), `SELECT `+orderColumns+orderFrom+where+order+q.page(p), q.args...)
	if err != nil {
		writeError(w, r, fmt.Errorf("admin orders: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, newPage(orders, p, total))
}

// handleDeliverOrder marks a paid order as delivered.
func (s *Server) handleDeliverOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id", "order")
	if err != nil {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()

	var status string
	err = s.db.QueryRowContext(ctx, `
		UPDATE orders SET status = 'delivered', delivered_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'paid'
		RETURNING status
	`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		var current string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = $1`, id).Scan(&current)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			writeError(w, r, notFound("order"))
		case err != nil:
			writeError(w, r, fmt.Errorf("deliver order: %w", err))
		default:
			writeError(w, r, newAPIError(http.StatusConflict, "order is %s; only paid orders can be delivered", current))
		}
		return
	}
	if err != nil {
		writeError(w, r, fmt.Errorf("deliver order: %w", err))
		return
	}

	o, err := s.loadOrder(ctx, id)
	if err != nil {
		writeError(w, r, fmt.Errorf("deliver order: reload: %w", err))
		return
	}
	if uid := o.userID(); uid != "" {
		if err := s.notify(ctx, Notification{
			UserID:   uid,
			Kind:     KindOrderDelivered,
			Title:    "Order delivered",
			Message:  fmt.Sprintf("Order %s has been delivered", shortID(o.ID)),
			Resource: "/orders/" + o.ID,
		}); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("delivery notification failed")
		}
	}
	s.orderEvent(ctx, "delivered", o)
	writeJSON(w, http.StatusOK, o)
}

// handleAdminDeleteOrder deletes an order. Stock held by an unpaid order is
// returned to the products.
func (s *Server) handleAdminDeleteOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id", "order")
	if err != nil {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()

	var (
		restocked []string
		owner     sql.NullString
	)
	err = db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status, user_id FROM orders WHERE id = $1 FOR UPDATE`, id).Scan(&status, &owner)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("order")
		}
		if err != nil {
			return err
		}
		if status == StatusPending {
			if restocked, err = restockOrder(ctx, tx, id); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, id)
		return err
	})
	if err != nil {
		writeError(w, r, wrapInternal("delete order", err))
		return
	}

	for _, pid := range restocked {
		s.productEvent(ctx, "stock", pid)
	}
	o := Order{ID: id}
	if owner.Valid {
		o.Customer = &OrderCustomer{ID: owner.String}
	}
	s.orderEvent(ctx, "deleted", o)
	zerolog.Ctx(ctx).Info().Str("order_id", id).Int("restocked", len(restocked)).Msg("order deleted")
	writeJSON(w, http.StatusOK, map[string]any{"message": "order removed", "restocked": len(restocked) > 0})
}

// restockOrder returns the order's quantities to products that still exist
// and reports their ids.
func restockOrder(ctx context.Context, q db.Querier, orderID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		UPDATE products p SET count_in_stock = p.count_in_stock + oi.quantity, updated_at = now()
		FROM order_items oi
		WHERE oi.order_id = $1 AND oi.product_id = p.id
		RETURNING p.id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("restock: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("restock: scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatCents(c int64) string {
	sign := ""
	if c < 0 {
		sign, c = "-", -c
	}
	return fmt.Sprintf("%s%d.%02d", sign, c/100, c%100)
}
