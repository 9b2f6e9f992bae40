package server

import (
	"bytes"
	"context"
	"database/sql/driver"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shop-backend/internal/payment"
	"shop-backend/internal/realtime"
)

const (
	testUserID    = "11111111-1111-4111-8111-111111111111"
	testAdminID   = "22222222-2222-4222-8222-222222222222"
	testProductID = "33333333-3333-4333-8333-333333333333"
	testOrderID   = "44444444-4444-4444-8444-444444444444"
)

// memImages is an ImageStore kept in memory.
type memImages struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	removed []string
	pingErr error
}

func newMemImages() *memImages {
	return &memImages{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memImages) PutImage(_ context.Context, key string, r io.Reader, _ int64, contentType string) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = b
	m.types[key] = contentType
	return nil
}

func (m *memImages) GetImage(_ context.Context, key string) (io.ReadCloser, ImageInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, ImageInfo{}, errImageNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), ImageInfo{Size: int64(len(b)), ContentType: m.types[key], ETag: "etag-" + key}, nil
}

func (m *memImages) RemoveImage(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	m.removed = append(m.removed, key)
	return nil
}

func (m *memImages) Ping(context.Context) error { return m.pingErr }

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev realtime.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) ofType(typ string) []realtime.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []realtime.Event
	for _, ev := range p.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func testConfig() Config {
	return Config{
		Env:                   "test",
		PublicBaseURL:         "http://shop.test",
		JWTSecret:             strings.Repeat("s", 32),
		JWTTTL:                time.Hour,
		CookieName:            "jwt",
		MaxImageBytes:         1 << 20,
		Currency:              "usd",
		TaxRate:               0.15,
		FreeShippingCents:     10000,
		ShippingCents:         1000,
		LowStockThreshold:     5,
		MaintenanceSchedule:   "@every 1h",
		OrderExpiry:           24 * time.Hour,
		NotificationRetention: 30 * 24 * time.Hour,
		RateLimit:             1000,
		RateBurst:             1000,
		AuthRateLimit:         1000,
		AuthRateBurst:         1000,
	}
}

type testEnv struct {
	t      *testing.T
	srv    *Server
	mock   sqlmock.Sqlmock
	images *memImages
	events *recordingPublisher
	pay    *payment.Fake
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	t.Cleanup(func() { assert.NoError(t, mock.ExpectationsWereMet()) })

	env := &testEnv{t: t, mock: mock, images: newMemImages(), events: &recordingPublisher{}, pay: payment.NewFake()}
	env.srv = New(testConfig(), Deps{
		DB:       conn,
		Images:   env.images,
		Payments: env.pay,
		Events:   env.events,
		Logger:   zerolog.Nop(),
	})
	return env
}

// do sends a request through the router. A non-empty userID authenticates
// the request with a bearer token.
func (e *testEnv) do(method, path string, body any, userID string) *httptest.ResponseRecorder {
	e.t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(e.t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(userID))
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) token(userID string) string {
	e.t.Helper()
	tok, _, err := e.srv.auth.issueToken(userID, time.Now())
	require.NoError(e.t, err)
	return tok
}

// expectIsAdmin mocks the admin flag lookup.
func (e *testEnv) expectIsAdmin(userID string, admin bool) {
	e.mock.ExpectQuery(q(`SELECT is_admin FROM users WHERE id = $1`)).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"is_admin"}).AddRow(admin))
}

// expectNotify mocks one notification insert.
func (e *testEnv) expectNotify(args ...driver.Value) {
	exp := e.mock.ExpectQuery(q(`INSERT INTO notifications`))
	if len(args) > 0 {
		exp = exp.WithArgs(args...)
	}
	exp.WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
}

// q quotes a SQL fragment for sqlmock's regexp matcher.
func q(sql string) string { return regexp.QuoteMeta(sql) }

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[map[string]string](t, rec)["error"]
}

var productCols = []string{"id", "name", "brand", "category", "description", "image_key",
	"price_cents", "count_in_stock", "rating", "num_reviews", "created_at", "updated_at"}

func productRows(ps ...Product) *sqlmock.Rows {
	rows := sqlmock.NewRows(productCols)
	for _, p := range ps {
		rows.AddRow(p.ID, p.Name, p.Brand, p.Category, p.Description, p.ImageKey,
			p.PriceCents, p.CountInStock, p.Rating, p.NumReviews, p.CreatedAt, p.UpdatedAt)
	}
	return rows
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/api/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "route not found", errorMessage(t, rec))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestPathID_InvalidUUIDIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/api/products/not-a-uuid", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "product not found", errorMessage(t, rec))
}

func newRawRequest(method, path, body string) *http.Request {
	return httptest.NewRequest(method, path, strings.NewReader(body))
}

func (e *testEnv) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}
