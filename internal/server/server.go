package server

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"shop-backend/internal/payment"
	"shop-backend/internal/realtime"
)

// Pinger is implemented by optional backends reported on /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the server is wired with. DB is required;
// everything else degrades gracefully when nil.
type Deps struct {
	DB       *sql.DB
	Images   ImageStore
	Payments payment.Gateway
	Breaker  *payment.Breaker
	Hub      *realtime.Hub
	Events   realtime.Publisher
	Redis    Pinger
	Email    *EmailService
	Metrics  *Metrics
	Logger   zerolog.Logger
}

type Server struct {
	cfg      Config
	db       *sql.DB
	images   ImageStore
	payments payment.Gateway
	breaker  *payment.Breaker
	hub      *realtime.Hub
	events   realtime.Publisher
	redis    Pinger
	email    *EmailService
	metrics  *Metrics
	log      zerolog.Logger

	auth        AuthConfig
	pricing     PricingConfig
	lockout     *AccountLockout
	limiter     *rateLimiter
	authLimiter *rateLimiter
	validate    *validator.Validate

	router     chi.Router
	httpServer *http.Server
}

// New wires the HTTP routes. It does not start listening.
func New(cfg Config, deps Deps) *Server {
	s := &Server{
		cfg:      cfg,
		db:       deps.DB,
		images:   deps.Images,
		payments: deps.Payments,
		breaker:  deps.Breaker,
		hub:      deps.Hub,
		events:   deps.Events,
		redis:    deps.Redis,
		email:    deps.Email,
		metrics:  deps.Metrics,
		log:      deps.Logger,

		auth:        cfg.authConfig(),
		pricing:     cfg.pricing(),
		lockout:     NewAccountLockout(5, 15*time.Minute, 10*time.Minute),
		limiter:     newRateLimiter(cfg.RateLimit, cfg.RateBurst),
		authLimiter: newRateLimiter(cfg.AuthRateLimit, cfg.AuthRateBurst),
		validate:    newValidator(),
	}
	if s.payments == nil {
		s.payments = payment.NewFake()
	}
	if s.events == nil && s.hub != nil {
		s.events = s.hub
	}
	if s.email == nil {
		s.email = NewEmailService(EmailConfig{}, s.log)
	}

	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(clientIPMiddleware(s.cfg.TrustProxy))
	r.Use(requestIDMiddleware(s.log))
	r.Use(accessLog(s.metrics))
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders(s.cfg.CookieSecure))
	r.Use(cors(s.cfg.AllowedOrigins()))

	r.Get("/health", s.HandleHealth)
	r.Get("/ready", s.HandleReady)
	r.Get("/live", s.HandleLive)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	r.Get("/ws", s.handleWebSocket)

	r.Group(func(r chi.Router) {
		r.Use(s.limiter.middleware)
		r.Get("/images/*", s.handleGetImage)

		r.Route("/api", func(r chi.Router) {
			r.Use(middleware.Compress(5, "application/json"))

			r.Get("/config/stripe", s.handleStripeConfig)
			r.Post("/payments/webhook", s.handlePaymentWebhook)

			r.Route("/users", func(r chi.Router) {
				r.With(s.authLimiter.middleware).Post("/register", s.handleRegister)
				r.With(s.authLimiter.middleware).Post("/login", s.handleLogin)
				r.Post("/logout", s.handleLogout)
				r.With(s.requireAuth).Get("/profile", s.handleGetProfile)
				r.With(s.requireAuth).Put("/profile", s.handleUpdateProfile)
			})

			r.Route("/products", func(r chi.Router) {
				r.Get("/", s.handleListProducts)
				r.Get("/top", s.handleTopProducts)
				r.Get("/categories", s.handleCategories)
				r.Get("/{id}", s.handleGetProduct)
				r.Get("/{id}/ratings", s.handleListRatings)
				r.With(s.requireAuth).Post("/{id}/ratings", s.handleCreateRating)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requireAuth)

				r.Get("/cart", s.handleGetCart)
				r.Delete("/cart", s.handleClearCart)
				r.Post("/cart/items", s.handleAddCartItem)
				r.Put("/cart/items/{productID}", s.handleUpdateCartItem)
				r.Delete("/cart/items/{productID}", s.handleRemoveCartItem)
				r.Post("/cart/merge", s.handleMergeCart)

				r.Post("/orders", s.handlePlaceOrder)
				r.Get("/orders/mine", s.handleMyOrders)
				r.Get("/orders/{id}", s.handleGetOrder)
				r.Post("/orders/{id}/payment-intent", s.handleCreatePaymentIntent)
				r.Put("/orders/{id}/pay", s.handlePayOrder)

				r.Get("/notifications", s.handleListNotifications)
				r.Put("/notifications/read-all", s.handleReadAllNotifications)
				r.Put("/notifications/{id}/read", s.handleReadNotification)
				r.Delete("/notifications/{id}", s.handleDeleteNotification)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(s.requireAuth, s.requireAdmin)

				r.Get("/dashboard", s.handleDashboard)
				r.Post("/maintenance", s.handleMaintenance)

				r.Get("/users", s.handleAdminListUsers)
				r.Get("/users/{id}", s.handleAdminGetUser)
				r.Put("/users/{id}", s.handleAdminUpdateUser)
				r.Delete("/users/{id}", s.handleAdminDeleteUser)

				r.Post("/products", s.handleCreateProduct)
				r.Put("/products/{id}", s.handleUpdateProduct)
				r.Delete("/products/{id}", s.handleDeleteProduct)
				r.Post("/products/{id}/image", s.handleUploadProductImage)

				r.Delete("/ratings/{id}", s.handleDeleteRating)

				r.Get("/orders", s.handleAdminListOrders)
				r.Put("/orders/{id}/deliver", s.handleDeliverOrder)
				r.Delete("/orders/{id}", s.handleAdminDeleteOrder)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, newAPIError(http.StatusNotFound, "route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, newAPIError(http.StatusMethodNotAllowed, "method not allowed"))
	})
	return r
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.httpServer.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// publish sends a realtime refetch signal if a publisher is wired.
func (s *Server) publish(ctx context.Context, ev realtime.Event) {
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, ev)
}

// pathID returns the URL parameter key when it is a valid UUID. Anything else
// cannot match a row and is reported as not found.
func pathID(r *http.Request, key, what string) (string, error) {
	raw := chi.URLParam(r, key)
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", notFound(what)
	}
	return id.String(), nil
}
