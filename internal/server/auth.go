// auth.go - JWT sessions, login/register/logout and the auth middlewares.
//
// Tokens are HS256 JWTs carried in an HttpOnly cookie for the browser
// clients, with an Authorization: Bearer fallback for API callers.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// AuthConfig holds token and cookie settings.
type AuthConfig struct {
	Secret     []byte
	TTL        time.Duration
	CookieName string
	Secure     bool
}

func (a AuthConfig) cookieName() string {
	if a.CookieName == "" {
		return "jwt"
	}
	return a.CookieName
}

func (a AuthConfig) ttl() time.Duration {
	if a.TTL <= 0 {
		return 30 * 24 * time.Hour
	}
	return a.TTL
}

// issueToken signs a token for userID valid for the configured TTL.
func (a AuthConfig) issueToken(userID string, now time.Time) (string, time.Time, error) {
	exp := now.Add(a.ttl())
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		Issuer:    "shop-backend",
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return tok, exp, nil
}

// parseToken verifies tok and returns its subject.
func (a AuthConfig) parseToken(tok string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		return a.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer("shop-backend"),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// tokenFromRequest reads the session token from the cookie first, then from
// the Authorization header. allowQuery also accepts ?token= for WebSocket
// clients that cannot set headers.
func (a AuthConfig) tokenFromRequest(r *http.Request, allowQuery bool) string {
	if c, err := r.Cookie(a.cookieName()); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	if allowQuery {
		return r.URL.Query().Get("token")
	}
	return ""
}

func (a AuthConfig) setCookie(w http.ResponseWriter, tok string, exp time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.cookieName(),
		Value:    tok,
		Path:     "/",
		Expires:  exp,
		MaxAge:   int(time.Until(exp).Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   a.Secure,
	})
}

func (a AuthConfig) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.cookieName(),
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   a.Secure,
	})
}

// userIDFrom returns the authenticated user id stored by requireAuth.
func userIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// requireAuth rejects requests without a valid token and stores the user id
// in the request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := s.auth.tokenFromRequest(r, false)
		if tok == "" {
			writeError(w, r, errUnauthorized)
			return
		}
		userID, err := s.auth.parseToken(tok)
		if err != nil {
			writeError(w, r, &apiError{Status: http.StatusUnauthorized, Message: "not authorized, token failed"})
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		logger := zerolog.Ctx(ctx).With().Str("user_id", userID).Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(ctx)))
	})
}

// requireAdmin must run after requireAuth. The admin flag is read from the
// database on every request so that demotions take effect immediately.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isAdmin, err := s.isAdmin(r.Context(), userIDFrom(r.Context()))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				writeError(w, r, errUnauthorized)
				return
			}
			writeError(w, r, fmt.Errorf("requireAdmin: %w", err))
			return
		}
		if !isAdmin {
			writeError(w, r, errForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) isAdmin(ctx context.Context, userID string) (bool, error) {
	var isAdmin bool
	err := s.db.QueryRowContext(ctx, `SELECT is_admin FROM users WHERE id = $1`, userID).Scan(&isAdmin)
	return isAdmin, err
}

const (
	bcryptCost = 12
	// maxPasswordBytes is the longest input bcrypt accepts.
	maxPasswordBytes = 72
)

// hashPassword generates a bcrypt hash of the password
func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// dummyHash is compared against when the email is unknown so that both
// paths cost one bcrypt comparison.
var dummyHash = sync.OnceValue(func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("not-a-real-password-1"), bcryptCost)
	return h
})

func verifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func normaliseEmail(email string) string { return strings.ToLower(strings.TrimSpace(email)) }

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type registerRequest struct {
	Name     string `json:"name" validate:"required,min=2,max=100"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,password"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type authResponse struct {
	User  User   `json:"user"`
	Token string `json:"token"`
}

// handleRegister creates a shopper account and signs it in.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Email = normaliseEmail(req.Email)

	hash, err := hashPassword(req.Password)
	if err != nil {
		writeError(w, r, fmt.Errorf("register: hash: %w", err))
		return
	}

	u := User{ID: uuid.NewString(), Name: req.Name, Email: req.Email}
	err = s.db.QueryRowContext(r.Context(), `
		INSERT INTO users (id, name, email, password_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`, u.ID, u.Name, u.Email, hash).Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			writeError(w, r, newAPIError(http.StatusConflict, "user already exists"))
			return
		}
		writeError(w, r, fmt.Errorf("register: insert: %w", err))
		return
	}

	zerolog.Ctx(r.Context()).Info().Str("user_id", u.ID).Msg("user registered")
	s.issueSession(w, r, http.StatusCreated, u)
}

// handleLogin verifies credentials with per-email lockout.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	email := normaliseEmail(req.Email)
	log := zerolog.Ctx(r.Context())

	if locked, until := s.lockout.IsLocked(email); locked {
		s.metrics.RecordLoginAttempt("locked")
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(time.Until(until).Seconds())+1))
		writeError(w, r, newAPIError(http.StatusTooManyRequests, "too many failed attempts, try again after %s", until.UTC().Format(time.RFC3339)))
		return
	}

	var (
		u    User
		hash string
	)
	err := s.db.QueryRowContext(r.Context(), `
		SELECT id, name, email, is_admin, password_hash, created_at, updated_at
		FROM users WHERE email = $1
	`, email).Scan(&u.ID, &u.Name, &u.Email, &u.IsAdmin, &hash, &u.CreatedAt, &u.UpdatedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		writeError(w, r, fmt.Errorf("login: lookup: %w", err))
		return
	}
	if errors.Is(err, sql.ErrNoRows) {
		hash = string(dummyHash())
	}

	if ok := verifyPassword(req.Password, hash); !ok || err != nil {
		s.metrics.RecordLoginAttempt("failure")
		if locked, until := s.lockout.RecordFailedAttempt(email); locked {
			log.Warn().Str("email", email).Time("locked_until", until).Str("ip", getClientIP(r)).Msg("account locked")
		}
		writeError(w, r, newAPIError(http.StatusUnauthorized, "invalid email or password"))
		return
	}

	s.lockout.RecordSuccessfulLogin(email)
	s.metrics.RecordLoginAttempt("success")
	log.Info().Str("user_id", u.ID).Msg("login")
	s.issueSession(w, r, http.StatusOK, u)
}

func (s *Server) issueSession(w http.ResponseWriter, r *http.Request, status int, u User) {
	tok, exp, err := s.auth.issueToken(u.ID, time.Now())
	if err != nil {
		writeError(w, r, fmt.Errorf("sign token: %w", err))
		return
	}
	s.auth.setCookie(w, tok, exp)
	writeJSON(w, status, authResponse{User: u, Token: tok})
}

// handleLogout clears the session cookie.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.auth.clearCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out successfully"})
}

// EnsureAdmin creates the bootstrap administrator, or promotes an existing
// account with that email.
func EnsureAdmin(ctx context.Context, db *sql.DB, name, email, password string) (bool, error) {
	email = normaliseEmail(email)
	if email == "" || password == "" {
		return false, nil
	}
	hash, err := hashPassword(password)
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, password_hash, is_admin)
		VALUES ($1, $2, $3, $4, TRUE)
		ON CONFLICT (email) DO UPDATE SET is_admin = TRUE, updated_at = now()
		WHERE NOT users.is_admin
	`, uuid.NewString(), name, email, hash)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
