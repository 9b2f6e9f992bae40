package server

import (
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var userCols = []string{"id", "name", "email", "is_admin", "created_at", "updated_at"}

func userRow(id, name, email string, admin bool) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(userCols).AddRow(id, name, email, admin, now, now)
}

func TestGetProfile(t *testing.T) {
	env := newTestEnv(t)
	env.mock.ExpectQuery(q(`FROM users WHERE id = $1`)).WithArgs(testUserID).
		WillReturnRows(userRow(testUserID, "Ada", "ada@example.com", false))

	rec := env.do(http.MethodGet, "/api/users/profile", nil, testUserID)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ada@example.com", decodeBody[User](t, rec).Email)
}

func TestUpdateProfile_Email(t *testing.T) {
	env := newTestEnv(t)
	env.mock.ExpectQuery(q(`UPDATE users SET email = $1, updated_at = now() WHERE id = $2`)).
		WithArgs("ada@lovelace.dev", testUserID).
		WillReturnRows(userRow(testUserID, "Ada", "ada@lovelace.dev", false))

	rec := env.do(http.MethodPut, "/api/users/profile", map[string]string{"email": "Ada@Lovelace.dev"}, testUserID)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, rec.Result().Cookies(), "no new session without a password change")
}

func TestUpdateProfile_EmailTaken(t *testing.T) {
	env := newTestEnv(t)
	env.mock.ExpectQuery(q(`UPDATE users SET email = $1`)).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	rec := env.do(http.MethodPut, "/api/users/profile", map[string]string{"email": "taken@example.com"}, testUserID)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUpdateProfile_PasswordReissuesSession(t *testing.T) {
	env := newTestEnv(t)
	env.mock.ExpectQuery(q(`UPDATE users SET password_hash = $1`)).
		WithArgs(sqlmock.AnyArg(), testUserID).
		WillReturnRows(userRow(testUserID, "Ada", "ada@example.com", false))

	rec := env.do(http.MethodPut, "/api/users/profile", map[string]string{"password": "difference2"}, testUserID)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decodeBody[authResponse](t, rec).Token)
}

func TestAdminListUsers(t *testing.T) {
	env := newTestEnv(t)
	env.expectIsAdmin(testAdminID, true)
	env.mock.ExpectQuery(q(`SELECT COUNT(*) FROM users WHERE (name ILIKE $1 OR email ILIKE $1) AND NOT is_admin`)).
		WithArgs("%ada%").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	env.mock.ExpectQuery(q(`ORDER BY name ASC, id LIMIT $2 OFFSET $3`)).
		WithArgs("%ada%", 20, 0).
		WillReturnRows(userRow(testUserID, "Ada", "ada@example.com", false))

	rec := env.do(http.MethodGet, "/api/admin/users?keyword=ada&role=customer&sort=name", nil, testAdminID)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decodeBody[Page[User]](t, rec)
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Items, 1)
}

func TestAdminUpdateUser_CannotDemoteSelf(t *testing.T) {
	env := newTestEnv(t)
	env.expectIsAdmin(testAdminID, true)
	rec := env.do(http.MethodPut, "/api/admin/users/"+testAdminID, map[string]bool{"is_admin": false}, testAdminID)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminUpdateUser_Promote(t *testing.T) {
	env := newTestEnv(t)
	env.expectIsAdmin(testAdminID, true)
	env.mock.ExpectQuery(q(`UPDATE users SET is_admin = $1, updated_at = now() WHERE id = $2`)).
		WithArgs(true, testUserID).
		WillReturnRows(userRow(testUserID, "Ada", "ada@example.com", true))

	rec := env.do(http.MethodPut, "/api/admin/users/"+testUserID, map[string]bool{"is_admin": true}, testAdminID)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decodeBody[User](t, rec).IsAdmin)
}

func TestAdminDeleteUser(t *testing.T) {
	env := newTestEnv(t)
	env.expectIsAdmin(testAdminID, true)
	rec := env.do(http.MethodDelete, "/api/admin/users/"+testAdminID, nil, testAdminID)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "self delete")

	env.expectIsAdmin(testAdminID, true)
	env.mock.ExpectExec(q(`DELETE FROM users WHERE id = $1`)).WithArgs(testUserID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	rec = env.do(http.MethodDelete, "/api/admin/users/"+testUserID, nil, testAdminID)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
