package server

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
)

// handleWebSocket upgrades to the realtime event stream. A valid token from
// the cookie, the Authorization header or ?token= subscribes the caller to
// their own and, for admins, the admin events; anonymous clients only get
// public events.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, r, newAPIError(http.StatusServiceUnavailable, "realtime updates disabled"))
		return
	}

	var (
		userID  string
		isAdmin bool
	)
	if tok := s.auth.tokenFromRequest(r, true); tok != "" {
		id, err := s.auth.parseToken(tok)
		if err != nil {
			writeError(w, r, &apiError{Status: http.StatusUnauthorized, Message: "not authorized, token failed"})
			return
		}
		admin, err := s.isAdmin(r.Context(), id)
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, r, errUnauthorized)
			return
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		userID, isAdmin = id, admin
	}

	if err := s.hub.Serve(w, r, userID, isAdmin); err != nil {
		// The upgrader has already answered the client.
		zerolog.Ctx(r.Context()).Debug().Err(err).Msg("websocket upgrade failed")
	}
}
