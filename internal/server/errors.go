package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"
)

// apiError is an error with an HTTP status and a message safe to show
// to clients.
type apiError struct {
	Status  int
	Message string
	Err     error
}

func (e *apiError) Error() string { return e.Message }

func (e *apiError) Unwrap() error { return e.Err }

func newAPIError(status int, format string, args ...any) *apiError {
	return &apiError{Status: status, Message: fmt.Sprintf(format, args...)}
}

func badRequest(format string, args ...any) *apiError {
	return newAPIError(http.StatusBadRequest, format, args...)
}

var (
	errNotFound          = errors.New("not found")
	errUnauthorized      = &apiError{Status: http.StatusUnauthorized, Message: "not authorized"}
	errForbidden         = &apiError{Status: http.StatusForbidden, Message: "admin access required"}
	errInsufficientStock = errors.New("insufficient stock")
	errStorageDisabled   = &apiError{Status: http.StatusServiceUnavailable, Message: "image storage not configured"}
)

func notFound(what string) *apiError {
	return &apiError{Status: http.StatusNotFound, Message: what + " not found", Err: errNotFound}
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError translates err into a JSON error body. Anything that is not an
// apiError is logged and reported as a 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *apiError
	if errors.As(err, &ae) {
		if ae.Status >= 500 {
			zerolog.Ctx(r.Context()).Error().Err(err).Int("status", ae.Status).Msg("request failed")
		}
		writeJSON(w, ae.Status, map[string]string{"error": ae.Message})
		return
	}
	if errors.Is(err, errNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	zerolog.Ctx(r.Context()).Error().Err(err).Msg("internal error")
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"error":      "internal server error",
		"request_id": RequestIDFromContext(r.Context()),
	})
}

const maxJSONBody = 1 << 20

// decodeJSON reads a JSON body of at most 1 MiB into dst and validates it.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return newAPIError(http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			return badRequest("request body is empty")
		default:
			return badRequest("invalid JSON: %v", err)
		}
	}
	return s.validateStruct(dst)
}

// readAllLimited reads a raw body of at most max bytes.
func readAllLimited(w http.ResponseWriter, r *http.Request, max int64) ([]byte, error) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, max))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, newAPIError(http.StatusRequestEntityTooLarge, "request body too large")
		}
		return nil, badRequest("could not read request body")
	}
	return b, nil
}
