package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/callscribe/callscribe/internal/apperr"
)

// envelope is the standard API response wrapper.
// All JSON responses use this format: { "data": ..., "error": ... }
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// writeJSON writes a JSON response with the given status code and data payload.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		slog.Error("failed to encode json response", "error", err)
	}
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg}); err != nil {
		slog.Error("failed to encode json error response", "error", err)
	}
}

// writeDomainError maps an application error to its HTTP status. Internal
// errors are logged and hidden behind a generic message; everything else
// surfaces a short description to the client.
func (s *Server) writeDomainError(w http.ResponseWriter, op string, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op+": internal error", "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, apperr.Short(err, 200))
}

// validationError marks a settings-document validation failure so the
// config handlers can answer 422 instead of 400.
type validationError struct {
	err error
}

func (e validationError) Error() string { return e.err.Error() }
func (e validationError) Unwrap() error { return e.err }

// readJSON decodes a single JSON object from the request body into dst.
// Returns an error message suitable for the client, or "" on success.
func readJSON(r *http.Request, dst any) string {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		var maxBytesErr *http.MaxBytesError

		switch {
		case errors.Is(err, io.EOF):
			return "request body must not be empty"
		case errors.As(err, &syntaxErr), errors.Is(err, io.ErrUnexpectedEOF):
			return "malformed json"
		case errors.As(err, &typeErr):
			if typeErr.Field != "" {
				return fmt.Sprintf("invalid value for field %q", typeErr.Field)
			}
			return "malformed json"
		case strings.HasPrefix(err.Error(), "json: unknown field "):
			field := strings.TrimPrefix(err.Error(), "json: unknown field ")
			return "unknown field " + field
		case errors.As(err, &maxBytesErr):
			return fmt.Sprintf("request body must not exceed %d bytes", maxBytesErr.Limit)
		default:
			return "malformed json"
		}
	}

	// A second decode must hit EOF, otherwise the body held trailing data.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return "request body must contain a single json object"
	}

	return ""
}

// Pagination bounds for list endpoints.
const (
	defaultLimit = 50
	maxLimit     = 200
)

// pagination carries the validated limit/offset of a list request.
type pagination struct {
	Limit  int
	Offset int
}

// parsePagination reads limit and offset query parameters, applying the
// defaults and clamping limit to maxLimit. Returns an error message
// suitable for the client, or "" on success.
func parsePagination(r *http.Request) (pagination, string) {
	pg := pagination{Limit: defaultLimit}
	q := r.URL.Query()

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return pg, "limit must be a positive integer"
		}
		if n > maxLimit {
			n = maxLimit
		}
		pg.Limit = n
	}

	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return pg, "offset must be a non-negative integer"
		}
		pg.Offset = n
	}

	return pg, ""
}

// PaginatedResponse is the standard list payload.
type PaginatedResponse struct {
	Items  any   `json:"items"`
	Total  int64 `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}
