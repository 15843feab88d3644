// Package respond writes the JSON envelope every service answers with:
//
//	{"success": true, "message": "...", "data": ..., "statusCode": 200}
//
// Failures use the same shape with success=false and, for validation
// failures, an "errors" list of field-level reasons.
package respond

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"eddisonso.com/edd-catalog/internal/apperr"
)

// Envelope is the wire shape of every response body.
type Envelope struct {
	Success    bool                `json:"success"`
	Message    string              `json:"message"`
	Data       any                 `json:"data,omitempty"`
	StatusCode int                 `json:"statusCode"`
	Errors     []apperr.FieldError `json:"errors,omitempty"`
}

// JSON writes a success envelope.
func JSON(w http.ResponseWriter, status int, message string, data any) {
	write(w, Envelope{Success: true, Message: message, Data: data, StatusCode: status})
}

// OK is JSON with 200.
func OK(w http.ResponseWriter, message string, data any) {
	JSON(w, http.StatusOK, message, data)
}

// Fail writes a failure envelope with an explicit status and message.
func Fail(w http.ResponseWriter, status int, message string) {
	if status >= 500 {
		slog.Error("api error", "status", status, "message", message)
	}
	write(w, Envelope{Message: message, StatusCode: status})
}

// Error maps err onto the taxonomy and writes the matching envelope.
func Error(w http.ResponseWriter, err error) {
	var ve *apperr.ValidationError
	if errors.As(err, &ve) {
		write(w, Envelope{Message: "Validation failed", StatusCode: http.StatusUnprocessableEntity, Errors: ve.Fields})
		return
	}
	status := Status(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("internal error", "error", err)
		msg = "Internal Server Error"
	}
	write(w, Envelope{Message: msg, StatusCode: status})
}

// Status returns the HTTP status for err.
func Status(err error) int {
	var sc apperr.StatusCoder
	switch {
	case errors.As(err, &sc):
		return sc.HTTPStatus()
	case errors.Is(err, apperr.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, apperr.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrReference):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apperr.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrRateLimited):
		return http.StatusTooManyRequests
	}
	var ve *apperr.ValidationError
	if errors.As(err, &ve) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// Decode reads a JSON request body into v. A malformed body is reported as
// a validation error on field "body".
func Decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &apperr.ValidationError{Fields: []apperr.FieldError{{Field: "body", Message: "invalid JSON body"}}}
	}
	return nil
}

func write(w http.ResponseWriter, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(env.StatusCode)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Debug("write response", "error", err)
	}
}

// Page is the data of a paginated list response.
type Page[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Pagination reads ?limit= and ?offset=. limit defaults to DefaultLimit and
// is capped at MaxLimit.
func Pagination(r *http.Request) (limit, offset int, err error) {
	var v apperr.Validator
	limit, offset = DefaultLimit, 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, convErr := strconv.Atoi(s)
		v.Check(convErr == nil && n > 0, "limit", "must be a positive integer")
		if convErr == nil && n > 0 {
			limit = min(n, MaxLimit)
		}
	}
	if s := r.URL.Query().Get("offset"); s != "" {
		n, convErr := strconv.Atoi(s)
		v.Check(convErr == nil && n >= 0, "offset", "must be a non-negative integer")
		if convErr == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset, v.Err()
}
