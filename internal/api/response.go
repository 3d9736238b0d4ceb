package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/settlement-engine/internal/model"
)

// retryAfterSeconds is advertised when a command hit a locked entity.
const retryAfterSeconds = "1"

// statusClientClosedRequest is reported when the caller went away before
// the command finished.
const statusClientClosedRequest = 499

// maxBodyBytes bounds request bodies; every command body is tiny.
const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a standard error body.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch model.KindOf(err) {
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindConflict:
		return http.StatusConflict
	case model.KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case model.KindCanceled:
		return statusClientClosedRequest
	}
	return http.StatusInternalServerError
}

// writeDomainError renders err. Internal errors are logged and replaced by a
// generic message.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"err", err,
		)
		writeError(w, status, "internal_error", "internal server error")
		return
	}
	if model.Retryable(err) {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}

	var de *model.Error
	msg := err.Error()
	if errors.As(err, &de) {
		msg = de.Message
	}
	writeError(w, status, model.CodeOf(err), msg)
}

// decodeJSON decodes the request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	ct := r.Header.Get("Content-Type")
	if ct != "" && !strings.HasPrefix(ct, "application/json") {
		return fmt.Errorf("content type must be application/json")
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func badRequest(w http.ResponseWriter, err error) {
	writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
}
