// Package httpserver contains the control-plane HTTP handlers and
// middleware: enqueue, queue/DLQ administration, health, and metrics.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/iconicxs/relicxs-workers/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrRouting), errors.Is(err, domain.ErrSerialization):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrRateLimited):
		code = http.StatusTooManyRequests
		codeStr = "RATE_LIMITED"
	case errors.Is(err, domain.ErrUnsupportedMedia):
		code = http.StatusUnsupportedMediaType
		codeStr = "UNSUPPORTED_MEDIA"
	case errors.Is(err, domain.ErrStoreTransient), errors.Is(err, domain.ErrStore):
		code = http.StatusServiceUnavailable
		codeStr = "STORE_UNAVAILABLE"
	case errors.Is(err, domain.ErrExternalAPI):
		code = http.StatusBadGateway
		codeStr = "UPSTREAM_ERROR"
	}
	var de *domain.Error
	if errors.As(err, &de) && de.Code != "" {
		codeStr = de.Code
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
