// Package response provides common HTTP response helpers.
package response

import (
	"encoding/json"
	"net/http"
	"strings"

	commonerrors "github.com/bullionx/exchange/pkg/errors"
)

// Envelope wraps successful payloads.
type Envelope struct {
	Code string      `json:"code"`
	Data interface{} `json:"data,omitempty"`
}

// RequestIDFromRequest extracts request ID from headers.
func RequestIDFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	reqID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
	if reqID == "" {
		reqID = strings.TrimSpace(r.Header.Get("X-Request-ID"))
	}
	return reqID
}

// WriteOK writes a successful JSON response.
func WriteOK(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, &Envelope{Code: string(commonerrors.CodeOK), Data: data})
}

// WriteError writes a structured error response based on common error type.
func WriteError(w http.ResponseWriter, r *http.Request, err *commonerrors.Error) {
	if w == nil || err == nil {
		return
	}
	payload := *err
	if reqID := RequestIDFromRequest(r); reqID != "" {
		payload.RequestID = reqID
	}
	writeJSON(w, payload.HTTPStatus(), &payload)
}

// WriteErrorCode writes an error response using error code and message.
func WriteErrorCode(w http.ResponseWriter, r *http.Request, code commonerrors.Code, message string) {
	WriteError(w, r, commonerrors.New(code, message))
}

// WriteAnyError maps an arbitrary error to a structured response.
func WriteAnyError(w http.ResponseWriter, r *http.Request, err error) {
	if be, ok := err.(*commonerrors.Error); ok {
		WriteError(w, r, be)
		return
	}
	WriteErrorCode(w, r, commonerrors.CodeInternal, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
