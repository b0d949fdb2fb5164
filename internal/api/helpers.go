package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"grimm.is/portgate/internal/access"
	"grimm.is/portgate/internal/panel"
	"grimm.is/portgate/internal/scanner"
)

// clientIP extracts the client address from the request. Proxy headers are
// honoured only when trustProxy is set, since the result is whitelisted.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(xri) != nil {
			return xri
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// ErrorResponse represents a standard API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// WriteError sends a JSON error response
func WriteError(w http.ResponseWriter, code int, message string, details ...string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	resp := ErrorResponse{Error: message}
	if len(details) > 0 {
		resp.Details = details[0]
	}
	json.NewEncoder(w).Encode(resp)
}

// WriteJSON sends a JSON success response
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, access.ErrInvalidIP),
		errors.Is(err, access.ErrInvalidPort),
		errors.Is(err, scanner.ErrNoHosts),
		errors.Is(err, scanner.ErrUnsupportedMode),
		errors.Is(err, panel.ErrUnsupportedFormat),
		errors.Is(err, panel.ErrInvalidLogLimit),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, panel.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, panel.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err with the status statusFor picks.
func writeServiceError(w http.ResponseWriter, err error) {
	WriteError(w, statusFor(err), err.Error())
}

var errBadRequest = errors.New("bad request")

// decodeJSON decodes the request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}
