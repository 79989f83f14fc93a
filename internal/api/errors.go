package api

import (
	"encoding/json"
	"net/http"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Machine-readable reason codes. These are part of the device and admin
// client contract; changing one is a breaking change.
const (
	// Authentication (401)
	ErrCodeMissingCredentials = "missing_credentials"
	ErrCodeDeviceNotFoundAuth = "device_not_found"
	ErrCodeInvalidSecret      = "invalid_secret"
	ErrCodeUnauthorized       = "unauthorised"

	// Validation (400)
	ErrCodeBadRequest         = "bad_request"
	ErrCodeInvalidCodeFormat  = "invalid_code_format"
	ErrCodeInvalidDeviceIDs   = "invalid_device_ids"
	ErrCodeInvalidCommand     = "invalid_command"
	ErrCodeGroupsNotSupported = "groups_not_supported"

	// Not found / conflict
	ErrCodeDeviceNotFound       = "device_not_found"
	ErrCodeTargetDeviceNotFound = "target_device_not_found"
	ErrCodeCodeNotFoundOrExp    = "code_not_found_or_expired"
	ErrCodeClaimFailed          = "claim_failed"

	// Internal (500) — always generic, details stay in the server log.
	ErrCodeInternal = "internal_error"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, code, message string) {
	writeError(w, http.StatusBadRequest, code, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, code, message string) {
	writeError(w, http.StatusNotFound, code, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, code, message string) {
	writeError(w, http.StatusUnauthorized, code, message)
}

// writeInternalError writes a 500 error response. The message is always
// generic; internals are logged, never returned.
func writeInternalError(w http.ResponseWriter) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
}
