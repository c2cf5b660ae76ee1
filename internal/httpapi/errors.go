// Package httpapi holds the OpenAI-compatible wire types and admission
// middleware shared by the gateway's HTTP handlers.
package httpapi

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the OpenAI-compatible error envelope every non-2xx gateway
// response carries.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the inner error payload.
type ErrorDetail struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    string  `json:"code"`
}

// Known (type, code) pairs per the gateway's error taxonomy.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeRateLimit      = "rate_limit_error"
	TypePermission     = "permission_error"
	TypeServerError    = "server_error"

	CodeMissingAuthorization = "missing_authorization"
	CodeInvalidAPIKey        = "invalid_api_key"
	CodeBadRequest           = "bad_request"
	CodeRateLimitExceeded    = "rate_limit_exceeded"
	CodeInsufficientPerms    = "insufficient_permissions"
	CodeServiceUnavailable   = "service_unavailable"
)

// httpStatus maps each known error type to the status code the spec pins
// it to; individual call sites may still override with WriteErrorStatus.
var httpStatus = map[string]int{
	TypeInvalidRequest: http.StatusBadRequest,
	TypeRateLimit:      http.StatusTooManyRequests,
	TypePermission:     http.StatusForbidden,
	TypeServerError:    http.StatusServiceUnavailable,
}

// WriteError writes the OpenAI-compatible error envelope using the status
// this error type normally carries.
func WriteError(w http.ResponseWriter, errType, code, message string) {
	status, ok := httpStatus[errType]
	if !ok {
		status = http.StatusInternalServerError
	}
	WriteErrorStatus(w, status, errType, code, message)
}

// WriteErrorStatus writes the error envelope with an explicit status,
// for call sites (auth) that pin 401 regardless of the type map above.
func WriteErrorStatus(w http.ResponseWriter, status int, errType, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorBody{
		Error: ErrorDetail{Message: message, Type: errType, Param: nil, Code: code},
	})
}
