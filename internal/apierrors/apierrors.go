// Package apierrors defines the downstream error taxonomy and classifies
// upstream failures into it.
package apierrors

import (
	"net/http"
	"strings"
)

// Downstream machine-readable error types.
const (
	TypeAuthentication = "authentication_error"
	TypePermission     = "permission_error"
	TypeRateLimit      = "rate_limit_error"
	TypeTimeout        = "timeout_error"
	TypeConnection     = "connection_error"
	TypeProxy          = "proxy_error"
	TypeInvalidRequest = "invalid_request_error"
)

// APIError pairs an HTTP status with the downstream error type and message.
type APIError struct {
	HTTPStatus int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	return e.Message
}

// Predefined errors for locally-detected conditions.
var (
	ErrInvalidJSON = &APIError{
		HTTPStatus: http.StatusBadRequest,
		Type:       TypeInvalidRequest,
		Message:    "request body is not valid JSON",
	}
	ErrBodyTooLarge = &APIError{
		HTTPStatus: http.StatusBadRequest,
		Type:       TypeInvalidRequest,
		Message:    "request body exceeds the size limit",
	}
	ErrMethodNotAllowed = &APIError{
		HTTPStatus: http.StatusMethodNotAllowed,
		Type:       TypeInvalidRequest,
		Message:    "only POST is accepted",
	}
)

// New builds an APIError with a custom message on an existing shape.
func New(base *APIError, message string) *APIError {
	return &APIError{HTTPStatus: base.HTTPStatus, Type: base.Type, Message: message}
}

// classification rules checked in order; the first match wins. Status-code
// digits are matched as substrings because upstream SDK errors frequently
// embed them in free text.
var rules = []struct {
	status int
	typ    string
	needle []string
}{
	{http.StatusUnauthorized, TypeAuthentication, []string{"401", "unauthorized", "invalid api key", "invalid x-api-key", "authentication"}},
	{http.StatusForbidden, TypePermission, []string{"403", "forbidden", "permission"}},
	{http.StatusTooManyRequests, TypeRateLimit, []string{"429", "rate limit", "too many requests", "quota"}},
	{http.StatusGatewayTimeout, TypeTimeout, []string{"timeout", "timed out", "deadline exceeded", "context canceled"}},
	{http.StatusBadGateway, TypeConnection, []string{"connection refused", "connection reset", "no such host", "eof", "broken pipe", "dial tcp"}},
}

// Classify maps an upstream failure into the downstream taxonomy by its
// text. Anything unrecognized becomes a generic proxy error.
func Classify(err error) *APIError {
	if err == nil {
		return nil
	}
	if apiErr, ok := err.(*APIError); ok {
		return apiErr
	}

	msg := err.Error()
	lowered := strings.ToLower(msg)
	for _, rule := range rules {
		for _, needle := range rule.needle {
			if strings.Contains(lowered, needle) {
				return &APIError{HTTPStatus: rule.status, Type: rule.typ, Message: msg}
			}
		}
	}
	return &APIError{HTTPStatus: http.StatusInternalServerError, Type: TypeProxy, Message: msg}
}

// ClassifyStatus maps an upstream HTTP status directly, for responses whose
// body carried no usable error text.
func ClassifyStatus(status int, message string) *APIError {
	switch {
	case status == http.StatusUnauthorized:
		return &APIError{HTTPStatus: status, Type: TypeAuthentication, Message: message}
	case status == http.StatusForbidden:
		return &APIError{HTTPStatus: status, Type: TypePermission, Message: message}
	case status == http.StatusTooManyRequests:
		return &APIError{HTTPStatus: status, Type: TypeRateLimit, Message: message}
	case status == http.StatusGatewayTimeout:
		return &APIError{HTTPStatus: status, Type: TypeTimeout, Message: message}
	case status == http.StatusBadGateway:
		return &APIError{HTTPStatus: status, Type: TypeConnection, Message: message}
	case status >= 400:
		return &APIError{HTTPStatus: http.StatusInternalServerError, Type: TypeProxy, Message: message}
	}
	return nil
}
