package gateway

import (
	"time"
)

// ErrorCode identifies a class of request failure.
type ErrorCode string

const (
	CodeRouteNotFound ErrorCode = "route_not_found"
	CodeUnauthorized  ErrorCode = "unauthorized"
	CodeRateLimited   ErrorCode = "rate_limit_exceeded"
	CodeInternal      ErrorCode = "internal_error"
)

// ErrorBody is the structured body of every error response. RequestID
// and Timestamp let operators correlate responses with logs.
type ErrorBody struct {
	Error     string    `json:"error"`
	Code      ErrorCode `json:"code"`
	RequestID string    `json:"requestId"`
	Timestamp string    `json:"timestamp"`
}

// errorResponse assembles a short-circuit failure response.
func errorResponse(rctx *RequestContext, status int, code ErrorCode, message string) *Response {
	return &Response{
		Status: status,
		Headers: map[string]string{
			headerRequestID: rctx.RequestID,
		},
		Body: &ErrorBody{
			Error:     message,
			Code:      code,
			RequestID: rctx.RequestID,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		},
		Context: rctx,
	}
}
