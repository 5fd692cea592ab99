package proxy

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/lkarlslund/gemrelay/pkg/keypool"
	"github.com/lkarlslund/gemrelay/pkg/ratelimit"
	"github.com/lkarlslund/gemrelay/pkg/upstream"
)

const (
	errTypeInvalidRequest = "invalid_request_error"
	errTypeAuth           = "invalid_api_key"
	errTypeRateLimit      = "rate_limit_exceeded"
	errTypeUnavailable    = "service_unavailable"
	errTypeInternal       = "internal_error"

	msgUnavailable = "service temporarily unavailable"
)

var errUnauthorized = errors.New("invalid api key")

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// classifyError maps a pipeline failure to the HTTP status and envelope
// fields shown to clients. Upstream detail is only exposed for invalid
// requests, which are the caller's fault.
func classifyError(err error) (status int, message, typ, code string) {
	switch {
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized, "invalid api key", errTypeAuth, errTypeAuth
	case errors.Is(err, upstream.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error(), errTypeInvalidRequest, errTypeInvalidRequest
	case errors.Is(err, keypool.ErrNoHealthyCredentials), errors.Is(err, upstream.ErrUpstreamExhausted):
		return http.StatusServiceUnavailable, msgUnavailable, errTypeUnavailable, errTypeUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, msgUnavailable, errTypeUnavailable, errTypeUnavailable
	default:
		return http.StatusInternalServerError, "internal error", errTypeInternal, errTypeInternal
	}
}

// streamErrorFields feeds the in-band error chunk of a fake stream.
func streamErrorFields(err error) (string, string, string) {
	_, message, typ, code := classifyError(err)
	return message, typ, code
}

func writeError(w http.ResponseWriter, err error) {
	status, message, typ, code := classifyError(err)
	writeJSON(w, status, errorBody{Error: errorDetail{Message: message, Type: typ, Code: code}})
}

func writeInvalidRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{
		Message: message,
		Type:    errTypeInvalidRequest,
		Code:    errTypeInvalidRequest,
	}})
}

func writeRateLimited(w http.ResponseWriter, d ratelimit.Decision) {
	w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds()))
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	writeJSON(w, http.StatusTooManyRequests, errorBody{Error: errorDetail{
		Message: "rate limit exceeded for " + d.Scope + " window, retry in " + strconv.Itoa(d.RetryAfterSeconds()) + "s",
		Type:    errTypeRateLimit,
		Code:    errTypeRateLimit,
	}})
}
