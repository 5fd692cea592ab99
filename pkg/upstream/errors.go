package upstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"
)

var (
	// ErrUpstreamExhausted matches every *ExhaustedError.
	ErrUpstreamExhausted = errors.New("upstream: retries exhausted")
	// ErrInvalidRequest marks failures caused by the request itself. They are
	// neither retried nor held against the credential.
	ErrInvalidRequest = errors.New("upstream: invalid request")
)

// APIError is a non-2xx answer from the backend, decoded from its
// {"error":{"code","message","status"}} envelope when present.
type APIError struct {
	StatusCode int
	Status     string
	Message    string
	Reasons    []string
}

func (e *APIError) Error() string {
	status := e.Status
	if status == "" {
		status = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("upstream status %d %s: %s", e.StatusCode, status, e.Message)
}

// Permanent reports whether the credential itself was rejected.
func (e *APIError) Permanent() bool {
	if e.blocked() {
		return false
	}
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	switch strings.ToUpper(e.Status) {
	case "PERMISSION_DENIED", "UNAUTHENTICATED":
		return true
	}
	return e.keySignal()
}

// keySignal looks for the backend's invalid-key markers on a 400.
func (e *APIError) keySignal() bool {
	for _, r := range e.Reasons {
		if strings.HasPrefix(strings.ToUpper(r), "API_KEY_") {
			return true
		}
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "api key not valid") ||
		strings.Contains(msg, "api key expired") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "no api key supplied")
}

// blocked recognises an interstitial from a fronting proxy rather than the
// backend itself.
func (e *APIError) blocked() bool {
	if e.StatusCode != http.StatusForbidden && e.StatusCode != http.StatusTooManyRequests {
		return false
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "just a moment") ||
		strings.Contains(msg, "challenge-platform") ||
		strings.Contains(msg, "cloudflare")
}

// InvalidRequest is true for a 400 or 404 that does not point at the key.
func (e *APIError) InvalidRequest() bool {
	switch e.StatusCode {
	case http.StatusBadRequest, http.StatusNotFound:
		return !e.Permanent()
	}
	return false
}

func (e *APIError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests || strings.EqualFold(e.Status, "RESOURCE_EXHAUSTED")
}

// ExhaustedError is returned once every attempt has failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("upstream: %d attempts failed: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

func (e *ExhaustedError) Is(target error) bool { return target == ErrUpstreamExhausted }

type errorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Reason string `json:"reason"`
		} `json:"details"`
	} `json:"error"`
}

func decodeAPIError(resp *http.Response) *APIError {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var env errorEnvelope
	if err := json.Unmarshal(b, &env); err == nil && env.Error.Message != "" {
		apiErr.Status = env.Error.Status
		apiErr.Message = env.Error.Message
		for _, d := range env.Error.Details {
			if d.Reason != "" {
				apiErr.Reasons = append(apiErr.Reasons, d.Reason)
			}
		}
		return apiErr
	}
	apiErr.Message = truncateUTF8(strings.TrimSpace(string(b)), maxErrorMessage)
	return apiErr
}

const maxErrorMessage = 512

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
