package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"
)

// maxMessageLen caps server-supplied error text carried in APIError.
const maxMessageLen = 512

// APIError is the normalized failure of a gateway call. Status is zero when
// the request never produced an HTTP response.
type APIError struct {
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("gateway: %s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("gateway: %s: %d %s", e.Op, e.Status, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool { return StatusOf(err) == http.StatusNotFound }

// transportError wraps a failure that happened before any response arrived.
func transportError(op string, err error) *APIError {
	return &APIError{Op: op, Message: err.Error(), Err: err}
}

// statusError builds the error for a non-2xx response body.
func statusError(op string, status int, body []byte) *APIError {
	return &APIError{Op: op, Status: status, Message: messageFrom(status, body)}
}

// messageFrom extracts the most useful text from an error body: a JSON
// detail/error/message field, then the raw text, then the status text.
func messageFrom(status int, body []byte) string {
	var payload map[string]any
	if json.Unmarshal(body, &payload) == nil {
		for _, key := range []string{"detail", "error", "message"} {
			if s, ok := payload[key].(string); ok && strings.TrimSpace(s) != "" {
				return truncate(strings.TrimSpace(s))
			}
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" && !strings.HasPrefix(text, "{") {
		return truncate(text)
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return "request failed"
}

func truncate(s string) string {
	if len(s) <= maxMessageLen {
		return s
	}
	// cut on a rune boundary
	n := maxMessageLen
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
