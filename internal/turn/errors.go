package turn

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"syscall"
)

// FriendlyError converts a raw provider/transport error into the short,
// user-safe message the spec's getFriendlyErrorMessage describes. Raw JSON
// error bodies are never echoed to the client.
func FriendlyError(raw error) string {
	if raw == nil {
		return ""
	}
	msg := raw.Error()

	if code, ok := httpStatusCode(msg); ok {
		switch code {
		case 429:
			return "The assistant is busy right now. Please try again shortly."
		case 401:
			return "Authentication with the model provider failed."
		case 529:
			return "The model provider is overloaded. Please try again shortly."
		}
	}

	var netErr net.Error
	if errors.As(raw, &netErr) && netErr.Timeout() {
		return "The request timed out."
	}
	if strings.Contains(msg, "ETIMEDOUT") {
		return "The request timed out."
	}
	if errors.Is(raw, syscall.ECONNREFUSED) || strings.Contains(msg, "ECONNREFUSED") || strings.Contains(msg, "connection refused") {
		return "Could not connect to the model provider."
	}

	if looksLikeJSON(msg) {
		return "The model provider returned an unexpected error."
	}

	return msg
}

// httpStatusCode extracts a leading-or-mentioned 3-digit HTTP status code
// from a provider error string, the common shape of SDK error messages
// ("429 Too Many Requests", "status code: 401", ...).
func httpStatusCode(msg string) (int, bool) {
	fields := strings.FieldsFunc(msg, func(r rune) bool {
		return !('0' <= r && r <= '9')
	})
	for _, f := range fields {
		if len(f) != 3 {
			continue
		}
		if n, err := strconv.Atoi(f); err == nil && n >= 400 && n < 600 {
			return n, true
		}
	}
	return 0, false
}

func looksLikeJSON(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}
