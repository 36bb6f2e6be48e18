package backend

import (
	"os"
	"strings"
)

const (
	// DefaultBaseURL is used when neither the caller nor OLLAMA_HOST name a server.
	// Explicit IPv4 avoids localhost resolving to ::1 where Ollama is not listening.
	DefaultBaseURL = "http://127.0.0.1:11434"

	// EnvOllamaHost overrides DefaultBaseURL.
	EnvOllamaHost = "OLLAMA_HOST"
)

// NormalizeBaseURL guarantees the address carries a URL scheme.
// Empty input falls back to OLLAMA_HOST, then DefaultBaseURL. The check is
// purely syntactic: nothing is resolved or dialed.
func NormalizeBaseURL(raw string) string {
	u := strings.TrimSpace(raw)
	if u == "" {
		u = strings.TrimSpace(os.Getenv(EnvOllamaHost))
	}
	if u == "" {
		return DefaultBaseURL
	}
	if !hasScheme(u) {
		u = "http://" + u
	}
	return u
}

// hasScheme reports whether u starts with "scheme://". A "://" further in,
// such as inside a query string, does not count.
func hasScheme(u string) bool {
	i := strings.Index(u, "://")
	if i <= 0 {
		return false
	}
	for j, c := range u[:i] {
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z':
		case j > 0 && ('0' <= c && c <= '9' || c == '+' || c == '-' || c == '.'):
		default:
			return false
		}
	}
	return true
}
