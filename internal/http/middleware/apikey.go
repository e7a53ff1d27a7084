package middleware

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
)

// APIKeyHeader is the request header carrying the API key.
const APIKeyHeader = "X-API-Key"

// APIKeyQueryParam is the query parameter accepted in place of the header,
// for clients such as EventSource that cannot set headers.
const APIKeyQueryParam = "api_key"

// APIKeyConfig configures the API key middleware.
type APIKeyConfig struct {
	Key string
	// PublicPaths are exempt when matched exactly.
	PublicPaths []string
	// PublicPrefixes are exempt when the path starts with them.
	PublicPrefixes []string
}

// APIKey rejects requests that do not present the configured key.
func APIKey(cfg APIKeyConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	want := []byte(cfg.Key)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions || isPublic(r.URL.Path, cfg) {
				next.ServeHTTP(w, r)
				return
			}

			got := r.Header.Get(APIKeyHeader)
			if got == "" {
				got = r.URL.Query().Get(APIKeyQueryParam)
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				logger.WarnContext(r.Context(), "rejected request with invalid API key",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("request_id", GetRequestID(r.Context())),
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"Invalid or missing API key"}` + "\n"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func isPublic(path string, cfg APIKeyConfig) bool {
	for _, p := range cfg.PublicPaths {
		if path == p {
			return true
		}
	}
	for _, p := range cfg.PublicPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// GenerateAPIKey returns a random 32-byte key, hex encoded.
func GenerateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
