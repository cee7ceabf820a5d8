package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// sourceWhitelist is the closed set of trusted X-Router-Source values.
// Anything else is stripped so clients cannot spoof automation traffic into
// the cheap-routing rules.
var sourceWhitelist = map[string]bool{
	"heartbeat": true,
	"cron":      true,
	"webhook":   true,
}

// TrustedSource returns the header value when whitelisted, else "".
func TrustedSource(r *http.Request) string {
	v := strings.ToLower(strings.TrimSpace(r.Header.Get("X-Router-Source")))
	if sourceWhitelist[v] {
		return v
	}
	return ""
}

// TrustedChannel sanitizes the X-Router-Channel header: lowercase, at most
// 32 chars, alphanumeric plus dash and underscore. Anything else is dropped.
func TrustedChannel(r *http.Request) string {
	v := strings.ToLower(strings.TrimSpace(r.Header.Get("X-Router-Channel")))
	if len(v) == 0 || len(v) > 32 {
		return ""
	}
	for _, c := range v {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' && c != '_' {
			return ""
		}
	}
	return v
}

// AuthMiddleware enforces bearer auth when a gateway key is configured.
// With no key configured every request passes.
func AuthMiddleware(gatewayKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if gatewayKey == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(token), []byte(gatewayKey)) != 1 {
				writeOpenAIError(w, "invalid or missing API key", "authentication_error", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
