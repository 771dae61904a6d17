package observability

import (
	"strings"
	"unicode"
)

const (
	routeLimit  = 180
	methodLimit = 10
	ipLimit     = 64
	emailLimit  = 254
)

// clean drops control characters and keeps at most limit runes, so request data cannot forge
// log lines.
func clean(s string, limit int) string {
	var b strings.Builder
	kept := 0
	for _, r := range s {
		if kept == limit {
			break
		}
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
		kept++
	}
	return b.String()
}

// SanitizeRoute makes a request path or route pattern safe to log. Empty becomes "/".
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return clean(route, routeLimit)
}

func SanitizeMethod(method string) string {
	return clean(method, methodLimit)
}

// MaskEmail keeps the first character of the local part and the domain: j***@example.com.
// Anything without a local part masks to "***".
func MaskEmail(email string) string {
	local, domain, ok := strings.Cut(clean(strings.TrimSpace(email), emailLimit), "@")
	if !ok || local == "" {
		return "***"
	}
	for _, first := range local {
		return string(first) + "***@" + domain
	}
	return "***"
}
