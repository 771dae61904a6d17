package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/healinparadise/preorders/internal/platform/httpx"
)

var authMessages = map[string]string{
	"unauthenticated":          "Authentication is required.",
	"invalid_token":            "Token verification failed.",
	"forbidden":                "Caller is not allowed.",
	"verification_unavailable": "Request verification is unavailable.",
	"invalid_signature":        "Signature verification failed.",
	"invalid_body":             "Unable to read request body.",
}

func writeAuthError(ctx context.Context, w http.ResponseWriter, status int, code, reason string) {
	message, ok := authMessages[code]
	if !ok {
		message = "Request rejected."
	}
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status).WithDetails(map[string]any{"reason": reason}))
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
