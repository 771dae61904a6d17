package httpx

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/healinparadise/preorders/internal/platform/requestctx"
)

const (
	codeLimit    = 80
	messageLimit = 512
	idLimit      = 80
)

// Error is the JSON error envelope:
//
//	{"error": code, "message": text, "status": n, "request_id": "...", "trace_id": "..."}
//
// Details become extra top-level fields but never replace the ones above.
type Error struct {
	Code    string
	Message string
	Status  int
	Details map[string]any
}

// NewError builds an Error. A zero status means 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{Code: oneLine(code, codeLimit), Message: oneLine(message, messageLimit), Status: status}
}

// WithDetails returns a copy of e with details merged in, e.g. the order status on a 403.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	merged := maps.Clone(e.Details)
	if merged == nil {
		merged = make(map[string]any, len(details))
	}
	maps.Copy(merged, details)
	e.Details = merged
	return e
}

func (e Error) body(ctx context.Context) (int, map[string]any) {
	status := e.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	body := maps.Clone(e.Details)
	if body == nil {
		body = make(map[string]any, 5)
	}
	body["error"], body["message"], body["status"] = e.Code, e.Message, status
	if id := oneLine(middleware.GetReqID(ctx), idLimit); id != "" {
		body["request_id"] = id
	}
	if id := oneLine(requestctx.TraceID(ctx), idLimit); id != "" {
		body["trace_id"] = id
	}
	return status, body
}

// WriteError writes err as the JSON envelope with request and trace ids from ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status, body := err.body(ctx)
	WriteJSON(w, status, body)
}

// WriteJSON writes payload as an uncacheable JSON response.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// oneLine flattens line breaks and truncates to limit bytes.
func oneLine(s string, limit int) string {
	s = strings.TrimSpace(strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return ' '
		}
		return r
	}, s))
	if len(s) > limit {
		s = s[:limit]
	}
	return s
}
