package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/healinparadise/preorders/internal/platform/httpx"
)

// RouteRegistrar adds routes to a mounted route group.
type RouteRegistrar func(r chi.Router)

type middlewareFunc = func(http.Handler) http.Handler

// surface is one mounted URL prefix. Guard middlewares wrap the registrar's routes but not the
// open ones.
type surface struct {
	routes RouteRegistrar
	open   RouteRegistrar
	guards []middlewareFunc
}

func (s surface) mount(parent chi.Router, prefix string) {
	if s.routes == nil && s.open == nil {
		return
	}
	parent.Route(prefix, func(group chi.Router) {
		if s.open != nil {
			s.open(group)
		}
		if s.routes == nil {
			return
		}
		group.Group(func(guarded chi.Router) {
			useAll(guarded, s.guards)
			s.routes(guarded)
		})
	})
}

type routerConfig struct {
	apiPrefix string
	timeout   time.Duration
	global    []middlewareFunc
	health    *HealthHandlers

	orders   surface
	webhooks surface
	internal surface
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

const (
	apiPrefix      = "/api/v1"
	requestTimeout = 60 * time.Second
)

// NewRouter builds the HTTP surface. Customer order routes sit under /api/v1/orders, the
// database webhook under /webhooks and the push subscription under /internal. Prefixes with
// nothing registered are not mounted and answer 404.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{apiPrefix: apiPrefix, timeout: requestTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Timeout(cfg.timeout))
	useAll(r, cfg.global)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", fmt.Sprintf("%s is not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(cfg.apiPrefix, func(api chi.Router) {
		cfg.orders.mount(api, "/orders")
	})
	cfg.webhooks.mount(r, "/webhooks")
	cfg.internal.mount(r, "/internal")
	return r
}

func useAll(r chi.Router, mws []middlewareFunc) {
	for _, mw := range mws {
		if mw != nil {
			r.Use(mw)
		}
	}
}

// WithMiddlewares appends middleware applied to every route, probes included.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.global = append(cfg.global, mw...)
	}
}

// WithHealthHandlers replaces the default /healthz and /readyz handlers.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithOrderRoutes mounts the customer order endpoints.
func WithOrderRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.orders.routes = reg
	}
}

// WithWebhookRoutes mounts the signed database webhook.
func WithWebhookRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.webhooks.routes = reg
	}
}

// WithWebhookProbe answers unsigned HEAD /webhooks/orders so the sender can check reachability.
func WithWebhookProbe(h http.HandlerFunc) Option {
	return func(cfg *routerConfig) {
		if h == nil {
			return
		}
		cfg.webhooks.open = func(group chi.Router) { group.Head("/orders", h) }
	}
}

// WithWebhookMiddlewares guards the webhook routes. The probe is not guarded.
func WithWebhookMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.webhooks.guards = append(cfg.webhooks.guards, mw...)
	}
}

// WithInternalRoutes mounts the push subscription endpoints.
func WithInternalRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.internal.routes = reg
	}
}

// WithInternalMiddlewares guards the push subscription endpoints.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.internal.guards = append(cfg.internal.guards, mw...)
	}
}
