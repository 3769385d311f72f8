package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sydlexius/lyrebird/internal/api/middleware"
	"github.com/sydlexius/lyrebird/internal/auth"
	"github.com/sydlexius/lyrebird/internal/catalog"
	"github.com/sydlexius/lyrebird/internal/maintenance"
	"github.com/sydlexius/lyrebird/internal/merge"
	"github.com/sydlexius/lyrebird/internal/translation"
)

// RouterDeps bundles all dependencies needed by the HTTP router.
type RouterDeps struct {
	AuthService        *auth.Service
	CatalogService     *catalog.Service
	TranslationService *translation.Service
	MergeService       *merge.Service
	MaintenanceService *maintenance.Service
	Logger             *slog.Logger
	BasePath           string
	Version            string
}

// Router sets up all HTTP routes for the application.
type Router struct {
	authService        *auth.Service
	catalogService     *catalog.Service
	translationService *translation.Service
	mergeService       *merge.Service
	maintenanceService *maintenance.Service
	logger             *slog.Logger
	basePath           string
	version            string
}

// NewRouter creates a new Router with all routes configured.
func NewRouter(deps RouterDeps) *Router {
	bp := deps.BasePath
	if bp == "/" {
		bp = ""
	}
	return &Router{
		authService:        deps.AuthService,
		catalogService:     deps.CatalogService,
		translationService: deps.TranslationService,
		mergeService:       deps.MergeService,
		maintenanceService: deps.MaintenanceService,
		logger:             deps.Logger.With("component", "api"),
		basePath:           bp,
		version:            deps.Version,
	}
}

// Handler returns the fully configured HTTP handler with middleware applied.
// ctx bounds the lifetime of the login rate limiter's cleanup goroutine.
func (r *Router) Handler(ctx context.Context) http.Handler {
	authMw := middleware.Auth(r.authService)
	loginLimiter := middleware.NewLoginRateLimiter(ctx)
	mux := http.NewServeMux()
	bp := r.basePath

	// Public routes (no auth)
	mux.HandleFunc("GET "+bp+"/api/v1/health", r.handleHealth)
	mux.Handle("GET "+bp+"/metrics", promhttp.Handler())
	mux.Handle("POST "+bp+"/api/v1/auth/login", loginLimiter.Middleware(http.HandlerFunc(r.handleLogin)))
	mux.Handle("POST "+bp+"/api/v1/auth/setup", loginLimiter.Middleware(http.HandlerFunc(r.handleSetup)))

	// Protected routes (auth required)
	mux.HandleFunc("POST "+bp+"/api/v1/auth/logout", wrapAuth(r.handleLogout, authMw))
	mux.HandleFunc("GET "+bp+"/api/v1/auth/me", wrapAuth(r.handleMe, authMw))

	// Translation routes
	mux.HandleFunc("GET "+bp+"/api/v1/translations/{id}/siblings", wrapAuth(r.handleSiblings, authMw))
	mux.HandleFunc("POST "+bp+"/api/v1/translations/{id}/promote", wrapAuth(r.handlePromote, authMw))
	mux.HandleFunc("POST "+bp+"/api/v1/translations/{id}/demote", wrapAuth(r.handleDemote, authMw))

	// Catalog routes
	mux.HandleFunc("GET "+bp+"/api/v1/catalog/{kind}", wrapAuth(r.handleListEntities, authMw))
	mux.HandleFunc("GET "+bp+"/api/v1/catalog/{kind}/duplicates", wrapAuth(r.handleDuplicates, authMw))
	mux.HandleFunc("POST "+bp+"/api/v1/catalog/{kind}/merge", wrapAuth(r.handleMerge, authMw))
	mux.HandleFunc("GET "+bp+"/api/v1/catalog/{kind}/{id}", wrapAuth(r.handleGetEntity, authMw))
	mux.HandleFunc("GET "+bp+"/api/v1/catalog/{kind}/{id}/merges", wrapAuth(r.handleMergeHistory, authMw))

	// Maintenance routes (admin only)
	if r.maintenanceService != nil {
		adminMw := func(next http.Handler) http.Handler {
			return authMw(middleware.RequireRole(r.authService, auth.DomainTranslation, auth.RoleAdmin)(next))
		}
		mux.HandleFunc("GET "+bp+"/api/v1/maintenance/status", wrapAuth(r.handleMaintenanceStatus, adminMw))
		mux.HandleFunc("GET "+bp+"/api/v1/maintenance/check", wrapAuth(r.handleIntegrityCheck, adminMw))
		mux.HandleFunc("GET "+bp+"/api/v1/maintenance/snapshots", wrapAuth(r.handleListSnapshots, adminMw))
		mux.HandleFunc("POST "+bp+"/api/v1/maintenance/snapshots", wrapAuth(r.handleSnapshot, adminMw))
	}

	// Apply logging and security headers to all requests
	return middleware.Logging(r.logger)(middleware.SecurityHeaders(mux))
}

// wrapAuth wraps a handler function with auth middleware.
func wrapAuth(fn http.HandlerFunc, authMw func(http.Handler) http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authMw(fn).ServeHTTP(w, r)
	}
}
