package httpserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"gitea.jw6.us/james/davkit/internal/auth"
	"gitea.jw6.us/james/davkit/internal/caldav"
	"gitea.jw6.us/james/davkit/internal/carddav"
	"gitea.jw6.us/james/davkit/internal/config"
	"gitea.jw6.us/james/davkit/internal/dav"
	"gitea.jw6.us/james/davkit/internal/dav/propertystorage"
	"gitea.jw6.us/james/davkit/internal/davacl"
	httperrors "gitea.jw6.us/james/davkit/internal/http/errors"
	"gitea.jw6.us/james/davkit/internal/http/ratelimit"
	"gitea.jw6.us/james/davkit/internal/logger"
	"gitea.jw6.us/james/davkit/internal/metrics"
	"gitea.jw6.us/james/davkit/internal/store"
)

func init() {
	for _, method := range []string{
		"PROPFIND",
		"PROPPATCH",
		"MKCOL",
		"MKCALENDAR",
		"REPORT",
		"LOCK",
		"UNLOCK",
		"COPY",
		"MOVE",
	} {
		chi.RegisterMethod(method)
	}
}

// NewDAVServer assembles the resource tree and the plugin stack.
func NewDAVServer(cfg *config.Config, st *store.Store) *dav.Server {
	principals := davacl.NewStoreBackend(st.Users)
	root := dav.NewSimpleCollection("",
		davacl.NewPrincipalCollection(principals),
		caldav.NewRoot(caldav.NewStoreBackend(st), principals, cfg.DAV.BasePath),
		carddav.NewRoot(carddav.NewStoreBackend(st), principals),
	)
	s := dav.NewServer(root, dav.Options{
		BaseURI:            cfg.DAV.BasePath,
		Logger:             *logger.GetLogger(),
		MaxDepth:           cfg.DAV.MaxDepth,
		AllowInfiniteDepth: cfg.DAV.AllowInfiniteDepth,
		NodeCacheSize:      cfg.DAV.NodeCacheSize,
		MaxBodyBytes:       cfg.DAV.MaxBodyBytes,
	})

	cal := caldav.New()
	if cfg.DAV.MaxCalendarSize > 0 {
		cal.MaxResourceSize = cfg.DAV.MaxCalendarSize
	}
	card := carddav.New()
	if cfg.DAV.MaxCardSize > 0 {
		card.MaxResourceSize = cfg.DAV.MaxCardSize
	}

	s.AddPlugin(davacl.New())
	s.AddPlugin(dav.NewLocksPlugin(dav.NewMemoryLockBackend()))
	s.AddPlugin(&dav.SyncPlugin{Limit: cfg.DAV.SyncLimit})
	s.AddPlugin(propertystorage.New(st.Properties))
	s.AddPlugin(&dav.SharingPlugin{})
	s.AddPlugin(cal)
	s.AddPlugin(caldav.NewSharing())
	s.AddPlugin(card)
	return s
}

// NewRouter wires health, metrics, discovery and DAV endpoints.
func NewRouter(cfg *config.Config, st *store.Store, authService *auth.Service) http.Handler {
	r := chi.NewRouter()

	davRateLimiter := ratelimit.NewIPRateLimiter(rate.Limit(cfg.RateLimit.RPS), cfg.RateLimit.Burst, 5*time.Minute, cfg.TrustedProxies)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logger.NewStructuredLogger(logger.GetLogger()))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := st.HealthCheck(ctx); err != nil {
			httperrors.Unavailable(w, r, err, "readiness check failed")
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.PrometheusEnabled {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	base := cfg.DAV.BasePath
	redirectTo := func(target string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, target, http.StatusMovedPermanently)
		}
	}
	// RFC 6764 discovery
	for _, p := range []string{"/.well-known/caldav", "/.well-known/carddav"} {
		r.Get(p, redirectTo(base))
		r.MethodFunc("PROPFIND", p, redirectTo(base))
	}
	if base != "/" {
		r.MethodFunc("PROPFIND", "/", redirectTo(base))
		// Apple clients look up /principals/ on the host root
		r.MethodFunc("PROPFIND", "/principals/*", redirectTo(base+davacl.PrincipalPrefix+"/"))
	}

	davServer := NewDAVServer(cfg, st)
	mount := strings.TrimSuffix(base, "/")
	davRoutes := func(r chi.Router) {
		r.Use(davRateLimiter.Middleware())

		r.Group(func(r chi.Router) {
			r.Use(authService.RequireDAVAuth)
			r.Handle("/*", davServer)
		})
		// registered after the catch-all so it replaces the authenticated
		// OPTIONS route; clients query capabilities before logging in
		r.Method(http.MethodOptions, "/*", davServer)
	}
	if mount == "" {
		r.Group(davRoutes)
	} else {
		r.Route(mount, davRoutes)
	}
	return r
}
