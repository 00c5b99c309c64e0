package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/agentsh/agentgate/internal/approvals"
	"github.com/agentsh/agentgate/internal/auth"
	"github.com/agentsh/agentgate/internal/config"
	"github.com/agentsh/agentgate/internal/consent"
	"github.com/agentsh/agentgate/internal/events"
	"github.com/agentsh/agentgate/internal/metrics"
	"github.com/agentsh/agentgate/internal/store"
	"github.com/agentsh/agentgate/pkg/emergency"
	"github.com/agentsh/agentgate/pkg/ratelimit"
	"github.com/go-chi/chi/v5"
)

// Deps are the components the HTTP surface exposes.
type Deps struct {
	Orchestrator *consent.Orchestrator
	KillSwitch   *emergency.KillSwitch
	Broker       *events.Broker
	Sanitizer    *events.Sanitizer // nil: events.NewDefaultSanitizer()
	APIKeyAuth   *auth.APIKeyAuth
	OIDCAuth     *auth.OIDCAuth
	TOTP         *approvals.TOTPVerifier // non-nil: decisions need a one-time code
	Metrics      *metrics.Collector
	History      store.AuditStore // optional queryable store behind ?history=true
	Logger       *slog.Logger
}

type App struct {
	cfg        *config.Config
	orch       *consent.Orchestrator
	kill       *emergency.KillSwitch
	broker     *events.Broker
	sanitizer  *events.Sanitizer
	apiKeyAuth *auth.APIKeyAuth
	oidcAuth   *auth.OIDCAuth
	totp       *approvals.TOTPVerifier
	metrics    *metrics.Collector
	history    store.AuditStore
	limiter    *ratelimit.KeyedLimiter
	logger     *slog.Logger
}

func NewApp(cfg *config.Config, d Deps) *App {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	san := d.Sanitizer
	if san == nil {
		san = events.NewDefaultSanitizer()
	}
	kill := d.KillSwitch
	if kill == nil && d.Orchestrator != nil {
		kill = emergency.NewKillSwitch(d.Orchestrator, logger)
	}
	return &App{
		cfg:        cfg,
		orch:       d.Orchestrator,
		kill:       kill,
		broker:     d.Broker,
		sanitizer:  san,
		apiKeyAuth: d.APIKeyAuth,
		oidcAuth:   d.OIDCAuth,
		totp:       d.TOTP,
		metrics:    d.Metrics,
		history:    d.History,
		limiter:    ratelimit.NewKeyedLimiter(cfg.Approvals.RateLimit.PerSecond, cfg.Approvals.RateLimit.Burst),
		logger:     logger,
	}
}

func (a *App) Router() http.Handler {
	r := chi.NewRouter()

	r.Get(a.cfg.Health.Path, func(w http.ResponseWriter, r *http.Request) { writeText(w, http.StatusOK, "ok\n") })
	r.Get(a.cfg.Health.ReadinessPath, a.ready)

	r.Group(func(r chi.Router) {
		r.Use(a.authMiddleware)

		if a.cfg.Metrics.Enabled && a.metrics != nil {
			r.With(a.requireRole(auth.RoleApprover)).Get(a.cfg.Metrics.Path, a.metricsHandler().ServeHTTP)
		}

		r.Route("/api/v1", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(a.requireRole(auth.RoleAgent))
				r.Post("/requests", a.submitRequest)
				r.Post("/check", a.checkPolicy)
			})
			r.Group(func(r chi.Router) {
				r.Use(a.requireRole(auth.RoleApprover))
				r.Get("/requests/pending", a.listPending)
				r.Get("/requests/{id}", a.getPending)
				r.Post("/requests/{id}/decision", a.decideRequest)
				r.Get("/sessions", a.listSessions)
				r.Get("/audit", a.queryAudit)
				r.Get("/audit/export", a.exportAudit)
				r.Get("/events", a.streamEvents)
				r.Get("/emergency", a.emergencyStatus)
				r.Get("/policy", a.getPolicy)
				r.Get("/remembered", a.rememberedStatus)
			})
			r.Group(func(r chi.Router) {
				r.Use(a.requireRole(auth.RoleAdmin))
				r.Post("/emergency/stop", a.emergencyStop)
				r.Post("/emergency/reset", a.emergencyReset)
				r.Put("/policy", a.putPolicy)
				r.Delete("/remembered", a.clearRemembered)
			})
		})
	})
	return r
}

func (a *App) ready(w http.ResponseWriter, r *http.Request) {
	if a.orch != nil && a.orch.Halted() {
		writeText(w, http.StatusServiceUnavailable, "halted\n")
		return
	}
	writeText(w, http.StatusOK, "ready\n")
}

func (a *App) metricsHandler() http.Handler {
	opts := metrics.HandlerOptions{}
	if a.orch != nil {
		opts.PendingCount = func() int { return len(a.orch.Pending()) }
		opts.SessionCount = func() int { return len(a.orch.Sessions()) }
		opts.AuditEntries = a.orch.Audit().Len
		opts.AuditSinkErrors = a.orch.Audit().SinkErrors
		opts.PolicyVersion = func() int64 { return a.orch.Policy().Version }
	}
	if a.broker != nil {
		opts.EventsDropped = a.broker.DroppedCount
	}
	return a.metrics.Handler(opts)
}

type identityKey struct{}

// identityFrom returns the caller set by authMiddleware. With auth disabled
// every caller is an anonymous admin.
func identityFrom(ctx context.Context) auth.Identity {
	if id, ok := ctx.Value(identityKey{}).(auth.Identity); ok {
		return id
	}
	return auth.Identity{ID: "anonymous", Role: auth.RoleAdmin}
}

func (a *App) authMiddleware(next http.Handler) http.Handler {
	mode := strings.ToLower(a.cfg.Auth.Type)
	if a.cfg.Development.DisableAuth || mode == "none" {
		return next
	}
	useKeys := mode == "api_key" || mode == "hybrid"
	useOIDC := mode == "oidc" || mode == "hybrid"
	if !useKeys && !useOIDC {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unsupported auth type"})
		})
	}
	if (useKeys && a.apiKeyAuth == nil) || (useOIDC && a.oidcAuth == nil) {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"error": mode + " auth enabled but not initialized",
			})
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if useKeys {
			if key := r.Header.Get(a.apiKeyAuth.HeaderName()); key != "" || !useOIDC {
				id, ok := a.apiKeyAuth.Authenticate(key)
				if !ok {
					writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
					return
				}
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
				return
			}
		}
		token, ok := bearerToken(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="agentgate"`)
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		id, err := a.oidcAuth.Authenticate(r.Context(), token)
		if err != nil {
			a.logger.Debug("oidc authentication failed", "error", err)
			status := http.StatusUnauthorized
			if errors.Is(err, auth.ErrGroupNotAllowed) {
				status = http.StatusForbidden
			}
			writeJSON(w, status, map[string]any{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

func (a *App) requireRole(min auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !identityFrom(r.Context()).Role.AtLeast(min) {
				writeJSON(w, http.StatusForbidden, map[string]any{"error": "forbidden", "required_role": min})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(s))
}
