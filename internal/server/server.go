package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentsh/agentgate/internal/api"
	"github.com/agentsh/agentgate/internal/approvals"
	"github.com/agentsh/agentgate/internal/audit"
	"github.com/agentsh/agentgate/internal/audit/keysource"
	"github.com/agentsh/agentgate/internal/auth"
	"github.com/agentsh/agentgate/internal/config"
	"github.com/agentsh/agentgate/internal/consent"
	"github.com/agentsh/agentgate/internal/events"
	"github.com/agentsh/agentgate/internal/guard"
	"github.com/agentsh/agentgate/internal/metrics"
	"github.com/agentsh/agentgate/internal/notify"
	"github.com/agentsh/agentgate/internal/policy"
	"github.com/agentsh/agentgate/internal/session"
	storepkg "github.com/agentsh/agentgate/internal/store"
	"github.com/agentsh/agentgate/internal/store/composite"
	"github.com/agentsh/agentgate/internal/store/jsonl"
	otelstore "github.com/agentsh/agentgate/internal/store/otel"
	"github.com/agentsh/agentgate/internal/store/sqlite"
	"github.com/agentsh/agentgate/internal/store/webhook"
	"github.com/agentsh/agentgate/pkg/emergency"
	"github.com/agentsh/agentgate/pkg/hotreload"
)

type Server struct {
	logger *slog.Logger

	httpServer *http.Server
	httpLn     net.Listener

	orch    *consent.Orchestrator
	kill    *emergency.KillSwitch
	store   *composite.Store
	db      *sqlite.Store
	watcher *hotreload.PolicyWatcher
	broker  *events.Broker
	notify  *notify.Dispatcher

	retention time.Duration
	interval  time.Duration
}

func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Deciding requires an authenticated approver. Without auth anything that
	// reaches the listener could approve its own request.
	if cfg.Development.DisableAuth || strings.EqualFold(strings.TrimSpace(cfg.Auth.Type), "none") {
		if !isLoopbackListenAddr(cfg.Server.HTTP.Addr) {
			return nil, fmt.Errorf("refusing to listen on %q with auth.type=none (use 127.0.0.1/localhost or enable auth)", cfg.Server.HTTP.Addr)
		}
		logger.Warn("server: authentication disabled; every caller is an admin")
	}

	p := policy.DefaultPolicy()
	if cfg.Policies.File != "" {
		loaded, err := policy.LoadFromFile(cfg.Policies.File)
		if err != nil {
			return nil, err
		}
		p = loaded
	}

	paths, err := guard.NewPathResolver(guard.PathConfig{
		SafeZones:       cfg.Paths.SafeZones,
		RestrictedZones: cfg.Paths.RestrictedZones,
		Mode:            guard.ZoneMode(cfg.Paths.Mode),
		BlockedPatterns: cfg.Paths.BlockedPatterns,
	}, logger)
	if err != nil {
		return nil, err
	}
	if len(cfg.Paths.SafeZones) == 0 {
		logger.Warn("server: no safe zones configured; every path-bearing request will be denied")
	}
	commands := guard.NewCommandGuard(guard.CommandConfig{
		Allowed:           cfg.Commands.Allowed,
		DangerousPatterns: cfg.Commands.DangerousPatterns,
	}, logger)

	db, err := sqlite.Open(cfg.Audit.Storage.SQLitePath)
	if err != nil {
		return nil, err
	}
	others, err := extraSinks(cfg, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	store := composite.New(db, others...)

	chain, err := integrityChain(cfg.Audit.Integrity, db)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	retention := config.MustDuration(cfg.Audit.Retention)
	sessionTimeout := config.MustDuration(cfg.Sessions.Timeout)
	interval := config.MustDuration(cfg.Sessions.MaintenanceInterval)

	metricsCollector := metrics.New()
	broker := events.NewBroker(logger)
	orch, err := consent.New(consent.Deps{
		Paths:    paths,
		Commands: commands,
		Sessions: session.NewTracker(session.Config{
			InitialTrust: cfg.Sessions.InitialTrust,
			TrustFloor:   cfg.Sessions.TrustFloor,
			DecayStep:    cfg.Sessions.DecayStep,
			Timeout:      sessionTimeout,
		}),
		Audit: audit.NewLog(audit.Config{
			MaxEntries: cfg.Audit.MaxEntries,
			Retention:  retention,
		}, store, chain, logger),
		Events:  broker,
		Metrics: metricsCollector,
		Logger:  logger,
	}, consent.Options{
		Policy:              p,
		MaxPending:          cfg.Approvals.MaxPending,
		WarnLead:            config.MustDuration(cfg.Approvals.WarningLead),
		MaintenanceInterval: interval,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var apiKeyAuth *auth.APIKeyAuth
	if !cfg.Development.DisableAuth && (cfg.Auth.Type == "api_key" || cfg.Auth.Type == "hybrid") {
		loaded, err := auth.LoadAPIKeys(cfg.Auth.APIKey.KeysFile, cfg.Auth.APIKey.HeaderName)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		apiKeyAuth = loaded
	}
	var oidcAuth *auth.OIDCAuth
	if !cfg.Development.DisableAuth && (cfg.Auth.Type == "oidc" || cfg.Auth.Type == "hybrid") {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		oidcAuth, err = auth.NewOIDCAuth(ctx, cfg.Auth.OIDC)
		cancel()
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		logger.Info("server: oidc authentication enabled", "issuer", oidcAuth.Issuer())
	}
	var totpVerifier *approvals.TOTPVerifier
	if cfg.Approvals.TOTP.Required {
		totpVerifier, err = approvals.LoadTOTPVerifier(cfg.Approvals.TOTP.SecretsFile)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		logger.Info("server: totp step-up required for decisions", "secrets_file", cfg.Approvals.TOTP.SecretsFile)
	}

	kill := emergency.NewKillSwitch(orch, logger)
	app := api.NewApp(cfg, api.Deps{
		Orchestrator: orch,
		KillSwitch:   kill,
		Broker:       broker,
		APIKeyAuth:   apiKeyAuth,
		OIDCAuth:     oidcAuth,
		TOTP:         totpVerifier,
		Metrics:      metricsCollector,
		History:      db,
		Logger:       logger,
	})

	maxReqBytes, _ := config.ParseByteSize(cfg.Server.HTTP.MaxRequestSize)
	s := &http.Server{
		Addr:              cfg.Server.HTTP.Addr,
		Handler:           withRequestBodyLimit(app.Router(), maxReqBytes),
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       config.MustDuration(cfg.Server.HTTP.ReadTimeout),
		WriteTimeout:      config.MustDuration(cfg.Server.HTTP.WriteTimeout),
	}

	srv := &Server{
		logger:     logger,
		httpServer: s,
		orch:       orch,
		kill:       kill,
		store:      store,
		db:         db,
		broker:     broker,
		retention:  retention,
		interval:   interval,
	}

	if len(cfg.Notifications.Webhooks) > 0 {
		d, err := notifier(cfg.Notifications, logger)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		srv.notify = d
	}

	if cfg.Policies.Watch && cfg.Policies.File != "" {
		w, err := hotreload.NewPolicyWatcher(hotreload.WatcherConfig{
			PolicyFile: cfg.Policies.File,
			Loader:     orch,
			Debounce:   config.MustDuration(cfg.Policies.Debounce),
			Logger:     logger,
			OnChange: func(path string, err error) {
				if err != nil {
					logger.Error("server: policy reload rejected; keeping current policy", "path", path, "error", err)
				}
			},
		})
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		srv.watcher = w
	}

	ln, err := listenHTTP(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	srv.httpLn = ln
	return srv, nil
}

func extraSinks(cfg *config.Config, logger *slog.Logger) ([]storepkg.AuditStore, error) {
	var out []storepkg.AuditStore
	if cfg.Audit.Output != "" {
		rot := cfg.Audit.Rotation
		js, err := jsonl.New(jsonl.Options{
			Path:       cfg.Audit.Output,
			MaxSizeMB:  rot.MaxSizeMB,
			MaxBackups: rot.MaxBackups,
			MaxEntries: rot.MaxEntries,
			MaxAge:     config.MustDuration(rot.MaxAge),
			Retention:  config.MustDuration(rot.Retention),
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, js)
	}
	if cfg.Audit.Webhook.URL != "" {
		whc := cfg.Audit.Webhook
		wh, err := webhook.New(webhook.Options{
			URL:           whc.URL,
			Headers:       whc.Headers,
			BatchSize:     whc.BatchSize,
			FlushInterval: config.MustDuration(whc.FlushInterval),
			Timeout:       config.MustDuration(whc.Timeout),
			MaxRetries:    whc.MaxRetries,
			RetryInterval: config.MustDuration(whc.RetryInterval),
			MaxQueue:      whc.MaxQueue,
			Logger:        logger,
		})
		if err != nil {
			for _, s := range out {
				_ = s.Close()
			}
			return nil, err
		}
		out = append(out, wh)
	}
	if oc := cfg.Audit.OTEL; oc.Enabled {
		ot, err := otelstore.New(context.Background(), otelstore.Config{
			Endpoint:     oc.Endpoint,
			Protocol:     oc.Protocol,
			TLSEnabled:   oc.TLS.Enabled,
			TLSCertFile:  oc.TLS.CertFile,
			TLSKeyFile:   oc.TLS.KeyFile,
			TLSInsecure:  oc.TLS.Insecure,
			Headers:      oc.Headers,
			Timeout:      config.MustDuration(oc.Timeout),
			BatchTimeout: config.MustDuration(oc.BatchTimeout),
			BatchMaxSize: oc.BatchMaxSize,
			Filter: otelstore.Filter{
				IncludeOperations: oc.Filter.IncludeOperations,
				ExcludeOperations: oc.Filter.ExcludeOperations,
				Outcomes:          oc.Filter.Outcomes,
				MinRiskScore:      oc.Filter.MinRiskScore,
			},
			Resource: otelstore.BuildResource("agentgate", oc.ResourceAttributes),
		})
		if err != nil {
			for _, s := range out {
				_ = s.Close()
			}
			return nil, err
		}
		out = append(out, ot)
	}
	return out, nil
}

func notifier(cfg config.NotificationsConfig, logger *slog.Logger) (*notify.Dispatcher, error) {
	d := notify.NewDispatcher(nil, logger)
	for _, wh := range cfg.Webhooks {
		tmpl := wh.Template
		if tmpl == "" && wh.Format == "slack" {
			tmpl = notify.SlackTemplate
		}
		if err := d.Register(notify.Hook{
			Name:       wh.Name,
			URL:        wh.URL,
			Method:     wh.Method,
			Headers:    wh.Headers,
			Template:   tmpl,
			Events:     wh.Events,
			Timeout:    config.MustDuration(wh.Timeout),
			RetryCount: wh.RetryCount,
			RetryDelay: config.MustDuration(wh.RetryDelay),
		}); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// integrityChain builds the HMAC chain and continues it from the last
// chained entry in db.
func integrityChain(cfg config.AuditIntegrityConfig, db *sqlite.Store) (*audit.IntegrityChain, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	key, err := keysource.Load(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("audit integrity: %w", err)
	}
	chain, err := audit.NewIntegrityChainWithAlgorithm(key, cfg.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("audit integrity: %w", err)
	}
	last, ok, err := db.LastIntegrity(context.Background())
	if err != nil {
		return nil, err
	}
	if ok {
		chain.Restore(last.Sequence, last.EntryHash)
	}
	return chain, nil
}

// Orchestrator exposes the assembled orchestrator.
func (s *Server) Orchestrator() *consent.Orchestrator { return s.orch }

// KillSwitch exposes the emergency stop switch.
func (s *Server) KillSwitch() *emergency.KillSwitch { return s.kill }

// Handler returns the HTTP handler, body limit included.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Addr() string {
	if s == nil || s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go s.orch.Run(ctx)
	go s.pruneHistory(ctx)
	if s.notify != nil {
		go s.notify.Run(ctx, s.broker)
	}

	if s.watcher != nil {
		if err := s.watcher.Start(ctx); err != nil {
			s.logger.Error("server: policy watcher not started", "error", err)
		} else {
			defer s.watcher.Stop()
		}
	}

	s.logger.Info("server: listening", "addr", s.Addr())
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		// Waiting requests cannot outlive the process; deny them so each one
		// is audited before the listener goes away.
		s.orch.Halt()
		if n := s.orch.EmergencyStop("server shutting down"); n > 0 {
			s.logger.Warn("server: denied waiting requests on shutdown", "count", n)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}
}

// pruneHistory drops persisted entries older than the retention window.
func (s *Server) pruneHistory(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := s.db.Prune(ctx, now.Add(-s.retention))
			if err != nil {
				s.logger.Warn("server: audit history prune failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("server: audit history pruned", "entries", n)
			}
		}
	}
}

func (s *Server) Close() error {
	if s.httpLn != nil {
		_ = s.httpLn.Close()
		s.httpLn = nil
	}
	if s.store != nil {
		err := s.store.Close()
		s.store = nil
		return err
	}
	return nil
}

func withRequestBodyLimit(next http.Handler, maxBytes int64) http.Handler {
	if maxBytes <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func listenHTTP(cfg *config.Config) (net.Listener, error) {
	addr := cfg.Server.HTTP.Addr
	if !cfg.Server.TLS.Enabled {
		return net.Listen("tcp", addr)
	}
	cert, err := tls.LoadX509KeyPair(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}
	return tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12})
}

func isLoopbackListenAddr(addr string) bool {
	a := strings.TrimSpace(addr)
	if a == "" {
		return false
	}
	// ":8080" binds on all interfaces.
	if strings.HasPrefix(a, ":") {
		return false
	}
	host, _, err := net.SplitHostPort(a)
	if err != nil {
		host = a
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	// Unknown hostnames could resolve non-loopback.
	return false
}

var _ io.Closer = (*Server)(nil)
