package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/elazarl/goproxy"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"oidc-redirect-proxy/internal/config"
	"oidc-redirect-proxy/internal/handler"
	"oidc-redirect-proxy/internal/metrics"
	"oidc-redirect-proxy/internal/middleware"
	"oidc-redirect-proxy/internal/mitm"
	"oidc-redirect-proxy/internal/rewrite"
	"oidc-redirect-proxy/internal/service"
	"oidc-redirect-proxy/internal/upstream"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("oidc-redirect-proxy"),
		kong.Description("Intercepting proxy that rewrites OIDC auth responses into redirects back to the client."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newAuthority,
			upstream.NewTransport,
			newHooks,
			service.NewInterceptService,
			newProxy,
			newEcho,
			newHealthHandler,
			handler.NewCAHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startProxyServer, startAdminServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newAuthority(cfg *config.Config, logger *slog.Logger) (*mitm.Authority, error) {
	return mitm.LoadOrCreateCA(cfg.MITM.CADir, cfg.MITM.CAKeyBits, logger)
}

// newHooks lists the response hooks in the order they run.
func newHooks() []service.ResponseHook {
	return []service.ResponseHook{
		rewrite.NewRedirectRewriter(),
	}
}

func newProxy(cfg *config.Config, ca *mitm.Authority, svc *service.InterceptService, tr *upstream.Transport, logger *slog.Logger) *goproxy.ProxyHttpServer {
	return mitm.NewProxy(cfg, ca, svc, tr, logger)
}

func newHealthHandler(cfg *config.Config, v handler.Version, svc *service.InterceptService) *handler.HealthHandler {
	return handler.NewHealthHandler(cfg, v, svc)
}

func newEcho(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	e.Server.WriteTimeout = 30 * time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger, "/healthz", cfg.Metrics.Path))
	e.Use(middleware.AdminMetrics(m))
	e.Use(middleware.SecurityHeaders())

	if cfg.Admin.RateLimit.Enabled {
		e.Use(middleware.RateLimit(cfg.Admin.RateLimit.RequestsPerSecond))
		logger.Info("admin rate limiter enabled", "rps", cfg.Admin.RateLimit.RequestsPerSecond)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startProxyServer(lc fx.Lifecycle, proxy *goproxy.ProxyHttpServer, ca *mitm.Authority, tr *upstream.Transport, cfg *config.Config, logger *slog.Logger) {
	// No write timeout: CONNECT tunnels stay open for the life of the
	// client connection.
	srv := &http.Server{
		Handler:           proxy,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Proxy.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting proxy",
				"addr", addr,
				"mitm_hosts", cfg.MITM.Hosts,
				"ca_cert", ca.CertPath,
				"ca_fingerprint", ca.Fingerprint(),
			)
			if u := tr.ProxyURL(); u != nil {
				logger.Info("chaining through upstream proxy", "proxy", u.Redacted())
			}
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("proxy server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down proxy")
			defer tr.CloseIdleConnections()
			return srv.Shutdown(ctx)
		},
	})
}

func startAdminServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Admin.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting admin server", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("admin server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down admin server")
			return e.Shutdown(ctx)
		},
	})
}
