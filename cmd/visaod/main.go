// Command visaod serves the image analysis API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/visao-labs/visao"
	"github.com/visao-labs/visao/internal/auth"
	"github.com/visao-labs/visao/internal/history"
	"github.com/visao-labs/visao/internal/logging"
	"github.com/visao-labs/visao/internal/ratelimit"
	"github.com/visao-labs/visao/internal/version"
)

func main() {
	if err := run(); err != nil {
		logging.Logger.Error("visaod failed", "error", err.Error())
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	analyzer, err := visao.NewFromConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("building analyzer: %w", err)
	}
	defer analyzer.Close()
	for _, b := range analyzer.Backends() {
		logging.Logger.Info("backend ready", "backend", b.Name, "mode", string(b.Mode))
	}

	srv := &server{analyzer: analyzer, maxUpload: cfg.Server.MaxUploadBytes}

	srv.verifier, err = buildVerifier(ctx, cfg.Auth)
	if err != nil {
		return err
	}

	if cfg.History.Driver != "" {
		store, err := history.Open(cfg.History.Driver, cfg.History.DSN)
		if err != nil {
			return fmt.Errorf("opening history store: %w", err)
		}
		defer func() { _ = store.Close() }()
		srv.history = history.NewService(store)
		if srv.verifier == nil {
			logging.Logger.Warn("history store configured without auth; history endpoints are disabled")
		}
	}

	opts := routerOptions{corsOrigins: cfg.Server.CORSOrigins}
	if rl := cfg.Server.RateLimit; rl != nil {
		opts.clientLimit = ratelimit.NewStore(rl.RequestsPerSecond, rl.Burst, 10*time.Minute)
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newRouter(srv, opts),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logging.Logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logging.Logger.Error("shutdown error", "error", err.Error())
		}
	}()

	logging.Logger.Info("visaod listening", "version", version.Short(), "addr", cfg.Server.Addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	logging.Logger.Info("server stopped")
	return nil
}

// loadConfig reads VISAO_CONFIG when set and otherwise enables backends from
// their API key variables. PORT and CORS_ORIGINS override the file.
func loadConfig() (visao.Config, error) {
	var cfg visao.Config
	if path := os.Getenv("VISAO_CONFIG"); path != "" {
		loaded, err := visao.LoadConfig(path)
		if err != nil {
			return cfg, err
		}
		cfg = *loaded
	} else {
		cfg = visao.ConfigFromEnv()
		if len(cfg.Backends) == 0 {
			return cfg, fmt.Errorf("no backends configured: set VISAO_CONFIG or an API key such as GOOGLE_VISION_API_KEY, GEMINI_API_KEY or OPENAI_API_KEY")
		}
	}

	if p := os.Getenv("PORT"); p != "" {
		cfg.Server.Addr = ":" + p
	}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.Server.CORSOrigins = strings.Split(origins, ",")
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}

	if err := visao.ValidateConfig(cfg); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// buildVerifier returns nil when auth is disabled.
func buildVerifier(ctx context.Context, ac visao.AuthConfig) (auth.Verifier, error) {
	switch ac.Mode {
	case "", visao.AuthNone:
		return nil, nil
	case visao.AuthFirebase:
		return auth.NewFirebase(ctx, ac.ProjectID)
	case visao.AuthOIDC:
		return auth.NewOIDC(ctx, ac.Issuer, ac.Audience)
	case visao.AuthHMAC:
		return auth.NewHMAC(os.Getenv(ac.SecretEnv), ac.Issuer, ac.Audience)
	default:
		return nil, fmt.Errorf("unknown auth mode %q", ac.Mode)
	}
}
