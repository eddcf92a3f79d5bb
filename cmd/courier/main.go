package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/btouchard/courier/internal/api"
	apimw "github.com/btouchard/courier/internal/api/middleware"
	"github.com/btouchard/courier/internal/auth"
	"github.com/btouchard/courier/internal/config"
	"github.com/btouchard/courier/internal/dispatch"
	"github.com/btouchard/courier/internal/event"
	"github.com/btouchard/courier/internal/gateway"
	"github.com/btouchard/courier/internal/hub"
	"github.com/btouchard/courier/internal/metrics"
	"github.com/btouchard/courier/internal/notify"
	"github.com/btouchard/courier/internal/presence"
	"github.com/btouchard/courier/internal/store"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "version":
		fmt.Printf("courier %s\n", version)
	case "check":
		cmdCheck(os.Args[2:])
	case "token":
		cmdToken(os.Args[2:])
	case "rotate-secret":
		cmdRotateSecret(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: courier <command> [flags]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  serve          Start the Courier server\n")
	fmt.Fprintf(os.Stderr, "  check          Validate configuration\n")
	fmt.Fprintf(os.Stderr, "  token          Mint a connection token for a user\n")
	fmt.Fprintf(os.Stderr, "  rotate-secret  Replace the signing secret (invalidates all tokens)\n")
	fmt.Fprintf(os.Stderr, "  version        Print version\n")
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args) // ExitOnError handles errors

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg)

	slog.Info("starting courier",
		"version", version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func cmdCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args) // ExitOnError handles errors

	_, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("configuration is valid")
}

func cmdToken(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	user := fs.String("user", "", "user ID the token identifies (required)")
	ttl := fs.Duration("ttl", 0, "token lifetime (default auth.token_ttl)")
	publisher := fs.Bool("publisher", false, "grant "+auth.ScopePublish+" for producers posting to /api/events")
	_ = fs.Parse(args) // ExitOnError handles errors

	if *user == "" {
		fmt.Fprintln(os.Stderr, "token: -user is required")
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	a, err := newAuthenticator(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "auth error: %v\n", err)
		os.Exit(1)
	}

	lifetime := cfg.Auth.TokenTTL
	if *ttl > 0 {
		lifetime = *ttl
	}

	var scopes []string
	if *publisher {
		scopes = append(scopes, auth.ScopePublish)
	}

	token, err := a.Issue(event.UserID(*user), lifetime, scopes...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issuing token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
}

func cmdRotateSecret(args []string) {
	fs := flag.NewFlagSet("rotate-secret", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args) // ExitOnError handles errors

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	if cfg.Auth.JWTSecret != "" {
		fmt.Fprintln(os.Stderr, "auth.jwt_secret is set explicitly; change it in the config or environment instead")
		os.Exit(1)
	}

	if _, err := auth.RotateSecret(cfg.Auth.SecretDir); err != nil {
		fmt.Fprintf(os.Stderr, "rotating secret: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("secret rotated; previously issued tokens are no longer valid")
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch cfg.Server.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handlers := []slog.Handler{
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}),
	}

	if cfg.Server.LogFile != "" {
		f, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			slog.Warn("failed to open log file, using stdout only", "path", cfg.Server.LogFile, "error", err)
		} else {
			handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
		}
	}

	logger := slog.New(slog.NewMultiHandler(handlers...))
	slog.SetDefault(logger)
}

// newAuthenticator uses auth.jwt_secret when set, otherwise the secret
// persisted under auth.secret_dir.
func newAuthenticator(cfg *config.Config) (*auth.Authenticator, error) {
	secret := cfg.Auth.JWTSecret
	if secret == "" {
		s, err := auth.LoadOrCreateSecret(cfg.Auth.SecretDir)
		if err != nil {
			return nil, fmt.Errorf("loading secret: %w", err)
		}
		secret = s
	}

	var opts []auth.Option
	if cfg.Auth.Issuer != "" {
		opts = append(opts, auth.WithIssuer(cfg.Auth.Issuer))
	}
	opts = append(opts, auth.WithClockSkew(cfg.Auth.ClockSkew))

	return auth.NewAuthenticator(secret, opts...)
}

func run(ctx context.Context, cfg *config.Config) error {
	// --- SQLite Store ---
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = db.Close() }()

	db.SetRetention(time.Duration(cfg.Database.RetentionDays) * 24 * time.Hour)
	go db.StartCleanupLoop(ctx.Done(), cfg.Database.CleanupInterval)

	slog.Info("database opened", "path", cfg.Database.Path)

	// --- Auth ---
	authenticator, err := newAuthenticator(cfg)
	if err != nil {
		return fmt.Errorf("auth setup: %w", err)
	}

	// --- Delivery ---
	m := metrics.New()
	registry := presence.NewRegistry()
	topics := hub.New()
	persister := notify.NewStorePersister(db, cfg.Dispatch.NotificationTTL)

	dispatcher := dispatch.New(registry, topics, persister,
		dispatch.WithMaxConcurrentFallbacks(cfg.Dispatch.MaxConcurrentFallbacks),
		dispatch.WithMetrics(m))

	gw := gateway.New(authenticator, registry, topics, dispatcher,
		gateway.OptionsFromConfig(cfg.Realtime, cfg.Auth.HandshakeTimeout), m)

	apiHandler := api.NewHandler(dispatcher, db, registry)

	// --- HTTP Router ---
	r := chi.NewRouter()
	r.Use(apimw.SecurityHeaders)

	r.Handle(cfg.Realtime.Path, gw)
	r.Mount("/api", apiHandler.Routes(authenticator, m.RecordAuthFailure))
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"status":"ok","users_online":%d,"connections":%d}`, registry.Len(), gw.Len())
	})

	// --- HTTP Server ---
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("courier is ready", "addr", addr, "ws_path", cfg.Realtime.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by http.Server.
	gw.Close()

	return srv.Shutdown(shutdownCtx)
}
