package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	oauth "github.com/giantswarm/oauth-issuer"
	"github.com/giantswarm/oauth-issuer/clients"
	"github.com/giantswarm/oauth-issuer/delivery"
	"github.com/giantswarm/oauth-issuer/identity/sqlstore"
	"github.com/giantswarm/oauth-issuer/instrumentation"
	"github.com/giantswarm/oauth-issuer/keys"
	"github.com/giantswarm/oauth-issuer/providers"
	"github.com/giantswarm/oauth-issuer/providers/password"
	"github.com/giantswarm/oauth-issuer/security"
	"github.com/giantswarm/oauth-issuer/server"
	"github.com/giantswarm/oauth-issuer/storage"
	"github.com/giantswarm/oauth-issuer/storage/memory"
	"github.com/giantswarm/oauth-issuer/storage/redis"
	"github.com/giantswarm/oauth-issuer/storage/valkey"
	"github.com/giantswarm/oauth-issuer/subject"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the issuer HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			v, err := newViper(cmd, configFile)
			if err != nil {
				return err
			}
			cfg, err := loadServeConfig(v)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, slog.Default())
		},
	}
	addServeFlags(cmd.Flags())
	return cmd
}

func serve(ctx context.Context, cfg *serveConfig, logger *slog.Logger) error {
	exporter := instrumentation.MetricsExporterNone
	if cfg.Metrics {
		exporter = instrumentation.MetricsExporterPrometheus
	}
	inst, err := instrumentation.New(instrumentation.Config{
		Enabled:         cfg.Metrics,
		ServiceVersion:  version,
		MetricsExporter: exporter,
		LogClientIPs:    cfg.LogClientIPs,
	})
	if err != nil {
		return fmt.Errorf("failed to set up instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to shut down instrumentation", "error", err)
		}
	}()

	kv, closeKV, err := openKV(ctx, cfg, logger, inst)
	if err != nil {
		return err
	}
	defer closeKV()

	users, err := sqlstore.Open(ctx, sqlstore.Dialect(cfg.DBDriver), cfg.DBDSN, logger)
	if err != nil {
		return err
	}
	defer func() { _ = users.Close() }()

	registry, err := clients.LoadFile(cfg.ClientsFile)
	if err != nil {
		return err
	}
	logger.Info("Loaded client registry", "file", cfg.ClientsFile, "clients", registry.IDs())

	km, err := newKeyManager(ctx, cfg, logger)
	if err != nil {
		return err
	}

	auditor := security.NewAuditor(logger, true)

	challenges := storage.NewChallengeStore(kv, logger)
	codes := storage.NewCodeStore(kv, 0, logger)
	flows := storage.NewFlowStore(kv, 0, logger)
	refresh := storage.NewRefreshStore(kv, 0, logger)
	if cfg.EncryptionKey != "" {
		key, err := security.KeyFromBase64(cfg.EncryptionKey)
		if err != nil {
			return err
		}
		enc, err := security.NewEncryptor(key)
		if err != nil {
			return err
		}
		challenges.SetEncryptor(enc)
		codes.SetEncryptor(enc)
		flows.SetEncryptor(enc)
		refresh.SetEncryptor(enc)
	}

	// Codes go to stderr until a mail transport is configured.
	emailLimiter := security.NewRateLimiter(rate.Every(time.Minute), 3, logger)
	defer emailLimiter.Stop()
	pw, err := password.New(password.Config{
		Challenges:      challenges,
		Pepper:          []byte(cfg.Pepper),
		Sender:          delivery.Logging(delivery.NewWriterSender(os.Stderr), logger),
		CodeTTL:         cfg.LoginCodeTTL,
		RateLimiter:     emailLimiter,
		Auditor:         auditor,
		Instrumentation: inst,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	providerSet, err := providers.NewSet(pw)
	if err != nil {
		return err
	}

	subjects, err := subject.New(subject.DefaultSchemas())
	if err != nil {
		return err
	}

	srv, err := server.New(server.Dependencies{
		Clients:   registry,
		Providers: providerSet,
		Subjects:  subjects,
		Keys:      km,
		Codes:     codes,
		Flows:     flows,
		Refresh:   refresh,
	}, &server.Config{
		Issuer:            cfg.Issuer,
		AccessTokenTTL:    cfg.AccessTokenTTL,
		AllowInsecureHTTP: cfg.AllowInsecureHTTP,
		TrustProxy:        cfg.TrustProxy,
		Success:           server.UserSubject(users),
	}, logger)
	if err != nil {
		return err
	}
	srv.SetAuditor(auditor)
	srv.SetInstrumentation(inst)

	handler := oauth.NewHandler(srv, &oauth.Config{
		RateLimit: oauth.RateLimitConfig{Rate: cfg.RateLimit, Burst: cfg.RateBurst},
		Logger:    logger,
	})
	defer handler.Close()

	router := chi.NewRouter()
	if promHandler := inst.PrometheusHandler(); promHandler != nil {
		router.Handle("/metrics", promHandler)
	}
	router.Mount("/", handler.Routes())

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting issuer", "addr", cfg.Addr, "issuer", cfg.Issuer,
			"storage", cfg.Storage, "metrics", cfg.Metrics, "version", version)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down issuer")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openKV(ctx context.Context, cfg *serveConfig, logger *slog.Logger, inst *instrumentation.Instrumentation) (storage.KV, func(), error) {
	switch cfg.Storage {
	case "valkey":
		s, err := valkey.New(valkey.Config{Address: cfg.StorageAddr, Password: cfg.StoragePassword, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "redis":
		s, err := redis.New(ctx, redis.Config{URL: cfg.StorageAddr, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		logger.Warn("Using in-memory storage, single-use codes and tokens are only guaranteed for a single instance",
			"to_fix", "--storage valkey or --storage redis")
		s := memory.New()
		s.SetLogger(logger)
		s.SetInstrumentation(inst)
		return s, s.Stop, nil
	}
}

func newKeyManager(ctx context.Context, cfg *serveConfig, logger *slog.Logger) (*keys.Manager, error) {
	var provider keys.KeyProvider
	if cfg.SigningKey != "" {
		fp, err := keys.NewFileProvider(cfg.SigningKey, cfg.VerificationKeys...)
		if err != nil {
			return nil, err
		}
		provider = fp
	} else {
		logger.Warn("No signing key configured, tokens will not verify after a restart",
			"to_fix", "issuer keys generate --out signing.pem && issuer serve --signing-key signing.pem")
		provider = keys.NewGeneratingProvider(logger)
	}
	return keys.NewManager(ctx, provider, cfg.Issuer, logger)
}
