package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/attestra/cdil/pkg/api"
	"github.com/attestra/cdil/pkg/bundle"
	"github.com/attestra/cdil/pkg/config"
	"github.com/attestra/cdil/pkg/gatekeeper"
	"github.com/attestra/cdil/pkg/issuer"
	"github.com/attestra/cdil/pkg/keyring"
	"github.com/attestra/cdil/pkg/ledger"
	"github.com/attestra/cdil/pkg/nonce"
	"github.com/attestra/cdil/pkg/observability"
	"github.com/attestra/cdil/pkg/phi"
	"github.com/attestra/cdil/pkg/store"
	"github.com/attestra/cdil/pkg/verifier"
)

// redisNonceTTL bounds how long a burned commit-token jti is remembered.
// It must outlive the longest token lifetime with margin for clock skew.
const redisNonceTTL = time.Hour

// runServeCmd implements `cdil serve`: validate configuration, wire the
// core, and run the HTTP server until SIGINT/SIGTERM.
//
// Exit codes:
//
//	0 = clean shutdown
//	1 = server failed at runtime
//	2 = configuration error
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if err := cfg.Validate(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: invalid configuration:\n%v\n", err)
		return 2
	}

	logger := slog.New(slog.NewJSONHandler(stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer st.Close()
	if err := st.Init(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	logger.Info("store ready", "driver", cfg.DBDriver)

	keywrap, err := cfg.KeywrapKey()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	sealer, err := keyring.NewAESSealer(keywrap)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	keys := keyring.NewRegistry(st, sealer)

	ver := verifier.New(keys, verifier.InProduction(true))
	lw := ledger.NewWriter(st)

	gate, err := gatekeeper.New([]byte(cfg.CommitSecret), ver, openNonces(cfg, st), lw)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	sink, err := openArchive(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	var bundleOpts []bundle.Option
	if sink != nil {
		bundleOpts = append(bundleOpts, bundle.WithArchive(sink))
		logger.Info("bundle archive ready", "backend", cfg.BundleArchive)
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTLPEndpoint != ""
	if obsCfg.Enabled {
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	telemetry, err := observability.New(ctx, obsCfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	srv := api.NewServer(api.Deps{
		Store:      st,
		Issuer:     issuer.New(st, keys, phi.NewGuard(), logger),
		Verifier:   ver,
		Keys:       keys,
		Gatekeeper: gate,
		Bundles:    bundle.NewPackager(st, keys, ver, lw, bundleOpts...),
		Auth:       api.NewAuthenticator([]byte(cfg.AuthSecret)),
		Limiter:    api.NewGlobalRateLimiter(cfg.RateRPS, cfg.RateBurst),
		Telemetry:  telemetry,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	logger.Info("cdil ready", "addr", cfg.Addr())

	select {
	case err := <-errCh:
		logger.Error("server failed", "error", err)
		return 1
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		return 1
	}
	if err := telemetry.Shutdown(shutCtx); err != nil {
		logger.Error("telemetry shutdown incomplete", "error", err)
	}
	return 0
}

// openStore selects the persistence engine from configuration.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		return store.OpenPostgres(cfg.DatabaseURL)
	case config.DriverSQLite:
		return store.OpenSQLite(cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unsupported CDIL_DB_DRIVER %q", cfg.DBDriver)
	}
}

// openNonces selects the commit-token burn backend. The SQL backend
// shares the certificate store; Redis keeps burns off the primary
// database for high-traffic EHR integrations.
func openNonces(cfg *config.Config, st store.Store) nonce.Store {
	if cfg.NonceBackend == config.NonceBackendRedis {
		return nonce.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, redisNonceTTL)
	}
	return nonce.NewSQL(st)
}

// openArchive builds the optional bundle mirror sink. Off returns nil.
func openArchive(ctx context.Context, cfg *config.Config) (bundle.Sink, error) {
	switch cfg.BundleArchive {
	case config.ArchiveOff:
		return nil, nil
	case config.ArchiveFS:
		return bundle.NewFSSink(cfg.ArchiveDir), nil
	case config.ArchiveS3:
		return bundle.NewS3Sink(ctx, bundle.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
	case config.ArchiveGCS:
		return bundle.NewGCSSink(ctx, cfg.GCSBucket, cfg.GCSPrefix)
	default:
		return nil, fmt.Errorf("unsupported CDIL_BUNDLE_ARCHIVE %q", cfg.BundleArchive)
	}
}
