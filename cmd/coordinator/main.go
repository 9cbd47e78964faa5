package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/chuckstables/fishtest/pkg/api"
	"github.com/chuckstables/fishtest/pkg/auth"
	"github.com/chuckstables/fishtest/pkg/cleanup"
	"github.com/chuckstables/fishtest/pkg/config"
	"github.com/chuckstables/fishtest/pkg/logging"
	"github.com/chuckstables/fishtest/pkg/metrics"
	"github.com/chuckstables/fishtest/pkg/ratelimit"
	"github.com/chuckstables/fishtest/pkg/scheduler"
	"github.com/chuckstables/fishtest/pkg/shutdown"
	"github.com/chuckstables/fishtest/pkg/store"
	tlsutil "github.com/chuckstables/fishtest/pkg/tls"
	"github.com/chuckstables/fishtest/pkg/tracing"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (env FISHTEST_* overrides it)")
	generateCert := flag.Bool("generate-cert", false, "Generate a self-signed certificate at tls.cert_file/tls.key_file and exit")
	certHosts := flag.String("cert-hosts", "", "Comma-separated extra IPs and hostnames for the generated certificate")
	flag.Parse()

	cfg, err := config.LoadCoordinator(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	if *generateCert {
		if err := generateCertificate(cfg.TLS, *certHosts); err != nil {
			logger.Error("Failed to generate certificate", logging.Fields{"error": err})
			os.Exit(1)
		}
		logger.Info("Certificate generated", logging.Fields{"cert": cfg.TLS.CertFile, "key": cfg.TLS.KeyFile})
		return
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Coordinator failed", logging.Fields{"error": err})
		logger.Close()
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) (*logging.Logger, error) {
	level := logging.ParseLevel(cfg.Level)
	if cfg.Dir == "" {
		return logging.NewLogger(level, cfg.JSONLogs()).WithField("component", "coordinator"), nil
	}
	return logging.NewFileLogger(cfg.Dir, "coordinator", level, cfg.JSONLogs())
}

func generateCertificate(cfg config.TLSConfig, hosts string) error {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return errors.New("tls.cert_file and tls.key_file must be set")
	}
	var sans []string
	for _, h := range strings.Split(hosts, ",") {
		if h = strings.TrimSpace(h); h != "" {
			sans = append(sans, h)
		}
	}
	return tlsutil.GenerateSelfSignedCert(cfg.CertFile, cfg.KeyFile, "coordinator", sans...)
}

func run(cfg *config.CoordinatorConfig, logger *logging.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMgr := shutdown.New(30*time.Second, logger)

	persister, err := store.NewPersister(store.Config{
		Type: cfg.Database.Type,
		DSN:  cfg.Database.DSN,
		Path: cfg.Database.Path,
	})
	if err != nil {
		return fmt.Errorf("failed to open %s database: %w", cfg.Database.Type, err)
	}
	shutdownMgr.Register("persister", shutdown.CloseResource(persister))
	// Setup failures still release whatever was registered so far.
	fail := func(err error) error { return errors.Join(err, shutdownMgr.Shutdown()) }
	logger.Info("Persistence ready", logging.Fields{"type": cfg.Database.Type})

	tracer, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    "fishtest-coordinator",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return fail(err)
	}
	shutdownMgr.Register("tracer", tracer.Shutdown)

	m := metrics.New()
	sched := scheduler.New(scheduler.Config{
		LeaseTimeout:      cfg.Scheduler.LeaseTimeout,
		SweepInterval:     cfg.Scheduler.SweepInterval,
		GamesPerSlot:      cfg.Scheduler.GamesPerSlot,
		MaxTaskGames:      cfg.Scheduler.MaxTaskGames,
		WorkerStaleAfter:  cfg.Scheduler.WorkerStaleAfter,
		WorkerForgetAfter: cfg.Scheduler.WorkerForget,
	},
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(m),
		scheduler.WithPersister(persister),
		scheduler.WithTracer(tracer.Tracer()),
	)

	recovered, err := sched.Recover(ctx, persister)
	if err != nil {
		return fail(err)
	}
	logger.Info("State recovered", logging.Fields{"tests": recovered})

	sched.Start(ctx)
	shutdownMgr.Register("scheduler", sched.Stop)

	cleanupMgr := cleanup.NewCleanupManager(cleanup.CleanupConfig{
		Enabled:         cfg.Cleanup.Enabled,
		Retention:       cfg.Cleanup.Retention,
		CleanupInterval: cfg.Cleanup.Interval,
		VacuumInterval:  cfg.Cleanup.VacuumInterval,
		InitialDelay:    cleanup.DefaultConfig().InitialDelay,
	}, sched, persister, logger)
	cleanupMgr.Start(ctx)
	shutdownMgr.Register("cleanup", func(context.Context) error {
		cleanupMgr.Stop()
		return nil
	})

	router, err := buildRouter(ctx, cfg, logger, sched, persister, m, tracer)
	if err != nil {
		return fail(err)
	}

	apiServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if cfg.TLS.Enabled {
		tlsConfig, err := tlsutil.ServerConfig(cfg.TLS)
		if err != nil {
			return fail(err)
		}
		apiServer.TLSConfig = tlsConfig
	}

	metricsRouter := mux.NewRouter()
	metricsRouter.Handle("/metrics", metrics.NewExporter(m.Registry, sched.Stats)).Methods("GET")
	metricsRouter.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")
	metricsServer := &http.Server{
		Addr:         cfg.MetricsAddr,
		Handler:      metricsRouter,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Registered last so they stop first.
	shutdownMgr.Register("metrics server", shutdown.StopHTTPServer(metricsServer))
	shutdownMgr.Register("api server", shutdown.StopHTTPServer(apiServer))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("API server listening", logging.Fields{"addr": cfg.ListenAddr, "tls": cfg.TLS.Enabled})
		return serve(apiServer, cfg.TLS.Enabled)
	})
	g.Go(func() error {
		logger.Info("Metrics server listening", logging.Fields{"addr": cfg.MetricsAddr})
		return serve(metricsServer, false)
	})
	g.Go(func() error {
		err := shutdownMgr.WaitWithContext(gctx)
		if gctx.Err() != nil {
			// A server failed; stop the rest.
			shutdownMgr.Trigger("server error")
		}
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		return errors.Join(err, shutdownMgr.Shutdown())
	})

	return g.Wait()
}

func serve(server *http.Server, useTLS bool) error {
	var err error
	if useTLS {
		err = server.ListenAndServeTLS("", "")
	} else {
		err = server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", server.Addr, err)
	}
	return nil
}

func buildRouter(ctx context.Context, cfg *config.CoordinatorConfig, logger *logging.Logger,
	sched *scheduler.Scheduler, persister store.Persister, m *metrics.Metrics, tracer *tracing.Provider) (*mux.Router, error) {
	keys, err := auth.NewKeyChecker(cfg.Auth.APIKey, cfg.Auth.APIKeyHash)
	if err != nil {
		return nil, err
	}

	opts := []api.Option{
		api.WithLogger(logger),
		api.WithExchangeRecorder(m),
		api.WithHealthCheck(persister.HealthCheck),
		api.WithNoWorkRetry(cfg.Scheduler.NoWorkRetry),
	}
	if keys.Enabled() {
		opts = append(opts, api.WithWorkerMiddleware(keys.Middleware), api.WithOperatorMiddleware(keys.Middleware))
		logger.Info("API key authentication enabled")
	} else {
		logger.Warn("API key authentication disabled; set auth.api_key or auth.api_key_hash")
	}
	if cfg.RateLimit.Enabled {
		limiter := ratelimit.NewLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		opts = append(opts, api.WithWorkerMiddleware(limiter.Middleware(ratelimit.WorkerKeyFunc)))
		go func() {
			ticker := time.NewTicker(10 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n := limiter.CleanupOldLimiters(time.Hour); n > 0 {
						logger.Debug("Dropped idle rate limiters", logging.Fields{"count": n})
					}
				}
			}
		}()
	}

	router := mux.NewRouter()
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(metrics.NewBandwidthMonitor(m.Registry).Middleware)
	api.NewHandler(sched, opts...).RegisterRoutes(router)

	return router, nil
}
