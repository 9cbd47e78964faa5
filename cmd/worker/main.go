package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/chuckstables/fishtest/pkg/agent"
	"github.com/chuckstables/fishtest/pkg/config"
	"github.com/chuckstables/fishtest/pkg/logging"
	"github.com/chuckstables/fishtest/pkg/retry"
	"github.com/chuckstables/fishtest/pkg/shutdown"
	tlsutil "github.com/chuckstables/fishtest/pkg/tls"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (env FISHTEST_* overrides it)")
	concurrency := flag.Int("concurrency", -1, "Games to play in parallel (overrides config, 0 uses every core)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(agent.Version)
		return
	}

	cfg, err := config.LoadWorker(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *concurrency >= 0 {
		cfg.Concurrency = *concurrency
	}

	level := logging.ParseLevel(cfg.Log.Level)
	var logger *logging.Logger
	if cfg.Log.Dir == "" {
		logger = logging.NewLogger(level, cfg.Log.JSONLogs()).WithField("component", "worker")
	} else if logger, err = logging.NewFileLogger(cfg.Log.Dir, "worker", level, cfg.Log.JSONLogs()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Worker failed", logging.Fields{"error": err})
		logger.Close()
		os.Exit(1)
	}
	logger.Close()
}

func run(cfg *config.WorkerConfig, logger *logging.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(filepath.Join(cfg.WorkDir, "pgn"), 0o755); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}

	nps := cfg.BaseNPS
	if nps <= 0 {
		res, err := agent.Bench(ctx, cfg.EnginePath)
		if err != nil {
			return fmt.Errorf("failed to measure engine speed: %w", err)
		}
		nps = res.NPS
		logger.Info("Engine benchmarked", logging.Fields{"nps": int64(nps), "signature": res.Nodes})
	}
	if nps < agent.MinNPS {
		return fmt.Errorf("%w: %.0f nps", agent.ErrMachineTooSlow, nps)
	}

	capability, err := agent.DetectCapability(cfg.Concurrency, nps)
	if err != nil {
		return err
	}

	name := cfg.Name
	if name == "" {
		if name, err = os.Hostname(); err != nil {
			name = "worker"
		}
	}
	// A fresh id per process: a restarted worker never inherits old claims.
	workerID := uuid.NewString()

	httpClient, err := tlsutil.HTTPClient(cfg.TLS, cfg.RequestTimeout)
	if err != nil {
		return err
	}
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxRetries = cfg.UpdateRetries
	client := agent.NewClient(cfg.CoordinatorURL, workerID,
		agent.WithHTTPClient(httpClient),
		agent.WithAPIKey(cfg.APIKey),
		agent.WithRetry(retryCfg),
	)

	runner := &agent.ExecRunner{Path: cfg.RunnerPath, Dir: cfg.WorkDir, Logger: logger}
	worker := agent.NewWorker(workerID, agent.WorkerConfig{
		Name:       name,
		Capability: capability,
		EnginePath: cfg.EnginePath,
		WorkDir:    cfg.WorkDir,
		PollMin:    cfg.PollMin,
		PollMax:    cfg.PollMax,
		BenchTasks: cfg.BenchTasks,
	}, client, runner, logger)

	logger.Info("Worker starting", logging.Fields{
		"worker_id":   workerID,
		"name":        name,
		"coordinator": cfg.CoordinatorURL,
		"concurrency": capability.Concurrency,
		"cpu":         capability.CPUModel,
		"version":     agent.Version,
	})

	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	shutdownMgr := shutdown.New(time.Minute, logger)
	shutdownMgr.Register("worker loop", func(sctx context.Context) error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-sctx.Done():
			return sctx.Err()
		}
	})
	if err := shutdownMgr.WaitWithContext(ctx); err != nil {
		return err
	}
	return shutdownMgr.Shutdown()
}
