package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/nbworkflows/labflow/internal/agent"
	"github.com/nbworkflows/labflow/internal/artifacts"
	"github.com/nbworkflows/labflow/internal/config"
	"github.com/nbworkflows/labflow/internal/events"
	"github.com/nbworkflows/labflow/internal/logging"
	"github.com/nbworkflows/labflow/internal/registry"
	"github.com/nbworkflows/labflow/internal/substrate"
	"github.com/nbworkflows/labflow/internal/worker"
)

func main() {
	cfg := config.DefaultAgentConfig()

	var qnames string
	flag.StringVar(&cfg.Name, "name", envOr("LF_AGENT_NAME", ""), "Agent name (default: derived from machine id)")
	flag.StringVar(&cfg.Cluster, "cluster", envOr("LF_CLUSTER", cfg.Cluster), "Cluster this node serves")
	flag.StringVar(&qnames, "qnames", envOr("LF_QNAMES", strings.Join(cfg.QNames, ",")), "Comma-separated queue names")
	flag.IntVar(&cfg.WorkersN, "workers", config.EnvInt("LF_WORKERS_N", cfg.WorkersN), "Number of concurrent workers")
	flag.StringVar(&cfg.MachineID, "machine-id", os.Getenv("LF_MACHINE_ID"), "Machine id (generated when empty)")
	flag.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "Control-plane URL")
	flag.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "Redis address for the queue/KV substrate")
	flag.StringVar(&cfg.WorkDir, "workdir", cfg.WorkDir, "Scratch directory (default $TMPDIR/labflow-agent)")
	flag.DurationVar(&cfg.HeartbeatTTL, "heartbeat-ttl", cfg.HeartbeatTTL, "Agent liveness TTL")
	flag.DurationVar(&cfg.CheckEvery, "heartbeat-every", cfg.CheckEvery, "Heartbeat refresh interval")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text, json)")
	basePath := flag.String("basepath", os.Getenv("LF_BASEPATH"), "Filesystem artifact root shared with the server")
	s3Bucket := flag.String("s3-bucket", os.Getenv("LF_S3_BUCKET"), "S3 bucket for artifacts (overrides --basepath)")
	eventTTL := flag.Duration("event-ttl", config.DefaultServerConfig().EventTTL, "Per-execution event stream TTL")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	if *debug {
		cfg.LogLevel = "debug"
	}
	if qnames != "" {
		cfg.QNames = strings.Split(qnames, ",")
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "labflow-agent")
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	sub := substrate.NewRedis(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB, logger)
	reg := registry.New(sub, logger)
	bus := events.New(sub, *eventTTL, logger)
	control := worker.NewClient(cfg.ServerURL, cfg.AgentToken)
	runner := &worker.OSCommandRunner{}

	var sink artifacts.Store
	if *s3Bucket != "" {
		s3, err := artifacts.NewS3Store(context.Background(), *s3Bucket, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "s3 artifacts: %v\n", err)
			os.Exit(1)
		}
		sink = s3
	} else {
		if *basePath == "" {
			*basePath = filepath.Join(cfg.WorkDir, "artifacts")
		}
		sink = artifacts.NewFSStore(*basePath, logger)
	}

	nb := worker.NewNotebookDispatcher(runner, control, bus, sink, worker.NotebookConfig{
		WorkDir:   cfg.WorkDir,
		ServerURL: cfg.ServerURL,
		RunLocal:  cfg.RunLocal,
	}, logger)
	bd := worker.NewBuildDispatcher(runner, control, bus, sink, cfg.WorkDir, logger)

	a, err := agent.New(cfg, reg, sub, nb, bd, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init agent: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting agent",
		"cluster", cfg.Cluster,
		"queues", cfg.QNames,
		"workers", cfg.WorkersN,
		"server", cfg.ServerURL,
	)

	if err := a.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "agent error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("agent stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
