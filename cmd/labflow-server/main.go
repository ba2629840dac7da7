package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nbworkflows/labflow/internal/artifacts"
	"github.com/nbworkflows/labflow/internal/auth"
	"github.com/nbworkflows/labflow/internal/autoscaler"
	"github.com/nbworkflows/labflow/internal/cloud"
	"github.com/nbworkflows/labflow/internal/config"
	"github.com/nbworkflows/labflow/internal/dispatch"
	"github.com/nbworkflows/labflow/internal/events"
	"github.com/nbworkflows/labflow/internal/labfile"
	"github.com/nbworkflows/labflow/internal/logging"
	"github.com/nbworkflows/labflow/internal/registry"
	"github.com/nbworkflows/labflow/internal/server"
	"github.com/nbworkflows/labflow/internal/store"
	"github.com/nbworkflows/labflow/internal/substrate"
	"github.com/nbworkflows/labflow/internal/worker"
)

func main() {
	cfg := config.DefaultServerConfig()

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "Listen address")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text, json)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Database path (default ~/.labflow/labflow.db)")
	flag.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "Redis address for the queue/KV substrate")
	flag.StringVar(&cfg.BasePath, "basepath", cfg.BasePath, "Filesystem artifact root (default ~/.labflow/artifacts)")
	flag.StringVar(&cfg.S3Bucket, "s3-bucket", cfg.S3Bucket, "S3 bucket for artifacts (overrides --basepath)")
	flag.StringVar(&cfg.ClustersFile, "clusters", cfg.ClustersFile, "clusters.yaml enabling the autoscaler")
	flag.DurationVar(&cfg.TriggerInterval, "trigger-interval", cfg.TriggerInterval, "Schedule trigger tick")
	flag.DurationVar(&cfg.ScaleInterval, "scale-interval", cfg.ScaleInterval, "Autoscaler reconciliation tick")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")

	agentToken := flag.String("agent-token", os.Getenv("LF_AGENT_TOKEN"), "Token deployed agents authenticate with")
	agentImage := flag.String("agent-image", "nbworkflows/labflow-agent:latest", "Agent container image deployed to new machines")
	serviceURL := flag.String("service-url", os.Getenv("LF_WORKFLOW_SERVICE"), "URL deployed agents reach this server at")
	awsRegion := flag.String("aws-region", "", "AWS region for the ec2 provider")
	sshUser := flag.String("ssh-user", "admin", "SSH user for agent deployment")
	sshKey := flag.String("ssh-key", "", "SSH private key path for agent deployment")
	flag.Parse()

	if *debug {
		cfg.LogLevel = "debug"
	}
	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	if cfg.SecretKey == "" {
		fmt.Fprintln(os.Stderr, "LF_SECRET_KEY must be set")
		os.Exit(1)
	}

	// Resolve filesystem defaults under ~/.labflow.
	base, err := resolveBase()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(base, "labflow.db")
	}
	if cfg.BasePath == "" {
		cfg.BasePath = filepath.Join(base, "artifacts")
	}

	st, err := store.NewSQLiteStore(cfg.DBPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.Migrate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "migrate database: %v\n", err)
		os.Exit(1)
	}
	logger.Info("database ready", "path", cfg.DBPath)

	sub := substrate.NewRedis(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB, logger)

	var art artifacts.Store
	if cfg.S3Bucket != "" {
		art, err = artifacts.NewS3Store(context.Background(), cfg.S3Bucket, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "s3 artifacts: %v\n", err)
			os.Exit(1)
		}
		logger.Info("artifacts on s3", "bucket", cfg.S3Bucket)
	} else {
		art = artifacts.NewFSStore(cfg.BasePath, logger)
		logger.Info("artifacts on filesystem", "path", cfg.BasePath)
	}

	tokens := auth.NewTokenCodec(cfg.SecretKey, cfg.AccessTokenTTL)
	refresh := auth.NewRefreshStore(sub, cfg.RefreshTokenTTL)
	bus := events.New(sub, cfg.EventTTL, logger)
	reg := registry.New(sub, logger)
	dsp := dispatch.New(st, sub, sub, logger)
	trigger := dispatch.NewTrigger(dsp, sub, cfg.TriggerInterval, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverOpts := []server.Option{}

	// The autoscaler only runs when a clusters file is configured.
	var scaler *autoscaler.Scaler
	if cfg.ClustersFile != "" {
		cf, mf, err := labfile.LoadClusters(cfg.ClustersFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load clusters: %v\n", err)
			os.Exit(1)
		}
		serverOpts = append(serverOpts, server.WithClusters(cf))

		runner := &worker.OSCommandRunner{}
		providers := map[string]cloud.Provider{
			"local": cloud.NewLocalProvider(runner, *agentImage, logger),
		}
		if ec2, err := cloud.NewEC2Provider(ctx, *awsRegion, runner, logger); err != nil {
			logger.Warn("ec2 provider unavailable", "error", err)
		} else {
			providers["ec2"] = ec2
		}

		scaler = autoscaler.New(reg, sub, providers, cf.List(), mf.Machines,
			autoscaler.DeployConfig{
				ServiceURL: *serviceURL,
				AgentToken: *agentToken,
				AgentImage: *agentImage,
				SSHUser:    *sshUser,
				SSHKeyPath: *sshKey,
			}, cfg.ScaleInterval, logger)
		go scaler.Start(ctx)
		logger.Info("autoscaler enabled", "clusters", len(cf.Clusters))
	}

	srv := server.New(cfg, st, dsp, bus, art, tokens, refresh, reg, sub, logger, serverOpts...)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
	}

	go func() {
		if err := trigger.Start(ctx); err != nil && err != context.Canceled {
			logger.Error("trigger failed", "error", err)
		}
	}()

	go func() {
		logger.Info("server starting", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	if scaler != nil {
		scaler.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func resolveBase() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".labflow")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("cannot create %s: %w", dir, err)
	}
	return dir, nil
}
