// Package agent runs the node supervisor: it registers the node in the
// substrate, keeps its heartbeat lease alive, and supervises N worker
// loops claiming from the node's cluster queues.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/nbworkflows/labflow/internal/config"
	"github.com/nbworkflows/labflow/internal/registry"
	"github.com/nbworkflows/labflow/internal/substrate"
	"github.com/nbworkflows/labflow/internal/worker"
	"github.com/nbworkflows/labflow/pkg/model"
)

// Agent supervises one node: registration, heartbeat, worker loops.
type Agent struct {
	cfg      config.AgentConfig
	node     *model.AgentNode
	queues   []string
	reg      *registry.Registry
	queue    substrate.JobQueue
	notebook *worker.NotebookDispatcher
	build    *worker.BuildDispatcher
	logger   *slog.Logger
}

// New validates the agent configuration and prepares the node identity.
// The node name is derived from the machine id when not set explicitly;
// a machine id is generated when the config carries none.
func New(cfg config.AgentConfig, reg *registry.Registry, queue substrate.JobQueue, nb *worker.NotebookDispatcher, bd *worker.BuildDispatcher, logger *slog.Logger) (*Agent, error) {
	if cfg.WorkersN < 1 {
		return nil, model.NewBadInputError(fmt.Sprintf("workers must be >= 1, got %d", cfg.WorkersN))
	}
	if cfg.HeartbeatTTL <= cfg.CheckEvery {
		return nil, model.NewBadInputError(fmt.Sprintf(
			"heartbeat ttl %s must exceed check interval %s", cfg.HeartbeatTTL, cfg.CheckEvery))
	}
	if cfg.Cluster == "" {
		return nil, model.NewBadInputError("cluster is required")
	}
	if len(cfg.QNames) == 0 {
		return nil, model.NewBadInputError("at least one queue is required")
	}

	machineID := cfg.MachineID
	if machineID == "" {
		machineID = model.NewMachineID()
	}
	name := cfg.Name
	if name == "" {
		name = machineID
	}

	workers := make([]string, cfg.WorkersN)
	for i := range workers {
		workers[i] = fmt.Sprintf("%s.w%d", name, i)
	}

	node := &model.AgentNode{
		Name:      name,
		PID:       os.Getpid(),
		IP:        localIP(),
		Cluster:   cfg.Cluster,
		QNames:    cfg.QNames,
		Workers:   workers,
		MachineID: machineID,
		Birthday:  time.Now().Unix(),
	}

	queues := make([]string, len(cfg.QNames))
	for i, q := range cfg.QNames {
		queues[i] = cfg.Cluster + "." + q
	}

	return &Agent{
		cfg:      cfg,
		node:     node,
		queues:   queues,
		reg:      reg,
		queue:    queue,
		notebook: nb,
		build:    bd,
		logger:   logger.With("component", "agent", "agent", name),
	}, nil
}

// Node returns the agent's registered identity.
func (a *Agent) Node() *model.AgentNode { return a.node }

// Queues returns the cluster-prefixed queues the workers claim from.
func (a *Agent) Queues() []string { return a.queues }

// Run registers the node, starts the heartbeat and the worker loops, and
// blocks until the context is cancelled. The node is deregistered before
// Run returns.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.reg.Register(ctx, a.node); err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	// The first lease is taken synchronously so liveness checks never see
	// a registered agent without a heartbeat.
	if err := a.reg.RefreshHeartbeat(ctx, a.node.Name, a.cfg.HeartbeatTTL); err != nil {
		return fmt.Errorf("initial heartbeat: %w", err)
	}
	a.logger.Info("agent registered",
		"cluster", a.node.Cluster, "queues", a.queues, "workers", len(a.node.Workers))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.heartbeat(ctx)
	}()

	for _, name := range a.node.Workers {
		w := worker.NewWorker(name, a.queues, a.queue, a.reg, a.notebook, a.build, a.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				a.logger.Error("worker exited", "worker", w.Name(), "error", err)
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()

	// Deregistration runs on a fresh context so a cancelled shutdown still
	// cleans the substrate.
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.reg.Unregister(cleanupCtx, a.node); err != nil {
		a.logger.Error("unregister failed", "error", err)
		return err
	}
	a.logger.Info("agent stopped")
	return nil
}

func (a *Agent) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.CheckEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.reg.RefreshHeartbeat(ctx, a.node.Name, a.cfg.HeartbeatTTL); err != nil {
				if ctx.Err() != nil {
					return
				}
				a.logger.Warn("heartbeat refresh failed", "error", err)
			}
		}
	}
}

// localIP returns the node's outbound interface address, or loopback when
// it cannot be determined.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
