package autoscaler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nbworkflows/labflow/internal/cloud"
	"github.com/nbworkflows/labflow/internal/registry"
	"github.com/nbworkflows/labflow/internal/substrate"
	"github.com/nbworkflows/labflow/pkg/model"
)

// DeployConfig carries the parameters every new agent is deployed with.
type DeployConfig struct {
	ServiceURL string
	AgentToken string
	AgentImage string
	QNames     []string
	WorkersN   int
	SSHUser    string
	SSHKeyPath string
}

// Scaler reconciles every configured cluster on a fixed tick. It is the
// single writer for machine lifecycle; transient faults are logged and
// retried implicitly on the next tick.
type Scaler struct {
	reg       *registry.Registry
	queue     substrate.JobQueue
	providers map[string]cloud.Provider
	clusters  []model.ClusterSpec
	inventory map[string]model.Machine
	deploy    DeployConfig
	interval  time.Duration
	logger    *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a scaler. providers maps provider names from clusters.yaml
// to adapters; inventory maps machine-type names to their declarations.
func New(reg *registry.Registry, queue substrate.JobQueue, providers map[string]cloud.Provider,
	clusters []model.ClusterSpec, inventory map[string]model.Machine,
	deploy DeployConfig, interval time.Duration, logger *slog.Logger) *Scaler {
	if len(deploy.QNames) == 0 {
		deploy.QNames = []string{"default", "build"}
	}
	if deploy.WorkersN < 1 {
		deploy.WorkersN = 1
	}
	return &Scaler{
		reg:       reg,
		queue:     queue,
		providers: providers,
		clusters:  clusters,
		inventory: inventory,
		deploy:    deploy,
		interval:  interval,
		logger:    logger.With("component", "autoscaler"),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start runs the reconciliation loop until Stop or context cancellation.
func (s *Scaler) Start(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("autoscaler started", "clusters", len(s.clusters), "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Stop terminates the loop and waits for the current tick to finish.
func (s *Scaler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// Tick drains pending machine jobs and reconciles every cluster once.
func (s *Scaler) Tick(ctx context.Context) {
	for _, spec := range s.clusters {
		s.drainMachineJobs(ctx, spec)
		if err := s.ReconcileCluster(ctx, spec); err != nil {
			s.logger.Error("reconcile failed", "cluster", spec.Name, "error", err)
		}
	}
}

// MachineQueue is the queue the clusters API enqueues lifecycle jobs on.
func MachineQueue(cluster string) string { return cluster + ".mch" }

// drainMachineJobs executes explicit create/destroy requests posted
// through the clusters API.
func (s *Scaler) drainMachineJobs(ctx context.Context, spec model.ClusterSpec) {
	provider, ok := s.providers[spec.Provider]
	if !ok {
		return
	}
	for {
		job, err := s.queue.Pop(ctx, []string{MachineQueue(spec.Name)}, 0)
		if err != nil {
			s.logger.Warn("machine queue pop failed", "cluster", spec.Name, "error", err)
			return
		}
		if job == nil {
			return
		}
		var mj model.MachineJob
		if err := json.Unmarshal(job.Payload, &mj); err != nil {
			s.logger.Error("bad machine job payload", "jobid", job.ID, "error", err)
			s.queue.SetStatus(ctx, job.ID, substrate.StatusFailed)
			continue
		}
		s.queue.SetStatus(ctx, job.ID, substrate.StatusStarted)

		switch mj.Action {
		case model.MachineActionCreate:
			err = s.createOne(ctx, provider, spec)
		case model.MachineActionDestroy:
			err = s.deleteOne(ctx, provider, spec, mj.Machine)
		default:
			err = fmt.Errorf("unknown machine action %q", mj.Action)
		}
		status := substrate.StatusFinished
		if err != nil {
			s.logger.Error("machine job failed", "jobid", job.ID, "action", mj.Action, "error", err)
			status = substrate.StatusFailed
		}
		s.queue.SetStatus(ctx, job.ID, status)
	}
}

// ReconcileCluster runs one reconciliation step for the cluster: build
// the current state, apply the policy, and act on the diff.
func (s *Scaler) ReconcileCluster(ctx context.Context, spec model.ClusterSpec) error {
	provider, ok := s.providers[spec.Provider]
	if !ok {
		return fmt.Errorf("cluster %s: unknown provider %q", spec.Name, spec.Provider)
	}
	strategies, err := Compile(spec.Policy)
	if err != nil {
		return fmt.Errorf("cluster %s: %w", spec.Name, err)
	}

	current, err := s.buildState(ctx, spec)
	if err != nil {
		return fmt.Errorf("cluster %s: build state: %w", spec.Name, err)
	}
	desired := current
	for _, st := range strategies {
		desired = st.Apply(desired)
	}
	diff := ComputeDiff(current, desired, spec.Policy.MinNodes)
	if diff.ToCreate == 0 && len(diff.ToDelete) == 0 {
		return nil
	}
	s.logger.Info("scaling plan", "cluster", spec.Name,
		"current", current.AgentCount, "desired", desired.AgentCount,
		"to_create", diff.ToCreate, "to_delete", diff.ToDelete)

	for i := 0; i < diff.ToCreate; i++ {
		if err := s.createOne(ctx, provider, spec); err != nil {
			// Failed creations are not retried within the tick.
			s.logger.Error("machine creation failed", "cluster", spec.Name, "error", err)
		}
	}
	for _, name := range diff.ToDelete {
		if err := s.deleteOne(ctx, provider, spec, name); err != nil {
			s.logger.Error("agent teardown failed", "cluster", spec.Name, "agent", name, "error", err)
		}
	}
	return nil
}

func (s *Scaler) buildState(ctx context.Context, spec model.ClusterSpec) (ClusterState, error) {
	agents, err := s.reg.ListAgents(ctx, spec.Name)
	if err != nil {
		return ClusterState{}, err
	}
	state := ClusterState{
		Agents:     agents,
		AgentCount: len(agents),
		QueueDepth: make(map[string]int),
	}
	for _, st := range spec.Policy.Strategies {
		if st.Queue == "" {
			continue
		}
		depth, err := s.queue.PeekDepth(ctx, st.Queue)
		if err != nil {
			return ClusterState{}, err
		}
		state.QueueDepth[st.Queue] = depth
	}
	idle, err := s.reg.IdleAgentsFromCluster(ctx, spec.Name, nil)
	if err != nil {
		return ClusterState{}, err
	}
	state.IdleByAgent = idle
	return state, nil
}

func (s *Scaler) createOne(ctx context.Context, provider cloud.Provider, spec model.ClusterSpec) error {
	machine, ok := s.inventory[spec.Machine]
	if !ok {
		return fmt.Errorf("machine type %q not in inventory", spec.Machine)
	}
	if spec.Network != "" {
		machine.Network = spec.Network
	}
	if spec.Location != "" {
		machine.Location = spec.Location
	}

	req := &model.MachineRequest{
		Name:    model.NewMachineID(),
		Cluster: spec.Name,
		Machine: machine,
	}
	inst, err := provider.CreateMachine(ctx, req)
	if err != nil {
		return fmt.Errorf("create machine: %w", err)
	}
	if err := s.reg.RegisterMachine(ctx, inst); err != nil {
		s.logger.Warn("machine record write failed", "machine", inst.Name, "error", err)
	}

	mctx := &model.MachineContext{
		Instance:   *inst,
		Cluster:    spec.Name,
		QNames:     s.deploy.QNames,
		WorkersN:   s.deploy.WorkersN,
		ServiceURL: s.deploy.ServiceURL,
		AgentToken: s.deploy.AgentToken,
		AgentImage: s.deploy.AgentImage,
		SSHUser:    s.deploy.SSHUser,
		SSHKeyPath: s.deploy.SSHKeyPath,
	}
	if _, err := provider.Deploy(ctx, inst, mctx); err != nil {
		return fmt.Errorf("deploy %s: %w", inst.Name, err)
	}
	s.logger.Info("machine provisioned", "cluster", spec.Name, "machine", inst.Name)
	return nil
}

func (s *Scaler) deleteOne(ctx context.Context, provider cloud.Provider, spec model.ClusterSpec, agent string) error {
	// Workers finish their in-flight job before the VM goes away.
	if err := s.reg.KillWorkersFromAgent(ctx, agent); err != nil {
		s.logger.Warn("worker shutdown delivery failed", "agent", agent, "error", err)
	}
	node, err := s.reg.Get(ctx, agent)
	if err != nil {
		return err
	}

	machineName := agent
	if node != nil && node.MachineID != "" {
		machineName = node.MachineID
	}
	if err := provider.DestroyMachine(ctx, machineName); err != nil {
		return fmt.Errorf("destroy machine %s: %w", machineName, err)
	}
	if err := s.reg.UnregisterMachine(ctx, spec.Name, machineName); err != nil {
		s.logger.Warn("machine record delete failed", "machine", machineName, "error", err)
	}
	if node != nil {
		if err := s.reg.Unregister(ctx, node); err != nil {
			return fmt.Errorf("unregister agent %s: %w", agent, err)
		}
	}
	s.logger.Info("agent torn down", "cluster", spec.Name, "agent", agent, "machine", machineName)
	return nil
}
