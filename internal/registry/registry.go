// Package registry is the live-state view of agents, workers, queues and
// machines. Everything here is leased state in the KV substrate; durable
// entities live in SQL.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nbworkflows/labflow/internal/substrate"
	"github.com/nbworkflows/labflow/pkg/model"
)

// Logical key scheme. All access goes through pipelined primitives; there
// are no cross-key transactions.
const (
	agentKeyPrefix    = "agent:"
	agentSetKey       = "agent-set"
	clusterSetKey     = "cluster-set"
	clusterKeyPrefix  = "cluster:"
	machineKeyPrefix  = "machine:"
	heartKeyPrefix    = "heart:"
	workerSetPrefix   = "qworkers:"
	activityKeyPrefix = "wactivity:"
	controlKeyPrefix  = "ctl:"

	heartAlive      = "alive"
	shutdownCommand = "shutdown"
)

// Registry reads and writes the agent/worker/machine live state.
type Registry struct {
	kv     substrate.KeyValueStore
	logger *slog.Logger
}

// New creates a Registry over the given substrate.
func New(kv substrate.KeyValueStore, logger *slog.Logger) *Registry {
	return &Registry{kv: kv, logger: logger.With("component", "registry")}
}

// Register writes the agent node and adds it to the membership sets.
func (r *Registry) Register(ctx context.Context, node *model.AgentNode) error {
	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("marshal agent %s: %w", node.Name, err)
	}
	err = r.kv.Pipeline(ctx, func(p substrate.Pipe) {
		p.Set(agentKeyPrefix+node.Name, string(data), 0)
		p.SAdd(agentSetKey, node.Name)
		p.SAdd(clusterSetKey, node.Cluster)
		p.SAdd(clusterKeyPrefix+node.Cluster, node.Name)
		for _, q := range node.QNames {
			p.SAdd(workerSetPrefix+node.Cluster+"."+q, node.Workers...)
		}
	})
	if err != nil {
		return fmt.Errorf("register agent %s: %w", node.Name, err)
	}
	r.logger.Debug("agent registered", "agent", node.Name, "cluster", node.Cluster)
	return nil
}

// Unregister removes the agent node, its heartbeat, and its workers from
// every membership set.
func (r *Registry) Unregister(ctx context.Context, node *model.AgentNode) error {
	err := r.kv.Pipeline(ctx, func(p substrate.Pipe) {
		p.Del(agentKeyPrefix+node.Name, heartKeyPrefix+node.Name)
		p.SRem(agentSetKey, node.Name)
		p.SRem(clusterKeyPrefix+node.Cluster, node.Name)
		for _, q := range node.QNames {
			p.SRem(workerSetPrefix+node.Cluster+"."+q, node.Workers...)
		}
		for _, w := range node.Workers {
			p.Del(activityKeyPrefix+w, controlKeyPrefix+w)
		}
	})
	if err != nil {
		return fmt.Errorf("unregister agent %s: %w", node.Name, err)
	}
	r.logger.Debug("agent unregistered", "agent", node.Name)
	return nil
}

// Get returns the agent node, or nil when unknown.
func (r *Registry) Get(ctx context.Context, name string) (*model.AgentNode, error) {
	data, err := r.kv.Get(ctx, agentKeyPrefix+name)
	if err == substrate.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", name, err)
	}
	var node model.AgentNode
	if err := json.Unmarshal([]byte(data), &node); err != nil {
		return nil, fmt.Errorf("unmarshal agent %s: %w", name, err)
	}
	return &node, nil
}

// RegisterMachine records a provisioned VM under its cluster.
func (r *Registry) RegisterMachine(ctx context.Context, inst *model.MachineInstance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal machine %s: %w", inst.Name, err)
	}
	key := machineKeyPrefix + inst.Cluster + ":" + inst.Name
	if err := r.kv.Set(ctx, key, string(data), 0); err != nil {
		return fmt.Errorf("register machine %s: %w", inst.Name, err)
	}
	return nil
}

// GetMachine returns a registered machine instance, or nil.
func (r *Registry) GetMachine(ctx context.Context, cluster, name string) (*model.MachineInstance, error) {
	data, err := r.kv.Get(ctx, machineKeyPrefix+cluster+":"+name)
	if err == substrate.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get machine %s: %w", name, err)
	}
	var inst model.MachineInstance
	if err := json.Unmarshal([]byte(data), &inst); err != nil {
		return nil, fmt.Errorf("unmarshal machine %s: %w", name, err)
	}
	return &inst, nil
}

// UnregisterMachine deletes a machine record.
func (r *Registry) UnregisterMachine(ctx context.Context, cluster, name string) error {
	return r.kv.Del(ctx, machineKeyPrefix+cluster+":"+name)
}

// ListClusters returns every cluster that ever registered an agent.
func (r *Registry) ListClusters(ctx context.Context) ([]string, error) {
	return r.kv.SMembers(ctx, clusterSetKey)
}

// ListAgents returns agent names, scoped to a cluster when cluster != "".
func (r *Registry) ListAgents(ctx context.Context, cluster string) ([]string, error) {
	if cluster == "" {
		return r.kv.SMembers(ctx, agentSetKey)
	}
	return r.kv.SMembers(ctx, clusterKeyPrefix+cluster)
}

// ListAgentsByQueue returns the agents whose effective queues include q
// (q is cluster-prefixed, e.g. "gpu.default").
func (r *Registry) ListAgentsByQueue(ctx context.Context, q string) ([]string, error) {
	names, err := r.kv.SMembers(ctx, agentSetKey)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, name := range names {
		node, err := r.Get(ctx, name)
		if err != nil || node == nil {
			continue
		}
		for _, qn := range node.QNames {
			if node.Cluster+"."+qn == q {
				out = append(out, name)
				break
			}
		}
	}
	return out, nil
}

// WorkersOfQueue returns the worker names serving a cluster-prefixed queue.
func (r *Registry) WorkersOfQueue(ctx context.Context, q string) ([]string, error) {
	return r.kv.SMembers(ctx, workerSetPrefix+q)
}

// RefreshHeartbeat leases the agent's liveness key for ttl.
func (r *Registry) RefreshHeartbeat(ctx context.Context, name string, ttl time.Duration) error {
	return r.kv.Set(ctx, heartKeyPrefix+name, heartAlive, ttl)
}

// HeartbeatAlive reports whether the agent's liveness lease is current.
func (r *Registry) HeartbeatAlive(ctx context.Context, name string) (bool, error) {
	v, err := r.kv.Get(ctx, heartKeyPrefix+name)
	if err == substrate.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == heartAlive, nil
}

// TouchWorker records the worker's last-active timestamp, the input to
// idle computation.
func (r *Registry) TouchWorker(ctx context.Context, worker string) error {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	return r.kv.Set(ctx, activityKeyPrefix+worker, now, 0)
}

// IdleAgentsFromCluster computes idle minutes per agent in the cluster,
// taking the minimum inactive time across each agent's workers so one busy
// worker keeps the whole agent non-idle. Agents with no activity records
// are absent from the result.
func (r *Registry) IdleAgentsFromCluster(ctx context.Context, cluster string, queues []string) (map[string]int, error) {
	names, err := r.ListAgents(ctx, cluster)
	if err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	idle := make(map[string]int)
	for _, name := range names {
		node, err := r.Get(ctx, name)
		if err != nil || node == nil {
			continue
		}
		minInactive := int64(-1)
		for _, w := range node.Workers {
			v, err := r.kv.Get(ctx, activityKeyPrefix+w)
			if err != nil {
				continue
			}
			ts, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				continue
			}
			inactive := now - ts
			if minInactive < 0 || inactive < minInactive {
				minInactive = inactive
			}
		}
		if minInactive >= 0 {
			idle[name] = int(minInactive / 60)
		}
	}
	return idle, nil
}

// KillWorkersFromAgent delivers a shutdown command to every worker of the
// agent through the control channel; each worker finishes its current job
// and exits.
func (r *Registry) KillWorkersFromAgent(ctx context.Context, name string) error {
	node, err := r.Get(ctx, name)
	if err != nil {
		return err
	}
	if node == nil {
		return nil
	}
	return r.kv.Pipeline(ctx, func(p substrate.Pipe) {
		for _, w := range node.Workers {
			p.Set(controlKeyPrefix+w, shutdownCommand, 0)
		}
	})
}

// KillWorkersFromQueue delivers a shutdown command to every worker serving
// the cluster-prefixed queue.
func (r *Registry) KillWorkersFromQueue(ctx context.Context, q string) error {
	workers, err := r.WorkersOfQueue(ctx, q)
	if err != nil {
		return err
	}
	return r.kv.Pipeline(ctx, func(p substrate.Pipe) {
		for _, w := range workers {
			p.Set(controlKeyPrefix+w, shutdownCommand, 0)
		}
	})
}

// ShutdownRequested checks (and consumes) a pending shutdown command for
// the worker.
func (r *Registry) ShutdownRequested(ctx context.Context, worker string) (bool, error) {
	v, err := r.kv.Get(ctx, controlKeyPrefix+worker)
	if err == substrate.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if v != shutdownCommand {
		return false, nil
	}
	if err := r.kv.Del(ctx, controlKeyPrefix+worker); err != nil {
		return false, err
	}
	return true, nil
}
