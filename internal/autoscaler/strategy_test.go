package autoscaler

import (
	"errors"
	"testing"

	"github.com/nbworkflows/labflow/pkg/model"
)

func intp(n int) *int { return &n }

func gpuPolicy() model.Policy {
	return model.Policy{
		MinNodes: 0,
		MaxNodes: 3,
		Strategies: []model.StrategySpec{
			{Name: model.StrategyItems, Queue: "gpu.default", ItemsGT: 5, IncreaseBy: 1},
			{Name: model.StrategyIdle, IdleTimeGT: 10},
		},
	}
}

func apply(t *testing.T, policy model.Policy, st ClusterState) ClusterState {
	t.Helper()
	strategies, err := Compile(policy)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	for _, s := range strategies {
		st = s.Apply(st)
	}
	return st
}

func TestBackedUpQueueGrowsCluster(t *testing.T) {
	current := ClusterState{QueueDepth: map[string]int{"gpu.default": 7}}
	desired := apply(t, gpuPolicy(), current)
	diff := ComputeDiff(current, desired, 0)
	if diff.ToCreate != 1 || len(diff.ToDelete) != 0 {
		t.Errorf("diff = %+v", diff)
	}
}

func TestIdleAgentEvicted(t *testing.T) {
	current := ClusterState{
		Agents:      []string{"node1"},
		AgentCount:  1,
		QueueDepth:  map[string]int{"gpu.default": 0},
		IdleByAgent: map[string]int{"node1": 12},
	}
	desired := apply(t, gpuPolicy(), current)
	diff := ComputeDiff(current, desired, 0)
	if diff.ToCreate != 0 {
		t.Errorf("ToCreate = %d", diff.ToCreate)
	}
	if len(diff.ToDelete) != 1 || diff.ToDelete[0] != "node1" {
		t.Errorf("ToDelete = %v", diff.ToDelete)
	}
}

func TestBusyAgentSurvivesIdleSweep(t *testing.T) {
	current := ClusterState{
		Agents:      []string{"node1", "node2"},
		AgentCount:  2,
		QueueDepth:  map[string]int{"gpu.default": 0},
		IdleByAgent: map[string]int{"node1": 12, "node2": 3},
	}
	desired := apply(t, gpuPolicy(), current)
	diff := ComputeDiff(current, desired, 0)
	if len(diff.ToDelete) != 1 || diff.ToDelete[0] != "node1" {
		t.Errorf("ToDelete = %v", diff.ToDelete)
	}
}

func TestMaxNodesClampsGrowth(t *testing.T) {
	policy := gpuPolicy()
	policy.Strategies[0].IncreaseBy = 10
	current := ClusterState{
		Agents:     []string{"node1", "node2"},
		AgentCount: 2,
		QueueDepth: map[string]int{"gpu.default": 50},
	}
	desired := apply(t, policy, current)
	if desired.AgentCount != 3 {
		t.Errorf("AgentCount = %d, want max 3", desired.AgentCount)
	}
}

func TestMinNodesBumpsCountOnly(t *testing.T) {
	policy := model.Policy{MinNodes: 2, MaxNodes: 5}
	current := ClusterState{}
	desired := apply(t, policy, current)
	if desired.AgentCount != 2 || len(desired.Agents) != 0 {
		t.Errorf("desired = %+v", desired)
	}
	diff := ComputeDiff(current, desired, policy.MinNodes)
	if diff.ToCreate != 2 {
		t.Errorf("ToCreate = %d", diff.ToCreate)
	}
}

func TestDrainedQueueShrinks(t *testing.T) {
	policy := model.Policy{
		MinNodes: 0,
		MaxNodes: 5,
		Strategies: []model.StrategySpec{{
			Name: model.StrategyItems, Queue: "cpu.default",
			ItemsGT: 10, ItemsLT: intp(0), IncreaseBy: 2, DecreaseBy: 1,
		}},
	}
	current := ClusterState{
		Agents:     []string{"node1", "node2"},
		AgentCount: 2,
		QueueDepth: map[string]int{"cpu.default": 0},
	}
	desired := apply(t, policy, current)
	if desired.AgentCount != 1 || len(desired.Agents) != 1 {
		t.Errorf("desired = %+v", desired)
	}
	diff := ComputeDiff(current, desired, 0)
	if len(diff.ToDelete) != 1 {
		t.Errorf("ToDelete = %v", diff.ToDelete)
	}
}

func TestIdleUpperWindowExcludes(t *testing.T) {
	policy := model.Policy{
		MinNodes: 0, MaxNodes: 5,
		Strategies: []model.StrategySpec{{
			Name: model.StrategyIdle, IdleTimeGT: 10, IdleTimeLT: intp(60),
		}},
	}
	// 90 minutes idle is outside the [10, 60) eviction window.
	current := ClusterState{
		Agents:      []string{"node1"},
		AgentCount:  1,
		IdleByAgent: map[string]int{"node1": 90},
	}
	desired := apply(t, policy, current)
	if len(desired.Agents) != 1 {
		t.Errorf("agents = %v", desired.Agents)
	}
}

func TestCompileRejectsUnknownStrategy(t *testing.T) {
	_, err := Compile(model.Policy{Strategies: []model.StrategySpec{{Name: "burst"}}})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrBadInput {
		t.Errorf("err = %v", err)
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	current := ClusterState{
		Agents:      []string{"node1"},
		AgentCount:  1,
		QueueDepth:  map[string]int{"gpu.default": 0},
		IdleByAgent: map[string]int{"node1": 12},
	}
	apply(t, gpuPolicy(), current)
	if len(current.Agents) != 1 || current.AgentCount != 1 {
		t.Errorf("input mutated: %+v", current)
	}
}
