// Package autoscaler reconciles desired agent count per cluster against
// the live registry, creating and destroying machines through a cloud
// Provider. Policies are declarative: an ordered list of strategies plus
// an implicit min/max clamp.
package autoscaler

import (
	"fmt"

	"github.com/nbworkflows/labflow/pkg/model"
)

// ClusterState is the live view one reconciliation tick works on.
// Strategies transform it in declaration order; AgentCount may exceed
// len(Agents) when a strategy requests machines that do not exist yet.
type ClusterState struct {
	Agents      []string
	AgentCount  int
	QueueDepth  map[string]int
	IdleByAgent map[string]int
}

func (s ClusterState) clone() ClusterState {
	out := ClusterState{
		Agents:      append([]string(nil), s.Agents...),
		AgentCount:  s.AgentCount,
		QueueDepth:  make(map[string]int, len(s.QueueDepth)),
		IdleByAgent: make(map[string]int, len(s.IdleByAgent)),
	}
	for k, v := range s.QueueDepth {
		out.QueueDepth[k] = v
	}
	for k, v := range s.IdleByAgent {
		out.IdleByAgent[k] = v
	}
	return out
}

// Strategy transforms a cluster state into the desired one.
type Strategy interface {
	Apply(st ClusterState) ClusterState
}

// ScaleItems reacts to queue depth: grow when backed up, shrink when
// drained.
type ScaleItems struct {
	Queue      string
	ItemsGT    int
	ItemsLT    *int
	IncreaseBy int
	DecreaseBy int
}

// Apply bumps the desired count when the queue depth reaches ItemsGT, and
// when ItemsLT is set and the depth is at or below it, reduces the count
// and drops one arbitrary agent from the target set.
func (s ScaleItems) Apply(st ClusterState) ClusterState {
	out := st.clone()
	depth := st.QueueDepth[s.Queue]
	switch {
	case depth >= s.ItemsGT:
		out.AgentCount += s.IncreaseBy
	case s.ItemsLT != nil && depth <= *s.ItemsLT:
		out.AgentCount -= s.DecreaseBy
		if out.AgentCount < 0 {
			out.AgentCount = 0
		}
		if len(out.Agents) > 0 {
			out.Agents = out.Agents[:len(out.Agents)-1]
		}
	}
	return out
}

// ScaleIdle evicts agents whose workers have all been inactive for at
// least IdleTimeGT minutes.
type ScaleIdle struct {
	IdleTimeGT int
	IdleTimeLT *int
}

// Apply removes every evict-candidate from the target set, reducing the
// desired count accordingly.
func (s ScaleIdle) Apply(st ClusterState) ClusterState {
	out := st.clone()
	kept := out.Agents[:0]
	evicted := 0
	for _, a := range out.Agents {
		idle, ok := out.IdleByAgent[a]
		if ok && idle >= s.IdleTimeGT && (s.IdleTimeLT == nil || idle < *s.IdleTimeLT) {
			evicted++
			continue
		}
		kept = append(kept, a)
	}
	out.Agents = kept
	out.AgentCount -= evicted
	if out.AgentCount < 0 {
		out.AgentCount = 0
	}
	return out
}

// MinMax clamps the desired count into [Min, Max]. Only the count is
// bumped below Min; the agent set stays as computed because the missing
// agents do not exist yet.
type MinMax struct {
	Min int
	Max int
}

func (s MinMax) Apply(st ClusterState) ClusterState {
	out := st.clone()
	if out.AgentCount < s.Min {
		out.AgentCount = s.Min
	}
	if out.AgentCount > s.Max {
		out.AgentCount = s.Max
	}
	return out
}

// Compile turns the declarative policy into the executable strategy
// chain, with the min/max clamp appended last.
func Compile(policy model.Policy) ([]Strategy, error) {
	out := make([]Strategy, 0, len(policy.Strategies)+1)
	for _, spec := range policy.Strategies {
		switch spec.Name {
		case model.StrategyItems:
			if spec.Queue == "" {
				return nil, model.NewBadInputError("items strategy requires a queue")
			}
			out = append(out, ScaleItems{
				Queue:      spec.Queue,
				ItemsGT:    spec.ItemsGT,
				ItemsLT:    spec.ItemsLT,
				IncreaseBy: spec.IncreaseBy,
				DecreaseBy: spec.DecreaseBy,
			})
		case model.StrategyIdle:
			out = append(out, ScaleIdle{
				IdleTimeGT: spec.IdleTimeGT,
				IdleTimeLT: spec.IdleTimeLT,
			})
		default:
			return nil, model.NewBadInputError(fmt.Sprintf("unknown strategy %q", spec.Name))
		}
	}
	out = append(out, MinMax{Min: policy.MinNodes, Max: policy.MaxNodes})
	return out, nil
}

// Diff is the plan one reconciliation derives: machines to provision and
// agents to tear down. The two sets target disjoint names.
type Diff struct {
	ToCreate int
	ToDelete []string
}

// ComputeDiff compares the current state against the desired one.
func ComputeDiff(current, desired ClusterState, minNodes int) Diff {
	want := make(map[string]bool, len(desired.Agents))
	for _, a := range desired.Agents {
		want[a] = true
	}
	var del []string
	for _, a := range current.Agents {
		if !want[a] {
			del = append(del, a)
		}
	}

	create := desired.AgentCount - current.AgentCount
	if short := minNodes - len(desired.Agents); short > create {
		create = short
	}
	if create < 0 {
		create = 0
	}
	return Diff{ToCreate: create, ToDelete: del}
}
