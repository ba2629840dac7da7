package model

// ClusterSpec is one named cluster from clusters.yaml: a machine-type
// reference into the inventory, the provider that materializes it, and
// the scaling policy.
type ClusterSpec struct {
	Name     string `json:"name" yaml:"-"`
	Machine  string `json:"machine" yaml:"machine"`
	Provider string `json:"provider" yaml:"provider"`
	Network  string `json:"network,omitempty" yaml:"network,omitempty"`
	Location string `json:"location,omitempty" yaml:"location,omitempty"`
	Policy   Policy `json:"policy" yaml:"policy"`
}

// Policy bounds the agent count and orders the scaling strategies.
// The min/max clamp is always applied after the declared strategies.
type Policy struct {
	MinNodes   int            `json:"min_nodes" yaml:"min_nodes"`
	MaxNodes   int            `json:"max_nodes" yaml:"max_nodes"`
	Strategies []StrategySpec `json:"strategies,omitempty" yaml:"strategies,omitempty"`
}

// Strategy names accepted in a StrategySpec.
const (
	StrategyItems = "items"
	StrategyIdle  = "idle"
)

// StrategySpec is the declarative form of one scaling rule. Name selects
// the rule kind; the remaining fields apply to that kind only.
type StrategySpec struct {
	Name string `json:"name" yaml:"name"`

	// items: react to queue depth.
	Queue      string `json:"queue,omitempty" yaml:"queue,omitempty"`
	ItemsGT    int    `json:"items_gt,omitempty" yaml:"items_gt,omitempty"`
	ItemsLT    *int   `json:"items_lt,omitempty" yaml:"items_lt,omitempty"`
	IncreaseBy int    `json:"increase_by,omitempty" yaml:"increase_by,omitempty"`
	DecreaseBy int    `json:"decrease_by,omitempty" yaml:"decrease_by,omitempty"`

	// idle: evict agents inactive for too long (minutes).
	IdleTimeGT int  `json:"idle_time_gt,omitempty" yaml:"idle_time_gt,omitempty"`
	IdleTimeLT *int `json:"idle_time_lt,omitempty" yaml:"idle_time_lt,omitempty"`
}
