package model

// Machine is a declarative description of a VM type from the inventory
// file. MachineInstance is the materialized VM.
type Machine struct {
	Name     string            `json:"name" yaml:"name"`
	Provider string            `json:"provider" yaml:"provider"`
	Location string            `json:"location" yaml:"location"`
	Size     string            `json:"size" yaml:"size"`
	Image    string            `json:"image" yaml:"image"`
	Network  string            `json:"network,omitempty" yaml:"network,omitempty"`
	Volumes  []BlockStorage    `json:"volumes,omitempty" yaml:"volumes,omitempty"`
	GPU      bool              `json:"gpu,omitempty" yaml:"gpu,omitempty"`
	Labels   map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// BlockStorage describes a volume to create and attach to a machine.
type BlockStorage struct {
	Name     string `json:"name" yaml:"name"`
	SizeGB   int    `json:"size" yaml:"size"`
	Location string `json:"location,omitempty" yaml:"location,omitempty"`
	Kind     string `json:"kind,omitempty" yaml:"kind,omitempty"`
	// Mount is where the agent deploy step mounts the volume.
	Mount string `json:"mount,omitempty" yaml:"mount,omitempty"`
}

// BlockInstance is a created volume.
type BlockInstance struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	SizeGB   int    `json:"size"`
	Location string `json:"location,omitempty"`
}

// MachineRequest is the concrete creation request derived from a Machine
// and a cluster name.
type MachineRequest struct {
	Name     string            `json:"name"`
	Cluster  string            `json:"cluster"`
	Machine  Machine           `json:"machine"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// MachineInstance is a provisioned VM.
type MachineInstance struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Cluster   string            `json:"cluster"`
	PublicIP  string            `json:"public_ip,omitempty"`
	PrivateIP string            `json:"private_ip,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Machine job actions requested through the clusters API.
const (
	MachineActionCreate  = "create"
	MachineActionDestroy = "destroy"
)

// MachineJob is an asynchronous machine lifecycle request: the API
// enqueues it, the autoscaler executes it on its next tick.
type MachineJob struct {
	Action  string `json:"action"`
	Cluster string `json:"cluster"`
	Machine string `json:"machine,omitempty"`
}

// MachineContext carries everything Deploy needs to install and start an
// agent on a fresh VM.
type MachineContext struct {
	Instance    MachineInstance `json:"instance"`
	Cluster     string          `json:"cluster"`
	QNames      []string        `json:"qnames"`
	WorkersN    int             `json:"workers_n"`
	ServiceURL  string          `json:"service_url"`
	AgentToken  string          `json:"agent_token"`
	AgentImage  string          `json:"agent_image"`
	SSHUser     string          `json:"ssh_user,omitempty"`
	SSHKeyPath  string          `json:"ssh_key_path,omitempty"`
}
