package model

// AgentNode is a live supervisor process registered in the substrate.
// Its heartbeat key is leased via TTL; an expired key means a dead agent.
type AgentNode struct {
	Name      string   `json:"name"`
	PID       int      `json:"pid"`
	IP        string   `json:"ip_address"`
	Cluster   string   `json:"cluster"`
	// QNames are the queue names before cluster prefixing.
	QNames    []string `json:"qnames"`
	Workers   []string `json:"workers"`
	MachineID string   `json:"machine_id,omitempty"`
	Birthday  int64    `json:"birthday"`
}
