package model

import "time"

// Default placement when a task does not pin one.
const (
	DefaultCluster = "default"
	DefaultMachine = "cpu"
)

// Task tells a worker which notebook to run and how. It is the user-facing
// half of an execution: the builder turns it into an ExecutionTask.
type Task struct {
	NBName         string         `json:"nb_name" yaml:"nb_name"`
	Params         map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	RuntimeName    string         `json:"runtime,omitempty" yaml:"runtime,omitempty"`
	RuntimeVersion string         `json:"version,omitempty" yaml:"version,omitempty"`
	Cluster        string         `json:"cluster,omitempty" yaml:"cluster,omitempty"`
	Machine        string         `json:"machine,omitempty" yaml:"machine,omitempty"`
	TimeoutSecs    int            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	GPUSupport     bool           `json:"gpu_support,omitempty" yaml:"gpu_support,omitempty"`
	Notifications  []string       `json:"notifications_ok,omitempty" yaml:"notifications_ok,omitempty"`
	NotifyFail     []string       `json:"notifications_fail,omitempty" yaml:"notifications_fail,omitempty"`
}

// Schedule binds a workflow to a firing rule. Exactly one of Cron or
// Interval is set.
type Schedule struct {
	Cron       string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Interval   string `json:"interval,omitempty" yaml:"interval,omitempty"`
	StartDelay string `json:"start_in_min,omitempty" yaml:"start_in_min,omitempty"`
	// Repeat bounds the number of firings; nil means unbounded.
	Repeat *int `json:"repeat,omitempty" yaml:"repeat,omitempty"`
}

// Valid reports whether the schedule has exactly one firing rule.
func (s *Schedule) Valid() bool {
	return (s.Cron == "") != (s.Interval == "")
}

// Workflow is a named, parameterized binding of one notebook to a schedule
// and runtime selector. (project, alias) is unique.
type Workflow struct {
	WFID      string    `json:"wfid"`
	ProjectID string    `json:"projectid"`
	Alias     string    `json:"alias"`
	Task      Task      `json:"job_detail"`
	Schedule  *Schedule `json:"schedule,omitempty"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WorkflowData is the wire/Labfile form of a workflow registration.
type WorkflowData struct {
	WFID     string    `json:"wfid,omitempty" yaml:"wfid,omitempty"`
	Alias    string    `json:"alias" yaml:"alias"`
	Task     Task      `json:"job_detail" yaml:"job_detail"`
	Schedule *Schedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Enabled  bool      `json:"enabled" yaml:"enabled"`
}
