package model

import "time"

// Parameter names injected into every execution's param map.
const (
	ParamWFID   = "WFID"
	ParamExecID = "EXECID"
	ParamNow    = "NOW"
)

// ExecutionTask is the self-contained descriptor handed to a worker.
// It is immutable once created: the worker that pops it owns it until the
// terminal ExecutionResult is written.
type ExecutionTask struct {
	ProjectID     string         `json:"projectid"`
	WFID          string         `json:"wfid"`
	ExecID        string         `json:"execid"`
	NBName        string         `json:"nb_name"`
	Params        map[string]any `json:"params"`
	Runtime       string         `json:"runtime"`
	Cluster       string         `json:"cluster"`
	Machine       string         `json:"machine"`
	PMInput       string         `json:"pm_input"`
	PMOutput      string         `json:"pm_output"`
	OutputName    string         `json:"output_name"`
	OutputDir     string         `json:"output_dir"`
	ErrorDir      string         `json:"error_dir"`
	Today         string         `json:"today"`
	TimeoutSecs   int            `json:"timeout"`
	GPUSupport    bool           `json:"gpu_support"`
	Notifications []string       `json:"notifications_ok,omitempty"`
	NotifyFail    []string       `json:"notifications_fail,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// QueueName returns the cluster-scoped queue this task is routed to.
func (t *ExecutionTask) QueueName() string {
	return t.Cluster + "." + t.Machine
}

// ExecutionResult is the terminal record of one attempt.
type ExecutionResult struct {
	ProjectID   string         `json:"projectid"`
	WFID        string         `json:"wfid"`
	ExecID      string         `json:"execid"`
	NBName      string         `json:"name"`
	Params      map[string]any `json:"params,omitempty"`
	Input       string         `json:"input_"`
	OutputDir   string         `json:"output_dir"`
	OutputName  string         `json:"output_name"`
	ErrorDir    string         `json:"error_dir"`
	Error       bool           `json:"error"`
	ErrorMsg    string         `json:"error_msg,omitempty"`
	ElapsedSecs float64        `json:"elapsed_secs"`
	Runtime     string         `json:"runtime,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// OutputPath is where the result notebook lives: the error dir on failure,
// the success dir otherwise.
func (r *ExecutionResult) OutputPath() string {
	if r.Error {
		return r.ErrorDir + "/" + r.OutputName
	}
	return r.OutputDir + "/" + r.OutputName
}

// HistoryResult is one row returned by the history API.
type HistoryResult struct {
	ExecID    string           `json:"execid"`
	WFID      string           `json:"wfid"`
	Status    int              `json:"status"`
	Result    *ExecutionResult `json:"result"`
	CreatedAt time.Time        `json:"created_at"`
}
