// Package execctx derives the self-contained descriptor a worker needs to
// run one notebook. Building a context is pure: same inputs, same output
// (modulo generated ids and timestamps), and the caller's data is never
// mutated.
package execctx

import (
	"fmt"
	"time"

	"github.com/nbworkflows/labflow/pkg/model"
)

// Platform defaults used when a task does not pin a runtime.
const (
	DefaultImage   = "nbworkflows/client"
	DefaultVersion = "0.9.0"
	GPUSuffix      = "-gpu"
)

// Options tune context generation.
type Options struct {
	// Firm tags generated execids with the caller origin
	// (web|dsp|dck|loc|mch|bld). Empty yields a bare execid.
	Firm string
	// WFID binds the context to a registered workflow; empty generates a
	// synthetic tmp id for on-demand runs.
	WFID string
	// ExecID overrides id generation (replays, tests).
	ExecID string
	// Now overrides the clock; zero means time.Now().UTC().
	Now time.Time
}

// Build produces an ExecutionTask for (projectID, task). runtime may be nil,
// in which case the platform default image is used, GPU-suffixed when the
// task asks for GPU support.
func Build(projectID string, task model.Task, runtime *model.Runtime, opts Options) *model.ExecutionTask {
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	execID := opts.ExecID
	if execID == "" {
		execID = model.FirmExecID(opts.Firm)
	}
	wfid := opts.WFID
	if wfid == "" {
		wfid = model.NewTmpWFID()
	}

	// Copy the caller's params before injecting; the input map is theirs.
	params := make(map[string]any, len(task.Params)+3)
	for k, v := range task.Params {
		params[k] = v
	}
	params[model.ParamWFID] = wfid
	params[model.ParamExecID] = execID
	params[model.ParamNow] = now.Format(time.RFC3339)

	cluster := task.Cluster
	if cluster == "" {
		cluster = model.DefaultCluster
	}
	machine := task.Machine
	if machine == "" {
		machine = model.DefaultMachine
	}

	today := now.Format("20060102")

	return &model.ExecutionTask{
		ProjectID:     projectID,
		WFID:          wfid,
		ExecID:        execID,
		NBName:        task.NBName,
		Params:        params,
		Runtime:       resolveImage(task, runtime),
		Cluster:       cluster,
		Machine:       machine,
		PMInput:       fmt.Sprintf("notebooks/%s.ipynb", task.NBName),
		PMOutput:      fmt.Sprintf("outputs/ok/%s", today),
		OutputName:    fmt.Sprintf("%s.%s.%s.ipynb", wfid, task.NBName, execID),
		OutputDir:     fmt.Sprintf("outputs/ok/%s", today),
		ErrorDir:      fmt.Sprintf("outputs/errors/%s", today),
		Today:         today,
		TimeoutSecs:   task.TimeoutSecs,
		GPUSupport:    task.GPUSupport,
		Notifications: task.Notifications,
		NotifyFail:    task.NotifyFail,
		CreatedAt:     now,
	}
}

// resolveImage picks the image reference for the run: the runtime's tagged
// image when one is bound, the platform default otherwise.
func resolveImage(task model.Task, runtime *model.Runtime) string {
	if runtime != nil {
		return runtime.ImageRef()
	}
	image := fmt.Sprintf("%s:%s", DefaultImage, DefaultVersion)
	if task.GPUSupport {
		image += GPUSuffix
	}
	return image
}
