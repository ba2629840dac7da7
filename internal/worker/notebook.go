// Package worker implements the job-executing side of the platform: the
// cooperative claim loop and the notebook / build dispatchers it runs.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nbworkflows/labflow/internal/artifacts"
	"github.com/nbworkflows/labflow/internal/events"
	"github.com/nbworkflows/labflow/pkg/model"
)

// ControlPlane is the server surface the dispatchers call back into.
// *Client implements it; tests substitute a fake.
type ControlPlane interface {
	PrivateKey(ctx context.Context, projectID string) (string, error)
	PushHistory(ctx context.Context, res *model.ExecutionResult) error
	RegisterRuntime(ctx context.Context, rt *model.Runtime) error
}

// Publisher is the event-bus surface the dispatchers publish to.
type Publisher interface {
	Publish(ctx context.Context, channel string, ev *model.Event) (string, error)
	PublishExit(ctx context.Context, channel string) error
}

// NotebookConfig tunes the notebook dispatcher.
type NotebookConfig struct {
	WorkDir   string
	ServerURL string
	// RunLocal skips history registration (dev loops).
	RunLocal bool
}

// NotebookDispatcher runs one ExecutionTask in a container and reports the
// terminal result. It never returns an error to the claim loop: every
// failure mode folds into ExecutionResult{Error: true}.
type NotebookDispatcher struct {
	runner  CommandRunner
	control ControlPlane
	bus     Publisher
	sink    artifacts.Store
	cfg     NotebookConfig
	logger  *slog.Logger
}

// NewNotebookDispatcher wires a notebook dispatcher.
func NewNotebookDispatcher(runner CommandRunner, control ControlPlane, bus Publisher, sink artifacts.Store, cfg NotebookConfig, logger *slog.Logger) *NotebookDispatcher {
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "labflow-worker")
	}
	return &NotebookDispatcher{
		runner:  runner,
		control: control,
		bus:     bus,
		sink:    sink,
		cfg:     cfg,
		logger:  logger.With("component", "notebook-dispatcher"),
	}
}

// Run executes the task and returns its terminal result.
func (d *NotebookDispatcher) Run(ctx context.Context, task *model.ExecutionTask) *model.ExecutionResult {
	start := time.Now()
	res := &model.ExecutionResult{
		ProjectID:  task.ProjectID,
		WFID:       task.WFID,
		ExecID:     task.ExecID,
		NBName:     task.NBName,
		Params:     task.Params,
		Input:      task.PMInput,
		OutputDir:  task.OutputDir,
		OutputName: task.OutputName,
		ErrorDir:   task.ErrorDir,
		Runtime:    task.Runtime,
		CreatedAt:  start.UTC(),
	}

	taskDir, err := d.prepare(ctx, task, res)
	if err == nil {
		d.execute(ctx, task, taskDir, res)
	}
	res.ElapsedSecs = time.Since(start).Seconds()

	d.finalize(ctx, task, taskDir, res)
	return res
}

func (d *NotebookDispatcher) prepare(ctx context.Context, task *model.ExecutionTask, res *model.ExecutionResult) (string, error) {
	taskDir := filepath.Join(d.cfg.WorkDir, model.SanitizeName(task.ExecID))
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		res.Error = true
		res.ErrorMsg = fmt.Sprintf("create task dir: %v", err)
		return "", err
	}
	return taskDir, nil
}

func (d *NotebookDispatcher) execute(ctx context.Context, task *model.ExecutionTask, taskDir string, res *model.ExecutionResult) {
	// The key is fetched per task, never cached.
	privateKey, err := d.control.PrivateKey(ctx, task.ProjectID)
	if err != nil {
		d.logger.Warn("private key fetch failed", "execid", task.ExecID, "error", err)
	}

	payload, err := json.Marshal(task)
	if err != nil {
		res.Error = true
		res.ErrorMsg = fmt.Sprintf("marshal task: %v", err)
		return
	}

	containerName := "lf-" + model.SanitizeName(task.ExecID)
	args := []string{
		"run", "--rm",
		"--name", containerName,
		"-v", taskDir + ":/work",
		"-w", "/work",
		"-e", "LF_EXECUTION_TASK=" + string(payload),
		"-e", "EXECID=" + task.ExecID,
		"-e", "WFID=" + task.WFID,
		"-e", "LF_WORKFLOW_SERVICE=" + d.cfg.ServerURL,
		"-e", "PRIVATE_KEY=" + privateKey,
	}
	if task.GPUSupport {
		args = append(args, "--gpus", "all")
	}
	args = append(args, task.Runtime)

	runCtx := ctx
	if task.TimeoutSecs > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(task.TimeoutSecs)*time.Second)
		defer cancel()
	}

	d.logger.Info("running notebook",
		"execid", task.ExecID, "image", task.Runtime, "timeout_secs", task.TimeoutSecs)
	stdout, stderr, exitCode, runErr := d.runner.Run(runCtx, "docker", args...)

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		// The context kill may leave the container behind.
		killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		d.runner.Run(killCtx, "docker", "kill", containerName)
		cancel()
		res.Error = true
		res.ErrorMsg = fmt.Sprintf("timeout after %ds", task.TimeoutSecs)
	case runErr != nil:
		res.Error = true
		res.ErrorMsg = fmt.Sprintf("docker run: %v", runErr)
	case exitCode != 0:
		res.Error = true
		res.ErrorMsg = fmt.Sprintf("exit %d: %s", exitCode, tail(stderr, 500))
	}

	if out := strings.TrimSpace(stdout); out != "" {
		channel := events.ChannelName(task.ProjectID, task.ExecID)
		if _, err := d.bus.Publish(ctx, channel, &model.Event{Event: model.EventKindLog, Data: out}); err != nil {
			d.logger.Warn("log publish failed", "execid", task.ExecID, "error", err)
		}
	}
}

// finalize pushes the result notebook, appends history and closes the
// event stream. Failures here are logged, never fatal: the worker must
// survive every task outcome.
func (d *NotebookDispatcher) finalize(ctx context.Context, task *model.ExecutionTask, taskDir string, res *model.ExecutionResult) {
	if taskDir != "" {
		local := filepath.Join(taskDir, task.OutputName)
		if f, err := os.Open(local); err == nil {
			if _, err := d.sink.Put(ctx, res.OutputPath(), f); err != nil {
				d.logger.Warn("artifact push failed", "execid", task.ExecID, "error", err)
			}
			f.Close()
		} else if !res.Error {
			d.logger.Warn("result notebook missing", "execid", task.ExecID, "path", local)
		}
	}

	if !d.cfg.RunLocal {
		if err := d.control.PushHistory(ctx, res); err != nil {
			d.logger.Warn("history push failed", "execid", task.ExecID, "error", err)
		}
	}

	channel := events.ChannelName(task.ProjectID, task.ExecID)
	if raw, err := json.Marshal(res); err == nil {
		if _, err := d.bus.Publish(ctx, channel, &model.Event{Event: model.EventKindResult, Data: string(raw)}); err != nil {
			d.logger.Warn("result publish failed", "execid", task.ExecID, "error", err)
		}
	}
	if err := d.bus.PublishExit(ctx, channel); err != nil {
		d.logger.Warn("exit publish failed", "execid", task.ExecID, "error", err)
	}

	d.logger.Info("notebook finished",
		"execid", task.ExecID, "error", res.Error, "elapsed_secs", res.ElapsedSecs)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
