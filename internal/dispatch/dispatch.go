// Package dispatch is the only component that enqueues work: on-demand
// notebook runs, runtime builds, and schedule-driven workflow firings all
// pass through the Dispatcher.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nbworkflows/labflow/internal/execctx"
	"github.com/nbworkflows/labflow/internal/store"
	"github.com/nbworkflows/labflow/internal/substrate"
	"github.com/nbworkflows/labflow/pkg/model"
)

// BuildQueueSuffix is the machine class of the per-cluster build queue.
const BuildQueueSuffix = "build"

// MinBuildTimeout is the floor for build jobs; image builds routinely take
// much longer than notebook runs.
const MinBuildTimeout = time.Hour

// ImageOrg prefixes every built image name: "nbworkflows/<pid>-<runtime>".
const ImageOrg = "nbworkflows"

// UploadKey is the artifact-store key a project bundle is uploaded to and
// a build downloads from.
func UploadKey(projectID, runtime, version string) string {
	return fmt.Sprintf("projects/%s/uploads/%s.%s.zip",
		projectID, model.SanitizeName(runtime), model.SanitizeName(version))
}

// Dispatcher routes work onto the queue substrate and manages periodic
// schedule entries.
type Dispatcher struct {
	store  store.Store
	queue  substrate.JobQueue
	sched  substrate.Scheduler
	logger *slog.Logger
}

// New creates a Dispatcher.
func New(st store.Store, queue substrate.JobQueue, sched substrate.Scheduler, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:  st,
		queue:  queue,
		sched:  sched,
		logger: logger.With("component", "dispatch"),
	}
}

// EnqueueNotebook resolves the task's runtime, builds the execution
// context and pushes it onto "<cluster>.<machine>" with job id = execid.
func (d *Dispatcher) EnqueueNotebook(ctx context.Context, projectID string, task model.Task, opts execctx.Options) (*model.ExecutionTask, error) {
	rt, err := d.resolveRuntime(ctx, projectID, task)
	if err != nil {
		return nil, err
	}

	et := execctx.Build(projectID, task, rt, opts)
	payload, err := json.Marshal(et)
	if err != nil {
		return nil, fmt.Errorf("marshal execution task: %w", err)
	}

	job := &substrate.Job{
		ID:      et.ExecID,
		Queue:   et.QueueName(),
		Payload: payload,
		Timeout: time.Duration(et.TimeoutSecs) * time.Second,
	}
	if err := d.queue.Push(ctx, job); err != nil {
		return nil, model.NewTransientError(fmt.Sprintf("push job: %v", err))
	}

	d.logger.Info("notebook enqueued",
		"projectid", projectID, "execid", et.ExecID, "wfid", et.WFID, "queue", et.QueueName())
	return et, nil
}

// resolveRuntime looks up the runtime the task pins, or the latest version
// when no version is given. A task without a runtime name runs on the
// platform default image and resolves to nil.
func (d *Dispatcher) resolveRuntime(ctx context.Context, projectID string, task model.Task) (*model.Runtime, error) {
	if task.RuntimeName == "" {
		return nil, nil
	}
	var (
		rt  *model.Runtime
		err error
	)
	if task.RuntimeVersion != "" {
		rt, err = d.store.GetRuntime(ctx, projectID, task.RuntimeName, task.RuntimeVersion)
	} else {
		rt, err = d.store.GetLatestRuntime(ctx, projectID, task.RuntimeName)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve runtime: %w", err)
	}
	if rt == nil {
		return nil, model.NewNotFoundError("runtime", task.RuntimeName)
	}
	return rt, nil
}

// EnqueueBuild constructs a build context for the runtime spec and pushes
// it onto the cluster's build queue with a long timeout.
func (d *Dispatcher) EnqueueBuild(ctx context.Context, project *model.Project, spec model.RuntimeSpec, version, cluster string) (*model.BuildContext, error) {
	if spec.Name == "" {
		return nil, model.NewBadInputError("runtime spec has no name")
	}
	if version == "" {
		version = time.Now().UTC().Format("20060102.150405")
	}
	if cluster == "" {
		cluster = model.DefaultCluster
	}

	name := model.SanitizeName(spec.Name)
	bc := &model.BuildContext{
		ProjectID:      project.ProjectID,
		Spec:           spec,
		Version:        version,
		DockerfileName: "Dockerfile." + name,
		DownloadKey:    UploadKey(project.ProjectID, name, version),
		ImageName:      ImageOrg + "/" + project.ProjectID + "-" + name,
		ExecID:         model.FirmExecID(model.ExecIDFirmBuild),
		Registry:       spec.Registry,
	}

	payload, err := json.Marshal(bc)
	if err != nil {
		return nil, fmt.Errorf("marshal build context: %w", err)
	}
	job := &substrate.Job{
		ID:      bc.ExecID,
		Queue:   cluster + "." + BuildQueueSuffix,
		Payload: payload,
		Timeout: MinBuildTimeout,
	}
	if err := d.queue.Push(ctx, job); err != nil {
		return nil, model.NewTransientError(fmt.Sprintf("push build job: %v", err))
	}

	d.logger.Info("build enqueued",
		"projectid", project.ProjectID, "execid", bc.ExecID, "image", bc.ImageTag(), "queue", job.Queue)
	return bc, nil
}

// EnqueueWorkflow fires a registered workflow. A missing or disabled
// workflow yields (nil, nil) and evicts any schedule entry, which is how
// stale schedules are garbage-collected.
func (d *Dispatcher) EnqueueWorkflow(ctx context.Context, projectID, wfid string) (*model.ExecutionTask, error) {
	wf, err := d.store.GetWorkflow(ctx, projectID, wfid)
	if err != nil {
		return nil, fmt.Errorf("load workflow: %w", err)
	}
	if wf == nil || !wf.Enabled {
		if err := d.sched.Remove(ctx, wfid); err != nil {
			d.logger.Warn("schedule eviction failed", "wfid", wfid, "error", err)
		}
		d.logger.Info("workflow skipped", "wfid", wfid, "missing", wf == nil)
		return nil, nil
	}
	return d.EnqueueNotebook(ctx, projectID, wf.Task, execctx.Options{
		Firm: model.ExecIDFirmDispat,
		WFID: wf.WFID,
	})
}

// RegisterWorkflow creates (or replaces) the periodic entry for the
// workflow. Workflows without a schedule are a no-op.
func (d *Dispatcher) RegisterWorkflow(ctx context.Context, wf *model.Workflow) error {
	if wf.Schedule == nil {
		return nil
	}
	if !wf.Schedule.Valid() {
		return model.NewBadInputError("schedule must set exactly one of cron or interval")
	}

	now := time.Now().UTC()
	entry := &substrate.Entry{
		ID:        wf.WFID,
		ProjectID: wf.ProjectID,
		Left:      copyRepeat(wf.Schedule.Repeat),
	}

	if wf.Schedule.Cron != "" {
		sched, err := cron.ParseStandard(wf.Schedule.Cron)
		if err != nil {
			return model.NewBadInputError(fmt.Sprintf("bad cron expression %q: %v", wf.Schedule.Cron, err))
		}
		entry.Cron = wf.Schedule.Cron
		entry.NextRun = sched.Next(now)
		if err := d.sched.AddCron(ctx, entry); err != nil {
			return model.NewTransientError(fmt.Sprintf("register schedule: %v", err))
		}
	} else {
		interval, err := parseInterval(wf.Schedule.Interval)
		if err != nil {
			return err
		}
		delay, err := parseStartDelay(wf.Schedule.StartDelay)
		if err != nil {
			return err
		}
		entry.Interval = interval
		entry.StartDelay = delay
		if delay > 0 {
			entry.NextRun = now.Add(delay)
		} else {
			entry.NextRun = now.Add(interval)
		}
		if err := d.sched.AddInterval(ctx, entry); err != nil {
			return model.NewTransientError(fmt.Sprintf("register schedule: %v", err))
		}
	}

	d.logger.Info("workflow registered",
		"wfid", wf.WFID, "cron", wf.Schedule.Cron, "interval", wf.Schedule.Interval, "next_run", entry.NextRun)
	return nil
}

// UnregisterWorkflow removes the workflow's periodic entry, if any.
func (d *Dispatcher) UnregisterWorkflow(ctx context.Context, wfid string) error {
	if err := d.sched.Remove(ctx, wfid); err != nil {
		return model.NewTransientError(fmt.Sprintf("unregister schedule: %v", err))
	}
	d.logger.Info("workflow unregistered", "wfid", wfid)
	return nil
}

// GetTask returns the queue-substrate status of an execution, or nil when
// the execid is unknown.
func (d *Dispatcher) GetTask(ctx context.Context, execID string) (*substrate.JobStatus, error) {
	return d.queue.GetStatus(ctx, execID)
}

func copyRepeat(repeat *int) *int {
	if repeat == nil {
		return nil
	}
	v := *repeat
	return &v
}

func parseInterval(s string) (time.Duration, error) {
	dur, err := time.ParseDuration(s)
	if err != nil {
		return 0, model.NewBadInputError(fmt.Sprintf("bad interval %q: %v", s, err))
	}
	if dur <= 0 {
		return 0, model.NewBadInputError(fmt.Sprintf("interval %q must be positive", s))
	}
	return dur, nil
}

// parseStartDelay accepts a bare number of minutes or a duration string.
func parseStartDelay(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if mins, err := strconv.Atoi(s); err == nil {
		if mins < 0 {
			return 0, model.NewBadInputError(fmt.Sprintf("start delay %q must not be negative", s))
		}
		return time.Duration(mins) * time.Minute, nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return 0, model.NewBadInputError(fmt.Sprintf("bad start delay %q: %v", s, err))
	}
	return dur, nil
}
