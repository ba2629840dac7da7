package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nbworkflows/labflow/internal/registry"
	"github.com/nbworkflows/labflow/internal/substrate"
	"github.com/nbworkflows/labflow/pkg/model"
)

const buildQueueSuffix = ".build"

// Worker is a single-threaded cooperative loop: claim a job from the
// cluster queues, run the matching dispatcher, report status. Shutdown is
// cooperative too: a control message makes the worker finish its current
// job and exit.
type Worker struct {
	name     string
	queues   []string
	queue    substrate.JobQueue
	reg      *registry.Registry
	notebook *NotebookDispatcher
	build    *BuildDispatcher
	popBlock time.Duration
	logger   *slog.Logger
}

// NewWorker creates a worker claiming from queues.
func NewWorker(name string, queues []string, queue substrate.JobQueue, reg *registry.Registry, nb *NotebookDispatcher, bd *BuildDispatcher, logger *slog.Logger) *Worker {
	return &Worker{
		name:     name,
		queues:   queues,
		queue:    queue,
		reg:      reg,
		notebook: nb,
		build:    bd,
		popBlock: 5 * time.Second,
		logger:   logger.With("component", "worker", "worker", name),
	}
}

// Name returns the worker's registry name.
func (w *Worker) Name() string { return w.name }

// Run claims and executes jobs until the context is cancelled or a
// shutdown message arrives.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "queues", w.queues)
	if err := w.reg.TouchWorker(ctx, w.name); err != nil {
		w.logger.Warn("activity touch failed", "error", err)
	}

	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopping (context cancelled)")
			return nil
		}

		shutdown, err := w.reg.ShutdownRequested(ctx, w.name)
		if err != nil {
			w.logger.Warn("shutdown check failed", "error", err)
		}
		if shutdown {
			w.logger.Info("worker stopping (shutdown requested)")
			return nil
		}

		job, err := w.queue.Pop(ctx, w.queues, w.popBlock)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("pop failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}
		w.handle(ctx, job)
	}
}

func (w *Worker) handle(ctx context.Context, job *substrate.Job) {
	w.logger.Info("job claimed", "jobid", job.ID, "queue", job.Queue)
	if err := w.queue.SetStatus(ctx, job.ID, substrate.StatusStarted); err != nil {
		w.logger.Warn("status update failed", "jobid", job.ID, "error", err)
	}
	w.reg.TouchWorker(ctx, w.name)
	defer w.reg.TouchWorker(ctx, w.name)

	status := substrate.StatusFinished
	if strings.HasSuffix(job.Queue, buildQueueSuffix) {
		if err := w.runBuild(ctx, job); err != nil {
			status = substrate.StatusFailed
		}
	} else {
		if res := w.runNotebook(ctx, job); res == nil || res.Error {
			status = substrate.StatusFailed
		}
	}

	if err := w.queue.SetStatus(ctx, job.ID, status); err != nil {
		w.logger.Warn("status update failed", "jobid", job.ID, "error", err)
	}
	w.logger.Info("job done", "jobid", job.ID, "status", status)
}

func (w *Worker) runNotebook(ctx context.Context, job *substrate.Job) *model.ExecutionResult {
	var task model.ExecutionTask
	if err := json.Unmarshal(job.Payload, &task); err != nil {
		w.logger.Error("bad notebook payload", "jobid", job.ID, "error", err)
		return nil
	}
	return w.notebook.Run(ctx, &task)
}

func (w *Worker) runBuild(ctx context.Context, job *substrate.Job) error {
	var bc model.BuildContext
	if err := json.Unmarshal(job.Payload, &bc); err != nil {
		w.logger.Error("bad build payload", "jobid", job.ID, "error", err)
		return err
	}

	runCtx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}
	return w.build.Run(runCtx, &bc)
}
