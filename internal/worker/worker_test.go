package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nbworkflows/labflow/internal/artifacts"
	"github.com/nbworkflows/labflow/internal/events"
	"github.com/nbworkflows/labflow/internal/execctx"
	"github.com/nbworkflows/labflow/internal/registry"
	"github.com/nbworkflows/labflow/internal/substrate"
	"github.com/nbworkflows/labflow/pkg/model"
)

func testWorker(t *testing.T, mem *substrate.Memory, runner *mockRunner, queues []string) (*Worker, *registry.Registry) {
	t.Helper()
	logger := newTestLogger()
	reg := registry.New(mem, logger)
	control := &fakeControl{}
	bus := events.New(mem, time.Hour, logger)
	sink := artifacts.NewFSStore(t.TempDir(), logger)
	nb := NewNotebookDispatcher(runner, control, bus, sink,
		NotebookConfig{WorkDir: t.TempDir(), RunLocal: true}, logger)
	bd := NewBuildDispatcher(runner, control, bus, sink, t.TempDir(), logger)
	w := NewWorker("node1.w0", queues, mem, reg, nb, bd, logger)
	w.popBlock = 20 * time.Millisecond
	return w, reg
}

func pushNotebookJob(t *testing.T, mem *substrate.Memory, queue string) *model.ExecutionTask {
	t.Helper()
	task := execctx.Build("abc1234567", model.Task{NBName: "report"}, nil, execctx.Options{})
	payload, _ := json.Marshal(task)
	job := &substrate.Job{ID: task.ExecID, Queue: queue, Payload: payload}
	if err := mem.Push(context.Background(), job); err != nil {
		t.Fatalf("Push: %v", err)
	}
	return task
}

func TestWorkerProcessesJobAndStops(t *testing.T) {
	mem := substrate.NewMemory()
	runner := &mockRunner{results: []mockResult{{exitCode: 0}}}
	w, _ := testWorker(t, mem, runner, []string{"default.cpu"})
	task := pushNotebookJob(t, mem, "default.cpu")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitFor(t, func() bool {
		st, _ := mem.GetStatus(context.Background(), task.ExecID)
		return st != nil && st.Status == substrate.StatusFinished
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on cancel")
	}
	if len(runner.calls) != 1 {
		t.Errorf("docker calls = %d", len(runner.calls))
	}
}

func TestWorkerMarksFailedJob(t *testing.T) {
	mem := substrate.NewMemory()
	runner := &mockRunner{results: []mockResult{{stderr: "boom", exitCode: 1}}}
	w, _ := testWorker(t, mem, runner, []string{"default.cpu"})
	task := pushNotebookJob(t, mem, "default.cpu")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	waitFor(t, func() bool {
		st, _ := mem.GetStatus(context.Background(), task.ExecID)
		return st != nil && st.Status == substrate.StatusFailed
	})
}

func TestWorkerShutdownMessage(t *testing.T) {
	mem := substrate.NewMemory()
	w, reg := testWorker(t, mem, &mockRunner{}, []string{"default.cpu"})

	ctx := context.Background()
	// Deliver the control message before the loop checks it.
	if err := mem.Set(ctx, "ctl:node1.w0", "shutdown", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker ignored shutdown message")
	}

	// The message is consumed: a restarted worker keeps running.
	if shutdown, _ := reg.ShutdownRequested(ctx, "node1.w0"); shutdown {
		t.Error("shutdown message not consumed")
	}
}

func TestWorkerBadPayload(t *testing.T) {
	mem := substrate.NewMemory()
	w, _ := testWorker(t, mem, &mockRunner{}, []string{"default.cpu"})
	job := &substrate.Job{ID: "junk1", Queue: "default.cpu", Payload: []byte("{not json")}
	mem.Push(context.Background(), job)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	waitFor(t, func() bool {
		st, _ := mem.GetStatus(context.Background(), "junk1")
		return st != nil && st.Status == substrate.StatusFailed
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
