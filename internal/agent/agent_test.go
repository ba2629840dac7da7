package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nbworkflows/labflow/internal/artifacts"
	"github.com/nbworkflows/labflow/internal/config"
	"github.com/nbworkflows/labflow/internal/events"
	"github.com/nbworkflows/labflow/internal/registry"
	"github.com/nbworkflows/labflow/internal/substrate"
	"github.com/nbworkflows/labflow/internal/worker"
	"github.com/nbworkflows/labflow/pkg/model"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nopRunner struct{}

func (nopRunner) Run(context.Context, string, ...string) (string, string, int, error) {
	return "", "", 0, nil
}

type nopControl struct{}

func (nopControl) PrivateKey(context.Context, string) (string, error)       { return "", nil }
func (nopControl) PushHistory(context.Context, *model.ExecutionResult) error { return nil }
func (nopControl) RegisterRuntime(context.Context, *model.Runtime) error     { return nil }

func testAgent(t *testing.T, cfg config.AgentConfig) (*Agent, *substrate.Memory, error) {
	t.Helper()
	logger := newTestLogger()
	mem := substrate.NewMemory()
	reg := registry.New(mem, logger)
	bus := events.New(mem, time.Hour, logger)
	sink := artifacts.NewFSStore(t.TempDir(), logger)
	nb := worker.NewNotebookDispatcher(nopRunner{}, nopControl{}, bus, sink,
		worker.NotebookConfig{WorkDir: t.TempDir(), RunLocal: true}, logger)
	bd := worker.NewBuildDispatcher(nopRunner{}, nopControl{}, bus, sink, t.TempDir(), logger)
	a, err := New(cfg, reg, mem, nb, bd, logger)
	return a, mem, err
}

func validConfig() config.AgentConfig {
	return config.AgentConfig{
		Name:         "node1",
		Cluster:      "gpu",
		QNames:       []string{"default", "build"},
		WorkersN:     2,
		MachineID:    "mch0abc123",
		HeartbeatTTL: 200 * time.Millisecond,
		CheckEvery:   50 * time.Millisecond,
	}
}

func TestNewRejectsZeroWorkers(t *testing.T) {
	cfg := validConfig()
	cfg.WorkersN = 0
	_, _, err := testAgent(t, cfg)
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrBadInput {
		t.Errorf("err = %v", err)
	}
}

func TestNewRejectsBadHeartbeatTTL(t *testing.T) {
	cfg := validConfig()
	cfg.HeartbeatTTL = cfg.CheckEvery // must strictly exceed
	_, _, err := testAgent(t, cfg)
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrBadInput {
		t.Errorf("err = %v", err)
	}
}

func TestNewDerivesNameFromMachineID(t *testing.T) {
	cfg := validConfig()
	cfg.Name = ""
	a, _, err := testAgent(t, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.Node().Name != "mch0abc123" {
		t.Errorf("name = %q", a.Node().Name)
	}
}

func TestNewGeneratesMachineID(t *testing.T) {
	cfg := validConfig()
	cfg.Name = ""
	cfg.MachineID = ""
	a, _, err := testAgent(t, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(a.Node().MachineID) != model.MachineIDSize {
		t.Errorf("machine id = %q", a.Node().MachineID)
	}
	if a.Node().Name != a.Node().MachineID {
		t.Errorf("name %q != machine id %q", a.Node().Name, a.Node().MachineID)
	}
}

func TestQueuePrefixingAndWorkerNames(t *testing.T) {
	a, _, err := testAgent(t, validConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	wantQ := []string{"gpu.default", "gpu.build"}
	for i, q := range a.Queues() {
		if q != wantQ[i] {
			t.Errorf("queue[%d] = %q, want %q", i, q, wantQ[i])
		}
	}
	wantW := []string{"node1.w0", "node1.w1"}
	for i, w := range a.Node().Workers {
		if w != wantW[i] {
			t.Errorf("worker[%d] = %q, want %q", i, w, wantW[i])
		}
	}
}

func TestRunRegistersAndDeregisters(t *testing.T) {
	a, mem, err := testAgent(t, validConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	reg := registry.New(mem, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// Registered with a live heartbeat.
	deadline := time.Now().Add(2 * time.Second)
	for {
		node, _ := reg.Get(context.Background(), "node1")
		alive, _ := reg.HeartbeatAlive(context.Background(), "node1")
		if node != nil && alive {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("agent never registered with heartbeat")
		}
		time.Sleep(10 * time.Millisecond)
	}

	workers, err := reg.WorkersOfQueue(context.Background(), "gpu.default")
	if err != nil || len(workers) != 2 {
		t.Errorf("workers of gpu.default = %v, %v", workers, err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("agent did not stop")
	}

	if node, _ := reg.Get(context.Background(), "node1"); node != nil {
		t.Error("agent still registered after shutdown")
	}
	if workers, _ := reg.WorkersOfQueue(context.Background(), "gpu.default"); len(workers) != 0 {
		t.Errorf("workers still in queue set: %v", workers)
	}
}

func TestHeartbeatExpiresAfterStop(t *testing.T) {
	a, mem, err := testAgent(t, validConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	reg := registry.New(mem, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if alive, _ := reg.HeartbeatAlive(context.Background(), "node1"); alive {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no heartbeat")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	<-done
	// Unregister removes the lease immediately.
	if alive, _ := reg.HeartbeatAlive(context.Background(), "node1"); alive {
		t.Error("heartbeat survived shutdown")
	}
}
