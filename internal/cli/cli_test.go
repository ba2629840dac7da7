package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/nbworkflows/labflow/internal/artifacts"
	"github.com/nbworkflows/labflow/internal/auth"
	"github.com/nbworkflows/labflow/internal/config"
	"github.com/nbworkflows/labflow/internal/dispatch"
	"github.com/nbworkflows/labflow/internal/events"
	"github.com/nbworkflows/labflow/internal/registry"
	"github.com/nbworkflows/labflow/internal/server"
	"github.com/nbworkflows/labflow/internal/store"
	"github.com/nbworkflows/labflow/internal/substrate"
	"github.com/nbworkflows/labflow/pkg/model"
)

type fixture struct {
	url   string
	store store.Store
	mem   *substrate.Memory
	bus   *events.Bus
}

// startTestServer starts a full API server backed by in-memory stores and
// returns its URL plus handles to the backing state.
func startTestServer(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate test store: %v", err)
	}

	mem := substrate.NewMemory()
	bus := events.New(mem, time.Minute, logger)
	dsp := dispatch.New(st, mem, mem, logger)
	reg := registry.New(mem, logger)
	art := artifacts.NewFSStore(t.TempDir(), logger)
	tokens := auth.NewTokenCodec("test-secret", time.Hour)
	refresh := auth.NewRefreshStore(mem, time.Hour)

	srv := server.New(config.ServerConfig{}, st, dsp, bus, art, tokens, refresh,
		reg, mem, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{url: ts.URL, store: st, mem: mem, bus: bus}
}

// seedSession creates a user, logs in through the API and stores the
// credentials in a throwaway HOME so the CLI picks them up.
func (f *fixture) seedSession(t *testing.T) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	err = f.store.CreateUser(context.Background(), &model.User{
		Username:     "elsa",
		PasswordHash: string(hash),
		Scopes:       []string{"user:rw"},
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewClient(f.url, logger)
	pair, err := c.Login("elsa", "pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	home := t.TempDir()
	t.Setenv("HOME", home)
	credDir := filepath.Join(home, ".labflow")
	if err := os.MkdirAll(credDir, 0o700); err != nil {
		t.Fatalf("mkdir creds: %v", err)
	}
	raw, _ := json.Marshal(credentials{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
	if err := os.WriteFile(filepath.Join(credDir, credentialsFileName), raw, 0o600); err != nil {
		t.Fatalf("write creds: %v", err)
	}
}

// seedProject creates a project directly in the store and writes a matching
// labfile, returning its path and the project id.
func (f *fixture) seedProject(t *testing.T, workflows string) (string, string) {
	t.Helper()
	pid := model.NewProjectID()
	err := f.store.CreateProject(context.Background(), &model.Project{
		ProjectID:  pid,
		Name:       "etl",
		Owner:      "elsa",
		PrivateKey: "k",
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed project: %v", err)
	}

	lfPath := filepath.Join(t.TempDir(), "labfile.yaml")
	content := "version: \"1.0\"\nproject:\n  projectid: " + pid + "\n  name: etl\n" + workflows
	if err := os.WriteFile(lfPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write labfile: %v", err)
	}
	return lfPath, pid
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()

	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)

	err := root.Execute()
	return buf.String(), err
}

const sampleWorkflows = `workflows:
  daily:
    alias: daily
    job_detail:
      nb_name: reports/daily.ipynb
    schedule:
      cron: "0 6 * * *"
    enabled: true
`

func TestWFPushWritesBackWFIDs(t *testing.T) {
	f := startTestServer(t)
	f.seedSession(t)
	lfPath, pid := f.seedProject(t, sampleWorkflows)

	output, err := runCLI(t, "--server", f.url, "-f", lfPath, "wf", "push")
	if err != nil {
		t.Fatalf("wf push: %v\noutput: %s", err, output)
	}
	if !strings.Contains(output, "pushed daily") {
		t.Errorf("expected 'pushed daily' in output, got: %s", output)
	}

	// The assigned wfid lands back in the labfile and on the server.
	data, err := os.ReadFile(lfPath)
	if err != nil {
		t.Fatalf("reread labfile: %v", err)
	}
	if !strings.Contains(string(data), "wfid:") {
		t.Errorf("labfile missing wfid after push:\n%s", data)
	}
	wf, err := f.store.GetWorkflowByAlias(context.Background(), pid, "daily")
	if err != nil || wf == nil {
		t.Fatalf("workflow not registered: %v, %v", wf, err)
	}

	// Pushing again is idempotent.
	output, err = runCLI(t, "--server", f.url, "-f", lfPath, "wf", "push")
	if err != nil {
		t.Fatalf("second wf push: %v\noutput: %s", err, output)
	}
	if !strings.Contains(output, wf.WFID) {
		t.Errorf("expected existing wfid %s in output, got: %s", wf.WFID, output)
	}
}

func TestWFRunEnqueuesExecution(t *testing.T) {
	f := startTestServer(t)
	f.seedSession(t)
	lfPath, _ := f.seedProject(t, sampleWorkflows)

	if _, err := runCLI(t, "--server", f.url, "-f", lfPath, "wf", "push"); err != nil {
		t.Fatalf("wf push: %v", err)
	}
	output, err := runCLI(t, "--server", f.url, "-f", lfPath, "wf", "run", "daily")
	if err != nil {
		t.Fatalf("wf run: %v\noutput: %s", err, output)
	}
	if !strings.Contains(output, "execution "+model.ExecIDFirmWeb+".") {
		t.Errorf("expected execution id in output, got: %s", output)
	}
	depth, err := f.mem.PeekDepth(context.Background(), "default.cpu")
	if err != nil {
		t.Fatalf("peek depth: %v", err)
	}
	if depth != 1 {
		t.Errorf("queue depth = %d, want 1", depth)
	}
}

func TestWFList(t *testing.T) {
	f := startTestServer(t)
	f.seedSession(t)
	lfPath, _ := f.seedProject(t, sampleWorkflows)

	if _, err := runCLI(t, "--server", f.url, "-f", lfPath, "wf", "push"); err != nil {
		t.Fatalf("wf push: %v", err)
	}
	output, err := runCLI(t, "--server", f.url, "-f", lfPath, "wf", "list")
	if err != nil {
		t.Fatalf("wf list: %v\noutput: %s", err, output)
	}
	if !strings.Contains(output, "ALIAS") || !strings.Contains(output, "daily") {
		t.Errorf("expected workflow table in output, got: %s", output)
	}
	if !strings.Contains(output, "cron 0 6 * * *") {
		t.Errorf("expected schedule column in output, got: %s", output)
	}
}

func TestWFRemove(t *testing.T) {
	f := startTestServer(t)
	f.seedSession(t)
	lfPath, pid := f.seedProject(t, sampleWorkflows)

	if _, err := runCLI(t, "--server", f.url, "-f", lfPath, "wf", "push"); err != nil {
		t.Fatalf("wf push: %v", err)
	}
	output, err := runCLI(t, "--server", f.url, "-f", lfPath, "wf", "rm", "daily")
	if err != nil {
		t.Fatalf("wf rm: %v\noutput: %s", err, output)
	}
	wf, err := f.store.GetWorkflowByAlias(context.Background(), pid, "daily")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if wf != nil {
		t.Error("workflow still registered after rm")
	}
	data, _ := os.ReadFile(lfPath)
	if strings.Contains(string(data), "daily") {
		t.Errorf("labfile still lists removed workflow:\n%s", data)
	}
}

func TestLogsTailsUntilExit(t *testing.T) {
	f := startTestServer(t)
	f.seedSession(t)
	lfPath, pid := f.seedProject(t, "")

	channel := events.ChannelName(pid, "web.abc")
	ctx := context.Background()
	if _, err := f.bus.Publish(ctx, channel, &model.Event{Event: model.EventKindLog, Data: "cell 1 done"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := f.bus.PublishExit(ctx, channel); err != nil {
		t.Fatalf("publish exit: %v", err)
	}

	output, err := runCLI(t, "--server", f.url, "-f", lfPath, "logs", "web.abc")
	if err != nil {
		t.Fatalf("logs: %v\noutput: %s", err, output)
	}
	if !strings.Contains(output, "cell 1 done") {
		t.Errorf("expected log line in output, got: %s", output)
	}
	if !strings.Contains(output, "[stream closed]") {
		t.Errorf("expected stream close marker, got: %s", output)
	}
}

func TestHistoryList(t *testing.T) {
	f := startTestServer(t)
	f.seedSession(t)
	lfPath, pid := f.seedProject(t, "")

	err := f.store.CreateHistory(context.Background(), pid, &model.HistoryResult{
		ExecID: "web.abc",
		WFID:   "wf123",
		Status: 0,
		Result: &model.ExecutionResult{
			ProjectID: pid,
			ExecID:    "web.abc",
			NBName:    "daily.ipynb",
		},
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed history: %v", err)
	}

	output, err := runCLI(t, "--server", f.url, "-f", lfPath, "history", "list")
	if err != nil {
		t.Fatalf("history list: %v\noutput: %s", err, output)
	}
	if !strings.Contains(output, "web.abc") || !strings.Contains(output, "ok") {
		t.Errorf("expected history row in output, got: %s", output)
	}
}

func TestWFRunUnknownAlias(t *testing.T) {
	f := startTestServer(t)
	f.seedSession(t)
	lfPath, _ := f.seedProject(t, "")

	_, err := runCLI(t, "--server", f.url, "-f", lfPath, "wf", "run", "ghost")
	if err == nil {
		t.Fatal("expected error for unknown alias")
	}
}
