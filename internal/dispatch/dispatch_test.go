package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nbworkflows/labflow/internal/execctx"
	"github.com/nbworkflows/labflow/internal/store"
	"github.com/nbworkflows/labflow/internal/substrate"
	"github.com/nbworkflows/labflow/pkg/model"
)

func testDispatcher(t *testing.T) (*Dispatcher, *substrate.Memory, *store.SQLiteStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mem := substrate.NewMemory()
	return New(st, mem, mem, logger), mem, st
}

func testProject(t *testing.T, st *store.SQLiteStore) *model.Project {
	t.Helper()
	now := time.Now().UTC()
	p := &model.Project{
		ProjectID: model.NewProjectID(),
		Name:      "genomics",
		Owner:     "alice",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.CreateProject(context.Background(), p); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	return p
}

func TestEnqueueNotebookRoutesToQueue(t *testing.T) {
	d, mem, st := testDispatcher(t)
	ctx := context.Background()
	p := testProject(t, st)

	task := model.Task{NBName: "report", TimeoutSecs: 120}
	et, err := d.EnqueueNotebook(ctx, p.ProjectID, task, execctx.Options{Firm: model.ExecIDFirmWeb})
	if err != nil {
		t.Fatalf("EnqueueNotebook: %v", err)
	}
	if et.QueueName() != "default.cpu" {
		t.Errorf("queue = %q, want default.cpu", et.QueueName())
	}
	if !strings.HasPrefix(et.ExecID, "web.") {
		t.Errorf("execid = %q, want web. prefix", et.ExecID)
	}

	job, err := mem.Pop(ctx, []string{"default.cpu"}, 50*time.Millisecond)
	if err != nil || job == nil {
		t.Fatalf("Pop = %v, %v", job, err)
	}
	if job.ID != et.ExecID {
		t.Errorf("job id = %q, want %q", job.ID, et.ExecID)
	}
	if job.Timeout != 120*time.Second {
		t.Errorf("timeout = %v", job.Timeout)
	}

	var popped model.ExecutionTask
	if err := json.Unmarshal(job.Payload, &popped); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if popped.NBName != "report" || popped.Params[model.ParamExecID] != et.ExecID {
		t.Errorf("payload = %+v", popped)
	}
}

func TestEnqueueNotebookResolvesLatestRuntime(t *testing.T) {
	d, _, st := testDispatcher(t)
	ctx := context.Background()
	p := testProject(t, st)

	base := time.Now().UTC().Add(-time.Hour)
	for i, version := range []string{"1.0.0", "2.0.0"} {
		rt := &model.Runtime{
			RuntimeID:  model.RuntimeID(p.ProjectID, "science", version),
			ProjectID:  p.ProjectID,
			Name:       "science",
			DockerName: "genomics-science",
			Version:    version,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}
		if err := st.CreateRuntime(ctx, rt); err != nil {
			t.Fatalf("CreateRuntime: %v", err)
		}
	}

	et, err := d.EnqueueNotebook(ctx, p.ProjectID,
		model.Task{NBName: "report", RuntimeName: "science"}, execctx.Options{})
	if err != nil {
		t.Fatalf("EnqueueNotebook: %v", err)
	}
	if et.Runtime != "genomics-science:2.0.0" {
		t.Errorf("runtime = %q, want latest version", et.Runtime)
	}

	// Pinned version wins over latest.
	et, err = d.EnqueueNotebook(ctx, p.ProjectID,
		model.Task{NBName: "report", RuntimeName: "science", RuntimeVersion: "1.0.0"}, execctx.Options{})
	if err != nil {
		t.Fatalf("EnqueueNotebook pinned: %v", err)
	}
	if et.Runtime != "genomics-science:1.0.0" {
		t.Errorf("runtime = %q, want pinned version", et.Runtime)
	}
}

func TestEnqueueNotebookUnknownRuntime(t *testing.T) {
	d, _, st := testDispatcher(t)
	p := testProject(t, st)

	_, err := d.EnqueueNotebook(context.Background(), p.ProjectID,
		model.Task{NBName: "report", RuntimeName: "missing"}, execctx.Options{})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrNotFound {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
}

func TestEnqueueBuild(t *testing.T) {
	d, mem, st := testDispatcher(t)
	ctx := context.Background()
	p := testProject(t, st)

	spec := model.RuntimeSpec{
		Name:      "sci/env", // hostile name gets sanitized
		Container: model.ContainerSpec{Image: "python:3.11"},
	}
	bc, err := d.EnqueueBuild(ctx, p, spec, "1.0.0", "")
	if err != nil {
		t.Fatalf("EnqueueBuild: %v", err)
	}
	if !strings.HasPrefix(bc.ExecID, "bld.") {
		t.Errorf("execid = %q, want bld. prefix", bc.ExecID)
	}
	wantKey := "projects/" + p.ProjectID + "/uploads/scienv.1.0.0.zip"
	if bc.DownloadKey != wantKey {
		t.Errorf("download key = %q, want %q", bc.DownloadKey, wantKey)
	}
	if bc.ImageName != "nbworkflows/"+p.ProjectID+"-scienv" {
		t.Errorf("image name = %q", bc.ImageName)
	}

	job, err := mem.Pop(ctx, []string{"default.build"}, 50*time.Millisecond)
	if err != nil || job == nil {
		t.Fatalf("Pop = %v, %v", job, err)
	}
	if job.Timeout < time.Hour {
		t.Errorf("build timeout = %v, want >= 1h", job.Timeout)
	}
}

func TestEnqueueBuildRejectsEmptyName(t *testing.T) {
	d, _, st := testDispatcher(t)
	p := testProject(t, st)

	_, err := d.EnqueueBuild(context.Background(), p, model.RuntimeSpec{}, "1.0.0", "")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrBadInput {
		t.Errorf("err = %v, want BAD_INPUT", err)
	}
}

func TestEnqueueWorkflowDisabledEvictsSchedule(t *testing.T) {
	d, mem, st := testDispatcher(t)
	ctx := context.Background()
	p := testProject(t, st)

	now := time.Now().UTC()
	wf := &model.Workflow{
		WFID:      model.NewWFID(),
		ProjectID: p.ProjectID,
		Alias:     "daily",
		Task:      model.Task{NBName: "report"},
		Schedule:  &model.Schedule{Interval: "1h"},
		Enabled:   false,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.CreateWorkflow(ctx, wf); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	if err := d.RegisterWorkflow(ctx, wf); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}

	et, err := d.EnqueueWorkflow(ctx, p.ProjectID, wf.WFID)
	if err != nil || et != nil {
		t.Fatalf("EnqueueWorkflow disabled = %+v, %v; want nil, nil", et, err)
	}
	if e, _ := mem.GetEntry(ctx, wf.WFID); e != nil {
		t.Error("schedule entry should be evicted for a disabled workflow")
	}

	// Unknown wfid behaves the same way.
	et, err = d.EnqueueWorkflow(ctx, p.ProjectID, "nosuchwf")
	if err != nil || et != nil {
		t.Errorf("EnqueueWorkflow missing = %+v, %v; want nil, nil", et, err)
	}
}

func TestEnqueueWorkflowFires(t *testing.T) {
	d, mem, st := testDispatcher(t)
	ctx := context.Background()
	p := testProject(t, st)

	now := time.Now().UTC()
	wf := &model.Workflow{
		WFID:      model.NewWFID(),
		ProjectID: p.ProjectID,
		Alias:     "daily",
		Task:      model.Task{NBName: "report", Machine: "gpu"},
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.CreateWorkflow(ctx, wf); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	et, err := d.EnqueueWorkflow(ctx, p.ProjectID, wf.WFID)
	if err != nil {
		t.Fatalf("EnqueueWorkflow: %v", err)
	}
	if et.WFID != wf.WFID {
		t.Errorf("wfid = %q, want bound to workflow", et.WFID)
	}
	if !strings.HasPrefix(et.ExecID, "dsp.") {
		t.Errorf("execid = %q, want dsp. prefix", et.ExecID)
	}
	if job, _ := mem.Pop(ctx, []string{"default.gpu"}, 50*time.Millisecond); job == nil {
		t.Error("expected job on default.gpu")
	}
}

func TestRegisterWorkflowReplaces(t *testing.T) {
	d, mem, _ := testDispatcher(t)
	ctx := context.Background()

	wf := &model.Workflow{
		WFID:      model.NewWFID(),
		ProjectID: "p1",
		Schedule:  &model.Schedule{Cron: "0 * * * *"},
	}
	if err := d.RegisterWorkflow(ctx, wf); err != nil {
		t.Fatalf("RegisterWorkflow cron: %v", err)
	}

	wf.Schedule = &model.Schedule{Interval: "30m", StartDelay: "5"}
	if err := d.RegisterWorkflow(ctx, wf); err != nil {
		t.Fatalf("RegisterWorkflow interval: %v", err)
	}

	entries, _ := mem.List(ctx)
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1 (replace, not append)", len(entries))
	}
	e := entries[0]
	if e.Cron != "" || e.Interval != 30*time.Minute || e.StartDelay != 5*time.Minute {
		t.Errorf("entry = %+v, want replaced interval entry", e)
	}

	if err := d.UnregisterWorkflow(ctx, wf.WFID); err != nil {
		t.Fatalf("UnregisterWorkflow: %v", err)
	}
	if entries, _ := mem.List(ctx); len(entries) != 0 {
		t.Errorf("entries after unregister = %d, want 0", len(entries))
	}
}

func TestRegisterWorkflowValidation(t *testing.T) {
	d, _, _ := testDispatcher(t)
	ctx := context.Background()

	cases := []*model.Schedule{
		{Cron: "0 * * * *", Interval: "1h"}, // both set
		{},                                  // neither set
		{Cron: "not a cron"},
		{Interval: "not a duration"},
		{Interval: "-5m"},
	}
	for _, sched := range cases {
		wf := &model.Workflow{WFID: model.NewWFID(), ProjectID: "p1", Schedule: sched}
		err := d.RegisterWorkflow(ctx, wf)
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != model.ErrBadInput {
			t.Errorf("schedule %+v: err = %v, want BAD_INPUT", sched, err)
		}
	}

	// No schedule at all is fine: the workflow is run-on-demand only.
	if err := d.RegisterWorkflow(ctx, &model.Workflow{WFID: model.NewWFID()}); err != nil {
		t.Errorf("nil schedule: %v", err)
	}
}

func TestGetTaskStatus(t *testing.T) {
	d, _, st := testDispatcher(t)
	ctx := context.Background()
	p := testProject(t, st)

	et, err := d.EnqueueNotebook(ctx, p.ProjectID, model.Task{NBName: "report"}, execctx.Options{})
	if err != nil {
		t.Fatalf("EnqueueNotebook: %v", err)
	}

	status, err := d.GetTask(ctx, et.ExecID)
	if err != nil || status == nil {
		t.Fatalf("GetTask = %+v, %v", status, err)
	}
	if status.Status != substrate.StatusQueued || status.Queue != "default.cpu" {
		t.Errorf("status = %+v", status)
	}

	if status, _ := d.GetTask(ctx, "unknown"); status != nil {
		t.Errorf("unknown execid status = %+v, want nil", status)
	}
}
