package worker

import (
	"archive/zip"
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nbworkflows/labflow/internal/artifacts"
	"github.com/nbworkflows/labflow/internal/events"
	"github.com/nbworkflows/labflow/internal/substrate"
	"github.com/nbworkflows/labflow/pkg/model"
)

func testBundle(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		w.Write([]byte(content))
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func testBuildContext() *model.BuildContext {
	return &model.BuildContext{
		ProjectID: "abc1234567",
		Spec: model.RuntimeSpec{
			Name: "default",
			Container: model.ContainerSpec{
				Image:        "python:3.10-slim",
				Requirements: "requirements.txt",
			},
		},
		Version:        "v1",
		DockerfileName: "Dockerfile.default",
		DownloadKey:    "projects/abc1234567/uploads/default.v1.zip",
		ImageName:      "nbworkflows/abc1234567-default",
		ExecID:         model.FirmExecID(model.ExecIDFirmBuild),
	}
}

type buildFixture struct {
	dispatcher *BuildDispatcher
	runner     *mockRunner
	control    *fakeControl
	bus        *events.Bus
	store      *artifacts.FSStore
}

func newBuildFixture(t *testing.T, runner *mockRunner) *buildFixture {
	t.Helper()
	logger := newTestLogger()
	control := &fakeControl{}
	bus := events.New(substrate.NewMemory(), time.Hour, logger)
	store := artifacts.NewFSStore(t.TempDir(), logger)
	d := NewBuildDispatcher(runner, control, bus, store, t.TempDir(), logger)
	return &buildFixture{dispatcher: d, runner: runner, control: control, bus: bus, store: store}
}

func TestBuildSuccess(t *testing.T) {
	bc := testBuildContext()
	runner := &mockRunner{results: []mockResult{
		{exitCode: 0}, // build
		{exitCode: 0}, // tag latest
	}}
	fx := newBuildFixture(t, runner)
	ctx := context.Background()

	bundle := testBundle(t, map[string]string{"requirements.txt": "papermill\n"})
	if _, err := fx.store.Put(ctx, bc.DownloadKey, bytes.NewReader(bundle)); err != nil {
		t.Fatalf("Put bundle: %v", err)
	}

	if err := fx.dispatcher.Run(ctx, bc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Tag order: <image>:<version> then :latest.
	if len(runner.calls) != 2 {
		t.Fatalf("calls = %d", len(runner.calls))
	}
	build := strings.Join(runner.calls[0].args, " ")
	if !strings.Contains(build, "build") || !strings.Contains(build, "nbworkflows/abc1234567-default:v1") {
		t.Errorf("build call = %q", build)
	}
	tag := strings.Join(runner.calls[1].args, " ")
	if !strings.Contains(tag, "nbworkflows/abc1234567-default:latest") {
		t.Errorf("tag call = %q", tag)
	}

	if len(fx.control.runtimes) != 1 {
		t.Fatalf("runtimes = %+v", fx.control.runtimes)
	}
	rt := fx.control.runtimes[0]
	if rt.RuntimeID != "abc1234567/default/v1" || rt.DockerName != "nbworkflows/abc1234567-default" {
		t.Errorf("runtime = %+v", rt)
	}

	// Stream ends with result then control/exit.
	evs, _ := fx.bus.Read(ctx, events.ChannelName(bc.ProjectID, bc.ExecID), "", 10*time.Millisecond)
	if len(evs) < 2 {
		t.Fatalf("events = %d", len(evs))
	}
	last, prev := evs[len(evs)-1], evs[len(evs)-2]
	if prev.Event != model.EventKindResult || !last.IsExit() {
		t.Errorf("terminal events = %+v, %+v", prev, last)
	}
	if strings.Contains(prev.Data, `"error":true`) {
		t.Errorf("result marked errored: %s", prev.Data)
	}
}

func TestBuildPushesToRegistry(t *testing.T) {
	bc := testBuildContext()
	bc.Registry = "registry.example.com"
	runner := &mockRunner{results: []mockResult{
		{exitCode: 0}, // build
		{exitCode: 0}, // tag latest
		{exitCode: 0}, // tag remote
		{exitCode: 0}, // push
	}}
	fx := newBuildFixture(t, runner)
	ctx := context.Background()
	fx.store.Put(ctx, bc.DownloadKey, bytes.NewReader(testBundle(t, map[string]string{"a.txt": "x"})))

	if err := fx.dispatcher.Run(ctx, bc); err != nil {
		t.Fatalf("Run: %v", err)
	}
	push := strings.Join(runner.calls[3].args, " ")
	if !strings.Contains(push, "push registry.example.com/nbworkflows/abc1234567-default:v1") {
		t.Errorf("push call = %q", push)
	}
	if fx.control.runtimes[0].Registry != "registry.example.com" {
		t.Errorf("runtime registry = %q", fx.control.runtimes[0].Registry)
	}
}

func TestBuildFailureSkipsRegistration(t *testing.T) {
	bc := testBuildContext()
	runner := &mockRunner{results: []mockResult{
		{stderr: "no space left on device", exitCode: 1},
	}}
	fx := newBuildFixture(t, runner)
	ctx := context.Background()
	fx.store.Put(ctx, bc.DownloadKey, bytes.NewReader(testBundle(t, map[string]string{"a.txt": "x"})))

	err := fx.dispatcher.Run(ctx, bc)
	if err == nil {
		t.Fatal("failed build must return an error")
	}
	if len(fx.control.runtimes) != 0 {
		t.Errorf("failed build registered a runtime: %+v", fx.control.runtimes)
	}

	evs, _ := fx.bus.Read(ctx, events.ChannelName(bc.ProjectID, bc.ExecID), "", 10*time.Millisecond)
	last, prev := evs[len(evs)-1], evs[len(evs)-2]
	if !last.IsExit() || prev.Event != model.EventKindResult || !strings.Contains(prev.Data, `"error":true`) {
		t.Errorf("terminal events = %+v, %+v", prev, last)
	}
}

func TestBuildMissingBundle(t *testing.T) {
	bc := testBuildContext()
	fx := newBuildFixture(t, &mockRunner{})

	err := fx.dispatcher.Run(context.Background(), bc)
	if err == nil || !strings.Contains(err.Error(), "download bundle") {
		t.Errorf("err = %v", err)
	}
	if len(fx.runner.calls) != 0 {
		t.Errorf("docker invoked without a bundle: %+v", fx.runner.calls)
	}
}

func TestRenderDockerfile(t *testing.T) {
	spec := model.RuntimeSpec{
		Name: "science",
		Container: model.ContainerSpec{
			Image:        "python:3.11",
			Maintainer:   "lab@example.com",
			Requirements: "requirements.txt",
			User:         model.SpecUser{UID: 1000, GID: 1000},
		},
	}
	df := renderDockerfile(spec)
	for _, want := range []string{
		"FROM python:3.11",
		"pip install --no-cache-dir -r requirements.txt",
		"USER 1000:1000",
	} {
		if !strings.Contains(df, want) {
			t.Errorf("dockerfile missing %q:\n%s", want, df)
		}
	}
}
