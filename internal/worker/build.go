package worker

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/nbworkflows/labflow/internal/artifacts"
	"github.com/nbworkflows/labflow/internal/events"
	"github.com/nbworkflows/labflow/pkg/model"
)

// BuildDispatcher turns an uploaded project bundle into a registered
// runtime version: download, unzip, docker build, tag, optional push,
// register. Progress and the terminal result go to the build's event
// stream.
type BuildDispatcher struct {
	runner  CommandRunner
	control ControlPlane
	bus     Publisher
	store   artifacts.Store
	workDir string
	logger  *slog.Logger
}

// NewBuildDispatcher wires a build dispatcher.
func NewBuildDispatcher(runner CommandRunner, control ControlPlane, bus Publisher, store artifacts.Store, workDir string, logger *slog.Logger) *BuildDispatcher {
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "labflow-build")
	}
	return &BuildDispatcher{
		runner:  runner,
		control: control,
		bus:     bus,
		store:   store,
		workDir: workDir,
		logger:  logger.With("component", "build-dispatcher"),
	}
}

// Run executes one build. Registration is skipped on any failure; the
// event stream always terminates with a result and an exit event.
func (d *BuildDispatcher) Run(ctx context.Context, bc *model.BuildContext) error {
	channel := events.ChannelName(bc.ProjectID, bc.ExecID)
	start := time.Now()

	err := d.build(ctx, bc, channel)
	if err != nil {
		d.logger.Error("build failed", "execid", bc.ExecID, "image", bc.ImageTag(), "error", err)
	} else {
		d.logger.Info("build finished", "execid", bc.ExecID, "image", bc.ImageTag(),
			"elapsed_secs", time.Since(start).Seconds())
	}

	d.publishResult(ctx, bc, channel, start, err)
	return err
}

func (d *BuildDispatcher) build(ctx context.Context, bc *model.BuildContext, channel string) error {
	buildDir := filepath.Join(d.workDir, model.SanitizeName(bc.ExecID))
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return fmt.Errorf("create build dir: %w", err)
	}
	defer os.RemoveAll(buildDir)

	d.log(ctx, channel, "downloading bundle "+bc.DownloadKey)
	zipPath := filepath.Join(buildDir, "bundle.zip")
	size, err := d.download(ctx, bc.DownloadKey, zipPath)
	if err != nil {
		return fmt.Errorf("download bundle: %w", err)
	}
	d.log(ctx, channel, "bundle downloaded ("+humanize.Bytes(uint64(size))+")")

	srcDir := filepath.Join(buildDir, "src")
	if err := unzip(zipPath, srcDir); err != nil {
		return fmt.Errorf("unzip bundle: %w", err)
	}

	dockerfile := filepath.Join(srcDir, bc.DockerfileName)
	if _, err := os.Stat(dockerfile); os.IsNotExist(err) {
		if err := os.WriteFile(dockerfile, []byte(renderDockerfile(bc.Spec)), 0o644); err != nil {
			return fmt.Errorf("write dockerfile: %w", err)
		}
		d.log(ctx, channel, "generated "+bc.DockerfileName)
	}

	d.log(ctx, channel, "building "+bc.ImageTag())
	if err := d.docker(ctx, "build", "-f", dockerfile, "-t", bc.ImageTag(), srcDir); err != nil {
		return err
	}
	if err := d.docker(ctx, "tag", bc.ImageTag(), bc.ImageName+":latest"); err != nil {
		return err
	}

	if bc.Registry != "" {
		remote := bc.Registry + "/" + bc.ImageTag()
		if err := d.docker(ctx, "tag", bc.ImageTag(), remote); err != nil {
			return err
		}
		d.log(ctx, channel, "pushing "+remote)
		if err := d.docker(ctx, "push", remote); err != nil {
			return err
		}
	}

	rt := &model.Runtime{
		RuntimeID:  model.RuntimeID(bc.ProjectID, bc.Spec.Name, bc.Version),
		ProjectID:  bc.ProjectID,
		Name:       bc.Spec.Name,
		DockerName: bc.ImageName,
		Spec:       bc.Spec,
		Version:    bc.Version,
		Registry:   bc.Registry,
		CreatedAt:  time.Now().UTC(),
	}
	if err := d.control.RegisterRuntime(ctx, rt); err != nil {
		return fmt.Errorf("register runtime: %w", err)
	}
	d.log(ctx, channel, "registered runtime "+rt.RuntimeID)
	return nil
}

func (d *BuildDispatcher) docker(ctx context.Context, args ...string) error {
	_, stderr, exitCode, err := d.runner.Run(ctx, "docker", args...)
	if err != nil {
		return fmt.Errorf("docker %s: %w", args[0], err)
	}
	if exitCode != 0 {
		return fmt.Errorf("docker %s: exit %d: %s", args[0], exitCode, tail(stderr, 500))
	}
	return nil
}

func (d *BuildDispatcher) download(ctx context.Context, key, dst string) (int64, error) {
	rc, err := d.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	f, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, rc)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func (d *BuildDispatcher) log(ctx context.Context, channel, msg string) {
	if _, err := d.bus.Publish(ctx, channel, &model.Event{Event: model.EventKindLog, Data: msg}); err != nil {
		d.logger.Warn("log publish failed", "channel", channel, "error", err)
	}
}

func (d *BuildDispatcher) publishResult(ctx context.Context, bc *model.BuildContext, channel string, start time.Time, buildErr error) {
	res := model.ExecutionResult{
		ProjectID:   bc.ProjectID,
		ExecID:      bc.ExecID,
		NBName:      bc.Spec.Name,
		Runtime:     bc.ImageTag(),
		Error:       buildErr != nil,
		ElapsedSecs: time.Since(start).Seconds(),
		CreatedAt:   start.UTC(),
	}
	if buildErr != nil {
		res.ErrorMsg = buildErr.Error()
	}
	if raw, err := json.Marshal(res); err == nil {
		if _, err := d.bus.Publish(ctx, channel, &model.Event{Event: model.EventKindResult, Data: string(raw)}); err != nil {
			d.logger.Warn("result publish failed", "channel", channel, "error", err)
		}
	}
	if err := d.bus.PublishExit(ctx, channel); err != nil {
		d.logger.Warn("exit publish failed", "channel", channel, "error", err)
	}
}

// renderDockerfile derives a Dockerfile from the runtime spec when the
// bundle does not ship its own.
func renderDockerfile(spec model.RuntimeSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n", spec.Container.Image)
	if spec.Container.Maintainer != "" {
		fmt.Fprintf(&b, "LABEL maintainer=%q\n", spec.Container.Maintainer)
	}
	if spec.Container.BuildPackages != "" {
		fmt.Fprintf(&b, "RUN apt-get update && apt-get install -y %s && rm -rf /var/lib/apt/lists/*\n",
			spec.Container.BuildPackages)
	}
	b.WriteString("COPY . /app\nWORKDIR /app\n")
	if spec.Container.Requirements != "" {
		fmt.Fprintf(&b, "RUN pip install --no-cache-dir -r %s\n", spec.Container.Requirements)
	}
	if spec.Container.User.UID != 0 {
		fmt.Fprintf(&b, "USER %d:%d\n", spec.Container.User.UID, spec.Container.User.GID)
	}
	return b.String()
}

// unzip extracts archive into dir, refusing entries that escape it.
func unzip(archive, dir string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		dst := filepath.Join(dir, f.Name)
		if !strings.HasPrefix(dst, filepath.Clean(dir)+string(os.PathSeparator)) {
			return fmt.Errorf("illegal path %q in archive", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
		if err != nil {
			rc.Close()
			return err
		}
		_, err = io.Copy(out, rc)
		rc.Close()
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}
