package cloud

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nbworkflows/labflow/pkg/model"
)

// LocalProvider materializes "machines" as docker containers on the host,
// for development and integration testing. Volumes map to docker volumes.
type LocalProvider struct {
	runner     Runner
	agentImage string
	logger     *slog.Logger
}

// NewLocalProvider creates a local docker-backed provider.
func NewLocalProvider(runner Runner, agentImage string, logger *slog.Logger) *LocalProvider {
	if agentImage == "" {
		agentImage = "nbworkflows/labflow-agent:latest"
	}
	return &LocalProvider{
		runner:     runner,
		agentImage: agentImage,
		logger:     logger.With("component", "cloud.local"),
	}
}

// CreateMachine starts a stopped placeholder container; Deploy turns it
// into a running agent.
func (p *LocalProvider) CreateMachine(ctx context.Context, req *model.MachineRequest) (*model.MachineInstance, error) {
	name := req.Name
	if name == "" {
		name = model.NewMachineID()
	}
	cname := containerName(req.Cluster, name)
	out, err := p.docker(ctx, "create", "--name", cname, "--label", "labflow.cluster="+req.Cluster, p.agentImage)
	if err != nil {
		return nil, fmt.Errorf("create machine %s: %w", name, err)
	}
	inst := &model.MachineInstance{
		ID:        strings.TrimSpace(out),
		Name:      name,
		Cluster:   req.Cluster,
		PrivateIP: "127.0.0.1",
		Extra:     map[string]string{"container": cname},
	}
	p.logger.Info("machine created", "machine", name, "cluster", req.Cluster)
	return inst, nil
}

// DestroyMachine force-removes the container. Removal of an unknown
// machine is not an error.
func (p *LocalProvider) DestroyMachine(ctx context.Context, name string) error {
	if _, err := p.docker(ctx, "rm", "-f", name); err != nil {
		if strings.Contains(err.Error(), "No such container") {
			return nil
		}
		return fmt.Errorf("destroy machine %s: %w", name, err)
	}
	p.logger.Info("machine destroyed", "machine", name)
	return nil
}

// CreateVolume creates a docker volume.
func (p *LocalProvider) CreateVolume(ctx context.Context, disk model.BlockStorage) (*model.BlockInstance, error) {
	out, err := p.docker(ctx, "volume", "create", disk.Name)
	if err != nil {
		return nil, fmt.Errorf("create volume %s: %w", disk.Name, err)
	}
	return &model.BlockInstance{
		ID:     strings.TrimSpace(out),
		Name:   disk.Name,
		SizeGB: disk.SizeGB,
	}, nil
}

// DestroyVolume removes a docker volume.
func (p *LocalProvider) DestroyVolume(ctx context.Context, disk string) (bool, error) {
	if _, err := p.docker(ctx, "volume", "rm", disk); err != nil {
		if strings.Contains(err.Error(), "no such volume") {
			return false, nil
		}
		return false, fmt.Errorf("destroy volume %s: %w", disk, err)
	}
	return true, nil
}

// AttachVolume is a no-op locally; docker volumes bind at run time.
func (p *LocalProvider) AttachVolume(ctx context.Context, instance, disk string) (bool, error) {
	return true, nil
}

// DetachVolume is a no-op locally.
func (p *LocalProvider) DetachVolume(ctx context.Context, instance, disk string) (bool, error) {
	return true, nil
}

// Deploy replaces the placeholder with a running agent container wired to
// the local control plane.
func (p *LocalProvider) Deploy(ctx context.Context, inst *model.MachineInstance, mctx *model.MachineContext) (string, error) {
	cname := containerName(inst.Cluster, inst.Name)
	p.docker(ctx, "rm", "-f", cname)

	args := []string{
		"run", "-d", "--name", cname,
		"--label", "labflow.cluster=" + inst.Cluster,
		"-e", "LF_WORKFLOW_SERVICE=" + mctx.ServiceURL,
		"-e", "LF_AGENT_TOKEN=" + mctx.AgentToken,
		"-e", "LF_CLUSTER=" + mctx.Cluster,
		"-e", "LF_QNAMES=" + strings.Join(mctx.QNames, ","),
		"-e", fmt.Sprintf("LF_WORKERS_N=%d", mctx.WorkersN),
		"-e", "LF_MACHINE_ID=" + inst.Name,
		"-v", "/var/run/docker.sock:/var/run/docker.sock",
		p.agentImage,
	}
	out, err := p.docker(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("deploy agent on %s: %w", inst.Name, err)
	}
	p.logger.Info("agent deployed", "machine", inst.Name, "cluster", inst.Cluster)
	return strings.TrimSpace(out), nil
}

func (p *LocalProvider) docker(ctx context.Context, args ...string) (string, error) {
	stdout, stderr, exitCode, err := p.runner.Run(ctx, "docker", args...)
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return "", fmt.Errorf("docker %s: exit %d: %s", args[0], exitCode, strings.TrimSpace(stderr))
	}
	return stdout, nil
}

func containerName(cluster, machine string) string {
	return "labflow-" + cluster + "-" + machine
}
