package cloud

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/nbworkflows/labflow/pkg/model"
)

const (
	deployAttempts   = 3
	agentEnvFileName = "labflow-agent.env"
)

// sshDeployer installs the agent on a VM over SSH: render the env file,
// scp it over, start the agent container. Each step retries with a short
// randomized backoff because fresh VMs often take a few seconds to accept
// connections.
type sshDeployer struct {
	runner Runner
	logger *slog.Logger
}

func (d *sshDeployer) deploy(ctx context.Context, inst *model.MachineInstance, mctx *model.MachineContext) (string, error) {
	addr := inst.PublicIP
	if addr == "" {
		addr = inst.PrivateIP
	}
	if addr == "" {
		return "", fmt.Errorf("machine %s has no reachable address", inst.Name)
	}
	user := mctx.SSHUser
	if user == "" {
		user = "admin"
	}
	target := user + "@" + addr

	envFile, err := writeAgentEnv(mctx)
	if err != nil {
		return "", err
	}
	defer os.Remove(envFile)

	scpArgs := append(sshOptions(mctx), envFile, target+":"+agentEnvFileName)
	if _, err := d.retry(ctx, inst.Name, "scp", scpArgs...); err != nil {
		return "", fmt.Errorf("copy agent env to %s: %w", inst.Name, err)
	}

	runArgs := append(sshOptions(mctx), target, agentRunCommand(mctx))
	out, err := d.retry(ctx, inst.Name, "ssh", runArgs...)
	if err != nil {
		return "", fmt.Errorf("start agent on %s: %w", inst.Name, err)
	}
	return out, nil
}

func (d *sshDeployer) retry(ctx context.Context, machine, name string, args ...string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= deployAttempts; attempt++ {
		stdout, stderr, exitCode, err := d.runner.Run(ctx, name, args...)
		if err == nil && exitCode == 0 {
			return stdout, nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("exit %d: %s", exitCode, strings.TrimSpace(stderr))
		}
		d.logger.Warn("deploy step failed",
			"machine", machine, "cmd", name, "attempt", attempt, "error", lastErr)
		if attempt < deployAttempts {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Second + time.Duration(rand.Int63n(int64(2*time.Second)))):
			}
		}
	}
	return "", lastErr
}

func sshOptions(mctx *model.MachineContext) []string {
	opts := []string{"-o", "StrictHostKeyChecking=no", "-o", "ConnectTimeout=10"}
	if mctx.SSHKeyPath != "" {
		opts = append(opts, "-i", mctx.SSHKeyPath)
	}
	return opts
}

// writeAgentEnv renders the env file the agent container reads on the VM.
func writeAgentEnv(mctx *model.MachineContext) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "LF_WORKFLOW_SERVICE=%s\n", mctx.ServiceURL)
	fmt.Fprintf(&b, "LF_AGENT_TOKEN=%s\n", mctx.AgentToken)
	fmt.Fprintf(&b, "LF_CLUSTER=%s\n", mctx.Cluster)
	fmt.Fprintf(&b, "LF_QNAMES=%s\n", strings.Join(mctx.QNames, ","))
	fmt.Fprintf(&b, "LF_WORKERS_N=%d\n", mctx.WorkersN)
	fmt.Fprintf(&b, "LF_MACHINE_ID=%s\n", mctx.Instance.Name)

	f, err := os.CreateTemp("", "labflow-agent-*.env")
	if err != nil {
		return "", fmt.Errorf("render agent env: %w", err)
	}
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("render agent env: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("render agent env: %w", err)
	}
	return f.Name(), nil
}

func agentRunCommand(mctx *model.MachineContext) string {
	image := mctx.AgentImage
	if image == "" {
		image = "nbworkflows/labflow-agent:latest"
	}
	return fmt.Sprintf(
		"docker run -d --restart unless-stopped --name labflow-agent "+
			"--env-file %s -v /var/run/docker.sock:/var/run/docker.sock %s",
		agentEnvFileName, image)
}
