// Package cloud holds the machine providers the autoscaler drives. Every
// adapter implements Provider; the rest of the system never talks to a
// cloud SDK directly.
package cloud

import (
	"context"

	"github.com/nbworkflows/labflow/pkg/model"
)

// Provider creates and destroys machines and volumes and deploys the
// agent onto a fresh VM.
type Provider interface {
	CreateMachine(ctx context.Context, req *model.MachineRequest) (*model.MachineInstance, error)
	DestroyMachine(ctx context.Context, name string) error

	CreateVolume(ctx context.Context, disk model.BlockStorage) (*model.BlockInstance, error)
	DestroyVolume(ctx context.Context, disk string) (bool, error)
	AttachVolume(ctx context.Context, instance, disk string) (bool, error)
	DetachVolume(ctx context.Context, instance, disk string) (bool, error)

	// Deploy installs and starts the agent on the VM, returning the
	// provider's raw output for logging.
	Deploy(ctx context.Context, inst *model.MachineInstance, mctx *model.MachineContext) (string, error)
}

// Runner abstracts command execution so providers shelling out to local
// tooling (docker, ssh, scp) can be tested without a host.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr string, exitCode int, err error)
}
