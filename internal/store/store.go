package store

import (
	"context"

	"github.com/nbworkflows/labflow/pkg/model"
)

// Store defines the persistence layer for labflow entities.
type Store interface {
	// Project CRUD
	CreateProject(ctx context.Context, p *model.Project) error
	GetProject(ctx context.Context, projectID string) (*model.Project, error)
	GetProjectByName(ctx context.Context, name string) (*model.Project, error)
	ListProjects(ctx context.Context, username string) ([]*model.Project, error)
	UpdateProject(ctx context.Context, p *model.Project) error
	DeleteProject(ctx context.Context, projectID string) error

	// Workflow CRUD
	CreateWorkflow(ctx context.Context, wf *model.Workflow) error
	GetWorkflow(ctx context.Context, projectID, wfid string) (*model.Workflow, error)
	GetWorkflowByAlias(ctx context.Context, projectID, alias string) (*model.Workflow, error)
	ListWorkflows(ctx context.Context, projectID string) ([]*model.Workflow, error)
	UpdateWorkflow(ctx context.Context, wf *model.Workflow) error
	DeleteWorkflow(ctx context.Context, projectID, wfid string) error

	// Runtime operations
	CreateRuntime(ctx context.Context, rt *model.Runtime) error
	GetRuntime(ctx context.Context, projectID, name, version string) (*model.Runtime, error)
	GetLatestRuntime(ctx context.Context, projectID, name string) (*model.Runtime, error)
	ListRuntimes(ctx context.Context, projectID string) ([]*model.Runtime, error)
	DeleteRuntime(ctx context.Context, projectID, name, version string) error

	// History operations
	CreateHistory(ctx context.Context, projectID string, h *model.HistoryResult) error
	GetHistory(ctx context.Context, projectID, execID string) (*model.HistoryResult, error)
	ListHistory(ctx context.Context, projectID string, limit int) ([]*model.HistoryResult, error)

	// User operations
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, username string) (*model.User, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
