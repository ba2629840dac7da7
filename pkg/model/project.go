package model

import "time"

// Project is the unit of ownership: workflows, runtimes and history rows
// all belong to exactly one project.
type Project struct {
	ProjectID   string    `json:"projectid"`
	Name        string    `json:"name"`
	Owner       string    `json:"owner"`
	Users       []string  `json:"users,omitempty"`
	Description string    `json:"description,omitempty"`
	RepoURL     string    `json:"repository,omitempty"`
	// PrivateKey is the per-project symmetric key used to decrypt the
	// project's secret bundle. Fetched by workers per task, never cached.
	PrivateKey string    `json:"private_key,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ProjectReq is the request body for project creation.
type ProjectReq struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	RepoURL     string `json:"repository,omitempty"`
}

// ProjectData is the public view of a project (private key omitted).
type ProjectData struct {
	ProjectID   string   `json:"projectid"`
	Name        string   `json:"name"`
	Owner       string   `json:"owner"`
	Users       []string `json:"users,omitempty"`
	Description string   `json:"description,omitempty"`
	RepoURL     string   `json:"repository,omitempty"`
}

// Data returns the public view of p.
func (p *Project) Data() ProjectData {
	return ProjectData{
		ProjectID:   p.ProjectID,
		Name:        p.Name,
		Owner:       p.Owner,
		Users:       p.Users,
		Description: p.Description,
		RepoURL:     p.RepoURL,
	}
}
