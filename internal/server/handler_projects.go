package server

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/nbworkflows/labflow/internal/dispatch"
	"github.com/nbworkflows/labflow/pkg/model"
)

// handleCreateProject registers a project owned by the caller. Creating a
// project whose name already exists returns the existing one.
// POST /v1/projects
func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	var req model.ProjectReq
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Name == "" {
		respondError(w, model.NewBadInputError("project name is required"))
		return
	}
	name := model.NormalizeProjectName(req.Name)

	existing, err := s.store.GetProjectByName(r.Context(), name)
	if err != nil {
		respondError(w, err)
		return
	}
	if existing != nil {
		respondJSON(w, http.StatusOK, map[string]string{"msg": "already exist"})
		return
	}

	key, err := newPrivateKey()
	if err != nil {
		respondError(w, err)
		return
	}
	now := time.Now().UTC()
	project := &model.Project{
		ProjectID:   model.NewProjectID(),
		Name:        name,
		Owner:       claims.Username,
		Description: req.Description,
		RepoURL:     req.RepoURL,
		PrivateKey:  key,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateProject(r.Context(), project); err != nil {
		respondError(w, err)
		return
	}
	s.logger.Info("project created", "projectid", project.ProjectID, "name", name, "owner", claims.Username)
	respondJSON(w, http.StatusCreated, project.Data())
}

// handleListProjects lists the caller's projects.
// GET /v1/projects
func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	projects, err := s.store.ListProjects(r.Context(), claims.Username)
	if err != nil {
		respondError(w, err)
		return
	}
	out := make([]model.ProjectData, 0, len(projects))
	for _, p := range projects {
		out = append(out, p.Data())
	}
	respondJSON(w, http.StatusOK, out)
}

// handleGetProject returns one project.
// GET /v1/projects/{pid}
func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, project.Data())
}

// handleDeleteProject removes a project and everything under it.
// DELETE /v1/projects/{pid}
func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}
	claims := ClaimsFromContext(r.Context())
	if project.Owner != claims.Username {
		respondError(w, model.NewAuthError("only the owner can delete a project"))
		return
	}
	if err := s.store.DeleteProject(r.Context(), project.ProjectID); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"msg": "deleted"})
}

// handleUploadBundle stores an uploaded project bundle for a runtime
// version.
// POST /v1/projects/{pid}/_upload?runtime=<n>&version=<v>
func (s *Server) handleUploadBundle(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}
	runtime := r.URL.Query().Get("runtime")
	version := r.URL.Query().Get("version")
	if runtime == "" || version == "" {
		respondError(w, model.NewBadInputError("runtime and version query params are required"))
		return
	}

	key := dispatch.UploadKey(project.ProjectID, runtime, version)
	size, err := s.artifacts.Put(r.Context(), key, r.Body)
	if err != nil {
		respondError(w, err)
		return
	}
	s.logger.Info("bundle uploaded", "projectid", project.ProjectID,
		"key", key, "size", humanize.Bytes(uint64(size)))
	respondJSON(w, http.StatusCreated, map[string]string{"key": key})
}

// handleBuild enqueues an image build for an uploaded bundle.
// POST /v1/projects/{pid}/_build?version=<v>
func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var spec model.RuntimeSpec
	if err := decodeJSON(r, &spec); err != nil {
		respondError(w, err)
		return
	}
	version := r.URL.Query().Get("version")
	cluster := r.URL.Query().Get("cluster")
	if cluster == "" {
		cluster = model.DefaultCluster
	}

	bc, err := s.dispatcher.EnqueueBuild(r.Context(), project, spec, version, cluster)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, bc)
}

// handlePrivateKey hands the project's symmetric key to a worker at task
// start.
// POST /v1/projects/{pid}/_private_key
func (s *Server) handlePrivateKey(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"private_key": project.PrivateKey})
}

// projectForRequest loads the {pid} project and checks the caller's
// access.
func (s *Server) projectForRequest(r *http.Request) (*model.Project, error) {
	pid := chi.URLParam(r, "pid")
	project, err := s.store.GetProject(r.Context(), pid)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, model.NewNotFoundError("project", pid)
	}
	if !canAccessProject(ClaimsFromContext(r.Context()), project) {
		return nil, model.NewAuthError("not a member of this project")
	}
	return project, nil
}

func newPrivateKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("private key entropy: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
