package server

import (
	"net/http"
	"time"

	"github.com/nbworkflows/labflow/pkg/model"
)

// handleListRuntimes returns the project's built runtimes, newest first.
// GET /v1/runtimes/{pid}
func (s *Server) handleListRuntimes(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}
	runtimes, err := s.store.ListRuntimes(r.Context(), project.ProjectID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, runtimes)
}

// handleRegisterRuntime records a built image version. Build workers call
// it after a successful docker build.
// POST /v1/runtimes/{pid}
func (s *Server) handleRegisterRuntime(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var rt model.Runtime
	if err := decodeJSON(r, &rt); err != nil {
		respondError(w, err)
		return
	}
	if rt.Name == "" || rt.Version == "" {
		respondError(w, model.NewBadInputError("runtime_name and version are required"))
		return
	}
	rt.ProjectID = project.ProjectID
	rt.RuntimeID = model.RuntimeID(project.ProjectID, rt.Name, rt.Version)
	if rt.CreatedAt.IsZero() {
		rt.CreatedAt = time.Now().UTC()
	}

	if err := s.store.CreateRuntime(r.Context(), &rt); err != nil {
		respondError(w, err)
		return
	}
	s.logger.Info("runtime registered", "projectid", project.ProjectID, "runtimeid", rt.RuntimeID)
	respondJSON(w, http.StatusCreated, map[string]string{"runtimeid": rt.RuntimeID})
}
