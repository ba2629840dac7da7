package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nbworkflows/labflow/internal/execctx"
	"github.com/nbworkflows/labflow/pkg/model"
)

// handleListWorkflows returns all workflows of a project.
// GET /v1/workflows/{pid}
func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}
	workflows, err := s.store.ListWorkflows(r.Context(), project.ProjectID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, workflows)
}

// handleGetWorkflow returns one workflow by wfid.
// GET /v1/workflows/{pid}/{wfid}
func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}
	wfid := chi.URLParam(r, "wfid")
	wf, err := s.store.GetWorkflow(r.Context(), project.ProjectID, wfid)
	if err != nil {
		respondError(w, err)
		return
	}
	if wf == nil {
		respondError(w, model.NewNotFoundError("workflow", wfid))
		return
	}
	respondJSON(w, http.StatusOK, wf)
}

// handleRegisterWorkflow creates a workflow and registers its schedule.
// An existing alias returns the registered wfid instead of a duplicate.
// POST /v1/workflows/{pid}
func (s *Server) handleRegisterWorkflow(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var data model.WorkflowData
	if err := decodeJSON(r, &data); err != nil {
		respondError(w, err)
		return
	}
	if data.Alias == "" || data.Task.NBName == "" {
		respondError(w, model.NewBadInputError("alias and job_detail.nb_name are required"))
		return
	}

	existing, err := s.store.GetWorkflowByAlias(r.Context(), project.ProjectID, data.Alias)
	if err != nil {
		respondError(w, err)
		return
	}
	if existing != nil {
		respondJSON(w, http.StatusOK, map[string]string{"wfid": existing.WFID})
		return
	}

	now := time.Now().UTC()
	wf := &model.Workflow{
		WFID:      model.NewWFID(),
		ProjectID: project.ProjectID,
		Alias:     data.Alias,
		Task:      data.Task,
		Schedule:  data.Schedule,
		Enabled:   data.Enabled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if wf.Enabled {
		if err := s.dispatcher.RegisterWorkflow(r.Context(), wf); err != nil {
			respondError(w, err)
			return
		}
	}
	if err := s.store.CreateWorkflow(r.Context(), wf); err != nil {
		// Roll the schedule back so a failed insert cannot keep firing.
		s.dispatcher.UnregisterWorkflow(r.Context(), wf.WFID)
		respondError(w, err)
		return
	}
	s.logger.Info("workflow registered", "projectid", project.ProjectID, "wfid", wf.WFID, "alias", wf.Alias)
	respondJSON(w, http.StatusCreated, map[string]string{"wfid": wf.WFID})
}

// handleUpdateWorkflow replaces a workflow's task and schedule.
// PUT /v1/workflows/{pid}
func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var data model.WorkflowData
	if err := decodeJSON(r, &data); err != nil {
		respondError(w, err)
		return
	}

	var wf *model.Workflow
	if data.WFID != "" {
		wf, err = s.store.GetWorkflow(r.Context(), project.ProjectID, data.WFID)
	} else {
		wf, err = s.store.GetWorkflowByAlias(r.Context(), project.ProjectID, data.Alias)
	}
	if err != nil {
		respondError(w, err)
		return
	}
	if wf == nil {
		respondError(w, model.NewNotFoundError("workflow", data.Alias))
		return
	}

	if data.Alias != "" {
		wf.Alias = data.Alias
	}
	wf.Task = data.Task
	wf.Schedule = data.Schedule
	wf.Enabled = data.Enabled
	wf.UpdatedAt = time.Now().UTC()

	if wf.Schedule != nil && wf.Enabled {
		if err := s.dispatcher.RegisterWorkflow(r.Context(), wf); err != nil {
			respondError(w, err)
			return
		}
	} else {
		s.dispatcher.UnregisterWorkflow(r.Context(), wf.WFID)
	}
	if err := s.store.UpdateWorkflow(r.Context(), wf); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"wfid": wf.WFID})
}

// handleDeleteWorkflow unschedules and deletes a workflow.
// DELETE /v1/workflows/{pid}/{wfid}
func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}
	wfid := chi.URLParam(r, "wfid")
	if err := s.dispatcher.UnregisterWorkflow(r.Context(), wfid); err != nil {
		respondError(w, err)
		return
	}
	if err := s.store.DeleteWorkflow(r.Context(), project.ProjectID, wfid); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"msg": "deleted"})
}

// handleRunWorkflow fires a registered workflow immediately.
// POST /v1/workflows/{pid}/_run/{wfid}
func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}
	wfid := chi.URLParam(r, "wfid")
	wf, err := s.store.GetWorkflow(r.Context(), project.ProjectID, wfid)
	if err != nil {
		respondError(w, err)
		return
	}
	if wf == nil {
		respondError(w, model.NewNotFoundError("workflow", wfid))
		return
	}
	if !wf.Enabled {
		respondError(w, model.NewDisabledError(wfid))
		return
	}

	task, err := s.dispatcher.EnqueueNotebook(r.Context(), project.ProjectID, wf.Task, execctx.Options{
		Firm: model.ExecIDFirmWeb,
		WFID: wf.WFID,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"execid": task.ExecID})
}

// handleRunNotebook enqueues an ad-hoc notebook run not bound to a
// registered workflow.
// POST /v1/workflows/{pid}/notebooks/_run
func (s *Server) handleRunNotebook(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var task model.Task
	if err := decodeJSON(r, &task); err != nil {
		respondError(w, err)
		return
	}
	if task.NBName == "" {
		respondError(w, model.NewBadInputError("nb_name is required"))
		return
	}

	et, err := s.dispatcher.EnqueueNotebook(r.Context(), project.ProjectID, task, execctx.Options{
		Firm: model.ExecIDFirmWeb,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, et)
}
