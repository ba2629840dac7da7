package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nbworkflows/labflow/internal/autoscaler"
	"github.com/nbworkflows/labflow/internal/substrate"
	"github.com/nbworkflows/labflow/pkg/model"
)

// handleGetClustersSpec returns the declarative cluster definitions the
// server was started with.
// GET /v1/clusters/get-clusters-spec
func (s *Server) handleGetClustersSpec(w http.ResponseWriter, r *http.Request) {
	if s.clusters == nil {
		respondJSON(w, http.StatusOK, []model.ClusterSpec{})
		return
	}
	respondJSON(w, http.StatusOK, s.clusters.List())
}

// handleListAgents reports the agents currently registered, optionally
// narrowed to one cluster, with their liveness state.
// GET /v1/clusters/agents?cluster=...
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	names, err := s.registry.ListAgents(r.Context(), r.URL.Query().Get("cluster"))
	if err != nil {
		respondError(w, model.NewTransientError("registry unavailable"))
		return
	}
	agents := make([]agentStatus, 0, len(names))
	for _, name := range names {
		node, err := s.registry.Get(r.Context(), name)
		if err != nil || node == nil {
			continue
		}
		alive, err := s.registry.HeartbeatAlive(r.Context(), name)
		if err != nil {
			alive = false
		}
		agents = append(agents, agentStatus{AgentNode: node, Alive: alive})
	}
	respondJSON(w, http.StatusOK, agents)
}

type agentStatus struct {
	*model.AgentNode
	Alive bool `json:"alive"`
}

// handleProvisionMachine asks the autoscaler to create one machine in the
// cluster. The job executes on the autoscaler's next tick.
// POST /v1/clusters/{cluster}
func (s *Server) handleProvisionMachine(w http.ResponseWriter, r *http.Request) {
	s.enqueueMachineJob(w, r, model.MachineJob{
		Action:  model.MachineActionCreate,
		Cluster: chi.URLParam(r, "cluster"),
	})
}

// handleDestroyMachine asks the autoscaler to tear one machine down.
// DELETE /v1/clusters/{cluster}/{machine}
func (s *Server) handleDestroyMachine(w http.ResponseWriter, r *http.Request) {
	s.enqueueMachineJob(w, r, model.MachineJob{
		Action:  model.MachineActionDestroy,
		Cluster: chi.URLParam(r, "cluster"),
		Machine: chi.URLParam(r, "machine"),
	})
}

func (s *Server) enqueueMachineJob(w http.ResponseWriter, r *http.Request, mj model.MachineJob) {
	if s.clusters != nil && s.clusters.Get(mj.Cluster) == nil {
		respondError(w, model.NewNotFoundError("cluster", mj.Cluster))
		return
	}
	payload, err := json.Marshal(mj)
	if err != nil {
		respondError(w, model.NewInternalError("marshal machine job"))
		return
	}
	job := &substrate.Job{
		ID:      model.FirmExecID(model.ExecIDFirmMachine),
		Queue:   autoscaler.MachineQueue(mj.Cluster),
		Payload: payload,
	}
	if err := s.queue.Push(r.Context(), job); err != nil {
		respondError(w, model.NewTransientError("queue unavailable"))
		return
	}
	s.logger.Info("machine job enqueued",
		"jobid", job.ID, "cluster", mj.Cluster, "action", mj.Action, "machine", mj.Machine)
	respondJSON(w, http.StatusAccepted, map[string]string{"jobid": job.ID})
}
