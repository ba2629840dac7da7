package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/nbworkflows/labflow/pkg/model"
)

const defaultHistoryLimit = 10

// maxOutputUpload bounds multipart memory buffering for result notebooks.
const maxOutputUpload = 32 << 20

// handlePushHistory records a terminal execution result. Workers call it
// once per attempt.
// POST /v1/history
func (s *Server) handlePushHistory(w http.ResponseWriter, r *http.Request) {
	var result model.ExecutionResult
	if err := decodeJSON(r, &result); err != nil {
		respondError(w, err)
		return
	}
	if result.ProjectID == "" || result.ExecID == "" {
		respondError(w, model.NewBadInputError("projectid and execid are required"))
		return
	}

	status := 0
	if result.Error {
		status = -1
	}
	h := &model.HistoryResult{
		ExecID:    result.ExecID,
		WFID:      result.WFID,
		Status:    status,
		Result:    &result,
		CreatedAt: result.CreatedAt,
	}
	if err := s.store.CreateHistory(r.Context(), result.ProjectID, h); err != nil {
		respondError(w, err)
		return
	}
	s.logger.Info("history recorded",
		"projectid", result.ProjectID, "execid", result.ExecID, "error", result.Error)
	respondJSON(w, http.StatusCreated, map[string]string{"execid": result.ExecID})
}

// handleListHistory returns the last N results, newest first.
// GET /v1/history/{pid}?lt=N
func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}
	limit := defaultHistoryLimit
	if lt := r.URL.Query().Get("lt"); lt != "" {
		n, err := strconv.Atoi(lt)
		if err != nil || n <= 0 {
			respondError(w, model.NewBadInputError(fmt.Sprintf("bad lt param %q", lt)))
			return
		}
		limit = n
	}
	rows, err := s.store.ListHistory(r.Context(), project.ProjectID, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

// handleHistoryDetail returns one execution's record.
// GET /v1/history/{pid}/detail/{execid}
func (s *Server) handleHistoryDetail(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}
	execID := chi.URLParam(r, "execid")
	h, err := s.store.GetHistory(r.Context(), project.ProjectID, execID)
	if err != nil {
		respondError(w, err)
		return
	}
	if h == nil {
		respondError(w, model.NewNotFoundError("history", execID))
		return
	}
	respondJSON(w, http.StatusOK, h)
}

// handleGetOutput streams a stored result notebook.
// GET /v1/history/{pid}/_get_output?file=<key>
func (s *Server) handleGetOutput(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}
	file := r.URL.Query().Get("file")
	if file == "" {
		respondError(w, model.NewBadInputError("file query param is required"))
		return
	}

	// The file param is the output path from a HistoryResult, e.g.
	// "outputs/report.ipynb" or "errors/report.ipynb".
	key := file
	if !strings.HasPrefix(key, "projects/") {
		key = "projects/" + project.ProjectID + "/" + strings.TrimPrefix(key, "/")
	}
	rc, err := s.artifacts.Get(r.Context(), key)
	if err != nil {
		respondError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("output stream interrupted", "projectid", project.ProjectID, "file", file, "error", err)
	}
}

// handleUploadOutputOK stores a successful run's result notebook.
// POST /v1/history/{pid}/_output_ok
func (s *Server) handleUploadOutputOK(w http.ResponseWriter, r *http.Request) {
	s.uploadOutput(w, r, false)
}

// handleUploadOutputFail stores a failed run's result notebook under the
// error prefix.
// POST /v1/history/{pid}/_output_fail
func (s *Server) handleUploadOutputFail(w http.ResponseWriter, r *http.Request) {
	s.uploadOutput(w, r, true)
}

func (s *Server) uploadOutput(w http.ResponseWriter, r *http.Request, failed bool) {
	project, err := s.projectForRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := r.ParseMultipartForm(maxOutputUpload); err != nil {
		respondError(w, model.NewBadInputError(fmt.Sprintf("bad multipart body: %v", err)))
		return
	}
	name := r.FormValue("output_name")
	if name == "" {
		respondError(w, model.NewBadInputError("output_name form field is required"))
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		respondError(w, model.NewBadInputError("file form field is required"))
		return
	}
	defer file.Close()

	key := outputKey(project.ProjectID, failed, name)
	size, err := s.artifacts.Put(r.Context(), key, file)
	if err != nil {
		respondError(w, err)
		return
	}
	s.logger.Info("output stored", "projectid", project.ProjectID,
		"key", key, "failed", failed, "size", humanize.Bytes(uint64(size)))
	respondJSON(w, http.StatusCreated, map[string]string{"key": key})
}

// outputKey maps a result notebook name to its artifact key. The name may
// itself carry the outputs/errors prefix when a worker sends the full
// relative path.
func outputKey(projectID string, failed bool, name string) string {
	prefix := "outputs"
	if failed {
		prefix = "errors"
	}
	if len(name) > 0 && name[0] == '/' {
		name = name[1:]
	}
	return fmt.Sprintf("projects/%s/%s/%s", projectID, prefix, name)
}
