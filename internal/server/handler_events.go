package server

import (
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nbworkflows/labflow/internal/events"
	"github.com/nbworkflows/labflow/pkg/model"
)

// listenBlock is how long one bus read waits before the loop re-checks the
// client connection.
const listenBlock = 5 * time.Second

// handleListenEvents tails an execution's event stream as Server-Sent
// Events. The stream ends on a control=exit event or when the client goes
// away.
// GET /v1/events/{pid}/{execid}/_listen?last=<cursor>
func (s *Server) handleListenEvents(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, model.NewInternalError("streaming unsupported"))
		return
	}

	channel := events.ChannelName(project.ProjectID, chi.URLParam(r, "execid"))
	cursor := r.URL.Query().Get("last")
	if cursor == "" {
		cursor = "0"
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		evs, err := s.bus.Read(r.Context(), channel, cursor, listenBlock)
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			s.logger.Warn("event read failed", "channel", channel, "error", err)
			return
		}
		for i := range evs {
			ev := &evs[i]
			if _, err := io.WriteString(w, ev.FormatSSE()); err != nil {
				return
			}
			cursor = ev.ID
			if ev.IsExit() {
				flusher.Flush()
				return
			}
		}
		flusher.Flush()
		if r.Context().Err() != nil {
			return
		}
	}
}

// handlePublishEvent appends one event to an execution's stream.
// POST /v1/events/{pid}/{execid}/_publish
func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var ev model.Event
	if err := decodeJSON(r, &ev); err != nil {
		respondError(w, err)
		return
	}
	channel := events.ChannelName(project.ProjectID, chi.URLParam(r, "execid"))
	if _, err := s.bus.Publish(r.Context(), channel, &ev); err != nil {
		respondError(w, model.NewTransientError("event stream unavailable"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
