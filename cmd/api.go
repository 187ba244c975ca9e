package cmd

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/flasharr/bridge/internal/core"
	"github.com/flasharr/bridge/internal/task"
)

// apiServer adapts core.Engine to a small JSON HTTP surface. Every
// subcommand but serve itself is a client of this surface.
type apiServer struct {
	engine *core.Engine
}

func newAPIMux(engine *core.Engine) http.Handler {
	s := &apiServer{engine: engine}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/submit", s.handleSubmit)
	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/", s.handleTaskByID)
	return mux
}

type submitRequest struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Category string `json:"category"`
	Group    string `json:"group"`
	DestDir  string `json:"dest_dir"`
	Priority int    `json:"priority"`
}

type submitResponse struct {
	ID string `json:"id"`
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *apiServer) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.GetStats())
}

func (s *apiServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	id, err := s.engine.Submit(r.Context(), core.SubmitParams{
		URL:      req.URL,
		Filename: req.Filename,
		Category: req.Category,
		Group:    req.Group,
		DestDir:  req.DestDir,
		Priority: task.Priority(req.Priority),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{ID: id})
}

func (s *apiServer) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	writeJSON(w, http.StatusOK, s.engine.ListTasks())
}

// handleTaskByID routes /tasks/{id}[/action] for the single-task verbs:
// GET for status, POST pause|resume|cancel|retry, DELETE to remove.
func (s *apiServer) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/tasks/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing task id")
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case r.Method == http.MethodGet && action == "":
		snap, err := s.engine.GetTask(id)
		if err != nil {
			writeTaskErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	case r.Method == http.MethodDelete && action == "":
		if err := s.engine.Delete(id); err != nil {
			writeTaskErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	case r.Method == http.MethodPost && action == "pause":
		s.doAction(w, id, s.engine.Pause)
	case r.Method == http.MethodPost && action == "resume":
		s.doAction(w, id, s.engine.Resume)
	case r.Method == http.MethodPost && action == "cancel":
		s.doAction(w, id, s.engine.Cancel)
	case r.Method == http.MethodPost && action == "retry":
		s.doAction(w, id, s.engine.Retry)
	default:
		writeError(w, http.StatusNotFound, "unknown route")
	}
}

func (s *apiServer) doAction(w http.ResponseWriter, id string, fn func(string) error) {
	if err := fn(id); err != nil {
		writeTaskErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeTaskErr(w http.ResponseWriter, err error) {
	if errors.Is(err, core.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg})
}
