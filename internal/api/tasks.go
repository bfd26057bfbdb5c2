package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"AgentBounty/internal/auth"
	xerrors "AgentBounty/internal/errors"
	"AgentBounty/internal/task"
)

type createTaskRequest struct {
	AgentType string          `json:"agent_type"`
	InputData json.RawMessage `json:"input_data"`
}

type taskList struct {
	Tasks []*task.Task `json:"tasks"`
	Total int          `json:"total"`
}

func (s *Server) handleAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.deps.Agents.Descriptors()})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	t, err := s.deps.Tasks.Create(r.Context(), auth.UserID(r.Context()), req.AgentType, req.InputData)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), task.DefaultListLimit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	opts := []task.ListOption{task.WithLimit(limit), task.WithOffset(offset)}
	if status := q.Get("status"); status != "" {
		opts = append(opts, task.WithStatuses(task.Status(status)))
	}
	if agentType := q.Get("agent_type"); agentType != "" {
		opts = append(opts, task.WithAgentType(agentType))
	}

	tasks, total, err := s.deps.Tasks.List(r.Context(), auth.UserID(r.Context()), opts...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, taskList{Tasks: tasks, Total: total})
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Tasks.Stats(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Tasks.Get(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Tasks.Start(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Tasks.Delete(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTaskResult answers with whatever the result gate decides: the
// result, a progress status, an approval prompt or payment requirements.
func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	if s.deps.Gate == nil {
		writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "payments are not configured"))
		return
	}
	out, err := s.deps.Gate.Resolve(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	for k, v := range out.Headers {
		w.Header().Set(k, v)
	}
	writeJSON(w, out.Status, out.Body)
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "invalid integer parameter: "+raw)
	}
	return v, nil
}
