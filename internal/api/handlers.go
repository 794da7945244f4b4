package api

import (
	"encoding/json"
	"errors"
	"mime"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quan-xiao/testmanager/internal/events"
	"github.com/quan-xiao/testmanager/internal/protocol"
	"github.com/quan-xiao/testmanager/internal/store"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.tasks.TaskCounts(r.Context())
	if err != nil {
		s.logger.Error("failed to count tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read task store")
		return
	}
	boxes, err := s.tasks.TestBoxCounts(r.Context())
	if err != nil {
		s.logger.Error("failed to count testboxes", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read task store")
		return
	}

	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Tasks:         make(map[string]int, len(tasks)),
		TestBoxes:     make(map[string]int, len(boxes)),
	}
	for k, v := range tasks {
		resp.Tasks[string(k)] = v
	}
	for k, v := range boxes {
		resp.TestBoxes[string(k)] = v
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleTestBox handles POST /testbox/{command}. Parameters come from a form
// body, the query string, or a flat JSON object.
func (s *Server) handleTestBox(w http.ResponseWriter, r *http.Request) {
	command := chi.URLParam(r, "command")
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)

	params, err := readParams(r)
	if err != nil {
		writeOutcome(w, protocol.Rejectf(protocol.ErrInvalidParameter, "%v", err))
		return
	}

	writeOutcome(w, s.testboxes.Handle(r.Context(), command, params, callerFrom(r)))
}

func readParams(r *http.Request) (map[string]string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		return protocol.DecodeParams(r.Body)
	}

	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	params := make(map[string]string, len(r.Form))
	for k, vs := range r.Form {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}
	return params, nil
}

func callerFrom(r *http.Request) protocol.Caller {
	addr := r.RemoteAddr
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	c := protocol.Caller{Address: addr}
	if user, _, ok := r.BasicAuth(); ok {
		c.User = user
	}
	return c
}

func writeOutcome(w http.ResponseWriter, o protocol.Outcome) {
	if o.Result == protocol.ResultRedirect {
		w.Header().Set("Location", o.Location)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(protocol.HTTPStatus(o))
	_ = protocol.EncodeOutcome(w, o)
}

// handleEnqueue handles POST /tasks.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)

	var req EnqueueRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.MaxAttempts < 0 {
		s.writeError(w, http.StatusBadRequest, "max_attempts must not be negative")
		return
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = s.config.MaxAttempts
	}

	if req.ID != "" {
		_, err := s.tasks.GetTask(r.Context(), req.ID)
		switch {
		case err == nil:
			s.writeError(w, http.StatusConflict, "task already exists")
			return
		case !errors.Is(err, store.ErrNotFound):
			s.logger.Error("failed to look up task", "task_id", req.ID, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to enqueue task")
			return
		}
	}

	task, err := s.tasks.EnqueueTask(r.Context(), store.EnqueueRequest{
		ID:           req.ID,
		Payload:      req.Payload,
		Requirements: req.Requirements,
		Priority:     req.Priority,
		MaxAttempts:  req.MaxAttempts,
	}, s.now())
	if err != nil {
		s.logger.Error("failed to enqueue task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to enqueue task")
		return
	}

	s.logger.Info("task enqueued", "task_id", task.ID, "priority", task.Priority)
	s.events.Publish(events.TaskEnqueued, map[string]any{
		"task_id":      task.ID,
		"priority":     task.Priority,
		"requirements": task.Requirements,
	})
	respondJSON(w, http.StatusCreated, NewTaskView(task))
}

// handleListTasks handles GET /tasks?state=&limit=.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	state := store.TaskState(r.URL.Query().Get("state"))
	if state != "" && !validTaskState(state) {
		s.writeError(w, http.StatusBadRequest, "unknown task state")
		return
	}

	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	tasks, err := s.tasks.ListTasks(r.Context(), state, limit)
	if err != nil {
		s.logger.Error("failed to list tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	out := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, NewTaskView(t))
	}
	respondJSON(w, http.StatusOK, out)
}

func validTaskState(s store.TaskState) bool {
	switch s {
	case store.TaskPending, store.TaskAssigned, store.TaskRunning, store.TaskReporting,
		store.TaskDone, store.TaskFailed, store.TaskTimedOut:
		return true
	}
	return false
}

// handleGetTask handles GET /tasks/{taskID}.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	task, err := s.tasks.GetTask(r.Context(), taskID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get task", "task_id", taskID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	results, err := s.tasks.ResultsForTask(r.Context(), taskID)
	if err != nil {
		s.logger.Error("failed to get task results", "task_id", taskID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	detail := TaskDetail{TaskView: NewTaskView(task), Results: make([]ResultView, 0, len(results))}
	for _, res := range results {
		detail.Results = append(detail.Results, NewResultView(res))
	}
	respondJSON(w, http.StatusOK, detail)
}

// handleListTestBoxes handles GET /testboxes.
func (s *Server) handleListTestBoxes(w http.ResponseWriter, r *http.Request) {
	boxes, err := s.tasks.ListTestBoxes(r.Context())
	if err != nil {
		s.logger.Error("failed to list testboxes", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list testboxes")
		return
	}

	out := make([]TestBoxView, 0, len(boxes))
	for _, b := range boxes {
		out = append(out, NewTestBoxView(b))
	}
	respondJSON(w, http.StatusOK, out)
}

// handleDisable handles POST /testboxes/{testboxID}/disable.
func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "testboxID")

	requeued, err := s.fleet.Disable(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "testbox not found")
		return
	case errors.Is(err, store.ErrStateConflict):
		s.writeError(w, http.StatusConflict, "testbox changed state, retry")
		return
	case err != nil:
		s.logger.Error("failed to disable testbox", "testbox_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to disable testbox")
		return
	}

	resp := DisableResponse{TestBoxID: id, State: string(store.BoxDisabled)}
	if requeued != nil {
		resp.RequeuedTask = requeued.ID
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleSweep handles POST /sweep.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		s.writeError(w, http.StatusServiceUnavailable, "sweeper not configured")
		return
	}
	rep, err := s.sweeper.Sweep(r.Context())
	if err != nil {
		s.logger.Error("manual sweep failed", "error", err)
		if rep == nil {
			s.writeError(w, http.StatusInternalServerError, "sweep failed")
			return
		}
		// Partial sweep: report what was done.
		respondJSON(w, http.StatusInternalServerError, rep)
		return
	}
	respondJSON(w, http.StatusOK, rep)
}

// handleOpenAPI handles GET /openapi.json (no auth).
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
