// ABOUTME: Task endpoints: listing, creation, field edits, status changes, assignees and notes
// ABOUTME: Handlers decode requests and delegate every rule to the task service

package gateway

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/2389/maintdesk/internal/auth"
	"github.com/2389/maintdesk/internal/store"
	"github.com/2389/maintdesk/internal/tasks"
)

type createTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority,omitempty"`
}

type updateTaskRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Priority    *string `json:"priority,omitempty"`
}

type statusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type assigneeRequest struct {
	TelegramID int64  `json:"telegram_id"`
	Action     string `json:"action"`
}

type noteRequest struct {
	Content string `json:"content"`
	Media   string `json:"media,omitempty"`
}

// parseTaskFilter reads the listing query parameters.
func parseTaskFilter(r *http.Request) (tasks.Filter, error) {
	q := r.URL.Query()
	f := tasks.Filter{
		Status: store.TaskStatus(q.Get("status")),
		Search: q.Get("search"),
	}
	if v := q.Get("assignee_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return f, fmt.Errorf("%w: assignee_id must be a positive integer", errBadRequest)
		}
		f.AssigneeID = id
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, fmt.Errorf("%w: limit must be an integer", errBadRequest)
		}
		f.Limit = n
	}
	return f, nil
}

// handleListTasks handles GET /api/tasks.
func (g *Gateway) handleListTasks(w http.ResponseWriter, r *http.Request) {
	f, err := parseTaskFilter(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	list, err := g.tasks.List(r.Context(), auth.FromContext(r.Context()), f)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	resp := TaskListResponse{Tasks: make([]TaskResponse, 0, len(list)), Count: len(list)}
	for _, t := range list {
		resp.Tasks = append(resp.Tasks, newTaskResponse(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCreateTask handles POST /api/tasks.
func (g *Gateway) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}

	t, err := g.tasks.Create(r.Context(), auth.FromContext(r.Context()), tasks.NewTask{
		Title:       req.Title,
		Description: req.Description,
		Priority:    store.Priority(req.Priority),
	})
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	g.audit(r, store.AuditCreateTask, "task", t.UID, map[string]any{"title": t.Title, "priority": t.Priority})
	w.Header().Set("Location", "/api/tasks/"+t.UID)
	writeJSON(w, http.StatusCreated, newTaskResponse(t))
}

// handleGetTask handles GET /api/tasks/{uid}.
func (g *Gateway) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := g.tasks.Get(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "uid"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTaskResponse(t))
}

// handleUpdateTask handles PATCH /api/tasks/{uid}.
func (g *Gateway) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var req updateTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}

	patch := tasks.Patch{Title: req.Title, Description: req.Description}
	detail := map[string]any{}
	if req.Title != nil {
		detail["title"] = *req.Title
	}
	if req.Description != nil {
		detail["description"] = true
	}
	if req.Priority != nil {
		p := store.Priority(*req.Priority)
		patch.Priority = &p
		detail["priority"] = p
	}

	uid := chi.URLParam(r, "uid")
	t, err := g.tasks.UpdateFields(r.Context(), auth.FromContext(r.Context()), uid, patch)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	g.audit(r, store.AuditUpdateTask, "task", uid, detail)
	writeJSON(w, http.StatusOK, newTaskResponse(t))
}

// handleChangeStatus handles POST /api/tasks/{uid}/status.
func (g *Gateway) handleChangeStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}

	uid := chi.URLParam(r, "uid")
	t, err := g.tasks.ChangeStatus(r.Context(), auth.FromContext(r.Context()), uid, store.TaskStatus(req.Status), req.Reason)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	detail := map[string]any{"status": req.Status}
	if req.Reason != "" {
		detail["reason"] = req.Reason
	}
	g.audit(r, store.AuditChangeStatus, "task", uid, detail)
	writeJSON(w, http.StatusOK, newTaskResponse(t))
}

// handleAssignee handles POST /api/tasks/{uid}/assignees. Both actions
// are idempotent.
func (g *Gateway) handleAssignee(w http.ResponseWriter, r *http.Request) {
	var req assigneeRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	if req.TelegramID <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "telegram_id is required"})
		return
	}

	uid := chi.URLParam(r, "uid")
	actor := auth.FromContext(r.Context())

	var (
		t       *store.Task
		changed bool
		err     error
		action  store.AuditAction
	)
	switch req.Action {
	case "add":
		action = store.AuditAddAssignee
		t, changed, err = g.tasks.AddAssignee(r.Context(), actor, uid, req.TelegramID)
	case "remove":
		action = store.AuditRemoveAssignee
		t, changed, err = g.tasks.RemoveAssignee(r.Context(), actor, uid, req.TelegramID)
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: `action must be "add" or "remove"`})
		return
	}
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	if changed {
		g.audit(r, action, "task", uid, map[string]any{"telegram_id": req.TelegramID})
	}
	writeJSON(w, http.StatusOK, newTaskResponse(t))
}

// handleAddNote handles POST /api/tasks/{uid}/note.
func (g *Gateway) handleAddNote(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}

	uid := chi.URLParam(r, "uid")
	n, err := g.tasks.AddNote(r.Context(), auth.FromContext(r.Context()), uid, req.Content, req.Media)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	g.audit(r, store.AuditAddNote, "task", uid, map[string]any{"note_id": n.ID})
	writeJSON(w, http.StatusCreated, newNoteResponse(uid, *n))
}
