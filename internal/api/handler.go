// Package api exposes the mesh over HTTP: task delegation, project
// requests, capability queries and transport status.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/unifiedai/agentmesh/internal/collab"
	"github.com/unifiedai/agentmesh/internal/discovery"
	"github.com/unifiedai/agentmesh/internal/fallback"
)

// ProjectRunner handles a project-level request end to end. Satisfied by
// *coordinator.Coordinator.
type ProjectRunner interface {
	HandleProject(ctx context.Context, query string) (string, error)
}

// AgentControl exposes the supervisor's lifecycle operations.
type AgentControl interface {
	AvailableAgents() []string
	Launch(agentName string, args ...string) (int, error)
	Shutdown(agentName string) error
	IsRunning(agentName string) bool
}

// Handler holds dependencies for HTTP handlers. Every field except the
// collaboration manager may be nil; the matching routes then answer 503.
type Handler struct {
	collab      *collab.Manager
	registry    *discovery.Registry
	coordinator ProjectRunner
	fb          *fallback.Manager
	agents      AgentControl
	logger      *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(
	collabMgr *collab.Manager,
	registry *discovery.Registry,
	coordinator ProjectRunner,
	fb *fallback.Manager,
	agents AgentControl,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		collab:      collabMgr,
		registry:    registry,
		coordinator: coordinator,
		fb:          fb,
		agents:      agents,
		logger:      logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		// Task delegation
		r.Post("/tasks", h.delegateTask)
		r.Get("/tasks/{taskID}", h.getTask)
		r.Post("/tasks/batch", h.delegateBatch)

		// Project coordination
		r.Post("/projects", h.handleProject)

		// Capability registry
		r.Get("/capabilities", h.listCapabilities)

		// Collaboration introspection
		r.Get("/queue", h.queueStatus)
		r.Get("/cache", h.cacheStatus)
		r.Delete("/cache", h.clearCache)
		r.Delete("/cache/expired", h.clearExpiredCache)

		// Fallback transport
		r.Get("/fallback/status", h.fallbackStatus)

		// Agent lifecycle
		r.Get("/agents", h.listAgents)
		r.Post("/agents/{name}/launch", h.launchAgent)
		r.Delete("/agents/{name}", h.shutdownAgent)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "agentmesh"})
}

type delegateRequest struct {
	RequesterAgentID string         `json:"requester_agent_id"`
	TargetAgentID    string         `json:"target_agent_id"`
	CapabilityID     string         `json:"capability_id"`
	Parameters       map[string]any `json:"parameters"`
	Priority         int            `json:"priority"`
	NoCache          bool           `json:"no_cache"`
	Wait             bool           `json:"wait"`
	TimeoutSeconds   int            `json:"timeout_seconds"`
}

func (h *Handler) delegateTask(w http.ResponseWriter, r *http.Request) {
	var req delegateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.CapabilityID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "capability_id is required"})
		return
	}

	targetID := req.TargetAgentID
	if targetID == "" {
		var err error
		targetID, err = h.collab.FindAgentForCapability(req.CapabilityID)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
	}

	taskID, err := h.collab.Delegate(r.Context(), req.RequesterAgentID, targetID, req.CapabilityID,
		req.Parameters, collab.DelegateOptions{Priority: req.Priority, NoCache: req.NoCache})
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"task_id": taskID, "error": err.Error()})
		return
	}

	if !req.Wait {
		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
		return
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	task, err := h.collab.WaitForTask(r.Context(), taskID, timeout)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, collab.ErrTaskTimeout) {
			status = http.StatusGatewayTimeout
		}
		writeJSON(w, status, map[string]any{"task_id": taskID, "task": task, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, ok := h.collab.GetCollaborationStatus(taskID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type batchRequest struct {
	RequesterAgentID string                  `json:"requester_agent_id"`
	Tasks            []collab.TaskDefinition `json:"tasks"`
}

func (h *Handler) delegateBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if len(req.Tasks) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tasks is required"})
		return
	}
	taskIDs := h.collab.DelegateBatch(r.Context(), req.RequesterAgentID, req.Tasks)
	writeJSON(w, http.StatusAccepted, map[string]any{"task_ids": taskIDs})
}

type projectRequest struct {
	Query string `json:"query"`
}

func (h *Handler) handleProject(w http.ResponseWriter, r *http.Request) {
	if h.coordinator == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "coordinator not initialized"})
		return
	}
	var req projectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query is required"})
		return
	}

	answer, err := h.coordinator.HandleProject(r.Context(), req.Query)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"answer": answer})
}

func (h *Handler) listCapabilities(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "registry not initialized"})
		return
	}
	q := r.URL.Query()
	filter := discovery.FindFilter{
		CapabilityID: q.Get("capability_id"),
		Name:         q.Get("name"),
	}
	if tags, ok := q["tag"]; ok {
		filter.Tags = tags
	}
	records := h.registry.FindCapabilities(filter)
	if records == nil {
		records = []discovery.CapabilityRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) queueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.collab.GetTaskQueueStatus())
}

func (h *Handler) cacheStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.collab.GetCacheStatus())
}

func (h *Handler) clearCache(w http.ResponseWriter, r *http.Request) {
	h.collab.ClearCache()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (h *Handler) clearExpiredCache(w http.ResponseWriter, r *http.Request) {
	n := h.collab.ClearExpiredCache()
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (h *Handler) fallbackStatus(w http.ResponseWriter, r *http.Request) {
	if h.fb == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "fallback not initialized"})
		return
	}
	writeJSON(w, http.StatusOK, h.fb.GetStatus())
}

type agentInfo struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	if h.agents == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "supervisor not initialized"})
		return
	}
	names := h.agents.AvailableAgents()
	out := make([]agentInfo, 0, len(names))
	for _, name := range names {
		out = append(out, agentInfo{Name: name, Running: h.agents.IsRunning(name)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) launchAgent(w http.ResponseWriter, r *http.Request) {
	if h.agents == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "supervisor not initialized"})
		return
	}
	name := chi.URLParam(r, "name")
	pid, err := h.agents.Launch(name)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": name, "pid": pid})
}

func (h *Handler) shutdownAgent(w http.ResponseWriter, r *http.Request) {
	if h.agents == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "supervisor not initialized"})
		return
	}
	name := chi.URLParam(r, "name")
	if err := h.agents.Shutdown(name); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agent": name, "status": "terminated"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
