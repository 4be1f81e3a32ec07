// Package handlers exposes the run engine over HTTP. All endpoints are
// stateless: they read the store, call into the manager, and stream from
// the broadcaster.
package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/codexd/codexd/internal/common/logger"
	"github.com/codexd/codexd/internal/common/pathutil"
	"github.com/codexd/codexd/internal/run/agent"
	"github.com/codexd/codexd/internal/run/backlog"
	"github.com/codexd/codexd/internal/run/broadcast"
	"github.com/codexd/codexd/internal/run/manager"
	"github.com/codexd/codexd/internal/run/models"
	"github.com/codexd/codexd/internal/run/store"
	"github.com/codexd/codexd/internal/run/summaries"
)

const (
	maxTailEvents = 200_000
	maxCount      = 50

	defaultCount      = 10
	defaultTailEvents = maxTailEvents
)

// Info is the static daemon identity served by GET /v1/info.
type Info struct {
	StartedAtUtc         time.Time `json:"startedAtUtc"`
	RunnerID             string    `json:"runnerId"`
	Version              string    `json:"version"`
	InformationalVersion string    `json:"informationalVersion"`
	Listen               string    `json:"listen"`
	Port                 int       `json:"port"`
	RequireAuth          bool      `json:"requireAuth"`
	StateDir             string    `json:"stateDir"`
	BaseURL              string    `json:"baseUrl"`
}

// Handler bundles the collaborators the endpoints need.
type Handler struct {
	manager     *manager.Manager
	store       *store.Store
	broadcaster *broadcast.Broadcaster
	backlog     *backlog.Backlog
	provider    agent.Provider
	info        Info
	logger      *logger.Logger
}

// New creates a Handler.
func New(m *manager.Manager, st *store.Store, bc *broadcast.Broadcaster, bl *backlog.Backlog, provider agent.Provider, info Info, log *logger.Logger) *Handler {
	return &Handler{
		manager:     m,
		store:       st,
		broadcaster: bc,
		backlog:     bl,
		provider:    provider,
		info:        info,
		logger:      log.WithFields(zap.String("component", "http-handlers")),
	}
}

// SetupRoutes registers every endpoint under /v1. authMW, when non-nil, is
// applied to everything except /v1/health so clients can probe a daemon
// without its token.
func (h *Handler) SetupRoutes(router *gin.Engine, authMW gin.HandlerFunc) {
	v1 := router.Group("/v1")
	v1.GET("/health", h.health)

	authed := v1.Group("")
	if authMW != nil {
		authed.Use(authMW)
	}
	authed.GET("/info", h.getInfo)
	authed.POST("/runs", h.createRun)
	authed.GET("/runs", h.listRuns)
	authed.GET("/runs/:id", h.getRun)
	authed.POST("/runs/:id/interrupt", h.interruptRun)
	authed.POST("/runs/:id/stop", h.stopRun)
	authed.POST("/runs/:id/resume", h.resumeRun)
	authed.POST("/runs/:id/steer", h.steerRun)
	authed.GET("/runs/:id/messages", h.getMessages)
	authed.GET("/runs/:id/thinking-summaries", h.getThinkingSummaries)
	authed.GET("/runs/:id/events", h.streamEvents)
	authed.GET("/runs/:id/ws", h.followWebSocket)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"codexRuntime": string(h.provider.Status()),
	})
}

func (h *Handler) getInfo(c *gin.Context) {
	c.JSON(http.StatusOK, h.info)
}

func (h *Handler) createRun(c *gin.Context) {
	var req manager.CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body", "message": err.Error()})
		return
	}

	run, err := h.manager.CreateAndStart(req)
	if err != nil {
		var verr *manager.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Code, "message": verr.Message})
			return
		}
		h.logger.Error("create run failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runId": run.RunID, "status": run.Status})
}

func (h *Handler) listRuns(c *gin.Context) {
	all, err := parseBoolQuery(c, "all", false)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_all"})
		return
	}
	cwd := c.Query("cwd")
	if !all && cwd == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cwd_required_unless_all"})
		return
	}
	if cwd != "" {
		if cwd, err = pathutil.Normalize(cwd); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cwd_invalid", "message": err.Error()})
			return
		}
	}

	runs, err := h.store.ListByCwd(cwd, all)
	if err != nil {
		h.logger.Error("list runs failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": runs})
}

func (h *Handler) getRun(c *gin.Context) {
	run, ok := h.loadRun(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *Handler) interruptRun(c *gin.Context) {
	if !h.manager.TryInterrupt(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found_or_not_running"})
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *Handler) stopRun(c *gin.Context) {
	if !h.manager.TryStop(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found_or_not_running"})
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *Handler) resumeRun(c *gin.Context) {
	var req struct {
		Prompt string `json:"prompt"`
		Effort string `json:"effort"`
	}
	// Both fields are optional; an empty or absent body is fine.
	_ = c.ShouldBindJSON(&req)

	run, err := h.manager.Resume(c.Param("id"), req.Prompt, req.Effort)
	if err != nil {
		if errors.Is(err, manager.ErrNotFound) || errors.Is(err, manager.ErrNotResumable) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found_or_not_resumable"})
			return
		}
		h.logger.Error("resume failed", zap.String("run_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runId": run.RunID, "status": run.Status})
}

func (h *Handler) steerRun(c *gin.Context) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Prompt == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt_required"})
		return
	}

	err := h.manager.Steer(c.Request.Context(), c.Param("id"), req.Prompt)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	case errors.Is(err, manager.ErrMissingCodexIDs):
		c.JSON(http.StatusConflict, gin.H{"error": "run_missing_codex_ids"})
	case errors.Is(err, manager.ErrNotFound), errors.Is(err, manager.ErrNotRunning):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "steer_failed", "message": err.Error()})
	}
}

func (h *Handler) getMessages(c *gin.Context) {
	run, ok := h.loadRun(c)
	if !ok {
		return
	}
	count, err := parseClampedInt(c, "count", defaultCount, maxCount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_count"})
		return
	}
	tailEvents, err := parseClampedInt(c, "tailEvents", defaultTailEvents, maxTailEvents)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_tail_events"})
		return
	}

	events, err := h.store.ReadRawEvents(run.RunID, tailEvents)
	if err != nil {
		h.logger.Error("failed to read raw events", zap.String("run_id", run.RunID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	items := summaries.AgentMessages(events, count)
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *Handler) getThinkingSummaries(c *gin.Context) {
	run, ok := h.loadRun(c)
	if !ok {
		return
	}
	tailEvents, err := parseClampedInt(c, "tailEvents", defaultTailEvents, maxTailEvents)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_tail_events"})
		return
	}
	withTimestamps, err := parseBoolQuery(c, "timestamps", false)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_timestamps"})
		return
	}

	events, err := h.store.ReadRawEvents(run.RunID, tailEvents)
	if err != nil {
		h.logger.Error("failed to read raw events", zap.String("run_id", run.RunID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	items := summaries.ThinkingSummaries(events)
	if withTimestamps {
		c.JSON(http.StatusOK, gin.H{"items": items})
		return
	}
	texts := make([]string, len(items))
	for i, item := range items {
		texts[i] = item.Text
	}
	c.JSON(http.StatusOK, gin.H{"items": texts})
}

// loadRun resolves the :id path parameter, answering 404 itself.
func (h *Handler) loadRun(c *gin.Context) (*models.Run, bool) {
	run, err := h.store.TryGet(c.Param("id"))
	if err != nil {
		h.logger.Error("failed to load run", zap.String("run_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return nil, false
	}
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return nil, false
	}
	return run, true
}

// parseBoolQuery reads a boolean query param with a default.
func parseBoolQuery(c *gin.Context, name string, def bool) (bool, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseBool(raw)
}

// parseClampedInt reads a positive integer query param, clamping at max.
// Zero and negatives are rejected.
func parseClampedInt(c *gin.Context, name string, def, max int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be positive")
	}
	if n > max {
		n = max
	}
	return n, nil
}
