package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/spullara/k7/internal/drain"
	"github.com/spullara/k7/internal/lifecycle"
	"github.com/spullara/k7/internal/service"
	"github.com/spullara/k7/pkg/model"
)

type SandboxHandler struct {
	ctrl  *lifecycle.Controller
	shell *service.ShellBridge
	drain *drain.Manager

	// defaultNamespace receives requests that name no namespace.
	defaultNamespace string
}

func NewSandboxHandler(ctrl *lifecycle.Controller, shell *service.ShellBridge, drainMgr *drain.Manager, defaultNamespace string) *SandboxHandler {
	if defaultNamespace == "" {
		defaultNamespace = model.DefaultNamespace
	}
	return &SandboxHandler{ctrl: ctrl, shell: shell, drain: drainMgr, defaultNamespace: defaultNamespace}
}

func (h *SandboxHandler) RegisterRoutes(r *gin.RouterGroup) {
	sandboxes := r.Group("/sandboxes")
	{
		sandboxes.POST("", h.Create)
		sandboxes.GET("", h.List)
		sandboxes.DELETE("", h.DeleteAll)
		sandboxes.GET("/metrics", h.Metrics)
		sandboxes.GET("/:name", h.Get)
		sandboxes.DELETE("/:name", h.Delete)
		sandboxes.GET("/:name/history", h.History)
		sandboxes.GET("/:name/logs", h.Logs)
		sandboxes.GET("/:name/metrics", h.SandboxMetrics)
		sandboxes.POST("/:name/exec", h.Exec)
		sandboxes.GET("/:name/shell", h.Shell)
	}
}

// namespace resolves the namespace query parameter, falling back to the
// daemon default.
func (h *SandboxHandler) namespace(c *gin.Context) string {
	if ns := c.Query("namespace"); ns != "" {
		return ns
	}
	return h.defaultNamespace
}

func (h *SandboxHandler) Create(c *gin.Context) {
	var spec model.SandboxSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		respondValidation(c, err.Error())
		return
	}
	if spec.Namespace == "" {
		spec.Namespace = h.defaultNamespace
	}

	state, err := h.ctrl.Create(c.Request.Context(), spec)
	if err != nil {
		respondError(c, err)
		return
	}
	respondData(c, http.StatusCreated, state)
}

func (h *SandboxHandler) List(c *gin.Context) {
	resp, err := h.ctrl.List(c.Request.Context(), h.namespace(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, resp)
}

func (h *SandboxHandler) Get(c *gin.Context) {
	state, err := h.ctrl.Get(c.Request.Context(), h.namespace(c), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, state)
}

// Delete reports success even when the sandbox is already gone; the caller
// asked for absence and absence is what they have.
func (h *SandboxHandler) Delete(c *gin.Context) {
	name := c.Param("name")
	err := h.ctrl.Delete(c.Request.Context(), h.namespace(c), name)
	if err != nil && !errors.Is(err, lifecycle.ErrNotFound) {
		respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, gin.H{"name": name, "status": model.StatusDeleted})
}

// DeleteAll requires confirm=true; a namespace-wide teardown is too easy to
// trigger by accident otherwise.
func (h *SandboxHandler) DeleteAll(c *gin.Context) {
	if c.Query("confirm") != "true" {
		respondErrorCode(c, http.StatusBadRequest, model.CodeNotConfirmed,
			"pass confirm=true to delete every sandbox in the namespace")
		return
	}

	result, err := h.ctrl.DeleteAll(c.Request.Context(), h.namespace(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, result)
}

func (h *SandboxHandler) History(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	resp, err := h.ctrl.History(c.Request.Context(), h.namespace(c), c.Param("name"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, resp)
}

func (h *SandboxHandler) Logs(c *gin.Context) {
	tail, err := strconv.ParseInt(c.DefaultQuery("tail", "100"), 10, 64)
	if err != nil || tail <= 0 {
		respondValidation(c, "tail must be a positive integer")
		return
	}

	resp, err := h.ctrl.Logs(c.Request.Context(), h.namespace(c), c.Param("name"), tail)
	if err != nil {
		respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, resp)
}

// Metrics reports live usage for every sandbox in the namespace.
func (h *SandboxHandler) Metrics(c *gin.Context) {
	resp, err := h.ctrl.Metrics(c.Request.Context(), h.namespace(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, resp)
}

// SandboxMetrics reports live usage for one sandbox. A sandbox that exists
// but has no metrics sample yet reports zero usage rather than an error.
func (h *SandboxHandler) SandboxMetrics(c *gin.Context) {
	namespace, name := h.namespace(c), c.Param("name")
	if _, err := h.ctrl.Get(c.Request.Context(), namespace, name); err != nil {
		respondError(c, err)
		return
	}

	resp, err := h.ctrl.Metrics(c.Request.Context(), namespace)
	if err != nil {
		respondError(c, err)
		return
	}
	for _, item := range resp.Items {
		if item.Name == name {
			respondData(c, http.StatusOK, item)
			return
		}
	}
	respondData(c, http.StatusOK, model.SandboxMetrics{
		Name:        name,
		Namespace:   namespace,
		CPUUsage:    "0",
		MemoryUsage: "0",
	})
}

func (h *SandboxHandler) Exec(c *gin.Context) {
	var req model.ExecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}

	resp, err := h.ctrl.Exec(c.Request.Context(), h.namespace(c), c.Param("name"), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, resp)
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is enforced by middleware before the upgrade
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Shell upgrades the connection and bridges it to an interactive shell in
// the sandbox. Drain refusal happens before the upgrade so a draining daemon
// never accepts a session it would immediately kill.
func (h *SandboxHandler) Shell(c *gin.Context) {
	if h.drain != nil && h.drain.IsDraining() {
		respondError(c, lifecycle.ErrUnavailable)
		return
	}

	command := c.QueryArray("command")
	if len(command) == 0 {
		command = []string{"sh"}
	}
	tty := c.DefaultQuery("tty", "true") == "true"
	rows, _ := strconv.Atoi(c.DefaultQuery("rows", "24"))
	cols, _ := strconv.Atoi(c.DefaultQuery("cols", "80"))
	if rows <= 0 {
		rows = 24
	}
	if cols <= 0 {
		cols = 80
	}

	ws, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		respondError(c, err)
		return
	}
	defer ws.Close()

	h.shell.Serve(c.Request.Context(), ws, h.namespace(c), c.Param("name"), service.ShellParams{
		Command: command,
		TTY:     tty,
		Rows:    rows,
		Cols:    cols,
	})
}
