// Package http exposes the host over a JSON API.
package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/webmonkey/internal/domain/host"
	"github.com/GriffinCanCode/webmonkey/internal/engine/capability"
	"github.com/GriffinCanCode/webmonkey/internal/engine/gate"
	"github.com/GriffinCanCode/webmonkey/internal/engine/inject"
	"github.com/GriffinCanCode/webmonkey/internal/providers/install"
	"github.com/GriffinCanCode/webmonkey/internal/providers/registry"
	"github.com/GriffinCanCode/webmonkey/internal/providers/ui"
	"github.com/GriffinCanCode/webmonkey/internal/shared/id"
	"github.com/GriffinCanCode/webmonkey/internal/userscript"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	host *host.Host
}

// NewHandlers creates a new handler set
func NewHandlers(h *host.Host) *Handlers {
	return &Handlers{host: h}
}

// Register mounts every route on r.
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/health", h.Health)

	v1 := r.Group("/v1")
	v1.POST("/policy", h.Decide)
	v1.PUT("/engine/enabled", h.SetEngineEnabled)
	v1.POST("/documents", h.DocumentReady)
	v1.POST("/windows", h.NewWindow)
	v1.GET("/windows/:id/menu", h.Menu)
	v1.POST("/windows/:id/menu/:index", h.TriggerMenu)
	v1.GET("/tabs", h.Tabs)
	v1.GET("/installs", h.ListInstalls)
	v1.POST("/installs", h.QueueInstall)
	v1.POST("/installs/:id/confirm", h.ConfirmInstall)
	v1.DELETE("/installs/:id", h.CancelInstall)
	v1.GET("/scripts", h.ListScripts)
	v1.PUT("/scripts/*id", h.SetScriptEnabled)
	v1.GET("/errors", h.Errors)
	v1.GET("/messages", h.Messages)
}

// PolicyRequest is one resource load to decide on.
type PolicyRequest struct {
	URL    string `json:"url" binding:"required"`
	Origin string `json:"origin"`
	Kind   string `json:"kind"`
}

// DocumentRequest is a loaded page to inject into.
type DocumentRequest struct {
	URL    string `json:"url" binding:"required"`
	HTML   string `json:"html"`
	Window string `json:"window"`
}

// EnabledRequest toggles a flag.
type EnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// InstallRequest queues a script URL.
type InstallRequest struct {
	URL string `json:"url" binding:"required"`
}

// ScriptView is the API form of an installed script.
type ScriptView struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Namespace   string   `json:"namespace,omitempty"`
	Description string   `json:"description,omitempty"`
	Version     string   `json:"version,omitempty"`
	FileURL     string   `json:"file_url"`
	Enabled     bool     `json:"enabled"`
	Unwrap      bool     `json:"unwrap"`
	Includes    []string `json:"includes"`
	Excludes    []string `json:"excludes"`
	Requires    []string `json:"requires"`
	Resources   []string `json:"resources"`
}

// NewScriptView converts a script for output.
func NewScriptView(s *userscript.Script) ScriptView {
	v := ScriptView{
		ID:          s.ID,
		Name:        s.Name,
		Namespace:   s.Namespace,
		Description: s.Description,
		Version:     s.Version,
		FileURL:     s.FileURL,
		Enabled:     s.Enabled,
		Unwrap:      s.Unwrap,
		Includes:    nonNil(s.Includes),
		Excludes:    nonNil(s.Excludes),
		Requires:    []string{},
		Resources:   []string{},
	}
	for _, r := range s.Requires {
		v.Requires = append(v.Requires, r.SourceURL)
	}
	for _, r := range s.Resources {
		v.Resources = append(v.Resources, r.Name)
	}
	return v
}

// Health handles health check
func (h *Handlers) Health(c *gin.Context) {
	status := h.host.Health()
	status["status"] = "healthy"
	c.JSON(http.StatusOK, status)
}

// Decide runs the interception gate.
func (h *Handlers) Decide(c *gin.Context) {
	var req PolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	d := h.host.Decide(gate.Request{URL: req.URL, Origin: req.Origin, Kind: gate.ParseKind(req.Kind)})
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"decision": d.String(),
	})
}

// SetEngineEnabled turns script handling on or off.
func (h *Handlers) SetEngineEnabled(c *gin.Context) {
	var req EnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.host.SetEnabled(*req.Enabled)
	c.JSON(http.StatusOK, gin.H{"success": true, "enabled": h.host.Enabled()})
}

// DocumentReady injects matching scripts into a page.
func (h *Handlers) DocumentReady(c *gin.Context) {
	var req DocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	outcome := h.host.DocumentReady(c.Request.Context(), inject.Document{URL: req.URL, HTML: req.HTML}, capability.WindowHandle(req.Window))
	c.JSON(http.StatusOK, gin.H{
		"success": outcome.Error == "",
		"outcome": outcome,
	})
}

// NewWindow opens a host window.
func (h *Handlers) NewWindow(c *gin.Context) {
	c.JSON(http.StatusCreated, gin.H{"success": true, "window": h.host.NewWindow()})
}

// Menu lists a window's menu commands.
func (h *Handlers) Menu(c *gin.Context) {
	items, err := h.host.Menu(capability.WindowHandle(c.Param("id")))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "commands": items})
}

// TriggerMenu runs a menu command.
func (h *Handlers) TriggerMenu(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		badRequest(c, err)
		return
	}
	if err := h.host.TriggerMenu(c.Request.Context(), capability.WindowHandle(c.Param("id")), index); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Tabs lists tabs opened by scripts.
func (h *Handlers) Tabs(c *gin.Context) {
	tabs := h.host.Tabs()
	if tabs == nil {
		tabs = []ui.Tab{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "tabs": tabs})
}

// ListInstalls lists queued installs.
func (h *Handlers) ListInstalls(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "installs": h.host.Installs()})
}

// QueueInstall queues a script URL for install.
func (h *Handlers) QueueInstall(c *gin.Context) {
	var req InstallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "install": h.host.QueueInstall(req.URL)})
}

// ConfirmInstall downloads and registers a queued install.
func (h *Handlers) ConfirmInstall(c *gin.Context) {
	s, err := h.host.ConfirmInstall(c.Request.Context(), id.InstallID(c.Param("id")))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "script": NewScriptView(s)})
}

// CancelInstall drops a queued install.
func (h *Handlers) CancelInstall(c *gin.Context) {
	if err := h.host.CancelInstall(id.InstallID(c.Param("id"))); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ListScripts lists installed scripts.
func (h *Handlers) ListScripts(c *gin.Context) {
	scripts := h.host.Scripts()
	views := make([]ScriptView, 0, len(scripts))
	for _, s := range scripts {
		views = append(views, NewScriptView(s))
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "scripts": views})
}

// SetScriptEnabled toggles a script. Script IDs contain slashes, so the
// route is /v1/scripts/<id>/enabled matched as a wildcard.
func (h *Handlers) SetScriptEnabled(c *gin.Context) {
	scriptID, ok := trimEnabledSuffix(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "not found"})
		return
	}

	var req EnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.host.SetScriptEnabled(scriptID, *req.Enabled); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "id": scriptID, "enabled": *req.Enabled})
}

// Errors lists recent script failures.
func (h *Handlers) Errors(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "errors": h.host.Errors()})
}

// Messages lists recent GM_log output.
func (h *Handlers) Messages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "messages": h.host.Messages()})
}

func trimEnabledSuffix(param string) (string, bool) {
	const suffix = "/enabled"
	if len(param) <= len(suffix)+1 || param[len(param)-len(suffix):] != suffix {
		return "", false
	}
	return param[1 : len(param)-len(suffix)], true
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"success": false,
		"error":   "Invalid request: " + err.Error(),
	})
}

func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ui.ErrUnknownWindow),
		errors.Is(err, ui.ErrNoSuchCommand),
		errors.Is(err, install.ErrUnknownInstall),
		errors.Is(err, registry.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, install.ErrNotPending):
		status = http.StatusConflict
	case errors.Is(err, install.ErrRejected):
		status = http.StatusForbidden
	}
	c.JSON(status, gin.H{
		"success": false,
		"error":   err.Error(),
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
