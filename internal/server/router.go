// Package server exposes the management REST API over the host services.
// Endpoints (under an optional basePath):
//
//	GET    /healthz
//	GET    /metrics
//	GET    /api/runtimes               list runtime entries
//	POST   /api/runtimes               register a runtime
//	POST   /api/runtimes/:id/initialize
//	POST   /api/runtimes/:id/default
//	DELETE /api/runtimes/:id
//	GET    /api/envs                   list environments
//	POST   /api/envs                   ensure an environment
//	GET    /api/envs/:name             environment status
//	POST   /api/envs/:name/packages    install packages
//	DELETE /api/envs/:name
//	GET    /api/backends               list backend handles
//	POST   /api/backends               start a backend
//	POST   /api/backends/stop          stop a backend
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pyhost/pyhost/internal/backend"
	"github.com/pyhost/pyhost/internal/host"
	"github.com/pyhost/pyhost/internal/launcher"
	"github.com/pyhost/pyhost/internal/metrics"
	"github.com/pyhost/pyhost/internal/registry"
	"github.com/pyhost/pyhost/internal/venv"
)

// Router provides embeddable HTTP handlers over a Host.
type Router struct {
	host     *host.Host
	basePath string
}

func NewRouter(h *host.Host, basePath string) *Router {
	return &Router{host: h, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in
// any server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	group.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := group.Group("/api")
	api.GET("/runtimes", r.handleListRuntimes)
	api.POST("/runtimes", r.handleCreateRuntime)
	api.POST("/runtimes/:id/initialize", r.handleInitializeRuntime)
	api.POST("/runtimes/:id/default", r.handleSetDefault)
	api.DELETE("/runtimes/:id", r.handleRemoveRuntime)

	api.GET("/envs", r.handleListEnvs)
	api.POST("/envs", r.handleEnsureEnv)
	api.GET("/envs/:name", r.handleEnvStatus)
	api.POST("/envs/:name/packages", r.handleInstallPackages)
	api.DELETE("/envs/:name", r.handleDeleteEnv)

	api.GET("/backends", r.handleListBackends)
	api.POST("/backends", r.handleStartBackend)
	api.POST("/backends/stop", r.handleStopBackend)
	api.POST("/backends/eval", r.handleEvalBackend)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, h *host.Host) *http.Server {
	r := NewRouter(h, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleListRuntimes(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.host.Registry().GetAvailableRuntimes())
}

type createRuntimeReq struct {
	Name string `json:"name"`
	Type string `json:"type"`
	// Path registers an existing unmanaged install instead of creating a
	// managed one.
	Path string `json:"path"`
}

func (r *Router) handleCreateRuntime(c *gin.Context) {
	var req createRuntimeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeName(req.Name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-]"})
		return
	}
	typ := registry.RuntimeType(req.Type)
	var (
		id  string
		err error
	)
	if req.Path != "" {
		id, err = r.host.Registry().RegisterExisting(req.Name, typ, req.Path)
	} else {
		id, err = r.host.Registry().CreateManagedRuntime(req.Name, typ)
	}
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	e, _ := r.host.Registry().GetRuntime(id)
	writeJSON(c, http.StatusOK, e)
}

func (r *Router) handleInitializeRuntime(c *gin.Context) {
	id := c.Param("id")
	ok, err := r.host.Registry().InitializeRuntime(c.Request.Context(), id)
	if errors.Is(err, registry.ErrNotFound) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	e, gerr := r.host.Registry().GetRuntime(id)
	if gerr != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: gerr.Error()})
		return
	}
	if !ok {
		writeJSON(c, http.StatusConflict, e)
		return
	}
	writeJSON(c, http.StatusOK, e)
}

func (r *Router) handleSetDefault(c *gin.Context) {
	if err := r.host.Registry().SetDefaultRuntime(c.Param("id")); err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRemoveRuntime(c *gin.Context) {
	if err := r.host.Registry().RemoveRuntime(c.Param("id")); err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleListEnvs(c *gin.Context) {
	recs, err := r.host.Provisioner().ListEnvironments(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, recs)
}

type ensureEnvReq struct {
	Name  string `json:"name"`
	Scope string `json:"scope"`
}

func (r *Router) handleEnsureEnv(c *gin.Context) {
	var req ensureEnvReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeName(req.Name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-]"})
		return
	}
	path, err := r.host.EnsureEnvironment(c.Request.Context(), venv.ScopedName(req.Name, req.Scope))
	if err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"path": path})
}

func (r *Router) handleEnvStatus(c *gin.Context) {
	st := r.host.Provisioner().EnvironmentStatus(c.Request.Context(), c.Param("name"))
	if !st.Exists {
		writeJSON(c, http.StatusNotFound, st)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

type installReq struct {
	Packages []venv.PackageSpec `json:"packages"`
}

func (r *Router) handleInstallPackages(c *gin.Context) {
	var req installReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if len(req.Packages) == 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "packages required"})
		return
	}
	name := c.Param("name")
	if err := r.host.Provisioner().InstallPackages(c.Request.Context(), name, req.Packages...); err != nil {
		var envErr *venv.EnvironmentError
		if errors.As(err, &envErr) {
			writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
			return
		}
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	st := r.host.Provisioner().EnvironmentStatus(c.Request.Context(), name)
	writeJSON(c, http.StatusOK, st.Packages)
}

func (r *Router) handleDeleteEnv(c *gin.Context) {
	deleted := r.host.Provisioner().DeleteEnvironment(c.Request.Context(), c.Param("name"))
	writeJSON(c, http.StatusOK, gin.H{"deleted": deleted})
}

type backendStatus struct {
	VenvPath    string `json:"venv_path"`
	BackendType string `json:"backend_type"`
	Endpoint    string `json:"endpoint,omitempty"`
	PID         int    `json:"pid,omitempty"`
	State       string `json:"state"`
	StartedAt   string `json:"started_at,omitempty"`
	Error       string `json:"error,omitempty"`
}

func toBackendStatus(st launcher.Status) backendStatus {
	out := backendStatus{
		VenvPath:    st.VenvPath,
		BackendType: string(st.BackendType),
		PID:         st.PID,
		State:       string(st.State),
	}
	if st.State == launcher.StateRunning {
		out.Endpoint = st.Endpoint
	}
	if !st.StartedAt.IsZero() {
		out.StartedAt = st.StartedAt.UTC().Format(time.RFC3339)
	}
	if st.ExitErr != nil {
		out.Error = st.ExitErr.Error()
	}
	return out
}

func (r *Router) handleListBackends(c *gin.Context) {
	hs := r.host.Launcher().Handles()
	out := make([]backendStatus, 0, len(hs))
	for _, st := range hs {
		out = append(out, toBackendStatus(st))
	}
	writeJSON(c, http.StatusOK, out)
}

type startBackendReq struct {
	Type     string `json:"type"`
	VenvPath string `json:"venv_path"`
	Port     int    `json:"port"`
}

func (r *Router) handleStartBackend(c *gin.Context) {
	var req startBackendReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	typ, err := backend.ParseType(req.Type)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	h, err := r.host.StartBackend(c.Request.Context(), typ, req.VenvPath, req.Port)
	if err != nil {
		writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, toBackendStatus(h.Snapshot()))
}

type evalReq struct {
	Type       string         `json:"type"`
	VenvPath   string         `json:"venv_path"`
	Expression string         `json:"expression"`
	Locals     map[string]any `json:"locals,omitempty"`
}

func (r *Router) handleEvalBackend(c *gin.Context) {
	var req evalReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	typ, err := backend.ParseType(req.Type)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	ct, err := r.host.Connect(c.Request.Context(), req.VenvPath, typ)
	if err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	defer func() { _ = ct.Close() }()
	raw, err := ct.Evaluate(c.Request.Context(), req.Expression, req.Locals)
	if err != nil {
		var remote *backend.RemoteError
		if errors.As(err, &remote) {
			writeJSON(c, http.StatusUnprocessableEntity, gin.H{
				"error": remote.Message, "type": remote.ExcType, "traceback": remote.Traceback,
			})
			return
		}
		writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"result": raw})
}

type stopBackendReq struct {
	Type     string `json:"type"`
	VenvPath string `json:"venv_path"`
}

func (r *Router) handleStopBackend(c *gin.Context) {
	var req stopBackendReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	typ, err := backend.ParseType(req.Type)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	h, ok := r.host.Launcher().Get(req.VenvPath, typ)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no backend for this environment and type"})
		return
	}
	if err := r.host.Launcher().Stop(c.Request.Context(), h); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, toBackendStatus(h.Snapshot()))
}
