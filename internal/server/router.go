package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/husky2466-codo/ai-command-center-sub001/internal/connection"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/events"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/launcher"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/operation"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/reconcile"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/store"
)

// Router provides embeddable HTTP handlers for operations on remote hosts.
// Endpoints:
//   GET  {basePath}/connections
//   GET  {basePath}/connections/:id/operations          query: sync_status=true|false (default true)
//   POST {basePath}/connections/:id/operations          body: {"name":..., "command":...}
//   POST {basePath}/connections/:id/operations/sync
//   POST {basePath}/connections/:id/operations/:op/kill query: signal=TERM
//   GET  {basePath}/events                              websocket, query: connection=..., type=...
// basePath may be empty or start with '/'; no trailing slash.

type Reconciler interface {
	ListOperations(ctx context.Context, connID string, opts reconcile.ListOptions) (reconcile.ListResult, error)
	SyncOperations(ctx context.Context, connID string) (reconcile.Summary, error)
}

type Launcher interface {
	Launch(ctx context.Context, connID, name, command string) (operation.Record, error)
	Kill(ctx context.Context, connID, opID, signal string) (operation.Record, error)
}

type Connections interface {
	List() []connection.Config
}

// Deps are the services behind the router. Launcher and Bus may be nil, in
// which case the launch/kill and event stream endpoints are not mounted.
type Deps struct {
	Reconciler  Reconciler
	Launcher    Launcher
	Connections Connections
	Bus         *events.Bus
	// Metrics is mounted at /metrics outside basePath when set.
	Metrics http.Handler
}

type Router struct {
	deps     Deps
	basePath string
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/connections, /api/events.
func NewRouter(deps Deps, basePath string) *Router {
	return &Router{deps: deps, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.deps.Metrics != nil {
		g.GET("/metrics", gin.WrapH(r.deps.Metrics))
	}
	group := g.Group(r.basePath)
	group.GET("/connections", r.handleConnections)
	ops := group.Group("/connections/:id/operations")
	ops.GET("", r.handleList)
	ops.POST("/sync", r.handleSync)
	if r.deps.Launcher != nil {
		ops.POST("", r.handleLaunch)
		ops.POST("/:op/kill", r.handleKill)
	}
	if r.deps.Bus != nil {
		group.GET("/events", r.handleEvents)
	}
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// Listen errors are returned; serve errors after that end the goroutine.
func NewServer(addr, basePath string, deps Deps, tlsCfg *tls.Config) (*http.Server, error) {
	r := NewRouter(deps, basePath)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	// No WriteTimeout: /events connections are long-lived.
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		TLSConfig:         tlsCfg,
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type listResp struct {
	Success    bool               `json:"success"`
	Operations []operation.Record `json:"operations"`
	Synced     bool               `json:"synced"`
	Degraded   string             `json:"degraded,omitempty"`
	Summary    operation.Summary  `json:"summary"`
}

type syncResp struct {
	Success bool `json:"success"`
	operation.Summary
}

type operationResp struct {
	Success   bool             `json:"success"`
	Operation operation.Record `json:"operation"`
}

type connectionsResp struct {
	Success     bool                `json:"success"`
	Connections []connection.Config `json:"connections"`
}

type launchReq struct {
	Name    string `json:"name"`
	Command string `json:"command"`
}

func (r *Router) handleConnections(c *gin.Context) {
	conns := r.deps.Connections.List()
	if conns == nil {
		conns = []connection.Config{}
	}
	writeJSON(c, http.StatusOK, connectionsResp{Success: true, Connections: conns})
}

func (r *Router) handleList(c *gin.Context) {
	id, ok := connID(c)
	if !ok {
		return
	}
	var opts reconcile.ListOptions
	if raw, set := c.GetQuery("sync_status"); set {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "invalid sync_status: "+strconv.Quote(raw))
			return
		}
		opts.SyncStatus = &b
	}
	res, err := r.deps.Reconciler.ListOperations(c.Request.Context(), id, opts)
	if err != nil {
		writeErr(c, err)
		return
	}
	ops := res.Operations
	if ops == nil {
		ops = []operation.Record{}
	}
	writeJSON(c, http.StatusOK, listResp{
		Success:    true,
		Operations: ops,
		Synced:     res.Synced,
		Degraded:   res.Degraded,
		Summary:    res.Summary,
	})
}

func (r *Router) handleSync(c *gin.Context) {
	id, ok := connID(c)
	if !ok {
		return
	}
	sum, err := r.deps.Reconciler.SyncOperations(c.Request.Context(), id)
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, syncResp{Success: true, Summary: sum})
}

func (r *Router) handleLaunch(c *gin.Context) {
	id, ok := connID(c)
	if !ok {
		return
	}
	var req launchReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	rec, err := r.deps.Launcher.Launch(c.Request.Context(), id, req.Name, req.Command)
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, operationResp{Success: true, Operation: rec})
}

func (r *Router) handleKill(c *gin.Context) {
	id, ok := connID(c)
	if !ok {
		return
	}
	opID := c.Param("op")
	if !isSafeID(opID) {
		writeError(c, http.StatusBadRequest, "invalid operation id")
		return
	}
	rec, err := r.deps.Launcher.Kill(c.Request.Context(), id, opID, c.Query("signal"))
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, operationResp{Success: true, Operation: rec})
}

func connID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if !isSafeID(id) {
		writeError(c, http.StatusBadRequest, "invalid connection id")
		return "", false
	}
	return id, true
}

// statusFor maps service errors to HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, connection.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, launcher.ErrInvalidSignal), errors.Is(err, launcher.ErrCommandRequired):
		return http.StatusBadRequest
	case errors.Is(err, launcher.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, connection.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(c *gin.Context, err error) {
	writeError(c, statusFor(err), err.Error())
}

func writeError(c *gin.Context, code int, msg string) {
	writeJSON(c, code, errorResp{Success: false, Error: msg})
}
