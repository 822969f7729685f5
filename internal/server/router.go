package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"portkeeper/internal/allocator"
	"portkeeper/internal/depgraph"
	"portkeeper/internal/health"
	"portkeeper/internal/identity"
	"portkeeper/internal/registry"
	"portkeeper/internal/store"
)

// Router provides embeddable HTTP handlers for port allocation and the
// service registry.
// Endpoints:
//
//	POST   {basePath}/port/allocate      body: AllocateRequest
//	POST   {basePath}/port/release       query: app=...&instance=...
//	GET    {basePath}/port/get           query: app=...&instance=...
//	GET    {basePath}/port/allocations
//	GET    {basePath}/port/check         query: port=...
//	GET    {basePath}/port/find          query: min=...&max=... (optional)
//	GET    {basePath}/port/static
//	POST   {basePath}/port/static        query: port=...
//	DELETE {basePath}/port/static        query: port=...
//	POST   {basePath}/service/register   body: registry.Record
//	POST   {basePath}/service/unregister query: app=...&instance=...
//	POST   {basePath}/service/status     query: app=...&instance=...&status=...
//	GET    {basePath}/service/get        query: app=...&instance=...
//	GET    {basePath}/service/list       query: app=, technology=, status= (all optional)
//	GET    {basePath}/service/deps       query: app=...&instance=...
//	POST   {basePath}/service/check      query: app=...&instance=...
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	alloc    *allocator.Allocator
	reg      *registry.Registry
	checker  *health.Checker
	basePath string
}

// NewRouter constructs a Router with configurable basePath. checker may be
// nil; on-demand health checks then report 404.
func NewRouter(alloc *allocator.Allocator, reg *registry.Registry, checker *health.Checker, basePath string) *Router {
	return &Router{alloc: alloc, reg: reg, checker: checker, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in
// any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/port/allocate", r.handleAllocate)
	group.POST("/port/release", r.handleRelease)
	group.GET("/port/get", r.handleGetPort)
	group.GET("/port/allocations", r.handleAllocations)
	group.GET("/port/check", r.handleCheck)
	group.GET("/port/find", r.handleFind)
	group.GET("/port/static", r.handleStaticList)
	group.POST("/port/static", r.handleStaticReserve)
	group.DELETE("/port/static", r.handleStaticUnreserve)
	group.POST("/service/register", r.handleRegister)
	group.POST("/service/unregister", r.handleUnregister)
	group.POST("/service/status", r.handleStatus)
	group.GET("/service/get", r.handleGetService)
	group.GET("/service/list", r.handleListServices)
	group.GET("/service/deps", r.handleDeps)
	group.POST("/service/check", r.handleCheckService)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, r *Router) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

// --- Wire types ---

type AllocateRequest struct {
	App       string `json:"app_id"`
	Instance  string `json:"instance_id,omitempty"`
	Preferred int    `json:"preferred,omitempty"`
	Strict    bool   `json:"strict,omitempty"`
	RangeMin  int    `json:"range_min,omitempty"`
	RangeMax  int    `json:"range_max,omitempty"`
}

type PortResponse struct {
	Port int `json:"port"`
}

type AvailableResponse struct {
	Port      int  `json:"port"`
	Available bool `json:"available"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// --- Handlers ---

func (r *Router) handleAllocate(c *gin.Context) {
	var req AllocateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error(), Code: "invalid_request"})
		return
	}
	id := identity.New(req.App, req.Instance)
	if err := id.Validate(); err != nil {
		writeJSON(c, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid_request"})
		return
	}
	opts := allocator.Options{Preferred: req.Preferred, Strict: req.Strict}
	if req.RangeMin != 0 || req.RangeMax != 0 {
		opts.Range = &allocator.Range{Min: req.RangeMin, Max: req.RangeMax}
	}
	port, err := r.alloc.Allocate(c.Request.Context(), id, opts)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, PortResponse{Port: port})
}

func (r *Router) handleRelease(c *gin.Context) {
	id, ok := queryIdentity(c)
	if !ok {
		return
	}
	if err := r.alloc.Release(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleGetPort(c *gin.Context) {
	id, ok := queryIdentity(c)
	if !ok {
		return
	}
	port, err := r.alloc.Assigned(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, PortResponse{Port: port})
}

func (r *Router) handleAllocations(c *gin.Context) {
	recs, err := r.alloc.Assignments(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, recs)
}

func (r *Router) handleCheck(c *gin.Context) {
	port, ok := queryPort(c)
	if !ok {
		return
	}
	avail, err := r.alloc.IsAvailable(c.Request.Context(), port)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, AvailableResponse{Port: port, Available: avail})
}

func (r *Router) handleFind(c *gin.Context) {
	var rng allocator.Range
	if minStr := c.Query("min"); minStr != "" {
		v, err := strconv.Atoi(minStr)
		if err != nil {
			writeJSON(c, http.StatusBadRequest, ErrorResponse{Error: "invalid min", Code: "invalid_request"})
			return
		}
		rng.Min = v
	}
	if maxStr := c.Query("max"); maxStr != "" {
		v, err := strconv.Atoi(maxStr)
		if err != nil {
			writeJSON(c, http.StatusBadRequest, ErrorResponse{Error: "invalid max", Code: "invalid_request"})
			return
		}
		rng.Max = v
	}
	port, err := r.alloc.FindAvailable(c.Request.Context(), rng)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, PortResponse{Port: port})
}

func (r *Router) handleStaticList(c *gin.Context) {
	ports, err := r.alloc.StaticPorts(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, ports)
}

func (r *Router) handleStaticReserve(c *gin.Context) {
	port, ok := queryPort(c)
	if !ok {
		return
	}
	if err := r.alloc.ReserveStatic(c.Request.Context(), port); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStaticUnreserve(c *gin.Context) {
	port, ok := queryPort(c)
	if !ok {
		return
	}
	if err := r.alloc.UnreserveStatic(c.Request.Context(), port); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRegister(c *gin.Context) {
	var rec registry.Record
	if err := c.ShouldBindJSON(&rec); err != nil {
		writeJSON(c, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error(), Code: "invalid_request"})
		return
	}
	out, err := r.reg.Register(c.Request.Context(), rec)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleUnregister(c *gin.Context) {
	id, ok := queryIdentity(c)
	if !ok {
		return
	}
	if err := r.reg.Unregister(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	id, ok := queryIdentity(c)
	if !ok {
		return
	}
	status := registry.Status(c.Query("status"))
	if status == "" {
		writeJSON(c, http.StatusBadRequest, ErrorResponse{Error: "status query param required", Code: "invalid_request"})
		return
	}
	if err := r.reg.UpdateStatus(c.Request.Context(), id, status); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleGetService(c *gin.Context) {
	id, ok := queryIdentity(c)
	if !ok {
		return
	}
	rec, err := r.reg.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleListServices(c *gin.Context) {
	f := registry.Filter{
		App:        c.Query("app"),
		Technology: c.Query("technology"),
		Status:     registry.Status(c.Query("status")),
	}
	recs, err := r.reg.List(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, recs)
}

func (r *Router) handleDeps(c *gin.Context) {
	id, ok := queryIdentity(c)
	if !ok {
		return
	}
	order, err := r.reg.ResolveDependencies(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	keys := make([]string, len(order))
	for i, dep := range order {
		keys[i] = dep.Key()
	}
	writeJSON(c, http.StatusOK, keys)
}

func (r *Router) handleCheckService(c *gin.Context) {
	if r.checker == nil {
		writeJSON(c, http.StatusNotFound, ErrorResponse{Error: "health checking disabled", Code: "not_found"})
		return
	}
	id, ok := queryIdentity(c)
	if !ok {
		return
	}
	rec, err := r.reg.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	probeErr := r.checker.CheckNow(c.Request.Context(), rec)
	resp := struct {
		Healthy bool   `json:"healthy"`
		Error   string `json:"error,omitempty"`
	}{Healthy: probeErr == nil}
	if probeErr != nil {
		resp.Error = probeErr.Error()
	}
	writeJSON(c, http.StatusOK, resp)
}

// writeError maps domain errors onto HTTP status plus a stable error code.
func writeError(c *gin.Context, err error) {
	code := "internal"
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, allocator.ErrRangeExhausted):
		code, status = "range_exhausted", http.StatusConflict
	case errors.Is(err, allocator.ErrPortConflict):
		code, status = "port_conflict", http.StatusConflict
	case errors.Is(err, registry.ErrDuplicateIdentity):
		code, status = "duplicate_identity", http.StatusConflict
	case errors.Is(err, registry.ErrAllocationMismatch):
		code, status = "allocation_mismatch", http.StatusConflict
	case errors.Is(err, registry.ErrInvalidTransition):
		code, status = "invalid_transition", http.StatusConflict
	case errors.Is(err, depgraph.ErrDependencyCycle):
		code, status = "dependency_cycle", http.StatusConflict
	case errors.Is(err, depgraph.ErrUnresolvedDependency):
		code, status = "unresolved_dependency", http.StatusConflict
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, store.ErrNotFound):
		code, status = "not_found", http.StatusNotFound
	case errors.Is(err, store.ErrCorrupt):
		code, status = "persistence_corrupt", http.StatusInternalServerError
	}
	writeJSON(c, status, ErrorResponse{Error: err.Error(), Code: code})
}
