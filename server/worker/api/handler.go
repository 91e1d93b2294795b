package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	commonauth "fm_server/server/common/auth"
	"fm_server/server/common/middleware"
	"fm_server/server/common/tenant"
	"fm_server/server/common/transport/httpresp"
	"fm_server/server/worker/domain"
	"fm_server/server/worker/service"
)

type BindingLister interface {
	ListBindings(tenantID string) []domain.ChannelBinding
}

type ScheduleControl interface {
	Trigger(tenantID string, configID int64) error
	Snapshots() []domain.ScheduleSnapshot
	Refresh(ctx context.Context)
}

type HealthCheck func(ctx context.Context) error

type Handler struct {
	resolver  *tenant.Resolver
	ledger    service.Ledger
	bindings  BindingLister
	schedules ScheduleControl
	auth      *commonauth.Service
	metrics   http.Handler
	health    map[string]HealthCheck
}

func NewHandler(resolver *tenant.Resolver, ledger service.Ledger, bindings BindingLister, schedules ScheduleControl, auth *commonauth.Service, metrics http.Handler) *Handler {
	return &Handler{
		resolver:  resolver,
		ledger:    ledger,
		bindings:  bindings,
		schedules: schedules,
		auth:      auth,
		metrics:   metrics,
		health:    map[string]HealthCheck{},
	}
}

// AddHealthCheck registers a dependency probe reported by /health.
func (h *Handler) AddHealthCheck(name string, check HealthCheck) {
	h.health[name] = check
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.healthz)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics))
	}

	tenantScoped := middleware.TenantRequired(h.resolver)

	api := r.Group("/api/v1", tenantScoped)
	{
		api.GET("/bindings", h.listTenantBindings)
		api.POST("/configs/:configId/scan", h.triggerScan)
		api.GET("/firms/:firmCode/bindings", h.listTenantBindings)
	}

	files := r.Group("/api/filetransfer", tenantScoped)
	{
		files.GET("/files/processed", h.getProcessed)
		files.POST("/files/processed", h.markProcessed)
	}

	internal := r.Group("/api/internal/v1", middleware.AuthRequired(h.auth), middleware.RequireRoles(commonauth.RoleAdmin))
	{
		internal.GET("/bindings", h.listAllBindings)
		internal.GET("/schedules", h.listSchedules)
		internal.POST("/schedules/refresh", h.refreshSchedules)
	}
}

func (h *Handler) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	checks := gin.H{}
	healthy := true
	for name, check := range h.health {
		if err := check(ctx); err != nil {
			healthy = false
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "checks": checks})
}

func (h *Handler) listTenantBindings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": h.bindings.ListBindings(middleware.TenantID(c))})
}

func (h *Handler) listAllBindings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": h.bindings.ListBindings("")})
}

func (h *Handler) listSchedules(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": h.schedules.Snapshots()})
}

func (h *Handler) refreshSchedules(c *gin.Context) {
	h.schedules.Refresh(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"items": h.schedules.Snapshots()})
}

func (h *Handler) triggerScan(c *gin.Context) {
	configID, ok := parseConfigID(c.Param("configId"))
	if !ok {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(httpresp.ErrInvalidConfigID))
		return
	}
	err := h.schedules.Trigger(middleware.TenantID(c), configID)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, httpresp.NewStatusResponse("started", nil))
	case errors.Is(err, service.ErrSchedulingOverlap):
		c.JSON(http.StatusConflict, httpresp.NewStatusResponse("running", err))
	case errors.Is(err, service.ErrNotScheduled):
		c.JSON(http.StatusNotFound, httpresp.NewErrorResponse(httpresp.ErrConfigNotScheduled))
	default:
		c.JSON(http.StatusServiceUnavailable, httpresp.NewErrorResponse(err.Error()))
	}
}

func (h *Handler) getProcessed(c *gin.Context) {
	configID, ok := parseConfigID(c.Query("configId"))
	if !ok {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(httpresp.ErrInvalidConfigID))
		return
	}
	fp := strings.TrimSpace(c.Query("fileHash"))
	if fp == "" {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(httpresp.ErrFingerprintMissing))
		return
	}
	processed, err := h.ledger.IsProcessed(c.Request.Context(), middleware.TenantID(c), configID, fp)
	if err != nil {
		c.JSON(http.StatusInternalServerError, httpresp.NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"processed": processed})
}

func (h *Handler) markProcessed(c *gin.Context) {
	var req domain.ProcessedFileRecord
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	if req.ConfigID <= 0 {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(httpresp.ErrInvalidConfigID))
		return
	}
	if strings.TrimSpace(req.Fingerprint) == "" {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(httpresp.ErrFingerprintMissing))
		return
	}
	err := h.ledger.MarkProcessed(c.Request.Context(), middleware.TenantID(c), req)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, httpresp.NewOKResponse())
	case errors.Is(err, service.ErrLedgerConflict):
		c.JSON(http.StatusConflict, httpresp.NewErrorResponse(err.Error()))
	default:
		c.JSON(http.StatusInternalServerError, httpresp.NewErrorResponse(err.Error()))
	}
}

func parseConfigID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
