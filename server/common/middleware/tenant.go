package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"fm_server/server/common/log"
	"fm_server/server/common/tenant"
	"fm_server/server/common/transport/httpresp"
)

const (
	ctxTenantID     = "tenant_id"
	ctxClientCode   = "client_code"
	ctxTenantConfig = "tenant_config"
)

var skipTenantPrefixes = []string{"/health", "/metrics", "/api/internal/"}

type tenantResolver interface {
	Resolve(ctx context.Context, req tenant.RequestContext) (tenant.Resolution, error)
}

// TenantRequired resolves and authorizes the tenant of every request outside
// the health, metrics and internal paths.
func TenantRequired(resolver tenantResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		for _, prefix := range skipTenantPrefixes {
			if strings.HasPrefix(path, prefix) {
				c.Next()
				return
			}
		}

		params := make(map[string]string, len(c.Params))
		for _, p := range c.Params {
			params[p.Key] = p.Value
		}
		res, err := resolver.Resolve(c.Request.Context(), tenant.RequestContext{
			Header:      c.Request.Header,
			RouteParams: params,
			Host:        c.Request.Host,
		})
		switch {
		case err == nil:
		case errors.Is(err, tenant.ErrAuthorization):
			c.AbortWithStatusJSON(http.StatusForbidden, httpresp.NewErrorResponse(httpresp.ErrClientNotAllowed))
			return
		case errors.Is(err, tenant.ErrResolution):
			c.AbortWithStatusJSON(http.StatusBadRequest, httpresp.NewErrorResponse(httpresp.ErrTenantUnresolved))
			return
		default:
			log.Errorf("event=tenant_resolve action=error path=%s err=%v", path, err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, httpresp.NewErrorResponse(httpresp.ErrTenantResolution))
			return
		}

		c.Set(ctxTenantID, res.Tenant.TenantID)
		c.Set(ctxClientCode, res.ClientCode)
		c.Set(ctxTenantConfig, res.Tenant)
		c.Next()
	}
}

func TenantID(c *gin.Context) string {
	return c.GetString(ctxTenantID)
}

func ClientCode(c *gin.Context) string {
	return c.GetString(ctxClientCode)
}

func TenantConfig(c *gin.Context) (tenant.Config, bool) {
	raw, ok := c.Get(ctxTenantConfig)
	if !ok {
		return tenant.Config{}, false
	}
	cfg, ok := raw.(tenant.Config)
	return cfg, ok
}
