package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"fm_server/server/common/keyed"
	"fm_server/server/common/log"
	"fm_server/server/common/tenant"
)

var ErrConfigurationMissing = errors.New("connection configuration missing")

const (
	SourceOverride = "override"
	SourceTemplate = "template"
)

// Descriptor says where a tenant's records live. Shared tenants typically
// resolve to the same DSN and differ only by Schema.
type Descriptor struct {
	TenantID   string
	RoutingKey string
	Mode       tenant.DatabaseMode
	DSN        string
	Schema     string
	Source     string
}

type TenantLookup interface {
	Lookup(ctx context.Context, tenantID string) (tenant.Config, error)
}

type ConnectionRouter struct {
	tenants   TenantLookup
	template  string
	overrides map[string]string
	cache     *keyed.Cache[Descriptor]
}

// NewConnectionRouter routes by override first (keyed by tenant id, then by
// routing key), then by template. Template placeholders: {tenant},
// {routingKey}, {schema}.
func NewConnectionRouter(tenants TenantLookup, template string, overrides map[string]string) *ConnectionRouter {
	copied := make(map[string]string, len(overrides))
	for k, v := range overrides {
		if k = strings.TrimSpace(k); k != "" && strings.TrimSpace(v) != "" {
			copied[k] = strings.TrimSpace(v)
		}
	}
	return &ConnectionRouter{
		tenants:   tenants,
		template:  strings.TrimSpace(template),
		overrides: copied,
		cache:     keyed.New[Descriptor](0),
	}
}

func (r *ConnectionRouter) Resolve(ctx context.Context, tenantID string) (Descriptor, error) {
	tenantID = strings.TrimSpace(tenantID)
	desc, computed, err := r.cache.GetOrCompute(ctx, tenantID, func(ctx context.Context) (Descriptor, error) {
		return r.build(ctx, tenantID)
	})
	if err != nil {
		return Descriptor{}, err
	}
	if computed {
		log.Infof("event=connection_route tenant_id=%s mode=%s source=%s schema=%s", desc.TenantID, desc.Mode, desc.Source, desc.Schema)
	}
	return desc, nil
}

func (r *ConnectionRouter) build(ctx context.Context, tenantID string) (Descriptor, error) {
	cfg, err := r.tenants.Lookup(ctx, tenantID)
	if err != nil {
		return Descriptor{}, err
	}
	desc := Descriptor{
		TenantID:   cfg.TenantID,
		RoutingKey: cfg.RoutingKey,
		Mode:       cfg.DatabaseMode,
		Schema:     cfg.Schema,
	}
	if dsn, ok := r.overrides[cfg.TenantID]; ok {
		desc.DSN, desc.Source = dsn, SourceOverride
		return desc, nil
	}
	if dsn, ok := r.overrides[cfg.RoutingKey]; ok {
		desc.DSN, desc.Source = dsn, SourceOverride
		return desc, nil
	}
	if r.template == "" {
		return Descriptor{}, fmt.Errorf("%w: tenant %s has no override and no template is set", ErrConfigurationMissing, cfg.TenantID)
	}
	desc.DSN = strings.NewReplacer(
		"{tenant}", cfg.TenantID,
		"{routingKey}", cfg.RoutingKey,
		"{schema}", cfg.Schema,
	).Replace(r.template)
	desc.Source = SourceTemplate
	return desc, nil
}
