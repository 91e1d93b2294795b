package tenant

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"fm_server/server/common/keyed"
	"fm_server/server/common/log"
)

const (
	HeaderTenantID   = "X-Tenant-ID"
	HeaderFirmCode   = "X-FirmCode"
	HeaderClientCode = "X-ClientCode"
	RouteParamFirm   = "firmCode"

	defaultCacheTTL = 10 * time.Minute
)

var (
	ErrResolution    = errors.New("unable to resolve tenant")
	ErrAuthorization = errors.New("client code not authorized for tenant")
)

// RequestContext carries the request attributes the resolver inspects.
type RequestContext struct {
	Header      http.Header
	RouteParams map[string]string
	Host        string
}

type Resolution struct {
	Tenant     Config
	ClientCode string
}

type ResolverConfig struct {
	CacheTTL time.Duration
	// DevFallback applies only when AllowDevFallback is set (development env).
	DevFallback      string
	AllowDevFallback bool
}

type Resolver struct {
	directory Directory
	cache     *keyed.Cache[Config]
	cfg       ResolverConfig
}

func NewResolver(directory Directory, cfg ResolverConfig) *Resolver {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	return &Resolver{directory: directory, cache: keyed.New[Config](cfg.CacheTTL), cfg: cfg}
}

// Resolve identifies the tenant of a request and authorizes its effective
// client code.
func (r *Resolver) Resolve(ctx context.Context, req RequestContext) (Resolution, error) {
	tenantID, err := r.TenantID(req)
	if err != nil {
		return Resolution{}, err
	}
	cfg, err := r.Lookup(ctx, tenantID)
	if err != nil {
		return Resolution{}, err
	}

	clientCode := strings.TrimSpace(req.Header.Get(HeaderClientCode))
	if clientCode == "" {
		clientCode = cfg.TenantID
		log.Debugf("event=tenant_resolve action=client_default tenant_id=%s", cfg.TenantID)
	}
	if err := Authorize(cfg, clientCode); err != nil {
		log.Warnf("event=tenant_resolve action=deny tenant_id=%s client_code=%s", cfg.TenantID, clientCode)
		return Resolution{}, err
	}
	return Resolution{Tenant: cfg, ClientCode: clientCode}, nil
}

// TenantID applies header > route > subdomain > dev fallback precedence.
func (r *Resolver) TenantID(req RequestContext) (string, error) {
	for _, candidate := range []string{
		req.Header.Get(HeaderTenantID),
		req.Header.Get(HeaderFirmCode),
		req.RouteParams[RouteParamFirm],
		subdomain(req.Host),
	} {
		if id := strings.TrimSpace(candidate); id != "" {
			return id, nil
		}
	}
	if r.cfg.AllowDevFallback && strings.TrimSpace(r.cfg.DevFallback) != "" {
		log.Warnf("event=tenant_resolve action=dev_fallback tenant_id=%s", r.cfg.DevFallback)
		return strings.TrimSpace(r.cfg.DevFallback), nil
	}
	return "", ErrResolution
}

// Lookup returns the tenant config through the TTL cache. Entries are only
// invalidated by expiry.
func (r *Resolver) Lookup(ctx context.Context, tenantID string) (Config, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return Config{}, ErrResolution
	}
	cfg, _, err := r.cache.GetOrCompute(ctx, tenantID, func(ctx context.Context) (Config, error) {
		return r.directory.Lookup(ctx, tenantID)
	})
	if err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			return Config{}, fmt.Errorf("%w: %w", ErrResolution, err)
		}
		return Config{}, err
	}
	return cfg.clone(), nil
}

// Authorize checks a client code against the tenant's mode. Dedicated tenants
// only accept their own code; shared tenants accept their allow-list.
func Authorize(cfg Config, clientCode string) error {
	switch cfg.DatabaseMode {
	case DatabaseModeDedicated:
		if clientCode == cfg.TenantID {
			return nil
		}
	default:
		if slices.Contains(cfg.AllowedClientCodes, clientCode) {
			return nil
		}
	}
	return fmt.Errorf("%w: client %s, tenant %s", ErrAuthorization, clientCode, cfg.TenantID)
}

func subdomain(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" || net.ParseIP(host) != nil || !strings.Contains(host, ".") {
		return ""
	}
	label := strings.ToLower(strings.SplitN(host, ".", 2)[0])
	if label == "www" {
		return ""
	}
	return label
}
