package object

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"

	"fm_server/server/common/keyed"
	"fm_server/server/common/tenant"
)

var ErrObjectStoreUnavailable = errors.New("object store is not configured")

type TenantLookup interface {
	Lookup(ctx context.Context, tenantID string) (tenant.Config, error)
}

// Target is where a tenant's objects go. Prefix is empty for dedicated
// tenants and "tenants/<id>/" on the shared bucket.
type Target struct {
	Client *minio.Client
	Bucket string
	Prefix string
}

func (t Target) Key(objectKey string) string {
	cleaned := strings.TrimPrefix(strings.TrimSpace(objectKey), "/")
	prefix := strings.TrimPrefix(strings.TrimSpace(t.Prefix), "/")
	if prefix == "" {
		return cleaned
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if strings.HasPrefix(cleaned, prefix) {
		return cleaned
	}
	return prefix + cleaned
}

type TenantMinIORouter struct {
	sharedClient *minio.Client
	sharedBucket string
	tenants      TenantLookup
	clients      *keyed.Cache[*minio.Client]
}

func NewTenantMinIORouter(sharedClient *minio.Client, sharedBucket string, tenants TenantLookup) *TenantMinIORouter {
	return &TenantMinIORouter{
		sharedClient: sharedClient,
		sharedBucket: sharedBucket,
		tenants:      tenants,
		clients:      keyed.New[*minio.Client](0),
	}
}

func (r *TenantMinIORouter) Resolve(ctx context.Context, tenantID string) (Target, error) {
	cfg, err := r.tenants.Lookup(ctx, tenantID)
	if err != nil {
		return Target{}, err
	}
	store := cfg.ObjectStore
	if cfg.DatabaseMode != tenant.DatabaseModeDedicated || store.Endpoint == "" || store.Bucket == "" {
		if r.sharedClient == nil {
			return Target{}, ErrObjectStoreUnavailable
		}
		return Target{Client: r.sharedClient, Bucket: r.sharedBucket, Prefix: fmt.Sprintf("tenants/%s/", cfg.TenantID)}, nil
	}

	client, _, err := r.clients.GetOrCompute(ctx, cfg.TenantID, func(ctx context.Context) (*minio.Client, error) {
		client, err := NewClient(store.Endpoint, store.AccessKey, store.SecretKey, store.UseSSL)
		if err != nil {
			return nil, err
		}
		if err := EnsureBucket(ctx, client, store.Bucket); err != nil {
			return nil, err
		}
		return client, nil
	})
	if err != nil {
		return Target{}, err
	}
	return Target{Client: client, Bucket: store.Bucket}, nil
}
