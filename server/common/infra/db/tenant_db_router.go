package db

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"fm_server/server/common/keyed"
)

// TenantDBRouter hands out one pgx pool per distinct DSN, so shared-mode
// tenants reuse a pool and dedicated tenants get their own.
type TenantDBRouter struct {
	connections *ConnectionRouter
	pools       *keyed.Cache[*pgxpool.Pool]
	newPool     func(ctx context.Context, dsn string) (*pgxpool.Pool, error)
}

func NewTenantDBRouter(connections *ConnectionRouter) *TenantDBRouter {
	return &TenantDBRouter{
		connections: connections,
		pools:       keyed.New[*pgxpool.Pool](0),
		newPool:     NewPool,
	}
}

func (r *TenantDBRouter) DBForTenant(ctx context.Context, tenantID string) (*pgxpool.Pool, Descriptor, error) {
	desc, err := r.connections.Resolve(ctx, tenantID)
	if err != nil {
		return nil, Descriptor{}, err
	}
	pool, _, err := r.pools.GetOrCompute(ctx, strings.TrimSpace(desc.DSN), func(ctx context.Context) (*pgxpool.Pool, error) {
		return r.newPool(ctx, desc.DSN)
	})
	if err != nil {
		return nil, Descriptor{}, err
	}
	return pool, desc, nil
}

func (r *TenantDBRouter) Ping(ctx context.Context) error {
	var firstErr error
	r.pools.Range(func(_ string, pool *pgxpool.Pool) {
		if err := pool.Ping(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	return firstErr
}

func (r *TenantDBRouter) Close() {
	r.pools.Range(func(dsn string, pool *pgxpool.Pool) {
		pool.Close()
		r.pools.Delete(dsn)
	})
}
