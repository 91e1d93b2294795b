package object

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fm_server/server/common/tenant"
)

func TestTargetKey(t *testing.T) {
	shared := Target{Prefix: "tenants/firm-xyz/"}
	assert.Equal(t, "tenants/firm-xyz/inbound/a.txt", shared.Key("/inbound/a.txt"))
	assert.Equal(t, "tenants/firm-xyz/inbound/a.txt", shared.Key("tenants/firm-xyz/inbound/a.txt"))

	dedicated := Target{}
	assert.Equal(t, "inbound/a.txt", dedicated.Key("inbound/a.txt"))
}

func TestResolveSharedTenant(t *testing.T) {
	dir, err := tenant.NewStaticDirectory(tenant.Config{TenantID: "firm-xyz", DatabaseMode: tenant.DatabaseModeShared})
	require.NoError(t, err)

	client, err := NewClient("localhost:9000", "minio", "minio123", false)
	require.NoError(t, err)

	target, err := NewTenantMinIORouter(client, "transfers", dir).Resolve(context.Background(), "firm-xyz")
	require.NoError(t, err)
	assert.Same(t, client, target.Client)
	assert.Equal(t, "transfers", target.Bucket)
	assert.Equal(t, "tenants/firm-xyz/", target.Prefix)

	_, err = NewTenantMinIORouter(nil, "", dir).Resolve(context.Background(), "firm-xyz")
	assert.ErrorIs(t, err, ErrObjectStoreUnavailable)
}
