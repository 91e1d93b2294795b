package tenant

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDirectory(t *testing.T) *StaticDirectory {
	t.Helper()
	dir, err := NewStaticDirectory(
		Config{TenantID: "firm-abc", DatabaseMode: DatabaseModeDedicated, RoutingKey: "firm-abc-db", Schema: "dbo", AllowedClientCodes: []string{"firm-abc"}},
		Config{TenantID: "firm-xyz", DatabaseMode: DatabaseModeShared, RoutingKey: "shared-db", Schema: "firm_xyz", AllowedClientCodes: []string{"client-xyz-1", "client-xyz-2", "client-xyz-3"}},
		Config{TenantID: "firm-def", DatabaseMode: DatabaseModeShared, RoutingKey: "shared-db", Schema: "firm_def", AllowedClientCodes: []string{"client-def-1"}},
	)
	require.NoError(t, err)
	return dir
}

func header(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

func TestTenantIDPrecedence(t *testing.T) {
	r := NewResolver(testDirectory(t), ResolverConfig{})

	tests := []struct {
		name string
		req  RequestContext
		want string
	}{
		{
			name: "header wins over subdomain",
			req:  RequestContext{Header: header(HeaderFirmCode, "firm-abc"), Host: "firm-xyz.example.com"},
			want: "firm-abc",
		},
		{
			name: "tenant id header wins over firm code header",
			req:  RequestContext{Header: header(HeaderTenantID, "firm-def", HeaderFirmCode, "firm-abc")},
			want: "firm-def",
		},
		{
			name: "route wins over subdomain",
			req:  RequestContext{RouteParams: map[string]string{RouteParamFirm: "firm-def"}, Host: "firm-xyz.example.com"},
			want: "firm-def",
		},
		{
			name: "subdomain with port",
			req:  RequestContext{Host: "firm-xyz.example.com:8443"},
			want: "firm-xyz",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.TenantID(tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTenantIDUnresolvable(t *testing.T) {
	r := NewResolver(testDirectory(t), ResolverConfig{DevFallback: "firm-xyz"})
	for _, host := range []string{"", "localhost", "www.example.com", "127.0.0.1:8090"} {
		_, err := r.TenantID(RequestContext{Host: host})
		assert.ErrorIs(t, err, ErrResolution, host)
	}

	dev := NewResolver(testDirectory(t), ResolverConfig{DevFallback: "firm-xyz", AllowDevFallback: true})
	got, err := dev.TenantID(RequestContext{Host: "localhost"})
	require.NoError(t, err)
	assert.Equal(t, "firm-xyz", got)
}

func TestAuthorize(t *testing.T) {
	dir := testDirectory(t)
	abc, err := dir.Lookup(context.Background(), "firm-abc")
	require.NoError(t, err)
	xyz, err := dir.Lookup(context.Background(), "firm-xyz")
	require.NoError(t, err)

	assert.NoError(t, Authorize(abc, "firm-abc"))
	assert.ErrorIs(t, Authorize(abc, "client-xyz-1"), ErrAuthorization)
	assert.NoError(t, Authorize(xyz, "client-xyz-2"))
	assert.ErrorIs(t, Authorize(xyz, "client-xyz-9"), ErrAuthorization)
	assert.ErrorIs(t, Authorize(xyz, "firm-xyz"), ErrAuthorization)
}

func TestResolve(t *testing.T) {
	r := NewResolver(testDirectory(t), ResolverConfig{})
	ctx := context.Background()

	res, err := r.Resolve(ctx, RequestContext{Header: header(HeaderFirmCode, "firm-abc")})
	require.NoError(t, err)
	assert.Equal(t, "firm-abc", res.Tenant.TenantID)
	assert.Equal(t, "firm-abc", res.ClientCode)
	assert.Equal(t, DatabaseModeDedicated, res.Tenant.DatabaseMode)

	res, err = r.Resolve(ctx, RequestContext{Header: header(HeaderClientCode, "client-xyz-1"), Host: "firm-xyz.example.com"})
	require.NoError(t, err)
	assert.Equal(t, "firm-xyz", res.Tenant.TenantID)
	assert.Equal(t, "client-xyz-1", res.ClientCode)

	_, err = r.Resolve(ctx, RequestContext{Header: header(HeaderFirmCode, "firm-xyz", HeaderClientCode, "client-xyz-9")})
	assert.ErrorIs(t, err, ErrAuthorization)

	_, err = r.Resolve(ctx, RequestContext{Header: header(HeaderFirmCode, "firm-missing")})
	assert.ErrorIs(t, err, ErrResolution)
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

type countingDirectory struct {
	Directory
	lookups int32
}

func (d *countingDirectory) Lookup(ctx context.Context, tenantID string) (Config, error) {
	atomic.AddInt32(&d.lookups, 1)
	return d.Directory.Lookup(ctx, tenantID)
}

func TestLookupIsCached(t *testing.T) {
	dir := &countingDirectory{Directory: testDirectory(t)}
	r := NewResolver(dir, ResolverConfig{})

	for i := 0; i < 5; i++ {
		cfg, err := r.Lookup(context.Background(), "firm-xyz")
		require.NoError(t, err)
		cfg.AllowedClientCodes[0] = "mutated"
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&dir.lookups))

	cfg, err := r.Lookup(context.Background(), "firm-xyz")
	require.NoError(t, err)
	assert.Equal(t, "client-xyz-1", cfg.AllowedClientCodes[0], "callers must not mutate the cached record")
}

func TestLoadDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tenants:
  - tenant_id: firm-abc
    database_mode: Dedicated
    routing_key: firm-abc-db
    schema: dbo
  - tenant_id: firm-old
    disabled: true
`), 0o644))

	dir, err := LoadDirectory(path)
	require.NoError(t, err)

	items, err := dir.List(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, DatabaseModeDedicated, items[0].DatabaseMode)

	_, err = dir.Lookup(context.Background(), "firm-old")
	assert.ErrorIs(t, err, ErrTenantNotFound)

	_, err = NewStaticDirectory(Config{TenantID: "x", DatabaseMode: "pooled"})
	assert.Error(t, err)
}
