package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fm_server/server/common/infra/store"
	"fm_server/server/common/tenant"
	"fm_server/server/worker/domain"
)

func TestFileConfigStoreReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
transfer_configs:
  - config_id: 7
    tenant_id: firm-abc
    source_type: dfs
    source_location: /src
    destination_type: DFS
    destination_location: /dst
    schedule: "*/5 * * * *"
    enabled: true
  - config_id: 8
    tenant_id: firm-abc
    enabled: false
`), 0o644))

	s, err := LoadFileConfigStore(path)
	require.NoError(t, err)
	ctx := context.Background()

	cfg, err := s.GetTransferConfig(ctx, "firm-abc", 7)
	require.NoError(t, err)
	assert.Equal(t, domain.LocationDFS, cfg.SourceType)

	disabled, err := s.GetTransferConfig(ctx, "firm-abc", 8)
	require.NoError(t, err)
	assert.False(t, disabled.Enabled)

	active, err := s.ListActiveConfigs(ctx, "firm-abc")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, int64(7), active[0].ConfigID)

	_, err = s.GetTransferConfig(ctx, "firm-xyz", 7)
	assert.ErrorIs(t, err, ErrConfigNotFound)

	require.NoError(t, os.WriteFile(path, []byte("transfer_configs: []\n"), 0o644))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	active, err = s.ListActiveConfigs(ctx, "firm-abc")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestAPIConfigStore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get(tenant.HeaderTenantID)
		switch r.URL.Path {
		case "/api/filetransfer/configurations/7":
			_ = json.NewEncoder(w).Encode(domain.TransferConfig{ConfigID: 7, TenantID: tenantID, SourceType: "dfs", Enabled: true})
		case "/api/tenants/firm-xyz/configurations/active":
			_ = json.NewEncoder(w).Encode([]domain.TransferConfig{
				{ConfigID: 1, Enabled: true},
				{ConfigID: 2, Enabled: false},
				{ConfigID: 3, TenantID: "firm-abc", Enabled: true},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s := NewAPIConfigStore(store.NewClient(store.Options{}, srv.URL))
	ctx := context.Background()

	cfg, err := s.GetTransferConfig(ctx, "firm-xyz", 7)
	require.NoError(t, err)
	assert.Equal(t, "firm-xyz", cfg.TenantID)
	assert.Equal(t, domain.LocationDFS, cfg.SourceType)

	_, err = s.GetTransferConfig(ctx, "firm-xyz", 99)
	assert.ErrorIs(t, err, ErrConfigNotFound)

	active, err := s.ListActiveConfigs(ctx, "firm-xyz")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, int64(1), active[0].ConfigID)
	assert.Equal(t, "firm-xyz", active[0].TenantID)
}
