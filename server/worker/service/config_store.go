package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"fm_server/server/common/infra/store"
	"fm_server/server/common/log"
	"fm_server/server/worker/domain"
)

var ErrConfigNotFound = errors.New("transfer config not found")

// ConfigStore is the read-only view of transfer configurations.
type ConfigStore interface {
	GetTransferConfig(ctx context.Context, tenantID string, configID int64) (domain.TransferConfig, error)
	ListActiveConfigs(ctx context.Context, tenantID string) ([]domain.TransferConfig, error)
}

type configFile struct {
	TransferConfigs []domain.TransferConfig `yaml:"transfer_configs"`
}

// FileConfigStore serves the transfer_configs section of a YAML file and
// re-reads it when its mtime changes. A store built without a path is static.
type FileConfigStore struct {
	path string

	mu      sync.RWMutex
	modTime time.Time
	items   map[string]map[int64]domain.TransferConfig
}

func NewStaticConfigStore(items ...domain.TransferConfig) *FileConfigStore {
	s := &FileConfigStore{}
	s.replace(items)
	return s
}

func LoadFileConfigStore(path string) (*FileConfigStore, error) {
	s := &FileConfigStore{path: path}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Put adds or replaces one config.
func (s *FileConfigStore) Put(item domain.TransferConfig) {
	item = normalizeConfig(item)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.items[item.TenantID] == nil {
		s.items[item.TenantID] = map[int64]domain.TransferConfig{}
	}
	s.items[item.TenantID][item.ConfigID] = item
}

func (s *FileConfigStore) Remove(tenantID string, configID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items[tenantID], configID)
}

func (s *FileConfigStore) GetTransferConfig(_ context.Context, tenantID string, configID int64) (domain.TransferConfig, error) {
	s.refresh()
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[tenantID][configID]
	if !ok {
		return domain.TransferConfig{}, fmt.Errorf("%w: tenant %s config %d", ErrConfigNotFound, tenantID, configID)
	}
	return item, nil
}

func (s *FileConfigStore) ListActiveConfigs(_ context.Context, tenantID string) ([]domain.TransferConfig, error) {
	s.refresh()
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]domain.TransferConfig, 0, len(s.items[tenantID]))
	for _, item := range s.items[tenantID] {
		if item.Enabled {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ConfigID < items[j].ConfigID })
	return items, nil
}

func (s *FileConfigStore) refresh() {
	if s.path == "" {
		return
	}
	info, err := os.Stat(s.path)
	if err != nil {
		log.Warnf("event=config_store action=stat_failed path=%s err=%v", s.path, err)
		return
	}
	s.mu.RLock()
	unchanged := info.ModTime().Equal(s.modTime)
	s.mu.RUnlock()
	if unchanged {
		return
	}
	if err := s.reload(); err != nil {
		log.Warnf("event=config_store action=reload_failed path=%s err=%v", s.path, err)
	}
}

func (s *FileConfigStore) reload() error {
	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("stat config file: %w", err)
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var file configFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	s.replace(file.TransferConfigs)
	s.mu.Lock()
	s.modTime = info.ModTime()
	s.mu.Unlock()
	log.Infof("event=config_store action=loaded path=%s configs=%d", s.path, len(file.TransferConfigs))
	return nil
}

func (s *FileConfigStore) replace(items []domain.TransferConfig) {
	next := map[string]map[int64]domain.TransferConfig{}
	for _, item := range items {
		item = normalizeConfig(item)
		if next[item.TenantID] == nil {
			next[item.TenantID] = map[int64]domain.TransferConfig{}
		}
		next[item.TenantID][item.ConfigID] = item
	}
	s.mu.Lock()
	s.items = next
	s.mu.Unlock()
}

func normalizeConfig(item domain.TransferConfig) domain.TransferConfig {
	item.TenantID = strings.TrimSpace(item.TenantID)
	item.SourceType = domain.ParseLocationType(string(item.SourceType))
	item.DestinationType = domain.ParseLocationType(string(item.DestinationType))
	item.ScheduleSpec = strings.TrimSpace(item.ScheduleSpec)
	return item
}

// APIConfigStore reads configurations from the configuration API.
type APIConfigStore struct {
	client *store.Client
}

func NewAPIConfigStore(client *store.Client) *APIConfigStore {
	return &APIConfigStore{client: client}
}

func (s *APIConfigStore) GetTransferConfig(ctx context.Context, tenantID string, configID int64) (domain.TransferConfig, error) {
	var item domain.TransferConfig
	path := "/api/filetransfer/configurations/" + strconv.FormatInt(configID, 10)
	if err := s.client.Get(ctx, path, nil, tenantHeader(tenantID), &item); err != nil {
		if store.IsNotFound(err) {
			return domain.TransferConfig{}, fmt.Errorf("%w: tenant %s config %d", ErrConfigNotFound, tenantID, configID)
		}
		return domain.TransferConfig{}, err
	}
	item = normalizeConfig(item)
	if item.TenantID == "" {
		item.TenantID = tenantID
	}
	if item.TenantID != tenantID {
		return domain.TransferConfig{}, fmt.Errorf("%w: config %d belongs to another tenant", ErrConfigNotFound, configID)
	}
	return item, nil
}

func (s *APIConfigStore) ListActiveConfigs(ctx context.Context, tenantID string) ([]domain.TransferConfig, error) {
	var items []domain.TransferConfig
	path := "/api/tenants/" + url.PathEscape(tenantID) + "/configurations/active"
	if err := s.client.Get(ctx, path, nil, tenantHeader(tenantID), &items); err != nil {
		return nil, err
	}
	active := make([]domain.TransferConfig, 0, len(items))
	for _, item := range items {
		item = normalizeConfig(item)
		if item.TenantID == "" {
			item.TenantID = tenantID
		}
		if item.Enabled && item.TenantID == tenantID {
			active = append(active, item)
		}
	}
	return active, nil
}
