package tenant

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type DatabaseMode string

const (
	DatabaseModeDedicated DatabaseMode = "dedicated"
	DatabaseModeShared    DatabaseMode = "shared"
)

var ErrTenantNotFound = errors.New("tenant not found")

// ObjectStore routes OBJECT destinations of a dedicated tenant to its own
// MinIO deployment. Shared tenants leave it empty.
type ObjectStore struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	AccessKey string `yaml:"access_key" json:"-"`
	SecretKey string `yaml:"secret_key" json:"-"`
	Bucket    string `yaml:"bucket" json:"bucket"`
	UseSSL    bool   `yaml:"use_ssl" json:"use_ssl"`
}

// Config is the routing record of one tenant. Values are immutable once
// loaded; callers receive copies.
type Config struct {
	TenantID           string       `yaml:"tenant_id" json:"tenant_id"`
	DatabaseMode       DatabaseMode `yaml:"database_mode" json:"database_mode"`
	RoutingKey         string       `yaml:"routing_key" json:"routing_key"`
	Schema             string       `yaml:"schema" json:"schema"`
	AllowedClientCodes []string     `yaml:"allowed_client_codes" json:"allowed_client_codes"`
	ObjectStore        ObjectStore  `yaml:"object_store" json:"object_store"`
	Disabled           bool         `yaml:"disabled" json:"disabled"`
}

func (c Config) clone() Config {
	c.AllowedClientCodes = append([]string(nil), c.AllowedClientCodes...)
	return c
}

type Directory interface {
	Lookup(ctx context.Context, tenantID string) (Config, error)
	List(ctx context.Context) ([]Config, error)
}

// StaticDirectory is a config-backed registry loaded once at boot.
type StaticDirectory struct {
	tenants map[string]Config
}

func NewStaticDirectory(tenants ...Config) (*StaticDirectory, error) {
	d := &StaticDirectory{tenants: make(map[string]Config, len(tenants))}
	for _, item := range tenants {
		normalized, err := normalize(item)
		if err != nil {
			return nil, err
		}
		if _, dup := d.tenants[normalized.TenantID]; dup {
			return nil, fmt.Errorf("duplicate tenant_id %q", normalized.TenantID)
		}
		d.tenants[normalized.TenantID] = normalized
	}
	return d, nil
}

type directoryFile struct {
	Tenants []Config `yaml:"tenants"`
}

// LoadDirectory reads the tenants section of a YAML file.
func LoadDirectory(path string) (*StaticDirectory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenants file: %w", err)
	}
	var file directoryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse tenants file: %w", err)
	}
	return NewStaticDirectory(file.Tenants...)
}

func (d *StaticDirectory) Lookup(_ context.Context, tenantID string) (Config, error) {
	item, ok := d.tenants[strings.TrimSpace(tenantID)]
	if !ok || item.Disabled {
		return Config{}, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	return item.clone(), nil
}

// List returns enabled tenants ordered by id.
func (d *StaticDirectory) List(_ context.Context) ([]Config, error) {
	items := make([]Config, 0, len(d.tenants))
	for _, item := range d.tenants {
		if item.Disabled {
			continue
		}
		items = append(items, item.clone())
	}
	sort.Slice(items, func(i, j int) bool { return items[i].TenantID < items[j].TenantID })
	return items, nil
}

func normalize(item Config) (Config, error) {
	item.TenantID = strings.TrimSpace(item.TenantID)
	if item.TenantID == "" {
		return Config{}, errors.New("tenant_id is required")
	}
	item.DatabaseMode = DatabaseMode(strings.ToLower(strings.TrimSpace(string(item.DatabaseMode))))
	switch item.DatabaseMode {
	case DatabaseModeDedicated, DatabaseModeShared:
	case "":
		item.DatabaseMode = DatabaseModeShared
	default:
		return Config{}, fmt.Errorf("tenant %s: database_mode must be shared or dedicated", item.TenantID)
	}
	item.RoutingKey = strings.TrimSpace(item.RoutingKey)
	if item.RoutingKey == "" {
		item.RoutingKey = item.TenantID
	}
	item.Schema = strings.TrimSpace(item.Schema)
	if item.Schema == "" {
		item.Schema = "public"
	}
	codes := make([]string, 0, len(item.AllowedClientCodes))
	for _, code := range item.AllowedClientCodes {
		if code = strings.TrimSpace(code); code != "" {
			codes = append(codes, code)
		}
	}
	item.AllowedClientCodes = codes
	item.ObjectStore.Endpoint = strings.TrimSpace(item.ObjectStore.Endpoint)
	item.ObjectStore.Bucket = strings.TrimSpace(item.ObjectStore.Bucket)
	return item, nil
}
