package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"fm_server/server/common/log"
	"fm_server/server/worker/domain"
	"fm_server/server/worker/metrics"
)

// Provisioner creates the physical channel on the bus. It is called at most
// once per successful binding.
type Provisioner interface {
	Provision(ctx context.Context, channel string) error
}

type bindingKey struct {
	tenantID string
	configID int64
}

type bindingSlot struct {
	once    sync.Once
	ready   atomic.Bool
	binding domain.ChannelBinding
	err     error
}

// TopologyRegistry binds (tenant, config) pairs to channels on first use. The
// first caller for a key inserts a slot with LoadOrStore; every concurrent
// caller waits on that slot's provisioning. A failed slot is removed so the
// next call retries. Bindings are never deleted otherwise.
type TopologyRegistry struct {
	provisioner Provisioner
	metrics     *metrics.Metrics
	slots       sync.Map
	now         func() time.Time
}

func NewTopologyRegistry(provisioner Provisioner, m *metrics.Metrics) *TopologyRegistry {
	return &TopologyRegistry{provisioner: provisioner, metrics: m, now: time.Now}
}

func (r *TopologyRegistry) GetChannel(ctx context.Context, tenantID string, configID int64) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" || configID <= 0 {
		return "", errors.New("tenant id and config id are required")
	}
	key := bindingKey{tenantID: tenantID, configID: configID}
	actual, _ := r.slots.LoadOrStore(key, &bindingSlot{})
	slot := actual.(*bindingSlot)

	slot.once.Do(func() {
		name := domain.ChannelName(tenantID, configID)
		if err := r.provisioner.Provision(ctx, name); err != nil {
			slot.err = err
			return
		}
		slot.binding = domain.ChannelBinding{
			TenantID:      tenantID,
			ConfigID:      configID,
			ChannelName:   name,
			ProvisionedAt: r.now().UTC(),
		}
		slot.ready.Store(true)
		r.metrics.ChannelsRegistered.Inc()
		log.Infof("event=topology action=provisioned tenant_id=%s config_id=%d channel=%s", tenantID, configID, name)
	})
	if slot.err != nil {
		r.slots.CompareAndDelete(key, slot)
		log.Warnf("event=topology action=provision_failed tenant_id=%s config_id=%d err=%v", tenantID, configID, slot.err)
		return "", slot.err
	}
	return slot.binding.ChannelName, nil
}

func (r *TopologyRegistry) IsRegistered(tenantID string, configID int64) bool {
	v, ok := r.slots.Load(bindingKey{tenantID: strings.TrimSpace(tenantID), configID: configID})
	return ok && v.(*bindingSlot).ready.Load()
}

// ListBindings returns provisioned bindings ordered by tenant then config.
// An empty tenantID lists all tenants.
func (r *TopologyRegistry) ListBindings(tenantID string) []domain.ChannelBinding {
	tenantID = strings.TrimSpace(tenantID)
	items := make([]domain.ChannelBinding, 0)
	r.slots.Range(func(k, v any) bool {
		slot := v.(*bindingSlot)
		if !slot.ready.Load() {
			return true
		}
		if tenantID != "" && k.(bindingKey).tenantID != tenantID {
			return true
		}
		items = append(items, slot.binding)
		return true
	})
	sort.Slice(items, func(i, j int) bool {
		if items[i].TenantID != items[j].TenantID {
			return items[i].TenantID < items[j].TenantID
		}
		return items[i].ConfigID < items[j].ConfigID
	})
	return items
}
