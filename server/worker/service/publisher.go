package service

import (
	"context"
	"time"

	"fm_server/server/common/log"
	"fm_server/server/worker/domain"
	"fm_server/server/worker/metrics"
)

type ChannelResolver interface {
	GetChannel(ctx context.Context, tenantID string, configID int64) (string, error)
}

// EventPublisher sends FileDetectedEvents to the channel of their
// (tenant, config), provisioning it on first use. The fingerprint rides along
// as the broker dedup key; redelivery is still possible.
type EventPublisher struct {
	channels ChannelResolver
	bus      Bus
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewEventPublisher(channels ChannelResolver, bus Bus, m *metrics.Metrics) *EventPublisher {
	return &EventPublisher{channels: channels, bus: bus, metrics: m, now: time.Now}
}

func (p *EventPublisher) PublishDetected(ctx context.Context, cfg domain.TransferConfig, entry domain.FileEntry, fingerprint string) (domain.FileDetectedEvent, error) {
	event := domain.FileDetectedEvent{
		TenantID:            cfg.TenantID,
		ConfigID:            cfg.ConfigID,
		FilePath:            entry.Path,
		FileName:            entry.Name,
		SizeBytes:           entry.SizeBytes,
		ModTime:             entry.ModTime.UTC(),
		SourceType:          cfg.SourceType,
		DestinationType:     cfg.DestinationType,
		DestinationLocation: cfg.DestinationLocation,
		DetectedAt:          p.now().UTC(),
		DedupKey:            fingerprint,
	}
	channel, err := p.channels.GetChannel(ctx, cfg.TenantID, cfg.ConfigID)
	if err != nil {
		p.metrics.PublishFailures.Inc()
		return event, err
	}
	if err := p.bus.Publish(ctx, channel, event, fingerprint); err != nil {
		p.metrics.PublishFailures.Inc()
		return event, err
	}
	p.metrics.EventsPublished.Inc()
	log.Debugf("event=publish tenant_id=%s config_id=%d channel=%s file=%s", cfg.TenantID, cfg.ConfigID, channel, entry.Name)
	return event, nil
}
