package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"fm_server/server/common/log"
	"fm_server/server/worker/domain"
	"fm_server/server/worker/metrics"
)

// Scanner runs one detection pass for a (tenant, config). Files are handled
// in listing order and a failure on one file never stops the others.
type Scanner struct {
	configs   ConfigStore
	ledger    Ledger
	publisher *EventPublisher
	sources   Sources
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewScanner(configs ConfigStore, ledger Ledger, publisher *EventPublisher, sources Sources, m *metrics.Metrics) *Scanner {
	return &Scanner{configs: configs, ledger: ledger, publisher: publisher, sources: sources, metrics: m, now: time.Now}
}

func (s *Scanner) Scan(ctx context.Context, tenantID string, configID int64) (domain.ScanResult, error) {
	result := domain.ScanResult{RunID: uuid.NewString()}

	cfg, err := s.configs.GetTransferConfig(ctx, tenantID, configID)
	if errors.Is(err, ErrConfigNotFound) {
		log.Infof("event=scan action=skip reason=config_absent run_id=%s tenant_id=%s config_id=%d", result.RunID, tenantID, configID)
		result.Skipped = true
		return result, nil
	}
	if err != nil {
		return result, err
	}
	if !cfg.Enabled {
		log.Infof("event=scan action=skip reason=config_disabled run_id=%s tenant_id=%s config_id=%d", result.RunID, tenantID, configID)
		result.Skipped = true
		return result, nil
	}

	source, err := s.sources.For(cfg.SourceType)
	if err != nil {
		return result, err
	}
	entries, err := source.List(ctx, cfg.SourceLocation)
	if errors.Is(err, ErrSourceMissing) {
		log.Warnf("event=scan action=skip reason=source_missing run_id=%s tenant_id=%s config_id=%d location=%s", result.RunID, tenantID, configID, cfg.SourceLocation)
		result.Skipped = true
		return result, nil
	}
	if err != nil {
		return result, err
	}
	result.Listed = len(entries)
	s.metrics.FilesDetected.Add(float64(len(entries)))

	for _, entry := range entries {
		if ctx.Err() != nil {
			log.Infof("event=scan action=interrupted run_id=%s tenant_id=%s config_id=%d", result.RunID, tenantID, configID)
			return result, ctx.Err()
		}
		switch s.handleEntry(ctx, cfg, entry, result.RunID) {
		case entryDuplicate:
			result.Duplicates++
		case entryPublished:
			result.Published++
		case entryFailed:
			result.Failed++
		}
	}
	log.Infof("event=scan action=done run_id=%s tenant_id=%s config_id=%d listed=%d duplicates=%d published=%d failed=%d",
		result.RunID, tenantID, configID, result.Listed, result.Duplicates, result.Published, result.Failed)
	return result, nil
}

type entryOutcome int

const (
	entryDuplicate entryOutcome = iota
	entryPublished
	entryFailed
)

func (s *Scanner) handleEntry(ctx context.Context, cfg domain.TransferConfig, entry domain.FileEntry, runID string) entryOutcome {
	fp := Fingerprint(entry.Name, entry.ModTime, entry.SizeBytes)

	processed, err := s.ledger.IsProcessed(ctx, cfg.TenantID, cfg.ConfigID, fp)
	if err != nil {
		log.Warnf("event=scan action=ledger_read_failed run_id=%s tenant_id=%s config_id=%d file=%s err=%v", runID, cfg.TenantID, cfg.ConfigID, entry.Name, err)
		processed = false
	}
	if processed {
		s.metrics.FilesDuplicate.Inc()
		return entryDuplicate
	}

	if _, err := s.publisher.PublishDetected(ctx, cfg, entry, fp); err != nil {
		log.Errorf("event=scan action=publish_failed run_id=%s tenant_id=%s config_id=%d file=%s err=%v", runID, cfg.TenantID, cfg.ConfigID, entry.Name, err)
		return entryFailed
	}

	err = s.ledger.MarkProcessed(ctx, cfg.TenantID, domain.ProcessedFileRecord{
		ConfigID:    cfg.ConfigID,
		Fingerprint: fp,
		FileName:    entry.Name,
		ModTime:     entry.ModTime.UTC(),
		SizeBytes:   entry.SizeBytes,
		ProcessedAt: s.now().UTC(),
	})
	switch {
	case errors.Is(err, ErrLedgerConflict):
		s.metrics.LedgerConflicts.Inc()
		log.Debugf("event=scan action=ledger_conflict run_id=%s tenant_id=%s config_id=%d file=%s", runID, cfg.TenantID, cfg.ConfigID, entry.Name)
	case err != nil:
		log.Warnf("event=scan action=ledger_write_failed run_id=%s tenant_id=%s config_id=%d file=%s err=%v", runID, cfg.TenantID, cfg.ConfigID, entry.Name, err)
	}
	return entryPublished
}
