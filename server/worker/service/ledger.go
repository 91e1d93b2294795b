package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"fm_server/server/worker/domain"
)

var ErrLedgerConflict = errors.New("ledger conflict: fingerprint already processed")

// Ledger is the idempotency store keyed by (config, fingerprint). A
// MarkProcessed on an existing pair returns ErrLedgerConflict and leaves the
// stored record untouched.
type Ledger interface {
	IsProcessed(ctx context.Context, tenantID string, configID int64, fingerprint string) (bool, error)
	MarkProcessed(ctx context.Context, tenantID string, record domain.ProcessedFileRecord) error
}

type ledgerKey struct {
	tenantID    string
	configID    int64
	fingerprint string
}

type MemoryLedger struct {
	mu      sync.RWMutex
	records map[ledgerKey]domain.ProcessedFileRecord
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: map[ledgerKey]domain.ProcessedFileRecord{}}
}

func (l *MemoryLedger) IsProcessed(_ context.Context, tenantID string, configID int64, fingerprint string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.records[ledgerKey{tenantID, configID, fingerprint}]
	return ok, nil
}

func (l *MemoryLedger) MarkProcessed(_ context.Context, tenantID string, record domain.ProcessedFileRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	key := ledgerKey{tenantID, record.ConfigID, record.Fingerprint}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[key]; ok {
		return ErrLedgerConflict
	}
	if record.ProcessedAt.IsZero() {
		record.ProcessedAt = time.Now().UTC()
	}
	l.records[key] = record
	return nil
}

func (l *MemoryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

func validateRecord(record domain.ProcessedFileRecord) error {
	if record.ConfigID <= 0 {
		return fmt.Errorf("invalid config id %d", record.ConfigID)
	}
	if strings.TrimSpace(record.Fingerprint) == "" {
		return errors.New("fingerprint is required")
	}
	return nil
}
