package service

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"fm_server/server/common/infra/store"
	"fm_server/server/common/tenant"
	"fm_server/server/worker/domain"
)

const processedFilesPath = "/api/filetransfer/files/processed"

type processedStatus struct {
	Processed bool `json:"processed"`
}

// APILedger reads and writes the ledger through the persistence API. The
// server answers 409 for an existing (config, fingerprint) pair.
type APILedger struct {
	client *store.Client
}

func NewAPILedger(client *store.Client) *APILedger {
	return &APILedger{client: client}
}

func (l *APILedger) IsProcessed(ctx context.Context, tenantID string, configID int64, fingerprint string) (bool, error) {
	query := url.Values{}
	query.Set("configId", strconv.FormatInt(configID, 10))
	query.Set("fileHash", fingerprint)
	var out processedStatus
	if err := l.client.Get(ctx, processedFilesPath, query, tenantHeader(tenantID), &out); err != nil {
		return false, err
	}
	return out.Processed, nil
}

func (l *APILedger) MarkProcessed(ctx context.Context, tenantID string, record domain.ProcessedFileRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	err := l.client.Post(ctx, processedFilesPath, tenantHeader(tenantID), record, nil)
	if store.IsConflict(err) {
		return ErrLedgerConflict
	}
	return err
}

func tenantHeader(tenantID string) http.Header {
	h := http.Header{}
	h.Set(tenant.HeaderTenantID, tenantID)
	return h
}
