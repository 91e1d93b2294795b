package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/minio/minio-go/v7"

	"fm_server/server/common/infra/object"
	"fm_server/server/common/log"
	"fm_server/server/worker/domain"
)

var ErrUnsupportedDestination = errors.New("unsupported destination")

type Destination interface {
	Transfer(ctx context.Context, event domain.FileDetectedEvent) error
}

type DestinationFunc func(ctx context.Context, event domain.FileDetectedEvent) error

func (f DestinationFunc) Transfer(ctx context.Context, event domain.FileDetectedEvent) error {
	return f(ctx, event)
}

type Destinations map[domain.LocationType]Destination

// DFSDestination copies into destinationLocation/fileName, overwriting any
// existing file. The copy goes to a hidden temp file in the same directory
// and is renamed into place, so readers never see a partial file.
type DFSDestination struct{}

func (DFSDestination) Transfer(ctx context.Context, event domain.FileDetectedEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := os.Open(event.FilePath)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(event.DestinationLocation, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(event.DestinationLocation, "."+event.FileName+".*.part")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if !event.ModTime.IsZero() {
		_ = os.Chtimes(tmpName, event.ModTime, event.ModTime)
	}
	return os.Rename(tmpName, filepath.Join(event.DestinationLocation, event.FileName))
}

// SFTPDestination has no client behind it. Deliveries fail permanently and
// are dead-lettered instead of being dropped.
type SFTPDestination struct{}

func (SFTPDestination) Transfer(_ context.Context, event domain.FileDetectedEvent) error {
	log.Warnf("event=transfer action=sftp_stub tenant_id=%s config_id=%d file=%s", event.TenantID, event.ConfigID, event.FileName)
	return fmt.Errorf("%w: SFTP client is not available", ErrUnsupportedDestination)
}

// ObjectDestination uploads to the tenant's MinIO target under
// destinationLocation/fileName.
type ObjectDestination struct {
	router *object.TenantMinIORouter
}

func NewObjectDestination(router *object.TenantMinIORouter) *ObjectDestination {
	return &ObjectDestination{router: router}
}

func (d *ObjectDestination) Transfer(ctx context.Context, event domain.FileDetectedEvent) error {
	target, err := d.router.Resolve(ctx, event.TenantID)
	if errors.Is(err, object.ErrObjectStoreUnavailable) {
		return fmt.Errorf("%w: %w", ErrUnsupportedDestination, err)
	}
	if err != nil {
		return err
	}
	key := target.Key(path.Join(event.DestinationLocation, event.FileName))
	_, err = target.Client.FPutObject(ctx, target.Bucket, key, event.FilePath, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
		UserMetadata: map[string]string{
			"fingerprint": event.DedupKey,
			"config-id":   fmt.Sprint(event.ConfigID),
		},
	})
	return err
}
