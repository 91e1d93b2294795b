package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"fm_server/server/common/log"
	"fm_server/server/worker/domain"
)

var (
	ErrSourceMissing     = errors.New("source location does not exist")
	ErrUnsupportedSource = errors.New("unsupported source type")
)

type Source interface {
	List(ctx context.Context, location string) ([]domain.FileEntry, error)
}

type Sources map[domain.LocationType]Source

func DefaultSources() Sources {
	return Sources{
		domain.LocationDFS:  DFSSource{},
		domain.LocationSFTP: SFTPSource{},
	}
}

func (s Sources) For(t domain.LocationType) (Source, error) {
	src, ok := s[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSource, t)
	}
	return src, nil
}

// DFSSource lists regular files of a local or mounted directory in name
// order. Subdirectories are not descended.
type DFSSource struct{}

func (DFSSource) List(_ context.Context, location string) ([]domain.FileEntry, error) {
	dirEntries, err := os.ReadDir(location)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSourceMissing, location)
		}
		return nil, err
	}
	entries := make([]domain.FileEntry, 0, len(dirEntries))
	for _, item := range dirEntries {
		if !item.Type().IsRegular() {
			continue
		}
		info, err := item.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		entries = append(entries, domain.FileEntry{
			Path:      filepath.Join(location, item.Name()),
			Name:      item.Name(),
			SizeBytes: info.Size(),
			ModTime:   info.ModTime().UTC(),
		})
	}
	return entries, nil
}

// SFTPSource is a placeholder: no SFTP client is wired, so listings are empty.
type SFTPSource struct{}

func (SFTPSource) List(_ context.Context, location string) ([]domain.FileEntry, error) {
	log.Warnf("event=source action=sftp_stub location=%s", location)
	return nil, nil
}
