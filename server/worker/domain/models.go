package domain

import (
	"fmt"
	"strings"
	"time"
)

type LocationType string

const (
	LocationDFS    LocationType = "DFS"
	LocationSFTP   LocationType = "SFTP"
	LocationObject LocationType = "OBJECT"
)

func ParseLocationType(raw string) LocationType {
	return LocationType(strings.ToUpper(strings.TrimSpace(raw)))
}

// TransferConfig is owned by a tenant and edited outside this process; the
// worker only reads it.
type TransferConfig struct {
	ConfigID            int64        `json:"id" yaml:"config_id"`
	TenantID            string       `json:"tenant_id" yaml:"tenant_id"`
	Name                string       `json:"name" yaml:"name"`
	SourceType          LocationType `json:"source_type" yaml:"source_type"`
	SourceLocation      string       `json:"source_location" yaml:"source_location"`
	DestinationType     LocationType `json:"destination_type" yaml:"destination_type"`
	DestinationLocation string       `json:"destination_location" yaml:"destination_location"`
	ScheduleSpec        string       `json:"cron_schedule" yaml:"schedule"`
	Enabled             bool         `json:"is_enabled" yaml:"enabled"`
}

// FileEntry is one item of a source listing.
type FileEntry struct {
	Path      string
	Name      string
	SizeBytes int64
	ModTime   time.Time
}

type FileDetectedEvent struct {
	TenantID            string       `json:"tenant_id"`
	ConfigID            int64        `json:"config_id"`
	FilePath            string       `json:"file_path"`
	FileName            string       `json:"file_name"`
	SizeBytes           int64        `json:"file_size"`
	ModTime             time.Time    `json:"last_modified"`
	SourceType          LocationType `json:"source_type"`
	DestinationType     LocationType `json:"destination_type"`
	DestinationLocation string       `json:"destination_location"`
	DetectedAt          time.Time    `json:"detected_at"`
	DedupKey            string       `json:"dedup_key"`
}

type ProcessedFileRecord struct {
	ConfigID    int64     `json:"config_id"`
	Fingerprint string    `json:"file_hash"`
	FileName    string    `json:"file_name"`
	ModTime     time.Time `json:"file_modified_date"`
	SizeBytes   int64     `json:"file_size"`
	ProcessedAt time.Time `json:"processed_date"`
}

// ChannelBinding ties a (tenant, config) pair to its delivery channel. It is
// never persisted; ChannelName re-derives it after a restart.
type ChannelBinding struct {
	TenantID      string    `json:"tenant_id"`
	ConfigID      int64     `json:"config_id"`
	ChannelName   string    `json:"channel_name"`
	ProvisionedAt time.Time `json:"provisioned_at"`
}

func ChannelName(tenantID string, configID int64) string {
	return fmt.Sprintf("transfer-%s-%d", tenantID, configID)
}

func DeadLetterName(channel string) string {
	return channel + ".dead-letter"
}

// DeadLetter preserves the original event for replay.
type DeadLetter struct {
	Channel   string            `json:"channel"`
	Event     FileDetectedEvent `json:"event"`
	Attempts  int               `json:"attempts"`
	LastError string            `json:"last_error"`
	FailedAt  time.Time         `json:"failed_at"`
}

type ScheduleState string

const (
	ScheduleUnscheduled ScheduleState = "unscheduled"
	ScheduleScheduled   ScheduleState = "scheduled"
	ScheduleRunning     ScheduleState = "running"
)

type ScheduleSnapshot struct {
	TenantID     string        `json:"tenant_id"`
	ConfigID     int64         `json:"config_id"`
	ScheduleSpec string        `json:"schedule"`
	State        ScheduleState `json:"state"`
	NextRun      time.Time     `json:"next_run"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
}

type ScanResult struct {
	RunID      string `json:"run_id"`
	Listed     int    `json:"listed"`
	Duplicates int    `json:"duplicates"`
	Published  int    `json:"published"`
	Failed     int    `json:"failed"`
	Skipped    bool   `json:"skipped"`
}
