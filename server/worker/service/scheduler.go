package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"fm_server/server/common/log"
	"fm_server/server/common/tenant"
	"fm_server/server/worker/domain"
	"fm_server/server/worker/metrics"
)

var (
	ErrSchedulingOverlap = errors.New("scan already running")
	ErrNotScheduled      = errors.New("config is not scheduled")
	ErrSchedulerStopped  = errors.New("scheduler is stopped")
)

const (
	defaultRefreshInterval = time.Minute
	DefaultScheduleSpec    = "@every 5m"
)

type TenantLister interface {
	List(ctx context.Context) ([]tenant.Config, error)
}

type ScanRunner interface {
	Scan(ctx context.Context, tenantID string, configID int64) (domain.ScanResult, error)
}

type SchedulerOptions struct {
	RefreshInterval time.Duration
	DefaultSpec     string
}

var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func ParseSchedule(spec string) (cron.Schedule, error) {
	return specParser.Parse(strings.TrimSpace(spec))
}

type job struct {
	tenantID string
	configID int64
	spec     string
	schedule cron.Schedule
	ctx      context.Context
	cancel   context.CancelFunc
	// running is shared by every job ever created for the same key.
	running *atomic.Bool

	mu      sync.Mutex
	nextRun time.Time
	lastRun time.Time
	lastErr string
}

// Scheduler keeps one timer per active (tenant, config). A refresh loop
// discovers configs across tenants and adds, reschedules or removes timers.
// At most one scan per key runs at a time; a trigger that lands while a scan
// is running is dropped, including across a reschedule of the same key.
type Scheduler struct {
	tenants  TenantLister
	configs  ConfigStore
	scanner  ScanRunner
	channels ChannelResolver
	metrics  *metrics.Metrics
	opts     SchedulerOptions
	now      func() time.Time

	mu      sync.Mutex
	base    context.Context
	stopped bool
	jobs    map[bindingKey]*job
	guards  map[bindingKey]*atomic.Bool
	wg      sync.WaitGroup
}

func NewScheduler(tenants TenantLister, configs ConfigStore, scanner ScanRunner, channels ChannelResolver, m *metrics.Metrics, opts SchedulerOptions) *Scheduler {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = defaultRefreshInterval
	}
	if strings.TrimSpace(opts.DefaultSpec) == "" {
		opts.DefaultSpec = DefaultScheduleSpec
	}
	return &Scheduler{
		tenants:  tenants,
		configs:  configs,
		scanner:  scanner,
		channels: channels,
		metrics:  m,
		opts:     opts,
		now:      time.Now,
		jobs:     map[bindingKey]*job{},
		guards:   map[bindingKey]*atomic.Bool{},
	}
}

// Start runs an immediate refresh and then one every RefreshInterval until
// ctx is done. Call Wait to block until running scans have returned.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()

	s.Refresh(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.mu.Lock()
				s.stopped = true
				s.mu.Unlock()
				log.Infof("event=scheduler action=stopping")
				return
			case <-ticker.C:
				s.Refresh(ctx)
			}
		}
	}()
}

func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Refresh reconciles timers with the active configs of every tenant. A tenant
// whose configs cannot be listed keeps its current timers.
func (s *Scheduler) Refresh(ctx context.Context) {
	tenants, err := s.tenants.List(ctx)
	if err != nil {
		log.Errorf("event=scheduler action=list_tenants_failed err=%v", err)
		return
	}

	desired := map[bindingKey]domain.TransferConfig{}
	listed := map[string]bool{}
	for _, t := range tenants {
		configs, err := s.configs.ListActiveConfigs(ctx, t.TenantID)
		if err != nil {
			log.Errorf("event=scheduler action=list_configs_failed tenant_id=%s err=%v", t.TenantID, err)
			continue
		}
		listed[t.TenantID] = true
		for _, cfg := range configs {
			if cfg.TenantID != t.TenantID || !cfg.Enabled {
				continue
			}
			desired[bindingKey{tenantID: cfg.TenantID, configID: cfg.ConfigID}] = cfg
		}
	}
	known := map[string]bool{}
	for _, t := range tenants {
		known[t.TenantID] = true
	}

	s.mu.Lock()
	if s.stopped || s.base == nil {
		s.mu.Unlock()
		return
	}
	base := s.base
	var added []bindingKey
	for key, existing := range s.jobs {
		if _, ok := desired[key]; ok {
			continue
		}
		if listed[key.tenantID] || !known[key.tenantID] {
			s.unscheduleLocked(key, existing, "inactive")
		}
	}
	for key, cfg := range desired {
		spec := cfg.ScheduleSpec
		if spec == "" {
			spec = s.opts.DefaultSpec
		}
		if existing, ok := s.jobs[key]; ok {
			if existing.spec == spec {
				continue
			}
			s.unscheduleLocked(key, existing, "spec_changed")
		}
		if err := s.scheduleLocked(key, spec); err != nil {
			log.Errorf("event=scheduler action=schedule_failed tenant_id=%s config_id=%d spec=%q err=%v", key.tenantID, key.configID, spec, err)
			continue
		}
		added = append(added, key)
	}
	s.metrics.SchedulesActive.Set(float64(len(s.jobs)))
	s.mu.Unlock()

	s.warmChannels(base, added)
}

// warmChannels binds channels of newly scheduled keys so their consumers run
// before the first scan. It runs without s.mu since provisioning talks to
// the broker.
func (s *Scheduler) warmChannels(ctx context.Context, keys []bindingKey) {
	if s.channels == nil {
		return
	}
	for _, key := range keys {
		if _, err := s.channels.GetChannel(ctx, key.tenantID, key.configID); err != nil {
			log.Warnf("event=scheduler action=channel_warmup_failed tenant_id=%s config_id=%d err=%v", key.tenantID, key.configID, err)
		}
	}
}

func (s *Scheduler) scheduleLocked(key bindingKey, spec string) error {
	schedule, err := ParseSchedule(spec)
	if err != nil {
		return fmt.Errorf("parse schedule: %w", err)
	}
	guard, ok := s.guards[key]
	if !ok {
		guard = &atomic.Bool{}
		s.guards[key] = guard
	}
	ctx, cancel := context.WithCancel(s.base)
	j := &job{tenantID: key.tenantID, configID: key.configID, spec: spec, schedule: schedule, ctx: ctx, cancel: cancel, running: guard}
	j.nextRun = schedule.Next(s.now())
	s.jobs[key] = j

	s.wg.Add(1)
	go s.loop(ctx, j)
	log.Infof("event=scheduler action=scheduled tenant_id=%s config_id=%d spec=%q next_run=%s", j.tenantID, j.configID, spec, j.nextRun.Format(time.RFC3339))
	return nil
}

func (s *Scheduler) unscheduleLocked(key bindingKey, j *job, reason string) {
	j.cancel()
	delete(s.jobs, key)
	log.Infof("event=scheduler action=unscheduled reason=%s tenant_id=%s config_id=%d", reason, key.tenantID, key.configID)
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.wg.Done()
	for {
		j.mu.Lock()
		wait := time.Until(j.nextRun)
		j.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		j.mu.Lock()
		j.nextRun = j.schedule.Next(s.now())
		j.mu.Unlock()

		if !j.running.CompareAndSwap(false, true) {
			s.overlap(j, "schedule")
			continue
		}
		s.wg.Add(1)
		go s.run(ctx, j, "schedule")
	}
}

// Trigger starts a scan now through the same overlap guard as the timer.
func (s *Scheduler) Trigger(tenantID string, configID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.base == nil || s.base.Err() != nil {
		return ErrSchedulerStopped
	}
	j, ok := s.jobs[bindingKey{tenantID: tenantID, configID: configID}]
	if !ok {
		return fmt.Errorf("%w: tenant %s config %d", ErrNotScheduled, tenantID, configID)
	}
	if !j.running.CompareAndSwap(false, true) {
		s.overlap(j, "manual")
		return ErrSchedulingOverlap
	}
	s.wg.Add(1)
	go s.run(j.ctx, j, "manual")
	return nil
}

func (s *Scheduler) overlap(j *job, reason string) {
	s.metrics.ScanOverlapsTotal.Inc()
	log.Warnf("event=scheduler action=overlap_dropped trigger=%s tenant_id=%s config_id=%d err=%v", reason, j.tenantID, j.configID, ErrSchedulingOverlap)
}

// run expects j.running to be set by the caller and clears it on return.
func (s *Scheduler) run(ctx context.Context, j *job, reason string) {
	defer s.wg.Done()
	defer j.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			log.Exceptionf("event=scan action=panic tenant_id=%s config_id=%d panic=%v", j.tenantID, j.configID, r)
			s.metrics.ScansTotal.WithLabelValues("error").Inc()
		}
	}()

	started := s.now()
	result, err := s.scanner.Scan(ctx, j.tenantID, j.configID)
	s.metrics.ScanDuration.Observe(time.Since(started).Seconds())

	j.mu.Lock()
	j.lastRun = started
	j.lastErr = ""
	if err != nil {
		j.lastErr = err.Error()
	}
	j.mu.Unlock()

	switch {
	case err != nil:
		s.metrics.ScansTotal.WithLabelValues("error").Inc()
		log.Errorf("event=scan action=failed trigger=%s tenant_id=%s config_id=%d err=%v", reason, j.tenantID, j.configID, err)
	case result.Skipped:
		s.metrics.ScansTotal.WithLabelValues("skipped").Inc()
	default:
		s.metrics.ScansTotal.WithLabelValues("ok").Inc()
	}
}

// Snapshots reports every scheduled pair, ordered by tenant then config.
func (s *Scheduler) Snapshots() []domain.ScheduleSnapshot {
	s.mu.Lock()
	items := make([]domain.ScheduleSnapshot, 0, len(s.jobs))
	for _, j := range s.jobs {
		state := domain.ScheduleScheduled
		if j.running.Load() {
			state = domain.ScheduleRunning
		}
		j.mu.Lock()
		items = append(items, domain.ScheduleSnapshot{
			TenantID:     j.tenantID,
			ConfigID:     j.configID,
			ScheduleSpec: j.spec,
			State:        state,
			NextRun:      j.nextRun,
			LastRun:      j.lastRun,
			LastError:    j.lastErr,
		})
		j.mu.Unlock()
	}
	s.mu.Unlock()

	sort.Slice(items, func(i, k int) bool {
		if items[i].TenantID != items[k].TenantID {
			return items[i].TenantID < items[k].TenantID
		}
		return items[i].ConfigID < items[k].ConfigID
	})
	return items
}

func (s *Scheduler) State(tenantID string, configID int64) domain.ScheduleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[bindingKey{tenantID: tenantID, configID: configID}]
	if !ok {
		return domain.ScheduleUnscheduled
	}
	if j.running.Load() {
		return domain.ScheduleRunning
	}
	return domain.ScheduleScheduled
}
