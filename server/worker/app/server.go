package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/minio/minio-go/v7"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	commonauth "fm_server/server/common/auth"
	"fm_server/server/common/infra/cache"
	"fm_server/server/common/infra/db"
	"fm_server/server/common/infra/mq"
	"fm_server/server/common/infra/object"
	"fm_server/server/common/infra/store"
	"fm_server/server/common/log"
	"fm_server/server/common/tenant"
	"fm_server/server/worker/api"
	"fm_server/server/worker/domain"
	"fm_server/server/worker/metrics"
	"fm_server/server/worker/service"
)

type Server struct {
	HTTPServer *http.Server
	Scheduler  *service.Scheduler
	Consumer   *service.Consumer
	Topology   *service.TopologyRegistry

	redis    *redis.Client
	mqConn   *amqp.Connection
	amqpBus  *service.AMQPBus
	dbRouter *db.TenantDBRouter
}

func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	directory, err := tenant.LoadDirectory(cfg.TenantsFile)
	if err != nil {
		return nil, fmt.Errorf("load tenant directory: %w", err)
	}
	resolver := tenant.NewResolver(directory, tenant.ResolverConfig{
		CacheTTL:         cfg.TenantCacheTTL,
		DevFallback:      cfg.TenantDevFallback,
		AllowDevFallback: cfg.DevFallbackAllowed(),
	})
	m := metrics.NewMetrics()
	s := &Server{}

	var apiClient *store.Client
	if cfg.ConfigStoreBackend == BackendAPI || cfg.LedgerBackend == BackendAPI {
		apiClient = store.NewClient(store.Options{}, cfg.ConfigAPIEndpoints...)
	}

	var configs service.ConfigStore
	switch cfg.ConfigStoreBackend {
	case BackendAPI:
		configs = service.NewAPIConfigStore(apiClient)
	default:
		fileStore, err := service.LoadFileConfigStore(cfg.TenantsFile)
		if err != nil {
			return nil, fmt.Errorf("load transfer configs: %w", err)
		}
		configs = fileStore
	}

	var ledger service.Ledger
	switch cfg.LedgerBackend {
	case BackendPostgres:
		connections := db.NewConnectionRouter(resolver, cfg.ConnectionTemplate, cfg.ConnectionOverrides)
		s.dbRouter = db.NewTenantDBRouter(connections)
		ledger = service.NewPostgresLedger(s.dbRouter)
	case BackendAPI:
		ledger = service.NewAPILedger(apiClient)
	default:
		log.Warnf("event=boot action=memory_ledger note=processed fingerprints are lost on restart")
		ledger = service.NewMemoryLedger()
	}

	if cfg.RedisAddr != "" {
		s.redis = cache.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := cache.Ping(ctx, s.redis); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		ledger = service.NewCachedLedger(ledger, s.redis, cfg.LedgerCacheTTL)
	}

	var bus service.Bus
	switch cfg.BusBackend {
	case BackendMemory:
		bus = service.NewMemoryBus()
	default:
		s.mqConn, err = mq.NewConnection(cfg.LavinMQURL, "fm-worker")
		if err != nil {
			return nil, fmt.Errorf("initialize lavinmq: %w", err)
		}
		s.amqpBus, err = service.NewAMQPBus(s.mqConn)
		if err != nil {
			_ = s.mqConn.Close()
			return nil, fmt.Errorf("initialize amqp bus: %w", err)
		}
		bus = s.amqpBus
	}

	var sharedMinIO *minio.Client
	if cfg.MinIOEndpoint != "" {
		sharedMinIO, err = object.NewClient(cfg.MinIOEndpoint, cfg.MinIOAccessKey, cfg.MinIOSecretKey, cfg.MinIOUseSSL)
		if err != nil {
			return nil, fmt.Errorf("initialize minio: %w", err)
		}
		if err := object.EnsureBucket(ctx, sharedMinIO, cfg.MinIOBucket); err != nil {
			return nil, fmt.Errorf("ensure minio bucket: %w", err)
		}
	}
	destinations := service.Destinations{
		domain.LocationDFS:    service.DFSDestination{},
		domain.LocationSFTP:   service.SFTPDestination{},
		domain.LocationObject: service.NewObjectDestination(object.NewTenantMinIORouter(sharedMinIO, cfg.MinIOBucket, resolver)),
	}

	s.Consumer = service.NewConsumer(bus, destinations, service.RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		Interval:    cfg.RetryInterval,
	}, cfg.ConsumerConcurrency, m)
	s.Topology = service.NewTopologyRegistry(service.Provisioners{bus, s.Consumer}, m)
	publisher := service.NewEventPublisher(s.Topology, bus, m)
	scanner := service.NewScanner(configs, ledger, publisher, service.DefaultSources(), m)
	s.Scheduler = service.NewScheduler(directory, configs, scanner, s.Topology, m, service.SchedulerOptions{
		RefreshInterval: cfg.RefreshInterval,
		DefaultSpec:     cfg.DefaultSchedule,
	})

	auth := commonauth.NewService(cfg.JWTSecret, cfg.JWTTTLMinutes)
	h := api.NewHandler(resolver, ledger, s.Topology, s.Scheduler, auth, m.Handler())
	if s.dbRouter != nil {
		h.AddHealthCheck("postgres", s.dbRouter.Ping)
	}
	if s.redis != nil {
		h.AddHealthCheck("redis", func(ctx context.Context) error { return cache.Ping(ctx, s.redis) })
	}
	if s.mqConn != nil {
		h.AddHealthCheck("lavinmq", func(context.Context) error {
			if s.mqConn.IsClosed() {
				return errors.New("connection closed")
			}
			return nil
		})
	}

	if cfg.Env != "dev" && cfg.Env != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	h.RegisterRoutes(r)

	s.HTTPServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.Infof("event=boot bus=%s ledger=%s config_store=%s redis=%t minio=%t", cfg.BusBackend, cfg.LedgerBackend, cfg.ConfigStoreBackend, s.redis != nil, sharedMinIO != nil)
	return s, nil
}

// Start launches the consumer and scheduler. Both stop when ctx is done.
func (s *Server) Start(ctx context.Context) {
	s.Consumer.Start(ctx)
	s.Scheduler.Start(ctx)
}

// Shutdown expects the Start context to be cancelled already.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.HTTPServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.Scheduler.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warnf("event=shutdown action=scheduler_wait_timeout")
	}

	if s.amqpBus != nil {
		_ = s.amqpBus.Close()
	}
	if s.mqConn != nil {
		_ = s.mqConn.Close()
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.dbRouter != nil {
		s.dbRouter.Close()
	}
	return err
}
