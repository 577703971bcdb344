package app

import (
	"context"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/dirhaam/platforms-sub000/internal/auth"
	"github.com/dirhaam/platforms-sub000/internal/bridge"
	"github.com/dirhaam/platforms-sub000/internal/config"
	"github.com/dirhaam/platforms-sub000/internal/db"
	"github.com/dirhaam/platforms-sub000/internal/events"
	"github.com/dirhaam/platforms-sub000/internal/kvstore"
	"github.com/dirhaam/platforms-sub000/internal/repo"
	"github.com/dirhaam/platforms-sub000/internal/services"
	"github.com/dirhaam/platforms-sub000/internal/storage"
	"github.com/dirhaam/platforms-sub000/internal/webhook"
	"github.com/dirhaam/platforms-sub000/internal/whatsapp"
	"github.com/dirhaam/platforms-sub000/pkg/models"
)

// HealthHistoryRetention bounds how long persisted probe results are kept
const HealthHistoryRetention = 30 * 24 * time.Hour

// Services holds all application services
type Services struct {
	Config          *config.Config
	DB              *gorm.DB
	Store           *kvstore.RedisStore
	Locker          *kvstore.Locker
	AuthService     *auth.Service
	Recorder        *events.Recorder
	NATS            *events.NATSPublisher
	Registry        *services.EndpointRegistry
	Monitor         *services.HealthMonitor
	Sessions        *services.SessionStore
	Pool            *ants.Pool
	ReplayPool      *ants.Pool
	Devices         *services.DeviceManager
	Conversations   *repo.ConversationRepository
	Messages        *repo.MessageRepository
	HealthHistory   *repo.HealthCheckRepository
	WebhookRouter   *webhook.Router
	WebhookHandlers *webhook.Handlers
	Media           *storage.MediaStorage
	WhatsApp        *whatsapp.Service

	maintenance *cron.Cron
}

// NewServices connects the backing stores and wires every service.
// Optional subsystems (Postgres, NATS, S3) are skipped when not configured.
func NewServices(ctx context.Context, cfg *config.Config) (*Services, error) {
	store, err := kvstore.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, err
	}

	s := &Services{
		Config:      cfg,
		Store:       store,
		Locker:      kvstore.NewLocker(),
		AuthService: auth.NewService(cfg.JWTSecret),
	}

	if cfg.DatabaseEnabled() {
		database, err := db.NewDatabase(cfg)
		if err != nil {
			s.Close()
			return nil, err
		}
		if err := db.AutoMigrate(database); err != nil {
			s.DB = database
			s.Close()
			return nil, err
		}
		s.DB = database
		s.HealthHistory = repo.NewHealthCheckRepository(database)
		log.Info().Msg("Health history persistence enabled")
	}

	var publisher events.Publisher
	if cfg.NATSURL != "" {
		nc, err := events.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			log.Warn().Err(err).Msg("NATS unavailable, events stay in-process")
		} else {
			s.NATS = nc
			publisher = nc
		}
	}
	s.Recorder = events.NewRecorder(store, publisher)

	pool, err := ants.NewPool(cfg.WorkerPoolSize)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	s.Pool = pool

	// replays sleep between attempts; a full pool rejects instead of
	// blocking the webhook request that failed
	replayPool, err := ants.NewPool(cfg.WebhookReplayPoolSize, ants.WithNonblocking(true))
	if err != nil {
		pool.Release()
		s.Close()
		return nil, fmt.Errorf("failed to create webhook replay pool: %w", err)
	}
	s.ReplayPool = replayPool

	bridgeOpts := bridge.Options{
		RateLimit:  cfg.BridgeRateLimit,
		HealthPath: cfg.BridgeHealthPath,
	}
	factory := func(ep models.Endpoint, timeout time.Duration) bridge.API {
		opts := bridgeOpts
		opts.Timeout = timeout
		if opts.Timeout <= 0 {
			opts.Timeout = cfg.BridgeTimeout
		}
		return bridge.NewClient(ep.APIURL, ep.APIKey, opts)
	}

	defaults := services.DefaultRegistryDefaults()
	defaults.HealthCheckInterval = cfg.DefaultHealthCheckInterval
	defaults.WebhookRetries = cfg.WebhookRetryAttempts
	defaults.MessageTimeout = cfg.BridgeTimeout
	s.Registry = services.NewEndpointRegistry(store, s.Locker, factory, defaults)

	var history services.HealthHistory
	if s.HealthHistory != nil {
		history = s.HealthHistory
	}
	s.Monitor = services.NewHealthMonitor(s.Registry, store, history, s.Recorder, cfg.HealthCheckTimeout, cfg.HealthCheckConcurrency)
	s.Registry.SetMonitor(s.Monitor)

	s.Sessions = services.NewSessionStore(store, cfg.SessionKey(), cfg.SessionTTL)
	s.Devices = services.NewDeviceManager(store, s.Locker, s.Registry, s.Sessions, s.Recorder, pool, services.DeviceOptions{
		ReconnectBaseDelay:          cfg.ReconnectBaseDelay,
		ReconnectMaxDelay:           cfg.ReconnectMaxDelay,
		DefaultMaxReconnectAttempts: cfg.DefaultMaxReconnectAttempts,
	})

	s.Conversations = repo.NewConversationRepository(store, s.Locker)
	s.Messages = repo.NewMessageRepository(store, s.Locker)

	s.WebhookRouter = webhook.NewRouter(s.Registry, store, webhook.RouterOptions{
		RequireSignature: cfg.WebhookRequireSignature,
		RetryAttempts:    cfg.WebhookRetryAttempts,
		RetryBaseDelay:   cfg.WebhookRetryBaseDelay,
		RetrySubmit:      replayPool.Submit,
	})
	s.WebhookHandlers = webhook.NewHandlers(s.Conversations, s.Messages, s.Devices, s.Recorder)
	s.WebhookHandlers.Register(s.WebhookRouter)

	var archiver whatsapp.MediaArchiver
	if cfg.S3Bucket != "" {
		media, err := storage.NewMediaStorage(storage.Options{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			BaseURL:   cfg.S3BaseURL,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Media storage unavailable, files are sent without archive")
		} else {
			s.Media = media
			archiver = media
		}
	}
	s.WhatsApp = whatsapp.NewService(s.Registry, s.Devices, s.Conversations, s.Messages, archiver, s.Recorder)

	return s, nil
}

// Start begins background work: scheduled probes for every known endpoint
// and, with Postgres configured, daily pruning of the probe history.
func (s *Services) Start(ctx context.Context) {
	s.Monitor.Start(ctx)

	if s.HealthHistory == nil {
		return
	}
	s.maintenance = cron.New()
	_, err := s.maintenance.AddFunc("@daily", func() {
		deleted, err := s.HealthHistory.DeleteOlderThan(context.Background(), time.Now().Add(-HealthHistoryRetention))
		if err != nil {
			log.Error().Err(err).Msg("Failed to prune health history")
			return
		}
		log.Info().Int64("deleted", deleted).Msg("Health history pruned")
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to schedule health history pruning")
		return
	}
	s.maintenance.Start()
}

// Shutdown stops background work and releases connections in dependency order
func (s *Services) Shutdown(ctx context.Context) {
	if s.maintenance != nil {
		<-s.maintenance.Stop().Done()
	}
	if s.Monitor != nil {
		s.Monitor.Stop(ctx)
	}
	if s.Devices != nil {
		s.Devices.Shutdown()
	}
	if s.Pool != nil {
		if err := s.Pool.ReleaseTimeout(10 * time.Second); err != nil {
			log.Warn().Err(err).Msg("Worker pool did not drain in time")
		}
	}
	if s.ReplayPool != nil {
		if err := s.ReplayPool.ReleaseTimeout(10 * time.Second); err != nil {
			log.Warn().Err(err).Msg("Webhook replay pool did not drain in time")
		}
	}
	if s.Registry != nil {
		s.Registry.Shutdown()
	}
	if s.Recorder != nil {
		s.Recorder.Wait()
	}
	s.Close()
}

// Close releases external connections
func (s *Services) Close() {
	if s.NATS != nil {
		s.NATS.Close()
		s.NATS = nil
	}
	if s.DB != nil {
		if err := db.Close(s.DB); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
		s.DB = nil
	}
	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close Redis client")
		}
		s.Store = nil
	}
}
