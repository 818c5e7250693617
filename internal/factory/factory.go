package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"storefront-auth/internal/client"
	"storefront-auth/internal/config"
	"storefront-auth/internal/directory"
	"storefront-auth/internal/multipass"
	"storefront-auth/internal/otp"
	"storefront-auth/internal/password"
	"storefront-auth/internal/queue"
	"storefront-auth/internal/ratelimit"
	"storefront-auth/internal/service"
	"storefront-auth/internal/session"
	"storefront-auth/internal/sms"
	"storefront-auth/internal/tls"
	"storefront-auth/internal/util"
)

// Factory manages the lifecycle of all application dependencies.
type Factory struct {
	config     *config.Config
	tlsManager *tls.Manager

	// Clients
	redisClient   *client.RedisClient
	kafkaProducer *client.KafkaProducer

	// Components
	limiter      *ratelimit.Limiter
	jobQueue     *queue.Queue
	otpEngine    *otp.Engine
	delivery     *sms.DeliveryService
	sessions     *session.Manager
	multipassGen *multipass.Generator
	directory    directory.Directory
	hasher       *password.Hasher
	authService  *service.AuthService

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewManager(cfg.Server)
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeComponents(); err != nil {
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kafka_enabled", cfg.Kafka.Enabled),
	)

	return factory, nil
}

// initializeClients connects the external stores. Redis is required;
// Kafka is optional and degrades to a warning.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	redisClient, err := client.NewRedisClient(f.config, util.Get())
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	f.redisClient = redisClient
	if err := f.redisClient.HealthCheck(ctx); err != nil {
		if f.config.IsProduction() {
			return fmt.Errorf("redis health check: %w", err)
		}
		util.Warn("Redis health check failed", util.ErrorField(err))
	} else {
		util.Info("Redis client initialized and healthy")
	}

	if f.config.Kafka.Enabled {
		producer, err := client.NewKafkaProducer(f.config, util.Get())
		if err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	return nil
}

func (f *Factory) initializeComponents() error {
	cfg := f.config
	logger := util.Get()

	f.limiter = ratelimit.NewLimiter(f.redisClient, cfg.RateLimit, logger)

	var events queue.EventPublisher
	if f.kafkaProducer != nil {
		events = f.kafkaProducer
	}
	f.jobQueue = queue.NewQueue(f.redisClient, cfg.Queue, events, logger)

	f.otpEngine = otp.NewEngine(f.redisClient, cfg.OTP, logger)

	var providers []sms.Provider
	if cfg.SMS.Twilio.Enabled {
		providers = append(providers, sms.NewTwilioProvider(cfg.SMS.Twilio, logger))
	}
	if cfg.SMS.SMSTo.Enabled {
		providers = append(providers, sms.NewSmsToProvider(cfg.SMS.SMSTo, logger))
	}
	if len(providers) == 0 {
		util.Warn("No SMS providers enabled; SMS login is unavailable")
	}
	f.delivery = sms.NewDeliveryService(providers, f.redisClient, f.jobQueue, cfg.SMS, logger)

	f.sessions = session.NewManager(f.redisClient, cfg.Session, logger)

	multipassGen, err := multipass.NewGenerator(cfg.Multipass.Secret)
	if err != nil {
		return fmt.Errorf("multipass: %w", err)
	}
	f.multipassGen = multipassGen

	f.directory = directory.NewHTTPDirectory(cfg.Directory, logger)

	hasher, err := password.NewHasher(cfg.Password.BcryptCost)
	if err != nil {
		return fmt.Errorf("password hasher: %w", err)
	}
	f.hasher = hasher

	var authEvents service.EventPublisher
	if f.kafkaProducer != nil {
		authEvents = f.kafkaProducer
	}
	f.authService = service.NewAuthService(
		cfg,
		f.otpEngine,
		f.delivery,
		f.sessions,
		f.multipassGen,
		f.directory,
		f.hasher,
		authEvents,
		logger,
	)

	return nil
}

func (f *Factory) Config() *config.Config            { return f.config }
func (f *Factory) TLSManager() *tls.Manager          { return f.tlsManager }
func (f *Factory) RedisClient() *client.RedisClient  { return f.redisClient }
func (f *Factory) Limiter() *ratelimit.Limiter       { return f.limiter }
func (f *Factory) Queue() *queue.Queue               { return f.jobQueue }
func (f *Factory) OTPEngine() *otp.Engine            { return f.otpEngine }
func (f *Factory) Delivery() *sms.DeliveryService    { return f.delivery }
func (f *Factory) Sessions() *session.Manager        { return f.sessions }
func (f *Factory) Directory() directory.Directory    { return f.directory }
func (f *Factory) AuthService() *service.AuthService { return f.authService }

// HealthCheck verifies the required dependencies. Kafka is advisory and
// never fails the check.
func (f *Factory) HealthCheck(ctx context.Context) error {
	if f.redisClient == nil {
		return fmt.Errorf("redis client not initialized")
	}
	if err := f.redisClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			util.Warn("Kafka health check failed", util.ErrorField(err))
		}
	}
	return nil
}

// Close shuts down the clients in reverse dependency order. Safe to call
// more than once.
func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		util.Info("Factory shutdown complete")
		util.Sync()
	})
	return nil
}
