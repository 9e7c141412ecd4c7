package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"identity-service/internal/audit"
	"identity-service/internal/bucketing"
	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/handler"
	"identity-service/internal/hashing"
	"identity-service/internal/identity"
	"identity-service/internal/notifier"
	redisrepo "identity-service/internal/repository/redis"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/service"
	"identity-service/internal/token"
	"identity-service/internal/util"
)

// Factory owns the lifecycle of all application dependencies.
type Factory struct {
	config *config.Config

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher           *hashing.Hasher
	bucketingManager *bucketing.Manager

	// Repositories and services
	accountRepository scylla.AccountRepository
	passcodeStore     *redisrepo.PasscodeStore
	tokenBlacklist    *redisrepo.TokenBlacklist
	rateLimitCache    *redisrepo.RateLimitCache
	tokenIssuer       *token.Issuer
	emailNotifier     notifier.Notifier
	auditRecorder     audit.Recorder
	googleVerifier    *identity.GoogleVerifier
	accountService    *service.AccountService

	closeOnce sync.Once
}

// NewFactory loads configuration and initializes every dependency,
// failing fast when a required backend is unreachable.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	f := &Factory{config: cfg}

	if err := f.initializeClients(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := f.initializeServices(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("kafka_enabled", cfg.Kafka.Enabled),
		util.Bool("clickhouse_enabled", cfg.Clickhouse.Enabled),
	)

	return f, nil
}

// initializeClients connects Redis, ScyllaDB, and the optional Kafka and
// ClickHouse backends, health-checking the required ones in parallel.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	redisClient, err := client.NewRedisClient(f.config, util.Get())
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	f.redisClient = redisClient

	scyllaClient, err := scylla.NewScyllaClient(f.config, util.Get())
	if err != nil {
		return fmt.Errorf("scylla: %w", err)
	}
	f.scyllaClient = scyllaClient

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := f.redisClient.HealthCheck(gctx); err != nil {
			return fmt.Errorf("redis health check: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := f.scyllaClient.HealthCheck(gctx); err != nil {
			return fmt.Errorf("scylla health check: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	util.Info("Redis and ScyllaDB clients initialized and healthy")

	if f.config.Kafka.Enabled {
		producer, err := client.NewKafkaProducer(f.config, util.Get())
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		f.kafkaProducer = producer
		util.Info("Kafka producer initialized")
	}

	if f.config.Clickhouse.Enabled {
		chClient, err := client.NewClickHouseClient(f.config, util.Get())
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		f.clickhouseClient = chClient
		util.Info("ClickHouse client initialized and healthy")
	}

	return nil
}

// initializeServices wires managers, repositories, and the account
// service on top of the connected clients.
func (f *Factory) initializeServices() error {
	f.hasher = hashing.NewHasher(f.config.Hashing)
	f.bucketingManager = bucketing.NewManager(f.config.Bucketing.AccountBuckets)

	f.accountRepository = scylla.NewAccountRepository(f.scyllaClient)
	f.passcodeStore = redisrepo.NewPasscodeStore(f.redisClient, f.config.Passcode)
	f.tokenBlacklist = redisrepo.NewTokenBlacklist(f.redisClient)
	f.rateLimitCache = redisrepo.NewRateLimitCache(f.redisClient)

	issuer, err := token.NewIssuer(f.config.Token, f.tokenBlacklist)
	if err != nil {
		return fmt.Errorf("token issuer: %w", err)
	}
	f.tokenIssuer = issuer

	if f.kafkaProducer != nil {
		f.emailNotifier = notifier.NewKafkaNotifier(f.kafkaProducer, f.config.Kafka.EmailTopic)
	} else {
		if f.config.IsProduction() {
			return fmt.Errorf("kafka is required in production for email dispatch")
		}
		f.emailNotifier = notifier.LogNotifier{}
		util.Warn("Kafka disabled, email dispatch falls back to logging")
	}

	if f.clickhouseClient != nil {
		f.auditRecorder = audit.NewClickHouseRecorder(f.clickhouseClient, f.bucketingManager)
	} else {
		f.auditRecorder = audit.NopRecorder{}
	}

	f.googleVerifier = identity.NewGoogleVerifier(f.config.Google)

	accountService, err := service.NewAccountService(
		f.accountRepository,
		f.passcodeStore,
		f.tokenIssuer,
		f.hasher,
		f.emailNotifier,
		f.googleVerifier,
		f.auditRecorder,
		f.bucketingManager,
	)
	if err != nil {
		return fmt.Errorf("account service: %w", err)
	}
	f.accountService = accountService

	return nil
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) AccountService() *service.AccountService {
	return f.accountService
}

// RateLimiter builds the per-IP limiter with the configured budgets.
func (f *Factory) RateLimiter() *handler.RateLimiter {
	limits := map[string]handler.RateLimit{
		"register":      {Requests: f.config.RateLimit.RegisterPerWin, Window: f.config.RateLimit.Window},
		"login":         {Requests: f.config.RateLimit.LoginPerWin, Window: f.config.RateLimit.Window},
		"reset_request": {Requests: f.config.RateLimit.ResetReqPerWin, Window: f.config.RateLimit.Window},
	}
	return handler.NewRateLimiter(f.rateLimitCache, limits, util.Get())
}

// HealthCheck probes every connected backend.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}

	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(ctx); err != nil {
			healthErrors["scylla"] = err
		}
	} else {
		healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
	}

	return healthErrors
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}
