// Package factory constructs and owns the lifecycle of every component. All
// wiring is explicit constructor injection; nothing in the tree reaches for
// package-level singletons besides the process logger.
package factory

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"sync"
	"time"

	"security-engine/internal/audit"
	"security-engine/internal/authn"
	"security-engine/internal/authz"
	"security-engine/internal/bucketing"
	"security-engine/internal/client"
	"security-engine/internal/config"
	"security-engine/internal/crypto"
	"security-engine/internal/detect"
	"security-engine/internal/engine"
	"security-engine/internal/event"
	"security-engine/internal/handler"
	"security-engine/internal/hashing"
	"security-engine/internal/model"
	redisrepo "security-engine/internal/repository/redis"
	"security-engine/internal/session"
	"security-engine/internal/sink"
	"security-engine/internal/store"
	"security-engine/internal/util"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Factory manages the lifecycle of all application dependencies.
type Factory struct {
	config *config.Config

	// Optional backend clients; nil when disabled.
	redisClient      *client.RedisClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient
	scyllaStore      *store.ScyllaStore

	users    model.UserStore
	bus      *event.Bus
	ledger   *audit.Ledger
	sessions *session.Registry
	detector *detect.Engine
	engine   *engine.SecurityEngine
	archiver *sink.ClickHouseArchiver
	registry *prometheus.Registry

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	f := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if err := f.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := f.initializeCore(); err != nil {
		return nil, err
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("kms_enabled", cfg.Crypto.KMSEnabled),
		util.Bool("redis_enabled", cfg.Redis.Enabled),
		util.Bool("scylla_enabled", cfg.Scylla.Enabled),
	)

	return f, nil
}

// initializeClients brings up the enabled backends. The credential store and
// session mirror fail startup when unreachable; streaming sinks degrade to a
// warning.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if f.config.Redis.Enabled {
		redisClient, err := client.NewRedisClient(f.config)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		f.redisClient = redisClient
	}

	if f.config.Scylla.Enabled {
		scyllaStore, err := store.NewScyllaStore(f.config)
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		if err := scyllaStore.HealthCheck(ctx); err != nil {
			return fmt.Errorf("scylla health check: %w", err)
		}
		f.scyllaStore = scyllaStore
	}

	if f.config.Kafka.Enabled {
		producer, err := client.NewKafkaProducer(f.config, util.Get())
		if err != nil {
			util.Warn("Kafka producer initialization failed, proceeding without event streaming", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
		}
	}

	if f.config.Clickhouse.Enabled {
		chClient, err := client.NewClickHouseClient(f.config)
		if err != nil {
			util.Warn("ClickHouse initialization failed, proceeding without event archival", util.ErrorField(err))
		} else {
			f.clickhouseClient = chClient
		}
	}

	if f.config.Elasticsearch.Enabled {
		esClient, err := client.NewElasticsearchClient(f.config, util.Get())
		if err != nil {
			util.Warn("Elasticsearch initialization failed, proceeding without audit indexing", util.ErrorField(err))
		} else {
			f.esClient = esClient
		}
	}

	return nil
}

// initializeCore wires the domain components onto the clients.
func (f *Factory) initializeCore() error {
	cfg := f.config
	logger := util.Get()
	clock := model.SystemClock{}

	masterKey, err := f.loadMasterKey()
	if err != nil {
		return fmt.Errorf("failed to load master key: %w", err)
	}
	cryptoSvc, err := crypto.NewService(masterKey, rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to initialize crypto service: %w", err)
	}

	hasher := hashing.NewHasher(hashing.DefaultParams())

	if f.scyllaStore != nil {
		f.users = f.scyllaStore
	} else {
		f.users = store.NewMemoryStore()
	}

	f.bus = event.NewBus(logger)
	f.ledger = audit.NewLedger(cfg.Audit.EventCapacity, cfg.Audit.AuditCapacity, clock, logger)
	f.bus.SubscribeEvents(f.ledger)
	f.bus.SubscribeAudits(f.ledger)
	f.bus.SubscribeThreats(f.ledger)

	f.sessions = session.NewRegistry(cfg.Auth.TokenBytes, rand.Reader, clock, logger)
	if f.redisClient != nil {
		f.sessions.SetMirror(redisrepo.NewSessionCache(f.redisClient))
	}

	resolver := authz.NewResolver(f.users, f.sessions, f.bus, clock, logger)

	authnMgr := authn.NewManager(f.users, f.sessions, hasher, cryptoSvc, f.bus, clock, authn.Options{
		MaxLoginAttempts: cfg.Auth.MaxLoginAttempts,
		LockoutDuration:  cfg.Auth.LockoutDuration,
		AccessTokenTTL:   cfg.Auth.AccessTokenTTL,
		RefreshTokenTTL:  cfg.Auth.RefreshTokenTTL,
	}, logger)

	f.detector = detect.NewEngine(f.ledger, f.sessions, f.bus, clock, cfg.Detection, cfg.Audit.Retention, logger)

	f.engine = engine.New(f.users, f.sessions, authnMgr, resolver, cryptoSvc, hasher, f.ledger, f.detector, f.bus, clock, logger)

	f.registry = prometheus.NewRegistry()
	f.registry.MustRegister(collectors.NewGoCollector())
	f.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	observer := sink.NewPrometheusObserver(f.registry)
	f.bus.SubscribeEvents(observer)
	f.bus.SubscribeAudits(observer)
	f.bus.SubscribeThreats(observer)

	buckets := bucketing.NewManager(cfg)

	if f.kafkaProducer != nil {
		streamer := sink.NewKafkaStreamer(f.kafkaProducer, buckets, cfg.Kafka.Topic, logger)
		f.bus.SubscribeEvents(streamer)
		f.bus.SubscribeThreats(streamer)
	}

	if f.clickhouseClient != nil {
		f.archiver = sink.NewClickHouseArchiver(f.clickhouseClient, buckets, logger)
		f.bus.SubscribeEvents(f.archiver)
	}

	if f.esClient != nil {
		indexer := sink.NewElasticIndexer(f.esClient, cfg.Elasticsearch.AuditIndex, logger)
		f.bus.SubscribeAudits(indexer)
	}

	return nil
}

// loadMasterKey resolves the AEAD key from configuration, KMS, or a fresh
// random key, in that order.
func (f *Factory) loadMasterKey() ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var kmsClient *kms.Client
	if f.config.Crypto.KMSEnabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}

	return crypto.LoadMasterKey(ctx, f.config, kmsClient)
}

// Engine returns the composed security engine.
func (f *Factory) Engine() *engine.SecurityEngine {
	return f.engine
}

// Router builds the HTTP surface over the engine.
func (f *Factory) Router() http.Handler {
	securityHandler := handler.NewSecurityHandler(f.engine, util.Get())
	return handler.NewRouter(securityHandler, f.registry, util.Get())
}

func (f *Factory) Config() *config.Config {
	return f.config
}

// HealthCheck probes every enabled backend.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	results := make(map[string]error)

	if f.redisClient != nil {
		results["redis"] = f.redisClient.HealthCheck(ctx)
	}
	if f.scyllaStore != nil {
		results["scylla"] = f.scyllaStore.HealthCheck(ctx)
	}
	if f.clickhouseClient != nil {
		results["clickhouse"] = f.clickhouseClient.HealthCheck(ctx)
	}
	if f.esClient != nil {
		results["elasticsearch"] = f.esClient.HealthCheck()
	}
	return results
}

// Close shuts down detection and releases every client. Safe to call more
// than once.
func (f *Factory) Close() error {
	var firstErr error

	f.closeOnce.Do(func() {
		defer close(f.closed)

		if f.detector != nil {
			f.detector.Stop()
		}
		if f.archiver != nil {
			f.archiver.Close()
		}
		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if f.esClient != nil {
			f.esClient.Close()
		}
		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if f.scyllaStore != nil {
			f.scyllaStore.Close()
		}

		util.Info("Factory closed")
	})

	return firstErr
}

// WaitForClose blocks until Close has completed.
func (f *Factory) WaitForClose() {
	<-f.closed
}
