package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"smart-mail-sorter-go/internal/audit"
	"smart-mail-sorter-go/internal/classifier"
	"smart-mail-sorter-go/internal/config"
	"smart-mail-sorter-go/internal/connection"
	"smart-mail-sorter-go/internal/db"
	"smart-mail-sorter-go/internal/ledger"
	"smart-mail-sorter-go/internal/metrics"
	"smart-mail-sorter-go/internal/pipeline"
	"smart-mail-sorter-go/internal/provider"
	"smart-mail-sorter-go/internal/repository"
	"smart-mail-sorter-go/internal/repository/mongostore"
	"smart-mail-sorter-go/internal/scheduler"
	"smart-mail-sorter-go/internal/secret"
	"smart-mail-sorter-go/internal/vault"
)

// container holds every wired component of the service
type container struct {
	cfg        *config.Config
	store      repository.Store
	ping       func(ctx context.Context) error
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	providers  *provider.Registry
	manager    *connection.Manager
	ledger     *ledger.CreditLedger
	classifier *classifier.Client
	pipeline   *pipeline.Pipeline
	scheduler  *scheduler.Scheduler

	closers []func() error
}

// loadConfig reads and validates configuration and applies the log level
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	return cfg, nil
}

// openStore connects the configured datastore and applies its schema
func openStore(cfg *config.Config) (repository.Store, func(ctx context.Context) error, func() error, error) {
	if cfg.Database.Driver == "mongo" {
		client, err := mongostore.NewClient(cfg.Mongo.URI)
		if err != nil {
			return nil, nil, nil, err
		}
		store := mongostore.New(client.Database(cfg.Mongo.Database))
		if err := store.EnsureIndexes(context.Background()); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, nil, err
		}
		ping := func(ctx context.Context) error { return client.Ping(ctx, nil) }
		closer := func() error { return client.Disconnect(context.Background()) }
		logrus.Info("Using MongoDB document store")
		return store, ping, closer, nil
	}

	gdb, err := db.Init(cfg.Database)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	logrus.Infof("Using %s database", cfg.Database.Driver)
	return repository.New(gdb), pingSQL(gdb), closeSQL(gdb), nil
}

func pingSQL(gdb *gorm.DB) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		sqlDB, err := gdb.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
}

func closeSQL(gdb *gorm.DB) func() error {
	return func() error {
		sqlDB, err := gdb.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
}

// openSecrets builds the encrypted secret store. The redis client, when
// the backend is redis, is shared with the audit stream.
func openSecrets(cfg config.SecretsConfig) (secret.Store, *redis.Client, error) {
	if cfg.Backend != "redis" {
		store, err := secret.New(cfg)
		return store, nil, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	enc, err := secret.NewEncryptor([]byte(cfg.EncryptionKey))
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return secret.NewEncryptedStore(secret.NewRedisStoreFromClient(client, cfg.KeyPrefix), enc), client, nil
}

func buildProviders(cfg *config.Config) *provider.Registry {
	timeout := cfg.Pipeline.HTTPTimeout
	var enabled []provider.Provider
	if cfg.Outlook.Enabled() {
		enabled = append(enabled, provider.NewOutlook(cfg.Outlook, timeout))
	}
	if cfg.Gmail.Enabled() {
		enabled = append(enabled, provider.NewGmail(cfg.Gmail, timeout))
	}
	if cfg.Yahoo.Enabled() {
		enabled = append(enabled, provider.NewYahoo(cfg.Yahoo, timeout))
	}
	registry := provider.NewRegistry(enabled...)

	names := make([]string, 0, len(enabled))
	for _, n := range registry.Names() {
		names = append(names, string(n))
	}
	logrus.Infof("Enabled mail providers: %s", strings.Join(names, ", "))
	return registry
}

// newContainer wires the service from cfg
func newContainer(cfg *config.Config) (*container, error) {
	c := &container{cfg: cfg}

	store, ping, closeStore, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	c.store, c.ping = store, ping
	c.closers = append(c.closers, closeStore)

	secrets, redisClient, err := openSecrets(cfg.Secrets)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize secret store: %w", err)
	}
	if closer, ok := secrets.(interface{ Close() error }); ok {
		c.closers = append(c.closers, closer.Close)
	}

	c.registry = prometheus.NewRegistry()
	c.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	c.metrics = metrics.NewMetrics(c.registry)

	auditLog := audit.NewLogger(redisClient)
	c.providers = buildProviders(cfg)

	c.manager = connection.NewManager(c.providers, vault.New(secrets), store, auditLog, c.metrics, connection.Config{
		RefreshLead: cfg.Pipeline.RefreshLead,
		StateMaxAge: cfg.Pipeline.StateMaxAge,
	})
	c.ledger = ledger.New(store, auditLog, c.metrics)
	c.classifier = classifier.New(cfg.Classifier, c.metrics)
	c.pipeline = pipeline.New(c.providers, c.manager, c.ledger, c.classifier, store, c.metrics, pipeline.Config{
		Lookback: cfg.Pipeline.Lookback,
		PageSize: cfg.Pipeline.PageSize,
		ClaimTTL: cfg.Pipeline.ClaimTTL,
	})
	c.scheduler = scheduler.New(cfg.Scheduler, c.pipeline)
	return c, nil
}

// Close releases datastore and secret store connections
func (c *container) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			logrus.Errorf("Failed to close resource: %v", err)
		}
	}
}
