package config

import (
	"errors"
	"fmt"
	"path"
	"time"
	_ "time/tzdata"

	"github.com/eskrenkovic/matchpoint/internal/env"

	"go.uber.org/zap"
)

const (
	PortEnv        = "PORT"
	StoreDriverEnv = "STORE_DRIVER"
	DatabaseUrlEnv = "DATABASE_URL"
	MongoUrlEnv    = "MONGO_URL"
	MongoDBEnv     = "MONGO_DATABASE"
	RootPathEnv    = "ROOT_PATH"
	LogLevelEnv    = "LOG_LEVEL"

	IdentitySigningKeyEnv = "IDENTITY_SIGNING_KEY"
	IdentityIssuerEnv     = "IDENTITY_ISSUER"
	IdentityAudienceEnv   = "IDENTITY_AUDIENCE"

	NotificationTimezoneEnv = "NOTIFICATION_TIMEZONE"

	TxMaxAttemptsEnv           = "TX_MAX_ATTEMPTS"
	FeedPollIntervalEnv        = "FEED_POLL_INTERVAL"
	FeedMaxDeliveryAttemptsEnv = "FEED_MAX_DELIVERY_ATTEMPTS"
	RequestTimeoutEnv          = "REQUEST_TIMEOUT"
)

type StoreDriver string

const (
	StoreDriverPostgres StoreDriver = "postgres"
	StoreDriverMongo    StoreDriver = "mongo"
	StoreDriverMemory   StoreDriver = "memory"
)

type IdentityConfiguration struct {
	SigningKey []byte
	Issuer     string
	Audience   string
}

type FeedConfiguration struct {
	PollInterval        time.Duration
	MaxDeliveryAttempts int
}

type Config struct {
	Logger *zap.Logger

	Port           int
	StoreDriver    StoreDriver
	DatabaseURL    string
	MongoURL       string
	MongoDatabase  string
	MigrationsPath string

	Identity IdentityConfiguration

	NotificationLocation *time.Location

	TxMaxAttempts  int
	Feed           FeedConfiguration
	RequestTimeout time.Duration
}

func Load() (Config, error) {
	logger, err := newLogger(env.GetStringOrDefault(LogLevelEnv, "info"))
	if err != nil {
		return Config{}, err
	}

	port, err := env.GetIntOrDefault(PortEnv, 8080)
	if err != nil {
		return Config{}, err
	}

	driver := StoreDriver(env.GetStringOrDefault(StoreDriverEnv, string(StoreDriverPostgres)))

	dbURL := env.GetStringOrDefault(DatabaseUrlEnv, "")
	mongoURL := env.GetStringOrDefault(MongoUrlEnv, "")

	switch driver {
	case StoreDriverPostgres:
		if dbURL == "" {
			return Config{}, fmt.Errorf("%s is required for the %s store", DatabaseUrlEnv, driver)
		}
	case StoreDriverMongo:
		if mongoURL == "" {
			return Config{}, fmt.Errorf("%s is required for the %s store", MongoUrlEnv, driver)
		}
	case StoreDriverMemory:
	default:
		return Config{}, fmt.Errorf("unknown %s '%s'", StoreDriverEnv, driver)
	}

	rootPath := env.GetStringOrDefault(RootPathEnv, ".")

	signingKey, err := env.GetString(IdentitySigningKeyEnv)
	if err != nil {
		return Config{}, err
	}
	if signingKey == "" {
		return Config{}, errors.New(IdentitySigningKeyEnv + " must not be empty")
	}

	location, err := time.LoadLocation(env.GetStringOrDefault(NotificationTimezoneEnv, "UTC"))
	if err != nil {
		return Config{}, fmt.Errorf("key: %s: %w", NotificationTimezoneEnv, err)
	}

	txMaxAttempts, err := env.GetIntOrDefault(TxMaxAttemptsEnv, 5)
	if err != nil {
		return Config{}, err
	}

	pollInterval, err := env.GetDurationOrDefault(FeedPollIntervalEnv, time.Second)
	if err != nil {
		return Config{}, err
	}

	maxDeliveryAttempts, err := env.GetIntOrDefault(FeedMaxDeliveryAttemptsEnv, 10)
	if err != nil {
		return Config{}, err
	}

	requestTimeout, err := env.GetDurationOrDefault(RequestTimeoutEnv, 10*time.Second)
	if err != nil {
		return Config{}, err
	}

	return Config{
		Logger:         logger,
		Port:           port,
		StoreDriver:    driver,
		DatabaseURL:    dbURL,
		MongoURL:       mongoURL,
		MongoDatabase:  env.GetStringOrDefault(MongoDBEnv, "matchpoint"),
		MigrationsPath: path.Join(rootPath, "db", "migrations"),
		Identity: IdentityConfiguration{
			SigningKey: []byte(signingKey),
			Issuer:     env.GetStringOrDefault(IdentityIssuerEnv, ""),
			Audience:   env.GetStringOrDefault(IdentityAudienceEnv, ""),
		},
		NotificationLocation: location,
		TxMaxAttempts:        txMaxAttempts,
		Feed: FeedConfiguration{
			PollInterval:        pollInterval,
			MaxDeliveryAttempts: maxDeliveryAttempts,
		},
		RequestTimeout: requestTimeout,
	}, nil
}

func newLogger(level string) (*zap.Logger, error) {
	atomicLevel, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("key: %s: %w", LogLevelEnv, err)
	}

	conf := zap.NewProductionConfig()
	conf.Level = atomicLevel

	return conf.Build()
}
