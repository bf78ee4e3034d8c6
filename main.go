package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	goredis "github.com/redis/go-redis/v9"

	"github.com/allthriveai/allthriveai-sub004/internal/auth"
	"github.com/allthriveai/allthriveai-sub004/internal/breaker"
	"github.com/allthriveai/allthriveai-sub004/internal/core"
	"github.com/allthriveai/allthriveai-sub004/internal/engine"
	"github.com/allthriveai/allthriveai-sub004/internal/executor"
	"github.com/allthriveai/allthriveai-sub004/internal/fanout"
	"github.com/allthriveai/allthriveai-sub004/internal/gateway"
	"github.com/allthriveai/allthriveai-sub004/internal/model"
	"github.com/allthriveai/allthriveai-sub004/internal/moderation"
	"github.com/allthriveai/allthriveai-sub004/internal/ratelimit"
	"github.com/allthriveai/allthriveai-sub004/internal/secrets"
	"github.com/allthriveai/allthriveai-sub004/internal/sequence"
	"github.com/allthriveai/allthriveai-sub004/internal/store"
	"github.com/allthriveai/allthriveai-sub004/internal/transport"
	logx "github.com/allthriveai/allthriveai-sub004/pkg/logger"
	pkgredis "github.com/allthriveai/allthriveai-sub004/pkg/redis"
)

// AppConfig defines every configurable parameter of the gateway, sourced from
// environment variables (loaded from .env for local runs).
type AppConfig struct {
	Environment core.Environment `envconfig:"APP_ENV" default:"development"`
	LogLevel    string           `envconfig:"LOG_LEVEL"`
	ServiceName string           `envconfig:"SERVICE_NAME" default:"conversation-gateway"`

	// Infrastructure
	Redis pkgredis.Config

	// LLM provider
	APIKey  string `envconfig:"GEMINI_API_KEY"`
	BaseURL string `envconfig:"GEMINI_BASE_URL"`

	// When set, secrets are read from SSM parameters under this prefix.
	SSMParamPrefix string `envconfig:"SSM_PARAM_PREFIX"`

	Server    model.ServerConfig
	Gateway   model.GatewayConfig
	RateLimit model.RateLimitConfig
	Breaker   model.BreakerConfig
	Executor  model.ExecutorConfig
	Store     model.StoreConfig
	Fanout    model.FanoutConfig
	Engine    model.EngineConfig
	Auth      model.AuthConfig
}

func main() {
	envErr := godotenv.Load(".env")

	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("Failed to process environment config: %v", err)
	}

	logx.Init(logx.LoggerOpts{
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
		Service:     cfg.ServiceName,
	})
	if envErr != nil {
		logx.Debug().Err(envErr).Msg("no .env file loaded")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logx.Error().Err(err).Msg("gateway stopped with error")
		os.Exit(1)
	}
	logx.Info().Msg("gateway stopped")
}

func run(ctx context.Context, cfg AppConfig) error {
	rdb, err := cfg.Redis.New(ctx)
	if err != nil {
		return fmt.Errorf("initialise redis: %w", err)
	}
	defer rdb.Close()
	logx.Info().Msg("connected to redis")

	if err := loadSecrets(ctx, &cfg); err != nil {
		return err
	}
	if cfg.APIKey == "" {
		return errors.New("GEMINI_API_KEY is required")
	}
	if cfg.Auth.JWTSecret == "" && !cfg.Gateway.AllowAnonymous {
		return errors.New("AUTH_JWT_SECRET is required unless anonymous access is enabled")
	}

	cold, err := newColdStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	conversations := store.NewConversationStore(store.NewRedisCheckpointCache(rdb, cfg.Store.HotTTL), cold)
	defer conversations.Close()

	chat, err := engine.NewGeminiChatModel(ctx, cfg.APIKey, cfg.BaseURL, cfg.Engine)
	if err != nil {
		return fmt.Errorf("create chat model: %w", err)
	}
	eng, err := engine.NewChatEngine(chat, cfg.Engine, engine.NewCallbacks())
	if err != nil {
		return err
	}

	guard, err := breaker.New(rdb, cfg.Breaker)
	if err != nil {
		return err
	}
	limiter, err := ratelimit.New(rdb, ratelimit.ClassesFromConfig(cfg.RateLimit))
	if err != nil {
		return err
	}
	sequencer := sequence.New(rdb)

	broker := newBroker(ctx, rdb, cfg.Fanout)
	defer broker.Close()

	exec, err := executor.New(cfg.Executor, executor.Deps{
		Engine:    eng,
		Store:     conversations,
		Publisher: broker,
		Watermark: sequencer,
		Guard:     guard,
		Fallback:  breaker.NewCannedFallback(breaker.DefaultAnswers, ""),
	}, executor.WithLocker(executor.NewRedsyncLocker(rdb, lockTTL(cfg.Executor))))
	if err != nil {
		return err
	}
	exec.Start(ctx)
	defer exec.Stop()

	authn := auth.NewJWTAuthenticator(auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)), cfg.Gateway.AllowAnonymous)
	manager, err := gateway.New(cfg.Gateway, gateway.Deps{
		Auth:      authn,
		Validator: moderation.NewDefault(cfg.Gateway.BlockedTerms),
		Limiter:   limiter,
		Sequencer: sequencer,
		Executor:  exec,
		Broker:    broker,
		Store:     conversations,
	})
	if err != nil {
		return err
	}
	defer manager.Close()

	server, err := transport.New(cfg.Server, cfg.Gateway, manager, authn, func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}, cfg.Environment.IsProduction())
	if err != nil {
		return err
	}

	// Run blocks until ctx is cancelled; the deferred closes then run in
	// reverse order of construction.
	return server.Run(ctx)
}

// loadSecrets overrides the JWT secret and Gemini key from SSM when a
// parameter prefix is configured.
func loadSecrets(ctx context.Context, cfg *AppConfig) error {
	if cfg.SSMParamPrefix == "" {
		return nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	loader, err := secrets.NewLoader(awsssm.NewFromConfig(awsCfg), cfg.SSMParamPrefix)
	if err != nil {
		return err
	}
	s, err := loader.Load(ctx)
	if err != nil {
		return err
	}
	cfg.Auth.JWTSecret = s.JWTSecret
	cfg.APIKey = s.GeminiAPIKey
	logx.Info().Str("prefix", cfg.SSMParamPrefix).Msg("secrets loaded from parameter store")
	return nil
}

func newColdStore(ctx context.Context, cfg model.StoreConfig) (store.ColdStore, error) {
	switch cfg.ColdBackend {
	case "dynamodb":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		logx.Info().Str("table", cfg.DynamoTable).Msg("using dynamodb cold store")
		return store.NewDynamoStore(awsdynamodb.NewFromConfig(awsCfg), cfg.DynamoTable)
	case "sqlite", "":
		logx.Info().Str("path", cfg.SQLitePath).Msg("using sqlite cold store")
		return store.NewSQLiteStore(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown cold store backend %q", cfg.ColdBackend)
	}
}

func newBroker(ctx context.Context, rdb *goredis.Client, cfg model.FanoutConfig) fanout.Broker {
	if cfg.Backend == "local" {
		logx.Warn().Msg("using in-process fanout; events will not cross gateway processes")
		return fanout.NewLocalBroker(cfg)
	}
	return fanout.NewRedisBroker(ctx, rdb, cfg)
}

// lockTTL covers the longest an envelope can hold its conversation lock:
// every engine attempt timing out plus backoff and storage work.
func lockTTL(cfg model.ExecutorConfig) time.Duration {
	attempts := time.Duration(cfg.EngineRetries + 1)
	return cfg.EngineTimeout*attempts + cfg.RetryMaxDelay*attempts + 30*time.Second
}
