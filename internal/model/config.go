package model

import "time"

// ================ Config ================

type ServerConfig struct {
	Addr            string        `envconfig:"SERVER_ADDR" default:":8080"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"15s"`
	// AllowedOrigins restricts websocket upgrades; empty allows any origin.
	AllowedOrigins []string      `envconfig:"SERVER_ALLOWED_ORIGINS"`
	TrustedProxies []string      `envconfig:"SERVER_TRUSTED_PROXIES"`
	PingInterval   time.Duration `envconfig:"SERVER_PING_INTERVAL" default:"30s"`
}

type GatewayConfig struct {
	MaxPayloadBytes int           `envconfig:"GATEWAY_MAX_PAYLOAD_BYTES" default:"8192"`
	AllowAnonymous  bool          `envconfig:"GATEWAY_ALLOW_ANONYMOUS" default:"false"`
	GapTimeout      time.Duration `envconfig:"GATEWAY_GAP_TIMEOUT" default:"2s"`
	GapDeadline     time.Duration `envconfig:"GATEWAY_GAP_DEADLINE" default:"20s"`
	SendTimeout     time.Duration `envconfig:"GATEWAY_SEND_TIMEOUT" default:"10s"`
	// SessionTTL is the inactivity period after which status reports "expired".
	SessionTTL time.Duration `envconfig:"GATEWAY_SESSION_TTL" default:"24h"`
	// BlockedTerms replaces the built-in moderation block list when set.
	BlockedTerms []string `envconfig:"MODERATION_BLOCKED_TERMS"`
}

type RateLimitConfig struct {
	MessagesCapacity      int           `envconfig:"RATE_LIMIT_MESSAGES_CAPACITY" default:"50"`
	MessagesWindow        time.Duration `envconfig:"RATE_LIMIT_MESSAGES_WINDOW" default:"1h"`
	AnonymousCapacity     int           `envconfig:"RATE_LIMIT_ANONYMOUS_CAPACITY" default:"20"`
	AnonymousWindow       time.Duration `envconfig:"RATE_LIMIT_ANONYMOUS_WINDOW" default:"1h"`
	ProjectCreateCapacity int           `envconfig:"RATE_LIMIT_PROJECT_CREATE_CAPACITY" default:"10"`
	ProjectCreateWindow   time.Duration `envconfig:"RATE_LIMIT_PROJECT_CREATE_WINDOW" default:"1h"`
}

type BreakerConfig struct {
	Name             string        `envconfig:"BREAKER_NAME" default:"conversation-engine"`
	FailureThreshold int           `envconfig:"BREAKER_FAILURE_THRESHOLD" default:"5"`
	RollingWindow    time.Duration `envconfig:"BREAKER_ROLLING_WINDOW" default:"1m"`
	RecoveryTimeout  time.Duration `envconfig:"BREAKER_RECOVERY_TIMEOUT" default:"30s"`
	// TrialLease bounds how long a crashed half-open trial can hold the slot.
	TrialLease time.Duration `envconfig:"BREAKER_TRIAL_LEASE" default:"2m"`
}

type ExecutorConfig struct {
	Workers        int           `envconfig:"EXECUTOR_WORKERS" default:"16"`
	QueueSize      int           `envconfig:"EXECUTOR_QUEUE_SIZE" default:"1024"`
	EngineTimeout  time.Duration `envconfig:"EXECUTOR_ENGINE_TIMEOUT" default:"30s"`
	EngineRetries  int           `envconfig:"EXECUTOR_ENGINE_RETRIES" default:"2"`
	StorageRetries int           `envconfig:"EXECUTOR_STORAGE_RETRIES" default:"3"`
	RetryBaseDelay time.Duration `envconfig:"EXECUTOR_RETRY_BASE_DELAY" default:"200ms"`
	RetryMaxDelay  time.Duration `envconfig:"EXECUTOR_RETRY_MAX_DELAY" default:"2s"`
	// OrderWait is how long an envelope waits for its predecessor to be
	// processed elsewhere before it is processed anyway.
	OrderWait time.Duration `envconfig:"EXECUTOR_ORDER_WAIT" default:"10s"`
}

type StoreConfig struct {
	HotTTL      time.Duration `envconfig:"STORE_HOT_TTL" default:"10m"`
	ColdBackend string        `envconfig:"STORE_COLD_BACKEND" default:"sqlite"`
	SQLitePath  string        `envconfig:"STORE_SQLITE_PATH" default:"data/conversations.db"`
	DynamoTable string        `envconfig:"STORE_DYNAMODB_TABLE"`
}

type FanoutConfig struct {
	Backend          string        `envconfig:"FANOUT_BACKEND" default:"redis"`
	ReplaySize       int           `envconfig:"FANOUT_REPLAY_SIZE" default:"64"`
	ReplayTTL        time.Duration `envconfig:"FANOUT_REPLAY_TTL" default:"15m"`
	SubscriberBuffer int           `envconfig:"FANOUT_SUBSCRIBER_BUFFER" default:"64"`
}

type EngineConfig struct {
	Model         string  `envconfig:"ENGINE_MODEL" default:"gemini-2.5-flash"`
	MaxTokens     int     `envconfig:"ENGINE_MAX_TOKENS" default:"2000"`
	Temperature   float32 `envconfig:"ENGINE_TEMPERATURE" default:"0.4"`
	HistoryTurns  int     `envconfig:"ENGINE_HISTORY_TURNS" default:"10"`
	AssistantName string  `envconfig:"ENGINE_ASSISTANT_NAME" default:"All Thrive"`
}

type AuthConfig struct {
	JWTSecret string `envconfig:"AUTH_JWT_SECRET"`
}
