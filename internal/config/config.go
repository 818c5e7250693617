package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable of the service. All numeric thresholds are
// configuration, not constants; two deployments may legitimately disagree
// on OTP lifetimes and attempt budgets.
type Config struct {
	Environment string

	Server    ServerConfig
	Logging   LoggingConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Queue     QueueConfig
	OTP       OTPConfig
	RateLimit RateLimitConfig
	Session   SessionConfig
	Multipass MultipassConfig
	SMS       SMSConfig
	Directory DirectoryConfig
	Password  PasswordConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	EnableTLS   bool
	TLSPort     int
	AutoCert    bool
	Domain      string
	CertFile    string
	KeyFile     string
	AutoCertDir string
	Email       string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type KafkaConfig struct {
	Enabled     bool
	Brokers     []string
	EventsTopic string
}

type QueueConfig struct {
	Workers      int
	MaxAttempts  int
	BackoffBase  time.Duration
	PollInterval time.Duration
}

type OTPConfig struct {
	CodeLength        int
	TTL               time.Duration
	MaxVerifyAttempts int
	BlockDuration     time.Duration
	ResendCooldown    time.Duration
	MaxSendAttempts   int
	SendWindow        time.Duration
	SendBlockDuration time.Duration
}

type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

type SessionConfig struct {
	TTL time.Duration
}

type MultipassConfig struct {
	Secret       string
	TenantDomain string
}

type SMSConfig struct {
	SenderID        string
	LastProviderTTL time.Duration
	StatusTTL       time.Duration
	CallbackBaseURL string

	Twilio TwilioConfig
	SMSTo  SMSToConfig
}

type TwilioConfig struct {
	Enabled    bool
	AccountSID string
	AuthToken  string
	FromNumber string
	Priority   int
}

type SMSToConfig struct {
	Enabled  bool
	APIKey   string
	Priority int
}

type DirectoryConfig struct {
	BaseURL     string
	APIKey      string
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Timeout     time.Duration
}

type PasswordConfig struct {
	BcryptCost int
}

// LoadConfig reads .env (when present) and the process environment.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),

		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
			TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
			AutoCert:     getEnvBool("SERVER_AUTO_CERT", false),
			Domain:       getEnv("SERVER_DOMAIN", "localhost"),
			CertFile:     getEnv("SERVER_CERT_FILE", ""),
			KeyFile:      getEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:  getEnv("SERVER_AUTOCERT_DIR", "./certs"),
			Email:        getEnv("SERVER_ACME_EMAIL", ""),
		},

		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},

		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
		},

		Kafka: KafkaConfig{
			Enabled:     getEnvBool("KAFKA_ENABLED", false),
			Brokers:     getEnvList("KAFKA_BROKERS", "localhost:9092"),
			EventsTopic: getEnv("KAFKA_EVENTS_TOPIC", "auth-events"),
		},

		Queue: QueueConfig{
			Workers:      getEnvInt("QUEUE_WORKERS", 4),
			MaxAttempts:  getEnvInt("QUEUE_MAX_ATTEMPTS", 3),
			BackoffBase:  getEnvDuration("QUEUE_BACKOFF_BASE", time.Second),
			PollInterval: getEnvDuration("QUEUE_POLL_INTERVAL", 250*time.Millisecond),
		},

		OTP: OTPConfig{
			CodeLength:        getEnvInt("OTP_CODE_LENGTH", 6),
			TTL:               getEnvDuration("OTP_TTL", 5*time.Minute),
			MaxVerifyAttempts: getEnvInt("OTP_MAX_VERIFY_ATTEMPTS", 5),
			BlockDuration:     getEnvDuration("OTP_BLOCK_DURATION", 15*time.Minute),
			ResendCooldown:    getEnvDuration("OTP_RESEND_COOLDOWN", 30*time.Second),
			MaxSendAttempts:   getEnvInt("OTP_MAX_SEND_ATTEMPTS", 3),
			SendWindow:        getEnvDuration("OTP_SEND_WINDOW", 10*time.Minute),
			SendBlockDuration: getEnvDuration("OTP_SEND_BLOCK_DURATION", 10*time.Minute),
		},

		RateLimit: RateLimitConfig{
			Limit:  getEnvInt("RATE_LIMIT", 10),
			Window: getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},

		Session: SessionConfig{
			TTL: getEnvDuration("SESSION_TTL", 24*time.Hour),
		},

		Multipass: MultipassConfig{
			Secret:       getEnv("MULTIPASS_SECRET", ""),
			TenantDomain: getEnv("MULTIPASS_TENANT_DOMAIN", ""),
		},

		SMS: SMSConfig{
			SenderID:        getEnv("SMS_SENDER_ID", ""),
			LastProviderTTL: getEnvDuration("SMS_LAST_PROVIDER_TTL", 10*time.Minute),
			StatusTTL:       getEnvDuration("SMS_STATUS_TTL", 24*time.Hour),
			CallbackBaseURL: getEnv("SMS_CALLBACK_BASE_URL", ""),
			Twilio: TwilioConfig{
				Enabled:    getEnvBool("TWILIO_ENABLED", true),
				AccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
				AuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),
				FromNumber: getEnv("TWILIO_FROM_NUMBER", ""),
				Priority:   getEnvInt("TWILIO_PRIORITY", 1),
			},
			SMSTo: SMSToConfig{
				Enabled:  getEnvBool("SMSTO_ENABLED", false),
				APIKey:   getEnv("SMSTO_API_KEY", ""),
				Priority: getEnvInt("SMSTO_PRIORITY", 2),
			},
		},

		Directory: DirectoryConfig{
			BaseURL:     getEnv("DIRECTORY_BASE_URL", "http://localhost:9090"),
			APIKey:      getEnv("DIRECTORY_API_KEY", ""),
			MaxRetries:  getEnvInt("DIRECTORY_MAX_RETRIES", 3),
			BackoffBase: getEnvDuration("DIRECTORY_BACKOFF_BASE", 200*time.Millisecond),
			BackoffCap:  getEnvDuration("DIRECTORY_BACKOFF_CAP", 2*time.Second),
			Timeout:     getEnvDuration("DIRECTORY_TIMEOUT", 10*time.Second),
		},

		Password: PasswordConfig{
			BcryptCost: getEnvInt("BCRYPT_COST", 12),
		},
	}
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate rejects configurations that cannot gate security correctly.
func (c *Config) Validate() error {
	if c.Multipass.Secret == "" {
		return fmt.Errorf("MULTIPASS_SECRET is required")
	}
	if c.Multipass.TenantDomain == "" {
		return fmt.Errorf("MULTIPASS_TENANT_DOMAIN is required")
	}
	if c.OTP.CodeLength < 4 || c.OTP.CodeLength > 10 {
		return fmt.Errorf("OTP_CODE_LENGTH must be between 4 and 10, got %d", c.OTP.CodeLength)
	}
	if c.Password.BcryptCost < 12 {
		return fmt.Errorf("BCRYPT_COST must be at least 12, got %d", c.Password.BcryptCost)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvList(key, defaultValue string) []string {
	value := getEnv(key, defaultValue)
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
