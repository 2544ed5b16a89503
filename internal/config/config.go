package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

const (
	PacingScopeSend     = "send"
	PacingScopeProvider = "provider"
)

type Config struct {
	DatabaseDSN         string        `env:"DATABASE_DSN,required=true"`
	RabbitMQURL         string        `env:"RABBITMQ_URL,required=true"`
	RedisURL            string        `env:"REDIS_URL"`
	PlatformBaseURL     string        `env:"PLATFORM_BASE_URL,required=true"`
	TemplatesFile       string        `env:"TEMPLATES_FILE,default=templates.json"`
	ProviderConfigsFile string        `env:"PROVIDER_CONFIGS_FILE,default=sms-configs.json"`
	PacingScope         string        `env:"PACING_SCOPE,default=send"`
	RateLimitPerSec     int           `env:"RATE_LIMIT_PER_SEC,default=100"`
	ProviderTimeout     time.Duration `env:"PROVIDER_TIMEOUT,default=10s"`
	WorkerConcurrency   int           `env:"WORKER_CONCURRENCY,default=16"`
	WorkerPrefetch      int           `env:"WORKER_PREFETCH,default=8"`
	SchedulerInterval   time.Duration `env:"SCHEDULER_INTERVAL,default=5s"`
	APIPort             int           `env:"API_PORT,default=8080"`
	MetricsPort         int           `env:"METRICS_PORT,default=9091"`
	LogLevel            string        `env:"LOG_LEVEL,default=info"`
	OTLPEndpoint        string        `env:"OTLP_ENDPOINT"`
	ServiceName         string        `env:"SERVICE_NAME,default=sms-dispatch"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	c.PacingScope = strings.ToLower(strings.TrimSpace(c.PacingScope))
	switch c.PacingScope {
	case PacingScopeSend:
	case PacingScopeProvider:
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("REDIS_URL is required when PACING_SCOPE=%s", PacingScopeProvider)
		}
	default:
		return fmt.Errorf("PACING_SCOPE must be %q or %q, got %q", PacingScopeSend, PacingScopeProvider, c.PacingScope)
	}

	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be >= 1")
	}
	return nil
}
