package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"
)

type Config struct {
	Port         int    `env:"PORT" envDefault:"8080"`
	NodeID       string `env:"NODE_ID" envDefault:""`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	StoreBackend string `env:"STORE_BACKEND" envDefault:"postgres"`
	DatabaseURL  string `env:"DATABASE_URL"`
	RedisURL     string `env:"REDIS_URL"`
	NatsURL      string `env:"NATS_URL"`
	BackendURL   string `env:"BACKEND_URL"`

	GatewaySecret         string   `env:"GATEWAY_SECRET"`
	AllowedOrigins        []string `env:"ALLOWED_ORIGINS" envSeparator:","`
	ConnectLimitPerMinute int      `env:"WS_CONNECT_LIMIT_PER_MINUTE" envDefault:"60"`

	HeartbeatIntervalSeconds int `env:"HEARTBEAT_INTERVAL_SECONDS" envDefault:"30"`
	HeartbeatGraceSeconds    int `env:"HEARTBEAT_GRACE_SECONDS" envDefault:"10"`
	AckTimeoutSeconds        int `env:"ACK_TIMEOUT_SECONDS" envDefault:"30"`
	PendingTTLHours          int `env:"PENDING_TTL_HOURS" envDefault:"168"`
	RingTimeoutSeconds       int `env:"RING_TIMEOUT_SECONDS" envDefault:"60"`
	MaxCallDurationMinutes   int `env:"MAX_CALL_DURATION_MINUTES" envDefault:"240"`
	ClusterHeartbeatSeconds  int `env:"CLUSTER_HEARTBEAT_SECONDS" envDefault:"5"`
	ClusterNodeTimeoutSecs   int `env:"CLUSTER_NODE_TIMEOUT_SECONDS" envDefault:"15"`
	LocateTimeoutMillis      int `env:"LOCATE_TIMEOUT_MS" envDefault:"500"`
	PresenceFlushMillis      int `env:"PRESENCE_FLUSH_MS" envDefault:"250"`
	QueueFetchLimit          int `env:"QUEUE_FETCH_LIMIT" envDefault:"1000"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

func (c *Config) HeartbeatGrace() time.Duration {
	return time.Duration(c.HeartbeatGraceSeconds) * time.Second
}

func (c *Config) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutSeconds) * time.Second
}

func (c *Config) PendingTTL() time.Duration {
	return time.Duration(c.PendingTTLHours) * time.Hour
}

func (c *Config) RingTimeout() time.Duration {
	return time.Duration(c.RingTimeoutSeconds) * time.Second
}

func (c *Config) MaxCallDuration() time.Duration {
	return time.Duration(c.MaxCallDurationMinutes) * time.Minute
}

func (c *Config) ClusterHeartbeat() time.Duration {
	return time.Duration(c.ClusterHeartbeatSeconds) * time.Second
}

func (c *Config) ClusterNodeTimeout() time.Duration {
	return time.Duration(c.ClusterNodeTimeoutSecs) * time.Second
}

func (c *Config) LocateTimeout() time.Duration {
	return time.Duration(c.LocateTimeoutMillis) * time.Millisecond
}

func (c *Config) PresenceFlush() time.Duration {
	return time.Duration(c.PresenceFlushMillis) * time.Millisecond
}

func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreBackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=%s", StoreBackendPostgres)
		}
	case StoreBackendMemory:
		log.Warn().Msg("STORE_BACKEND=memory: pending messages are lost on restart")
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", StoreBackendPostgres, StoreBackendMemory, c.StoreBackend)
	}

	if c.HeartbeatIntervalSeconds <= 0 || c.HeartbeatGraceSeconds <= 0 {
		return fmt.Errorf("heartbeat interval and grace must be positive")
	}
	if c.RingTimeoutSeconds <= 0 {
		return fmt.Errorf("RING_TIMEOUT_SECONDS must be positive")
	}
	if c.ClusterNodeTimeoutSecs <= c.ClusterHeartbeatSeconds {
		return fmt.Errorf("CLUSTER_NODE_TIMEOUT_SECONDS must exceed CLUSTER_HEARTBEAT_SECONDS")
	}
	if c.QueueFetchLimit <= 0 {
		return fmt.Errorf("QUEUE_FETCH_LIMIT must be positive")
	}

	if c.NatsURL != "" && (c.NodeID == "" || c.NodeID == DefaultNodeID) {
		return fmt.Errorf("NODE_ID must be set to a unique value when NATS_URL is set")
	}
	if c.NatsURL != "" && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required when NATS_URL is set")
	}
	if c.RedisURL == "" {
		log.Warn().Msg("REDIS_URL is empty: presence is node-local and push triggers are logged only")
	} else if strings.HasPrefix(c.RedisURL, "redis://") && c.NatsURL != "" {
		log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in a clustered deployment: consider using rediss://")
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.NodeID == "" {
		cfg.NodeID = DefaultNodeID
	}
	return &cfg, nil
}
