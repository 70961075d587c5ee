package types

import "time"

type AppConfig struct {
	PrettyLogs bool             `key:"prettyLogs" json:"pretty_logs"`
	Debug      bool             `key:"debug" json:"debug"`
	SeedFile   string           `key:"seedFile" json:"seed_file"`
	Gateway    GatewayConfig    `key:"gateway" json:"gateway"`
	Health     HealthConfig     `key:"health" json:"health"`
	Session    SessionConfig    `key:"session" json:"session"`
	Events     EventsConfig     `key:"events" json:"events"`
	Monitoring MonitoringConfig `key:"monitoring" json:"monitoring"`
}

type GatewayConfig struct {
	Host            string        `key:"host" json:"host" validate:"required"`
	HTTPPort        int           `key:"httpPort" json:"http_port" validate:"min=1,max=65535"`
	NodeID          string        `key:"nodeId" json:"node_id"`
	ShutdownTimeout time.Duration `key:"shutdownTimeout" json:"shutdown_timeout" validate:"min=0"`
	ProxyTimeout    time.Duration `key:"proxyTimeout" json:"proxy_timeout" validate:"min=0"`
}

type HealthConfig struct {
	// ProbeIdleConnTimeout bounds keep-alive connections held by the shared probe client
	ProbeIdleConnTimeout time.Duration `key:"probeIdleConnTimeout" json:"probe_idle_conn_timeout"`
	MaxIdleConnsPerHost  int           `key:"maxIdleConnsPerHost" json:"max_idle_conns_per_host" validate:"min=0"`
}

type SessionConfig struct {
	CleanupInterval time.Duration `key:"cleanupInterval" json:"cleanup_interval" validate:"min=0"`
}

type EventsBackend string

const (
	EventsBackendLocal EventsBackend = "local"
	EventsBackendRedis EventsBackend = "redis"
)

type EventsConfig struct {
	Backend EventsBackend `key:"backend" json:"backend" validate:"omitempty,oneof=local redis"`
	Redis   RedisConfig   `key:"redis" json:"redis"`
}

type RedisConfig struct {
	Addr     string `key:"addr" json:"addr"`
	Password string `key:"password" json:"password"`
	DB       int    `key:"db" json:"db" validate:"min=0"`
	Channel  string `key:"channel" json:"channel"`
}

type MonitoringConfig struct {
	MetricsEnabled bool   `key:"metricsEnabled" json:"metrics_enabled"`
	MetricsPath    string `key:"metricsPath" json:"metrics_path"`
}

// Validate checks the loaded configuration
func (c *AppConfig) Validate() error {
	if err := validateStruct(c); err != nil {
		return err
	}
	if c.Events.Backend == EventsBackendRedis && c.Events.Redis.Addr == "" {
		return &ErrConfigValidation{Field: "events.redis.addr", Message: "is required when events.backend is redis"}
	}
	return nil
}
