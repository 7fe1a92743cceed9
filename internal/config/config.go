package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/agent-racer/conductor/internal/connection"
	"github.com/agent-racer/conductor/internal/orchestrator"
	"github.com/agent-racer/conductor/internal/participant"
)

// EnvPrefix prefixes every environment override, e.g. CONDUCTOR_SERVER_PORT.
const EnvPrefix = "CONDUCTOR_"

type Config struct {
	Server       ServerConfig             `yaml:"server" envPrefix:"SERVER_"`
	Hub          HubConfig                `yaml:"hub" envPrefix:"HUB_"`
	Transport    TransportConfig          `yaml:"transport" envPrefix:"TRANSPORT_"`
	Backend      BackendConfig            `yaml:"backend" envPrefix:"BACKEND_"`
	Store        StoreConfig              `yaml:"store" envPrefix:"STORE_"`
	Telemetry    TelemetryConfig          `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Log          LogConfig                `yaml:"log" envPrefix:"LOG_"`
	Admin        AdminConfig              `yaml:"admin" envPrefix:"ADMIN_"`
	Privacy      PrivacyConfig            `yaml:"privacy"`
	Supervisor   SupervisorConfig         `yaml:"supervisor"`
	Connection   connection.Config        `yaml:"connection"`
	Timeouts     orchestrator.Timeouts    `yaml:"timeouts"`
	Participants participant.Thresholds   `yaml:"participants"`
	LeavePolicy  orchestrator.LeavePolicy `yaml:"leave_policy"`
	Apps         []AppConfig              `yaml:"apps"`
}

type ServerConfig struct {
	Port int    `yaml:"port" env:"PORT"`
	Host string `yaml:"host" env:"HOST"`
}

// HubConfig controls the relay this process serves on /ws.
type HubConfig struct {
	Enabled        bool     `yaml:"enabled" env:"ENABLED"`
	Secret         string   `yaml:"secret" env:"SECRET"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
	MaxConnections int      `yaml:"max_connections" env:"MAX_CONNECTIONS"`
	HistoryLimit   int      `yaml:"history_limit" env:"HISTORY_LIMIT"`
}

// TransportConfig selects the relay the conductor itself connects to. An
// empty URL uses the in-process hub.
type TransportConfig struct {
	URL      string `yaml:"url" env:"URL"`
	Token    string `yaml:"token" env:"TOKEN"`
	ClientID string `yaml:"client_id" env:"CLIENT_ID"`
}

type BackendConfig struct {
	URL     string        `yaml:"url" env:"URL"`
	Token   string        `yaml:"token" env:"TOKEN"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

type StoreConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `yaml:"driver" env:"DRIVER"`
	Path   string `yaml:"path" env:"PATH"`
}

type TelemetryConfig struct {
	// Endpoint is the OTLP/HTTP collector. Empty disables export.
	Endpoint    string `yaml:"endpoint" env:"ENDPOINT"`
	Insecure    bool   `yaml:"insecure" env:"INSECURE"`
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

type AdminConfig struct {
	AuthToken         string        `yaml:"auth_token" env:"AUTH_TOKEN"`
	AllowedOrigins    []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
	MaxClients        int           `yaml:"max_clients" env:"MAX_CLIENTS"`
	BroadcastThrottle time.Duration `yaml:"broadcast_throttle" env:"BROADCAST_THROTTLE"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval" env:"SNAPSHOT_INTERVAL"`
	// Dashboard serves the embedded web dashboard at /dashboard/.
	Dashboard bool `yaml:"dashboard" env:"DASHBOARD"`
}

type PrivacyConfig struct {
	MaskUserIDs     bool     `yaml:"mask_user_ids"`
	MaskEventIDs    bool     `yaml:"mask_event_ids"`
	MaskGeoLocation bool     `yaml:"mask_geo_location"`
	AllowedApps     []string `yaml:"allowed_apps"`
	BlockedApps     []string `yaml:"blocked_apps"`
}

type SupervisorConfig struct {
	RetryStep       time.Duration `yaml:"retry_step"`
	RetrySteps      int           `yaml:"retry_steps"`
	HealthThreshold int           `yaml:"health_threshold"`
}

// AppConfig is one application this process serves. Script is the Lua
// file holding its session logic.
type AppConfig struct {
	ID     string `yaml:"id"`
	Script string `yaml:"script"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Hub: HubConfig{
			Enabled:        true,
			MaxConnections: 1000,
			HistoryLimit:   100,
		},
		Transport: TransportConfig{ClientID: "conductor"},
		Backend:   BackendConfig{Timeout: 10 * time.Second},
		Store:     StoreConfig{Driver: "memory"},
		Telemetry: TelemetryConfig{ServiceName: "conductor"},
		Log:       LogConfig{Level: "info", Format: "text"},
		Admin: AdminConfig{
			MaxClients:        100,
			BroadcastThrottle: 100 * time.Millisecond,
			SnapshotInterval:  5 * time.Second,
			Dashboard:         true,
		},
		Supervisor: SupervisorConfig{
			RetryStep:       time.Second,
			RetrySteps:      5,
			HealthThreshold: 3,
		},
		Connection: connection.Config{
			SuspendAfter:   connection.DefaultSuspendAfter,
			SuspendedRetry: connection.DefaultSuspendedRetry,
			DialTimeout:    connection.DefaultDialTimeout,
		},
		Timeouts:     orchestrator.DefaultTimeouts(),
		Participants: participant.DefaultThresholds(),
		LeavePolicy:  orchestrator.DefaultLeavePolicy(),
	}
}

// Load reads the YAML file at path over the defaults and then applies
// CONDUCTOR_* environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	if c.Transport.URL == "" && !c.Hub.Enabled {
		errs = append(errs, errors.New("transport.url is required when the hub is disabled"))
	}
	seen := make(map[string]bool)
	for i, app := range c.Apps {
		switch {
		case app.ID == "":
			errs = append(errs, fmt.Errorf("apps[%d]: id is required", i))
		case seen[app.ID]:
			errs = append(errs, fmt.Errorf("apps[%d]: duplicate id %q", i, app.ID))
		}
		seen[app.ID] = true
		if app.Script == "" {
			errs = append(errs, fmt.Errorf("apps[%d]: script is required", i))
		}
	}
	return errors.Join(errs...)
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
