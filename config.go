package gqlx

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ErrConfigNotFound is returned when the config file does not exist.
var ErrConfigNotFound = errors.New("config file not found")

type AuthConfig struct {
	Mode                AuthMode      `yaml:"mode"`
	CookieName          string        `yaml:"cookie_name,omitempty"`
	RoleHeader          string        `yaml:"role_header,omitempty"`
	AnonymousRole       string        `yaml:"anonymous_role,omitempty"`
	RefreshCooldown     time.Duration `yaml:"refresh_cooldown,omitempty"`
	BootstrapOperations []string      `yaml:"bootstrap_operations,omitempty"`
	LogoutStatuses      []int         `yaml:"logout_statuses,omitempty"`
}

type BatchConfig struct {
	Interval time.Duration `yaml:"interval,omitempty"`
	Max      int           `yaml:"max,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`

	CloseBody        bool `yaml:"close_body,omitempty"`
	IgnoreHTTPStatus bool `yaml:"ignore_http_status,omitempty"`
}

type RetryConfig struct {
	InitialDelay  time.Duration `yaml:"initial_delay,omitempty"`
	MaxDelay      time.Duration `yaml:"max_delay,omitempty"`
	Jitter        float64       `yaml:"jitter,omitempty"`
	MaxAttempts   int           `yaml:"max_attempts,omitempty"`
	RetryStatuses []int         `yaml:"retry_statuses,omitempty"`
}

type WebSocketConfig struct {
	ReconnectAttempts int           `yaml:"reconnect_attempts,omitempty"`
	ReconnectMin      time.Duration `yaml:"reconnect_min,omitempty"`
	ReconnectMax      time.Duration `yaml:"reconnect_max,omitempty"`
	RestartCooldown   time.Duration `yaml:"restart_cooldown,omitempty"`
	PingInterval      time.Duration `yaml:"ping_interval,omitempty"`
	PingTimeout       time.Duration `yaml:"ping_timeout,omitempty"`
}

// Config is the deployment configuration of a client, usually read from YAML.
type Config struct {
	Endpoint   string            `yaml:"endpoint"`
	WSEndpoint string            `yaml:"ws_endpoint,omitempty"`
	Headers    map[string]string `yaml:"headers,omitempty"`
	Auth       AuthConfig        `yaml:"auth"`
	Batch      BatchConfig       `yaml:"batch"`
	Retry      RetryConfig       `yaml:"retry"`
	WebSocket  WebSocketConfig   `yaml:"websocket"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigNotFound
		}
		return nil, errors.Wrap(err, "read config")
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("config: endpoint is required")
	}
	return &cfg, nil
}

// Option turns cfg into client options; collaborators are left for the caller.
func (cfg *Config) Option(store AuthStore, logger *zap.Logger) *Option {
	opt := &Option{
		Endpoint:   cfg.Endpoint,
		WSEndpoint: cfg.WSEndpoint,
		Headers:    cfg.Headers,
		Auth: HeaderAuthenticator{
			Mode:          cfg.Auth.Mode,
			CookieName:    cfg.Auth.CookieName,
			RoleHeader:    cfg.Auth.RoleHeader,
			AnonymousRole: cfg.Auth.AnonymousRole,
		},
		AuthStore:           store,
		RefreshCooldown:     cfg.Auth.RefreshCooldown,
		BootstrapOperations: cfg.Auth.BootstrapOperations,
		LogoutStatuses:      cfg.Auth.LogoutStatuses,
		BatchInterval:       cfg.Batch.Interval,
		BatchMax:            cfg.Batch.Max,
		BatchTimeout:        cfg.Batch.Timeout,

		CloseBody:                 cfg.Batch.CloseBody,
		NotCheckHTTPStatusCode200: cfg.Batch.IgnoreHTTPStatus,

		Retry: RetryPolicy{
			InitialDelay:  cfg.Retry.InitialDelay,
			MaxDelay:      cfg.Retry.MaxDelay,
			Jitter:        cfg.Retry.Jitter,
			RetryStatuses: cfg.Retry.RetryStatuses,
		},
		WebSocket: WSOption{
			ReconnectAttempts: cfg.WebSocket.ReconnectAttempts,
			ReconnectMin:      cfg.WebSocket.ReconnectMin,
			ReconnectMax:      cfg.WebSocket.ReconnectMax,
			RestartCooldown:   cfg.WebSocket.RestartCooldown,
			PingInterval:      cfg.WebSocket.PingInterval,
			PingTimeout:       cfg.WebSocket.PingTimeout,
		},
		Logger: logger,
	}
	if max := cfg.Retry.MaxAttempts; max > 0 {
		opt.Retry.MaxAttempts = func(*Operation) int { return max }
	}
	return opt
}
