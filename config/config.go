package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigPath is used when no -config flag is given.
	DefaultConfigPath = "config/config.yml"

	// ListenerWebSocket serves clients over websocket on a TCP address.
	ListenerWebSocket = "ws"
	// ListenerIPC serves clients over a unix stream socket.
	ListenerIPC = "ipc"

	DefaultUpstreamURL = "wss://hermes.pyth.network/ws"
	DefaultWSAddress   = "127.0.0.1:7071"
	DefaultIPCPath     = "/tmp/hermes_gateway.ipc"

	// DefaultMaxMessageBytes bounds one inbound websocket message.
	DefaultMaxMessageBytes = 64 << 20
)

type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Bus      BusConfig      `yaml:"bus"`
	Listener ListenerConfig `yaml:"listener"`
	Status   StatusConfig   `yaml:"status"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type GatewayConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type UpstreamConfig struct {
	URL                string        `yaml:"url"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	ReconnectDelay     time.Duration `yaml:"reconnect_delay"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
	DecodeLogPerSecond float64       `yaml:"decode_log_per_second"`
}

type BusConfig struct {
	Capacity int `yaml:"capacity"`
}

type ListenerConfig struct {
	Kind            string        `yaml:"kind"`
	Address         string        `yaml:"address"`
	Path            string        `yaml:"path"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	MaxRequestBytes int           `yaml:"max_request_bytes"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
}

// Target returns the address or socket path the listener binds for its kind.
func (l ListenerConfig) Target() string {
	if l.Kind == ListenerIPC {
		return l.Path
	}
	return l.Address
}

type StatusConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	LogHistory     int           `yaml:"log_history"`
	SampleInterval time.Duration `yaml:"sample_interval"`
}

type MetricsConfig struct {
	ReportInterval time.Duration    `yaml:"report_interval"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Region          string `yaml:"region"`
	Namespace       string `yaml:"namespace"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Default returns the configuration used when no file is present. The values
// match the behaviour of the gateway before it was configurable.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Name:    "hermesgw",
			Version: "dev",
		},
		Upstream: UpstreamConfig{
			URL:                DefaultUpstreamURL,
			PollInterval:       time.Second,
			ReconnectDelay:     2 * time.Second,
			HandshakeTimeout:   10 * time.Second,
			PingInterval:       20 * time.Second,
			ReadTimeout:        60 * time.Second,
			DecodeLogPerSecond: 1,
		},
		Bus: BusConfig{
			Capacity: 150,
		},
		Listener: ListenerConfig{
			Kind:            ListenerWebSocket,
			Address:         DefaultWSAddress,
			Path:            DefaultIPCPath,
			WriteTimeout:    5 * time.Second,
			MaxRequestBytes: 4096,
			MaxMessageBytes: DefaultMaxMessageBytes,
		},
		Status: StatusConfig{
			Enabled:        false,
			Address:        "127.0.0.1:7072",
			LogHistory:     200,
			SampleInterval: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			ReportInterval: 30 * time.Second,
			CloudWatch: CloudWatchConfig{
				Namespace: "HermesGateway",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadConfig reads the YAML file at path on top of Default, applies
// environment overrides and validates the result. A missing file at the
// default location is not an error outside production-like environments.
func LoadConfig(path string) (*Config, error) {
	resolved := resolveEnvSpecificPath(path, DefaultConfigPath, map[string]string{
		environmentProduction: "config/config.production.yml",
		environmentStaging:    "config/config.staging.yml",
	})

	config := Default()

	data, err := os.ReadFile(resolved)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err) && path == "" && !IsProductionLike(getAppEnvironment()):
		// Built-in defaults only; production-like environments must ship a file.
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	applyEnvOverrides(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("HERMES_URL"); v != "" {
		config.Upstream.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("GATEWAY_LISTEN_KIND"); v != "" {
		config.Listener.Kind = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("GATEWAY_ADDRESS"); v != "" {
		if config.Listener.Kind == ListenerIPC {
			config.Listener.Path = strings.TrimSpace(v)
		} else {
			config.Listener.Address = strings.TrimSpace(v)
		}
	}

	if config.Metrics.CloudWatch.Enabled {
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Metrics.CloudWatch.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Metrics.CloudWatch.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Metrics.CloudWatch.SecretAccessKey = strings.TrimSpace(v)
		}
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Gateway.Name == "" {
		return fmt.Errorf("gateway.name is required")
	}

	u, err := url.Parse(cfg.Upstream.URL)
	if err != nil {
		return fmt.Errorf("upstream.url is invalid: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("upstream.url must use ws or wss, got %q", u.Scheme)
	}
	if cfg.Upstream.PollInterval <= 0 {
		return fmt.Errorf("upstream.poll_interval must be greater than 0")
	}
	if cfg.Upstream.ReconnectDelay <= 0 {
		return fmt.Errorf("upstream.reconnect_delay must be greater than 0")
	}
	if cfg.Upstream.HandshakeTimeout <= 0 {
		return fmt.Errorf("upstream.handshake_timeout must be greater than 0")
	}
	if cfg.Upstream.PingInterval < 0 || cfg.Upstream.ReadTimeout < 0 {
		return fmt.Errorf("upstream.ping_interval and upstream.read_timeout cannot be negative")
	}
	if cfg.Upstream.ReadTimeout > 0 && cfg.Upstream.PingInterval >= cfg.Upstream.ReadTimeout {
		return fmt.Errorf("upstream.ping_interval must be shorter than upstream.read_timeout")
	}

	if cfg.Bus.Capacity <= 0 {
		return fmt.Errorf("bus.capacity must be greater than 0")
	}

	switch cfg.Listener.Kind {
	case ListenerWebSocket:
		if cfg.Listener.Address == "" {
			return fmt.Errorf("listener.address is required for the ws listener")
		}
	case ListenerIPC:
		if cfg.Listener.Path == "" {
			return fmt.Errorf("listener.path is required for the ipc listener")
		}
	default:
		return fmt.Errorf("listener.kind must be %q or %q, got %q", ListenerWebSocket, ListenerIPC, cfg.Listener.Kind)
	}
	if cfg.Listener.WriteTimeout <= 0 {
		return fmt.Errorf("listener.write_timeout must be greater than 0")
	}
	if cfg.Listener.MaxRequestBytes <= 0 {
		return fmt.Errorf("listener.max_request_bytes must be greater than 0")
	}
	if cfg.Listener.MaxMessageBytes < 0 {
		return fmt.Errorf("listener.max_message_bytes must not be negative")
	}

	if cfg.Status.Enabled && cfg.Status.Address == "" {
		return fmt.Errorf("status.address is required when the status server is enabled")
	}

	if cfg.Metrics.CloudWatch.Enabled {
		if cfg.Metrics.CloudWatch.Namespace == "" {
			return fmt.Errorf("metrics.cloudwatch.namespace is required when CloudWatch is enabled")
		}
		if (cfg.Metrics.CloudWatch.AccessKeyID == "") != (cfg.Metrics.CloudWatch.SecretAccessKey == "") {
			return fmt.Errorf("metrics.cloudwatch.access_key_id and metrics.cloudwatch.secret_access_key must be set together")
		}
	}

	return nil
}
