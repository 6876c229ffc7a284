// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Orderbook OrderbookConfig `mapstructure:"orderbook"`
	Binance   VenueConfig     `mapstructure:"binance"`
	Bitstamp  VenueConfig     `mapstructure:"bitstamp"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// AppConfig holds general application settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
}

// ServerConfig holds the gRPC listen surface.
type ServerConfig struct {
	Address string `mapstructure:"address"`
	Port    int    `mapstructure:"port"`
}

// ListenAddr returns host:port for net.Listen.
func (c *ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

// OrderbookConfig holds pipeline sizing.
type OrderbookConfig struct {
	DepthLimit               int `mapstructure:"depth_limit"`
	ListenerChannelCapacity  int `mapstructure:"listener_channel_capacity"`
	BroadcastChannelCapacity int `mapstructure:"broadcast_channel_capacity"`
	SubscriberQueueCapacity  int `mapstructure:"subscriber_queue_capacity"`
}

// VenueConfig holds one venue's subscription parameters.
type VenueConfig struct {
	WebSocketURL     string        `mapstructure:"websocket_url"`
	Symbol           string        `mapstructure:"symbol"`
	UpdateIntervalMs int           `mapstructure:"update_interval_ms"` // Binance only
	MaxReconnects    int           `mapstructure:"max_reconnects"`
	InitialBackoff   time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
}

// TelemetryConfig holds observability configuration.
type TelemetryConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	ServiceName    string `mapstructure:"service_name"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	PrometheusPort int    `mapstructure:"prometheus_port"`
	HealthPort     int    `mapstructure:"health_port"`
}

// Load loads configuration from file, environment variables, and command-line
// flags (flags win).
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment variables
	v.SetEnvPrefix("ORDERBOOK")
	v.AutomaticEnv()

	bindEnvVars(v)
	setDefaults(v)

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found is OK, use env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func bindEnvVars(v *viper.Viper) {
	// App
	v.BindEnv("app.name", "ORDERBOOK_APP_NAME", "SERVICE_NAME")
	v.BindEnv("app.environment", "ORDERBOOK_ENVIRONMENT", "ENVIRONMENT")
	v.BindEnv("app.log_level", "ORDERBOOK_LOG_LEVEL", "LOG_LEVEL")

	// Server
	v.BindEnv("server.address", "ORDERBOOK_ADDRESS")
	v.BindEnv("server.port", "ORDERBOOK_PORT")

	// Venues
	v.BindEnv("binance.websocket_url", "ORDERBOOK_BINANCE_WS_URL", "BINANCE_WS_URL")
	v.BindEnv("binance.symbol", "ORDERBOOK_BINANCE_SYMBOL")
	v.BindEnv("bitstamp.websocket_url", "ORDERBOOK_BITSTAMP_WS_URL", "BITSTAMP_WS_URL")
	v.BindEnv("bitstamp.symbol", "ORDERBOOK_BITSTAMP_SYMBOL")

	// Telemetry
	v.BindEnv("telemetry.enabled", "ORDERBOOK_OTEL_ENABLED", "OTEL_ENABLED")
	v.BindEnv("telemetry.service_name", "ORDERBOOK_OTEL_SERVICE_NAME", "OTEL_SERVICE_NAME")
	v.BindEnv("telemetry.otlp_endpoint", "ORDERBOOK_OTEL_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// bindFlags maps the CLI surface onto config keys.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	bindings := map[string]string{
		"server.address":                       "address",
		"server.port":                          "port",
		"orderbook.depth_limit":                "orderbook-depth-limit",
		"orderbook.listener_channel_capacity":  "orderbook-listener-channel-capacity",
		"orderbook.broadcast_channel_capacity": "summary-broadcast-channel-capacity",
		"binance.symbol":                       "binance-symbol",
		"binance.websocket_url":                "binance-websocket-url",
		"bitstamp.symbol":                      "bitstamp-symbol",
		"bitstamp.websocket_url":               "bitstamp-websocket-url",
	}
	for key, flagName := range bindings {
		flag := flags.Lookup(flagName)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %s: %w", flagName, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "orderbook-aggregator")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")

	// Server defaults
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", 50051)

	// Pipeline defaults
	v.SetDefault("orderbook.depth_limit", 10)
	v.SetDefault("orderbook.listener_channel_capacity", 128)
	v.SetDefault("orderbook.broadcast_channel_capacity", 128)
	v.SetDefault("orderbook.subscriber_queue_capacity", 128)

	// Venue defaults
	v.SetDefault("binance.websocket_url", "wss://stream.binance.com:9443/ws")
	v.SetDefault("binance.symbol", "BTCUSDT")
	v.SetDefault("binance.update_interval_ms", 100)
	v.SetDefault("binance.max_reconnects", 0) // infinite
	v.SetDefault("binance.initial_backoff", "1s")
	v.SetDefault("binance.max_backoff", "30s")

	v.SetDefault("bitstamp.websocket_url", "wss://ws.bitstamp.net")
	v.SetDefault("bitstamp.symbol", "BTCUSDT")
	v.SetDefault("bitstamp.max_reconnects", 0)
	v.SetDefault("bitstamp.initial_backoff", "1s")
	v.SetDefault("bitstamp.max_backoff", "30s")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "orderbook-aggregator")
	v.SetDefault("telemetry.prometheus_port", 9090)
	v.SetDefault("telemetry.health_port", 8081)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Orderbook.DepthLimit < 1 {
		return fmt.Errorf("orderbook.depth_limit must be >= 1")
	}
	if c.Orderbook.ListenerChannelCapacity < 1 {
		return fmt.Errorf("orderbook.listener_channel_capacity must be >= 1")
	}
	if c.Orderbook.BroadcastChannelCapacity < 1 {
		return fmt.Errorf("orderbook.broadcast_channel_capacity must be >= 1")
	}
	if c.Binance.WebSocketURL == "" {
		return fmt.Errorf("binance.websocket_url is required")
	}
	if c.Binance.Symbol == "" {
		return fmt.Errorf("binance.symbol cannot be empty")
	}
	if c.Bitstamp.WebSocketURL == "" {
		return fmt.Errorf("bitstamp.websocket_url is required")
	}
	if c.Bitstamp.Symbol == "" {
		return fmt.Errorf("bitstamp.symbol cannot be empty")
	}
	return nil
}
