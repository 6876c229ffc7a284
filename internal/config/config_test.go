package config

import (
	"testing"

	"github.com/spf13/pflag"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.ListenAddr() != "0.0.0.0:50051" {
		t.Errorf("listen addr = %s", cfg.Server.ListenAddr())
	}
	if cfg.Orderbook.DepthLimit != 10 {
		t.Errorf("depth limit = %d", cfg.Orderbook.DepthLimit)
	}
	if cfg.Orderbook.ListenerChannelCapacity != 128 {
		t.Errorf("listener channel capacity = %d", cfg.Orderbook.ListenerChannelCapacity)
	}
	if cfg.Orderbook.BroadcastChannelCapacity != 128 {
		t.Errorf("broadcast channel capacity = %d", cfg.Orderbook.BroadcastChannelCapacity)
	}
	if cfg.Binance.WebSocketURL != "wss://stream.binance.com:9443/ws" {
		t.Errorf("binance url = %s", cfg.Binance.WebSocketURL)
	}
	if cfg.Binance.Symbol != "BTCUSDT" {
		t.Errorf("binance symbol = %s", cfg.Binance.Symbol)
	}
	if cfg.Bitstamp.WebSocketURL != "wss://ws.bitstamp.net" {
		t.Errorf("bitstamp url = %s", cfg.Bitstamp.WebSocketURL)
	}
}

func TestLoadFlagOverrides(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("port", 50051, "")
	flags.Int("orderbook-depth-limit", 10, "")
	flags.String("binance-symbol", "BTCUSDT", "")
	if err := flags.Parse([]string{
		"--port", "6000",
		"--orderbook-depth-limit", "3",
		"--binance-symbol", "ETHUSDT",
	}); err != nil {
		t.Fatalf("flag parse failed: %v", err)
	}

	cfg, err := Load("", flags)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 6000 {
		t.Errorf("port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.Orderbook.DepthLimit != 3 {
		t.Errorf("depth limit = %d, want 3", cfg.Orderbook.DepthLimit)
	}
	if cfg.Binance.Symbol != "ETHUSDT" {
		t.Errorf("binance symbol = %s, want ETHUSDT", cfg.Binance.Symbol)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero_depth_limit", func(c *Config) { c.Orderbook.DepthLimit = 0 }},
		{"bad_port", func(c *Config) { c.Server.Port = -1 }},
		{"missing_binance_url", func(c *Config) { c.Binance.WebSocketURL = "" }},
		{"missing_bitstamp_symbol", func(c *Config) { c.Bitstamp.Symbol = "" }},
		{"zero_listener_capacity", func(c *Config) { c.Orderbook.ListenerChannelCapacity = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("", nil)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
