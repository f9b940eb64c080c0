package main

import (
	"time"

	"github.com/spf13/viper"

	"peerscope/types"
)

// mainnet chain id, overridable with CHAIN_ID
const defaultChainID = "/coda/0.0.1/5f704cc0c82e0ed70e873f0893d7e06f148524e3f0bdae2afb02e7819a0c24d1"

// Config is the environment-driven runtime configuration. Everything is an
// environment variable because the debugger is launched next to the target
// node by init systems and container entrypoints, not by hand.
type Config struct {
	ServerPort int
	DBPath     string
	// Dry disables the kernel probe and serves an existing store
	Dry bool

	HTTPSKeyPath  string
	HTTPSCertPath string

	AggregatorURL string
	DebuggerName  string

	FirewallInterface string
	FirewallObjPath   string

	ChainID string

	BPFObjPath       string
	RandomnessWindow time.Duration

	// Test/Terminate exit the process after one fully captured connection
	Test      bool
	Terminate bool

	LogLevel string
}

func loadConfig() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("SERVER_PORT", 8000)
	v.SetDefault("DB_PATH", "target/db")
	v.SetDefault("FIREWALL_INTERFACE", "eth0")
	v.SetDefault("CHAIN_ID", defaultChainID)
	v.SetDefault("BPF_OBJ_PATH", "bpf/capture.bpf.o")
	v.SetDefault("FIREWALL_OBJ_PATH", "bpf/firewall.bpf.o")
	v.SetDefault("RANDOMNESS_WINDOW_MS", 50)
	v.SetDefault("LOG_LEVEL", "info")

	cfg := &Config{
		ServerPort:        v.GetInt("SERVER_PORT"),
		DBPath:            v.GetString("DB_PATH"),
		Dry:               v.IsSet("DRY") && v.GetString("DRY") != "",
		HTTPSKeyPath:      v.GetString("HTTPS_KEY_PATH"),
		HTTPSCertPath:     v.GetString("HTTPS_CERT_PATH"),
		AggregatorURL:     v.GetString("AGGREGATOR"),
		DebuggerName:      v.GetString("DEBUGGER_NAME"),
		FirewallInterface: v.GetString("FIREWALL_INTERFACE"),
		FirewallObjPath:   v.GetString("FIREWALL_OBJ_PATH"),
		ChainID:           v.GetString("CHAIN_ID"),
		BPFObjPath:        v.GetString("BPF_OBJ_PATH"),
		RandomnessWindow:  time.Duration(v.GetInt("RANDOMNESS_WINDOW_MS")) * time.Millisecond,
		Test:              v.IsSet("TEST") && v.GetString("TEST") != "",
		Terminate:         v.IsSet("TERMINATE") && v.GetString("TERMINATE") != "",
		LogLevel:          v.GetString("LOG_LEVEL"),
	}

	if cfg.ServerPort <= 0 || cfg.ServerPort > 65535 {
		return nil, types.ConfigError("SERVER_PORT %d out of range", cfg.ServerPort)
	}
	if cfg.DBPath == "" {
		return nil, types.ConfigError("DB_PATH must not be empty")
	}
	if (cfg.HTTPSKeyPath == "") != (cfg.HTTPSCertPath == "") {
		return nil, types.ConfigError("HTTPS_KEY_PATH and HTTPS_CERT_PATH must be set together")
	}
	if cfg.RandomnessWindow <= 0 {
		return nil, types.ConfigError("RANDOMNESS_WINDOW_MS must be positive")
	}
	return cfg, nil
}

func (c *Config) TLSEnabled() bool {
	return c.HTTPSKeyPath != "" && c.HTTPSCertPath != ""
}
