package config

import (
	"os"
	"time"
)

type Config struct {
	ServerEndpointAddr  string
	DatabasePath        string
	DeviceName          string
	OnlineCheckInterval time.Duration
	SyncInterval        time.Duration
	ReconnectDebounce   time.Duration
	RetryMaxRetries     int
	RetryInitialDelay   time.Duration
	RetryMaxDelay       time.Duration
}

func (c *Config) LoadDefaults() {
	c.ServerEndpointAddr = "127.0.0.1:50051"
	c.DatabasePath = "vault.db"
	c.DeviceName = defaultDeviceName()
	c.OnlineCheckInterval = 3 * time.Second
	c.SyncInterval = 30 * time.Second
	c.ReconnectDebounce = 500 * time.Millisecond
	c.RetryMaxRetries = 3
	c.RetryInitialDelay = time.Second
	c.RetryMaxDelay = 10 * time.Second
}

func defaultDeviceName() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown-device"
	}
	return h
}

// LoadConfig applies defaults, then the JSON file and flags found in args
// (usually os.Args[1:]).
func LoadConfig(args []string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	if err := parseJson(cfg, args); err != nil {
		return nil, err
	}
	if err := parseFlags(cfg, args); err != nil {
		return nil, err
	}
	return cfg, nil
}
