package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/flagx"
	"github.com/dmitrijs2005/gophvault/internal/timex"
)

// JsonConfig is the on-disk shape. Pointer fields tell absent keys apart
// from zero values.
type JsonConfig struct {
	ServerEndpointAddr  *string         `json:"server_endpoint_addr"`
	DatabasePath        *string         `json:"database_path"`
	DeviceName          *string         `json:"device_name"`
	OnlineCheckInterval *timex.Duration `json:"online_check_interval"`
	SyncInterval        *timex.Duration `json:"sync_interval"`
	ReconnectDebounce   *timex.Duration `json:"reconnect_debounce"`
	RetryMaxRetries     *int            `json:"retry_max_retries"`
	RetryInitialDelay   *timex.Duration `json:"retry_initial_delay"`
	RetryMaxDelay       *timex.Duration `json:"retry_max_delay"`
}

func parseJson(cfg *Config, args []string) error {
	path := flagx.ConfigPath(args)
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	var jc JsonConfig
	if err := json.Unmarshal(data, &jc); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	setIf(&cfg.ServerEndpointAddr, jc.ServerEndpointAddr)
	setIf(&cfg.DatabasePath, jc.DatabasePath)
	setIf(&cfg.DeviceName, jc.DeviceName)
	setIf(&cfg.RetryMaxRetries, jc.RetryMaxRetries)
	setDuration(&cfg.OnlineCheckInterval, jc.OnlineCheckInterval)
	setDuration(&cfg.SyncInterval, jc.SyncInterval)
	setDuration(&cfg.ReconnectDebounce, jc.ReconnectDebounce)
	setDuration(&cfg.RetryInitialDelay, jc.RetryInitialDelay)
	setDuration(&cfg.RetryMaxDelay, jc.RetryMaxDelay)

	return nil
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *timex.Duration) {
	if v != nil {
		*dst = v.Duration
	}
}
