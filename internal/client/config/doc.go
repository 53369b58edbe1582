// Package config loads runtime configuration for the vault CLI.
//
// Sources, later ones overriding earlier ones:
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file selected with -c or -config.
//  3. Command-line flags.
//
// Supported flags
//
//	-a string   address:port of the vault gRPC endpoint
//	-d string   path of the local SQLite database
//	-n string   device name stamped on remote writes
//	-i int      online check interval (seconds)
//	-s int      sync interval while changes are pending (seconds)
//
// # JSON schema
//
// Durations use timex.Duration, so they are either strings like "3s" or
// integer nanoseconds. Absent keys keep the previous value.
//
//	{
//	  "server_endpoint_addr": "127.0.0.1:50051",
//	  "database_path": "vault.db",
//	  "device_name": "laptop",
//	  "online_check_interval": "3s",
//	  "sync_interval": "30s",
//	  "reconnect_debounce": "500ms",
//	  "retry_max_retries": 3,
//	  "retry_initial_delay": "1s",
//	  "retry_max_delay": "10s"
//	}
package config
