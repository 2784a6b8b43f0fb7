// Package config handles configuration loading for hive.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from HIVE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/hive/hive.yaml
//  3. ~/.config/hive/hive.yaml
//
// HIVE_DB_PATH, when set, overrides database.path.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	redis:
//	  url: "${HIVE_REDIS_URL}"
//
// Unset variables expand to the empty string. An empty redis.url selects the
// in-process relay.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	health:
//	  interval: "30s"
//	  crash_window: "5m"
//	  restart_pause: "1s"
//
// # Validation
//
// Load() validates:
//
//   - database.path is present
//   - durations parse and are positive
//   - dispatcher.stale_after exceeds timeouts.task
//   - tools.allowed_paths stay inside the workspace
//   - agent profiles have a unique id and a command
//   - logging level and format values
//
// # Usage
//
//	cfg, err := config.Load(config.DefaultPath())
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
