// Package config loads blockvaultd's configuration: data file path,
// KV-store directory, HTTP bind address, worker count, controller cycle
// interval, and the Jaeger endpoint (spec.md §6, "Config"). No tunable
// here changes system semantics, only deployment topology.
package config

import (
	"fmt"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config mirrors spec.md §6's config surface.
type Config struct {
	DataFile       string        `json:"data_file"`
	KVDir          string        `json:"kv_dir"`
	BindAddr       string        `json:"bind_addr"`
	WorkerCount    int           `json:"worker_count"`
	CycleInterval  time.Duration `json:"cycle_interval"`
	JaegerEndpoint string        `json:"jaeger_endpoint"`
	QueueCapacity  int           `json:"queue_capacity"`
	CacheCapacity  int           `json:"cache_capacity"`
}

// Default returns spec.md §6's defaults: a 100µs controller cycle
// interval, and values sized for a single-node deployment.
func Default() Config {
	return Config{
		DataFile:       "blockvault.data",
		KVDir:          "blockvault.kv",
		BindAddr:       ":8080",
		WorkerCount:    4,
		CycleInterval:  100 * time.Microsecond,
		JaegerEndpoint: "http://localhost:14268/api/traces",
		QueueCapacity:  4096,
		CacheCapacity:  4096,
	}
}

// Load reads a JSON config file at path, starting from Default() so a
// partial file only overrides the fields it sets.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return applyEnv(cfg), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return applyEnv(cfg), nil
}

// applyEnv overrides JaegerEndpoint from the environment, matching the
// donor's os.Getenv("JAEGER_ENDPOINT") convention.
func applyEnv(cfg Config) Config {
	if v := os.Getenv("JAEGER_ENDPOINT"); v != "" {
		cfg.JaegerEndpoint = v
	}
	if v := os.Getenv("BLOCKVAULT_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	return cfg
}
