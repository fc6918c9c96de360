// Package config defines the structured configuration record the core
// accepts. Finding and opening the source (flags, environment, a file)
// is the caller's job; this package decodes a record from JSON,
// validates it, and fills in defaults.
package config

import (
	"encoding/json"
	"io"
	"runtime"
	"time"

	"github.com/dufeut/mik-sub001/internal/errs"
)

// EngineKind selects which internal/engine backend a Config wires up.
type EngineKind string

const (
	EngineWasmtime EngineKind = "wasmtime"
	EngineWazero   EngineKind = "wazero"
)

// Config is the single structured configuration record.
type Config struct {
	ModulesDir            string     `json:"modules_dir"`
	CacheDir              string     `json:"cache_dir"`
	CacheSize             int        `json:"cache_size"`
	CacheMaxBytes         int64      `json:"cache_max_bytes"`
	ExecutionTimeoutSecs  int        `json:"execution_timeout_secs"`
	MaxBodySize           int64      `json:"max_body_size"`
	MaxConcurrentRequests int        `json:"max_concurrent_requests"`
	MemoryLimitBytes      uint64     `json:"memory_limit_bytes"`
	FuelBudget            uint64     `json:"fuel_budget"`
	HTTPAllowedHosts      []string   `json:"http_allowed_hosts"`
	Engine                EngineKind `json:"engine"`

	// CircuitFailureThreshold and CircuitCooldownSecs parameterize
	// internal/breaker's per-module circuit.
	CircuitFailureThreshold int `json:"circuit_failure_threshold"`
	CircuitCooldownSecs     int `json:"circuit_cooldown_secs"`

	// ShutdownDrainSecs bounds how long Shutdown waits for in-flight
	// requests to finish during shutdown.
	ShutdownDrainSecs int `json:"shutdown_drain_secs"`

	// AuditBufferSize bounds the audit ring buffer's capacity.
	AuditBufferSize int `json:"audit_buffer_size"`
}

// Decode parses r as JSON into a Config, rejecting unknown fields at
// parse time so a typo in a config file fails loudly instead of being
// silently ignored.
func Decode(r io.Reader) (Config, error) {
	var c Config
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return Config{}, errs.Wrap(errs.KindConfig, err, "decode configuration")
	}
	return c, nil
}

// ApplyDefaults fills unset fields with their process-derived defaults
// and returns the result; the receiver is left unmodified.
func (c Config) ApplyDefaults() Config {
	if c.MaxConcurrentRequests <= 0 {
		c.MaxConcurrentRequests = runtime.NumCPU() * 256
	}
	if c.ExecutionTimeoutSecs <= 0 {
		c.ExecutionTimeoutSecs = 10
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = 13_428
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 256
	}
	if c.CacheMaxBytes <= 0 {
		c.CacheMaxBytes = 1 << 30 // 1 GiB
	}
	if c.MemoryLimitBytes <= 0 {
		c.MemoryLimitBytes = 256 << 20 // 256 MiB
	}
	if c.FuelBudget <= 0 {
		c.FuelBudget = 10_000_000_000
	}
	if c.Engine == "" {
		c.Engine = EngineWasmtime
	}
	if c.CircuitFailureThreshold <= 0 {
		c.CircuitFailureThreshold = 5
	}
	if c.CircuitCooldownSecs <= 0 {
		c.CircuitCooldownSecs = 30
	}
	if c.ShutdownDrainSecs <= 0 {
		c.ShutdownDrainSecs = 30
	}
	if c.AuditBufferSize <= 0 {
		c.AuditBufferSize = 4096
	}
	return c
}

// Validate checks the record for internal consistency beyond what JSON
// decoding already guarantees.
func (c Config) Validate() error {
	if c.ModulesDir == "" {
		return errs.New(errs.KindConfig, "modules_dir is required")
	}
	if c.CacheDir == "" {
		return errs.New(errs.KindConfig, "cache_dir is required")
	}
	if c.Engine != "" && c.Engine != EngineWasmtime && c.Engine != EngineWazero {
		return errs.New(errs.KindConfig, "engine must be \"wasmtime\" or \"wazero\"")
	}
	if c.MaxConcurrentRequests < 0 {
		return errs.New(errs.KindConfig, "max_concurrent_requests must be >= 0")
	}
	if c.MaxBodySize < 0 {
		return errs.New(errs.KindConfig, "max_body_size must be >= 0")
	}
	return nil
}

// ExecutionTimeout returns ExecutionTimeoutSecs as a time.Duration.
func (c Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.ExecutionTimeoutSecs) * time.Second
}

// ShutdownDrain returns ShutdownDrainSecs as a time.Duration.
func (c Config) ShutdownDrain() time.Duration {
	return time.Duration(c.ShutdownDrainSecs) * time.Second
}

// CircuitCooldown returns CircuitCooldownSecs as a time.Duration.
func (c Config) CircuitCooldown() time.Duration {
	return time.Duration(c.CircuitCooldownSecs) * time.Second
}
