package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration values.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{errors: make(ValidationErrors, 0)}
}

func (v *Validator) addError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// Validate validates the sections used by the coordinator.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = make(ValidationErrors, 0)

	v.validateServer(&cfg.Server)
	v.validateProfiler(&cfg.Profiler)
	v.validateHealth(&cfg.Health)
	v.validateIngest(&cfg.Ingest)
	v.validateProbe(&cfg.Probe)
	if cfg.Export.Enabled {
		v.validateExport(&cfg.Export)
	}
	if cfg.Store.Enabled {
		v.validateStore(&cfg.Store)
	}
	v.validateLogging(&cfg.Logging)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

// ValidateAgent validates the sections used by a node agent.
func (v *Validator) ValidateAgent(cfg *Config) error {
	v.errors = make(ValidationErrors, 0)

	a := &cfg.Agent
	if a.CoordinatorURL == "" {
		v.addError("agent.coordinator_url", "coordinator url is required")
	} else if u, err := url.Parse(a.CoordinatorURL); err != nil || u.Scheme == "" || u.Host == "" {
		v.addError("agent.coordinator_url", "invalid url, expected http://host:port")
	}
	if a.ListenAddress == "" || !isValidAddress(a.ListenAddress) {
		v.addError("agent.listen_address", "invalid address format, expected host:port or :port")
	}
	if a.Role != "master" && a.Role != "worker" {
		v.addError("agent.role", "role must be master or worker")
	}
	if a.Capability < 0 {
		v.addError("agent.capability", "capability must be non-negative")
	}
	if a.MemoryBytes < 0 {
		v.addError("agent.memory_bytes", "memory must be non-negative")
	}
	if a.RequestTimeout <= 0 {
		v.addError("agent.request_timeout", "request timeout must be positive")
	}
	v.validateHealth(&cfg.Health)
	v.validateProbe(&cfg.Probe)
	v.validateLogging(&cfg.Logging)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateServer(cfg *ServerConfig) {
	if cfg.Address == "" {
		v.addError("server.address", "address is required")
	} else if !isValidAddress(cfg.Address) {
		v.addError("server.address", "invalid address format, expected host:port or :port")
	}
	if cfg.ReadTimeout < 0 {
		v.addError("server.read_timeout", "read timeout must be non-negative")
	}
	if cfg.WriteTimeout < 0 {
		v.addError("server.write_timeout", "write timeout must be non-negative")
	}
}

func (v *Validator) validateProfiler(cfg *ProfilerConfig) {
	if cfg.StaleAfter <= 0 {
		v.addError("profiler.stale_after", "staleness threshold must be positive")
	}
	if cfg.ReliabilityAlpha <= 0 || cfg.ReliabilityAlpha > 1 {
		v.addError("profiler.reliability_alpha", "alpha must be in (0, 1]")
	}
	if cfg.PruneInterval < 0 {
		v.addError("profiler.prune_interval", "prune interval must be non-negative")
	}
}

func (v *Validator) validateHealth(cfg *HealthConfig) {
	if cfg.HeartbeatInterval <= 0 {
		v.addError("health.heartbeat_interval", "heartbeat interval must be positive")
	}
	if cfg.SuspectAfterMissed < 1 {
		v.addError("health.suspect_after_missed", "must be at least 1")
	}
	if cfg.FailureTimeout <= 0 {
		v.addError("health.failure_timeout", "failure timeout must be positive")
	}
	if cfg.CheckInterval <= 0 {
		v.addError("health.check_interval", "check interval must be positive")
	}
	if cfg.HeartbeatInterval > 0 && cfg.CheckInterval > cfg.HeartbeatInterval {
		v.addError("health.check_interval", "check interval should not exceed heartbeat interval")
	}
}

func (v *Validator) validateIngest(cfg *IngestConfig) {
	if cfg.Lanes < 1 {
		v.addError("ingest.lanes", "at least one lane is required")
	}
	if cfg.LaneBuffer < 1 {
		v.addError("ingest.lane_buffer", "lane buffer must be positive")
	}
	if cfg.RateLimit < 0 {
		v.addError("ingest.rate_limit", "rate limit must be non-negative")
	}
	if cfg.RateLimit > 0 && cfg.Burst < 1 {
		v.addError("ingest.burst", "burst must be positive when rate limiting")
	}
}

func (v *Validator) validateProbe(cfg *ProbeConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.Interval <= 0 {
		v.addError("probe.interval", "probe interval must be positive")
	}
	if cfg.Concurrency < 1 {
		v.addError("probe.concurrency", "concurrency must be at least 1")
	}
	if cfg.PingCount < 1 {
		v.addError("probe.ping_count", "ping count must be at least 1")
	}
	if cfg.PayloadBytes < 0 {
		v.addError("probe.payload_bytes", "payload size must be non-negative")
	}
	if cfg.MaxPayloadBytes > 0 && cfg.PayloadBytes > cfg.MaxPayloadBytes {
		v.addError("probe.payload_bytes", "payload size exceeds max_payload_bytes")
	}
}

func (v *Validator) validateExport(cfg *ExportConfig) {
	if cfg.RedisAddr == "" {
		v.addError("export.redis_addr", "redis address is required")
	}
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(cfg.Schedule); err != nil {
		v.addError("export.schedule", fmt.Sprintf("invalid schedule: %v", err))
	}
	if cfg.TTL < 0 {
		v.addError("export.ttl", "ttl must be non-negative")
	}
}

func (v *Validator) validateStore(cfg *StoreConfig) {
	if cfg.Driver != "postgres" && cfg.Driver != "mysql" {
		v.addError("store.driver", "driver must be postgres or mysql")
	}
	if cfg.Host == "" {
		v.addError("store.host", "host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		v.addError("store.port", "port must be between 1 and 65535")
	}
	if cfg.Database == "" {
		v.addError("store.database", "database is required")
	}
}

func (v *Validator) validateLogging(cfg *LoggingConfig) {
	switch strings.ToLower(cfg.Level) {
	case "debug", "info", "warn", "error":
	default:
		v.addError("logging.level", "invalid log level, expected one of: debug, info, warn, error")
	}
	switch strings.ToLower(cfg.Format) {
	case "json", "console":
	default:
		v.addError("logging.format", "invalid log format, expected one of: json, console")
	}
	switch strings.ToLower(cfg.Output) {
	case "stdout", "file", "both":
	default:
		v.addError("logging.output", "invalid log output, expected one of: stdout, file, both")
	}
	if (cfg.Output == "file" || cfg.Output == "both") && cfg.FilePath == "" {
		v.addError("logging.file_path", "file path is required for file output")
	}
}

// isValidAddress checks if the address is in valid host:port or :port format.
func isValidAddress(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	return err == nil && port != ""
}

// Validate is a convenience function to validate a configuration.
func Validate(cfg *Config) error {
	return NewValidator().Validate(cfg)
}
