package config

import (
	"github.com/google/uuid"

	"yqhp/topology-engine/api/rest"
	"yqhp/topology-engine/api/rest/client"
	"yqhp/topology-engine/internal/agent"
	"yqhp/topology-engine/internal/export"
	"yqhp/topology-engine/internal/health"
	"yqhp/topology-engine/internal/master"
	"yqhp/topology-engine/internal/planner"
	"yqhp/topology-engine/internal/prober"
	"yqhp/topology-engine/internal/profiler"
	"yqhp/topology-engine/internal/store"
	"yqhp/topology-engine/pkg/logger"
	"yqhp/topology-engine/pkg/types"
)

// LoggerConfig converts the logging section.
func (c *Config) LoggerConfig() *logger.Config {
	return &logger.Config{
		Level:      c.Logging.Level,
		Format:     c.Logging.Format,
		Output:     c.Logging.Output,
		FilePath:   c.Logging.FilePath,
		MaxSize:    c.Logging.MaxSize,
		MaxBackups: c.Logging.MaxBackups,
		MaxAge:     c.Logging.MaxAge,
	}
}

// EnsureCoordinatorID assigns a random id when none is configured, so the
// coordinator and its journal record the same identity.
func (c *Config) EnsureCoordinatorID() string {
	if c.Server.CoordinatorID == "" {
		c.Server.CoordinatorID = uuid.NewString()
	}
	return c.Server.CoordinatorID
}

// CoordinatorConfig builds the coordinator configuration.
func (c *Config) CoordinatorConfig() *master.Config {
	return &master.Config{
		ID:            c.Server.CoordinatorID,
		Lanes:         c.Ingest.Lanes,
		LaneBuffer:    c.Ingest.LaneBuffer,
		PruneInterval: c.Profiler.PruneInterval,
		Profiler: profiler.Config{
			StaleAfter:       c.Profiler.StaleAfter,
			ReliabilityAlpha: c.Profiler.ReliabilityAlpha,
		},
		Health: health.Config{
			HeartbeatInterval:  c.Health.HeartbeatInterval,
			SuspectAfterMissed: c.Health.SuspectAfterMissed,
			FailureTimeout:     c.Health.FailureTimeout,
			CheckInterval:      c.Health.CheckInterval,
		},
		Planner: planner.Config{
			MaxExpansions: c.Planner.MaxExpansions,
		},
	}
}

// ProberConfig builds the prober configuration.
func (c *Config) ProberConfig() prober.Config {
	return prober.Config{
		Interval:    c.Probe.Interval,
		Concurrency: c.Probe.Concurrency,
	}
}

// LatencyMeter builds the ICMP meter.
func (c *Config) LatencyMeter() *prober.ICMPMeter {
	return &prober.ICMPMeter{
		Count:      c.Probe.PingCount,
		Interval:   c.Probe.PingInterval,
		Timeout:    c.Probe.PingTimeout,
		Privileged: c.Probe.Privileged,
	}
}

// ExporterConfig builds the exporter configuration.
func (c *Config) ExporterConfig() export.Config {
	return export.Config{
		Schedule: c.Export.Schedule,
	}
}

// RedisConfig builds the export publisher configuration.
func (c *Config) RedisConfig() export.RedisConfig {
	return export.RedisConfig{
		Addr:      c.Export.RedisAddr,
		Password:  c.Export.RedisPassword,
		DB:        c.Export.RedisDB,
		KeyPrefix: c.Export.KeyPrefix,
		TTL:       c.Export.TTL,
	}
}

// JournalConfig builds the membership journal database configuration.
func (c *Config) JournalConfig() *store.Config {
	return &store.Config{
		Driver:          c.Store.Driver,
		Host:            c.Store.Host,
		Port:            c.Store.Port,
		Username:        c.Store.Username,
		Password:        c.Store.Password,
		Database:        c.Store.Database,
		Charset:         c.Store.Charset,
		MaxIdleConns:    c.Store.MaxIdleConns,
		MaxOpenConns:    c.Store.MaxOpenConns,
		ConnMaxLifetime: c.Store.ConnMaxLifetime,
	}
}

// RESTConfig builds the HTTP server configuration.
func (c *Config) RESTConfig() *rest.Config {
	cfg := rest.DefaultConfig()
	cfg.Address = c.Server.Address
	cfg.ReadTimeout = c.Server.ReadTimeout
	cfg.WriteTimeout = c.Server.WriteTimeout
	cfg.EnableCORS = c.Server.EnableCORS
	cfg.RateLimit = c.Ingest.RateLimit
	cfg.Burst = c.Ingest.Burst
	cfg.MaxPayloadBytes = c.Probe.MaxPayloadBytes
	return cfg
}

// ClientConfig builds the coordinator client configuration for agents.
func (c *Config) ClientConfig() *client.Config {
	return &client.Config{
		CoordinatorURL: c.Agent.CoordinatorURL,
		RequestTimeout: c.Agent.RequestTimeout,
	}
}

// AgentConfig builds the node agent configuration.
func (c *Config) AgentConfig() agent.Config {
	cfg := agent.DefaultConfig()
	cfg.NodeID = types.NodeID(c.Agent.NodeID)
	cfg.Profile = types.NodeProfile{
		Role:         types.NodeRole(c.Agent.Role),
		Address:      c.Agent.AdvertiseAddr,
		ComputeClass: c.Agent.ComputeClass,
		Capability:   c.Agent.Capability,
		MemoryBytes:  c.Agent.MemoryBytes,
		Labels:       c.Agent.Labels,
	}
	cfg.ListenAddress = c.Agent.ListenAddress
	cfg.MaxPayloadBytes = c.Probe.MaxPayloadBytes
	cfg.HeartbeatInterval = c.Health.HeartbeatInterval
	cfg.ProfileInterval = c.Agent.ProfileInterval
	cfg.Probe = c.Probe.Enabled
	cfg.ProbeConfig = c.ProberConfig()
	return cfg
}
