package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration of a coordinator or agent.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Profiler ProfilerConfig `yaml:"profiler"`
	Health   HealthConfig   `yaml:"health"`
	Planner  PlannerConfig  `yaml:"planner"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Probe    ProbeConfig    `yaml:"probe"`
	Export   ExportConfig   `yaml:"export"`
	Store    StoreConfig    `yaml:"store"`
	Agent    AgentConfig    `yaml:"agent"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the coordinator HTTP server configuration.
type ServerConfig struct {
	Address       string        `yaml:"address" env:"SERVER_ADDRESS"`
	ReadTimeout   time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout  time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	EnableCORS    bool          `yaml:"enable_cors" env:"SERVER_ENABLE_CORS"`
	CoordinatorID string        `yaml:"coordinator_id" env:"SERVER_COORDINATOR_ID"`
}

// ProfilerConfig holds connection profiler configuration.
type ProfilerConfig struct {
	StaleAfter       time.Duration `yaml:"stale_after" env:"PROFILER_STALE_AFTER"`
	ReliabilityAlpha float64       `yaml:"reliability_alpha" env:"PROFILER_RELIABILITY_ALPHA"`
	PruneInterval    time.Duration `yaml:"prune_interval" env:"PROFILER_PRUNE_INTERVAL"`
}

// HealthConfig holds membership timers.
type HealthConfig struct {
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval" env:"HEALTH_HEARTBEAT_INTERVAL"`
	SuspectAfterMissed int           `yaml:"suspect_after_missed" env:"HEALTH_SUSPECT_AFTER_MISSED"`
	FailureTimeout     time.Duration `yaml:"failure_timeout" env:"HEALTH_FAILURE_TIMEOUT"`
	CheckInterval      time.Duration `yaml:"check_interval" env:"HEALTH_CHECK_INTERVAL"`
}

// PlannerConfig holds planner configuration.
type PlannerConfig struct {
	MaxExpansions int `yaml:"max_expansions" env:"PLANNER_MAX_EXPANSIONS"`
}

// IngestConfig holds event ingestion configuration.
type IngestConfig struct {
	Lanes      int     `yaml:"lanes" env:"INGEST_LANES"`
	LaneBuffer int     `yaml:"lane_buffer" env:"INGEST_LANE_BUFFER"`
	RateLimit  float64 `yaml:"rate_limit" env:"INGEST_RATE_LIMIT"` // events per second, 0 disables
	Burst      int     `yaml:"burst" env:"INGEST_BURST"`
}

// ProbeConfig holds active probing configuration.
type ProbeConfig struct {
	Enabled          bool          `yaml:"enabled" env:"PROBE_ENABLED"`
	Interval         time.Duration `yaml:"interval" env:"PROBE_INTERVAL"`
	Concurrency      int           `yaml:"concurrency" env:"PROBE_CONCURRENCY"`
	PingCount        int           `yaml:"ping_count" env:"PROBE_PING_COUNT"`
	PingInterval     time.Duration `yaml:"ping_interval" env:"PROBE_PING_INTERVAL"`
	PingTimeout      time.Duration `yaml:"ping_timeout" env:"PROBE_PING_TIMEOUT"`
	Privileged       bool          `yaml:"privileged" env:"PROBE_PRIVILEGED"`
	PayloadBytes     int           `yaml:"payload_bytes" env:"PROBE_PAYLOAD_BYTES"`
	MaxPayloadBytes  int           `yaml:"max_payload_bytes" env:"PROBE_MAX_PAYLOAD_BYTES"`
	BandwidthTimeout time.Duration `yaml:"bandwidth_timeout" env:"PROBE_BANDWIDTH_TIMEOUT"`
}

// ExportConfig holds the Redis exporter configuration.
type ExportConfig struct {
	Enabled       bool          `yaml:"enabled" env:"EXPORT_ENABLED"`
	Schedule      string        `yaml:"schedule" env:"EXPORT_SCHEDULE"`
	RedisAddr     string        `yaml:"redis_addr" env:"EXPORT_REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" env:"EXPORT_REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db" env:"EXPORT_REDIS_DB"`
	KeyPrefix     string        `yaml:"key_prefix" env:"EXPORT_KEY_PREFIX"`
	TTL           time.Duration `yaml:"ttl" env:"EXPORT_TTL"`
}

// StoreConfig holds the membership journal database configuration.
type StoreConfig struct {
	Enabled         bool   `yaml:"enabled" env:"STORE_ENABLED"`
	Driver          string `yaml:"driver" env:"STORE_DRIVER"`
	Host            string `yaml:"host" env:"STORE_HOST"`
	Port            int    `yaml:"port" env:"STORE_PORT"`
	Username        string `yaml:"username" env:"STORE_USERNAME"`
	Password        string `yaml:"password" env:"STORE_PASSWORD"`
	Database        string `yaml:"database" env:"STORE_DATABASE"`
	Charset         string `yaml:"charset" env:"STORE_CHARSET"`
	MaxIdleConns    int    `yaml:"max_idle_conns" env:"STORE_MAX_IDLE_CONNS"`
	MaxOpenConns    int    `yaml:"max_open_conns" env:"STORE_MAX_OPEN_CONNS"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" env:"STORE_CONN_MAX_LIFETIME"`
}

// AgentConfig holds the node agent configuration.
type AgentConfig struct {
	NodeID          string            `yaml:"node_id" env:"AGENT_NODE_ID"`
	CoordinatorURL  string            `yaml:"coordinator_url" env:"AGENT_COORDINATOR_URL"`
	ListenAddress   string            `yaml:"listen_address" env:"AGENT_LISTEN_ADDRESS"`
	AdvertiseAddr   string            `yaml:"advertise_address" env:"AGENT_ADVERTISE_ADDRESS"`
	Role            string            `yaml:"role" env:"AGENT_ROLE"`
	ComputeClass    string            `yaml:"compute_class" env:"AGENT_COMPUTE_CLASS"`
	Capability      float64           `yaml:"capability" env:"AGENT_CAPABILITY"`
	MemoryBytes     int64             `yaml:"memory_bytes" env:"AGENT_MEMORY_BYTES"`
	Labels          map[string]string `yaml:"labels" env:"AGENT_LABELS"`
	ProfileInterval time.Duration     `yaml:"profile_interval" env:"AGENT_PROFILE_INTERVAL"`
	RequestTimeout  time.Duration     `yaml:"request_timeout" env:"AGENT_REQUEST_TIMEOUT"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	Format     string `yaml:"format" env:"LOG_FORMAT"`
	Output     string `yaml:"output" env:"LOG_OUTPUT"`
	FilePath   string `yaml:"file_path" env:"LOG_FILE_PATH"`
	MaxSize    int    `yaml:"max_size" env:"LOG_MAX_SIZE"`
	MaxBackups int    `yaml:"max_backups" env:"LOG_MAX_BACKUPS"`
	MaxAge     int    `yaml:"max_age" env:"LOG_MAX_AGE"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			EnableCORS:   false,
		},
		Profiler: ProfilerConfig{
			StaleAfter:       30 * time.Second,
			ReliabilityAlpha: 0.3,
			PruneInterval:    time.Minute,
		},
		Health: HealthConfig{
			HeartbeatInterval:  5 * time.Second,
			SuspectAfterMissed: 3,
			FailureTimeout:     30 * time.Second,
			CheckInterval:      time.Second,
		},
		Planner: PlannerConfig{
			MaxExpansions: 1_000_000,
		},
		Ingest: IngestConfig{
			Lanes:      8,
			LaneBuffer: 1024,
			RateLimit:  1000,
			Burst:      200,
		},
		Probe: ProbeConfig{
			Enabled:          true,
			Interval:         10 * time.Second,
			Concurrency:      4,
			PingCount:        3,
			PingInterval:     200 * time.Millisecond,
			PingTimeout:      3 * time.Second,
			PayloadBytes:     256 * 1024,       // 256KB
			MaxPayloadBytes:  16 * 1024 * 1024, // 16MB
			BandwidthTimeout: 5 * time.Second,
		},
		Export: ExportConfig{
			Enabled:   false,
			Schedule:  "@every 10s",
			RedisAddr: "localhost:6379",
			KeyPrefix: "topology",
			TTL:       time.Minute,
		},
		Store: StoreConfig{
			Enabled:         false,
			Driver:          "postgres",
			Host:            "localhost",
			Port:            5432,
			Database:        "topology",
			Charset:         "utf8mb4",
			MaxIdleConns:    5,
			MaxOpenConns:    20,
			ConnMaxLifetime: 3600,
		},
		Agent: AgentConfig{
			CoordinatorURL:  "http://localhost:8080",
			ListenAddress:   ":9000",
			Role:            "worker",
			Labels:          make(map[string]string),
			ProfileInterval: 30 * time.Second,
			RequestTimeout:  5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
		},
	}
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	envPrefix  string
	cmdArgs    map[string]string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "TE_",
		cmdArgs:   make(map[string]string),
		lookupEnv: os.LookupEnv,
	}
}

// WithConfigPath sets the path to the YAML configuration file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the prefix for environment variables.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithCmdArgs sets command-line arguments for configuration override.
func (l *Loader) WithCmdArgs(args map[string]string) *Loader {
	l.cmdArgs = args
	return l
}

// Load loads configuration from all sources with proper precedence:
// defaults < YAML file < environment variables < command-line flags
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("从文件加载配置失败: %w", err)
		}
	}

	if err := l.applyEnvToStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("应用环境变量覆盖失败: %w", err)
	}

	if err := l.applyCmdOverrides(cfg); err != nil {
		return nil, fmt.Errorf("应用命令行参数覆盖失败: %w", err)
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("解析配置文件失败: %w", err)
	}
	return nil
}

// applyEnvToStruct walks nested structs and sets every field whose env tag,
// prefixed, names a set variable.
func (l *Loader) applyEnvToStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{}) {
			if err := l.applyEnvToStruct(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}
		name := l.envPrefix + envTag
		envValue, ok := l.lookupEnv(name)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("从环境变量 %s 设置字段 %s 失败: %w", name, fieldType.Name, err)
		}
	}
	return nil
}

func (l *Loader) applyCmdOverrides(cfg *Config) error {
	for key, value := range l.cmdArgs {
		if err := SetValue(cfg, key, value); err != nil {
			return fmt.Errorf("设置配置值 %s 失败: %w", key, err)
		}
	}
	return nil
}

// SetValue sets a configuration value by dot path of yaml keys, e.g.
// "health.failure_timeout".
func SetValue(cfg *Config, path, value string) error {
	parts := strings.Split(path, ".")
	v := reflect.ValueOf(cfg).Elem()

	for i, part := range parts {
		field, ok := fieldByYAMLKey(v, part)
		if !ok {
			return fmt.Errorf("未知的配置路径: %s", path)
		}

		if i == len(parts)-1 {
			return setFieldValue(field, value)
		}
		if field.Kind() != reflect.Struct {
			return fmt.Errorf("期望 %s 是结构体，实际是 %s", part, field.Kind())
		}
		v = field
	}
	return nil
}

func fieldByYAMLKey(v reflect.Value, key string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if tag == key || strings.EqualFold(t.Field(i).Name, strings.ReplaceAll(key, "_", "")) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// setFieldValue sets a reflect.Value from a string value.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("无法设置字段")
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("无效的时间格式: %w", err)
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("无效的整数: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("无效的浮点数: %w", err)
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("无效的布尔值: %w", err)
		}
		field.SetBool(b)

	case reflect.Map:
		// key=value,key=value
		if field.Type().Key().Kind() != reflect.String || field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("不支持的 map 类型")
		}
		m := make(map[string]string)
		for _, pair := range strings.Split(value, ",") {
			kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
			if len(kv) == 2 {
				m[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
			}
		}
		field.Set(reflect.ValueOf(m))

	default:
		return fmt.Errorf("不支持的字段类型: %s", field.Kind())
	}
	return nil
}

// Serialize serializes the configuration to YAML bytes.
func (c *Config) Serialize() ([]byte, error) {
	return yaml.Marshal(c)
}

// ParseConfig parses a YAML configuration from bytes on top of the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file path.
func LoadFromFile(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	data, _ := c.Serialize()
	clone, _ := ParseConfig(data)
	return clone
}
