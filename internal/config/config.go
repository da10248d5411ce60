package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines server configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Transport   TransportConfig   `yaml:"transport"`
	Auth        AuthConfig        `yaml:"auth"`
	DB          DBConfig          `yaml:"db"`
	Log         LogConfig         `yaml:"log"`
	Redis       RedisConfig       `yaml:"redis"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Engine      EngineConfig      `yaml:"engine"`
}

type ServerConfig struct {
	Host string `yaml:"host" validate:"required"`
	Port int    `yaml:"port" validate:"min=1,max=65535"`
}

type TransportConfig struct {
	Mode string `yaml:"mode" validate:"oneof=http stdio"`
}

// AuthConfig maps bearer tokens to the scan station they identify.
type AuthConfig struct {
	Enabled bool              `yaml:"enabled"`
	Tokens  map[string]string `yaml:"tokens,omitempty"`
}

type DBConfig struct {
	Path string `yaml:"path" validate:"required"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
	Path   string `yaml:"path,omitempty"`
}

// RedisConfig is optional; an empty Addr disables every Redis-backed feature.
type RedisConfig struct {
	Addr          string `yaml:"addr,omitempty"`
	Password      string `yaml:"password,omitempty"`
	DB            int    `yaml:"db" validate:"min=0,max=15"`
	EventsChannel string `yaml:"events_channel"`
	RateLimit     bool   `yaml:"rate_limit"`
}

// Enabled reports whether a Redis server is configured.
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type MaintenanceConfig struct {
	RetentionDays        int `yaml:"retention_days" validate:"min=0"`
	PruneIntervalMinutes int `yaml:"prune_interval_minutes" validate:"min=1"`
	StatsIntervalMinutes int `yaml:"stats_interval_minutes" validate:"min=1"`
}

// EngineConfig holds the QC workflow options.
type EngineConfig struct {
	DefaultEstimatedMinutes     int            `yaml:"default_estimated_minutes" validate:"min=1"`
	OverdueToleranceMinutes     int            `yaml:"overdue_tolerance_minutes" validate:"min=0"`
	AutoResetDelaySeconds       int            `yaml:"auto_reset_delay_seconds" validate:"min=0"`
	AutoSessionResetAfterQC     bool           `yaml:"auto_session_reset_after_qc"`
	MaxParallelStepsPerSession  int            `yaml:"max_parallel_steps_per_session" validate:"min=0"`
	MaxParallelStepsGlobal      int            `yaml:"max_parallel_steps_global" validate:"min=0"`
	MaxScansPerMinute           int            `yaml:"max_scans_per_minute" validate:"min=0"`
	SessionTypePriority         []string       `yaml:"session_type_priority" validate:"required,min=1,dive,required"`
	OverdueSweepIntervalSeconds int            `yaml:"overdue_sweep_interval_seconds" validate:"min=1"`
	TerminalGraceSeconds        int            `yaml:"terminal_grace_seconds" validate:"min=0"`
	EstimatedMinutesByPriority  map[string]int `yaml:"estimated_minutes_by_priority" validate:"dive,keys,oneof=normal high urgent,endkeys,min=1"`
	EstimatedMinutesByCategory  map[string]int `yaml:"estimated_minutes_by_category" validate:"dive,keys,required,endkeys,min=1"`
	RushMarkers                 []string       `yaml:"rush_markers" validate:"dive,required"`
	AbortStepsOnShutdown        bool           `yaml:"abort_steps_on_shutdown"`
}

// OverdueTolerance returns the tolerance as a duration.
func (e EngineConfig) OverdueTolerance() time.Duration {
	return time.Duration(e.OverdueToleranceMinutes) * time.Minute
}

// AutoResetDelay returns the auto-reset delay as a duration.
func (e EngineConfig) AutoResetDelay() time.Duration {
	return time.Duration(e.AutoResetDelaySeconds) * time.Second
}

// SweepInterval returns the overdue sweep interval as a duration.
func (e EngineConfig) SweepInterval() time.Duration {
	return time.Duration(e.OverdueSweepIntervalSeconds) * time.Second
}

// TerminalGrace returns how long finished steps stay listed.
func (e EngineConfig) TerminalGrace() time.Duration {
	return time.Duration(e.TerminalGraceSeconds) * time.Second
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Transport: TransportConfig{
			Mode: "http",
		},
		DB: DBConfig{
			Path: "qcflow.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Redis: RedisConfig{
			EventsChannel: "qcflow:events",
		},
		Maintenance: MaintenanceConfig{
			RetentionDays:        90,
			PruneIntervalMinutes: 60,
			StatsIntervalMinutes: 15,
		},
		Engine: DefaultEngine(),
	}
}

// DefaultEngine returns the built-in workflow options.
func DefaultEngine() EngineConfig {
	return EngineConfig{
		DefaultEstimatedMinutes:     15,
		OverdueToleranceMinutes:     5,
		AutoResetDelaySeconds:       5,
		AutoSessionResetAfterQC:     true,
		MaxScansPerMinute:           20,
		SessionTypePriority:         []string{"Inspection"},
		OverdueSweepIntervalSeconds: 60,
		TerminalGraceSeconds:        3,
		EstimatedMinutesByPriority:  map[string]int{"urgent": 10, "high": 12},
		EstimatedMinutesByCategory:  map[string]int{},
		RushMarkers:                 []string{"URGENT", "RUSH", "EXPRESS"},
	}
}

// Load reads configuration from an optional YAML file and environment variables.
// path overrides QCFLOW_CONFIG_PATH when set. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("QCFLOW_CONFIG_PATH")
	}
	if path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if host := os.Getenv("QCFLOW_SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if err := envInt("QCFLOW_SERVER_PORT", &cfg.Server.Port); err != nil {
		return err
	}
	if mode := os.Getenv("QCFLOW_TRANSPORT_MODE"); mode != "" {
		cfg.Transport.Mode = mode
	}
	if err := envBool("QCFLOW_AUTH_ENABLED", &cfg.Auth.Enabled); err != nil {
		return err
	}
	if dbPath := os.Getenv("QCFLOW_DB_PATH"); dbPath != "" {
		cfg.DB.Path = dbPath
	}
	if level := os.Getenv("QCFLOW_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if format := os.Getenv("QCFLOW_LOG_FORMAT"); format != "" {
		cfg.Log.Format = format
	}
	if logPath := os.Getenv("QCFLOW_LOG_PATH"); logPath != "" {
		cfg.Log.Path = logPath
	}
	if addr := os.Getenv("QCFLOW_REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("QCFLOW_REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if err := envInt("QCFLOW_REDIS_DB", &cfg.Redis.DB); err != nil {
		return err
	}
	if err := envBool("QCFLOW_REDIS_RATE_LIMIT", &cfg.Redis.RateLimit); err != nil {
		return err
	}
	if err := envInt("QCFLOW_RETENTION_DAYS", &cfg.Maintenance.RetentionDays); err != nil {
		return err
	}

	e := &cfg.Engine
	for name, dst := range map[string]*int{
		"QCFLOW_DEFAULT_ESTIMATED_MINUTES":      &e.DefaultEstimatedMinutes,
		"QCFLOW_OVERDUE_TOLERANCE_MINUTES":      &e.OverdueToleranceMinutes,
		"QCFLOW_AUTO_RESET_DELAY_SECONDS":       &e.AutoResetDelaySeconds,
		"QCFLOW_MAX_PARALLEL_STEPS_PER_SESSION": &e.MaxParallelStepsPerSession,
		"QCFLOW_MAX_PARALLEL_STEPS_GLOBAL":      &e.MaxParallelStepsGlobal,
		"QCFLOW_MAX_SCANS_PER_MINUTE":           &e.MaxScansPerMinute,
		"QCFLOW_OVERDUE_SWEEP_INTERVAL_SECONDS": &e.OverdueSweepIntervalSeconds,
		"QCFLOW_TERMINAL_GRACE_SECONDS":         &e.TerminalGraceSeconds,
	} {
		if err := envInt(name, dst); err != nil {
			return err
		}
	}
	if err := envBool("QCFLOW_AUTO_SESSION_RESET_AFTER_QC", &e.AutoSessionResetAfterQC); err != nil {
		return err
	}
	if err := envBool("QCFLOW_ABORT_STEPS_ON_SHUTDOWN", &e.AbortStepsOnShutdown); err != nil {
		return err
	}
	if types := os.Getenv("QCFLOW_SESSION_TYPE_PRIORITY"); types != "" {
		e.SessionTypePriority = splitList(types)
	}
	if markers := os.Getenv("QCFLOW_RUSH_MARKERS"); markers != "" {
		e.RushMarkers = splitList(markers)
	}
	return nil
}

func envInt(name string, dst *int) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = v
	return nil
}

func envBool(name string, dst *bool) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = v
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
