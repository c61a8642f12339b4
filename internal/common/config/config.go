// Package config provides configuration management for Aviary.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the Aviary daemon.
type Config struct {
	Daemon     DaemonConfig     `mapstructure:"daemon"`
	PTY        PTYConfig        `mapstructure:"pty"`
	Idle       IdleConfig       `mapstructure:"idle"`
	Inject     InjectConfig     `mapstructure:"inject"`
	Relay      RelayConfig      `mapstructure:"relay"`
	Continuity ContinuityConfig `mapstructure:"continuity"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Parser     ParserConfig     `mapstructure:"parser"`
	Events     EventsConfig     `mapstructure:"events"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// DaemonConfig holds top-level daemon settings.
type DaemonConfig struct {
	DataDir     string `mapstructure:"dataDir"`     // Root for registry, ledgers and crash history
	WorkspaceID string `mapstructure:"workspaceId"` // Namespace for agent names
	ProfilePath string `mapstructure:"profilePath"` // Optional profiles.yaml with custom agent CLIs
}

// PTYConfig holds pseudo-terminal defaults for spawned agents.
type PTYConfig struct {
	Term           string `mapstructure:"term"`           // TERM value (default xterm-256color)
	Cols           int    `mapstructure:"cols"`           // Terminal columns (default 120)
	Rows           int    `mapstructure:"rows"`           // Terminal rows (default 30)
	BufferBytes    int    `mapstructure:"bufferBytes"`    // Rolling output buffer size (default 64 KiB)
	WriteTimeoutMs int    `mapstructure:"writeTimeoutMs"` // PTY write timeout (default 2000)
	StopGraceMs    int    `mapstructure:"stopGraceMs"`    // SIGTERM grace before SIGKILL (default 5000)
	EventLogDepth  int    `mapstructure:"eventLogDepth"`  // Structured marker events retained per session
}

// IdleConfig holds idle-detection thresholds.
type IdleConfig struct {
	MinSilenceMs        int     `mapstructure:"minSilenceMs"`        // Minimum output silence (default 1500)
	ConfidenceThreshold float64 `mapstructure:"confidenceThreshold"` // waitForIdle threshold (default 0.7)
	PollMs              int     `mapstructure:"pollMs"`              // Poll interval for waitForIdle (default 250)
	ProcStateSignal     bool    `mapstructure:"procStateSignal"`     // Enable /proc process-state signal (Linux)
}

// InjectConfig holds injection-engine pacing.
type InjectConfig struct {
	QueueCap       int  `mapstructure:"queueCap"`       // Per-recipient pending queue bound (default 200)
	MaxAttempts    int  `mapstructure:"maxAttempts"`    // Attempts before injection-failed (default 5)
	TimeoutMs      int  `mapstructure:"timeoutMs"`      // Per-message idle wait (default 30000)
	SubmitDelayMs  int  `mapstructure:"submitDelayMs"`  // Delay between body and CR (default 1000)
	BackoffCapMs   int  `mapstructure:"backoffCapMs"`   // Retry backoff cap (default 2000)
	BracketedPaste bool `mapstructure:"bracketedPaste"` // Wrap bodies in bracketed-paste sequences
}

// RelayConfig holds switchboard bounds.
type RelayConfig struct {
	DedupeCap      int `mapstructure:"dedupeCap"`      // Delivered-id set per recipient (default 1000)
	SenderHashCap  int `mapstructure:"senderHashCap"`  // Sender-side duplicate hash set (default 500)
	OfflineTTLSecs int `mapstructure:"offlineTtlSecs"` // Channel membership TTL (default 86400)
}

// ContinuityConfig holds ledger store settings.
type ContinuityConfig struct {
	Dir                 string `mapstructure:"dir"`                 // Ledger directory (default <dataDir>/continuity)
	LockTimeoutMs       int    `mapstructure:"lockTimeoutMs"`       // Total lock acquisition timeout (default 10000)
	AutoInjectOnRestart bool   `mapstructure:"autoInjectOnRestart"` // Reinject context block after restart
	SearchLimit         int    `mapstructure:"searchLimit"`         // Max results for continuity search (default 5)
}

// SupervisorConfig holds restart policy and crash-insight settings.
type SupervisorConfig struct {
	ProbeIntervalMs    int  `mapstructure:"probeIntervalMs"`    // Liveness probe cadence (default 2000)
	AutoRestart        bool `mapstructure:"autoRestart"`        // Restart crashed agents
	MaxRestarts        int  `mapstructure:"maxRestarts"`        // Restarts allowed per backoff window (default 5)
	BackoffWindowMs    int  `mapstructure:"backoffWindowMs"`    // Window for restart counting (default 60000)
	BackoffBaseMs      int  `mapstructure:"backoffBaseMs"`      // Restart backoff base (default 1000)
	BackoffCapMs       int  `mapstructure:"backoffCapMs"`       // Restart backoff cap (default 30000)
	RestartOnCleanExit bool `mapstructure:"restartOnCleanExit"` // Treat exit 0 as a crash (default false)
	CrashHistoryCap    int  `mapstructure:"crashHistoryCap"`    // Persistent crash records (default 1000)
	MemorySampleMs     int  `mapstructure:"memorySampleMs"`     // RSS sampling cadence (default 2000)
}

// ParserConfig holds marker vocabulary settings.
type ParserConfig struct {
	RelayPrefix      string   `mapstructure:"relayPrefix"`      // Default "->relay:"
	ContinuityPrefix string   `mapstructure:"continuityPrefix"` // Default "->continuity:"
	Placeholders     []string `mapstructure:"placeholders"`     // Extra denylist entries merged over built-ins
}

// EventsConfig selects the event bus backing.
type EventsConfig struct {
	Bus           string `mapstructure:"bus"` // "memory" or "nats"
	NATSURL       string `mapstructure:"natsUrl"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// WriteTimeout returns the PTY write timeout as a time.Duration.
func (p *PTYConfig) WriteTimeout() time.Duration {
	return time.Duration(p.WriteTimeoutMs) * time.Millisecond
}

// StopGrace returns the cooperative stop grace window as a time.Duration.
func (p *PTYConfig) StopGrace() time.Duration {
	return time.Duration(p.StopGraceMs) * time.Millisecond
}

// MinSilence returns the minimum silence window as a time.Duration.
func (i *IdleConfig) MinSilence() time.Duration {
	return time.Duration(i.MinSilenceMs) * time.Millisecond
}

// Poll returns the idle poll interval as a time.Duration.
func (i *IdleConfig) Poll() time.Duration {
	return time.Duration(i.PollMs) * time.Millisecond
}

// Timeout returns the per-message injection timeout as a time.Duration.
func (c *InjectConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// SubmitDelay returns the content-to-submit delay as a time.Duration.
func (c *InjectConfig) SubmitDelay() time.Duration {
	return time.Duration(c.SubmitDelayMs) * time.Millisecond
}

// BackoffCap returns the retry backoff cap as a time.Duration.
func (c *InjectConfig) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapMs) * time.Millisecond
}

// OfflineTTL returns the channel membership TTL as a time.Duration.
func (r *RelayConfig) OfflineTTL() time.Duration {
	return time.Duration(r.OfflineTTLSecs) * time.Second
}

// LockTimeout returns the ledger lock acquisition timeout as a time.Duration.
func (c *ContinuityConfig) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMs) * time.Millisecond
}

// ProbeInterval returns the liveness probe cadence as a time.Duration.
func (s *SupervisorConfig) ProbeInterval() time.Duration {
	return time.Duration(s.ProbeIntervalMs) * time.Millisecond
}

// BackoffWindow returns the restart counting window as a time.Duration.
func (s *SupervisorConfig) BackoffWindow() time.Duration {
	return time.Duration(s.BackoffWindowMs) * time.Millisecond
}

// BackoffBase returns the restart backoff base as a time.Duration.
func (s *SupervisorConfig) BackoffBase() time.Duration {
	return time.Duration(s.BackoffBaseMs) * time.Millisecond
}

// BackoffCap returns the restart backoff cap as a time.Duration.
func (s *SupervisorConfig) BackoffCap() time.Duration {
	return time.Duration(s.BackoffCapMs) * time.Millisecond
}

// MemorySampleInterval returns the RSS sampling cadence as a time.Duration.
func (s *SupervisorConfig) MemorySampleInterval() time.Duration {
	return time.Duration(s.MemorySampleMs) * time.Millisecond
}

// detectDefaultLogFormat returns "json" for production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("AVIARY_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".aviary"
	}
	return filepath.Join(home, ".aviary")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Daemon defaults
	v.SetDefault("daemon.dataDir", defaultDataDir())
	v.SetDefault("daemon.workspaceId", "default")
	v.SetDefault("daemon.profilePath", "")

	// PTY defaults
	v.SetDefault("pty.term", "xterm-256color")
	v.SetDefault("pty.cols", 120)
	v.SetDefault("pty.rows", 30)
	v.SetDefault("pty.bufferBytes", 64*1024)
	v.SetDefault("pty.writeTimeoutMs", 2000)
	v.SetDefault("pty.stopGraceMs", 5000)
	v.SetDefault("pty.eventLogDepth", 100)

	// Idle detector defaults
	v.SetDefault("idle.minSilenceMs", 1500)
	v.SetDefault("idle.confidenceThreshold", 0.7)
	v.SetDefault("idle.pollMs", 250)
	v.SetDefault("idle.procStateSignal", true)

	// Injection defaults
	v.SetDefault("inject.queueCap", 200)
	v.SetDefault("inject.maxAttempts", 5)
	v.SetDefault("inject.timeoutMs", 30000)
	v.SetDefault("inject.submitDelayMs", 1000)
	v.SetDefault("inject.backoffCapMs", 2000)
	v.SetDefault("inject.bracketedPaste", false)

	// Relay defaults
	v.SetDefault("relay.dedupeCap", 1000)
	v.SetDefault("relay.senderHashCap", 500)
	v.SetDefault("relay.offlineTtlSecs", 86400)

	// Continuity defaults - empty dir means <dataDir>/continuity
	v.SetDefault("continuity.dir", "")
	v.SetDefault("continuity.lockTimeoutMs", 10000)
	v.SetDefault("continuity.autoInjectOnRestart", true)
	v.SetDefault("continuity.searchLimit", 5)

	// Supervisor defaults
	v.SetDefault("supervisor.probeIntervalMs", 2000)
	v.SetDefault("supervisor.autoRestart", true)
	v.SetDefault("supervisor.maxRestarts", 5)
	v.SetDefault("supervisor.backoffWindowMs", 60000)
	v.SetDefault("supervisor.backoffBaseMs", 1000)
	v.SetDefault("supervisor.backoffCapMs", 30000)
	v.SetDefault("supervisor.restartOnCleanExit", false)
	v.SetDefault("supervisor.crashHistoryCap", 1000)
	v.SetDefault("supervisor.memorySampleMs", 2000)

	// Parser defaults
	v.SetDefault("parser.relayPrefix", "->relay:")
	v.SetDefault("parser.continuityPrefix", "->continuity:")
	v.SetDefault("parser.placeholders", []string{})

	// Events defaults - empty NATS URL means in-memory event bus
	v.SetDefault("events.bus", "memory")
	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AVIARY_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AVIARY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/aviary/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.Continuity.Dir == "" {
		cfg.Continuity.Dir = filepath.Join(cfg.Daemon.DataDir, "continuity")
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks configuration values for consistency.
func validate(cfg *Config) error {
	if cfg.Daemon.DataDir == "" {
		return fmt.Errorf("daemon.dataDir must not be empty")
	}
	if cfg.PTY.Cols <= 0 || cfg.PTY.Rows <= 0 {
		return fmt.Errorf("pty.cols and pty.rows must be positive")
	}
	if cfg.PTY.BufferBytes <= 0 {
		return fmt.Errorf("pty.bufferBytes must be positive")
	}
	if cfg.Idle.MinSilenceMs <= 0 {
		return fmt.Errorf("idle.minSilenceMs must be positive")
	}
	if cfg.Idle.ConfidenceThreshold <= 0 || cfg.Idle.ConfidenceThreshold > 1 {
		return fmt.Errorf("idle.confidenceThreshold must be in (0, 1]")
	}
	if cfg.Inject.QueueCap <= 0 || cfg.Inject.MaxAttempts <= 0 {
		return fmt.Errorf("inject.queueCap and inject.maxAttempts must be positive")
	}
	if cfg.Relay.DedupeCap <= 0 || cfg.Relay.SenderHashCap <= 0 {
		return fmt.Errorf("relay dedupe caps must be positive")
	}
	if cfg.Supervisor.MaxRestarts < 0 {
		return fmt.Errorf("supervisor.maxRestarts must not be negative")
	}
	switch cfg.Events.Bus {
	case "memory", "nats":
	default:
		return fmt.Errorf("events.bus must be %q or %q", "memory", "nats")
	}
	if cfg.Events.Bus == "nats" && cfg.Events.NATSURL == "" {
		return fmt.Errorf("events.natsUrl is required when events.bus is %q", "nats")
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	return nil
}
