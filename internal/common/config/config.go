// Package config provides configuration management for Parley.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Run modes. Standalone serves only the local web-chat surface; a channel
// name serves exactly that channel; auto serves every configured channel.
const (
	ModeAuto       = "auto"
	ModeStandalone = "standalone"
)

// Channel registration modes.
const (
	ChannelAuto     = "auto"
	ChannelEnabled  = "enabled"
	ChannelDisabled = "disabled"
)

// Config holds all configuration sections for Parley.
type Config struct {
	Mode     string         `mapstructure:"mode"`
	Server   ServerConfig   `mapstructure:"server"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Router   RouterConfig   `mapstructure:"router"`
	Identity IdentityConfig `mapstructure:"identity"`
	KB       KBConfig       `mapstructure:"kb"`
	FAQ      FAQConfig      `mapstructure:"faq"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Expert   ExpertConfig   `mapstructure:"expert"`
	Channels ChannelsConfig `mapstructure:"channels"`
	Prompts  PromptsConfig  `mapstructure:"prompts"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// RedisConfig holds the session backend connection configuration.
// An empty URL selects the in-memory stores (no cross-node durability).
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// DatabaseConfig holds the identity-directory database connection.
// Only used when identity.source is "postgres".
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentConfig holds agent runtime configuration. The runtime is a local CLI
// speaking newline-delimited stream-json over stdio.
type AgentConfig struct {
	// Command is the agent CLI binary (looked up on PATH if not absolute).
	Command string `mapstructure:"command"`

	// Args are extra arguments appended after the protocol flags.
	Args []string `mapstructure:"args"`

	// Model overrides the runtime's default model when non-empty.
	Model string `mapstructure:"model"`

	// AuthToken is passed to the runtime as a bearer token.
	AuthToken string `mapstructure:"authToken"`

	// BaseURL is an optional alternate API base URL for the runtime.
	BaseURL string `mapstructure:"baseUrl"`

	// AllowedTools is the tool whitelist handed to the runtime.
	AllowedTools []string `mapstructure:"allowedTools"`
}

// PoolConfig holds the agent-client pool sizes. Turn and router pools are
// separate so long user turns cannot starve routing decisions.
type PoolConfig struct {
	Size       int `mapstructure:"size"`       // user-turn pool capacity
	RouterSize int `mapstructure:"routerSize"` // routing-call pool capacity
	MaxWait    int `mapstructure:"maxWait"`    // acquire wait in seconds
}

// RouterConfig holds session-router configuration.
type RouterConfig struct {
	// Mode selects the routing engine: "llm" delegates decisions to the
	// agent runtime, "rules" uses the deterministic rule engine.
	Mode string `mapstructure:"mode"`
}

// IdentityConfig holds identity-directory configuration.
type IdentityConfig struct {
	// Source selects the directory backend: "postgres", "yaml", or "none".
	Source string `mapstructure:"source"`

	// Path is the identity file location for the yaml source.
	Path string `mapstructure:"path"`

	// Table is the directory table name for the postgres source.
	Table string `mapstructure:"table"`

	// RefreshInterval is the snapshot refresh cadence in seconds.
	RefreshInterval int `mapstructure:"refreshInterval"`

	// GraceWindow is how long in seconds a failed refresh keeps serving
	// the previous snapshot before re-attempting.
	GraceWindow int `mapstructure:"graceWindow"`
}

// KBConfig holds knowledge-base filesystem configuration.
type KBConfig struct {
	// Root is the knowledge-base directory the agent runtime works in.
	// The FAQ digest is exported here so the agent can consult it.
	Root string `mapstructure:"root"`
}

// FAQConfig holds FAQ capture store configuration.
type FAQConfig struct {
	DBPath   string `mapstructure:"dbPath"`
	EntryCap int    `mapstructure:"entryCap"`
}

// AuditConfig holds routing-audit journal configuration.
type AuditConfig struct {
	Path       string `mapstructure:"path"`
	BufferSize int    `mapstructure:"bufferSize"`
}

// ExpertConfig holds expert-mediation configuration. The 24-hour absolute
// reply window is a contract of the conversation-state store, not a knob.
type ExpertConfig struct {
	// RemindAfter is the hours a question may wait before the expert is
	// reminded.
	RemindAfter int `mapstructure:"remindAfter"`

	// ReminderSchedule is the cron spec for the reminder/timeout scan.
	ReminderSchedule string `mapstructure:"reminderSchedule"`
}

// ChannelsConfig holds per-channel adapter configuration.
type ChannelsConfig struct {
	WeCom   WeComConfig   `mapstructure:"wecom"`
	WebChat WebChatConfig `mapstructure:"webchat"`
}

// WeComConfig holds the enterprise-chat channel credentials.
type WeComConfig struct {
	Mode           string `mapstructure:"mode"` // auto, enabled, disabled
	CorpID         string `mapstructure:"corpId"`
	Secret         string `mapstructure:"secret"`
	AgentID        int    `mapstructure:"agentId"`
	Token          string `mapstructure:"token"`
	EncodingAESKey string `mapstructure:"encodingAesKey"`
	APIBase        string `mapstructure:"apiBase"`
	SendTimeout    int    `mapstructure:"sendTimeout"` // in seconds
	SendRetries    int    `mapstructure:"sendRetries"`
}

// WebChatConfig holds the browser web-chat channel configuration.
type WebChatConfig struct {
	Mode  string `mapstructure:"mode"`  // auto, enabled, disabled
	Token string `mapstructure:"token"` // ingress bearer token, empty disables the check
}

// PromptsConfig holds the prompt-pack location.
type PromptsConfig struct {
	// Path overrides the embedded default prompt pack when non-empty.
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// MaxWaitDuration returns the pool acquire wait as a time.Duration.
func (p *PoolConfig) MaxWaitDuration() time.Duration {
	return time.Duration(p.MaxWait) * time.Second
}

// RefreshIntervalDuration returns the refresh cadence as a time.Duration.
func (i *IdentityConfig) RefreshIntervalDuration() time.Duration {
	return time.Duration(i.RefreshInterval) * time.Second
}

// GraceWindowDuration returns the refresh grace window as a time.Duration.
func (i *IdentityConfig) GraceWindowDuration() time.Duration {
	return time.Duration(i.GraceWindow) * time.Second
}

// RemindAfterDuration returns the reminder threshold as a time.Duration.
func (e *ExpertConfig) RemindAfterDuration() time.Duration {
	return time.Duration(e.RemindAfter) * time.Hour
}

// SendTimeoutDuration returns the outbound send timeout as a time.Duration.
func (w *WeComConfig) SendTimeoutDuration() time.Duration {
	return time.Duration(w.SendTimeout) * time.Second
}

// DSN returns the PostgreSQL connection string for the identity directory.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("PARLEY_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", ModeAuto)

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Redis defaults - empty URL means in-memory stores
	v.SetDefault("redis.url", "")

	// Identity database defaults
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "parley")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "parley")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 10)
	v.SetDefault("database.minConns", 2)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "parley")
	v.SetDefault("nats.maxReconnects", 10)

	// Agent runtime defaults
	v.SetDefault("agent.command", "claude")
	v.SetDefault("agent.args", []string{})
	v.SetDefault("agent.model", "")
	v.SetDefault("agent.authToken", "")
	v.SetDefault("agent.baseUrl", "")
	v.SetDefault("agent.allowedTools", []string{"Read", "Grep", "Glob", "Write"})

	// Pool defaults
	v.SetDefault("pool.size", 5)
	v.SetDefault("pool.routerSize", 2)
	v.SetDefault("pool.maxWait", 30)

	// Router defaults
	v.SetDefault("router.mode", "llm")

	// Identity defaults
	v.SetDefault("identity.source", "none")
	v.SetDefault("identity.path", "identities.yaml")
	v.SetDefault("identity.table", "user_directory")
	v.SetDefault("identity.refreshInterval", 300)
	v.SetDefault("identity.graceWindow", 60)

	// Knowledge-base defaults
	v.SetDefault("kb.root", "./knowledge")

	// FAQ defaults
	v.SetDefault("faq.dbPath", "parley.db")
	v.SetDefault("faq.entryCap", 500)

	// Audit defaults
	v.SetDefault("audit.path", "audit/routing_audit.jsonl")
	v.SetDefault("audit.bufferSize", 256)

	// Expert mediation defaults
	v.SetDefault("expert.remindAfter", 4)
	v.SetDefault("expert.reminderSchedule", "@every 1h")

	// Channel defaults
	v.SetDefault("channels.wecom.mode", ChannelAuto)
	v.SetDefault("channels.wecom.corpId", "")
	v.SetDefault("channels.wecom.secret", "")
	v.SetDefault("channels.wecom.agentId", 0)
	v.SetDefault("channels.wecom.token", "")
	v.SetDefault("channels.wecom.encodingAesKey", "")
	v.SetDefault("channels.wecom.apiBase", "https://qyapi.weixin.qq.com/cgi-bin")
	v.SetDefault("channels.wecom.sendTimeout", 10)
	v.SetDefault("channels.wecom.sendRetries", 3)
	v.SetDefault("channels.webchat.mode", ChannelAuto)
	v.SetDefault("channels.webchat.token", "")

	// Prompt pack defaults - empty path means the embedded pack
	v.SetDefault("prompts.path", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix PARLEY_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/parley/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("PARLEY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("agent.authToken", "PARLEY_AGENT_AUTH_TOKEN")
	_ = v.BindEnv("agent.baseUrl", "PARLEY_AGENT_BASE_URL")
	_ = v.BindEnv("pool.routerSize", "PARLEY_POOL_ROUTER_SIZE")
	_ = v.BindEnv("pool.maxWait", "PARLEY_POOL_MAX_WAIT")
	_ = v.BindEnv("identity.refreshInterval", "PARLEY_IDENTITY_REFRESH_INTERVAL")
	_ = v.BindEnv("kb.root", "PARLEY_KB_ROOT")
	_ = v.BindEnv("faq.entryCap", "PARLEY_FAQ_ENTRY_CAP")
	_ = v.BindEnv("channels.wecom.corpId", "PARLEY_WECOM_CORP_ID")
	_ = v.BindEnv("channels.wecom.secret", "PARLEY_WECOM_SECRET")
	_ = v.BindEnv("channels.wecom.agentId", "PARLEY_WECOM_AGENT_ID")
	_ = v.BindEnv("channels.wecom.token", "PARLEY_WECOM_TOKEN")
	_ = v.BindEnv("channels.wecom.encodingAesKey", "PARLEY_WECOM_ENCODING_AES_KEY")
	_ = v.BindEnv("channels.webchat.token", "PARLEY_WEBCHAT_TOKEN")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/parley/")

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

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// Errors are collected so startup reports every problem at once.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Run mode: standalone, auto, or a known channel name
	switch cfg.Mode {
	case ModeAuto, ModeStandalone, "wecom", "webchat":
	default:
		errs = append(errs, fmt.Sprintf("mode must be one of: auto, standalone, wecom, webchat (got %q)", cfg.Mode))
	}

	// Pool validation
	if cfg.Pool.Size <= 0 {
		errs = append(errs, "pool.size must be positive")
	}
	if cfg.Pool.RouterSize <= 0 {
		errs = append(errs, "pool.routerSize must be positive")
	}
	if cfg.Pool.MaxWait <= 0 {
		errs = append(errs, "pool.maxWait must be positive")
	}

	// Router validation
	if cfg.Router.Mode != "llm" && cfg.Router.Mode != "rules" {
		errs = append(errs, "router.mode must be one of: llm, rules")
	}

	// Agent validation
	if cfg.Agent.Command == "" {
		errs = append(errs, "agent.command is required")
	}

	// Identity validation
	switch cfg.Identity.Source {
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required when identity.source is postgres")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when identity.source is postgres")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when identity.source is postgres")
		}
	case "yaml":
		if cfg.Identity.Path == "" {
			errs = append(errs, "identity.path is required when identity.source is yaml")
		}
	case "none":
	default:
		errs = append(errs, "identity.source must be one of: postgres, yaml, none")
	}
	if cfg.Identity.RefreshInterval <= 0 {
		errs = append(errs, "identity.refreshInterval must be positive")
	}

	// Channel mode validation; a channel forced on must carry its credentials
	for _, c := range []struct {
		name string
		mode string
	}{
		{"wecom", cfg.Channels.WeCom.Mode},
		{"webchat", cfg.Channels.WebChat.Mode},
	} {
		switch c.mode {
		case ChannelAuto, ChannelEnabled, ChannelDisabled:
		default:
			errs = append(errs, fmt.Sprintf("channels.%s.mode must be one of: auto, enabled, disabled", c.name))
		}
	}
	if cfg.Channels.WeCom.Mode == ChannelEnabled || cfg.Mode == "wecom" {
		errs = append(errs, missingWeComVars(&cfg.Channels.WeCom)...)
	}

	// Expert mediation validation
	if cfg.Expert.RemindAfter <= 0 {
		errs = append(errs, "expert.remindAfter must be positive")
	}

	// FAQ validation
	if cfg.FAQ.EntryCap <= 0 {
		errs = append(errs, "faq.entryCap must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// missingWeComVars lists every absent credential for a mandatory wecom
// channel, so operators see the complete set in one startup failure.
func missingWeComVars(c *WeComConfig) []string {
	var missing []string
	if c.CorpID == "" {
		missing = append(missing, "channels.wecom.corpId (PARLEY_WECOM_CORP_ID) is required")
	}
	if c.Secret == "" {
		missing = append(missing, "channels.wecom.secret (PARLEY_WECOM_SECRET) is required")
	}
	if c.AgentID == 0 {
		missing = append(missing, "channels.wecom.agentId (PARLEY_WECOM_AGENT_ID) is required")
	}
	if c.Token == "" {
		missing = append(missing, "channels.wecom.token (PARLEY_WECOM_TOKEN) is required")
	}
	if c.EncodingAESKey == "" {
		missing = append(missing, "channels.wecom.encodingAesKey (PARLEY_WECOM_ENCODING_AES_KEY) is required")
	}
	return missing
}
