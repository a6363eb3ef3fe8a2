package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Platform adapter types.
const (
	AdapterTelegram = "telegram"
	AdapterDiscord  = "discord"
	AdapterSlack    = "slack"
	AdapterZulip    = "zulip"
	AdapterWebhook  = "webhook"
	AdapterShell    = "shell"
)

// Config is the root configuration of one adapter process.
type Config struct {
	Adapter     AdapterConfig     `json:"adapter" yaml:"adapter" toml:"adapter"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging" toml:"logging"`
	Caching     CachingConfig     `json:"caching" yaml:"caching" toml:"caching"`
	Attachments AttachmentsConfig `json:"attachments" yaml:"attachments" toml:"attachments"`
	Socket      SocketConfig      `json:"socket" yaml:"socket" toml:"socket"`
	Metrics     MetricsConfig     `json:"metrics" yaml:"metrics" toml:"metrics"`
	RateLimit   RateLimitConfig   `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
	Telegram    TelegramConfig    `json:"telegram" yaml:"telegram" toml:"telegram"`
	Discord     DiscordConfig     `json:"discord" yaml:"discord" toml:"discord"`
	Slack       SlackConfig       `json:"slack" yaml:"slack" toml:"slack"`
	Zulip       ZulipConfig       `json:"zulip" yaml:"zulip" toml:"zulip"`
	Webhook     WebhookConfig     `json:"webhook" yaml:"webhook" toml:"webhook"`
	Shell       ShellConfig       `json:"shell" yaml:"shell" toml:"shell"`
}

type AdapterConfig struct {
	AdapterID               string `json:"adapter_id" yaml:"adapter_id" toml:"adapter_id"`
	Type                    string `json:"type" yaml:"type" toml:"type"`
	MaxHistoryLimit         int    `json:"max_history_limit" yaml:"max_history_limit" toml:"max_history_limit"`
	MaxPaginationIterations int    `json:"max_pagination_iterations" yaml:"max_pagination_iterations" toml:"max_pagination_iterations"`
	MaxMessageLength        int    `json:"max_message_length" yaml:"max_message_length" toml:"max_message_length"`
	ConnectionCheckInterval int    `json:"connection_check_interval" yaml:"connection_check_interval" toml:"connection_check_interval"` // seconds
	RetryDelay              int    `json:"retry_delay" yaml:"retry_delay" toml:"retry_delay"`                                           // seconds
	RequestConcurrency      int    `json:"request_concurrency" yaml:"request_concurrency" toml:"request_concurrency"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level"`    // debug | info | warn | error
	Format string `json:"format" yaml:"format" toml:"format"` // text | json
	File   string `json:"file,omitempty" yaml:"file,omitempty" toml:"file,omitempty"`
}

type CachingConfig struct {
	MaxMessageAgeHours         int `json:"max_message_age_hours" yaml:"max_message_age_hours" toml:"max_message_age_hours"`
	MaxTotalMessages           int `json:"max_total_messages" yaml:"max_total_messages" toml:"max_total_messages"`
	MaxMessagesPerConversation int `json:"max_messages_per_conversation" yaml:"max_messages_per_conversation" toml:"max_messages_per_conversation"`
	CacheMaintenanceInterval   int `json:"cache_maintenance_interval" yaml:"cache_maintenance_interval" toml:"cache_maintenance_interval"` // seconds
}

type AttachmentsConfig struct {
	StorageDir           string `json:"storage_dir" yaml:"storage_dir" toml:"storage_dir"`
	IndexPath            string `json:"index_path" yaml:"index_path" toml:"index_path"`
	MaxFileSizeMB        int    `json:"max_file_size_mb" yaml:"max_file_size_mb" toml:"max_file_size_mb"`
	LargeFileThresholdMB int    `json:"large_file_threshold_mb" yaml:"large_file_threshold_mb" toml:"large_file_threshold_mb"`
	MaxAgeDays           int    `json:"max_age_days" yaml:"max_age_days" toml:"max_age_days"`
	MaxTotalAttachments  int    `json:"max_total_attachments" yaml:"max_total_attachments" toml:"max_total_attachments"`
	CleanupIntervalHours int    `json:"cleanup_interval_hours" yaml:"cleanup_interval_hours" toml:"cleanup_interval_hours"`
}

type SocketConfig struct {
	Host               string         `json:"host" yaml:"host" toml:"host"`
	Port               int            `json:"port" yaml:"port" toml:"port"`
	CORSAllowedOrigins FlexStringList `json:"cors_allowed_origins" yaml:"cors_allowed_origins" toml:"cors_allowed_origins"`
	EventHistory       int            `json:"event_history" yaml:"event_history" toml:"event_history"`
	RequestBuffer      int            `json:"request_buffer" yaml:"request_buffer" toml:"request_buffer"`
}

// MetricsConfig configures the Prometheus endpoint on the socket server.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint" toml:"endpoint"`
}

// RateLimitConfig sets outbound requests-per-minute budgets. Zero disables one.
type RateLimitConfig struct {
	GlobalRPM          int `json:"global_rpm" yaml:"global_rpm" toml:"global_rpm"`
	PerConversationRPM int `json:"per_conversation_rpm" yaml:"per_conversation_rpm" toml:"per_conversation_rpm"`
	MessageRPM         int `json:"message_rpm" yaml:"message_rpm" toml:"message_rpm"`
}

type TelegramConfig struct {
	BotToken     string         `json:"bot_token" yaml:"bot_token" toml:"bot_token"`
	AllowedChats FlexStringList `json:"allowed_chats,omitempty" yaml:"allowed_chats,omitempty" toml:"allowed_chats,omitempty"`
	ParseMode    string         `json:"parse_mode,omitempty" yaml:"parse_mode,omitempty" toml:"parse_mode,omitempty"`
}

type DiscordConfig struct {
	BotToken string `json:"bot_token" yaml:"bot_token" toml:"bot_token"`
	GuildID  string `json:"guild_id,omitempty" yaml:"guild_id,omitempty" toml:"guild_id,omitempty"` // optional: restrict to one guild
}

type SlackConfig struct {
	BotToken string `json:"bot_token" yaml:"bot_token" toml:"bot_token"`
	AppToken string `json:"app_token" yaml:"app_token" toml:"app_token"` // required for Socket Mode
}

type ZulipConfig struct {
	Site   string `json:"site" yaml:"site" toml:"site"`
	Email  string `json:"email" yaml:"email" toml:"email"`
	APIKey string `json:"api_key" yaml:"api_key" toml:"api_key"`
}

type WebhookConfig struct {
	Path        string `json:"path" yaml:"path" toml:"path"`
	Secret      string `json:"secret,omitempty" yaml:"secret,omitempty" toml:"secret,omitempty"`
	CallbackURL string `json:"callback_url,omitempty" yaml:"callback_url,omitempty" toml:"callback_url,omitempty"`
}

type ShellConfig struct {
	UserID         string `json:"user_id" yaml:"user_id" toml:"user_id"`
	ConversationID string `json:"conversation_id" yaml:"conversation_id" toml:"conversation_id"`
}

// FlexStringList is a []string that can be decoded from lists mixing strings
// and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

func (f *FlexStringList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: expected a list", value.Line)
	}
	result := make([]string, 0, len(value.Content))
	for _, n := range value.Content {
		result = append(result, n.Value)
	}
	*f = result
	return nil
}

func (f *FlexStringList) UnmarshalTOML(data any) error {
	items, ok := data.([]any)
	if !ok {
		return fmt.Errorf("expected a list, got %T", data)
	}
	result := make([]string, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			result = append(result, v)
		case int64:
			result = append(result, strconv.FormatInt(v, 10))
		case float64:
			result = append(result, strconv.FormatInt(int64(v), 10))
		default:
			result = append(result, fmt.Sprint(v))
		}
	}
	*f = result
	return nil
}

// Has reports whether s is in the list.
func (f FlexStringList) Has(s string) bool {
	for _, v := range f {
		if v == s {
			return true
		}
	}
	return false
}

// DefaultConfigDir returns the default config directory (~/.connectome).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".connectome"
	}
	return filepath.Join(home, ".connectome")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a config file, choosing the decoder by extension: .yaml/.yml,
// .toml, or JSON for anything else.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := decode(path, data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Attachments.StorageDir = ExpandPath(cfg.Attachments.StorageDir)
	cfg.Attachments.IndexPath = ExpandPath(cfg.Attachments.IndexPath)
	cfg.Logging.File = ExpandPath(cfg.Logging.File)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	default:
		return json.Unmarshal(data, cfg)
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes cfg as indented JSON.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Adapter.AdapterID == "" {
		errs = append(errs, "adapter.adapter_id is required")
	}
	switch cfg.Adapter.Type {
	case AdapterTelegram:
		if cfg.Telegram.BotToken == "" {
			errs = append(errs, "telegram.bot_token is required for the telegram adapter")
		}
	case AdapterDiscord:
		if cfg.Discord.BotToken == "" {
			errs = append(errs, "discord.bot_token is required for the discord adapter")
		}
	case AdapterSlack:
		if cfg.Slack.BotToken == "" || cfg.Slack.AppToken == "" {
			errs = append(errs, "slack.bot_token and slack.app_token are required for the slack adapter")
		}
	case AdapterZulip:
		if cfg.Zulip.Site == "" || cfg.Zulip.Email == "" || cfg.Zulip.APIKey == "" {
			errs = append(errs, "zulip.site, zulip.email and zulip.api_key are required for the zulip adapter")
		}
	case AdapterWebhook:
		if !strings.HasPrefix(cfg.Webhook.Path, "/") {
			errs = append(errs, "webhook.path must start with /")
		}
	case AdapterShell:
		// no credentials
	default:
		errs = append(errs, "adapter.type must be one of: telegram, discord, slack, zulip, webhook, shell")
	}

	if cfg.Adapter.MaxHistoryLimit < 1 {
		errs = append(errs, "adapter.max_history_limit must be >= 1")
	}
	if cfg.Adapter.MaxMessageLength < 1 {
		errs = append(errs, "adapter.max_message_length must be >= 1")
	}
	if cfg.Adapter.ConnectionCheckInterval < 1 {
		errs = append(errs, "adapter.connection_check_interval must be >= 1")
	}
	if cfg.Adapter.RetryDelay < 0 {
		errs = append(errs, "adapter.retry_delay must be >= 0")
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	switch cfg.Logging.Format {
	case "text", "json":
		// valid
	default:
		errs = append(errs, "logging.format must be one of: text, json")
	}

	if cfg.Caching.MaxMessagesPerConversation < 1 {
		errs = append(errs, "caching.max_messages_per_conversation must be >= 1")
	}
	if cfg.Caching.MaxTotalMessages < cfg.Caching.MaxMessagesPerConversation {
		errs = append(errs, "caching.max_total_messages must be >= caching.max_messages_per_conversation")
	}
	if cfg.Caching.MaxMessageAgeHours < 1 {
		errs = append(errs, "caching.max_message_age_hours must be >= 1")
	}
	if cfg.Caching.CacheMaintenanceInterval < 1 {
		errs = append(errs, "caching.cache_maintenance_interval must be >= 1")
	}

	if cfg.Attachments.StorageDir == "" {
		errs = append(errs, "attachments.storage_dir is required")
	}
	if cfg.Attachments.MaxFileSizeMB < 1 {
		errs = append(errs, "attachments.max_file_size_mb must be >= 1")
	}
	if cfg.Attachments.IndexPath == "" {
		errs = append(errs, "attachments.index_path is required")
	}
	if cfg.Attachments.MaxAgeDays < 1 {
		errs = append(errs, "attachments.max_age_days must be >= 1")
	}
	if cfg.Attachments.CleanupIntervalHours < 1 {
		errs = append(errs, "attachments.cleanup_interval_hours must be >= 1")
	}

	if cfg.Socket.Port < 0 || cfg.Socket.Port > 65535 {
		errs = append(errs, "socket.port must be between 0 and 65535")
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if cfg.RateLimit.GlobalRPM < 0 || cfg.RateLimit.PerConversationRPM < 0 || cfg.RateLimit.MessageRPM < 0 {
		errs = append(errs, "rate_limit values must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
