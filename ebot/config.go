//nolint:lll // struct tags can't be split
package ebot

import (
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"log/slog"
	"net/http"
	"slices"
	"time"
)

const (
	EnvvarSetEnvPrefix     = "EBOT_ENV_PREFIX"
	DefaultEnvPrefix       = "EBOT"
	DefaultStoreType       = storeTypeSQLite
	DefaultDatabase        = "ebot.sqlite3"
	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelWarn
	DefaultDiscordLogLevel       = slog.LevelInfo
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultAPILogLevel           = slog.LevelInfo

	DefaultDiscordGatewayIntent = discordgo.IntentsAllWithoutPrivileged | discordgo.IntentMessageContent
	DefaultDiscordCustomStatus  = ""
	DefaultDirectMessageRate    = 2.0
	DefaultDirectMessageBurst   = 5

	DefaultTacoEmoji             = "🌮"
	DefaultCooldownTTL           = 15 * time.Minute
	DefaultCooldownPurgeInterval = 5 * time.Minute
	DefaultLeaderboardLimit      = 5
	MaxLeaderboardLimit          = 50

	DefaultDoctorIdleTimeout   = 60 * time.Minute
	DefaultDoctorSweepInterval = 15 * time.Minute
	DefaultDoctorModel         = "gpt-4o-mini"
	DefaultDoctorRequestRate   = 1.0

	DefaultDailyPostHour     = 7
	DefaultDailyPostTimezone = "UTC"
	DefaultDraculaDataFile   = "data/daily_dracula.json"
	DefaultPresenceInterval  = time.Hour

	DefaultAPIListen         = "127.0.0.1:5000"
	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second
	defaultListenNetwork     = "tcp"

	discordMaxMessageLength = 2000
)

var (
	DefaultExtensions = []string{
		AdminExtension,
		tacoExtensionName,
		doctorExtensionName,
		birthdayExtensionName,
		draculaExtensionName,
		presenceExtensionName,
	}

	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// StoreType selects the persistence backend: 'sqlite', 'postgres' or 'mongodb'
	StoreType string `yaml:"store_type" mapstructure:"store_type" json:"store_type" binding:"oneof=sqlite postgres mongodb"`

	// Database is the path (sqlite), DSN (postgres) or URI (mongodb) of the store
	Database string `yaml:"database" mapstructure:"database" json:"database" log:"[redacted]" binding:"required"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger. The admin
	// extension can change it at runtime.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits how long opening the store and connecting to
	// discord may take before the host gives up.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Extensions lists the extensions loaded at startup, in order
	Extensions []string `yaml:"extensions" mapstructure:"extensions" json:"extensions"`

	Discord  *DiscordConfig  `yaml:"discord" mapstructure:"discord" json:"discord"`
	Taco     *TacoConfig     `yaml:"taco" mapstructure:"taco" json:"taco"`
	Doctor   *DoctorConfig   `yaml:"doctor" mapstructure:"doctor" json:"doctor"`
	Birthday *BirthdayConfig `yaml:"birthday" mapstructure:"birthday" json:"birthday"`
	Dracula  *DraculaConfig  `yaml:"dracula" mapstructure:"dracula" json:"dracula"`
	Presence *PresenceConfig `yaml:"presence" mapstructure:"presence" json:"presence"`
	API      *APIConfig      `yaml:"api" mapstructure:"api" json:"api"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// OwnerIDs are the users allowed to run owner-only commands
	OwnerIDs []string `yaml:"owner_ids" mapstructure:"owner_ids" json:"owner_ids"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// CustomStatus is set on connect, unless the presence extension is loaded
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// DirectMessageRate limits outgoing direct messages per second
	DirectMessageRate float64 `yaml:"direct_message_rate" mapstructure:"direct_message_rate" json:"direct_message_rate" binding:"gte=0"`

	// DirectMessageBurst is the burst size for DirectMessageRate
	DirectMessageBurst int `yaml:"direct_message_burst" mapstructure:"direct_message_burst" json:"direct_message_burst" binding:"gte=0"`

	httpClient *http.Client
}

// IsOwner reports whether userID is one of the configured bot owners.
func (c DiscordConfig) IsOwner(userID string) bool {
	return userID != "" && slices.Contains(c.OwnerIDs, userID)
}

// TacoConfig configures the reward economy.
type TacoConfig struct {
	// Emoji is the default reward emoji. Custom emoji may be given by name
	// (`:taco:`) or in full (`<:taco:1234>`).
	Emoji string `yaml:"emoji" mapstructure:"emoji" json:"emoji" binding:"required"`

	// GuildEmoji overrides Emoji per guild ID
	GuildEmoji map[string]string `yaml:"guild_emoji" mapstructure:"guild_emoji" json:"guild_emoji"`

	// NoCooldownGroups are role IDs whose members are never rate limited
	NoCooldownGroups []string `yaml:"no_cooldown_groups" mapstructure:"no_cooldown_groups" json:"no_cooldown_groups"`

	// CooldownTTL is how long a sender stays rate limited after a reward
	CooldownTTL time.Duration `yaml:"cooldown_ttl" mapstructure:"cooldown_ttl" json:"cooldown_ttl" binding:"min=1s"`

	// PurgeInterval is how often expired cooldown records are deleted
	PurgeInterval time.Duration `yaml:"purge_interval" mapstructure:"purge_interval" json:"purge_interval" binding:"min=1s"`
}

// EmojiFor returns the reward emoji for the given guild.
func (c TacoConfig) EmojiFor(guildID string) string {
	if e, ok := c.GuildEmoji[guildID]; ok && e != "" {
		return e
	}
	return c.Emoji
}

// DoctorConfig configures the conversational doctor extension.
type DoctorConfig struct {
	// OpenAIToken enables the OpenAI-backed responder when set
	OpenAIToken string `yaml:"openai_token" mapstructure:"openai_token" json:"openai_token" log:"[redacted]"`

	// Model used for chat completions
	Model string `yaml:"model" mapstructure:"model" json:"model"`

	// RequestRate limits OpenAI requests per second, across all sessions
	RequestRate float64 `yaml:"request_rate" mapstructure:"request_rate" json:"request_rate" binding:"gte=0"`

	IdleTimeout   time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval" json:"sweep_interval" binding:"min=1s"`
}

// BirthdayConfig configures daily birthday announcements.
type BirthdayConfig struct {
	// ChannelIDs maps guild IDs to the channel birthdays are posted to
	ChannelIDs map[string]string `yaml:"channel_ids" mapstructure:"channel_ids" json:"channel_ids"`
	PostHour   int               `yaml:"post_hour" mapstructure:"post_hour" json:"post_hour" binding:"min=0,max=23"`
	Timezone   string            `yaml:"timezone" mapstructure:"timezone" json:"timezone" binding:"timezone"`
}

// DraculaConfig configures the daily Dracula excerpt.
type DraculaConfig struct {
	DataFile string `yaml:"data_file" mapstructure:"data_file" json:"data_file"`

	// ChannelID may be set here, or at runtime with /daily_dracula_init
	ChannelID string `yaml:"channel_id" mapstructure:"channel_id" json:"channel_id"`
	PostHour  int    `yaml:"post_hour" mapstructure:"post_hour" json:"post_hour" binding:"min=0,max=23"`
	Timezone  string `yaml:"timezone" mapstructure:"timezone" json:"timezone" binding:"timezone"`
}

// PresenceConfig configures the rotating custom status.
type PresenceConfig struct {
	Statuses []string      `yaml:"statuses" mapstructure:"statuses" json:"statuses"`
	Interval time.Duration `yaml:"interval" mapstructure:"interval" json:"interval" binding:"min=1s"`
}

// APIConfig configures the admin API server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Bearer token required on /api routes
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]" binding:"required_if=Enabled true"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	MaxAge       time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	cfg := cors.Config{
		AllowOrigins: c.AllowOrigins,
		AllowMethods: c.AllowMethods,
		AllowHeaders: c.AllowHeaders,
		MaxAge:       c.MaxAge,
	}
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowAllOrigins = true
	}
	return cfg
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins: []string{},
		AllowMethods: slices.Clone(DefaultCORSAllowMethods),
		AllowHeaders: slices.Clone(DefaultCORSAllowHeaders),
		MaxAge:       DefaultCORSMaxAge,
	}
}

// loadLocation resolves a configured timezone name, defaulting to UTC.
func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		StoreType:             DefaultStoreType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Extensions:            slices.Clone(DefaultExtensions),
		Discord: &DiscordConfig{
			GatewayIntents:     DefaultDiscordGatewayIntent,
			LogLevel:           discordLogLevel,
			DiscordGoLogLevel:  discordgoLogLevel,
			CustomStatus:       DefaultDiscordCustomStatus,
			DirectMessageRate:  DefaultDirectMessageRate,
			DirectMessageBurst: DefaultDirectMessageBurst,
		},
		Taco: &TacoConfig{
			Emoji:            DefaultTacoEmoji,
			GuildEmoji:       map[string]string{},
			NoCooldownGroups: []string{},
			CooldownTTL:      DefaultCooldownTTL,
			PurgeInterval:    DefaultCooldownPurgeInterval,
		},
		Doctor: &DoctorConfig{
			Model:         DefaultDoctorModel,
			RequestRate:   DefaultDoctorRequestRate,
			IdleTimeout:   DefaultDoctorIdleTimeout,
			SweepInterval: DefaultDoctorSweepInterval,
		},
		Birthday: &BirthdayConfig{
			ChannelIDs: map[string]string{},
			PostHour:   DefaultDailyPostHour,
			Timezone:   DefaultDailyPostTimezone,
		},
		Dracula: &DraculaConfig{
			DataFile: DefaultDraculaDataFile,
			PostHour: DefaultDailyPostHour,
			Timezone: DefaultDailyPostTimezone,
		},
		Presence: &PresenceConfig{
			Statuses: []string{},
			Interval: DefaultPresenceInterval,
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}
