package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/Erovia/ebot/ebot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strconv"
	"strings"
	"syscall"
	"unicode"
)

var (
	cfg        = ebot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:           "ebot [flags]",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return unmarshalConfig(cfg)
	},
}

// unmarshalConfig decodes the viper settings into c. Decoding failures,
// including malformed JSON values, are config startup errors.
func unmarshalConfig(c *ebot.Config) error {
	err := viper.Unmarshal(
		c,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
				JSONStringSliceHookFunc(),
				JSONStringMapHookFunc(),
			),
		),
	)
	if err != nil {
		return &ebot.StartupError{Class: ebot.StartupErrorConfig, Err: err}
	}
	return nil
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

// jsonScalarString renders a decoded JSON scalar as a string, so IDs may
// be given either quoted or as bare numbers
func jsonScalarString(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case json.Number:
		return s.String(), nil
	case bool:
		return strconv.FormatBool(s), nil
	default:
		return "", fmt.Errorf("unsupported value %v (%T)", v, v)
	}
}

// JSONStringSliceHookFunc decodes strings into []string. A value starting
// with '[' must be a JSON array (`'[1111, 2222]'`), anything else is
// split on commas and whitespace.
func JSONStringSliceHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf([]string{}) {
			return data, nil
		}
		raw := strings.Trim(strings.TrimSpace(data.(string)), "'")
		if raw == "" {
			return []string{}, nil
		}
		if !strings.HasPrefix(raw, "[") {
			return strings.FieldsFunc(
				raw,
				func(r rune) bool { return r == ',' || unicode.IsSpace(r) },
			), nil
		}

		var values []any
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&values); err != nil {
			return nil, fmt.Errorf("invalid JSON list %q: %w", raw, err)
		}
		rv := make([]string, 0, len(values))
		for _, v := range values {
			s, err := jsonScalarString(v)
			if err != nil {
				return nil, fmt.Errorf("invalid JSON list %q: %w", raw, err)
			}
			rv = append(rv, s)
		}
		return rv, nil
	}
}

// JSONStringMapHookFunc decodes a JSON object string
// (`'{"guild": "channel"}'`) into map[string]string
func JSONStringMapHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(map[string]string{}) {
			return data, nil
		}
		raw := strings.Trim(strings.TrimSpace(data.(string)), "'")
		if raw == "" {
			return map[string]string{}, nil
		}

		var values map[string]any
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&values); err != nil {
			return nil, fmt.Errorf("invalid JSON object %q: %w", raw, err)
		}
		rv := make(map[string]string, len(values))
		for k, v := range values {
			s, err := jsonScalarString(v)
			if err != nil {
				return nil, fmt.Errorf("invalid JSON object %q: %w", raw, err)
			}
			rv[k] = s
		}
		return rv, nil
	}
}

// exitCode maps err to the process exit status
func exitCode(err error) int {
	var startupErr *ebot.StartupError
	if errors.As(err, &startupErr) {
		return startupErr.ExitCode()
	}
	return 1
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		signal.Stop(signals)
		cancel()
		os.Exit(exitCode(err))
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store_type", ebot.DefaultStoreType)
	v.SetDefault("database", ebot.DefaultDatabase)
	v.SetDefault("database_slow_threshold", ebot.DefaultDatabaseSlowThreshold)
	v.SetDefault("database_log_level", ebot.DefaultDatabaseLogLevel.String())

	v.SetDefault("log_level", ebot.DefaultLogLevel.String())
	v.SetDefault("startup_timeout", ebot.DefaultStartupTimeout)
	v.SetDefault("shutdown_timeout", ebot.DefaultShutdownTimeout)
	v.SetDefault("extensions", ebot.DefaultExtensions)

	// Discord config
	v.SetDefault("discord.token", "")
	v.SetDefault("discord.application_id", "")
	v.SetDefault("discord.guild_id", "")
	v.SetDefault("discord.owner_ids", []string{})
	v.SetDefault("discord.log_level", ebot.DefaultDiscordLogLevel.String())
	v.SetDefault(
		"discord.discordgo_log_level",
		ebot.DefaultDiscordgoLogLevel.String(),
	)
	v.SetDefault("discord.gateway_intents", ebot.DefaultDiscordGatewayIntent)
	v.SetDefault("discord.custom_status", ebot.DefaultDiscordCustomStatus)
	v.SetDefault("discord.direct_message_rate", ebot.DefaultDirectMessageRate)
	v.SetDefault("discord.direct_message_burst", ebot.DefaultDirectMessageBurst)

	// Taco config
	v.SetDefault("taco.emoji", ebot.DefaultTacoEmoji)
	v.SetDefault("taco.guild_emoji", map[string]string{})
	v.SetDefault("taco.no_cooldown_groups", []string{})
	v.SetDefault("taco.cooldown_ttl", ebot.DefaultCooldownTTL)
	v.SetDefault("taco.purge_interval", ebot.DefaultCooldownPurgeInterval)

	// Doctor config
	v.SetDefault("doctor.openai_token", "")
	v.SetDefault("doctor.model", ebot.DefaultDoctorModel)
	v.SetDefault("doctor.request_rate", ebot.DefaultDoctorRequestRate)
	v.SetDefault("doctor.idle_timeout", ebot.DefaultDoctorIdleTimeout)
	v.SetDefault("doctor.sweep_interval", ebot.DefaultDoctorSweepInterval)

	// Daily posts
	v.SetDefault("birthday.channel_ids", map[string]string{})
	v.SetDefault("birthday.post_hour", ebot.DefaultDailyPostHour)
	v.SetDefault("birthday.timezone", ebot.DefaultDailyPostTimezone)
	v.SetDefault("dracula.data_file", ebot.DefaultDraculaDataFile)
	v.SetDefault("dracula.channel_id", "")
	v.SetDefault("dracula.post_hour", ebot.DefaultDailyPostHour)
	v.SetDefault("dracula.timezone", ebot.DefaultDailyPostTimezone)

	v.SetDefault("presence.statuses", []string{})
	v.SetDefault("presence.interval", ebot.DefaultPresenceInterval)

	// API config
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.listen", ebot.DefaultAPIListen)
	v.SetDefault("api.listen_network", "tcp")
	v.SetDefault("api.secret", "")
	v.SetDefault("api.log_level", ebot.DefaultAPILogLevel.String())
	v.SetDefault("api.read_timeout", ebot.DefaultReadTimeout)
	v.SetDefault("api.read_header_timeout", ebot.DefaultReadHeaderTimeout)
	v.SetDefault("api.write_timeout", ebot.DefaultWriteTimeout)
	v.SetDefault("api.idle_timeout", ebot.DefaultIdleTimeout)

	// API: CORS config
	v.SetDefault("api.cors.allow_headers", ebot.DefaultCORSAllowHeaders)
	v.SetDefault("api.cors.allow_methods", ebot.DefaultCORSAllowMethods)
	v.SetDefault("api.cors.allow_origins", []string{})
	v.SetDefault("api.cors.max_age", ebot.DefaultCORSMaxAge)
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	setDefaults(viper.GetViper())

	envPrefix := os.Getenv(ebot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = ebot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
