package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/aidanmahoney/ByteBuddy/bytebuddy"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Unprefixed token environment variables, accepted as aliases for the
// prefixed names
const (
	envvarGroqAPIKey   = "GROQ_API_KEY"
	envvarDiscordToken = "DISCORD_TOKEN"
)

var (
	cfg        = bytebuddy.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "bytebuddy [flags]",
	Short: "ByteBuddy, a Discord bot for questions, answers and memes",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return unmarshalConfig(cfg)
	},
}

// unmarshalConfig decodes viper's settings into c. Fields are zeroed
// before decoding, so a configured list replaces the default instead of
// overwriting only its leading elements.
func unmarshalConfig(c *bytebuddy.Config) error {
	return viper.Unmarshal(
		c,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(" "),
				LevelToStringHookFunc(),
			),
		),
		viper.DecoderConfigOption(
			func(dc *mapstructure.DecoderConfig) {
				dc.ZeroFields = true
			},
		),
	)
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

// LevelToStringHookFunc decodes strings like "INFO" into *slog.LevelVar
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
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		cancel()
		os.Exit(1) //nolint:gocritic // cancel is called above
	}
}

// envPrefix returns the prefix for environment variables
func envPrefix() string {
	prefix := os.Getenv(bytebuddy.EnvvarSetEnvPrefix)
	if prefix == "" {
		prefix = bytebuddy.DefaultEnvPrefix
	}
	return prefix
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("unable to load %s: %v", configFile, err)
		}
	}

	setDefaults()

	prefix := envPrefix()
	viper.SetEnvPrefix(prefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// BindEnv doesn't apply the prefix when names are given, so the
	// prefixed name goes first, then the alias
	fatalErr(viper.BindEnv("openai.token", prefix+"_OPENAI_TOKEN", envvarGroqAPIKey))
	fatalErr(viper.BindEnv("discord.token", prefix+"_DISCORD_TOKEN", envvarDiscordToken))

	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	fatalErr(viper.BindEnv("api.ssl.tls_min_version"))

	// Convert values to correct types
	for _, key := range []string{
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range []string{
		"log_level",
		"openai.log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func setDefaults() {
	viper.SetDefault("log_level", bytebuddy.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", bytebuddy.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", bytebuddy.DefaultShutdownTimeout)

	// Session config
	viper.SetDefault("session.cooldown", bytebuddy.DefaultRateLimitCooldown)
	viper.SetDefault("session.history_capacity", bytebuddy.DefaultHistoryCapacity)
	viper.SetDefault("session.max_question_length", bytebuddy.DefaultMaxQuestionLength)
	viper.SetDefault("session.max_chunk_length", bytebuddy.DefaultMaxChunkLength)
	viper.SetDefault("session.completion_timeout", bytebuddy.DefaultCompletionTimeout)
	viper.SetDefault("session.system_prompt", bytebuddy.DefaultSystemPrompt)
	viper.SetDefault("session.prune_interval", bytebuddy.DefaultRateLimitPruneInterval)

	// OpenAI config
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.base_url", bytebuddy.DefaultOpenAIBaseURL)
	viper.SetDefault("openai.model", bytebuddy.DefaultOpenAIModel)
	viper.SetDefault("openai.temperature", bytebuddy.DefaultOpenAITemperature)
	viper.SetDefault("openai.max_tokens", bytebuddy.DefaultOpenAIMaxTokens)
	viper.SetDefault(
		"openai.max_requests_per_second",
		bytebuddy.DefaultOpenAIMaxRequestsPerSecond,
	)
	viper.SetDefault("openai.log_level", bytebuddy.DefaultOpenAILogLevel.String())

	// Meme config
	viper.SetDefault("meme.url", bytebuddy.DefaultMemeURL)
	viper.SetDefault("meme.timeout", bytebuddy.DefaultMemeTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", bytebuddy.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		bytebuddy.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.gateway_intents", bytebuddy.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.custom_status", bytebuddy.DefaultDiscordCustomStatus)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", bytebuddy.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", bytebuddy.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", bytebuddy.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", bytebuddy.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", bytebuddy.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", bytebuddy.DefaultIdleTimeout)
	viper.SetDefault("api.ssl.tls_min_version", bytebuddy.DefaultUITLSMinVersion)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", bytebuddy.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", bytebuddy.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", bytebuddy.DefaultCORSMaxAge)
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits // cobra setup
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"dotenv file to load settings from",
	)
}
