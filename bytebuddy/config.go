//nolint:lll // struct tags can't be split
package bytebuddy

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix = "BYTEBUDDY_ENV_PREFIX"
	DefaultEnvPrefix   = "BB"

	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	DefaultRateLimitCooldown      = 3 * time.Second
	DefaultRateLimitPruneInterval = time.Minute
	DefaultHistoryCapacity        = 15
	DefaultMaxQuestionLength      = 500
	DefaultMaxChunkLength         = 1900
	DefaultCompletionTimeout      = 30 * time.Second
	DefaultSystemPrompt           = "You are a helpful, knowledgeable assistant named ByteBuddy. " +
		"Provide clear, accurate, and concise answers. " +
		"If you're unsure about something, say so. " +
		"Keep responses under 1500 characters when possible."

	DefaultOpenAIBaseURL              = "https://api.groq.com/openai/v1"
	DefaultOpenAIModel                = "mixtral-8x7b-32768"
	DefaultOpenAITemperature          = 0.7
	DefaultOpenAIMaxTokens            = 1000
	DefaultOpenAIMaxRequestsPerSecond = 5.0
	DefaultOpenAILogLevel             = slog.LevelInfo

	DefaultMemeURL     = "https://meme-api.com/gimme"
	DefaultMemeTimeout = 10 * time.Second

	DefaultDiscordLogLevel      = slog.LevelWarn
	DefaultDiscordgoLogLevel    = slog.LevelWarn
	DefaultDiscordGatewayIntent = discordgo.IntentsAllWithoutPrivileged
	DefaultDiscordCustomStatus  = "/ask me anything!"

	// discordMaxMessageLength is the hard limit discord puts on
	// message content
	discordMaxMessageLength = 2000

	DefaultAPIListen         = "127.0.0.1:5000"
	DefaultAPILogLevel       = slog.LevelInfo
	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second
	DefaultUITLSMinVersion   = tls.VersionTLS12
	defaultListenNetwork     = "tcp"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodDelete,
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

var structValidator = validator.New()

//nolint:gochecknoinits // validator tag name must be set before use
func init() {
	structValidator.SetTagName("binding")
}

// Config is the top-level bot configuration, loaded once at startup.
type Config struct {
	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits how long the bot has to connect and register
	// commands before startup is aborted.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout" binding:"min=1s"`

	// ShutdownTimeout is how long in-flight requests get to finish after
	// the bot is told to stop.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout" binding:"min=0s"`

	// Session configures the per-user session core
	Session *SessionConfig `yaml:"session" mapstructure:"session" json:"session" binding:"required"`

	// OpenAI configures the (OpenAI-compatible) completion service
	OpenAI *OpenAIConfig `yaml:"openai" mapstructure:"openai" json:"openai" binding:"required"`

	// Meme configures the meme service
	Meme *MemeConfig `yaml:"meme" mapstructure:"meme" json:"meme" binding:"required"`

	// Discord configures the discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	// API configures the status/admin API
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	HTTPClient *http.Client `log:"[redacted]" binding:"-"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// SessionConfig bounds the per-user session state and request handling.
type SessionConfig struct {
	// Cooldown is the minimum time between two admitted actions from
	// the same user
	Cooldown time.Duration `yaml:"cooldown" mapstructure:"cooldown" json:"cooldown" binding:"min=0s"`

	// HistoryCapacity is the number of messages (questions and answers)
	// remembered per user
	HistoryCapacity int `yaml:"history_capacity" mapstructure:"history_capacity" json:"history_capacity" binding:"min=1"`

	// MaxQuestionLength is the longest question accepted, in characters
	MaxQuestionLength int `yaml:"max_question_length" mapstructure:"max_question_length" json:"max_question_length" binding:"min=1"`

	// MaxChunkLength is the longest message sent back, in characters.
	// Longer answers are split.
	MaxChunkLength int `yaml:"max_chunk_length" mapstructure:"max_chunk_length" json:"max_chunk_length" binding:"min=1,max=2000"`

	// CompletionTimeout bounds how long a user waits on the completion
	// service
	CompletionTimeout time.Duration `yaml:"completion_timeout" mapstructure:"completion_timeout" json:"completion_timeout" binding:"min=1ms"`

	// SystemPrompt is sent as the first message of every completion request
	SystemPrompt string `yaml:"system_prompt" mapstructure:"system_prompt" json:"system_prompt"`

	// PruneInterval is how often expired rate limit records are dropped
	PruneInterval time.Duration `yaml:"prune_interval" mapstructure:"prune_interval" json:"prune_interval" binding:"min=1s"`
}

// OpenAIConfig configures the OpenAI-compatible chat completion API.
type OpenAIConfig struct {
	// API token
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// BaseURL of the API. Defaults to Groq's OpenAI-compatible endpoint.
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"omitempty,url"`

	// Model to request completions from
	Model string `yaml:"model" mapstructure:"model" json:"model" binding:"required"`

	Temperature float32 `yaml:"temperature" mapstructure:"temperature" json:"temperature" binding:"min=0,max=2"`

	MaxTokens int `yaml:"max_tokens" mapstructure:"max_tokens" json:"max_tokens" binding:"min=1"`

	// MaxRequestsPerSecond throttles outbound requests across all users
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"gt=0"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// MemeConfig configures the random meme API.
type MemeConfig struct {
	URL string `yaml:"url" mapstructure:"url" json:"url" binding:"required,url"`

	// Timeout for the whole meme request
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout" binding:"min=1ms"`
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// CustomStatus is shown as the bot's status once connected
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`
}

// APIConfig configures the status/admin API server
type APIConfig struct {
	// Enabled starts the API server alongside the bot
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Secret is the bearer token required for the /api/users endpoints.
	// If empty, those endpoints are disabled.
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// Configuration for SSL/TLS. If no cert is given, the server
	// listens without TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"required_if=Enabled true"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"required_if=Enabled true"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"required_if=Enabled true"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key" binding:"required_with=Cert"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
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
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	return CORSConfig{
		AllowOrigins: []string{},
		AllowMethods: defaultMethods,
		AllowHeaders: defaultHeaders,
		MaxAge:       DefaultCORSMaxAge,
	}
}

// DefaultSessionConfig returns a SessionConfig with all default settings
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		Cooldown:          DefaultRateLimitCooldown,
		HistoryCapacity:   DefaultHistoryCapacity,
		MaxQuestionLength: DefaultMaxQuestionLength,
		MaxChunkLength:    DefaultMaxChunkLength,
		CompletionTimeout: DefaultCompletionTimeout,
		SystemPrompt:      DefaultSystemPrompt,
		PruneInterval:     DefaultRateLimitPruneInterval,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	openaiLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	openaiLogLevel.Set(DefaultOpenAILogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		LogLevel:        mainLogLevel,
		StartupTimeout:  DefaultStartupTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		Session:         DefaultSessionConfig(),
		OpenAI: &OpenAIConfig{
			BaseURL:              DefaultOpenAIBaseURL,
			Model:                DefaultOpenAIModel,
			Temperature:          DefaultOpenAITemperature,
			MaxTokens:            DefaultOpenAIMaxTokens,
			MaxRequestsPerSecond: DefaultOpenAIMaxRequestsPerSecond,
			LogLevel:             openaiLogLevel,
		},
		Meme: &MemeConfig{
			URL:     DefaultMemeURL,
			Timeout: DefaultMemeTimeout,
		},
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			CustomStatus:      DefaultDiscordCustomStatus,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultUITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}

// ValidateConfig checks cfg against its `binding` tags. Any problem is
// returned wrapped in [ErrConfiguration].
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil config", ErrConfiguration)
	}
	if err := structValidator.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return nil
}

// validateSessionConfig checks a SessionConfig on its own, for when the
// session core is built without a full Config
func validateSessionConfig(cfg *SessionConfig) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil session config", ErrConfiguration)
	}
	if err := structValidator.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return nil
}
