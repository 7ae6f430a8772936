package bytebuddy

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_RequiresTokens(t *testing.T) {
	cfg := DefaultConfig()
	err := ValidateConfig(cfg)
	require.ErrorIs(t, err, ErrConfiguration)
	assert.ErrorContains(t, err, "Token")
	assert.ErrorContains(t, err, "ApplicationID")

	cfg.OpenAI.Token = "openai-token"
	cfg.Discord.Token = "discord-token"
	cfg.Discord.ApplicationID = "app-id"
	assert.NoError(t, ValidateConfig(cfg))
}

func TestValidateConfig(t *testing.T) {
	testCases := []struct {
		name    string
		modify  func(cfg *Config)
		wantErr bool
	}{
		{name: "valid", modify: func(*Config) {}},
		{
			name:    "nil session",
			modify:  func(c *Config) { c.Session = nil },
			wantErr: true,
		},
		{
			name:    "negative cooldown",
			modify:  func(c *Config) { c.Session.Cooldown = -time.Second },
			wantErr: true,
		},
		{
			name:   "zero cooldown",
			modify: func(c *Config) { c.Session.Cooldown = 0 },
		},
		{
			name:    "chunk longer than discord allows",
			modify:  func(c *Config) { c.Session.MaxChunkLength = discordMaxMessageLength + 1 },
			wantErr: true,
		},
		{
			name:   "chunk at discord max",
			modify: func(c *Config) { c.Session.MaxChunkLength = discordMaxMessageLength },
		},
		{
			name:    "zero history capacity",
			modify:  func(c *Config) { c.Session.HistoryCapacity = 0 },
			wantErr: true,
		},
		{
			name:    "zero completion timeout",
			modify:  func(c *Config) { c.Session.CompletionTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "missing openai token",
			modify:  func(c *Config) { c.OpenAI.Token = "" },
			wantErr: true,
		},
		{
			name:    "bad openai base url",
			modify:  func(c *Config) { c.OpenAI.BaseURL = "not a url" },
			wantErr: true,
		},
		{
			name:   "empty openai base url",
			modify: func(c *Config) { c.OpenAI.BaseURL = "" },
		},
		{
			name:    "temperature out of range",
			modify:  func(c *Config) { c.OpenAI.Temperature = 2.5 },
			wantErr: true,
		},
		{
			name:    "zero request rate",
			modify:  func(c *Config) { c.OpenAI.MaxRequestsPerSecond = 0 },
			wantErr: true,
		},
		{
			name:    "missing meme url",
			modify:  func(c *Config) { c.Meme.URL = "" },
			wantErr: true,
		},
		{
			name:    "api enabled without listen address",
			modify:  func(c *Config) { c.API.Enabled = true; c.API.Listen = "" },
			wantErr: true,
		},
		{
			name:   "api disabled without listen address",
			modify: func(c *Config) { c.API.Enabled = false; c.API.Listen = "" },
		},
		{
			name:    "bad listen network",
			modify:  func(c *Config) { c.API.ListenNetwork = "udp" },
			wantErr: true,
		},
		{
			name:    "cert without key",
			modify:  func(c *Config) { c.API.SSL.Cert = "/tmp/cert.pem" },
			wantErr: true,
		},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				cfg := newTestConfig(t)
				tc.modify(cfg)
				err := ValidateConfig(cfg)
				if tc.wantErr {
					assert.ErrorIs(t, err, ErrConfiguration)
					return
				}
				assert.NoError(t, err)
			},
		)
	}

	t.Run(
		"nil config", func(t *testing.T) {
			assert.ErrorIs(t, ValidateConfig(nil), ErrConfiguration)
		},
	)
}

func TestConfig_LogValueRedactsSecrets(t *testing.T) {
	cfg := newTestConfig(t)
	v := cfg.LogValue()
	require.Equal(t, slog.KindGroup, v.Kind())

	groups := map[string]map[string]slog.Value{}
	for _, a := range v.Group() {
		if a.Value.Kind() != slog.KindGroup {
			continue
		}
		attrs := map[string]slog.Value{}
		for _, ga := range a.Value.Group() {
			attrs[ga.Key] = ga.Value
		}
		groups[a.Key] = attrs
	}

	assert.Equal(t, "[redacted]", groups["openai"]["token"].String())
	assert.Equal(t, "[redacted]", groups["discord"]["token"].String())
	assert.Equal(t, "[redacted]", groups["api"]["secret"].String())
	assert.Equal(t, "test-app-id", groups["discord"]["application_id"].String())
}

func TestCORSConfig_GINConfig(t *testing.T) {
	c := DefaultCORSConfig()
	gc := c.GINConfig()
	assert.True(t, gc.AllowAllOrigins)
	assert.Contains(t, gc.AllowHeaders, xRequestIDHeader)

	c.AllowOrigins = []string{"https://example.com"}
	gc = c.GINConfig()
	assert.False(t, gc.AllowAllOrigins)
	assert.Equal(t, []string{"https://example.com"}, gc.AllowOrigins)
}

func TestDefaultCORSConfig_Copies(t *testing.T) {
	c := DefaultCORSConfig()
	c.AllowMethods[0] = "CHANGED"
	assert.NotEqual(t, "CHANGED", DefaultCORSAllowMethods[0])
}
