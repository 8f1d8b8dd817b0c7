package revenium

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeReveniumBaseURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", defaultReveniumBaseURL},
		{"https://api.revenium.ai", "https://api.revenium.ai"},
		{"https://api.revenium.ai/", "https://api.revenium.ai"},
		{"https://api.revenium.ai/meter", "https://api.revenium.ai"},
		{"https://api.revenium.ai/meter/v2", "https://api.revenium.ai"},
		{"https://api.revenium.ai/meter/v2/", "https://api.revenium.ai"},
		{"https://api.dev.revenium.io/meter", "https://api.dev.revenium.io"},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeReveniumBaseURL(tc.in), "input %q", tc.in)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Run("missing key", func(t *testing.T) {
		cfg := &Config{}
		err := cfg.Validate()
		require.Error(t, err)
		assert.True(t, IsConfigError(err))
	})

	t.Run("wrong key format", func(t *testing.T) {
		cfg := &Config{ReveniumAPIKey: "sk-not-a-revenium-key"}
		err := cfg.Validate()
		require.Error(t, err)
		assert.True(t, IsConfigError(err))
	})

	t.Run("valid key", func(t *testing.T) {
		cfg := &Config{ReveniumAPIKey: "hak_abc123"}
		assert.NoError(t, cfg.Validate())
	})
}

func TestConfigLoadFromEnv(t *testing.T) {
	t.Run("environment values picked up", func(t *testing.T) {
		t.Setenv("REVENIUM_METERING_API_KEY", "hak_from_env")
		t.Setenv("REVENIUM_METERING_BASE_URL", "https://api.dev.revenium.io/meter/v2")
		t.Setenv("REVENIUM_ENVIRONMENT", "staging")
		t.Setenv("REVENIUM_BEDROCK_DISABLE", "true")
		t.Setenv("AWS_REGION", "eu-west-1")

		cfg := &Config{}
		require.NoError(t, cfg.loadFromEnv())

		assert.Equal(t, "hak_from_env", cfg.ReveniumAPIKey)
		assert.Equal(t, "https://api.dev.revenium.io", cfg.ReveniumBaseURL)
		assert.Equal(t, "staging", cfg.DefaultEnvironment)
		assert.True(t, cfg.BedrockDisabled)
		assert.Equal(t, "eu-west-1", cfg.AWSRegion)
	})

	t.Run("option values are not clobbered", func(t *testing.T) {
		t.Setenv("REVENIUM_METERING_API_KEY", "hak_from_env")
		t.Setenv("AWS_REGION", "eu-west-1")

		cfg := &Config{}
		WithReveniumAPIKey("hak_from_option")(cfg)
		WithAWSRegion("us-west-2")(cfg)
		require.NoError(t, cfg.loadFromEnv())

		assert.Equal(t, "hak_from_option", cfg.ReveniumAPIKey)
		assert.Equal(t, "us-west-2", cfg.AWSRegion)
	})

	t.Run("defaults applied when unset", func(t *testing.T) {
		cfg := &Config{}
		require.NoError(t, cfg.loadFromEnv())

		assert.Equal(t, defaultBedrockCacheSize, cfg.BedrockCacheSize)
		assert.Equal(t, defaultMeteringWorkers, cfg.MeteringWorkers)
		assert.Equal(t, defaultMeteringQueueCap, cfg.MeteringQueueCap)
	})

	t.Run("invalid numeric env falls back to default", func(t *testing.T) {
		t.Setenv("REVENIUM_BEDROCK_CACHE_SIZE", "lots")
		t.Setenv("REVENIUM_METERING_WORKERS", "-3")

		cfg := &Config{}
		require.NoError(t, cfg.loadFromEnv())

		assert.Equal(t, defaultBedrockCacheSize, cfg.BedrockCacheSize)
		assert.Equal(t, defaultMeteringWorkers, cfg.MeteringWorkers)
	})
}

func TestConfigOptions(t *testing.T) {
	cfg := &Config{}
	for _, opt := range []Option{
		WithAnthropicAPIKey("sk-ant-test"),
		WithBaseURL("https://bedrock-runtime.us-east-1.amazonaws.com"),
		WithReveniumAPIKey("hak_test"),
		WithReveniumBaseURL("https://api.revenium.ai/meter/"),
		WithAWSRegion("us-east-2"),
		WithCapturePrompts(true),
		WithMeteringWorkers(8),
	} {
		opt(cfg)
	}

	assert.Equal(t, "sk-ant-test", cfg.AnthropicAPIKey)
	assert.Equal(t, "https://bedrock-runtime.us-east-1.amazonaws.com", cfg.BaseURL)
	assert.Equal(t, "hak_test", cfg.ReveniumAPIKey)
	assert.Equal(t, "https://api.revenium.ai", cfg.ReveniumBaseURL, "legacy path suffixes are stripped")
	assert.Equal(t, "us-east-2", cfg.AWSRegion)
	assert.True(t, cfg.CapturePrompts)
	assert.Equal(t, 8, cfg.MeteringWorkers)

	WithMeteringWorkers(0)(cfg)
	assert.Equal(t, 8, cfg.MeteringWorkers, "non-positive worker counts are ignored")
}
