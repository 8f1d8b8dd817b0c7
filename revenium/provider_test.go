package revenium

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectProvider(t *testing.T) {
	t.Run("bedrock-runtime service name", func(t *testing.T) {
		p := DetectProvider(ClientInfo{ServiceName: "bedrock-runtime"})
		assert.Equal(t, ProviderBedrock, p)
	})

	t.Run("amazonaws.com endpoint is case-insensitive", func(t *testing.T) {
		p := DetectProvider(ClientInfo{EndpointURL: "https://bedrock-runtime.US-EAST-1.AmazonAWS.com"})
		assert.Equal(t, ProviderBedrock, p)
	})

	t.Run("amazonaws.com base URL", func(t *testing.T) {
		p := DetectProvider(ClientInfo{BaseURL: "https://bedrock-runtime.eu-west-1.amazonaws.com"})
		assert.Equal(t, ProviderBedrock, p)
	})

	t.Run("defaults to anthropic", func(t *testing.T) {
		assert.Equal(t, ProviderAnthropic, DetectProvider(ClientInfo{}))
		assert.Equal(t, ProviderAnthropic, DetectProvider(ClientInfo{BaseURL: "https://api.anthropic.com"}))
		assert.Equal(t, ProviderAnthropic, DetectProvider(ClientInfo{ServiceName: "s3"}))
	})
}

func TestDetectProviderFromConfig(t *testing.T) {
	t.Run("nil config", func(t *testing.T) {
		assert.Equal(t, ProviderAnthropic, DetectProviderFromConfig(nil))
	})

	t.Run("bedrock disabled forces anthropic", func(t *testing.T) {
		cfg := &Config{
			BedrockDisabled:    true,
			AWSAccessKeyID:     "AKIA123",
			AWSSecretAccessKey: "secret",
		}
		assert.Equal(t, ProviderAnthropic, DetectProviderFromConfig(cfg))
	})

	t.Run("AWS credentials select bedrock", func(t *testing.T) {
		cfg := &Config{AWSAccessKeyID: "AKIA123", AWSSecretAccessKey: "secret"}
		assert.Equal(t, ProviderBedrock, DetectProviderFromConfig(cfg))
	})

	t.Run("base URL fallback", func(t *testing.T) {
		cfg := &Config{BaseURL: "https://bedrock-runtime.us-east-1.amazonaws.com"}
		assert.Equal(t, ProviderBedrock, DetectProviderFromConfig(cfg))
	})
}

func TestGetProviderMetadata(t *testing.T) {
	aws := GetProviderMetadata(ProviderBedrock)
	assert.Equal(t, "AWS", aws.Provider)
	assert.Equal(t, "ANTHROPIC", aws.ModelSource)

	direct := GetProviderMetadata(ProviderAnthropic)
	assert.Equal(t, "ANTHROPIC", direct.Provider)
	assert.Equal(t, "ANTHROPIC", direct.ModelSource)
}

func TestProviderDetector(t *testing.T) {
	t.Run("detection is cached", func(t *testing.T) {
		d := NewProviderDetector(ClientInfo{BaseURL: "https://api.anthropic.com"})
		assert.Equal(t, ProviderAnthropic, d.Detect())

		// Mutating the info after the first detection has no effect.
		d.info = ClientInfo{ServiceName: "bedrock-runtime"}
		assert.Equal(t, ProviderAnthropic, d.Detect())
	})

	t.Run("redetect recomputes", func(t *testing.T) {
		d := NewProviderDetector(ClientInfo{})
		assert.Equal(t, ProviderAnthropic, d.Detect())

		p := d.Redetect(ClientInfo{ServiceName: "bedrock-runtime"})
		assert.Equal(t, ProviderBedrock, p)
		assert.Equal(t, ProviderBedrock, d.Detect())
	})
}
