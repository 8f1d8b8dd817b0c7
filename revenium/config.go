package revenium

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	defaultReveniumBaseURL  = "https://api.revenium.ai"
	defaultBedrockCacheSize = 32
	defaultMeteringWorkers  = 4
	defaultMeteringQueueCap = 1000
)

// Config holds all configuration for the Revenium middleware
type Config struct {
	// Anthropic API configuration
	AnthropicAPIKey string
	BaseURL         string

	// Revenium metering configuration
	ReveniumAPIKey    string
	ReveniumBaseURL   string
	ReveniumOrgID     string
	ReveniumProductID string

	// AWS Bedrock configuration
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSRegion          string
	AWSProfile         string
	AWSModelARNBase    string // Base ARN format: arn:aws:bedrock:{region}:{account-id}
	BedrockDisabled    bool
	BedrockCacheSize   int // Bound on the regional Bedrock client cache

	// Async dispatch configuration
	MeteringWorkers  int
	MeteringQueueCap int

	// Logging and debug configuration
	LogLevel       string
	VerboseStartup bool

	// Prompt capture configuration (opt-in)
	CapturePrompts bool

	// Environment-level defaults for trace fields. Per-call metadata
	// overrides these; see ResolveTraceFields.
	DefaultEnvironment         string
	DefaultRegion              string
	DefaultCredentialAlias     string
	DefaultTraceType           string
	DefaultTraceName           string
	DefaultParentTransactionID string
	DefaultTransactionName     string
	DefaultRetryNumber         int
}

// Option is a functional option for configuring Config
type Option func(*Config)

// WithAnthropicAPIKey sets the Anthropic API key
func WithAnthropicAPIKey(key string) Option {
	return func(c *Config) {
		c.AnthropicAPIKey = key
	}
}

// WithBaseURL sets the Anthropic-compatible endpoint URL. A URL pointing at
// amazonaws.com routes calls through Bedrock.
func WithBaseURL(url string) Option {
	return func(c *Config) {
		c.BaseURL = url
	}
}

// WithReveniumAPIKey sets the Revenium API key
func WithReveniumAPIKey(key string) Option {
	return func(c *Config) {
		c.ReveniumAPIKey = key
	}
}

// WithReveniumBaseURL sets the Revenium base URL
func WithReveniumBaseURL(url string) Option {
	return func(c *Config) {
		c.ReveniumBaseURL = NormalizeReveniumBaseURL(url)
	}
}

// WithAWSRegion sets the AWS region
func WithAWSRegion(region string) Option {
	return func(c *Config) {
		c.AWSRegion = region
	}
}

// WithBedrockDisabled disables Bedrock support
func WithBedrockDisabled(disabled bool) Option {
	return func(c *Config) {
		c.BedrockDisabled = disabled
	}
}

// WithCapturePrompts enables or disables prompt capture for analytics.
// When enabled, system prompts, input messages, and output responses are
// captured and sent to Revenium (truncated at 50,000 characters).
func WithCapturePrompts(capture bool) Option {
	return func(c *Config) {
		c.CapturePrompts = capture
	}
}

// WithMeteringWorkers sets the number of async dispatch workers.
func WithMeteringWorkers(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MeteringWorkers = n
		}
	}
}

// loadFromEnv loads configuration from environment variables and .env files
func (c *Config) loadFromEnv() error {
	// First, try to load .env files automatically
	c.loadEnvFiles()

	if c.AnthropicAPIKey == "" {
		c.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if c.ReveniumAPIKey == "" {
		c.ReveniumAPIKey = os.Getenv("REVENIUM_METERING_API_KEY")
	}
	if c.ReveniumBaseURL == "" {
		c.ReveniumBaseURL = NormalizeReveniumBaseURL(getEnvOrDefault("REVENIUM_METERING_BASE_URL", defaultReveniumBaseURL))
	}
	c.ReveniumOrgID = os.Getenv("REVENIUM_ORGANIZATION_ID")
	c.ReveniumProductID = os.Getenv("REVENIUM_PRODUCT_ID")

	c.AWSAccessKeyID = os.Getenv("AWS_ACCESS_KEY_ID")
	c.AWSSecretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	if c.AWSRegion == "" {
		c.AWSRegion = getEnvOrDefault("AWS_REGION", "us-east-1")
	}
	c.AWSProfile = os.Getenv("AWS_PROFILE")
	c.AWSModelARNBase = os.Getenv("AWS_MODEL_ARN_ID")

	c.LogLevel = getEnvOrDefault("REVENIUM_LOG_LEVEL", "INFO")
	c.VerboseStartup = envFlag("REVENIUM_VERBOSE_STARTUP")
	if !c.CapturePrompts {
		c.CapturePrompts = envFlag("REVENIUM_CAPTURE_PROMPTS")
	}
	if envFlag("REVENIUM_BEDROCK_DISABLE") {
		c.BedrockDisabled = true
	}

	if c.BedrockCacheSize == 0 {
		c.BedrockCacheSize = envInt("REVENIUM_BEDROCK_CACHE_SIZE", defaultBedrockCacheSize)
	}
	if c.MeteringWorkers == 0 {
		c.MeteringWorkers = envInt("REVENIUM_METERING_WORKERS", defaultMeteringWorkers)
	}
	if c.MeteringQueueCap == 0 {
		c.MeteringQueueCap = defaultMeteringQueueCap
	}

	c.DefaultEnvironment = os.Getenv("REVENIUM_ENVIRONMENT")
	c.DefaultRegion = os.Getenv("REVENIUM_REGION")
	c.DefaultCredentialAlias = os.Getenv("REVENIUM_CREDENTIAL_ALIAS")
	c.DefaultTraceType = os.Getenv("REVENIUM_TRACE_TYPE")
	c.DefaultTraceName = os.Getenv("REVENIUM_TRACE_NAME")
	c.DefaultParentTransactionID = os.Getenv("REVENIUM_PARENT_TRANSACTION_ID")
	c.DefaultTransactionName = os.Getenv("REVENIUM_TRANSACTION_NAME")
	c.DefaultRetryNumber = envInt("REVENIUM_RETRY_NUMBER", 0)

	// Initialize logger early so we can use it
	InitializeLogger()
	SetLogLevel(c.LogLevel)

	Debug("Loading configuration from environment variables")
	if c.AnthropicAPIKey != "" {
		Debug("Anthropic API key loaded (length: %d)", len(c.AnthropicAPIKey))
	}

	return nil
}

// loadEnvFiles loads environment variables from .env files
func (c *Config) loadEnvFiles() {
	// Load order: .env.local wins over .env; nearest directory wins.
	envFiles := []string{
		".env.local",
		".env",
	}

	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}

	searchDirs := []string{
		cwd,
		filepath.Dir(cwd),
	}

	for _, dir := range searchDirs {
		for _, envFile := range envFiles {
			envPath := filepath.Join(dir, envFile)
			if _, err := os.Stat(envPath); err == nil {
				_ = godotenv.Load(envPath)
			}
		}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.ReveniumAPIKey == "" {
		return NewConfigError("REVENIUM_METERING_API_KEY is required", nil)
	}

	if !isValidAPIKeyFormat(c.ReveniumAPIKey) {
		return NewConfigError("invalid Revenium API key format", nil)
	}

	Debug("Configuration validation passed")
	return nil
}

// isValidAPIKeyFormat checks if the API key has a valid format
func isValidAPIKeyFormat(key string) bool {
	// Revenium API keys start with "hak_"
	return strings.HasPrefix(key, "hak_")
}

// getEnvOrDefault gets an environment variable or returns a default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envFlag(key string) bool {
	v := os.Getenv(key)
	return v == "true" || v == "1"
}

func envInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
		Warn("ignoring invalid %s value %q", key, v)
	}
	return defaultValue
}

// NormalizeReveniumBaseURL normalizes the base URL to a consistent format.
// It accepts legacy forms that already carry the metering path suffix and
// strips them; the endpoint path is appended at request time.
func NormalizeReveniumBaseURL(baseURL string) string {
	if baseURL == "" {
		return defaultReveniumBaseURL
	}

	baseURL = strings.TrimSuffix(baseURL, "/")

	// Legacy formats included part of the endpoint path.
	baseURL = strings.TrimSuffix(baseURL, "/meter/v2")
	baseURL = strings.TrimSuffix(baseURL, "/meter")
	baseURL = strings.TrimSuffix(baseURL, "/v2")

	return baseURL
}
