package revenium

import (
	"context"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// MessageService is the slice of the Anthropic SDK the middleware calls
// through. anthropic.Client.Messages satisfies it, and tests substitute
// fakes. Wrapping the service here, instead of patching the SDK, keeps the
// caller's client untouched.
type MessageService interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
	NewStreaming(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[anthropic.MessageStreamEventUnion]
}

// ReveniumAnthropic wraps the Anthropic SDK with usage metering. Calls are
// routed to the direct API or AWS Bedrock based on provider detection, and
// every completed call emits a usage event through the async dispatcher.
// The caller's request and response are never altered or blocked by
// metering.
type ReveniumAnthropic struct {
	service    MessageService
	config     *Config
	detector   *ProviderDetector
	bedrock    *BedrockAdapter
	dispatcher *Dispatcher
	mu         sync.RWMutex
}

var (
	globalClient *ReveniumAnthropic
	globalMu     sync.RWMutex
	initialized  bool
)

// Initialize sets up the global Revenium middleware with configuration.
func Initialize(opts ...Option) error {
	globalMu.Lock()
	defer globalMu.Unlock()

	if initialized {
		return nil
	}

	InitializeLogger()
	Info("Initializing Revenium middleware...")

	cfg := &Config{}
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.loadFromEnv(); err != nil {
		Warn("Failed to load configuration from environment: %v", err)
	}

	client, err := NewReveniumAnthropic(cfg)
	if err != nil {
		return err
	}

	globalClient = client
	initialized = true
	Info("Revenium middleware initialized successfully")
	return nil
}

// IsInitialized checks if the middleware is properly initialized.
func IsInitialized() bool {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return initialized
}

// GetClient returns the global Revenium client.
func GetClient() (*ReveniumAnthropic, error) {
	globalMu.RLock()
	defer globalMu.RUnlock()

	if !initialized {
		return nil, NewConfigError("middleware not initialized, call Initialize() first", nil)
	}
	return globalClient, nil
}

// NewReveniumAnthropic creates a Revenium client with explicit configuration.
func NewReveniumAnthropic(cfg *Config) (*ReveniumAnthropic, error) {
	if cfg == nil {
		return nil, NewConfigError("config cannot be nil", nil)
	}
	if cfg.ReveniumAPIKey == "" {
		return nil, NewConfigError("REVENIUM_METERING_API_KEY is required", nil)
	}

	clientOpts := []option.RequestOption{}
	if cfg.AnthropicAPIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.AnthropicAPIKey))
	}
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.BaseURL))
	}
	anthropicClient := anthropic.NewClient(clientOpts...)

	return NewReveniumAnthropicWithService(cfg, &anthropicClient.Messages)
}

// NewReveniumAnthropicWithService creates a Revenium client around an
// explicit message service. This is the injection seam: production code
// passes anthropic.Client.Messages, tests pass a fake.
func NewReveniumAnthropicWithService(cfg *Config, service MessageService) (*ReveniumAnthropic, error) {
	if cfg == nil {
		return nil, NewConfigError("config cannot be nil", nil)
	}
	if cfg.ReveniumAPIKey == "" {
		return nil, NewConfigError("REVENIUM_METERING_API_KEY is required", nil)
	}

	client := &ReveniumAnthropic{
		service:    service,
		config:     cfg,
		detector:   NewProviderDetector(ClientInfo{BaseURL: cfg.BaseURL}),
		dispatcher: NewDispatcher(cfg),
	}

	if client.resolveProvider() == ProviderBedrock {
		adapter, err := NewBedrockAdapter(cfg)
		if err != nil {
			Warn("Failed to create Bedrock adapter, calls will fall back to Anthropic: %v", err)
		} else {
			client.bedrock = adapter
		}
	}

	return client, nil
}

// resolveProvider returns the route for this client: config-level signals
// (disable flag, AWS credentials) first, then the cached URL detection.
func (r *ReveniumAnthropic) resolveProvider() Provider {
	if r.config != nil {
		if r.config.BedrockDisabled {
			return ProviderAnthropic
		}
		if r.config.AWSAccessKeyID != "" && r.config.AWSSecretAccessKey != "" {
			return ProviderBedrock
		}
	}
	return r.detector.Detect()
}

// GetConfig returns the configuration.
func (r *ReveniumAnthropic) GetConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config
}

// GetProvider returns the detected provider.
func (r *ReveniumAnthropic) GetProvider() Provider {
	return r.resolveProvider()
}

// Messages returns the messages interface for creating messages.
func (r *ReveniumAnthropic) Messages() *MessagesInterface {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return &MessagesInterface{
		service:    r.service,
		config:     r.config,
		provider:   r.resolveProvider(),
		bedrock:    r.bedrock,
		dispatcher: r.dispatcher,
	}
}

// Flush waits for all accepted usage events to be delivered. Call before
// shutdown to avoid losing metering data.
func (r *ReveniumAnthropic) Flush() {
	if r.dispatcher != nil {
		r.dispatcher.Flush()
	}
}

// Close flushes pending usage events and stops the dispatcher.
func (r *ReveniumAnthropic) Close() error {
	if r.dispatcher != nil {
		r.dispatcher.Flush()
		r.dispatcher.Shutdown()
	}
	return nil
}

// MessagesInterface provides message creation with automatic metering.
type MessagesInterface struct {
	service    MessageService
	config     *Config
	provider   Provider
	bedrock    *BedrockAdapter
	dispatcher *Dispatcher
}

// CreateMessage creates a message with automatic metering. Ambient metadata
// attached via WithUsageMetadata is picked up from the context.
func (m *MessagesInterface) CreateMessage(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	return m.CreateMessageWithMetadata(ctx, params, nil)
}

// CreateMessageWithMetadata creates a message with per-call usage metadata.
// Per-call keys override ambient context metadata.
func (m *MessagesInterface) CreateMessageWithMetadata(ctx context.Context, params anthropic.MessageNewParams, metadata map[string]interface{}) (*anthropic.Message, error) {
	merged := SanitizeMetadata(MergeMetadata(metadata, GetUsageMetadata(ctx)))

	if m.provider == ProviderBedrock {
		return m.createMessageBedrock(ctx, params, merged)
	}
	return m.createMessageAnthropic(ctx, params, merged)
}

// CreateMessageStream creates a streaming message with automatic metering.
func (m *MessagesInterface) CreateMessageStream(ctx context.Context, params anthropic.MessageNewParams) (MessageStream, error) {
	return m.CreateMessageStreamWithMetadata(ctx, params, nil)
}

// CreateMessageStreamWithMetadata creates a streaming message with per-call
// usage metadata.
func (m *MessagesInterface) CreateMessageStreamWithMetadata(ctx context.Context, params anthropic.MessageNewParams, metadata map[string]interface{}) (MessageStream, error) {
	merged := SanitizeMetadata(MergeMetadata(metadata, GetUsageMetadata(ctx)))

	if m.provider == ProviderBedrock {
		return m.createMessageStreamBedrock(ctx, params, merged)
	}
	return m.createMessageStreamAnthropic(ctx, params, merged)
}

// createMessageAnthropic serves a non-streaming call on the direct route.
func (m *MessagesInterface) createMessageAnthropic(ctx context.Context, params anthropic.MessageNewParams, metadata map[string]interface{}) (*anthropic.Message, error) {
	startTime := time.Now()

	var promptData *PromptData
	if m.config != nil && m.config.CapturePrompts {
		data := ExtractPromptsFromParams(params)
		promptData = &data
	}

	// A Bedrock-flavored model ID can reach the direct route when Bedrock
	// is disabled or after a fallback; convert it back.
	originalModel := string(params.Model)
	convertedModel, err := ConvertBedrockARNToAnthropicModel(originalModel)
	if err != nil {
		return nil, NewValidationError("failed to convert Bedrock model to Anthropic format", err)
	}
	if convertedModel != originalModel {
		Info("Converted Bedrock model '%s' to Anthropic model '%s'", originalModel, convertedModel)
		params.Model = anthropic.Model(convertedModel)
	}

	resp, err := m.service.New(ctx, params)
	if err != nil {
		return nil, err
	}

	if promptData != nil {
		responseData := ExtractResponseContent(resp, promptData.PromptsTruncated)
		promptData.OutputResponse = responseData.OutputResponse
		promptData.PromptsTruncated = responseData.PromptsTruncated
	}

	m.meter(resp, metadata, ProviderAnthropic, false, callTiming{Start: startTime, End: time.Now()}, &params, promptData)
	return resp, nil
}

// createMessageBedrock serves a non-streaming call on the cloud route,
// falling back to the direct route on any adapter failure. Fallback is
// invisible to the caller.
func (m *MessagesInterface) createMessageBedrock(ctx context.Context, params anthropic.MessageNewParams, metadata map[string]interface{}) (*anthropic.Message, error) {
	startTime := time.Now()

	if m.bedrock == nil {
		Warn("Bedrock adapter unavailable, falling back to Anthropic")
		return m.fallbackToAnthropic(ctx, params, metadata)
	}

	var promptData *PromptData
	if m.config != nil && m.config.CapturePrompts {
		data := ExtractPromptsFromParams(params)
		promptData = &data
	}

	resp, err := m.bedrock.Invoke(ctx, params)
	if err != nil {
		Warn("Bedrock request failed: %v, falling back to Anthropic", err)
		return m.fallbackToAnthropic(ctx, params, metadata)
	}

	if promptData != nil {
		responseData := ExtractResponseContent(resp, promptData.PromptsTruncated)
		promptData.OutputResponse = responseData.OutputResponse
		promptData.PromptsTruncated = responseData.PromptsTruncated
	}

	m.meter(resp, metadata, ProviderBedrock, false, callTiming{Start: startTime, End: time.Now()}, &params, promptData)
	return resp, nil
}

// fallbackToAnthropic re-issues a Bedrock-routed request against the direct
// API with an equivalent model name.
func (m *MessagesInterface) fallbackToAnthropic(ctx context.Context, params anthropic.MessageNewParams, metadata map[string]interface{}) (*anthropic.Message, error) {
	fallbackParams := params
	convertedModel, err := ConvertBedrockARNToAnthropicModel(string(params.Model))
	if err != nil {
		return nil, NewValidationError("failed to convert Bedrock model for fallback", err)
	}
	if convertedModel != string(params.Model) {
		Info("Converted Bedrock model '%s' to Anthropic model '%s' for fallback", params.Model, convertedModel)
	}
	fallbackParams.Model = anthropic.Model(convertedModel)
	return m.createMessageAnthropic(ctx, fallbackParams, metadata)
}

// createMessageStreamAnthropic serves a streaming call on the direct route.
func (m *MessagesInterface) createMessageStreamAnthropic(ctx context.Context, params anthropic.MessageNewParams, metadata map[string]interface{}) (MessageStream, error) {
	var promptData *PromptData
	if m.config != nil && m.config.CapturePrompts {
		data := ExtractPromptsFromParams(params)
		promptData = &data
	}

	originalModel := string(params.Model)
	convertedModel, err := ConvertBedrockARNToAnthropicModel(originalModel)
	if err != nil {
		return nil, NewValidationError("failed to convert Bedrock model to Anthropic format", err)
	}
	if convertedModel != originalModel {
		Info("Converted Bedrock model '%s' to Anthropic model '%s' for streaming", originalModel, convertedModel)
		params.Model = anthropic.Model(convertedModel)
	}

	startTime := time.Now()
	stream := m.service.NewStreaming(ctx, params)

	return newAnthropicStream(stream, string(params.Model), startTime,
		m.streamMeter(metadata, ProviderAnthropic, &params, promptData)), nil
}

// createMessageStreamBedrock serves a streaming call on the cloud route with
// direct-route fallback.
func (m *MessagesInterface) createMessageStreamBedrock(ctx context.Context, params anthropic.MessageNewParams, metadata map[string]interface{}) (MessageStream, error) {
	if m.bedrock == nil {
		Warn("Bedrock adapter unavailable, falling back to Anthropic for streaming")
		return m.fallbackStreamToAnthropic(ctx, params, metadata)
	}

	var promptData *PromptData
	if m.config != nil && m.config.CapturePrompts {
		data := ExtractPromptsFromParams(params)
		promptData = &data
	}

	startTime := time.Now()
	stream, err := m.bedrock.InvokeStream(ctx, params)
	if err != nil {
		Warn("Bedrock streaming request failed: %v, falling back to Anthropic", err)
		return m.fallbackStreamToAnthropic(ctx, params, metadata)
	}

	return newBedrockMessageStream(stream, startTime,
		m.streamMeter(metadata, ProviderBedrock, &params, promptData)), nil
}

func (m *MessagesInterface) fallbackStreamToAnthropic(ctx context.Context, params anthropic.MessageNewParams, metadata map[string]interface{}) (MessageStream, error) {
	fallbackParams := params
	convertedModel, err := ConvertBedrockARNToAnthropicModel(string(params.Model))
	if err != nil {
		return nil, NewValidationError("failed to convert Bedrock model for streaming fallback", err)
	}
	if convertedModel != string(params.Model) {
		Info("Converted Bedrock model '%s' to Anthropic model '%s' for streaming fallback", params.Model, convertedModel)
	}
	fallbackParams.Model = anthropic.Model(convertedModel)
	return m.createMessageStreamAnthropic(ctx, fallbackParams, metadata)
}

// meter builds the usage event for a completed call and hands it to the
// dispatcher. The response is already on its way back to the caller.
func (m *MessagesInterface) meter(resp *anthropic.Message, metadata map[string]interface{}, provider Provider, isStreamed bool, timing callTiming, params *anthropic.MessageNewParams, prompts *PromptData) {
	if m.dispatcher == nil || resp == nil {
		return
	}
	event := buildUsageEvent(resp, metadata, m.config, provider, isStreamed, timing, params, prompts)
	m.dispatcher.Submit(event)
}

// streamMeter returns the completion callback wired into a stream shim.
func (m *MessagesInterface) streamMeter(metadata map[string]interface{}, provider Provider, params *anthropic.MessageNewParams, prompts *PromptData) meterFunc {
	return func(msg *anthropic.Message, timing callTiming, streamedText string) {
		if prompts != nil {
			responseData := ExtractStreamingResponseContent(streamedText, prompts.PromptsTruncated)
			prompts.OutputResponse = responseData.OutputResponse
			prompts.PromptsTruncated = responseData.PromptsTruncated
		}
		m.meter(msg, metadata, provider, true, timing, params, prompts)
	}
}

// Reset resets the global middleware state for testing.
func Reset() {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalClient != nil {
		globalClient.Close()
		globalClient = nil
	}
	initialized = false
}
