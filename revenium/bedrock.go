package revenium

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/tidwall/gjson"
)

const (
	// bedrockAnthropicVersion is the protocol version tag Bedrock expects
	// on Anthropic model payloads.
	bedrockAnthropicVersion = "bedrock-2023-05-31"

	// MaxBedrockTokens is the upper bound accepted for max_tokens.
	MaxBedrockTokens = 200000
)

// bedrockModelMap maps Anthropic model names to their Bedrock model IDs
// where the two differ by more than the "anthropic." prefix.
var bedrockModelMap = map[string]string{
	"claude-3-opus-20240229":     "anthropic.claude-3-opus-20240229-v1:0",
	"claude-3-sonnet-20240229":   "anthropic.claude-3-sonnet-20240229-v1:0",
	"claude-3-haiku-20240307":    "anthropic.claude-3-haiku-20240307-v1:0",
	"claude-3-5-sonnet-20240620": "anthropic.claude-3-5-sonnet-20240620-v1:0",
	"claude-3-5-sonnet-20241022": "anthropic.claude-3-5-sonnet-20241022-v2:0",
	"claude-3-5-haiku-20241022":  "anthropic.claude-3-5-haiku-20241022-v1:0",
}

// ValidateBedrockBaseARN validates that the AWS_MODEL_ARN_ID has the correct
// base format: arn:aws:bedrock:{region}:{account-id}.
func ValidateBedrockBaseARN(arnBase string) error {
	if arnBase == "" {
		return errors.New("AWS_MODEL_ARN_ID is empty")
	}

	arnPattern := regexp.MustCompile(`^arn:aws:bedrock:[a-z]{2}-[a-z]+-\d+:\d{12}$`)
	if arnPattern.MatchString(arnBase) {
		return nil
	}

	if strings.Contains(arnBase, "inference-profile") || strings.Contains(arnBase, "anthropic") {
		return fmt.Errorf("AWS_MODEL_ARN_ID is too long. Expected format: arn:aws:bedrock:{region}:{account-id}, got: %s", arnBase)
	}
	if len(strings.Split(arnBase, ":")) < 5 {
		return fmt.Errorf("AWS_MODEL_ARN_ID is too short. Expected format: arn:aws:bedrock:{region}:{account-id}, got: %s", arnBase)
	}
	return fmt.Errorf("AWS_MODEL_ARN_ID has incorrect format. Expected: arn:aws:bedrock:{region}:{account-id}, got: %s", arnBase)
}

// ConstructFullBedrockARN builds an inference-profile ARN from the base ARN
// and an Anthropic model name.
func ConstructFullBedrockARN(arnBase string, modelName string) (string, error) {
	if err := ValidateBedrockBaseARN(arnBase); err != nil {
		return "", err
	}
	if modelName == "" {
		return "", errors.New("model name is required to construct full Bedrock ARN")
	}
	return fmt.Sprintf("%s:inference-profile/us.anthropic.%s-v1:0", arnBase, modelName), nil
}

// GetBedrockModelID converts an Anthropic model name to its Bedrock model ID.
// Known models use their published Bedrock IDs; unknown models derive one by
// prefixing "anthropic.". Full ARNs and already-prefixed IDs pass through
// unchanged. When AWS_MODEL_ARN_ID is configured, a full inference-profile
// ARN is constructed instead.
func GetBedrockModelID(modelName string, cfg *Config) string {
	if strings.HasPrefix(modelName, "arn:aws:bedrock:") {
		return modelName
	}

	if cfg != nil && cfg.AWSModelARNBase != "" {
		fullARN, err := ConstructFullBedrockARN(cfg.AWSModelARNBase, modelName)
		if err != nil {
			Warn("failed to construct Bedrock ARN: %v, using standard format", err)
		} else {
			return fullARN
		}
	}

	if strings.HasPrefix(modelName, "anthropic.") {
		return modelName
	}

	if mapped, ok := bedrockModelMap[modelName]; ok {
		return mapped
	}
	return "anthropic." + modelName
}

// ConvertBedrockARNToAnthropicModel converts a Bedrock ARN or model ID back
// to an Anthropic model name, for the direct-route fallback.
func ConvertBedrockARNToAnthropicModel(bedrockModel string) (string, error) {
	if !strings.Contains(bedrockModel, "arn:aws:bedrock") && !strings.HasPrefix(bedrockModel, "anthropic.") && !strings.Contains(bedrockModel, "inference-profile") {
		return bedrockModel, nil
	}

	// ARN format: arn:aws:bedrock:region:account:inference-profile/us.anthropic.{model}-v1:0
	if strings.Contains(bedrockModel, "arn:aws:bedrock") {
		parts := strings.Split(bedrockModel, "/")
		if len(parts) >= 2 {
			modelPart := parts[len(parts)-1]
			modelPart = strings.TrimPrefix(modelPart, "us.anthropic.")
			modelPart = strings.TrimPrefix(modelPart, "eu.anthropic.")
			modelPart = strings.TrimPrefix(modelPart, "ap.anthropic.")
			modelPart = strings.Split(modelPart, "-v")[0]
			modelPart = strings.Split(modelPart, ":")[0]
			return modelPart, nil
		}
	}

	// Bedrock model ID format: anthropic.{model}-v1:0
	if strings.HasPrefix(bedrockModel, "anthropic.") {
		modelName := strings.TrimPrefix(bedrockModel, "anthropic.")
		modelName = strings.Split(modelName, "-v")[0]
		modelName = strings.Split(modelName, ":")[0]
		return modelName, nil
	}

	return "", fmt.Errorf("could not parse Bedrock model ID '%s': unrecognized format", bedrockModel)
}

// bedrockInvoker is the subset of the Bedrock Runtime client the adapter
// uses. *bedrockruntime.Client satisfies it.
type bedrockInvoker interface {
	InvokeModel(ctx context.Context, input *bedrockruntime.InvokeModelInput, opts ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
	InvokeModelWithResponseStream(ctx context.Context, input *bedrockruntime.InvokeModelWithResponseStreamInput, opts ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelWithResponseStreamOutput, error)
}

// BedrockAdapter routes Anthropic-shaped requests through AWS Bedrock.
// Regional runtime clients are cached with FIFO eviction.
type BedrockAdapter struct {
	cfg *Config

	mu       sync.Mutex
	clients  map[string]bedrockInvoker
	order    []string
	capacity int

	// newInvoker builds a regional client; replaced in tests.
	newInvoker func(ctx context.Context, region string) (bedrockInvoker, error)
}

// NewBedrockAdapter creates a Bedrock adapter for the given configuration.
func NewBedrockAdapter(cfg *Config) (*BedrockAdapter, error) {
	if cfg == nil {
		return nil, NewDependencyError("config is required", nil)
	}

	capacity := cfg.BedrockCacheSize
	if capacity <= 0 {
		capacity = defaultBedrockCacheSize
	}

	adapter := &BedrockAdapter{
		cfg:      cfg,
		clients:  make(map[string]bedrockInvoker),
		capacity: capacity,
	}
	adapter.newInvoker = func(ctx context.Context, region string) (bedrockInvoker, error) {
		awsCfg, err := loadAWSConfig(ctx, cfg, region)
		if err != nil {
			return nil, err
		}
		return bedrockruntime.NewFromConfig(awsCfg), nil
	}

	Debug("Bedrock adapter initialized successfully")
	return adapter, nil
}

// loadAWSConfig loads AWS configuration for the given region, preferring
// static credentials, then a named profile, then the default chain.
func loadAWSConfig(ctx context.Context, cfg *Config, region string) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if cfg.AWSAccessKeyID != "" && cfg.AWSSecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AWSAccessKeyID,
				cfg.AWSSecretAccessKey,
				"",
			),
		))
		Debug("Using static AWS credentials")
	} else if cfg.AWSProfile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.AWSProfile))
		Debug("Using AWS profile")
	} else {
		Debug("Using default AWS credentials chain")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}

// regionClient returns the cached runtime client for a region, creating it
// on first use. When the cache is full the oldest entry is evicted.
func (ba *BedrockAdapter) regionClient(ctx context.Context, region string) (bedrockInvoker, error) {
	if region == "" {
		region = ba.cfg.AWSRegion
	}

	ba.mu.Lock()
	if client, ok := ba.clients[region]; ok {
		ba.mu.Unlock()
		return client, nil
	}
	ba.mu.Unlock()

	client, err := ba.newInvoker(ctx, region)
	if err != nil {
		return nil, NewDependencyError(fmt.Sprintf("failed to create Bedrock client for region %s", region), err)
	}

	ba.mu.Lock()
	defer ba.mu.Unlock()
	if existing, ok := ba.clients[region]; ok {
		return existing, nil
	}
	if len(ba.order) >= ba.capacity {
		oldest := ba.order[0]
		ba.order = ba.order[1:]
		delete(ba.clients, oldest)
		Debug("evicted Bedrock client for region %s", oldest)
	}
	ba.clients[region] = client
	ba.order = append(ba.order, region)
	return client, nil
}

// cachedRegions returns the regions currently cached, oldest first.
func (ba *BedrockAdapter) cachedRegions() []string {
	ba.mu.Lock()
	defer ba.mu.Unlock()
	out := make([]string, len(ba.order))
	copy(out, ba.order)
	return out
}

// BuildBedrockPayload converts Anthropic message params into the JSON
// envelope Bedrock expects, validating bounds along the way. Validation
// errors name the offending field (and message index where applicable).
func BuildBedrockPayload(params anthropic.MessageNewParams) (map[string]interface{}, error) {
	if len(params.Messages) == 0 {
		return nil, NewValidationError("messages must not be empty", nil)
	}

	messages, err := transformMessages(params.Messages)
	if err != nil {
		return nil, err
	}

	if params.MaxTokens <= 0 {
		return nil, NewValidationError(fmt.Sprintf("max_tokens must be positive, got %d", params.MaxTokens), nil)
	}
	if params.MaxTokens > MaxBedrockTokens {
		return nil, NewValidationError(fmt.Sprintf("max_tokens must be at most %d, got %d", MaxBedrockTokens, params.MaxTokens), nil)
	}

	payload := map[string]interface{}{
		"anthropic_version": bedrockAnthropicVersion,
		"messages":          messages,
		"max_tokens":        params.MaxTokens,
	}

	if system := extractSystemContent(params.System); system != "" {
		payload["system"] = system
	}

	if params.Temperature.Valid() {
		t := params.Temperature.Value
		if t < 0 || t > 1 {
			return nil, NewValidationError(fmt.Sprintf("temperature must be between 0 and 1, got %v", t), nil)
		}
		payload["temperature"] = t
	}
	if params.TopP.Valid() {
		p := params.TopP.Value
		if p < 0 || p > 1 {
			return nil, NewValidationError(fmt.Sprintf("top_p must be between 0 and 1, got %v", p), nil)
		}
		payload["top_p"] = p
	}
	if params.TopK.Valid() {
		k := params.TopK.Value
		if k <= 0 {
			return nil, NewValidationError(fmt.Sprintf("top_k must be a positive integer, got %d", k), nil)
		}
		payload["top_k"] = k
	}
	if len(params.StopSequences) > 0 {
		payload["stop_sequences"] = params.StopSequences
	}

	return payload, nil
}

// transformMessages converts Anthropic messages to Bedrock content blocks,
// validating each message along the way.
func transformMessages(messages []anthropic.MessageParam) ([]map[string]interface{}, error) {
	bedrockMessages := make([]map[string]interface{}, 0, len(messages))

	for i, msg := range messages {
		role := string(msg.Role)
		if role == "" {
			return nil, NewValidationError(fmt.Sprintf("message %d: role is required", i), nil)
		}
		if len(msg.Content) == 0 {
			return nil, NewValidationError(fmt.Sprintf("message %d: content is required", i), nil)
		}

		contentJSON, err := json.Marshal(msg.Content)
		if err != nil {
			return nil, NewValidationError(fmt.Sprintf("message %d: content is not serializable", i), err)
		}
		var content []map[string]interface{}
		if err := json.Unmarshal(contentJSON, &content); err != nil {
			return nil, NewValidationError(fmt.Sprintf("message %d: content has unexpected shape", i), err)
		}

		bedrockMessages = append(bedrockMessages, map[string]interface{}{
			"role":    role,
			"content": content,
		})
	}

	return bedrockMessages, nil
}

// Invoke sends a non-streaming request through Bedrock and adapts the
// response to an Anthropic message.
func (ba *BedrockAdapter) Invoke(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	payload, err := BuildBedrockPayload(params)
	if err != nil {
		return nil, err
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, NewValidationError("failed to marshal Bedrock payload", err)
	}

	modelID := GetBedrockModelID(string(params.Model), ba.cfg)
	region := ba.cfg.AWSRegion

	client, err := ba.regionClient(ctx, region)
	if err != nil {
		return nil, err
	}

	Debug("Calling Bedrock API")
	output, err := client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		Body:        payloadJSON,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		Debug("Bedrock API error: %v", err)
		return nil, NewInvokeError(fmt.Sprintf("bedrock invoke failed for model %s in region %s", modelID, region), err)
	}

	if !gjson.ValidBytes(output.Body) {
		return nil, NewInvokeError(fmt.Sprintf("bedrock returned invalid JSON for model %s in region %s", modelID, region), nil)
	}

	msg := newBedrockMessage(output.Body, string(params.Model))
	Debug("Successfully created message via Bedrock")
	return msg, nil
}

// InvokeStream sends a streaming request through Bedrock and returns a
// single-pass stream over the decoded chunks.
func (ba *BedrockAdapter) InvokeStream(ctx context.Context, params anthropic.MessageNewParams) (*BedrockStream, error) {
	payload, err := BuildBedrockPayload(params)
	if err != nil {
		return nil, err
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, NewValidationError("failed to marshal Bedrock payload", err)
	}

	modelID := GetBedrockModelID(string(params.Model), ba.cfg)
	region := ba.cfg.AWSRegion

	client, err := ba.regionClient(ctx, region)
	if err != nil {
		return nil, err
	}

	Debug("Calling Bedrock streaming API")
	output, err := client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(modelID),
		Body:        payloadJSON,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		Debug("Bedrock streaming API error: %v", err)
		return nil, NewInvokeError(fmt.Sprintf("bedrock streaming invoke failed for model %s in region %s", modelID, region), err)
	}

	Debug("Successfully created streaming message via Bedrock")
	return newBedrockStream(&eventStreamChunks{stream: output.GetStream()}, string(params.Model)), nil
}

// chunkSource yields raw JSON chunk payloads from a Bedrock response stream.
type chunkSource interface {
	Next() ([]byte, bool)
	Err() error
	Close() error
}

// eventStreamChunks adapts the AWS SDK's event stream to a chunkSource.
type eventStreamChunks struct {
	stream *bedrockruntime.InvokeModelWithResponseStreamEventStream
}

func (e *eventStreamChunks) Next() ([]byte, bool) {
	for event := range e.stream.Events() {
		if chunk, ok := event.(*types.ResponseStreamMemberChunk); ok {
			return chunk.Value.Bytes, true
		}
	}
	return nil, false
}

func (e *eventStreamChunks) Err() error {
	return e.stream.Err()
}

func (e *eventStreamChunks) Close() error {
	return e.stream.Close()
}

// StreamAccumulator gathers text, usage, and the stop reason from a
// streaming response. Finalization is idempotent.
type StreamAccumulator struct {
	text         strings.Builder
	inputTokens  int64
	outputTokens int64
	stopReason   string
	finalized    bool
}

// AddText appends a text fragment.
func (a *StreamAccumulator) AddText(text string) {
	a.text.WriteString(text)
}

// SetUsage records token counts; zero values leave existing counts alone.
func (a *StreamAccumulator) SetUsage(input, output int64) {
	if input > 0 {
		a.inputTokens = input
	}
	if output > 0 {
		a.outputTokens = output
	}
}

// SetStopReason records the stop reason if one was reported.
func (a *StreamAccumulator) SetStopReason(reason string) {
	if reason != "" {
		a.stopReason = reason
	}
}

// Finalize marks accumulation complete. Only the first call has effect.
func (a *StreamAccumulator) Finalize() bool {
	if a.finalized {
		return false
	}
	a.finalized = true
	return true
}

// Text returns the accumulated response text.
func (a *StreamAccumulator) Text() string { return a.text.String() }

// Usage returns the accumulated token counts.
func (a *StreamAccumulator) Usage() (input, output int64) {
	return a.inputTokens, a.outputTokens
}

// StopReason returns the recorded provider stop reason, if any.
func (a *StreamAccumulator) StopReason() string { return a.stopReason }

// Finalized reports whether accumulation completed.
func (a *StreamAccumulator) Finalized() bool { return a.finalized }

// BedrockStream decodes a Bedrock response stream chunk by chunk. It is
// single-pass: Next advances to the next text fragment, Text returns it.
// Malformed chunks are logged and skipped, never surfaced to the caller.
type BedrockStream struct {
	source chunkSource
	model  string

	acc     StreamAccumulator
	current string
	closed  bool
}

func newBedrockStream(source chunkSource, model string) *BedrockStream {
	return &BedrockStream{source: source, model: model}
}

// Next advances the stream to the next text fragment. It returns false when
// the stream is exhausted or closed.
func (bs *BedrockStream) Next() bool {
	if bs.closed {
		return false
	}

	for {
		chunk, ok := bs.source.Next()
		if !ok {
			bs.acc.Finalize()
			return false
		}
		if text, yielded := bs.decodeChunk(chunk); yielded {
			bs.acc.AddText(text)
			bs.current = text
			return true
		}
	}
}

// decodeChunk applies one chunk to the accumulator. It returns the text
// fragment and true when the chunk carries caller-visible text.
func (bs *BedrockStream) decodeChunk(chunk []byte) (string, bool) {
	if !gjson.ValidBytes(chunk) {
		Warn("skipping malformed Bedrock stream chunk")
		return "", false
	}

	parsed := gjson.ParseBytes(chunk)
	switch parsed.Get("type").String() {
	case "message_start":
		usage := parsed.Get("message.usage")
		bs.acc.SetUsage(usage.Get("input_tokens").Int(), usage.Get("output_tokens").Int())
	case "content_block_delta":
		if text := parsed.Get("delta.text"); text.Exists() {
			return text.String(), true
		}
	case "message_delta":
		bs.acc.SetStopReason(parsed.Get("delta.stop_reason").String())
		if usage := parsed.Get("usage"); usage.Exists() {
			bs.acc.SetUsage(usage.Get("input_tokens").Int(), usage.Get("output_tokens").Int())
		}
	case "message_stop":
		if usage := parsed.Get("usage"); usage.Exists() {
			bs.acc.SetUsage(usage.Get("input_tokens").Int(), usage.Get("output_tokens").Int())
		}
		if metrics := parsed.Get("amazon-bedrock-invocationMetrics"); metrics.Exists() {
			bs.acc.SetUsage(metrics.Get("inputTokenCount").Int(), metrics.Get("outputTokenCount").Int())
		}
		bs.acc.Finalize()
	default:
		Debug("ignoring Bedrock stream chunk type %q", parsed.Get("type").String())
	}
	return "", false
}

// Text returns the fragment the stream is positioned on.
func (bs *BedrockStream) Text() string { return bs.current }

// Err returns the first transport error encountered, wrapped as a stream
// error.
func (bs *BedrockStream) Err() error {
	if err := bs.source.Err(); err != nil {
		return NewStreamError("bedrock stream failed", err)
	}
	return nil
}

// Accumulator exposes the stream's accumulated state.
func (bs *BedrockStream) Accumulator() *StreamAccumulator { return &bs.acc }

// Message builds the adapted Anthropic message from accumulated state.
func (bs *BedrockStream) Message() *anthropic.Message {
	return newStreamMessage(&bs.acc, bs.model)
}

// Close closes the underlying stream. Safe to call more than once.
func (bs *BedrockStream) Close() error {
	if bs.closed {
		return nil
	}
	bs.closed = true
	bs.acc.Finalize()
	return bs.source.Close()
}
