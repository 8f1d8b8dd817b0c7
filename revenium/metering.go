package revenium

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/uuid"
)

const meteringPath = "/meter/v2/ai/completions"

// Stop reason values accepted by the Revenium metering API.
const (
	StopReasonEnd         = "END"
	StopReasonEndSequence = "END_SEQUENCE"
	StopReasonTokenLimit  = "TOKEN_LIMIT"
	StopReasonError       = "ERROR"
)

// MapStopReason normalizes provider stop reasons to the metering API's
// enum. Unknown reasons fall back to END rather than failing the event.
func MapStopReason(providerReason string) string {
	switch providerReason {
	case "end_turn":
		return StopReasonEnd
	case "stop_sequence", "tool_use":
		return StopReasonEndSequence
	case "max_tokens", "model_context_window_exceeded":
		return StopReasonTokenLimit
	case "content_filter", "refusal":
		return StopReasonError
	case "":
		Debug("Stop reason is empty, defaulting to END")
		return StopReasonEnd
	default:
		Debug("Unknown stop reason '%s', defaulting to END", providerReason)
		return StopReasonEnd
	}
}

// SubscriberResource identifies the end user making the AI request.
type SubscriberResource struct {
	ID         string              `json:"id,omitempty"`
	Email      string              `json:"email,omitempty"`
	Credential *CredentialResource `json:"credential,omitempty"`
}

// CredentialResource identifies the API key or credential used by the subscriber.
type CredentialResource struct {
	Name  string `json:"name,omitempty"`
	Value string `json:"value,omitempty"`
}

// UsageEvent is one metered AI completion, matching the
// AICompletionMetadataResource schema of the Revenium metering API.
// Events are built once per completed call and not mutated afterwards.
type UsageEvent struct {
	StopReason       string `json:"stopReason"`
	CostType         string `json:"costType"`
	IsStreamed       bool   `json:"isStreamed"`
	OperationType    string `json:"operationType"`
	OperationSubtype string `json:"operationSubtype,omitempty"`

	InputTokenCount         int64 `json:"inputTokenCount"`
	OutputTokenCount        int64 `json:"outputTokenCount"`
	ReasoningTokenCount     int64 `json:"reasoningTokenCount"`
	CacheCreationTokenCount int64 `json:"cacheCreationTokenCount"`
	CacheReadTokenCount     int64 `json:"cacheReadTokenCount"`
	TotalTokenCount         int64 `json:"totalTokenCount"`

	Model       string `json:"model"`
	Provider    string `json:"provider"`
	ModelSource string `json:"modelSource,omitempty"`

	TransactionID       string `json:"transactionId"`
	RequestTime         string `json:"requestTime"`
	ResponseTime        string `json:"responseTime"`
	CompletionStartTime string `json:"completionStartTime"`
	RequestDuration     int64  `json:"requestDuration"`
	TimeToFirstToken    int64  `json:"timeToFirstToken"`
	MiddlewareSource    string `json:"middlewareSource"`

	// Trace visualization fields
	Environment         string `json:"environment,omitempty"`
	Region              string `json:"region,omitempty"`
	CredentialAlias     string `json:"credentialAlias,omitempty"`
	TraceID             string `json:"traceId,omitempty"`
	TraceType           string `json:"traceType,omitempty"`
	TraceName           string `json:"traceName,omitempty"`
	ParentTransactionID string `json:"parentTransactionId,omitempty"`
	TransactionName     string `json:"transactionName,omitempty"`
	RetryNumber         int    `json:"retryNumber"`

	// Business context passthrough
	OrganizationID       string              `json:"organizationId,omitempty"`
	ProductID            string              `json:"productId,omitempty"`
	SubscriptionID       string              `json:"subscriptionId,omitempty"`
	TaskType             string              `json:"taskType,omitempty"`
	TaskID               string              `json:"taskId,omitempty"`
	Agent                string              `json:"agent,omitempty"`
	Subscriber           *SubscriberResource `json:"subscriber,omitempty"`
	ResponseQualityScore *float64            `json:"responseQualityScore,omitempty"`
	MediationLatency     *int64              `json:"mediationLatency,omitempty"`
	Temperature          *float64            `json:"temperature,omitempty"`
	SystemFingerprint    string              `json:"systemFingerprint,omitempty"`

	// Cost overrides (typically unset so Revenium calculates)
	InputTokenCost         *float64 `json:"inputTokenCost,omitempty"`
	OutputTokenCost        *float64 `json:"outputTokenCost,omitempty"`
	CacheCreationTokenCost *float64 `json:"cacheCreationTokenCost,omitempty"`
	CacheReadTokenCost     *float64 `json:"cacheReadTokenCost,omitempty"`
	TotalCost              *float64 `json:"totalCost,omitempty"`

	ErrorReason string `json:"errorReason,omitempty"`

	// Prompt capture (opt-in)
	SystemPrompt     string `json:"systemPrompt,omitempty"`
	InputMessages    string `json:"inputMessages,omitempty"`
	OutputResponse   string `json:"outputResponse,omitempty"`
	PromptsTruncated bool   `json:"promptsTruncated,omitempty"`

	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// callTiming captures the timestamps measured around one call.
type callTiming struct {
	Start      time.Time
	End        time.Time
	FirstToken time.Time // zero for non-streaming calls
}

func isoUTC(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// buildUsageEvent assembles the usage event for one completed call. The
// metadata map is expected to be merged and sanitized already.
func buildUsageEvent(
	resp *anthropic.Message,
	metadata map[string]interface{},
	cfg *Config,
	provider Provider,
	isStreamed bool,
	timing callTiming,
	params *anthropic.MessageNewParams,
	prompts *PromptData,
) *UsageEvent {
	pm := GetProviderMetadata(provider)
	tf := ResolveTraceFields(metadata, cfg)
	opType, opSubtype := DetectOperationType(params)

	completionStart := timing.Start
	ttft := int64(0)
	if !timing.FirstToken.IsZero() {
		completionStart = timing.FirstToken
		ttft = timing.FirstToken.Sub(timing.Start).Milliseconds()
	}

	ev := &UsageEvent{
		StopReason:       MapStopReason(string(resp.StopReason)),
		CostType:         "AI",
		IsStreamed:       isStreamed,
		OperationType:    opType,
		OperationSubtype: opSubtype,

		InputTokenCount:         resp.Usage.InputTokens,
		OutputTokenCount:        resp.Usage.OutputTokens,
		CacheCreationTokenCount: resp.Usage.CacheCreationInputTokens,
		CacheReadTokenCount:     resp.Usage.CacheReadInputTokens,
		TotalTokenCount:         resp.Usage.InputTokens + resp.Usage.OutputTokens,

		Model:       string(resp.Model),
		Provider:    pm.Provider,
		ModelSource: pm.ModelSource,

		TransactionID:       uuid.NewString(),
		RequestTime:         isoUTC(timing.Start),
		ResponseTime:        isoUTC(timing.End),
		CompletionStartTime: isoUTC(completionStart),
		RequestDuration:     timing.End.Sub(timing.Start).Milliseconds(),
		TimeToFirstToken:    ttft,
		MiddlewareSource:    GetMiddlewareSource(),

		Environment:         tf.Environment,
		Region:              tf.Region,
		CredentialAlias:     tf.CredentialAlias,
		TraceType:           tf.TraceType,
		TraceName:           tf.TraceName,
		ParentTransactionID: tf.ParentTransactionID,
		TransactionName:     tf.TransactionName,
		RetryNumber:         tf.RetryNumber,
	}

	if cfg != nil {
		ev.OrganizationID = cfg.ReveniumOrgID
		ev.ProductID = cfg.ReveniumProductID
	}
	applyMetadataPassthrough(ev, metadata)

	if prompts != nil {
		if prompts.SystemPrompt != "" {
			ev.SystemPrompt = prompts.SystemPrompt
		}
		if prompts.InputMessages != "" {
			ev.InputMessages = prompts.InputMessages
		}
		if prompts.OutputResponse != "" {
			ev.OutputResponse = prompts.OutputResponse
		}
		if prompts.PromptsTruncated {
			ev.PromptsTruncated = true
		}
	}

	if params != nil {
		if vision := DetectVisionContent(*params); vision.HasVisionContent {
			ev.Attributes = BuildVisionAttributes(vision)
		}
	}

	return ev
}

// applyMetadataPassthrough copies recognized business fields from caller
// metadata onto the event. Keys are probed camelCase first, then
// snake_case, matching the trace field resolver. Unknown keys are ignored;
// operationType is fixed by detection and never overridden.
func applyMetadataPassthrough(ev *UsageEvent, metadata map[string]interface{}) {
	if metadata == nil {
		return
	}

	lookup := func(camelKey, snakeKey string) (interface{}, bool) {
		for _, key := range []string{camelKey, snakeKey} {
			if v, ok := metadata[key]; ok && v != nil {
				return v, true
			}
		}
		return nil, false
	}
	setString := func(camelKey, snakeKey string, dst *string) {
		if v, ok := lookup(camelKey, snakeKey); ok {
			if s, ok := v.(string); ok {
				*dst = s
			} else {
				*dst = fmt.Sprint(v)
			}
		}
	}
	setFloat := func(camelKey, snakeKey string, dst **float64) {
		if v, ok := lookup(camelKey, snakeKey); ok {
			switch n := v.(type) {
			case float64:
				*dst = &n
			case int:
				f := float64(n)
				*dst = &f
			case int64:
				f := float64(n)
				*dst = &f
			}
		}
	}

	setString("organizationId", "organization_id", &ev.OrganizationID)
	setString("productId", "product_id", &ev.ProductID)
	setString("subscriptionId", "subscription_id", &ev.SubscriptionID)
	setString("taskType", "task_type", &ev.TaskType)
	setString("taskId", "task_id", &ev.TaskID)
	setString("agent", "agent", &ev.Agent)
	setString("traceId", "trace_id", &ev.TraceID)
	setString("systemFingerprint", "system_fingerprint", &ev.SystemFingerprint)
	setString("modelSource", "model_source", &ev.ModelSource)

	if v, ok := lookup("transactionId", "transaction_id"); ok {
		if s, ok := v.(string); ok && s != "" {
			ev.TransactionID = s
		}
	}

	if v, ok := lookup("subscriber", "subscriber"); ok {
		if sub := decodeSubscriber(v); sub != nil {
			ev.Subscriber = sub
		}
	}

	setFloat("responseQualityScore", "response_quality_score", &ev.ResponseQualityScore)
	setFloat("temperature", "temperature", &ev.Temperature)
	setFloat("inputTokenCost", "input_token_cost", &ev.InputTokenCost)
	setFloat("outputTokenCost", "output_token_cost", &ev.OutputTokenCost)
	setFloat("cacheCreationTokenCost", "cache_creation_token_cost", &ev.CacheCreationTokenCost)
	setFloat("cacheReadTokenCost", "cache_read_token_cost", &ev.CacheReadTokenCost)
	setFloat("totalCost", "total_cost", &ev.TotalCost)

	if v, ok := lookup("mediationLatency", "mediation_latency"); ok {
		switch n := v.(type) {
		case int:
			l := int64(n)
			ev.MediationLatency = &l
		case int64:
			ev.MediationLatency = &n
		case float64:
			l := int64(n)
			ev.MediationLatency = &l
		}
	}

	if v, ok := lookup("errorReason", "error_reason"); ok {
		ev.ErrorReason = fmt.Sprint(v)
		ev.StopReason = StopReasonError
	}
}

// decodeSubscriber accepts either a *SubscriberResource or the map shape
// callers pass through metadata.
func decodeSubscriber(v interface{}) *SubscriberResource {
	switch sub := v.(type) {
	case *SubscriberResource:
		return sub
	case SubscriberResource:
		return &sub
	case map[string]interface{}:
		raw, err := json.Marshal(sub)
		if err != nil {
			return nil
		}
		var out SubscriberResource
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil
		}
		return &out
	default:
		return nil
	}
}

// MeteringClient delivers usage events to the Revenium metering API.
type MeteringClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewMeteringClient creates a metering client from config.
func NewMeteringClient(cfg *Config) *MeteringClient {
	baseURL := defaultReveniumBaseURL
	apiKey := ""
	if cfg != nil {
		if cfg.ReveniumBaseURL != "" {
			baseURL = cfg.ReveniumBaseURL
		}
		apiKey = cfg.ReveniumAPIKey
	}
	return &MeteringClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Send delivers one usage event, retrying transient failures with
// exponential backoff. Validation rejections (4xx) are not retried.
func (mc *MeteringClient) Send(event *UsageEvent) error {
	const maxRetries = 3
	const initialBackoff = 100 * time.Millisecond

	var lastErr error
	backoff := initialBackoff

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}

		err := mc.send(event)
		if err == nil {
			return nil
		}
		lastErr = err

		if IsValidationError(err) || IsConfigError(err) {
			return err
		}
	}

	return NewMeteringError("metering failed after retries", fmt.Errorf("retries: %d, last error: %w", maxRetries, lastErr))
}

func (mc *MeteringClient) send(event *UsageEvent) error {
	if mc.apiKey == "" {
		return NewConfigError("metering not configured", nil)
	}

	jsonData, err := json.Marshal(event)
	if err != nil {
		return NewMeteringError("failed to marshal usage event", err)
	}

	url := mc.baseURL + meteringPath
	Debug("[METERING] Sending payload to %s: %s", url, string(jsonData))

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return NewMeteringError("failed to create metering request", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("x-api-key", mc.apiKey)
	req.Header.Set("User-Agent", GetUserAgent())

	resp, err := mc.httpClient.Do(req)
	if err != nil {
		return NewNetworkError("metering request failed", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return NewValidationError(fmt.Sprintf("metering API returned %d: %s", resp.StatusCode, string(body)), nil)
		}
		return NewMeteringError("metering API error", fmt.Errorf("status %d: %s", resp.StatusCode, string(body)))
	}

	return nil
}
