package revenium

import (
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// probeTokenCounts extracts input/output token counts from a Bedrock
// response or usage object, trying each spelling the provider ecosystem has
// used: camelCase, snake_case, then the legacy prompt/completion names.
// Missing counts default to zero.
func probeTokenCounts(usage gjson.Result) (input, output int64) {
	pairs := [][2]string{
		{"inputTokens", "outputTokens"},
		{"input_tokens", "output_tokens"},
		{"prompt_tokens", "completion_tokens"},
	}
	for _, pair := range pairs {
		in, out := usage.Get(pair[0]), usage.Get(pair[1])
		if in.Exists() || out.Exists() {
			return in.Int(), out.Int()
		}
	}
	return 0, 0
}

// generateMessageID creates a synthetic message ID for adapted responses
// that carry none of their own.
func generateMessageID() string {
	return "msg_bdrk_" + uuid.NewString()
}

// newBedrockMessage adapts a raw Bedrock response body into an Anthropic
// message, so cloud-route responses are indistinguishable from direct ones.
func newBedrockMessage(body []byte, requestModel string) *anthropic.Message {
	parsed := gjson.ParseBytes(body)

	msg := &anthropic.Message{
		Type: "message",
		Role: "assistant",
	}

	if id := parsed.Get("id").String(); id != "" {
		msg.ID = id
	} else {
		msg.ID = generateMessageID()
	}

	if model := parsed.Get("model").String(); model != "" {
		msg.Model = anthropic.Model(model)
	} else {
		msg.Model = anthropic.Model(requestModel)
	}

	for _, block := range parsed.Get("content").Array() {
		if block.Get("type").String() == "text" {
			msg.Content = append(msg.Content, anthropic.ContentBlockUnion{
				Type: "text",
				Text: block.Get("text").String(),
			})
		}
	}

	if reason := parsed.Get("stop_reason").String(); reason != "" {
		msg.StopReason = anthropic.StopReason(reason)
	}

	usage := parsed.Get("usage")
	if !usage.Exists() {
		usage = parsed
	}
	in, out := probeTokenCounts(usage)
	msg.Usage = anthropic.Usage{
		InputTokens:  in,
		OutputTokens: out,
	}

	return msg
}

// newStreamMessage builds an Anthropic message from accumulated streaming
// state, for metering and FinalMessage on cloud-route streams.
func newStreamMessage(acc *StreamAccumulator, model string) *anthropic.Message {
	msg := &anthropic.Message{
		ID:    generateMessageID(),
		Type:  "message",
		Role:  "assistant",
		Model: anthropic.Model(model),
	}

	if text := acc.Text(); text != "" {
		msg.Content = append(msg.Content, anthropic.ContentBlockUnion{
			Type: "text",
			Text: text,
		})
	}

	if reason := acc.StopReason(); reason != "" {
		msg.StopReason = anthropic.StopReason(reason)
	}

	in, out := acc.Usage()
	msg.Usage = anthropic.Usage{
		InputTokens:  in,
		OutputTokens: out,
	}

	return msg
}
