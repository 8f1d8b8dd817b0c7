package revenium

import (
	"encoding/json"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
)

const (
	// MaxPromptLength caps each captured prompt/response field.
	MaxPromptLength = 50000

	// TruncationMarker replaces the tail of over-long captured content.
	TruncationMarker = "...[TRUNCATED]"
)

// PromptData carries captured prompt and response text for a usage event.
// Capture is off by default and only populated when the config enables it.
type PromptData struct {
	SystemPrompt     string
	InputMessages    string
	OutputResponse   string
	PromptsTruncated bool
}

// ExtractPromptsFromParams captures the system prompt and the input
// messages from a request. Messages are serialized as a JSON array of
// {role, content} objects; each message body is truncated individually
// so the array stays valid JSON.
func ExtractPromptsFromParams(params anthropic.MessageNewParams) PromptData {
	var data PromptData

	if system := extractSystemContent(params.System); system != "" {
		system, truncated := truncateWithMarker(system, MaxPromptLength)
		if truncated {
			data.PromptsTruncated = true
			Debug("System prompt truncated to %d characters", MaxPromptLength)
		}
		data.SystemPrompt = system
	}

	var captured []map[string]interface{}
	perMessageLimit := MaxPromptLength / 2
	for _, msg := range params.Messages {
		role, text := messageText(msg)
		if role == "" {
			continue
		}
		text, truncated := truncateWithMarker(text, perMessageLimit)
		if truncated {
			data.PromptsTruncated = true
		}
		captured = append(captured, map[string]interface{}{
			"role":    role,
			"content": text,
		})
	}
	if len(captured) > 0 {
		encoded, err := json.Marshal(captured)
		if err != nil {
			Warn("Failed to serialize input messages: %v", err)
		} else {
			data.InputMessages = string(encoded)
		}
	}

	return data
}

// ExtractResponseContent captures the text blocks of a completed response,
// joined with newlines. The incoming truncation flag is carried through so
// request-side truncation survives into the final event.
func ExtractResponseContent(resp *anthropic.Message, promptsTruncated bool) PromptData {
	data := PromptData{PromptsTruncated: promptsTruncated}
	if resp == nil {
		return data
	}

	var parts []string
	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	if len(parts) == 0 {
		return data
	}

	content, truncated := truncateWithMarker(strings.Join(parts, "\n"), MaxPromptLength)
	if truncated {
		data.PromptsTruncated = true
		Debug("Output response truncated to %d characters", MaxPromptLength)
	}
	data.OutputResponse = content
	return data
}

// ExtractStreamingResponseContent captures the text accumulated over a
// stream once it completes.
func ExtractStreamingResponseContent(accumulated string, promptsTruncated bool) PromptData {
	data := PromptData{PromptsTruncated: promptsTruncated}
	if accumulated == "" {
		return data
	}

	content, truncated := truncateWithMarker(accumulated, MaxPromptLength)
	if truncated {
		data.PromptsTruncated = true
		Debug("Streaming output response truncated to %d characters", MaxPromptLength)
	}
	data.OutputResponse = content
	return data
}

// extractSystemContent joins the text blocks of a system prompt with
// newlines, skipping empty blocks.
func extractSystemContent(system []anthropic.TextBlockParam) string {
	var parts []string
	for _, block := range system {
		if block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// messageText returns a message's role and a flat text rendering of its
// content. Content may be a plain string or a list of blocks; text blocks
// are joined, anything else falls back to the serialized form.
func messageText(msg anthropic.MessageParam) (role, text string) {
	role = string(msg.Role)

	encoded, err := json.Marshal(msg.Content)
	if err != nil {
		return role, ""
	}

	var plain string
	if json.Unmarshal(encoded, &plain) == nil {
		return role, plain
	}

	var blocks []map[string]interface{}
	if json.Unmarshal(encoded, &blocks) == nil {
		var parts []string
		for _, block := range blocks {
			if block["type"] == "text" {
				if s, ok := block["text"].(string); ok {
					parts = append(parts, s)
				}
			}
		}
		if len(parts) > 0 {
			return role, strings.Join(parts, "\n")
		}
	}

	return role, string(encoded)
}

// truncateWithMarker enforces limit on s, appending TruncationMarker when
// anything was cut. The reported flag lets callers mark the event.
func truncateWithMarker(s string, limit int) (string, bool) {
	if len(s) <= limit {
		return s, false
	}
	return truncateUTF8Safe(s, limit-len(TruncationMarker)) + TruncationMarker, true
}

// truncateUTF8Safe cuts s to at most maxBytes without splitting a
// multi-byte character, backing up past any continuation bytes.
func truncateUTF8Safe(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && (s[maxBytes]&0xC0) == 0x80 {
		maxBytes--
	}
	return s[:maxBytes]
}
