package revenium

import (
	"fmt"
	"strconv"

	"github.com/anthropics/anthropic-sdk-go"
)

const (
	// MaxTraceTypeLength is the longest accepted traceType value.
	MaxTraceTypeLength = 128
	// MaxTraceNameLength is the longest accepted traceName value;
	// longer names are truncated, not rejected.
	MaxTraceNameLength = 256
)

// Operation type values accepted by the metering API.
const (
	OperationTypeChat     = "CHAT"
	OperationTypeToolCall = "TOOL_CALL"
)

// TraceFields carries the distributed-tracing fields attached to a usage
// event. Values come from per-call metadata first, then environment-derived
// config defaults.
type TraceFields struct {
	Environment         string
	Region              string
	CredentialAlias     string
	TraceType           string
	TraceName           string
	ParentTransactionID string
	TransactionName     string
	RetryNumber         int
	OperationType       string
	OperationSubtype    string
}

// ResolveTraceFields resolves each trace field from metadata (camelCase key
// first, then snake_case), falling back to the config defaults. Resolved
// traceType and traceName values are validated and normalized.
func ResolveTraceFields(metadata map[string]interface{}, cfg *Config) TraceFields {
	var def Config
	if cfg != nil {
		def = *cfg
	}

	tf := TraceFields{
		Environment:         metadataString(metadata, "environment", "environment", def.DefaultEnvironment),
		Region:              metadataString(metadata, "region", "region", def.DefaultRegion),
		CredentialAlias:     metadataString(metadata, "credentialAlias", "credential_alias", def.DefaultCredentialAlias),
		TraceType:           metadataString(metadata, "traceType", "trace_type", def.DefaultTraceType),
		TraceName:           metadataString(metadata, "traceName", "trace_name", def.DefaultTraceName),
		ParentTransactionID: metadataString(metadata, "parentTransactionId", "parent_transaction_id", def.DefaultParentTransactionID),
		TransactionName:     metadataString(metadata, "transactionName", "transaction_name", def.DefaultTransactionName),
		RetryNumber:         metadataInt(metadata, "retryNumber", "retry_number", def.DefaultRetryNumber),
	}

	tf.TraceType = ValidateTraceType(tf.TraceType)
	tf.TraceName = ValidateTraceName(tf.TraceName)
	return tf
}

// ValidateTraceType returns the trace type unchanged when it is at most
// MaxTraceTypeLength characters of [A-Za-z0-9_-], and empty otherwise.
// An invalid trace type is dropped rather than failing the event.
func ValidateTraceType(traceType string) string {
	if traceType == "" {
		return ""
	}
	if len(traceType) > MaxTraceTypeLength {
		Warn("traceType exceeds %d characters, dropping", MaxTraceTypeLength)
		return ""
	}
	for i := 0; i < len(traceType); i++ {
		c := traceType[i]
		ok := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') || c == '_' || c == '-'
		if !ok {
			Warn("traceType contains invalid character %q, dropping", c)
			return ""
		}
	}
	return traceType
}

// ValidateTraceName truncates the trace name to MaxTraceNameLength
// characters. The limit counts runes, not bytes, so a multi-byte name is
// never cut mid-character.
func ValidateTraceName(traceName string) string {
	if runes := []rune(traceName); len(runes) > MaxTraceNameLength {
		Debug("traceName truncated to %d characters", MaxTraceNameLength)
		return string(runes[:MaxTraceNameLength])
	}
	return traceName
}

// DetectOperationType classifies a request as TOOL_CALL when it declares
// tools and CHAT otherwise. The operation subtype is reserved for future
// classification and is always empty.
func DetectOperationType(params *anthropic.MessageNewParams) (opType, opSubtype string) {
	if params != nil && len(params.Tools) > 0 {
		return OperationTypeToolCall, ""
	}
	return OperationTypeChat, ""
}

func metadataString(metadata map[string]interface{}, camelKey, snakeKey, fallback string) string {
	for _, key := range []string{camelKey, snakeKey} {
		if v, ok := metadata[key]; ok && v != nil {
			if s, ok := v.(string); ok {
				return s
			}
			return fmt.Sprint(v)
		}
	}
	return fallback
}

func metadataInt(metadata map[string]interface{}, camelKey, snakeKey string, fallback int) int {
	for _, key := range []string{camelKey, snakeKey} {
		v, ok := metadata[key]
		if !ok || v == nil {
			continue
		}
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		case string:
			if parsed, err := strconv.Atoi(n); err == nil {
				return parsed
			}
		}
	}
	return fallback
}
