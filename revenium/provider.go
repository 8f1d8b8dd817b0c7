package revenium

import (
	"strings"
	"sync"
)

// Provider identifies which upstream serves a request.
type Provider string

const (
	ProviderAnthropic Provider = "ANTHROPIC"
	ProviderBedrock   Provider = "AWS"
)

// ProviderMetadata is the provider/model-source attribute pair stamped on
// usage events.
type ProviderMetadata struct {
	Provider    string
	ModelSource string
}

// ClientInfo describes the transport a client was built around, for
// provider detection.
type ClientInfo struct {
	// ServiceName is the cloud SDK service identifier, when the client
	// wraps a cloud SDK ("bedrock-runtime" for Bedrock).
	ServiceName string
	// EndpointURL is the explicit endpoint override, if any.
	EndpointURL string
	// BaseURL is the client's configured base URL.
	BaseURL string
}

// DetectProvider classifies a client as Bedrock or direct Anthropic.
// Detection never fails; anything unrecognized is treated as Anthropic.
func DetectProvider(info ClientInfo) Provider {
	if info.ServiceName == "bedrock-runtime" {
		return ProviderBedrock
	}
	for _, url := range []string{info.EndpointURL, info.BaseURL} {
		if url != "" && strings.Contains(strings.ToLower(url), "amazonaws.com") {
			return ProviderBedrock
		}
	}
	return ProviderAnthropic
}

// DetectProviderFromConfig derives a ClientInfo from middleware config and
// runs detection on it. AWS credentials in config select the Bedrock route
// unless Bedrock is disabled.
func DetectProviderFromConfig(cfg *Config) Provider {
	if cfg == nil {
		return ProviderAnthropic
	}
	if cfg.BedrockDisabled {
		return ProviderAnthropic
	}
	if cfg.AWSAccessKeyID != "" && cfg.AWSSecretAccessKey != "" {
		return ProviderBedrock
	}
	return DetectProvider(ClientInfo{BaseURL: cfg.BaseURL})
}

// GetProviderMetadata returns the provider/model-source pair for a provider.
// The model source is always ANTHROPIC: Bedrock serves Anthropic models.
func GetProviderMetadata(p Provider) ProviderMetadata {
	switch p {
	case ProviderBedrock:
		return ProviderMetadata{Provider: "AWS", ModelSource: "ANTHROPIC"}
	default:
		return ProviderMetadata{Provider: "ANTHROPIC", ModelSource: "ANTHROPIC"}
	}
}

// IsAnthropic returns true if the provider is Anthropic
func (p Provider) IsAnthropic() bool {
	return p == ProviderAnthropic
}

// IsBedrock returns true if the provider is AWS Bedrock
func (p Provider) IsBedrock() bool {
	return p == ProviderBedrock
}

// String returns the string representation of the provider
func (p Provider) String() string {
	return string(p)
}

// ProviderDetector caches the detection result for a client so the route
// decision is computed once and stays stable across calls. Redetect forces
// a fresh detection, e.g. after the client's transport is swapped.
type ProviderDetector struct {
	mu       sync.Mutex
	info     ClientInfo
	detected bool
	provider Provider
}

// NewProviderDetector creates a detector for the given client info.
func NewProviderDetector(info ClientInfo) *ProviderDetector {
	return &ProviderDetector{info: info}
}

// Detect returns the cached provider, detecting on first use.
func (d *ProviderDetector) Detect() Provider {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.detected {
		d.provider = DetectProvider(d.info)
		d.detected = true
	}
	return d.provider
}

// Redetect discards the cached result and detects against the given info.
func (d *ProviderDetector) Redetect(info ClientInfo) Provider {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.info = info
	d.provider = DetectProvider(info)
	d.detected = true
	return d.provider
}
