package revenium

import (
	"context"
	"fmt"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userMessage(text string) anthropic.MessageParam {
	return anthropic.NewUserMessage(anthropic.NewTextBlock(text))
}

func validParams() anthropic.MessageNewParams {
	return anthropic.MessageNewParams{
		Model:     "claude-3-5-sonnet-20241022",
		MaxTokens: 100,
		Messages:  []anthropic.MessageParam{userMessage("Hello")},
	}
}

func TestBuildBedrockPayload(t *testing.T) {
	t.Run("valid request", func(t *testing.T) {
		params := validParams()
		params.Temperature = anthropic.Float(0.7)
		params.TopP = anthropic.Float(0.9)
		params.TopK = anthropic.Int(40)
		params.StopSequences = []string{"STOP"}
		params.System = []anthropic.TextBlockParam{{Text: "Be brief."}}

		payload, err := BuildBedrockPayload(params)
		require.NoError(t, err)

		assert.Equal(t, bedrockAnthropicVersion, payload["anthropic_version"])
		assert.Equal(t, int64(100), payload["max_tokens"])
		assert.Equal(t, 0.7, payload["temperature"])
		assert.Equal(t, 0.9, payload["top_p"])
		assert.Equal(t, int64(40), payload["top_k"])
		assert.Equal(t, []string{"STOP"}, payload["stop_sequences"])
		assert.Equal(t, "Be brief.", payload["system"])

		messages := payload["messages"].([]map[string]interface{})
		require.Len(t, messages, 1)
		assert.Equal(t, "user", messages[0]["role"])
	})

	t.Run("empty messages rejected", func(t *testing.T) {
		params := validParams()
		params.Messages = nil

		_, err := BuildBedrockPayload(params)
		require.Error(t, err)
		assert.True(t, IsValidationError(err))
	})

	t.Run("message without content names its index", func(t *testing.T) {
		params := validParams()
		params.Messages = []anthropic.MessageParam{
			userMessage("ok"),
			{Role: anthropic.MessageParamRoleUser},
		}

		_, err := BuildBedrockPayload(params)
		require.Error(t, err)
		assert.True(t, IsValidationError(err))
		assert.Contains(t, err.Error(), "message 1")
	})

	t.Run("max_tokens bounds", func(t *testing.T) {
		params := validParams()
		params.MaxTokens = 0
		_, err := BuildBedrockPayload(params)
		assert.True(t, IsValidationError(err))

		params.MaxTokens = MaxBedrockTokens + 1
		_, err = BuildBedrockPayload(params)
		assert.True(t, IsValidationError(err))

		params.MaxTokens = MaxBedrockTokens
		_, err = BuildBedrockPayload(params)
		assert.NoError(t, err)
	})

	t.Run("sampling bounds", func(t *testing.T) {
		params := validParams()
		params.Temperature = anthropic.Float(1.5)
		_, err := BuildBedrockPayload(params)
		assert.True(t, IsValidationError(err))

		params = validParams()
		params.TopP = anthropic.Float(-0.1)
		_, err = BuildBedrockPayload(params)
		assert.True(t, IsValidationError(err))

		params = validParams()
		params.TopK = anthropic.Int(0)
		_, err = BuildBedrockPayload(params)
		assert.True(t, IsValidationError(err))
	})

	t.Run("unset sampling options omitted", func(t *testing.T) {
		payload, err := BuildBedrockPayload(validParams())
		require.NoError(t, err)

		_, hasTemp := payload["temperature"]
		_, hasTopP := payload["top_p"]
		_, hasTopK := payload["top_k"]
		assert.False(t, hasTemp)
		assert.False(t, hasTopP)
		assert.False(t, hasTopK)
	})
}

func TestGetBedrockModelID(t *testing.T) {
	t.Run("known models use published IDs", func(t *testing.T) {
		assert.Equal(t, "anthropic.claude-3-5-sonnet-20241022-v2:0", GetBedrockModelID("claude-3-5-sonnet-20241022", nil))
		assert.Equal(t, "anthropic.claude-3-opus-20240229-v1:0", GetBedrockModelID("claude-3-opus-20240229", nil))
	})

	t.Run("unknown models derive an ID", func(t *testing.T) {
		assert.Equal(t, "anthropic.claude-test-model", GetBedrockModelID("claude-test-model", nil))
	})

	t.Run("already-prefixed IDs pass through", func(t *testing.T) {
		assert.Equal(t, "anthropic.claude-3-haiku-20240307-v1:0", GetBedrockModelID("anthropic.claude-3-haiku-20240307-v1:0", nil))
	})

	t.Run("full ARNs pass through", func(t *testing.T) {
		arn := "arn:aws:bedrock:us-east-1:123456789012:inference-profile/us.anthropic.claude-3-opus-v1:0"
		assert.Equal(t, arn, GetBedrockModelID(arn, nil))
	})

	t.Run("configured base ARN builds inference profile", func(t *testing.T) {
		cfg := &Config{AWSModelARNBase: "arn:aws:bedrock:us-east-1:123456789012"}
		got := GetBedrockModelID("claude-3-opus-20240229", cfg)
		assert.Equal(t, "arn:aws:bedrock:us-east-1:123456789012:inference-profile/us.anthropic.claude-3-opus-20240229-v1:0", got)
	})

	t.Run("invalid base ARN falls back to standard format", func(t *testing.T) {
		cfg := &Config{AWSModelARNBase: "arn:aws:bedrock:bogus"}
		got := GetBedrockModelID("claude-3-opus-20240229", cfg)
		assert.Equal(t, "anthropic.claude-3-opus-20240229-v1:0", got)
	})
}

func TestValidateBedrockBaseARN(t *testing.T) {
	assert.NoError(t, ValidateBedrockBaseARN("arn:aws:bedrock:us-east-1:123456789012"))
	assert.Error(t, ValidateBedrockBaseARN(""))
	assert.Error(t, ValidateBedrockBaseARN("arn:aws:bedrock:us-east-1:123456789012:inference-profile/us.anthropic.x-v1:0"))
	assert.Error(t, ValidateBedrockBaseARN("arn:aws:bedrock"))
}

func TestConvertBedrockARNToAnthropicModel(t *testing.T) {
	t.Run("plain names pass through", func(t *testing.T) {
		got, err := ConvertBedrockARNToAnthropicModel("claude-3-opus-20240229")
		require.NoError(t, err)
		assert.Equal(t, "claude-3-opus-20240229", got)
	})

	t.Run("inference profile ARN", func(t *testing.T) {
		got, err := ConvertBedrockARNToAnthropicModel("arn:aws:bedrock:us-east-1:123456789012:inference-profile/us.anthropic.claude-3-opus-20240229-v1:0")
		require.NoError(t, err)
		assert.Equal(t, "claude-3-opus-20240229", got)
	})

	t.Run("bedrock model ID", func(t *testing.T) {
		got, err := ConvertBedrockARNToAnthropicModel("anthropic.claude-3-5-sonnet-20241022-v2:0")
		require.NoError(t, err)
		assert.Equal(t, "claude-3-5-sonnet-20241022", got)
	})
}

// fakeInvoker satisfies bedrockInvoker without touching AWS.
type fakeInvoker struct {
	invokeFn func(ctx context.Context, input *bedrockruntime.InvokeModelInput) (*bedrockruntime.InvokeModelOutput, error)
}

func (f *fakeInvoker) InvokeModel(ctx context.Context, input *bedrockruntime.InvokeModelInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	if f.invokeFn == nil {
		return nil, fmt.Errorf("not implemented")
	}
	return f.invokeFn(ctx, input)
}

func (f *fakeInvoker) InvokeModelWithResponseStream(context.Context, *bedrockruntime.InvokeModelWithResponseStreamInput, ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelWithResponseStreamOutput, error) {
	return nil, fmt.Errorf("not implemented")
}

func newTestAdapter(t *testing.T, cfg *Config, invoker bedrockInvoker) *BedrockAdapter {
	t.Helper()
	adapter, err := NewBedrockAdapter(cfg)
	require.NoError(t, err)
	adapter.newInvoker = func(context.Context, string) (bedrockInvoker, error) {
		return invoker, nil
	}
	return adapter
}

func TestBedrockAdapterInvoke(t *testing.T) {
	cfg := &Config{AWSRegion: "us-east-1", BedrockCacheSize: 4}

	t.Run("response adapted to anthropic message", func(t *testing.T) {
		body := `{
			"id": "msg_01",
			"model": "claude-3-5-sonnet-20241022",
			"content": [{"type": "text", "text": "Hi there"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 12, "output_tokens": 7}
		}`
		adapter := newTestAdapter(t, cfg, &fakeInvoker{
			invokeFn: func(_ context.Context, input *bedrockruntime.InvokeModelInput) (*bedrockruntime.InvokeModelOutput, error) {
				assert.Equal(t, "anthropic.claude-3-5-sonnet-20241022-v2:0", *input.ModelId)
				return &bedrockruntime.InvokeModelOutput{Body: []byte(body)}, nil
			},
		})

		msg, err := adapter.Invoke(context.Background(), validParams())
		require.NoError(t, err)

		assert.Equal(t, "msg_01", msg.ID)
		assert.Equal(t, anthropic.Model("claude-3-5-sonnet-20241022"), msg.Model)
		require.Len(t, msg.Content, 1)
		assert.Equal(t, "Hi there", msg.Content[0].Text)
		assert.Equal(t, anthropic.StopReason("end_turn"), msg.StopReason)
		assert.Equal(t, int64(12), msg.Usage.InputTokens)
		assert.Equal(t, int64(7), msg.Usage.OutputTokens)
	})

	t.Run("transport failure wraps model and region", func(t *testing.T) {
		adapter := newTestAdapter(t, cfg, &fakeInvoker{
			invokeFn: func(context.Context, *bedrockruntime.InvokeModelInput) (*bedrockruntime.InvokeModelOutput, error) {
				return nil, fmt.Errorf("throttled")
			},
		})

		_, err := adapter.Invoke(context.Background(), validParams())
		require.Error(t, err)
		assert.True(t, IsInvokeError(err))
		assert.Contains(t, err.Error(), "us-east-1")
	})

	t.Run("validation failure surfaces before transport", func(t *testing.T) {
		called := false
		adapter := newTestAdapter(t, cfg, &fakeInvoker{
			invokeFn: func(context.Context, *bedrockruntime.InvokeModelInput) (*bedrockruntime.InvokeModelOutput, error) {
				called = true
				return nil, nil
			},
		})

		params := validParams()
		params.MaxTokens = -1
		_, err := adapter.Invoke(context.Background(), params)
		assert.True(t, IsValidationError(err))
		assert.False(t, called)
	})
}

func TestBedrockRegionClientCache(t *testing.T) {
	created := []string{}
	adapter, err := NewBedrockAdapter(&Config{AWSRegion: "us-east-1", BedrockCacheSize: 2})
	require.NoError(t, err)
	adapter.newInvoker = func(_ context.Context, region string) (bedrockInvoker, error) {
		created = append(created, region)
		return &fakeInvoker{}, nil
	}

	ctx := context.Background()

	_, err = adapter.regionClient(ctx, "us-east-1")
	require.NoError(t, err)
	_, err = adapter.regionClient(ctx, "us-east-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"us-east-1"}, created, "second lookup should hit the cache")

	_, err = adapter.regionClient(ctx, "eu-west-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"us-east-1", "eu-west-1"}, adapter.cachedRegions())

	// Third region evicts the oldest entry.
	_, err = adapter.regionClient(ctx, "ap-south-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"eu-west-1", "ap-south-1"}, adapter.cachedRegions())

	// The evicted region is recreated on next use.
	_, err = adapter.regionClient(ctx, "us-east-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"us-east-1", "eu-west-1", "ap-south-1", "us-east-1"}, created)
}

// sliceChunks is a chunkSource over in-memory chunks.
type sliceChunks struct {
	chunks [][]byte
	pos    int
	closed bool
}

func (s *sliceChunks) Next() ([]byte, bool) {
	if s.pos >= len(s.chunks) {
		return nil, false
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, true
}

func (s *sliceChunks) Err() error   { return nil }
func (s *sliceChunks) Close() error { s.closed = true; return nil }

func TestBedrockStream(t *testing.T) {
	chunks := [][]byte{
		[]byte(`{"type": "message_start", "message": {"usage": {"input_tokens": 10}}}`),
		[]byte(`{"type": "content_block_delta", "delta": {"type": "text_delta", "text": "Hello"}}`),
		[]byte(`not json at all`),
		[]byte(`{"type": "content_block_delta", "delta": {"type": "text_delta", "text": " world"}}`),
		[]byte(`{"type": "message_delta", "delta": {"stop_reason": "end_turn"}, "usage": {"output_tokens": 5}}`),
		[]byte(`{"type": "message_stop", "amazon-bedrock-invocationMetrics": {"inputTokenCount": 10, "outputTokenCount": 5}}`),
	}

	t.Run("yields text fragments and accumulates usage", func(t *testing.T) {
		stream := newBedrockStream(&sliceChunks{chunks: chunks}, "claude-3-5-haiku-20241022")

		var fragments []string
		for stream.Next() {
			fragments = append(fragments, stream.Text())
		}

		assert.Equal(t, []string{"Hello", " world"}, fragments)
		assert.NoError(t, stream.Err())

		acc := stream.Accumulator()
		assert.Equal(t, "Hello world", acc.Text())
		in, out := acc.Usage()
		assert.Equal(t, int64(10), in)
		assert.Equal(t, int64(5), out)
		assert.Equal(t, "end_turn", acc.StopReason())
		assert.True(t, acc.Finalized())
	})

	t.Run("message assembles from accumulated state", func(t *testing.T) {
		stream := newBedrockStream(&sliceChunks{chunks: chunks}, "claude-3-5-haiku-20241022")
		for stream.Next() {
		}

		msg := stream.Message()
		require.Len(t, msg.Content, 1)
		assert.Equal(t, "Hello world", msg.Content[0].Text)
		assert.Equal(t, anthropic.Model("claude-3-5-haiku-20241022"), msg.Model)
		assert.Equal(t, anthropic.StopReason("end_turn"), msg.StopReason)
		assert.Equal(t, int64(10), msg.Usage.InputTokens)
		assert.Equal(t, int64(5), msg.Usage.OutputTokens)
		assert.NotEmpty(t, msg.ID)
	})

	t.Run("finalize is idempotent", func(t *testing.T) {
		acc := &StreamAccumulator{}
		assert.True(t, acc.Finalize())
		assert.False(t, acc.Finalize())
	})

	t.Run("close stops iteration and closes source", func(t *testing.T) {
		source := &sliceChunks{chunks: chunks}
		stream := newBedrockStream(source, "m")
		require.True(t, stream.Next())
		require.NoError(t, stream.Close())
		assert.True(t, source.closed)
		assert.False(t, stream.Next())
		assert.NoError(t, stream.Close())
	})
}

func TestProbeTokenCounts(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		in, out int64
	}{
		{"camelCase", `{"inputTokens": 1, "outputTokens": 2}`, 1, 2},
		{"snake_case", `{"input_tokens": 3, "output_tokens": 4}`, 3, 4},
		{"legacy", `{"prompt_tokens": 5, "completion_tokens": 6}`, 5, 6},
		{"camel wins over snake", `{"inputTokens": 1, "input_tokens": 9, "output_tokens": 9}`, 1, 0},
		{"missing defaults to zero", `{}`, 0, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := newBedrockMessage([]byte(`{"usage": `+tc.body+`}`), "m")
			assert.Equal(t, tc.in, msg.Usage.InputTokens)
			assert.Equal(t, tc.out, msg.Usage.OutputTokens)
		})
	}

	t.Run("missing id generates synthetic one", func(t *testing.T) {
		msg := newBedrockMessage([]byte(`{}`), "claude-x")
		assert.Contains(t, msg.ID, "msg_bdrk_")
		assert.Equal(t, anthropic.Model("claude-x"), msg.Model)
	})
}
