package revenium

import (
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// MessageStream is the streaming surface returned by CreateMessageStream.
// It behaves identically whether the call was served by the direct Anthropic
// API or by Bedrock: Next advances to the next text fragment, Text returns
// it, FinalMessage assembles the complete response. The stream is
// single-pass and not safe for concurrent use.
//
// Usage is metered exactly once, on stream exhaustion, Close, or
// FinalMessage, whichever happens first.
type MessageStream interface {
	Next() bool
	Text() string
	Err() error
	Close() error
	FinalMessage() (*anthropic.Message, error)
}

// meterFunc receives the assembled message, timing, and the streamed text
// once a stream completes.
type meterFunc func(msg *anthropic.Message, timing callTiming, streamedText string)

// streamMeter fires the metering callback at most once per stream.
type streamMeter struct {
	once  sync.Once
	meter meterFunc
}

func (sm *streamMeter) fire(msg *anthropic.Message, timing callTiming, streamedText string) {
	if sm.meter == nil {
		return
	}
	sm.once.Do(func() {
		sm.meter(msg, timing, streamedText)
	})
}

// anthropicStream adapts the SDK's SSE stream to MessageStream, accumulating
// the response as events arrive.
type anthropicStream struct {
	stream *ssestream.Stream[anthropic.MessageStreamEventUnion]

	model      string
	startTime  time.Time
	firstToken time.Time

	msgID      string
	stopReason anthropic.StopReason
	usage      anthropic.Usage
	text       strings.Builder
	current    string

	meter  streamMeter
	closed bool
}

func newAnthropicStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], model string, startTime time.Time, meter meterFunc) *anthropicStream {
	return &anthropicStream{
		stream:    stream,
		model:     model,
		startTime: startTime,
		meter:     streamMeter{meter: meter},
	}
}

// Next advances to the next text fragment, folding every other event into
// the accumulated message state.
func (s *anthropicStream) Next() bool {
	if s.closed {
		return false
	}

	for s.stream.Next() {
		event := s.stream.Current()
		switch variant := event.AsAny().(type) {
		case anthropic.MessageStartEvent:
			s.msgID = variant.Message.ID
			if variant.Message.Model != "" {
				s.model = string(variant.Message.Model)
			}
			s.applyUsage(variant.Message.Usage.InputTokens, variant.Message.Usage.OutputTokens,
				variant.Message.Usage.CacheCreationInputTokens, variant.Message.Usage.CacheReadInputTokens)

		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := variant.Delta.AsAny().(anthropic.TextDelta); ok {
				if s.firstToken.IsZero() {
					s.firstToken = time.Now()
				}
				s.text.WriteString(delta.Text)
				s.current = delta.Text
				return true
			}

		case anthropic.MessageDeltaEvent:
			if variant.Delta.StopReason != "" {
				s.stopReason = anthropic.StopReason(variant.Delta.StopReason)
			}
			s.applyUsage(variant.Usage.InputTokens, variant.Usage.OutputTokens,
				variant.Usage.CacheCreationInputTokens, variant.Usage.CacheReadInputTokens)

		case anthropic.MessageStopEvent:
			// Keep draining; the SDK ends the stream after this event.
		}
	}

	s.finish()
	return false
}

func (s *anthropicStream) applyUsage(input, output, cacheCreation, cacheRead int64) {
	if input > 0 {
		s.usage.InputTokens = input
	}
	if output > 0 {
		s.usage.OutputTokens = output
	}
	if cacheCreation > 0 {
		s.usage.CacheCreationInputTokens = cacheCreation
	}
	if cacheRead > 0 {
		s.usage.CacheReadInputTokens = cacheRead
	}
}

func (s *anthropicStream) message() *anthropic.Message {
	msg := &anthropic.Message{
		ID:         s.msgID,
		Type:       "message",
		Role:       "assistant",
		Model:      anthropic.Model(s.model),
		StopReason: s.stopReason,
		Usage:      s.usage,
	}
	if msg.ID == "" {
		msg.ID = generateMessageID()
	}
	if text := s.text.String(); text != "" {
		msg.Content = append(msg.Content, anthropic.ContentBlockUnion{Type: "text", Text: text})
	}
	return msg
}

func (s *anthropicStream) finish() {
	// A stream that failed before delivering anything is not metered,
	// matching the non-streaming path.
	if s.stream.Err() != nil && s.msgID == "" && s.text.Len() == 0 {
		return
	}
	s.meter.fire(s.message(), callTiming{
		Start:      s.startTime,
		End:        time.Now(),
		FirstToken: s.firstToken,
	}, s.text.String())
}

func (s *anthropicStream) Text() string { return s.current }

// Err reports the underlying SDK error verbatim so callers can inspect
// the provider's own error types.
func (s *anthropicStream) Err() error { return s.stream.Err() }

func (s *anthropicStream) FinalMessage() (*anthropic.Message, error) {
	for s.Next() {
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return s.message(), nil
}

func (s *anthropicStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.stream.Close()
	s.finish()
	return err
}

// bedrockMessageStream adapts a BedrockStream to MessageStream.
type bedrockMessageStream struct {
	stream *BedrockStream

	startTime  time.Time
	firstToken time.Time

	meter  streamMeter
	closed bool
}

func newBedrockMessageStream(stream *BedrockStream, startTime time.Time, meter meterFunc) *bedrockMessageStream {
	return &bedrockMessageStream{
		stream:    stream,
		startTime: startTime,
		meter:     streamMeter{meter: meter},
	}
}

func (s *bedrockMessageStream) Next() bool {
	if s.closed {
		return false
	}
	if s.stream.Next() {
		if s.firstToken.IsZero() {
			s.firstToken = time.Now()
		}
		return true
	}
	s.finish()
	return false
}

func (s *bedrockMessageStream) finish() {
	s.meter.fire(s.stream.Message(), callTiming{
		Start:      s.startTime,
		End:        time.Now(),
		FirstToken: s.firstToken,
	}, s.stream.Accumulator().Text())
}

func (s *bedrockMessageStream) Text() string { return s.stream.Text() }

func (s *bedrockMessageStream) Err() error { return s.stream.Err() }

func (s *bedrockMessageStream) FinalMessage() (*anthropic.Message, error) {
	for s.Next() {
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return s.stream.Message(), nil
}

func (s *bedrockMessageStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.stream.Close()
	s.finish()
	return err
}
