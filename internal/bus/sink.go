package bus

import (
	gateway "github.com/eugener/radagast/internal"
)

// StreamSink adapts the bus to gateway.StreamSink: backend stream chunks
// become stream_chunk events on the stream channel.
type StreamSink struct {
	bus *Bus
}

// NewStreamSink returns a sink publishing to b.
func NewStreamSink(b *Bus) *StreamSink {
	return &StreamSink{bus: b}
}

// StreamChunk publishes one chunk of incremental backend output.
func (s *StreamSink) StreamChunk(requestID, provider, text string) {
	s.bus.Publish(gateway.NewEvent(gateway.EventStreamChunk, requestID, provider, map[string]any{
		"text": text,
	}))
}
