package credguard

import (
	"context"
	"encoding/json"
	"io"
	"sync"
)

// AuditSink receives a copy of every audit entry the engine appends. Sinks
// are telemetry: the durable record is the [Store] append, which happens
// synchronously before the sink sees the entry.
type AuditSink interface {
	Emit(ctx context.Context, entry AuditEntry)
}

// NoOpSink drops audit entries.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, AuditEntry) {}

// ChannelSink writes audit entries into a buffered channel.
type ChannelSink struct {
	entries chan AuditEntry
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		entries: make(chan AuditEntry, buffer),
	}
}

func (s *ChannelSink) Emit(ctx context.Context, entry AuditEntry) {
	select {
	case s.entries <- entry:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Entries() <-chan AuditEntry {
	return s.entries
}

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{
		writer: w,
	}
}

func (s *JSONWriterSink) Emit(ctx context.Context, entry AuditEntry) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}
