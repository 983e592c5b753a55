// Package audit carries the engine's security event trail. Events are
// built by the auth flows, handed to an async Dispatcher, and delivered
// to a caller-supplied Sink. Delivery is best effort; losing an audit
// event must never fail or slow down the request that produced it.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// EventType names a security-relevant occurrence, e.g. "login_failure"
// or "refresh_reuse_detected". The engine owns the vocabulary; sinks
// should treat unknown values as forward compatibility, not errors.
type EventType string

// ErrorCode is the stable failure vocabulary carried in events. Codes
// are coarser than the engine's error chain on purpose: they are safe
// to ship to external log pipelines without leaking internals.
type ErrorCode string

// Event is one entry in the security trail.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	EventType EventType `json:"event_type"`
	UserID    string    `json:"user_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	IP        string    `json:"ip,omitempty"`
	// Scope is the rate-limit scope for throttling events, empty
	// otherwise.
	Scope    string            `json:"scope,omitempty"`
	Success  bool              `json:"success"`
	Error    ErrorCode         `json:"error,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Sink receives dispatched events. Implementations must be safe for
// concurrent use; the dispatcher calls Emit from its own goroutine.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NoOpSink discards every event. Used when auditing is enabled but no
// destination was wired.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// ChannelSink forwards events into a buffered channel, for tests and
// for callers that run their own consumer loop.
type ChannelSink struct {
	events chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{events: make(chan Event, buffer)}
}

// Emit blocks until the event is accepted or ctx is cancelled.
func (s *ChannelSink) Emit(ctx context.Context, event Event) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

// Events exposes the receive side of the channel.
func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

// JSONWriterSink serializes each event as one JSON object per line,
// suitable for appending to a log stream.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{writer: w}
}

func (s *JSONWriterSink) Emit(ctx context.Context, event Event) {
	if s == nil || s.writer == nil {
		return
	}
	line, err := json.Marshal(event)
	if err != nil {
		// An event that cannot marshal is dropped; the trail must not
		// take the handler down with it.
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(line)
	_, _ = s.writer.Write([]byte{'\n'})
}
