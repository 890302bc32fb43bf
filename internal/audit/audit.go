package audit

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Event is one security decision: a sign-in step, a factor check, a rotation
// outcome or a revocation.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	UserID    string            `json:"user_id,omitempty"`
	FamilyID  string            `json:"family_id,omitempty"`
	Factor    string            `json:"factor,omitempty"`
	IP        string            `json:"ip,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Sink receives events from the dispatcher goroutine. Emit must not retain ev
// after returning.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// ChannelSink hands events to a consumer over a buffered channel. Emit waits
// for room until ctx is done.
type ChannelSink struct {
	ch chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{ch: make(chan Event, max(buffer, 1))}
}

func (s *ChannelSink) Emit(ctx context.Context, ev Event) {
	select {
	case s.ch <- ev:
	case <-ctx.Done():
	}
}

// Events is the receive side.
func (s *ChannelSink) Events() <-chan Event { return s.ch }

// JSONWriterSink writes newline-delimited JSON. Failed writes are counted
// rather than surfaced since Emit has no caller to report to.
type JSONWriterSink struct {
	mu       sync.Mutex
	enc      *json.Encoder
	failures atomic.Uint64
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	if w == nil {
		return &JSONWriterSink{}
	}
	return &JSONWriterSink{enc: json.NewEncoder(w)}
}

func (s *JSONWriterSink) Emit(_ context.Context, ev Event) {
	if s == nil || s.enc == nil {
		return
	}
	s.mu.Lock()
	err := s.enc.Encode(ev)
	s.mu.Unlock()
	if err != nil {
		s.failures.Add(1)
	}
}

// Failures returns how many events could not be written.
func (s *JSONWriterSink) Failures() uint64 {
	if s == nil {
		return 0
	}
	return s.failures.Load()
}

// ZapSink logs every event as one structured entry. Failed decisions log at
// warn level, the rest at info.
type ZapSink struct {
	logger *zap.Logger
}

func NewZapSink(logger *zap.Logger) *ZapSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapSink{logger: logger.Named("audit")}
}

func (s *ZapSink) Emit(_ context.Context, ev Event) {
	fields := make([]zap.Field, 0, 8+len(ev.Metadata))
	fields = append(fields,
		zap.Time("timestamp", ev.Timestamp),
		zap.Bool("success", ev.Success),
	)
	for _, kv := range [...][2]string{
		{"user_id", ev.UserID},
		{"family_id", ev.FamilyID},
		{"factor", ev.Factor},
		{"ip", ev.IP},
		{"error", ev.Error},
	} {
		if kv[1] != "" {
			fields = append(fields, zap.String(kv[0], kv[1]))
		}
	}
	for k, v := range ev.Metadata {
		fields = append(fields, zap.String("meta."+k, v))
	}

	if ev.Success {
		s.logger.Info(ev.EventType, fields...)
		return
	}
	s.logger.Warn(ev.EventType, fields...)
}

// MultiSink fans every event out to each sink in order.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, ev)
		}
	}
}
